// Package v1 holds the wire types of the grove HTTP API.
package v1

import "time"

// Project is one open repository.
type Project struct {
	ID        string    `json:"id"`
	RepoPath  string    `json:"repo_path"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"created_at"`
}

// OpenProjectRequest opens (or re-opens) a repository as a project.
type OpenProjectRequest struct {
	RepoPath string `json:"repo_path" binding:"required"`
}

// ProjectList is the projects collection response.
type ProjectList struct {
	Projects []Project `json:"projects"`
	Total    int       `json:"total"`
}
