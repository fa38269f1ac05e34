package gateway

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/grovekit/grove/internal/project"
	v1 "github.com/grovekit/grove/pkg/api/v1"
)

func projectDTO(p *project.Project) v1.Project {
	return v1.Project{
		ID:        p.ID,
		RepoPath:  p.RepoPath,
		Name:      p.Name,
		CreatedAt: p.CreatedAt,
	}
}

// POST /api/v1/projects
func (h *handler) openProject(c *gin.Context) {
	var req v1.OpenProjectRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	p, err := h.registry.Open(c.Request.Context(), req.RepoPath)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, projectDTO(p))
}

// GET /api/v1/projects
func (h *handler) listProjects(c *gin.Context) {
	open := h.registry.List()
	projects := make([]v1.Project, 0, len(open))
	for _, p := range open {
		projects = append(projects, projectDTO(p))
	}
	c.JSON(http.StatusOK, v1.ProjectList{Projects: projects, Total: len(projects)})
}

// GET /api/v1/projects/:projectId
func (h *handler) getProject(c *gin.Context) {
	p, ok := h.openedProject(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, projectDTO(p))
}
