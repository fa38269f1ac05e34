package v1

// CreateIssueRequest creates an issue in a project.
type CreateIssueRequest struct {
	Key      string `json:"key,omitempty"`
	Title    string `json:"title" binding:"required,max=500"`
	Content  string `json:"content"`
	Status   string `json:"status,omitempty"`
	Priority int    `json:"priority" binding:"min=0,max=10"`
}

// UpdateIssueRequest patches an issue. Nil fields are left untouched.
type UpdateIssueRequest struct {
	Title    *string `json:"title,omitempty" binding:"omitempty,max=500"`
	Content  *string `json:"content,omitempty"`
	Status   *string `json:"status,omitempty"`
	Priority *int    `json:"priority,omitempty" binding:"omitempty,min=0,max=10"`
}

// CreateSpecRequest creates a spec document.
type CreateSpecRequest struct {
	Key     string `json:"key,omitempty"`
	Title   string `json:"title" binding:"required,max=500"`
	Content string `json:"content"`
}

// CreateRelationshipRequest links two entities with a typed edge.
type CreateRelationshipRequest struct {
	FromID string `json:"from_id" binding:"required"`
	ToID   string `json:"to_id" binding:"required"`
	Type   string `json:"type" binding:"required,oneof=blocks depends-on spec"`
}
