package gateway

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/grovekit/grove/internal/entity"
	v1 "github.com/grovekit/grove/pkg/api/v1"
)

// POST /api/v1/projects/:projectId/issues
func (h *handler) createIssue(c *gin.Context) {
	p, ok := h.openedProject(c)
	if !ok {
		return
	}
	var req v1.CreateIssueRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	issue := &entity.Issue{
		Key:      req.Key,
		Title:    req.Title,
		Content:  req.Content,
		Status:   req.Status,
		Priority: req.Priority,
	}
	if issue.Status == "" {
		issue.Status = entity.IssueStatusOpen
	}
	if err := p.Store().CreateIssue(c.Request.Context(), issue); err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, issue)
}

// GET /api/v1/projects/:projectId/issues
func (h *handler) listIssues(c *gin.Context) {
	p, ok := h.openedProject(c)
	if !ok {
		return
	}
	issues, err := p.Store().ListIssues(c.Request.Context(), entity.IssueFilter{
		Status: c.Query("status"),
	})
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"issues": issues, "total": len(issues)})
}

// GET /api/v1/projects/:projectId/issues/:issueId
func (h *handler) getIssue(c *gin.Context) {
	p, ok := h.openedProject(c)
	if !ok {
		return
	}
	issue, err := p.Store().GetIssue(c.Request.Context(), c.Param("issueId"))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, issue)
}

// PATCH /api/v1/projects/:projectId/issues/:issueId
func (h *handler) updateIssue(c *gin.Context) {
	p, ok := h.openedProject(c)
	if !ok {
		return
	}
	var req v1.UpdateIssueRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	issue, err := p.Store().GetIssue(c.Request.Context(), c.Param("issueId"))
	if err != nil {
		h.fail(c, err)
		return
	}
	if req.Title != nil {
		issue.Title = *req.Title
	}
	if req.Content != nil {
		issue.Content = *req.Content
	}
	if req.Status != nil {
		issue.Status = *req.Status
	}
	if req.Priority != nil {
		issue.Priority = *req.Priority
	}
	if err := p.Store().UpdateIssue(c.Request.Context(), issue); err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, issue)
}

// DELETE /api/v1/projects/:projectId/issues/:issueId
func (h *handler) deleteIssue(c *gin.Context) {
	p, ok := h.openedProject(c)
	if !ok {
		return
	}
	issue, err := p.Store().GetIssue(c.Request.Context(), c.Param("issueId"))
	if err != nil {
		h.fail(c, err)
		return
	}
	if err := p.Store().DeleteIssue(c.Request.Context(), issue.ID); err != nil {
		h.fail(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// POST /api/v1/projects/:projectId/specs
func (h *handler) createSpec(c *gin.Context) {
	p, ok := h.openedProject(c)
	if !ok {
		return
	}
	var req v1.CreateSpecRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	spec := &entity.Spec{Key: req.Key, Title: req.Title, Content: req.Content}
	if err := p.Store().CreateSpec(c.Request.Context(), spec); err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, spec)
}

// GET /api/v1/projects/:projectId/specs/:specId
func (h *handler) getSpec(c *gin.Context) {
	p, ok := h.openedProject(c)
	if !ok {
		return
	}
	spec, err := p.Store().GetSpec(c.Request.Context(), c.Param("specId"))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, spec)
}

// POST /api/v1/projects/:projectId/relationships
func (h *handler) createRelationship(c *gin.Context) {
	p, ok := h.openedProject(c)
	if !ok {
		return
	}
	var req v1.CreateRelationshipRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	rel := &entity.Relationship{FromID: req.FromID, ToID: req.ToID, Type: req.Type}
	if err := p.Store().CreateRelationship(c.Request.Context(), rel); err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, rel)
}
