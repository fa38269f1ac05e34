package gateway

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/grovekit/grove/internal/entity"
	"github.com/grovekit/grove/internal/execution"
	v1 "github.com/grovekit/grove/pkg/api/v1"
)

// POST /api/v1/projects/:projectId/executions
func (h *handler) createExecution(c *gin.Context) {
	p, ok := h.openedProject(c)
	if !ok {
		return
	}
	var req v1.CreateExecutionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	exec, err := p.Executions().Create(c.Request.Context(), execution.CreateRequest{
		IssueID:        req.IssueID,
		AgentType:      req.AgentType,
		Mode:           req.Mode,
		Prompt:         req.Prompt,
		TargetBranch:   req.TargetBranch,
		PermissionMode: req.PermissionMode,
	})
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, exec)
}

// GET /api/v1/projects/:projectId/executions
func (h *handler) listExecutions(c *gin.Context) {
	p, ok := h.openedProject(c)
	if !ok {
		return
	}
	filter := entity.ExecutionFilter{
		IssueID:    c.Query("issue_id"),
		WorkflowID: c.Query("workflow_id"),
	}
	if status := c.Query("status"); status != "" {
		filter.Statuses = []string{status}
	}
	execs, err := p.Executions().List(c.Request.Context(), filter)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"executions": execs, "total": len(execs)})
}

// GET /api/v1/projects/:projectId/executions/:executionId
func (h *handler) getExecution(c *gin.Context) {
	p, ok := h.openedProject(c)
	if !ok {
		return
	}
	exec, err := p.Executions().Get(c.Request.Context(), c.Param("executionId"))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, exec)
}

// POST /api/v1/projects/:projectId/executions/:executionId/cancel
func (h *handler) cancelExecution(c *gin.Context) {
	p, ok := h.openedProject(c)
	if !ok {
		return
	}
	if err := p.Executions().Cancel(c.Request.Context(), c.Param("executionId")); err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"execution_id": c.Param("executionId")})
}

// POST /api/v1/projects/:projectId/executions/:executionId/followup
func (h *handler) followUpExecution(c *gin.Context) {
	p, ok := h.openedProject(c)
	if !ok {
		return
	}
	var req v1.FollowUpRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	exec, err := p.Executions().FollowUp(c.Request.Context(), c.Param("executionId"), req.Prompt, req.AgentType)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, exec)
}

// POST /api/v1/projects/:projectId/executions/:executionId/permission
func (h *handler) respondToPermission(c *gin.Context) {
	p, ok := h.openedProject(c)
	if !ok {
		return
	}
	var req v1.PermissionResponseRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	err := p.Executions().RespondToPermission(c.Request.Context(), c.Param("executionId"), req.RequestID, req.OptionID)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"request_id": req.RequestID})
}

// DELETE /api/v1/projects/:projectId/executions/:executionId/worktree
func (h *handler) cleanupExecutionWorktree(c *gin.Context) {
	p, ok := h.openedProject(c)
	if !ok {
		return
	}
	if err := p.Executions().CleanupWorkspace(c.Request.Context(), c.Param("executionId")); err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"execution_id": c.Param("executionId")})
}

// GET /api/v1/projects/:projectId/executions/:executionId/trajectory?from=0&limit=200
func (h *handler) readTrajectory(c *gin.Context) {
	p, ok := h.openedProject(c)
	if !ok {
		return
	}
	executionID := c.Param("executionId")
	if _, err := p.Executions().Get(c.Request.Context(), executionID); err != nil {
		h.fail(c, err)
		return
	}

	from, _ := strconv.ParseInt(c.DefaultQuery("from", "0"), 10, 64)
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "200"))

	entries, err := p.Logs().Read(executionID, from, limit)
	if err != nil {
		h.fail(c, err)
		return
	}
	page := v1.TrajectoryPage{
		ExecutionID: executionID,
		Entries:     make([]interface{}, 0, len(entries)),
		FromIndex:   from,
		NextIndex:   from,
	}
	for _, entry := range entries {
		page.Entries = append(page.Entries, entry)
		page.NextIndex = entry.Index + 1
	}
	c.JSON(http.StatusOK, page)
}
