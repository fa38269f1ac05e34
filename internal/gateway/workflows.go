package gateway

import (
	"encoding/json"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/grovekit/grove/internal/entity"
	"github.com/grovekit/grove/internal/workflow"
	v1 "github.com/grovekit/grove/pkg/api/v1"
)

// POST /api/v1/projects/:projectId/workflows
func (h *handler) createWorkflow(c *gin.Context) {
	p, ok := h.openedProject(c)
	if !ok {
		return
	}
	var req v1.CreateWorkflowRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	wf, err := p.Workflows().Create(c.Request.Context(), workflow.CreateRequest{
		Title:            req.Title,
		IssueIDs:         req.IssueIDs,
		SpecID:           req.SpecID,
		BaseBranch:       req.BaseBranch,
		Parallelism:      req.Parallelism,
		MaxParallel:      req.MaxParallel,
		OnFailure:        req.OnFailure,
		DefaultAgentType: req.DefaultAgentType,
		AutonomyLevel:    req.AutonomyLevel,
	})
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, wf)
}

// GET /api/v1/projects/:projectId/workflows
func (h *handler) listWorkflows(c *gin.Context) {
	p, ok := h.openedProject(c)
	if !ok {
		return
	}
	filter := entity.WorkflowFilter{}
	if status := c.Query("status"); status != "" {
		filter.Statuses = []string{status}
	}
	wfs, err := p.Workflows().List(c.Request.Context(), filter)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"workflows": wfs, "total": len(wfs)})
}

// GET /api/v1/projects/:projectId/workflows/:workflowId
func (h *handler) getWorkflow(c *gin.Context) {
	p, ok := h.openedProject(c)
	if !ok {
		return
	}
	wf, err := p.Workflows().Get(c.Request.Context(), c.Param("workflowId"))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, wf)
}

// POST /api/v1/projects/:projectId/workflows/:workflowId/start
func (h *handler) startWorkflow(c *gin.Context) {
	p, ok := h.openedProject(c)
	if !ok {
		return
	}
	var req v1.StartWorkflowRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		// Empty body means the built-in driver with defaults.
		req = v1.StartWorkflowRequest{}
	}
	workflowID := c.Param("workflowId")

	if req.Orchestrated {
		wf, err := p.Workflows().StartOrchestrated(c.Request.Context(), workflowID, req.AgentType)
		if err != nil {
			h.fail(c, err)
			return
		}
		c.JSON(http.StatusAccepted, wf)
		return
	}
	if err := p.Workflows().Start(c.Request.Context(), workflowID); err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"workflow_id": workflowID})
}

// POST /api/v1/projects/:projectId/workflows/:workflowId/pause
func (h *handler) pauseWorkflow(c *gin.Context) {
	h.workflowCommand(c, func(wfs *workflow.Engine, id string) error {
		return wfs.Pause(c.Request.Context(), id)
	})
}

// POST /api/v1/projects/:projectId/workflows/:workflowId/resume
func (h *handler) resumeWorkflow(c *gin.Context) {
	h.workflowCommand(c, func(wfs *workflow.Engine, id string) error {
		return wfs.Resume(c.Request.Context(), id)
	})
}

// POST /api/v1/projects/:projectId/workflows/:workflowId/cancel
func (h *handler) cancelWorkflow(c *gin.Context) {
	h.workflowCommand(c, func(wfs *workflow.Engine, id string) error {
		return wfs.Cancel(c.Request.Context(), id)
	})
}

// POST /api/v1/projects/:projectId/workflows/:workflowId/decision
func (h *handler) submitDecision(c *gin.Context) {
	p, ok := h.openedProject(c)
	if !ok {
		return
	}
	var req v1.UserDecisionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	payload, err := json.Marshal(req)
	if err != nil {
		badRequest(c, err)
		return
	}
	if err := p.Workflows().SubmitUserDecision(c.Request.Context(), c.Param("workflowId"), payload); err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"workflow_id": c.Param("workflowId")})
}

func (h *handler) workflowCommand(c *gin.Context, run func(*workflow.Engine, string) error) {
	p, ok := h.openedProject(c)
	if !ok {
		return
	}
	workflowID := c.Param("workflowId")
	if err := run(p.Workflows(), workflowID); err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"workflow_id": workflowID})
}
