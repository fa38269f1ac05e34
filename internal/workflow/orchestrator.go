package workflow

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/grovekit/grove/internal/common/errs"
	"github.com/grovekit/grove/internal/entity"
	"github.com/grovekit/grove/internal/events"
	"github.com/grovekit/grove/internal/execution"
	"github.com/grovekit/grove/internal/wakeup"
)

// StatusReport is the orchestrator's view of a workflow.
type StatusReport struct {
	Workflow *entity.Workflow      `json:"workflow"`
	Steps    []entity.WorkflowStep `json:"steps"`
	Ready    []string              `json:"ready"`
}

// EscalationResult is the outcome of escalate_to_user. In autonomous mode
// the decision is resolved inline; otherwise the orchestrator awaits a
// user_decision event.
type EscalationResult struct {
	EventID      string          `json:"event_id"`
	AutoResolved bool            `json:"auto_resolved"`
	Decision     json.RawMessage `json:"decision,omitempty"`
}

// AwaitResult is the outcome of await_event.
type AwaitResult struct {
	Resolution  string          `json:"resolution"` // matched or timeout
	MatchedType string          `json:"matched_type,omitempty"`
	Payload     json.RawMessage `json:"payload,omitempty"`
}

// StartOrchestrated moves a pending workflow to running under an
// orchestrator execution instead of the sequential scheduler. The
// orchestrator agent receives the workflow briefing as its prompt and
// drives step execution through tool calls.
func (e *Engine) StartOrchestrated(ctx context.Context, workflowID, agentType string) (*entity.Workflow, error) {
	wf, err := e.store.GetWorkflow(ctx, workflowID)
	if err != nil {
		return nil, err
	}
	if wf.Status != entity.WorkflowStatusPending {
		return nil, errs.Conflictf("workflow %s is %s, not pending", wf.ID, wf.Status)
	}
	if agentType == "" {
		agentType = wf.Config.V.DefaultAgentType
	}

	prompt, err := e.renderOrchestratorPrompt(ctx, wf)
	if err != nil {
		return nil, err
	}
	req := execution.CreateRequest{
		AgentType:           agentType,
		Prompt:              prompt,
		TargetBranch:        wf.BaseBranch,
		WorkflowExecutionID: wf.ID,
	}
	if e.orchEnv != nil {
		req.Env = e.orchEnv(wf.ID)
	}
	exec, err := e.execs.Create(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("failed to start orchestrator execution: %w", err)
	}

	wf.Status = entity.WorkflowStatusRunning
	wf.OrchestratorExecutionID = &exec.ID
	wf.UpdatedAt = time.Now().UTC()
	if err := e.store.UpdateWorkflow(ctx, wf); err != nil {
		return nil, err
	}
	e.publishWorkflow(ctx, wf, events.WorkflowStatusChanged, map[string]interface{}{
		"from": entity.WorkflowStatusPending, "to": entity.WorkflowStatusRunning,
		"orchestrator_execution_id": exec.ID,
	})
	if err := e.spawnDriver(wf, false, true); err != nil {
		return nil, err
	}
	return wf, nil
}

// renderOrchestratorPrompt briefs the orchestrator agent on the workflow:
// steps, their issues, and the dependency edges it has to respect.
func (e *Engine) renderOrchestratorPrompt(ctx context.Context, wf *entity.Workflow) (string, error) {
	var b strings.Builder
	fmt.Fprintf(&b, "You are orchestrating the workflow %q.\n", wf.Title)
	fmt.Fprintf(&b, "Workflow id: %s (pass it as workflow_id on every workflow tool call).\n\n", wf.ID)
	b.WriteString("Steps, in index order:\n\n")
	for _, step := range wf.Steps.V {
		issue, err := e.store.GetIssue(ctx, step.IssueID)
		if err != nil {
			return "", err
		}
		fmt.Fprintf(&b, "- step %s: issue %s %q", step.ID, issue.Key, issue.Title)
		if len(step.DependsOn) > 0 {
			fmt.Fprintf(&b, " (after %s)", strings.Join(step.DependsOn, ", "))
		}
		b.WriteString("\n")
	}
	b.WriteString("\nUse the workflow tools to run each step's issue, respecting the\n")
	b.WriteString("dependency order, and call workflow_complete when every step is done\n")
	b.WriteString("or the workflow cannot proceed.\n")
	return b.String(), nil
}

// WorkflowStatus returns the workflow together with its current ready set.
func (e *Engine) WorkflowStatus(ctx context.Context, workflowID string) (*StatusReport, error) {
	wf, err := e.store.GetWorkflow(ctx, workflowID)
	if err != nil {
		return nil, err
	}
	report := &StatusReport{Workflow: wf, Steps: wf.Steps.V}
	for _, step := range readySteps(wf.Steps.V) {
		report.Ready = append(report.Ready, step.ID)
	}
	return report, nil
}

// ExecuteIssue starts the workflow step bound to issueID and returns the
// child execution's id.
func (e *Engine) ExecuteIssue(ctx context.Context, workflowID, issueID, agentType string) (string, error) {
	wf, err := e.store.GetWorkflow(ctx, workflowID)
	if err != nil {
		return "", err
	}
	issue, err := e.store.GetIssue(ctx, issueID)
	if err != nil {
		return "", err
	}
	var stepID string
	for _, step := range wf.Steps.V {
		if step.IssueID == issue.ID {
			stepID = step.ID
			break
		}
	}
	if stepID == "" {
		return "", errs.NotFoundf("workflow %s has no step for issue %s", workflowID, issue.ID)
	}

	out := make(chan string, 1)
	if err := e.command(ctx, workflowID, driverCommand{kind: driverExec, stepID: stepID, agentType: agentType, execOut: out}); err != nil {
		return "", err
	}
	select {
	case execID := <-out:
		return execID, nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// Complete is the orchestrator's terminal transition for the workflow.
func (e *Engine) Complete(ctx context.Context, workflowID, status, summary string) error {
	if err := e.command(ctx, workflowID, driverCommand{kind: driverComplete, status: status}); err != nil {
		return err
	}
	if summary != "" {
		payload, _ := json.Marshal(map[string]string{"summary": summary})
		now := time.Now().UTC()
		ev := &entity.WorkflowEvent{
			WorkflowID:  workflowID,
			Type:        entity.EventOrchestratorWakeup,
			Payload:     payload,
			ProcessedAt: &now,
		}
		if err := e.store.AppendWorkflowEvent(ctx, ev); err != nil {
			e.logger.Warn("failed to record completion summary", zap.Error(err))
		}
	}
	return nil
}

// EscalateToUser queues a decision for a human. Under autonomous autonomy
// the first option is selected immediately; otherwise the caller should
// follow up with AwaitEvent on user_decision.
func (e *Engine) EscalateToUser(ctx context.Context, workflowID, message string, options []string) (*EscalationResult, error) {
	wf, err := e.store.GetWorkflow(ctx, workflowID)
	if err != nil {
		return nil, err
	}
	payload, _ := json.Marshal(map[string]interface{}{
		"message": message,
		"options": options,
	})
	now := time.Now().UTC()
	ev := &entity.WorkflowEvent{
		WorkflowID:  workflowID,
		Type:        entity.EventUserMessage,
		Payload:     payload,
		ProcessedAt: &now,
	}
	if err := e.store.AppendWorkflowEvent(ctx, ev); err != nil {
		return nil, err
	}
	e.publishWorkflow(ctx, wf, events.WorkflowEventQueued, map[string]interface{}{
		"event_id":   ev.ID,
		"event_type": entity.EventUserMessage,
		"message":    message,
		"options":    options,
	})

	res := &EscalationResult{EventID: ev.ID}
	if wf.Config.V.AutonomyLevel == AutonomyAutonomous && len(options) > 0 {
		res.AutoResolved = true
		res.Decision, _ = json.Marshal(map[string]string{"option": options[0]})
		decision := &entity.WorkflowEvent{
			WorkflowID:  workflowID,
			Type:        entity.EventUserDecision,
			Payload:     res.Decision,
			ProcessedAt: &now,
		}
		if err := e.store.AppendWorkflowEvent(ctx, decision); err != nil {
			return nil, err
		}
	}
	return res, nil
}

// NotifyUser records and publishes an informational message from the
// orchestrator; nothing awaits it.
func (e *Engine) NotifyUser(ctx context.Context, workflowID, level, message string) error {
	wf, err := e.store.GetWorkflow(ctx, workflowID)
	if err != nil {
		return err
	}
	payload, _ := json.Marshal(map[string]string{"level": level, "message": message})
	now := time.Now().UTC()
	ev := &entity.WorkflowEvent{
		WorkflowID:  workflowID,
		Type:        entity.EventUserMessage,
		Payload:     payload,
		ProcessedAt: &now,
	}
	if err := e.store.AppendWorkflowEvent(ctx, ev); err != nil {
		return err
	}
	e.publishWorkflow(ctx, wf, events.WorkflowEventQueued, map[string]interface{}{
		"event_id":   ev.ID,
		"event_type": entity.EventUserMessage,
		"level":      level,
		"message":    message,
	})
	return nil
}

// AwaitEvent parks until one of eventTypes is delivered to the workflow or
// the timeout elapses. The timer is durable; if the process dies while
// parked, recovery re-arms it.
func (e *Engine) AwaitEvent(ctx context.Context, workflowID string, eventTypes []string, timeout time.Duration) (*AwaitResult, error) {
	ev, err := e.wakeup.ScheduleAwait(ctx, workflowID, eventTypes, timeout)
	if err != nil {
		return nil, err
	}

	ch := make(chan wakeup.Firing, 1)
	e.mu.Lock()
	e.waiters[ev.ID] = ch
	e.mu.Unlock()
	defer func() {
		e.mu.Lock()
		delete(e.waiters, ev.ID)
		e.mu.Unlock()
	}()

	select {
	case f := <-ch:
		return &AwaitResult{
			Resolution:  f.Resolution,
			MatchedType: f.MatchedType,
			Payload:     f.Payload,
		}, nil
	case <-ctx.Done():
		// Leave the durable row armed; the firing lands as a bus event.
		return nil, ctx.Err()
	}
}
