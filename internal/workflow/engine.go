// Package workflow composes executions under a dependency DAG. Two engine
// flavors share the same persisted state machine: the sequential engine
// advances the ready set itself, while the orchestrator engine binds an
// agent execution that drives the workflow through tool calls.
//
// Each active workflow is owned by a single driver goroutine; every step
// and status mutation goes through it.
package workflow

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/grovekit/grove/internal/common/config"
	"github.com/grovekit/grove/internal/common/errs"
	"github.com/grovekit/grove/internal/common/logger"
	"github.com/grovekit/grove/internal/entity"
	"github.com/grovekit/grove/internal/events"
	"github.com/grovekit/grove/internal/events/bus"
	"github.com/grovekit/grove/internal/execution"
	"github.com/grovekit/grove/internal/wakeup"
)

// Parallelism policies.
const (
	ParallelismSequential = "sequential"
	ParallelismParallel   = "parallel"
)

// Failure policies.
const (
	OnFailurePause    = "pause"
	OnFailureContinue = "continue"
	OnFailureAbort    = "abort"
)

// Autonomy levels.
const (
	AutonomyHumanInTheLoop = "human_in_the_loop"
	AutonomyAutonomous     = "autonomous"
)

// ExecutionService is the slice of the execution engine the workflow engine
// drives. *execution.Engine satisfies it.
type ExecutionService interface {
	Create(ctx context.Context, req execution.CreateRequest) (*entity.Execution, error)
	Cancel(ctx context.Context, executionID string) error
	Get(ctx context.Context, executionID string) (*entity.Execution, error)
}

// Deps collects the engine's collaborators.
type Deps struct {
	ProjectID string
	Config    config.WorkflowConfig

	Store      entity.Store
	Executions ExecutionService
	Wakeup     *wakeup.Service
	Bus        bus.EventBus
	Logger     *logger.Logger

	// OrchestratorEnv supplies extra environment for orchestrator
	// executions, typically the MCP tool server endpoints.
	OrchestratorEnv func(workflowID string) map[string]string
}

// Engine creates workflows and supervises their drivers.
type Engine struct {
	projectID string
	cfg       config.WorkflowConfig

	store    entity.Store
	execs    ExecutionService
	wakeup   *wakeup.Service
	bus      bus.EventBus
	logger   *logger.Logger
	orchEnv  func(workflowID string) map[string]string

	mu      sync.Mutex
	drivers map[string]*driver
	waiters map[string]chan wakeup.Firing
	closed  bool
	wg      sync.WaitGroup
}

// New creates a workflow engine. Call Recover before accepting traffic so
// workflows interrupted by a restart resume their state machines.
func New(d Deps) *Engine {
	log := d.Logger
	if log == nil {
		log = logger.Default()
	}
	return &Engine{
		projectID: d.ProjectID,
		cfg:       d.Config,
		store:     d.Store,
		execs:     d.Executions,
		wakeup:    d.Wakeup,
		bus:       d.Bus,
		orchEnv:   d.OrchestratorEnv,
		logger:    log.WithFields(zap.String("component", "workflow-engine"), zap.String("project_id", d.ProjectID)),
		drivers:   make(map[string]*driver),
		waiters:   make(map[string]chan wakeup.Firing),
	}
}

// CreateRequest describes one workflow to create. Exactly one of IssueIDs
// or SpecID selects the source.
type CreateRequest struct {
	Title    string
	IssueIDs []string
	SpecID   string

	// BaseBranch is the branch step worktrees are created from.
	BaseBranch string

	// Config overrides; zero values fall back to the engine defaults.
	Parallelism      string
	MaxParallel      int
	OnFailure        string
	DefaultAgentType string
	AutonomyLevel    string
}

// Create derives the step DAG from the issues' blocks / depends-on
// relationships, validates it and persists the workflow as pending.
func (e *Engine) Create(ctx context.Context, req CreateRequest) (*entity.Workflow, error) {
	issueIDs := req.IssueIDs
	source := entity.WorkflowSource{Type: "issues", IssueIDs: issueIDs}
	if req.SpecID != "" {
		if len(issueIDs) > 0 {
			return nil, fmt.Errorf("issue ids and spec id are mutually exclusive")
		}
		spec, err := e.store.GetSpec(ctx, req.SpecID)
		if err != nil {
			return nil, err
		}
		issueIDs, err = e.issuesForSpec(ctx, spec.ID)
		if err != nil {
			return nil, err
		}
		source = entity.WorkflowSource{Type: "spec", SpecID: spec.ID, IssueIDs: issueIDs}
	}
	if len(issueIDs) == 0 {
		return nil, fmt.Errorf("workflow needs at least one issue")
	}

	steps, err := e.buildSteps(ctx, issueIDs, req)
	if err != nil {
		return nil, err
	}
	if err := validateSteps(steps); err != nil {
		return nil, fmt.Errorf("invalid step graph: %w", err)
	}

	now := time.Now().UTC()
	wf := &entity.Workflow{
		ID:         uuid.New().String(),
		Title:      req.Title,
		Status:     entity.WorkflowStatusPending,
		Source:     entity.JSON(source),
		Steps:      entity.JSON(steps),
		Config:     entity.JSON(e.mergeConfig(req)),
		BaseBranch: req.BaseBranch,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := e.store.CreateWorkflow(ctx, wf); err != nil {
		return nil, err
	}
	e.publishWorkflow(ctx, wf, events.WorkflowCreated, nil)
	return wf, nil
}

// issuesForSpec resolves the issues linked to a spec, ordered by creation.
func (e *Engine) issuesForSpec(ctx context.Context, specID string) ([]string, error) {
	rels, err := e.store.RelationshipsOf(ctx, specID)
	if err != nil {
		return nil, err
	}
	var out []string
	for _, rel := range rels {
		if rel.Type != entity.RelSpec {
			continue
		}
		other := rel.FromID
		if other == specID {
			other = rel.ToID
		}
		out = append(out, other)
	}
	return out, nil
}

// buildSteps maps issues to steps and derives dependency edges from the
// issues' relationships, keeping only edges inside the workflow. `A blocks
// B` and `B depends-on A` both order B after A.
func (e *Engine) buildSteps(ctx context.Context, issueIDs []string, req CreateRequest) ([]entity.WorkflowStep, error) {
	agentType := req.DefaultAgentType
	if agentType == "" {
		agentType = e.cfg.DefaultAgentType
	}

	stepByIssue := make(map[string]string, len(issueIDs))
	steps := make([]entity.WorkflowStep, 0, len(issueIDs))
	for i, issueID := range issueIDs {
		issue, err := e.store.GetIssue(ctx, issueID)
		if err != nil {
			return nil, err
		}
		if _, dup := stepByIssue[issue.ID]; dup {
			return nil, fmt.Errorf("issue %s listed twice", issue.ID)
		}
		step := entity.WorkflowStep{
			ID:        uuid.New().String(),
			IssueID:   issue.ID,
			Index:     i,
			Status:    entity.StepStatusPending,
			AgentType: agentType,
		}
		stepByIssue[issue.ID] = step.ID
		steps = append(steps, step)
	}

	for i := range steps {
		rels, err := e.store.RelationshipsOf(ctx, steps[i].IssueID)
		if err != nil {
			return nil, err
		}
		for _, rel := range rels {
			var after string
			switch {
			case rel.Type == entity.RelDependsOn && rel.FromID == steps[i].IssueID:
				after = rel.ToID
			case rel.Type == entity.RelBlocks && rel.ToID == steps[i].IssueID:
				after = rel.FromID
			default:
				continue
			}
			depStep, inGraph := stepByIssue[after]
			if !inGraph {
				continue
			}
			steps[i].DependsOn = appendUnique(steps[i].DependsOn, depStep)
		}
	}
	return steps, nil
}

func appendUnique(list []string, v string) []string {
	for _, have := range list {
		if have == v {
			return list
		}
	}
	return append(list, v)
}

func (e *Engine) mergeConfig(req CreateRequest) entity.WorkflowConfig {
	cfg := entity.WorkflowConfig{
		Parallelism:      req.Parallelism,
		MaxParallel:      req.MaxParallel,
		OnFailure:        req.OnFailure,
		DefaultAgentType: req.DefaultAgentType,
		AutonomyLevel:    req.AutonomyLevel,
	}
	if cfg.Parallelism == "" {
		if e.cfg.MaxParallel > 1 {
			cfg.Parallelism = ParallelismParallel
		} else {
			cfg.Parallelism = ParallelismSequential
		}
	}
	if cfg.MaxParallel <= 0 {
		cfg.MaxParallel = e.cfg.MaxParallel
	}
	if cfg.MaxParallel <= 0 {
		cfg.MaxParallel = 1
	}
	if cfg.OnFailure == "" {
		cfg.OnFailure = e.cfg.OnFailure
	}
	if cfg.OnFailure == "" {
		cfg.OnFailure = OnFailurePause
	}
	if cfg.DefaultAgentType == "" {
		cfg.DefaultAgentType = e.cfg.DefaultAgentType
	}
	if cfg.AutonomyLevel == "" {
		cfg.AutonomyLevel = e.cfg.AutonomyLevel
	}
	if cfg.AutonomyLevel == "" {
		cfg.AutonomyLevel = AutonomyHumanInTheLoop
	}
	return cfg
}

// Start moves a pending workflow to running and spins its driver.
func (e *Engine) Start(ctx context.Context, workflowID string) error {
	wf, err := e.store.GetWorkflow(ctx, workflowID)
	if err != nil {
		return err
	}
	if wf.Status != entity.WorkflowStatusPending {
		return errs.Conflictf("workflow %s is %s, not pending", wf.ID, wf.Status)
	}
	wf.Status = entity.WorkflowStatusRunning
	wf.UpdatedAt = time.Now().UTC()
	if err := e.store.UpdateWorkflow(ctx, wf); err != nil {
		return err
	}
	e.publishWorkflow(ctx, wf, events.WorkflowStatusChanged, map[string]interface{}{
		"from": entity.WorkflowStatusPending, "to": entity.WorkflowStatusRunning,
	})
	return e.spawnDriver(wf, false, false)
}

// Pause stops the workflow from starting new steps; in-flight steps run to
// completion.
func (e *Engine) Pause(ctx context.Context, workflowID string) error {
	return e.command(ctx, workflowID, driverCommand{kind: driverPause})
}

// Resume continues a paused workflow.
func (e *Engine) Resume(ctx context.Context, workflowID string) error {
	e.mu.Lock()
	_, live := e.drivers[workflowID]
	e.mu.Unlock()
	if !live {
		// Paused across a restart: the driver is rebuilt on demand.
		wf, err := e.store.GetWorkflow(ctx, workflowID)
		if err != nil {
			return err
		}
		if wf.Status != entity.WorkflowStatusPaused {
			return errs.Conflictf("workflow %s is %s, not paused", wf.ID, wf.Status)
		}
		if err := e.spawnDriver(wf, true, wf.OrchestratorExecutionID != nil); err != nil {
			return err
		}
	}
	return e.command(ctx, workflowID, driverCommand{kind: driverResume})
}

// Cancel cancels in-flight step executions and marks the workflow
// cancelled.
func (e *Engine) Cancel(ctx context.Context, workflowID string) error {
	e.mu.Lock()
	_, live := e.drivers[workflowID]
	e.mu.Unlock()
	if live {
		return e.command(ctx, workflowID, driverCommand{kind: driverCancel})
	}

	wf, err := e.store.GetWorkflow(ctx, workflowID)
	if err != nil {
		return err
	}
	if wf.IsTerminal() {
		return errs.Conflictf("workflow %s is already %s", wf.ID, wf.Status)
	}
	from := wf.Status
	wf.Status = entity.WorkflowStatusCancelled
	wf.UpdatedAt = time.Now().UTC()
	if err := e.store.UpdateWorkflow(ctx, wf); err != nil {
		return err
	}
	e.publishWorkflow(ctx, wf, events.WorkflowStatusChanged, map[string]interface{}{
		"from": from, "to": entity.WorkflowStatusCancelled,
	})
	return nil
}

// Get returns one workflow row.
func (e *Engine) Get(ctx context.Context, workflowID string) (*entity.Workflow, error) {
	return e.store.GetWorkflow(ctx, workflowID)
}

// List returns workflows matching the filter.
func (e *Engine) List(ctx context.Context, filter entity.WorkflowFilter) ([]*entity.Workflow, error) {
	return e.store.ListWorkflows(ctx, filter)
}

// SubmitUserDecision records a human decision and delivers it to the oldest
// pending await on the workflow.
func (e *Engine) SubmitUserDecision(ctx context.Context, workflowID string, payload json.RawMessage) error {
	ev := &entity.WorkflowEvent{
		WorkflowID: workflowID,
		Type:       entity.EventUserDecision,
		Payload:    payload,
	}
	if err := e.store.AppendWorkflowEvent(ctx, ev); err != nil {
		return err
	}
	if _, err := e.wakeup.Deliver(ctx, workflowID, entity.EventUserDecision, payload); err != nil {
		return err
	}
	// The decision row is audit trail, not a pending timer.
	return e.store.MarkEventProcessed(ctx, ev.ID)
}

// Recover restarts the state machines of workflows that were active when
// the process died: running steps whose executions did not survive are
// failed with reason crashed, paused workflows come back paused without
// auto-advancing.
func (e *Engine) Recover(ctx context.Context) error {
	active, err := e.store.ListWorkflows(ctx, entity.WorkflowFilter{
		NotStatuses: []string{
			entity.WorkflowStatusCompleted,
			entity.WorkflowStatusCancelled,
			entity.WorkflowStatusFailed,
		},
	})
	if err != nil {
		return err
	}
	for _, wf := range active {
		if err := e.recoverWorkflow(ctx, wf); err != nil {
			e.logger.Error("failed to recover workflow",
				zap.String("workflow_id", wf.ID), zap.Error(err))
		}
	}
	e.logger.Info("workflow recovery complete", zap.Int("active", len(active)))
	return nil
}

func (e *Engine) recoverWorkflow(ctx context.Context, wf *entity.Workflow) error {
	crashed := false
	for i := range wf.Steps.V {
		step := &wf.Steps.V[i]
		if step.Status != entity.StepStatusRunning {
			continue
		}
		// A running step's subprocess cannot survive a host crash. When
		// the bound execution row is still non-terminal, the step died
		// with the process.
		dead := true
		if step.ExecutionID != "" {
			exec, err := e.execs.Get(ctx, step.ExecutionID)
			if err == nil && exec.IsTerminal() && exec.Status == entity.ExecutionStatusCompleted {
				step.Status = entity.StepStatusCompleted
				dead = false
			}
		}
		if dead {
			step.Status = entity.StepStatusFailed
			step.Reason = entity.StepReasonCrashed
			crashed = true
		}
	}
	wf.CurrentStepIndex = maxInt(wf.CurrentStepIndex, settledPrefix(wf.Steps.V))
	wf.UpdatedAt = time.Now().UTC()
	if err := e.store.UpdateWorkflow(ctx, wf); err != nil {
		return err
	}

	switch wf.Status {
	case entity.WorkflowStatusPaused:
		// Restored paused; the driver comes back on Resume.
		return nil
	case entity.WorkflowStatusPending:
		return nil
	}

	if err := e.spawnDriver(wf, false, wf.OrchestratorExecutionID != nil); err != nil {
		return err
	}
	if crashed {
		// Let the driver apply the onFailure policy to the crashed steps.
		return e.command(ctx, wf.ID, driverCommand{kind: driverReconcile})
	}
	return e.command(ctx, wf.ID, driverCommand{kind: driverKick})
}

// Shutdown stops every driver without cancelling workflows; they recover on
// the next start.
func (e *Engine) Shutdown(ctx context.Context) error {
	e.mu.Lock()
	e.closed = true
	live := make([]*driver, 0, len(e.drivers))
	for _, d := range e.drivers {
		live = append(live, d)
	}
	e.mu.Unlock()

	for _, d := range live {
		d.stop()
	}
	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("%w: workflow drivers still draining", errs.ErrShutdownTimeout)
	}
}

func (e *Engine) spawnDriver(wf *entity.Workflow, paused, manual bool) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return fmt.Errorf("workflow engine is shut down")
	}
	if _, exists := e.drivers[wf.ID]; exists {
		return nil
	}
	d := newDriver(e, wf, paused, manual)
	e.drivers[wf.ID] = d
	e.wg.Add(1)
	go d.run()
	return nil
}

func (e *Engine) command(ctx context.Context, workflowID string, cmd driverCommand) error {
	e.mu.Lock()
	d := e.drivers[workflowID]
	e.mu.Unlock()
	if d == nil {
		return errs.NotFoundf("no active driver for workflow %s", workflowID)
	}
	return d.send(ctx, cmd)
}

func (e *Engine) release(d *driver) {
	e.mu.Lock()
	delete(e.drivers, d.wf.ID)
	e.mu.Unlock()
	e.wg.Done()
}

func (e *Engine) publishWorkflow(ctx context.Context, wf *entity.Workflow, eventType string, data map[string]interface{}) {
	if data == nil {
		data = make(map[string]interface{})
	}
	data["project_id"] = e.projectID
	data["workflow_id"] = wf.ID
	data["status"] = wf.Status
	ev := bus.NewEvent(eventType, "workflow-engine", data)
	if err := e.bus.Publish(ctx, events.WorkflowEventsSubject(e.projectID, wf.ID), ev); err != nil {
		e.logger.Warn("failed to publish workflow event",
			zap.String("workflow_id", wf.ID), zap.String("type", eventType), zap.Error(err))
	}
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}
