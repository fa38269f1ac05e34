package workflow

import (
	"context"
	"encoding/json"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/grovekit/grove/internal/common/config"
	"github.com/grovekit/grove/internal/common/errs"
	"github.com/grovekit/grove/internal/common/logger"
	"github.com/grovekit/grove/internal/db"
	"github.com/grovekit/grove/internal/entity"
	"github.com/grovekit/grove/internal/events"
	"github.com/grovekit/grove/internal/events/bus"
	"github.com/grovekit/grove/internal/execution"
	"github.com/grovekit/grove/internal/wakeup"
)

// fakeExecs stands in for the execution engine. Executions stay running
// until the test finishes them, which also publishes the terminal status
// transition the driver watches for.
type fakeExecs struct {
	projectID string
	bus       bus.EventBus

	mu        sync.Mutex
	execs     map[string]*entity.Execution
	created   []execution.CreateRequest
	cancelled []string
	failNext  bool

	// cancelStops makes Cancel finish the execution as stopped, the way
	// the real engine's cancel path does.
	cancelStops bool
}

func newFakeExecs(projectID string, b bus.EventBus) *fakeExecs {
	return &fakeExecs{projectID: projectID, bus: b, execs: make(map[string]*entity.Execution)}
}

func (f *fakeExecs) Create(ctx context.Context, req execution.CreateRequest) (*entity.Execution, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failNext {
		f.failNext = false
		return nil, errs.Conflictf("issue is busy")
	}
	exec := &entity.Execution{
		ID:        uuid.New().String(),
		AgentType: req.AgentType,
		Mode:      entity.ExecutionModeWorktree,
		Status:    entity.ExecutionStatusRunning,
		Prompt:    req.Prompt,
	}
	if req.IssueID != "" {
		exec.IssueID = &req.IssueID
	}
	f.execs[exec.ID] = exec
	f.created = append(f.created, req)
	return exec, nil
}

func (f *fakeExecs) Cancel(ctx context.Context, executionID string) error {
	f.mu.Lock()
	f.cancelled = append(f.cancelled, executionID)
	stops := f.cancelStops
	f.mu.Unlock()
	if stops {
		f.finish(executionID, entity.ExecutionStatusStopped)
	}
	return nil
}

func (f *fakeExecs) Get(ctx context.Context, executionID string) (*entity.Execution, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	exec, ok := f.execs[executionID]
	if !ok {
		return nil, errs.NotFoundf("execution %s", executionID)
	}
	snapshot := *exec
	return &snapshot, nil
}

// finish moves the execution to a terminal status and publishes the
// transition on its status subject.
func (f *fakeExecs) finish(executionID, status string) {
	f.mu.Lock()
	if exec, ok := f.execs[executionID]; ok {
		exec.Status = status
	}
	f.mu.Unlock()
	ev := bus.NewEvent(events.ExecutionStatusChanged, "execution-engine", map[string]interface{}{
		"execution_id": executionID,
		"from":         entity.ExecutionStatusRunning,
		"to":           status,
	})
	_ = f.bus.Publish(context.Background(), events.ExecutionStatusSubject(f.projectID, executionID), ev)
}

func (f *fakeExecs) createdReqs() []execution.CreateRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]execution.CreateRequest(nil), f.created...)
}

func (f *fakeExecs) cancelledIDs() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.cancelled...)
}

// execForIssue returns the execution created for an issue, nil when none.
func (f *fakeExecs) execForIssue(issueID string) *entity.Execution {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, exec := range f.execs {
		if exec.IssueID != nil && *exec.IssueID == issueID {
			snapshot := *exec
			return &snapshot
		}
	}
	return nil
}

type wfEnv struct {
	engine *Engine
	store  entity.Store
	execs  *fakeExecs
	wakeup *wakeup.Service
	bus    bus.EventBus
}

func newWorkflowEnv(t *testing.T, cfg config.WorkflowConfig) *wfEnv {
	t.Helper()

	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "json"})
	require.NoError(t, err)

	pool, err := db.Open(config.DatabaseConfig{Driver: "sqlite"}, filepath.Join(t.TempDir(), "grove.db"))
	require.NoError(t, err)
	store, err := entity.NewSQLStore(pool, log)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	memBus := bus.NewMemoryEventBus(log)
	t.Cleanup(memBus.Close)

	execs := newFakeExecs("proj-1", memBus)
	wk := wakeup.New("proj-1", store, memBus, log)
	t.Cleanup(wk.Close)

	eng := New(Deps{
		ProjectID:  "proj-1",
		Config:     cfg,
		Store:      store,
		Executions: execs,
		Wakeup:     wk,
		Bus:        memBus,
		Logger:     log,
	})
	wk.SetHandler(eng.HandleWakeup)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = eng.Shutdown(ctx)
	})
	return &wfEnv{engine: eng, store: store, execs: execs, wakeup: wk, bus: memBus}
}

func (env *wfEnv) mustIssue(t *testing.T, key, title string) *entity.Issue {
	t.Helper()
	issue := &entity.Issue{
		ID:      uuid.New().String(),
		Key:     key,
		Title:   title,
		Content: "do " + title,
		Status:  entity.IssueStatusOpen,
	}
	require.NoError(t, env.store.CreateIssue(context.Background(), issue))
	return issue
}

func (env *wfEnv) relate(t *testing.T, relType, fromID, toID string) {
	t.Helper()
	require.NoError(t, env.store.CreateRelationship(context.Background(), &entity.Relationship{
		ID: uuid.New().String(), FromID: fromID, ToID: toID, Type: relType,
	}))
}

func (env *wfEnv) waitStatus(t *testing.T, workflowID, status string) *entity.Workflow {
	t.Helper()
	var wf *entity.Workflow
	require.Eventually(t, func() bool {
		var err error
		wf, err = env.store.GetWorkflow(context.Background(), workflowID)
		return err == nil && wf.Status == status
	}, 3*time.Second, 10*time.Millisecond, "workflow never reached %s", status)
	return wf
}

func (env *wfEnv) waitStepStatus(t *testing.T, workflowID, issueID, status string) {
	t.Helper()
	require.Eventually(t, func() bool {
		wf, err := env.store.GetWorkflow(context.Background(), workflowID)
		if err != nil {
			return false
		}
		for _, step := range wf.Steps.V {
			if step.IssueID == issueID {
				return step.Status == status
			}
		}
		return false
	}, 3*time.Second, 10*time.Millisecond, "step for issue %s never reached %s", issueID, status)
}

func (env *wfEnv) waitExecForIssue(t *testing.T, issueID string) *entity.Execution {
	t.Helper()
	var exec *entity.Execution
	require.Eventually(t, func() bool {
		exec = env.execs.execForIssue(issueID)
		return exec != nil
	}, 3*time.Second, 10*time.Millisecond, "no execution created for issue %s", issueID)
	return exec
}

func TestCreateDerivesDependenciesFromRelationships(t *testing.T) {
	env := newWorkflowEnv(t, config.WorkflowConfig{DefaultAgentType: "claude"})
	ctx := context.Background()

	a := env.mustIssue(t, "GROVE-1", "schema")
	b := env.mustIssue(t, "GROVE-2", "api")
	c := env.mustIssue(t, "GROVE-3", "ui")
	env.relate(t, entity.RelBlocks, a.ID, b.ID)
	env.relate(t, entity.RelDependsOn, c.ID, b.ID)

	wf, err := env.engine.Create(ctx, CreateRequest{
		Title:    "ship feature",
		IssueIDs: []string{a.ID, b.ID, c.ID},
	})
	require.NoError(t, err)

	assert.Equal(t, entity.WorkflowStatusPending, wf.Status)
	require.Len(t, wf.Steps.V, 3)
	byIssue := make(map[string]entity.WorkflowStep)
	for _, step := range wf.Steps.V {
		byIssue[step.IssueID] = step
	}
	assert.Empty(t, byIssue[a.ID].DependsOn)
	assert.Equal(t, []string{byIssue[a.ID].ID}, byIssue[b.ID].DependsOn)
	assert.Equal(t, []string{byIssue[b.ID].ID}, byIssue[c.ID].DependsOn)

	assert.Equal(t, ParallelismSequential, wf.Config.V.Parallelism)
	assert.Equal(t, OnFailurePause, wf.Config.V.OnFailure)
	assert.Equal(t, "claude", wf.Config.V.DefaultAgentType)
}

func TestCreateRejectsDependencyCycle(t *testing.T) {
	env := newWorkflowEnv(t, config.WorkflowConfig{})
	ctx := context.Background()

	a := env.mustIssue(t, "GROVE-1", "a")
	b := env.mustIssue(t, "GROVE-2", "b")
	env.relate(t, entity.RelBlocks, a.ID, b.ID)
	env.relate(t, entity.RelBlocks, b.ID, a.ID)

	_, err := env.engine.Create(ctx, CreateRequest{Title: "loop", IssueIDs: []string{a.ID, b.ID}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid step graph")
}

func TestSequentialRunCompletesInOrder(t *testing.T) {
	env := newWorkflowEnv(t, config.WorkflowConfig{DefaultAgentType: "claude"})
	ctx := context.Background()

	a := env.mustIssue(t, "GROVE-1", "schema")
	b := env.mustIssue(t, "GROVE-2", "api")
	env.relate(t, entity.RelBlocks, a.ID, b.ID)

	wf, err := env.engine.Create(ctx, CreateRequest{Title: "two steps", IssueIDs: []string{a.ID, b.ID}, BaseBranch: "main"})
	require.NoError(t, err)
	require.NoError(t, env.engine.Start(ctx, wf.ID))

	execA := env.waitExecForIssue(t, a.ID)
	assert.Nil(t, env.execs.execForIssue(b.ID), "dependent step started before its dependency finished")

	reqs := env.execs.createdReqs()
	require.Len(t, reqs, 1)
	assert.Contains(t, reqs[0].Prompt, "schema")
	assert.Equal(t, "main", reqs[0].TargetBranch)
	assert.Equal(t, wf.ID, reqs[0].WorkflowExecutionID)

	env.execs.finish(execA.ID, entity.ExecutionStatusCompleted)
	execB := env.waitExecForIssue(t, b.ID)
	env.execs.finish(execB.ID, entity.ExecutionStatusCompleted)

	final := env.waitStatus(t, wf.ID, entity.WorkflowStatusCompleted)
	for _, step := range final.Steps.V {
		assert.Equal(t, entity.StepStatusCompleted, step.Status)
	}
	assert.Equal(t, 2, final.CurrentStepIndex)
}

func TestParallelRespectsMaxParallel(t *testing.T) {
	env := newWorkflowEnv(t, config.WorkflowConfig{MaxParallel: 2, DefaultAgentType: "claude"})
	ctx := context.Background()

	a := env.mustIssue(t, "GROVE-1", "a")
	b := env.mustIssue(t, "GROVE-2", "b")
	c := env.mustIssue(t, "GROVE-3", "c")

	wf, err := env.engine.Create(ctx, CreateRequest{Title: "fanout", IssueIDs: []string{a.ID, b.ID, c.ID}})
	require.NoError(t, err)
	require.NoError(t, env.engine.Start(ctx, wf.ID))

	env.waitExecForIssue(t, a.ID)
	env.waitExecForIssue(t, b.ID)
	time.Sleep(50 * time.Millisecond)
	require.Len(t, env.execs.createdReqs(), 2, "third step started past the parallelism cap")

	env.execs.finish(env.execs.execForIssue(a.ID).ID, entity.ExecutionStatusCompleted)
	execC := env.waitExecForIssue(t, c.ID)

	env.execs.finish(env.execs.execForIssue(b.ID).ID, entity.ExecutionStatusCompleted)
	env.execs.finish(execC.ID, entity.ExecutionStatusCompleted)
	env.waitStatus(t, wf.ID, entity.WorkflowStatusCompleted)
}

func TestOnFailurePausePausesWorkflow(t *testing.T) {
	env := newWorkflowEnv(t, config.WorkflowConfig{OnFailure: OnFailurePause, DefaultAgentType: "claude"})
	ctx := context.Background()

	a := env.mustIssue(t, "GROVE-1", "a")
	b := env.mustIssue(t, "GROVE-2", "b")
	env.relate(t, entity.RelBlocks, a.ID, b.ID)

	wf, err := env.engine.Create(ctx, CreateRequest{Title: "pauses", IssueIDs: []string{a.ID, b.ID}})
	require.NoError(t, err)
	require.NoError(t, env.engine.Start(ctx, wf.ID))

	execA := env.waitExecForIssue(t, a.ID)
	env.execs.finish(execA.ID, entity.ExecutionStatusFailed)

	paused := env.waitStatus(t, wf.ID, entity.WorkflowStatusPaused)
	assert.Equal(t, entity.StepStatusFailed, paused.Steps.V[0].Status)
	assert.Equal(t, entity.StepStatusPending, paused.Steps.V[1].Status)
	assert.Nil(t, env.execs.execForIssue(b.ID))
}

func TestOnFailureContinueSkipsDependents(t *testing.T) {
	env := newWorkflowEnv(t, config.WorkflowConfig{MaxParallel: 2, OnFailure: OnFailureContinue, DefaultAgentType: "claude"})
	ctx := context.Background()

	a := env.mustIssue(t, "GROVE-1", "a")
	b := env.mustIssue(t, "GROVE-2", "b")
	c := env.mustIssue(t, "GROVE-3", "c")
	env.relate(t, entity.RelBlocks, a.ID, b.ID)

	wf, err := env.engine.Create(ctx, CreateRequest{Title: "continues", IssueIDs: []string{a.ID, b.ID, c.ID}})
	require.NoError(t, err)
	require.NoError(t, env.engine.Start(ctx, wf.ID))

	execA := env.waitExecForIssue(t, a.ID)
	execC := env.waitExecForIssue(t, c.ID)

	env.execs.finish(execA.ID, entity.ExecutionStatusFailed)
	env.waitStepStatus(t, wf.ID, b.ID, entity.StepStatusSkipped)

	env.execs.finish(execC.ID, entity.ExecutionStatusCompleted)
	final := env.waitStatus(t, wf.ID, entity.WorkflowStatusFailed)
	byIssue := make(map[string]entity.WorkflowStep)
	for _, step := range final.Steps.V {
		byIssue[step.IssueID] = step
	}
	assert.Equal(t, entity.StepStatusFailed, byIssue[a.ID].Status)
	assert.Equal(t, entity.StepStatusSkipped, byIssue[b.ID].Status)
	assert.Equal(t, entity.StepStatusCompleted, byIssue[c.ID].Status)
}

func TestOnFailureAbortCancelsInflight(t *testing.T) {
	env := newWorkflowEnv(t, config.WorkflowConfig{MaxParallel: 2, OnFailure: OnFailureAbort, DefaultAgentType: "claude"})
	env.execs.cancelStops = true
	ctx := context.Background()

	a := env.mustIssue(t, "GROVE-1", "a")
	b := env.mustIssue(t, "GROVE-2", "b")

	wf, err := env.engine.Create(ctx, CreateRequest{Title: "aborts", IssueIDs: []string{a.ID, b.ID}})
	require.NoError(t, err)
	require.NoError(t, env.engine.Start(ctx, wf.ID))

	execA := env.waitExecForIssue(t, a.ID)
	execB := env.waitExecForIssue(t, b.ID)

	env.execs.finish(execA.ID, entity.ExecutionStatusFailed)

	final := env.waitStatus(t, wf.ID, entity.WorkflowStatusFailed)
	assert.Contains(t, env.execs.cancelledIDs(), execB.ID)
	_ = final
}

func TestCancelStopsInflightAndMarksCancelled(t *testing.T) {
	env := newWorkflowEnv(t, config.WorkflowConfig{DefaultAgentType: "claude"})
	env.execs.cancelStops = true
	ctx := context.Background()

	a := env.mustIssue(t, "GROVE-1", "a")
	wf, err := env.engine.Create(ctx, CreateRequest{Title: "cancelled", IssueIDs: []string{a.ID}})
	require.NoError(t, err)
	require.NoError(t, env.engine.Start(ctx, wf.ID))

	execA := env.waitExecForIssue(t, a.ID)
	require.NoError(t, env.engine.Cancel(ctx, wf.ID))

	final := env.waitStatus(t, wf.ID, entity.WorkflowStatusCancelled)
	assert.Contains(t, env.execs.cancelledIDs(), execA.ID)
	assert.Equal(t, entity.StepStatusFailed, final.Steps.V[0].Status)
	assert.Equal(t, "cancelled", final.Steps.V[0].Reason)

	err = env.engine.Cancel(ctx, wf.ID)
	require.ErrorIs(t, err, errs.ErrConflict)
}

func TestPauseDefersNewStepsUntilResume(t *testing.T) {
	env := newWorkflowEnv(t, config.WorkflowConfig{DefaultAgentType: "claude"})
	ctx := context.Background()

	a := env.mustIssue(t, "GROVE-1", "a")
	b := env.mustIssue(t, "GROVE-2", "b")
	env.relate(t, entity.RelBlocks, a.ID, b.ID)

	wf, err := env.engine.Create(ctx, CreateRequest{Title: "paused", IssueIDs: []string{a.ID, b.ID}})
	require.NoError(t, err)
	require.NoError(t, env.engine.Start(ctx, wf.ID))

	execA := env.waitExecForIssue(t, a.ID)
	require.NoError(t, env.engine.Pause(ctx, wf.ID))
	env.waitStatus(t, wf.ID, entity.WorkflowStatusPaused)

	// In-flight work finishes, but nothing new starts while paused.
	env.execs.finish(execA.ID, entity.ExecutionStatusCompleted)
	env.waitStepStatus(t, wf.ID, a.ID, entity.StepStatusCompleted)
	time.Sleep(50 * time.Millisecond)
	assert.Nil(t, env.execs.execForIssue(b.ID))

	require.NoError(t, env.engine.Resume(ctx, wf.ID))
	execB := env.waitExecForIssue(t, b.ID)
	env.execs.finish(execB.ID, entity.ExecutionStatusCompleted)
	env.waitStatus(t, wf.ID, entity.WorkflowStatusCompleted)
}

func TestStepTimeoutFailsStep(t *testing.T) {
	env := newWorkflowEnv(t, config.WorkflowConfig{DefaultAgentType: "claude", StepTimeoutMs: 30})
	env.execs.cancelStops = true
	ctx := context.Background()

	a := env.mustIssue(t, "GROVE-1", "slow")
	wf, err := env.engine.Create(ctx, CreateRequest{Title: "times out", IssueIDs: []string{a.ID}})
	require.NoError(t, err)
	require.NoError(t, env.engine.Start(ctx, wf.ID))

	env.waitExecForIssue(t, a.ID)
	env.waitStepStatus(t, wf.ID, a.ID, entity.StepStatusFailed)

	final, err := env.store.GetWorkflow(ctx, wf.ID)
	require.NoError(t, err)
	assert.Equal(t, entity.StepReasonTimeout, final.Steps.V[0].Reason)
}

func TestRecoveryMarksCrashedStepsFailed(t *testing.T) {
	env := newWorkflowEnv(t, config.WorkflowConfig{OnFailure: OnFailurePause, DefaultAgentType: "claude"})
	ctx := context.Background()

	a := env.mustIssue(t, "GROVE-1", "a")
	b := env.mustIssue(t, "GROVE-2", "b")
	env.relate(t, entity.RelBlocks, a.ID, b.ID)

	wf, err := env.engine.Create(ctx, CreateRequest{Title: "crashed", IssueIDs: []string{a.ID, b.ID}})
	require.NoError(t, err)

	// Simulate a host crash: the step ran against an execution row that
	// never reached a terminal status.
	exec, err := env.execs.Create(ctx, execution.CreateRequest{IssueID: a.ID, Prompt: "x"})
	require.NoError(t, err)
	wf.Status = entity.WorkflowStatusRunning
	wf.Steps.V[0].Status = entity.StepStatusRunning
	wf.Steps.V[0].ExecutionID = exec.ID
	require.NoError(t, env.store.UpdateWorkflow(ctx, wf))

	require.NoError(t, env.engine.Recover(ctx))

	recovered := env.waitStatus(t, wf.ID, entity.WorkflowStatusPaused)
	assert.Equal(t, entity.StepStatusFailed, recovered.Steps.V[0].Status)
	assert.Equal(t, entity.StepReasonCrashed, recovered.Steps.V[0].Reason)
	assert.Equal(t, entity.StepStatusPending, recovered.Steps.V[1].Status)
}

func TestRecoveryRestoresPausedWithoutAdvance(t *testing.T) {
	env := newWorkflowEnv(t, config.WorkflowConfig{DefaultAgentType: "claude"})
	ctx := context.Background()

	a := env.mustIssue(t, "GROVE-1", "a")
	wf, err := env.engine.Create(ctx, CreateRequest{Title: "paused", IssueIDs: []string{a.ID}})
	require.NoError(t, err)
	wf.Status = entity.WorkflowStatusPaused
	require.NoError(t, env.store.UpdateWorkflow(ctx, wf))

	require.NoError(t, env.engine.Recover(ctx))
	time.Sleep(50 * time.Millisecond)
	assert.Empty(t, env.execs.createdReqs(), "paused workflow advanced during recovery")

	got, err := env.store.GetWorkflow(ctx, wf.ID)
	require.NoError(t, err)
	assert.Equal(t, entity.WorkflowStatusPaused, got.Status)
}

func TestOrchestratedWorkflowDrivenByTools(t *testing.T) {
	env := newWorkflowEnv(t, config.WorkflowConfig{DefaultAgentType: "claude"})
	ctx := context.Background()

	a := env.mustIssue(t, "GROVE-1", "schema")
	b := env.mustIssue(t, "GROVE-2", "api")
	env.relate(t, entity.RelBlocks, a.ID, b.ID)

	wf, err := env.engine.Create(ctx, CreateRequest{Title: "orchestrated", IssueIDs: []string{a.ID, b.ID}})
	require.NoError(t, err)

	started, err := env.engine.StartOrchestrated(ctx, wf.ID, "claude")
	require.NoError(t, err)
	require.NotNil(t, started.OrchestratorExecutionID)

	orch, err := env.execs.Get(ctx, *started.OrchestratorExecutionID)
	require.NoError(t, err)
	assert.Contains(t, orch.Prompt, "orchestrated")
	assert.Contains(t, orch.Prompt, "GROVE-1")
	assert.Contains(t, orch.Prompt, "workflow_complete")

	// No steps run until the orchestrator asks for one.
	time.Sleep(50 * time.Millisecond)
	assert.Nil(t, env.execs.execForIssue(a.ID))

	report, err := env.engine.WorkflowStatus(ctx, wf.ID)
	require.NoError(t, err)
	require.Len(t, report.Ready, 1)

	childID, err := env.engine.ExecuteIssue(ctx, wf.ID, a.ID, "")
	require.NoError(t, err)
	env.execs.finish(childID, entity.ExecutionStatusCompleted)
	env.waitStepStatus(t, wf.ID, a.ID, entity.StepStatusCompleted)

	// Steps settling does not complete an orchestrated workflow.
	childB, err := env.engine.ExecuteIssue(ctx, wf.ID, b.ID, "")
	require.NoError(t, err)
	env.execs.finish(childB, entity.ExecutionStatusCompleted)
	env.waitStepStatus(t, wf.ID, b.ID, entity.StepStatusCompleted)
	got, err := env.store.GetWorkflow(ctx, wf.ID)
	require.NoError(t, err)
	assert.Equal(t, entity.WorkflowStatusRunning, got.Status)

	require.NoError(t, env.engine.Complete(ctx, wf.ID, entity.WorkflowStatusCompleted, "all done"))
	env.waitStatus(t, wf.ID, entity.WorkflowStatusCompleted)
}

func TestExecuteIssueRefusesSettledStep(t *testing.T) {
	env := newWorkflowEnv(t, config.WorkflowConfig{DefaultAgentType: "claude"})
	ctx := context.Background()

	a := env.mustIssue(t, "GROVE-1", "a")
	wf, err := env.engine.Create(ctx, CreateRequest{Title: "orchestrated", IssueIDs: []string{a.ID}})
	require.NoError(t, err)
	_, err = env.engine.StartOrchestrated(ctx, wf.ID, "claude")
	require.NoError(t, err)

	childID, err := env.engine.ExecuteIssue(ctx, wf.ID, a.ID, "")
	require.NoError(t, err)
	env.execs.finish(childID, entity.ExecutionStatusCompleted)
	env.waitStepStatus(t, wf.ID, a.ID, entity.StepStatusCompleted)

	_, err = env.engine.ExecuteIssue(ctx, wf.ID, a.ID, "")
	require.ErrorIs(t, err, errs.ErrConflict)
}

func TestEscalateAutoResolvesWhenAutonomous(t *testing.T) {
	env := newWorkflowEnv(t, config.WorkflowConfig{DefaultAgentType: "claude", AutonomyLevel: AutonomyAutonomous})
	ctx := context.Background()

	a := env.mustIssue(t, "GROVE-1", "a")
	wf, err := env.engine.Create(ctx, CreateRequest{Title: "autonomous", IssueIDs: []string{a.ID}})
	require.NoError(t, err)

	res, err := env.engine.EscalateToUser(ctx, wf.ID, "merge strategy?", []string{"rebase", "merge"})
	require.NoError(t, err)
	assert.True(t, res.AutoResolved)
	assert.JSONEq(t, `{"option":"rebase"}`, string(res.Decision))
}

func TestAwaitEventResolvedByUserDecision(t *testing.T) {
	env := newWorkflowEnv(t, config.WorkflowConfig{DefaultAgentType: "claude"})
	ctx := context.Background()

	a := env.mustIssue(t, "GROVE-1", "a")
	wf, err := env.engine.Create(ctx, CreateRequest{Title: "awaits", IssueIDs: []string{a.ID}})
	require.NoError(t, err)

	type outcome struct {
		res *AwaitResult
		err error
	}
	results := make(chan outcome, 1)
	go func() {
		res, err := env.engine.AwaitEvent(ctx, wf.ID, []string{entity.EventUserDecision}, 2*time.Second)
		results <- outcome{res, err}
	}()

	require.Eventually(t, func() bool {
		pending, err := env.store.UnprocessedEvents(ctx, entity.EventFilter{
			WorkflowID: wf.ID, Types: []string{entity.EventAwaitCondition},
		})
		return err == nil && len(pending) == 1
	}, 2*time.Second, 10*time.Millisecond)

	payload := json.RawMessage(`{"option":"merge"}`)
	require.NoError(t, env.engine.SubmitUserDecision(ctx, wf.ID, payload))

	select {
	case out := <-results:
		require.NoError(t, out.err)
		assert.Equal(t, wakeup.ResolutionMatched, out.res.Resolution)
		assert.Equal(t, entity.EventUserDecision, out.res.MatchedType)
		assert.JSONEq(t, `{"option":"merge"}`, string(out.res.Payload))
	case <-time.After(2 * time.Second):
		t.Fatal("await never resolved")
	}
}

func TestShutdownLeavesWorkflowRunningForRecovery(t *testing.T) {
	env := newWorkflowEnv(t, config.WorkflowConfig{DefaultAgentType: "claude"})
	ctx := context.Background()

	a := env.mustIssue(t, "GROVE-1", "a")
	wf, err := env.engine.Create(ctx, CreateRequest{Title: "survives", IssueIDs: []string{a.ID}})
	require.NoError(t, err)
	require.NoError(t, env.engine.Start(ctx, wf.ID))
	env.waitExecForIssue(t, a.ID)

	shutdownCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	require.NoError(t, env.engine.Shutdown(shutdownCtx))

	got, err := env.store.GetWorkflow(ctx, wf.ID)
	require.NoError(t, err)
	assert.Equal(t, entity.WorkflowStatusRunning, got.Status)
	assert.Empty(t, env.execs.cancelledIDs())
}
