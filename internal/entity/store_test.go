package entity

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/grovekit/grove/internal/common/config"
	"github.com/grovekit/grove/internal/common/errs"
	"github.com/grovekit/grove/internal/common/logger"
	"github.com/grovekit/grove/internal/db"
)

func testStore(t *testing.T) *SQLStore {
	t.Helper()
	pool, err := db.Open(config.DatabaseConfig{Driver: "sqlite"}, filepath.Join(t.TempDir(), "grove.db"))
	require.NoError(t, err)

	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "json"})
	require.NoError(t, err)

	store, err := NewSQLStore(pool, log)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestIssueCRUD(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()

	issue := &Issue{Key: "GROVE-1", Title: "Fix flaky watcher test", Content: "details", Priority: 2}
	require.NoError(t, store.CreateIssue(ctx, issue))
	require.NotEmpty(t, issue.ID)

	byID, err := store.GetIssue(ctx, issue.ID)
	require.NoError(t, err)
	assert.Equal(t, "GROVE-1", byID.Key)
	assert.Equal(t, IssueStatusOpen, byID.Status)

	byKey, err := store.GetIssue(ctx, "GROVE-1")
	require.NoError(t, err)
	assert.Equal(t, issue.ID, byKey.ID)

	byID.Status = IssueStatusInProgress
	require.NoError(t, store.UpdateIssue(ctx, byID))
	reloaded, err := store.GetIssue(ctx, issue.ID)
	require.NoError(t, err)
	assert.Equal(t, IssueStatusInProgress, reloaded.Status)

	open, err := store.ListIssues(ctx, IssueFilter{Status: IssueStatusOpen})
	require.NoError(t, err)
	assert.Empty(t, open)

	require.NoError(t, store.DeleteIssue(ctx, issue.ID))
	_, err = store.GetIssue(ctx, issue.ID)
	require.ErrorIs(t, err, errs.ErrNotFound)
}

func TestSpecsForIssue(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()

	issue := &Issue{Key: "GROVE-2", Title: "Implement retry"}
	require.NoError(t, store.CreateIssue(ctx, issue))

	spec := &Spec{Key: "SPEC-1", Title: "Retry design", Content: "backoff policy"}
	require.NoError(t, store.CreateSpec(ctx, spec))
	other := &Spec{Key: "SPEC-2", Title: "Unrelated"}
	require.NoError(t, store.CreateSpec(ctx, other))

	require.NoError(t, store.CreateRelationship(ctx, &Relationship{
		FromID: issue.ID, ToID: spec.ID, Type: RelSpec,
	}))

	specs, err := store.SpecsForIssue(ctx, issue.ID)
	require.NoError(t, err)
	require.Len(t, specs, 1)
	assert.Equal(t, "SPEC-1", specs[0].Key)

	rels, err := store.RelationshipsOf(ctx, issue.ID)
	require.NoError(t, err)
	require.Len(t, rels, 1)
	assert.Equal(t, RelSpec, rels[0].Type)
}

func TestExecutionLifecyclePersistence(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()

	issue := &Issue{Key: "GROVE-3", Title: "Add pagination"}
	require.NoError(t, store.CreateIssue(ctx, issue))

	exec := &Execution{
		IssueID:   &issue.ID,
		AgentType: "stub",
		Mode:      ExecutionModeWorktree,
		Prompt:    "add pagination to the list endpoint",
	}
	require.NoError(t, store.CreateExecution(ctx, exec))
	assert.Equal(t, ExecutionStatusPending, exec.Status)

	loaded, err := store.GetExecution(ctx, exec.ID)
	require.NoError(t, err)
	require.NotNil(t, loaded.IssueID)
	assert.Equal(t, issue.ID, *loaded.IssueID)

	now := time.Now().UTC()
	code := 0
	loaded.Status = ExecutionStatusCompleted
	loaded.ExitCode = &code
	loaded.SessionID = "sess-1"
	loaded.BaseCommit = "aaa111"
	loaded.AfterCommit = "bbb222"
	loaded.FilesChanged = StringList{"api/list.go", "api/list_test.go"}
	loaded.StartedAt = &now
	loaded.CompletedAt = &now
	require.NoError(t, store.UpdateExecution(ctx, loaded))

	final, err := store.GetExecution(ctx, exec.ID)
	require.NoError(t, err)
	assert.True(t, final.IsTerminal())
	assert.Equal(t, StringList{"api/list.go", "api/list_test.go"}, final.FilesChanged)
	require.NotNil(t, final.ExitCode)
	assert.Equal(t, 0, *final.ExitCode)
	assert.Equal(t, "sess-1", final.SessionID)
}

func TestActiveExecutionForIssue(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()

	issue := &Issue{Key: "GROVE-4", Title: "One at a time"}
	require.NoError(t, store.CreateIssue(ctx, issue))

	active, err := store.ActiveExecutionForIssue(ctx, issue.ID)
	require.NoError(t, err)
	assert.Nil(t, active)

	exec := &Execution{IssueID: &issue.ID, AgentType: "stub", Mode: ExecutionModeLocal, Status: ExecutionStatusRunning}
	require.NoError(t, store.CreateExecution(ctx, exec))

	active, err = store.ActiveExecutionForIssue(ctx, issue.ID)
	require.NoError(t, err)
	require.NotNil(t, active)
	assert.Equal(t, exec.ID, active.ID)

	active.Status = ExecutionStatusFailed
	require.NoError(t, store.UpdateExecution(ctx, active))

	released, err := store.ActiveExecutionForIssue(ctx, issue.ID)
	require.NoError(t, err)
	assert.Nil(t, released)
}

func TestActiveExecutionSlotEnforcedOnInsert(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()

	issue := &Issue{Key: "GROVE-9", Title: "Slot discipline"}
	require.NoError(t, store.CreateIssue(ctx, issue))

	first := &Execution{IssueID: &issue.ID, AgentType: "stub", Mode: ExecutionModeLocal, Status: ExecutionStatusRunning}
	require.NoError(t, store.CreateExecution(ctx, first))

	// A second active insert for the same issue is rejected by the store
	// itself, regardless of any check the caller ran beforehand.
	second := &Execution{IssueID: &issue.ID, AgentType: "stub", Mode: ExecutionModeLocal, Status: ExecutionStatusRunning}
	require.ErrorIs(t, store.CreateExecution(ctx, second), errs.ErrConflict)

	// Terminal rows do not hold the slot.
	done := &Execution{IssueID: &issue.ID, AgentType: "stub", Mode: ExecutionModeLocal, Status: ExecutionStatusCompleted}
	require.NoError(t, store.CreateExecution(ctx, done))

	// Executions without an issue are unrestricted.
	loose1 := &Execution{AgentType: "stub", Mode: ExecutionModeLocal, Status: ExecutionStatusRunning}
	require.NoError(t, store.CreateExecution(ctx, loose1))
	loose2 := &Execution{AgentType: "stub", Mode: ExecutionModeLocal, Status: ExecutionStatusRunning}
	require.NoError(t, store.CreateExecution(ctx, loose2))

	// Releasing the slot frees it for the next run.
	first.Status = ExecutionStatusStopped
	require.NoError(t, store.UpdateExecution(ctx, first))
	next := &Execution{IssueID: &issue.ID, AgentType: "stub", Mode: ExecutionModeLocal, Status: ExecutionStatusPending}
	require.NoError(t, store.CreateExecution(ctx, next))
}

func TestListExecutionsFilters(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()

	issue := &Issue{Key: "GROVE-5", Title: "Filters"}
	require.NoError(t, store.CreateIssue(ctx, issue))

	for _, status := range []string{ExecutionStatusCompleted, ExecutionStatusFailed, ExecutionStatusRunning} {
		require.NoError(t, store.CreateExecution(ctx, &Execution{
			IssueID: &issue.ID, AgentType: "stub", Mode: ExecutionModeLocal, Status: status,
		}))
	}

	all, err := store.ListExecutions(ctx, ExecutionFilter{IssueID: issue.ID})
	require.NoError(t, err)
	assert.Len(t, all, 3)

	terminal, err := store.ListExecutions(ctx, ExecutionFilter{
		IssueID:  issue.ID,
		Statuses: []string{ExecutionStatusCompleted, ExecutionStatusFailed},
	})
	require.NoError(t, err)
	assert.Len(t, terminal, 2)

	limited, err := store.ListExecutions(ctx, ExecutionFilter{IssueID: issue.ID, Limit: 1})
	require.NoError(t, err)
	assert.Len(t, limited, 1)
}

func TestWorkflowRoundTrip(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()

	wf := &Workflow{
		Title: "Release prep",
		Source: JSON(WorkflowSource{Type: "issues", IssueIDs: []string{"i1", "i2"}}),
		Steps: JSON([]WorkflowStep{
			{ID: "s1", IssueID: "i1", Index: 0, Status: StepStatusPending},
			{ID: "s2", IssueID: "i2", Index: 1, DependsOn: []string{"s1"}, Status: StepStatusPending},
		}),
		Config: JSON(WorkflowConfig{Parallelism: "sequential", OnFailure: "pause", DefaultAgentType: "stub"}),
	}
	require.NoError(t, store.CreateWorkflow(ctx, wf))

	loaded, err := store.GetWorkflow(ctx, wf.ID)
	require.NoError(t, err)
	assert.Equal(t, WorkflowStatusPending, loaded.Status)
	require.Len(t, loaded.Steps.V, 2)
	assert.Equal(t, []string{"s1"}, loaded.Steps.V[1].DependsOn)
	assert.Equal(t, "pause", loaded.Config.V.OnFailure)

	step := loaded.Step("s1")
	require.NotNil(t, step)
	step.Status = StepStatusCompleted
	loaded.Status = WorkflowStatusRunning
	require.NoError(t, store.UpdateWorkflow(ctx, loaded))

	reloaded, err := store.GetWorkflow(ctx, wf.ID)
	require.NoError(t, err)
	assert.Equal(t, StepStatusCompleted, reloaded.Step("s1").Status)

	running, err := store.ListWorkflows(ctx, WorkflowFilter{
		NotStatuses: []string{WorkflowStatusCompleted, WorkflowStatusCancelled, WorkflowStatusFailed},
	})
	require.NoError(t, err)
	assert.Len(t, running, 1)
}

func TestWorkflowEventProcessedOnce(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()

	wf := &Workflow{Title: "Events"}
	require.NoError(t, store.CreateWorkflow(ctx, wf))

	payload, _ := json.Marshal(map[string]any{"timeoutAt": time.Now().Add(time.Hour).UTC()})
	ev := &WorkflowEvent{WorkflowID: wf.ID, Type: EventAwaitCondition, Payload: payload}
	require.NoError(t, store.AppendWorkflowEvent(ctx, ev))

	pending, err := store.UnprocessedEvents(ctx, EventFilter{WorkflowID: wf.ID})
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Nil(t, pending[0].ProcessedAt)

	require.NoError(t, store.MarkEventProcessed(ctx, ev.ID))

	err = store.MarkEventProcessed(ctx, ev.ID)
	require.ErrorIs(t, err, errs.ErrConflict)

	err = store.MarkEventProcessed(ctx, "missing")
	require.ErrorIs(t, err, errs.ErrNotFound)

	pending, err = store.UnprocessedEvents(ctx, EventFilter{WorkflowID: wf.ID})
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestUnprocessedEventsTypeFilter(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()

	wf := &Workflow{Title: "Typed events"}
	require.NoError(t, store.CreateWorkflow(ctx, wf))

	require.NoError(t, store.AppendWorkflowEvent(ctx, &WorkflowEvent{WorkflowID: wf.ID, Type: EventStepCompleted}))
	require.NoError(t, store.AppendWorkflowEvent(ctx, &WorkflowEvent{WorkflowID: wf.ID, Type: EventAwaitCondition}))

	timers, err := store.UnprocessedEvents(ctx, EventFilter{
		WorkflowID: wf.ID,
		Types:      []string{EventAwaitCondition},
	})
	require.NoError(t, err)
	require.Len(t, timers, 1)
	assert.Equal(t, EventAwaitCondition, timers[0].Type)
}
