// Package entity defines grove's persisted domain model and the narrow
// store interface the engines consume: issues and specs with their
// relationships, executions, workflows with their step DAG, and durable
// workflow events.
package entity

import (
	"encoding/json"
	"time"
)

// Issue statuses.
const (
	IssueStatusOpen       = "open"
	IssueStatusInProgress = "in_progress"
	IssueStatusBlocked    = "blocked"
	IssueStatusReview     = "review"
	IssueStatusClosed     = "closed"
	IssueStatusCancelled  = "cancelled"
)

// Issue is one unit of work an agent can be pointed at. Key is the stable
// human-facing identifier; ID is the storage identity.
type Issue struct {
	ID        string    `db:"id" json:"id"`
	Key       string    `db:"key" json:"key"`
	Title     string    `db:"title" json:"title"`
	Content   string    `db:"content" json:"content"`
	Status    string    `db:"status" json:"status"`
	Priority  int       `db:"priority" json:"priority"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
	UpdatedAt time.Time `db:"updated_at" json:"updated_at"`
}

// Spec is a design or requirements document issues link to.
type Spec struct {
	ID        string    `db:"id" json:"id"`
	Key       string    `db:"key" json:"key"`
	Title     string    `db:"title" json:"title"`
	Content   string    `db:"content" json:"content"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
	UpdatedAt time.Time `db:"updated_at" json:"updated_at"`
}

// Relationship types. blocks and depends-on induce the workflow DAG;
// spec links an issue to a spec document.
const (
	RelBlocks    = "blocks"
	RelDependsOn = "depends-on"
	RelSpec      = "spec"
)

// Relationship is a typed directed edge between two entities.
type Relationship struct {
	ID        string    `db:"id" json:"id"`
	FromID    string    `db:"from_id" json:"from_id"`
	ToID      string    `db:"to_id" json:"to_id"`
	Type      string    `db:"type" json:"type"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
}

// Execution statuses.
const (
	ExecutionStatusPending   = "pending"
	ExecutionStatusPreparing = "preparing"
	ExecutionStatusRunning   = "running"
	ExecutionStatusPaused    = "paused"
	ExecutionStatusCompleted = "completed"
	ExecutionStatusFailed    = "failed"
	ExecutionStatusStopped   = "stopped"
)

// Execution modes.
const (
	ExecutionModeLocal    = "local"
	ExecutionModeWorktree = "worktree"
)

// Execution is one agent run. The prompt is frozen at creation; worktree
// and commit fields fill in as the run progresses.
type Execution struct {
	ID        string  `db:"id" json:"id"`
	IssueID   *string `db:"issue_id" json:"issue_id,omitempty"`
	AgentType string  `db:"agent_type" json:"agent_type"`
	Mode      string  `db:"mode" json:"mode"`
	Status    string  `db:"status" json:"status"`
	Prompt    string  `db:"prompt" json:"prompt"`

	WorktreePath string `db:"worktree_path" json:"worktree_path,omitempty"`
	BranchName   string `db:"branch_name" json:"branch_name,omitempty"`
	TargetBranch string `db:"target_branch" json:"target_branch,omitempty"`
	BaseCommit   string `db:"base_commit" json:"base_commit,omitempty"`
	AfterCommit  string `db:"after_commit" json:"after_commit,omitempty"`

	ExitCode     *int    `db:"exit_code" json:"exit_code,omitempty"`
	ErrorMessage *string `db:"error_message" json:"error_message,omitempty"`
	// ErrorKind is the taxonomy classification of the failure, empty on
	// success.
	ErrorKind string `db:"error_kind" json:"error_kind,omitempty"`

	FilesChanged StringList `db:"files_changed" json:"files_changed,omitempty"`

	ParentExecutionID   *string `db:"parent_execution_id" json:"parent_execution_id,omitempty"`
	WorkflowExecutionID *string `db:"workflow_execution_id" json:"workflow_execution_id,omitempty"`
	SessionID           string  `db:"session_id" json:"session_id,omitempty"`

	CreatedAt   time.Time  `db:"created_at" json:"created_at"`
	StartedAt   *time.Time `db:"started_at" json:"started_at,omitempty"`
	CompletedAt *time.Time `db:"completed_at" json:"completed_at,omitempty"`
	UpdatedAt   time.Time  `db:"updated_at" json:"updated_at"`
}

// IsTerminal reports whether the execution reached an absorbing state.
func (e *Execution) IsTerminal() bool {
	return IsTerminalExecutionStatus(e.Status)
}

// IsTerminalExecutionStatus reports whether status is absorbing.
func IsTerminalExecutionStatus(status string) bool {
	switch status {
	case ExecutionStatusCompleted, ExecutionStatusFailed, ExecutionStatusStopped:
		return true
	}
	return false
}

// ActiveExecutionStatuses are the statuses that count against the
// one-active-execution-per-issue rule.
var ActiveExecutionStatuses = []string{
	ExecutionStatusPending,
	ExecutionStatusPreparing,
	ExecutionStatusRunning,
	ExecutionStatusPaused,
}

// Workflow statuses.
const (
	WorkflowStatusPending   = "pending"
	WorkflowStatusRunning   = "running"
	WorkflowStatusPaused    = "paused"
	WorkflowStatusCompleted = "completed"
	WorkflowStatusFailed    = "failed"
	WorkflowStatusCancelled = "cancelled"
)

// Workflow step statuses.
const (
	StepStatusPending   = "pending"
	StepStatusReady     = "ready"
	StepStatusRunning   = "running"
	StepStatusCompleted = "completed"
	StepStatusFailed    = "failed"
	StepStatusSkipped   = "skipped"
)

// Step failure reasons recorded alongside StepStatusFailed.
const (
	StepReasonCrashed = "crashed"
	StepReasonTimeout = "timeout"
)

// WorkflowStep is one node of a workflow's dependency DAG. Steps are stored
// as a JSON column on the workflow row and mutated only by the workflow's
// engine driver.
type WorkflowStep struct {
	ID          string   `json:"id"`
	IssueID     string   `json:"issue_id"`
	Index       int      `json:"index"`
	DependsOn   []string `json:"depends_on,omitempty"`
	Status      string   `json:"status"`
	ExecutionID string   `json:"execution_id,omitempty"`
	AgentType   string   `json:"agent_type,omitempty"`
	Reason      string   `json:"reason,omitempty"`
}

// WorkflowSource records what the workflow was derived from.
type WorkflowSource struct {
	Type     string   `json:"type"` // issues or spec
	IssueIDs []string `json:"issue_ids,omitempty"`
	SpecID   string   `json:"spec_id,omitempty"`
}

// WorkflowConfig is the policy snapshot frozen at workflow creation.
type WorkflowConfig struct {
	Parallelism      string `json:"parallelism"` // sequential or parallel
	MaxParallel      int    `json:"max_parallel,omitempty"`
	OnFailure        string `json:"on_failure"` // pause, continue or abort
	DefaultAgentType string `json:"default_agent_type"`
	AutonomyLevel    string `json:"autonomy_level"` // human_in_the_loop or autonomous
}

// Workflow composes executions under a dependency DAG.
type Workflow struct {
	ID     string `db:"id" json:"id"`
	Title  string `db:"title" json:"title"`
	Status string `db:"status" json:"status"`

	Source JSONColumn[WorkflowSource] `db:"source" json:"source"`
	Steps  JSONColumn[[]WorkflowStep] `db:"steps" json:"steps"`
	Config JSONColumn[WorkflowConfig] `db:"config" json:"config"`

	WorktreePath     string `db:"worktree_path" json:"worktree_path,omitempty"`
	BranchName       string `db:"branch_name" json:"branch_name,omitempty"`
	BaseBranch       string `db:"base_branch" json:"base_branch,omitempty"`
	CurrentStepIndex int    `db:"current_step_index" json:"current_step_index"`

	OrchestratorExecutionID *string `db:"orchestrator_execution_id" json:"orchestrator_execution_id,omitempty"`

	CreatedAt time.Time `db:"created_at" json:"created_at"`
	UpdatedAt time.Time `db:"updated_at" json:"updated_at"`
}

// IsTerminal reports whether the workflow reached an absorbing state.
func (w *Workflow) IsTerminal() bool {
	switch w.Status {
	case WorkflowStatusCompleted, WorkflowStatusFailed, WorkflowStatusCancelled:
		return true
	}
	return false
}

// Step returns the step with the given id, nil when absent.
func (w *Workflow) Step(stepID string) *WorkflowStep {
	for i := range w.Steps.V {
		if w.Steps.V[i].ID == stepID {
			return &w.Steps.V[i]
		}
	}
	return nil
}

// Workflow event types.
const (
	EventStepStarted        = "step_started"
	EventStepCompleted      = "step_completed"
	EventStepFailed         = "step_failed"
	EventOrchestratorWakeup = "orchestrator_wakeup"
	EventExecutionTimeout   = "execution_timeout"
	EventAwaitCondition     = "await_condition"
	EventUserMessage        = "user_message"
	EventUserDecision       = "user_decision"
)

// WorkflowEvent is a durable event row. Timer events carry `timeoutAt` in
// their payload and stay unprocessed until fired or cleared; the
// processed_at guard makes the transition happen exactly once.
type WorkflowEvent struct {
	ID          string          `db:"id" json:"id"`
	WorkflowID  string          `db:"workflow_id" json:"workflow_id"`
	Type        string          `db:"type" json:"type"`
	ExecutionID *string         `db:"execution_id" json:"execution_id,omitempty"`
	StepID      *string         `db:"step_id" json:"step_id,omitempty"`
	Payload     json.RawMessage `db:"payload" json:"payload,omitempty"`
	CreatedAt   time.Time       `db:"created_at" json:"created_at"`
	ProcessedAt *time.Time      `db:"processed_at" json:"processed_at,omitempty"`
}
