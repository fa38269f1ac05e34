package entity

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/grovekit/grove/internal/common/logger"
	"github.com/grovekit/grove/internal/db"
)

// IssueFilter narrows ListIssues.
type IssueFilter struct {
	Status string
}

// ExecutionFilter narrows ListExecutions.
type ExecutionFilter struct {
	IssueID    string
	WorkflowID string
	Statuses   []string
	Limit      int
	Offset     int
}

// WorkflowFilter narrows ListWorkflows.
type WorkflowFilter struct {
	Statuses    []string
	NotStatuses []string
}

// EventFilter narrows UnprocessedEvents.
type EventFilter struct {
	WorkflowID string
	Types      []string
}

// Store is the narrow persistence interface the engines consume.
type Store interface {
	CreateIssue(ctx context.Context, issue *Issue) error
	GetIssue(ctx context.Context, idOrKey string) (*Issue, error)
	UpdateIssue(ctx context.Context, issue *Issue) error
	ListIssues(ctx context.Context, filter IssueFilter) ([]*Issue, error)
	DeleteIssue(ctx context.Context, id string) error

	CreateSpec(ctx context.Context, spec *Spec) error
	GetSpec(ctx context.Context, idOrKey string) (*Spec, error)
	SpecsForIssue(ctx context.Context, issueID string) ([]*Spec, error)

	CreateRelationship(ctx context.Context, rel *Relationship) error
	RelationshipsOf(ctx context.Context, id string) ([]*Relationship, error)

	CreateExecution(ctx context.Context, exec *Execution) error
	GetExecution(ctx context.Context, id string) (*Execution, error)
	UpdateExecution(ctx context.Context, exec *Execution) error
	ListExecutions(ctx context.Context, filter ExecutionFilter) ([]*Execution, error)
	// ActiveExecutionForIssue returns the execution holding the issue's
	// active slot, nil when the issue is free.
	ActiveExecutionForIssue(ctx context.Context, issueID string) (*Execution, error)

	CreateWorkflow(ctx context.Context, wf *Workflow) error
	GetWorkflow(ctx context.Context, id string) (*Workflow, error)
	UpdateWorkflow(ctx context.Context, wf *Workflow) error
	ListWorkflows(ctx context.Context, filter WorkflowFilter) ([]*Workflow, error)

	AppendWorkflowEvent(ctx context.Context, ev *WorkflowEvent) error
	GetWorkflowEvent(ctx context.Context, id string) (*WorkflowEvent, error)
	UnprocessedEvents(ctx context.Context, filter EventFilter) ([]*WorkflowEvent, error)
	// MarkEventProcessed transitions the event to processed exactly once;
	// a second call returns Conflict.
	MarkEventProcessed(ctx context.Context, id string) error

	Close() error
}

// SQLStore implements Store over a sqlite or postgres pool.
type SQLStore struct {
	pool   *db.Pool
	logger *logger.Logger
}

// NewSQLStore opens the schema on the pool and returns the store.
func NewSQLStore(pool *db.Pool, log *logger.Logger) (*SQLStore, error) {
	s := &SQLStore{
		pool:   pool,
		logger: log.WithFields(zap.String("component", "entity-store")),
	}
	if err := s.initSchema(); err != nil {
		return nil, fmt.Errorf("failed to initialize entity schema: %w", err)
	}
	return s, nil
}

func (s *SQLStore) initSchema() error {
	schemas := []string{
		`CREATE TABLE IF NOT EXISTS issues (
			id TEXT PRIMARY KEY,
			key TEXT NOT NULL UNIQUE,
			title TEXT NOT NULL,
			content TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL,
			priority INTEGER NOT NULL DEFAULT 0,
			created_at TIMESTAMP NOT NULL,
			updated_at TIMESTAMP NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS specs (
			id TEXT PRIMARY KEY,
			key TEXT NOT NULL UNIQUE,
			title TEXT NOT NULL,
			content TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMP NOT NULL,
			updated_at TIMESTAMP NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS relationships (
			id TEXT PRIMARY KEY,
			from_id TEXT NOT NULL,
			to_id TEXT NOT NULL,
			type TEXT NOT NULL,
			created_at TIMESTAMP NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_relationships_from ON relationships(from_id)`,
		`CREATE INDEX IF NOT EXISTS idx_relationships_to ON relationships(to_id)`,
		`CREATE TABLE IF NOT EXISTS executions (
			id TEXT PRIMARY KEY,
			issue_id TEXT,
			agent_type TEXT NOT NULL,
			mode TEXT NOT NULL,
			status TEXT NOT NULL,
			prompt TEXT NOT NULL DEFAULT '',
			worktree_path TEXT NOT NULL DEFAULT '',
			branch_name TEXT NOT NULL DEFAULT '',
			target_branch TEXT NOT NULL DEFAULT '',
			base_commit TEXT NOT NULL DEFAULT '',
			after_commit TEXT NOT NULL DEFAULT '',
			exit_code INTEGER,
			error_message TEXT,
			error_kind TEXT NOT NULL DEFAULT '',
			files_changed TEXT,
			parent_execution_id TEXT,
			workflow_execution_id TEXT,
			session_id TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMP NOT NULL,
			started_at TIMESTAMP,
			completed_at TIMESTAMP,
			updated_at TIMESTAMP NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_executions_issue ON executions(issue_id)`,
		// One active execution per issue, enforced at the storage layer so
		// concurrent inserts cannot both claim the slot.
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_executions_issue_active
			ON executions(issue_id)
			WHERE issue_id IS NOT NULL
			AND status IN ('pending', 'preparing', 'running', 'paused')`,
		`CREATE INDEX IF NOT EXISTS idx_executions_status ON executions(status)`,
		`CREATE INDEX IF NOT EXISTS idx_executions_workflow ON executions(workflow_execution_id)`,
		`CREATE TABLE IF NOT EXISTS workflows (
			id TEXT PRIMARY KEY,
			title TEXT NOT NULL,
			status TEXT NOT NULL,
			source TEXT NOT NULL DEFAULT '{}',
			steps TEXT NOT NULL DEFAULT '[]',
			config TEXT NOT NULL DEFAULT '{}',
			worktree_path TEXT NOT NULL DEFAULT '',
			branch_name TEXT NOT NULL DEFAULT '',
			base_branch TEXT NOT NULL DEFAULT '',
			current_step_index INTEGER NOT NULL DEFAULT 0,
			orchestrator_execution_id TEXT,
			created_at TIMESTAMP NOT NULL,
			updated_at TIMESTAMP NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_workflows_status ON workflows(status)`,
		`CREATE TABLE IF NOT EXISTS workflow_events (
			id TEXT PRIMARY KEY,
			workflow_id TEXT NOT NULL,
			type TEXT NOT NULL,
			execution_id TEXT,
			step_id TEXT,
			payload TEXT,
			created_at TIMESTAMP NOT NULL,
			processed_at TIMESTAMP
		)`,
		`CREATE INDEX IF NOT EXISTS idx_workflow_events_pending
			ON workflow_events(workflow_id, processed_at)`,
	}
	for _, schema := range schemas {
		if _, err := s.pool.Writer().Exec(schema); err != nil {
			return fmt.Errorf("schema statement failed: %w", err)
		}
	}
	return nil
}

// Close closes the underlying pool.
func (s *SQLStore) Close() error { return s.pool.Close() }

var _ Store = (*SQLStore)(nil)
