package entity

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/grovekit/grove/internal/common/errs"
)

func (s *SQLStore) CreateWorkflow(ctx context.Context, wf *Workflow) error {
	if wf.ID == "" {
		wf.ID = uuid.New().String()
	}
	if wf.Status == "" {
		wf.Status = WorkflowStatusPending
	}
	now := time.Now().UTC()
	wf.CreatedAt = now
	wf.UpdatedAt = now

	w := s.pool.Writer()
	_, err := w.ExecContext(ctx, w.Rebind(`
		INSERT INTO workflows (
			id, title, status, source, steps, config,
			worktree_path, branch_name, base_branch, current_step_index,
			orchestrator_execution_id, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		wf.ID, wf.Title, wf.Status, wf.Source, wf.Steps, wf.Config,
		wf.WorktreePath, wf.BranchName, wf.BaseBranch, wf.CurrentStepIndex,
		wf.OrchestratorExecutionID, wf.CreatedAt, wf.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to create workflow: %w", err)
	}
	return nil
}

func (s *SQLStore) GetWorkflow(ctx context.Context, id string) (*Workflow, error) {
	r := s.pool.Reader()
	var wf Workflow
	err := r.GetContext(ctx, &wf, r.Rebind(`SELECT * FROM workflows WHERE id = ?`), id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: workflow %s", errs.ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load workflow %s: %w", id, err)
	}
	return &wf, nil
}

func (s *SQLStore) UpdateWorkflow(ctx context.Context, wf *Workflow) error {
	wf.UpdatedAt = time.Now().UTC()
	w := s.pool.Writer()
	res, err := w.ExecContext(ctx, w.Rebind(`
		UPDATE workflows SET
			title = ?, status = ?, source = ?, steps = ?, config = ?,
			worktree_path = ?, branch_name = ?, base_branch = ?,
			current_step_index = ?, orchestrator_execution_id = ?, updated_at = ?
		WHERE id = ?`),
		wf.Title, wf.Status, wf.Source, wf.Steps, wf.Config,
		wf.WorktreePath, wf.BranchName, wf.BaseBranch,
		wf.CurrentStepIndex, wf.OrchestratorExecutionID, wf.UpdatedAt,
		wf.ID)
	if err != nil {
		return fmt.Errorf("failed to update workflow %s: %w", wf.ID, err)
	}
	return requireRow(res, "workflow", wf.ID)
}

func (s *SQLStore) ListWorkflows(ctx context.Context, filter WorkflowFilter) ([]*Workflow, error) {
	query := `SELECT * FROM workflows`
	var clauses []string
	var args []any

	if len(filter.Statuses) > 0 {
		clauses = append(clauses, `status IN (`+placeholders(len(filter.Statuses))+`)`)
		for _, st := range filter.Statuses {
			args = append(args, st)
		}
	}
	if len(filter.NotStatuses) > 0 {
		clauses = append(clauses, `status NOT IN (`+placeholders(len(filter.NotStatuses))+`)`)
		for _, st := range filter.NotStatuses {
			args = append(args, st)
		}
	}
	if len(clauses) > 0 {
		query += ` WHERE ` + strings.Join(clauses, ` AND `)
	}
	query += ` ORDER BY created_at ASC`

	r := s.pool.Reader()
	wfs := []*Workflow{}
	if err := r.SelectContext(ctx, &wfs, r.Rebind(query), args...); err != nil {
		return nil, fmt.Errorf("failed to list workflows: %w", err)
	}
	return wfs, nil
}

func (s *SQLStore) AppendWorkflowEvent(ctx context.Context, ev *WorkflowEvent) error {
	if ev.ID == "" {
		ev.ID = uuid.New().String()
	}
	ev.CreatedAt = time.Now().UTC()

	w := s.pool.Writer()
	_, err := w.ExecContext(ctx, w.Rebind(`
		INSERT INTO workflow_events (
			id, workflow_id, type, execution_id, step_id, payload, created_at, processed_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`),
		ev.ID, ev.WorkflowID, ev.Type, ev.ExecutionID, ev.StepID,
		nullableJSON(ev.Payload), ev.CreatedAt, ev.ProcessedAt)
	if err != nil {
		return fmt.Errorf("failed to append workflow event: %w", err)
	}
	return nil
}

func (s *SQLStore) GetWorkflowEvent(ctx context.Context, id string) (*WorkflowEvent, error) {
	r := s.pool.Reader()
	var ev WorkflowEvent
	err := r.GetContext(ctx, &ev, r.Rebind(`SELECT * FROM workflow_events WHERE id = ?`), id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: workflow event %s", errs.ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load workflow event %s: %w", id, err)
	}
	return &ev, nil
}

func (s *SQLStore) UnprocessedEvents(ctx context.Context, filter EventFilter) ([]*WorkflowEvent, error) {
	query := `SELECT * FROM workflow_events WHERE processed_at IS NULL`
	var args []any

	if filter.WorkflowID != "" {
		query += ` AND workflow_id = ?`
		args = append(args, filter.WorkflowID)
	}
	if len(filter.Types) > 0 {
		query += ` AND type IN (` + placeholders(len(filter.Types)) + `)`
		for _, t := range filter.Types {
			args = append(args, t)
		}
	}
	query += ` ORDER BY created_at ASC`

	r := s.pool.Reader()
	events := []*WorkflowEvent{}
	if err := r.SelectContext(ctx, &events, r.Rebind(query), args...); err != nil {
		return nil, fmt.Errorf("failed to list unprocessed events: %w", err)
	}
	return events, nil
}

// MarkEventProcessed performs the single allowed transition on an event row.
// The processed_at IS NULL guard makes concurrent attempts race safely: one
// wins, the rest get Conflict.
func (s *SQLStore) MarkEventProcessed(ctx context.Context, id string) error {
	w := s.pool.Writer()
	res, err := w.ExecContext(ctx, w.Rebind(`
		UPDATE workflow_events SET processed_at = ?
		WHERE id = ? AND processed_at IS NULL`),
		time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("failed to mark event %s processed: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read rows affected: %w", err)
	}
	if n == 0 {
		if _, getErr := s.GetWorkflowEvent(ctx, id); getErr != nil {
			return getErr
		}
		return fmt.Errorf("%w: event %s already processed", errs.ErrConflict, id)
	}
	return nil
}

// nullableJSON stores empty payloads as NULL instead of "".
func nullableJSON(raw []byte) any {
	if len(raw) == 0 {
		return nil
	}
	return string(raw)
}
