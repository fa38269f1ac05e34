package entity

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/mattn/go-sqlite3"

	"github.com/grovekit/grove/internal/common/errs"
)

func (s *SQLStore) CreateExecution(ctx context.Context, exec *Execution) error {
	if exec.ID == "" {
		exec.ID = uuid.New().String()
	}
	if exec.Status == "" {
		exec.Status = ExecutionStatusPending
	}
	now := time.Now().UTC()
	exec.CreatedAt = now
	exec.UpdatedAt = now

	w := s.pool.Writer()
	_, err := w.ExecContext(ctx, w.Rebind(`
		INSERT INTO executions (
			id, issue_id, agent_type, mode, status, prompt,
			worktree_path, branch_name, target_branch, base_commit, after_commit,
			exit_code, error_message, error_kind, files_changed,
			parent_execution_id, workflow_execution_id, session_id,
			created_at, started_at, completed_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		exec.ID, exec.IssueID, exec.AgentType, exec.Mode, exec.Status, exec.Prompt,
		exec.WorktreePath, exec.BranchName, exec.TargetBranch, exec.BaseCommit, exec.AfterCommit,
		exec.ExitCode, exec.ErrorMessage, exec.ErrorKind, exec.FilesChanged,
		exec.ParentExecutionID, exec.WorkflowExecutionID, exec.SessionID,
		exec.CreatedAt, exec.StartedAt, exec.CompletedAt, exec.UpdatedAt)
	if err != nil {
		if exec.IssueID != nil && activeSlotViolation(err) {
			return errs.Conflictf("issue %s already has an active execution", *exec.IssueID)
		}
		return fmt.Errorf("failed to create execution: %w", err)
	}
	return nil
}

// activeSlotViolation reports whether err is the unique-index violation from
// idx_executions_issue_active, i.e. a second active execution was inserted
// for an issue whose slot is taken.
func activeSlotViolation(err error) bool {
	var se sqlite3.Error
	if errors.As(err, &se) {
		return se.ExtendedCode == sqlite3.ErrConstraintUnique &&
			strings.Contains(se.Error(), "executions.issue_id")
	}
	var pe *pgconn.PgError
	if errors.As(err, &pe) {
		return pe.Code == "23505" && pe.ConstraintName == "idx_executions_issue_active"
	}
	return false
}

func (s *SQLStore) GetExecution(ctx context.Context, id string) (*Execution, error) {
	r := s.pool.Reader()
	var exec Execution
	err := r.GetContext(ctx, &exec, r.Rebind(`SELECT * FROM executions WHERE id = ?`), id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: execution %s", errs.ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load execution %s: %w", id, err)
	}
	return &exec, nil
}

func (s *SQLStore) UpdateExecution(ctx context.Context, exec *Execution) error {
	exec.UpdatedAt = time.Now().UTC()
	w := s.pool.Writer()
	res, err := w.ExecContext(ctx, w.Rebind(`
		UPDATE executions SET
			status = ?, prompt = ?,
			worktree_path = ?, branch_name = ?, target_branch = ?,
			base_commit = ?, after_commit = ?,
			exit_code = ?, error_message = ?, error_kind = ?, files_changed = ?,
			session_id = ?, started_at = ?, completed_at = ?, updated_at = ?
		WHERE id = ?`),
		exec.Status, exec.Prompt,
		exec.WorktreePath, exec.BranchName, exec.TargetBranch,
		exec.BaseCommit, exec.AfterCommit,
		exec.ExitCode, exec.ErrorMessage, exec.ErrorKind, exec.FilesChanged,
		exec.SessionID, exec.StartedAt, exec.CompletedAt, exec.UpdatedAt,
		exec.ID)
	if err != nil {
		return fmt.Errorf("failed to update execution %s: %w", exec.ID, err)
	}
	return requireRow(res, "execution", exec.ID)
}

func (s *SQLStore) ListExecutions(ctx context.Context, filter ExecutionFilter) ([]*Execution, error) {
	query := `SELECT * FROM executions`
	var clauses []string
	var args []any

	if filter.IssueID != "" {
		clauses = append(clauses, `issue_id = ?`)
		args = append(args, filter.IssueID)
	}
	if filter.WorkflowID != "" {
		clauses = append(clauses, `workflow_execution_id = ?`)
		args = append(args, filter.WorkflowID)
	}
	if len(filter.Statuses) > 0 {
		clauses = append(clauses, `status IN (`+placeholders(len(filter.Statuses))+`)`)
		for _, st := range filter.Statuses {
			args = append(args, st)
		}
	}
	if len(clauses) > 0 {
		query += ` WHERE ` + strings.Join(clauses, ` AND `)
	}
	query += ` ORDER BY created_at DESC`
	if filter.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, filter.Limit)
		if filter.Offset > 0 {
			query += ` OFFSET ?`
			args = append(args, filter.Offset)
		}
	}

	r := s.pool.Reader()
	execs := []*Execution{}
	if err := r.SelectContext(ctx, &execs, r.Rebind(query), args...); err != nil {
		return nil, fmt.Errorf("failed to list executions: %w", err)
	}
	return execs, nil
}

func (s *SQLStore) ActiveExecutionForIssue(ctx context.Context, issueID string) (*Execution, error) {
	query := `SELECT * FROM executions WHERE issue_id = ? AND status IN (` +
		placeholders(len(ActiveExecutionStatuses)) + `) LIMIT 1`
	args := []any{issueID}
	for _, st := range ActiveExecutionStatuses {
		args = append(args, st)
	}

	r := s.pool.Reader()
	var exec Execution
	err := r.GetContext(ctx, &exec, r.Rebind(query), args...)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to check active execution for issue %s: %w", issueID, err)
	}
	return &exec, nil
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}
