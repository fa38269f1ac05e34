package entity

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/grovekit/grove/internal/common/errs"
)

func (s *SQLStore) CreateIssue(ctx context.Context, issue *Issue) error {
	if issue.ID == "" {
		issue.ID = uuid.New().String()
	}
	if issue.Key == "" {
		issue.Key = issue.ID
	}
	if issue.Status == "" {
		issue.Status = IssueStatusOpen
	}
	now := time.Now().UTC()
	issue.CreatedAt = now
	issue.UpdatedAt = now

	w := s.pool.Writer()
	_, err := w.ExecContext(ctx, w.Rebind(`
		INSERT INTO issues (id, key, title, content, status, priority, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`),
		issue.ID, issue.Key, issue.Title, issue.Content, issue.Status, issue.Priority,
		issue.CreatedAt, issue.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to create issue: %w", err)
	}
	return nil
}

func (s *SQLStore) GetIssue(ctx context.Context, idOrKey string) (*Issue, error) {
	r := s.pool.Reader()
	var issue Issue
	err := r.GetContext(ctx, &issue,
		r.Rebind(`SELECT * FROM issues WHERE id = ? OR key = ?`), idOrKey, idOrKey)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: issue %s", errs.ErrNotFound, idOrKey)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load issue %s: %w", idOrKey, err)
	}
	return &issue, nil
}

func (s *SQLStore) UpdateIssue(ctx context.Context, issue *Issue) error {
	issue.UpdatedAt = time.Now().UTC()
	w := s.pool.Writer()
	res, err := w.ExecContext(ctx, w.Rebind(`
		UPDATE issues SET title = ?, content = ?, status = ?, priority = ?, updated_at = ?
		WHERE id = ?`),
		issue.Title, issue.Content, issue.Status, issue.Priority, issue.UpdatedAt, issue.ID)
	if err != nil {
		return fmt.Errorf("failed to update issue %s: %w", issue.ID, err)
	}
	return requireRow(res, "issue", issue.ID)
}

func (s *SQLStore) ListIssues(ctx context.Context, filter IssueFilter) ([]*Issue, error) {
	r := s.pool.Reader()
	query := `SELECT * FROM issues`
	args := []any{}
	if filter.Status != "" {
		query += ` WHERE status = ?`
		args = append(args, filter.Status)
	}
	query += ` ORDER BY priority DESC, created_at ASC`

	issues := []*Issue{}
	if err := r.SelectContext(ctx, &issues, r.Rebind(query), args...); err != nil {
		return nil, fmt.Errorf("failed to list issues: %w", err)
	}
	return issues, nil
}

func (s *SQLStore) DeleteIssue(ctx context.Context, id string) error {
	w := s.pool.Writer()
	res, err := w.ExecContext(ctx, w.Rebind(`DELETE FROM issues WHERE id = ?`), id)
	if err != nil {
		return fmt.Errorf("failed to delete issue %s: %w", id, err)
	}
	return requireRow(res, "issue", id)
}

func (s *SQLStore) CreateSpec(ctx context.Context, spec *Spec) error {
	if spec.ID == "" {
		spec.ID = uuid.New().String()
	}
	if spec.Key == "" {
		spec.Key = spec.ID
	}
	now := time.Now().UTC()
	spec.CreatedAt = now
	spec.UpdatedAt = now

	w := s.pool.Writer()
	_, err := w.ExecContext(ctx, w.Rebind(`
		INSERT INTO specs (id, key, title, content, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)`),
		spec.ID, spec.Key, spec.Title, spec.Content, spec.CreatedAt, spec.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to create spec: %w", err)
	}
	return nil
}

func (s *SQLStore) GetSpec(ctx context.Context, idOrKey string) (*Spec, error) {
	r := s.pool.Reader()
	var spec Spec
	err := r.GetContext(ctx, &spec,
		r.Rebind(`SELECT * FROM specs WHERE id = ? OR key = ?`), idOrKey, idOrKey)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: spec %s", errs.ErrNotFound, idOrKey)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load spec %s: %w", idOrKey, err)
	}
	return &spec, nil
}

// SpecsForIssue resolves the issue's spec relationships in either direction.
func (s *SQLStore) SpecsForIssue(ctx context.Context, issueID string) ([]*Spec, error) {
	r := s.pool.Reader()
	specs := []*Spec{}
	err := r.SelectContext(ctx, &specs, r.Rebind(`
		SELECT sp.* FROM specs sp
		JOIN relationships rel
			ON (rel.from_id = ? AND rel.to_id = sp.id)
			OR (rel.to_id = ? AND rel.from_id = sp.id)
		WHERE rel.type = ?
		ORDER BY sp.created_at ASC`),
		issueID, issueID, RelSpec)
	if err != nil {
		return nil, fmt.Errorf("failed to load specs for issue %s: %w", issueID, err)
	}
	return specs, nil
}

func (s *SQLStore) CreateRelationship(ctx context.Context, rel *Relationship) error {
	if rel.ID == "" {
		rel.ID = uuid.New().String()
	}
	rel.CreatedAt = time.Now().UTC()

	w := s.pool.Writer()
	_, err := w.ExecContext(ctx, w.Rebind(`
		INSERT INTO relationships (id, from_id, to_id, type, created_at)
		VALUES (?, ?, ?, ?, ?)`),
		rel.ID, rel.FromID, rel.ToID, rel.Type, rel.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to create relationship: %w", err)
	}
	return nil
}

func (s *SQLStore) RelationshipsOf(ctx context.Context, id string) ([]*Relationship, error) {
	r := s.pool.Reader()
	rels := []*Relationship{}
	err := r.SelectContext(ctx, &rels, r.Rebind(`
		SELECT * FROM relationships WHERE from_id = ? OR to_id = ?
		ORDER BY created_at ASC`), id, id)
	if err != nil {
		return nil, fmt.Errorf("failed to load relationships of %s: %w", id, err)
	}
	return rels, nil
}

// requireRow turns a zero-row write into NotFound.
func requireRow(res sql.Result, kind, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("%w: %s %s", errs.ErrNotFound, kind, id)
	}
	return nil
}
