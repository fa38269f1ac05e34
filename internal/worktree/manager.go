// Package worktree manages the isolated git worktrees agent executions run
// in. Each execution gets its own checkout under the repository's configured
// storage directory on a dedicated branch.
package worktree

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/grovekit/grove/internal/common/config"
	"github.com/grovekit/grove/internal/common/errs"
	"github.com/grovekit/grove/internal/common/logger"
	"github.com/grovekit/grove/internal/gitutil"
)

// CreateRequest describes one worktree to create.
type CreateRequest struct {
	RepoPath     string
	WorktreePath string
	BranchName   string
	BaseBranch   string

	// CreateBranch creates BranchName off BaseBranch. When false the
	// branch must already exist.
	CreateBranch bool

	// SparsePatterns restricts the files checked out in the worktree.
	// Empty means a full checkout.
	SparsePatterns []string
}

// Worktree is the result of a successful create.
type Worktree struct {
	Path       string
	Branch     string
	BaseBranch string
	BaseCommit string
}

// Manager creates and destroys git worktrees. Mutating operations on one
// repository are serialized under a per-repository lock; distinct
// repositories proceed concurrently.
type Manager struct {
	config config.WorktreeConfig
	git    gitutil.Git
	logger *logger.Logger

	repoLocks  map[string]*sync.Mutex
	repoLockMu sync.Mutex
}

// NewManager creates a worktree manager.
func NewManager(cfg config.WorktreeConfig, git gitutil.Git, log *logger.Logger) *Manager {
	if log == nil {
		log = logger.Default()
	}
	return &Manager{
		config:    cfg,
		git:       git,
		logger:    log.WithFields(zap.String("component", "worktree-manager")),
		repoLocks: make(map[string]*sync.Mutex),
	}
}

func (m *Manager) repoLock(repoPath string) *sync.Mutex {
	m.repoLockMu.Lock()
	defer m.repoLockMu.Unlock()
	if lock, ok := m.repoLocks[repoPath]; ok {
		return lock
	}
	lock := &sync.Mutex{}
	m.repoLocks[repoPath] = lock
	return lock
}

// PathFor returns the storage path for an execution's worktree:
// <repoRoot>/<storagePath>/<executionID>.
func (m *Manager) PathFor(repoPath, executionID string) string {
	return filepath.Join(repoPath, m.config.StoragePath, executionID)
}

// BranchFor returns the branch name for an issue or execution id:
// <branchPrefix>/<id>, before collision resolution.
func (m *Manager) BranchFor(id string) string {
	prefix := strings.TrimSuffix(m.config.BranchPrefix, "/")
	if prefix == "" {
		return id
	}
	return prefix + "/" + id
}

// Create registers a worktree, creating the branch when requested. The
// operation is atomic with respect to the repository: partial state left by
// a failed step is rolled back before the error returns.
//
// When CreateBranch is set and the branch name collides, a numeric suffix
// is appended rather than clobbering the existing branch.
func (m *Manager) Create(ctx context.Context, req CreateRequest) (*Worktree, error) {
	if req.RepoPath == "" || req.WorktreePath == "" || req.BranchName == "" {
		return nil, fmt.Errorf("repo path, worktree path and branch name are required")
	}
	if !m.git.IsRepository(ctx, req.RepoPath) {
		return nil, fmt.Errorf("%w: %s", ErrRepoNotGit, req.RepoPath)
	}

	baseBranch := req.BaseBranch
	if baseBranch == "" {
		baseBranch = "HEAD"
	} else {
		exists, err := m.git.BranchExists(ctx, req.RepoPath, baseBranch)
		if err != nil {
			return nil, fmt.Errorf("failed to check base branch: %w", err)
		}
		if !exists {
			return nil, fmt.Errorf("%w: %s", errs.ErrTargetBranchMissing, baseBranch)
		}
	}

	lock := m.repoLock(req.RepoPath)
	lock.Lock()
	defer lock.Unlock()

	if m.config.MaxPerRepo > 0 {
		registered, err := m.managedWorktrees(ctx, req.RepoPath)
		if err == nil && len(registered) >= m.config.MaxPerRepo {
			return nil, fmt.Errorf("%w: %d", ErrMaxWorktrees, m.config.MaxPerRepo)
		}
	}

	if _, err := os.Stat(req.WorktreePath); err == nil {
		return nil, fmt.Errorf("%w: %s", ErrWorktreeExists, req.WorktreePath)
	}
	if err := os.MkdirAll(filepath.Dir(req.WorktreePath), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create worktree parent directory: %w", err)
	}

	branch := req.BranchName
	if req.CreateBranch {
		resolved, err := m.resolveBranchCollision(ctx, req.RepoPath, branch)
		if err != nil {
			return nil, err
		}
		branch = resolved
		if err := m.git.CreateWorktreeWithNewBranch(ctx, req.RepoPath, req.WorktreePath, branch, baseBranch); err != nil {
			m.rollback(ctx, req.RepoPath, req.WorktreePath, branch, true)
			return nil, fmt.Errorf("failed to create worktree: %w", err)
		}
	} else {
		exists, err := m.git.BranchExists(ctx, req.RepoPath, branch)
		if err != nil {
			return nil, fmt.Errorf("failed to check branch: %w", err)
		}
		if !exists {
			return nil, fmt.Errorf("%w: %s", errs.ErrBranchNotFound, branch)
		}
		if err := m.git.CreateWorktree(ctx, req.RepoPath, req.WorktreePath, branch); err != nil {
			m.rollback(ctx, req.RepoPath, req.WorktreePath, branch, false)
			return nil, fmt.Errorf("failed to create worktree: %w", err)
		}
	}

	if len(req.SparsePatterns) > 0 {
		if err := m.git.SetSparseCheckout(ctx, req.WorktreePath, req.SparsePatterns); err != nil {
			m.rollback(ctx, req.RepoPath, req.WorktreePath, branch, req.CreateBranch)
			return nil, fmt.Errorf("failed to apply sparse checkout: %w", err)
		}
	}

	baseCommit, err := m.git.RevParseHead(ctx, req.WorktreePath)
	if err != nil {
		m.rollback(ctx, req.RepoPath, req.WorktreePath, branch, req.CreateBranch)
		return nil, fmt.Errorf("failed to read worktree HEAD: %w", err)
	}

	m.logger.Info("created worktree",
		zap.String("path", req.WorktreePath),
		zap.String("branch", branch),
		zap.String("base_branch", baseBranch),
		zap.String("base_commit", baseCommit))

	return &Worktree{
		Path:       req.WorktreePath,
		Branch:     branch,
		BaseBranch: baseBranch,
		BaseCommit: baseCommit,
	}, nil
}

// resolveBranchCollision appends a numeric suffix until the branch name is
// free. Caller holds the repository lock.
func (m *Manager) resolveBranchCollision(ctx context.Context, repoPath, branch string) (string, error) {
	candidate := branch
	for i := 2; ; i++ {
		exists, err := m.git.BranchExists(ctx, repoPath, candidate)
		if err != nil {
			return "", fmt.Errorf("failed to check branch: %w", err)
		}
		if !exists {
			return candidate, nil
		}
		candidate = fmt.Sprintf("%s-%d", branch, i)
		if i > 1000 {
			return "", fmt.Errorf("could not find free branch name for %s", branch)
		}
	}
}

// rollback removes whatever partial state a failed create left behind.
func (m *Manager) rollback(ctx context.Context, repoPath, worktreePath, branch string, deleteBranch bool) {
	if err := m.git.RemoveWorktree(ctx, repoPath, worktreePath, true); err != nil {
		_ = os.RemoveAll(worktreePath)
		_ = m.git.PruneWorktrees(ctx, repoPath)
	}
	if deleteBranch {
		if exists, _ := m.git.BranchExists(ctx, repoPath, branch); exists {
			_ = m.git.DeleteBranch(ctx, repoPath, branch, true)
		}
	}
}

// RemoveOptions controls Remove behavior.
type RemoveOptions struct {
	// DeleteBranch deletes the worktree's branch after removal.
	DeleteBranch bool
}

// Remove unregisters a worktree and deletes its directory. Removing a
// missing worktree is a no-op, making cleanup idempotent.
func (m *Manager) Remove(ctx context.Context, repoPath, worktreePath string, opts RemoveOptions) error {
	lock := m.repoLock(repoPath)
	lock.Lock()
	defer lock.Unlock()

	var branch string
	worktrees, err := m.git.ListWorktrees(ctx, repoPath)
	if err == nil {
		for _, wt := range worktrees {
			if wt.Path == worktreePath {
				branch = wt.Branch
				break
			}
		}
	}

	if err := m.git.RemoveWorktree(ctx, repoPath, worktreePath, true); err != nil {
		// Registration may be stale or the directory already gone.
		if _, statErr := os.Stat(worktreePath); statErr == nil {
			if rmErr := os.RemoveAll(worktreePath); rmErr != nil {
				return fmt.Errorf("failed to remove worktree directory: %w", rmErr)
			}
		}
		_ = m.git.PruneWorktrees(ctx, repoPath)
	}

	if opts.DeleteBranch && branch != "" {
		if err := m.git.DeleteBranch(ctx, repoPath, branch, true); err != nil {
			m.logger.Warn("failed to delete worktree branch",
				zap.String("branch", branch), zap.Error(err))
		}
	}

	m.logger.Info("removed worktree",
		zap.String("path", worktreePath),
		zap.Bool("deleted_branch", opts.DeleteBranch && branch != ""))
	return nil
}

// IsValid reports whether git still recognizes the worktree and its
// directory exists.
func (m *Manager) IsValid(ctx context.Context, repoPath, worktreePath string) bool {
	info, err := os.Stat(worktreePath)
	if err != nil || !info.IsDir() {
		return false
	}
	worktrees, err := m.git.ListWorktrees(ctx, repoPath)
	if err != nil {
		return false
	}
	for _, wt := range worktrees {
		if wt.Path == worktreePath {
			return true
		}
	}
	return false
}

// List enumerates the worktrees grove manages in this repository, i.e. the
// registered worktrees under the configured storage directory.
func (m *Manager) List(ctx context.Context, repoPath string) ([]gitutil.WorktreeInfo, error) {
	return m.managedWorktrees(ctx, repoPath)
}

func (m *Manager) managedWorktrees(ctx context.Context, repoPath string) ([]gitutil.WorktreeInfo, error) {
	worktrees, err := m.git.ListWorktrees(ctx, repoPath)
	if err != nil {
		return nil, err
	}
	storageRoot := filepath.Join(repoPath, m.config.StoragePath) + string(filepath.Separator)
	var managed []gitutil.WorktreeInfo
	for _, wt := range worktrees {
		if strings.HasPrefix(wt.Path, storageRoot) {
			managed = append(managed, wt)
		}
	}
	return managed, nil
}

// CleanupOrphans removes every managed worktree whose path is not in live.
// Stale registrations with no directory are pruned too. The operation is
// idempotent: a second call with the same live set is a no-op.
func (m *Manager) CleanupOrphans(ctx context.Context, repoPath string, live map[string]bool) (int, error) {
	managed, err := m.managedWorktrees(ctx, repoPath)
	if err != nil {
		return 0, err
	}

	removed := 0
	for _, wt := range managed {
		if live[wt.Path] {
			continue
		}
		if err := m.Remove(ctx, repoPath, wt.Path, RemoveOptions{DeleteBranch: m.config.AutoDeleteBranches}); err != nil {
			m.logger.Warn("failed to remove orphaned worktree",
				zap.String("path", wt.Path), zap.Error(err))
			continue
		}
		removed++
	}

	lock := m.repoLock(repoPath)
	lock.Lock()
	_ = m.git.PruneWorktrees(ctx, repoPath)
	lock.Unlock()

	if removed > 0 {
		m.logger.Info("cleaned up orphaned worktrees",
			zap.String("repo", repoPath), zap.Int("removed", removed))
	}
	return removed, nil
}
