package worktree

import "errors"

var (
	// ErrRepoNotGit is returned when the repository path is not a git
	// working tree.
	ErrRepoNotGit = errors.New("path is not a git repository")

	// ErrWorktreeExists is returned when the target worktree path is
	// already registered.
	ErrWorktreeExists = errors.New("worktree already exists")

	// ErrWorktreeNotFound is returned when a worktree is not registered
	// with the repository.
	ErrWorktreeNotFound = errors.New("worktree not found")

	// ErrMaxWorktrees is returned when the per-repository worktree limit
	// is reached.
	ErrMaxWorktrees = errors.New("maximum worktrees reached for repository")
)
