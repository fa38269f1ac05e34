// Package gitutil wraps the git CLI behind the narrow interface the worktree
// manager and execution engine need. Every operation shells out with a
// context so callers can cancel slow repositories.
package gitutil

import (
	"context"
	"fmt"
	"os/exec"
	"strings"
)

// Git is the repository interface consumed by the core. Implementations must
// be safe for concurrent use; the worktree manager serializes mutating calls
// per repository itself.
type Git interface {
	CreateWorktree(ctx context.Context, repoPath, worktreePath, branch string) error
	CreateWorktreeWithNewBranch(ctx context.Context, repoPath, worktreePath, branch, baseBranch string) error
	RemoveWorktree(ctx context.Context, repoPath, worktreePath string, force bool) error
	ListWorktrees(ctx context.Context, repoPath string) ([]WorktreeInfo, error)
	PruneWorktrees(ctx context.Context, repoPath string) error

	BranchExists(ctx context.Context, repoPath, branch string) (bool, error)
	CreateBranch(ctx context.Context, repoPath, branch, startPoint string) error
	DeleteBranch(ctx context.Context, repoPath, branch string, force bool) error
	ListBranches(ctx context.Context, repoPath string) ([]string, error)

	RevParseHead(ctx context.Context, dir string) (string, error)
	DiffNames(ctx context.Context, dir, baseRef, headRef string) ([]string, error)
	IsRepository(ctx context.Context, path string) bool

	SetSparseCheckout(ctx context.Context, worktreePath string, patterns []string) error
}

// WorktreeInfo describes one registered worktree as reported by
// `git worktree list --porcelain`.
type WorktreeInfo struct {
	Path   string
	Head   string
	Branch string
}

// CLI runs git commands through os/exec.
type CLI struct{}

// New returns a CLI-backed Git.
func New() *CLI {
	return &CLI{}
}

func (g *CLI) run(ctx context.Context, dir string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = dir
	output, err := cmd.CombinedOutput()
	if err != nil {
		return "", fmt.Errorf("git %s failed: %w: %s",
			strings.Join(args, " "), err, strings.TrimSpace(string(output)))
	}
	return string(output), nil
}

// CreateWorktree registers a worktree at worktreePath checked out to an
// existing branch.
func (g *CLI) CreateWorktree(ctx context.Context, repoPath, worktreePath, branch string) error {
	_, err := g.run(ctx, repoPath, "worktree", "add", worktreePath, branch)
	return err
}

// CreateWorktreeWithNewBranch registers a worktree and creates branch off
// baseBranch in one step.
func (g *CLI) CreateWorktreeWithNewBranch(ctx context.Context, repoPath, worktreePath, branch, baseBranch string) error {
	_, err := g.run(ctx, repoPath, "worktree", "add", "-b", branch, worktreePath, baseBranch)
	return err
}

// RemoveWorktree unregisters a worktree and deletes its directory.
func (g *CLI) RemoveWorktree(ctx context.Context, repoPath, worktreePath string, force bool) error {
	args := []string{"worktree", "remove"}
	if force {
		args = append(args, "--force")
	}
	args = append(args, worktreePath)
	_, err := g.run(ctx, repoPath, args...)
	return err
}

// ListWorktrees parses `git worktree list --porcelain`. The main working
// tree is included; callers filter by path.
func (g *CLI) ListWorktrees(ctx context.Context, repoPath string) ([]WorktreeInfo, error) {
	output, err := g.run(ctx, repoPath, "worktree", "list", "--porcelain")
	if err != nil {
		return nil, err
	}

	var (
		worktrees []WorktreeInfo
		current   WorktreeInfo
	)
	flush := func() {
		if current.Path != "" {
			worktrees = append(worktrees, current)
		}
		current = WorktreeInfo{}
	}
	for _, line := range strings.Split(output, "\n") {
		line = strings.TrimSpace(line)
		switch {
		case line == "":
			flush()
		case strings.HasPrefix(line, "worktree "):
			flush()
			current.Path = strings.TrimPrefix(line, "worktree ")
		case strings.HasPrefix(line, "HEAD "):
			current.Head = strings.TrimPrefix(line, "HEAD ")
		case strings.HasPrefix(line, "branch "):
			current.Branch = strings.TrimPrefix(strings.TrimPrefix(line, "branch "), "refs/heads/")
		}
	}
	flush()
	return worktrees, nil
}

// PruneWorktrees drops stale worktree registrations whose directories are gone.
func (g *CLI) PruneWorktrees(ctx context.Context, repoPath string) error {
	_, err := g.run(ctx, repoPath, "worktree", "prune")
	return err
}

// BranchExists reports whether a local branch exists.
func (g *CLI) BranchExists(ctx context.Context, repoPath, branch string) (bool, error) {
	cmd := exec.CommandContext(ctx, "git", "show-ref", "--verify", "--quiet", "refs/heads/"+branch)
	cmd.Dir = repoPath
	if err := cmd.Run(); err != nil {
		if _, ok := err.(*exec.ExitError); ok {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// CreateBranch creates branch at startPoint without checking it out.
func (g *CLI) CreateBranch(ctx context.Context, repoPath, branch, startPoint string) error {
	args := []string{"branch", branch}
	if startPoint != "" {
		args = append(args, startPoint)
	}
	_, err := g.run(ctx, repoPath, args...)
	return err
}

// DeleteBranch deletes a local branch.
func (g *CLI) DeleteBranch(ctx context.Context, repoPath, branch string, force bool) error {
	flag := "-d"
	if force {
		flag = "-D"
	}
	_, err := g.run(ctx, repoPath, "branch", flag, branch)
	return err
}

// ListBranches returns all local branch names.
func (g *CLI) ListBranches(ctx context.Context, repoPath string) ([]string, error) {
	output, err := g.run(ctx, repoPath, "branch", "--format=%(refname:short)")
	if err != nil {
		return nil, err
	}
	var branches []string
	for _, line := range strings.Split(output, "\n") {
		if line = strings.TrimSpace(line); line != "" {
			branches = append(branches, line)
		}
	}
	return branches, nil
}

// RevParseHead returns the commit hash dir's HEAD points at.
func (g *CLI) RevParseHead(ctx context.Context, dir string) (string, error) {
	output, err := g.run(ctx, dir, "rev-parse", "HEAD")
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(output), nil
}

// DiffNames returns the paths changed between baseRef and headRef, including
// uncommitted changes when headRef is empty.
func (g *CLI) DiffNames(ctx context.Context, dir, baseRef, headRef string) ([]string, error) {
	args := []string{"diff", "--name-only"}
	if headRef != "" {
		args = append(args, baseRef+".."+headRef)
	} else {
		args = append(args, baseRef)
	}
	output, err := g.run(ctx, dir, args...)
	if err != nil {
		return nil, err
	}
	var files []string
	for _, line := range strings.Split(output, "\n") {
		if line = strings.TrimSpace(line); line != "" {
			files = append(files, line)
		}
	}
	return files, nil
}

// IsRepository reports whether path is inside a git working tree.
func (g *CLI) IsRepository(ctx context.Context, path string) bool {
	cmd := exec.CommandContext(ctx, "git", "rev-parse", "--is-inside-work-tree")
	cmd.Dir = path
	output, err := cmd.Output()
	return err == nil && strings.TrimSpace(string(output)) == "true"
}

// SetSparseCheckout enables sparse checkout in a worktree and applies the
// given patterns. Both directory and file patterns are accepted.
func (g *CLI) SetSparseCheckout(ctx context.Context, worktreePath string, patterns []string) error {
	// Non-cone mode accepts both directory and file patterns.
	if _, err := g.run(ctx, worktreePath, "sparse-checkout", "init", "--no-cone"); err != nil {
		return err
	}
	args := append([]string{"sparse-checkout", "set", "--no-cone"}, patterns...)
	_, err := g.run(ctx, worktreePath, args...)
	return err
}
