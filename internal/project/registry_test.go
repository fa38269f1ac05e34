package project

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/grovekit/grove/internal/common/config"
	"github.com/grovekit/grove/internal/common/errs"
	"github.com/grovekit/grove/internal/common/logger"
	"github.com/grovekit/grove/internal/entity"
	"github.com/grovekit/grove/internal/events/bus"
	"github.com/grovekit/grove/internal/gitutil"
	"github.com/grovekit/grove/internal/process"
)

// repoGit treats a fixed set of directories as git repositories without
// shelling out. The registry only probes IsRepository at Open; worktree
// operations never run in these tests.
type repoGit struct {
	repos map[string]bool
}

func newRepoGit(paths ...string) *repoGit {
	g := &repoGit{repos: make(map[string]bool)}
	for _, p := range paths {
		g.repos[p] = true
	}
	return g
}

func (g *repoGit) IsRepository(ctx context.Context, path string) bool { return g.repos[path] }

func (g *repoGit) CreateWorktree(ctx context.Context, repoPath, worktreePath, branch string) error {
	return nil
}

func (g *repoGit) CreateWorktreeWithNewBranch(ctx context.Context, repoPath, worktreePath, branch, baseBranch string) error {
	return nil
}

func (g *repoGit) RemoveWorktree(ctx context.Context, repoPath, worktreePath string, force bool) error {
	return nil
}

func (g *repoGit) ListWorktrees(ctx context.Context, repoPath string) ([]gitutil.WorktreeInfo, error) {
	return nil, nil
}

func (g *repoGit) PruneWorktrees(ctx context.Context, repoPath string) error { return nil }

func (g *repoGit) BranchExists(ctx context.Context, repoPath, branch string) (bool, error) {
	return false, nil
}

func (g *repoGit) CreateBranch(ctx context.Context, repoPath, branch, startPoint string) error {
	return nil
}

func (g *repoGit) DeleteBranch(ctx context.Context, repoPath, branch string, force bool) error {
	return nil
}

func (g *repoGit) ListBranches(ctx context.Context, repoPath string) ([]string, error) {
	return nil, nil
}

func (g *repoGit) RevParseHead(ctx context.Context, dir string) (string, error) {
	return "deadbeef", nil
}

func (g *repoGit) DiffNames(ctx context.Context, dir, baseRef, headRef string) ([]string, error) {
	return nil, nil
}

func (g *repoGit) SetSparseCheckout(ctx context.Context, worktreePath string, patterns []string) error {
	return nil
}

// noSpawn refuses to start processes; registry tests never run agents.
type noSpawn struct{}

func (noSpawn) Spawn(ctx context.Context, cfg process.Config) (process.Handle, error) {
	return nil, fmt.Errorf("spawning disabled in tests")
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	return &config.Config{
		DataDir:  filepath.Join(t.TempDir(), "grove-data"),
		Database: config.DatabaseConfig{Driver: "sqlite"},
		Agents:   config.AgentsConfig{DefaultType: "claude"},
	}
}

func newTestRegistry(t *testing.T, cfg *config.Config, repos ...string) *Registry {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "json"})
	require.NoError(t, err)
	reg, err := NewRegistry(Deps{
		Config:  cfg,
		Bus:     bus.NewMemoryEventBus(log),
		Spawner: noSpawn{},
		Git:     newRepoGit(repos...),
		Logger:  log,
	})
	require.NoError(t, err)
	return reg
}

func makeRepoDir(t *testing.T) string {
	t.Helper()
	dir, err := canonicalPath(t.TempDir())
	require.NoError(t, err)
	return dir
}

func TestOpenIsIdempotentByCanonicalPath(t *testing.T) {
	ctx := context.Background()
	repo := makeRepoDir(t)
	link := filepath.Join(t.TempDir(), "repo-link")
	require.NoError(t, os.Symlink(repo, link))

	reg := newTestRegistry(t, testConfig(t), repo)
	defer func() { require.NoError(t, reg.Shutdown(ctx)) }()

	p1, err := reg.Open(ctx, repo)
	require.NoError(t, err)
	p2, err := reg.Open(ctx, link)
	require.NoError(t, err)
	assert.Same(t, p1, p2)
	assert.Equal(t, repo, p1.RepoPath)
	assert.Len(t, reg.List(), 1)
}

func TestOpenRejectsNonRepository(t *testing.T) {
	ctx := context.Background()
	reg := newTestRegistry(t, testConfig(t)) // no repos registered

	_, err := reg.Open(ctx, t.TempDir())
	require.ErrorIs(t, err, errs.ErrNotFound)
}

func TestGetReturnsOpenProject(t *testing.T) {
	ctx := context.Background()
	repo := makeRepoDir(t)
	reg := newTestRegistry(t, testConfig(t), repo)
	defer func() { require.NoError(t, reg.Shutdown(ctx)) }()

	p, err := reg.Open(ctx, repo)
	require.NoError(t, err)

	got, err := reg.Get(p.ID)
	require.NoError(t, err)
	assert.Same(t, p, got)

	_, err = reg.Get("missing")
	require.ErrorIs(t, err, errs.ErrNotFound)
}

func TestProjectKeepsIDAcrossRestarts(t *testing.T) {
	ctx := context.Background()
	repo := makeRepoDir(t)
	cfg := testConfig(t)

	reg := newTestRegistry(t, cfg, repo)
	p, err := reg.Open(ctx, repo)
	require.NoError(t, err)
	firstID := p.ID
	require.NoError(t, reg.Shutdown(ctx))

	reg2 := newTestRegistry(t, cfg, repo)
	defer func() { require.NoError(t, reg2.Shutdown(ctx)) }()
	p2, err := reg2.Open(ctx, repo)
	require.NoError(t, err)
	assert.Equal(t, firstID, p2.ID)
}

func TestOpenSettlesInterruptedExecutions(t *testing.T) {
	ctx := context.Background()
	repo := makeRepoDir(t)
	cfg := testConfig(t)

	reg := newTestRegistry(t, cfg, repo)
	p, err := reg.Open(ctx, repo)
	require.NoError(t, err)

	// A row a crashed process left running.
	exec := &entity.Execution{
		ID:        "exec-1",
		AgentType: "claude",
		Status:    entity.ExecutionStatusRunning,
		Prompt:    "do things",
	}
	require.NoError(t, p.Store().CreateExecution(ctx, exec))
	require.NoError(t, reg.Shutdown(ctx))

	reg2 := newTestRegistry(t, cfg, repo)
	defer func() { require.NoError(t, reg2.Shutdown(ctx)) }()
	p2, err := reg2.Open(ctx, repo)
	require.NoError(t, err)

	got, err := p2.Store().GetExecution(ctx, "exec-1")
	require.NoError(t, err)
	assert.Equal(t, entity.ExecutionStatusStopped, got.Status)
	require.NotNil(t, got.CompletedAt)
}

func TestOrchestratorServerStartsWhenEnabled(t *testing.T) {
	ctx := context.Background()
	repo := makeRepoDir(t)
	cfg := testConfig(t)
	cfg.Agents.McpServerEnabled = true
	cfg.Agents.McpServerPort = 0

	reg := newTestRegistry(t, cfg, repo)
	defer func() { require.NoError(t, reg.Shutdown(ctx)) }()

	p, err := reg.Open(ctx, repo)
	require.NoError(t, err)
	require.NotNil(t, p.Orchestrator())
	assert.NotZero(t, p.Orchestrator().Port())

	env := p.Orchestrator().EnvForWorkflow("wf-1")
	assert.Equal(t, "wf-1", env["GROVE_WORKFLOW_ID"])
	assert.Contains(t, env["GROVE_MCP_SSE_URL"], "/sse")
}

func TestShutdownClosesProjects(t *testing.T) {
	ctx := context.Background()
	repo := makeRepoDir(t)
	reg := newTestRegistry(t, testConfig(t), repo)

	p, err := reg.Open(ctx, repo)
	require.NoError(t, err)
	require.NoError(t, reg.Shutdown(ctx))

	_, err = reg.Get(p.ID)
	require.ErrorIs(t, err, errs.ErrNotFound)

	_, err = reg.Open(ctx, repo)
	require.Error(t, err)
}

func TestShutdownAppliesDefaultDeadline(t *testing.T) {
	ctx := context.Background()
	repo := makeRepoDir(t)
	reg := newTestRegistry(t, testConfig(t), repo)

	_, err := reg.Open(ctx, repo)
	require.NoError(t, err)

	start := time.Now()
	require.NoError(t, reg.Shutdown(ctx))
	assert.Less(t, time.Since(start), ShutdownDeadline)
}
