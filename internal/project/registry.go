package project

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/grovekit/grove/internal/agent"
	"github.com/grovekit/grove/internal/common/config"
	"github.com/grovekit/grove/internal/common/errs"
	"github.com/grovekit/grove/internal/common/logger"
	"github.com/grovekit/grove/internal/db"
	"github.com/grovekit/grove/internal/entity"
	"github.com/grovekit/grove/internal/events/bus"
	"github.com/grovekit/grove/internal/execution"
	"github.com/grovekit/grove/internal/gitutil"
	"github.com/grovekit/grove/internal/logstore"
	"github.com/grovekit/grove/internal/orchestrator"
	"github.com/grovekit/grove/internal/wakeup"
	"github.com/grovekit/grove/internal/workflow"
	"github.com/grovekit/grove/internal/worktree"
)

// ShutdownDeadline bounds Shutdown when the caller's context carries no
// deadline of its own.
const ShutdownDeadline = 10 * time.Second

// indexFile persists the repo-path to project-id binding so a project keeps
// its id, database and logs across daemon restarts.
const indexFile = "projects.json"

type indexRecord struct {
	ID        string    `json:"id"`
	RepoPath  string    `json:"repo_path"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"created_at"`
}

// Deps collects the process-wide collaborators every project shares: the
// event bus, the agent process spawner and the agent catalog.
type Deps struct {
	Config  *config.Config
	Bus     bus.EventBus
	Spawner agent.Spawner
	Git     gitutil.Git
	Logger  *logger.Logger
}

// Registry opens repositories as projects and owns their lifecycles.
type Registry struct {
	cfg     *config.Config
	sharedB bus.EventBus
	spawner agent.Spawner
	git     gitutil.Git
	catalog *agent.Catalog
	baseLog *logger.Logger
	log     *logger.Logger

	mu        sync.Mutex
	byID      map[string]*Project
	byPath    map[string]*Project
	index     map[string]indexRecord // canonical repo path -> record
	mcpInUse  bool
	shutdown  bool
}

// NewRegistry loads the agent catalog and the persisted project index.
func NewRegistry(d Deps) (*Registry, error) {
	log := d.Logger
	if log == nil {
		log = logger.Default()
	}
	git := d.Git
	if git == nil {
		git = gitutil.New()
	}
	catalog, err := agent.LoadCatalog(d.Config.Agents.CatalogPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load agent catalog: %w", err)
	}

	r := &Registry{
		cfg:     d.Config,
		sharedB: d.Bus,
		spawner: d.Spawner,
		git:     git,
		catalog: catalog,
		baseLog: log,
		log:     log.WithFields(zap.String("component", "project-registry")),
		byID:    make(map[string]*Project),
		byPath:  make(map[string]*Project),
		index:   make(map[string]indexRecord),
	}
	if err := r.loadIndex(); err != nil {
		return nil, err
	}
	return r, nil
}

// Open returns the project for repoPath, building and recovering it on
// first use. Idempotent: the same repository (by canonical path) always
// yields the same handle, and the same project id across restarts.
func (r *Registry) Open(ctx context.Context, repoPath string) (*Project, error) {
	canonical, err := canonicalPath(repoPath)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve repository path %s: %w", repoPath, err)
	}
	if !r.git.IsRepository(ctx, canonical) {
		return nil, errs.NotFoundf("no git repository at %s", canonical)
	}

	r.mu.Lock()
	if r.shutdown {
		r.mu.Unlock()
		return nil, fmt.Errorf("registry is shut down")
	}
	if p, ok := r.byPath[canonical]; ok {
		r.mu.Unlock()
		return p, nil
	}
	rec, known := r.index[canonical]
	if !known {
		rec = indexRecord{
			ID:        uuid.New().String(),
			RepoPath:  canonical,
			Name:      filepath.Base(canonical),
			CreatedAt: time.Now().UTC(),
		}
	}
	r.mu.Unlock()

	p, err := r.build(ctx, rec)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	if existing, ok := r.byPath[canonical]; ok {
		// Lost the race to a concurrent Open; keep the first handle.
		r.mu.Unlock()
		_ = p.close(ctx)
		return existing, nil
	}
	r.byPath[canonical] = p
	r.byID[p.ID] = p
	r.index[canonical] = rec
	err = r.saveIndex()
	r.mu.Unlock()
	if err != nil {
		r.log.Warn("failed to persist project index", zap.Error(err))
	}

	r.log.Info("project opened",
		zap.String("project_id", p.ID), zap.String("repo_path", canonical))
	return p, nil
}

// Get returns an open project by id.
func (r *Registry) Get(projectID string) (*Project, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.byID[projectID]
	if !ok {
		return nil, errs.NotFoundf("project %s is not open", projectID)
	}
	return p, nil
}

// List returns every open project.
func (r *Registry) List() []*Project {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Project, 0, len(r.byID))
	for _, p := range r.byID {
		out = append(out, p)
	}
	return out
}

// Shutdown closes every open project: workflow drivers stop, in-flight
// executions are cancelled and drained, timers stop, stores flush and
// close. Applies ShutdownDeadline when ctx has none. The caller decides
// whether an overrun is fatal to the process.
func (r *Registry) Shutdown(ctx context.Context) error {
	r.mu.Lock()
	r.shutdown = true
	open := make([]*Project, 0, len(r.byID))
	for _, p := range r.byID {
		open = append(open, p)
	}
	r.byID = make(map[string]*Project)
	r.byPath = make(map[string]*Project)
	r.mu.Unlock()

	if _, has := ctx.Deadline(); !has {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, ShutdownDeadline)
		defer cancel()
	}

	// Projects are independent, so they share the deadline instead of
	// queueing behind each other.
	var g errgroup.Group
	for _, p := range open {
		g.Go(func() error {
			if err := p.close(ctx); err != nil {
				return fmt.Errorf("project %s: %w", p.ID, err)
			}
			return nil
		})
	}
	return g.Wait()
}

// build wires one project's vertical and runs its recovery passes.
func (r *Registry) build(ctx context.Context, rec indexRecord) (_ *Project, retErr error) {
	dir := filepath.Join(r.cfg.DataDir, "projects", rec.ID)

	pool, err := db.Open(r.cfg.Database, filepath.Join(dir, "grove.db"))
	if err != nil {
		return nil, fmt.Errorf("failed to open entity store: %w", err)
	}
	defer func() {
		if retErr != nil {
			_ = pool.Close()
		}
	}()

	store, err := entity.NewSQLStore(pool, r.baseLog)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize entity store: %w", err)
	}

	logs, err := logstore.New(filepath.Join(dir, "logs"), r.baseLog)
	if err != nil {
		return nil, fmt.Errorf("failed to open log store: %w", err)
	}
	defer func() {
		if retErr != nil {
			_ = logs.Close()
		}
	}()

	worktrees := worktree.NewManager(r.cfg.Worktree, r.git, r.baseLog)
	builder := agent.NewBuilder(r.catalog, r.spawner, r.baseLog)

	p := &Project{
		ID:        rec.ID,
		RepoPath:  rec.RepoPath,
		Name:      rec.Name,
		CreatedAt: rec.CreatedAt,
		pool:      pool,
		store:     store,
		logs:      logs,
		bus:       r.sharedB,
		worktrees: worktrees,
		log:       r.log,
	}

	p.execs = execution.New(execution.Deps{
		ProjectID:        rec.ID,
		RepoPath:         rec.RepoPath,
		Config:           r.cfg.Execution,
		WorktreeConfig:   r.cfg.Worktree,
		DefaultAgentType: r.cfg.Agents.DefaultType,
		Store:            store,
		Worktrees:        worktrees,
		Agents:           builder,
		Logs:             logs,
		Bus:              r.sharedB,
		Git:              r.git,
		Logger:           r.baseLog,
	})

	p.wakeups = wakeup.New(rec.ID, store, r.sharedB, r.baseLog)

	p.workflows = workflow.New(workflow.Deps{
		ProjectID:  rec.ID,
		Config:     r.cfg.Workflow,
		Store:      store,
		Executions: p.execs,
		Wakeup:     p.wakeups,
		Bus:        r.sharedB,
		Logger:     r.baseLog,
		OrchestratorEnv: func(workflowID string) map[string]string {
			if p.mcp == nil {
				return nil
			}
			return p.mcp.EnvForWorkflow(workflowID)
		},
	})
	p.wakeups.SetHandler(p.workflows.HandleWakeup)

	if r.cfg.Agents.McpServerEnabled {
		p.mcp = orchestrator.New(orchestrator.Deps{
			Port:       r.claimMcpPort(),
			Workflows:  p.workflows,
			Executions: p.execs,
			Logs:       logs,
			Logger:     r.baseLog,
		})
		if err := p.mcp.Start(ctx); err != nil {
			return nil, fmt.Errorf("failed to start orchestrator server: %w", err)
		}
		defer func() {
			if retErr != nil {
				_ = p.mcp.Stop(context.Background())
			}
		}()
	}

	if err := r.recover(ctx, p); err != nil {
		return nil, err
	}
	if days := r.cfg.Retention.MaxAgeDays; days > 0 {
		p.startJanitor(time.Duration(days) * 24 * time.Hour)
	}
	return p, nil
}

// recover settles state a previous process left behind: interrupted
// executions become stopped, orphaned worktrees are removed, durable
// timers re-arm, and workflows reconcile their steps against the settled
// execution rows. Order matters: executions first so the workflow pass
// sees terminal rows.
func (r *Registry) recover(ctx context.Context, p *Project) error {
	if err := p.execs.Recover(ctx); err != nil {
		return fmt.Errorf("execution recovery: %w", err)
	}

	if r.cfg.Worktree.CleanupOrphansOnStartup {
		live, err := r.referencedWorktrees(ctx, p)
		if err != nil {
			return err
		}
		removed, err := p.worktrees.CleanupOrphans(ctx, p.RepoPath, live)
		if err != nil {
			r.log.Warn("orphan worktree cleanup failed",
				zap.String("project_id", p.ID), zap.Error(err))
		} else if removed > 0 {
			r.log.Info("removed orphaned worktrees",
				zap.String("project_id", p.ID), zap.Int("removed", removed))
		}
	}

	if err := p.wakeups.Recover(ctx); err != nil {
		return fmt.Errorf("wakeup recovery: %w", err)
	}
	if err := p.workflows.Recover(ctx); err != nil {
		return fmt.Errorf("workflow recovery: %w", err)
	}
	return nil
}

// referencedWorktrees returns the worktree paths any execution row still
// points at. Terminal executions keep their worktrees for inspection, so
// only paths no row references count as orphans.
func (r *Registry) referencedWorktrees(ctx context.Context, p *Project) (map[string]bool, error) {
	rows, err := p.store.ListExecutions(ctx, entity.ExecutionFilter{})
	if err != nil {
		return nil, fmt.Errorf("failed to list executions for orphan cleanup: %w", err)
	}
	live := make(map[string]bool, len(rows))
	for _, exec := range rows {
		if exec.WorktreePath != "" {
			live[exec.WorktreePath] = true
		}
	}
	return live, nil
}

// claimMcpPort gives the configured MCP port to the first project and an
// ephemeral port to every later one, since each project runs its own tool
// server.
func (r *Registry) claimMcpPort() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.mcpInUse {
		return 0
	}
	r.mcpInUse = true
	return r.cfg.Agents.McpServerPort
}

func (r *Registry) loadIndex() error {
	path := filepath.Join(r.cfg.DataDir, indexFile)
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to read project index: %w", err)
	}
	var records []indexRecord
	if err := json.Unmarshal(data, &records); err != nil {
		return fmt.Errorf("failed to parse project index %s: %w", path, err)
	}
	for _, rec := range records {
		r.index[rec.RepoPath] = rec
	}
	return nil
}

// saveIndex writes the index atomically. Caller holds r.mu.
func (r *Registry) saveIndex() error {
	records := make([]indexRecord, 0, len(r.index))
	for _, rec := range r.index {
		records = append(records, rec)
	}
	data, err := json.MarshalIndent(records, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(r.cfg.DataDir, 0o755); err != nil {
		return err
	}
	path := filepath.Join(r.cfg.DataDir, indexFile)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

// canonicalPath resolves repoPath to an absolute, symlink-free path so two
// spellings of the same repository map to one project.
func canonicalPath(repoPath string) (string, error) {
	abs, err := filepath.Abs(repoPath)
	if err != nil {
		return "", err
	}
	resolved, err := filepath.EvalSymlinks(abs)
	if err != nil {
		return "", err
	}
	return resolved, nil
}
