// Package execution owns the lifecycle of agent executions: provisioning
// the worktree, spawning and supervising the agent, streaming its
// trajectory into the log store and onto the event bus, and persisting
// every status transition.
//
// Each running execution is driven by a single actor goroutine that owns
// all mutations to the execution row. External callers request transitions
// by enqueueing commands; the actor applies them between stream entries.
package execution

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/grovekit/grove/internal/agent"
	"github.com/grovekit/grove/internal/common/config"
	"github.com/grovekit/grove/internal/common/errs"
	"github.com/grovekit/grove/internal/common/logger"
	"github.com/grovekit/grove/internal/common/tracing"
	"github.com/grovekit/grove/internal/entity"
	"github.com/grovekit/grove/internal/events"
	"github.com/grovekit/grove/internal/events/bus"
	"github.com/grovekit/grove/internal/gitutil"
	"github.com/grovekit/grove/internal/logstore"
	"github.com/grovekit/grove/internal/trajectory"
	"github.com/grovekit/grove/internal/worktree"
)

// AdapterFactory builds protocol adapters by agent type. *agent.Builder
// satisfies it; tests substitute scripted adapters.
type AdapterFactory interface {
	Build(agentType string, opts agent.Options) (agent.Adapter, error)
}

// Deps collects the collaborators one engine instance needs. All fields
// except Logger are required.
type Deps struct {
	ProjectID string
	RepoPath  string

	Config         config.ExecutionConfig
	WorktreeConfig config.WorktreeConfig

	// DefaultAgentType is used when a request does not name an agent.
	DefaultAgentType string

	Store     entity.Store
	Worktrees *worktree.Manager
	Agents    AdapterFactory
	Logs      *logstore.Store
	Bus       bus.EventBus
	Git       gitutil.Git
	Logger    *logger.Logger
}

// Engine creates and supervises executions for one project.
type Engine struct {
	projectID string
	repoPath  string
	cfg       config.ExecutionConfig
	wtCfg     config.WorktreeConfig
	defAgent  string

	store     entity.Store
	worktrees *worktree.Manager
	agents    AdapterFactory
	logs      *logstore.Store
	bus       bus.EventBus
	git       gitutil.Git
	logger    *logger.Logger
	tracer    trace.Tracer

	mu     sync.Mutex
	actors map[string]*actor
	closed bool
	wg     sync.WaitGroup

	// issueMu serializes the active-slot check and insert so two concurrent
	// creates for the same issue cannot both pass the check. The partial
	// unique index on executions backs this across processes.
	issueMu sync.Mutex
}

// New creates an execution engine.
func New(d Deps) *Engine {
	log := d.Logger
	if log == nil {
		log = logger.Default()
	}
	defAgent := d.DefaultAgentType
	if defAgent == "" {
		defAgent = "claude"
	}
	return &Engine{
		projectID: d.ProjectID,
		repoPath:  d.RepoPath,
		cfg:       d.Config,
		wtCfg:     d.WorktreeConfig,
		defAgent:  defAgent,
		store:     d.Store,
		worktrees: d.Worktrees,
		agents:    d.Agents,
		logs:      d.Logs,
		bus:       d.Bus,
		git:       d.Git,
		logger:    log.WithFields(zap.String("component", "execution-engine"), zap.String("project_id", d.ProjectID)),
		tracer:    tracing.Tracer("grove/execution"),
		actors:    make(map[string]*actor),
	}
}

// Prepared is the result of Prepare: everything needed to create an
// execution for an issue, without any filesystem side effects.
type Prepared struct {
	Issue     *entity.Issue
	Specs     []*entity.Spec
	Prompt    string
	AgentType string
}

// Prepare reads the issue and its related specs, renders the prompt, and
// verifies no active execution already exists for the issue. It touches
// nothing on disk.
func (e *Engine) Prepare(ctx context.Context, issueID, agentType string) (*Prepared, error) {
	issue, err := e.store.GetIssue(ctx, issueID)
	if err != nil {
		return nil, err
	}
	active, err := e.store.ActiveExecutionForIssue(ctx, issue.ID)
	if err != nil {
		return nil, err
	}
	if active != nil {
		return nil, errs.Conflictf("issue %s already has active execution %s", issue.ID, active.ID)
	}
	specs, err := e.store.SpecsForIssue(ctx, issue.ID)
	if err != nil {
		return nil, err
	}
	if agentType == "" {
		agentType = e.defAgent
	}
	return &Prepared{
		Issue:     issue,
		Specs:     specs,
		Prompt:    RenderPrompt(issue, specs),
		AgentType: agentType,
	}, nil
}

// CreateRequest describes one execution to create.
type CreateRequest struct {
	// IssueID optionally links the execution to an issue. When set, the
	// one-active-execution-per-issue invariant is enforced.
	IssueID   string
	AgentType string

	// Mode is "worktree" (isolated checkout, the default) or "local"
	// (agent runs directly in the repository).
	Mode string

	Prompt string

	// TargetBranch is the branch the worktree branch is created from.
	// Empty means the repository HEAD.
	TargetBranch string

	Env            map[string]string
	PermissionMode string

	// WorkflowExecutionID links step executions to the workflow run that
	// spawned them.
	WorkflowExecutionID string
}

// Create inserts the execution row, provisions the worktree when requested,
// spawns the agent and starts streaming. It returns once the execution is
// running; the trajectory is consumed by a background actor. Failures
// before streaming begins surface as a failed row, with any worktree
// created in this attempt removed.
func (e *Engine) Create(ctx context.Context, req CreateRequest) (*entity.Execution, error) {
	return e.create(ctx, req, nil)
}

// FollowUp creates a new execution continuing a terminal parent: same
// worktree, same branch, and the parent's agent session resumed when the
// agent supports it. agentType empty means the parent's.
func (e *Engine) FollowUp(ctx context.Context, parentID, prompt, agentType string) (*entity.Execution, error) {
	parent, err := e.store.GetExecution(ctx, parentID)
	if err != nil {
		return nil, err
	}
	if !parent.IsTerminal() {
		return nil, errs.Conflictf("parent execution %s is still %s", parent.ID, parent.Status)
	}
	if agentType == "" {
		agentType = parent.AgentType
	}
	req := CreateRequest{
		AgentType:    agentType,
		Mode:         parent.Mode,
		Prompt:       prompt,
		TargetBranch: parent.TargetBranch,
	}
	if parent.IssueID != nil {
		req.IssueID = *parent.IssueID
	}
	return e.create(ctx, req, parent)
}

func (e *Engine) create(ctx context.Context, req CreateRequest, parent *entity.Execution) (*entity.Execution, error) {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil, fmt.Errorf("execution engine is shut down")
	}
	e.mu.Unlock()

	if req.Prompt == "" {
		return nil, fmt.Errorf("prompt is required")
	}
	if req.AgentType == "" {
		req.AgentType = e.defAgent
	}
	mode := req.Mode
	if mode == "" {
		mode = entity.ExecutionModeWorktree
	}

	now := time.Now().UTC()
	exec := &entity.Execution{
		ID:        uuid.New().String(),
		AgentType: req.AgentType,
		Mode:      mode,
		Status:    entity.ExecutionStatusPending,
		Prompt:    req.Prompt,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if req.IssueID != "" {
		exec.IssueID = &req.IssueID
	}
	if req.WorkflowExecutionID != "" {
		exec.WorkflowExecutionID = &req.WorkflowExecutionID
	}
	if req.TargetBranch != "" {
		exec.TargetBranch = req.TargetBranch
	}
	if parent != nil {
		exec.ParentExecutionID = &parent.ID
	}
	if err := e.insertExecution(ctx, req.IssueID, exec); err != nil {
		return nil, err
	}

	writer, err := e.logs.OpenWriter(exec.ID)
	if err != nil {
		e.markFailed(ctx, exec, err, false)
		e.publishStatus(ctx, exec, entity.ExecutionStatusPending, exec.Status)
		return nil, err
	}

	e.transition(ctx, exec, entity.ExecutionStatusPreparing, writer)

	workDir, createdWorktree, err := e.provisionWorkspace(ctx, exec, parent)
	if err != nil {
		e.markFailed(ctx, exec, err, false)
		e.finalStatus(ctx, exec, writer)
		_ = writer.Close()
		return nil, err
	}

	adapter, err := e.agents.Build(exec.AgentType, agent.Options{
		WorkDir:        workDir,
		Env:            req.Env,
		PermissionMode: e.permissionMode(req.PermissionMode),
		IdleTimeout:    e.cfg.IdleTimeout(),
		HardTimeout:    e.cfg.HardTimeout(),
	})
	if err != nil {
		e.markFailed(ctx, exec, err, createdWorktree)
		e.finalStatus(ctx, exec, writer)
		_ = writer.Close()
		return nil, err
	}

	a := newActor(e, exec, adapter, writer)

	stream, err := a.startTurn(parent)
	if err != nil {
		a.cancel()
		_ = adapter.Close()
		e.markFailed(ctx, exec, err, createdWorktree)
		e.finalStatus(ctx, exec, writer)
		_ = writer.Close()
		return nil, err
	}

	started := time.Now().UTC()
	exec.StartedAt = &started
	e.transition(ctx, exec, entity.ExecutionStatusRunning, writer)

	e.mu.Lock()
	e.actors[exec.ID] = a
	e.wg.Add(1)
	e.mu.Unlock()
	go a.run(stream)

	snapshot := *exec
	return &snapshot, nil
}

// insertExecution persists the new row. For issue-bound executions the
// active-slot check and insert run under one lock.
func (e *Engine) insertExecution(ctx context.Context, issueID string, exec *entity.Execution) error {
	if issueID == "" {
		return e.store.CreateExecution(ctx, exec)
	}

	e.issueMu.Lock()
	defer e.issueMu.Unlock()
	active, err := e.store.ActiveExecutionForIssue(ctx, issueID)
	if err != nil {
		return err
	}
	if active != nil {
		return errs.Conflictf("issue %s already has active execution %s", issueID, active.ID)
	}
	return e.store.CreateExecution(ctx, exec)
}

// provisionWorkspace decides where the agent runs. Follow-ups reuse the
// parent's worktree; fresh worktree-mode executions get a new checkout;
// local mode runs in the repository itself. The bool reports whether a
// worktree was created in this attempt and should be removed on failure.
func (e *Engine) provisionWorkspace(ctx context.Context, exec *entity.Execution, parent *entity.Execution) (string, bool, error) {
	if parent != nil && parent.WorktreePath != "" {
		if !e.worktrees.IsValid(ctx, e.repoPath, parent.WorktreePath) {
			return "", false, fmt.Errorf("%w: parent worktree %s is gone", errs.ErrRecoveryMismatch, parent.WorktreePath)
		}
		exec.WorktreePath = parent.WorktreePath
		exec.BranchName = parent.BranchName
		exec.BaseCommit = parent.BaseCommit
		e.persistRow(ctx, exec)
		return parent.WorktreePath, false, nil
	}

	if exec.Mode == entity.ExecutionModeLocal {
		if head, err := e.git.RevParseHead(ctx, e.repoPath); err == nil {
			exec.BaseCommit = head
			e.persistRow(ctx, exec)
		}
		return e.repoPath, false, nil
	}

	var sparse []string
	if e.wtCfg.EnableSparseCheckout {
		sparse = e.wtCfg.SparseCheckoutPatterns
	}
	wt, err := e.worktrees.Create(ctx, worktree.CreateRequest{
		RepoPath:       e.repoPath,
		WorktreePath:   e.worktrees.PathFor(e.repoPath, exec.ID),
		BranchName:     e.worktrees.BranchFor(exec.ID),
		BaseBranch:     exec.TargetBranch,
		CreateBranch:   e.wtCfg.AutoCreateBranches,
		SparsePatterns: sparse,
	})
	if err != nil {
		return "", false, err
	}
	exec.WorktreePath = wt.Path
	exec.BranchName = wt.Branch
	exec.BaseCommit = wt.BaseCommit
	e.persistRow(ctx, exec)
	return wt.Path, true, nil
}

func (e *Engine) permissionMode(override string) string {
	if override != "" {
		return override
	}
	if e.cfg.PermissionMode != "" {
		return e.cfg.PermissionMode
	}
	return agent.PermissionInteractive
}

// Cancel requests cancellation of a running execution. The actor cancels
// the adapter turn, escalates to process termination, and lands the row on
// stopped. Cancelling an execution with no live actor but a non-terminal
// row (a crash leftover) stops the row directly.
func (e *Engine) Cancel(ctx context.Context, executionID string) error {
	e.mu.Lock()
	a := e.actors[executionID]
	e.mu.Unlock()

	if a != nil {
		return a.send(ctx, actorCommand{kind: cmdCancel})
	}

	exec, err := e.store.GetExecution(ctx, executionID)
	if err != nil {
		return err
	}
	if exec.IsTerminal() {
		return errs.Conflictf("execution %s is already %s", exec.ID, exec.Status)
	}
	from := exec.Status
	msg := "cancelled with no live process"
	exec.ErrorMessage = &msg
	exec.ErrorKind = string(errs.KindCancelled)
	e.markTerminal(ctx, exec, entity.ExecutionStatusStopped)
	e.publishStatus(ctx, exec, from, entity.ExecutionStatusStopped)
	return nil
}

// RespondToPermission routes a permission answer to the execution's
// adapter. ErrNotFound when the execution has no live actor or the request
// id is unknown.
func (e *Engine) RespondToPermission(ctx context.Context, executionID, requestID, optionID string) error {
	e.mu.Lock()
	a := e.actors[executionID]
	e.mu.Unlock()
	if a == nil {
		return errs.NotFoundf("no running execution %s", executionID)
	}
	return a.send(ctx, actorCommand{kind: cmdPermission, requestID: requestID, optionID: optionID})
}

// CleanupWorkspace removes a terminal execution's worktree, deleting its
// branch when the policy says so. The path is cleared on the row so
// follow-ups and the orphan sweep no longer see a checkout. Idempotent: a
// row without a worktree is a no-op.
func (e *Engine) CleanupWorkspace(ctx context.Context, executionID string) error {
	exec, err := e.store.GetExecution(ctx, executionID)
	if err != nil {
		return err
	}
	if !exec.IsTerminal() {
		return errs.Conflictf("execution %s is still %s", exec.ID, exec.Status)
	}
	if exec.WorktreePath == "" {
		return nil
	}

	deleteBranch := e.wtCfg.AutoDeleteBranches
	if err := e.worktrees.Remove(ctx, e.repoPath, exec.WorktreePath, worktree.RemoveOptions{
		DeleteBranch: deleteBranch,
	}); err != nil {
		return fmt.Errorf("failed to remove worktree for execution %s: %w", exec.ID, err)
	}

	exec.WorktreePath = ""
	if deleteBranch {
		exec.BranchName = ""
	}
	e.persistRow(ctx, exec)
	e.logger.Info("cleaned up execution worktree",
		zap.String("execution_id", exec.ID), zap.Bool("deleted_branch", deleteBranch))
	return nil
}

// Get returns one execution row.
func (e *Engine) Get(ctx context.Context, executionID string) (*entity.Execution, error) {
	return e.store.GetExecution(ctx, executionID)
}

// List returns execution rows matching the filter.
func (e *Engine) List(ctx context.Context, filter entity.ExecutionFilter) ([]*entity.Execution, error) {
	return e.store.ListExecutions(ctx, filter)
}

// Shutdown cancels every in-flight execution and waits for the actors to
// persist terminal state. Returns ErrShutdownTimeout when the deadline
// passes with actors still draining.
func (e *Engine) Shutdown(ctx context.Context) error {
	e.mu.Lock()
	e.closed = true
	live := make([]*actor, 0, len(e.actors))
	for _, a := range e.actors {
		live = append(live, a)
	}
	e.mu.Unlock()

	for _, a := range live {
		a.requestCancel()
	}

	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		e.mu.Lock()
		remaining := len(e.actors)
		e.mu.Unlock()
		return fmt.Errorf("%w: %d executions still draining", errs.ErrShutdownTimeout, remaining)
	}
}

// Recover settles execution rows left non-terminal by a previous process.
// No actor exists for them anymore, so they move straight to stopped. The
// workflow engine reconciles bound steps afterwards from the stored rows.
func (e *Engine) Recover(ctx context.Context) error {
	rows, err := e.store.ListExecutions(ctx, entity.ExecutionFilter{Statuses: entity.ActiveExecutionStatuses})
	if err != nil {
		return fmt.Errorf("failed to list interrupted executions: %w", err)
	}
	for _, exec := range rows {
		from := exec.Status
		msg := "interrupted by daemon restart"
		exec.ErrorMessage = &msg
		e.markTerminal(ctx, exec, entity.ExecutionStatusStopped)
		e.publishStatus(ctx, exec, from, exec.Status)
		e.logger.Info("settled interrupted execution",
			zap.String("execution_id", exec.ID), zap.String("from", from))
	}
	return nil
}

func (e *Engine) release(a *actor) {
	e.mu.Lock()
	delete(e.actors, a.exec.ID)
	e.mu.Unlock()
	e.wg.Done()
}

// transition moves the row to a non-terminal status, persists it, appends
// the status entry to the trajectory log and publishes on the bus.
func (e *Engine) transition(ctx context.Context, exec *entity.Execution, to string, writer *logstore.Writer) {
	from := exec.Status
	exec.Status = to
	e.persistRow(ctx, exec)
	e.appendStatus(writer, exec, from, to)
	e.publishStatus(ctx, exec, from, to)
}

// markFailed lands the row on failed with the error's message and kind,
// removing the worktree when this attempt created it.
func (e *Engine) markFailed(ctx context.Context, exec *entity.Execution, cause error, removeWorktree bool) {
	msg := cause.Error()
	exec.ErrorMessage = &msg
	exec.ErrorKind = string(errs.Classify(cause))
	e.markTerminal(ctx, exec, entity.ExecutionStatusFailed)

	if removeWorktree && exec.WorktreePath != "" {
		if err := e.worktrees.Remove(ctx, e.repoPath, exec.WorktreePath, worktree.RemoveOptions{DeleteBranch: true}); err != nil {
			e.logger.Warn("failed to remove worktree after failed create",
				zap.String("execution_id", exec.ID), zap.Error(err))
		}
		exec.WorktreePath = ""
		exec.BranchName = ""
		e.persistRow(ctx, exec)
	}
}

// markTerminal persists a terminal status without publishing. Callers
// publish after the row is durable.
func (e *Engine) markTerminal(ctx context.Context, exec *entity.Execution, status string) {
	exec.Status = status
	completed := time.Now().UTC()
	exec.CompletedAt = &completed
	e.persistRow(ctx, exec)
}

// finalStatus appends and publishes the terminal status change after the
// row was persisted.
func (e *Engine) finalStatus(ctx context.Context, exec *entity.Execution, writer *logstore.Writer) {
	e.appendStatus(writer, exec, entity.ExecutionStatusPreparing, exec.Status)
	e.publishStatus(ctx, exec, entity.ExecutionStatusPreparing, exec.Status)
}

func (e *Engine) persistRow(ctx context.Context, exec *entity.Execution) {
	exec.UpdatedAt = time.Now().UTC()
	if err := e.store.UpdateExecution(ctx, exec); err != nil {
		e.logger.Error("failed to persist execution row",
			zap.String("execution_id", exec.ID), zap.Error(err))
	}
}

func (e *Engine) appendStatus(writer *logstore.Writer, exec *entity.Execution, from, to string) {
	if writer == nil {
		return
	}
	entry := trajectory.NewStatusChange(from, to)
	entry.Index = writer.NextIndex()
	entry.SessionID = exec.SessionID
	if err := writer.Append(entry); err != nil {
		e.logger.Warn("failed to append status entry",
			zap.String("execution_id", exec.ID), zap.Error(err))
	}
}

func (e *Engine) publishStatus(ctx context.Context, exec *entity.Execution, from, to string) {
	ev := bus.NewEvent(events.ExecutionStatusChanged, "execution-engine", map[string]interface{}{
		"project_id":   e.projectID,
		"execution_id": exec.ID,
		"from":         from,
		"to":           to,
	})
	if entity.IsTerminalExecutionStatus(to) {
		ev.Data["error_kind"] = exec.ErrorKind
	}
	if err := e.bus.Publish(ctx, events.ExecutionStatusSubject(e.projectID, exec.ID), ev); err != nil {
		e.logger.Warn("failed to publish status change",
			zap.String("execution_id", exec.ID), zap.Error(err))
	}
}

func (e *Engine) publishEntry(ctx context.Context, executionID string, entry trajectory.Entry) {
	ev := bus.NewEvent(events.ExecutionTrajectory, "execution-engine", map[string]interface{}{
		"project_id":   e.projectID,
		"execution_id": executionID,
		"entry":        entry,
	})
	if err := e.bus.Publish(ctx, events.ExecutionTrajectorySubject(e.projectID, executionID), ev); err != nil {
		e.logger.Warn("failed to publish trajectory entry",
			zap.String("execution_id", executionID), zap.Int64("index", entry.Index), zap.Error(err))
	}
}
