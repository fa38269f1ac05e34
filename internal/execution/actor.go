package execution

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/grovekit/grove/internal/agent"
	"github.com/grovekit/grove/internal/common/errs"
	"github.com/grovekit/grove/internal/common/logger"
	"github.com/grovekit/grove/internal/entity"
	"github.com/grovekit/grove/internal/logstore"
	"github.com/grovekit/grove/internal/trajectory"
)

// exitWait bounds how long the actor waits for the child after the
// trajectory stream closes before force-killing it.
const exitWait = 5 * time.Second

type cmdKind int

const (
	cmdCancel cmdKind = iota
	cmdPermission
)

type actorCommand struct {
	kind      cmdKind
	requestID string
	optionID  string
	reply     chan error
}

// actor is the single producer goroutine of one execution. It owns the
// execution row, the trajectory pipeline (coalescer, log writer, bus) and
// the adapter; everything else talks to it through the command channel.
type actor struct {
	engine  *Engine
	exec    *entity.Execution
	adapter agent.Adapter
	writer  *logstore.Writer
	coal    *trajectory.Coalescer
	logger  *logger.Logger

	ctx      context.Context
	cancelFn context.CancelFunc
	commands chan actorCommand

	cancelled bool
	sawError  bool
	sawFinal  bool
	lastError string

	// parkedPerms counts permission prompts waiting for an answer. The
	// execution pauses while any are parked and resumes when the last one
	// is answered.
	parkedPerms int
}

func newActor(e *Engine, exec *entity.Execution, adapter agent.Adapter, writer *logstore.Writer) *actor {
	ctx, cancel := context.WithCancel(context.Background())
	return &actor{
		engine:   e,
		exec:     exec,
		adapter:  adapter,
		writer:   writer,
		coal:     trajectory.NewCoalescer(),
		logger:   e.logger.WithFields(zap.String("execution_id", exec.ID)),
		ctx:      ctx,
		cancelFn: cancel,
		commands: make(chan actorCommand, 16),
	}
}

func (a *actor) cancel() {
	a.cancelFn()
}

// startTurn opens the first turn: a resume of the parent's session when the
// agent supports it, a fresh run otherwise.
func (a *actor) startTurn(parent *entity.Execution) (<-chan trajectory.Entry, error) {
	if parent != nil && parent.SessionID != "" && a.adapter.Capabilities().Resume {
		stream, err := a.adapter.Resume(a.ctx, parent.SessionID, a.exec.Prompt)
		if err == nil {
			a.exec.SessionID = parent.SessionID
			return stream, nil
		}
		if !errors.Is(err, errs.ErrResumeUnsupported) {
			return nil, err
		}
		a.logger.Warn("resume rejected, starting fresh session", zap.Error(err))
	}
	return a.adapter.Run(a.ctx, a.exec.Prompt)
}

// send delivers a command to the actor and waits for its result.
func (a *actor) send(ctx context.Context, cmd actorCommand) error {
	cmd.reply = make(chan error, 1)
	select {
	case a.commands <- cmd:
	case <-a.ctx.Done():
		return errs.NotFoundf("execution %s is no longer running", a.exec.ID)
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-cmd.reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// requestCancel enqueues a cancel without waiting. Used by shutdown.
func (a *actor) requestCancel() {
	select {
	case a.commands <- actorCommand{kind: cmdCancel}:
	default:
		a.cancelFn()
	}
}

// run drains the trajectory stream, applying external commands between
// entries, then finalizes the row. The stream closes when the agent
// signals end-of-turn or the child exits.
func (a *actor) run(stream <-chan trajectory.Entry) {
	ctx, span := a.engine.tracer.Start(a.ctx, "execution.run", trace.WithAttributes(
		attribute.String("execution.id", a.exec.ID),
		attribute.String("agent.type", a.exec.AgentType),
		attribute.String("execution.mode", a.exec.Mode),
	))
	defer span.End()
	defer a.engine.release(a)

	for stream != nil {
		select {
		case entry, ok := <-stream:
			if !ok {
				stream = nil
				continue
			}
			a.handleEntry(ctx, entry)
		case cmd := <-a.commands:
			a.handleCommand(ctx, cmd)
		}
	}

	a.finalize(ctx)
}

func (a *actor) handleEntry(ctx context.Context, entry trajectory.Entry) {
	if entry.SessionID != "" && a.exec.SessionID == "" {
		a.exec.SessionID = entry.SessionID
		a.engine.persistRow(ctx, a.exec)
	}
	switch entry.Kind {
	case trajectory.KindError:
		a.sawError = true
		if entry.Error != nil {
			a.lastError = entry.Error.Message
		}
	case trajectory.KindAssistantMessage:
		if entry.Message != nil && !entry.Message.Delta {
			a.sawFinal = true
		}
	case trajectory.KindPermissionRequest:
		a.parkedPerms++
		if a.exec.Status == entity.ExecutionStatusRunning {
			a.engine.transition(ctx, a.exec, entity.ExecutionStatusPaused, a.writer)
		}
	}
	for _, out := range a.coal.Push(entry) {
		a.emit(ctx, out)
	}
}

// emit assigns the next index, persists the entry and publishes it.
// Persistence and publish errors are logged and skipped; a lossy entry
// must not kill the execution.
func (a *actor) emit(ctx context.Context, entry trajectory.Entry) {
	entry.Index = a.writer.NextIndex()
	if entry.SessionID == "" {
		entry.SessionID = a.exec.SessionID
	}
	if err := a.writer.Append(entry); err != nil {
		a.logger.Warn("failed to persist trajectory entry",
			zap.Int64("index", entry.Index), zap.Error(err))
		return
	}
	a.engine.publishEntry(ctx, a.exec.ID, entry)
}

func (a *actor) handleCommand(ctx context.Context, cmd actorCommand) {
	var err error
	switch cmd.kind {
	case cmdCancel:
		err = a.handleCancel(ctx)
	case cmdPermission:
		err = a.adapter.RespondToPermission(cmd.requestID, cmd.optionID)
		if err == nil && a.parkedPerms > 0 {
			a.parkedPerms--
			if a.parkedPerms == 0 && a.exec.Status == entity.ExecutionStatusPaused {
				a.engine.transition(ctx, a.exec, entity.ExecutionStatusRunning, a.writer)
			}
		}
	default:
		err = fmt.Errorf("unknown actor command %d", cmd.kind)
	}
	if cmd.reply != nil {
		cmd.reply <- err
	}
}

// handleCancel asks the adapter to abandon the turn, then escalates to
// process termination in the background so the loop keeps draining the
// stream while the child winds down.
func (a *actor) handleCancel(ctx context.Context) error {
	if a.cancelled {
		return nil
	}
	a.cancelled = true
	if err := a.adapter.Cancel(ctx); err != nil {
		a.logger.Warn("adapter cancel failed, terminating process", zap.Error(err))
	}
	if proc := a.adapter.Process(); proc != nil {
		go func() {
			termCtx, cancel := context.WithTimeout(context.Background(), exitWait)
			defer cancel()
			if err := proc.Terminate(termCtx); err != nil {
				a.logger.Warn("failed to terminate agent process", zap.Error(err))
			}
		}()
	}
	return nil
}

// finalize runs the termination sequence: flush the coalescer, wait out the
// child with a bounded deadline, capture the resulting commit and changed
// files, persist the terminal row, and only then publish the final status.
func (a *actor) finalize(ctx context.Context) {
	for _, out := range a.coal.Flush() {
		a.emit(ctx, out)
	}

	exitCode, exitErr := a.awaitExit(ctx)
	a.captureChanges(ctx)

	from := a.exec.Status
	status, errMsg, errKind := a.terminalState(exitCode, exitErr)
	if exitCode != noExitCode {
		a.exec.ExitCode = &exitCode
	}
	if errMsg != "" {
		a.exec.ErrorMessage = &errMsg
	}
	a.exec.ErrorKind = errKind
	a.engine.appendStatus(a.writer, a.exec, from, status)
	a.engine.markTerminal(ctx, a.exec, status)
	a.engine.publishStatus(ctx, a.exec, from, status)

	if err := a.writer.Close(); err != nil {
		a.logger.Warn("failed to close trajectory log", zap.Error(err))
	}
	if err := a.adapter.Close(); err != nil {
		a.logger.Warn("failed to close adapter", zap.Error(err))
	}
	a.cancelFn()

	a.logger.Info("execution finished",
		zap.String("status", status),
		zap.Int("exit_code", exitCode),
		zap.String("error_kind", errKind))
}

// noExitCode marks executions whose child never spawned or never reported.
const noExitCode = -1

// awaitExit waits for the child to exit, force-killing it after the bounded
// deadline. Returns the exit code and the supervision error, if any.
func (a *actor) awaitExit(ctx context.Context) (int, error) {
	proc := a.adapter.Process()
	if proc == nil {
		return noExitCode, nil
	}

	select {
	case <-proc.Done():
	case <-time.After(exitWait):
		a.logger.Warn("agent did not exit after stream end, force-killing")
		killCtx, cancel := context.WithTimeout(context.Background(), exitWait)
		if err := proc.Terminate(killCtx); err != nil {
			a.logger.Error("failed to kill agent process", zap.Error(err))
		}
		cancel()
		select {
		case <-proc.Done():
		case <-time.After(exitWait):
			return noExitCode, fmt.Errorf("agent process would not die")
		}
	}

	result := proc.Exit()
	return result.Code, result.Err
}

// captureChanges records the workspace HEAD after the run and the files
// that changed against the base commit. Best effort: a broken worktree
// must not mask the agent's own result.
func (a *actor) captureChanges(ctx context.Context) {
	dir := a.exec.WorktreePath
	if dir == "" {
		if a.exec.Mode != entity.ExecutionModeLocal {
			return
		}
		dir = a.engine.repoPath
	}

	head, err := a.engine.git.RevParseHead(ctx, dir)
	if err != nil {
		a.logger.Warn("failed to read workspace HEAD", zap.Error(err))
		return
	}
	a.exec.AfterCommit = head

	if a.exec.BaseCommit == "" || a.exec.BaseCommit == head {
		return
	}
	files, err := a.engine.git.DiffNames(ctx, dir, a.exec.BaseCommit, head)
	if err != nil {
		a.logger.Warn("failed to diff workspace changes", zap.Error(err))
		return
	}
	a.exec.FilesChanged = files
}

// terminalState decides the terminal status. Timeouts and cancellation land
// on stopped; an adapter-reported error wins over the exit code; a clean
// adapter completion is trusted even when the exit code is non-zero.
func (a *actor) terminalState(exitCode int, exitErr error) (status, errMsg, errKind string) {
	switch {
	case errors.Is(exitErr, errs.ErrIdleTimeout), errors.Is(exitErr, errs.ErrHardTimeout):
		return entity.ExecutionStatusStopped, exitErr.Error(), string(errs.Classify(exitErr))
	case a.cancelled:
		return entity.ExecutionStatusStopped, "cancelled by user", string(errs.KindCancelled)
	case a.sawError:
		msg := a.lastError
		if msg == "" {
			msg = "agent reported an error"
		}
		return entity.ExecutionStatusFailed, msg, string(errs.KindAgentProtocol)
	case exitCode > 0 && !a.sawFinal:
		return entity.ExecutionStatusFailed, fmt.Sprintf("agent exited with code %d", exitCode), string(errs.KindAgentProtocol)
	default:
		return entity.ExecutionStatusCompleted, "", ""
	}
}
