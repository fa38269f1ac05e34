package workflow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/grovekit/grove/internal/common/errs"
	"github.com/grovekit/grove/internal/common/logger"
	"github.com/grovekit/grove/internal/entity"
	"github.com/grovekit/grove/internal/events"
	"github.com/grovekit/grove/internal/events/bus"
	"github.com/grovekit/grove/internal/execution"
	"github.com/grovekit/grove/internal/wakeup"
)

type driverCmdKind int

const (
	driverPause driverCmdKind = iota
	driverResume
	driverCancel
	driverKick
	driverReconcile
	driverExec
	driverComplete
)

type driverCommand struct {
	kind driverCmdKind

	// driverExec payload.
	stepID    string
	agentType string
	execOut   chan string

	// driverComplete payload.
	status string

	reply chan error
}

// execNote reports a terminal status transition of a bound execution, or a
// fired step timeout, into the driver loop.
type execNote struct {
	stepID      string
	executionID string
	status      string
	timedOut    bool
}

// driver owns one workflow's state machine. All step and workflow mutations
// happen on its goroutine; bus handlers and wakeup firings only inject
// notes.
type driver struct {
	eng *Engine
	wf  *entity.Workflow
	cfg entity.WorkflowConfig
	log *logger.Logger

	commands chan driverCommand
	notes    chan execNote
	stopCh   chan struct{}
	done     chan struct{}

	// manual drivers never auto-advance or auto-complete; an orchestrator
	// execution starts steps and settles the workflow through commands.
	manual bool

	paused      bool
	aborting    bool
	finalSet    bool
	finalStatus string

	// Keyed by step id.
	subs     map[string]bus.Subscription
	timers   map[string]string
	timedOut map[string]bool
	running  map[string]string // step id -> execution id
}

func newDriver(eng *Engine, wf *entity.Workflow, paused, manual bool) *driver {
	return &driver{
		eng:      eng,
		wf:       wf,
		cfg:      wf.Config.V,
		log:      eng.logger.WithFields(zap.String("workflow_id", wf.ID)),
		commands: make(chan driverCommand, 16),
		notes:    make(chan execNote, 64),
		stopCh:   make(chan struct{}),
		done:     make(chan struct{}),
		manual:   manual,
		paused:   paused,
		subs:     make(map[string]bus.Subscription),
		timers:   make(map[string]string),
		timedOut: make(map[string]bool),
		running:  make(map[string]string),
	}
}

// send enqueues a command and waits for the driver's reply.
func (d *driver) send(ctx context.Context, cmd driverCommand) error {
	cmd.reply = make(chan error, 1)
	select {
	case d.commands <- cmd:
	case <-d.done:
		return errs.NotFoundf("workflow %s is no longer active", d.wf.ID)
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-cmd.reply:
		return err
	case <-d.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// stop detaches the driver without touching workflow state; used on engine
// shutdown so the workflow recovers on restart.
func (d *driver) stop() {
	select {
	case <-d.stopCh:
	default:
		close(d.stopCh)
	}
}

func (d *driver) run() {
	defer d.eng.release(d)
	defer close(d.done)
	defer d.teardown()

	ctx := context.Background()
	if !d.paused && !d.wf.IsTerminal() {
		d.reattachRunning(ctx)
		d.advance(ctx)
		d.maybeFinish(ctx)
	}
	for {
		if d.wf.IsTerminal() {
			return
		}
		select {
		case cmd := <-d.commands:
			d.handleCommand(ctx, cmd)
		case n := <-d.notes:
			d.handleNote(ctx, n)
		case <-d.stopCh:
			return
		}
	}
}

func (d *driver) teardown() {
	for _, sub := range d.subs {
		_ = sub.Unsubscribe()
	}
}

// reattachRunning re-subscribes to executions of steps that were already
// running when the driver was built (recovery path). Steps whose execution
// finished while nobody was watching are settled from the row.
func (d *driver) reattachRunning(ctx context.Context) {
	for i := range d.wf.Steps.V {
		step := &d.wf.Steps.V[i]
		if step.Status != entity.StepStatusRunning || step.ExecutionID == "" {
			continue
		}
		if _, watching := d.subs[step.ID]; watching {
			continue
		}
		exec, err := d.eng.execs.Get(ctx, step.ExecutionID)
		if err != nil {
			d.failStep(ctx, step, entity.StepReasonCrashed)
			continue
		}
		if exec.IsTerminal() {
			d.settleStep(ctx, step, exec.Status)
			continue
		}
		d.running[step.ID] = step.ExecutionID
		d.watch(step)
	}
}

func (d *driver) handleCommand(ctx context.Context, cmd driverCommand) {
	var err error
	switch cmd.kind {
	case driverPause:
		err = d.pause(ctx)
	case driverResume:
		err = d.resume(ctx)
	case driverCancel:
		err = d.cancel(ctx)
	case driverKick:
		d.advance(ctx)
		d.maybeFinish(ctx)
	case driverReconcile:
		d.reconcile(ctx)
	case driverExec:
		err = d.execStep(ctx, cmd)
	case driverComplete:
		err = d.complete(ctx, cmd.status)
	}
	if cmd.reply != nil {
		cmd.reply <- err
	}
}

func (d *driver) pause(ctx context.Context) error {
	if d.wf.IsTerminal() {
		return errs.Conflictf("workflow %s is already %s", d.wf.ID, d.wf.Status)
	}
	if d.paused {
		return nil
	}
	d.paused = true
	d.setStatus(ctx, entity.WorkflowStatusPaused)
	return nil
}

func (d *driver) resume(ctx context.Context) error {
	if !d.paused {
		return errs.Conflictf("workflow %s is not paused", d.wf.ID)
	}
	d.paused = false
	d.setStatus(ctx, entity.WorkflowStatusRunning)
	d.reattachRunning(ctx)
	d.advance(ctx)
	d.maybeFinish(ctx)
	return nil
}

// cancel stops in-flight executions; the workflow settles to cancelled once
// their terminal notes drain.
func (d *driver) cancel(ctx context.Context) error {
	if d.wf.IsTerminal() {
		return errs.Conflictf("workflow %s is already %s", d.wf.ID, d.wf.Status)
	}
	d.paused = true
	for stepID, execID := range d.running {
		if err := d.eng.execs.Cancel(ctx, execID); err != nil {
			d.log.Warn("failed to cancel step execution",
				zap.String("step_id", stepID), zap.String("execution_id", execID), zap.Error(err))
		}
	}
	if len(d.running) == 0 {
		d.finish(ctx, entity.WorkflowStatusCancelled)
		return nil
	}
	d.finalSet = true
	d.finalStatus = entity.WorkflowStatusCancelled
	return nil
}

// execStep starts one named step on the orchestrator's behalf.
func (d *driver) execStep(ctx context.Context, cmd driverCommand) error {
	step := d.wf.Step(cmd.stepID)
	if step == nil {
		return errs.NotFoundf("workflow %s has no step %s", d.wf.ID, cmd.stepID)
	}
	switch step.Status {
	case entity.StepStatusPending, entity.StepStatusReady:
	default:
		return errs.Conflictf("step %s is %s", step.ID, step.Status)
	}
	if cmd.agentType != "" {
		step.AgentType = cmd.agentType
	}
	d.startStep(ctx, step)
	if step.Status != entity.StepStatusRunning {
		return fmt.Errorf("step %s failed to start", step.ID)
	}
	if cmd.execOut != nil {
		cmd.execOut <- step.ExecutionID
	}
	return nil
}

// complete is the orchestrator's terminal transition. In-flight executions
// are cancelled and the workflow settles once they drain.
func (d *driver) complete(ctx context.Context, status string) error {
	if status != entity.WorkflowStatusCompleted && status != entity.WorkflowStatusFailed {
		return fmt.Errorf("invalid terminal status %q", status)
	}
	if d.wf.IsTerminal() {
		return errs.Conflictf("workflow %s is already %s", d.wf.ID, d.wf.Status)
	}
	for stepID, execID := range d.running {
		if err := d.eng.execs.Cancel(ctx, execID); err != nil {
			d.log.Warn("failed to cancel step execution",
				zap.String("step_id", stepID), zap.Error(err))
		}
	}
	if len(d.running) == 0 {
		d.finish(ctx, status)
		return nil
	}
	d.finalSet = true
	d.finalStatus = status
	return nil
}

// reconcile applies the failure policy after recovery marked crashed steps
// failed.
func (d *driver) reconcile(ctx context.Context) {
	for i := range d.wf.Steps.V {
		step := &d.wf.Steps.V[i]
		if step.Status == entity.StepStatusFailed {
			d.applyFailurePolicy(ctx, step)
		}
	}
	d.advance(ctx)
	d.maybeFinish(ctx)
}

func (d *driver) handleNote(ctx context.Context, n execNote) {
	step := d.wf.Step(n.stepID)
	if step == nil || step.Status != entity.StepStatusRunning {
		return
	}
	if n.timedOut {
		// The wakeup service already queued the step_failed event row;
		// stop the execution and settle when its terminal note lands.
		d.timedOut[n.stepID] = true
		if execID, ok := d.running[n.stepID]; ok {
			if err := d.eng.execs.Cancel(ctx, execID); err != nil {
				d.log.Warn("failed to cancel timed out execution",
					zap.String("execution_id", execID), zap.Error(err))
			}
		}
		return
	}
	d.settleStep(ctx, step, n.status)
	d.advance(ctx)
	d.maybeFinish(ctx)
}

// advance starts ready steps while slots are free.
func (d *driver) advance(ctx context.Context) {
	if d.manual || d.paused || d.aborting || d.wf.IsTerminal() {
		return
	}
	maxParallel := 1
	if d.cfg.Parallelism == ParallelismParallel {
		maxParallel = d.cfg.MaxParallel
	}
	for _, step := range readySteps(d.wf.Steps.V) {
		if d.paused || d.aborting || len(d.running) >= maxParallel {
			return
		}
		d.startStep(ctx, step)
	}
}

func (d *driver) startStep(ctx context.Context, step *entity.WorkflowStep) {
	prompt, err := d.renderPrompt(ctx, step.IssueID)
	if err != nil {
		d.log.Error("failed to render step prompt",
			zap.String("step_id", step.ID), zap.Error(err))
		d.failStep(ctx, step, "")
		d.applyFailurePolicy(ctx, step)
		return
	}
	exec, err := d.eng.execs.Create(ctx, execution.CreateRequest{
		IssueID:             step.IssueID,
		AgentType:           step.AgentType,
		Prompt:              prompt,
		TargetBranch:        d.wf.BaseBranch,
		WorkflowExecutionID: d.wf.ID,
	})
	if err != nil {
		d.log.Error("failed to start step execution",
			zap.String("step_id", step.ID), zap.Error(err))
		d.failStep(ctx, step, "")
		d.applyFailurePolicy(ctx, step)
		return
	}

	step.Status = entity.StepStatusRunning
	step.ExecutionID = exec.ID
	d.running[step.ID] = exec.ID
	d.watch(step)
	if timeout := d.eng.cfg.StepTimeout(); timeout > 0 && d.eng.wakeup != nil {
		ev, err := d.eng.wakeup.ScheduleExecutionTimeout(ctx, d.wf.ID, exec.ID, step.ID, timeout)
		if err != nil {
			d.log.Warn("failed to schedule step timeout", zap.String("step_id", step.ID), zap.Error(err))
		} else {
			d.timers[step.ID] = ev.ID
		}
	}
	d.persist(ctx)
	d.appendStepEvent(ctx, entity.EventStepStarted, step, nil)
	d.publishStep(ctx, step)
	d.log.Info("workflow step started",
		zap.String("step_id", step.ID),
		zap.String("issue_id", step.IssueID),
		zap.String("execution_id", exec.ID))
}

func (d *driver) renderPrompt(ctx context.Context, issueID string) (string, error) {
	issue, err := d.eng.store.GetIssue(ctx, issueID)
	if err != nil {
		return "", err
	}
	specs, err := d.eng.store.SpecsForIssue(ctx, issue.ID)
	if err != nil {
		return "", err
	}
	return execution.RenderPrompt(issue, specs), nil
}

// watch subscribes to the execution's status subject and forwards terminal
// transitions as notes.
func (d *driver) watch(step *entity.WorkflowStep) {
	stepID, execID := step.ID, step.ExecutionID
	subject := events.ExecutionStatusSubject(d.eng.projectID, execID)
	sub, err := d.eng.bus.Subscribe(subject, func(ctx context.Context, ev *bus.Event) error {
		to, _ := ev.Data["to"].(string)
		if !entity.IsTerminalExecutionStatus(to) {
			return nil
		}
		select {
		case d.notes <- execNote{stepID: stepID, executionID: execID, status: to}:
		case <-d.done:
		}
		return nil
	})
	if err != nil {
		d.log.Error("failed to watch step execution",
			zap.String("execution_id", execID), zap.Error(err))
		return
	}
	d.subs[stepID] = sub
}

// settleStep maps a terminal execution status onto the step and records the
// transition.
func (d *driver) settleStep(ctx context.Context, step *entity.WorkflowStep, execStatus string) {
	d.unwatch(ctx, step.ID)
	delete(d.running, step.ID)

	switch {
	case execStatus == entity.ExecutionStatusCompleted:
		step.Status = entity.StepStatusCompleted
		step.Reason = ""
		d.persistStep(ctx, step, entity.EventStepCompleted)
	case d.timedOut[step.ID]:
		step.Status = entity.StepStatusFailed
		step.Reason = entity.StepReasonTimeout
		d.persistStep(ctx, step, entity.EventStepFailed)
		d.applyFailurePolicy(ctx, step)
	case execStatus == entity.ExecutionStatusStopped:
		step.Status = entity.StepStatusFailed
		step.Reason = "cancelled"
		d.persistStep(ctx, step, entity.EventStepFailed)
	default:
		step.Status = entity.StepStatusFailed
		step.Reason = ""
		d.persistStep(ctx, step, entity.EventStepFailed)
		d.applyFailurePolicy(ctx, step)
	}
}

func (d *driver) persistStep(ctx context.Context, step *entity.WorkflowStep, eventType string) {
	d.wf.CurrentStepIndex = maxInt(d.wf.CurrentStepIndex, settledPrefix(d.wf.Steps.V))
	d.persist(ctx)
	d.appendStepEvent(ctx, eventType, step, nil)
	d.publishStep(ctx, step)
	d.log.Info("workflow step settled",
		zap.String("step_id", step.ID),
		zap.String("status", step.Status),
		zap.String("reason", step.Reason))
}

// failStep settles a step without a bound terminal execution.
func (d *driver) failStep(ctx context.Context, step *entity.WorkflowStep, reason string) {
	d.unwatch(ctx, step.ID)
	delete(d.running, step.ID)
	step.Status = entity.StepStatusFailed
	step.Reason = reason
	d.persistStep(ctx, step, entity.EventStepFailed)
}

func (d *driver) unwatch(ctx context.Context, stepID string) {
	if sub, ok := d.subs[stepID]; ok {
		_ = sub.Unsubscribe()
		delete(d.subs, stepID)
	}
	if eventID, ok := d.timers[stepID]; ok {
		delete(d.timers, stepID)
		if d.eng.wakeup != nil {
			if err := d.eng.wakeup.Clear(ctx, eventID); err != nil && !errors.Is(err, errs.ErrConflict) {
				d.log.Warn("failed to clear step timeout", zap.String("step_id", stepID), zap.Error(err))
			}
		}
	}
}

// applyFailurePolicy reacts to one failed step per the frozen config.
// Manual drivers leave the reaction to the orchestrator.
func (d *driver) applyFailurePolicy(ctx context.Context, step *entity.WorkflowStep) {
	if d.manual {
		return
	}
	switch d.cfg.OnFailure {
	case OnFailureContinue:
		d.skipDependents(ctx, step.ID)
	case OnFailureAbort:
		d.aborting = true
		for stepID, execID := range d.running {
			if err := d.eng.execs.Cancel(ctx, execID); err != nil {
				d.log.Warn("failed to abort step execution",
					zap.String("step_id", stepID), zap.Error(err))
			}
		}
	default: // pause
		if !d.paused && !d.wf.IsTerminal() {
			d.paused = true
			d.setStatus(ctx, entity.WorkflowStatusPaused)
		}
	}
}

// skipDependents marks every transitive dependent of the failed step
// skipped so unrelated branches keep running.
func (d *driver) skipDependents(ctx context.Context, stepID string) {
	skipped := false
	for _, depID := range dependentsOf(d.wf.Steps.V, stepID) {
		dep := d.wf.Step(depID)
		if dep == nil {
			continue
		}
		if dep.Status != entity.StepStatusPending && dep.Status != entity.StepStatusReady {
			continue
		}
		dep.Status = entity.StepStatusSkipped
		skipped = true
		d.appendStepEvent(ctx, entity.EventStepFailed, dep, json.RawMessage(`{"reason":"skipped"}`))
		d.publishStep(ctx, dep)
	}
	if skipped {
		d.wf.CurrentStepIndex = maxInt(d.wf.CurrentStepIndex, settledPrefix(d.wf.Steps.V))
		d.persist(ctx)
	}
}

// maybeFinish settles the workflow once every step reached an absorbing
// status and no execution is still draining.
func (d *driver) maybeFinish(ctx context.Context) {
	if d.wf.IsTerminal() || len(d.running) > 0 {
		return
	}
	if d.finalSet {
		d.finish(ctx, d.finalStatus)
		return
	}
	if d.aborting {
		d.finish(ctx, entity.WorkflowStatusFailed)
		return
	}
	// Manual drivers settle only through workflow_complete or cancel.
	if d.manual || d.paused || !allSettled(d.wf.Steps.V) {
		return
	}
	if anyFailed(d.wf.Steps.V) {
		d.finish(ctx, entity.WorkflowStatusFailed)
		return
	}
	d.finish(ctx, entity.WorkflowStatusCompleted)
}

func (d *driver) finish(ctx context.Context, status string) {
	d.setStatus(ctx, status)
	d.log.Info("workflow finished", zap.String("status", status))
}

func (d *driver) setStatus(ctx context.Context, status string) {
	from := d.wf.Status
	d.wf.Status = status
	d.persist(ctx)
	d.eng.publishWorkflow(ctx, d.wf, events.WorkflowStatusChanged, map[string]interface{}{
		"from": from, "to": status,
	})
}

func (d *driver) persist(ctx context.Context) {
	d.wf.UpdatedAt = time.Now().UTC()
	if err := d.eng.store.UpdateWorkflow(ctx, d.wf); err != nil {
		d.log.Error("failed to persist workflow", zap.Error(err))
	}
}

func (d *driver) appendStepEvent(ctx context.Context, eventType string, step *entity.WorkflowStep, payload json.RawMessage) {
	ev := &entity.WorkflowEvent{
		WorkflowID: d.wf.ID,
		Type:       eventType,
		StepID:     &step.ID,
		Payload:    payload,
	}
	if step.ExecutionID != "" {
		ev.ExecutionID = &step.ExecutionID
	}
	now := time.Now().UTC()
	ev.ProcessedAt = &now
	if err := d.eng.store.AppendWorkflowEvent(ctx, ev); err != nil {
		d.log.Warn("failed to append workflow event", zap.String("type", eventType), zap.Error(err))
	}
}

func (d *driver) publishStep(ctx context.Context, step *entity.WorkflowStep) {
	data := map[string]interface{}{
		"project_id":  d.eng.projectID,
		"workflow_id": d.wf.ID,
		"step_id":     step.ID,
		"issue_id":    step.IssueID,
		"status":      step.Status,
	}
	if step.ExecutionID != "" {
		data["execution_id"] = step.ExecutionID
	}
	if step.Reason != "" {
		data["reason"] = step.Reason
	}
	ev := bus.NewEvent(events.WorkflowStepChanged, "workflow-engine", data)
	if err := d.eng.bus.Publish(ctx, events.WorkflowEventsSubject(d.eng.projectID, d.wf.ID), ev); err != nil {
		d.log.Warn("failed to publish step event", zap.String("step_id", step.ID), zap.Error(err))
	}
}

// HandleWakeup is the wakeup service handler: step timeouts become driver
// notes, await resolutions wake their parked callers.
func (e *Engine) HandleWakeup(ctx context.Context, f wakeup.Firing) {
	switch f.Event.Type {
	case entity.EventAwaitCondition:
		e.mu.Lock()
		ch := e.waiters[f.Event.ID]
		e.mu.Unlock()
		if ch != nil {
			ch <- f
		}
	case entity.EventExecutionTimeout:
		if f.Event.StepID == nil {
			return
		}
		e.mu.Lock()
		d := e.drivers[f.Event.WorkflowID]
		e.mu.Unlock()
		if d == nil {
			return
		}
		n := execNote{stepID: *f.Event.StepID, timedOut: true}
		if f.Event.ExecutionID != nil {
			n.executionID = *f.Event.ExecutionID
		}
		select {
		case d.notes <- n:
		case <-d.done:
		}
	}
}
