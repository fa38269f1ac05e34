package agent

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/grovekit/grove/internal/common/errs"
	"github.com/grovekit/grove/internal/common/logger"
	"github.com/grovekit/grove/internal/process"
	"github.com/grovekit/grove/internal/trajectory"
	"github.com/grovekit/grove/pkg/claudecode"
)

// streamJSONAdapter drives agents speaking the stream-json protocol over
// stdio. Resume and fork are spawn-time flags, so the child is started
// lazily by the first Run or Resume.
type streamJSONAdapter struct {
	def     Definition
	opts    Options
	spawner Spawner
	logger  *logger.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu            sync.Mutex
	handle        process.Handle
	client        *claudecode.Client
	cur           *turn
	turnMessageID string
	sessionID     string
	forkNext      bool
	pendingPerms  map[string]struct{}
	started       bool
	closed        bool
}

func newStreamJSONAdapter(def Definition, opts Options, spawner Spawner, log *logger.Logger) *streamJSONAdapter {
	ctx, cancel := context.WithCancel(context.Background())
	return &streamJSONAdapter{
		def:          def,
		opts:         opts,
		spawner:      spawner,
		logger:       log.WithFields(zap.String("adapter", "stream-json"), zap.String("agent_type", def.Type)),
		ctx:          ctx,
		cancel:       cancel,
		pendingPerms: make(map[string]struct{}),
	}
}

func (a *streamJSONAdapter) Capabilities() Capabilities { return a.def.Capabilities }

func (a *streamJSONAdapter) Run(ctx context.Context, prompt string) (<-chan trajectory.Entry, error) {
	return a.start(ctx, prompt, nil)
}

func (a *streamJSONAdapter) Resume(ctx context.Context, sessionID, prompt string) (<-chan trajectory.Entry, error) {
	if !a.def.Capabilities.Resume {
		return nil, fmt.Errorf("%w: agent type %q", errs.ErrResumeUnsupported, a.def.Type)
	}

	extra := expandResumeArgs(a.def.ResumeArgs, sessionID)
	a.mu.Lock()
	if a.forkNext {
		extra = append(extra, a.def.ForkArgs...)
		a.forkNext = false
	}
	a.mu.Unlock()

	return a.start(ctx, prompt, extra)
}

func (a *streamJSONAdapter) Fork(ctx context.Context) error {
	if !a.def.Capabilities.Fork {
		return fmt.Errorf("%w: fork on agent type %q", errs.ErrUnsupportedCapability, a.def.Type)
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.cur != nil && !a.cur.done() {
		return fmt.Errorf("cannot fork with a turn in flight")
	}
	a.forkNext = true
	return nil
}

func (a *streamJSONAdapter) Cancel(ctx context.Context) error {
	a.mu.Lock()
	client := a.client
	a.mu.Unlock()
	if client == nil {
		return fmt.Errorf("adapter not started")
	}
	return client.Interrupt()
}

func (a *streamJSONAdapter) InterruptWith(ctx context.Context, prompt string) (<-chan trajectory.Entry, error) {
	if !a.def.Capabilities.Interrupt {
		return nil, fmt.Errorf("%w: interrupt on agent type %q", errs.ErrUnsupportedCapability, a.def.Type)
	}

	a.mu.Lock()
	client := a.client
	prev := a.cur
	a.mu.Unlock()
	if client == nil {
		return nil, fmt.Errorf("adapter not started")
	}

	if err := client.Interrupt(); err != nil {
		return nil, fmt.Errorf("failed to interrupt: %w", err)
	}
	if prev != nil {
		prev.finish()
	}

	next := newTurn()
	a.mu.Lock()
	a.cur = next
	a.turnMessageID = uuid.New().String()
	a.mu.Unlock()

	if err := client.SendUserMessage(prompt); err != nil {
		next.finish()
		return nil, fmt.Errorf("failed to send prompt: %w", err)
	}
	return next.ch, nil
}

func (a *streamJSONAdapter) SetMode(ctx context.Context, mode string) error {
	if !a.def.Capabilities.SetMode {
		return fmt.Errorf("%w: set mode on agent type %q", errs.ErrUnsupportedCapability, a.def.Type)
	}
	a.mu.Lock()
	client := a.client
	a.mu.Unlock()
	if client == nil {
		return fmt.Errorf("adapter not started")
	}
	return client.SetPermissionMode(mode)
}

func (a *streamJSONAdapter) RespondToPermission(requestID, optionID string) error {
	a.mu.Lock()
	client := a.client
	_, pending := a.pendingPerms[requestID]
	delete(a.pendingPerms, requestID)
	a.mu.Unlock()

	if client == nil {
		return fmt.Errorf("adapter not started")
	}
	if !pending {
		return fmt.Errorf("%w: permission request %q", errs.ErrNotFound, requestID)
	}

	behavior := claudecode.BehaviorDeny
	switch optionID {
	case OptionAllow, OptionAllowAlways:
		behavior = claudecode.BehaviorAllow
	}
	return a.sendPermissionResponse(requestID, behavior)
}

func (a *streamJSONAdapter) Process() process.Handle {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.handle
}

func (a *streamJSONAdapter) Close() error {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return nil
	}
	a.closed = true
	client := a.client
	cur := a.cur
	a.mu.Unlock()

	a.cancel()
	if client != nil {
		client.Stop()
	}
	if cur != nil {
		cur.finish()
	}
	return nil
}

// start spawns the child with the definition's args plus extra, wires the
// protocol client over its stdio, and opens the first turn.
func (a *streamJSONAdapter) start(ctx context.Context, prompt string, extra []string) (<-chan trajectory.Entry, error) {
	a.mu.Lock()
	if a.started {
		a.mu.Unlock()
		return nil, fmt.Errorf("adapter already started")
	}
	a.started = true
	a.mu.Unlock()

	handle, err := a.spawner.Spawn(ctx, process.Config{
		Command:     a.def.Command,
		Args:        append(append([]string{}, a.def.Args...), extra...),
		Env:         mergeEnv(a.def.Env, a.opts.Env),
		Dir:         a.opts.WorkDir,
		Mode:        process.ModeStdio,
		IdleTimeout: a.opts.IdleTimeout,
		HardTimeout: a.opts.HardTimeout,
	})
	if err != nil {
		return nil, err
	}

	stdout, err := handle.ClaimStdout()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errs.ErrAgentProtocol, err)
	}

	client := claudecode.NewClient(handle, stdout, a.logger)
	client.SetMessageHandler(a.handleMessage)
	client.SetRequestHandler(a.handleControlRequest)
	client.Start(a.ctx)

	cur := newTurn()
	a.mu.Lock()
	a.handle = handle
	a.client = client
	a.cur = cur
	a.turnMessageID = uuid.New().String()
	a.mu.Unlock()

	// A crashed child must still terminate the stream.
	go func() {
		<-handle.Done()
		cur.finish()
	}()

	if err := client.SendUserMessage(prompt); err != nil {
		cur.finish()
		return nil, fmt.Errorf("failed to send prompt: %w", err)
	}
	return cur.ch, nil
}

func (a *streamJSONAdapter) emit(e trajectory.Entry) {
	a.mu.Lock()
	cur := a.cur
	a.mu.Unlock()
	if cur == nil {
		return
	}
	if !cur.emit(e) {
		a.logger.Warn("trajectory entry dropped", zap.String("kind", string(e.Kind)))
	}
}

func (a *streamJSONAdapter) handleMessage(msg *claudecode.Message) {
	switch msg.Type {
	case claudecode.MessageTypeSystem:
		a.handleSystem(msg)
	case claudecode.MessageTypeAssistant:
		a.handleAssistant(msg)
	case claudecode.MessageTypeUser:
		a.handleUser(msg)
	case claudecode.MessageTypeResult:
		a.handleResult(msg)
	}
}

func (a *streamJSONAdapter) handleSystem(msg *claudecode.Message) {
	a.mu.Lock()
	if msg.SessionID != "" {
		if a.sessionID == "" {
			a.sessionID = msg.SessionID
		} else if a.sessionID != msg.SessionID {
			a.logger.Warn("agent reported divergent session id",
				zap.String("kept", a.sessionID),
				zap.String("reported", msg.SessionID))
		}
	}
	a.mu.Unlock()

	text := msg.Subtype
	if text == "" {
		text = "session initialized"
	}
	a.emit(trajectory.NewSystemMessage(text, msg.SessionID))
}

func (a *streamJSONAdapter) handleAssistant(msg *claudecode.Message) {
	if msg.Message == nil {
		return
	}

	messageID := msg.Message.ID
	if messageID == "" {
		a.mu.Lock()
		messageID = a.turnMessageID
		a.mu.Unlock()
	}

	for _, block := range msg.Message.Content {
		switch block.Type {
		case "text":
			if block.Text != "" {
				a.emit(trajectory.NewAssistantMessage(messageID, block.Text, true))
			}
		case "thinking":
			if block.Thinking != "" {
				a.emit(trajectory.NewThinking(block.Thinking))
			}
		case "tool_use":
			a.emit(trajectory.NewToolUse(trajectory.ToolUsePayload{
				ToolCallID: block.ID,
				ToolName:   block.Name,
				Status:     trajectory.ToolStatusRunning,
				Input:      block.Input,
			}))
		}
	}
}

// handleUser picks tool_result blocks out of echoed user messages and folds
// them into tool_use status updates so the coalescer collapses the pair.
func (a *streamJSONAdapter) handleUser(msg *claudecode.Message) {
	if msg.Message == nil {
		return
	}
	for _, block := range msg.Message.Content {
		if block.Type != "tool_result" {
			continue
		}
		status := trajectory.ToolStatusSuccess
		if block.IsError {
			status = trajectory.ToolStatusFailed
		}
		a.emit(trajectory.NewToolUse(trajectory.ToolUsePayload{
			ToolCallID: block.ToolUseID,
			Status:     status,
			Result:     block.Content,
		}))
	}
}

func (a *streamJSONAdapter) handleResult(msg *claudecode.Message) {
	if data := msg.ResultData(); data != nil && data.SessionID != "" {
		a.mu.Lock()
		if a.sessionID == "" {
			a.sessionID = data.SessionID
		}
		a.mu.Unlock()
	}

	if msg.IsError {
		errText := msg.ResultString()
		if errText == "" {
			if data := msg.ResultData(); data != nil {
				errText = data.Text
			}
		}
		if errText == "" {
			errText = "agent run failed"
		}
		a.emit(trajectory.NewError(errText))
	} else if data := msg.ResultData(); data != nil && data.Text != "" {
		a.emit(trajectory.NewAssistantMessage("", data.Text, false))
	}

	a.mu.Lock()
	cur := a.cur
	a.mu.Unlock()
	if cur != nil {
		cur.finish()
	}
}

func (a *streamJSONAdapter) handleControlRequest(requestID string, req *claudecode.ControlRequest) {
	if req.Subtype != claudecode.SubtypeCanUseTool {
		a.logger.Warn("unhandled control request subtype", zap.String("subtype", req.Subtype))
		if err := a.sendErrorResponse(requestID, fmt.Sprintf("unhandled subtype: %s", req.Subtype)); err != nil {
			a.logger.Warn("failed to send error response", zap.Error(err))
		}
		return
	}

	if a.opts.PermissionMode == PermissionAutoApprove {
		if err := a.sendPermissionResponse(requestID, claudecode.BehaviorAllow); err != nil {
			a.logger.Warn("failed to auto-approve tool", zap.Error(err))
		}
		return
	}

	a.mu.Lock()
	a.pendingPerms[requestID] = struct{}{}
	a.mu.Unlock()

	a.emit(trajectory.NewPermissionRequest(requestID,
		&trajectory.ToolUsePayload{
			ToolCallID: req.ToolUseID,
			ToolName:   req.ToolName,
			Status:     trajectory.ToolStatusPending,
			Input:      req.Input,
		},
		[]trajectory.PermissionOption{
			{ID: OptionAllow, Label: "Allow"},
			{ID: OptionAllowAlways, Label: "Allow always"},
			{ID: OptionDeny, Label: "Deny"},
		}))
}

func (a *streamJSONAdapter) sendPermissionResponse(requestID, behavior string) error {
	a.mu.Lock()
	client := a.client
	a.mu.Unlock()
	if client == nil {
		return fmt.Errorf("adapter not started")
	}
	return client.SendControlResponse(&claudecode.ControlResponseMessage{
		Type:      claudecode.MessageTypeControlResponse,
		RequestID: requestID,
		Response: &claudecode.ControlResponseBody{
			Subtype: "success",
			Result:  &claudecode.PermissionResult{Behavior: behavior},
		},
	})
}

func (a *streamJSONAdapter) sendErrorResponse(requestID, message string) error {
	a.mu.Lock()
	client := a.client
	a.mu.Unlock()
	if client == nil {
		return fmt.Errorf("adapter not started")
	}
	return client.SendControlResponse(&claudecode.ControlResponseMessage{
		Type:      claudecode.MessageTypeControlResponse,
		RequestID: requestID,
		Response:  &claudecode.ControlResponseBody{Subtype: "error", Error: message},
	})
}

// SessionID reports the session handle captured from the agent, empty until
// the first system message carries one.
func (a *streamJSONAdapter) SessionID() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.sessionID
}

var _ Adapter = (*streamJSONAdapter)(nil)
