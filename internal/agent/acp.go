package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/coder/acp-go-sdk"
	"go.uber.org/zap"

	"github.com/grovekit/grove/internal/common/errs"
	"github.com/grovekit/grove/internal/common/logger"
	"github.com/grovekit/grove/internal/process"
	"github.com/grovekit/grove/internal/trajectory"
)

// acpAdapter drives an agent over the Agent Client Protocol. The child is
// spawned lazily on the first turn; one adapter owns one agent session.
type acpAdapter struct {
	def     Definition
	opts    Options
	spawner Spawner
	logger  *logger.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu        sync.Mutex
	handle    process.Handle
	conn      *acp.ClientSideConnection
	host      *acpHost
	sessionID acp.SessionId
	agentCaps acp.AgentCapabilities
	cur       *turn
	forkNext  bool

	// pendingPerms maps grove permission request ids to the channel the
	// blocked RequestPermission callback is waiting on.
	permMu       sync.Mutex
	pendingPerms map[string]chan string

	// toolNames remembers tool call names so status updates can re-emit
	// the full tool entry.
	toolMu    sync.Mutex
	toolNames map[string]string
}

func newACPAdapter(def Definition, opts Options, spawner Spawner, log *logger.Logger) *acpAdapter {
	ctx, cancel := context.WithCancel(context.Background())
	return &acpAdapter{
		def:     def,
		opts:    opts,
		spawner: spawner,
		logger: log.WithFields(
			zap.String("component", "acp-adapter"),
			zap.String("agent_type", def.Type)),
		ctx:          ctx,
		cancel:       cancel,
		pendingPerms: make(map[string]chan string),
		toolNames:    make(map[string]string),
	}
}

func (a *acpAdapter) Capabilities() Capabilities { return a.def.Capabilities }

func (a *acpAdapter) Process() process.Handle {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.handle
}

func (a *acpAdapter) SessionID() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return string(a.sessionID)
}

// start spawns the agent child and performs the ACP initialize handshake.
// Caller holds a.mu.
func (a *acpAdapter) start(ctx context.Context) error {
	if a.handle != nil {
		return nil
	}

	handle, err := a.spawner.Spawn(a.ctx, process.Config{
		Command:     a.def.Command,
		Args:        a.def.Args,
		Env:         mergeEnv(a.def.Env, a.opts.Env),
		Dir:         a.opts.WorkDir,
		Mode:        process.ModeStdio,
		IdleTimeout: a.opts.IdleTimeout,
		HardTimeout: a.opts.HardTimeout,
	})
	if err != nil {
		return err
	}

	stdout, err := handle.ClaimStdout()
	if err != nil {
		_ = handle.Terminate(ctx)
		return err
	}

	host := newACPHost(a.opts.WorkDir, a.spawner, a.opts.PermissionMode == PermissionAutoApprove, a.logger)
	host.setUpdateHandler(a.handleNotification)
	host.setPermissionHandler(a.awaitPermission)

	conn := acp.NewClientSideConnection(host, handle, stdout)

	resp, err := conn.Initialize(ctx, acp.InitializeRequest{
		ProtocolVersion: acp.ProtocolVersionNumber,
		ClientInfo: &acp.Implementation{
			Name:    "grove",
			Version: "1.0.0",
		},
	})
	if err != nil {
		_ = handle.Terminate(ctx)
		return fmt.Errorf("%w: initialize failed: %v", errs.ErrAgentProtocol, err)
	}

	if resp.AgentInfo != nil {
		a.logger.Info("agent initialized",
			zap.String("agent_name", resp.AgentInfo.Name),
			zap.String("agent_version", resp.AgentInfo.Version))
	}

	a.handle = handle
	a.conn = conn
	a.host = host
	a.agentCaps = resp.AgentCapabilities

	// Finish any in-flight turn when the child dies.
	go func() {
		<-handle.Done()
		a.mu.Lock()
		cur := a.cur
		a.mu.Unlock()
		if cur != nil {
			cur.finish()
		}
		a.failPendingPermissions()
	}()

	return nil
}

// Run starts a new session and sends the first prompt.
func (a *acpAdapter) Run(ctx context.Context, prompt string) (<-chan trajectory.Entry, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.cur != nil && !a.cur.done() {
		return nil, fmt.Errorf("%w: turn already in progress", errs.ErrConflict)
	}
	if err := a.start(ctx); err != nil {
		return nil, err
	}

	if a.sessionID == "" {
		resp, err := a.conn.NewSession(ctx, acp.NewSessionRequest{
			Cwd:        a.opts.WorkDir,
			McpServers: []acp.McpServer{},
		})
		if err != nil {
			return nil, fmt.Errorf("%w: new session failed: %v", errs.ErrAgentProtocol, err)
		}
		a.sessionID = resp.SessionId
	}

	t := newTurn()
	a.cur = t
	t.emit(trajectory.NewSystemMessage("session initialized", string(a.sessionID)))

	a.prompt(t, prompt)
	return t.ch, nil
}

// Resume loads an existing session and sends a follow-up prompt. A pending
// fork is applied by starting a fresh session seeded with the prior context.
func (a *acpAdapter) Resume(ctx context.Context, sessionID, prompt string) (<-chan trajectory.Entry, error) {
	if !a.def.Capabilities.Resume {
		return nil, errs.ErrResumeUnsupported
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	if a.cur != nil && !a.cur.done() {
		return nil, fmt.Errorf("%w: turn already in progress", errs.ErrConflict)
	}
	if err := a.start(ctx); err != nil {
		return nil, err
	}

	fork := a.forkNext
	a.forkNext = false

	switch {
	case fork || !a.agentCaps.LoadSession:
		if !fork && !a.agentCaps.LoadSession {
			return nil, fmt.Errorf("%w: agent does not support session loading", errs.ErrResumeUnsupported)
		}
		// Fork: a fresh session carrying the prior session id for the
		// agent to branch from.
		resp, err := a.conn.NewSession(ctx, acp.NewSessionRequest{
			Cwd:        a.opts.WorkDir,
			McpServers: []acp.McpServer{},
		})
		if err != nil {
			return nil, fmt.Errorf("%w: fork session failed: %v", errs.ErrAgentProtocol, err)
		}
		a.sessionID = resp.SessionId
	case a.sessionID == acp.SessionId(sessionID):
		// Session already live on this connection.
	default:
		if _, err := a.conn.LoadSession(ctx, acp.LoadSessionRequest{
			SessionId: acp.SessionId(sessionID),
		}); err != nil {
			return nil, fmt.Errorf("%w: load session failed: %v", errs.ErrResumeUnsupported, err)
		}
		a.sessionID = acp.SessionId(sessionID)
	}

	t := newTurn()
	a.cur = t
	a.prompt(t, prompt)
	return t.ch, nil
}

// prompt runs the turn's Prompt call on its own goroutine and finishes the
// turn when the agent stops. Caller holds a.mu.
func (a *acpAdapter) prompt(t *turn, prompt string) {
	conn := a.conn
	sessionID := a.sessionID
	go func() {
		defer t.finish()
		_, err := conn.Prompt(a.ctx, acp.PromptRequest{
			SessionId: sessionID,
			Prompt:    []acp.ContentBlock{acp.TextBlock(prompt)},
		})
		if err != nil && a.ctx.Err() == nil {
			t.emit(trajectory.NewError(fmt.Sprintf("prompt failed: %v", err)))
		}
	}()
}

// Fork marks the next Resume to branch onto a fresh session.
func (a *acpAdapter) Fork(ctx context.Context) error {
	if !a.def.Capabilities.Fork {
		return fmt.Errorf("%w: %s cannot fork sessions", errs.ErrUnsupportedCapability, a.def.Type)
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.cur != nil && !a.cur.done() {
		return fmt.Errorf("%w: cannot fork mid-turn", errs.ErrConflict)
	}
	a.forkNext = true
	return nil
}

// Cancel interrupts the in-flight turn.
func (a *acpAdapter) Cancel(ctx context.Context) error {
	a.mu.Lock()
	conn := a.conn
	sessionID := a.sessionID
	a.mu.Unlock()
	if conn == nil || sessionID == "" {
		return nil
	}
	return conn.Cancel(ctx, acp.CancelNotification{SessionId: sessionID})
}

// InterruptWith cancels the current turn and immediately sends a new prompt.
func (a *acpAdapter) InterruptWith(ctx context.Context, prompt string) (<-chan trajectory.Entry, error) {
	if !a.def.Capabilities.Interrupt {
		return nil, fmt.Errorf("%w: %s cannot be interrupted", errs.ErrUnsupportedCapability, a.def.Type)
	}

	a.mu.Lock()
	conn := a.conn
	sessionID := a.sessionID
	cur := a.cur
	a.mu.Unlock()
	if conn == nil {
		return nil, fmt.Errorf("%w: agent not running", errs.ErrConflict)
	}

	if err := conn.Cancel(ctx, acp.CancelNotification{SessionId: sessionID}); err != nil {
		return nil, fmt.Errorf("%w: cancel failed: %v", errs.ErrAgentProtocol, err)
	}
	if cur != nil {
		cur.finish()
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	t := newTurn()
	a.cur = t
	a.prompt(t, prompt)
	return t.ch, nil
}

// SetMode is not part of the ACP surface; permission behavior is fixed at
// session creation.
func (a *acpAdapter) SetMode(ctx context.Context, mode string) error {
	return fmt.Errorf("%w: %s cannot switch permission modes mid-session", errs.ErrUnsupportedCapability, a.def.Type)
}

// RespondToPermission unblocks the RequestPermission callback waiting on the
// given request.
func (a *acpAdapter) RespondToPermission(requestID, optionID string) error {
	a.permMu.Lock()
	ch, ok := a.pendingPerms[requestID]
	delete(a.pendingPerms, requestID)
	a.permMu.Unlock()
	if !ok {
		return fmt.Errorf("%w: permission request %s", errs.ErrNotFound, requestID)
	}
	ch <- optionID
	return nil
}

// awaitPermission forwards a permission prompt into the trajectory and blocks
// until RespondToPermission answers it.
func (a *acpAdapter) awaitPermission(ctx context.Context, requestID string, req acp.RequestPermissionRequest) (string, bool) {
	ch := make(chan string, 1)
	a.permMu.Lock()
	a.pendingPerms[requestID] = ch
	a.permMu.Unlock()

	name := ""
	if req.ToolCall.Title != nil {
		name = *req.ToolCall.Title
	}
	action := ""
	if req.ToolCall.Kind != nil {
		action = string(*req.ToolCall.Kind)
	}
	tool := &trajectory.ToolUsePayload{
		ToolCallID: string(req.ToolCall.ToolCallId),
		ToolName:   name,
		Action:     action,
		Status:     trajectory.ToolStatusPending,
		Input:      rawJSON(req.ToolCall.RawInput),
	}

	options := make([]trajectory.PermissionOption, 0, len(req.Options))
	for _, o := range req.Options {
		options = append(options, trajectory.PermissionOption{
			ID:    string(o.OptionId),
			Label: o.Name,
		})
	}

	a.mu.Lock()
	cur := a.cur
	a.mu.Unlock()
	if cur != nil {
		cur.emit(trajectory.NewPermissionRequest(requestID, tool, options))
	}

	select {
	case <-ctx.Done():
		a.permMu.Lock()
		delete(a.pendingPerms, requestID)
		a.permMu.Unlock()
		return "", true
	case optionID := <-ch:
		return optionID, false
	}
}

// failPendingPermissions cancels outstanding prompts after the child exits.
func (a *acpAdapter) failPendingPermissions() {
	a.permMu.Lock()
	pending := a.pendingPerms
	a.pendingPerms = make(map[string]chan string)
	a.permMu.Unlock()
	for _, ch := range pending {
		close(ch)
	}
}

// handleNotification converts agent session updates into trajectory entries.
func (a *acpAdapter) handleNotification(n acp.SessionNotification) {
	a.mu.Lock()
	cur := a.cur
	a.mu.Unlock()
	if cur == nil {
		return
	}

	u := n.Update
	switch {
	case u.AgentMessageChunk != nil:
		if u.AgentMessageChunk.Content.Text != nil {
			cur.emit(trajectory.NewAssistantMessage("", u.AgentMessageChunk.Content.Text.Text, true))
		}
	case u.AgentThoughtChunk != nil:
		if u.AgentThoughtChunk.Content.Text != nil {
			cur.emit(trajectory.NewThinking(u.AgentThoughtChunk.Content.Text.Text))
		}
	case u.ToolCall != nil:
		tc := u.ToolCall
		a.toolMu.Lock()
		a.toolNames[string(tc.ToolCallId)] = tc.Title
		a.toolMu.Unlock()
		cur.emit(trajectory.NewToolUse(trajectory.ToolUsePayload{
			ToolCallID: string(tc.ToolCallId),
			ToolName:   tc.Title,
			Action:     string(tc.Kind),
			Status:     toolStatus(string(tc.Status)),
			Input:      rawJSON(tc.RawInput),
		}))
	case u.ToolCallUpdate != nil:
		tu := u.ToolCallUpdate
		if tu.Status == nil {
			return
		}
		a.toolMu.Lock()
		name := a.toolNames[string(tu.ToolCallId)]
		a.toolMu.Unlock()
		cur.emit(trajectory.NewToolUse(trajectory.ToolUsePayload{
			ToolCallID: string(tu.ToolCallId),
			ToolName:   name,
			Status:     toolStatus(string(*tu.Status)),
		}))
	case u.Plan != nil:
		// Plan updates flatten into a readable thinking entry.
		var b strings.Builder
		b.WriteString("Plan:")
		for _, e := range u.Plan.Entries {
			b.WriteString(fmt.Sprintf("\n- [%s] %s", string(e.Status), e.Content))
		}
		cur.emit(trajectory.NewThinking(b.String()))
	}
}

// toolStatus maps ACP tool call states onto trajectory statuses.
func toolStatus(s string) trajectory.ToolStatus {
	switch s {
	case "pending":
		return trajectory.ToolStatusPending
	case "completed":
		return trajectory.ToolStatusSuccess
	case "failed":
		return trajectory.ToolStatusFailed
	default:
		return trajectory.ToolStatusRunning
	}
}

// rawJSON re-encodes the protocol's untyped tool input for the trajectory.
// Unmarshalable input degrades to absent rather than failing the entry.
func rawJSON(v any) json.RawMessage {
	if v == nil {
		return nil
	}
	if raw, ok := v.(json.RawMessage); ok {
		return raw
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	return data
}

// Close releases the connection and any host terminals. The child itself is
// terminated by the caller through the process handle.
func (a *acpAdapter) Close() error {
	a.cancel()

	a.mu.Lock()
	host := a.host
	cur := a.cur
	a.mu.Unlock()

	if cur != nil {
		cur.finish()
	}
	a.failPendingPermissions()
	if host != nil {
		host.close()
	}
	return nil
}

var _ Adapter = (*acpAdapter)(nil)
