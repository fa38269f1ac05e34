package claudecode

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/grovekit/grove/internal/common/logger"
)

// RequestHandler receives control requests from the agent, e.g. permission
// prompts. Implementations answer via SendControlResponse.
type RequestHandler func(requestID string, req *ControlRequest)

// MessageHandler receives every non-control message from the agent.
type MessageHandler func(msg *Message)

type pendingRequest struct {
	ch chan *ControlResponseBody
}

// Client speaks the stream-json protocol over an agent's stdin/stdout. It
// parses newline-delimited JSON from stdout, dispatches control traffic, and
// forwards everything else to the message handler.
type Client struct {
	stdin  io.Writer
	stdout io.Reader
	logger *logger.Logger

	mu             sync.RWMutex
	requestHandler RequestHandler
	messageHandler MessageHandler

	pendingMu sync.Mutex
	pending   map[string]*pendingRequest

	writeMu sync.Mutex
	done    chan struct{}
	closed  sync.Once
}

// NewClient wraps the given streams. Start must be called to begin reading.
func NewClient(stdin io.Writer, stdout io.Reader, log *logger.Logger) *Client {
	return &Client{
		stdin:   stdin,
		stdout:  stdout,
		logger:  log.WithFields(zap.String("component", "streamjson-client")),
		pending: make(map[string]*pendingRequest),
		done:    make(chan struct{}),
	}
}

// SetRequestHandler registers the handler for agent control requests.
func (c *Client) SetRequestHandler(handler RequestHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.requestHandler = handler
}

// SetMessageHandler registers the handler for streaming messages.
func (c *Client) SetMessageHandler(handler MessageHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.messageHandler = handler
}

// Start launches the read loop. The returned channel closes when stdout is
// exhausted (agent exited or closed its side).
func (c *Client) Start(ctx context.Context) <-chan struct{} {
	finished := make(chan struct{})
	go func() {
		defer close(finished)
		c.readLoop(ctx)
	}()
	return finished
}

// Stop stops the client. Idempotent.
func (c *Client) Stop() {
	c.closed.Do(func() { close(c.done) })
}

// Initialize performs the init handshake and waits for the agent's
// response. Required in streaming input mode before sending prompts.
func (c *Client) Initialize(ctx context.Context, timeout time.Duration) (*InitializeResult, error) {
	requestID := uuid.New().String()
	pending := &pendingRequest{ch: make(chan *ControlResponseBody, 1)}

	c.pendingMu.Lock()
	c.pending[requestID] = pending
	c.pendingMu.Unlock()
	defer func() {
		c.pendingMu.Lock()
		delete(c.pending, requestID)
		c.pendingMu.Unlock()
	}()

	req := &HostControlRequest{
		Type:      MessageTypeControlRequest,
		RequestID: requestID,
		Request:   HostControlRequestBody{Subtype: SubtypeInitialize},
	}
	if err := c.send(req); err != nil {
		return nil, fmt.Errorf("failed to send initialize request: %w", err)
	}

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-c.done:
		return nil, fmt.Errorf("client stopped before initialize completed")
	case <-time.After(timeout):
		return nil, fmt.Errorf("initialize request timed out after %v", timeout)
	case resp := <-pending.ch:
		if resp.Subtype == "error" {
			return nil, fmt.Errorf("initialize failed: %s", resp.Error)
		}
		if resp.Response == nil {
			return &InitializeResult{}, nil
		}
		return resp.Response, nil
	}
}

// Interrupt asks the agent to abandon the in-flight turn.
func (c *Client) Interrupt() error {
	return c.send(&HostControlRequest{
		Type:      MessageTypeControlRequest,
		RequestID: uuid.New().String(),
		Request:   HostControlRequestBody{Subtype: SubtypeInterrupt},
	})
}

// SetPermissionMode switches the agent's permission mode.
func (c *Client) SetPermissionMode(mode string) error {
	return c.send(&HostControlRequest{
		Type:      MessageTypeControlRequest,
		RequestID: uuid.New().String(),
		Request:   HostControlRequestBody{Subtype: SubtypeSetPermissionMode, Mode: mode},
	})
}

// SendControlResponse answers a control request from the agent.
func (c *Client) SendControlResponse(resp *ControlResponseMessage) error {
	return c.send(resp)
}

// SendUserMessage delivers a prompt to the agent.
func (c *Client) SendUserMessage(content string) error {
	return c.send(&UserMessage{
		Type:    MessageTypeUser,
		Message: UserMessageBody{Role: "user", Content: content},
	})
}

func (c *Client) send(msg any) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}
	data = append(data, '\n')

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if _, err := c.stdin.Write(data); err != nil {
		return fmt.Errorf("failed to write message: %w", err)
	}
	return nil
}

func (c *Client) readLoop(ctx context.Context) {
	scanner := bufio.NewScanner(c.stdout)
	// Single messages can carry whole file contents; allow up to 10MB.
	scanner.Buffer(make([]byte, 0, 64*1024), 10*1024*1024)

	for scanner.Scan() {
		select {
		case <-ctx.Done():
			return
		case <-c.done:
			return
		default:
		}

		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		c.handleLine(line)
	}

	if err := scanner.Err(); err != nil {
		c.logger.Error("read loop error", zap.Error(err))
	}
}

func (c *Client) handleLine(line []byte) {
	var msg Message
	if err := json.Unmarshal(line, &msg); err != nil {
		c.logger.Warn("failed to parse message", zap.Error(err), zap.ByteString("line", line))
		return
	}

	if msg.Type == MessageTypeControlRequest && msg.Request != nil {
		c.handleControlRequest(msg.RequestID, msg.Request)
		return
	}
	if msg.Type == MessageTypeControlResponse && msg.Response != nil {
		c.handleControlResponse(msg.Response)
		return
	}

	c.mu.RLock()
	handler := c.messageHandler
	c.mu.RUnlock()
	if handler != nil {
		msg.Raw = append(json.RawMessage(nil), line...)
		handler(&msg)
	}
}

func (c *Client) handleControlRequest(requestID string, req *ControlRequest) {
	c.mu.RLock()
	handler := c.requestHandler
	c.mu.RUnlock()

	if handler != nil {
		handler(requestID, req)
		return
	}

	c.logger.Warn("control request with no handler registered",
		zap.String("request_id", requestID),
		zap.String("subtype", req.Subtype))
	if err := c.SendControlResponse(&ControlResponseMessage{
		Type:      MessageTypeControlResponse,
		RequestID: requestID,
		Response: &ControlResponseBody{
			Subtype: "error",
			Error:   "no handler registered",
		},
	}); err != nil {
		c.logger.Warn("failed to send error response", zap.Error(err))
	}
}

func (c *Client) handleControlResponse(resp *ControlResponseBody) {
	c.pendingMu.Lock()
	pending, ok := c.pending[resp.RequestID]
	c.pendingMu.Unlock()

	if !ok {
		c.logger.Warn("control response for unknown request",
			zap.String("request_id", resp.RequestID),
			zap.String("subtype", resp.Subtype))
		return
	}

	select {
	case pending.ch <- resp:
	default:
	}
}
