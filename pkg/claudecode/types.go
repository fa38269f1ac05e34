// Package claudecode implements the stream-json protocol spoken by the
// Claude Code CLI: newline-delimited JSON over stdin/stdout with a
// control_request/control_response envelope for permissions and session
// control. The grove stub agent speaks the same protocol.
package claudecode

import "encoding/json"

// Message types on the wire.
const (
	// MessageTypeSystem is the initial system message carrying session info.
	MessageTypeSystem = "system"
	// MessageTypeAssistant carries text, thinking and tool_use blocks.
	MessageTypeAssistant = "assistant"
	// MessageTypeUser is a user message (prompt or tool_result blocks).
	MessageTypeUser = "user"
	// MessageTypeResult is the terminal message of a run.
	MessageTypeResult = "result"
	// MessageTypeControlRequest asks the peer to act (permission, init).
	MessageTypeControlRequest = "control_request"
	// MessageTypeControlResponse answers a control request.
	MessageTypeControlResponse = "control_response"
)

// Control request subtypes.
const (
	SubtypeInitialize        = "initialize"
	SubtypeCanUseTool        = "can_use_tool"
	SubtypeInterrupt         = "interrupt"
	SubtypeSetPermissionMode = "set_permission_mode"
)

// Permission behaviors in a can_use_tool response.
const (
	BehaviorAllow = "allow"
	BehaviorDeny  = "deny"
)

// Message is one line of agent stdout. Type determines which fields are
// populated.
type Message struct {
	Type string `json:"type"`

	// control_request fields
	RequestID string          `json:"request_id,omitempty"`
	Request   *ControlRequest `json:"request,omitempty"`

	// control_response body
	Response *ControlResponseBody `json:"response,omitempty"`

	// system message fields
	SessionID string `json:"session_id,omitempty"`

	// assistant/user message body
	Message *MessageBody `json:"message,omitempty"`

	// result message fields; Result is a string or an object depending on
	// the outcome
	Result     json.RawMessage `json:"result,omitempty"`
	Subtype    string          `json:"subtype,omitempty"`
	IsError    bool            `json:"is_error,omitempty"`
	NumTurns   int             `json:"num_turns,omitempty"`
	DurationMS int64           `json:"duration_ms,omitempty"`

	// Raw holds the verbatim line for replay-grade persistence.
	Raw json.RawMessage `json:"-"`
}

// MessageBody is the content of an assistant or user message. ID groups the
// streamed chunks of one assistant message.
type MessageBody struct {
	ID      string         `json:"id,omitempty"`
	Role    string         `json:"role"`
	Model   string         `json:"model,omitempty"`
	Content []ContentBlock `json:"content,omitempty"`
}

// ContentBlock is one block inside a message body.
type ContentBlock struct {
	Type string `json:"type"`

	// text blocks
	Text string `json:"text,omitempty"`

	// thinking blocks
	Thinking string `json:"thinking,omitempty"`

	// tool_use blocks
	ID    string          `json:"id,omitempty"`
	Name  string          `json:"name,omitempty"`
	Input json.RawMessage `json:"input,omitempty"`

	// tool_result blocks
	ToolUseID string          `json:"tool_use_id,omitempty"`
	Content   json.RawMessage `json:"content,omitempty"`
	IsError   bool            `json:"is_error,omitempty"`
}

// ResultData is the object form of a result message payload.
type ResultData struct {
	Text      string `json:"text,omitempty"`
	SessionID string `json:"session_id,omitempty"`
}

// ResultData parses the Result field as an object. Returns nil when Result
// is empty, a bare string, or unparseable.
func (m *Message) ResultData() *ResultData {
	if len(m.Result) == 0 {
		return nil
	}
	var data ResultData
	if err := json.Unmarshal(m.Result, &data); err != nil {
		return nil
	}
	return &data
}

// ResultString returns the Result field when it is a bare string, typically
// an error message.
func (m *Message) ResultString() string {
	if len(m.Result) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(m.Result, &s); err != nil {
		return ""
	}
	return s
}

// ControlRequest is a request from the agent to the host, currently
// permission prompts (can_use_tool).
type ControlRequest struct {
	Subtype string `json:"subtype"`

	// can_use_tool fields
	ToolName  string          `json:"tool_name,omitempty"`
	Input     json.RawMessage `json:"input,omitempty"`
	ToolUseID string          `json:"tool_use_id,omitempty"`
}

// ControlResponseMessage answers a control request from the agent.
type ControlResponseMessage struct {
	Type      string               `json:"type"` // control_response
	RequestID string               `json:"request_id"`
	Response  *ControlResponseBody `json:"response"`
}

// ControlResponseBody is the body of a control response in either
// direction. RequestID is set on agent-to-host responses.
type ControlResponseBody struct {
	Subtype   string `json:"subtype"` // success or error
	RequestID string `json:"request_id,omitempty"`

	// success payloads
	Result   *PermissionResult `json:"result,omitempty"`
	Response *InitializeResult `json:"response,omitempty"`

	// error payload
	Error string `json:"error,omitempty"`
}

// PermissionResult answers a can_use_tool request.
type PermissionResult struct {
	Behavior string `json:"behavior"` // allow or deny

	// Message carries feedback to the agent on deny.
	Message string `json:"message,omitempty"`

	// Interrupt stops the in-flight turn on deny.
	Interrupt *bool `json:"interrupt,omitempty"`
}

// InitializeResult is the payload of a successful initialize response.
type InitializeResult struct {
	Commands []string `json:"commands,omitempty"`
	Agents   []string `json:"agents,omitempty"`
}

// HostControlRequest is a control request sent from the host to the agent
// (initialize, interrupt, set_permission_mode).
type HostControlRequest struct {
	Type      string                 `json:"type"` // control_request
	RequestID string                 `json:"request_id"`
	Request   HostControlRequestBody `json:"request"`
}

// HostControlRequestBody is the body of a host control request.
type HostControlRequestBody struct {
	Subtype string `json:"subtype"`

	// set_permission_mode payload
	Mode string `json:"mode,omitempty"`
}

// UserMessage delivers a prompt to the agent.
type UserMessage struct {
	Type    string          `json:"type"` // user
	Message UserMessageBody `json:"message"`
}

// UserMessageBody is the prompt content.
type UserMessageBody struct {
	Role    string `json:"role"` // user
	Content string `json:"content"`
}
