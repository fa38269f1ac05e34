// Package trajectory defines the normalized trajectory stream emitted by
// agent executions: the entry model shared by the protocol adapters, the
// coalescer, the log store and the event bus.
package trajectory

import (
	"encoding/json"
	"time"
)

// Kind identifies the shape of a trajectory entry's payload.
type Kind string

const (
	KindAssistantMessage  Kind = "assistant_message"
	KindUserMessage       Kind = "user_message"
	KindSystemMessage     Kind = "system_message"
	KindThinking          Kind = "thinking"
	KindToolUse           Kind = "tool_use"
	KindToolResult        Kind = "tool_result"
	KindError             Kind = "error"
	KindStatusChange      Kind = "status_change"
	KindPermissionRequest Kind = "permission_request"
)

// ToolStatus is the lifecycle state of a tool call inside a tool_use entry.
type ToolStatus string

const (
	ToolStatusPending ToolStatus = "pending"
	ToolStatusRunning ToolStatus = "running"
	ToolStatusSuccess ToolStatus = "success"
	ToolStatusFailed  ToolStatus = "failed"
)

// Entry is one element of an execution's normalized trajectory. Indices are
// assigned by the execution's single producer and form an unbroken 0..N-1
// sequence. Exactly one payload field is set, matching Kind.
type Entry struct {
	Index     int64     `json:"index"`
	Timestamp time.Time `json:"timestamp"`
	Kind      Kind      `json:"kind"`

	// SessionID is stamped on the first system entry that carries one and
	// never afterwards.
	SessionID string `json:"session_id,omitempty"`

	Message      *MessagePayload      `json:"message,omitempty"`
	Thinking     *ThinkingPayload     `json:"thinking,omitempty"`
	ToolUse      *ToolUsePayload      `json:"tool_use,omitempty"`
	ToolResult   *ToolResultPayload   `json:"tool_result,omitempty"`
	Error        *ErrorPayload        `json:"error,omitempty"`
	StatusChange *StatusChangePayload `json:"status_change,omitempty"`
	Permission   *PermissionPayload   `json:"permission,omitempty"`
}

// MessagePayload carries assistant, user and system message text. MessageID
// groups streaming deltas of one assistant message for coalescing.
type MessagePayload struct {
	MessageID string `json:"message_id,omitempty"`
	Text      string `json:"text"`

	// Delta marks a partial assistant message. Adjacent deltas with the
	// same MessageID coalesce by string append before persistence.
	Delta bool `json:"delta,omitempty"`
}

// ThinkingPayload carries reasoning text.
type ThinkingPayload struct {
	Text string `json:"text"`
}

// ToolUsePayload describes one tool call issued by the agent.
type ToolUsePayload struct {
	ToolCallID string          `json:"tool_call_id"`
	ToolName   string          `json:"tool_name"`
	Action     string          `json:"action,omitempty"`
	Status     ToolStatus      `json:"status"`
	Input      json.RawMessage `json:"input,omitempty"`
	Result     json.RawMessage `json:"result,omitempty"`
}

// ToolResultPayload carries the outcome of a host-side tool invocation.
type ToolResultPayload struct {
	ToolCallID string          `json:"tool_call_id"`
	Success    bool            `json:"success"`
	Data       json.RawMessage `json:"data,omitempty"`
	Error      string          `json:"error,omitempty"`
}

// ErrorPayload carries an error surfaced on the trajectory.
type ErrorPayload struct {
	Message string `json:"message"`
	Stack   string `json:"stack,omitempty"`
}

// StatusChangePayload records an execution status transition.
type StatusChangePayload struct {
	From string `json:"from"`
	To   string `json:"to"`
}

// PermissionOption is one selectable answer to a permission request.
type PermissionOption struct {
	ID    string `json:"id"`
	Label string `json:"label"`
}

// PermissionPayload describes a pending permission prompt from the agent.
type PermissionPayload struct {
	RequestID string             `json:"request_id"`
	ToolCall  *ToolUsePayload    `json:"tool_call,omitempty"`
	Options   []PermissionOption `json:"options"`
}

// NewAssistantMessage builds an assistant_message entry. messageID groups
// streaming deltas; delta marks a partial chunk.
func NewAssistantMessage(messageID, text string, delta bool) Entry {
	return Entry{
		Timestamp: time.Now().UTC(),
		Kind:      KindAssistantMessage,
		Message:   &MessagePayload{MessageID: messageID, Text: text, Delta: delta},
	}
}

// NewUserMessage builds a user_message entry.
func NewUserMessage(text string) Entry {
	return Entry{
		Timestamp: time.Now().UTC(),
		Kind:      KindUserMessage,
		Message:   &MessagePayload{Text: text},
	}
}

// NewSystemMessage builds a system_message entry. sessionID may be empty.
func NewSystemMessage(text, sessionID string) Entry {
	return Entry{
		Timestamp: time.Now().UTC(),
		Kind:      KindSystemMessage,
		SessionID: sessionID,
		Message:   &MessagePayload{Text: text},
	}
}

// NewThinking builds a thinking entry.
func NewThinking(text string) Entry {
	return Entry{
		Timestamp: time.Now().UTC(),
		Kind:      KindThinking,
		Thinking:  &ThinkingPayload{Text: text},
	}
}

// NewToolUse builds a tool_use entry.
func NewToolUse(p ToolUsePayload) Entry {
	return Entry{
		Timestamp: time.Now().UTC(),
		Kind:      KindToolUse,
		ToolUse:   &p,
	}
}

// NewToolResult builds a tool_result entry.
func NewToolResult(p ToolResultPayload) Entry {
	return Entry{
		Timestamp:  time.Now().UTC(),
		Kind:       KindToolResult,
		ToolResult: &p,
	}
}

// NewError builds an error entry.
func NewError(message string) Entry {
	return Entry{
		Timestamp: time.Now().UTC(),
		Kind:      KindError,
		Error:     &ErrorPayload{Message: message},
	}
}

// NewStatusChange builds a status_change entry.
func NewStatusChange(from, to string) Entry {
	return Entry{
		Timestamp:    time.Now().UTC(),
		Kind:         KindStatusChange,
		StatusChange: &StatusChangePayload{From: from, To: to},
	}
}

// NewPermissionRequest builds a permission_request entry.
func NewPermissionRequest(requestID string, toolCall *ToolUsePayload, options []PermissionOption) Entry {
	return Entry{
		Timestamp:  time.Now().UTC(),
		Kind:       KindPermissionRequest,
		Permission: &PermissionPayload{RequestID: requestID, ToolCall: toolCall, Options: options},
	}
}
