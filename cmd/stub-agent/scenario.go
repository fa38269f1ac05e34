package main

import (
	"bufio"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/grovekit/grove/pkg/claudecode"
)

var toolCallCounter int

func nextToolID() string {
	toolCallCounter++
	return fmt.Sprintf("stub_tool_%04d", toolCallCounter)
}

func mustJSON(v any) json.RawMessage {
	data, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return data
}

// runTurn plays one scripted turn for the given prompt. Every turn opens
// with a system message and, except for hang, closes with a result.
func runTurn(enc *json.Encoder, scanner *bufio.Scanner, prompt string) {
	prompt = strings.TrimSpace(prompt)

	emitSystemInit(enc)

	switch {
	case prompt == "hang":
		// Stay silent until the host interrupts or closes stdin.
		if waitForInterrupt(scanner) {
			emitResult(enc, true, "interrupted")
		}
		return
	case prompt == "fail" || strings.HasPrefix(prompt, "fail "):
		text := strings.TrimSpace(strings.TrimPrefix(prompt, "fail"))
		if text == "" {
			text = "stub agent failure"
		}
		emitText(enc, "Failing as instructed.")
		emitResult(enc, true, text)
		return
	case prompt == "slow" || strings.HasPrefix(prompt, "slow "):
		runSlow(enc, prompt)
	case prompt == "tool":
		emitReadTool(enc)
	case prompt == "permission":
		runPermissionTool(enc, scanner)
	default:
		emitThinking(enc, "Working out what \""+prompt+"\" needs.")
		emitText(enc, "Handled: "+prompt)
	}

	emitResult(enc, false, "")
}

func emitSystemInit(enc *json.Encoder) {
	_ = enc.Encode(claudecode.Message{
		Type:      claudecode.MessageTypeSystem,
		Subtype:   "init",
		SessionID: sessionID,
	})
}

func emitText(enc *json.Encoder, text string) {
	_ = enc.Encode(claudecode.Message{
		Type: claudecode.MessageTypeAssistant,
		Message: &claudecode.MessageBody{
			Role:  "assistant",
			Model: "stub",
			Content: []claudecode.ContentBlock{
				{Type: "text", Text: text},
			},
		},
	})
}

func emitThinking(enc *json.Encoder, thought string) {
	_ = enc.Encode(claudecode.Message{
		Type: claudecode.MessageTypeAssistant,
		Message: &claudecode.MessageBody{
			Role:  "assistant",
			Model: "stub",
			Content: []claudecode.ContentBlock{
				{Type: "thinking", Thinking: thought},
			},
		},
	})
}

// emitResult closes the turn. Success results carry the session ID so a
// resumed run can be matched back to this session.
func emitResult(enc *json.Encoder, isError bool, errText string) {
	var result json.RawMessage
	subtype := "success"
	if isError {
		subtype = "error"
		result = mustJSON(errText)
	} else {
		result = mustJSON(claudecode.ResultData{
			Text:      "Stub run complete.",
			SessionID: sessionID,
		})
	}

	_ = enc.Encode(claudecode.Message{
		Type:       claudecode.MessageTypeResult,
		Subtype:    subtype,
		Result:     result,
		IsError:    isError,
		NumTurns:   1,
		DurationMS: 42,
	})
}

// runSlow spreads a handful of text chunks over the requested duration.
// Accepts "slow" (defaults to 5s) or "slow <duration>".
func runSlow(enc *json.Encoder, prompt string) {
	total := 5 * time.Second
	if parts := strings.Fields(prompt); len(parts) >= 2 {
		if d, err := time.ParseDuration(parts[1]); err == nil && d > 0 {
			total = d
		}
	}

	steps := 5
	step := total / time.Duration(steps)
	for i := 1; i <= steps; i++ {
		emitText(enc, fmt.Sprintf("Slow step %d of %d.", i, steps))
		time.Sleep(step)
	}
}

// emitReadTool emits a Read tool_use immediately followed by its result.
func emitReadTool(enc *json.Encoder) {
	toolID := nextToolID()
	input := mustJSON(map[string]string{"file_path": "README.md"})

	_ = enc.Encode(claudecode.Message{
		Type: claudecode.MessageTypeAssistant,
		Message: &claudecode.MessageBody{
			Role:  "assistant",
			Model: "stub",
			Content: []claudecode.ContentBlock{
				{Type: "tool_use", ID: toolID, Name: "Read", Input: input},
			},
		},
	})

	emitToolResult(enc, toolID, mustJSON("# stub\n"), false)
}

// runPermissionTool emits a Bash tool_use gated by a can_use_tool request
// and reports the outcome the host decided.
func runPermissionTool(enc *json.Encoder, scanner *bufio.Scanner) {
	toolID := nextToolID()
	input := mustJSON(map[string]string{"command": "true"})

	_ = enc.Encode(claudecode.Message{
		Type: claudecode.MessageTypeAssistant,
		Message: &claudecode.MessageBody{
			Role:  "assistant",
			Model: "stub",
			Content: []claudecode.ContentBlock{
				{Type: "tool_use", ID: toolID, Name: "Bash", Input: input},
			},
		},
	})

	if requestPermission(enc, scanner, "Bash", toolID, input) {
		emitToolResult(enc, toolID, mustJSON("ok"), false)
		emitText(enc, "Command ran after approval.")
	} else {
		emitToolResult(enc, toolID, mustJSON("permission denied"), true)
		emitText(enc, "Skipped the command, permission was denied.")
	}
}

func emitToolResult(enc *json.Encoder, toolUseID string, content json.RawMessage, isError bool) {
	_ = enc.Encode(claudecode.Message{
		Type: claudecode.MessageTypeUser,
		Message: &claudecode.MessageBody{
			Role: "user",
			Content: []claudecode.ContentBlock{
				{Type: "tool_result", ToolUseID: toolUseID, Content: content, IsError: isError},
			},
		},
	})
}

// requestPermission sends a can_use_tool control request and blocks until
// the host answers. An interrupt or EOF counts as a denial.
func requestPermission(enc *json.Encoder, scanner *bufio.Scanner, toolName, toolUseID string, input json.RawMessage) bool {
	requestID := fmt.Sprintf("stub-perm-%s", toolUseID)

	_ = enc.Encode(claudecode.Message{
		Type:      claudecode.MessageTypeControlRequest,
		RequestID: requestID,
		Request: &claudecode.ControlRequest{
			Subtype:   claudecode.SubtypeCanUseTool,
			ToolName:  toolName,
			Input:     input,
			ToolUseID: toolUseID,
		},
	})

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		var msg incoming
		if err := json.Unmarshal(line, &msg); err != nil {
			continue
		}

		switch msg.Type {
		case claudecode.MessageTypeControlResponse:
			if msg.Response != nil && msg.Response.Result != nil {
				return msg.Response.Result.Behavior == claudecode.BehaviorAllow
			}
			return false
		case claudecode.MessageTypeControlRequest:
			if msg.Request != nil && msg.Request.Subtype == claudecode.SubtypeInterrupt {
				return false
			}
		}
	}
	return false
}

// waitForInterrupt drains stdin until an interrupt control request shows
// up. Returns false when stdin closes first.
func waitForInterrupt(scanner *bufio.Scanner) bool {
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		var msg incoming
		if err := json.Unmarshal(line, &msg); err != nil {
			continue
		}
		if msg.Type == claudecode.MessageTypeControlRequest && msg.Request != nil &&
			msg.Request.Subtype == claudecode.SubtypeInterrupt {
			return true
		}
	}
	return false
}
