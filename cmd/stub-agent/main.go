// Package main implements a stub agent binary speaking the claude-code
// stream-json protocol over stdin/stdout. It plays scripted turns keyed by
// the prompt text so the execution pipeline can be exercised end to end
// without a real agent.
//
// Recognised prompts:
//
//	fail <text>   emit an error result carrying the given message
//	slow <dur>    stretch the turn over the given duration
//	hang          keep the turn open until an interrupt arrives
//	tool          one Read tool call with its result
//	permission    one Bash tool call gated by a can_use_tool request
//
// Any other prompt produces a thinking block, a short text reply and a
// successful result.
package main

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/grovekit/grove/pkg/claudecode"
)

// sessionID identifies this stub process. Each run spawns its own process,
// so the PID keeps parallel sessions distinct. A --resume flag restores the
// session ID of a previous run.
var sessionID = fmt.Sprintf("stub-%d", os.Getpid())

// incoming is one line of host stdin. Type determines which fields are set.
type incoming struct {
	Type      string                             `json:"type"`
	RequestID string                             `json:"request_id,omitempty"`
	Request   *claudecode.HostControlRequestBody `json:"request,omitempty"`
	Response  *claudecode.ControlResponseBody    `json:"response,omitempty"`
	Message   *claudecode.UserMessageBody        `json:"message,omitempty"`
}

func main() {
	if resumed := parseResumeFromArgs(os.Args); resumed != "" {
		sessionID = resumed
	}

	scanner := bufio.NewScanner(os.Stdin)
	// Control responses are small, but keep headroom for long prompts.
	scanner.Buffer(make([]byte, 0, 64*1024), 10*1024*1024)

	enc := json.NewEncoder(os.Stdout)

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
		case claudecode.MessageTypeControlRequest:
			handleHostRequest(enc, msg)
		case claudecode.MessageTypeUser:
			if msg.Message != nil {
				runTurn(enc, scanner, msg.Message.Content)
			}
		}
	}

	if err := scanner.Err(); err != nil {
		fmt.Fprintf(os.Stderr, "stub-agent: scanner error: %v\n", err)
		os.Exit(1)
	}
}

// parseResumeFromArgs extracts the --resume value from the given args slice.
func parseResumeFromArgs(args []string) string {
	for i := 1; i < len(args); i++ {
		if args[i] == "--resume" && i+1 < len(args) {
			return args[i+1]
		}
		if strings.HasPrefix(args[i], "--resume=") {
			return strings.TrimPrefix(args[i], "--resume=")
		}
	}
	return ""
}

// handleHostRequest answers control requests from the host. Only initialize
// expects a response; interrupt and set_permission_mode between turns are
// no-ops.
func handleHostRequest(enc *json.Encoder, msg incoming) {
	if msg.Request == nil || msg.Request.Subtype != claudecode.SubtypeInitialize || msg.RequestID == "" {
		return
	}
	_ = enc.Encode(claudecode.ControlResponseMessage{
		Type:      claudecode.MessageTypeControlResponse,
		RequestID: msg.RequestID,
		Response: &claudecode.ControlResponseBody{
			Subtype:   "success",
			RequestID: msg.RequestID,
			Response: &claudecode.InitializeResult{
				Commands: []string{"fail", "slow", "hang", "tool", "permission"},
			},
		},
	})
}
