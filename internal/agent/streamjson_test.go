package agent

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/grovekit/grove/internal/common/errs"
	"github.com/grovekit/grove/internal/process"
	"github.com/grovekit/grove/internal/trajectory"
)

func buildStreamJSON(t *testing.T, agentType string, opts Options) (Adapter, *fakeSpawner) {
	t.Helper()
	catalog, err := LoadCatalog("")
	require.NoError(t, err)
	spawner := &fakeSpawner{}
	builder := NewBuilder(catalog, spawner, testLogger(t))
	adapter, err := builder.Build(agentType, opts)
	require.NoError(t, err)
	return adapter, spawner
}

func collectEntries(t *testing.T, ch <-chan trajectory.Entry) []trajectory.Entry {
	t.Helper()
	var entries []trajectory.Entry
	deadline := time.After(3 * time.Second)
	for {
		select {
		case e, ok := <-ch:
			if !ok {
				return entries
			}
			entries = append(entries, e)
		case <-deadline:
			t.Fatalf("stream did not close, got %d entries", len(entries))
		}
	}
}

func TestRunStreamsTrajectory(t *testing.T) {
	adapter, spawner := buildStreamJSON(t, "stub", Options{WorkDir: t.TempDir()})
	defer adapter.Close()

	ch, err := adapter.Run(context.Background(), "fix the bug")
	require.NoError(t, err)

	handle := spawner.lastHandle()
	stdin := handle.stdinLines()

	prompt := recvLine(t, stdin)
	assert.Equal(t, "user", prompt["type"])

	handle.writeLine(t, map[string]any{
		"type": "system", "subtype": "init", "session_id": "sess-1",
	})
	handle.writeLine(t, map[string]any{
		"type": "assistant",
		"message": map[string]any{
			"id":   "msg-1",
			"role": "assistant",
			"content": []map[string]any{
				{"type": "thinking", "thinking": "looking at the failing test"},
				{"type": "text", "text": "I found the bug."},
				{"type": "tool_use", "id": "tc-1", "name": "edit_file", "input": map[string]any{"path": "main.go"}},
			},
		},
	})
	handle.writeLine(t, map[string]any{
		"type": "user",
		"message": map[string]any{
			"role": "user",
			"content": []map[string]any{
				{"type": "tool_result", "tool_use_id": "tc-1", "content": map[string]any{"ok": true}},
			},
		},
	})
	handle.writeLine(t, map[string]any{
		"type": "result", "subtype": "success",
		"result": map[string]any{"text": "Fixed.", "session_id": "sess-1"},
	})

	entries := collectEntries(t, ch)
	require.Len(t, entries, 6)

	assert.Equal(t, trajectory.KindSystemMessage, entries[0].Kind)
	assert.Equal(t, "sess-1", entries[0].SessionID)

	assert.Equal(t, trajectory.KindThinking, entries[1].Kind)
	assert.Equal(t, trajectory.KindAssistantMessage, entries[2].Kind)
	assert.Equal(t, "msg-1", entries[2].Message.MessageID)
	assert.True(t, entries[2].Message.Delta)

	assert.Equal(t, trajectory.KindToolUse, entries[3].Kind)
	assert.Equal(t, "tc-1", entries[3].ToolUse.ToolCallID)
	assert.Equal(t, trajectory.ToolStatusRunning, entries[3].ToolUse.Status)

	assert.Equal(t, trajectory.KindToolUse, entries[4].Kind)
	assert.Equal(t, trajectory.ToolStatusSuccess, entries[4].ToolUse.Status)

	assert.Equal(t, trajectory.KindAssistantMessage, entries[5].Kind)
	assert.Equal(t, "Fixed.", entries[5].Message.Text)
	assert.False(t, entries[5].Message.Delta)
}

func TestErrorResultEmitsErrorEntry(t *testing.T) {
	adapter, spawner := buildStreamJSON(t, "stub", Options{WorkDir: t.TempDir()})
	defer adapter.Close()

	ch, err := adapter.Run(context.Background(), "go")
	require.NoError(t, err)

	handle := spawner.lastHandle()
	recvLine(t, handle.stdinLines())
	handle.writeLine(t, map[string]any{
		"type": "result", "subtype": "error_during_execution",
		"is_error": true, "result": "model refused",
	})

	entries := collectEntries(t, ch)
	require.Len(t, entries, 1)
	assert.Equal(t, trajectory.KindError, entries[0].Kind)
	assert.Equal(t, "model refused", entries[0].Error.Message)
}

func TestResumeAppendsSessionArgs(t *testing.T) {
	adapter, spawner := buildStreamJSON(t, "stub", Options{WorkDir: t.TempDir()})
	defer adapter.Close()

	_, err := adapter.Resume(context.Background(), "sess-9", "continue")
	require.NoError(t, err)

	cfg := spawner.lastConfig()
	assert.Contains(t, cfg.Args, "--resume")
	assert.Contains(t, cfg.Args, "sess-9")
}

func TestForkMarksNextResume(t *testing.T) {
	adapter, spawner := buildStreamJSON(t, "claude", Options{WorkDir: t.TempDir()})
	defer adapter.Close()

	require.NoError(t, adapter.Fork(context.Background()))

	_, err := adapter.Resume(context.Background(), "sess-9", "try another approach")
	require.NoError(t, err)

	cfg := spawner.lastConfig()
	assert.Contains(t, cfg.Args, "--resume")
	assert.Contains(t, cfg.Args, "--fork-session")
}

func TestForkUnsupported(t *testing.T) {
	adapter, _ := buildStreamJSON(t, "stub", Options{WorkDir: t.TempDir()})
	defer adapter.Close()

	err := adapter.Fork(context.Background())
	require.ErrorIs(t, err, errs.ErrUnsupportedCapability)
}

func TestResumeUnsupported(t *testing.T) {
	def := Definition{
		Type:      "norember",
		Transport: TransportStreamJSON,
		Command:   "norember",
	}
	adapter := newStreamJSONAdapter(def, Options{}, &fakeSpawner{}, testLogger(t))
	defer adapter.Close()

	_, err := adapter.Resume(context.Background(), "sess-1", "continue")
	require.ErrorIs(t, err, errs.ErrResumeUnsupported)
}

func TestPermissionRoundTrip(t *testing.T) {
	adapter, spawner := buildStreamJSON(t, "stub", Options{
		WorkDir:        t.TempDir(),
		PermissionMode: PermissionInteractive,
	})
	defer adapter.Close()

	ch, err := adapter.Run(context.Background(), "go")
	require.NoError(t, err)

	handle := spawner.lastHandle()
	stdin := handle.stdinLines()
	recvLine(t, stdin) // prompt

	handle.writeLine(t, map[string]any{
		"type":       "control_request",
		"request_id": "perm-1",
		"request": map[string]any{
			"subtype":     "can_use_tool",
			"tool_name":   "run_shell",
			"tool_use_id": "tc-7",
			"input":       map[string]any{"command": "rm -rf build"},
		},
	})

	var perm trajectory.Entry
	select {
	case perm = <-ch:
	case <-time.After(2 * time.Second):
		t.Fatal("no permission entry")
	}
	require.Equal(t, trajectory.KindPermissionRequest, perm.Kind)
	assert.Equal(t, "perm-1", perm.Permission.RequestID)
	assert.Equal(t, "run_shell", perm.Permission.ToolCall.ToolName)
	require.Len(t, perm.Permission.Options, 3)

	require.NoError(t, adapter.RespondToPermission("perm-1", OptionAllow))

	resp := recvLine(t, stdin)
	assert.Equal(t, "control_response", resp["type"])
	assert.Equal(t, "perm-1", resp["request_id"])
	body := resp["response"].(map[string]any)
	assert.Equal(t, "success", body["subtype"])
	result := body["result"].(map[string]any)
	assert.Equal(t, "allow", result["behavior"])

	// Answering twice fails.
	err = adapter.RespondToPermission("perm-1", OptionDeny)
	require.ErrorIs(t, err, errs.ErrNotFound)
}

func TestAutoApproveAnswersWithoutPrompting(t *testing.T) {
	adapter, spawner := buildStreamJSON(t, "stub", Options{
		WorkDir:        t.TempDir(),
		PermissionMode: PermissionAutoApprove,
	})
	defer adapter.Close()

	ch, err := adapter.Run(context.Background(), "go")
	require.NoError(t, err)

	handle := spawner.lastHandle()
	stdin := handle.stdinLines()
	recvLine(t, stdin) // prompt

	handle.writeLine(t, map[string]any{
		"type":       "control_request",
		"request_id": "perm-2",
		"request":    map[string]any{"subtype": "can_use_tool", "tool_name": "write_file"},
	})

	resp := recvLine(t, stdin)
	assert.Equal(t, "control_response", resp["type"])
	result := resp["response"].(map[string]any)["result"].(map[string]any)
	assert.Equal(t, "allow", result["behavior"])

	// No permission entry reached the stream.
	select {
	case e := <-ch:
		t.Fatalf("unexpected entry %s", e.Kind)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestInterruptWithOpensNewTurn(t *testing.T) {
	adapter, spawner := buildStreamJSON(t, "stub", Options{WorkDir: t.TempDir()})
	defer adapter.Close()

	first, err := adapter.Run(context.Background(), "go")
	require.NoError(t, err)

	handle := spawner.lastHandle()
	stdin := handle.stdinLines()
	recvLine(t, stdin) // prompt

	second, err := adapter.InterruptWith(context.Background(), "stop, do this instead")
	require.NoError(t, err)

	// The previous stream closes.
	collectEntries(t, first)

	// An interrupt control request then the new prompt hit the wire.
	interrupt := recvLine(t, stdin)
	assert.Equal(t, "control_request", interrupt["type"])
	req := interrupt["request"].(map[string]any)
	assert.Equal(t, "interrupt", req["subtype"])

	prompt := recvLine(t, stdin)
	assert.Equal(t, "user", prompt["type"])

	handle.writeLine(t, map[string]any{
		"type": "result", "subtype": "success",
		"result": map[string]any{"text": "done"},
	})
	entries := collectEntries(t, second)
	require.NotEmpty(t, entries)
	assert.Equal(t, "done", entries[len(entries)-1].Message.Text)
}

func TestSetModeRequiresCapability(t *testing.T) {
	adapter, spawner := buildStreamJSON(t, "claude", Options{WorkDir: t.TempDir()})
	defer adapter.Close()

	_, err := adapter.Run(context.Background(), "go")
	require.NoError(t, err)
	stdin := spawner.lastHandle().stdinLines()
	recvLine(t, stdin) // prompt

	require.NoError(t, adapter.SetMode(context.Background(), "plan"))
	msg := recvLine(t, stdin)
	assert.Equal(t, "control_request", msg["type"])
	req := msg["request"].(map[string]any)
	assert.Equal(t, "set_permission_mode", req["subtype"])
	assert.Equal(t, "plan", req["mode"])

	stub, _ := buildStreamJSON(t, "stub", Options{WorkDir: t.TempDir()})
	defer stub.Close()
	err = stub.SetMode(context.Background(), "plan")
	require.ErrorIs(t, err, errs.ErrUnsupportedCapability)
}

func TestChildExitClosesStream(t *testing.T) {
	adapter, spawner := buildStreamJSON(t, "stub", Options{WorkDir: t.TempDir()})
	defer adapter.Close()

	ch, err := adapter.Run(context.Background(), "go")
	require.NoError(t, err)

	handle := spawner.lastHandle()
	recvLine(t, handle.stdinLines())
	handle.exitNow(process.ExitResult{Code: 137})

	entries := collectEntries(t, ch)
	assert.Empty(t, entriesOfKind(entries, trajectory.KindAssistantMessage))
}

func TestSecondRunRejected(t *testing.T) {
	adapter, spawner := buildStreamJSON(t, "stub", Options{WorkDir: t.TempDir()})
	defer adapter.Close()

	_, err := adapter.Run(context.Background(), "go")
	require.NoError(t, err)
	recvLine(t, spawner.lastHandle().stdinLines())

	_, err = adapter.Run(context.Background(), "again")
	require.Error(t, err)
}

func TestSessionIDDivergenceKeepsFirst(t *testing.T) {
	adapter, spawner := buildStreamJSON(t, "stub", Options{WorkDir: t.TempDir()})
	defer adapter.Close()

	ch, err := adapter.Run(context.Background(), "go")
	require.NoError(t, err)

	handle := spawner.lastHandle()
	recvLine(t, handle.stdinLines())

	handle.writeLine(t, map[string]any{"type": "system", "subtype": "init", "session_id": "sess-a"})
	handle.writeLine(t, map[string]any{"type": "system", "subtype": "status", "session_id": "sess-b"})
	handle.writeLine(t, map[string]any{"type": "result", "subtype": "success"})

	collectEntries(t, ch)
	assert.Equal(t, "sess-a", adapter.(*streamJSONAdapter).SessionID())
}

func TestUnhandledControlSubtypeGetsErrorResponse(t *testing.T) {
	adapter, spawner := buildStreamJSON(t, "stub", Options{WorkDir: t.TempDir()})
	defer adapter.Close()

	_, err := adapter.Run(context.Background(), "go")
	require.NoError(t, err)

	handle := spawner.lastHandle()
	stdin := handle.stdinLines()
	recvLine(t, stdin)

	handle.writeLine(t, map[string]any{
		"type":       "control_request",
		"request_id": "req-1",
		"request":    map[string]any{"subtype": "mystery"},
	})

	resp := recvLine(t, stdin)
	assert.Equal(t, "control_response", resp["type"])
	body := resp["response"].(map[string]any)
	assert.Equal(t, "error", body["subtype"])
}

func entriesOfKind(entries []trajectory.Entry, kind trajectory.Kind) []trajectory.Entry {
	var out []trajectory.Entry
	for _, e := range entries {
		if e.Kind == kind {
			out = append(out, e)
		}
	}
	return out
}

