package trajectory

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func at(sec int) time.Time {
	return time.Date(2026, 3, 1, 10, 0, sec, 0, time.UTC)
}

func TestCoalescerMergesAssistantDeltas(t *testing.T) {
	c := NewCoalescer()

	e1 := NewAssistantMessage("m1", "Hel", true)
	e1.Timestamp = at(0)
	e2 := NewAssistantMessage("m1", "lo ", true)
	e2.Timestamp = at(1)
	e3 := NewAssistantMessage("m1", "world", true)
	e3.Timestamp = at(2)

	assert.Empty(t, c.Push(e1))
	assert.Empty(t, c.Push(e2))
	assert.Empty(t, c.Push(e3))

	out := c.Flush()
	require.Len(t, out, 1)
	assert.Equal(t, "Hello world", out[0].Message.Text)
	assert.Equal(t, "m1", out[0].Message.MessageID)
	assert.Equal(t, at(2), out[0].Timestamp)
}

func TestCoalescerSplitsOnMessageIDChange(t *testing.T) {
	c := NewCoalescer()

	assert.Empty(t, c.Push(NewAssistantMessage("m1", "first", true)))
	out := c.Push(NewAssistantMessage("m2", "second", true))

	require.Len(t, out, 1)
	assert.Equal(t, "first", out[0].Message.Text)

	out = c.Flush()
	require.Len(t, out, 1)
	assert.Equal(t, "second", out[0].Message.Text)
}

func TestCoalescerCompleteMessagePassesThrough(t *testing.T) {
	c := NewCoalescer()

	out := c.Push(NewAssistantMessage("m1", "done", false))
	require.Len(t, out, 1)
	assert.Equal(t, "done", out[0].Message.Text)
	assert.Empty(t, c.Flush())
}

func TestCoalescerCollapsesToolUseUpdates(t *testing.T) {
	c := NewCoalescer()

	assert.Empty(t, c.Push(NewToolUse(ToolUsePayload{
		ToolCallID: "t1",
		ToolName:   "bash",
		Status:     ToolStatusPending,
		Input:      json.RawMessage(`{"command":"ls"}`),
	})))
	assert.Empty(t, c.Push(NewToolUse(ToolUsePayload{
		ToolCallID: "t1",
		Status:     ToolStatusRunning,
	})))
	assert.Empty(t, c.Push(NewToolUse(ToolUsePayload{
		ToolCallID: "t1",
		Status:     ToolStatusSuccess,
		Result:     json.RawMessage(`{"output":"a.txt"}`),
	})))

	out := c.Flush()
	require.Len(t, out, 1)
	tu := out[0].ToolUse
	assert.Equal(t, ToolStatusSuccess, tu.Status)
	assert.Equal(t, "bash", tu.ToolName)
	assert.JSONEq(t, `{"command":"ls"}`, string(tu.Input))
	assert.JSONEq(t, `{"output":"a.txt"}`, string(tu.Result))
}

func TestCoalescerDistinctToolCallsDoNotMerge(t *testing.T) {
	c := NewCoalescer()

	assert.Empty(t, c.Push(NewToolUse(ToolUsePayload{ToolCallID: "t1", Status: ToolStatusRunning})))
	out := c.Push(NewToolUse(ToolUsePayload{ToolCallID: "t2", Status: ToolStatusRunning}))
	require.Len(t, out, 1)
	assert.Equal(t, "t1", out[0].ToolUse.ToolCallID)

	out = c.Flush()
	require.Len(t, out, 1)
	assert.Equal(t, "t2", out[0].ToolUse.ToolCallID)
}

func TestCoalescerOtherKindsInterruptMerging(t *testing.T) {
	c := NewCoalescer()

	assert.Empty(t, c.Push(NewAssistantMessage("m1", "partial", true)))
	out := c.Push(NewStatusChange("running", "paused"))

	// The buffered delta is released before the pass-through entry.
	require.Len(t, out, 2)
	assert.Equal(t, KindAssistantMessage, out[0].Kind)
	assert.Equal(t, KindStatusChange, out[1].Kind)
	assert.Empty(t, c.Flush())
}

// Replaying an identical input sequence must yield byte-identical output.
func TestCoalescerDeterministic(t *testing.T) {
	input := []Entry{
		NewSystemMessage("init", "sess-1"),
		NewAssistantMessage("m1", "a", true),
		NewAssistantMessage("m1", "b", true),
		NewToolUse(ToolUsePayload{ToolCallID: "t1", ToolName: "write", Status: ToolStatusPending}),
		NewToolUse(ToolUsePayload{ToolCallID: "t1", Status: ToolStatusSuccess}),
		NewAssistantMessage("m2", "done", false),
	}
	for i := range input {
		input[i].Timestamp = at(i)
	}

	run := func() []byte {
		c := NewCoalescer()
		var out []Entry
		for _, e := range input {
			out = append(out, c.Push(e)...)
		}
		out = append(out, c.Flush()...)
		data, err := json.Marshal(out)
		require.NoError(t, err)
		return data
	}

	first := run()
	second := run()
	assert.Equal(t, first, second)
}

func TestCoalescerFlushEmpty(t *testing.T) {
	assert.Empty(t, NewCoalescer().Flush())
}
