package trajectory

// Coalescer merges adjacent fine-grained updates targeting the same logical
// object before they are persisted and broadcast:
//
//   - consecutive assistant_message deltas with the same message id merge
//     by string append into one entry;
//   - consecutive tool_use updates with the same tool call id collapse to a
//     single entry carrying the latest status and the latest non-null
//     input/result;
//   - every other kind passes through unchanged and flushes the buffer.
//
// Coalescing is deterministic: identical input sequences produce identical
// output, byte for byte. A Coalescer belongs to a single producer goroutine
// and is not safe for concurrent use.
type Coalescer struct {
	buffered *Entry
}

// NewCoalescer returns an empty coalescer.
func NewCoalescer() *Coalescer {
	return &Coalescer{}
}

// Push offers the next entry and returns the entries that became final. An
// entry that may still merge with its successor stays buffered until a
// non-mergeable entry or Flush releases it.
func (c *Coalescer) Push(e Entry) []Entry {
	if c.buffered == nil {
		if mergeable(e) {
			c.buffered = &e
			return nil
		}
		return []Entry{e}
	}

	if merged := merge(c.buffered, e); merged {
		return nil
	}

	out := []Entry{*c.buffered}
	c.buffered = nil
	if mergeable(e) {
		c.buffered = &e
		return out
	}
	return append(out, e)
}

// Flush releases the buffered entry, if any. Called on stream end.
func (c *Coalescer) Flush() []Entry {
	if c.buffered == nil {
		return nil
	}
	out := []Entry{*c.buffered}
	c.buffered = nil
	return out
}

// mergeable reports whether e can absorb a subsequent update.
func mergeable(e Entry) bool {
	switch e.Kind {
	case KindAssistantMessage:
		return e.Message != nil && e.Message.Delta
	case KindToolUse:
		return e.ToolUse != nil
	default:
		return false
	}
}

// merge folds next into buffered when they target the same logical object.
func merge(buffered *Entry, next Entry) bool {
	if buffered.Kind != next.Kind {
		return false
	}

	switch buffered.Kind {
	case KindAssistantMessage:
		if next.Message == nil || !next.Message.Delta {
			return false
		}
		if buffered.Message.MessageID != next.Message.MessageID {
			return false
		}
		buffered.Message.Text += next.Message.Text
		buffered.Timestamp = next.Timestamp
		return true

	case KindToolUse:
		if next.ToolUse == nil || buffered.ToolUse.ToolCallID != next.ToolUse.ToolCallID {
			return false
		}
		buffered.ToolUse.Status = next.ToolUse.Status
		if next.ToolUse.ToolName != "" {
			buffered.ToolUse.ToolName = next.ToolUse.ToolName
		}
		if next.ToolUse.Action != "" {
			buffered.ToolUse.Action = next.ToolUse.Action
		}
		if len(next.ToolUse.Input) > 0 {
			buffered.ToolUse.Input = next.ToolUse.Input
		}
		if len(next.ToolUse.Result) > 0 {
			buffered.ToolUse.Result = next.ToolUse.Result
		}
		buffered.Timestamp = next.Timestamp
		return true
	}

	return false
}
