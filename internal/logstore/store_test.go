package logstore

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/grovekit/grove/internal/common/logger"
	"github.com/grovekit/grove/internal/trajectory"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "json"})
	require.NoError(t, err)
	s, err := New(t.TempDir(), log)
	require.NoError(t, err)
	return s
}

func indexed(i int64, text string) trajectory.Entry {
	e := trajectory.NewAssistantMessage("m1", text, false)
	e.Index = i
	return e
}

func TestAppendAndRead(t *testing.T) {
	s := newTestStore(t)
	w, err := s.OpenWriter("exec-1")
	require.NoError(t, err)

	require.NoError(t, w.Append(indexed(0, "first")))
	require.NoError(t, w.Append(indexed(1, "second")))
	require.NoError(t, w.Append(indexed(2, "third")))
	require.NoError(t, w.Close())

	entries, err := s.Read("exec-1", 0, 0)
	require.NoError(t, err)
	require.Len(t, entries, 3)
	assert.Equal(t, "first", entries[0].Message.Text)
	assert.Equal(t, int64(2), entries[2].Index)
}

func TestReadPagination(t *testing.T) {
	s := newTestStore(t)
	w, err := s.OpenWriter("exec-1")
	require.NoError(t, err)
	for i := int64(0); i < 10; i++ {
		require.NoError(t, w.Append(indexed(i, "entry")))
	}

	entries, err := s.Read("exec-1", 4, 3)
	require.NoError(t, err)
	require.Len(t, entries, 3)
	assert.Equal(t, int64(4), entries[0].Index)
	assert.Equal(t, int64(6), entries[2].Index)
}

func TestAppendRejectsIndexGap(t *testing.T) {
	s := newTestStore(t)
	w, err := s.OpenWriter("exec-1")
	require.NoError(t, err)

	require.NoError(t, w.Append(indexed(0, "ok")))
	err = w.Append(indexed(2, "gap"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "index gap")
}

func TestReopenContinuesIndexSequence(t *testing.T) {
	s := newTestStore(t)
	w, err := s.OpenWriter("exec-1")
	require.NoError(t, err)
	require.NoError(t, w.Append(indexed(0, "a")))
	require.NoError(t, w.Append(indexed(1, "b")))
	require.NoError(t, w.Close())

	w, err = s.OpenWriter("exec-1")
	require.NoError(t, err)
	assert.Equal(t, int64(2), w.NextIndex())
	require.NoError(t, w.Append(indexed(2, "c")))

	entries, err := s.Read("exec-1", 0, 0)
	require.NoError(t, err)
	assert.Len(t, entries, 3)
}

func TestTornTailTruncatedOnReopen(t *testing.T) {
	dir := t.TempDir()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "json"})
	require.NoError(t, err)
	s, err := New(dir, log)
	require.NoError(t, err)

	w, err := s.OpenWriter("exec-1")
	require.NoError(t, err)
	require.NoError(t, w.Append(indexed(0, "complete")))
	require.NoError(t, w.Close())

	// Simulate a crash mid-write: partial JSON with no trailing newline.
	path := filepath.Join(dir, "exec-1.jsonl")
	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o644)
	require.NoError(t, err)
	_, err = f.WriteString(`{"index":1,"kind":"assistant_mes`)
	require.NoError(t, err)
	require.NoError(t, f.Close())

	w, err = s.OpenWriter("exec-1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), w.NextIndex())
	require.NoError(t, w.Append(indexed(1, "after crash")))

	entries, err := s.Read("exec-1", 0, 0)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "after crash", entries[1].Message.Text)
}

func TestRawRoundTrip(t *testing.T) {
	s := newTestStore(t)
	w, err := s.OpenWriter("exec-1")
	require.NoError(t, err)

	require.NoError(t, w.AppendRaw([]byte(`{"type":"assistant","text":"raw1"}`)))
	require.NoError(t, w.AppendRaw([]byte(`{"type":"result"}`)))
	require.NoError(t, w.Close())

	lines, err := s.ReadRaw("exec-1")
	require.NoError(t, err)
	require.Len(t, lines, 2)
	assert.JSONEq(t, `{"type":"assistant","text":"raw1"}`, string(lines[0]))
}

func TestReadMissingExecutionIsEmpty(t *testing.T) {
	s := newTestStore(t)
	entries, err := s.Read("nope", 0, 0)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestPurgeRemovesOldLogs(t *testing.T) {
	dir := t.TempDir()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "json"})
	require.NoError(t, err)
	s, err := New(dir, log)
	require.NoError(t, err)

	w, err := s.OpenWriter("old-exec")
	require.NoError(t, err)
	require.NoError(t, w.Append(indexed(0, "x")))
	require.NoError(t, w.Close())

	// Backdate the files past the retention window.
	past := time.Now().Add(-48 * time.Hour)
	for _, suffix := range []string{".jsonl", ".raw.jsonl"} {
		require.NoError(t, os.Chtimes(filepath.Join(dir, "old-exec"+suffix), past, past))
	}

	removed, err := s.Purge(24 * time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 1, removed)

	entries, err := s.Read("old-exec", 0, 0)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestPurgeSkipsOpenWriters(t *testing.T) {
	s := newTestStore(t)
	w, err := s.OpenWriter("live-exec")
	require.NoError(t, err)
	require.NoError(t, w.Append(indexed(0, "x")))

	removed, err := s.Purge(time.Nanosecond)
	require.NoError(t, err)
	assert.Equal(t, 0, removed)
}
