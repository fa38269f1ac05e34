//go:build !windows

package process

import (
	"bufio"
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/grovekit/grove/internal/common/config"
	"github.com/grovekit/grove/internal/common/errs"
	"github.com/grovekit/grove/internal/common/logger"
)

func testLogger(t *testing.T) *logger.Logger {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "json"})
	require.NoError(t, err)
	return log
}

func testManager(t *testing.T) *Manager {
	t.Helper()
	m, err := NewManager(config.ExecutionConfig{Runtime: RuntimeHost}, config.DockerConfig{}, testLogger(t))
	require.NoError(t, err)
	return m
}

// outputCollector gathers fanned-out chunks per stream.
type outputCollector struct {
	mu     sync.Mutex
	chunks map[string][]byte
}

func newOutputCollector() *outputCollector {
	return &outputCollector{chunks: make(map[string][]byte)}
}

func (c *outputCollector) fn(stream string, data []byte) {
	c.mu.Lock()
	c.chunks[stream] = append(c.chunks[stream], data...)
	c.mu.Unlock()
}

func (c *outputCollector) get(stream string) string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return string(c.chunks[stream])
}

func waitDone(t *testing.T, h Handle, timeout time.Duration) ExitResult {
	t.Helper()
	select {
	case <-h.Done():
		return h.Exit()
	case <-time.After(timeout):
		t.Fatal("process did not exit in time")
		return ExitResult{}
	}
}

func TestStdioSpawnAndCollectOutput(t *testing.T) {
	m := testManager(t)

	collector := newOutputCollector()
	h, err := m.Spawn(context.Background(), Config{
		Command:      "sh",
		Args:         []string{"-c", "echo hello"},
		Mode:         ModeStdio,
		FanOutStdout: true,
	})
	require.NoError(t, err)
	h.OnOutput(collector.fn)

	res := waitDone(t, h, 5*time.Second)
	assert.Equal(t, 0, res.Code)
	assert.NoError(t, res.Err)
	assert.Eventually(t, func() bool {
		return strings.Contains(collector.get("stdout"), "hello")
	}, 2*time.Second, 10*time.Millisecond)
	assert.Greater(t, h.PID(), 0)
}

func TestStdioExitCode(t *testing.T) {
	m := testManager(t)

	h, err := m.Spawn(context.Background(), Config{
		Command:      "sh",
		Args:         []string{"-c", "exit 3"},
		Mode:         ModeStdio,
		FanOutStdout: true,
	})
	require.NoError(t, err)

	res := waitDone(t, h, 5*time.Second)
	assert.Equal(t, 3, res.Code)
	assert.NoError(t, res.Err)
}

func TestStdioStderrFansOut(t *testing.T) {
	m := testManager(t)

	collector := newOutputCollector()
	h, err := m.Spawn(context.Background(), Config{
		Command:      "sh",
		Args:         []string{"-c", "echo oops 1>&2"},
		Mode:         ModeStdio,
		FanOutStdout: true,
	})
	require.NoError(t, err)
	h.OnOutput(collector.fn)

	waitDone(t, h, 5*time.Second)
	assert.Eventually(t, func() bool {
		return strings.Contains(collector.get("stderr"), "oops")
	}, 2*time.Second, 10*time.Millisecond)
}

func TestClaimStdoutIsExclusive(t *testing.T) {
	m := testManager(t)

	h, err := m.Spawn(context.Background(), Config{
		Command: "cat",
		Mode:    ModeStdio,
	})
	require.NoError(t, err)

	stdout, err := h.ClaimStdout()
	require.NoError(t, err)

	_, err = h.ClaimStdout()
	assert.ErrorIs(t, err, ErrStdoutClaimed)

	_, err = h.Write([]byte("ping\n"))
	require.NoError(t, err)

	line, err := bufio.NewReader(stdout).ReadString('\n')
	require.NoError(t, err)
	assert.Equal(t, "ping\n", line)

	require.NoError(t, h.CloseStdin())
	require.NoError(t, h.CloseStdin()) // idempotent

	res := waitDone(t, h, 5*time.Second)
	assert.Equal(t, 0, res.Code)
}

func TestFanOutStdoutBlocksClaim(t *testing.T) {
	m := testManager(t)

	h, err := m.Spawn(context.Background(), Config{
		Command:      "sh",
		Args:         []string{"-c", "echo hi"},
		Mode:         ModeStdio,
		FanOutStdout: true,
	})
	require.NoError(t, err)

	_, err = h.ClaimStdout()
	assert.ErrorIs(t, err, ErrStdoutClaimed)
	waitDone(t, h, 5*time.Second)
}

func TestIdleTimeoutTagsExit(t *testing.T) {
	m := testManager(t)

	h, err := m.Spawn(context.Background(), Config{
		Command:      "sleep",
		Args:         []string{"30"},
		Mode:         ModeStdio,
		FanOutStdout: true,
		IdleTimeout:  100 * time.Millisecond,
	})
	require.NoError(t, err)

	res := waitDone(t, h, 10*time.Second)
	assert.ErrorIs(t, res.Err, errs.ErrIdleTimeout)
}

func TestHardTimeoutFiresDespiteActivity(t *testing.T) {
	m := testManager(t)

	h, err := m.Spawn(context.Background(), Config{
		Command:      "sh",
		Args:         []string{"-c", "while true; do echo tick; sleep 0.05; done"},
		Mode:         ModeStdio,
		FanOutStdout: true,
		IdleTimeout:  10 * time.Second,
		HardTimeout:  300 * time.Millisecond,
	})
	require.NoError(t, err)

	res := waitDone(t, h, 10*time.Second)
	assert.ErrorIs(t, res.Err, errs.ErrHardTimeout)
}

func TestTerminateGracefully(t *testing.T) {
	m := testManager(t)

	h, err := m.Spawn(context.Background(), Config{
		Command:      "sleep",
		Args:         []string{"30"},
		Mode:         ModeStdio,
		FanOutStdout: true,
	})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, h.Terminate(ctx))

	res := waitDone(t, h, 5*time.Second)
	assert.NoError(t, res.Err)
	assert.NotEqual(t, 0, res.Code)
}

func TestSpawnFailure(t *testing.T) {
	m := testManager(t)

	_, err := m.Spawn(context.Background(), Config{
		Command: "definitely-not-a-real-command-xyz",
		Mode:    ModeStdio,
	})
	assert.ErrorIs(t, err, errs.ErrAgentSpawnFailure)
}

func TestManagerTracksHandles(t *testing.T) {
	m := testManager(t)

	h1, err := m.Spawn(context.Background(), Config{
		Command: "sleep", Args: []string{"30"}, Mode: ModeStdio, FanOutStdout: true,
	})
	require.NoError(t, err)
	h2, err := m.Spawn(context.Background(), Config{
		Command: "sleep", Args: []string{"30"}, Mode: ModeStdio, FanOutStdout: true,
	})
	require.NoError(t, err)

	assert.Equal(t, 2, m.Count())

	got, ok := m.Get(h1.ID())
	require.True(t, ok)
	assert.Equal(t, h1.ID(), got.ID())

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.NoError(t, m.Shutdown(ctx))

	waitDone(t, h1, 5*time.Second)
	waitDone(t, h2, 5*time.Second)
	assert.Eventually(t, func() bool { return m.Count() == 0 }, 2*time.Second, 10*time.Millisecond)
}

func TestHandleRemovedOnExit(t *testing.T) {
	m := testManager(t)

	h, err := m.Spawn(context.Background(), Config{
		Command: "sh", Args: []string{"-c", "exit 0"}, Mode: ModeStdio, FanOutStdout: true,
	})
	require.NoError(t, err)

	waitDone(t, h, 5*time.Second)
	assert.Eventually(t, func() bool {
		_, ok := m.Get(h.ID())
		return !ok
	}, 2*time.Second, 10*time.Millisecond)
}

func TestPTYOutputFansOut(t *testing.T) {
	m := testManager(t)

	collector := newOutputCollector()
	h, err := m.Spawn(context.Background(), Config{
		Command:  "sh",
		Args:     []string{"-c", "echo hi-from-pty"},
		Mode:     ModePTY,
		Terminal: Terminal{Cols: 80, Rows: 24},
	})
	require.NoError(t, err)
	h.OnOutput(collector.fn)

	res := waitDone(t, h, 5*time.Second)
	assert.Equal(t, 0, res.Code)
	assert.Eventually(t, func() bool {
		return strings.Contains(collector.get("pty"), "hi-from-pty")
	}, 2*time.Second, 10*time.Millisecond)

	_, err = h.ClaimStdout()
	assert.Error(t, err)
}

func TestPTYResize(t *testing.T) {
	m := testManager(t)

	h, err := m.Spawn(context.Background(), Config{
		Command:  "cat",
		Mode:     ModePTY,
		Terminal: Terminal{Cols: 80, Rows: 24},
	})
	require.NoError(t, err)

	assert.NoError(t, h.Resize(120, 40))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = h.Terminate(ctx)
	waitDone(t, h, 5*time.Second)
}

func TestStdioResizeUnsupported(t *testing.T) {
	m := testManager(t)

	h, err := m.Spawn(context.Background(), Config{
		Command: "cat", Mode: ModeStdio,
	})
	require.NoError(t, err)

	assert.ErrorIs(t, h.Resize(80, 24), ErrNotPTY)

	require.NoError(t, h.CloseStdin())
	waitDone(t, h, 5*time.Second)
}

func TestScreenSnapshot(t *testing.T) {
	s := NewScreen(20, 4)
	s.Feed([]byte("hello\r\nworld"))

	lines := s.Snapshot()
	require.Len(t, lines, 4)
	assert.Equal(t, "hello", lines[0])
	assert.Equal(t, "world", lines[1])
	assert.Equal(t, "", lines[2])

	s.Resize(40, 10)
	cols, rows := s.Size()
	assert.Equal(t, 40, cols)
	assert.Equal(t, 10, rows)
}
