package agent

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/grovekit/grove/internal/common/logger"
	"github.com/grovekit/grove/internal/process"
)

func testLogger(t *testing.T) *logger.Logger {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "json"})
	require.NoError(t, err)
	return log
}

// fakeHandle is an in-memory process.Handle. The test plays the child: it
// reads what the adapter writes from stdinLines and feeds protocol output
// through writeLine.
type fakeHandle struct {
	id        string
	startedAt time.Time

	stdinR  *io.PipeReader
	stdinW  *io.PipeWriter
	stdoutR *io.PipeReader
	stdoutW *io.PipeWriter

	mu        sync.Mutex
	observers []process.OutputFunc
	claimed   bool
	exit      process.ExitResult

	done     chan struct{}
	exitOnce sync.Once
}

func newFakeHandle(id string) *fakeHandle {
	stdinR, stdinW := io.Pipe()
	stdoutR, stdoutW := io.Pipe()
	return &fakeHandle{
		id:        id,
		startedAt: time.Now(),
		stdinR:    stdinR,
		stdinW:    stdinW,
		stdoutR:   stdoutR,
		stdoutW:   stdoutW,
		done:      make(chan struct{}),
	}
}

func (h *fakeHandle) ID() string               { return h.id }
func (h *fakeHandle) PID() int                 { return 4242 }
func (h *fakeHandle) StartedAt() time.Time     { return h.startedAt }
func (h *fakeHandle) LastActivity() time.Time  { return h.startedAt }
func (h *fakeHandle) Done() <-chan struct{}    { return h.done }
func (h *fakeHandle) Resize(c, r uint16) error { return nil }

func (h *fakeHandle) Write(data []byte) (int, error) { return h.stdinW.Write(data) }
func (h *fakeHandle) CloseStdin() error              { return h.stdinW.Close() }

func (h *fakeHandle) ClaimStdout() (io.Reader, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.claimed {
		return nil, process.ErrStdoutClaimed
	}
	h.claimed = true
	return h.stdoutR, nil
}

func (h *fakeHandle) OnOutput(fn process.OutputFunc) {
	h.mu.Lock()
	h.observers = append(h.observers, fn)
	h.mu.Unlock()
}

func (h *fakeHandle) Exit() process.ExitResult {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.exit
}

func (h *fakeHandle) Terminate(ctx context.Context) error {
	h.exitNow(process.ExitResult{Code: 0})
	return nil
}

// exitNow simulates child exit: pipes break and Done closes.
func (h *fakeHandle) exitNow(result process.ExitResult) {
	h.exitOnce.Do(func() {
		h.mu.Lock()
		h.exit = result
		h.mu.Unlock()
		h.stdoutW.Close()
		h.stdinR.Close()
		close(h.done)
	})
}

// feedOutput pushes bytes to OnOutput observers, as PTY output would.
func (h *fakeHandle) feedOutput(stream string, data []byte) {
	h.mu.Lock()
	observers := make([]process.OutputFunc, len(h.observers))
	copy(observers, h.observers)
	h.mu.Unlock()
	for _, fn := range observers {
		fn(stream, data)
	}
}

// writeLine feeds one protocol line into the adapter's stdout reader.
func (h *fakeHandle) writeLine(t *testing.T, v any) {
	t.Helper()
	data, err := json.Marshal(v)
	require.NoError(t, err)
	_, err = h.stdoutW.Write(append(data, '\n'))
	require.NoError(t, err)
}

// stdinLines scans what the adapter wrote to the child, one JSON line per
// receive.
func (h *fakeHandle) stdinLines() <-chan map[string]any {
	ch := make(chan map[string]any, 16)
	go func() {
		defer close(ch)
		scanner := bufio.NewScanner(h.stdinR)
		scanner.Buffer(make([]byte, 64*1024), 1024*1024)
		for scanner.Scan() {
			var m map[string]any
			if json.Unmarshal(scanner.Bytes(), &m) == nil {
				ch <- m
			}
		}
	}()
	return ch
}

// fakeSpawner hands out fakeHandles and records the configs it saw.
type fakeSpawner struct {
	mu      sync.Mutex
	configs []process.Config
	handles []*fakeHandle
	err     error
}

func (s *fakeSpawner) Spawn(ctx context.Context, cfg process.Config) (process.Handle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return nil, s.err
	}
	h := newFakeHandle(cfg.Command)
	s.configs = append(s.configs, cfg)
	s.handles = append(s.handles, h)
	return h, nil
}

func (s *fakeSpawner) lastConfig() process.Config {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.configs[len(s.configs)-1]
}

func (s *fakeSpawner) lastHandle() *fakeHandle {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.handles[len(s.handles)-1]
}

func recvLine(t *testing.T, ch <-chan map[string]any) map[string]any {
	t.Helper()
	select {
	case m, ok := <-ch:
		require.True(t, ok, "stdin closed before expected line")
		return m
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for line on agent stdin")
		return nil
	}
}
