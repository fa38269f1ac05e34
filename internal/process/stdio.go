package process

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/grovekit/grove/internal/common/errs"
)

// stdioHandle runs a child with separate stdin/stdout/stderr pipes. This is
// the runtime for structured agents speaking a line protocol over stdio.
type stdioHandle struct {
	*procState
	cmd *exec.Cmd

	stdin  io.WriteCloser
	stdout io.ReadCloser
	stderr io.ReadCloser

	writeMu       sync.Mutex
	stdinClosedMu sync.Mutex
	stdinClosed   bool

	claimMu       sync.Mutex
	stdoutClaimed bool
}

func newStdioHandle(ctx context.Context, cfg Config) (*stdioHandle, error) {
	cmd := exec.Command(cfg.Command, cfg.Args...)
	cmd.Dir = cfg.Dir
	cmd.Env = mergeEnv(cfg.Env)
	setProcAttr(cmd)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("%w: failed to attach stdin: %v", errs.ErrAgentSpawnFailure, err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("%w: failed to attach stdout: %v", errs.ErrAgentSpawnFailure, err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("%w: failed to attach stderr: %v", errs.ErrAgentSpawnFailure, err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("%w: %v", errs.ErrAgentSpawnFailure, err)
	}
	if cmd.Process == nil || cmd.Process.Pid <= 0 {
		_ = cmd.Process.Kill()
		return nil, fmt.Errorf("%w: no pid assigned", errs.ErrAgentSpawnFailure)
	}

	h := &stdioHandle{
		procState: newProcState(uuid.New().String()),
		cmd:       cmd,
		stdin:     stdin,
		stdout:    stdout,
		stderr:    stderr,
	}

	go h.pump(stderr, "stderr")
	if cfg.FanOutStdout {
		h.stdoutClaimed = true
		go h.pump(stdout, "stdout")
	}
	go h.waitLoop()
	go watchdog(h, h.procState, cfg, errs.ErrIdleTimeout, errs.ErrHardTimeout)

	return h, nil
}

func (h *stdioHandle) PID() int {
	if h.cmd.Process == nil {
		return 0
	}
	return h.cmd.Process.Pid
}

func (h *stdioHandle) Write(data []byte) (int, error) {
	h.writeMu.Lock()
	defer h.writeMu.Unlock()
	h.touch()
	return h.stdin.Write(data)
}

func (h *stdioHandle) CloseStdin() error {
	h.stdinClosedMu.Lock()
	defer h.stdinClosedMu.Unlock()
	if h.stdinClosed {
		return nil
	}
	h.stdinClosed = true
	return h.stdin.Close()
}

// ClaimStdout hands stdout to an exclusive consumer. Reads refresh the
// activity clock so idle detection keeps working for claimed streams.
func (h *stdioHandle) ClaimStdout() (io.Reader, error) {
	h.claimMu.Lock()
	defer h.claimMu.Unlock()
	if h.stdoutClaimed {
		return nil, ErrStdoutClaimed
	}
	h.stdoutClaimed = true
	return &activityReader{r: h.stdout, state: h.procState}, nil
}

func (h *stdioHandle) pump(r io.Reader, stream string) {
	buf := bufio.NewReader(r)
	data := make([]byte, 4096)
	for {
		n, err := buf.Read(data)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, data[:n])
			h.emit(stream, chunk)
		}
		if err != nil {
			return
		}
	}
}

func (h *stdioHandle) waitLoop() {
	err := h.cmd.Wait()
	code := 0
	if err != nil {
		code = exitCodeOf(err)
	}
	h.finish(code, nil)
}

func (h *stdioHandle) Resize(cols, rows uint16) error { return ErrNotPTY }

// Terminate sends SIGTERM to the child's process group and escalates to
// SIGKILL when it does not exit within the grace window (2s, or earlier if
// ctx expires).
func (h *stdioHandle) Terminate(ctx context.Context) error {
	if h.cmd.Process == nil {
		return nil
	}
	select {
	case <-h.done:
		return nil
	default:
	}

	signalGroup(h.cmd.Process, false)

	grace := time.NewTimer(2 * time.Second)
	defer grace.Stop()
	select {
	case <-h.done:
		return nil
	case <-ctx.Done():
	case <-grace.C:
	}

	signalGroup(h.cmd.Process, true)
	select {
	case <-h.done:
		return nil
	case <-time.After(2 * time.Second):
		return fmt.Errorf("process %d did not exit after kill", h.PID())
	}
}

// activityReader refreshes the handle's activity clock on every read so a
// claimed stdout still feeds idle detection.
type activityReader struct {
	r     io.Reader
	state *procState
}

func (a *activityReader) Read(p []byte) (int, error) {
	n, err := a.r.Read(p)
	if n > 0 {
		a.state.touch()
	}
	return n, err
}

// mergeEnv layers overrides on top of the parent environment.
func mergeEnv(env map[string]string) []string {
	if len(env) == 0 {
		return os.Environ()
	}
	base := make(map[string]string)
	for _, entry := range os.Environ() {
		if eq := strings.IndexByte(entry, '='); eq >= 0 {
			base[entry[:eq]] = entry[eq+1:]
		}
	}
	for k, v := range env {
		base[k] = v
	}
	merged := make([]string, 0, len(base))
	for k, v := range base {
		merged = append(merged, k+"="+v)
	}
	return merged
}
