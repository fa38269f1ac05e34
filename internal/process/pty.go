package process

import (
	"context"
	"fmt"
	"io"
	"os/exec"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/grovekit/grove/internal/common/errs"
)

// ptyHandle runs a child inside a pseudo-terminal. Output is the merged
// terminal byte stream; an optional Screen mirrors it so callers can
// snapshot visible terminal contents.
type ptyHandle struct {
	*procState
	cmd *exec.Cmd
	pty PtyHandle

	writeMu sync.Mutex

	screenMu sync.Mutex
	screen   *Screen
}

func newPTYHandle(ctx context.Context, cfg Config) (*ptyHandle, error) {
	cmd := exec.Command(cfg.Command, cfg.Args...)
	cmd.Dir = cfg.Dir
	env := cfg.Env
	if cfg.Terminal.Name != "" {
		if env == nil {
			env = make(map[string]string, 1)
		}
		env["TERM"] = cfg.Terminal.Name
	}
	cmd.Env = mergeEnv(env)

	cols, rows := cfg.Terminal.Cols, cfg.Terminal.Rows
	if cols <= 0 {
		cols = 120
	}
	if rows <= 0 {
		rows = 40
	}

	pty, err := startPTYWithSize(cmd, cols, rows)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errs.ErrAgentSpawnFailure, err)
	}
	if cmd.Process == nil || cmd.Process.Pid <= 0 {
		_ = pty.Close()
		return nil, fmt.Errorf("%w: no pid assigned", errs.ErrAgentSpawnFailure)
	}

	h := &ptyHandle{
		procState: newProcState(uuid.New().String()),
		cmd:       cmd,
		pty:       pty,
	}

	go h.pump()
	go h.waitLoop()
	go watchdog(h, h.procState, cfg, errs.ErrIdleTimeout, errs.ErrHardTimeout)

	return h, nil
}

func (h *ptyHandle) PID() int {
	if h.cmd.Process == nil {
		return 0
	}
	return h.cmd.Process.Pid
}

func (h *ptyHandle) Write(data []byte) (int, error) {
	h.writeMu.Lock()
	defer h.writeMu.Unlock()
	h.touch()
	return h.pty.Write(data)
}

// CloseStdin has no separate input stream to close on a PTY.
func (h *ptyHandle) CloseStdin() error { return nil }

func (h *ptyHandle) ClaimStdout() (io.Reader, error) {
	return nil, fmt.Errorf("pty output is fan-out only: %w", ErrStdoutClaimed)
}

func (h *ptyHandle) Resize(cols, rows uint16) error {
	if err := h.pty.Resize(cols, rows); err != nil {
		return err
	}
	h.screenMu.Lock()
	if h.screen != nil {
		h.screen.Resize(int(cols), int(rows))
	}
	h.screenMu.Unlock()
	return nil
}

// AttachScreen mirrors the PTY byte stream into a vt10x screen so tool
// callbacks can read the visible terminal contents.
func (h *ptyHandle) AttachScreen(cols, rows int) *Screen {
	h.screenMu.Lock()
	defer h.screenMu.Unlock()
	if h.screen == nil {
		h.screen = NewScreen(cols, rows)
	}
	return h.screen
}

func (h *ptyHandle) pump() {
	data := make([]byte, 4096)
	for {
		n, err := h.pty.Read(data)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, data[:n])
			h.screenMu.Lock()
			if h.screen != nil {
				h.screen.Feed(chunk)
			}
			h.screenMu.Unlock()
			h.emit("pty", chunk)
		}
		if err != nil {
			// PTY read errors mean the child side is gone.
			return
		}
	}
}

func (h *ptyHandle) waitLoop() {
	err := h.cmd.Wait()
	_ = h.pty.Close()
	code := 0
	if err != nil {
		code = exitCodeOf(err)
	}
	h.finish(code, nil)
}

// Terminate kills the child directly; PTY children have no reliable
// SIGTERM contract through the terminal.
func (h *ptyHandle) Terminate(ctx context.Context) error {
	select {
	case <-h.done:
		return nil
	default:
	}
	if h.cmd.Process != nil {
		signalGroup(h.cmd.Process, true)
	}
	select {
	case <-h.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(2 * time.Second):
		return fmt.Errorf("pty process %d did not exit after kill", h.PID())
	}
}
