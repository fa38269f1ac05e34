// Package process spawns and supervises the agent child processes grove
// runs. Three runtime variants sit behind one Handle abstraction: stdio
// pipes, a pseudo-terminal, and a docker container. Handles track activity
// for idle detection and enforce idle and hard timeouts with distinct error
// tags so callers can tell a timeout from a crash.
package process

import (
	"context"
	"errors"
	"io"
	"sync"
	"time"
)

// Mode selects the I/O shape of a spawned process.
type Mode string

const (
	// ModeStdio attaches separate stdin/stdout/stderr pipes.
	ModeStdio Mode = "stdio"
	// ModePTY runs the child inside a pseudo-terminal with merged output.
	ModePTY Mode = "pty"
)

// Terminal holds PTY geometry.
type Terminal struct {
	Cols int
	Rows int
	// Name is the TERM value exported to the child.
	Name string
}

// Config describes one child process to spawn.
type Config struct {
	Command string
	Args    []string
	Env     map[string]string
	Dir     string
	Mode    Mode

	Terminal Terminal

	// IdleTimeout terminates the child when it produces no output and
	// receives no input for this long. 0 disables.
	IdleTimeout time.Duration

	// HardTimeout terminates the child after this much wall time
	// regardless of activity. 0 disables.
	HardTimeout time.Duration

	// FanOutStdout pumps stdout to OnOutput observers instead of holding
	// it for an exclusive ClaimStdout consumer. Stdio and container modes
	// only; PTY output always fans out.
	FanOutStdout bool

	// Container applies when the handle is spawned on the container
	// runtime.
	Container ContainerSpec
}

// ExitResult describes how a child terminated. Err is nil for a clean exit;
// timeouts and explicit termination carry their cause so callers can
// distinguish them from a crash.
type ExitResult struct {
	Code int
	Err  error
}

// OutputFunc observes child output. stream is "stdout", "stderr" or "pty".
// Observers run on the handle's pump goroutine and must not block.
type OutputFunc func(stream string, data []byte)

// ErrStdoutClaimed is returned when stdout was already handed to an
// exclusive consumer.
var ErrStdoutClaimed = errors.New("stdout already claimed")

// ErrNotPTY is returned for PTY-only operations on a non-PTY handle.
var ErrNotPTY = errors.New("handle is not a pty")

// Handle supervises one child process. Write calls on the same handle are
// serialized; the observer operations (OnOutput, Done, Exit, metrics) are
// safe to use concurrently.
type Handle interface {
	ID() string
	PID() int
	StartedAt() time.Time
	LastActivity() time.Time

	// Write sends bytes to the child's stdin (or the PTY) and refreshes
	// the activity clock.
	Write(data []byte) (int, error)

	// CloseStdin closes the child's input stream. Agents that detect
	// end-of-input through EOF need this before they exit.
	CloseStdin() error

	// ClaimStdout hands the raw stdout stream to a single exclusive
	// consumer, e.g. a line-oriented protocol client. Once claimed,
	// stdout is no longer fanned out to OnOutput observers. Stdio
	// handles only.
	ClaimStdout() (io.Reader, error)

	// OnOutput registers an observer for child output.
	OnOutput(fn OutputFunc)

	// Resize changes the PTY window size. PTY handles only.
	Resize(cols, rows uint16) error

	// Done is closed when the child has exited.
	Done() <-chan struct{}

	// Exit returns the exit result. Valid only after Done is closed.
	Exit() ExitResult

	// Terminate requests a best-effort graceful stop: SIGTERM for stdio
	// children (with a SIGKILL escalation after a short grace window),
	// a direct kill for PTY children, a stop-then-kill for containers.
	Terminate(ctx context.Context) error
}

// procState carries the bookkeeping shared by all handle variants.
type procState struct {
	id        string
	startedAt time.Time

	mu           sync.Mutex
	lastActivity time.Time
	observers    []OutputFunc
	termCause    error // set before termination so wait() can tag the exit

	done     chan struct{}
	exitOnce sync.Once
	exit     ExitResult
}

func newProcState(id string) *procState {
	now := time.Now()
	return &procState{
		id:           id,
		startedAt:    now,
		lastActivity: now,
		done:         make(chan struct{}),
	}
}

func (s *procState) ID() string            { return s.id }
func (s *procState) StartedAt() time.Time  { return s.startedAt }
func (s *procState) Done() <-chan struct{} { return s.done }

func (s *procState) LastActivity() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastActivity
}

func (s *procState) touch() {
	s.mu.Lock()
	s.lastActivity = time.Now()
	s.mu.Unlock()
}

func (s *procState) OnOutput(fn OutputFunc) {
	s.mu.Lock()
	s.observers = append(s.observers, fn)
	s.mu.Unlock()
}

func (s *procState) emit(stream string, data []byte) {
	s.touch()
	s.mu.Lock()
	observers := make([]OutputFunc, len(s.observers))
	copy(observers, s.observers)
	s.mu.Unlock()
	for _, fn := range observers {
		fn(stream, data)
	}
}

// setTermCause records why the child is about to be terminated, first
// writer wins. wait() folds it into the ExitResult.
func (s *procState) setTermCause(err error) {
	s.mu.Lock()
	if s.termCause == nil {
		s.termCause = err
	}
	s.mu.Unlock()
}

func (s *procState) termCauseLocked() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.termCause
}

func (s *procState) finish(code int, err error) {
	s.exitOnce.Do(func() {
		if cause := s.termCauseLocked(); cause != nil {
			err = cause
		}
		s.exit = ExitResult{Code: code, Err: err}
		close(s.done)
	})
}

func (s *procState) Exit() ExitResult {
	select {
	case <-s.done:
		return s.exit
	default:
		return ExitResult{}
	}
}

// watchdog enforces idle and hard timeouts on a handle. It terminates the
// child with a tagged cause so the exit can be classified downstream.
func watchdog(h Handle, s *procState, cfg Config, idleErr, hardErr error) {
	var hardC <-chan time.Time
	if cfg.HardTimeout > 0 {
		hardTimer := time.NewTimer(cfg.HardTimeout)
		defer hardTimer.Stop()
		hardC = hardTimer.C
	}

	var idleC <-chan time.Time
	var idleTicker *time.Ticker
	if cfg.IdleTimeout > 0 {
		interval := cfg.IdleTimeout / 4
		if interval < 10*time.Millisecond {
			interval = 10 * time.Millisecond
		}
		idleTicker = time.NewTicker(interval)
		defer idleTicker.Stop()
		idleC = idleTicker.C
	}

	if hardC == nil && idleC == nil {
		return
	}

	for {
		select {
		case <-s.done:
			return
		case <-hardC:
			s.setTermCause(hardErr)
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			_ = h.Terminate(ctx)
			cancel()
			return
		case <-idleC:
			if time.Since(s.LastActivity()) >= cfg.IdleTimeout {
				s.setTermCause(idleErr)
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				_ = h.Terminate(ctx)
				cancel()
				return
			}
		}
	}
}
