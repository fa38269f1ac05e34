package process

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/grovekit/grove/internal/common/config"
	"github.com/grovekit/grove/internal/common/logger"
)

// Runtime names where agent processes run.
const (
	RuntimeHost      = "host"
	RuntimeContainer = "container"
)

// Manager spawns agent processes and tracks live handles so they can be
// looked up by id and torn down together on shutdown.
type Manager struct {
	logger  *logger.Logger
	runtime string
	docker  *DockerRuntime

	mu      sync.Mutex
	handles map[string]Handle
}

// NewManager creates a process manager. The docker runtime is only connected
// when the configured runtime is "container".
func NewManager(cfg config.ExecutionConfig, dockerCfg config.DockerConfig, log *logger.Logger) (*Manager, error) {
	m := &Manager{
		logger:  log.WithFields(zap.String("component", "process-manager")),
		runtime: cfg.Runtime,
		handles: make(map[string]Handle),
	}
	if m.runtime == "" {
		m.runtime = RuntimeHost
	}

	if m.runtime == RuntimeContainer {
		docker, err := NewDockerRuntime(dockerCfg, log)
		if err != nil {
			return nil, err
		}
		m.docker = docker
	}

	return m, nil
}

// Spawn starts a child process for cfg on the configured runtime and
// registers its handle. The handle is unregistered automatically when the
// child exits.
func (m *Manager) Spawn(ctx context.Context, cfg Config) (Handle, error) {
	var (
		h   Handle
		err error
	)
	switch m.runtime {
	case RuntimeContainer:
		h, err = m.docker.Spawn(ctx, cfg)
	default:
		switch cfg.Mode {
		case ModePTY:
			h, err = newPTYHandle(ctx, cfg)
		default:
			h, err = newStdioHandle(ctx, cfg)
		}
	}
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	m.handles[h.ID()] = h
	m.mu.Unlock()

	m.logger.Info("process spawned",
		zap.String("process_id", h.ID()),
		zap.Int("pid", h.PID()),
		zap.String("command", cfg.Command),
		zap.String("mode", string(cfg.Mode)))

	go func() {
		<-h.Done()
		m.mu.Lock()
		delete(m.handles, h.ID())
		m.mu.Unlock()
	}()

	return h, nil
}

// Get returns a live handle by id.
func (m *Manager) Get(id string) (Handle, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	h, ok := m.handles[id]
	return h, ok
}

// Count returns the number of live handles.
func (m *Manager) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.handles)
}

// Shutdown terminates every live process and waits for them to exit or for
// ctx to expire.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	handles := make([]Handle, 0, len(m.handles))
	for _, h := range m.handles {
		handles = append(handles, h)
	}
	m.mu.Unlock()

	if len(handles) > 0 {
		m.logger.Info("terminating processes", zap.Int("count", len(handles)))
	}

	var wg sync.WaitGroup
	errCh := make(chan error, len(handles))
	for _, h := range handles {
		wg.Add(1)
		go func(h Handle) {
			defer wg.Done()
			if err := h.Terminate(ctx); err != nil {
				errCh <- fmt.Errorf("process %s: %w", h.ID(), err)
			}
		}(h)
	}
	wg.Wait()
	close(errCh)

	if m.docker != nil {
		_ = m.docker.Close()
	}

	for err := range errCh {
		return err
	}
	return nil
}
