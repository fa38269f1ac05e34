package agent

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/grovekit/grove/internal/common/logger"
	"github.com/grovekit/grove/internal/process"
	"github.com/grovekit/grove/internal/trajectory"
)

// Spawner starts supervised child processes. Satisfied by *process.Manager.
type Spawner interface {
	Spawn(ctx context.Context, cfg process.Config) (process.Handle, error)
}

// Options carries per-session settings the caller chooses at build time.
type Options struct {
	WorkDir        string
	Env            map[string]string
	PermissionMode string // interactive or auto-approve
	IdleTimeout    time.Duration
	HardTimeout    time.Duration
}

// Builder produces protocol adapters keyed by agent type.
type Builder struct {
	catalog *Catalog
	spawner Spawner
	logger  *logger.Logger
}

// NewBuilder creates an adapter builder over the given catalog and spawner.
func NewBuilder(catalog *Catalog, spawner Spawner, log *logger.Logger) *Builder {
	return &Builder{
		catalog: catalog,
		spawner: spawner,
		logger:  log.WithFields(zap.String("component", "agent-builder")),
	}
}

// Build creates an adapter for agentType. The child process is not spawned
// until the first Run or Resume call.
func (b *Builder) Build(agentType string, opts Options) (Adapter, error) {
	def, err := b.catalog.Lookup(agentType)
	if err != nil {
		return nil, err
	}
	if opts.PermissionMode == "" {
		opts.PermissionMode = PermissionInteractive
	}

	switch def.Transport {
	case TransportStreamJSON:
		return newStreamJSONAdapter(def, opts, b.spawner, b.logger), nil
	case TransportACP:
		return newACPAdapter(def, opts, b.spawner, b.logger), nil
	default:
		return nil, fmt.Errorf("agent type %q: unknown transport %q", agentType, def.Transport)
	}
}

// mergeEnv overlays per-session environment on the catalog defaults.
func mergeEnv(base, overlay map[string]string) map[string]string {
	env := make(map[string]string, len(base)+len(overlay))
	for k, v := range base {
		env[k] = v
	}
	for k, v := range overlay {
		env[k] = v
	}
	return env
}

// turn is one finite entry stream handed to the caller of Run, Resume or
// InterruptWith. Emission never blocks the protocol read loop: a full buffer
// drops entries, mirroring the bus's slow-subscriber policy.
type turn struct {
	mu     sync.Mutex
	ch     chan trajectory.Entry
	closed bool
}

func newTurn() *turn {
	return &turn{ch: make(chan trajectory.Entry, 1024)}
}

func (t *turn) emit(e trajectory.Entry) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return false
	}
	select {
	case t.ch <- e:
		return true
	default:
		return false
	}
}

func (t *turn) done() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed
}

func (t *turn) finish() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return
	}
	t.closed = true
	close(t.ch)
}
