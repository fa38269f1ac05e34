// Package project hosts multiple independent projects inside one daemon.
// Each project wraps a git repository and owns the full vertical for it:
// entity store, log store, worktree manager, execution engine, wakeup
// service, workflow engine and the embedded orchestrator tool server.
// The registry hands out handles keyed by project id and tears everything
// down on shutdown.
package project

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/grovekit/grove/internal/common/logger"
	"github.com/grovekit/grove/internal/db"
	"github.com/grovekit/grove/internal/entity"
	"github.com/grovekit/grove/internal/events/bus"
	"github.com/grovekit/grove/internal/execution"
	"github.com/grovekit/grove/internal/logstore"
	"github.com/grovekit/grove/internal/orchestrator"
	"github.com/grovekit/grove/internal/wakeup"
	"github.com/grovekit/grove/internal/workflow"
	"github.com/grovekit/grove/internal/worktree"
)

// Project is one open repository with its engines wired and recovered.
type Project struct {
	ID        string    `json:"id"`
	RepoPath  string    `json:"repo_path"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"created_at"`

	pool      *db.Pool
	store     entity.Store
	logs      *logstore.Store
	bus       bus.EventBus
	worktrees *worktree.Manager
	execs     *execution.Engine
	wakeups   *wakeup.Service
	workflows *workflow.Engine
	mcp       *orchestrator.Server

	janitorStop chan struct{}

	log *logger.Logger
}

// startJanitor purges trajectory logs older than maxAge once an hour.
func (p *Project) startJanitor(maxAge time.Duration) {
	p.janitorStop = make(chan struct{})
	go func() {
		ticker := time.NewTicker(time.Hour)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				purged, err := p.logs.Purge(maxAge)
				if err != nil {
					p.log.Warn("log retention purge failed",
						zap.String("project_id", p.ID), zap.Error(err))
				} else if purged > 0 {
					p.log.Info("purged expired trajectory logs",
						zap.String("project_id", p.ID), zap.Int("purged", purged))
				}
			case <-p.janitorStop:
				return
			}
		}
	}()
}

// Store exposes the project's entity store.
func (p *Project) Store() entity.Store { return p.store }

// Logs exposes the project's trajectory log store.
func (p *Project) Logs() *logstore.Store { return p.logs }

// Worktrees exposes the project's worktree manager.
func (p *Project) Worktrees() *worktree.Manager { return p.worktrees }

// Executions exposes the project's execution engine.
func (p *Project) Executions() *execution.Engine { return p.execs }

// Workflows exposes the project's workflow engine.
func (p *Project) Workflows() *workflow.Engine { return p.workflows }

// Wakeups exposes the project's wakeup service.
func (p *Project) Wakeups() *wakeup.Service { return p.wakeups }

// Orchestrator returns the embedded MCP tool server, or nil when disabled.
func (p *Project) Orchestrator() *orchestrator.Server { return p.mcp }

// close tears the project down in dependency order: stop drivers first so
// they stop issuing execution commands, then drain executions, then timers,
// then the tool server, finally the stores. Errors are collected; close
// keeps going so a stuck engine cannot leak the rest.
func (p *Project) close(ctx context.Context) error {
	var errList []error

	if p.janitorStop != nil {
		close(p.janitorStop)
	}
	if err := p.workflows.Shutdown(ctx); err != nil {
		errList = append(errList, fmt.Errorf("workflow engine: %w", err))
	}
	if err := p.execs.Shutdown(ctx); err != nil {
		errList = append(errList, fmt.Errorf("execution engine: %w", err))
	}
	p.wakeups.Close()
	if p.mcp != nil {
		if err := p.mcp.Stop(ctx); err != nil {
			errList = append(errList, fmt.Errorf("orchestrator server: %w", err))
		}
	}
	if err := p.logs.Close(); err != nil {
		errList = append(errList, fmt.Errorf("log store: %w", err))
	}
	if err := p.pool.Close(); err != nil {
		errList = append(errList, fmt.Errorf("entity store: %w", err))
	}

	if len(errList) > 0 {
		p.log.Warn("project closed with errors",
			zap.String("project_id", p.ID), zap.Int("errors", len(errList)))
		return errors.Join(errList...)
	}
	p.log.Info("project closed", zap.String("project_id", p.ID))
	return nil
}
