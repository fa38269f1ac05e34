// Command grove runs the orchestration daemon: the HTTP and websocket
// gateway in front of the project registry, with per-project execution
// and workflow engines behind it.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/grovekit/grove/internal/common/config"
	"github.com/grovekit/grove/internal/common/errs"
	"github.com/grovekit/grove/internal/common/logger"
	"github.com/grovekit/grove/internal/common/tracing"
	"github.com/grovekit/grove/internal/events"
	"github.com/grovekit/grove/internal/gateway"
	"github.com/grovekit/grove/internal/process"
	"github.com/grovekit/grove/internal/project"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	log, err := logger.NewLogger(logger.LoggingConfig{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		OutputPath: cfg.Logging.OutputPath,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()
	logger.SetDefault(log)

	log.Info("starting grove",
		zap.String("data_dir", cfg.DataDir),
		zap.Int("port", cfg.Server.Port))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := tracing.Init(ctx, cfg.Tracing); err != nil {
		log.Warn("tracing disabled", zap.Error(err))
	}

	provided, busCleanup, err := events.Provide(cfg, log)
	if err != nil {
		log.Fatal("failed to initialize event bus", zap.Error(err))
	}
	defer busCleanup()

	spawner, err := process.NewManager(cfg.Execution, cfg.Docker, log)
	if err != nil {
		log.Fatal("failed to initialize process manager", zap.Error(err))
	}

	registry, err := project.NewRegistry(project.Deps{
		Config:  cfg,
		Bus:     provided.Bus,
		Spawner: spawner,
		Logger:  log,
	})
	if err != nil {
		log.Fatal("failed to initialize project registry", zap.Error(err))
	}

	server := gateway.New(gateway.Deps{
		Config:   cfg,
		Registry: registry,
		Bus:      provided.Bus,
		Logger:   log,
	})
	serverErr := make(chan error, 1)
	go func() {
		serverErr <- server.Start(ctx)
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-quit:
		log.Info("shutdown signal received")
	case err := <-serverErr:
		if err != nil {
			log.Error("gateway failed", zap.Error(err))
		}
	}

	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), project.ShutdownDeadline)
	defer shutdownCancel()

	if err := server.Stop(shutdownCtx); err != nil {
		log.Error("gateway shutdown failed", zap.Error(err))
	}
	if err := registry.Shutdown(shutdownCtx); err != nil {
		log.Error("registry shutdown failed", zap.Error(err))
		if errors.Is(err, errs.ErrShutdownTimeout) {
			log.Error("shutdown deadline exceeded, forcing exit")
			_ = log.Sync()
			os.Exit(1)
		}
	}
	if err := spawner.Shutdown(shutdownCtx); err != nil {
		log.Warn("process manager shutdown incomplete", zap.Error(err))
	}
	if err := tracing.Shutdown(shutdownCtx); err != nil {
		log.Warn("tracing shutdown failed", zap.Error(err))
	}

	log.Info("grove stopped")
}
