// Package gateway serves grove's HTTP API and the websocket stream. The
// REST surface under /api/v1 drives the engines through the project
// registry; /ws bridges the event bus to connected clients with
// trajectory replay from the log store.
package gateway

import (
	"context"
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/grovekit/grove/internal/common/config"
	"github.com/grovekit/grove/internal/common/httpmw"
	"github.com/grovekit/grove/internal/common/logger"
	"github.com/grovekit/grove/internal/events/bus"
	"github.com/grovekit/grove/internal/gateway/websocket"
	"github.com/grovekit/grove/internal/project"
)

// Deps collects the gateway's collaborators.
type Deps struct {
	Config   *config.Config
	Registry *project.Registry
	Bus      bus.EventBus
	Logger   *logger.Logger
}

// Server is the HTTP and websocket front of the daemon.
type Server struct {
	cfg      *config.Config
	registry *project.Registry
	hub      *websocket.Hub
	log      *logger.Logger

	httpServer *http.Server
}

// New builds the server and its routes.
func New(d Deps) *Server {
	log := d.Logger
	if log == nil {
		log = logger.Default()
	}
	s := &Server{
		cfg:      d.Config,
		registry: d.Registry,
		hub:      websocket.NewHub(d.Registry, d.Bus, log),
		log:      log.WithFields(zap.String("component", "gateway")),
	}

	if d.Config.Logging.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(httpmw.RequestLogger(log, "gateway"))
	router.Use(httpmw.OtelTracing("gateway"))
	router.Use(gin.Recovery())

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	h := newHandler(d.Registry, log)
	api := router.Group("/api/v1")
	{
		api.POST("/projects", h.openProject)
		api.GET("/projects", h.listProjects)

		proj := api.Group("/projects/:projectId")
		{
			proj.GET("", h.getProject)

			proj.POST("/issues", h.createIssue)
			proj.GET("/issues", h.listIssues)
			proj.GET("/issues/:issueId", h.getIssue)
			proj.PATCH("/issues/:issueId", h.updateIssue)
			proj.DELETE("/issues/:issueId", h.deleteIssue)

			proj.POST("/specs", h.createSpec)
			proj.GET("/specs/:specId", h.getSpec)
			proj.POST("/relationships", h.createRelationship)

			proj.POST("/executions", h.createExecution)
			proj.GET("/executions", h.listExecutions)
			proj.GET("/executions/:executionId", h.getExecution)
			proj.POST("/executions/:executionId/cancel", h.cancelExecution)
			proj.POST("/executions/:executionId/followup", h.followUpExecution)
			proj.POST("/executions/:executionId/permission", h.respondToPermission)
			proj.DELETE("/executions/:executionId/worktree", h.cleanupExecutionWorktree)
			proj.GET("/executions/:executionId/trajectory", h.readTrajectory)

			proj.POST("/workflows", h.createWorkflow)
			proj.GET("/workflows", h.listWorkflows)
			proj.GET("/workflows/:workflowId", h.getWorkflow)
			proj.POST("/workflows/:workflowId/start", h.startWorkflow)
			proj.POST("/workflows/:workflowId/pause", h.pauseWorkflow)
			proj.POST("/workflows/:workflowId/resume", h.resumeWorkflow)
			proj.POST("/workflows/:workflowId/cancel", h.cancelWorkflow)
			proj.POST("/workflows/:workflowId/decision", h.submitDecision)
		}
	}

	router.GET("/ws", s.hub.ServeWS)

	s.httpServer = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", d.Config.Server.Host, d.Config.Server.Port),
		Handler:      router,
		ReadTimeout:  d.Config.Server.ReadTimeoutDuration(),
		WriteTimeout: d.Config.Server.WriteTimeoutDuration(),
	}
	return s
}

// Router exposes the handler for tests.
func (s *Server) Router() http.Handler { return s.httpServer.Handler }

// Start serves until ctx is cancelled or the listener fails.
func (s *Server) Start(ctx context.Context) error {
	go s.hub.Run(ctx)

	errCh := make(chan error, 1)
	go func() {
		s.log.Info("http server listening", zap.String("addr", s.httpServer.Addr))
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("http server failed: %w", err)
	case <-ctx.Done():
		return nil
	}
}

// Stop drains open connections.
func (s *Server) Stop(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}
