// Package orchestrator serves the workflow tool API over MCP so any agent
// that speaks the protocol can drive a workflow. Both the SSE transport
// (/sse) and the streamable HTTP transport (/mcp) are exposed on one local
// port; orchestrator executions get the endpoint injected through their
// environment.
package orchestrator

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"sync"

	"github.com/mark3labs/mcp-go/server"
	"go.uber.org/zap"

	"github.com/grovekit/grove/internal/common/logger"
	"github.com/grovekit/grove/internal/entity"
	"github.com/grovekit/grove/internal/logstore"
	"github.com/grovekit/grove/internal/workflow"
)

// ExecutionReader is the read side of the execution engine the tools query.
type ExecutionReader interface {
	Get(ctx context.Context, executionID string) (*entity.Execution, error)
	Cancel(ctx context.Context, executionID string) error
}

// Deps collects the tool server's collaborators.
type Deps struct {
	Port       int
	Workflows  *workflow.Engine
	Executions ExecutionReader
	Logs       *logstore.Store
	Logger     *logger.Logger
}

// Server hosts the workflow tools over both MCP transports.
type Server struct {
	port  int
	wfs   *workflow.Engine
	execs ExecutionReader
	logs  *logstore.Store
	log   *logger.Logger

	mu         sync.Mutex
	running    bool
	httpServer *http.Server
	sse        *server.SSEServer
	streamable *server.StreamableHTTPServer
}

// New creates the orchestrator tool server.
func New(d Deps) *Server {
	log := d.Logger
	if log == nil {
		log = logger.Default()
	}
	return &Server{
		port:  d.Port,
		wfs:   d.Workflows,
		execs: d.Executions,
		logs:  d.Logs,
		log:   log.WithFields(zap.String("component", "orchestrator-mcp")),
	}
}

// Start begins listening and returns once the server accepts connections.
// Port 0 picks a free port; Port() reports the bound one.
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return fmt.Errorf("orchestrator server already running")
	}
	s.mu.Unlock()

	mcpServer := server.NewMCPServer(
		"grove-orchestrator",
		"1.0.0",
		server.WithToolCapabilities(true),
	)
	s.registerTools(mcpServer)

	s.sse = server.NewSSEServer(mcpServer)
	s.streamable = server.NewStreamableHTTPServer(mcpServer,
		server.WithEndpointPath("/mcp"),
	)

	mux := http.NewServeMux()
	mux.Handle("/sse", s.sse.SSEHandler())
	mux.Handle("/message", s.sse.MessageHandler())
	mux.Handle("/mcp", s.streamable)

	listener, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", s.port))
	if err != nil {
		return fmt.Errorf("failed to listen on port %d: %w", s.port, err)
	}
	if tcpAddr, ok := listener.Addr().(*net.TCPAddr); ok {
		s.port = tcpAddr.Port
	}
	s.httpServer = &http.Server{Handler: mux}

	ready := make(chan struct{})
	go func() {
		s.mu.Lock()
		s.running = true
		s.mu.Unlock()
		close(ready)

		s.log.Info("orchestrator tool server listening", zap.Int("port", s.port))
		if err := s.httpServer.Serve(listener); err != nil && err != http.ErrServerClosed {
			s.log.Error("orchestrator tool server error", zap.Error(err))
		}

		s.mu.Lock()
		s.running = false
		s.mu.Unlock()
	}()

	select {
	case <-ready:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stop drains both transports.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	running := s.running
	s.mu.Unlock()
	if !running {
		return nil
	}
	if s.httpServer != nil {
		if err := s.httpServer.Shutdown(ctx); err != nil {
			return fmt.Errorf("failed to shut down orchestrator server: %w", err)
		}
	}
	if s.sse != nil {
		if err := s.sse.Shutdown(ctx); err != nil {
			s.log.Warn("failed to shut down SSE transport", zap.Error(err))
		}
	}
	if s.streamable != nil {
		if err := s.streamable.Shutdown(ctx); err != nil {
			s.log.Warn("failed to shut down streamable HTTP transport", zap.Error(err))
		}
	}
	return nil
}

// Port returns the bound port, meaningful after Start.
func (s *Server) Port() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.port
}

// SSEEndpoint returns the URL for SSE-transport clients.
func (s *Server) SSEEndpoint() string {
	return fmt.Sprintf("http://127.0.0.1:%d/sse", s.Port())
}

// StreamableHTTPEndpoint returns the URL for streamable-HTTP clients.
func (s *Server) StreamableHTTPEndpoint() string {
	return fmt.Sprintf("http://127.0.0.1:%d/mcp", s.Port())
}
