package orchestrator

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/grovekit/grove/internal/common/logger"
)

func testServer(t *testing.T) *Server {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "json"})
	require.NoError(t, err)
	return New(Deps{Port: 0, Logger: log})
}

func TestStartBindsEphemeralPort(t *testing.T) {
	s := testServer(t)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, s.Start(ctx))
	defer func() { _ = s.Stop(context.Background()) }()

	port := s.Port()
	assert.NotZero(t, port)
	assert.Equal(t, fmt.Sprintf("http://127.0.0.1:%d/sse", port), s.SSEEndpoint())
	assert.Equal(t, fmt.Sprintf("http://127.0.0.1:%d/mcp", port), s.StreamableHTTPEndpoint())
}

func TestStartTwiceFails(t *testing.T) {
	s := testServer(t)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, s.Start(ctx))
	defer func() { _ = s.Stop(context.Background()) }()

	assert.Error(t, s.Start(ctx))
}

func TestStopIsIdempotent(t *testing.T) {
	s := testServer(t)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, s.Start(ctx))
	require.NoError(t, s.Stop(context.Background()))
	require.NoError(t, s.Stop(context.Background()))
}

func TestEnvForWorkflowCarriesEndpoints(t *testing.T) {
	s := testServer(t)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, s.Start(ctx))
	defer func() { _ = s.Stop(context.Background()) }()

	env := s.EnvForWorkflow("wf-1")
	assert.Equal(t, "wf-1", env["GROVE_WORKFLOW_ID"])
	assert.Equal(t, s.SSEEndpoint(), env["GROVE_MCP_SSE_URL"])
	assert.Equal(t, s.StreamableHTTPEndpoint(), env["GROVE_MCP_HTTP_URL"])
}
