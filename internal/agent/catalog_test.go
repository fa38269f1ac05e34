package agent

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/grovekit/grove/internal/common/errs"
)

func TestBuiltinCatalog(t *testing.T) {
	catalog, err := LoadCatalog("")
	require.NoError(t, err)

	claude, err := catalog.Lookup("claude")
	require.NoError(t, err)
	assert.Equal(t, TransportStreamJSON, claude.Transport)
	assert.True(t, claude.Capabilities.Fork)
	assert.Contains(t, claude.Args, "--permission-prompt-tool")

	gemini, err := catalog.Lookup("gemini")
	require.NoError(t, err)
	assert.Equal(t, TransportACP, gemini.Transport)

	_, err = catalog.Lookup("hal9000")
	require.ErrorIs(t, err, errs.ErrNotFound)

	assert.ElementsMatch(t, []string{"claude", "stub", "gemini", "opencode"}, catalog.Types())
}

func TestLoadCatalogMergesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "agents.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
agents:
  - type: claude
    transport: stream-json
    command: /opt/claude/bin/claude
    args: ["--output-format", "stream-json"]
    capabilities:
      resume: true
  - type: aider
    transport: acp
    command: aider
    env:
      AIDER_MODE: acp
    capabilities:
      fork: true
`), 0o644))

	catalog, err := LoadCatalog(path)
	require.NoError(t, err)

	// File definitions replace builtins of the same type.
	claude, err := catalog.Lookup("claude")
	require.NoError(t, err)
	assert.Equal(t, "/opt/claude/bin/claude", claude.Command)
	assert.False(t, claude.Capabilities.Fork)

	aider, err := catalog.Lookup("aider")
	require.NoError(t, err)
	assert.Equal(t, TransportACP, aider.Transport)
	assert.Equal(t, "acp", aider.Env["AIDER_MODE"])

	// Untouched builtins survive the merge.
	_, err = catalog.Lookup("stub")
	require.NoError(t, err)
}

func TestLoadCatalogRejectsBadDefinitions(t *testing.T) {
	tests := []struct {
		name string
		yaml string
	}{
		{"missing type", "agents:\n  - transport: acp\n    command: x\n"},
		{"unknown transport", "agents:\n  - type: x\n    transport: grpc\n    command: x\n"},
		{"missing command", "agents:\n  - type: x\n    transport: acp\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "agents.yaml")
			require.NoError(t, os.WriteFile(path, []byte(tt.yaml), 0o644))
			_, err := LoadCatalog(path)
			require.Error(t, err)
		})
	}
}

func TestLoadCatalogMissingFile(t *testing.T) {
	_, err := LoadCatalog(filepath.Join(t.TempDir(), "nope.yaml"))
	require.Error(t, err)
}

func TestExpandResumeArgs(t *testing.T) {
	args := expandResumeArgs([]string{"--resume", "{sessionId}", "--verbose"}, "sess-42")
	assert.Equal(t, []string{"--resume", "sess-42", "--verbose"}, args)
}
