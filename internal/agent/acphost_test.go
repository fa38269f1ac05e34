package agent

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/coder/acp-go-sdk"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/grovekit/grove/internal/process"
)

func testHost(t *testing.T, autoAllow bool) (*acpHost, *fakeSpawner, string) {
	t.Helper()
	root := t.TempDir()
	spawner := &fakeSpawner{}
	return newACPHost(root, spawner, autoAllow, testLogger(t)), spawner, root
}

func TestReadTextFileScopedToWorkspace(t *testing.T) {
	host, _, root := testHost(t, true)
	require.NoError(t, os.WriteFile(filepath.Join(root, "notes.txt"), []byte("one\ntwo\nthree\nfour"), 0o644))

	ctx := context.Background()

	resp, err := host.ReadTextFile(ctx, acp.ReadTextFileRequest{Path: "notes.txt"})
	require.NoError(t, err)
	assert.Equal(t, "one\ntwo\nthree\nfour", resp.Content)

	// Absolute paths inside the workspace work too.
	resp, err = host.ReadTextFile(ctx, acp.ReadTextFileRequest{Path: filepath.Join(root, "notes.txt")})
	require.NoError(t, err)
	assert.Equal(t, "one\ntwo\nthree\nfour", resp.Content)

	_, err = host.ReadTextFile(ctx, acp.ReadTextFileRequest{Path: "../outside.txt"})
	require.Error(t, err)

	_, err = host.ReadTextFile(ctx, acp.ReadTextFileRequest{Path: "/etc/passwd"})
	require.Error(t, err)
}

func TestReadTextFileLineWindow(t *testing.T) {
	host, _, root := testHost(t, true)
	require.NoError(t, os.WriteFile(filepath.Join(root, "notes.txt"), []byte("one\ntwo\nthree\nfour"), 0o644))

	line := 2
	limit := 2
	resp, err := host.ReadTextFile(context.Background(), acp.ReadTextFileRequest{
		Path:  "notes.txt",
		Line:  &line,
		Limit: &limit,
	})
	require.NoError(t, err)
	assert.Equal(t, "two\nthree", resp.Content)
}

func TestWriteTextFileCreatesParents(t *testing.T) {
	host, _, root := testHost(t, true)

	_, err := host.WriteTextFile(context.Background(), acp.WriteTextFileRequest{
		Path:    "pkg/util/helper.go",
		Content: "package util\n",
	})
	require.NoError(t, err)

	data, err := os.ReadFile(filepath.Join(root, "pkg", "util", "helper.go"))
	require.NoError(t, err)
	assert.Equal(t, "package util\n", string(data))

	_, err = host.WriteTextFile(context.Background(), acp.WriteTextFileRequest{
		Path:    "../escape.go",
		Content: "nope",
	})
	require.Error(t, err)
}

func TestAutoAllowPicksAllowOption(t *testing.T) {
	host, _, _ := testHost(t, true)

	resp, err := host.RequestPermission(context.Background(), acp.RequestPermissionRequest{
		Options: []acp.PermissionOption{
			{OptionId: "reject", Kind: acp.PermissionOptionKind("reject_once")},
			{OptionId: "accept", Kind: acp.PermissionOptionKindAllowOnce},
		},
	})
	require.NoError(t, err)
	require.NotNil(t, resp.Outcome.Selected)
	assert.Equal(t, acp.PermissionOptionId("accept"), resp.Outcome.Selected.OptionId)
}

func TestPermissionWithoutHandlerIsCancelled(t *testing.T) {
	host, _, _ := testHost(t, false)

	resp, err := host.RequestPermission(context.Background(), acp.RequestPermissionRequest{
		Options: []acp.PermissionOption{{OptionId: "accept", Kind: acp.PermissionOptionKindAllowOnce}},
	})
	require.NoError(t, err)
	assert.NotNil(t, resp.Outcome.Cancelled)
}

func TestPermissionForwardedToHandler(t *testing.T) {
	host, _, _ := testHost(t, false)
	host.setPermissionHandler(func(ctx context.Context, requestID string, req acp.RequestPermissionRequest) (string, bool) {
		return "accept", false
	})

	resp, err := host.RequestPermission(context.Background(), acp.RequestPermissionRequest{
		Options: []acp.PermissionOption{{OptionId: "accept", Kind: acp.PermissionOptionKindAllowOnce}},
	})
	require.NoError(t, err)
	require.NotNil(t, resp.Outcome.Selected)
	assert.Equal(t, acp.PermissionOptionId("accept"), resp.Outcome.Selected.OptionId)
}

func TestTerminalLifecycle(t *testing.T) {
	host, spawner, _ := testHost(t, true)
	ctx := context.Background()

	created, err := host.CreateTerminal(ctx, acp.CreateTerminalRequest{Command: "make test"})
	require.NoError(t, err)
	require.NotEmpty(t, created.TerminalId)

	cfg := spawner.lastConfig()
	assert.Equal(t, process.ModePTY, cfg.Mode)
	assert.Equal(t, []string{"-c", "make test"}, cfg.Args)

	handle := spawner.lastHandle()
	handle.feedOutput("pty", []byte("ok: 12 passed\r\n"))

	out, err := host.TerminalOutput(ctx, acp.TerminalOutputRequest{TerminalId: created.TerminalId})
	require.NoError(t, err)
	assert.Contains(t, out.Output, "ok: 12 passed")

	go func() {
		time.Sleep(50 * time.Millisecond)
		handle.exitNow(process.ExitResult{Code: 0})
	}()
	waitResp, err := host.WaitForTerminalExit(ctx, acp.WaitForTerminalExitRequest{TerminalId: created.TerminalId})
	require.NoError(t, err)
	require.NotNil(t, waitResp.ExitCode)
	assert.Equal(t, 0, *waitResp.ExitCode)

	_, err = host.ReleaseTerminal(ctx, acp.ReleaseTerminalRequest{TerminalId: created.TerminalId})
	require.NoError(t, err)

	_, err = host.TerminalOutput(ctx, acp.TerminalOutputRequest{TerminalId: created.TerminalId})
	require.Error(t, err)
}

func TestKillTerminalTerminatesChild(t *testing.T) {
	host, spawner, _ := testHost(t, true)
	ctx := context.Background()

	created, err := host.CreateTerminal(ctx, acp.CreateTerminalRequest{Command: "sleep 600"})
	require.NoError(t, err)

	_, err = host.KillTerminalCommand(ctx, acp.KillTerminalCommandRequest{TerminalId: created.TerminalId})
	require.NoError(t, err)

	select {
	case <-spawner.lastHandle().Done():
	case <-time.After(time.Second):
		t.Fatal("terminal child not terminated")
	}
}
