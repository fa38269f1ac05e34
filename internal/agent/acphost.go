package agent

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/coder/acp-go-sdk"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/grovekit/grove/internal/common/logger"
	"github.com/grovekit/grove/internal/process"
)

// updateFunc receives session notifications from the agent.
type updateFunc func(n acp.SessionNotification)

// permissionFunc resolves a permission prompt to an option id, or reports
// cancellation.
type permissionFunc func(ctx context.Context, requestID string, req acp.RequestPermissionRequest) (optionID string, cancelled bool)

// acpHost implements the host side of the ACP connection: session update
// delivery plus the fs and terminal callbacks agents may invoke mid-turn.
// File operations are confined to the workspace root; terminals run as PTY
// children with a vt10x screen for output snapshots.
type acpHost struct {
	logger        *logger.Logger
	workspaceRoot string
	spawner       Spawner

	mu        sync.RWMutex
	onUpdate  updateFunc
	onPerm    permissionFunc
	autoAllow bool
	terminals map[string]*hostTerminal
}

type hostTerminal struct {
	handle process.Handle
	screen *process.Screen
}

func newACPHost(workspaceRoot string, spawner Spawner, autoAllow bool, log *logger.Logger) *acpHost {
	return &acpHost{
		logger:        log.WithFields(zap.String("component", "acp-host")),
		workspaceRoot: workspaceRoot,
		spawner:       spawner,
		autoAllow:     autoAllow,
		terminals:     make(map[string]*hostTerminal),
	}
}

func (h *acpHost) setUpdateHandler(fn updateFunc) {
	h.mu.Lock()
	h.onUpdate = fn
	h.mu.Unlock()
}

func (h *acpHost) setPermissionHandler(fn permissionFunc) {
	h.mu.Lock()
	h.onPerm = fn
	h.mu.Unlock()
}

// SessionUpdate forwards agent notifications to the adapter.
func (h *acpHost) SessionUpdate(ctx context.Context, n acp.SessionNotification) error {
	h.mu.RLock()
	fn := h.onUpdate
	h.mu.RUnlock()
	if fn != nil {
		fn(n)
	}
	return nil
}

// RequestPermission resolves agent permission prompts. Auto-allow picks the
// first allow option; otherwise the prompt is forwarded and blocks until
// answered.
func (h *acpHost) RequestPermission(ctx context.Context, p acp.RequestPermissionRequest) (acp.RequestPermissionResponse, error) {
	if len(p.Options) == 0 {
		return cancelledPermission(), nil
	}

	if h.autoAllow {
		return acp.RequestPermissionResponse{
			Outcome: acp.RequestPermissionOutcome{
				Selected: &acp.RequestPermissionOutcomeSelected{
					OptionId: firstAllowOption(p.Options),
				},
			},
		}, nil
	}

	h.mu.RLock()
	fn := h.onPerm
	h.mu.RUnlock()
	if fn == nil {
		return cancelledPermission(), nil
	}

	requestID := uuid.New().String()
	optionID, cancelled := fn(ctx, requestID, p)
	if cancelled {
		return cancelledPermission(), nil
	}
	return acp.RequestPermissionResponse{
		Outcome: acp.RequestPermissionOutcome{
			Selected: &acp.RequestPermissionOutcomeSelected{
				OptionId: acp.PermissionOptionId(optionID),
			},
		},
	}, nil
}

func cancelledPermission() acp.RequestPermissionResponse {
	return acp.RequestPermissionResponse{
		Outcome: acp.RequestPermissionOutcome{
			Cancelled: &acp.RequestPermissionOutcomeCancelled{},
		},
	}
}

func firstAllowOption(options []acp.PermissionOption) acp.PermissionOptionId {
	for i := range options {
		if options[i].Kind == acp.PermissionOptionKindAllowOnce || options[i].Kind == acp.PermissionOptionKindAllowAlways {
			return options[i].OptionId
		}
	}
	return options[0].OptionId
}

// resolvePath confines a path to the workspace root.
func (h *acpHost) resolvePath(path string) (string, error) {
	if !filepath.IsAbs(path) {
		path = filepath.Join(h.workspaceRoot, path)
	}
	cleaned := filepath.Clean(path)
	root := filepath.Clean(h.workspaceRoot)
	if cleaned != root && !strings.HasPrefix(cleaned, root+string(filepath.Separator)) {
		return "", fmt.Errorf("path %s escapes workspace %s", path, root)
	}
	return cleaned, nil
}

// ReadTextFile reads a workspace file with optional line/limit windowing.
func (h *acpHost) ReadTextFile(ctx context.Context, p acp.ReadTextFileRequest) (acp.ReadTextFileResponse, error) {
	path, err := h.resolvePath(p.Path)
	if err != nil {
		return acp.ReadTextFileResponse{}, err
	}

	b, err := os.ReadFile(path)
	if err != nil {
		return acp.ReadTextFileResponse{}, err
	}
	content := string(b)

	if p.Line != nil || p.Limit != nil {
		lines := strings.Split(content, "\n")
		start := 0
		if p.Line != nil && *p.Line > 0 {
			start = *p.Line - 1
			if start > len(lines) {
				start = len(lines)
			}
		}
		end := len(lines)
		if p.Limit != nil && *p.Limit > 0 && start+*p.Limit < end {
			end = start + *p.Limit
		}
		content = strings.Join(lines[start:end], "\n")
	}

	return acp.ReadTextFileResponse{Content: content}, nil
}

// WriteTextFile writes a workspace file, creating parent directories.
func (h *acpHost) WriteTextFile(ctx context.Context, p acp.WriteTextFileRequest) (acp.WriteTextFileResponse, error) {
	path, err := h.resolvePath(p.Path)
	if err != nil {
		return acp.WriteTextFileResponse{}, err
	}
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return acp.WriteTextFileResponse{}, err
		}
	}
	return acp.WriteTextFileResponse{}, os.WriteFile(path, []byte(p.Content), 0o644)
}

// CreateTerminal spawns a PTY child for the agent's command and mirrors its
// output into a screen for later snapshots.
func (h *acpHost) CreateTerminal(ctx context.Context, p acp.CreateTerminalRequest) (acp.CreateTerminalResponse, error) {
	handle, err := h.spawner.Spawn(ctx, process.Config{
		Command:  "sh",
		Args:     []string{"-c", p.Command},
		Dir:      h.workspaceRoot,
		Mode:     process.ModePTY,
		Terminal: process.Terminal{Cols: 80, Rows: 24},
	})
	if err != nil {
		return acp.CreateTerminalResponse{}, fmt.Errorf("failed to create terminal: %w", err)
	}

	screen := process.NewScreen(80, 24)
	handle.OnOutput(func(stream string, data []byte) {
		screen.Feed(data)
	})

	terminalID := "term-" + uuid.New().String()[:8]
	h.mu.Lock()
	h.terminals[terminalID] = &hostTerminal{handle: handle, screen: screen}
	h.mu.Unlock()

	h.logger.Debug("terminal created",
		zap.String("terminal_id", terminalID),
		zap.String("command", p.Command))
	return acp.CreateTerminalResponse{TerminalId: terminalID}, nil
}

func (h *acpHost) terminal(id string) (*hostTerminal, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	t, ok := h.terminals[id]
	if !ok {
		return nil, fmt.Errorf("unknown terminal %s", id)
	}
	return t, nil
}

// TerminalOutput snapshots the terminal's visible screen contents.
func (h *acpHost) TerminalOutput(ctx context.Context, p acp.TerminalOutputRequest) (acp.TerminalOutputResponse, error) {
	t, err := h.terminal(p.TerminalId)
	if err != nil {
		return acp.TerminalOutputResponse{}, err
	}
	lines := t.screen.Snapshot()
	return acp.TerminalOutputResponse{
		Output:    strings.TrimRight(strings.Join(lines, "\n"), "\n"),
		Truncated: false,
	}, nil
}

// KillTerminalCommand terminates the terminal's child process.
func (h *acpHost) KillTerminalCommand(ctx context.Context, p acp.KillTerminalCommandRequest) (acp.KillTerminalCommandResponse, error) {
	t, err := h.terminal(p.TerminalId)
	if err != nil {
		return acp.KillTerminalCommandResponse{}, err
	}
	_ = t.handle.Terminate(ctx)
	return acp.KillTerminalCommandResponse{}, nil
}

// WaitForTerminalExit blocks until the terminal's child exits.
func (h *acpHost) WaitForTerminalExit(ctx context.Context, p acp.WaitForTerminalExitRequest) (acp.WaitForTerminalExitResponse, error) {
	t, err := h.terminal(p.TerminalId)
	if err != nil {
		return acp.WaitForTerminalExitResponse{}, err
	}
	select {
	case <-ctx.Done():
		return acp.WaitForTerminalExitResponse{}, ctx.Err()
	case <-t.handle.Done():
		code := t.handle.Exit().Code
		return acp.WaitForTerminalExitResponse{ExitCode: &code}, nil
	}
}

// ReleaseTerminal drops the terminal, terminating it if still running.
func (h *acpHost) ReleaseTerminal(ctx context.Context, p acp.ReleaseTerminalRequest) (acp.ReleaseTerminalResponse, error) {
	h.mu.Lock()
	t, ok := h.terminals[p.TerminalId]
	delete(h.terminals, p.TerminalId)
	h.mu.Unlock()
	if !ok {
		return acp.ReleaseTerminalResponse{}, nil
	}

	select {
	case <-t.handle.Done():
	default:
		_ = t.handle.Terminate(ctx)
	}
	return acp.ReleaseTerminalResponse{}, nil
}

// close releases every live terminal.
func (h *acpHost) close() {
	h.mu.Lock()
	terminals := h.terminals
	h.terminals = make(map[string]*hostTerminal)
	h.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for _, t := range terminals {
		select {
		case <-t.handle.Done():
		default:
			_ = t.handle.Terminate(ctx)
		}
	}
}

var _ acp.Client = (*acpHost)(nil)
