// Package agent normalizes the protocols spoken by external coding agents
// into a single trajectory stream. A builder keyed by agent type produces
// the protocol variant: stream-json over stdio (claude and the stub test
// agent) or ACP (gemini, opencode). Capability-gated operations fail with
// distinct errors instead of silently degrading.
package agent

import (
	"context"

	"github.com/grovekit/grove/internal/process"
	"github.com/grovekit/grove/internal/trajectory"
)

// Capabilities describes which optional operations an agent type supports.
type Capabilities struct {
	Resume    bool `yaml:"resume"`
	Fork      bool `yaml:"fork"`
	Interrupt bool `yaml:"interrupt"`
	SetMode   bool `yaml:"setMode"`
}

// Adapter is one agent session: a child process plus the protocol client
// that drives it. Entries on the returned streams carry no index; the
// consumer assigns indices.
//
// An adapter runs at most one turn at a time. The stream returned by Run,
// Resume or InterruptWith is finite: it closes when the agent signals
// end-of-turn or the process exits.
type Adapter interface {
	// Capabilities reports the optional operations this adapter supports.
	Capabilities() Capabilities

	// Run starts a fresh session with the given prompt.
	Run(ctx context.Context, prompt string) (<-chan trajectory.Entry, error)

	// Resume restores the conversation identified by sessionID and sends
	// prompt. Returns ErrResumeUnsupported when the agent cannot restore
	// sessions.
	Resume(ctx context.Context, sessionID, prompt string) (<-chan trajectory.Entry, error)

	// Fork marks the next Resume to branch into a new session whose
	// history inherits from sessionID instead of continuing it. Returns
	// ErrUnsupportedCapability when the agent cannot fork.
	Fork(ctx context.Context) error

	// Cancel abandons the in-flight turn without tearing down the session.
	// Escalation to process termination is the caller's job.
	Cancel(ctx context.Context) error

	// InterruptWith cancels the in-flight turn and continues with a new
	// prompt on the same session.
	InterruptWith(ctx context.Context, prompt string) (<-chan trajectory.Entry, error)

	// SetMode switches the agent's operating mode, e.g. "code" or "plan".
	SetMode(ctx context.Context, mode string) error

	// RespondToPermission answers a pending permission_request entry.
	RespondToPermission(requestID, optionID string) error

	// Process returns the supervised child, nil before the first turn.
	Process() process.Handle

	// Close releases the protocol client. It does not terminate the child.
	Close() error
}

// Permission option ids shared by both protocol variants.
const (
	OptionAllow       = "allow"
	OptionAllowAlways = "allow_always"
	OptionDeny        = "deny"
)

// Permission modes.
const (
	PermissionInteractive = "interactive"
	PermissionAutoApprove = "auto-approve"
)
