// Package errs defines the error kinds shared across the execution and
// workflow subsystems, and helpers to classify wrapped errors into them.
//
// Packages keep their own sentinel errors; the kinds here are the
// cross-cutting classification surfaced on terminal executions and on the
// API. Matching is by errors.Is, so sentinels from other packages can be
// mapped by wrapping one of these.
package errs

import (
	"errors"
	"fmt"
)

// Kind is the semantic classification of a failure.
type Kind string

const (
	KindNotFound            Kind = "not_found"
	KindConflict            Kind = "conflict"
	KindBranchNotFound      Kind = "branch_not_found"
	KindTargetBranchMissing Kind = "target_branch_missing"
	KindAgentSpawnFailure   Kind = "agent_spawn_failure"
	KindAgentProtocol       Kind = "agent_protocol_failure"
	KindResumeUnsupported   Kind = "resume_unsupported"
	KindTimeoutIdle         Kind = "timeout_idle"
	KindTimeoutHard         Kind = "timeout_hard"
	KindTimeoutShutdown     Kind = "timeout_shutdown"
	KindCancelled           Kind = "cancelled"
	KindPermissionDenied    Kind = "permission_denied"
	KindRecoveryMismatch    Kind = "recovery_mismatch"
	KindStorageFailure      Kind = "storage_failure"
	KindFatal               Kind = "fatal"
	KindUnknown             Kind = "unknown"
)

var (
	// ErrNotFound is returned when an entity, execution or workflow does not exist.
	ErrNotFound = errors.New("not found")

	// ErrConflict is returned on invariant violations, e.g. an active
	// execution already exists for the issue.
	ErrConflict = errors.New("conflict")

	// ErrBranchNotFound is returned when createBranch is false and the
	// requested branch does not exist.
	ErrBranchNotFound = errors.New("branch not found")

	// ErrTargetBranchMissing is returned when the base branch for a worktree
	// does not exist.
	ErrTargetBranchMissing = errors.New("target branch missing")

	// ErrAgentSpawnFailure is returned when no child process could be produced.
	ErrAgentSpawnFailure = errors.New("agent spawn failure")

	// ErrAgentProtocol is returned when an agent stream ended abnormally or
	// produced unparseable output.
	ErrAgentProtocol = errors.New("agent protocol failure")

	// ErrResumeUnsupported is returned when the underlying agent cannot
	// resume the requested session. Callers fall back to a fresh run.
	ErrResumeUnsupported = errors.New("resume unsupported")

	// ErrUnsupportedCapability is returned for capability-gated adapter
	// operations the agent variant does not implement.
	ErrUnsupportedCapability = errors.New("unsupported capability")

	// ErrIdleTimeout is returned when an execution produced no output for
	// the configured idle window.
	ErrIdleTimeout = errors.New("idle timeout")

	// ErrHardTimeout is returned when an execution exceeded its wall-clock
	// budget.
	ErrHardTimeout = errors.New("hard timeout")

	// ErrShutdownTimeout is returned when a shutdown exceeded its deadline.
	ErrShutdownTimeout = errors.New("shutdown timeout")

	// ErrCancelled is returned on explicit user cancellation.
	ErrCancelled = errors.New("cancelled")

	// ErrPermissionDenied is returned when the user rejected a permission
	// prompt.
	ErrPermissionDenied = errors.New("permission denied")

	// ErrRecoveryMismatch is returned when a referenced execution row is
	// missing or inconsistent after a restart.
	ErrRecoveryMismatch = errors.New("recovery mismatch")

	// ErrStorageFailure is returned when an underlying store write failed.
	ErrStorageFailure = errors.New("storage failure")

	// ErrFatal is reserved for unrecoverable host errors.
	ErrFatal = errors.New("fatal")
)

// Classify maps err to its Kind by unwrapping. Unrecognized errors are
// KindUnknown, never KindFatal.
func Classify(err error) Kind {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrNotFound):
		return KindNotFound
	case errors.Is(err, ErrConflict):
		return KindConflict
	case errors.Is(err, ErrBranchNotFound):
		return KindBranchNotFound
	case errors.Is(err, ErrTargetBranchMissing):
		return KindTargetBranchMissing
	case errors.Is(err, ErrAgentSpawnFailure):
		return KindAgentSpawnFailure
	case errors.Is(err, ErrAgentProtocol):
		return KindAgentProtocol
	case errors.Is(err, ErrResumeUnsupported), errors.Is(err, ErrUnsupportedCapability):
		return KindResumeUnsupported
	case errors.Is(err, ErrIdleTimeout):
		return KindTimeoutIdle
	case errors.Is(err, ErrHardTimeout):
		return KindTimeoutHard
	case errors.Is(err, ErrShutdownTimeout):
		return KindTimeoutShutdown
	case errors.Is(err, ErrCancelled):
		return KindCancelled
	case errors.Is(err, ErrPermissionDenied):
		return KindPermissionDenied
	case errors.Is(err, ErrRecoveryMismatch):
		return KindRecoveryMismatch
	case errors.Is(err, ErrStorageFailure):
		return KindStorageFailure
	case errors.Is(err, ErrFatal):
		return KindFatal
	default:
		return KindUnknown
	}
}

// NotFoundf wraps ErrNotFound with a formatted detail message.
func NotFoundf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrNotFound, fmt.Sprintf(format, args...))
}

// Conflictf wraps ErrConflict with a formatted detail message.
func Conflictf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrConflict, fmt.Sprintf(format, args...))
}

// IsTimeout reports whether err is any of the timeout kinds.
func IsTimeout(err error) bool {
	return errors.Is(err, ErrIdleTimeout) ||
		errors.Is(err, ErrHardTimeout) ||
		errors.Is(err, ErrShutdownTimeout)
}

// IsTerminalFailure reports whether err should mark an execution failed
// rather than stopped. Cancellation and timeouts map to stopped.
func IsTerminalFailure(err error) bool {
	if err == nil {
		return false
	}
	return !errors.Is(err, ErrCancelled) && !IsTimeout(err)
}
