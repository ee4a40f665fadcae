// Package errors provides domain-specific error types for mitmctl.
//
// The session controller reports every failure as one of the sentinels
// below, optionally wrapped in a structured type that carries the
// offending package or the engine's underlying cause.  Callers match
// with [Is] / [As] and never compare strings.
package errors

import (
	"errors"
	"fmt"
)

// ── Sentinel errors ──────────────────────────────────────────────────

var (
	// ErrInvalidTarget: the package is not installed or cannot use the network.
	ErrInvalidTarget = errors.New("invalid target")
	// ErrSessionBusy: another toggle or acquisition is in flight.
	ErrSessionBusy = errors.New("session busy")
	// ErrStateMismatch: a grant resolution arrived for a privilege that
	// is not pending (stale or duplicate callback).
	ErrStateMismatch = errors.New("state mismatch")
	// ErrGrantDenied: the user declined a privilege.
	ErrGrantDenied = errors.New("grant denied")
	// ErrEngineStartFailed: the tunnel engine rejected the config or failed to start.
	ErrEngineStartFailed = errors.New("engine start failed")
	// ErrAlreadyRunningDifferentTarget: a session runs for another package.
	ErrAlreadyRunningDifferentTarget = errors.New("already running for a different target")

	ErrEngineActive  = errors.New("engine already active")
	ErrDeviceCooling = errors.New("device cooling down")
)

// ── Structured error types ───────────────────────────────────────────

// TargetError explains why a package cannot be intercepted.
type TargetError struct {
	Package string
	Reason  string // "empty", "not installed", "no network permission", ...
}

func (e *TargetError) Error() string {
	if e.Package == "" {
		return fmt.Sprintf("invalid target: %s", e.Reason)
	}
	return fmt.Sprintf("invalid target %q: %s", e.Package, e.Reason)
}

// Is lets errors.Is(err, ErrInvalidTarget) match.
func (e *TargetError) Is(target error) bool { return target == ErrInvalidTarget }

// EngineStartError wraps a synchronous failure of the tunnel engine.
type EngineStartError struct {
	Cause error
}

func (e *EngineStartError) Error() string {
	return fmt.Sprintf("engine start failed: %v", e.Cause)
}

func (e *EngineStartError) Unwrap() error { return e.Cause }

// Is lets errors.Is(err, ErrEngineStartFailed) match while Unwrap
// still exposes the cause.
func (e *EngineStartError) Is(target error) bool { return target == ErrEngineStartFailed }

// SSHError represents an SSH-specific failure with device context.
type SSHError struct {
	Op   string // "dial", "handshake", "auth", "hostkey", "session"
	Host string
	Port int
	Err  error
}

func (e *SSHError) Error() string {
	return fmt.Sprintf("ssh %s %s:%d: %v", e.Op, e.Host, e.Port, e.Err)
}

func (e *SSHError) Unwrap() error { return e.Err }

// ConfigError represents an invalid configuration value.
type ConfigError struct {
	Field   string      // config field name
	Value   interface{} // the invalid value (nil if missing)
	Message string      // human-readable explanation
	Hint    string      // suggestion for the user (optional)
}

func (e *ConfigError) Error() string {
	msg := fmt.Sprintf("config: --%s", e.Field)
	if e.Value != nil {
		msg += fmt.Sprintf("=%v", e.Value)
	}
	msg += ": " + e.Message
	if e.Hint != "" {
		msg += "\n  hint: " + e.Hint
	}
	return msg
}

// ── Constructors ─────────────────────────────────────────────────────

// InvalidTarget returns a *TargetError for pkg.
func InvalidTarget(pkg, reason string) *TargetError {
	return &TargetError{Package: pkg, Reason: reason}
}

// EngineStart wraps cause as an *EngineStartError.  A cause that
// already is one is returned unchanged.
func EngineStart(cause error) error {
	var se *EngineStartError
	if errors.As(cause, &se) {
		return cause
	}
	return &EngineStartError{Cause: cause}
}

// WrapSSH creates an SSHError.
func WrapSSH(op, host string, port int, err error) *SSHError {
	return &SSHError{Op: op, Host: host, Port: port, Err: err}
}

// ── Classification helpers ───────────────────────────────────────────

// IsUserVisible reports whether err should be surfaced to the user.
// Stale grant callbacks are swallowed silently.
func IsUserVisible(err error) bool {
	return err != nil && !errors.Is(err, ErrStateMismatch)
}

// IsRetryable reports whether the caller may retry the same request
// once the current operation settles.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrSessionBusy) || errors.Is(err, ErrGrantDenied)
}

// ── Re-exports for convenience ───────────────────────────────────────
//
// These allow callers to use mitmctl/internal/errors as a drop-in
// replacement for the standard library in common operations.

// As is [errors.As].
func As(err error, target interface{}) bool { return errors.As(err, target) }

// Is is [errors.Is].
func Is(err, target error) bool { return errors.Is(err, target) }

// New is [errors.New].
func New(text string) error { return errors.New(text) }

// Unwrap is [errors.Unwrap].
func Unwrap(err error) error { return errors.Unwrap(err) }

// Join is [errors.Join].
func Join(errs ...error) error { return errors.Join(errs...) }
