// Package errors provides the taxonomized error kinds used across the
// durability kernel. Error kinds are the contract; message text is
// informational and may be reformatted freely.
package errors

import (
	"errors"
	"fmt"
)

// Code is one of the enumerated kernel error codes surfaced to callers.
type Code string

const (
	CodeRateLimited     Code = "RATE_LIMITED"
	CodeDegradedMode    Code = "DEGRADED_MODE"
	CodeCircuitOpen     Code = "CB_OPEN"
	CodeLockContention  Code = "LOCK_CONTENTION"
	CodeInvalidLockName Code = "INVALID_LOCK_NAME"
	CodeBootAborted     Code = "BOOT_ABORTED"
	CodeIntegrityFailed Code = "INTEGRITY_FAILED"
	CodeLoopDetected    Code = "LOOP_DETECTED"

	// Non-enumerated but still taxonomized kinds used internally (§7).
	CodeDedupConflict   Code = "DEDUP_CONFLICT"
	CodeTornWrite       Code = "TORN_WRITE"
	CodeChecksumInvalid Code = "CHECKSUM_INVALID"
	CodeSignatureInvalid Code = "SIGNATURE_INVALID"
	CodeTransientExternal Code = "TRANSIENT_EXTERNAL"
	CodePermanentExternal Code = "PERMANENT_EXTERNAL"
	CodeExpectedExternal  Code = "EXPECTED_EXTERNAL"
	CodeFatalInfra        Code = "FATAL_INFRASTRUCTURE"
)

// KernelError is a structured error carrying a stable Code plus optional
// details and a wrapped cause.
type KernelError struct {
	Code    Code
	Message string
	Details map[string]interface{}
	Err     error
}

func (e *KernelError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

func (e *KernelError) Unwrap() error { return e.Err }

// WithDetails attaches a key/value pair and returns the same error for
// chaining at the call site.
func (e *KernelError) WithDetails(key string, value interface{}) *KernelError {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// New creates a KernelError with no wrapped cause.
func New(code Code, message string) *KernelError {
	return &KernelError{Code: code, Message: message}
}

// Wrap creates a KernelError around an existing cause.
func Wrap(code Code, message string, err error) *KernelError {
	return &KernelError{Code: code, Message: message, Err: err}
}

// RateLimited is returned by the Hardened Executor's admission step.
func RateLimited(scope string, retryAfterMs int64) *KernelError {
	return New(CodeRateLimited, "rate limit exceeded for scope "+scope).
		WithDetails("scope", scope).
		WithDetails("retryAfterMs", retryAfterMs)
}

// DegradedMode is returned when a write is attempted while the operating
// mode is degraded.
func DegradedMode(skill string) *KernelError {
	return New(CodeDegradedMode, "writes are rejected in degraded mode").
		WithDetails("skill", skill)
}

// CircuitOpen is returned by the executor's circuit-check step.
func CircuitOpen(name string) *KernelError {
	return New(CodeCircuitOpen, "circuit breaker is open").
		WithDetails("breaker", name)
}

// LockContention is returned when a lock is held by a live owner.
func LockContention(name string) *KernelError {
	return New(CodeLockContention, "lock is held by another owner").
		WithDetails("lock", name)
}

// InvalidLockName is returned when a lock name fails the restricted
// character-set check.
func InvalidLockName(name string) *KernelError {
	return New(CodeInvalidLockName, "lock name contains disallowed characters").
		WithDetails("lock", name)
}

// BootAborted is returned when the boot sequence cannot reach any viable
// operating mode.
func BootAborted(reason string) *KernelError {
	return New(CodeBootAborted, "boot aborted: "+reason)
}

// IntegrityFailed is returned when manifest verification or torn-write
// recovery cannot establish a trustworthy state.
func IntegrityFailed(reason string) *KernelError {
	return New(CodeIntegrityFailed, "integrity check failed: "+reason)
}

// LoopDetected is returned when the recovery engine's loop detector trips.
func LoopDetected(failures int, windowMs int64) *KernelError {
	return New(CodeLoopDetected, "recovery loop detected").
		WithDetails("failures", failures).
		WithDetails("windowMs", windowMs)
}

// DedupConflict is returned when markPending is called with an intentSeq
// that conflicts with an existing entry for the same key.
func DedupConflict(key string) *KernelError {
	return New(CodeDedupConflict, "dedup key already bound to a different intent").
		WithDetails("key", key)
}

// AsKernelError extracts a *KernelError from an error chain.
func AsKernelError(err error) (*KernelError, bool) {
	var kerr *KernelError
	if errors.As(err, &kerr) {
		return kerr, true
	}
	return nil, false
}

// Is reports whether err carries the given Code anywhere in its chain.
func Is(err error, code Code) bool {
	kerr, ok := AsKernelError(err)
	return ok && kerr.Code == code
}
