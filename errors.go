package orchestrator

import (
	"fmt"
	"time"
)

// Kind is the typed-error taxonomy every failure the dispatcher can return
// to the sandbox carries one of, independent of transport.
type Kind string

const (
	KindValidationFailed  Kind = "validation-failed"
	KindToolNotPermitted  Kind = "tool-not-permitted"
	KindSchemaUnavailable Kind = "schema-unavailable"
	KindRateLimited       Kind = "rate-limited"
	KindQueueFull         Kind = "queue-full"
	KindQueueTimeout      Kind = "queue-timeout"
	KindCircuitOpen       Kind = "circuit-open"
	KindDownstreamFailure Kind = "downstream-failure"
	KindSandboxTimeout    Kind = "sandbox-timeout"
	KindSandboxCrash      Kind = "sandbox-crash"
	KindAuthFailure       Kind = "auth-failure"
	KindShutdown          Kind = "shutdown"
	KindInternal          Kind = "internal-error"
)

// Error is the common shape of a typed failure returned across the bridge
// to the sandbox. Message must never carry bearer tokens, paths outside the
// permitted set, raw environment, or argument payloads.
type Error struct {
	ErrKind Kind
	Message string
}

func (e *Error) Error() string { return fmt.Sprintf("%s: %s", e.ErrKind, e.Message) }

// Kind reports the error's taxonomy entry.
func (e *Error) Kind() Kind { return e.ErrKind }

// ValidationError is a KindValidationFailed error carrying the JSON-Pointer
// path and constraint that failed.
type ValidationError struct {
	Path     string
	Expected string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: at %s, expected %s", KindValidationFailed, e.Path, e.Expected)
}

func (e *ValidationError) Kind() Kind { return KindValidationFailed }

// RateLimitError is a KindRateLimited error carrying the caller's retry hint.
type RateLimitError struct {
	ResetIn time.Duration
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("%s: retry after %s", KindRateLimited, e.ResetIn)
}

func (e *RateLimitError) Kind() Kind { return KindRateLimited }

// CircuitOpenError is a KindCircuitOpen error naming the quarantined server.
type CircuitOpenError struct {
	ServerName string
}

func (e *CircuitOpenError) Error() string {
	return fmt.Sprintf("%s: %s", KindCircuitOpen, e.ServerName)
}

func (e *CircuitOpenError) Kind() Kind { return KindCircuitOpen }

// DownstreamError is a KindDownstreamFailure error wrapping the sanitized
// message from a downstream transport or server.
type DownstreamError struct {
	ServerName string
	Message    string
}

func (e *DownstreamError) Error() string {
	return fmt.Sprintf("%s: %s: %s", KindDownstreamFailure, e.ServerName, e.Message)
}

func (e *DownstreamError) Kind() Kind { return KindDownstreamFailure }

// Constructors for the remaining stateless kinds.

func ErrToolNotPermitted(toolName string) error {
	return &Error{ErrKind: KindToolNotPermitted, Message: "tool not in allow-list: " + toolName}
}

func ErrSchemaUnavailable(toolName string) error {
	return &Error{ErrKind: KindSchemaUnavailable, Message: "no schema available for: " + toolName}
}

func ErrQueueFull() error {
	return &Error{ErrKind: KindQueueFull, Message: "admission queue is full"}
}

func ErrQueueTimeout() error {
	return &Error{ErrKind: KindQueueTimeout, Message: "timed out waiting for admission"}
}

func ErrSandboxTimeout(after time.Duration) error {
	return &Error{ErrKind: KindSandboxTimeout, Message: fmt.Sprintf("execution exceeded %s", after)}
}

func ErrSandboxCrash(exitCode int) error {
	return &Error{ErrKind: KindSandboxCrash, Message: fmt.Sprintf("sandbox exited with code %d", exitCode)}
}

func ErrAuthFailure() error {
	return &Error{ErrKind: KindAuthFailure, Message: "invalid bearer token"}
}

func ErrShuttingDown() error {
	return &Error{ErrKind: KindShutdown, Message: "server is draining"}
}

func ErrInternal(message string) error {
	return &Error{ErrKind: KindInternal, Message: message}
}
