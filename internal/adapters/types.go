// Package adapters routes tool calls (namespace.operation) to real or
// mock implementations, enforcing dry-run and idempotency semantics at
// the boundary to external systems.
package adapters

import (
	"context"
	"errors"
	"fmt"
)

// ToolCall is one adapter invocation.
type ToolCall struct {
	Name           string         `json:"name"`
	Input          map[string]any `json:"input"`
	DryRun         bool           `json:"dry_run"`
	IdempotencyKey string         `json:"idempotency_key,omitempty"`
}

// Response is an adapter result. Audit describes what was (or would have
// been) done; it is persisted with the step.
type Response struct {
	Output map[string]any `json:"output,omitempty"`
	Audit  map[string]any `json:"audit"`
}

// Adapter implements one namespace's tools.
type Adapter interface {
	Namespace() string
	Tools() []string
	Invoke(ctx context.Context, call ToolCall) (*Response, error)
}

// ErrNotFound marks an unknown tool or namespace.
var ErrNotFound = errors.New("adapters: unknown tool")

// Error is an adapter failure carrying retry classification.
type Error struct {
	Msg       string
	Status    int
	Retryable bool
}

func (e *Error) Error() string { return e.Msg }

// Terminal builds a non-retryable adapter error.
func Terminal(format string, args ...any) *Error {
	return &Error{Msg: fmt.Sprintf(format, args...)}
}

// Transient builds a retryable adapter error.
func Transient(format string, args ...any) *Error {
	return &Error{Msg: fmt.Sprintf(format, args...), Retryable: true}
}

// FromStatus classifies an upstream HTTP status: 500/502/503 are
// retryable, everything else terminal.
func FromStatus(status int, format string, args ...any) *Error {
	return &Error{
		Msg:       fmt.Sprintf(format, args...),
		Status:    status,
		Retryable: status == 500 || status == 502 || status == 503,
	}
}

// IsRetryable reports whether the engine should back off and retry.
func IsRetryable(err error) bool {
	var ae *Error
	if errors.As(err, &ae) {
		return ae.Retryable
	}
	return false
}
