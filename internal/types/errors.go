package types

import (
	"errors"
	"fmt"
)

// Kind tags every error crossing a component boundary. Errors are modeled as
// tagged variants of a single sum, each carrying a context map.
type Kind string

const (
	KindValidationFailed    Kind = "validation_failed"
	KindBrowserNotLaunched  Kind = "browser_not_launched"
	KindBrowserLimitReached Kind = "browser_limit_reached"
	KindBrowserTimeout      Kind = "browser_timeout"
	KindElementNotFound     Kind = "element_not_found"
	KindNavigationFailed    Kind = "navigation_failed"
	KindToolCompileFailed   Kind = "tool_compile_failed"
	KindToolInvokeFailed    Kind = "tool_invoke_failed"
	KindToolTimeout         Kind = "tool_timeout"
	KindToolNotFound        Kind = "tool_not_found"
	KindUnknownAction       Kind = "unknown_action"
	KindUndeliverable       Kind = "undeliverable"
	KindSlowConsumer        Kind = "slow_consumer"
	KindOverload            Kind = "overload"
	KindWorkerCrashed       Kind = "worker_crashed"
	KindUnexpected          Kind = "unexpected"
)

// Error is the tagged error carried on the bus and through HTTP surfaces.
type Error struct {
	Kind    Kind           `json:"kind"`
	Command string         `json:"command,omitempty"`
	Detail  string         `json:"detail"`
	Context map[string]any `json:"context,omitempty"`
	Cause   error          `json:"-"`
}

func (e *Error) Error() string {
	if e.Command != "" {
		return fmt.Sprintf("%s: %s: %s", e.Kind, e.Command, e.Detail)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Detail)
}

// Unwrap exposes the cause for errors.Is/As.
func (e *Error) Unwrap() error {
	return e.Cause
}

// NewError builds a tagged error.
func NewError(kind Kind, detail string) *Error {
	return &Error{Kind: kind, Detail: detail}
}

// Errorf builds a tagged error with a formatted detail.
func Errorf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Detail: fmt.Sprintf(format, args...)}
}

// WrapError tags an underlying error. A nil cause yields nil.
func WrapError(kind Kind, command string, cause error) *Error {
	if cause == nil {
		return nil
	}
	return &Error{Kind: kind, Command: command, Detail: cause.Error(), Cause: cause}
}

// With attaches a context entry and returns the error for chaining.
func (e *Error) With(key string, value any) *Error {
	if e.Context == nil {
		e.Context = make(map[string]any)
	}
	e.Context[key] = value
	return e
}

// KindOf extracts the Kind from an error chain, defaulting to unexpected.
func KindOf(err error) Kind {
	var te *Error
	if errors.As(err, &te) {
		return te.Kind
	}
	return KindUnexpected
}

// Retryable reports whether a step hitting this kind may be retried within
// the step's budget. Only browser timeouts and missing elements qualify; the
// remaining browser kinds are fatal to the step.
func (k Kind) Retryable() bool {
	return k == KindBrowserTimeout || k == KindElementNotFound
}
