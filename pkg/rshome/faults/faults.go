// Package faults defines the error kinds shared by the bridge packages.
// Callers wrap these sentinels with context and match them with errors.Is.
package faults

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidArgument marks malformed input to canonicalization, storage or tools.
	ErrInvalidArgument = errors.New("invalid argument")

	// ErrRateLimited marks an operation skipped because a limiter denied it.
	ErrRateLimited = errors.New("rate limited")

	// ErrBackendUnavailable marks a failed language-model or adapter call.
	ErrBackendUnavailable = errors.New("backend unavailable")

	// ErrGatewayFault marks a dropped or failed platform connection.
	ErrGatewayFault = errors.New("gateway fault")

	// ErrRecursionLimit marks a tool loop that hit its depth ceiling.
	ErrRecursionLimit = errors.New("recursion limit exceeded")

	// ErrUnresolvable marks a mention or user lookup miss.
	ErrUnresolvable = errors.New("unresolvable")

	// ErrAlreadyActive is returned when a dialogue is already running.
	ErrAlreadyActive = errors.New("already active")

	// ErrNotFound is returned when a channel, user or setting does not exist.
	ErrNotFound = errors.New("not found")
)

// Invalid wraps ErrInvalidArgument with a formatted detail.
func Invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidArgument, fmt.Sprintf(format, args...))
}

// NotFound wraps ErrNotFound with a formatted detail.
func NotFound(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrNotFound, fmt.Sprintf(format, args...))
}

// Backend wraps err as ErrBackendUnavailable, keeping err in the chain.
func Backend(op string, err error) error {
	return fmt.Errorf("%s: %w: %w", op, ErrBackendUnavailable, err)
}
