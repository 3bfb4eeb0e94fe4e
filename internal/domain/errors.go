// Package domain provides shared domain-level sentinel errors.
//
// The runtime error kinds are matched with errors.Is. Sandbox traps and
// resource breaches are isolated to one agent and feed the restart policy;
// every other kind is surfaced to the caller or sender as-is.
package domain

import (
	"errors"
	"fmt"
	"strings"
)

// ErrNotFound indicates the requested entity does not exist.
var ErrNotFound = errors.New("not found")

// ErrConflict indicates a concurrent modification conflict.
var ErrConflict = errors.New("conflict: resource was modified by another request")

// ErrValidation indicates malformed input.
var ErrValidation = errors.New("validation error")

var (
	// ErrSandboxTrap is an agent-internal fault caught at the sandbox boundary.
	ErrSandboxTrap = errors.New("sandbox trap")

	// ErrResourceExceeded is a memory, CPU-time or wall-clock quota breach.
	ErrResourceExceeded = errors.New("resource exceeded")

	// ErrRoutingFailure means the receiver exists but cannot take messages.
	ErrRoutingFailure = errors.New("routing failure")

	// ErrQueueFull is returned under the reject backpressure policy.
	ErrQueueFull = errors.New("queue full")

	// ErrProtocolViolation means the performative is not legal in the
	// conversation's current protocol state.
	ErrProtocolViolation = errors.New("protocol violation")

	// ErrUnknownConversation is returned for stale, closed or never-opened
	// conversation ids.
	ErrUnknownConversation = errors.New("unknown conversation")

	// ErrAgentNotFound is an addressing error for an id the supervisor never issued.
	ErrAgentNotFound = errors.New("agent not found")

	// ErrDuplicate marks a message whose identity token was already
	// delivered to the receiver inside the dedup window.
	ErrDuplicate = errors.New("duplicate message")
)

// ErrMessageTooLarge is a routing failure caused by content exceeding the
// receiver's message size limit.
var ErrMessageTooLarge = fmt.Errorf("%w: message too large", ErrRoutingFailure)

// ProtocolViolationError carries the performatives that would have been
// accepted in the conversation's current state.
type ProtocolViolationError struct {
	ConversationID string
	Protocol       string
	State          string
	Got            string
	Expected       []string
	Reason         string
}

func (e *ProtocolViolationError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "protocol violation: %s in conversation %s (protocol %s, state %s)",
		e.Got, e.ConversationID, e.Protocol, e.State)
	if e.Reason != "" {
		b.WriteString(": ")
		b.WriteString(e.Reason)
	}
	if len(e.Expected) > 0 {
		b.WriteString("; expected one of [")
		b.WriteString(strings.Join(e.Expected, ", "))
		b.WriteString("]")
	}
	return b.String()
}

// Is makes errors.Is(err, ErrProtocolViolation) match.
func (e *ProtocolViolationError) Is(target error) bool {
	return target == ErrProtocolViolation
}

// IsRestartable reports whether err should trigger the restart policy.
func IsRestartable(err error) bool {
	return errors.Is(err, ErrSandboxTrap) || errors.Is(err, ErrResourceExceeded)
}
