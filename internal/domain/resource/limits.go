// Package resource defines the per-agent resource quotas enforced by the sandbox.
package resource

import (
	"fmt"
	"time"

	"github.com/Strob0t/AgentHost/internal/domain"
)

// Limits defines resource constraints for one agent instance. Limits are set
// at spawn time and never change for the lifetime of the instance.
type Limits struct {
	MaxMemoryBytes      uint64        `json:"max_memory_bytes,omitempty" yaml:"max_memory_bytes,omitempty"`
	MaxCPUTime          time.Duration `json:"max_cpu_time,omitempty" yaml:"max_cpu_time,omitempty"`
	MaxMessagesInFlight int           `json:"max_messages_in_flight,omitempty" yaml:"max_messages_in_flight,omitempty"`
	Timeout             time.Duration `json:"timeout,omitempty" yaml:"timeout,omitempty"`
	MaxMessageBytes     int           `json:"max_message_bytes,omitempty" yaml:"max_message_bytes,omitempty"`
}

// Default returns the host defaults for an agent that does not override anything.
func Default() Limits {
	return Limits{
		MaxMemoryBytes:      10 << 20,
		MaxCPUTime:          time.Second,
		MaxMessagesInFlight: 64,
		Timeout:             5 * time.Second,
		MaxMessageBytes:     100 << 10,
	}
}

// Merge returns a new Limits where non-zero fields from override replace base.
func Merge(base, override Limits) Limits {
	out := base
	if override.MaxMemoryBytes > 0 {
		out.MaxMemoryBytes = override.MaxMemoryBytes
	}
	if override.MaxCPUTime > 0 {
		out.MaxCPUTime = override.MaxCPUTime
	}
	if override.MaxMessagesInFlight > 0 {
		out.MaxMessagesInFlight = override.MaxMessagesInFlight
	}
	if override.Timeout > 0 {
		out.Timeout = override.Timeout
	}
	if override.MaxMessageBytes > 0 {
		out.MaxMessageBytes = override.MaxMessageBytes
	}
	return out
}

// Cap returns a new Limits where each field is capped at the corresponding ceiling value.
// A zero ceiling field means no cap for that field.
func Cap(limits, ceiling Limits) Limits {
	out := limits
	if ceiling.MaxMemoryBytes > 0 && out.MaxMemoryBytes > ceiling.MaxMemoryBytes {
		out.MaxMemoryBytes = ceiling.MaxMemoryBytes
	}
	if ceiling.MaxCPUTime > 0 && out.MaxCPUTime > ceiling.MaxCPUTime {
		out.MaxCPUTime = ceiling.MaxCPUTime
	}
	if ceiling.MaxMessagesInFlight > 0 && out.MaxMessagesInFlight > ceiling.MaxMessagesInFlight {
		out.MaxMessagesInFlight = ceiling.MaxMessagesInFlight
	}
	if ceiling.Timeout > 0 && out.Timeout > ceiling.Timeout {
		out.Timeout = ceiling.Timeout
	}
	if ceiling.MaxMessageBytes > 0 && out.MaxMessageBytes > ceiling.MaxMessageBytes {
		out.MaxMessageBytes = ceiling.MaxMessageBytes
	}
	return out
}

// Validate checks that every quota is set. A zero quota would make the
// corresponding limit unenforceable.
func (l Limits) Validate() error {
	switch {
	case l.MaxMemoryBytes == 0:
		return fmt.Errorf("%w: max_memory_bytes must be > 0", domain.ErrValidation)
	case l.MaxCPUTime <= 0:
		return fmt.Errorf("%w: max_cpu_time must be > 0", domain.ErrValidation)
	case l.MaxMessagesInFlight < 1:
		return fmt.Errorf("%w: max_messages_in_flight must be >= 1", domain.ErrValidation)
	case l.Timeout <= 0:
		return fmt.Errorf("%w: timeout must be > 0", domain.ErrValidation)
	case l.MaxMessageBytes < 1:
		return fmt.Errorf("%w: max_message_bytes must be >= 1", domain.ErrValidation)
	}
	return nil
}

// InvocationDeadline returns the budget for one sandboxed call and the name
// of the limit that bounds it.
func (l Limits) InvocationDeadline() (time.Duration, string) {
	if l.MaxCPUTime > 0 && (l.Timeout <= 0 || l.MaxCPUTime <= l.Timeout) {
		return l.MaxCPUTime, "cpu-time"
	}
	return l.Timeout, "timeout"
}
