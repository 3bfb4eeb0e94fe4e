// Package agent defines the agent lifecycle domain: identifiers, the state
// machine, restart policy and the record snapshot owned by the supervisor.
package agent

import (
	"time"

	"github.com/google/uuid"

	"github.com/Strob0t/AgentHost/internal/domain/resource"
)

// ID identifies an agent instance. IDs are opaque, stable for the agent's
// lifetime and never reused.
type ID string

// NewID returns a fresh random agent ID.
func NewID() ID {
	return ID(uuid.NewString())
}

// String implements fmt.Stringer.
func (id ID) String() string { return string(id) }

// IsZero reports whether id is empty.
func (id ID) IsZero() bool { return id == "" }

// Record is an immutable snapshot of an agent's supervision state. Only the
// supervisor creates records; everyone else reads copies.
type Record struct {
	ID            ID              `json:"id"`
	Name          string          `json:"name,omitempty"`
	ModuleKind    string          `json:"module_kind"`
	ModuleName    string          `json:"module_name"`
	ModuleDigest  string          `json:"module_digest,omitempty"`
	State         State           `json:"state"`
	Limits        resource.Limits `json:"limits"`
	RestartPolicy RestartPolicy   `json:"restart_policy"`
	RestartCount  int             `json:"restart_count"`
	LastFailure   string          `json:"last_failure,omitempty"`
	QueueDepth    int             `json:"queue_depth"`
	CreatedAt     time.Time       `json:"created_at"`
	UpdatedAt     time.Time       `json:"updated_at"`
}

// Accepting reports whether the agent can take new inbound messages.
func (r Record) Accepting() bool {
	switch r.State {
	case StateLoading, StateReady, StateRunning, StateSuspended:
		return true
	}
	return false
}
