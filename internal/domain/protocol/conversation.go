package protocol

import (
	"time"

	"github.com/Strob0t/AgentHost/internal/domain/agent"
	"github.com/Strob0t/AgentHost/internal/domain/fipa"
)

// Conversation is a snapshot of one conversation's protocol state.
type Conversation struct {
	ID            string              `json:"id"`
	Protocol      string              `json:"protocol"`
	State         string              `json:"state"`
	Initiator     agent.ID            `json:"initiator"`
	Participants  []agent.ID          `json:"participants"`
	Performatives []fipa.Performative `json:"performatives"`
	CreatedAt     time.Time           `json:"created_at"`
	LastActivity  time.Time           `json:"last_activity"`
}

// RoleOf returns the role id plays in the conversation.
func (c Conversation) RoleOf(id agent.ID) Role {
	if id == c.Initiator {
		return Initiator
	}
	return Participant
}
