package messagequeue

import "time"

// UndeliverablePayload is the schema for agenthost.undeliverable messages.
type UndeliverablePayload struct {
	MessageID      string    `json:"message_id"`
	ConversationID string    `json:"conversation_id"`
	Sender         string    `json:"sender"`
	Receiver       string    `json:"receiver"`
	Reason         string    `json:"reason"`
	Envelope       []byte    `json:"envelope"`
	At             time.Time `json:"at"`
}

// EventPayload is the schema for agenthost.events messages.
type EventPayload struct {
	Type           string         `json:"type"`
	AgentID        string         `json:"agent_id,omitempty"`
	ConversationID string         `json:"conversation_id,omitempty"`
	Fields         map[string]any `json:"fields,omitempty"`
	Time           time.Time      `json:"time"`
}
