package fipa

import (
	"time"

	"github.com/Strob0t/AgentHost/internal/domain/agent"
)

// Envelope is the wire form of a Message shared by every codec. Field names
// follow the FIPA-ACL message parameters.
type Envelope struct {
	ID             string     `json:"message_id" cbor:"1,keyasint"`
	Performative   string     `json:"performative" cbor:"2,keyasint"`
	Sender         string     `json:"sender" cbor:"3,keyasint"`
	Receivers      []string   `json:"receivers" cbor:"4,keyasint"`
	ConversationID string     `json:"conversation_id" cbor:"5,keyasint"`
	ReplyWith      string     `json:"reply_with,omitempty" cbor:"6,keyasint,omitempty"`
	InReplyTo      string     `json:"in_reply_to,omitempty" cbor:"7,keyasint,omitempty"`
	ReplyBy        *time.Time `json:"reply_by,omitempty" cbor:"8,keyasint,omitempty"`
	Protocol       string     `json:"protocol,omitempty" cbor:"9,keyasint,omitempty"`
	Ontology       string     `json:"ontology,omitempty" cbor:"10,keyasint,omitempty"`
	Language       string     `json:"language,omitempty" cbor:"11,keyasint,omitempty"`
	Content        []byte     `json:"content" cbor:"12,keyasint"`
	CreatedAt      time.Time  `json:"created_at" cbor:"13,keyasint"`
}

// ToEnvelope converts m to its wire form.
func ToEnvelope(m Message) Envelope {
	env := Envelope{
		ID:             m.id,
		Performative:   string(m.performative),
		Sender:         m.sender.String(),
		Receivers:      make([]string, len(m.receivers)),
		ConversationID: m.conversationID,
		ReplyWith:      m.replyWith,
		InReplyTo:      m.inReplyTo,
		Protocol:       m.protocol,
		Ontology:       m.ontology,
		Language:       m.language,
		Content:        m.Content(),
		CreatedAt:      m.createdAt,
	}
	for i, r := range m.receivers {
		env.Receivers[i] = r.String()
	}
	if !m.replyBy.IsZero() {
		t := m.replyBy
		env.ReplyBy = &t
	}
	return env
}

// Params converts the envelope back into construction parameters.
func (e Envelope) Params() Params {
	p := Params{
		ID:             e.ID,
		Performative:   Performative(e.Performative),
		Sender:         agent.ID(e.Sender),
		Receivers:      make([]agent.ID, len(e.Receivers)),
		ConversationID: e.ConversationID,
		ReplyWith:      e.ReplyWith,
		InReplyTo:      e.InReplyTo,
		Protocol:       e.Protocol,
		Ontology:       e.Ontology,
		Language:       e.Language,
		Content:        e.Content,
		CreatedAt:      e.CreatedAt,
	}
	for i, r := range e.Receivers {
		p.Receivers[i] = agent.ID(r)
	}
	if e.ReplyBy != nil {
		p.ReplyBy = *e.ReplyBy
	}
	return p
}

// Message validates the envelope and builds the message it describes.
func (e Envelope) Message() (Message, error) {
	return New(e.Params())
}
