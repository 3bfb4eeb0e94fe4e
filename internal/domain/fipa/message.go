package fipa

import (
	"bytes"
	"encoding/json"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/Strob0t/AgentHost/internal/domain"
	"github.com/Strob0t/AgentHost/internal/domain/agent"
)

// LanguageJSON marks content that must be a valid JSON document.
const LanguageJSON = "json"

// Params are the inputs to New. Zero ID, ConversationID and CreatedAt are
// filled in by New.
type Params struct {
	ID             string
	Performative   Performative
	Sender         agent.ID
	Receivers      []agent.ID
	ConversationID string
	ReplyWith      string
	InReplyTo      string
	ReplyBy        time.Time
	Protocol       string
	Ontology       string
	Language       string
	Content        []byte
	CreatedAt      time.Time
}

// Message is an immutable FIPA-ACL message. Construct it with New; the
// accessors return copies so no holder can mutate a shared message.
type Message struct {
	id             string
	performative   Performative
	sender         agent.ID
	receivers      []agent.ID
	conversationID string
	replyWith      string
	inReplyTo      string
	replyBy        time.Time
	protocol       string
	ontology       string
	language       string
	content        []byte
	createdAt      time.Time
}

// New validates p and returns the message.
func New(p Params) (Message, error) {
	if !p.Performative.Valid() {
		return Message{}, fmt.Errorf("%w: unknown performative %q", domain.ErrValidation, p.Performative)
	}
	if p.Sender.IsZero() {
		return Message{}, fmt.Errorf("%w: sender is required", domain.ErrValidation)
	}
	if len(p.Receivers) == 0 {
		return Message{}, fmt.Errorf("%w: at least one receiver is required", domain.ErrValidation)
	}
	seen := make(map[agent.ID]bool, len(p.Receivers))
	for _, r := range p.Receivers {
		switch {
		case r.IsZero():
			return Message{}, fmt.Errorf("%w: empty receiver", domain.ErrValidation)
		case r == p.Sender:
			return Message{}, fmt.Errorf("%w: sender cannot equal receiver", domain.ErrValidation)
		case seen[r]:
			return Message{}, fmt.Errorf("%w: duplicate receiver %s", domain.ErrValidation, r)
		}
		seen[r] = true
	}
	if len(p.Content) == 0 {
		return Message{}, fmt.Errorf("%w: content cannot be empty", domain.ErrValidation)
	}
	if strings.EqualFold(p.Language, LanguageJSON) && !json.Valid(p.Content) {
		return Message{}, fmt.Errorf("%w: content is not valid JSON", domain.ErrValidation)
	}

	m := Message{
		id:             p.ID,
		performative:   p.Performative,
		sender:         p.Sender,
		receivers:      slices.Clone(p.Receivers),
		conversationID: p.ConversationID,
		replyWith:      p.ReplyWith,
		inReplyTo:      p.InReplyTo,
		protocol:       p.Protocol,
		ontology:       p.Ontology,
		language:       p.Language,
		content:        bytes.Clone(p.Content),
	}
	if m.id == "" {
		m.id = uuid.NewString()
	}
	if m.conversationID == "" {
		m.conversationID = uuid.NewString()
	}
	if !p.ReplyBy.IsZero() {
		m.replyBy = p.ReplyBy.UTC().Round(0)
	}
	m.createdAt = p.CreatedAt
	if m.createdAt.IsZero() {
		m.createdAt = time.Now()
	}
	m.createdAt = m.createdAt.UTC().Round(0)
	return m, nil
}

func (m Message) ID() string                 { return m.id }
func (m Message) Performative() Performative { return m.performative }
func (m Message) Sender() agent.ID           { return m.sender }
func (m Message) ConversationID() string     { return m.conversationID }
func (m Message) ReplyWith() string          { return m.replyWith }
func (m Message) InReplyTo() string          { return m.inReplyTo }
func (m Message) ReplyBy() time.Time         { return m.replyBy }
func (m Message) Protocol() string           { return m.protocol }
func (m Message) Ontology() string           { return m.ontology }
func (m Message) Language() string           { return m.language }
func (m Message) CreatedAt() time.Time       { return m.createdAt }

// Receivers returns a copy of the receiver set.
func (m Message) Receivers() []agent.ID { return slices.Clone(m.receivers) }

// Content returns a copy of the opaque payload.
func (m Message) Content() []byte { return bytes.Clone(m.content) }

// ContentSize returns the payload length without copying it.
func (m Message) ContentSize() int { return len(m.content) }

// IsBroadcast reports whether the message has more than one receiver.
func (m Message) IsBroadcast() bool { return len(m.receivers) > 1 }

// IsZero reports whether m was never constructed.
func (m Message) IsZero() bool { return m.id == "" }

// Params returns the construction parameters of m, suitable for deriving a
// modified copy through New.
func (m Message) Params() Params {
	return Params{
		ID:             m.id,
		Performative:   m.performative,
		Sender:         m.sender,
		Receivers:      m.Receivers(),
		ConversationID: m.conversationID,
		ReplyWith:      m.replyWith,
		InReplyTo:      m.inReplyTo,
		ReplyBy:        m.replyBy,
		Protocol:       m.protocol,
		Ontology:       m.ontology,
		Language:       m.language,
		Content:        m.Content(),
		CreatedAt:      m.createdAt,
	}
}

// Reply builds a response from one of m's receivers back to m's sender in
// the same conversation, correlated through m's reply-with token.
func (m Message) Reply(from agent.ID, p Performative, content []byte) (Message, error) {
	return New(Params{
		Performative:   p,
		Sender:         from,
		Receivers:      []agent.ID{m.sender},
		ConversationID: m.conversationID,
		InReplyTo:      m.replyWith,
		Protocol:       m.protocol,
		Ontology:       m.ontology,
		Language:       m.language,
		Content:        content,
	})
}

// Equal reports whether two messages carry identical fields.
func (m Message) Equal(o Message) bool {
	return m.id == o.id &&
		m.performative == o.performative &&
		m.sender == o.sender &&
		slices.Equal(m.receivers, o.receivers) &&
		m.conversationID == o.conversationID &&
		m.replyWith == o.replyWith &&
		m.inReplyTo == o.inReplyTo &&
		m.replyBy.Equal(o.replyBy) &&
		m.protocol == o.protocol &&
		m.ontology == o.ontology &&
		m.language == o.language &&
		bytes.Equal(m.content, o.content) &&
		m.createdAt.Equal(o.createdAt)
}

// String returns a short description for logs.
func (m Message) String() string {
	return fmt.Sprintf("%s %s->%v conv=%s id=%s", m.performative, m.sender, m.receivers, m.conversationID, m.id)
}
