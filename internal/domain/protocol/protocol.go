// Package protocol defines FIPA interaction protocols as finite state
// machines over performatives.
package protocol

import (
	"slices"

	"github.com/Strob0t/AgentHost/internal/domain/fipa"
)

// Role is the side of a conversation a member plays.
type Role string

const (
	Initiator   Role = "initiator"
	Participant Role = "participant"
)

// StateStart is the state of a conversation before its first message.
const StateStart = "start"

// Names of the built-in protocols. FreeForm is used when a message names
// no protocol.
const (
	FIPARequest     = "fipa-request"
	FIPAQuery       = "fipa-query"
	FIPAContractNet = "fipa-contract-net"
	FIPASubscribe   = "fipa-subscribe"
	FreeForm        = ""
)

// Transition is one edge of a protocol state machine.
type Transition struct {
	From         string
	Performative fipa.Performative
	Role         Role
	To           string
}

type edgeKey struct {
	from string
	perf fipa.Performative
	role Role
}

// Definition is an immutable protocol state machine.
type Definition struct {
	name           string
	edges          map[edgeKey]string
	terminal       map[string]bool
	notUnderstood  bool
	openAny        bool
	maxParticipant int
	complete       map[string]bool
	commitments    []Commitment
}

// Option configures a Definition.
type Option func(*Definition)

// WithNotUnderstood lets any member end the conversation with not-understood.
func WithNotUnderstood() Option {
	return func(d *Definition) { d.notUnderstood = true }
}

// WithMaxParticipants bounds the member set, initiator included. Zero means
// unbounded.
func WithMaxParticipants(n int) Option {
	return func(d *Definition) { d.maxParticipant = n }
}

// NewDefinition builds a protocol from its transitions and terminal states.
func NewDefinition(name string, transitions []Transition, terminal []string, opts ...Option) *Definition {
	d := &Definition{
		name:     name,
		edges:    make(map[edgeKey]string, len(transitions)),
		terminal: make(map[string]bool, len(terminal)),
	}
	for _, t := range transitions {
		d.edges[edgeKey{t.From, t.Performative, t.Role}] = t.To
	}
	for _, s := range terminal {
		d.terminal[s] = true
	}
	for _, o := range opts {
		o(d)
	}
	return d
}

// Name returns the protocol name carried in message protocol tags.
func (d *Definition) Name() string { return d.name }

// AllowsNotUnderstood reports whether not-understood is a legal reply.
func (d *Definition) AllowsNotUnderstood() bool { return d.notUnderstood }

// MaxParticipants returns the member bound, zero for none.
func (d *Definition) MaxParticipants() int { return d.maxParticipant }

// Opens reports whether p may start a conversation of this protocol.
func (d *Definition) Opens(p fipa.Performative) bool {
	if d.openAny {
		return true
	}
	_, ok := d.edges[edgeKey{StateStart, p, Initiator}]
	return ok
}

// Next returns the state reached when a member in role sends p from state.
func (d *Definition) Next(state string, p fipa.Performative, role Role) (string, bool) {
	if d.terminal[state] {
		return "", false
	}
	if d.openAny {
		return "open", true
	}
	if p == fipa.NotUnderstood && d.notUnderstood && state != StateStart {
		return "not-understood", true
	}
	to, ok := d.edges[edgeKey{state, p, role}]
	return to, ok
}

// Expected lists the performatives the given role may send from state, sorted.
func (d *Definition) Expected(state string, role Role) []string {
	if d.terminal[state] {
		return nil
	}
	var out []string
	for k := range d.edges {
		if k.from == state && k.role == role {
			out = append(out, string(k.perf))
		}
	}
	if d.notUnderstood && state != StateStart {
		out = append(out, string(fipa.NotUnderstood))
	}
	slices.Sort(out)
	return slices.Compact(out)
}

// IsTerminal reports whether state ends the conversation.
func (d *Definition) IsTerminal(state string) bool {
	return d.terminal[state] || state == "not-understood"
}

// FreeFormDefinition accepts any performative from any member. Its
// conversations end only through idle expiry.
func FreeFormDefinition() *Definition {
	d := NewDefinition(FreeForm, nil, nil)
	d.openAny = true
	return d
}
