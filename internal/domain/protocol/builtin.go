package protocol

import "github.com/Strob0t/AgentHost/internal/domain/fipa"

func edges(from string, role Role, to string, perfs ...fipa.Performative) []Transition {
	out := make([]Transition, 0, len(perfs))
	for _, p := range perfs {
		out = append(out, Transition{From: from, Performative: p, Role: role, To: to})
	}
	return out
}

func join(groups ...[]Transition) []Transition {
	var out []Transition
	for _, g := range groups {
		out = append(out, g...)
	}
	return out
}

// Request is fipa-request between one initiator and one participant.
func Request() *Definition {
	return NewDefinition(FIPARequest, join(
		edges(StateStart, Initiator, "requested", fipa.Request),
		edges("requested", Participant, "agreed", fipa.Agree),
		edges("requested", Participant, "refused", fipa.Refuse),
		edges("agreed", Participant, "done", fipa.Inform),
		edges("agreed", Participant, "failed", fipa.Failure),
		edges("requested", Initiator, "cancelling", fipa.Cancel),
		edges("agreed", Initiator, "cancelling", fipa.Cancel),
		edges("cancelling", Participant, "cancelled", fipa.Inform, fipa.Failure),
	),
		[]string{"refused", "done", "failed", "cancelled"},
		WithNotUnderstood(), WithMaxParticipants(2),
	)
}

// Query is fipa-query. A participant may answer directly or agree first.
func Query() *Definition {
	return NewDefinition(FIPAQuery, join(
		edges(StateStart, Initiator, "queried", fipa.QueryIf, fipa.QueryRef),
		edges("queried", Participant, "answered", fipa.Inform),
		edges("queried", Participant, "refused", fipa.Refuse),
		edges("queried", Participant, "failed", fipa.Failure),
		edges("queried", Participant, "agreed", fipa.Agree),
		edges("agreed", Participant, "answered", fipa.Inform),
		edges("agreed", Participant, "failed", fipa.Failure),
	),
		[]string{"answered", "refused", "failed"},
		WithNotUnderstood(), WithMaxParticipants(2),
	)
}

// ContractNet is fipa-contract-net. Proposals and awards loop so several
// participants can bid and be answered. The conversation ends on
// cancellation, or once every proposal has been accepted or rejected and
// every accepted bidder has reported its result.
func ContractNet() *Definition {
	return NewDefinition(FIPAContractNet, join(
		edges(StateStart, Initiator, "cfp", fipa.CFP),
		edges("cfp", Participant, "proposals", fipa.Propose, fipa.Refuse),
		edges("proposals", Participant, "proposals", fipa.Propose, fipa.Refuse),
		edges("proposals", Initiator, "awarding", fipa.AcceptProposal, fipa.RejectProposal),
		edges("awarding", Initiator, "awarding", fipa.AcceptProposal, fipa.RejectProposal),
		edges("awarding", Participant, "results", fipa.Inform, fipa.Failure),
		edges("results", Participant, "results", fipa.Inform, fipa.Failure),
		edges("results", Initiator, "results", fipa.RejectProposal),
		edges("cfp", Initiator, "cancelled", fipa.Cancel),
		edges("proposals", Initiator, "cancelled", fipa.Cancel),
		edges("awarding", Initiator, "cancelled", fipa.Cancel),
	),
		[]string{"cancelled"},
		WithNotUnderstood(),
		WithCompletion([]string{"awarding", "results"},
			Commitment{Creates: []fipa.Performative{fipa.Propose}, Settles: []fipa.Performative{fipa.AcceptProposal, fipa.RejectProposal}},
			Commitment{Creates: []fipa.Performative{fipa.AcceptProposal}, Settles: []fipa.Performative{fipa.Inform, fipa.Failure}},
		),
	)
}

// Subscribe is fipa-subscribe. An agreed subscription receives any number
// of informs until the initiator cancels.
func Subscribe() *Definition {
	return NewDefinition(FIPASubscribe, join(
		edges(StateStart, Initiator, "subscribing", fipa.Subscribe),
		edges("subscribing", Participant, "subscribed", fipa.Agree),
		edges("subscribing", Participant, "refused", fipa.Refuse),
		edges("subscribed", Participant, "subscribed", fipa.Inform),
		edges("subscribed", Participant, "failed", fipa.Failure),
		edges("subscribing", Initiator, "cancelling", fipa.Cancel),
		edges("subscribed", Initiator, "cancelling", fipa.Cancel),
		edges("cancelling", Participant, "cancelled", fipa.Inform, fipa.Failure),
	),
		[]string{"refused", "failed", "cancelled"},
		WithNotUnderstood(), WithMaxParticipants(2),
	)
}

// Registry maps protocol names to definitions.
type Registry struct {
	defs map[string]*Definition
}

// NewRegistry returns a registry holding the built-in protocols and the
// free-form fallback.
func NewRegistry(extra ...*Definition) *Registry {
	r := &Registry{defs: make(map[string]*Definition)}
	for _, d := range []*Definition{Request(), Query(), ContractNet(), Subscribe(), FreeFormDefinition()} {
		r.defs[d.Name()] = d
	}
	for _, d := range extra {
		r.defs[d.Name()] = d
	}
	return r
}

// Lookup returns the definition for name.
func (r *Registry) Lookup(name string) (*Definition, bool) {
	d, ok := r.defs[name]
	return d, ok
}
