package protocol

import (
	"slices"

	"github.com/Strob0t/AgentHost/internal/domain/agent"
	"github.com/Strob0t/AgentHost/internal/domain/fipa"
)

// Commitment makes every receiver of a Creates performative owe the sender
// one of the Settles performatives.
type Commitment struct {
	Creates []fipa.Performative
	Settles []fipa.Performative
}

// Debt is a reply From owes To.
type Debt struct {
	From agent.ID
	To   agent.ID
}

// Ledger holds the replies still owed inside one conversation.
type Ledger map[Debt]struct{}

// WithCompletion ends a conversation once it sits in one of states and no
// commitment is outstanding.
func WithCompletion(states []string, commitments ...Commitment) Option {
	return func(d *Definition) {
		d.complete = make(map[string]bool, len(states))
		for _, s := range states {
			d.complete[s] = true
		}
		d.commitments = commitments
	}
}

// Record applies one accepted message to l. A performative that settles a
// debt and opens a new one does both, settling first.
func (d *Definition) Record(l Ledger, sender agent.ID, receivers []agent.ID, p fipa.Performative) {
	for _, c := range d.commitments {
		if slices.Contains(c.Settles, p) {
			for _, r := range receivers {
				delete(l, Debt{From: sender, To: r})
			}
		}
	}
	for _, c := range d.commitments {
		if slices.Contains(c.Creates, p) {
			for _, r := range receivers {
				l[Debt{From: r, To: sender}] = struct{}{}
			}
		}
	}
}

// Completed reports whether a conversation in state with ledger l is done.
func (d *Definition) Completed(state string, l Ledger) bool {
	return d.complete[state] && len(l) == 0
}
