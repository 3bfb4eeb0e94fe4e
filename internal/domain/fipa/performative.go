// Package fipa defines FIPA-ACL messages: performatives, the immutable
// Message value, its wire envelope and the JSON and CBOR codecs.
package fipa

import (
	"fmt"

	"github.com/Strob0t/AgentHost/internal/domain"
)

// Performative is a FIPA communicative act.
type Performative string

const (
	AcceptProposal  Performative = "accept-proposal"
	Agree           Performative = "agree"
	Cancel          Performative = "cancel"
	CFP             Performative = "cfp"
	Confirm         Performative = "confirm"
	Disconfirm      Performative = "disconfirm"
	Failure         Performative = "failure"
	Inform          Performative = "inform"
	InformIf        Performative = "inform-if"
	InformRef       Performative = "inform-ref"
	NotUnderstood   Performative = "not-understood"
	Propagate       Performative = "propagate"
	Propose         Performative = "propose"
	Proxy           Performative = "proxy"
	QueryIf         Performative = "query-if"
	QueryRef        Performative = "query-ref"
	Refuse          Performative = "refuse"
	RejectProposal  Performative = "reject-proposal"
	Request         Performative = "request"
	RequestWhen     Performative = "request-when"
	RequestWhenever Performative = "request-whenever"
	Subscribe       Performative = "subscribe"
)

var performatives = map[Performative]bool{
	AcceptProposal:  true,
	Agree:           true,
	Cancel:          true,
	CFP:             true,
	Confirm:         true,
	Disconfirm:      true,
	Failure:         true,
	Inform:          true,
	InformIf:        true,
	InformRef:       true,
	NotUnderstood:   true,
	Propagate:       true,
	Propose:         true,
	Proxy:           true,
	QueryIf:         true,
	QueryRef:        true,
	Refuse:          true,
	RejectProposal:  true,
	Request:         true,
	RequestWhen:     true,
	RequestWhenever: true,
	Subscribe:       true,
}

// Valid reports whether p is a standard FIPA performative.
func (p Performative) Valid() bool {
	return performatives[p]
}

// String implements fmt.Stringer.
func (p Performative) String() string { return string(p) }

// ParsePerformative converts the FIPA name of a performative.
func ParsePerformative(s string) (Performative, error) {
	p := Performative(s)
	if !p.Valid() {
		return "", fmt.Errorf("%w: unknown performative %q", domain.ErrValidation, s)
	}
	return p, nil
}
