package fipa_test

import (
	"errors"
	"testing"
	"time"

	"github.com/Strob0t/AgentHost/internal/domain"
	"github.com/Strob0t/AgentHost/internal/domain/agent"
	"github.com/Strob0t/AgentHost/internal/domain/fipa"
)

func validParams() fipa.Params {
	return fipa.Params{
		Performative: fipa.Request,
		Sender:       "alice",
		Receivers:    []agent.ID{"bob"},
		Content:      []byte("do it"),
	}
}

func TestNew_Validation(t *testing.T) {
	tests := []struct {
		name   string
		modify func(*fipa.Params)
	}{
		{"unknown performative", func(p *fipa.Params) { p.Performative = "shout" }},
		{"empty sender", func(p *fipa.Params) { p.Sender = "" }},
		{"no receivers", func(p *fipa.Params) { p.Receivers = nil }},
		{"empty receiver", func(p *fipa.Params) { p.Receivers = []agent.ID{""} }},
		{"receiver equals sender", func(p *fipa.Params) { p.Receivers = []agent.ID{"bob", "alice"} }},
		{"duplicate receiver", func(p *fipa.Params) { p.Receivers = []agent.ID{"bob", "bob"} }},
		{"empty content", func(p *fipa.Params) { p.Content = nil }},
		{"invalid json content", func(p *fipa.Params) { p.Language = "json"; p.Content = []byte("{nope") }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := validParams()
			tt.modify(&p)
			if _, err := fipa.New(p); !errors.Is(err, domain.ErrValidation) {
				t.Errorf("expected ErrValidation, got %v", err)
			}
		})
	}
}

func TestNew_GeneratesIdentifiers(t *testing.T) {
	m, err := fipa.New(validParams())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if m.ID() == "" {
		t.Error("expected generated message id")
	}
	if m.ConversationID() == "" {
		t.Error("expected generated conversation id")
	}
	if m.CreatedAt().IsZero() || m.CreatedAt().Location() != time.UTC {
		t.Errorf("expected UTC created-at, got %v", m.CreatedAt())
	}
	if m.IsBroadcast() {
		t.Error("single receiver should not be a broadcast")
	}
}

func TestMessage_Immutable(t *testing.T) {
	p := validParams()
	p.Receivers = []agent.ID{"bob", "carol"}
	m, err := fipa.New(p)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	p.Receivers[0] = "mallory"
	p.Content[0] = 'X'
	if m.Receivers()[0] != "bob" {
		t.Errorf("expected receivers to be copied on construction, got %v", m.Receivers())
	}
	if string(m.Content()) != "do it" {
		t.Errorf("expected content to be copied on construction, got %q", m.Content())
	}

	got := m.Receivers()
	got[1] = "mallory"
	if m.Receivers()[1] != "carol" {
		t.Error("expected receivers accessor to return a copy")
	}
	if !m.IsBroadcast() {
		t.Error("two receivers should be a broadcast")
	}
}

func TestMessage_Reply(t *testing.T) {
	p := validParams()
	p.ReplyWith = "r1"
	p.Protocol = "fipa-request"
	req, err := fipa.New(p)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	reply, err := req.Reply("bob", fipa.Agree, []byte("ok"))
	if err != nil {
		t.Fatalf("Reply: %v", err)
	}
	if reply.Sender() != "bob" || reply.Receivers()[0] != "alice" {
		t.Errorf("expected bob -> alice, got %s -> %v", reply.Sender(), reply.Receivers())
	}
	if reply.ConversationID() != req.ConversationID() {
		t.Errorf("expected conversation %s, got %s", req.ConversationID(), reply.ConversationID())
	}
	if reply.InReplyTo() != "r1" {
		t.Errorf("expected in-reply-to r1, got %q", reply.InReplyTo())
	}
	if reply.Protocol() != "fipa-request" {
		t.Errorf("expected protocol carried over, got %q", reply.Protocol())
	}
}

func TestParsePerformative(t *testing.T) {
	if _, err := fipa.ParsePerformative("inform"); err != nil {
		t.Errorf("expected inform to parse, got %v", err)
	}
	if _, err := fipa.ParsePerformative("yell"); !errors.Is(err, domain.ErrValidation) {
		t.Errorf("expected ErrValidation, got %v", err)
	}
}
