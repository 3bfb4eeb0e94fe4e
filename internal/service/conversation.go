package service

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/Strob0t/AgentHost/internal/domain"
	"github.com/Strob0t/AgentHost/internal/domain/agent"
	"github.com/Strob0t/AgentHost/internal/domain/fipa"
	"github.com/Strob0t/AgentHost/internal/domain/protocol"
	"github.com/Strob0t/AgentHost/internal/port/observability"
)

// ConversationConfig bounds conversation bookkeeping.
type ConversationConfig struct {
	IdleTimeout     time.Duration
	TombstoneTTL    time.Duration
	SweepInterval   time.Duration
	MaxParticipants int
	MaxHistory      int
	Now             func() time.Time
}

// ConversationStats are point-in-time counters.
type ConversationStats struct {
	Active     int   `json:"active"`
	Tombstoned int   `json:"tombstoned"`
	Opened     int64 `json:"opened"`
	Closed     int64 `json:"closed"`
	Expired    int64 `json:"expired"`
	Violations int64 `json:"violations"`
}

type conversation struct {
	def  *protocol.Definition
	snap protocol.Conversation
	owed protocol.Ledger
}

// ConversationManager tracks one protocol state machine per active
// conversation and is the only writer of conversation state.
type ConversationManager struct {
	reg *protocol.Registry
	hub *Hub
	cfg ConversationConfig

	mu         sync.Mutex
	convs      map[string]*conversation
	tombstones map[string]time.Time
	stats      ConversationStats
}

// NewConversationManager creates a manager using the protocols in reg.
func NewConversationManager(reg *protocol.Registry, hub *Hub, cfg ConversationConfig) *ConversationManager {
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = 10 * time.Minute
	}
	if cfg.TombstoneTTL <= 0 {
		cfg.TombstoneTTL = time.Hour
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = 30 * time.Second
	}
	if cfg.MaxHistory <= 0 {
		cfg.MaxHistory = 256
	}
	return &ConversationManager{
		reg:        reg,
		hub:        hub,
		cfg:        cfg,
		convs:      make(map[string]*conversation),
		tombstones: make(map[string]time.Time),
	}
}

type verdict struct {
	conv   *conversation
	opened bool
	next   string
}

// Validate reports whether m would be accepted without changing any state.
func (c *ConversationManager) Validate(m fipa.Message) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, err := c.check(m)
	return err
}

// Accept validates m and, if legal, advances its conversation. Rejected
// messages leave the conversation untouched.
func (c *ConversationManager) Accept(m fipa.Message) error {
	c.mu.Lock()
	v, err := c.check(m)
	if err != nil {
		c.stats.Violations++
		c.mu.Unlock()
		c.hub.Emit(observability.Event{
			Type:           observability.EventProtocolViolation,
			AgentID:        m.Sender().String(),
			ConversationID: m.ConversationID(),
			Fields:         map[string]any{"performative": string(m.Performative()), "error": err.Error()},
		})
		return err
	}

	now := c.cfg.Now().UTC()
	conv := v.conv
	if v.opened {
		c.convs[m.ConversationID()] = conv
		c.stats.Opened++
	}
	conv.snap.State = v.next
	conv.snap.LastActivity = now
	conv.snap.Performatives = append(conv.snap.Performatives, m.Performative())
	if over := len(conv.snap.Performatives) - c.cfg.MaxHistory; over > 0 {
		conv.snap.Performatives = slices.Delete(conv.snap.Performatives, 0, over)
	}
	conv.def.Record(conv.owed, m.Sender(), m.Receivers(), m.Performative())
	closed := conv.def.IsTerminal(v.next) || conv.def.Completed(v.next, conv.owed)
	if closed {
		c.closeLocked(m.ConversationID(), now)
		c.stats.Closed++
	}
	c.mu.Unlock()

	if v.opened {
		c.hub.Emit(observability.Event{
			Type:           observability.EventConversationOpened,
			AgentID:        m.Sender().String(),
			ConversationID: m.ConversationID(),
			Fields:         map[string]any{"protocol": conv.def.Name()},
		})
	}
	if closed {
		c.hub.Emit(observability.Event{
			Type:           observability.EventConversationClosed,
			ConversationID: m.ConversationID(),
			Fields:         map[string]any{"state": v.next, "reason": "completed"},
		})
	}
	return nil
}

// check computes the transition for m. Callers hold c.mu.
func (c *ConversationManager) check(m fipa.Message) (verdict, error) {
	id := m.ConversationID()
	if _, dead := c.tombstones[id]; dead {
		return verdict{}, fmt.Errorf("%w: %s is closed", domain.ErrUnknownConversation, id)
	}

	conv, ok := c.convs[id]
	if !ok {
		return c.open(m)
	}

	def := conv.def
	violation := func(reason string, expected []string) error {
		return &domain.ProtocolViolationError{
			ConversationID: id,
			Protocol:       def.Name(),
			State:          conv.snap.State,
			Got:            string(m.Performative()),
			Expected:       expected,
			Reason:         reason,
		}
	}
	if m.Protocol() != def.Name() {
		return verdict{}, violation(fmt.Sprintf("protocol %q does not match conversation", m.Protocol()), nil)
	}
	if !slices.Contains(conv.snap.Participants, m.Sender()) {
		return verdict{}, violation(fmt.Sprintf("sender %s is not a participant", m.Sender()), nil)
	}
	for _, r := range m.Receivers() {
		if !slices.Contains(conv.snap.Participants, r) {
			return verdict{}, violation(fmt.Sprintf("receiver %s is not a participant", r), nil)
		}
	}

	role := conv.snap.RoleOf(m.Sender())
	next, ok := def.Next(conv.snap.State, m.Performative(), role)
	if !ok {
		return verdict{}, violation("", def.Expected(conv.snap.State, role))
	}
	return verdict{conv: conv, next: next}, nil
}

func (c *ConversationManager) open(m fipa.Message) (verdict, error) {
	id := m.ConversationID()
	def, ok := c.reg.Lookup(m.Protocol())
	if !ok {
		return verdict{}, &domain.ProtocolViolationError{
			ConversationID: id,
			Protocol:       m.Protocol(),
			State:          protocol.StateStart,
			Got:            string(m.Performative()),
			Reason:         "unknown protocol",
		}
	}
	if !def.Opens(m.Performative()) {
		return verdict{}, fmt.Errorf("%w: %s cannot open conversation %s", domain.ErrUnknownConversation, m.Performative(), id)
	}

	members := append([]agent.ID{m.Sender()}, m.Receivers()...)
	maxMembers := def.MaxParticipants()
	if c.cfg.MaxParticipants > 0 && (maxMembers == 0 || c.cfg.MaxParticipants < maxMembers) {
		maxMembers = c.cfg.MaxParticipants
	}
	if maxMembers > 0 && len(members) > maxMembers {
		return verdict{}, &domain.ProtocolViolationError{
			ConversationID: id,
			Protocol:       def.Name(),
			State:          protocol.StateStart,
			Got:            string(m.Performative()),
			Reason:         fmt.Sprintf("%d participants exceed the limit of %d", len(members), maxMembers),
		}
	}

	next, _ := def.Next(protocol.StateStart, m.Performative(), protocol.Initiator)
	now := c.cfg.Now().UTC()
	return verdict{
		conv: &conversation{
			def:  def,
			owed: make(protocol.Ledger),
			snap: protocol.Conversation{
				ID:           id,
				Protocol:     def.Name(),
				State:        protocol.StateStart,
				Initiator:    m.Sender(),
				Participants: members,
				CreatedAt:    now,
				LastActivity: now,
			},
		},
		opened: true,
		next:   next,
	}, nil
}

func (c *ConversationManager) closeLocked(id string, now time.Time) {
	delete(c.convs, id)
	c.tombstones[id] = now
}

// AllowsNotUnderstood reports whether the protocol named by m lets a
// rejected message be answered with not-understood.
func (c *ConversationManager) AllowsNotUnderstood(m fipa.Message) bool {
	def, ok := c.reg.Lookup(m.Protocol())
	return ok && def.AllowsNotUnderstood()
}

// Get returns a snapshot of an active conversation.
func (c *ConversationManager) Get(id string) (protocol.Conversation, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	conv, ok := c.convs[id]
	if !ok {
		return protocol.Conversation{}, fmt.Errorf("%w: %s", domain.ErrUnknownConversation, id)
	}
	snap := conv.snap
	snap.Participants = slices.Clone(snap.Participants)
	snap.Performatives = slices.Clone(snap.Performatives)
	return snap, nil
}

// Stats returns current counters.
func (c *ConversationManager) Stats() ConversationStats {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := c.stats
	s.Active = len(c.convs)
	s.Tombstoned = len(c.tombstones)
	return s
}

// Sweep closes conversations idle past the timeout and forgets expired
// tombstones. It returns the number of conversations closed.
func (c *ConversationManager) Sweep() int {
	now := c.cfg.Now().UTC()
	var expired []string

	c.mu.Lock()
	for id, conv := range c.convs {
		if now.Sub(conv.snap.LastActivity) >= c.cfg.IdleTimeout {
			c.closeLocked(id, now)
			expired = append(expired, id)
		}
	}
	for id, at := range c.tombstones {
		if now.Sub(at) >= c.cfg.TombstoneTTL {
			delete(c.tombstones, id)
		}
	}
	c.stats.Expired += int64(len(expired))
	c.mu.Unlock()

	for _, id := range expired {
		c.hub.Emit(observability.Event{
			Type:           observability.EventConversationClosed,
			ConversationID: id,
			Fields:         map[string]any{"reason": "idle"},
		})
	}
	if len(expired) > 0 {
		slog.Debug("idle conversations closed", "count", len(expired))
	}
	return len(expired)
}

// Run sweeps periodically until ctx ends.
func (c *ConversationManager) Run(ctx context.Context) {
	t := time.NewTicker(c.cfg.SweepInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			c.Sweep()
		}
	}
}
