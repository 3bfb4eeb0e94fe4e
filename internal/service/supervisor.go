package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/Strob0t/AgentHost/internal/domain"
	"github.com/Strob0t/AgentHost/internal/domain/agent"
	"github.com/Strob0t/AgentHost/internal/domain/fipa"
	"github.com/Strob0t/AgentHost/internal/domain/resource"
	"github.com/Strob0t/AgentHost/internal/logger"
	"github.com/Strob0t/AgentHost/internal/port/extension"
	"github.com/Strob0t/AgentHost/internal/port/observability"
	"github.com/Strob0t/AgentHost/internal/port/sandbox"
)

// Sender routes messages produced by agents. The Router implements it.
type Sender interface {
	Send(ctx context.Context, m fipa.Message) (*Receipt, error)
}

// SupervisorConfig holds the host-wide defaults applied at spawn. A zero
// DefaultLimits or RestartPolicy selects the package defaults.
type SupervisorConfig struct {
	DefaultLimits resource.Limits
	LimitCeiling  resource.Limits
	RestartPolicy agent.RestartPolicy
	Now           func() time.Time
}

// SpawnRequest describes a new agent.
type SpawnRequest struct {
	Name          string
	Module        sandbox.Module
	Limits        resource.Limits
	RestartPolicy *agent.RestartPolicy
}

// Supervisor owns every agent record and its lifecycle. Each agent has one
// worker goroutine consuming a bounded queue, so an agent's invocations
// never overlap.
type Supervisor struct {
	exec    *Executor
	hub     *Hub
	cfg     SupervisorConfig
	exts    []extension.Extension
	journal *Journal
	dead    *DeadLetters

	senderMu sync.RWMutex
	sender   Sender

	mu     sync.RWMutex
	agents map[agent.ID]*agentProc

	baseCtx context.Context
	cancel  context.CancelFunc
}

// SupervisorOption configures optional collaborators.
type SupervisorOption func(*Supervisor)

// WithExtensions installs delivery hooks, run in order.
func WithExtensions(exts ...extension.Extension) SupervisorOption {
	return func(s *Supervisor) { s.exts = append(s.exts, exts...) }
}

// WithJournal mirrors record changes to a store.
func WithJournal(j *Journal) SupervisorOption {
	return func(s *Supervisor) { s.journal = j }
}

// WithDeadLetters collects undeliverable messages.
func WithDeadLetters(d *DeadLetters) SupervisorOption {
	return func(s *Supervisor) { s.dead = d }
}

// NewSupervisor creates a supervisor executing agents through exec.
func NewSupervisor(exec *Executor, hub *Hub, cfg SupervisorConfig, opts ...SupervisorOption) *Supervisor {
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.DefaultLimits == (resource.Limits{}) {
		cfg.DefaultLimits = resource.Default()
	}
	if cfg.RestartPolicy == (agent.RestartPolicy{}) {
		cfg.RestartPolicy = agent.DefaultRestartPolicy()
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := &Supervisor{
		exec:    exec,
		hub:     hub,
		cfg:     cfg,
		agents:  make(map[agent.ID]*agentProc),
		baseCtx: ctx,
		cancel:  cancel,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// SetSender connects the supervisor to the router used by agent hosts.
func (s *Supervisor) SetSender(snd Sender) {
	s.senderMu.Lock()
	s.sender = snd
	s.senderMu.Unlock()
}

func (s *Supervisor) currentSender() Sender {
	s.senderMu.RLock()
	defer s.senderMu.RUnlock()
	return s.sender
}

// DeadLetters returns the undeliverable-message buffer, which may be nil.
func (s *Supervisor) DeadLetters() *DeadLetters { return s.dead }

type delivery struct {
	msg      fipa.Message
	release  func()
	enqueued time.Time
}

type agentProc struct {
	id     agent.ID
	module sandbox.Module
	slots  *semaphore.Weighted
	queue  chan delivery
	life   context.Context
	cancel context.CancelFunc
	done   chan struct{}

	mu      sync.Mutex
	rec     agent.Record
	inst    sandbox.Instance
	faults  int
	changed chan struct{}
	// resuspend restores Suspended once a restart completes.
	resuspend bool
}

func (p *agentProc) snapshot() agent.Record {
	r := p.rec
	r.QueueDepth = len(p.queue)
	return r
}

// Spawn creates an agent in Loading, instantiates its module and moves it
// to Ready. A failed instantiation leaves the agent Failed; it is not
// retried. The returned record reflects the final state either way.
func (s *Supervisor) Spawn(ctx context.Context, req SpawnRequest) (agent.Record, error) {
	if req.Module.Kind == "" || req.Module.Name == "" {
		return agent.Record{}, fmt.Errorf("%w: module kind and name are required", domain.ErrValidation)
	}
	limits := resource.Cap(resource.Merge(s.cfg.DefaultLimits, req.Limits), s.cfg.LimitCeiling)
	if err := limits.Validate(); err != nil {
		return agent.Record{}, err
	}
	policy := s.cfg.RestartPolicy
	if req.RestartPolicy != nil {
		policy = *req.RestartPolicy
	}
	if err := policy.Validate(); err != nil {
		return agent.Record{}, err
	}

	now := s.cfg.Now().UTC()
	life, cancel := context.WithCancel(s.baseCtx)
	p := &agentProc{
		id:      agent.NewID(),
		module:  req.Module,
		slots:   semaphore.NewWeighted(int64(limits.MaxMessagesInFlight)),
		queue:   make(chan delivery, limits.MaxMessagesInFlight),
		life:    life,
		cancel:  cancel,
		done:    make(chan struct{}),
		changed: make(chan struct{}),
	}
	p.rec = agent.Record{
		ID:            p.id,
		Name:          req.Name,
		ModuleKind:    req.Module.Kind,
		ModuleName:    req.Module.Name,
		ModuleDigest:  req.Module.Digest,
		State:         agent.StateLoading,
		Limits:        limits,
		RestartPolicy: policy,
		CreatedAt:     now,
		UpdatedAt:     now,
	}

	s.mu.Lock()
	s.agents[p.id] = p
	s.mu.Unlock()
	s.published(p.snapshot(), "")
	go s.run(p)

	inst, err := s.exec.Instantiate(ctx, req.Module, s.sandboxConfig(p))

	p.mu.Lock()
	if p.rec.State != agent.StateLoading {
		rec := p.snapshot()
		p.mu.Unlock()
		if inst != nil {
			_ = inst.Close(context.Background())
		}
		return rec, fmt.Errorf("%w: agent %s stopped during spawn", domain.ErrRoutingFailure, p.id)
	}
	if err != nil {
		s.transition(p, agent.StateFailed, err.Error())
		rec := p.snapshot()
		p.mu.Unlock()
		p.cancel()
		slog.Error("agent spawn failed", "agent_id", p.id, "module", req.Module.Name, "error", err)
		return rec, fmt.Errorf("spawn agent %s: %w", p.id, err)
	}
	p.inst = inst
	s.transition(p, agent.StateReady, "")
	rec := p.snapshot()
	p.mu.Unlock()

	slog.Info("agent spawned", "agent_id", p.id, "name", req.Name, "module", req.Module.Name, "kind", req.Module.Kind)
	return rec, nil
}

func (s *Supervisor) sandboxConfig(p *agentProc) sandbox.Config {
	return sandbox.Config{
		Agent:  p.id,
		Limits: p.rec.Limits,
		Host:   &agentHost{id: p.id, sup: s},
	}
}

func (s *Supervisor) proc(id agent.ID) (*agentProc, error) {
	s.mu.RLock()
	p, ok := s.agents[id]
	s.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", domain.ErrAgentNotFound, id)
	}
	return p, nil
}

// Get returns a snapshot of one agent.
func (s *Supervisor) Get(id agent.ID) (agent.Record, error) {
	p, err := s.proc(id)
	if err != nil {
		return agent.Record{}, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.snapshot(), nil
}

// List returns snapshots of every agent, oldest first.
func (s *Supervisor) List() []agent.Record {
	s.mu.RLock()
	procs := make([]*agentProc, 0, len(s.agents))
	for _, p := range s.agents {
		procs = append(procs, p)
	}
	s.mu.RUnlock()

	out := make([]agent.Record, 0, len(procs))
	for _, p := range procs {
		p.mu.Lock()
		out = append(out, p.snapshot())
		p.mu.Unlock()
	}
	slices.SortFunc(out, func(a, b agent.Record) int {
		if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
			return c
		}
		return compareIDs(a.ID, b.ID)
	})
	return out
}

func compareIDs(a, b agent.ID) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	}
	return 0
}

// Wait blocks until the agent reaches one of states or ctx ends.
func (s *Supervisor) Wait(ctx context.Context, id agent.ID, states ...agent.State) (agent.Record, error) {
	p, err := s.proc(id)
	if err != nil {
		return agent.Record{}, err
	}
	for {
		p.mu.Lock()
		rec := p.snapshot()
		ch := p.changed
		p.mu.Unlock()
		if slices.Contains(states, rec.State) {
			return rec, nil
		}
		select {
		case <-ch:
		case <-ctx.Done():
			return rec, fmt.Errorf("wait for agent %s: %w", id, ctx.Err())
		}
	}
}

// transition moves p to state to. Callers hold p.mu.
func (s *Supervisor) transition(p *agentProc, to agent.State, reason string) bool {
	from := p.rec.State
	if !agent.CanTransition(from, to) {
		slog.Debug("illegal agent transition ignored", "agent_id", p.id, "from", from, "to", to)
		return false
	}
	p.rec.State = to
	p.rec.UpdatedAt = s.cfg.Now().UTC()
	if reason != "" {
		p.rec.LastFailure = reason
	}
	close(p.changed)
	p.changed = make(chan struct{})
	s.published(p.snapshot(), string(from))
	return true
}

func (s *Supervisor) published(rec agent.Record, from string) {
	fields := map[string]any{"state": string(rec.State), "restart_count": rec.RestartCount}
	if from != "" {
		fields["from"] = from
	}
	if rec.LastFailure != "" && rec.State == agent.StateFailed {
		fields["reason"] = rec.LastFailure
	}
	s.hub.Emit(observability.Event{Type: observability.EventAgentState, AgentID: rec.ID.String(), Fields: fields})
	s.journal.Record(rec)
}

// Suspend pauses delivery. Queued and newly routed messages wait for Resume.
func (s *Supervisor) Suspend(id agent.ID) error {
	return s.move(id, agent.StateSuspended)
}

// Resume continues delivery to a suspended agent.
func (s *Supervisor) Resume(id agent.ID) error {
	return s.move(id, agent.StateReady)
}

func (s *Supervisor) move(id agent.ID, to agent.State) error {
	p, err := s.proc(id)
	if err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	from := p.rec.State
	if to == agent.StateReady && from != agent.StateSuspended {
		return &agent.TransitionError{ID: id, From: from, To: to}
	}
	if !s.transition(p, to, "") {
		return &agent.TransitionError{ID: id, From: from, To: to}
	}
	return nil
}

// Stop moves the agent to Stopped and returns its pending queue as
// undeliverable. A call already in progress runs to its own deadline; Stop
// waits for it until ctx ends. Stopping a terminal agent is a no-op.
func (s *Supervisor) Stop(ctx context.Context, id agent.ID) error {
	p, err := s.proc(id)
	if err != nil {
		return err
	}
	p.mu.Lock()
	if p.rec.State.IsTerminal() {
		p.mu.Unlock()
		return nil
	}
	s.transition(p, agent.StateStopped, "")
	p.mu.Unlock()
	p.cancel()

	s.drain(p, fmt.Errorf("%w: agent %s stopped", domain.ErrRoutingFailure, id))
	slog.Info("agent stopped", "agent_id", id)

	select {
	case <-p.done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("stop agent %s: %w", id, ctx.Err())
	}
}

// Shutdown stops every agent in parallel.
func (s *Supervisor) Shutdown(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	for _, rec := range s.List() {
		g.Go(func() error { return s.Stop(gctx, rec.ID) })
	}
	err := g.Wait()
	s.cancel()
	return err
}

func (s *Supervisor) drain(p *agentProc, reason error) {
	for {
		select {
		case d := <-p.queue:
			s.undeliverable(d.msg, p.id, reason)
			d.release()
		default:
			return
		}
	}
}

func (s *Supervisor) undeliverable(m fipa.Message, to agent.ID, reason error) {
	s.hub.Emit(observability.Event{
		Type:           observability.EventMessageUndelivered,
		AgentID:        to.String(),
		ConversationID: m.ConversationID(),
		Fields:         map[string]any{"message_id": m.ID(), "reason": reason.Error()},
	})
	s.returnToSender(m, to, reason)
	if s.dead == nil {
		slog.Warn("message undeliverable", "agent_id", to, "message_id", m.ID(), "reason", reason)
		return
	}
	s.dead.Add(m, to, reason)
}

// returnToSender queues a failure notice for a hosted sender. The notice
// bypasses the conversation and never blocks; a full sender queue drops it.
func (s *Supervisor) returnToSender(m fipa.Message, to agent.ID, reason error) {
	from := m.Sender()
	if from == SystemAgent || from == to {
		return
	}
	if _, err := s.proc(from); err != nil {
		return
	}
	content, _ := json.Marshal(noticeContent{Error: reason.Error(), MessageID: m.ID()})
	notice, err := fipa.New(fipa.Params{
		Performative:   fipa.Failure,
		Sender:         SystemAgent,
		Receivers:      []agent.ID{from},
		ConversationID: m.ConversationID(),
		InReplyTo:      m.ReplyWith(),
		Protocol:       m.Protocol(),
		Ontology:       m.Ontology(),
		Language:       fipa.LanguageJSON,
		Content:        content,
	})
	if err != nil {
		return
	}
	res, err := s.Reserve(s.baseCtx, from, false)
	if err != nil {
		slog.Debug("undeliverable notice dropped", "agent_id", from, "message_id", m.ID(), "error", err)
		return
	}
	if err := res.Commit(notice, s.cfg.Now()); err != nil {
		res.Release()
	}
}

func (s *Supervisor) run(p *agentProc) {
	defer close(p.done)
	defer func() {
		p.mu.Lock()
		inst := p.inst
		p.inst = nil
		state := p.rec.State
		p.mu.Unlock()
		if inst != nil {
			_ = inst.Close(context.Background())
		}
		s.drain(p, fmt.Errorf("%w: agent %s is %s", domain.ErrRoutingFailure, p.id, state))
	}()

	for {
		select {
		case <-p.life.Done():
			return
		case d := <-p.queue:
			if !s.awaitRunnable(p) {
				p.mu.Lock()
				state := p.rec.State
				p.mu.Unlock()
				s.undeliverable(d.msg, p.id, fmt.Errorf("%w: agent %s is %s", domain.ErrRoutingFailure, p.id, state))
				d.release()
				continue
			}
			s.process(p, d)
		}
	}
}

// awaitRunnable blocks while the agent is suspended or loading and moves it
// to Running. It returns false once the agent is terminal.
func (s *Supervisor) awaitRunnable(p *agentProc) bool {
	for {
		p.mu.Lock()
		switch p.rec.State {
		case agent.StateReady:
			s.transition(p, agent.StateRunning, "")
			p.mu.Unlock()
			return true
		case agent.StateStopped, agent.StateFailed:
			p.mu.Unlock()
			return false
		}
		ch := p.changed
		p.mu.Unlock()

		select {
		case <-ch:
		case <-p.life.Done():
			return false
		}
	}
}

func (s *Supervisor) process(p *agentProc, d delivery) {
	defer d.release()
	m := d.msg
	ctx := logger.WithConversationID(logger.WithAgentID(s.baseCtx, string(p.id)), m.ConversationID())

	for _, ext := range s.exts {
		if err := ext.BeforeMessage(ctx, p.id, m); err != nil {
			s.settle(p)
			s.undeliverable(m, p.id, fmt.Errorf("extension %s: %w", ext.Name(), err))
			return
		}
	}

	p.mu.Lock()
	inst, limits := p.inst, p.rec.Limits
	p.mu.Unlock()

	err := s.exec.Invoke(ctx, inst, limits, m)

	for _, ext := range s.exts {
		afterMessageSafe(ctx, ext, p.id, m, err)
	}
	s.hub.RecordMetric(observability.MetricDeliveryLatency, float64(time.Since(d.enqueued).Microseconds())/1000, nil)

	if domain.IsRestartable(err) {
		s.fault(p, err)
		return
	}
	if err != nil {
		slog.WarnContext(ctx, "agent returned error", "message_id", m.ID(), "error", err)
	}
	p.mu.Lock()
	p.faults = 0
	p.mu.Unlock()
	s.settle(p)
	s.hub.Emit(observability.Event{
		Type:           observability.EventMessageDelivered,
		AgentID:        p.id.String(),
		ConversationID: m.ConversationID(),
		Fields:         map[string]any{"message_id": m.ID(), "performative": string(m.Performative())},
	})
}

func afterMessageSafe(ctx context.Context, ext extension.Extension, id agent.ID, m fipa.Message, err error) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("extension panicked", "extension", ext.Name(), "panic", r)
		}
	}()
	ext.AfterMessage(ctx, id, m, err)
}

// settle returns a running agent to Ready after a call.
func (s *Supervisor) settle(p *agentProc) {
	p.mu.Lock()
	if p.rec.State == agent.StateRunning {
		s.transition(p, agent.StateReady, "")
	}
	p.mu.Unlock()
}

// fault applies the restart policy after a trap or quota breach.
func (s *Supervisor) fault(p *agentProc, cause error) {
	p.mu.Lock()
	if p.rec.State == agent.StateStopped {
		p.mu.Unlock()
		return
	}
	p.faults++
	attempt := p.faults
	p.resuspend = p.rec.State == agent.StateSuspended
	s.transition(p, agent.StateFailed, cause.Error())
	old := p.inst
	p.inst = nil
	policy := p.rec.RestartPolicy
	allowed := policy.Allows(attempt)
	if allowed {
		p.rec.RestartCount++
		s.transition(p, agent.StateLoading, "")
	}
	p.mu.Unlock()

	if old != nil {
		_ = old.Close(context.Background())
	}
	evt := observability.EventSandboxTrap
	if errors.Is(cause, domain.ErrResourceExceeded) {
		evt = observability.EventResourceExceeded
	}
	s.hub.Emit(observability.Event{Type: evt, AgentID: p.id.String(), Fields: map[string]any{"error": cause.Error(), "consecutive_faults": attempt}})

	if !allowed {
		slog.Error("agent failed permanently", "agent_id", p.id, "consecutive_faults", attempt, "error", cause)
		p.cancel()
		return
	}

	delay := policy.Delay(attempt)
	slog.Warn("agent faulted, restarting", "agent_id", p.id, "attempt", attempt, "delay", delay, "error", cause)
	s.hub.RecordMetric(observability.MetricRestarts, 1, map[string]string{"agent_id": p.id.String()})
	if delay > 0 {
		t := time.NewTimer(delay)
		select {
		case <-t.C:
		case <-p.life.Done():
			t.Stop()
			return
		}
	}

	p.mu.Lock()
	cfg := s.sandboxConfig(p)
	p.mu.Unlock()
	inst, err := s.exec.Instantiate(s.baseCtx, p.module, cfg)

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.rec.State != agent.StateLoading {
		if inst != nil {
			_ = inst.Close(context.Background())
		}
		return
	}
	if err != nil {
		s.transition(p, agent.StateFailed, err.Error())
		slog.Error("agent restart failed", "agent_id", p.id, "error", err)
		p.cancel()
		return
	}
	p.inst = inst
	s.transition(p, agent.StateReady, "")
	if p.resuspend {
		p.resuspend = false
		s.transition(p, agent.StateSuspended, "")
	}
	s.hub.Emit(observability.Event{Type: observability.EventAgentRestart, AgentID: p.id.String(), Fields: map[string]any{"restart_count": p.rec.RestartCount}})
}

// Reservation is a claimed slot in an agent's inbound queue.
type Reservation struct {
	p         *agentProc
	once      sync.Once
	committed bool
	limits    resource.Limits
}

// Limits returns the receiver's resource limits.
func (r *Reservation) Limits() resource.Limits { return r.limits }

func (r *Reservation) free() {
	r.once.Do(func() { r.p.slots.Release(1) })
}

// Release gives the slot back if the reservation was not committed.
func (r *Reservation) Release() {
	if r.committed {
		return
	}
	r.free()
}

// Commit enqueues m into the reserved slot. It never blocks.
func (r *Reservation) Commit(m fipa.Message, now time.Time) error {
	p := r.p
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.rec.Accepting() {
		return fmt.Errorf("%w: agent %s is %s", domain.ErrRoutingFailure, p.id, p.rec.State)
	}
	select {
	case p.queue <- delivery{msg: m, release: r.free, enqueued: now}:
		r.committed = true
		return nil
	default:
		return fmt.Errorf("%w: agent %s", domain.ErrQueueFull, p.id)
	}
}

func checkAccepting(p *agentProc) (resource.Limits, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.rec.Accepting() {
		return resource.Limits{}, fmt.Errorf("%w: agent %s is %s", domain.ErrRoutingFailure, p.id, p.rec.State)
	}
	return p.rec.Limits, nil
}

// Reserve claims an inbound slot on id. With block set it waits for
// capacity until ctx ends or the agent stops; otherwise a full queue
// fails with ErrQueueFull.
func (s *Supervisor) Reserve(ctx context.Context, id agent.ID, block bool) (*Reservation, error) {
	p, err := s.proc(id)
	if err != nil {
		return nil, err
	}
	limits, err := checkAccepting(p)
	if err != nil {
		return nil, err
	}

	if block {
		acqCtx, cancel := context.WithCancel(ctx)
		stop := context.AfterFunc(p.life, cancel)
		err := p.slots.Acquire(acqCtx, 1)
		stop()
		cancel()
		if err != nil {
			if p.life.Err() != nil {
				return nil, fmt.Errorf("%w: agent %s stopped while waiting for capacity", domain.ErrRoutingFailure, id)
			}
			return nil, fmt.Errorf("%w: waiting for capacity on agent %s: %w", domain.ErrQueueFull, id, ctx.Err())
		}
	} else if !p.slots.TryAcquire(1) {
		return nil, fmt.Errorf("%w: agent %s has %d messages in flight", domain.ErrQueueFull, id, limits.MaxMessagesInFlight)
	}

	r := &Reservation{p: p, limits: limits}
	if _, err := checkAccepting(p); err != nil {
		r.free()
		return nil, err
	}
	return r, nil
}

// agentHost is the capability surface handed to one agent's sandbox.
type agentHost struct {
	id  agent.ID
	sup *Supervisor
}

func (h *agentHost) Self() agent.ID { return h.id }

func (h *agentHost) Now() time.Time { return h.sup.cfg.Now() }

func (h *agentHost) Log(level slog.Level, msg string) {
	slog.Log(context.Background(), level, msg, "agent_id", h.id, "source", "agent")
}

func (h *agentHost) Send(ctx context.Context, p fipa.Params) error {
	p.Sender = h.id
	m, err := fipa.New(p)
	if err != nil {
		return err
	}
	snd := h.sup.currentSender()
	if snd == nil {
		return fmt.Errorf("%w: no router attached", domain.ErrRoutingFailure)
	}
	rcpt, err := snd.Send(ctx, m)
	if err != nil {
		return err
	}
	return rcpt.Err()
}
