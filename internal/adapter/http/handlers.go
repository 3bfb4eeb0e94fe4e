package http

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/Strob0t/AgentHost/internal/domain/agent"
	"github.com/Strob0t/AgentHost/internal/domain/fipa"
	"github.com/Strob0t/AgentHost/internal/domain/resource"
	"github.com/Strob0t/AgentHost/internal/port/sandbox"
	"github.com/Strob0t/AgentHost/internal/service"
)

const (
	maxRequestBodySize    = 1 << 20 // 1 MB
	defaultMaxModuleBytes = 16 << 20
	stopTimeout           = 10 * time.Second
)

// HealthCheck checks one dependency.
type HealthCheck struct {
	Name  string
	Check func(ctx context.Context) error
}

// Handlers holds the HTTP handler dependencies.
type Handlers struct {
	Runtime *service.Runtime
	// Events serves the WebSocket event stream; nil leaves /ws unmounted.
	Events         http.Handler
	Health         []HealthCheck
	MaxModuleBytes int64
	Version        string
}

// ---------------------------------------------------------------------------
// Health & stats
// ---------------------------------------------------------------------------

type healthResponse struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks,omitempty"`
}

// Healthz reports ok only when every dependency check passes.
func (h *Handlers) Healthz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	resp := healthResponse{Status: "ok", Checks: make(map[string]string, len(h.Health))}
	status := http.StatusOK
	for _, c := range h.Health {
		if err := c.Check(ctx); err != nil {
			resp.Checks[c.Name] = err.Error()
			resp.Status = "degraded"
			status = http.StatusServiceUnavailable
			continue
		}
		resp.Checks[c.Name] = "ok"
	}
	writeJSON(w, status, resp)
}

// Stats returns runtime counters.
func (h *Handlers) Stats(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, h.Runtime.Stats())
}

// ---------------------------------------------------------------------------
// Modules
// ---------------------------------------------------------------------------

// UploadModule registers the raw request body as a module of the given
// kind and name (query parameters).
func (h *Handlers) UploadModule(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	kind, name := q.Get("kind"), q.Get("name")
	if !requireField(w, kind, "kind") || !requireField(w, name, "name") {
		return
	}
	limit := h.MaxModuleBytes
	if limit <= 0 {
		limit = defaultMaxModuleBytes
	}
	code, err := io.ReadAll(http.MaxBytesReader(w, r.Body, limit))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, "module too large")
			return
		}
		writeError(w, http.StatusBadRequest, "read module body")
		return
	}

	m, err := h.Runtime.AddModule(r.Context(), kind, name, code)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, m)
}

// ListModules lists registered modules.
func (h *Handlers) ListModules(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, h.Runtime.Modules())
}

// GetModule returns one module's metadata by digest.
func (h *Handlers) GetModule(w http.ResponseWriter, r *http.Request) {
	m, err := h.Runtime.Module(r.Context(), urlParam(r, "digest"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, m)
}

// ---------------------------------------------------------------------------
// Agents
// ---------------------------------------------------------------------------

type spawnRequest struct {
	Name string `json:"name"`
	// Exactly one of ModuleDigest and Native selects the module.
	ModuleDigest  string               `json:"module_digest"`
	Native        string               `json:"native"`
	Limits        resource.Limits      `json:"limits"`
	RestartPolicy *agent.RestartPolicy `json:"restart_policy,omitempty"`
}

// SpawnAgent starts an agent from a registered module or a native handler.
// A spawn whose instantiation failed still returns the Failed record.
func (h *Handlers) SpawnAgent(w http.ResponseWriter, r *http.Request) {
	req, ok := readJSON[spawnRequest](w, r, maxRequestBodySize)
	if !ok {
		return
	}
	if (req.ModuleDigest == "") == (req.Native == "") {
		writeError(w, http.StatusBadRequest, "exactly one of module_digest and native is required")
		return
	}

	var mod sandbox.Module
	if req.Native != "" {
		mod = sandbox.NewModule("native", req.Native, nil)
	} else {
		var err error
		if mod, err = h.Runtime.Module(r.Context(), req.ModuleDigest); err != nil {
			writeDomainError(w, err)
			return
		}
	}

	rec, err := h.Runtime.Supervisor.Spawn(r.Context(), service.SpawnRequest{
		Name:          req.Name,
		Module:        mod,
		Limits:        req.Limits,
		RestartPolicy: req.RestartPolicy,
	})
	if err != nil {
		if rec.ID.IsZero() {
			writeDomainError(w, err)
			return
		}
		status, _ := errorKind(err)
		if status == http.StatusInternalServerError {
			status = http.StatusUnprocessableEntity
		}
		writeJSON(w, status, rec)
		return
	}
	writeJSON(w, http.StatusCreated, rec)
}

// ListAgents lists agents, optionally filtered by ?state=.
func (h *Handlers) ListAgents(w http.ResponseWriter, r *http.Request) {
	recs := h.Runtime.Supervisor.List()
	if st := r.URL.Query().Get("state"); st != "" {
		filtered := recs[:0]
		for _, rec := range recs {
			if string(rec.State) == st {
				filtered = append(filtered, rec)
			}
		}
		recs = filtered
	}
	if recs == nil {
		recs = []agent.Record{}
	}
	writeJSON(w, http.StatusOK, recs)
}

// GetAgent returns one agent record.
func (h *Handlers) GetAgent(w http.ResponseWriter, r *http.Request) {
	rec, err := h.Runtime.Supervisor.Get(agent.ID(urlParam(r, "id")))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

// StopAgent stops an agent and returns its final record.
func (h *Handlers) StopAgent(w http.ResponseWriter, r *http.Request) {
	id := agent.ID(urlParam(r, "id"))
	ctx, cancel := context.WithTimeout(r.Context(), stopTimeout)
	defer cancel()
	if err := h.Runtime.Supervisor.Stop(ctx, id); err != nil {
		writeDomainError(w, err)
		return
	}
	h.writeRecord(w, id)
}

// SuspendAgent pauses delivery to an agent.
func (h *Handlers) SuspendAgent(w http.ResponseWriter, r *http.Request) {
	id := agent.ID(urlParam(r, "id"))
	if err := h.Runtime.Supervisor.Suspend(id); err != nil {
		writeDomainError(w, err)
		return
	}
	h.writeRecord(w, id)
}

// ResumeAgent continues delivery to a suspended agent.
func (h *Handlers) ResumeAgent(w http.ResponseWriter, r *http.Request) {
	id := agent.ID(urlParam(r, "id"))
	if err := h.Runtime.Supervisor.Resume(id); err != nil {
		writeDomainError(w, err)
		return
	}
	h.writeRecord(w, id)
}

func (h *Handlers) writeRecord(w http.ResponseWriter, id agent.ID) {
	rec, err := h.Runtime.Supervisor.Get(id)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

// ---------------------------------------------------------------------------
// Messages & conversations
// ---------------------------------------------------------------------------

// SendMessage routes a JSON envelope. The receipt is returned with 202 when
// at least one receiver accepted or had already seen the message; when none
// did, the status reflects the receiver error.
func (h *Handlers) SendMessage(w http.ResponseWriter, r *http.Request) {
	env, ok := readJSON[fipa.Envelope](w, r, maxRequestBodySize)
	if !ok {
		return
	}
	if env.Sender == "" {
		env.Sender = string(service.SystemAgent)
	}
	m, err := env.Message()
	if err != nil {
		writeDomainError(w, err)
		return
	}

	rcpt, err := h.Runtime.Send(r.Context(), m)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	status := http.StatusAccepted
	if rerr := rcpt.Err(); rerr != nil && rcpt.Delivered() == 0 && !anyDuplicate(rcpt) {
		status, _ = errorKind(rerr)
	}
	writeJSON(w, status, rcpt)
}

func anyDuplicate(r *service.Receipt) bool {
	for _, o := range r.Outcomes {
		if o.Duplicate {
			return true
		}
	}
	return false
}

// GetConversation returns a live conversation.
func (h *Handlers) GetConversation(w http.ResponseWriter, r *http.Request) {
	c, err := h.Runtime.Conversations.Get(urlParam(r, "id"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, c)
}

type deadLetterView struct {
	Receiver agent.ID      `json:"receiver"`
	Reason   string        `json:"reason"`
	At       time.Time     `json:"at"`
	Message  fipa.Envelope `json:"message"`
}

// ListDeadLetters returns the most recent undeliverable messages, newest
// last. ?receiver= narrows to one agent.
func (h *Handlers) ListDeadLetters(w http.ResponseWriter, r *http.Request) {
	receiver := strings.TrimSpace(r.URL.Query().Get("receiver"))
	dls := h.Runtime.DeadLetters.List()
	out := make([]deadLetterView, 0, len(dls))
	for _, dl := range dls {
		if receiver != "" && string(dl.Receiver) != receiver {
			continue
		}
		out = append(out, deadLetterView{
			Receiver: dl.Receiver,
			Reason:   dl.Reason,
			At:       dl.At,
			Message:  fipa.ToEnvelope(dl.Message),
		})
	}
	writeJSON(w, http.StatusOK, out)
}
