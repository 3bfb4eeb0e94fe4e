package ws

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/Strob0t/AgentHost/internal/port/observability"
)

// Name implements observability.Provider.
func (h *Hub) Name() string { return "ws" }

// RecordMetric is a no-op: clients receive events, not samples.
func (h *Hub) RecordMetric(string, float64, map[string]string) {}

// StartSpan is a no-op.
func (h *Hub) StartSpan(ctx context.Context, _ string) (context.Context, observability.Span) {
	return ctx, observability.NopSpan{}
}

// Emit streams e to subscribed clients as a message of type e.Type.
func (h *Hub) Emit(e observability.Event) {
	data, err := json.Marshal(e)
	if err != nil {
		slog.Error("marshal ws event payload", "type", e.Type, "error", err)
		return
	}
	h.Broadcast(Message{Type: e.Type, Payload: data}, e.AgentID, e.ConversationID)
}
