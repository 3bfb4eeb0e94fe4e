// Package ws streams runtime events to WebSocket clients.
package ws

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"
)

// Message is the envelope for all WebSocket messages.
type Message struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// filter restricts what a connection receives. Empty fields match all.
type filter struct {
	agentID        string
	conversationID string
	typePrefix     string
}

func (f filter) match(m Message, agentID, conversationID string) bool {
	if f.agentID != "" && f.agentID != agentID {
		return false
	}
	if f.conversationID != "" && f.conversationID != conversationID {
		return false
	}
	return strings.HasPrefix(m.Type, f.typePrefix)
}

// conn wraps a single WebSocket connection and its outbound queue.
type conn struct {
	ws     *websocket.Conn
	cancel context.CancelFunc
	filter filter
	send   chan []byte
}

// Hub manages all active WebSocket connections and broadcasts messages.
// Each connection has a bounded outbound queue; messages for a client
// that cannot keep up are dropped.
type Hub struct {
	mu           sync.RWMutex
	conns        map[*conn]struct{}
	queueSize    int
	writeTimeout time.Duration
	dropped      atomic.Int64
}

// NewHub creates a new WebSocket hub.
func NewHub(queueSize int) *Hub {
	if queueSize < 1 {
		queueSize = 64
	}
	return &Hub{
		conns:        make(map[*conn]struct{}),
		queueSize:    queueSize,
		writeTimeout: 5 * time.Second,
	}
}

// HandleWS upgrades the request to a WebSocket. The query parameters
// agent_id, conversation_id and type (a prefix such as "agent.") narrow
// the stream.
func (h *Hub) HandleWS(w http.ResponseWriter, r *http.Request) {
	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true, // CORS handled by middleware
	})
	if err != nil {
		slog.Error("websocket accept failed", "error", err)
		return
	}

	q := r.URL.Query()
	ctx, cancel := context.WithCancel(context.Background())
	c := &conn{
		ws:     ws,
		cancel: cancel,
		send:   make(chan []byte, h.queueSize),
		filter: filter{
			agentID:        q.Get("agent_id"),
			conversationID: q.Get("conversation_id"),
			typePrefix:     q.Get("type"),
		},
	}

	h.mu.Lock()
	h.conns[c] = struct{}{}
	h.mu.Unlock()

	slog.Info("websocket connected", "remote", r.RemoteAddr)

	go h.writeLoop(ctx, c)
	// Read loop (to detect disconnects and consume pings)
	go func() {
		defer func() {
			h.remove(c)
			_ = ws.Close(websocket.StatusNormalClosure, "")
		}()
		for {
			if _, _, err := ws.Read(ctx); err != nil {
				return
			}
		}
	}()
}

func (h *Hub) writeLoop(ctx context.Context, c *conn) {
	for {
		select {
		case <-ctx.Done():
			return
		case data := <-c.send:
			wctx, cancel := context.WithTimeout(ctx, h.writeTimeout)
			err := c.ws.Write(wctx, websocket.MessageText, data)
			cancel()
			if err != nil {
				slog.Debug("websocket write failed", "error", err)
				h.remove(c)
				return
			}
		}
	}
}

// Broadcast queues msg for every connection whose filter matches.
func (h *Hub) Broadcast(msg Message, agentID, conversationID string) {
	data, err := json.Marshal(msg)
	if err != nil {
		slog.Error("websocket marshal failed", "error", err)
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	for c := range h.conns {
		if !c.filter.match(msg, agentID, conversationID) {
			continue
		}
		select {
		case c.send <- data:
		default:
			h.dropped.Add(1)
		}
	}
}

// ConnectionCount returns the number of active connections.
func (h *Hub) ConnectionCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.conns)
}

// Dropped returns the number of messages discarded for slow clients.
func (h *Hub) Dropped() int64 { return h.dropped.Load() }

// Close disconnects every client.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.conns {
		c.cancel()
		if c.ws != nil {
			_ = c.ws.Close(websocket.StatusGoingAway, "shutting down")
		}
		delete(h.conns, c)
	}
}

func (h *Hub) remove(c *conn) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.conns[c]; ok {
		c.cancel()
		delete(h.conns, c)
		slog.Info("websocket disconnected")
	}
}
