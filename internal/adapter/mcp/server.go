// Package mcp connects the agent host to the Model Context Protocol in both
// directions: a tool agent that lets sandboxed agents call tools on
// external MCP servers, and a server exposing the runtime itself to MCP
// clients.
package mcp

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	mcpserver "github.com/mark3labs/mcp-go/server"

	"github.com/Strob0t/AgentHost/internal/domain/agent"
	"github.com/Strob0t/AgentHost/internal/domain/fipa"
	"github.com/Strob0t/AgentHost/internal/domain/protocol"
	"github.com/Strob0t/AgentHost/internal/middleware"
	"github.com/Strob0t/AgentHost/internal/service"
)

// AgentReader lists and looks up agents.
type AgentReader interface {
	List() []agent.Record
	Get(id agent.ID) (agent.Record, error)
}

// MessageSender routes a message.
type MessageSender interface {
	Send(ctx context.Context, m fipa.Message) (*service.Receipt, error)
}

// ConversationReader looks up active conversations.
type ConversationReader interface {
	Get(id string) (protocol.Conversation, error)
}

// StatsReader reports runtime counters.
type StatsReader interface {
	Stats() service.Stats
}

// ServerDeps holds the runtime views exposed as tools. Nil fields make the
// matching tools report that they are not configured.
type ServerDeps struct {
	Agents        AgentReader
	Sender        MessageSender
	Conversations ConversationReader
	Stats         StatsReader
}

// ListenConfig configures the MCP server.
type ListenConfig struct {
	Addr    string
	Name    string
	Version string
	APIKey  string
	// APIKeyFunc overrides APIKey when set and is consulted per request.
	APIKeyFunc func() string
}

// Server exposes the runtime over MCP streamable HTTP.
type Server struct {
	cfg       ListenConfig
	deps      ServerDeps
	mcpServer *mcpserver.MCPServer
	http      *http.Server
}

// NewServer creates the server and registers its tools and resources.
func NewServer(cfg ListenConfig, deps ServerDeps) *Server {
	s := &Server{
		cfg:  cfg,
		deps: deps,
		mcpServer: mcpserver.NewMCPServer(cfg.Name, cfg.Version,
			mcpserver.WithToolCapabilities(false),
			mcpserver.WithResourceCapabilities(false, false),
		),
	}
	s.registerTools()
	s.registerResources()
	return s
}

// MCPServer returns the underlying mcp-go server.
func (s *Server) MCPServer() *mcpserver.MCPServer { return s.mcpServer }

// Handler returns the HTTP handler serving MCP, behind API key auth when
// one is configured.
func (s *Server) Handler() http.Handler {
	auth := middleware.APIKey(s.cfg.APIKey)
	if s.cfg.APIKeyFunc != nil {
		auth = middleware.APIKeyFunc(s.cfg.APIKeyFunc)
	}
	return auth(mcpserver.NewStreamableHTTPServer(s.mcpServer))
}

// Start listens on the configured address in the background.
func (s *Server) Start() error {
	s.http = &http.Server{
		Addr:              s.cfg.Addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		slog.Info("mcp server listening", "addr", s.cfg.Addr)
		if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("mcp server failed", "error", err)
		}
	}()
	return nil
}

// Stop shuts the listener down.
func (s *Server) Stop(ctx context.Context) error {
	if s.http == nil {
		return nil
	}
	return s.http.Shutdown(ctx)
}
