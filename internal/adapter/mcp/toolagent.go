package mcp

import (
	"cmp"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	mcplib "github.com/mark3labs/mcp-go/mcp"

	"github.com/Strob0t/AgentHost/internal/adapter/native"
	"github.com/Strob0t/AgentHost/internal/domain/fipa"
	"github.com/Strob0t/AgentHost/internal/port/sandbox"
	"github.com/Strob0t/AgentHost/internal/resilience"
)

// Ontology marks messages addressed to the tool agent.
const Ontology = "mcp"

// ToolRequest is the content of a request to the tool agent.
type ToolRequest struct {
	Tool      string         `json:"tool"`
	Arguments map[string]any `json:"arguments,omitempty"`
}

// ToolInfo describes one tool offered to agents.
type ToolInfo struct {
	Name        string `json:"name"`
	Server      string `json:"server"`
	Description string `json:"description,omitempty"`
}

type errorContent struct {
	Error string `json:"error"`
	Tool  string `json:"tool,omitempty"`
}

// Source is a named MCP server.
type Source struct {
	Name   string
	Caller Caller
}

type source struct {
	Source
	breaker *resilience.Breaker
}

// ToolAgent answers tool requests from agents by calling MCP servers. It
// holds no per-conversation state, so every instance of the native module
// shares one ToolAgent.
type ToolAgent struct {
	mu      sync.RWMutex
	tools   map[string]*source
	infos   []ToolInfo
	sources []*source
	breaker resilience.BreakerConfig
}

// ToolAgentOption configures a ToolAgent.
type ToolAgentOption func(*ToolAgent)

// WithBreaker sets the circuit breaker applied per MCP server.
func WithBreaker(maxFailures int, timeout time.Duration) ToolAgentOption {
	return func(a *ToolAgent) {
		a.breaker.MaxFailures = maxFailures
		a.breaker.Timeout = timeout
	}
}

// NewToolAgent creates a tool agent over sources. Call Refresh to discover
// their tools.
func NewToolAgent(opts []ToolAgentOption, sources ...Source) *ToolAgent {
	a := &ToolAgent{tools: make(map[string]*source)}
	for _, o := range opts {
		o(a)
	}
	for _, s := range sources {
		cfg := a.breaker
		cfg.Name = "mcp:" + s.Name
		a.sources = append(a.sources, &source{Source: s, breaker: resilience.NewBreaker(cfg)})
	}
	return a
}

// Refresh lists the tools of every source. A tool name offered by more
// than one server resolves to the first source. Sources that fail to list
// are skipped and reported in the returned error.
func (a *ToolAgent) Refresh(ctx context.Context) error {
	tools := make(map[string]*source)
	var infos []ToolInfo
	var errs []error
	for _, s := range a.sources {
		res, err := s.Caller.ListTools(ctx, mcplib.ListToolsRequest{})
		if err != nil {
			errs = append(errs, fmt.Errorf("list tools of %s: %w", s.Name, err))
			continue
		}
		for _, t := range res.Tools {
			if _, dup := tools[t.Name]; dup {
				slog.Warn("mcp tool offered by more than one server", "tool", t.Name, "server", s.Name)
				continue
			}
			tools[t.Name] = s
			infos = append(infos, ToolInfo{Name: t.Name, Server: s.Name, Description: t.Description})
		}
	}
	slices.SortFunc(infos, func(x, y ToolInfo) int { return cmp.Compare(x.Name, y.Name) })

	a.mu.Lock()
	a.tools = tools
	a.infos = infos
	a.mu.Unlock()
	return errors.Join(errs...)
}

// Tools returns the discovered tools sorted by name.
func (a *ToolAgent) Tools() []ToolInfo {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return slices.Clone(a.infos)
}

// Factory returns a native module factory serving this agent.
func (a *ToolAgent) Factory() native.Factory {
	return func() native.Handler { return a }
}

// HandleMessage implements native.Handler.
//
// A request in the mcp ontology is answered with agree followed by inform
// carrying the tool result, or failure. Unknown tools are refused. A
// query-ref lists the available tools.
func (a *ToolAgent) HandleMessage(ctx context.Context, host sandbox.Host, m fipa.Message) error {
	if m.Ontology() != Ontology {
		return reply(ctx, host, m, fipa.NotUnderstood, errorContent{Error: fmt.Sprintf("unsupported ontology %q", m.Ontology())})
	}

	switch m.Performative() {
	case fipa.QueryRef:
		return reply(ctx, host, m, fipa.Inform, a.Tools())
	case fipa.Request:
	default:
		return reply(ctx, host, m, fipa.NotUnderstood, errorContent{Error: fmt.Sprintf("cannot handle %s", m.Performative())})
	}

	var req ToolRequest
	if err := json.Unmarshal(m.Content(), &req); err != nil || req.Tool == "" {
		return reply(ctx, host, m, fipa.NotUnderstood, errorContent{Error: "content must be {\"tool\": ..., \"arguments\": {...}}"})
	}

	a.mu.RLock()
	src, ok := a.tools[req.Tool]
	a.mu.RUnlock()
	if !ok {
		return reply(ctx, host, m, fipa.Refuse, errorContent{Error: "unknown tool", Tool: req.Tool})
	}

	if err := reply(ctx, host, m, fipa.Agree, ToolRequest{Tool: req.Tool}); err != nil {
		return err
	}

	call := mcplib.CallToolRequest{}
	call.Params.Name = req.Tool
	call.Params.Arguments = req.Arguments

	var result *mcplib.CallToolResult
	err := src.breaker.Execute(ctx, func(ctx context.Context) error {
		var err error
		result, err = src.Caller.CallTool(ctx, call)
		return err
	})
	if err != nil {
		slog.Warn("mcp tool call failed", "tool", req.Tool, "server", src.Name, "error", err)
		return reply(ctx, host, m, fipa.Failure, errorContent{Error: err.Error(), Tool: req.Tool})
	}
	if result.IsError {
		return reply(ctx, host, m, fipa.Failure, result)
	}
	return reply(ctx, host, m, fipa.Inform, result)
}

func reply(ctx context.Context, host sandbox.Host, m fipa.Message, perf fipa.Performative, content any) error {
	data, err := json.Marshal(content)
	if err != nil {
		return fmt.Errorf("marshal %s content: %w", perf, err)
	}
	r, err := m.Reply(host.Self(), perf, data)
	if err != nil {
		return err
	}
	p := r.Params()
	p.Language = fipa.LanguageJSON
	if err := host.Send(ctx, p); err != nil {
		return fmt.Errorf("send %s: %w", perf, err)
	}
	return nil
}
