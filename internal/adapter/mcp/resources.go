package mcp

import (
	"context"
	"encoding/json"

	mcplib "github.com/mark3labs/mcp-go/mcp"
)

// registerResources registers all MCP resources on the server.
func (s *Server) registerResources() {
	s.mcpServer.AddResource(
		mcplib.NewResource(
			"agenthost://agents",
			"Agents",
			mcplib.WithResourceDescription("Every hosted agent and its lifecycle state"),
			mcplib.WithMIMEType("application/json"),
		),
		s.handleAgentsResource,
	)

	s.mcpServer.AddResource(
		mcplib.NewResource(
			"agenthost://stats",
			"Runtime Stats",
			mcplib.WithResourceDescription("Agent, routing and conversation counters"),
			mcplib.WithMIMEType("application/json"),
		),
		s.handleStatsResource,
	)
}

func (s *Server) handleAgentsResource(_ context.Context, req mcplib.ReadResourceRequest) ([]mcplib.ResourceContents, error) {
	if s.deps.Agents == nil {
		return notConfigured(req.Params.URI, "agent reader not configured"), nil
	}
	return jsonContents(req.Params.URI, s.deps.Agents.List())
}

func (s *Server) handleStatsResource(_ context.Context, req mcplib.ReadResourceRequest) ([]mcplib.ResourceContents, error) {
	if s.deps.Stats == nil {
		return notConfigured(req.Params.URI, "stats reader not configured"), nil
	}
	return jsonContents(req.Params.URI, s.deps.Stats.Stats())
}

func notConfigured(uri, msg string) []mcplib.ResourceContents {
	data, _ := json.Marshal(map[string]string{"error": msg})
	return []mcplib.ResourceContents{
		mcplib.TextResourceContents{URI: uri, MIMEType: "application/json", Text: string(data)},
	}
}

func jsonContents(uri string, v any) ([]mcplib.ResourceContents, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return []mcplib.ResourceContents{
		mcplib.TextResourceContents{URI: uri, MIMEType: "application/json", Text: string(data)},
	}, nil
}
