package mcp

import (
	"context"
	"encoding/json"
	"fmt"

	mcplib "github.com/mark3labs/mcp-go/mcp"
	mcpserver "github.com/mark3labs/mcp-go/server"

	"github.com/Strob0t/AgentHost/internal/domain/agent"
	"github.com/Strob0t/AgentHost/internal/domain/fipa"
)

// registerTools registers all MCP tools on the server.
func (s *Server) registerTools() {
	s.mcpServer.AddTools(
		s.listAgentsTool(),
		s.getAgentTool(),
		s.sendMessageTool(),
		s.getConversationTool(),
		s.statsTool(),
	)
}

func (s *Server) listAgentsTool() mcpserver.ServerTool {
	return mcpserver.ServerTool{
		Tool: mcplib.NewTool("list_agents",
			mcplib.WithDescription("List every agent hosted by the runtime with its lifecycle state"),
		),
		Handler: s.handleListAgents,
	}
}

func (s *Server) getAgentTool() mcpserver.ServerTool {
	return mcpserver.ServerTool{
		Tool: mcplib.NewTool("get_agent",
			mcplib.WithDescription("Get one agent record by id"),
			mcplib.WithString("agent_id", mcplib.Required(), mcplib.Description("The agent id")),
		),
		Handler: s.handleGetAgent,
	}
}

func (s *Server) sendMessageTool() mcpserver.ServerTool {
	return mcpserver.ServerTool{
		Tool: mcplib.NewTool("send_message",
			mcplib.WithDescription("Route a FIPA-ACL message to one or more agents"),
			mcplib.WithString("performative", mcplib.Required(), mcplib.Description("FIPA performative, e.g. request or inform")),
			mcplib.WithString("sender", mcplib.Required(), mcplib.Description("Sender agent name")),
			mcplib.WithArray("receivers", mcplib.Required(), mcplib.Description("Receiver agent ids"), mcplib.WithStringItems()),
			mcplib.WithString("content", mcplib.Required(), mcplib.Description("Message content")),
			mcplib.WithString("conversation_id", mcplib.Description("Existing conversation id")),
			mcplib.WithString("protocol", mcplib.Description("Interaction protocol name")),
			mcplib.WithString("ontology", mcplib.Description("Content ontology")),
			mcplib.WithString("language", mcplib.Description("Content language")),
		),
		Handler: s.handleSendMessage,
	}
}

func (s *Server) getConversationTool() mcpserver.ServerTool {
	return mcpserver.ServerTool{
		Tool: mcplib.NewTool("get_conversation",
			mcplib.WithDescription("Get the protocol state of an active conversation"),
			mcplib.WithString("conversation_id", mcplib.Required(), mcplib.Description("The conversation id")),
		),
		Handler: s.handleGetConversation,
	}
}

func (s *Server) statsTool() mcpserver.ServerTool {
	return mcpserver.ServerTool{
		Tool: mcplib.NewTool("runtime_stats",
			mcplib.WithDescription("Agent, routing and conversation counters"),
		),
		Handler: s.handleStats,
	}
}

func (s *Server) handleListAgents(_ context.Context, _ mcplib.CallToolRequest) (*mcplib.CallToolResult, error) { //nolint:gocritic // hugeParam: mcp-go handler signature
	if s.deps.Agents == nil {
		return mcplib.NewToolResultError("agent reader not configured"), nil
	}
	return jsonResult(s.deps.Agents.List())
}

func (s *Server) handleGetAgent(_ context.Context, req mcplib.CallToolRequest) (*mcplib.CallToolResult, error) { //nolint:gocritic // hugeParam: mcp-go handler signature
	if s.deps.Agents == nil {
		return mcplib.NewToolResultError("agent reader not configured"), nil
	}
	id, err := req.RequireString("agent_id")
	if err != nil {
		return mcplib.NewToolResultError(err.Error()), nil
	}
	rec, err := s.deps.Agents.Get(agent.ID(id))
	if err != nil {
		return mcplib.NewToolResultErrorFromErr(fmt.Sprintf("failed to get agent %s", id), err), nil
	}
	return jsonResult(rec)
}

func (s *Server) handleSendMessage(ctx context.Context, req mcplib.CallToolRequest) (*mcplib.CallToolResult, error) { //nolint:gocritic // hugeParam: mcp-go handler signature
	if s.deps.Sender == nil {
		return mcplib.NewToolResultError("message sender not configured"), nil
	}
	perf, err := req.RequireString("performative")
	if err != nil {
		return mcplib.NewToolResultError(err.Error()), nil
	}
	sender, err := req.RequireString("sender")
	if err != nil {
		return mcplib.NewToolResultError(err.Error()), nil
	}
	receivers, err := req.RequireStringSlice("receivers")
	if err != nil {
		return mcplib.NewToolResultError(err.Error()), nil
	}
	content, err := req.RequireString("content")
	if err != nil {
		return mcplib.NewToolResultError(err.Error()), nil
	}

	p, err := fipa.ParsePerformative(perf)
	if err != nil {
		return mcplib.NewToolResultErrorFromErr("invalid performative", err), nil
	}
	params := fipa.Params{
		Performative:   p,
		Sender:         agent.ID(sender),
		ConversationID: req.GetString("conversation_id", ""),
		Protocol:       req.GetString("protocol", ""),
		Ontology:       req.GetString("ontology", ""),
		Language:       req.GetString("language", ""),
		Content:        []byte(content),
	}
	for _, r := range receivers {
		params.Receivers = append(params.Receivers, agent.ID(r))
	}
	m, err := fipa.New(params)
	if err != nil {
		return mcplib.NewToolResultErrorFromErr("invalid message", err), nil
	}

	rcpt, err := s.deps.Sender.Send(ctx, m)
	if err != nil {
		return mcplib.NewToolResultErrorFromErr("message rejected", err), nil
	}
	return jsonResult(rcpt)
}

func (s *Server) handleGetConversation(_ context.Context, req mcplib.CallToolRequest) (*mcplib.CallToolResult, error) { //nolint:gocritic // hugeParam: mcp-go handler signature
	if s.deps.Conversations == nil {
		return mcplib.NewToolResultError("conversation reader not configured"), nil
	}
	id, err := req.RequireString("conversation_id")
	if err != nil {
		return mcplib.NewToolResultError(err.Error()), nil
	}
	conv, err := s.deps.Conversations.Get(id)
	if err != nil {
		return mcplib.NewToolResultErrorFromErr(fmt.Sprintf("failed to get conversation %s", id), err), nil
	}
	return jsonResult(conv)
}

func (s *Server) handleStats(_ context.Context, _ mcplib.CallToolRequest) (*mcplib.CallToolResult, error) { //nolint:gocritic // hugeParam: mcp-go handler signature
	if s.deps.Stats == nil {
		return mcplib.NewToolResultError("stats reader not configured"), nil
	}
	return jsonResult(s.deps.Stats.Stats())
}

func jsonResult(v any) (*mcplib.CallToolResult, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return mcplib.NewToolResultErrorFromErr("failed to marshal result", err), nil
	}
	return mcplib.NewToolResultText(string(data)), nil
}
