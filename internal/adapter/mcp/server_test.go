package mcp_test

import (
	"context"
	"encoding/json"
	"testing"

	mcplib "github.com/mark3labs/mcp-go/mcp"

	agentmcp "github.com/Strob0t/AgentHost/internal/adapter/mcp"
	"github.com/Strob0t/AgentHost/internal/domain"
	"github.com/Strob0t/AgentHost/internal/domain/agent"
	"github.com/Strob0t/AgentHost/internal/domain/fipa"
	"github.com/Strob0t/AgentHost/internal/service"
)

// --- Mocks ---

type mockAgents struct {
	records []agent.Record
}

func (m *mockAgents) List() []agent.Record { return m.records }

func (m *mockAgents) Get(id agent.ID) (agent.Record, error) {
	for _, r := range m.records {
		if r.ID == id {
			return r, nil
		}
	}
	return agent.Record{}, domain.ErrAgentNotFound
}

type mockSender struct {
	sent []fipa.Message
}

func (m *mockSender) Send(_ context.Context, msg fipa.Message) (*service.Receipt, error) {
	m.sent = append(m.sent, msg)
	rcpt := &service.Receipt{MessageID: msg.ID(), ConversationID: msg.ConversationID()}
	for _, r := range msg.Receivers() {
		rcpt.Outcomes = append(rcpt.Outcomes, service.Outcome{Receiver: r})
	}
	return rcpt, nil
}

// --- Helpers ---

func callTool(t *testing.T, s *agentmcp.Server, name string, args map[string]any) *mcplib.CallToolResult {
	t.Helper()
	tool, ok := s.MCPServer().ListTools()[name]
	if !ok {
		t.Fatalf("%s tool not found", name)
	}
	result, err := tool.Handler(context.Background(), mcplib.CallToolRequest{
		Params: mcplib.CallToolParams{Name: name, Arguments: args},
	})
	if err != nil {
		t.Fatalf("handler error: %v", err)
	}
	return result
}

func resultText(t *testing.T, r *mcplib.CallToolResult) string {
	t.Helper()
	text, ok := r.Content[0].(mcplib.TextContent)
	if !ok {
		t.Fatal("expected TextContent")
	}
	return text.Text
}

// --- Tests ---

func TestToolRegistration(t *testing.T) {
	s := agentmcp.NewServer(agentmcp.ListenConfig{Name: "test", Version: "0.1.0"}, agentmcp.ServerDeps{})

	tools := s.MCPServer().ListTools()
	expected := map[string]bool{
		"list_agents":      false,
		"get_agent":        false,
		"send_message":     false,
		"get_conversation": false,
		"runtime_stats":    false,
	}
	if len(tools) != len(expected) {
		t.Fatalf("expected %d tools, got %d", len(expected), len(tools))
	}
	for name := range tools {
		if _, ok := expected[name]; !ok {
			t.Errorf("unexpected tool: %s", name)
		}
		expected[name] = true
	}
	for name, found := range expected {
		if !found {
			t.Errorf("expected tool %q not registered", name)
		}
	}
}

func TestHandleListAgents(t *testing.T) {
	deps := agentmcp.ServerDeps{Agents: &mockAgents{records: []agent.Record{
		{ID: "a-1", Name: "alpha", State: agent.StateReady},
		{ID: "b-1", Name: "beta", State: agent.StateSuspended},
	}}}
	s := agentmcp.NewServer(agentmcp.ListenConfig{Name: "test", Version: "0.1.0"}, deps)

	result := callTool(t, s, "list_agents", nil)
	if result.IsError {
		t.Fatalf("tool returned error: %v", result.Content)
	}
	var records []agent.Record
	if err := json.Unmarshal([]byte(resultText(t, result)), &records); err != nil {
		t.Fatalf("unmarshal error: %v", err)
	}
	if len(records) != 2 || records[1].State != agent.StateSuspended {
		t.Fatalf("expected 2 records, got %+v", records)
	}
}

func TestHandleGetAgentMissingArg(t *testing.T) {
	s := agentmcp.NewServer(agentmcp.ListenConfig{Name: "test"}, agentmcp.ServerDeps{Agents: &mockAgents{}})
	if result := callTool(t, s, "get_agent", nil); !result.IsError {
		t.Fatal("expected error result for missing agent_id")
	}
	if result := callTool(t, s, "get_agent", map[string]any{"agent_id": "nope"}); !result.IsError {
		t.Fatal("expected error result for unknown agent")
	}
}

func TestHandleSendMessage(t *testing.T) {
	sender := &mockSender{}
	s := agentmcp.NewServer(agentmcp.ListenConfig{Name: "test"}, agentmcp.ServerDeps{Sender: sender})

	result := callTool(t, s, "send_message", map[string]any{
		"performative": "request",
		"sender":       "operator",
		"receivers":    []any{"a-1"},
		"content":      "do it",
		"protocol":     "fipa-request",
	})
	if result.IsError {
		t.Fatalf("tool returned error: %v", result.Content)
	}
	if len(sender.sent) != 1 {
		t.Fatalf("expected 1 sent message, got %d", len(sender.sent))
	}
	m := sender.sent[0]
	if m.Performative() != fipa.Request || m.Protocol() != "fipa-request" || string(m.Content()) != "do it" {
		t.Errorf("unexpected message %s", m)
	}

	var rcpt struct {
		MessageID string `json:"message_id"`
		Outcomes  []struct {
			Receiver  string `json:"receiver"`
			Delivered bool   `json:"delivered"`
		} `json:"outcomes"`
	}
	if err := json.Unmarshal([]byte(resultText(t, result)), &rcpt); err != nil {
		t.Fatal(err)
	}
	if rcpt.MessageID != m.ID() || len(rcpt.Outcomes) != 1 || !rcpt.Outcomes[0].Delivered {
		t.Errorf("unexpected receipt %+v", rcpt)
	}

	bad := callTool(t, s, "send_message", map[string]any{
		"performative": "shout", "sender": "operator", "receivers": []any{"a-1"}, "content": "x",
	})
	if !bad.IsError {
		t.Error("expected error result for an unknown performative")
	}
}

func TestHandleNilDeps(t *testing.T) {
	s := agentmcp.NewServer(agentmcp.ListenConfig{Name: "test"}, agentmcp.ServerDeps{})
	for _, name := range []string{"list_agents", "runtime_stats"} {
		if result := callTool(t, s, name, nil); !result.IsError {
			t.Errorf("%s: expected error result when deps are nil", name)
		}
	}
}

func TestServerConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		cfg     agentmcp.ServerConfig
		wantErr bool
	}{
		{"stdio", agentmcp.ServerConfig{Name: "fs", Transport: agentmcp.TransportStdio, Command: "mcp-fs"}, false},
		{"stdio without command", agentmcp.ServerConfig{Name: "fs", Transport: agentmcp.TransportStdio}, true},
		{"sse", agentmcp.ServerConfig{Name: "w", Transport: agentmcp.TransportSSE, URL: "http://localhost/sse"}, false},
		{"http without url", agentmcp.ServerConfig{Name: "w", Transport: agentmcp.TransportStreamableHTTP}, true},
		{"no name", agentmcp.ServerConfig{Transport: agentmcp.TransportStdio, Command: "x"}, true},
		{"unknown transport", agentmcp.ServerConfig{Name: "x", Transport: "pigeon"}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("expected error=%v, got %v", tt.wantErr, err)
			}
		})
	}
}
