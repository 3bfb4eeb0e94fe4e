package mcp

import (
	"context"
	"fmt"

	mcpclient "github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/client/transport"
	mcplib "github.com/mark3labs/mcp-go/mcp"
)

// Transport names how an MCP server is reached.
type Transport string

const (
	TransportStdio          Transport = "stdio"
	TransportSSE            Transport = "sse"
	TransportStreamableHTTP Transport = "streamable-http"
)

// ServerConfig describes one external MCP server whose tools are offered
// to agents.
type ServerConfig struct {
	Name      string            `yaml:"name"`
	Transport Transport         `yaml:"transport"`
	Command   string            `yaml:"command"`
	Args      []string          `yaml:"args"`
	Env       map[string]string `yaml:"env"`
	URL       string            `yaml:"url"`
	Headers   map[string]string `yaml:"headers"`
}

// Validate checks that the transport has what it needs.
func (c ServerConfig) Validate() error {
	if c.Name == "" {
		return fmt.Errorf("mcp server: name is required")
	}
	switch c.Transport {
	case TransportStdio:
		if c.Command == "" {
			return fmt.Errorf("mcp server %s: command is required for stdio", c.Name)
		}
	case TransportSSE, TransportStreamableHTTP:
		if c.URL == "" {
			return fmt.Errorf("mcp server %s: url is required for %s", c.Name, c.Transport)
		}
	default:
		return fmt.Errorf("mcp server %s: unsupported transport %q", c.Name, c.Transport)
	}
	return nil
}

// Caller is the part of an MCP client the tool agent uses.
type Caller interface {
	ListTools(ctx context.Context, req mcplib.ListToolsRequest) (*mcplib.ListToolsResult, error)
	CallTool(ctx context.Context, req mcplib.CallToolRequest) (*mcplib.CallToolResult, error)
}

// Client is a connected, initialized MCP client.
type Client struct {
	name string
	c    *mcpclient.Client
}

// Dial connects to the server described by cfg and performs the MCP
// initialize handshake.
func Dial(ctx context.Context, cfg ServerConfig, clientVersion string) (*Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	c, err := newClient(cfg)
	if err != nil {
		return nil, fmt.Errorf("mcp server %s: create client: %w", cfg.Name, err)
	}
	if cfg.Transport != TransportStdio {
		if err := c.Start(ctx); err != nil {
			_ = c.Close()
			return nil, fmt.Errorf("mcp server %s: start: %w", cfg.Name, err)
		}
	}

	initReq := mcplib.InitializeRequest{}
	initReq.Params.ProtocolVersion = mcplib.LATEST_PROTOCOL_VERSION
	initReq.Params.ClientInfo = mcplib.Implementation{Name: "agenthost", Version: clientVersion}
	if _, err := c.Initialize(ctx, initReq); err != nil {
		_ = c.Close()
		return nil, fmt.Errorf("mcp server %s: initialize: %w", cfg.Name, err)
	}
	return &Client{name: cfg.Name, c: c}, nil
}

func newClient(cfg ServerConfig) (*mcpclient.Client, error) {
	switch cfg.Transport {
	case TransportStdio:
		return mcpclient.NewStdioMCPClient(cfg.Command, envMapToSlice(cfg.Env), cfg.Args...)
	case TransportSSE:
		var opts []transport.ClientOption
		if len(cfg.Headers) > 0 {
			opts = append(opts, transport.WithHeaders(cfg.Headers))
		}
		return mcpclient.NewSSEMCPClient(cfg.URL, opts...)
	default:
		var opts []transport.StreamableHTTPCOption
		if len(cfg.Headers) > 0 {
			opts = append(opts, transport.WithHTTPHeaders(cfg.Headers))
		}
		return mcpclient.NewStreamableHttpClient(cfg.URL, opts...)
	}
}

func (c *Client) Name() string { return c.name }

func (c *Client) ListTools(ctx context.Context, req mcplib.ListToolsRequest) (*mcplib.ListToolsResult, error) {
	return c.c.ListTools(ctx, req)
}

func (c *Client) CallTool(ctx context.Context, req mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	return c.c.CallTool(ctx, req)
}

func (c *Client) Close() error { return c.c.Close() }

// envMapToSlice converts a map to the KEY=VALUE slice format expected by exec.Cmd.
func envMapToSlice(env map[string]string) []string {
	if len(env) == 0 {
		return nil
	}
	out := make([]string, 0, len(env))
	for k, v := range env {
		out = append(out, k+"="+v)
	}
	return out
}
