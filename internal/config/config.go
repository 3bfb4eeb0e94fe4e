// Package config provides hierarchical configuration loading for AgentHost.
// Precedence: defaults < YAML file < environment variables.
package config

import (
	"time"

	"github.com/Strob0t/AgentHost/internal/domain/agent"
	"github.com/Strob0t/AgentHost/internal/domain/resource"
)

// Config holds all runtime configuration for the agent host.
type Config struct {
	Server        Server        `yaml:"server"`
	Postgres      Postgres      `yaml:"postgres"`
	NATS          NATS          `yaml:"nats"`
	Logging       Logging       `yaml:"logging"`
	Breaker       Breaker       `yaml:"breaker"`
	Rate          Rate          `yaml:"rate"`
	Runtime       Runtime       `yaml:"runtime"`
	Sandbox       Sandbox       `yaml:"sandbox"`
	Observability Observability `yaml:"observability"`
	MCP           MCP           `yaml:"mcp"`
}

// Server holds HTTP server configuration.
type Server struct {
	Port            string        `yaml:"port"`
	CORSOrigin      string        `yaml:"cors_origin"`  // comma separated; "*" admits any origin
	APIKey          string        `yaml:"api_key"`      // empty disables auth on the REST API
	APIKeyFile      string        `yaml:"api_key_file"` // overrides APIKey; re-read on SIGHUP
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// Postgres holds PostgreSQL connection configuration. An empty DSN runs the
// host without persistence.
type Postgres struct {
	DSN             string        `yaml:"dsn"`
	MaxConns        int32         `yaml:"max_conns"`
	MinConns        int32         `yaml:"min_conns"`
	MaxConnLifetime time.Duration `yaml:"max_conn_lifetime"`
	MaxConnIdleTime time.Duration `yaml:"max_conn_idle_time"`
	HealthCheck     time.Duration `yaml:"health_check"`
}

// NATS holds NATS JetStream configuration. An empty URL disables the bridge.
type NATS struct {
	URL            string        `yaml:"url"`
	Outbox         int           `yaml:"outbox"`
	PublishTimeout time.Duration `yaml:"publish_timeout"`
	ForwardEvents  bool          `yaml:"forward_events"`
}

// Logging holds structured logging configuration.
type Logging struct {
	Level   string `yaml:"level"`
	Service string `yaml:"service"`
	Format  string `yaml:"format"` // "json", "text" or "auto" (text on a terminal)
	Async   bool   `yaml:"async"`
}

// Breaker holds circuit breaker configuration.
type Breaker struct {
	MaxFailures int           `yaml:"max_failures"`
	Timeout     time.Duration `yaml:"timeout"`
}

// Rate holds per-client REST API rate limiting. A zero RequestsPerSecond
// disables limiting.
type Rate struct {
	RequestsPerSecond float64       `yaml:"requests_per_second"`
	Burst             int           `yaml:"burst"`
	IdleEvict         time.Duration `yaml:"idle_evict"`
}

// Runtime holds the core agent host settings.
type Runtime struct {
	Limits              resource.Limits     `yaml:"limits"`
	LimitCeiling        resource.Limits     `yaml:"limit_ceiling"`
	Restart             agent.RestartPolicy `yaml:"restart"`
	Backpressure        string              `yaml:"backpressure"` // "reject" | "block"
	FanOut              int                 `yaml:"fan_out"`
	NotifyNotUnderstood bool                `yaml:"notify_not_understood"`
	Conversation        Conversation        `yaml:"conversation"`
	Dedup               Dedup               `yaml:"dedup"`
	DeadLetterCapacity  int                 `yaml:"dead_letter_capacity"`
	JournalBuffer       int                 `yaml:"journal_buffer"`
	HubBuffer           int                 `yaml:"hub_buffer"`
	HubWorkers          int                 `yaml:"hub_workers"`
}

// Conversation holds conversation lifecycle settings.
type Conversation struct {
	IdleTimeout     time.Duration `yaml:"idle_timeout"`
	TombstoneTTL    time.Duration `yaml:"tombstone_ttl"`
	SweepInterval   time.Duration `yaml:"sweep_interval"`
	MaxParticipants int           `yaml:"max_participants"`
	MaxHistory      int           `yaml:"max_history"`
}

// Dedup holds the message identity window and its caches.
type Dedup struct {
	TTL         time.Duration `yaml:"ttl"`
	L1MaxSizeMB int64         `yaml:"l1_max_size_mb"`
	L1Expire    time.Duration `yaml:"l1_expire"`
	L2Bucket    string        `yaml:"l2_bucket"` // NATS KV bucket; used only with a NATS URL
}

// Sandbox holds executor backend settings.
type Sandbox struct {
	WasmCacheDir   string `yaml:"wasm_cache_dir"`
	MaxModuleBytes int    `yaml:"max_module_bytes"`
	ModuleStore    bool   `yaml:"module_store"` // persist uploaded modules when Postgres is configured
}

// Observability holds telemetry export settings.
type Observability struct {
	OTLPEndpoint   string        `yaml:"otlp_endpoint"` // empty disables OpenTelemetry export
	Insecure       bool          `yaml:"insecure"`
	SampleRatio    float64       `yaml:"sample_ratio"`
	MetricInterval time.Duration `yaml:"metric_interval"`
	WSQueue        int           `yaml:"ws_queue"`
}

// MCP holds the MCP management server and tool agent configuration.
type MCP struct {
	ServerEnabled bool        `yaml:"server_enabled"`
	Addr          string      `yaml:"addr"`
	APIKey        string      `yaml:"api_key"`
	APIKeyFile    string      `yaml:"api_key_file"`
	ToolAgent     string      `yaml:"tool_agent"` // name of the tool agent spawned when Servers is non-empty
	Servers       []MCPServer `yaml:"servers"`
}

// MCPServer is one upstream MCP server reached by the tool agent.
type MCPServer struct {
	Name      string            `yaml:"name"`
	Transport string            `yaml:"transport"` // "stdio" | "sse" | "streamable-http"
	Command   string            `yaml:"command"`
	Args      []string          `yaml:"args"`
	Env       map[string]string `yaml:"env"`
	URL       string            `yaml:"url"`
	Headers   map[string]string `yaml:"headers"`
}

// Defaults returns a Config with sensible default values for local development.
func Defaults() Config {
	return Config{
		Server: Server{
			Port:            "8080",
			CORSOrigin:      "http://localhost:3000",
			ShutdownTimeout: 15 * time.Second,
		},
		Postgres: Postgres{
			MaxConns:        10,
			MinConns:        1,
			MaxConnLifetime: time.Hour,
			MaxConnIdleTime: 10 * time.Minute,
			HealthCheck:     time.Minute,
		},
		NATS: NATS{
			Outbox:         256,
			PublishTimeout: 5 * time.Second,
		},
		Logging: Logging{
			Level:   "info",
			Service: "agenthost",
			Format:  "auto",
		},
		Breaker: Breaker{
			MaxFailures: 5,
			Timeout:     30 * time.Second,
		},
		Rate: Rate{
			RequestsPerSecond: 20,
			Burst:             40,
			IdleEvict:         10 * time.Minute,
		},
		Runtime: Runtime{
			Limits:       resource.Default(),
			Restart:      agent.DefaultRestartPolicy(),
			Backpressure: "reject",
			FanOut:       16,
			Conversation: Conversation{
				IdleTimeout:     10 * time.Minute,
				TombstoneTTL:    time.Hour,
				SweepInterval:   30 * time.Second,
				MaxParticipants: 64,
				MaxHistory:      256,
			},
			Dedup: Dedup{
				TTL:         10 * time.Minute,
				L1MaxSizeMB: 16,
				L1Expire:    time.Minute,
				L2Bucket:    "agenthost-dedup",
			},
			DeadLetterCapacity: 1000,
			JournalBuffer:      1024,
			HubBuffer:          4096,
			HubWorkers:         2,
		},
		Sandbox: Sandbox{
			MaxModuleBytes: 16 << 20,
		},
		Observability: Observability{
			SampleRatio:    1,
			MetricInterval: 15 * time.Second,
			WSQueue:        64,
		},
		MCP: MCP{
			Addr:      ":8090",
			ToolAgent: "mcp-tools",
		},
	}
}
