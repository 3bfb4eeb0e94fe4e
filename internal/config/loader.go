package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultConfigFile is the path checked for YAML configuration.
const DefaultConfigFile = "agenthost.yaml"

// Load returns a Config using the hierarchy: defaults < YAML < ENV.
// YAML file is optional; missing file is not an error.
func Load() (*Config, error) {
	return LoadFrom(DefaultConfigFile)
}

// LoadFrom returns a Config loaded from the given YAML path using the
// hierarchy: defaults < YAML < ENV. The YAML file is optional.
func LoadFrom(yamlPath string) (*Config, error) {
	return load(yamlPath, CLIFlags{})
}

func load(yamlPath string, flags CLIFlags) (*Config, error) {
	cfg := Defaults()

	if err := loadYAML(&cfg, yamlPath); err != nil {
		return nil, fmt.Errorf("config yaml: %w", err)
	}

	loadEnv(&cfg)
	applyCLI(&cfg, flags)

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config validate: %w", err)
	}

	return &cfg, nil
}

// loadYAML reads the YAML file and unmarshals it over cfg.
// Returns nil if the file does not exist.
func loadYAML(cfg *Config, path string) error {
	data, err := os.ReadFile(path) //nolint:gosec // G304: path is validated by caller
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("read %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parse %s: %w", path, err)
	}

	return nil
}

// loadEnv overlays environment variables onto cfg.
// Only non-empty env values override the current config.
func loadEnv(cfg *Config) {
	setString(&cfg.Server.Port, "AGENTHOST_PORT")
	setString(&cfg.Server.CORSOrigin, "AGENTHOST_CORS_ORIGIN")
	setString(&cfg.Server.APIKey, "AGENTHOST_API_KEY")
	setString(&cfg.Server.APIKeyFile, "AGENTHOST_API_KEY_FILE")
	setDuration(&cfg.Server.ShutdownTimeout, "AGENTHOST_SHUTDOWN_TIMEOUT")

	setString(&cfg.Postgres.DSN, "DATABASE_URL")
	setInt32(&cfg.Postgres.MaxConns, "AGENTHOST_PG_MAX_CONNS")
	setInt32(&cfg.Postgres.MinConns, "AGENTHOST_PG_MIN_CONNS")
	setDuration(&cfg.Postgres.MaxConnLifetime, "AGENTHOST_PG_MAX_CONN_LIFETIME")
	setDuration(&cfg.Postgres.MaxConnIdleTime, "AGENTHOST_PG_MAX_CONN_IDLE_TIME")
	setDuration(&cfg.Postgres.HealthCheck, "AGENTHOST_PG_HEALTH_CHECK")

	setString(&cfg.NATS.URL, "NATS_URL")
	setInt(&cfg.NATS.Outbox, "AGENTHOST_NATS_OUTBOX")
	setDuration(&cfg.NATS.PublishTimeout, "AGENTHOST_NATS_PUBLISH_TIMEOUT")
	setBool(&cfg.NATS.ForwardEvents, "AGENTHOST_NATS_FORWARD_EVENTS")

	setString(&cfg.Logging.Level, "AGENTHOST_LOG_LEVEL")
	setString(&cfg.Logging.Service, "AGENTHOST_LOG_SERVICE")
	setString(&cfg.Logging.Format, "AGENTHOST_LOG_FORMAT")
	setBool(&cfg.Logging.Async, "AGENTHOST_LOG_ASYNC")

	setInt(&cfg.Breaker.MaxFailures, "AGENTHOST_BREAKER_MAX_FAILURES")
	setDuration(&cfg.Breaker.Timeout, "AGENTHOST_BREAKER_TIMEOUT")

	setFloat64(&cfg.Rate.RequestsPerSecond, "AGENTHOST_RATE_RPS")
	setInt(&cfg.Rate.Burst, "AGENTHOST_RATE_BURST")

	// Limits
	setUint64(&cfg.Runtime.Limits.MaxMemoryBytes, "AGENTHOST_MAX_MEMORY_BYTES")
	setDuration(&cfg.Runtime.Limits.MaxCPUTime, "AGENTHOST_MAX_CPU_TIME")
	setInt(&cfg.Runtime.Limits.MaxMessagesInFlight, "AGENTHOST_MAX_IN_FLIGHT")
	setDuration(&cfg.Runtime.Limits.Timeout, "AGENTHOST_INVOCATION_TIMEOUT")
	setInt(&cfg.Runtime.Limits.MaxMessageBytes, "AGENTHOST_MAX_MESSAGE_BYTES")

	// Restart
	setInt(&cfg.Runtime.Restart.MaxRetries, "AGENTHOST_RESTART_MAX_RETRIES")
	setDuration(&cfg.Runtime.Restart.InitialBackoff, "AGENTHOST_RESTART_INITIAL_BACKOFF")
	setDuration(&cfg.Runtime.Restart.MaxBackoff, "AGENTHOST_RESTART_MAX_BACKOFF")
	setFloat64(&cfg.Runtime.Restart.Multiplier, "AGENTHOST_RESTART_MULTIPLIER")

	// Routing
	setString(&cfg.Runtime.Backpressure, "AGENTHOST_BACKPRESSURE")
	setInt(&cfg.Runtime.FanOut, "AGENTHOST_FAN_OUT")
	setBool(&cfg.Runtime.NotifyNotUnderstood, "AGENTHOST_NOTIFY_NOT_UNDERSTOOD")
	setInt(&cfg.Runtime.DeadLetterCapacity, "AGENTHOST_DEAD_LETTERS")

	// Conversations
	setDuration(&cfg.Runtime.Conversation.IdleTimeout, "AGENTHOST_CONV_IDLE_TIMEOUT")
	setDuration(&cfg.Runtime.Conversation.TombstoneTTL, "AGENTHOST_CONV_TOMBSTONE_TTL")
	setInt(&cfg.Runtime.Conversation.MaxParticipants, "AGENTHOST_CONV_MAX_PARTICIPANTS")

	// Dedup
	setDuration(&cfg.Runtime.Dedup.TTL, "AGENTHOST_DEDUP_TTL")
	setInt64(&cfg.Runtime.Dedup.L1MaxSizeMB, "AGENTHOST_CACHE_L1_SIZE_MB")
	setString(&cfg.Runtime.Dedup.L2Bucket, "AGENTHOST_CACHE_L2_BUCKET")

	setString(&cfg.Sandbox.WasmCacheDir, "AGENTHOST_WASM_CACHE_DIR")
	setInt(&cfg.Sandbox.MaxModuleBytes, "AGENTHOST_MAX_MODULE_BYTES")
	setBool(&cfg.Sandbox.ModuleStore, "AGENTHOST_MODULE_STORE")

	setString(&cfg.Observability.OTLPEndpoint, "OTEL_EXPORTER_OTLP_ENDPOINT")
	setString(&cfg.Observability.OTLPEndpoint, "AGENTHOST_OTLP_ENDPOINT")
	setBool(&cfg.Observability.Insecure, "AGENTHOST_OTLP_INSECURE")
	setFloat64(&cfg.Observability.SampleRatio, "AGENTHOST_TRACE_SAMPLE_RATIO")

	setBool(&cfg.MCP.ServerEnabled, "AGENTHOST_MCP_ENABLED")
	setString(&cfg.MCP.Addr, "AGENTHOST_MCP_ADDR")
	setString(&cfg.MCP.APIKey, "AGENTHOST_MCP_API_KEY")
	setString(&cfg.MCP.APIKeyFile, "AGENTHOST_MCP_API_KEY_FILE")
}

// validate checks that required fields are set and values are in range.
func validate(cfg *Config) error {
	if cfg.Server.Port == "" {
		return errors.New("server.port is required")
	}
	if cfg.Postgres.DSN != "" && cfg.Postgres.MaxConns < 1 {
		return errors.New("postgres.max_conns must be >= 1")
	}
	if cfg.Breaker.MaxFailures < 1 {
		return errors.New("breaker.max_failures must be >= 1")
	}
	if cfg.Rate.RequestsPerSecond < 0 {
		return errors.New("rate.requests_per_second must be >= 0")
	}
	if cfg.Rate.RequestsPerSecond > 0 && cfg.Rate.Burst < 1 {
		return errors.New("rate.burst must be >= 1 when rate limiting is enabled")
	}
	switch cfg.Logging.Format {
	case "json", "text", "auto":
	default:
		return fmt.Errorf("logging.format %q must be json, text or auto", cfg.Logging.Format)
	}
	switch cfg.Runtime.Backpressure {
	case "reject", "block":
	default:
		return fmt.Errorf("runtime.backpressure %q must be reject or block", cfg.Runtime.Backpressure)
	}
	if err := cfg.Runtime.Limits.Validate(); err != nil {
		return fmt.Errorf("runtime.limits: %w", err)
	}
	if err := cfg.Runtime.Restart.Validate(); err != nil {
		return fmt.Errorf("runtime.restart: %w", err)
	}
	if cfg.Runtime.FanOut < 1 {
		return errors.New("runtime.fan_out must be >= 1")
	}
	if cfg.Runtime.Conversation.MaxParticipants < 2 {
		return errors.New("runtime.conversation.max_participants must be >= 2")
	}
	if cfg.Runtime.Dedup.TTL <= 0 {
		return errors.New("runtime.dedup.ttl must be > 0")
	}
	if r := cfg.Observability.SampleRatio; r < 0 || r > 1 {
		return errors.New("observability.sample_ratio must be within [0, 1]")
	}
	if cfg.MCP.ServerEnabled && cfg.MCP.Addr == "" {
		return errors.New("mcp.addr is required when the MCP server is enabled")
	}
	seen := make(map[string]bool, len(cfg.MCP.Servers))
	for i, s := range cfg.MCP.Servers {
		if s.Name == "" {
			return fmt.Errorf("mcp.servers[%d].name is required", i)
		}
		if seen[s.Name] {
			return fmt.Errorf("mcp.servers[%d]: duplicate name %q", i, s.Name)
		}
		seen[s.Name] = true
	}
	return nil
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setInt32(dst *int32, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 32); err == nil {
			*dst = int32(n)
		}
	}
}

func setInt64(dst *int64, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			*dst = n
		}
	}
}

func setUint64(dst *uint64, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseUint(v, 10, 64); err == nil {
			*dst = n
		}
	}
}

func setFloat64(dst *float64, key string) {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = f
		}
	}
}

func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func setDuration(dst *time.Duration, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			*dst = d
		}
	}
}
