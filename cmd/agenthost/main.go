package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	agenthttp "github.com/Strob0t/AgentHost/internal/adapter/http"
	"github.com/Strob0t/AgentHost/internal/adapter/mcp"
	"github.com/Strob0t/AgentHost/internal/adapter/native"
	agentnats "github.com/Strob0t/AgentHost/internal/adapter/nats"
	"github.com/Strob0t/AgentHost/internal/adapter/natskv"
	"github.com/Strob0t/AgentHost/internal/adapter/otel"
	"github.com/Strob0t/AgentHost/internal/adapter/postgres"
	"github.com/Strob0t/AgentHost/internal/adapter/ristretto"
	"github.com/Strob0t/AgentHost/internal/adapter/tiered"
	"github.com/Strob0t/AgentHost/internal/adapter/ws"
	"github.com/Strob0t/AgentHost/internal/config"
	"github.com/Strob0t/AgentHost/internal/domain/fipa"
	"github.com/Strob0t/AgentHost/internal/domain/resource"
	"github.com/Strob0t/AgentHost/internal/logger"
	"github.com/Strob0t/AgentHost/internal/middleware"
	"github.com/Strob0t/AgentHost/internal/port/cache"
	"github.com/Strob0t/AgentHost/internal/port/database"
	"github.com/Strob0t/AgentHost/internal/port/extension"
	"github.com/Strob0t/AgentHost/internal/port/observability"
	"github.com/Strob0t/AgentHost/internal/port/sandbox"
	"github.com/Strob0t/AgentHost/internal/resilience"
	"github.com/Strob0t/AgentHost/internal/secrets"
	"github.com/Strob0t/AgentHost/internal/service"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	if len(os.Args) > 1 && os.Args[1] == "admin" {
		if err := runAdmin(os.Args[2:]); err != nil {
			fmt.Fprintln(os.Stderr, "error:", err)
			os.Exit(1)
		}
		return
	}

	if err := run(os.Args[1:]); err != nil {
		slog.Error("fatal", "error", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	flags, err := config.ParseFlags(args)
	if err != nil {
		return err
	}
	cfg, path, err := config.LoadWithCLI(flags)
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}
	holder := config.NewHolder(cfg, path).WithCLI(flags)

	log, closeLog := logger.New(cfg.Logging)
	defer closeLog.Close()
	slog.SetDefault(log)

	slog.Info("config loaded",
		"path", path,
		"port", cfg.Server.Port,
		"log_level", cfg.Logging.Level,
		"postgres", cfg.Postgres.DSN != "",
		"nats", cfg.NATS.URL != "",
		"version", version,
	)

	vault, err := secrets.NewVault(hostSecrets(holder))
	if err != nil {
		return err
	}
	slog.Info("api auth", "rest_key", vault.Redacted(secrets.APIKey), "mcp_key", vault.Redacted(secrets.MCPAPIKey))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// --- Infrastructure ---

	var health []agenthttp.HealthCheck

	// PostgreSQL (optional)
	var store *postgres.Store
	if cfg.Postgres.DSN != "" {
		store, err = postgres.Open(ctx, cfg.Postgres)
		if err != nil {
			return fmt.Errorf("postgres: %w", err)
		}
		defer store.Close()
		health = append(health, agenthttp.HealthCheck{Name: "postgres", Check: store.Ping})
		slog.Info("postgres connected")
	}

	// NATS JetStream (optional)
	var queue *agentnats.Queue
	if cfg.NATS.URL != "" {
		queue, err = agentnats.Connect(ctx, cfg.NATS.URL)
		if err != nil {
			return fmt.Errorf("nats: %w", err)
		}
		defer func() {
			if err := queue.Drain(); err != nil {
				slog.Error("nats drain failed", "error", err)
			}
		}()
		health = append(health, agenthttp.HealthCheck{Name: "nats", Check: func(context.Context) error {
			if !queue.IsConnected() {
				return errors.New("disconnected")
			}
			return nil
		}})
	}

	// Dedup cache: ristretto L1, NATS KV L2 when NATS is configured.
	l1, err := ristretto.New(cfg.Runtime.Dedup.L1MaxSizeMB << 20)
	if err != nil {
		return fmt.Errorf("l1 cache: %w", err)
	}
	defer func() {
		st := l1.Stats()
		log.Info("dedup window closed", "hits", st.Hits, "misses", st.Misses, "evicted", st.Evicted, "rejected", st.Rejected)
		l1.Close()
	}()
	var dedup cache.Cache = l1
	if queue != nil {
		l2, err := natskv.Open(ctx, queue.JetStream(), cfg.Runtime.Dedup.L2Bucket, cfg.Runtime.Dedup.TTL)
		if err != nil {
			return fmt.Errorf("l2 cache: %w", err)
		}
		dedup = tiered.New(l1, l2, cfg.Runtime.Dedup.L1Expire, tiered.WithBreaker(resilience.NewBreaker(resilience.BreakerConfig{
			Name:        "dedup-l2",
			MaxFailures: cfg.Breaker.MaxFailures,
			Timeout:     cfg.Breaker.Timeout,
		})))
	}

	// --- Observability ---

	wsHub := ws.NewHub(cfg.Observability.WSQueue)
	defer wsHub.Close()
	providers := []observability.Provider{logger.NewEventLog(log), wsHub}

	if cfg.Observability.OTLPEndpoint != "" {
		otelProvider, shutdownOtel, err := otel.Setup(ctx, otel.Config{
			ServiceName:    cfg.Logging.Service,
			Endpoint:       cfg.Observability.OTLPEndpoint,
			Insecure:       cfg.Observability.Insecure,
			SampleRatio:    cfg.Observability.SampleRatio,
			MetricInterval: cfg.Observability.MetricInterval,
		})
		if err != nil {
			return fmt.Errorf("otel: %w", err)
		}
		defer func() {
			sctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
			defer cancel()
			if err := shutdownOtel(sctx); err != nil {
				slog.Error("otel shutdown failed", "error", err)
			}
		}()
		providers = append(providers, otelProvider)
		slog.Info("otel exporting", "endpoint", cfg.Observability.OTLPEndpoint)
	}

	// The bridge routes inbound messages into the runtime, which does not
	// exist yet; it is only started once rt is set.
	var rt *service.Runtime
	var bridge *agentnats.Bridge
	if queue != nil {
		breaker := resilience.NewBreaker(resilience.BreakerConfig{
			Name:        "nats",
			MaxFailures: cfg.Breaker.MaxFailures,
			Timeout:     cfg.Breaker.Timeout,
		})
		send := sendFunc(func(ctx context.Context, m fipa.Message) (*service.Receipt, error) {
			return rt.Send(ctx, m)
		})
		bridge = agentnats.NewBridge(queue, send, breaker, agentnats.BridgeConfig{
			Outbox:         cfg.NATS.Outbox,
			PublishTimeout: cfg.NATS.PublishTimeout,
			Events:         cfg.NATS.ForwardEvents,
		})
		providers = append(providers, bridge)
	}

	hub := service.NewHub(cfg.Runtime.HubBuffer, cfg.Runtime.HubWorkers, providers...)
	go logger.ReportDrops(ctx, closeLog, time.Minute, func(n int64) {
		hub.RecordMetric(observability.MetricLogsDropped, float64(n), nil)
	})
	defer hub.Close()

	// --- Sandbox ---

	toolAgent, closeTools := dialToolServers(ctx, cfg)
	defer closeTools()
	if toolAgent != nil {
		native.Handle(cfg.MCP.ToolAgent, toolAgent.Factory())
	}

	loaders, err := newLoaders(cfg.Sandbox)
	if err != nil {
		return err
	}

	// --- Runtime ---

	var dbStore database.Store
	if store != nil {
		dbStore = store
		if !cfg.Sandbox.ModuleStore {
			dbStore = agentsOnly{Store: store}
		}
	}

	rt = service.NewRuntime(runtimeConfig(cfg), service.RuntimeDeps{
		Hub:        hub,
		Loaders:    loaders,
		Cache:      dedup,
		Store:      dbStore,
		Extensions: []extension.Extension{logger.DeliveryLog{}},
	})
	go rt.Run(ctx)
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		if err := rt.Shutdown(sctx); err != nil {
			slog.Error("runtime shutdown failed", "error", err)
		}
	}()

	if toolAgent != nil {
		rec, err := rt.SpawnNative(ctx, cfg.MCP.ToolAgent, cfg.MCP.ToolAgent, resource.Limits{})
		if err != nil {
			return fmt.Errorf("spawn tool agent: %w", err)
		}
		slog.Info("mcp tool agent ready", "agent_id", rec.ID, "tools", len(toolAgent.Tools()))
	}

	if bridge != nil {
		stopBridge, err := bridge.Start(ctx, rt.DeadLetters)
		if err != nil {
			return fmt.Errorf("nats bridge: %w", err)
		}
		defer stopBridge()
		slog.Info("nats bridge started")
	}

	// --- MCP management server (optional) ---

	if cfg.MCP.ServerEnabled {
		mcpSrv := mcp.NewServer(mcp.ListenConfig{
			Addr:       cfg.MCP.Addr,
			Name:       "agenthost",
			Version:    version,
			APIKeyFunc: vault.Getter(secrets.MCPAPIKey),
		}, mcp.ServerDeps{
			Agents:        rt.Supervisor,
			Sender:        rt,
			Conversations: rt.Conversations,
			Stats:         rt,
		})
		if err := mcpSrv.Start(); err != nil {
			return fmt.Errorf("mcp server: %w", err)
		}
		defer func() {
			sctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
			defer cancel()
			if err := mcpSrv.Stop(sctx); err != nil {
				slog.Error("mcp server shutdown failed", "error", err)
			}
		}()
	}

	// --- HTTP Server ---

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)
	r.Use(otel.HTTPMiddleware(cfg.Logging.Service))
	r.Use(agenthttp.SecurityHeaders)
	r.Use(agenthttp.CORS(cfg.Server.CORSOrigin))
	r.Use(agenthttp.Logger)

	opts := agenthttp.RouteOptions{
		APIKeyFunc:     vault.Getter(secrets.APIKey),
		Idempotency:    dedup,
		IdempotencyTTL: cfg.Runtime.Dedup.TTL,
	}
	if cfg.Rate.RequestsPerSecond > 0 {
		opts.Limiter = middleware.NewRateLimiter(cfg.Rate.RequestsPerSecond, cfg.Rate.Burst)
		stopCleanup := opts.Limiter.StartCleanup(time.Minute, cfg.Rate.IdleEvict)
		defer stopCleanup()
	}

	handlers := &agenthttp.Handlers{
		Runtime:        rt,
		Events:         http.HandlerFunc(wsHub.HandleWS),
		Health:         health,
		MaxModuleBytes: int64(cfg.Sandbox.MaxModuleBytes),
		Version:        version,
	}
	agenthttp.MountRoutes(r, handlers, opts)

	addr := ":" + cfg.Server.Port
	srv := &http.Server{
		Addr:              addr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)
	go reloadOnSignal(ctx, holder, vault, hup)

	errCh := make(chan error, 1)
	go func() {
		slog.Info("starting server", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		return fmt.Errorf("http server: %w", err)
	}
	slog.Info("shutting down server")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

// reloadOnSignal re-reads the configuration on SIGHUP. The log level and
// API keys apply live; other changes take effect on restart.
func reloadOnSignal(ctx context.Context, holder *config.Holder, vault *secrets.Vault, sig <-chan os.Signal) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-sig:
			if err := holder.Reload(); err != nil {
				slog.Error("config reload failed", "error", err)
				continue
			}
			cfg := holder.Get()
			logger.SetLevel(cfg.Logging.Level)
			if err := vault.Reload(); err != nil {
				slog.Error("secret reload failed", "error", err)
			}
			slog.Info("config reloaded", "log_level", cfg.Logging.Level)
		}
	}
}

// hostSecrets reads the API keys from the current config. Key files take
// precedence over inline keys.
func hostSecrets(holder *config.Holder) secrets.Loader {
	return func() (map[string]string, error) {
		cfg := holder.Get()
		return secrets.Chain(
			secrets.Static(map[string]string{
				secrets.APIKey:    cfg.Server.APIKey,
				secrets.MCPAPIKey: cfg.MCP.APIKey,
			}),
			secrets.FileLoader(map[string]string{
				secrets.APIKey:    cfg.Server.APIKeyFile,
				secrets.MCPAPIKey: cfg.MCP.APIKeyFile,
			}),
		)()
	}
}

// runtimeConfig maps the file configuration onto the runtime settings.
func runtimeConfig(cfg *config.Config) service.RuntimeConfig {
	rc := cfg.Runtime
	return service.RuntimeConfig{
		Supervisor: service.SupervisorConfig{
			DefaultLimits: rc.Limits,
			LimitCeiling:  rc.LimitCeiling,
			RestartPolicy: rc.Restart,
		},
		Conversation: service.ConversationConfig{
			IdleTimeout:     rc.Conversation.IdleTimeout,
			TombstoneTTL:    rc.Conversation.TombstoneTTL,
			SweepInterval:   rc.Conversation.SweepInterval,
			MaxParticipants: rc.Conversation.MaxParticipants,
			MaxHistory:      rc.Conversation.MaxHistory,
		},
		Router: service.RouterConfig{
			Backpressure:        service.Backpressure(rc.Backpressure),
			FanOut:              rc.FanOut,
			NotifyNotUnderstood: rc.NotifyNotUnderstood,
		},
		DedupTTL:           rc.Dedup.TTL,
		DeadLetterCapacity: rc.DeadLetterCapacity,
		JournalBuffer:      rc.JournalBuffer,
	}
}

// newLoaders builds one loader per registered module kind.
func newLoaders(cfg config.Sandbox) ([]sandbox.Loader, error) {
	settings := map[string]string{
		"cache_dir":        cfg.WasmCacheDir,
		"max_module_bytes": strconv.Itoa(cfg.MaxModuleBytes),
	}
	kinds := sandbox.Available()
	loaders := make([]sandbox.Loader, 0, len(kinds))
	for _, kind := range kinds {
		l, err := sandbox.New(kind, settings)
		if err != nil {
			return nil, fmt.Errorf("loader %s: %w", kind, err)
		}
		loaders = append(loaders, l)
	}
	slog.Info("sandbox loaders ready", "kinds", kinds)
	return loaders, nil
}

// dialToolServers connects to the configured MCP servers. Servers that
// cannot be reached are skipped. It returns nil when no server is usable.
func dialToolServers(ctx context.Context, cfg *config.Config) (*mcp.ToolAgent, func()) {
	if len(cfg.MCP.Servers) == 0 {
		return nil, func() {}
	}

	var clients []*mcp.Client
	closeAll := func() {
		for _, c := range clients {
			if err := c.Close(); err != nil {
				slog.Warn("mcp client close failed", "server", c.Name(), "error", err)
			}
		}
	}

	sources := make([]mcp.Source, 0, len(cfg.MCP.Servers))
	for _, s := range cfg.MCP.Servers {
		c, err := mcp.Dial(ctx, mcp.ServerConfig{
			Name:      s.Name,
			Transport: mcp.Transport(s.Transport),
			Command:   s.Command,
			Args:      s.Args,
			Env:       s.Env,
			URL:       s.URL,
			Headers:   s.Headers,
		}, version)
		if err != nil {
			slog.Warn("mcp server unavailable", "server", s.Name, "error", err)
			continue
		}
		clients = append(clients, c)
		sources = append(sources, mcp.Source{Name: s.Name, Caller: c})
	}
	if len(sources) == 0 {
		return nil, closeAll
	}

	opts := []mcp.ToolAgentOption{mcp.WithBreaker(cfg.Breaker.MaxFailures, cfg.Breaker.Timeout)}
	ta := mcp.NewToolAgent(opts, sources...)
	if err := ta.Refresh(ctx); err != nil {
		slog.Warn("mcp tool discovery incomplete", "error", err)
	}
	return ta, closeAll
}

// sendFunc adapts a function to agentnats.Sender.
type sendFunc func(ctx context.Context, m fipa.Message) (*service.Receipt, error)

func (f sendFunc) Send(ctx context.Context, m fipa.Message) (*service.Receipt, error) {
	return f(ctx, m)
}
