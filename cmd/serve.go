package cmd

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/praxislabs/conductor/internal/agents"
	"github.com/praxislabs/conductor/internal/bus"
	"github.com/praxislabs/conductor/internal/channel"
	"github.com/praxislabs/conductor/internal/config"
	"github.com/praxislabs/conductor/internal/events"
	"github.com/praxislabs/conductor/internal/gateway"
	"github.com/praxislabs/conductor/internal/providers"
	"github.com/praxislabs/conductor/internal/registry"
	"github.com/praxislabs/conductor/internal/schedule"
	"github.com/praxislabs/conductor/internal/store"
	"github.com/praxislabs/conductor/internal/store/sqldb"
	"github.com/praxislabs/conductor/internal/telemetry"
	"github.com/praxislabs/conductor/internal/tools"
	"github.com/praxislabs/conductor/internal/tracing"
)

func runServe() {
	logLevel := slog.LevelInfo
	if verbose {
		logLevel = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel,
	})))

	cfg, err := config.Load(resolveConfigPath())
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// OTLP trace export is optional; the collector runs without it.
	shutdownTelemetry, tracer, err := telemetry.Setup(ctx, telemetry.Config{
		Endpoint:    telemetryEndpoint(cfg),
		Protocol:    cfg.Telemetry.Protocol,
		Insecure:    cfg.Telemetry.Insecure,
		ServiceName: cfg.Telemetry.ServiceName,
	})
	if err != nil {
		slog.Error("telemetry setup failed", "error", err)
		os.Exit(1)
	}
	defer func() {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		shutdownTelemetry(shutdownCtx)
	}()

	db, err := openDatabase(cfg)
	if err != nil {
		slog.Error("failed to open database", "error", err)
		os.Exit(1)
	}
	defer db.Close()

	if err := sqldb.Migrate(db); err != nil {
		slog.Error("migration failed", "error", err)
		os.Exit(1)
	}
	stores := sqldb.NewStores(db)

	collector := tracing.NewCollector(stores.Traces, tracer)

	msgBus := bus.NewMessageBus()
	sink := channel.NewBusSink(msgBus, cfg.Gateway.RateLimitRPM)
	eventSvc := events.NewService(stores, msgBus)

	defaults := cfg.ResolveAgent("default")
	provider, err := buildProvider(cfg, defaults.Provider)
	if err != nil {
		slog.Error("provider setup failed", "error", err)
		os.Exit(1)
	}

	runner := tools.NewRunner()
	runner.Register(&tools.CreateTodoTool{Todos: stores.Todos})
	runner.Register(&tools.ListTodoTool{Todos: stores.Todos})
	runner.Register(&tools.CancelTodoTool{Todos: stores.Todos})
	runner.Register(&tools.ConversationSearchTool{Messages: stores.Messages})
	runner.Register(tools.NewWebSearchTool())
	runner.Register(tools.NewWebFetchTool())

	reg := registry.New(registry.Defaults()...)
	results := bus.NewResultBoard()

	defaultSup := agents.NewSupervisor(agents.SupervisorConfig{
		Identity: agents.Identity{
			ID:    "supervisor-default",
			Type:  "supervisor",
			Name:  "Conductor",
			Emoji: "🪄",
		},
		Provider:    provider,
		Model:       defaults.Model,
		MaxTokens:   defaults.MaxTokens,
		Temperature: defaults.Temperature,
		MaxIter:     defaults.MaxToolIterations,
		MaxIterPlan: defaults.MaxToolIterationsPlan,
		Runner:      runner,
		Events:      eventSvc,
		Stores:      stores,
		Registry:    reg,
		Collector:   collector,
		Results:     results,
		Sink:        sink,
	})
	defer defaultSup.Shutdown()

	leadDefaults := cfg.ResolveAgent("mission-lead")
	leadProvider, err := buildProvider(cfg, leadDefaults.Provider)
	if err != nil {
		slog.Error("provider setup failed", "agent", "mission-lead", "error", err)
		os.Exit(1)
	}
	missionLead := agents.NewSupervisor(agents.SupervisorConfig{
		Identity: agents.Identity{
			ID:    "supervisor-mission-lead",
			Type:  "mission-lead",
			Name:  "Mission Lead",
			Emoji: "🎯",
		},
		Provider:    leadProvider,
		Model:       leadDefaults.Model,
		MaxTokens:   leadDefaults.MaxTokens,
		Temperature: leadDefaults.Temperature,
		MaxIter:     leadDefaults.MaxToolIterations,
		MaxIterPlan: leadDefaults.MaxToolIterationsPlan,
		Runner:      runner,
		Events:      eventSvc,
		Stores:      stores,
		Registry:    reg,
		Collector:   collector,
		Results:     results,
		Sink:        sink,
	})
	defer missionLead.Shutdown()

	router := agents.NewRouter(defaultSup, missionLead, stores.Conversations)
	// Turns for different conversations run in parallel; the dispatcher keeps
	// per-conversation order and frees the bus consumer immediately.
	dispatcher := bus.NewDispatcher(func(msg *store.Message) {
		router.Route(ctx, msg)
	})
	sink.OnMessage(dispatcher.Dispatch)
	go sink.Run(ctx)

	if cfg.Scheduler.Enabled {
		sched := schedule.New(stores.Tasks, stores.Conversations, eventSvc, sink.Deliver,
			schedule.WithTickInterval(cfg.Scheduler.TickDuration()))
		go sched.Run(ctx)
	}

	server := gateway.NewServer(cfg, msgBus, sink, stores)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		slog.Info("shutting down", "signal", sig)
		cancel()
	}()

	slog.Info("conductor starting",
		"version", Version,
		"mode", cfg.Database.Mode,
		"provider", defaults.Provider,
		"model", defaults.Model,
		"tools", runner.Names(),
	)

	if err := server.Start(ctx); err != nil {
		slog.Error("gateway error", "error", err)
		os.Exit(1)
	}
}

func openDatabase(cfg *config.Config) (*sqldb.DB, error) {
	if cfg.IsManagedMode() {
		return sqldb.OpenPostgres(cfg.Database.PostgresDSN)
	}
	return sqldb.OpenSQLite(config.ExpandHome(cfg.Database.SQLitePath))
}

// buildProvider resolves a provider name from config into a client. API keys
// come from env only.
func buildProvider(cfg *config.Config, name string) (providers.Provider, error) {
	switch name {
	case "", "anthropic":
		return providers.NewAnthropicProvider(cfg.Providers.Anthropic.APIKey,
			providers.WithAnthropicModel(cfg.Providers.Anthropic.Model),
			providers.WithAnthropicBaseURL(cfg.Providers.Anthropic.BaseURL),
		), nil
	case "openai":
		return providers.NewOpenAIProvider("openai",
			cfg.Providers.OpenAI.APIKey,
			cfg.Providers.OpenAI.BaseURL,
			cfg.Providers.OpenAI.Model,
		), nil
	default:
		return nil, &unknownProviderError{name: name}
	}
}

type unknownProviderError struct{ name string }

func (e *unknownProviderError) Error() string {
	return "unknown provider " + e.name + " (expected anthropic or openai)"
}

func telemetryEndpoint(cfg *config.Config) string {
	if !cfg.Telemetry.Enabled {
		return ""
	}
	return cfg.Telemetry.Endpoint
}
