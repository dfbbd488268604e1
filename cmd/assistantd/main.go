// Command assistantd runs the assistant orchestration fabric: it loads
// configuration, opens the event bus and task store, builds the skill
// registry, and starts the channel adapters and MCP gateway side by
// side until told to shut down.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/anemos/assistant-fabric/internal/agent"
	"github.com/anemos/assistant-fabric/internal/audit"
	"github.com/anemos/assistant-fabric/internal/bus"
	"github.com/anemos/assistant-fabric/internal/channels"
	"github.com/anemos/assistant-fabric/internal/config"
	"github.com/anemos/assistant-fabric/internal/cron"
	"github.com/anemos/assistant-fabric/internal/mcpgateway"
	"github.com/anemos/assistant-fabric/internal/orchestrator"
	"github.com/anemos/assistant-fabric/internal/otelx"
	"github.com/anemos/assistant-fabric/internal/policy"
	"github.com/anemos/assistant-fabric/internal/skills"
	"github.com/anemos/assistant-fabric/internal/taskstore"
	"github.com/anemos/assistant-fabric/internal/telemetry"
)

func main() {
	homeDir := flag.String("home", defaultHomeDir(), "data directory for config, logs, and audit records")
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load(*homeDir)
	if err != nil {
		fatalStartup(nil, "config_missing", err)
	}

	if err := audit.Init(cfg.HomeDir); err != nil {
		fatalStartup(nil, "audit_init_failed", err)
	}
	defer func() { _ = audit.Close() }()

	if auditDB, err := audit.OpenSQLite(cfg.HomeDir); err != nil {
		fmt.Fprintf(os.Stderr, "audit sqlite sink unavailable, JSONL-only: %v\n", err)
	} else {
		audit.SetDB(auditDB)
		defer auditDB.Close()
	}

	logger, closer, err := telemetry.NewLogger(cfg.HomeDir, cfg.LogLevel, false)
	if err != nil {
		fatalStartup(nil, "logger_init_failed", err)
	}
	defer closer.Close()
	slog.SetDefault(logger)
	logger.Info("startup phase", "phase", "config_loaded")

	telemetryProvider, err := otelx.Init(ctx, otelx.Config{
		Enabled:     cfg.Telemetry.Enabled,
		Exporter:    cfg.Telemetry.Exporter,
		Endpoint:    cfg.Telemetry.Endpoint,
		ServiceName: "assistant-fabric",
	})
	if err != nil {
		fatalStartup(logger, "telemetry_init_failed", err)
	}
	defer telemetryProvider.Shutdown(ctx)

	metrics, err := otelx.NewMetrics(telemetryProvider.Meter)
	if err != nil {
		fatalStartup(logger, "metrics_init_failed", err)
	}

	policyPath := cfg.HomeDir + "/policy.yaml"
	pol := policy.Default()
	if _, statErr := os.Stat(policyPath); statErr == nil {
		pol, err = policy.Load(policyPath)
		if err != nil {
			fatalStartup(logger, "policy_load_failed", err)
		}
	}
	liveChecker := policy.NewLivePolicy(pol, "startup")
	_ = liveChecker // kept current by the policy.yaml watcher below; no runner in this file consults it

	confWatcher := config.NewWatcher(cfg.HomeDir, logger)
	if err := confWatcher.Start(ctx); err != nil {
		logger.Warn("config watcher failed to start; hot-reload disabled", "error", err)
	} else {
		go func() {
			for ev := range confWatcher.Events() {
				if filepath.Base(ev.Path) != "policy.yaml" {
					continue
				}
				reloaded, err := policy.Load(ev.Path)
				if err != nil {
					logger.Error("policy.yaml reload rejected; retaining previous policy", "error", err)
					continue
				}
				liveChecker.Reload(reloaded, ev.Op.String()+"@"+time.Now().UTC().Format(time.RFC3339))
				logger.Info("policy.yaml hot-reloaded", "policy_version", liveChecker.PolicyVersion())
			}
		}()
	}

	var backend bus.Backend
	if cfg.Redis.Addr != "" {
		backend = bus.NewRedisBackend(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
	} else {
		backend = bus.NewMemoryBackend()
	}
	eventBus := bus.New(backend)

	if overrides, err := loadKVOverrides(ctx, eventBus); err != nil {
		logger.Warn("config KV overrides unavailable, using file/env values", "error", err)
	} else if len(overrides) > 0 {
		config.ApplyKVOverrides(&cfg, overrides)
		logger.Info("applied config overrides from KV store", "count", len(overrides))
	}

	store := taskstore.New(eventBus)
	reg := skills.New()
	// No skills are registered here: concrete skill bodies are a
	// deployment-time concern, wired in by whoever operates this fabric
	// via reg.Register(descriptor, runner) before Start is called.

	assistant := &agent.AssistantAgent{
		// Gateway is left nil: the concrete model provider wire protocol
		// is a deployment-time concern (see agent.ModelGateway), set by
		// whoever operates this fabric before Start is called.
		SystemPrompt: func(tools []agent.ToolSpec) string {
			return "You are a helpful assistant with access to the registered tools."
		},
	}
	toolAgent := &agent.ToolAgent{Registry: reg}

	endpoints := mcpgateway.NewEndpointStore(eventBus)
	confirmations := mcpgateway.NewConfirmations(eventBus, endpoints, metrics)

	orch := &orchestrator.Orchestrator{
		Bus:           eventBus,
		Store:         store,
		Assistant:     assistant,
		Tools:         toolAgent,
		Config:        cfg.Orchestrator,
		WorkerID:      workerID(),
		Metrics:       metrics,
		Logger:        logger,
		Confirmations: confirmations,
		SeqTracker:    bus.NewSeqTracker(eventBus),
	}

	dispatcher := channels.DispatcherFunc(func(ctx context.Context, taskID string) error {
		_, err := orch.Dispatch(ctx, taskID)
		return err
	})

	schedules := cron.NewScheduleStore(eventBus)
	scheduler := cron.NewScheduler(cron.Config{
		Schedules:  schedules,
		Tasks:      store,
		Dispatcher: dispatcher,
		Logger:     logger,
		Interval:   time.Duration(cfg.Cron.IntervalSecs) * time.Second,
	})
	scheduler.Start(ctx)
	defer scheduler.Stop()

	reaper := taskstore.NewReaper(taskstore.ReaperConfig{Store: store, Logger: logger})
	reaper.Start(ctx)
	defer reaper.Stop()

	gatewayServer := mcpgateway.NewServer(eventBus, endpoints, confirmations, cfg.MCPGateway, metrics, logger)
	sweeper := mcpgateway.NewSweeper(mcpgateway.SweeperConfig{
		Confirmations: confirmations,
		Bus:           eventBus,
		Logger:        logger,
	})
	sweeper.Start(ctx)
	defer sweeper.Stop()

	httpServer := &http.Server{
		Addr:    cfg.MCPGateway.BindAddr,
		Handler: gatewayServer.Handler(),
	}
	go func() {
		logger.Info("mcpgateway listening", "addr", cfg.MCPGateway.BindAddr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("mcpgateway server exited", "error", err)
		}
	}()

	if cfg.Channels.Telegram.Enabled {
		telegramChannel := channels.NewTelegramChannel(
			cfg.Channels.Telegram.Token,
			cfg.Channels.Telegram.AllowedUserIDs,
			store,
			dispatcher,
			confirmations,
			eventBus,
			cfg.RateLimit,
			logger,
		)
		go func() {
			if err := telegramChannel.Start(ctx); err != nil {
				logger.Error("telegram channel exited", "error", err)
			}
		}()
	} else {
		logger.Info("telegram channel disabled")
	}

	<-ctx.Done()
	logger.Info("shutdown signal received, draining")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("mcpgateway shutdown error", "error", err)
	}
}

// loadKVOverrides reads every "config:<dotted.key>" entry the bus's KV
// store carries, the highest-precedence layer in the config resolution
// order. KV.List returns fully namespaced keys, so the "config:" prefix
// is stripped before each value is fetched by its bare dotted key.
func loadKVOverrides(ctx context.Context, b *bus.Bus) (config.KVOverrides, error) {
	kv := b.KV("config")
	keys, err := kv.List(ctx, "")
	if err != nil {
		return nil, err
	}
	overrides := make(config.KVOverrides, len(keys))
	for _, key := range keys {
		dottedKey := strings.TrimPrefix(key, "config:")
		value, ok, err := kv.Get(ctx, dottedKey)
		if err != nil || !ok {
			continue
		}
		overrides[dottedKey] = string(value)
	}
	return overrides, nil
}

func defaultHomeDir() string {
	if v := os.Getenv("FABRIC_HOME"); v != "" {
		return v
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "."
	}
	return home + "/.assistant-fabric"
}

func workerID() string {
	host, err := os.Hostname()
	if err != nil {
		host = "worker"
	}
	return fmt.Sprintf("%s-%d", host, os.Getpid())
}

func fatalStartup(logger *slog.Logger, reasonCode string, err error) {
	message := ""
	if err != nil {
		message = err.Error()
	}
	audit.Record("fatal", "runtime.startup", reasonCode, "", message)
	if logger != nil {
		logger.Error("startup failure", "reason_code", reasonCode, "error", message)
	} else {
		fmt.Fprintf(os.Stderr, "startup failure: reason=%s error=%s\n", reasonCode, message)
	}
	os.Exit(1)
}
