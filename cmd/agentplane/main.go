// Command agentplane runs the control plane: ingress, dispatcher, driver,
// cron scheduler and worker client wired together into one process.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/agentplane/control/internal/bus"
	"github.com/agentplane/control/internal/channels"
	"github.com/agentplane/control/internal/config"
	"github.com/agentplane/control/internal/cron"
	"github.com/agentplane/control/internal/dispatcher"
	"github.com/agentplane/control/internal/driver"
	"github.com/agentplane/control/internal/ingress"
	otelpkg "github.com/agentplane/control/internal/otel"
	"github.com/agentplane/control/internal/store"
	"github.com/agentplane/control/internal/telemetry"
	"github.com/agentplane/control/internal/workerclient"
)

// Version is set via ldflags at build time: -ldflags "-X main.Version=..."
var Version = "v0.1-dev"

func main() {
	root := &cobra.Command{
		Use:     "agentplane",
		Short:   "agentplane runs the agent scheduling and execution control plane",
		Version: Version,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe()
		},
	}
	root.AddCommand(&cobra.Command{
		Use:   "serve",
		Short: "Start the control plane HTTP/websocket server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe()
		},
	})

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func runServe() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger, closer, err := telemetry.NewLogger(cfg.HomeDir, cfg.LogLevel, false)
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	defer closer.Close()
	slog.SetDefault(logger)
	logger.Info("startup phase", "phase", "config_loaded", "driver", cfg.Driver, "bind_addr", cfg.BindAddr)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	eventBus := bus.New()

	otelProvider, err := otelpkg.Init(ctx, otelpkg.Config{
		Enabled:     cfg.OtelEnabled,
		Exporter:    cfg.OtelExporter,
		Endpoint:    cfg.OtelEndpoint,
		ServiceName: otelpkg.MeterName,
		SampleRate:  cfg.OtelSampleRate,
	})
	if err != nil {
		return fmt.Errorf("init otel: %w", err)
	}
	defer otelProvider.Shutdown(context.Background())

	var metrics *otelpkg.Metrics
	if cfg.OtelEnabled {
		metrics, err = otelpkg.NewMetrics(otelProvider.Meter)
		if err != nil {
			return fmt.Errorf("init metrics: %w", err)
		}
	}

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}
	dbPath := filepath.Join(cfg.DataDir, "control.db")
	st, err := store.Open(dbPath, eventBus)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()
	logger.Info("startup phase", "phase", "schema_migrated", "db_path", dbPath)

	drv, err := buildDriver(cfg)
	if err != nil {
		return fmt.Errorf("build driver: %w", err)
	}
	defer drv.Close()

	worker := workerclient.New(&http.Client{Timeout: 60 * time.Second})

	disp := dispatcher.New(st, drv, worker, nil, logger)
	disp.SetTelemetry(otelProvider.Tracer, metrics)

	registry := channels.NewRegistry()
	registry.Register(channels.NewDuplexChannel())
	registerPlatformChannels(registry, cfg, logger)

	confWatcher := config.NewWatcher(cfg.HomeDir, logger)
	if err := confWatcher.Start(ctx); err != nil {
		logger.Warn("config watcher failed to start", "error", err)
	} else {
		go func() {
			for ev := range confWatcher.Events() {
				logger.Info("config.yaml changed on disk; restart to pick up changes", "path", ev.Path)
			}
		}()
	}

	srv := &ingress.Server{
		Store:        st,
		Registry:     registry,
		Dispatcher:   disp,
		Driver:       drv,
		Worker:       worker,
		Bus:          eventBus,
		AllowOrigins: cfg.AllowOrigins,
		Version:      Version,
		Logger:       logger,
		Metrics:      metrics,
	}

	cronSched := cron.NewScheduler(cron.Config{
		Store:      st,
		Dispatcher: disp,
		Bus:        eventBus,
		Logger:     logger,
		Interval:   cfg.CronInterval,
	})
	cronSched.Start(ctx)
	defer cronSched.Stop()

	httpServer := &http.Server{
		Addr:    cfg.BindAddr,
		Handler: srv.Router(),
	}
	ln, err := net.Listen("tcp", cfg.BindAddr)
	if err != nil {
		return fmt.Errorf("bind %s: %w", cfg.BindAddr, err)
	}

	serverErr := make(chan error, 1)
	go func() {
		logger.Info("control plane listening", "addr", cfg.BindAddr, "ws", "/ws")
		if err := httpServer.Serve(ln); err != nil && err != http.ErrServerClosed {
			serverErr <- err
		}
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-serverErr:
		logger.Error("server error", "error", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = httpServer.Shutdown(shutdownCtx)
	logger.Info("shutdown complete")
	return nil
}

// buildDriver constructs the Driver named by cfg.Driver (spec §4.2, §6.6).
func buildDriver(cfg config.Config) (driver.Driver, error) {
	switch cfg.Driver {
	case "", "static":
		if cfg.StaticWorkerURL == "" {
			return nil, fmt.Errorf("driver=static requires STATIC_WORKER_URL")
		}
		return driver.NewStaticDriver(cfg.StaticWorkerURL), nil
	case "local":
		return driver.NewLocalDriver(driver.LocalConfig{
			Image:         cfg.WorkerImage,
			ContainerPort: cfg.WorkerPort + "/tcp",
			MemoryMB:      cfg.WorkerMemoryMB,
			WorkerEnv:     cfg.WorkerEnv,
		})
	case "orchestrated":
		var redisClient *redis.Client
		if cfg.RedisURL != "" {
			opts, err := redis.ParseURL(cfg.RedisURL)
			if err != nil {
				return nil, fmt.Errorf("parse AGENTPLANE_REDIS_URL: %w", err)
			}
			redisClient = redis.NewClient(opts)
		}
		return driver.NewOrchestratedDriver(driver.OrchestratedConfig{
			Image:          cfg.WorkerImage,
			ContainerPort:  cfg.WorkerPort + "/tcp",
			NetworkName:    cfg.Namespace,
			PersistentMode: cfg.WorkspaceStorage == "persistent",
			MemoryMB:       cfg.WorkerMemoryMB,
			IdleTTL:        time.Duration(cfg.IdleTTLSeconds) * time.Second,
			RedisClient:    redisClient,
			WorkerEnv:      cfg.WorkerEnv,
		})
	default:
		return nil, fmt.Errorf("unknown driver %q (expected static, local or orchestrated)", cfg.Driver)
	}
}

// registerPlatformChannels registers the webhook, Telegram and Discord
// channels when their credentials are configured. The duplex channel is
// always registered by the caller since it needs no external credentials.
func registerPlatformChannels(registry *channels.Registry, cfg config.Config, logger *slog.Logger) {
	registry.Register(channels.NewWebhookChannel(channels.WebhookConfig{
		Type: "webhook",
	}))

	if cfg.TelegramToken != "" {
		tg, err := channels.NewTelegramChannel(cfg.TelegramToken, cfg.TelegramSecretToken)
		if err != nil {
			logger.Warn("telegram channel registration failed", "error", err)
		} else {
			registry.Register(tg)
		}
	}

	if cfg.DiscordBotToken != "" && cfg.DiscordPublicKey != "" {
		dc, err := channels.NewDiscordChannel(cfg.DiscordBotToken, cfg.DiscordPublicKey)
		if err != nil {
			logger.Warn("discord channel registration failed", "error", err)
		} else {
			registry.Register(dc)
		}
	}
}
