// Package main is the entry point for the pubplane daemon.
package main

import (
	"context"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"pubplane/internal/browser"
	"pubplane/internal/config"
	"pubplane/internal/control"
	"pubplane/internal/dispatcher"
	"pubplane/internal/engine"
	"pubplane/internal/events"
	"pubplane/internal/logger"
	"pubplane/internal/observability"
	"pubplane/internal/pool"
	"pubplane/internal/queue"
	"pubplane/internal/registry"
	"pubplane/internal/store"
	"pubplane/internal/store/postgres"

	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

func main() {
	migrateFlag := flag.Bool("migrate", false, "run database migrations before starting")
	flag.Parse()

	log := logger.New()

	cfg, err := config.Load()
	if err != nil {
		log.Error("failed to load config", "err", err)
		os.Exit(1)
	}

	ctx := context.Background()

	// Journal. Without DATABASE_URL the engine runs volatile.
	var jobStore *postgres.Store
	if cfg.DatabaseURL != "" {
		jobStore, err = postgres.New(ctx, cfg.DatabaseURL)
		if err != nil {
			log.Error("failed to connect to database", "err", err)
			os.Exit(1)
		}
		defer jobStore.Close()

		if *migrateFlag || cfg.Migrate {
			log.Info("running database migrations")
			if err := postgres.Migrate(jobStore.DB()); err != nil {
				log.Error("migration failed", "err", err)
				os.Exit(1)
			}
		}
	} else {
		log.Warn("no DATABASE_URL set, running without a journal")
	}

	// Tracing
	if cfg.OTELCollectorAddr != "" {
		shutdownTracer, err := observability.InitTracing(ctx, "pubplaned", cfg.OTELCollectorAddr)
		if err != nil {
			log.Error("failed to init tracing", "err", err)
			os.Exit(1)
		}
		defer func() {
			if err := shutdownTracer(context.Background()); err != nil {
				log.Warn("failed to shutdown tracer", "err", err)
			}
		}()
	}

	// Metrics
	metricsHandler, shutdownMetrics, err := observability.InitMetrics()
	if err != nil {
		log.Error("failed to init metrics", "err", err)
		os.Exit(1)
	}
	defer func() {
		if err := shutdownMetrics(context.Background()); err != nil {
			log.Warn("failed to shutdown metrics", "err", err)
		}
	}()

	// Event bus, with optional Redis leg for the dashboard.
	var rdb *redis.Client
	if cfg.RedisAddr != "" {
		rdb = redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
		})
		defer rdb.Close()
	}
	bus := events.New(rdb, cfg.EventChannel, log)
	defer bus.Close()

	// Environment provider and executor.
	var provider pool.Provider
	var discoverer engine.Discoverer
	switch cfg.Provider {
	case config.ProviderDocker:
		dp, err := browser.NewDockerProvider(cfg.ChromeImage)
		if err != nil {
			log.Error("failed to create docker provider", "err", err)
			os.Exit(1)
		}
		provider = dp
	default:
		wm := browser.NewWindowManager(browser.WindowManagerConfig{
			BaseURL:  cfg.WindowManagerURL,
			OpenWait: cfg.WindowOpenWait,
		}, log)
		provider = wm
		discoverer = wm
	}
	executor := browser.NewAgentExecutor(cfg.AgentURL, log)

	var jobJournal store.JobStore
	var acctJournal store.AccountStore
	if jobStore != nil {
		jobJournal = jobStore
		acctJournal = jobStore
	}

	eng := engine.New(engine.Config{
		Queue: queue.Config{
			MaxAttempts: cfg.MaxAttempts,
			BackoffBase: cfg.BackoffBase,
			BackoffCap:  cfg.BackoffCap,
		},
		Registry: registry.Config{
			SuccessRecovery:  cfg.SuccessRecovery,
			MinorDecay:       cfg.MinorDecay,
			MajorDecay:       cfg.MajorDecay,
			CooldownFloor:    cfg.CooldownFloor,
			CooldownDuration: cfg.CooldownDuration,
			RatePerMinute:    cfg.RatePerMinute,
		},
		Pool: pool.Config{
			Max:           cfg.PoolMax,
			MinIdle:       cfg.PoolMinIdle,
			ProbeInterval: cfg.ProbeInterval,
		},
		Dispatcher: dispatcher.Config{
			Workers:        cfg.Workers,
			PollInterval:   cfg.PollInterval,
			AttemptTimeout: cfg.AttemptTimeout,
			RequeueDelay:   cfg.RequeueDelay,
			DrainGrace:     cfg.DrainGrace,
		},
		Prewarm: cfg.Prewarm,
	}, engine.Deps{
		JobStore:     jobJournal,
		AccountStore: acctJournal,
		Provider:     provider,
		Executor:     executor,
		Discoverer:   discoverer,
		Bus:          bus,
		Log:          log,
	})

	registerGauges(eng, log)

	// Metrics listener.
	metricsMux := http.NewServeMux()
	metricsMux.Handle("/metrics", metricsHandler)
	metricsSrv := &http.Server{Addr: cfg.MetricsAddr, Handler: metricsMux}
	go func() {
		log.Info("metrics listener starting", "addr", cfg.MetricsAddr)
		if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("metrics listener failed", "err", err)
		}
	}()

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	// Control listener.
	ctl := control.New(cfg.ControlAddr, eng, log)
	go func() {
		if err := ctl.Run(runCtx); err != nil {
			log.Error("control listener failed", "err", err)
		}
	}()

	// Engine.
	engineDone := make(chan error, 1)
	go func() {
		engineDone <- eng.Run(runCtx)
	}()

	// Graceful shutdown on SIGINT/SIGTERM.
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case <-quit:
		log.Info("shutdown signal received")
		cancel()
		select {
		case <-engineDone:
		case <-time.After(cfg.DrainGrace + 30*time.Second):
			log.Error("engine did not stop in time")
		}
	case err := <-engineDone:
		if err != nil {
			log.Error("engine stopped", "err", err)
			os.Exit(1)
		}
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := metricsSrv.Shutdown(shutdownCtx); err != nil {
		log.Warn("metrics listener forced to shutdown", "err", err)
	}
	log.Info("daemon exited")
}

// registerGauges publishes the engine's depth and pool gauges, sampled at
// scrape time.
func registerGauges(eng *engine.Engine, log *slog.Logger) {
	meter := otel.Meter("pubplaned")

	gauges := []struct {
		name string
		desc string
		read func(engine.Stats) int64
	}{
		{"pubplane.queue.depth", "Jobs waiting for dispatch", func(s engine.Stats) int64 { return int64(s.QueueDepth) }},
		{"pubplane.queue.dead_letters", "Jobs in the dead-letter sink", func(s engine.Stats) int64 { return int64(s.DeadLetters) }},
		{"pubplane.pool.size", "Environments in the pool", func(s engine.Stats) int64 { return int64(s.Pool.Size) }},
		{"pubplane.pool.idle", "Idle environments kept warm", func(s engine.Stats) int64 { return int64(s.Pool.Idle) }},
		{"pubplane.accounts.cooldown", "Accounts currently cooling down", func(s engine.Stats) int64 { return int64(s.CooldownCount) }},
	}

	for _, g := range gauges {
		g := g
		_, err := meter.Int64ObservableGauge(g.name,
			metric.WithDescription(g.desc),
			metric.WithInt64Callback(func(ctx context.Context, obs metric.Int64Observer) error {
				obs.Observe(g.read(eng.Stats()))
				return nil
			}),
		)
		if err != nil {
			log.Warn("failed to register gauge", "name", g.name, "err", err)
		}
	}
}
