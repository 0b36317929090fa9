package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/arbflow/arbflow/pkg/alerting"
	"github.com/arbflow/arbflow/pkg/config"
	"github.com/arbflow/arbflow/pkg/consumer"
	"github.com/arbflow/arbflow/pkg/domain"
	"github.com/arbflow/arbflow/pkg/execution"
	"github.com/arbflow/arbflow/pkg/health"
	"github.com/arbflow/arbflow/pkg/metrics"
	"github.com/arbflow/arbflow/pkg/streambus"
)

func main() {
	configPath := flag.String("config", "", "path to YAML config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "failed to load config:", err)
		os.Exit(1)
	}

	logger := newLogger(cfg.LogLevel)
	serviceName := cfg.Health.ExecutionEngineName
	logger.Info("starting execution engine", "redis", cfg.RedisURL, "workers", cfg.Execution.Workers)

	bus, err := streambus.NewRedisBus(cfg.RedisURL)
	if err != nil {
		logger.Error("redis connection failed", "error", err)
		os.Exit(1)
	}
	defer bus.Close()

	registry := prometheus.NewRegistry()
	mtr := metrics.NewPrometheus(registry)
	clock := domain.SystemClock()

	instanceID := fmt.Sprintf("%s-%s", cfg.Hostname, uuid.NewString()[:8])
	consumerName := fmt.Sprintf("%s-%d", instanceID, time.Now().Unix())

	var channels []alerting.Channel
	if cfg.DiscordWebhookURL != "" {
		channels = append(channels, alerting.NewWebhookChannel(alerting.KindDiscord, cfg.DiscordWebhookURL, cfg.Alerting.PostTimeout))
	}
	if cfg.SlackWebhookURL != "" {
		channels = append(channels, alerting.NewWebhookChannel(alerting.KindSlack, cfg.SlackWebhookURL, cfg.Alerting.PostTimeout))
	}
	notifier := alerting.NewNotifier(alerting.NotifierOptions{
		Channels:         channels,
		HistorySize:      cfg.Alerting.HistorySize,
		FailureThreshold: cfg.Alerting.FailureThreshold,
		ResetTimeout:     cfg.Alerting.ResetTimeout,
		SendTimeout:      cfg.Alerting.PostTimeout,
		Clock:            clock,
		Logger:           logger,
	})
	notifier.Start()
	defer notifier.Stop()

	cooldown := alerting.NewCooldownManager(cfg.Alerting.Cooldown, cfg.Alerting.CooldownMaxAge, cfg.Alerting.CleanupThreshold, clock)
	alerts := alerting.NewGate(cooldown, notifier, logger)

	fallback := consumer.NewFallbackWriter(cfg.Consumer.DLQFallbackDir, cfg.Consumer.DLQFallbackMaxBytes, clock)
	manager := consumer.NewManager(consumer.ManagerOptions{
		Bus:             bus,
		Alerts:          alerts,
		Metrics:         mtr,
		Logger:          logger,
		Clock:           clock,
		Fallback:        fallback,
		Service:         serviceName,
		InstanceID:      instanceID,
		Consumer:        consumerName,
		BatchSize:       int64(cfg.Consumer.BatchSize),
		BlockTimeout:    cfg.Consumer.BlockTimeout,
		MaxStreamErrors: int64(cfg.Consumer.MaxStreamErrors),
		ClaimMinIdle:    cfg.Consumer.OrphanClaimMinIdle,
		ClaimBatch:      int64(cfg.Consumer.OrphanClaimBatch),
	})

	engine := execution.NewEngine(execution.Options{
		Bus:                 bus,
		Executor:            &execution.DryRunExecutor{Logger: logger},
		Flow:                manager,
		Clock:               clock,
		Logger:              logger,
		Metrics:             mtr,
		Alerts:              alerts,
		Stream:              domain.StreamExecutionReqs,
		Group:               domain.ExecutionEngineGroup,
		Consumer:            consumerName,
		QueueSize:           cfg.Execution.QueueSize,
		Workers:             cfg.Execution.Workers,
		MinConfidence:       cfg.Execution.MinConfidence,
		MinProfitPercentage: cfg.Execution.MinProfitPct,
		PendingMaxAge:       cfg.Execution.PendingMessageMaxAge,
		SweepInterval:       cfg.Execution.StalePendingSweep,
		ClaimMinIdle:        cfg.Execution.ClaimMinIdle,
		ClaimBatch:          int64(cfg.Execution.ClaimBatch),
	})

	reporter := health.NewReporter(bus, serviceName, cfg.Health.HeartbeatPublishRate, clock, logger)

	go serveMetrics(cfg.MetricsAddr, registry, logger)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		quit := make(chan os.Signal, 1)
		signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
		<-quit
		logger.Info("shutdown signal received")
		cancel()
	}()

	wrapped := manager.WrapHandler(domain.ExecutionEngineGroup, engine.HandleMessage)
	if claimed, err := engine.RecoverStranded(ctx, wrapped); err != nil {
		logger.Warn("startup reclaim failed", "error", err)
	} else if claimed > 0 {
		logger.Info("startup reclaim complete", "claimed", claimed)
	}

	g, runCtx := errgroup.WithContext(ctx)
	g.Go(func() error { return engine.Run(runCtx) })
	g.Go(func() error {
		return manager.RunStream(runCtx, domain.ExecutionEngineGroup, domain.StreamExecutionReqs, engine.HandleMessage)
	})
	g.Go(func() error { return reporter.Run(runCtx) })

	runErr := g.Wait()

	// Stop reading, then batch-ACK completed work. In-flight entries stay in
	// the PEL so a peer can reclaim them.
	manager.MarkStopped()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Execution.ShutdownAckTimeout)
	defer shutdownCancel()
	acked := engine.DrainCompleted(shutdownCtx)
	logger.Info("execution engine exited", "shutdown_acked", acked)

	if runErr != nil && ctx.Err() == nil {
		logger.Error("execution engine exited with error", "error", runErr)
		os.Exit(1)
	}
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl}))
}

func serveMetrics(addr string, registry *prometheus.Registry, logger *slog.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	if err := http.ListenAndServe(addr, mux); err != nil {
		logger.Error("metrics server failed", "error", err)
	}
}
