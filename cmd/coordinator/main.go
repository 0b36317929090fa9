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

	"github.com/arbflow/arbflow/pkg/alerting"
	"github.com/arbflow/arbflow/pkg/breaker"
	"github.com/arbflow/arbflow/pkg/config"
	"github.com/arbflow/arbflow/pkg/consumer"
	"github.com/arbflow/arbflow/pkg/coordinator"
	"github.com/arbflow/arbflow/pkg/domain"
	"github.com/arbflow/arbflow/pkg/election"
	"github.com/arbflow/arbflow/pkg/health"
	"github.com/arbflow/arbflow/pkg/metrics"
	"github.com/arbflow/arbflow/pkg/pairs"
	"github.com/arbflow/arbflow/pkg/ratelimit"
	"github.com/arbflow/arbflow/pkg/router"
	"github.com/arbflow/arbflow/pkg/streambus"
)

const serviceName = "coordinator"

func main() {
	configPath := flag.String("config", "", "path to YAML config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "failed to load config:", err)
		os.Exit(1)
	}

	logger := newLogger(cfg.LogLevel)
	logger.Info("starting coordinator", "redis", cfg.RedisURL, "fast_lane", cfg.FeatureFastLane)

	bus, err := streambus.NewRedisBus(cfg.RedisURL)
	if err != nil {
		logger.Error("redis connection failed", "error", err)
		os.Exit(1)
	}
	defer bus.Close()

	registry := prometheus.NewRegistry()
	mtr := metrics.NewPrometheus(registry)

	// Consumer name carries hostname and startup time so a crashed replica's
	// PEL is attributable.
	instanceID := fmt.Sprintf("%s-%s", cfg.Hostname, uuid.NewString()[:8])
	consumerName := fmt.Sprintf("%s-%d", instanceID, time.Now().Unix())

	clock := domain.SystemClock()

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

	limiter := ratelimit.New(cfg.RateLimit.MaxTokens, cfg.RateLimit.RefillPeriod, cfg.RateLimit.TokensPerMessage, clock)
	fallback := consumer.NewFallbackWriter(cfg.Consumer.DLQFallbackDir, cfg.Consumer.DLQFallbackMaxBytes, clock)

	manager := consumer.NewManager(consumer.ManagerOptions{
		Bus:             bus,
		Limiter:         limiter,
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

	monitor := health.NewMonitor(health.Options{
		StartupGracePeriod:  cfg.Health.StartupGracePeriod,
		StaleThreshold:      cfg.Health.StaleThreshold,
		ConsecutiveFailures: cfg.Health.ConsecutiveFailures,
		MinServicesForAlert: cfg.Health.MinServicesForAlert,
		PurgeAfter:          cfg.Health.PurgeAfter,
		ExecutionEngineName: cfg.Health.ExecutionEngineName,
		DetectorPattern:     cfg.Health.DetectorPattern,
		Clock:               clock,
		Logger:              logger,
		Alerts:              alerts,
		Metrics:             mtr,
	})

	elector := election.NewElector(election.Options{
		Bus:                  bus,
		InstanceID:           instanceID,
		LockKey:              domain.LeaderLockKey,
		LockTTL:              cfg.Election.LockTTL,
		HeartbeatInterval:    cfg.Election.HeartbeatInterval,
		JitterRange:          cfg.Election.JitterRange,
		MaxHeartbeatFailures: cfg.Election.MaxHeartbeatFailures,
		CanBecomeLeader:      true,
		Standby:              cfg.Election.Standby,
		Listener: func(isLeader bool) {
			logger.Info("leadership changed", "is_leader", isLeader)
		},
		Clock:   clock,
		Logger:  logger,
		Alerts:  alerts,
		Metrics: mtr,
	})

	rtr := router.NewRouter(router.Options{
		Bus:                 bus,
		Breaker:             breaker.New(cfg.Router.BreakerThreshold, cfg.Router.BreakerTimeout, clock),
		Clock:               clock,
		Logger:              logger,
		Metrics:             mtr,
		MinProfitPercentage: cfg.Router.MinProfitPct,
		MaxProfitPercentage: cfg.Router.MaxProfitPct,
		DuplicateWindow:     cfg.Router.DuplicateWindow,
		OpportunityTTL:      cfg.Router.OpportunityTTL,
		ForwardRetries:      cfg.Router.ForwardRetries,
		RetryBackoff:        100 * time.Millisecond,
	})

	tracker := pairs.New(cfg.Pairs.MaxActivePairs, cfg.Pairs.PairTTL, clock, logger)
	reporter := health.NewReporter(bus, serviceName, cfg.Health.HeartbeatPublishRate, clock, logger)

	coord := coordinator.New(coordinator.Options{
		Config:   cfg,
		Manager:  manager,
		Monitor:  monitor,
		Elector:  elector,
		Router:   rtr,
		Pairs:    tracker,
		Reporter: reporter,
		Alerts:   alerts,
		Logger:   logger,
		Metrics:  mtr,
		Clock:    clock,
	})

	go serveMetrics(cfg.MetricsAddr, registry, logger)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		quit := make(chan os.Signal, 1)
		signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
		<-quit
		logger.Info("shutdown signal received")
		cancel()
	}()

	runErr := coord.Run(ctx)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Execution.ShutdownAckTimeout)
	defer shutdownCancel()
	coord.Shutdown(shutdownCtx)

	if runErr != nil && ctx.Err() == nil {
		logger.Error("coordinator exited with error", "error", runErr)
		os.Exit(1)
	}
	logger.Info("coordinator exited")
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
