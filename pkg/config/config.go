package config

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/viper"
)

// Config is the typed configuration record for the control plane. It is
// loaded once at startup and injected; components never read the environment
// themselves.
type Config struct {
	RedisURL    string
	LogLevel    string
	MetricsAddr string
	Hostname    string

	DiscordWebhookURL string
	SlackWebhookURL   string
	FeatureFastLane   bool

	RateLimit RateLimitConfig
	Consumer  ConsumerConfig
	Health    HealthConfig
	Election  ElectionConfig
	Router    RouterConfig
	Alerting  AlertingConfig
	Pairs     PairsConfig
	Execution ExecutionConfig
}

type RateLimitConfig struct {
	MaxTokens        int
	RefillPeriod     time.Duration
	TokensPerMessage int
}

type ConsumerConfig struct {
	BatchSize           int
	BlockTimeout        time.Duration
	MaxStreamErrors     int
	OrphanClaimMinIdle  time.Duration
	OrphanClaimBatch    int
	DLQFallbackDir      string
	DLQFallbackMaxBytes int64
}

type HealthConfig struct {
	EvaluateInterval     time.Duration
	StartupGracePeriod   time.Duration
	StaleThreshold       time.Duration
	ConsecutiveFailures  int
	MinServicesForAlert  int
	PurgeAfter           time.Duration
	ExecutionEngineName  string
	DetectorPattern      string
	HeartbeatPublishRate time.Duration
}

type ElectionConfig struct {
	LockTTL              time.Duration
	HeartbeatInterval    time.Duration
	JitterRange          time.Duration
	MaxHeartbeatFailures int
	Standby              bool
}

type RouterConfig struct {
	MinProfitPct     float64
	MaxProfitPct     float64
	DuplicateWindow  time.Duration
	OpportunityTTL   time.Duration
	ForwardRetries   int
	BreakerThreshold int
	BreakerTimeout   time.Duration
	CleanupInterval  time.Duration
}

type AlertingConfig struct {
	Cooldown         time.Duration
	CooldownMaxAge   time.Duration
	CleanupThreshold int
	HistorySize      int
	FailureThreshold int
	ResetTimeout     time.Duration
	PostTimeout      time.Duration
}

type PairsConfig struct {
	MaxActivePairs  int
	PairTTL         time.Duration
	CleanupInterval time.Duration
}

type ExecutionConfig struct {
	QueueSize            int
	Workers              int
	MinConfidence        float64
	MinProfitPct         float64
	PendingMessageMaxAge time.Duration
	StalePendingSweep    time.Duration
	ClaimMinIdle         time.Duration
	ClaimBatch           int
	ShutdownAckTimeout   time.Duration
}

// Load reads configuration from an optional YAML file plus the environment.
// Environment variables win over file values; both win over defaults.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	bindings := map[string]string{
		"redis.url":           "REDIS_URL",
		"log.level":           "LOG_LEVEL",
		"metrics.addr":        "METRICS_ADDR",
		"discord.webhook_url": "DISCORD_WEBHOOK_URL",
		"slack.webhook_url":   "SLACK_WEBHOOK_URL",
		"feature.fast_lane":   "FEATURE_FAST_LANE",
	}
	for key, env := range bindings {
		if err := v.BindEnv(key, env); err != nil {
			return nil, fmt.Errorf("failed to bind env %s: %w", env, err)
		}
	}

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
	}

	hostname := os.Getenv("HOSTNAME")
	if hostname == "" {
		if h, err := os.Hostname(); err == nil {
			hostname = h
		} else {
			hostname = "coordinator"
		}
	}

	cfg := &Config{
		RedisURL:          v.GetString("redis.url"),
		LogLevel:          v.GetString("log.level"),
		MetricsAddr:       v.GetString("metrics.addr"),
		Hostname:          hostname,
		DiscordWebhookURL: v.GetString("discord.webhook_url"),
		SlackWebhookURL:   v.GetString("slack.webhook_url"),
		FeatureFastLane:   v.GetBool("feature.fast_lane"),
		RateLimit: RateLimitConfig{
			MaxTokens:        v.GetInt("ratelimit.max_tokens"),
			RefillPeriod:     v.GetDuration("ratelimit.refill_period"),
			TokensPerMessage: v.GetInt("ratelimit.tokens_per_message"),
		},
		Consumer: ConsumerConfig{
			BatchSize:           v.GetInt("consumer.batch_size"),
			BlockTimeout:        v.GetDuration("consumer.block_timeout"),
			MaxStreamErrors:     v.GetInt("consumer.max_stream_errors"),
			OrphanClaimMinIdle:  v.GetDuration("consumer.orphan_claim_min_idle"),
			OrphanClaimBatch:    v.GetInt("consumer.orphan_claim_batch"),
			DLQFallbackDir:      v.GetString("consumer.dlq_fallback_dir"),
			DLQFallbackMaxBytes: v.GetInt64("consumer.dlq_fallback_max_bytes"),
		},
		Health: HealthConfig{
			EvaluateInterval:     v.GetDuration("health.evaluate_interval"),
			StartupGracePeriod:   v.GetDuration("health.startup_grace_period"),
			StaleThreshold:       v.GetDuration("health.stale_threshold"),
			ConsecutiveFailures:  v.GetInt("health.consecutive_failures"),
			MinServicesForAlert:  v.GetInt("health.min_services_for_alert"),
			PurgeAfter:           v.GetDuration("health.purge_after"),
			ExecutionEngineName:  v.GetString("health.execution_engine_name"),
			DetectorPattern:      v.GetString("health.detector_pattern"),
			HeartbeatPublishRate: v.GetDuration("health.heartbeat_publish_rate"),
		},
		Election: ElectionConfig{
			LockTTL:              v.GetDuration("election.lock_ttl"),
			HeartbeatInterval:    v.GetDuration("election.heartbeat_interval"),
			JitterRange:          v.GetDuration("election.jitter_range"),
			MaxHeartbeatFailures: v.GetInt("election.max_heartbeat_failures"),
			Standby:              v.GetBool("election.standby"),
		},
		Router: RouterConfig{
			MinProfitPct:     v.GetFloat64("router.min_profit_pct"),
			MaxProfitPct:     v.GetFloat64("router.max_profit_pct"),
			DuplicateWindow:  v.GetDuration("router.duplicate_window"),
			OpportunityTTL:   v.GetDuration("router.opportunity_ttl"),
			ForwardRetries:   v.GetInt("router.forward_retries"),
			BreakerThreshold: v.GetInt("router.breaker_threshold"),
			BreakerTimeout:   v.GetDuration("router.breaker_timeout"),
			CleanupInterval:  v.GetDuration("router.cleanup_interval"),
		},
		Alerting: AlertingConfig{
			Cooldown:         v.GetDuration("alerting.cooldown"),
			CooldownMaxAge:   v.GetDuration("alerting.cooldown_max_age"),
			CleanupThreshold: v.GetInt("alerting.cleanup_threshold"),
			HistorySize:      v.GetInt("alerting.history_size"),
			FailureThreshold: v.GetInt("alerting.failure_threshold"),
			ResetTimeout:     v.GetDuration("alerting.reset_timeout"),
			PostTimeout:      v.GetDuration("alerting.post_timeout"),
		},
		Pairs: PairsConfig{
			MaxActivePairs:  v.GetInt("pairs.max_active"),
			PairTTL:         v.GetDuration("pairs.ttl"),
			CleanupInterval: v.GetDuration("pairs.cleanup_interval"),
		},
		Execution: ExecutionConfig{
			QueueSize:            v.GetInt("execution.queue_size"),
			Workers:              v.GetInt("execution.workers"),
			MinConfidence:        v.GetFloat64("execution.min_confidence"),
			MinProfitPct:         v.GetFloat64("execution.min_profit_pct"),
			PendingMessageMaxAge: v.GetDuration("execution.pending_max_age"),
			StalePendingSweep:    v.GetDuration("execution.stale_pending_sweep"),
			ClaimMinIdle:         v.GetDuration("execution.claim_min_idle"),
			ClaimBatch:           v.GetInt("execution.claim_batch"),
			ShutdownAckTimeout:   v.GetDuration("execution.shutdown_ack_timeout"),
		},
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("redis.url", "redis://localhost:6379/0")
	v.SetDefault("log.level", "info")
	v.SetDefault("metrics.addr", ":9109")
	v.SetDefault("feature.fast_lane", false)

	v.SetDefault("ratelimit.max_tokens", 100)
	v.SetDefault("ratelimit.refill_period", time.Second)
	v.SetDefault("ratelimit.tokens_per_message", 1)

	v.SetDefault("consumer.batch_size", 10)
	v.SetDefault("consumer.block_timeout", 2*time.Second)
	v.SetDefault("consumer.max_stream_errors", 10)
	v.SetDefault("consumer.orphan_claim_min_idle", 60*time.Second)
	v.SetDefault("consumer.orphan_claim_batch", 100)
	v.SetDefault("consumer.dlq_fallback_dir", "data")
	v.SetDefault("consumer.dlq_fallback_max_bytes", int64(100*1024*1024))

	v.SetDefault("health.evaluate_interval", 15*time.Second)
	v.SetDefault("health.startup_grace_period", 180*time.Second)
	v.SetDefault("health.stale_threshold", 90*time.Second)
	v.SetDefault("health.consecutive_failures", 3)
	v.SetDefault("health.min_services_for_alert", 3)
	v.SetDefault("health.purge_after", 5*time.Minute)
	v.SetDefault("health.execution_engine_name", "execution-engine")
	v.SetDefault("health.detector_pattern", "detector")
	v.SetDefault("health.heartbeat_publish_rate", 30*time.Second)

	v.SetDefault("election.lock_ttl", 30*time.Second)
	v.SetDefault("election.heartbeat_interval", 10*time.Second)
	v.SetDefault("election.jitter_range", 2*time.Second)
	v.SetDefault("election.max_heartbeat_failures", 3)
	v.SetDefault("election.standby", false)

	v.SetDefault("router.min_profit_pct", 0.1)
	v.SetDefault("router.max_profit_pct", 100.0)
	v.SetDefault("router.duplicate_window", 5*time.Second)
	v.SetDefault("router.opportunity_ttl", 30*time.Second)
	v.SetDefault("router.forward_retries", 3)
	v.SetDefault("router.breaker_threshold", 5)
	v.SetDefault("router.breaker_timeout", 30*time.Second)
	v.SetDefault("router.cleanup_interval", 10*time.Second)

	v.SetDefault("alerting.cooldown", 5*time.Minute)
	v.SetDefault("alerting.cooldown_max_age", time.Hour)
	v.SetDefault("alerting.cleanup_threshold", 1000)
	v.SetDefault("alerting.history_size", 200)
	v.SetDefault("alerting.failure_threshold", 3)
	v.SetDefault("alerting.reset_timeout", 30*time.Second)
	v.SetDefault("alerting.post_timeout", 10*time.Second)

	v.SetDefault("pairs.max_active", 10000)
	v.SetDefault("pairs.ttl", 10*time.Minute)
	v.SetDefault("pairs.cleanup_interval", time.Minute)

	v.SetDefault("execution.queue_size", 100)
	v.SetDefault("execution.workers", 4)
	v.SetDefault("execution.min_confidence", 0.5)
	v.SetDefault("execution.min_profit_pct", 0.1)
	v.SetDefault("execution.pending_max_age", 10*time.Minute)
	v.SetDefault("execution.stale_pending_sweep", time.Minute)
	v.SetDefault("execution.claim_min_idle", 60*time.Second)
	v.SetDefault("execution.claim_batch", 100)
	v.SetDefault("execution.shutdown_ack_timeout", 5*time.Second)
}
