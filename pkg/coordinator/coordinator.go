package coordinator

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/arbflow/arbflow/pkg/alerting"
	"github.com/arbflow/arbflow/pkg/config"
	"github.com/arbflow/arbflow/pkg/consumer"
	"github.com/arbflow/arbflow/pkg/domain"
	"github.com/arbflow/arbflow/pkg/election"
	"github.com/arbflow/arbflow/pkg/health"
	"github.com/arbflow/arbflow/pkg/metrics"
	"github.com/arbflow/arbflow/pkg/pairs"
	"github.com/arbflow/arbflow/pkg/router"
	"github.com/arbflow/arbflow/pkg/streambus"
)

type Options struct {
	Config   *config.Config
	Manager  *consumer.Manager
	Monitor  *health.Monitor
	Elector  *election.Elector
	Router   *router.Router
	Pairs    *pairs.Tracker
	Reporter *health.Reporter
	Alerts   alerting.Sink
	Logger   *slog.Logger
	Metrics  metrics.Metrics
	Clock    domain.Clock
}

// Coordinator wires the stream consumers to the domain components and owns
// the periodic evaluation and cleanup loops. One Coordinator per replica;
// leadership decides which replica forwards opportunities.
type Coordinator struct {
	opts Options

	// lastLevel is touched only by the evaluate loop.
	lastLevel domain.DegradationLevel
}

func New(opts Options) *Coordinator {
	if opts.Clock == nil {
		opts.Clock = domain.SystemClock()
	}
	return &Coordinator{opts: opts}
}

// Streams lists the inbound streams this replica consumes. The fast lane is
// attached only behind its feature flag.
func (c *Coordinator) Streams() []string {
	streams := []string{
		domain.StreamHealth,
		domain.StreamOpportunities,
		domain.StreamWhaleAlerts,
		domain.StreamSwapEvents,
		domain.StreamVolumeAggregates,
		domain.StreamPriceUpdates,
	}
	if c.opts.Config.FeatureFastLane {
		streams = append(streams, domain.StreamFastLane)
	}
	return streams
}

// Run recovers orphaned deliveries, then drives one consumer per stream plus
// the election heartbeat, self-heartbeat, health evaluation and expiry
// cleanup loops until the context is canceled.
func (c *Coordinator) Run(ctx context.Context) error {
	c.opts.Monitor.Start()

	streams := c.Streams()
	groups := make([]consumer.GroupStream, 0, len(streams))
	for _, stream := range streams {
		groups = append(groups, consumer.GroupStream{Stream: stream, Group: domain.CoordinatorGroup})
	}
	if recovered, err := c.opts.Manager.RecoverPendingMessages(ctx, groups); err != nil {
		c.opts.Logger.Warn("startup orphan recovery failed", "error", err)
	} else if recovered > 0 {
		c.opts.Logger.Info("startup orphan recovery complete", "recovered", recovered)
	}

	c.opts.Pairs.Start(c.opts.Config.Pairs.CleanupInterval)
	defer c.opts.Pairs.Stop()

	g, ctx := errgroup.WithContext(ctx)
	for _, stream := range streams {
		handler := c.handlerFor(stream)
		g.Go(func() error {
			return c.opts.Manager.RunStream(ctx, domain.CoordinatorGroup, stream, handler)
		})
	}
	g.Go(func() error { return c.opts.Elector.Run(ctx) })
	g.Go(func() error { return c.opts.Reporter.Run(ctx) })
	g.Go(func() error { return c.evaluateLoop(ctx) })
	g.Go(func() error { return c.cleanupLoop(ctx) })

	return g.Wait()
}

// Shutdown runs the ordered teardown: stop accepting pause/resume signals,
// then release leadership so a standby can take over promptly.
func (c *Coordinator) Shutdown(ctx context.Context) {
	c.opts.Manager.MarkStopped()
	c.opts.Elector.Stop(ctx)
	c.opts.Logger.Info("coordinator shut down")
}

func (c *Coordinator) handlerFor(stream string) consumer.Handler {
	switch stream {
	case domain.StreamHealth:
		return c.handleHealth
	case domain.StreamOpportunities, domain.StreamFastLane:
		return c.handleOpportunity
	case domain.StreamWhaleAlerts:
		return c.handleWhaleAlert
	case domain.StreamSwapEvents:
		return c.handleSwapEvent
	case domain.StreamVolumeAggregates:
		return c.handleVolumeAggregate
	case domain.StreamPriceUpdates:
		return c.handlePriceUpdate
	default:
		return func(ctx context.Context, stream string, msg streambus.Message) error {
			return fmt.Errorf("no handler for stream %s", stream)
		}
	}
}

// handleHealth feeds peer heartbeats into the monitor. Heartbeats arrive as
// flat stream fields, not JSON.
func (c *Coordinator) handleHealth(ctx context.Context, stream string, msg streambus.Message) error {
	if msg.Fields["type"] == domain.StreamInitType {
		return nil
	}
	h := health.ParseHeartbeat(msg.Fields)
	if h.Name == "" {
		return nil
	}
	c.opts.Monitor.UpdateServiceHealth(h)
	c.opts.Metrics.IncCounter("arbflow_heartbeats_total", 1,
		metrics.Label{Key: "service", Value: h.Name})
	return nil
}

func (c *Coordinator) handleOpportunity(ctx context.Context, stream string, msg streambus.Message) error {
	raw, ok := payload(msg)
	if !ok {
		return nil
	}

	var opp domain.Opportunity
	if err := json.Unmarshal([]byte(raw), &opp); err != nil {
		return fmt.Errorf("opportunity decode: %w", err)
	}
	if opp.Type == domain.StreamInitType {
		return nil
	}

	accepted := c.opts.Router.Process(ctx, stream, &opp, c.opts.Elector.IsLeader())
	if !accepted {
		c.opts.Metrics.IncCounter("arbflow_opportunities_rejected_total", 1,
			metrics.Label{Key: "stream", Value: stream})
	}
	return nil
}

func (c *Coordinator) handleSwapEvent(ctx context.Context, stream string, msg streambus.Message) error {
	raw, ok := payload(msg)
	if !ok {
		return nil
	}

	var ev domain.SwapEvent
	if err := json.Unmarshal([]byte(raw), &ev); err != nil {
		return fmt.Errorf("swap event decode: %w", err)
	}
	if ev.Pair == "" {
		return nil
	}
	c.opts.Pairs.TrackPair(ev.Pair, ev.Chain, ev.Dex)
	c.opts.Metrics.IncCounter("arbflow_swap_events_total", 1,
		metrics.Label{Key: "chain", Value: ev.Chain})
	c.opts.Metrics.SetGauge("arbflow_active_pairs", float64(c.opts.Pairs.Len()))
	return nil
}

func (c *Coordinator) handleWhaleAlert(ctx context.Context, stream string, msg streambus.Message) error {
	raw, ok := payload(msg)
	if !ok {
		return nil
	}

	var wa domain.WhaleAlert
	if err := json.Unmarshal([]byte(raw), &wa); err != nil {
		return fmt.Errorf("whale alert decode: %w", err)
	}
	if wa.Token == "" {
		return nil
	}
	c.opts.Alerts.Nominate(domain.Alert{
		Type:      "WHALE_MOVEMENT",
		Severity:  domain.SeverityInfo,
		Message:   "large transfer observed",
		Timestamp: c.opts.Clock.Now().UnixMilli(),
		Data: map[string]any{
			"token":     wa.Token,
			"chain":     wa.Chain,
			"amountUsd": wa.AmountUSD,
			"txHash":    wa.TxHash,
		},
	})
	return nil
}

func (c *Coordinator) handleVolumeAggregate(ctx context.Context, stream string, msg streambus.Message) error {
	raw, ok := payload(msg)
	if !ok {
		return nil
	}

	var va domain.VolumeAggregate
	if err := json.Unmarshal([]byte(raw), &va); err != nil {
		return fmt.Errorf("volume aggregate decode: %w", err)
	}
	c.opts.Metrics.ObserveHistogram("arbflow_volume_aggregate_usd", va.VolumeUSD,
		metrics.Label{Key: "chain", Value: va.Chain})
	return nil
}

func (c *Coordinator) handlePriceUpdate(ctx context.Context, stream string, msg streambus.Message) error {
	raw, ok := payload(msg)
	if !ok {
		return nil
	}

	var pu domain.PriceUpdate
	if err := json.Unmarshal([]byte(raw), &pu); err != nil {
		return fmt.Errorf("price update decode: %w", err)
	}
	c.opts.Metrics.SetGauge("arbflow_price_usd", pu.PriceUSD,
		metrics.Label{Key: "token", Value: pu.Token},
		metrics.Label{Key: "chain", Value: pu.Chain})
	return nil
}

// payload extracts the JSON body of a detector entry; stream-init markers and
// empty entries report not-ok and are silently ACKed by the caller.
func payload(msg streambus.Message) (string, bool) {
	if msg.Fields["type"] == domain.StreamInitType {
		return "", false
	}
	raw := msg.Fields["data"]
	return raw, raw != ""
}

func (c *Coordinator) evaluateLoop(ctx context.Context) error {
	ticker := time.NewTicker(c.opts.Config.Health.EvaluateInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			c.evaluateTick()
		}
	}
}

// evaluateTick runs one monitor evaluation. The degraded warning fires only
// when the level changes; a system holding steady at a degraded level stays
// quiet between transitions.
func (c *Coordinator) evaluateTick() {
	level := c.opts.Monitor.Evaluate()
	if level != c.lastLevel && level >= domain.ReadOnly {
		c.opts.Logger.Warn("system degraded", "level", level.String())
	}
	c.lastLevel = level
}

func (c *Coordinator) cleanupLoop(ctx context.Context) error {
	ticker := time.NewTicker(c.opts.Config.Router.CleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if removed := c.opts.Router.CleanupExpired(); removed > 0 {
				c.opts.Metrics.IncCounter("arbflow_opportunities_expired_total", float64(removed))
			}
		}
	}
}
