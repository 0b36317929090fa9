package router

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/arbflow/arbflow/pkg/breaker"
	"github.com/arbflow/arbflow/pkg/domain"
	"github.com/arbflow/arbflow/pkg/metrics"
	"github.com/arbflow/arbflow/pkg/streambus"
)

// Stats is a snapshot of the router's counters.
type Stats struct {
	TotalOpportunities     int64
	OpportunitiesForwarded int64
	OpportunitiesDropped   int64
	DuplicatesRejected     int64
	PendingCount           int
}

type Options struct {
	Bus     streambus.Bus
	Breaker *breaker.Breaker
	Clock   domain.Clock
	Logger  *slog.Logger
	Metrics metrics.Metrics

	MinProfitPercentage float64
	MaxProfitPercentage float64
	DuplicateWindow     time.Duration
	OpportunityTTL      time.Duration
	ForwardRetries      int
	RetryBackoff        time.Duration
}

// Router validates detector opportunities, suppresses duplicates inside a
// sliding window and, on the leader, forwards accepted ones to the execution
// stream behind a circuit breaker.
type Router struct {
	opts Options

	mu        sync.Mutex
	pending   map[string]*domain.Opportunity
	recentIDs map[string]time.Time

	totalOpportunities     int64
	opportunitiesForwarded int64
	opportunitiesDropped   int64
	duplicatesRejected     int64
}

func NewRouter(opts Options) *Router {
	if opts.Clock == nil {
		opts.Clock = domain.SystemClock()
	}
	if opts.ForwardRetries == 0 {
		opts.ForwardRetries = 3
	}
	return &Router{
		opts:      opts,
		pending:   make(map[string]*domain.Opportunity),
		recentIDs: make(map[string]time.Time),
	}
}

// Process runs one opportunity through validation and the duplicate window.
// Returns whether the opportunity was accepted. Forwarding happens only on
// the leader and only for opportunities still in "pending" status.
func (r *Router) Process(ctx context.Context, sourceStream string, opp *domain.Opportunity, isLeader bool) bool {
	if opp == nil || opp.ID == "" {
		r.opts.Logger.Debug("opportunity rejected: missing id", "stream", sourceStream)
		return false
	}
	if opp.ProfitPercentage != nil {
		p := *opp.ProfitPercentage
		if p < r.opts.MinProfitPercentage || p > r.opts.MaxProfitPercentage {
			r.opts.Logger.Debug("opportunity rejected: profit out of range",
				"id", opp.ID, "profit", p)
			return false
		}
	}

	now := r.opts.Clock.Now()
	r.mu.Lock()
	if firstSeen, ok := r.recentIDs[opp.ID]; ok && now.Sub(firstSeen) <= r.opts.DuplicateWindow {
		r.duplicatesRejected++
		r.mu.Unlock()
		r.opts.Metrics.IncCounter("arbflow_opportunities_duplicate_total", 1)
		r.opts.Logger.Debug("opportunity rejected: duplicate within window", "id", opp.ID)
		return false
	}
	r.recentIDs[opp.ID] = now
	r.pending[opp.ID] = opp
	r.totalOpportunities++
	r.mu.Unlock()

	r.opts.Metrics.IncCounter("arbflow_opportunities_total", 1,
		metrics.Label{Key: "type", Value: string(opp.Type)})

	if isLeader && opp.Status == "pending" {
		r.forward(ctx, sourceStream, opp)
	}
	return true
}

// forward publishes to the execution stream with bounded retry. The breaker
// gates the attempt entirely: an open breaker dead-letters without touching
// the broker.
func (r *Router) forward(ctx context.Context, sourceStream string, opp *domain.Opportunity) {
	if !r.opts.Breaker.Allow() {
		r.dropToDLQ(ctx, opp.ID, "Circuit breaker open", sourceStream)
		return
	}

	payload, err := json.Marshal(opp)
	if err != nil {
		r.dropToDLQ(ctx, opp.ID, "serialization failed: "+err.Error(), sourceStream)
		return
	}

	var lastErr error
	for attempt := 1; attempt <= r.opts.ForwardRetries; attempt++ {
		_, lastErr = r.opts.Bus.Add(ctx, domain.StreamExecutionReqs, map[string]any{
			"data": string(payload),
		})
		if lastErr == nil {
			if r.opts.Breaker.RecordSuccess() {
				r.opts.Logger.Info("forwarding circuit breaker closed")
			}
			r.mu.Lock()
			r.opportunitiesForwarded++
			r.mu.Unlock()
			r.opts.Metrics.IncCounter("arbflow_opportunities_forwarded_total", 1)
			return
		}
		r.opts.Logger.Warn("forward attempt failed",
			"id", opp.ID, "attempt", attempt, "error", lastErr)
		if r.opts.RetryBackoff > 0 && attempt < r.opts.ForwardRetries {
			select {
			case <-ctx.Done():
				return
			case <-time.After(r.opts.RetryBackoff * time.Duration(attempt)):
			}
		}
	}

	r.opts.Breaker.RecordFailure()
	r.dropToDLQ(ctx, opp.ID, lastErr.Error(), sourceStream)
}

func (r *Router) dropToDLQ(ctx context.Context, opportunityID, reason, sourceStream string) {
	r.mu.Lock()
	r.opportunitiesDropped++
	r.mu.Unlock()
	r.opts.Metrics.IncCounter("arbflow_opportunities_dropped_total", 1)

	_, err := r.opts.Bus.Add(ctx, domain.StreamForwardingDLQ, map[string]any{
		"opportunityId":  opportunityID,
		"error":          reason,
		"originalStream": sourceStream,
		"timestamp":      r.opts.Clock.Now().UnixMilli(),
	})
	if err != nil {
		r.opts.Logger.Error("forwarding DLQ write failed",
			"id", opportunityID, "reason", reason, "error", err)
		return
	}
	r.opts.Logger.Warn("opportunity dropped to forwarding DLQ",
		"id", opportunityID, "reason", reason)
}

// CleanupExpired removes pending opportunities whose deadline passed or whose
// age exceeds the TTL. Returns the removal count.
func (r *Router) CleanupExpired() int {
	now := r.opts.Clock.Now()
	nowMs := now.UnixMilli()

	r.mu.Lock()
	defer r.mu.Unlock()

	removed := 0
	for id, opp := range r.pending {
		expired := (opp.ExpiresAt > 0 && opp.ExpiresAt < nowMs) ||
			nowMs-opp.Timestamp > r.opts.OpportunityTTL.Milliseconds()
		if expired {
			delete(r.pending, id)
			removed++
		}
	}
	// Duplicate-window entries age out alongside, once useless.
	for id, firstSeen := range r.recentIDs {
		if now.Sub(firstSeen) > r.opts.DuplicateWindow {
			delete(r.recentIDs, id)
		}
	}

	if removed > 0 {
		r.opts.Logger.Debug("expired opportunities removed", "count", removed)
	}
	return removed
}

// Pending returns the pending opportunity for an id, if any.
func (r *Router) Pending(id string) (*domain.Opportunity, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	opp, ok := r.pending[id]
	return opp, ok
}

// Stats snapshots the router counters.
func (r *Router) Stats() Stats {
	r.mu.Lock()
	defer r.mu.Unlock()
	return Stats{
		TotalOpportunities:     r.totalOpportunities,
		OpportunitiesForwarded: r.opportunitiesForwarded,
		OpportunitiesDropped:   r.opportunitiesDropped,
		DuplicatesRejected:     r.duplicatesRejected,
		PendingCount:           len(r.pending),
	}
}
