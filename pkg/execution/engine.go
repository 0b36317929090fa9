package execution

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/arbflow/arbflow/pkg/alerting"
	"github.com/arbflow/arbflow/pkg/consumer"
	"github.com/arbflow/arbflow/pkg/domain"
	"github.com/arbflow/arbflow/pkg/metrics"
	"github.com/arbflow/arbflow/pkg/streambus"
)

// Executor runs one opportunity against the chain. Strategies live outside
// this package; the engine only owns queueing, dedup and ACK discipline.
type Executor interface {
	Execute(ctx context.Context, opp *domain.Opportunity) error
}

// FlowController receives pause/resume signals when the execution queue
// fills and drains. *consumer.Manager satisfies it.
type FlowController interface {
	Pause(stream string)
	Resume(stream string)
}

// pendingMessage tracks one un-ACKed stream entry per in-flight opportunity.
type pendingMessage struct {
	Stream    string
	Group     string
	MessageID string
	QueuedAt  time.Time
}

type task struct {
	opp       *domain.Opportunity
	messageID string
}

type Options struct {
	Bus      streambus.Bus
	Executor Executor
	Flow     FlowController
	Clock    domain.Clock
	Logger   *slog.Logger
	Metrics  metrics.Metrics
	Alerts   alerting.Sink

	Stream   string
	Group    string
	Consumer string

	QueueSize           int
	Workers             int
	MinConfidence       float64
	MinProfitPercentage float64
	PendingMaxAge       time.Duration
	SweepInterval       time.Duration
	ClaimMinIdle        time.Duration
	ClaimBatch          int64
}

// Engine consumes execution requests with a bounded worker pool. Messages are
// ACKed only after their execution completes; a full queue pushes
// backpressure to the stream consumer instead of dropping work.
type Engine struct {
	opts  Options
	queue chan task

	mu      sync.Mutex
	pending map[string]pendingMessage
	active  map[string]bool
	paused  bool
}

func NewEngine(opts Options) *Engine {
	if opts.Clock == nil {
		opts.Clock = domain.SystemClock()
	}
	if opts.QueueSize == 0 {
		opts.QueueSize = 100
	}
	if opts.Workers == 0 {
		opts.Workers = 4
	}
	if opts.PendingMaxAge == 0 {
		opts.PendingMaxAge = 10 * time.Minute
	}
	if opts.SweepInterval == 0 {
		opts.SweepInterval = time.Minute
	}
	return &Engine{
		opts:    opts,
		queue:   make(chan task, opts.QueueSize),
		pending: make(map[string]pendingMessage),
		active:  make(map[string]bool),
	}
}

// HandleMessage is the stream handler. Outcomes map onto the deferred-ACK
// contract: structural rejects error out (DLQ + ACK upstream), business
// rejects and system entries return nil (silent ACK), accepted work returns
// ErrAckDeferred and is ACKed by the worker that completes it, and a full
// queue returns ErrBackpressure so the message stays pending.
func (e *Engine) HandleMessage(ctx context.Context, stream string, msg streambus.Message) error {
	outcome := validate(msg.Fields)
	switch outcome.Kind {
	case domain.OutcomeEmpty, domain.OutcomeSystem:
		return nil
	case domain.OutcomeReject:
		return fmt.Errorf("%s: %s", outcome.Code, outcome.Details)
	}
	opp := outcome.Opportunity

	if opp.Confidence < e.opts.MinConfidence {
		e.opts.Logger.Debug("execution skipped: confidence below floor",
			"id", opp.ID, "confidence", opp.Confidence)
		return nil
	}
	if opp.ProfitPercentage != nil && *opp.ProfitPercentage < e.opts.MinProfitPercentage {
		e.opts.Logger.Debug("execution skipped: profit below floor",
			"id", opp.ID, "profit", *opp.ProfitPercentage)
		return nil
	}

	e.mu.Lock()
	if e.active[opp.ID] {
		e.mu.Unlock()
		e.opts.Logger.Debug("duplicate in-flight opportunity", "id", opp.ID)
		return nil
	}
	prior, hadPrior := e.pending[opp.ID]

	select {
	case e.queue <- task{opp: opp, messageID: msg.ID}:
		if hadPrior {
			// Upstream redelivered while the prior entry awaited its ACK.
			// Release the prior so the PEL cannot leak; the new delivery is
			// tracked below.
			go func() {
				if err := e.opts.Bus.Ack(ctx, prior.Stream, prior.Group, prior.MessageID); err != nil {
					e.opts.Logger.Warn("superseded message ack failed",
						"id", opp.ID, "message_id", prior.MessageID, "error", err)
				}
			}()
		}
		e.active[opp.ID] = true
		e.pending[opp.ID] = pendingMessage{
			Stream:    stream,
			Group:     e.opts.Group,
			MessageID: msg.ID,
			QueuedAt:  e.opts.Clock.Now(),
		}
		e.mu.Unlock()
		e.opts.Metrics.SetGauge("arbflow_execution_queue_depth", float64(len(e.queue)))
		return consumer.ErrAckDeferred
	default:
		e.mu.Unlock()
		e.pause(stream)
		return consumer.ErrBackpressure
	}
}

func (e *Engine) pause(stream string) {
	e.mu.Lock()
	already := e.paused
	e.paused = true
	e.mu.Unlock()
	if !already && e.opts.Flow != nil {
		e.opts.Flow.Pause(stream)
	}
}

func (e *Engine) maybeResume() {
	e.mu.Lock()
	resume := e.paused && len(e.queue) <= cap(e.queue)/2
	if resume {
		e.paused = false
	}
	e.mu.Unlock()
	if resume && e.opts.Flow != nil {
		e.opts.Flow.Resume(e.opts.Stream)
	}
}

// Run drives the worker pool and the stale-pending sweep until the context
// is canceled.
func (e *Engine) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < e.opts.Workers; i++ {
		g.Go(func() error { return e.worker(ctx) })
	}
	g.Go(func() error { return e.sweepLoop(ctx) })
	return g.Wait()
}

func (e *Engine) worker(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case t := <-e.queue:
			e.maybeResume()
			e.execute(ctx, t)
		}
	}
}

func (e *Engine) execute(ctx context.Context, t task) {
	err := e.opts.Executor.Execute(ctx, t.opp)
	if err != nil {
		e.opts.Logger.Warn("execution failed", "id", t.opp.ID, "error", err)
		e.opts.Metrics.IncCounter("arbflow_executions_total", 1,
			metrics.Label{Key: "result", Value: "error"})
		e.opts.Alerts.Nominate(domain.Alert{
			Type:      "EXECUTION_FAILURE",
			Severity:  domain.SeverityHigh,
			Service:   e.opts.Consumer,
			Message:   "opportunity execution failed",
			Timestamp: e.opts.Clock.Now().UnixMilli(),
			Data:      map[string]any{"id": t.opp.ID, "error": err.Error()},
		})
	} else {
		e.opts.Metrics.IncCounter("arbflow_executions_total", 1,
			metrics.Label{Key: "result", Value: "ok"})
	}
	e.markComplete(ctx, t.opp.ID)
}

// markComplete releases the opportunity from the active set and ACKs its
// stream entry. On ACK failure the pending record stays for the shutdown
// batch-ACK to retry.
func (e *Engine) markComplete(ctx context.Context, id string) {
	e.mu.Lock()
	delete(e.active, id)
	pm, ok := e.pending[id]
	e.mu.Unlock()
	if !ok {
		return
	}

	if err := e.opts.Bus.Ack(ctx, pm.Stream, pm.Group, pm.MessageID); err != nil {
		e.opts.Logger.Warn("completion ack failed",
			"id", id, "message_id", pm.MessageID, "error", err)
		return
	}
	e.mu.Lock()
	delete(e.pending, id)
	e.mu.Unlock()
}

func (e *Engine) sweepLoop(ctx context.Context) error {
	ticker := time.NewTicker(e.opts.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			e.SweepStalePending(ctx)
		}
	}
}

// SweepStalePending force-ACKs pending entries older than the max age and
// frees their active-set slots so a wedged execution cannot lock out its
// opportunity forever. Returns the number of entries swept.
func (e *Engine) SweepStalePending(ctx context.Context) int {
	now := e.opts.Clock.Now()

	e.mu.Lock()
	stale := make(map[string]pendingMessage)
	for id, pm := range e.pending {
		if now.Sub(pm.QueuedAt) > e.opts.PendingMaxAge {
			stale[id] = pm
			delete(e.pending, id)
			delete(e.active, id)
		}
	}
	e.mu.Unlock()

	for id, pm := range stale {
		e.opts.Logger.Warn("force-acking stale pending execution",
			"id", id, "message_id", pm.MessageID, "age", now.Sub(pm.QueuedAt))
		if err := e.opts.Bus.Ack(ctx, pm.Stream, pm.Group, pm.MessageID); err != nil {
			e.opts.Logger.Warn("stale pending ack failed",
				"id", id, "message_id", pm.MessageID, "error", err)
		}
	}
	return len(stale)
}

// DrainCompleted batch-ACKs pending entries whose execution already finished
// (not in the active set). In-flight entries stay in the PEL so a restarted
// peer can reclaim them. Returns the number of entries ACKed.
func (e *Engine) DrainCompleted(ctx context.Context) int {
	e.mu.Lock()
	completed := make(map[string]pendingMessage)
	for id, pm := range e.pending {
		if !e.active[id] {
			completed[id] = pm
		}
	}
	e.mu.Unlock()

	acked := 0
	for id, pm := range completed {
		if err := e.opts.Bus.Ack(ctx, pm.Stream, pm.Group, pm.MessageID); err != nil {
			e.opts.Logger.Warn("shutdown ack failed",
				"id", id, "message_id", pm.MessageID, "error", err)
			continue
		}
		e.mu.Lock()
		delete(e.pending, id)
		e.mu.Unlock()
		acked++
	}
	if acked > 0 {
		e.opts.Logger.Info("shutdown batch-ack complete", "acked", acked)
	}
	return acked
}

// RecoverStranded claims execution requests stranded in crashed peers' PELs
// and reprocesses them through the given handler; if reprocessing fails the
// entry is ACKed rather than retried forever. Returns the claim count.
func (e *Engine) RecoverStranded(ctx context.Context, handle consumer.Handler) (int, error) {
	summary, err := e.opts.Bus.PendingSummary(ctx, e.opts.Stream, e.opts.Group)
	if err != nil {
		return 0, fmt.Errorf("pending summary for %s: %w", e.opts.Stream, err)
	}

	claimedTotal := 0
	for _, peer := range summary {
		if peer.Consumer == e.opts.Consumer || peer.Count == 0 {
			continue
		}
		entries, err := e.opts.Bus.PendingRange(ctx, e.opts.Stream, e.opts.Group, peer.Consumer, e.opts.ClaimBatch)
		if err != nil {
			e.opts.Logger.Warn("pending range failed", "consumer", peer.Consumer, "error", err)
			continue
		}

		ids := make([]string, 0, len(entries))
		for _, entry := range entries {
			if entry.Idle >= e.opts.ClaimMinIdle {
				ids = append(ids, entry.ID)
			}
		}
		if len(ids) == 0 {
			continue
		}

		claimed, err := e.opts.Bus.Claim(ctx, e.opts.Stream, e.opts.Group, e.opts.Consumer, e.opts.ClaimMinIdle, ids)
		if err != nil {
			e.opts.Logger.Warn("claim failed", "consumer", peer.Consumer, "error", err)
			continue
		}

		for _, msg := range claimed {
			claimedTotal++
			if err := handle(ctx, e.opts.Stream, msg); err != nil {
				e.opts.Logger.Warn("reprocess of reclaimed message failed, acking",
					"message_id", msg.ID, "error", err)
				if ackErr := e.opts.Bus.Ack(ctx, e.opts.Stream, e.opts.Group, msg.ID); ackErr != nil {
					e.opts.Logger.Warn("reclaimed message ack failed",
						"message_id", msg.ID, "error", ackErr)
				}
			}
		}
		e.opts.Logger.Info("reclaimed stranded executions",
			"from", peer.Consumer, "count", len(claimed))
	}
	return claimedTotal, nil
}

// QueueDepth reports the number of queued, not yet executing tasks.
func (e *Engine) QueueDepth() int { return len(e.queue) }

// PendingCount reports un-ACKed tracked messages.
func (e *Engine) PendingCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.pending)
}
