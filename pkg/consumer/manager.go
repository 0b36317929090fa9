package consumer

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/arbflow/arbflow/pkg/alerting"
	"github.com/arbflow/arbflow/pkg/domain"
	"github.com/arbflow/arbflow/pkg/metrics"
	"github.com/arbflow/arbflow/pkg/ratelimit"
	"github.com/arbflow/arbflow/pkg/streambus"
)

// Handler processes one delivered message. Returning nil acknowledges the
// message; returning an error routes it to the DLQ and acknowledges it;
// returning ErrBackpressure leaves it in the PEL for redelivery.
type Handler func(ctx context.Context, stream string, msg streambus.Message) error

// ErrBackpressure signals a transient downstream-full condition. The wrapped
// handler does not ACK such messages.
var ErrBackpressure = errors.New("downstream queue full")

// ErrAckDeferred signals that the handler queued the message for asynchronous
// work and will ACK it itself once that work completes. The wrapped handler
// neither ACKs nor dead-letters.
var ErrAckDeferred = errors.New("ack deferred to downstream completion")

// Manager wires rate limiting, deferred acknowledgment, dead-lettering and
// orphan recovery around per-stream handlers.
type Manager struct {
	bus      streambus.Bus
	limiter  *ratelimit.Limiter
	alerts   alerting.Sink
	metrics  metrics.Metrics
	logger   *slog.Logger
	clock    domain.Clock
	fallback *FallbackWriter

	service    string
	instanceID string
	consumer   string

	batchSize       int64
	blockTimeout    time.Duration
	maxStreamErrors int64
	claimMinIdle    time.Duration
	claimBatch      int64

	errorCount atomic.Int64
	alertFired atomic.Bool

	paused   map[string]*atomic.Bool
	pausedMu sync.Mutex
	stopped  atomic.Bool
}

type ManagerOptions struct {
	Bus        streambus.Bus
	Limiter    *ratelimit.Limiter
	Alerts     alerting.Sink
	Metrics    metrics.Metrics
	Logger     *slog.Logger
	Clock      domain.Clock
	Fallback   *FallbackWriter
	Service    string
	InstanceID string
	Consumer   string

	BatchSize       int64
	BlockTimeout    time.Duration
	MaxStreamErrors int64
	ClaimMinIdle    time.Duration
	ClaimBatch      int64
}

func NewManager(opts ManagerOptions) *Manager {
	clock := opts.Clock
	if clock == nil {
		clock = domain.SystemClock()
	}
	m := &Manager{
		bus:             opts.Bus,
		limiter:         opts.Limiter,
		alerts:          opts.Alerts,
		metrics:         opts.Metrics,
		logger:          opts.Logger,
		clock:           clock,
		fallback:        opts.Fallback,
		service:         opts.Service,
		instanceID:      opts.InstanceID,
		consumer:        opts.Consumer,
		batchSize:       opts.BatchSize,
		blockTimeout:    opts.BlockTimeout,
		maxStreamErrors: opts.MaxStreamErrors,
		claimMinIdle:    opts.ClaimMinIdle,
		claimBatch:      opts.ClaimBatch,
		paused:          make(map[string]*atomic.Bool),
	}
	return m
}

// WrapHandler combines rate limiting, deferred ACK and dead-lettering around
// a user handler. Every delivered message resolves to exactly one of:
// ACK on success, DLQ write then ACK on handler error, or left in the PEL on
// backpressure. Rate-limited messages are ACKed so the PEL cannot leak.
func (m *Manager) WrapHandler(group string, userHandler Handler) Handler {
	return func(ctx context.Context, stream string, msg streambus.Message) error {
		if m.limiter != nil && !m.limiter.Check(stream) {
			m.metrics.IncCounter("arbflow_messages_rate_limited_total", 1,
				metrics.Label{Key: "stream", Value: stream})
			m.logger.Debug("message rate limited", "stream", stream, "message_id", msg.ID)
			m.ack(ctx, stream, group, msg.ID)
			return nil
		}

		err := userHandler(ctx, stream, msg)
		switch {
		case err == nil:
			m.ack(ctx, stream, group, msg.ID)
		case errors.Is(err, ErrBackpressure):
			m.logger.Debug("backpressure, leaving message in PEL",
				"stream", stream, "message_id", msg.ID)
			return err
		case errors.Is(err, ErrAckDeferred):
			// The handler owns this message's ACK now.
		default:
			m.writeDLQ(ctx, stream, msg, err)
			m.ack(ctx, stream, group, msg.ID)
		}
		return nil
	}
}

// ack acknowledges and logs failure without propagating: a failed ACK means
// the message may be redelivered, which downstream dedup absorbs.
func (m *Manager) ack(ctx context.Context, stream, group, id string) {
	if err := m.bus.Ack(ctx, stream, group, id); err != nil {
		m.logger.Warn("ack failed", "stream", stream, "message_id", id, "error", err)
		return
	}
	m.metrics.IncCounter("arbflow_messages_acked_total", 1,
		metrics.Label{Key: "stream", Value: stream})
}

// RunStream consumes one stream serially until the context is canceled.
// Messages within the stream are handled in delivery order.
func (m *Manager) RunStream(ctx context.Context, group, stream string, handler Handler) error {
	if err := m.bus.CreateGroup(ctx, stream, group); err != nil {
		return err
	}
	wrapped := m.WrapHandler(group, handler)
	pauseFlag := m.pauseFlag(stream)

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		if pauseFlag.Load() {
			// Paused: stop reading entirely so PEL pressure moves upstream.
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(100 * time.Millisecond):
			}
			continue
		}

		batches, err := m.bus.ReadGroup(ctx, group, m.consumer, []string{stream}, m.batchSize, m.blockTimeout)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			m.TrackError(stream)
			m.logger.Warn("stream read failed", "stream", stream, "error", err)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(time.Second):
			}
			continue
		}

		for _, msg := range batches[stream] {
			m.metrics.IncCounter("arbflow_messages_consumed_total", 1,
				metrics.Label{Key: "stream", Value: stream})
			if err := wrapped(ctx, stream, msg); err != nil && !errors.Is(err, ErrBackpressure) {
				m.TrackError(stream)
			}
		}
	}
}

// Pause stops the stream's read loop from fetching new messages. Signals
// arriving after stop are ignored.
func (m *Manager) Pause(stream string) {
	if m.stopped.Load() {
		m.logger.Debug("pause after stop ignored", "stream", stream)
		return
	}
	m.pauseFlag(stream).Store(true)
	m.logger.Info("stream consumption paused", "stream", stream)
}

// Resume re-enables reading for a paused stream.
func (m *Manager) Resume(stream string) {
	if m.stopped.Load() {
		m.logger.Debug("resume after stop ignored", "stream", stream)
		return
	}
	m.pauseFlag(stream).Store(false)
	m.logger.Info("stream consumption resumed", "stream", stream)
}

// MarkStopped makes subsequent pause/resume signals no-ops.
func (m *Manager) MarkStopped() {
	m.stopped.Store(true)
}

func (m *Manager) pauseFlag(stream string) *atomic.Bool {
	m.pausedMu.Lock()
	defer m.pausedMu.Unlock()
	flag, ok := m.paused[stream]
	if !ok {
		flag = &atomic.Bool{}
		m.paused[stream] = flag
	}
	return flag
}

// TrackError counts a stream error. On reaching the burst threshold exactly
// one critical alert is emitted; the flag flips synchronously so concurrent
// callers cannot double-alert.
func (m *Manager) TrackError(stream string) {
	count := m.errorCount.Add(1)
	m.metrics.IncCounter("arbflow_stream_errors_total", 1,
		metrics.Label{Key: "stream", Value: stream})

	if count >= m.maxStreamErrors && m.alertFired.CompareAndSwap(false, true) {
		m.alerts.Nominate(domain.Alert{
			Type:      "STREAM_CONSUMER_FAILURE",
			Severity:  domain.SeverityCritical,
			Service:   m.service,
			Message:   "stream consumer error burst",
			Timestamp: m.clock.Now().UnixMilli(),
			Data:      map[string]any{"stream": stream, "errors": count},
		})
	}
}

// ResetErrors clears the burst counter; when an alert had fired, a matching
// recovery alert goes out.
func (m *Manager) ResetErrors(stream string) {
	m.errorCount.Store(0)
	if m.alertFired.Swap(false) {
		m.alerts.Nominate(domain.Alert{
			Type:      "STREAM_RECOVERED",
			Severity:  domain.SeverityWarning,
			Service:   m.service,
			Message:   "stream consumer recovered",
			Timestamp: m.clock.Now().UnixMilli(),
			Data:      map[string]any{"stream": stream},
		})
	}
}

// ErrorCount reports the current burst counter.
func (m *Manager) ErrorCount() int64 {
	return m.errorCount.Load()
}
