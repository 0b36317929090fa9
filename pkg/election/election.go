package election

import (
	"context"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"github.com/arbflow/arbflow/pkg/alerting"
	"github.com/arbflow/arbflow/pkg/domain"
	"github.com/arbflow/arbflow/pkg/metrics"
	"github.com/arbflow/arbflow/pkg/streambus"
)

// Listener observes leadership transitions. It is invoked exactly once per
// transition, outside the elector's lock.
type Listener func(isLeader bool)

type Options struct {
	Bus        streambus.Bus
	InstanceID string
	LockKey    string
	LockTTL    time.Duration

	HeartbeatInterval    time.Duration
	JitterRange          time.Duration
	MaxHeartbeatFailures int

	CanBecomeLeader bool
	Standby         bool

	Listener Listener
	Clock    domain.Clock
	Logger   *slog.Logger
	Alerts   alerting.Sink
	Metrics  metrics.Metrics
}

// Elector maintains a Redis-backed leadership lease. Only one replica holds
// the lock value (its instance ID) at any time; renewal and release are
// owner-qualified so a slow ex-leader cannot clobber its successor's lease.
type Elector struct {
	opts Options

	mu                sync.Mutex
	isLeader          bool
	heartbeatFailures int
	activating        bool
	stopped           bool
}

func NewElector(opts Options) *Elector {
	if opts.LockKey == "" {
		opts.LockKey = domain.LeaderLockKey
	}
	if opts.Clock == nil {
		opts.Clock = domain.SystemClock()
	}
	if opts.Listener == nil {
		opts.Listener = func(bool) {}
	}
	return &Elector{opts: opts}
}

// IsLeader reports current leadership.
func (e *Elector) IsLeader() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.isLeader
}

// HeartbeatFailures reports the consecutive renewal-failure count.
func (e *Elector) HeartbeatFailures() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.heartbeatFailures
}

// Run drives heartbeats until the context is canceled. Each interval gets
// uniform jitter so replicas do not thundering-herd the lock.
func (e *Elector) Run(ctx context.Context) error {
	for {
		e.Heartbeat(ctx)

		d := e.opts.HeartbeatInterval
		if e.opts.JitterRange > 0 {
			d += time.Duration(rand.Int63n(int64(e.opts.JitterRange)))
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(d):
		}
	}
}

// Heartbeat performs one election tick: leaders renew their lease, eligible
// followers try to acquire it.
func (e *Elector) Heartbeat(ctx context.Context) {
	e.mu.Lock()
	if e.stopped {
		e.mu.Unlock()
		return
	}
	leader := e.isLeader
	eligible := e.opts.CanBecomeLeader && (!e.opts.Standby || e.activating)
	e.mu.Unlock()

	if leader {
		e.renew(ctx)
		return
	}
	if eligible {
		e.tryAcquire(ctx)
	}
}

func (e *Elector) renew(ctx context.Context) {
	ok, err := e.opts.Bus.RenewLockIfOwner(ctx, e.opts.LockKey, e.opts.InstanceID, e.opts.LockTTL)
	if err == nil && ok {
		e.mu.Lock()
		e.heartbeatFailures = 0
		e.mu.Unlock()
		return
	}
	if err != nil {
		e.opts.Logger.Warn("lease renewal error", "error", err)
	}

	e.mu.Lock()
	e.heartbeatFailures++
	failures := e.heartbeatFailures
	demote := failures >= e.opts.MaxHeartbeatFailures && e.isLeader
	if demote {
		e.isLeader = false
		e.heartbeatFailures = 0
	}
	e.mu.Unlock()

	if !demote {
		e.opts.Logger.Warn("lease renewal failed",
			"failures", failures, "threshold", e.opts.MaxHeartbeatFailures)
		return
	}

	e.opts.Logger.Error("leadership lost after consecutive renewal failures",
		"failures", failures)
	e.opts.Metrics.SetGauge("arbflow_is_leader", 0)
	e.opts.Alerts.Nominate(domain.Alert{
		Type:      "LEADER_DEMOTION",
		Severity:  domain.SeverityCritical,
		Service:   e.opts.InstanceID,
		Message:   "leadership lost after consecutive renewal failures",
		Timestamp: e.opts.Clock.Now().UnixMilli(),
		Data:      map[string]any{"failures": failures},
	})
	e.opts.Listener(false)
}

func (e *Elector) tryAcquire(ctx context.Context) {
	acquired, err := e.opts.Bus.SetNX(ctx, e.opts.LockKey, e.opts.InstanceID, e.opts.LockTTL)
	if err != nil {
		e.opts.Logger.Warn("lock acquisition error", "error", err)
		return
	}
	if !acquired {
		// The lock may still be ours from before a restart.
		acquired, err = e.opts.Bus.RenewLockIfOwner(ctx, e.opts.LockKey, e.opts.InstanceID, e.opts.LockTTL)
		if err != nil || !acquired {
			return
		}
	}

	e.mu.Lock()
	if e.stopped || e.isLeader {
		e.mu.Unlock()
		return
	}
	e.isLeader = true
	e.heartbeatFailures = 0
	e.mu.Unlock()

	e.opts.Logger.Info("leadership acquired", "instance", e.opts.InstanceID)
	e.opts.Metrics.SetGauge("arbflow_is_leader", 1)
	e.opts.Alerts.Nominate(domain.Alert{
		Type:      "LEADER_ACQUIRED",
		Severity:  domain.SeverityInfo,
		Service:   e.opts.InstanceID,
		Message:   "leadership acquired",
		Timestamp: e.opts.Clock.Now().UnixMilli(),
	})
	e.opts.Listener(true)
}

// ActivateStandby lifts the standby hold and immediately attempts to acquire
// the lock. Concurrent calls serialize on the elector's lock and later calls
// observe the first call's outcome rather than racing a second acquisition.
func (e *Elector) ActivateStandby(ctx context.Context) bool {
	e.mu.Lock()
	if e.stopped {
		e.mu.Unlock()
		return false
	}
	if e.activating {
		leader := e.isLeader
		e.mu.Unlock()
		return leader
	}
	e.activating = true
	e.mu.Unlock()

	e.opts.Logger.Info("standby activation requested", "instance", e.opts.InstanceID)
	e.tryAcquire(ctx)
	return e.IsLeader()
}

// Stop releases the lease when held and notifies the listener of the loss.
// Safe to call more than once.
func (e *Elector) Stop(ctx context.Context) {
	e.mu.Lock()
	if e.stopped {
		e.mu.Unlock()
		return
	}
	e.stopped = true
	wasLeader := e.isLeader
	e.isLeader = false
	e.mu.Unlock()

	if _, err := e.opts.Bus.ReleaseLockIfOwner(ctx, e.opts.LockKey, e.opts.InstanceID); err != nil {
		e.opts.Logger.Warn("lock release failed", "error", err)
	}
	if wasLeader {
		e.opts.Metrics.SetGauge("arbflow_is_leader", 0)
		e.opts.Listener(false)
	}
	e.opts.Logger.Info("elector stopped", "instance", e.opts.InstanceID, "was_leader", wasLeader)
}
