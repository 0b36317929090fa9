package alerting

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/arbflow/arbflow/pkg/breaker"
	"github.com/arbflow/arbflow/pkg/domain"
)

// Notifier fans alerts out to its channels, each guarded by an independent
// circuit breaker. Notify is synchronous for the caller (history append plus
// mailbox enqueue); delivery runs on the notifier's own goroutine.
type Notifier struct {
	channels []Channel
	breakers map[string]*breaker.Breaker
	history  *History
	logger   *slog.Logger
	timeout  time.Duration

	mailbox  chan domain.Alert
	stopOnce sync.Once
	stopCh   chan struct{}
	doneCh   chan struct{}
}

type NotifierOptions struct {
	Channels         []Channel
	HistorySize      int
	FailureThreshold int
	ResetTimeout     time.Duration
	SendTimeout      time.Duration
	Clock            domain.Clock
	Logger           *slog.Logger
}

func NewNotifier(opts NotifierOptions) *Notifier {
	breakers := make(map[string]*breaker.Breaker, len(opts.Channels))
	for _, ch := range opts.Channels {
		breakers[ch.Name()] = breaker.New(opts.FailureThreshold, opts.ResetTimeout, opts.Clock)
	}
	return &Notifier{
		channels: opts.Channels,
		breakers: breakers,
		history:  NewHistory(opts.HistorySize),
		logger:   opts.Logger,
		timeout:  opts.SendTimeout,
		mailbox:  make(chan domain.Alert, 256),
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
}

// Start launches the delivery loop.
func (n *Notifier) Start() {
	go func() {
		defer close(n.doneCh)
		for {
			select {
			case alert := <-n.mailbox:
				n.deliver(alert)
			case <-n.stopCh:
				// Drain what is already queued before exiting.
				for {
					select {
					case alert := <-n.mailbox:
						n.deliver(alert)
					default:
						return
					}
				}
			}
		}
	}()
}

// Stop flushes queued alerts and stops the delivery loop. Idempotent.
func (n *Notifier) Stop() {
	n.stopOnce.Do(func() {
		close(n.stopCh)
		<-n.doneCh
	})
}

// Notify records the alert and queues it for delivery. With no channels
// configured the alert is stored and logged at debug only, leaving the
// coordinator as the single warn source.
func (n *Notifier) Notify(alert domain.Alert) {
	n.history.Add(alert)

	if len(n.channels) == 0 {
		n.logger.Debug("alert stored without delivery channels",
			"type", alert.Type, "severity", string(alert.Severity), "service", alert.Service)
		return
	}

	select {
	case n.mailbox <- alert:
	default:
		n.logger.Warn("alert mailbox full, dropping alert", "type", alert.Type)
	}
}

// History returns up to limit alerts, newest first.
func (n *Notifier) History(limit int) []domain.Alert {
	return n.history.Recent(limit)
}

// ChannelStates snapshots breaker states per channel, for metrics and the CLI.
func (n *Notifier) ChannelStates() map[string]breaker.State {
	out := make(map[string]breaker.State, len(n.breakers))
	for name, b := range n.breakers {
		out[name] = b.State()
	}
	return out
}

func (n *Notifier) deliver(alert domain.Alert) {
	for _, ch := range n.channels {
		b := n.breakers[ch.Name()]
		if !b.Allow() {
			n.logger.Debug("channel breaker open, skipping delivery",
				"channel", ch.Name(), "type", alert.Type)
			continue
		}

		ctx, cancel := context.WithTimeout(context.Background(), n.timeout)
		err := ch.Send(ctx, alert)
		cancel()

		if err != nil {
			b.RecordFailure()
			n.logger.Warn("alert delivery failed",
				"channel", ch.Name(), "type", alert.Type, "error", err)
			continue
		}
		if recovered := b.RecordSuccess(); recovered {
			n.logger.Info("alert channel recovered", "channel", ch.Name())
		}
	}
}
