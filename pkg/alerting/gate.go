package alerting

import (
	"log/slog"
	"sync"

	"github.com/arbflow/arbflow/pkg/domain"
)

// Sink is the nomination surface components see. Components propose alerts;
// the gate owns the suppression decision.
type Sink interface {
	Nominate(alert domain.Alert) bool
}

// Gate applies the cooldown before handing an alert to the notifier. It is
// the only place suppression is decided.
type Gate struct {
	cooldown *CooldownManager
	notifier *Notifier
	logger   *slog.Logger
}

func NewGate(cooldown *CooldownManager, notifier *Notifier, logger *slog.Logger) *Gate {
	return &Gate{cooldown: cooldown, notifier: notifier, logger: logger}
}

// Nominate sends the alert unless its cooldown key is still suppressed.
// Returns whether the alert went out.
func (g *Gate) Nominate(alert domain.Alert) bool {
	if !g.cooldown.ShouldSendAndRecord(alert.CooldownKey()) {
		g.logger.Debug("alert suppressed by cooldown", "key", alert.CooldownKey())
		return false
	}
	g.notifier.Notify(alert)
	return true
}

// NopSink swallows nominations; used in tests.
type NopSink struct{}

func (NopSink) Nominate(domain.Alert) bool { return false }

// RecordingSink captures nominated alerts; used in tests.
type RecordingSink struct {
	mu     sync.Mutex
	alerts []domain.Alert
}

func (r *RecordingSink) Nominate(alert domain.Alert) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.alerts = append(r.alerts, alert)
	return true
}

func (r *RecordingSink) Recorded() []domain.Alert {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]domain.Alert, len(r.alerts))
	copy(out, r.alerts)
	return out
}
