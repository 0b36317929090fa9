package health

import (
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/arbflow/arbflow/pkg/alerting"
	"github.com/arbflow/arbflow/pkg/domain"
	"github.com/arbflow/arbflow/pkg/metrics"
)

// Metrics is the aggregate view recomputed on every evaluation.
type Metrics struct {
	ActiveServices int
	SystemHealth   float64
	AverageMemory  float64
	AverageLatency float64
	LastUpdate     time.Time
}

// Options tune the monitor; zero values are replaced by production defaults.
type Options struct {
	StartupGracePeriod  time.Duration
	StaleThreshold      time.Duration
	ConsecutiveFailures int
	MinServicesForAlert int
	PurgeAfter          time.Duration
	ExecutionEngineName string
	DetectorPattern     string

	Clock   domain.Clock
	Logger  *slog.Logger
	Alerts  alerting.Sink
	Metrics metrics.Metrics
}

// Monitor tracks per-service heartbeats and drives the degradation level.
// Downgrades require consecutive stale evaluations (hysteresis) so one missed
// heartbeat cannot flap the system state.
type Monitor struct {
	opts Options

	mu               sync.Mutex
	started          bool
	startTime        time.Time
	services         map[string]domain.ServiceHealth
	heartbeatSeen    map[string]bool
	staleSince       map[string]*staleState
	level            domain.DegradationLevel
	consecutiveStale int
	aggregates       Metrics
}

// staleState drives escalation-based log throttling: the first detection
// warns, repeats are debug, re-warning at fixed ages since first detection.
type staleState struct {
	firstDetected  time.Time
	nextEscalation int
	alerted        bool
}

var escalationSteps = []time.Duration{60 * time.Second, 120 * time.Second, 300 * time.Second}

func NewMonitor(opts Options) *Monitor {
	if opts.StartupGracePeriod == 0 {
		opts.StartupGracePeriod = 180 * time.Second
	}
	if opts.StaleThreshold == 0 {
		opts.StaleThreshold = 90 * time.Second
	}
	if opts.ConsecutiveFailures == 0 {
		opts.ConsecutiveFailures = 3
	}
	if opts.MinServicesForAlert == 0 {
		opts.MinServicesForAlert = 3
	}
	if opts.PurgeAfter == 0 {
		opts.PurgeAfter = 5 * time.Minute
	}
	if opts.ExecutionEngineName == "" {
		opts.ExecutionEngineName = "execution-engine"
	}
	if opts.DetectorPattern == "" {
		opts.DetectorPattern = "detector"
	}
	if opts.Clock == nil {
		opts.Clock = domain.SystemClock()
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Alerts == nil {
		opts.Alerts = alerting.NopSink{}
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.NewNoop()
	}
	return &Monitor{
		opts:          opts,
		services:      make(map[string]domain.ServiceHealth),
		heartbeatSeen: make(map[string]bool),
		staleSince:    make(map[string]*staleState),
		level:         domain.FullOperation,
	}
}

// Start opens the grace window. Evaluations before Start treat the grace
// period as closed.
func (m *Monitor) Start() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.started = true
	m.startTime = m.opts.Clock.Now()
}

// IsInGracePeriod reports whether startup grace still applies. The window is
// half-open: at exactly start+grace the period is over.
func (m *Monitor) IsInGracePeriod() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.inGraceLocked()
}

func (m *Monitor) inGraceLocked() bool {
	if !m.started {
		return false
	}
	return m.opts.Clock.Now().Sub(m.startTime) < m.opts.StartupGracePeriod
}

// UpdateServiceHealth merges one heartbeat. LastHeartbeat never moves
// backwards for a given service.
func (m *Monitor) UpdateServiceHealth(h domain.ServiceHealth) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if prev, ok := m.services[h.Name]; ok && h.LastHeartbeat < prev.LastHeartbeat {
		h.LastHeartbeat = prev.LastHeartbeat
	}
	m.services[h.Name] = h
	if h.LastHeartbeat > 0 {
		m.heartbeatSeen[h.Name] = true
	}
	if h.Status == domain.StatusHealthy {
		delete(m.staleSince, h.Name)
	}
}

// HasReceivedHeartbeat reports whether the service ever sent one.
func (m *Monitor) HasReceivedHeartbeat(name string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.heartbeatSeen[name]
}

// CurrentLevel returns the degradation level.
func (m *Monitor) CurrentLevel() domain.DegradationLevel {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.level
}

// Aggregates returns a copy of the latest aggregate metrics.
func (m *Monitor) Aggregates() Metrics {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.aggregates
}

// Services returns a value-copy snapshot; mutating it does not touch the
// monitor's state.
func (m *Monitor) Services() map[string]domain.ServiceHealth {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]domain.ServiceHealth, len(m.services))
	for k, v := range m.services {
		out[k] = v
	}
	return out
}

// Evaluate runs one monitoring tick: purge, stale detection, hysteresis,
// degradation computation and metric aggregation.
func (m *Monitor) Evaluate() domain.DegradationLevel {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.opts.Clock.Now()
	inGrace := m.inGraceLocked()

	m.purgeLocked(now)
	staleCount := m.detectStaleLocked(now, inGrace)

	if staleCount > 0 {
		m.consecutiveStale++
		if m.consecutiveStale < m.opts.ConsecutiveFailures {
			m.opts.Logger.Debug("stale heartbeats below hysteresis threshold",
				"stale", staleCount, "consecutive", m.consecutiveStale,
				"threshold", m.opts.ConsecutiveFailures)
			m.aggregateLocked(now)
			return m.level
		}
	} else {
		m.consecutiveStale = 0
	}

	newLevel := m.computeLevelLocked(inGrace)
	if newLevel != m.level {
		m.opts.Logger.Warn("degradation level changed",
			"from", m.level.String(), "to", newLevel.String())
		m.level = newLevel
		m.opts.Metrics.SetGauge("arbflow_degradation_level", float64(newLevel))
	}

	m.aggregateLocked(now)
	m.nominateHealthAlertsLocked(inGrace)
	return m.level
}

func (m *Monitor) purgeLocked(now time.Time) {
	for name, h := range m.services {
		if h.LastHeartbeat == 0 {
			continue
		}
		age := now.Sub(time.UnixMilli(h.LastHeartbeat))
		if age > m.opts.PurgeAfter {
			delete(m.services, name)
			delete(m.staleSince, name)
			m.opts.Logger.Debug("purged stale service entry", "service", name, "age", age)
		}
	}
}

// detectStaleLocked counts services whose heartbeat is overdue this tick,
// flipping them to unhealthy on first detection. An already-stale service
// keeps counting until its heartbeat resumes, so the hysteresis counter keeps
// climbing while a service stays silent. Age exactly at the threshold is not
// stale.
func (m *Monitor) detectStaleLocked(now time.Time, inGrace bool) int {
	stale := 0
	for name, h := range m.services {
		if h.LastHeartbeat == 0 {
			continue
		}
		age := now.Sub(time.UnixMilli(h.LastHeartbeat))
		if age <= m.opts.StaleThreshold {
			if _, ok := m.staleSince[name]; ok {
				// Recovered since last tick.
				delete(m.staleSince, name)
				m.opts.Logger.Info("service heartbeat recovered", "service", name)
			}
			continue
		}
		if inGrace && !m.heartbeatSeen[name] {
			continue
		}

		stale++
		m.logStaleLocked(now, name, age)
		if h.Status == domain.StatusHealthy {
			h.Status = domain.StatusUnhealthy
			m.services[name] = h
		}

		// One unhealthy alert per stale episode, deferred past the grace
		// window when the episode began inside it.
		if st := m.staleSince[name]; !inGrace && !st.alerted {
			st.alerted = true
			m.opts.Alerts.Nominate(domain.Alert{
				Type:      "SERVICE_UNHEALTHY",
				Severity:  domain.SeverityHigh,
				Service:   name,
				Message:   "service heartbeat is stale",
				Timestamp: now.UnixMilli(),
				Data:      map[string]any{"ageMs": age.Milliseconds()},
			})
		}
	}
	return stale
}

// logStaleLocked records the episode on first detection and throttles the
// repeat logging through the escalation ladder.
func (m *Monitor) logStaleLocked(now time.Time, name string, age time.Duration) {
	st, ok := m.staleSince[name]
	if !ok {
		m.staleSince[name] = &staleState{firstDetected: now}
		m.opts.Logger.Warn("stale heartbeat detected", "service", name, "age", age)
		return
	}

	sinceFirst := now.Sub(st.firstDetected)
	if st.nextEscalation < len(escalationSteps) && sinceFirst >= escalationSteps[st.nextEscalation] {
		st.nextEscalation++
		m.opts.Logger.Warn("stale heartbeat persists",
			"service", name, "age", age, "since_first", sinceFirst)
		return
	}
	m.opts.Logger.Debug("stale heartbeat still present", "service", name, "age", age)
}

// computeLevelLocked evaluates the degradation table in a single pass over
// the service map.
func (m *Monitor) computeLevelLocked(inGrace bool) domain.DegradationLevel {
	total := len(m.services)
	healthy := 0
	detectors := 0
	healthyDetectors := 0
	// An executor absent from the map counts as unhealthy.
	executorHealthy := false

	for name, h := range m.services {
		isHealthy := h.Status == domain.StatusHealthy
		if isHealthy {
			healthy++
		}
		if name == m.opts.ExecutionEngineName {
			executorHealthy = isHealthy
			continue
		}
		if strings.Contains(name, m.opts.DetectorPattern) {
			detectors++
			if isHealthy {
				healthyDetectors++
			}
		}
	}

	systemHealth := 0.0
	if total > 0 {
		systemHealth = float64(healthy) / float64(total) * 100
	}

	switch {
	case total == 0 || systemHealth == 0:
		if inGrace {
			return domain.ReadOnly
		}
		return domain.CompleteOutage
	case !executorHealthy && healthyDetectors == 0:
		return domain.ReadOnly
	case !executorHealthy:
		return domain.DetectionOnly
	case healthyDetectors < detectors || detectors == 0:
		return domain.ReducedChains
	default:
		return domain.FullOperation
	}
}

// aggregateLocked recomputes aggregate metrics in one pass. A reported
// memoryUsage of zero is a real value, not a missing one.
func (m *Monitor) aggregateLocked(now time.Time) {
	size := len(m.services)
	denom := size
	if denom == 0 {
		denom = 1
	}

	active := 0
	var memSum, latSum float64
	for _, h := range m.services {
		if h.Status == domain.StatusHealthy {
			active++
		}
		memSum += h.MemoryUsage
		if h.Latency != nil {
			latSum += *h.Latency
		} else if h.LastHeartbeat > 0 {
			latSum += float64(now.Sub(time.UnixMilli(h.LastHeartbeat)).Milliseconds())
		}
	}

	m.aggregates = Metrics{
		ActiveServices: active,
		SystemHealth:   float64(active) / float64(denom) * 100,
		AverageMemory:  memSum / float64(denom),
		AverageLatency: latSum / float64(denom),
		LastUpdate:     now,
	}

	m.opts.Metrics.SetGauge("arbflow_active_services", float64(active))
	m.opts.Metrics.SetGauge("arbflow_system_health_pct", m.aggregates.SystemHealth)
}

func (m *Monitor) nominateHealthAlertsLocked(inGrace bool) {
	if m.aggregates.SystemHealth >= 80 {
		return
	}
	if inGrace && len(m.services) < m.opts.MinServicesForAlert {
		return
	}
	m.opts.Alerts.Nominate(domain.Alert{
		Type:      "SYSTEM_HEALTH_LOW",
		Severity:  domain.SeverityCritical,
		Message:   "system health below threshold",
		Timestamp: m.opts.Clock.Now().UnixMilli(),
		Data: map[string]any{
			"systemHealth": m.aggregates.SystemHealth,
			"services":     len(m.services),
		},
	})
}
