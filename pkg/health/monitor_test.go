package health

import (
	"bytes"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/arbflow/arbflow/pkg/alerting"
	"github.com/arbflow/arbflow/pkg/domain"
	"github.com/arbflow/arbflow/pkg/metrics"
)

func newTestMonitor(t *testing.T, clock *domain.FakeClock, sink alerting.Sink) (*Monitor, *bytes.Buffer) {
	t.Helper()
	buf := &bytes.Buffer{}
	if sink == nil {
		sink = alerting.NopSink{}
	}
	m := NewMonitor(Options{
		StartupGracePeriod:  180 * time.Second,
		StaleThreshold:      90 * time.Second,
		ConsecutiveFailures: 3,
		MinServicesForAlert: 3,
		PurgeAfter:          5 * time.Minute,
		ExecutionEngineName: "execution-engine",
		DetectorPattern:     "detector",
		Clock:               clock,
		Logger:              slog.New(slog.NewTextHandler(buf, &slog.HandlerOptions{Level: slog.LevelDebug})),
		Alerts:              sink,
		Metrics:             metrics.NewNoop(),
	})
	return m, buf
}

func heartbeat(clock *domain.FakeClock, name string, status domain.ServiceStatus) domain.ServiceHealth {
	return domain.ServiceHealth{
		Name:          name,
		Status:        status,
		LastHeartbeat: clock.Now().UnixMilli(),
	}
}

// countLogLines counts occurrences of a log message, quoted the way slog's
// text handler renders messages containing spaces.
func countLogLines(buf *bytes.Buffer, msg string) int {
	if strings.ContainsRune(msg, ' ') {
		msg = "\"" + msg + "\""
	}
	return strings.Count(buf.String(), "msg="+msg)
}

func TestEvaluate_DegradationSequence(t *testing.T) {
	clock := domain.NewFakeClock(time.Unix(1_700_000_000, 0))
	m, buf := newTestMonitor(t, clock, nil)
	m.Start()
	clock.Advance(181 * time.Second) // grace over

	// No services at all: total outage.
	if got := m.Evaluate(); got != domain.CompleteOutage {
		t.Fatalf("empty map: expected COMPLETE_OUTAGE, got %s", got)
	}

	// Executor down, detector up: detection continues, execution halts.
	m.UpdateServiceHealth(heartbeat(clock, "execution-engine", domain.StatusUnhealthy))
	m.UpdateServiceHealth(heartbeat(clock, "price-detector", domain.StatusHealthy))
	if got := m.Evaluate(); got != domain.DetectionOnly {
		t.Fatalf("executor down: expected DETECTION_ONLY, got %s", got)
	}

	// Everything recovers.
	m.UpdateServiceHealth(heartbeat(clock, "execution-engine", domain.StatusHealthy))
	m.UpdateServiceHealth(heartbeat(clock, "price-detector", domain.StatusHealthy))
	if got := m.Evaluate(); got != domain.FullOperation {
		t.Fatalf("recovery: expected FULL_OPERATION, got %s", got)
	}

	// A no-op tick must not log another transition.
	m.Evaluate()
	if n := countLogLines(buf, "degradation level changed"); n != 3 {
		t.Errorf("expected exactly 3 level-change logs, got %d\n%s", n, buf.String())
	}
}

func TestEvaluate_GraceSubstitutesReadOnly(t *testing.T) {
	clock := domain.NewFakeClock(time.Unix(1_700_000_000, 0))
	m, _ := newTestMonitor(t, clock, nil)
	m.Start()

	if got := m.Evaluate(); got != domain.ReadOnly {
		t.Fatalf("in grace the worst level is READ_ONLY, got %s", got)
	}

	clock.Advance(180 * time.Second) // boundary: grace is over at exactly start+grace
	if m.IsInGracePeriod() {
		t.Error("grace period must be over at exactly start+grace")
	}
	if got := m.Evaluate(); got != domain.CompleteOutage {
		t.Fatalf("after grace: expected COMPLETE_OUTAGE, got %s", got)
	}
}

func TestStaleDetection_BoundaryExclusive(t *testing.T) {
	clock := domain.NewFakeClock(time.Unix(1_700_000_000, 0))
	sink := &alerting.RecordingSink{}
	m, _ := newTestMonitor(t, clock, sink)
	// No Start(): grace closed, alerts active.

	m.UpdateServiceHealth(heartbeat(clock, "whale-detector", domain.StatusHealthy))
	m.UpdateServiceHealth(heartbeat(clock, "execution-engine", domain.StatusHealthy))

	clock.Advance(90 * time.Second)
	m.Evaluate()
	if got := m.Services()["whale-detector"].Status; got != domain.StatusHealthy {
		t.Fatalf("age exactly at threshold must not be stale, got %s", got)
	}

	clock.Advance(time.Millisecond)
	m.Evaluate()
	if got := m.Services()["whale-detector"].Status; got != domain.StatusUnhealthy {
		t.Fatalf("one millisecond past threshold must be stale, got %s", got)
	}

	var unhealthy int
	for _, a := range sink.Recorded() {
		if a.Type == "SERVICE_UNHEALTHY" && a.Service == "whale-detector" {
			unhealthy++
		}
	}
	if unhealthy != 1 {
		t.Errorf("expected one SERVICE_UNHEALTHY nomination, got %d", unhealthy)
	}
}

func TestStaleDetection_GraceSkipsNeverHeartbeated(t *testing.T) {
	clock := domain.NewFakeClock(time.Unix(1_700_000_000, 0))
	m, _ := newTestMonitor(t, clock, nil)
	m.Start()

	// Registered with a heartbeat timestamp from a prior process, but this
	// monitor never saw one arrive.
	m.services["swap-detector"] = domain.ServiceHealth{
		Name:          "swap-detector",
		Status:        domain.StatusHealthy,
		LastHeartbeat: clock.Now().Add(-2 * time.Minute).UnixMilli(),
	}

	m.Evaluate()
	if got := m.Services()["swap-detector"].Status; got != domain.StatusHealthy {
		t.Fatalf("never-heartbeated service must be skipped during grace, got %s", got)
	}

	// Once a heartbeat was observed, it is treated normally even in grace.
	m.UpdateServiceHealth(heartbeat(clock, "swap-detector", domain.StatusHealthy))
	clock.Advance(91 * time.Second)
	m.Evaluate()
	if got := m.Services()["swap-detector"].Status; got != domain.StatusUnhealthy {
		t.Fatalf("heartbeated service is checked during grace, got %s", got)
	}
}

func TestStaleDetection_GraceEpisodeAlertsAfterGrace(t *testing.T) {
	clock := domain.NewFakeClock(time.Unix(1_700_000_000, 0))
	sink := &alerting.RecordingSink{}
	m, _ := newTestMonitor(t, clock, sink)
	m.Start()

	m.UpdateServiceHealth(heartbeat(clock, "arb-detector", domain.StatusHealthy))
	m.UpdateServiceHealth(heartbeat(clock, "execution-engine", domain.StatusHealthy))

	countUnhealthy := func() int {
		n := 0
		for _, a := range sink.Recorded() {
			if a.Type == "SERVICE_UNHEALTHY" && a.Service == "arb-detector" {
				n++
			}
		}
		return n
	}

	// Detector falls silent while still in grace: detected, no alert yet.
	clock.Advance(100 * time.Second)
	m.UpdateServiceHealth(heartbeat(clock, "execution-engine", domain.StatusHealthy))
	m.Evaluate()
	if got := m.Services()["arb-detector"].Status; got != domain.StatusUnhealthy {
		t.Fatalf("stale detection still runs during grace, got %s", got)
	}
	if got := countUnhealthy(); got != 0 {
		t.Fatalf("no unhealthy alert inside grace, got %d", got)
	}

	// First tick past the grace window delivers the deferred alert.
	clock.Advance(101 * time.Second)
	m.UpdateServiceHealth(heartbeat(clock, "execution-engine", domain.StatusHealthy))
	m.Evaluate()
	if got := countUnhealthy(); got != 1 {
		t.Fatalf("expected the deferred unhealthy alert after grace, got %d", got)
	}

	// Still stale on the next tick: the episode does not re-alert.
	clock.Advance(15 * time.Second)
	m.UpdateServiceHealth(heartbeat(clock, "execution-engine", domain.StatusHealthy))
	m.Evaluate()
	if got := countUnhealthy(); got != 1 {
		t.Errorf("one alert per stale episode, got %d", got)
	}
}

func TestNewMonitor_ZeroOptionsSafe(t *testing.T) {
	m := NewMonitor(Options{})
	m.Start()
	m.UpdateServiceHealth(domain.ServiceHealth{
		Name:          "execution-engine",
		Status:        domain.StatusHealthy,
		LastHeartbeat: time.Now().UnixMilli(),
	})
	if got := m.Evaluate(); got != domain.ReducedChains {
		t.Fatalf("executor only, no detectors: expected REDUCED_CHAINS, got %s", got)
	}
}

func TestHysteresis_ThreeConsecutiveStaleTicks(t *testing.T) {
	clock := domain.NewFakeClock(time.Unix(1_700_000_000, 0))
	m, _ := newTestMonitor(t, clock, nil)

	m.UpdateServiceHealth(heartbeat(clock, "execution-engine", domain.StatusHealthy))
	m.UpdateServiceHealth(heartbeat(clock, "arb-detector", domain.StatusHealthy))
	if got := m.Evaluate(); got != domain.FullOperation {
		t.Fatalf("baseline: expected FULL_OPERATION, got %s", got)
	}

	// Detector goes silent; the executor keeps heartbeating.
	clock.Advance(91 * time.Second)
	for tick := 1; tick <= 2; tick++ {
		m.UpdateServiceHealth(heartbeat(clock, "execution-engine", domain.StatusHealthy))
		if got := m.Evaluate(); got != domain.FullOperation {
			t.Fatalf("tick %d: downgrade before threshold, got %s", tick, got)
		}
		clock.Advance(time.Second)
	}

	// Third consecutive stale evaluation crosses the threshold.
	m.UpdateServiceHealth(heartbeat(clock, "execution-engine", domain.StatusHealthy))
	if got := m.Evaluate(); got != domain.ReducedChains {
		t.Fatalf("tick 3: expected REDUCED_CHAINS, got %s", got)
	}
}

func TestHysteresis_CleanTickResetsCounter(t *testing.T) {
	clock := domain.NewFakeClock(time.Unix(1_700_000_000, 0))
	m, _ := newTestMonitor(t, clock, nil)

	m.UpdateServiceHealth(heartbeat(clock, "execution-engine", domain.StatusHealthy))
	m.UpdateServiceHealth(heartbeat(clock, "arb-detector", domain.StatusHealthy))
	m.Evaluate()

	clock.Advance(91 * time.Second)
	for tick := 1; tick <= 2; tick++ {
		m.UpdateServiceHealth(heartbeat(clock, "execution-engine", domain.StatusHealthy))
		m.Evaluate()
		clock.Advance(time.Second)
	}

	// Detector comes back: clean tick, counter resets.
	m.UpdateServiceHealth(heartbeat(clock, "execution-engine", domain.StatusHealthy))
	m.UpdateServiceHealth(heartbeat(clock, "arb-detector", domain.StatusHealthy))
	if got := m.Evaluate(); got != domain.FullOperation {
		t.Fatalf("clean tick: expected FULL_OPERATION, got %s", got)
	}

	// Two more stale ticks after the reset must not downgrade.
	clock.Advance(91 * time.Second)
	for tick := 1; tick <= 2; tick++ {
		m.UpdateServiceHealth(heartbeat(clock, "execution-engine", domain.StatusHealthy))
		if got := m.Evaluate(); got != domain.FullOperation {
			t.Fatalf("post-reset tick %d: premature downgrade to %s", tick, got)
		}
		clock.Advance(time.Second)
	}
}

func TestEscalationLogging(t *testing.T) {
	clock := domain.NewFakeClock(time.Unix(1_700_000_000, 0))
	m, buf := newTestMonitor(t, clock, nil)

	m.UpdateServiceHealth(heartbeat(clock, "execution-engine", domain.StatusHealthy))
	m.UpdateServiceHealth(heartbeat(clock, "vol-detector", domain.StatusHealthy))

	clock.Advance(91 * time.Second)
	m.UpdateServiceHealth(heartbeat(clock, "execution-engine", domain.StatusHealthy))
	m.Evaluate()
	if n := countLogLines(buf, "stale heartbeat detected"); n != 1 {
		t.Fatalf("first detection must warn once, got %d", n)
	}

	// Repeats stay at debug until the 60s escalation step.
	clock.Advance(10 * time.Second)
	m.UpdateServiceHealth(heartbeat(clock, "execution-engine", domain.StatusHealthy))
	m.Evaluate()
	if n := countLogLines(buf, "stale heartbeat persists"); n != 0 {
		t.Fatalf("no escalation before 60s, got %d", n)
	}
	if n := countLogLines(buf, "stale heartbeat still present"); n != 1 {
		t.Fatalf("repeat detection must log debug, got %d", n)
	}

	clock.Advance(55 * time.Second) // 65s since first detection
	m.UpdateServiceHealth(heartbeat(clock, "execution-engine", domain.StatusHealthy))
	m.Evaluate()
	if n := countLogLines(buf, "stale heartbeat persists"); n != 1 {
		t.Fatalf("expected one escalation warn at 60s, got %d", n)
	}

	// Recovery clears escalation state; a fresh outage warns again.
	m.UpdateServiceHealth(heartbeat(clock, "vol-detector", domain.StatusHealthy))
	m.Evaluate()
	clock.Advance(91 * time.Second)
	m.UpdateServiceHealth(heartbeat(clock, "execution-engine", domain.StatusHealthy))
	m.Evaluate()
	if n := countLogLines(buf, "stale heartbeat detected"); n != 2 {
		t.Errorf("fresh outage after recovery must warn again, got %d", n)
	}
}

func TestPurge_RemovesAncientEntries(t *testing.T) {
	clock := domain.NewFakeClock(time.Unix(1_700_000_000, 0))
	m, _ := newTestMonitor(t, clock, nil)

	m.UpdateServiceHealth(heartbeat(clock, "dead-detector", domain.StatusHealthy))
	clock.Advance(301 * time.Second)
	m.Evaluate()

	if _, ok := m.Services()["dead-detector"]; ok {
		t.Error("entries older than the purge window must be removed")
	}
}

func TestAggregates_SinglePass(t *testing.T) {
	clock := domain.NewFakeClock(time.Unix(1_700_000_000, 0))
	m, _ := newTestMonitor(t, clock, nil)

	lat := 12.5
	m.UpdateServiceHealth(domain.ServiceHealth{
		Name: "execution-engine", Status: domain.StatusHealthy,
		LastHeartbeat: clock.Now().UnixMilli(), MemoryUsage: 0, Latency: &lat,
	})
	m.UpdateServiceHealth(domain.ServiceHealth{
		Name: "price-detector", Status: domain.StatusUnhealthy,
		LastHeartbeat: clock.Now().Add(-2 * time.Second).UnixMilli(), MemoryUsage: 64,
	})
	m.Evaluate()

	agg := m.Aggregates()
	if agg.ActiveServices != 1 {
		t.Errorf("activeServices: expected 1, got %d", agg.ActiveServices)
	}
	if agg.SystemHealth != 50 {
		t.Errorf("systemHealth: expected 50, got %v", agg.SystemHealth)
	}
	// memoryUsage of 0 is preserved: average is (0+64)/2.
	if agg.AverageMemory != 32 {
		t.Errorf("averageMemory: expected 32, got %v", agg.AverageMemory)
	}
	// (12.5 + 2000ms-fallback) / 2
	if agg.AverageLatency != (12.5+2000)/2 {
		t.Errorf("averageLatency: expected %v, got %v", (12.5+2000)/2, agg.AverageLatency)
	}
}

func TestSystemHealthLowAlert(t *testing.T) {
	clock := domain.NewFakeClock(time.Unix(1_700_000_000, 0))
	sink := &alerting.RecordingSink{}
	m, _ := newTestMonitor(t, clock, sink)
	m.Start()

	// In grace with fewer than minServices: no alert despite 0% health.
	m.UpdateServiceHealth(heartbeat(clock, "arb-detector", domain.StatusUnhealthy))
	m.Evaluate()
	for _, a := range sink.Recorded() {
		if a.Type == "SYSTEM_HEALTH_LOW" {
			t.Fatal("grace with too few services must suppress SYSTEM_HEALTH_LOW")
		}
	}

	// Enough services registered: the alert fires even in grace.
	m.UpdateServiceHealth(heartbeat(clock, "swap-detector", domain.StatusUnhealthy))
	m.UpdateServiceHealth(heartbeat(clock, "execution-engine", domain.StatusHealthy))
	m.Evaluate()
	var fired bool
	for _, a := range sink.Recorded() {
		if a.Type == "SYSTEM_HEALTH_LOW" {
			fired = true
		}
	}
	if !fired {
		t.Error("expected SYSTEM_HEALTH_LOW with minServices reached and health < 80")
	}
}
