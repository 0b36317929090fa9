package health

import (
	"context"
	"log/slog"
	"os"
	"strconv"
	"time"

	"github.com/shirou/gopsutil/v3/process"

	"github.com/arbflow/arbflow/pkg/domain"
	"github.com/arbflow/arbflow/pkg/streambus"
)

// Reporter publishes the coordinator's own heartbeat to the health stream so
// peer instances (and the leader's monitor) see this process like any other
// service.
type Reporter struct {
	bus      streambus.Bus
	service  string
	interval time.Duration
	clock    domain.Clock
	logger   *slog.Logger

	startedAt time.Time
	proc      *process.Process
}

func NewReporter(bus streambus.Bus, service string, interval time.Duration, clock domain.Clock, logger *slog.Logger) *Reporter {
	if clock == nil {
		clock = domain.SystemClock()
	}
	proc, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		logger.Warn("process stats unavailable, heartbeats carry zero usage", "error", err)
		proc = nil
	}
	return &Reporter{
		bus:       bus,
		service:   service,
		interval:  interval,
		clock:     clock,
		logger:    logger,
		startedAt: clock.Now(),
		proc:      proc,
	}
}

// Run publishes a heartbeat immediately and then on every interval until the
// context is canceled.
func (r *Reporter) Run(ctx context.Context) error {
	r.publish(ctx)
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			r.publish(ctx)
		}
	}
}

func (r *Reporter) publish(ctx context.Context) {
	now := r.clock.Now()
	var memMB, cpuPct float64
	if r.proc != nil {
		if mi, err := r.proc.MemoryInfo(); err == nil && mi != nil {
			memMB = float64(mi.RSS) / (1024 * 1024)
		}
		if pct, err := r.proc.CPUPercent(); err == nil {
			cpuPct = pct
		}
	}

	fields := map[string]any{
		"name":          r.service,
		"status":        string(domain.StatusHealthy),
		"uptime":        strconv.FormatInt(now.Sub(r.startedAt).Milliseconds(), 10),
		"memoryUsage":   strconv.FormatFloat(memMB, 'f', 2, 64),
		"cpuUsage":      strconv.FormatFloat(cpuPct, 'f', 2, 64),
		"lastHeartbeat": strconv.FormatInt(now.UnixMilli(), 10),
	}
	if _, err := r.bus.Add(ctx, domain.StreamHealth, fields); err != nil {
		r.logger.Warn("heartbeat publish failed", "error", err)
	}
}

// ParseHeartbeat decodes one health-stream entry into a ServiceHealth.
// Missing numeric fields parse as zero; a missing name is the caller's
// signal to drop the entry.
func ParseHeartbeat(fields map[string]string) domain.ServiceHealth {
	h := domain.ServiceHealth{
		Name:   fields["name"],
		Status: domain.ServiceStatus(fields["status"]),
	}
	h.Uptime, _ = strconv.ParseInt(fields["uptime"], 10, 64)
	h.MemoryUsage, _ = strconv.ParseFloat(fields["memoryUsage"], 64)
	h.CPUUsage, _ = strconv.ParseFloat(fields["cpuUsage"], 64)
	h.LastHeartbeat, _ = strconv.ParseInt(fields["lastHeartbeat"], 10, 64)
	if v, ok := fields["latency"]; ok {
		if lat, err := strconv.ParseFloat(v, 64); err == nil {
			h.Latency = &lat
		}
	}
	return h
}
