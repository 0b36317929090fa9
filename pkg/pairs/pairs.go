package pairs

import (
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/arbflow/arbflow/pkg/domain"
)

// Entry records the last sighting of a trading pair.
type Entry struct {
	LastSeen time.Time
	Chain    string
	Dex      string
}

// Tracker is a bounded TTL map of recently active pairs. When an insert
// pushes the map over capacity, the oldest entries are evicted down to 75% of
// capacity so a nearly-full tracker does not evict on every insert.
type Tracker struct {
	maxActive int
	ttl       time.Duration
	clock     domain.Clock
	logger    *slog.Logger

	entries map[string]Entry
	mu      sync.Mutex

	started  bool
	stopOnce sync.Once
	stopCh   chan struct{}
	doneCh   chan struct{}
}

func New(maxActive int, ttl time.Duration, clock domain.Clock, logger *slog.Logger) *Tracker {
	if clock == nil {
		clock = domain.SystemClock()
	}
	return &Tracker{
		maxActive: maxActive,
		ttl:       ttl,
		clock:     clock,
		logger:    logger,
		entries:   make(map[string]Entry),
		stopCh:    make(chan struct{}),
		doneCh:    make(chan struct{}),
	}
}

// TrackPair marks a pair as active now, evicting the oldest entries if the
// tracker grew past capacity.
func (t *Tracker) TrackPair(addr, chain, dex string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.entries[addr] = Entry{LastSeen: t.clock.Now(), Chain: chain, Dex: dex}

	if len(t.entries) <= t.maxActive {
		return
	}

	// The insert that triggered the eviction must survive it.
	target := t.maxActive * 3 / 4
	if target < 1 {
		target = 1
	}
	type aged struct {
		addr string
		seen time.Time
	}
	all := make([]aged, 0, len(t.entries))
	for a, e := range t.entries {
		all = append(all, aged{addr: a, seen: e.LastSeen})
	}
	sort.Slice(all, func(i, j int) bool { return all[i].seen.Before(all[j].seen) })

	evicted := 0
	for _, a := range all {
		if len(t.entries) <= target {
			break
		}
		delete(t.entries, a.addr)
		evicted++
	}
	if t.logger != nil {
		t.logger.Debug("evicted active pairs", "evicted", evicted, "remaining", len(t.entries))
	}
}

// Cleanup removes entries older than the TTL and returns the removal count.
func (t *Tracker) Cleanup() int {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.clock.Now()
	removed := 0
	for addr, e := range t.entries {
		if now.Sub(e.LastSeen) > t.ttl {
			delete(t.entries, addr)
			removed++
		}
	}
	return removed
}

// Map-compatible accessors.

func (t *Tracker) Has(addr string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.entries[addr]
	return ok
}

func (t *Tracker) Get(addr string) (Entry, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.entries[addr]
	return e, ok
}

func (t *Tracker) Set(addr string, e Entry) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.entries[addr] = e
}

func (t *Tracker) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}

func (t *Tracker) Clear() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.entries = make(map[string]Entry)
}

// Start runs the periodic TTL sweep until Stop is called.
func (t *Tracker) Start(interval time.Duration) {
	t.mu.Lock()
	t.started = true
	t.mu.Unlock()
	go func() {
		defer close(t.doneCh)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if removed := t.Cleanup(); removed > 0 && t.logger != nil {
					t.logger.Debug("swept expired pairs", "removed", removed)
				}
			case <-t.stopCh:
				return
			}
		}
	}()
}

func (t *Tracker) Stop() {
	t.stopOnce.Do(func() {
		close(t.stopCh)
		t.mu.Lock()
		started := t.started
		t.mu.Unlock()
		if started {
			<-t.doneCh
		}
	})
}
