package alerting

import (
	"sync"
	"time"

	"github.com/arbflow/arbflow/pkg/domain"
)

// CooldownManager is the single owner of alert suppression decisions. Other
// components nominate alerts; only this manager decides whether one goes out.
type CooldownManager struct {
	cooldown         time.Duration
	maxAge           time.Duration
	cleanupThreshold int
	clock            domain.Clock

	lastSent map[string]time.Time
	mu       sync.Mutex
}

func NewCooldownManager(cooldown, maxAge time.Duration, cleanupThreshold int, clock domain.Clock) *CooldownManager {
	if clock == nil {
		clock = domain.SystemClock()
	}
	return &CooldownManager{
		cooldown:         cooldown,
		maxAge:           maxAge,
		cleanupThreshold: cleanupThreshold,
		clock:            clock,
		lastSent:         make(map[string]time.Time),
	}
}

// ShouldSendAndRecord returns true iff the key's cooldown has elapsed, and
// records the send time when it does. A send at t suppresses the key for the
// whole of (t, t+cooldown].
func (c *CooldownManager) ShouldSendAndRecord(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.clock.Now()
	if last, ok := c.lastSent[key]; ok && now.Sub(last) <= c.cooldown {
		return false
	}
	c.lastSent[key] = now

	if len(c.lastSent) > c.cleanupThreshold {
		c.cleanupLocked(now)
	}
	return true
}

// Cleanup drops entries older than maxAge and returns the removal count.
func (c *CooldownManager) Cleanup() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cleanupLocked(c.clock.Now())
}

func (c *CooldownManager) cleanupLocked(now time.Time) int {
	removed := 0
	for key, last := range c.lastSent {
		if now.Sub(last) > c.maxAge {
			delete(c.lastSent, key)
			removed++
		}
	}
	return removed
}

// Len reports the tracked key count, for metrics.
func (c *CooldownManager) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.lastSent)
}
