package ratelimit

import (
	"sync"
	"time"

	"github.com/arbflow/arbflow/pkg/domain"
)

// Limiter applies a per-stream token bucket. Buckets materialize full on first
// observation and refill in whole-period quanta: after each elapsed refill
// period the bucket gains maxTokens, capped at maxTokens.
type Limiter struct {
	maxTokens        int
	refillPeriod     time.Duration
	tokensPerMessage int

	buckets map[string]*bucket
	clock   domain.Clock
	mu      sync.Mutex
}

type bucket struct {
	tokens     int
	lastRefill time.Time
}

func New(maxTokens int, refillPeriod time.Duration, tokensPerMessage int, clock domain.Clock) *Limiter {
	if clock == nil {
		clock = domain.SystemClock()
	}
	return &Limiter{
		maxTokens:        maxTokens,
		refillPeriod:     refillPeriod,
		tokensPerMessage: tokensPerMessage,
		buckets:          make(map[string]*bucket),
		clock:            clock,
	}
}

// Check deducts tokensPerMessage from the stream's bucket and reports whether
// the message is allowed. Denied checks leave the bucket untouched.
func (l *Limiter) Check(stream string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	b := l.bucketFor(stream)
	l.refill(b)

	if b.tokens >= l.tokensPerMessage {
		b.tokens -= l.tokensPerMessage
		return true
	}
	return false
}

// TokenCount returns the current token count for a stream. Untracked streams
// report a full bucket.
func (l *Limiter) TokenCount(stream string) int {
	l.mu.Lock()
	defer l.mu.Unlock()

	b, ok := l.buckets[stream]
	if !ok {
		return l.maxTokens
	}
	l.refill(b)
	return b.tokens
}

// Reset drops the bucket for one stream; the next check starts full.
func (l *Limiter) Reset(stream string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.buckets, stream)
}

// ResetAll drops every bucket.
func (l *Limiter) ResetAll() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.buckets = make(map[string]*bucket)
}

// Snapshot returns a copy of current token counts, for metrics and the CLI.
func (l *Limiter) Snapshot() map[string]int {
	l.mu.Lock()
	defer l.mu.Unlock()

	out := make(map[string]int, len(l.buckets))
	for stream, b := range l.buckets {
		l.refill(b)
		out[stream] = b.tokens
	}
	return out
}

func (l *Limiter) bucketFor(stream string) *bucket {
	b, ok := l.buckets[stream]
	if !ok {
		b = &bucket{tokens: l.maxTokens, lastRefill: l.clock.Now()}
		l.buckets[stream] = b
	}
	return b
}

func (l *Limiter) refill(b *bucket) {
	now := l.clock.Now()
	elapsed := now.Sub(b.lastRefill)
	if elapsed < l.refillPeriod {
		return
	}

	gained := int(elapsed.Milliseconds() * int64(l.maxTokens) / l.refillPeriod.Milliseconds())
	b.tokens += gained
	if b.tokens > l.maxTokens {
		b.tokens = l.maxTokens
	}
	b.lastRefill = now
}
