package alerting

import (
	"sync"

	"github.com/arbflow/arbflow/pkg/domain"
)

// History keeps the last N alerts in a fixed ring; appends are O(1).
type History struct {
	ring  []domain.Alert
	next  int
	count int
	mu    sync.Mutex
}

func NewHistory(size int) *History {
	if size < 1 {
		size = 1
	}
	return &History{ring: make([]domain.Alert, size)}
}

func (h *History) Add(alert domain.Alert) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.ring[h.next] = alert
	h.next = (h.next + 1) % len(h.ring)
	if h.count < len(h.ring) {
		h.count++
	}
}

// Recent returns up to limit alerts, newest first. limit <= 0 means all.
func (h *History) Recent(limit int) []domain.Alert {
	h.mu.Lock()
	defer h.mu.Unlock()

	if limit <= 0 || limit > h.count {
		limit = h.count
	}
	out := make([]domain.Alert, 0, limit)
	for i := 1; i <= limit; i++ {
		idx := (h.next - i + len(h.ring)) % len(h.ring)
		out = append(out, h.ring[idx])
	}
	return out
}

func (h *History) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.count
}
