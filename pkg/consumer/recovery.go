package consumer

import (
	"context"
	"errors"
	"fmt"
)

// GroupStream names one (stream, group) pair to sweep for orphans.
type GroupStream struct {
	Stream string
	Group  string
}

var errOrphaned = errors.New("orphaned message reclaimed from crashed consumer")

// RecoverPendingMessages reclaims messages stranded in other consumers' PELs.
// Every claimed message is dead-lettered and ACKed, never re-executed: the
// trade data it carries is stale by the time its owner died. Returns the
// number of messages recovered.
func (m *Manager) RecoverPendingMessages(ctx context.Context, groups []GroupStream) (int, error) {
	recovered := 0

	for _, gs := range groups {
		summary, err := m.bus.PendingSummary(ctx, gs.Stream, gs.Group)
		if err != nil {
			return recovered, fmt.Errorf("pending summary for %s: %w", gs.Stream, err)
		}

		for _, peer := range summary {
			if peer.Consumer == m.consumer || peer.Count == 0 {
				continue
			}

			entries, err := m.bus.PendingRange(ctx, gs.Stream, gs.Group, peer.Consumer, m.claimBatch)
			if err != nil {
				m.logger.Warn("pending range failed",
					"stream", gs.Stream, "consumer", peer.Consumer, "error", err)
				continue
			}

			ids := make([]string, 0, len(entries))
			for _, e := range entries {
				if e.Idle >= m.claimMinIdle {
					ids = append(ids, e.ID)
				}
				if int64(len(ids)) >= m.claimBatch {
					break
				}
			}
			if len(ids) == 0 {
				continue
			}

			claimed, err := m.bus.Claim(ctx, gs.Stream, gs.Group, m.consumer, m.claimMinIdle, ids)
			if err != nil {
				m.logger.Warn("claim failed",
					"stream", gs.Stream, "consumer", peer.Consumer, "error", err)
				continue
			}

			for _, msg := range claimed {
				m.writeDLQ(ctx, gs.Stream, msg, errOrphaned)
				m.ack(ctx, gs.Stream, gs.Group, msg.ID)
				recovered++
			}
			m.logger.Info("reclaimed orphaned messages",
				"stream", gs.Stream, "from", peer.Consumer, "count", len(claimed))
		}
	}

	if recovered > 0 {
		m.metrics.IncCounter("arbflow_messages_recovered_total", float64(recovered))
	}
	return recovered, nil
}
