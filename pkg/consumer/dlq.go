package consumer

import (
	"context"
	"encoding/json"
	"runtime/debug"

	"github.com/arbflow/arbflow/pkg/domain"
	"github.com/arbflow/arbflow/pkg/streambus"
)

// DLQRecord is what lands on stream:dead-letter-queue for every message that
// could not be processed normally. OriginalData carries the full serialized
// message so the entry can be replayed or audited.
type DLQRecord struct {
	OriginalMessageID string `json:"originalMessageId"`
	OriginalStream    string `json:"originalStream"`
	OriginalData      string `json:"originalData"`
	Error             string `json:"error"`
	ErrorStack        string `json:"errorStack"`
	Timestamp         int64  `json:"timestamp"`
	Service           string `json:"service"`
	InstanceID        string `json:"instanceId"`
}

const errorStackLimit = 500

func (m *Manager) buildDLQRecord(stream string, msg streambus.Message, cause error) DLQRecord {
	data, err := json.Marshal(msg.Fields)
	if err != nil {
		data = []byte("{}")
	}

	stack := string(debug.Stack())
	if len(stack) > errorStackLimit {
		stack = stack[:errorStackLimit]
	}

	errText := ""
	if cause != nil {
		errText = cause.Error()
	}

	return DLQRecord{
		OriginalMessageID: msg.ID,
		OriginalStream:    stream,
		OriginalData:      string(data),
		Error:             errText,
		ErrorStack:        stack,
		Timestamp:         m.clock.Now().UnixMilli(),
		Service:           m.service,
		InstanceID:        m.instanceID,
	}
}

// writeDLQ appends the record to the dead-letter stream; if that write fails,
// the record goes to the local fallback file so it is never lost while Redis
// is down.
func (m *Manager) writeDLQ(ctx context.Context, stream string, msg streambus.Message, cause error) {
	record := m.buildDLQRecord(stream, msg, cause)

	fields := map[string]any{
		"originalMessageId": record.OriginalMessageID,
		"originalStream":    record.OriginalStream,
		"originalData":      record.OriginalData,
		"error":             record.Error,
		"errorStack":        record.ErrorStack,
		"timestamp":         record.Timestamp,
		"service":           record.Service,
		"instanceId":        record.InstanceID,
	}

	if _, err := m.bus.Add(ctx, domain.StreamDeadLetter, fields); err != nil {
		m.logger.Warn("dead-letter write failed, using local fallback",
			"stream", stream, "message_id", msg.ID, "error", err)
		if err := m.fallback.Append(record); err != nil {
			m.logger.Warn("dead-letter fallback append failed, record dropped",
				"stream", stream, "message_id", msg.ID, "error", err)
		}
		return
	}
	m.metrics.IncCounter("arbflow_dlq_records_total", 1)
}
