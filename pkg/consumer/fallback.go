package consumer

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/arbflow/arbflow/pkg/domain"
)

// FallbackWriter appends dead-letter records to a local JSONL file when the
// DLQ stream itself is unreachable. One file per day, bounded; once the bound
// is hit further records for that day are dropped.
type FallbackWriter struct {
	dir      string
	maxBytes int64
	clock    domain.Clock

	mu sync.Mutex
}

func NewFallbackWriter(dir string, maxBytes int64, clock domain.Clock) *FallbackWriter {
	if clock == nil {
		clock = domain.SystemClock()
	}
	return &FallbackWriter{dir: dir, maxBytes: maxBytes, clock: clock}
}

// Append writes one record as a JSON line. Returns an error when the daily
// size bound is reached or the write fails; callers log and move on.
func (w *FallbackWriter) Append(record DLQRecord) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if err := os.MkdirAll(w.dir, 0o755); err != nil {
		return fmt.Errorf("create fallback dir: %w", err)
	}

	path := w.currentPath()
	if info, err := os.Stat(path); err == nil && info.Size() >= w.maxBytes {
		return fmt.Errorf("fallback file %s reached %d bytes, dropping record", path, w.maxBytes)
	}

	line, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("marshal fallback record: %w", err)
	}

	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open fallback file: %w", err)
	}
	defer f.Close()

	if _, err := f.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("append fallback record: %w", err)
	}
	return nil
}

func (w *FallbackWriter) currentPath() string {
	day := w.clock.Now().UTC().Format("2006-01-02")
	return filepath.Join(w.dir, fmt.Sprintf("dlq-fallback-%s.jsonl", day))
}
