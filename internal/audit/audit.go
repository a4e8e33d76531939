// Package audit maintains the append-only tool invocation trail. The
// trail lives outside the workspace root so the file tools it audits can
// neither read nor rewrite it.
package audit

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// Record is one tool invocation. Written exactly once, never mutated.
type Record struct {
	Timestamp  time.Time       `json:"ts"`
	Tool       string          `json:"tool"`
	Args       json.RawMessage `json:"args"`
	ResultLen  int             `json:"result_length"`
	DurationMS int64           `json:"duration_ms"`
	IsError    bool            `json:"is_error"`
}

// Trail appends records to dated JSONL files (audit/YYYY-MM-DD.jsonl).
// Appends are synchronous: a record is durable before the tool result is
// considered delivered.
type Trail struct {
	dir string
	mu  sync.Mutex
}

// New creates a trail writing under dir.
func New(dir string) *Trail {
	return &Trail{dir: dir}
}

// Append writes one record to today's file.
func (t *Trail) Append(rec Record) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if err := os.MkdirAll(t.dir, 0o755); err != nil {
		return fmt.Errorf("audit: create dir: %w", err)
	}

	path := filepath.Join(t.dir, rec.Timestamp.UTC().Format("2006-01-02")+".jsonl")
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("audit: open: %w", err)
	}
	defer f.Close()

	line, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("audit: encode: %w", err)
	}
	if _, err := f.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("audit: write: %w", err)
	}
	return nil
}

// Read returns the records for one day, for external inspection.
func (t *Trail) Read(day time.Time) ([]Record, error) {
	path := filepath.Join(t.dir, day.UTC().Format("2006-01-02")+".jsonl")
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("audit: open: %w", err)
	}
	defer f.Close()

	var records []Record
	dec := json.NewDecoder(f)
	for dec.More() {
		var rec Record
		if err := dec.Decode(&rec); err != nil {
			return records, fmt.Errorf("audit: decode: %w", err)
		}
		records = append(records, rec)
	}
	return records, nil
}
