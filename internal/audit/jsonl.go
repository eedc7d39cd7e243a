package audit

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"llmproxy/internal/models"
)

const (
	// jsonlMaxSize is the segment size that triggers rotation.
	jsonlMaxSize = 50 * 1024 * 1024 // 50 MiB

	// jsonlKeepFiles is how many rotated segments are kept next to the
	// current one.
	jsonlKeepFiles = 3
)

// JSONLStore appends one JSON object per line to a log file, rotating by
// size. Recent and Summary read the current segment only; rotated-out
// history is retained on disk but not queried.
type JSONLStore struct {
	path    string
	maxSize int64

	mu     sync.Mutex
	file   *os.File
	size   int64
	closed bool
}

// NewJSONLStore opens (or creates) the audit log at path.
func NewJSONLStore(path string) (*JSONLStore, error) {
	if path == "" {
		return nil, fmt.Errorf("path is required for the JSONL audit store")
	}

	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return nil, fmt.Errorf("creating audit log directory: %w", err)
		}
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, fmt.Errorf("opening audit log: %w", err)
	}

	var size int64
	if info, err := f.Stat(); err == nil {
		size = info.Size()
	}

	return &JSONLStore{path: path, maxSize: jsonlMaxSize, file: f, size: size}, nil
}

// Record appends the record as one JSON line.
func (j *JSONLStore) Record(ctx context.Context, rec *models.UsageRecord) error {
	if err := rec.Validate(); err != nil {
		return fmt.Errorf("invalid usage record: %w", err)
	}

	line, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encoding usage record: %w", err)
	}
	line = append(line, '\n')

	j.mu.Lock()
	defer j.mu.Unlock()

	if j.closed {
		return ErrClosed
	}

	n, err := j.file.Write(line)
	if err != nil {
		return fmt.Errorf("writing usage record: %w", err)
	}
	j.size += int64(n)

	if j.size >= j.maxSize {
		j.rotate()
	}

	return nil
}

// rotate shifts existing segments up one slot and starts a fresh file.
// Must be called with the mutex held.
func (j *JSONLStore) rotate() {
	j.file.Close()

	// .3 is dropped, .2 -> .3, .1 -> .2, current -> .1
	for i := jsonlKeepFiles; i > 0; i-- {
		target := fmt.Sprintf("%s.%d", j.path, i)
		if i == jsonlKeepFiles {
			os.Remove(target)
		}
		if i > 1 {
			os.Rename(fmt.Sprintf("%s.%d", j.path, i-1), target)
		} else {
			os.Rename(j.path, target)
		}
	}

	f, err := os.OpenFile(j.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		// Leave the store closed rather than silently dropping records.
		j.closed = true
		return
	}
	j.file = f
	j.size = 0
}

// Recent scans the current segment and returns up to limit records, newest
// first.
func (j *JSONLStore) Recent(ctx context.Context, limit int) ([]*models.UsageRecord, error) {
	records, err := j.readSegment()
	if err != nil {
		return nil, err
	}

	if limit <= 0 || limit > len(records) {
		limit = len(records)
	}

	out := make([]*models.UsageRecord, 0, limit)
	for i := len(records) - 1; i >= len(records)-limit; i-- {
		out = append(out, records[i])
	}

	return out, nil
}

// Summary aggregates the current segment.
func (j *JSONLStore) Summary(ctx context.Context) (*models.UsageSummary, error) {
	records, err := j.readSegment()
	if err != nil {
		return nil, err
	}

	summary := &models.UsageSummary{}
	for _, rec := range records {
		summary.Total++
		if rec.Admitted {
			summary.Admitted++
		} else {
			summary.Rejected++
		}
		summary.TotalTokens += rec.TotalTokens
	}

	return summary, nil
}

func (j *JSONLStore) readSegment() ([]*models.UsageRecord, error) {
	j.mu.Lock()
	defer j.mu.Unlock()

	if j.closed {
		return nil, ErrClosed
	}

	data, err := os.ReadFile(j.path)
	if err != nil {
		return nil, fmt.Errorf("reading audit log: %w", err)
	}

	var records []*models.UsageRecord
	for _, line := range bytes.Split(data, []byte("\n")) {
		if len(bytes.TrimSpace(line)) == 0 {
			continue
		}
		rec := &models.UsageRecord{}
		if err := json.Unmarshal(line, rec); err != nil {
			// A torn write at the tail is not fatal; skip the line.
			continue
		}
		records = append(records, rec)
	}

	return records, nil
}

// Ping reports whether the store can still accept writes.
func (j *JSONLStore) Ping(ctx context.Context) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	if j.closed {
		return ErrClosed
	}
	return nil
}

// Close flushes and closes the current segment.
func (j *JSONLStore) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()

	if j.closed {
		return nil
	}
	j.closed = true
	return j.file.Close()
}
