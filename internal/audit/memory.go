package audit

import (
	"context"
	"fmt"
	"sync"

	"llmproxy/internal/models"
)

// memoryCapacity bounds how many individual records the in-memory store
// retains. Summary counters keep counting past the bound.
const memoryCapacity = 1024

// MemoryStore keeps usage records in a bounded in-memory ring. Data is lost
// on restart; intended for development and tests.
type MemoryStore struct {
	mu      sync.RWMutex
	records []*models.UsageRecord // oldest first
	summary models.UsageSummary
}

// NewMemoryStore creates an empty in-memory audit store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

// Record stores a copy of the record and updates the running summary.
func (m *MemoryStore) Record(ctx context.Context, rec *models.UsageRecord) error {
	if err := rec.Validate(); err != nil {
		return fmt.Errorf("invalid usage record: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	recCopy := *rec
	m.records = append(m.records, &recCopy)
	if len(m.records) > memoryCapacity {
		m.records = m.records[len(m.records)-memoryCapacity:]
	}

	m.summary.Total++
	if rec.Admitted {
		m.summary.Admitted++
	} else {
		m.summary.Rejected++
	}
	m.summary.TotalTokens += rec.TotalTokens

	return nil
}

// Recent returns up to limit retained records, newest first.
func (m *MemoryStore) Recent(ctx context.Context, limit int) ([]*models.UsageRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if limit <= 0 || limit > len(m.records) {
		limit = len(m.records)
	}

	out := make([]*models.UsageRecord, 0, limit)
	for i := len(m.records) - 1; i >= len(m.records)-limit; i-- {
		recCopy := *m.records[i]
		out = append(out, &recCopy)
	}

	return out, nil
}

// Summary returns the running totals since the store was created.
func (m *MemoryStore) Summary(ctx context.Context) (*models.UsageSummary, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	summaryCopy := m.summary
	return &summaryCopy, nil
}

// Ping always succeeds for the in-memory store.
func (m *MemoryStore) Ping(ctx context.Context) error {
	return nil
}

// Close is a no-op for the in-memory store.
func (m *MemoryStore) Close() error {
	return nil
}
