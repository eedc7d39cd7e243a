// Package audit persists usage records for proxied requests across several
// interchangeable backends.
package audit

import (
	"context"

	"llmproxy/internal/models"
)

// Store is the persistence interface for usage accounting. Implementations
// exist for memory, append-only JSONL files, SQLite, PostgreSQL, and Redis.
// Recording is best-effort at the call sites; a failed write is logged and
// never fails the request that produced it.
type Store interface {
	// Record persists a single usage record.
	Record(ctx context.Context, rec *models.UsageRecord) error

	// Recent returns up to limit records, newest first.
	Recent(ctx context.Context, limit int) ([]*models.UsageRecord, error)

	// Summary aggregates all recorded decisions.
	Summary(ctx context.Context) (*models.UsageSummary, error)

	// Ping verifies the backend is reachable.
	Ping(ctx context.Context) error

	// Close flushes buffers and releases backend resources.
	Close() error
}
