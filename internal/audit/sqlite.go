package audit

import (
	"context"
	"database/sql"
	"fmt"

	"llmproxy/internal/models"

	_ "modernc.org/sqlite"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS usage_records (
	id                TEXT PRIMARY KEY,
	recorded_at       TIMESTAMP NOT NULL,
	key_fingerprint   TEXT NOT NULL DEFAULT '',
	method            TEXT NOT NULL,
	path              TEXT NOT NULL,
	status            INTEGER NOT NULL,
	admitted          BOOLEAN NOT NULL,
	model             TEXT NOT NULL DEFAULT '',
	stream            BOOLEAN NOT NULL DEFAULT FALSE,
	prompt_tokens     INTEGER NOT NULL DEFAULT 0,
	completion_tokens INTEGER NOT NULL DEFAULT 0,
	total_tokens      INTEGER NOT NULL DEFAULT 0,
	duration_ms       INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_usage_records_recorded_at ON usage_records (recorded_at);
CREATE INDEX IF NOT EXISTS idx_usage_records_key ON usage_records (key_fingerprint);
`

// SQLiteStore persists usage records in a local SQLite database.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens the database named by the config DSN and ensures the
// schema exists.
func NewSQLiteStore(cfg models.AuditConfig) (*SQLiteStore, error) {
	if cfg.Database.DSN == "" {
		return nil, fmt.Errorf("database DSN is required for the SQLite audit store")
	}

	db, err := sql.Open("sqlite", cfg.Database.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if cfg.Database.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.Database.MaxOpenConns)
	}
	if cfg.Database.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.Database.MaxIdleConns)
	}
	if cfg.Database.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.Database.ConnMaxLifetime)
	}
	if cfg.Database.ConnMaxIdleTime > 0 {
		db.SetConnMaxIdleTime(cfg.Database.ConnMaxIdleTime)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create schema: %w", err)
	}

	return &SQLiteStore{db: db}, nil
}

// Record inserts one usage record.
func (s *SQLiteStore) Record(ctx context.Context, rec *models.UsageRecord) error {
	if err := rec.Validate(); err != nil {
		return fmt.Errorf("invalid usage record: %w", err)
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO usage_records (
			id, recorded_at, key_fingerprint, method, path, status, admitted,
			model, stream, prompt_tokens, completion_tokens, total_tokens, duration_ms
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.Time.UTC(), rec.KeyFingerprint, rec.Method, rec.Path,
		rec.Status, rec.Admitted, rec.Model, rec.Stream,
		rec.PromptTokens, rec.CompletionTokens, rec.TotalTokens, rec.DurationMS,
	)
	if err != nil {
		return fmt.Errorf("failed to insert usage record: %w", err)
	}

	return nil
}

// Recent returns up to limit records, newest first.
func (s *SQLiteStore) Recent(ctx context.Context, limit int) ([]*models.UsageRecord, error) {
	if limit <= 0 {
		limit = 100
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, recorded_at, key_fingerprint, method, path, status, admitted,
			model, stream, prompt_tokens, completion_tokens, total_tokens, duration_ms
		FROM usage_records
		ORDER BY recorded_at DESC
		LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query usage records: %w", err)
	}
	defer rows.Close()

	var records []*models.UsageRecord
	for rows.Next() {
		rec := &models.UsageRecord{}
		if err := rows.Scan(
			&rec.ID, &rec.Time, &rec.KeyFingerprint, &rec.Method, &rec.Path,
			&rec.Status, &rec.Admitted, &rec.Model, &rec.Stream,
			&rec.PromptTokens, &rec.CompletionTokens, &rec.TotalTokens, &rec.DurationMS,
		); err != nil {
			return nil, fmt.Errorf("failed to scan usage record: %w", err)
		}
		records = append(records, rec)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read usage records: %w", err)
	}

	return records, nil
}

// Summary aggregates all stored records.
func (s *SQLiteStore) Summary(ctx context.Context) (*models.UsageSummary, error) {
	summary := &models.UsageSummary{}

	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*),
			COALESCE(SUM(CASE WHEN admitted THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN admitted THEN 0 ELSE 1 END), 0),
			COALESCE(SUM(total_tokens), 0)
		FROM usage_records`).Scan(
		&summary.Total, &summary.Admitted, &summary.Rejected, &summary.TotalTokens,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to aggregate usage records: %w", err)
	}

	return summary, nil
}

// Ping verifies the database connection.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
