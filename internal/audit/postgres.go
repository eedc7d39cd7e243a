package audit

import (
	"context"
	"fmt"

	"llmproxy/internal/models"

	"github.com/jackc/pgx/v5/pgxpool"
)

const postgresSchema = `
CREATE TABLE IF NOT EXISTS usage_records (
	id                TEXT PRIMARY KEY,
	recorded_at       TIMESTAMPTZ NOT NULL,
	key_fingerprint   TEXT NOT NULL DEFAULT '',
	method            TEXT NOT NULL,
	path              TEXT NOT NULL,
	status            INTEGER NOT NULL,
	admitted          BOOLEAN NOT NULL,
	model             TEXT NOT NULL DEFAULT '',
	stream            BOOLEAN NOT NULL DEFAULT FALSE,
	prompt_tokens     BIGINT NOT NULL DEFAULT 0,
	completion_tokens BIGINT NOT NULL DEFAULT 0,
	total_tokens      BIGINT NOT NULL DEFAULT 0,
	duration_ms       BIGINT NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_usage_records_recorded_at ON usage_records (recorded_at);
CREATE INDEX IF NOT EXISTS idx_usage_records_key ON usage_records (key_fingerprint);
`

// PostgresStore persists usage records in PostgreSQL.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a connection pool from the config DSN and ensures
// the schema exists.
func NewPostgresStore(cfg models.AuditConfig) (*PostgresStore, error) {
	if cfg.Database.DSN == "" {
		return nil, fmt.Errorf("database DSN is required for the PostgreSQL audit store")
	}

	poolCfg, err := pgxpool.ParseConfig(cfg.Database.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to parse database DSN: %w", err)
	}

	if cfg.Database.MaxOpenConns > 0 {
		poolCfg.MaxConns = int32(cfg.Database.MaxOpenConns)
	}
	if cfg.Database.ConnMaxLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.Database.ConnMaxLifetime
	}
	if cfg.Database.ConnMaxIdleTime > 0 {
		poolCfg.MaxConnIdleTime = cfg.Database.ConnMaxIdleTime
	}

	pool, err := pgxpool.NewWithConfig(context.Background(), poolCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	if err := pool.Ping(context.Background()); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	if _, err := pool.Exec(context.Background(), postgresSchema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to create schema: %w", err)
	}

	return &PostgresStore{pool: pool}, nil
}

// Record inserts one usage record.
func (p *PostgresStore) Record(ctx context.Context, rec *models.UsageRecord) error {
	if err := rec.Validate(); err != nil {
		return fmt.Errorf("invalid usage record: %w", err)
	}

	_, err := p.pool.Exec(ctx, `
		INSERT INTO usage_records (
			id, recorded_at, key_fingerprint, method, path, status, admitted,
			model, stream, prompt_tokens, completion_tokens, total_tokens, duration_ms
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
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
func (p *PostgresStore) Recent(ctx context.Context, limit int) ([]*models.UsageRecord, error) {
	if limit <= 0 {
		limit = 100
	}

	rows, err := p.pool.Query(ctx, `
		SELECT id, recorded_at, key_fingerprint, method, path, status, admitted,
			model, stream, prompt_tokens, completion_tokens, total_tokens, duration_ms
		FROM usage_records
		ORDER BY recorded_at DESC
		LIMIT $1`, limit)
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
func (p *PostgresStore) Summary(ctx context.Context) (*models.UsageSummary, error) {
	summary := &models.UsageSummary{}

	err := p.pool.QueryRow(ctx, `
		SELECT COUNT(*),
			COUNT(*) FILTER (WHERE admitted),
			COUNT(*) FILTER (WHERE NOT admitted),
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
func (p *PostgresStore) Ping(ctx context.Context) error {
	return p.pool.Ping(ctx)
}

// Close releases the connection pool.
func (p *PostgresStore) Close() error {
	p.pool.Close()
	return nil
}
