package audit

import (
	"fmt"

	"llmproxy/internal/models"
)

// NewStore instantiates the audit backend named by the configuration.
// Supported backends:
//   - memory: bounded in-memory ring (development, tests)
//   - jsonl: append-only JSONL file with size-based rotation
//   - sqlite: embedded database, no external service required
//   - postgres: shared database for multi-instance deployments
//   - redis: counters and a capped recent list in Redis
func NewStore(cfg models.AuditConfig) (Store, error) {
	switch cfg.Type {
	case models.AuditTypeMemory:
		return NewMemoryStore(), nil
	case models.AuditTypeJSONL:
		return NewJSONLStore(cfg.Path)
	case models.AuditTypeSQLite:
		return NewSQLiteStore(cfg)
	case models.AuditTypePostgres:
		return NewPostgresStore(cfg)
	case models.AuditTypeRedis:
		return NewRedisStore(cfg)
	default:
		return nil, fmt.Errorf("unsupported audit store type: %s", cfg.Type)
	}
}

// SupportedTypes lists every backend NewStore accepts.
func SupportedTypes() []string {
	return []string{
		models.AuditTypeMemory,
		models.AuditTypeJSONL,
		models.AuditTypeSQLite,
		models.AuditTypePostgres,
		models.AuditTypeRedis,
	}
}
