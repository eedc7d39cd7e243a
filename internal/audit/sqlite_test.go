package audit

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"llmproxy/internal/models"
)

func newTestSQLiteStore(t *testing.T) *SQLiteStore {
	t.Helper()

	cfg := models.AuditConfig{
		Type: models.AuditTypeSQLite,
		Database: models.DatabaseConfig{
			DSN: filepath.Join(t.TempDir(), "audit.db"),
		},
	}

	store, err := NewSQLiteStore(cfg)
	if err != nil {
		t.Fatalf("Failed to create SQLite store: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	return store
}

func TestSQLiteStore(t *testing.T) {
	store := newTestSQLiteStore(t)
	ctx := context.Background()

	t.Run("Record And Recent", func(t *testing.T) {
		base := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)
		for i := 1; i <= 3; i++ {
			rec := testRecord(fmt.Sprintf("rec-%d", i), i != 2, int64(i*10))
			rec.Time = base.Add(time.Duration(i) * time.Second)
			if err := store.Record(ctx, rec); err != nil {
				t.Fatalf("Record failed: %v", err)
			}
		}

		records, err := store.Recent(ctx, 10)
		if err != nil {
			t.Fatalf("Recent failed: %v", err)
		}
		if len(records) != 3 {
			t.Fatalf("Expected 3 records, got %d", len(records))
		}
		if records[0].ID != "rec-3" {
			t.Errorf("Expected newest record first, got %s", records[0].ID)
		}
		if records[2].ID != "rec-1" {
			t.Errorf("Expected oldest record last, got %s", records[2].ID)
		}
		if records[0].Method != "POST" || records[0].Path != "/v1/chat/completions" {
			t.Errorf("Record fields not preserved: %+v", records[0])
		}
		if records[1].Admitted {
			t.Error("Expected rec-2 to be recorded as rejected")
		}

		records, err = store.Recent(ctx, 2)
		if err != nil {
			t.Fatalf("Recent with limit failed: %v", err)
		}
		if len(records) != 2 {
			t.Errorf("Expected 2 records with limit, got %d", len(records))
		}
	})

	t.Run("Summary", func(t *testing.T) {
		summary, err := store.Summary(ctx)
		if err != nil {
			t.Fatalf("Summary failed: %v", err)
		}
		if summary.Total != 3 {
			t.Errorf("Expected total 3, got %d", summary.Total)
		}
		if summary.Admitted != 2 {
			t.Errorf("Expected 2 admitted, got %d", summary.Admitted)
		}
		if summary.Rejected != 1 {
			t.Errorf("Expected 1 rejected, got %d", summary.Rejected)
		}
		if summary.TotalTokens != 60 {
			t.Errorf("Expected 60 total tokens, got %d", summary.TotalTokens)
		}
	})

	t.Run("Ping", func(t *testing.T) {
		if err := store.Ping(ctx); err != nil {
			t.Errorf("Ping failed: %v", err)
		}
	})

	t.Run("Rejects Invalid Records", func(t *testing.T) {
		err := store.Record(ctx, &models.UsageRecord{ID: "no-method"})
		if err == nil {
			t.Error("Expected error for invalid record")
		}
	})
}

func TestSQLiteStoreErrors(t *testing.T) {
	t.Run("Missing DSN", func(t *testing.T) {
		_, err := NewSQLiteStore(models.AuditConfig{Type: models.AuditTypeSQLite})
		if err == nil {
			t.Error("Expected error with empty DSN")
		}
	})

	t.Run("Database Creation", func(t *testing.T) {
		dbPath := filepath.Join(t.TempDir(), "audit.db")
		cfg := models.AuditConfig{
			Type:     models.AuditTypeSQLite,
			Database: models.DatabaseConfig{DSN: dbPath},
		}

		store, err := NewSQLiteStore(cfg)
		if err != nil {
			t.Fatalf("SQLite should create the database file: %v", err)
		}
		store.Close()

		if _, err := os.Stat(dbPath); os.IsNotExist(err) {
			t.Error("Database file should have been created")
		}
	})
}
