package audit

import (
	"context"
	"fmt"
	"os"
	"testing"

	"llmproxy/internal/models"
)

func newTestRedisStore(t *testing.T) *RedisStore {
	t.Helper()

	addr := os.Getenv("REDIS_TEST_ADDR")
	if addr == "" {
		t.Skip("REDIS_TEST_ADDR not set, skipping Redis tests")
	}

	cfg := models.AuditConfig{
		Type:  models.AuditTypeRedis,
		Redis: models.RedisConfig{Addr: addr},
	}

	store, err := NewRedisStore(cfg)
	if err != nil {
		t.Fatalf("Failed to create redis store: %v", err)
	}
	t.Cleanup(func() {
		store.rdb.Del(context.Background(), redisSummaryKey, redisRecentKey)
		store.Close()
	})

	return store
}

func TestRedisStoreMissingAddr(t *testing.T) {
	_, err := NewRedisStore(models.AuditConfig{Type: models.AuditTypeRedis})
	if err == nil {
		t.Error("Expected error with empty address")
	}
}

func TestRedisStoreRoundTrip(t *testing.T) {
	store := newTestRedisStore(t)
	ctx := context.Background()

	for i := 1; i <= 3; i++ {
		if err := store.Record(ctx, testRecord(fmt.Sprintf("rdtest-%d", i), i != 2, int64(i*10))); err != nil {
			t.Fatalf("Record failed: %v", err)
		}
	}

	records, err := store.Recent(ctx, 3)
	if err != nil {
		t.Fatalf("Recent failed: %v", err)
	}
	if len(records) != 3 {
		t.Fatalf("Expected 3 records, got %d", len(records))
	}
	if records[0].ID != "rdtest-3" {
		t.Errorf("Expected newest record first, got %s", records[0].ID)
	}

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
	if summary.TotalTokens != 60 {
		t.Errorf("Expected 60 total tokens, got %d", summary.TotalTokens)
	}

	if err := store.Ping(ctx); err != nil {
		t.Errorf("Ping failed: %v", err)
	}
}
