package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"llmproxy/internal/models"

	"github.com/redis/go-redis/v9"
)

const (
	redisSummaryKey = "llmproxy:audit:summary"
	redisRecentKey  = "llmproxy:audit:recent"

	// redisRecentMax caps the recent-records list.
	redisRecentMax = 1000
)

// RedisStore keeps a running summary hash and a capped list of recent
// records in Redis.
type RedisStore struct {
	rdb *redis.Client
}

// NewRedisStore connects to Redis using the config and verifies the
// connection.
func NewRedisStore(cfg models.AuditConfig) (*RedisStore, error) {
	if cfg.Redis.Addr == "" {
		return nil, fmt.Errorf("redis address is required for the Redis audit store")
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
		PoolSize: cfg.Redis.PoolSize,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("failed to ping redis: %w", err)
	}

	return &RedisStore{rdb: rdb}, nil
}

// Record updates the summary counters and pushes the record onto the recent
// list in one pipelined round trip.
func (r *RedisStore) Record(ctx context.Context, rec *models.UsageRecord) error {
	if err := rec.Validate(); err != nil {
		return fmt.Errorf("invalid usage record: %w", err)
	}

	line, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encoding usage record: %w", err)
	}

	field := "rejected"
	if rec.Admitted {
		field = "admitted"
	}

	pipe := r.rdb.Pipeline()
	pipe.HIncrBy(ctx, redisSummaryKey, "total", 1)
	pipe.HIncrBy(ctx, redisSummaryKey, field, 1)
	if rec.TotalTokens > 0 {
		pipe.HIncrBy(ctx, redisSummaryKey, "total_tokens", rec.TotalTokens)
	}
	pipe.LPush(ctx, redisRecentKey, line)
	pipe.LTrim(ctx, redisRecentKey, 0, redisRecentMax-1)

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to record usage: %w", err)
	}

	return nil
}

// Recent returns up to limit records, newest first.
func (r *RedisStore) Recent(ctx context.Context, limit int) ([]*models.UsageRecord, error) {
	if limit <= 0 || limit > redisRecentMax {
		limit = redisRecentMax
	}

	lines, err := r.rdb.LRange(ctx, redisRecentKey, 0, int64(limit-1)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read recent records: %w", err)
	}

	records := make([]*models.UsageRecord, 0, len(lines))
	for _, line := range lines {
		rec := &models.UsageRecord{}
		if err := json.Unmarshal([]byte(line), rec); err != nil {
			continue
		}
		records = append(records, rec)
	}

	return records, nil
}

// Summary reads the running counters.
func (r *RedisStore) Summary(ctx context.Context) (*models.UsageSummary, error) {
	fields, err := r.rdb.HGetAll(ctx, redisSummaryKey).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read summary: %w", err)
	}

	parse := func(name string) int64 {
		v, _ := strconv.ParseInt(fields[name], 10, 64)
		return v
	}

	return &models.UsageSummary{
		Total:       parse("total"),
		Admitted:    parse("admitted"),
		Rejected:    parse("rejected"),
		TotalTokens: parse("total_tokens"),
	}, nil
}

// Ping verifies the Redis connection.
func (r *RedisStore) Ping(ctx context.Context) error {
	return r.rdb.Ping(ctx).Err()
}

// Close closes the Redis client.
func (r *RedisStore) Close() error {
	return r.rdb.Close()
}
