package audit

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestJSONLStore(t *testing.T) *JSONLStore {
	t.Helper()

	path := filepath.Join(t.TempDir(), "audit.jsonl")
	store, err := NewJSONLStore(path)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	return store
}

func TestNewJSONLStore(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "audit.jsonl")

	store, err := NewJSONLStore(path)
	require.NoError(t, err)
	defer store.Close()

	// Parent directory and log file are created up front.
	assert.FileExists(t, path)
	assert.Equal(t, int64(0), store.size)
}

func TestNewJSONLStore_EmptyPath(t *testing.T) {
	_, err := NewJSONLStore("")
	assert.Error(t, err)
}

func TestJSONLStore_RecordAndRecent(t *testing.T) {
	store := newTestJSONLStore(t)
	ctx := context.Background()

	require.NoError(t, store.Record(ctx, testRecord("rec-1", true, 10)))
	require.NoError(t, store.Record(ctx, testRecord("rec-2", false, 0)))
	require.NoError(t, store.Record(ctx, testRecord("rec-3", true, 25)))

	records, err := store.Recent(ctx, 0)
	require.NoError(t, err)
	require.Len(t, records, 3)
	assert.Equal(t, "rec-3", records[0].ID)
	assert.Equal(t, "rec-1", records[2].ID)

	records, err = store.Recent(ctx, 2)
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, "rec-3", records[0].ID)
	assert.Equal(t, "rec-2", records[1].ID)
}

func TestJSONLStore_Summary(t *testing.T) {
	store := newTestJSONLStore(t)
	ctx := context.Background()

	require.NoError(t, store.Record(ctx, testRecord("rec-1", true, 10)))
	require.NoError(t, store.Record(ctx, testRecord("rec-2", true, 15)))
	require.NoError(t, store.Record(ctx, testRecord("rec-3", false, 0)))

	summary, err := store.Summary(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(3), summary.Total)
	assert.Equal(t, int64(2), summary.Admitted)
	assert.Equal(t, int64(1), summary.Rejected)
	assert.Equal(t, int64(25), summary.TotalTokens)
}

func TestJSONLStore_SkipsTornLines(t *testing.T) {
	store := newTestJSONLStore(t)
	ctx := context.Background()

	require.NoError(t, store.Record(ctx, testRecord("rec-1", true, 10)))

	// Simulate a torn write in the middle of the file.
	f, err := os.OpenFile(store.path, os.O_APPEND|os.O_WRONLY, 0o600)
	require.NoError(t, err)
	_, err = f.WriteString("{\"id\":\"torn\n")
	require.NoError(t, err)
	require.NoError(t, f.Close())

	require.NoError(t, store.Record(ctx, testRecord("rec-2", true, 5)))

	records, err := store.Recent(ctx, 0)
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, "rec-2", records[0].ID)
	assert.Equal(t, "rec-1", records[1].ID)
}

func TestJSONLStore_Rotation(t *testing.T) {
	store := newTestJSONLStore(t)
	ctx := context.Background()

	// Force a rotation on every write.
	store.maxSize = 1

	for i := 0; i < 4; i++ {
		require.NoError(t, store.Record(ctx, testRecord("rec", true, 1)))
	}

	assert.FileExists(t, store.path+".1")
	assert.FileExists(t, store.path+".2")
	assert.FileExists(t, store.path+".3")
	assert.NoFileExists(t, store.path+".4")

	// Everything rotated out of the current segment.
	records, err := store.Recent(ctx, 0)
	require.NoError(t, err)
	assert.Empty(t, records)

	// A fresh segment accepts writes normally.
	store.maxSize = jsonlMaxSize
	require.NoError(t, store.Record(ctx, testRecord("rec-current", true, 1)))

	records, err = store.Recent(ctx, 0)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, "rec-current", records[0].ID)
}

func TestJSONLStore_Closed(t *testing.T) {
	store := newTestJSONLStore(t)
	ctx := context.Background()

	require.NoError(t, store.Close())

	err := store.Record(ctx, testRecord("rec-1", true, 0))
	assert.True(t, errors.Is(err, ErrClosed))

	assert.True(t, errors.Is(store.Ping(ctx), ErrClosed))

	// Closing twice is harmless.
	assert.NoError(t, store.Close())
}
