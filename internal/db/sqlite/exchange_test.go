package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/lukaszraczylo/proxylens/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testExchangeStore(t *testing.T) (*ExchangeStore, func()) {
	t.Helper()
	store, cleanup := testStore(t)
	return NewExchangeStore(store), cleanup
}

func testRecord(i int) *models.Record {
	now := time.Now()
	return &models.Record{
		CreatedAt:      now.Format(time.RFC3339),
		CreatedAtEpoch: now.UnixMilli(),
		Host:           "api.example.com",
		Method:         "GET",
		Path:           fmt.Sprintf("/v1/items/%d", i),
		URL:            fmt.Sprintf("https://api.example.com/v1/items/%d", i),
		RequestHeaders: models.Headers{"Accept": "application/json"},
		Status:         sql.NullInt64{Int64: 200, Valid: true},
		ResponseHeaders: models.Headers{
			"Content-Type": "application/json",
		},
		ResponseBody: []byte(fmt.Sprintf(`{"item":%d}`, i)),
		DurationMS:   sql.NullInt64{Int64: int64(10 + i), Valid: true},
	}
}

func TestExchangeStore_AppendAssignsSequentialIDs(t *testing.T) {
	exchanges, cleanup := testExchangeStore(t)
	defer cleanup()

	ctx := context.Background()
	var last int64
	for i := 0; i < 5; i++ {
		rec := testRecord(i)
		id, err := exchanges.Append(ctx, rec)
		require.NoError(t, err)
		assert.Greater(t, id, last)
		assert.Equal(t, id, rec.ID)
		last = id
	}
}

func TestExchangeStore_SnapshotOrderAndRoundTrip(t *testing.T) {
	exchanges, cleanup := testExchangeStore(t)
	defer cleanup()

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		_, err := exchanges.Append(ctx, testRecord(i))
		require.NoError(t, err)
	}

	snapshot, err := exchanges.Snapshot(ctx)
	require.NoError(t, err)
	require.Len(t, snapshot, 3)

	for i := 1; i < len(snapshot); i++ {
		assert.Greater(t, snapshot[i].ID, snapshot[i-1].ID)
	}

	first := snapshot[0]
	assert.Equal(t, "api.example.com", first.Host)
	assert.Equal(t, "GET", first.Method)
	assert.Equal(t, models.Headers{"Accept": "application/json"}, first.RequestHeaders)
	assert.Equal(t, models.Headers{"Content-Type": "application/json"}, first.ResponseHeaders)
	assert.Equal(t, []byte(`{"item":0}`), first.ResponseBody)
	require.True(t, first.Status.Valid)
	assert.Equal(t, int64(200), first.Status.Int64)
}

func TestExchangeStore_PartialRecordRoundTrip(t *testing.T) {
	exchanges, cleanup := testExchangeStore(t)
	defer cleanup()

	ctx := context.Background()
	partial := testRecord(0)
	partial.Status = sql.NullInt64{}
	partial.DurationMS = sql.NullInt64{}
	partial.ResponseHeaders = nil
	partial.ResponseBody = nil

	id, err := exchanges.Append(ctx, partial)
	require.NoError(t, err)

	got, err := exchanges.GetByID(ctx, id)
	require.NoError(t, err)
	assert.False(t, got.Status.Valid)
	assert.False(t, got.DurationMS.Valid)
	assert.Nil(t, got.ResponseHeaders)
	assert.Empty(t, got.ResponseBody)
}

func TestExchangeStore_GetByID_NotFound(t *testing.T) {
	exchanges, cleanup := testExchangeStore(t)
	defer cleanup()

	_, err := exchanges.GetByID(context.Background(), 12345)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestExchangeStore_ClearPreservesSequence(t *testing.T) {
	exchanges, cleanup := testExchangeStore(t)
	defer cleanup()

	ctx := context.Background()
	var maxID int64
	for i := 0; i < 7; i++ {
		id, err := exchanges.Append(ctx, testRecord(i))
		require.NoError(t, err)
		maxID = id
	}

	removed, err := exchanges.Clear(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(7), removed)

	snapshot, err := exchanges.Snapshot(ctx)
	require.NoError(t, err)
	assert.Empty(t, snapshot)

	// Cleared ids are gone for good
	_, err = exchanges.GetByID(ctx, maxID)
	assert.ErrorIs(t, err, ErrNotFound)

	// Clear on an empty store is idempotent
	removed, err = exchanges.Clear(ctx)
	require.NoError(t, err)
	assert.Zero(t, removed)

	// The sequence counter survives the clear
	id, err := exchanges.Append(ctx, testRecord(0))
	require.NoError(t, err)
	assert.Greater(t, id, maxID)
}

func TestExchangeStore_ConcurrentAppends(t *testing.T) {
	exchanges, cleanup := testExchangeStore(t)
	defer cleanup()

	ctx := context.Background()
	const writers = 8
	const perWriter = 10

	var wg sync.WaitGroup
	ids := make(chan int64, writers*perWriter)
	for w := 0; w < writers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < perWriter; i++ {
				id, err := exchanges.Append(ctx, testRecord(w*perWriter+i))
				assert.NoError(t, err)
				ids <- id
			}
		}(w)
	}

	// Snapshot while the burst is in flight: every visible record must be
	// fully populated.
	snapshot, err := exchanges.Snapshot(ctx)
	require.NoError(t, err)
	for _, rec := range snapshot {
		assert.NotEmpty(t, rec.URL)
		assert.NotEmpty(t, rec.Method)
	}

	wg.Wait()
	close(ids)

	seen := make(map[int64]bool)
	for id := range ids {
		assert.False(t, seen[id], "id %d issued twice", id)
		seen[id] = true
	}
	assert.Len(t, seen, writers*perWriter)

	count, err := exchanges.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(writers*perWriter), count)
}
