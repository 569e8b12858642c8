package capture

import (
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/lukaszraczylo/proxylens/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeAppender records appended exchanges in memory.
type fakeAppender struct {
	mu      sync.Mutex
	records []*models.Record
	nextID  int64
	err     error
}

func (f *fakeAppender) Append(_ context.Context, rec *models.Record) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return 0, f.err
	}
	f.nextID++
	rec.ID = f.nextID
	f.records = append(f.records, rec)
	return f.nextID, nil
}

func (f *fakeAppender) all() []*models.Record {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*models.Record(nil), f.records...)
}

type skipAll struct{}

func (skipAll) Match(string) bool { return true }

// bodyOf builds a filled capture buffer, as if the body had streamed.
func bodyOf(data string) *BodyBuffer {
	buf := NewBodyBuffer(0)
	_, _ = buf.Write([]byte(data))
	return buf
}

func TestHook_RequestResponseMerge(t *testing.T) {
	store := &fakeAppender{}
	hook := NewHook(store, nil, DefaultConfig())

	hook.RequestObserved("flow-1", "POST", "https://api.example.com/v1/orders",
		models.Headers{"Content-Type": "application/json"}, bodyOf(`{"sku":"A1"}`))
	assert.Equal(t, 1, hook.PendingCount())

	hook.ResponseObserved("flow-1", 201,
		models.Headers{"Content-Type": "application/json"}, bodyOf(`{"order":1}`), 150*time.Millisecond)
	assert.Zero(t, hook.PendingCount())

	records := store.all()
	require.Len(t, records, 1)
	rec := records[0]
	assert.Equal(t, "POST", rec.Method)
	assert.Equal(t, "api.example.com", rec.Host)
	assert.Equal(t, "/v1/orders", rec.Path)
	assert.Equal(t, []byte(`{"sku":"A1"}`), rec.RequestBody)
	assert.Equal(t, []byte(`{"order":1}`), rec.ResponseBody)
	require.True(t, rec.Status.Valid)
	assert.Equal(t, int64(201), rec.Status.Int64)
	require.True(t, rec.DurationMS.Valid)
	assert.Equal(t, int64(150), rec.DurationMS.Int64)
}

// Mirrors the proxy wiring: bodies stream through tee readers and the
// response is recorded only when its body completes, with both captured
// bodies intact.
func TestHook_StreamedBodiesCaptured(t *testing.T) {
	store := &fakeAppender{}
	hook := NewHook(store, nil, DefaultConfig())

	reqBody, reqBuf := hook.TeeBody(io.NopCloser(strings.NewReader(`{"sku":"A1"}`)))
	hook.RequestObserved("flow-1", "POST", "https://api.example.com/v1/orders", nil, reqBuf)

	// Nothing has streamed yet; the stash holds an empty buffer
	assert.Empty(t, reqBuf.Bytes())

	// Upstream consumes the request body
	sent, err := io.ReadAll(reqBody)
	require.NoError(t, err)
	assert.Equal(t, `{"sku":"A1"}`, string(sent))

	respBody, respBuf := hook.TeeBody(io.NopCloser(strings.NewReader(`{"order":1}`)))
	respBody = OnBodyDone(respBody, func() {
		hook.ResponseObserved("flow-1", 201, nil, respBuf, 50*time.Millisecond)
	})

	// Not recorded until the client has read the response
	assert.Empty(t, store.all())

	received, err := io.ReadAll(respBody)
	require.NoError(t, err)
	assert.Equal(t, `{"order":1}`, string(received))

	records := store.all()
	require.Len(t, records, 1)
	assert.Equal(t, []byte(`{"sku":"A1"}`), records[0].RequestBody)
	assert.Equal(t, []byte(`{"order":1}`), records[0].ResponseBody)
}

func TestTeeBody_StreamsWhileCapping(t *testing.T) {
	hook := NewHook(&fakeAppender{}, nil,
		Config{MaxPending: 16, PendingTTL: time.Minute, MaxBodyBytes: 4})

	body, buf := hook.TeeBody(io.NopCloser(strings.NewReader("0123456789")))
	data, err := io.ReadAll(body)
	require.NoError(t, err)

	// The stream passes through in full; capture keeps only the capped prefix
	assert.Equal(t, "0123456789", string(data))
	assert.Equal(t, []byte("0123"), buf.Bytes())
	require.NoError(t, body.Close())
}

func TestTeeBody_NilBody(t *testing.T) {
	hook := NewHook(&fakeAppender{}, nil, DefaultConfig())

	body, buf := hook.TeeBody(nil)
	assert.Nil(t, body)
	require.NotNil(t, buf)
	assert.Empty(t, buf.Bytes())
}

func TestOnBodyDone(t *testing.T) {
	calls := 0
	body := OnBodyDone(io.NopCloser(strings.NewReader("ab")), func() { calls++ })

	p := make([]byte, 1)
	_, err := body.Read(p)
	require.NoError(t, err)
	assert.Zero(t, calls)

	_, _ = body.Read(p)
	_, err = body.Read(p)
	assert.ErrorIs(t, err, io.EOF)
	assert.Equal(t, 1, calls)

	// Close after EOF does not fire again
	require.NoError(t, body.Close())
	assert.Equal(t, 1, calls)
}

func TestOnBodyDone_FiresOnEarlyClose(t *testing.T) {
	calls := 0
	body := OnBodyDone(io.NopCloser(strings.NewReader("abcdef")), func() { calls++ })

	require.NoError(t, body.Close())
	assert.Equal(t, 1, calls)
}

func TestHook_FailureFlushesPartial(t *testing.T) {
	store := &fakeAppender{}
	hook := NewHook(store, nil, DefaultConfig())

	hook.RequestObserved("flow-1", "GET", "https://api.example.com/v1/slow", nil, nil)
	hook.ExchangeFailed("flow-1")
	assert.Zero(t, hook.PendingCount())

	records := store.all()
	require.Len(t, records, 1)
	assert.Equal(t, "GET", records[0].Method)
	assert.False(t, records[0].Status.Valid)
	assert.False(t, records[0].DurationMS.Valid)

	// Failure with no stashed request is a no-op
	hook.ExchangeFailed("flow-unknown")
	assert.Len(t, store.all(), 1)
}

func TestHook_OrphanResponseRecorded(t *testing.T) {
	store := &fakeAppender{}
	hook := NewHook(store, nil, DefaultConfig())

	hook.ResponseObserved("never-seen", 502, models.Headers{"Server": "upstream"}, nil, time.Second)

	records := store.all()
	require.Len(t, records, 1)
	assert.Equal(t, "UNKNOWN", records[0].Method)
	assert.Empty(t, records[0].URL)
	require.True(t, records[0].Status.Valid)
	assert.Equal(t, int64(502), records[0].Status.Int64)
}

func TestHook_SkipListSuppressesCapture(t *testing.T) {
	store := &fakeAppender{}
	hook := NewHook(store, skipAll{}, DefaultConfig())

	hook.RequestObserved("flow-1", "POST", "https://login.example.com/token", nil, bodyOf("secret"))
	assert.Zero(t, hook.PendingCount())

	// The response for a skipped flow finds no stash; it is recorded as an
	// orphan, without any request data.
	hook.ResponseObserved("flow-1", 200, nil, nil, time.Millisecond)
	records := store.all()
	require.Len(t, records, 1)
	assert.Empty(t, records[0].RequestBody)
	assert.Equal(t, "UNKNOWN", records[0].Method)
}

func TestHook_EvictionFlushesOldest(t *testing.T) {
	store := &fakeAppender{}
	hook := NewHook(store, nil, Config{MaxPending: 2, PendingTTL: time.Minute})

	hook.RequestObserved("flow-1", "GET", "https://a.example.com/1", nil, nil)
	hook.RequestObserved("flow-2", "GET", "https://a.example.com/2", nil, nil)
	hook.RequestObserved("flow-3", "GET", "https://a.example.com/3", nil, nil)

	assert.Equal(t, 2, hook.PendingCount())
	records := store.all()
	require.Len(t, records, 1)
	assert.Equal(t, "https://a.example.com/1", records[0].URL)
	assert.False(t, records[0].Status.Valid)

	// Re-stashing an existing flow key does not evict
	hook.RequestObserved("flow-3", "GET", "https://a.example.com/3b", nil, nil)
	assert.Equal(t, 2, hook.PendingCount())
	assert.Len(t, store.all(), 1)
}

func TestHook_SweepFlushesExpired(t *testing.T) {
	store := &fakeAppender{}
	hook := NewHook(store, nil, Config{MaxPending: 16, PendingTTL: time.Minute})

	hook.RequestObserved("flow-old", "GET", "https://a.example.com/old", nil, nil)
	hook.RequestObserved("flow-new", "GET", "https://a.example.com/new", nil, nil)

	// Nothing expires yet
	hook.Sweep(time.Now())
	assert.Equal(t, 2, hook.PendingCount())
	assert.Empty(t, store.all())

	// Everything stashed before now+TTL expires
	hook.Sweep(time.Now().Add(2 * time.Minute))
	assert.Zero(t, hook.PendingCount())
	records := store.all()
	require.Len(t, records, 2)
	for _, rec := range records {
		assert.False(t, rec.Status.Valid)
	}
}

func TestHook_EmptyFlowKeyStillCaptured(t *testing.T) {
	store := &fakeAppender{}
	hook := NewHook(store, nil, DefaultConfig())

	hook.RequestObserved("", "GET", "https://a.example.com/1", nil, nil)
	hook.RequestObserved("", "GET", "https://a.example.com/2", nil, nil)

	// Each empty key gets its own synthetic flow key
	assert.Equal(t, 2, hook.PendingCount())
}

func TestHook_StoreFailureDoesNotPanic(t *testing.T) {
	store := &fakeAppender{err: errors.New("disk full")}
	hook := NewHook(store, nil, DefaultConfig())

	hook.RequestObserved("flow-1", "GET", "https://a.example.com/1", nil, nil)
	assert.NotPanics(t, func() {
		hook.ResponseObserved("flow-1", 200, nil, nil, time.Millisecond)
	})
	assert.Empty(t, store.all())
}

func TestHook_RunStopsOnContextCancel(t *testing.T) {
	store := &fakeAppender{}
	hook := NewHook(store, nil, DefaultConfig())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- hook.Run(ctx) }()

	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not stop after cancel")
	}
}
