package worker

import (
	"bufio"
	"context"
	"database/sql"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/lukaszraczylo/proxylens/internal/db/sqlite"
	"github.com/lukaszraczylo/proxylens/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testService(t *testing.T) (*Service, *sqlite.ExchangeStore) {
	t.Helper()

	store, err := sqlite.NewStore(sqlite.StoreConfig{
		Path:    filepath.Join(t.TempDir(), "test.db"),
		WALMode: true,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	exchanges := sqlite.NewExchangeStore(store)
	return NewService(exchanges, "test"), exchanges
}

func seedRecords(t *testing.T, exchanges *sqlite.ExchangeStore, n int) {
	t.Helper()
	ctx := context.Background()
	for i := 1; i <= n; i++ {
		method := "GET"
		if i%2 == 0 {
			method = "POST"
		}
		rec := &models.Record{
			CreatedAt:      "2026-08-29T10:00:00Z",
			CreatedAtEpoch: 1787565600000,
			Host:           "api.example.com",
			Method:         method,
			Path:           fmt.Sprintf("/v1/items/%d", i),
			URL:            fmt.Sprintf("https://api.example.com/v1/items/%d", i),
			Status:         sql.NullInt64{Int64: 200, Valid: true},
			ResponseBody:   []byte(fmt.Sprintf(`{"item":%d}`, i)),
			DurationMS:     sql.NullInt64{Int64: int64(i * 10), Valid: true},
		}
		_, err := exchanges.Append(ctx, rec)
		require.NoError(t, err)
	}
}

func doRequest(t *testing.T, svc *Service, method, target string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	svc.Router().ServeHTTP(rec, httptest.NewRequest(method, target, nil))
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder, v interface{}) {
	t.Helper()
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), v))
}

func TestHandleHealth(t *testing.T) {
	svc, _ := testService(t)

	rec := doRequest(t, svc, http.MethodGet, "/healthz")
	assert.Equal(t, http.StatusOK, rec.Code)

	var body map[string]interface{}
	decodeBody(t, rec, &body)
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, "test", body["version"])
}

func TestHandleListRequests(t *testing.T) {
	svc, exchanges := testService(t)
	seedRecords(t, exchanges, 5)

	var payload struct {
		Requests []models.Summary `json:"requests"`
		Count    int              `json:"count"`
	}

	rec := doRequest(t, svc, http.MethodGet, "/api/requests")
	assert.Equal(t, http.StatusOK, rec.Code)
	decodeBody(t, rec, &payload)
	assert.Equal(t, 5, payload.Count)

	rec = doRequest(t, svc, http.MethodGet, "/api/requests?method=POST&limit=1&offset=1")
	assert.Equal(t, http.StatusOK, rec.Code)
	decodeBody(t, rec, &payload)
	require.Len(t, payload.Requests, 1)
	assert.Equal(t, "/v1/items/4", payload.Requests[0].Path)

	// Status range filters work through the query string
	rec = doRequest(t, svc, http.MethodGet, "/api/requests?status=400-499")
	assert.Equal(t, http.StatusOK, rec.Code)
	decodeBody(t, rec, &payload)
	assert.Zero(t, payload.Count)
}

func TestHandleListRequests_BadFilter(t *testing.T) {
	svc, _ := testService(t)

	rec := doRequest(t, svc, http.MethodGet, "/api/requests?verb=GET")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	var body map[string]interface{}
	decodeBody(t, rec, &body)
	assert.Equal(t, "InvalidArgument", body["error"])
}

func TestHandleReadRequest(t *testing.T) {
	svc, exchanges := testService(t)
	seedRecords(t, exchanges, 2)

	rec := doRequest(t, svc, http.MethodGet, "/api/requests/1")
	assert.Equal(t, http.StatusOK, rec.Code)

	var got models.RecordJSON
	decodeBody(t, rec, &got)
	assert.Equal(t, int64(1), got.ID)
	assert.Equal(t, "https://api.example.com/v1/items/1", got.URL)

	rec = doRequest(t, svc, http.MethodGet, "/api/requests/999")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = doRequest(t, svc, http.MethodGet, "/api/requests/abc")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandleSearchRequests(t *testing.T) {
	svc, exchanges := testService(t)
	seedRecords(t, exchanges, 3)

	var payload struct {
		Matches []models.Summary `json:"matches"`
		Count   int              `json:"count"`
	}

	rec := doRequest(t, svc, http.MethodGet, "/api/search?q=items%2F2")
	assert.Equal(t, http.StatusOK, rec.Code)
	decodeBody(t, rec, &payload)
	assert.Equal(t, 1, payload.Count)

	rec = doRequest(t, svc, http.MethodGet, "/api/search")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandleStats(t *testing.T) {
	svc, exchanges := testService(t)
	seedRecords(t, exchanges, 4)

	rec := doRequest(t, svc, http.MethodGet, "/api/stats")
	assert.Equal(t, http.StatusOK, rec.Code)

	var stats models.Stats
	decodeBody(t, rec, &stats)
	assert.Equal(t, int64(4), stats.Total)
	assert.Equal(t, int64(4), stats.ByStatusClass[models.StatusClass2xx])
}

func TestHandleClearRequests(t *testing.T) {
	svc, exchanges := testService(t)
	seedRecords(t, exchanges, 3)

	rec := doRequest(t, svc, http.MethodDelete, "/api/requests")
	assert.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		Removed int64 `json:"removed"`
	}
	decodeBody(t, rec, &body)
	assert.Equal(t, int64(3), body.Removed)

	count, err := exchanges.Count(context.Background())
	require.NoError(t, err)
	assert.Zero(t, count)
}

func TestHandleEvents_StreamsStoreChanges(t *testing.T) {
	svc, exchanges := testService(t)
	seedRecords(t, exchanges, 2)

	server := httptest.NewServer(svc.Router())
	defer server.Close()

	resp, err := http.Get(server.URL + "/events")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	deadline := time.Now().Add(5 * time.Second)
	for svc.broadcaster.ClientCount() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("SSE client never registered")
		}
		time.Sleep(10 * time.Millisecond)
	}

	svc.NotifyStoreChanged()

	// One frame: event line, data line, blank terminator
	reader := bufio.NewReader(resp.Body)
	var frame []string
	for {
		line, err := reader.ReadString('\n')
		require.NoError(t, err)
		if line == "\n" {
			break
		}
		frame = append(frame, strings.TrimRight(line, "\n"))
	}
	require.Len(t, frame, 2)
	assert.Equal(t, "event: store", frame[0])
	assert.Contains(t, frame[1], `"total":2`)
}

func TestHandleExportHAR(t *testing.T) {
	svc, exchanges := testService(t)
	seedRecords(t, exchanges, 3)

	rec := doRequest(t, svc, http.MethodGet, "/api/export/har?method=GET")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Header().Get("Content-Disposition"), "proxylens.har")

	var doc struct {
		Log struct {
			Version string                   `json:"version"`
			Entries []map[string]interface{} `json:"entries"`
		} `json:"log"`
	}
	decodeBody(t, rec, &doc)
	assert.Equal(t, "1.2", doc.Log.Version)
	assert.Len(t, doc.Log.Entries, 2)

	// Pagination applies to the export
	rec = doRequest(t, svc, http.MethodGet, "/api/export/har?limit=1")
	assert.Equal(t, http.StatusOK, rec.Code)
	decodeBody(t, rec, &doc)
	assert.Len(t, doc.Log.Entries, 1)

	// Invalid pagination is rejected, not ignored
	rec = doRequest(t, svc, http.MethodGet, "/api/export/har?limit=-1")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}
