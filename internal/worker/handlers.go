package worker

import (
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/goccy/go-json"
	"github.com/lukaszraczylo/proxylens/internal/db/sqlite"
	"github.com/lukaszraczylo/proxylens/internal/har"
	"github.com/lukaszraczylo/proxylens/internal/query"
	"github.com/lukaszraczylo/proxylens/pkg/models"
	"github.com/rs/zerolog/log"
)

func (s *Service) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":  "ok",
		"version": s.version,
		"uptime":  time.Since(s.startTime).String(),
	})
}

func (s *Service) handleListRequests(w http.ResponseWriter, r *http.Request) {
	args := queryArgs(r)

	filter, err := query.FilterFromArgs(args)
	if err != nil {
		writeError(w, err)
		return
	}
	page, err := query.PageFromArgs(args)
	if err != nil {
		writeError(w, err)
		return
	}

	snapshot, err := s.store.Snapshot(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}

	records := query.List(snapshot, filter, page)
	summaries := make([]*models.Summary, 0, len(records))
	for _, rec := range records {
		summaries = append(summaries, rec.Summary())
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"count":    len(summaries),
		"requests": summaries,
	})
}

func (s *Service) handleReadRequest(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		writeError(w, &query.InvalidArgumentError{Field: "id", Reason: "must be numeric"})
		return
	}

	rec, err := s.store.GetByID(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *Service) handleSearchRequests(w http.ResponseWriter, r *http.Request) {
	text := r.URL.Query().Get("q")
	if text == "" {
		writeError(w, &query.InvalidArgumentError{Field: "q", Reason: "must be a non-empty string"})
		return
	}

	snapshot, err := s.store.Snapshot(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}

	matches := query.Search(snapshot, text)
	summaries := make([]*models.Summary, 0, len(matches))
	for _, rec := range matches {
		summaries = append(summaries, rec.Summary())
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"count":   len(summaries),
		"matches": summaries,
	})
}

func (s *Service) handleStats(w http.ResponseWriter, r *http.Request) {
	snapshot, err := s.store.Snapshot(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, query.Stats(snapshot))
}

func (s *Service) handleClearRequests(w http.ResponseWriter, r *http.Request) {
	removed, err := s.store.Clear(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"removed": removed})
}

func (s *Service) handleExportHAR(w http.ResponseWriter, r *http.Request) {
	args := queryArgs(r)

	filter, err := query.FilterFromArgs(args)
	if err != nil {
		writeError(w, err)
		return
	}
	page, err := query.PageFromArgs(args)
	if err != nil {
		writeError(w, err)
		return
	}

	snapshot, err := s.store.Snapshot(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}

	records := query.List(snapshot, filter, page)
	data, err := har.Encode(records, s.version).Marshal()
	if err != nil {
		writeError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Content-Disposition", `attachment; filename="proxylens.har"`)
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}

// handleEvents is the only goroutine that writes to this connection:
// broadcasts arrive on the client's send channel and heartbeats are
// written here, so the ResponseWriter is never shared.
func (s *Service) handleEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	client := s.broadcaster.AddClient()
	defer s.broadcaster.RemoveClient(client)

	heartbeat := time.NewTicker(30 * time.Second)
	defer heartbeat.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-client.Done:
			return
		case message := <-client.Send:
			if _, err := io.WriteString(w, message); err != nil {
				return
			}
			flusher.Flush()
		case <-heartbeat.C:
			if _, err := io.WriteString(w, ": heartbeat\n\n"); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

// queryArgs lifts the request's query string into the loose argument map
// shared with the MCP tool layer. Only the first value of each key is used.
func queryArgs(r *http.Request) map[string]interface{} {
	args := make(map[string]interface{})
	for key, values := range r.URL.Query() {
		if len(values) > 0 {
			args[key] = values[0]
		}
	}
	return args
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error().Err(err).Msg("Failed to encode response")
	}
}

// writeError maps the error taxonomy onto HTTP status codes.
func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	kind := "InternalError"

	switch {
	case query.IsInvalidArgument(err):
		status, kind = http.StatusBadRequest, "InvalidArgument"
	case errors.Is(err, sqlite.ErrNotFound) || errors.Is(err, query.ErrNotFound):
		status, kind = http.StatusNotFound, "NotFound"
	case sqlite.IsUnavailable(err):
		status, kind = http.StatusServiceUnavailable, "StoreUnavailable"
	}

	writeJSON(w, status, map[string]interface{}{
		"error":   kind,
		"message": err.Error(),
	})
}
