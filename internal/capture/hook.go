// Package capture bridges the proxy engine's lifecycle callbacks and the
// exchange store.
package capture

import (
	"context"
	"database/sql"
	"net/url"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/lukaszraczylo/proxylens/pkg/models"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Appender is the single store dependency of the hook.
type Appender interface {
	Append(ctx context.Context, rec *models.Record) (int64, error)
}

// HostMatcher decides which hosts are never captured.
type HostMatcher interface {
	Match(host string) bool
}

// Config bounds the in-flight stash and body sizes.
type Config struct {
	// MaxPending caps concurrently stashed exchanges. When full, the
	// oldest entry is flushed as a partial record to make room.
	MaxPending int
	// PendingTTL flushes exchanges that never see a response.
	PendingTTL time.Duration
	// MaxBodyBytes bounds how much of each streamed body is retained.
	// Zero means unlimited.
	MaxBodyBytes int
}

// DefaultConfig returns the conservative stash defaults.
func DefaultConfig() Config {
	return Config{
		MaxPending:   4096,
		PendingTTL:   2 * time.Minute,
		MaxBodyBytes: 1 << 20,
	}
}

// pendingExchange holds the request side of an in-flight exchange, keyed
// by the engine's flow key until the response arrives.
type pendingExchange struct {
	startedAt time.Time
	method    string
	url       string
	host      string
	path      string
	headers   models.Headers
	body      *BodyBuffer
}

// Hook receives the proxy engine's request/response/failure callbacks and
// appends completed exchanges to the store. Every entry point is
// best-effort: store failures are logged and swallowed so capture can
// never break the proxied request.
type Hook struct {
	store   Appender
	skip    HostMatcher
	pending map[string]*pendingExchange
	order   []string
	metrics *metrics
	logger  zerolog.Logger
	cfg     Config
	mu      sync.Mutex
}

// NewHook creates a capture hook. skip may be nil.
func NewHook(store Appender, skip HostMatcher, cfg Config) *Hook {
	if cfg.MaxPending <= 0 {
		cfg.MaxPending = DefaultConfig().MaxPending
	}
	if cfg.PendingTTL <= 0 {
		cfg.PendingTTL = DefaultConfig().PendingTTL
	}
	return &Hook{
		store:   store,
		skip:    skip,
		cfg:     cfg,
		pending: make(map[string]*pendingExchange),
		metrics: newMetrics(),
		logger:  log.With().Str("component", "capture").Logger(),
	}
}

// RequestObserved stashes the request side of an exchange under its flow
// key until the matching response (or failure) arrives. body is the tee
// buffer that fills as the request streams upstream; it is read only when
// the exchange is flushed.
func (h *Hook) RequestObserved(flowKey, method, rawURL string, headers models.Headers, body *BodyBuffer) {
	defer h.recoverHook("request_observed")

	host, path := splitURL(rawURL)
	if h.skip != nil && h.skip.Match(host) {
		return
	}
	if flowKey == "" {
		flowKey = uuid.NewString()
	}

	entry := &pendingExchange{
		startedAt: time.Now(),
		method:    method,
		url:       rawURL,
		host:      host,
		path:      path,
		headers:   headers,
		body:      body,
	}

	var evicted *pendingExchange
	h.mu.Lock()
	if _, exists := h.pending[flowKey]; !exists && len(h.pending) >= h.cfg.MaxPending {
		evicted = h.evictOldestLocked()
	}
	if _, exists := h.pending[flowKey]; !exists {
		h.order = append(h.order, flowKey)
	}
	h.pending[flowKey] = entry
	h.mu.Unlock()

	if evicted != nil {
		h.appendPartial(evicted)
		h.metrics.evictions.Add(context.Background(), 1)
	}
}

// ResponseObserved merges the stashed request with the response and
// appends the completed record. A response with no stashed request is
// still recorded, with empty request fields and a warning.
func (h *Hook) ResponseObserved(flowKey string, status int, headers models.Headers, body *BodyBuffer, elapsed time.Duration) {
	defer h.recoverHook("response_observed")

	entry := h.take(flowKey)
	if entry == nil {
		h.logger.Warn().Str("flow", flowKey).Int("status", status).
			Msg("Response with no stashed request, recording without request side")
		entry = &pendingExchange{method: "UNKNOWN"}
	}

	rec := newRecord(entry)
	rec.Status = sql.NullInt64{Int64: int64(status), Valid: true}
	rec.ResponseHeaders = headers
	rec.ResponseBody = body.Bytes()
	if elapsed < 0 {
		elapsed = 0
	}
	rec.DurationMS = sql.NullInt64{Int64: elapsed.Milliseconds(), Valid: true}

	h.append(rec)
}

// ExchangeFailed flushes the stashed request as a partial record so failed
// exchanges stay visible for debugging.
func (h *Hook) ExchangeFailed(flowKey string) {
	defer h.recoverHook("exchange_failed")

	entry := h.take(flowKey)
	if entry == nil {
		return
	}
	h.appendPartial(entry)
}

// Run sweeps the stash until ctx is done, flushing exchanges older than
// the TTL as partial records.
func (h *Hook) Run(ctx context.Context) error {
	interval := h.cfg.PendingTTL / 4
	if interval < time.Second {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			h.Sweep(time.Now())
		}
	}
}

// Sweep flushes stash entries older than the TTL. Exposed for tests.
func (h *Hook) Sweep(now time.Time) {
	cutoff := now.Add(-h.cfg.PendingTTL)

	var expired []*pendingExchange
	h.mu.Lock()
	kept := h.order[:0]
	for _, key := range h.order {
		entry, ok := h.pending[key]
		if !ok {
			continue
		}
		if entry.startedAt.Before(cutoff) {
			expired = append(expired, entry)
			delete(h.pending, key)
			continue
		}
		kept = append(kept, key)
	}
	h.order = kept
	h.mu.Unlock()

	for _, entry := range expired {
		h.appendPartial(entry)
		h.metrics.evictions.Add(context.Background(), 1)
	}
	if len(expired) > 0 {
		h.logger.Debug().Int("count", len(expired)).Msg("Flushed expired in-flight exchanges as partial records")
	}
}

// PendingCount reports the number of stashed exchanges.
func (h *Hook) PendingCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.pending)
}

// take removes and returns the stash entry for the flow key.
func (h *Hook) take(flowKey string) *pendingExchange {
	h.mu.Lock()
	defer h.mu.Unlock()
	entry, ok := h.pending[flowKey]
	if !ok {
		return nil
	}
	delete(h.pending, flowKey)
	return entry
}

// evictOldestLocked removes the oldest stash entry. Caller holds h.mu.
func (h *Hook) evictOldestLocked() *pendingExchange {
	for len(h.order) > 0 {
		key := h.order[0]
		h.order = h.order[1:]
		if entry, ok := h.pending[key]; ok {
			delete(h.pending, key)
			return entry
		}
	}
	return nil
}

func (h *Hook) appendPartial(entry *pendingExchange) {
	h.append(newRecord(entry))
}

func (h *Hook) append(rec *models.Record) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	id, err := h.store.Append(ctx, rec)
	if err != nil {
		h.metrics.failures.Add(ctx, 1)
		h.logger.Error().Err(err).Str("url", rec.URL).Msg("Failed to append captured exchange")
		return
	}

	h.metrics.recordCapture(ctx, rec)
	h.logger.Info().Int64("id", id).Str("method", rec.Method).Str("url", rec.URL).
		Bool("partial", !rec.Status.Valid).Msg("Captured")
}

// recoverHook keeps panics inside the capture path from aborting the
// proxy's handling of the exchange.
func (h *Hook) recoverHook(hook string) {
	if r := recover(); r != nil {
		h.logger.Error().Interface("panic", r).Str("hook", hook).Msg("Recovered panic in capture hook")
	}
}

func newRecord(entry *pendingExchange) *models.Record {
	now := time.Now()
	return &models.Record{
		CreatedAt:      now.Format(time.RFC3339),
		CreatedAtEpoch: now.UnixMilli(),
		Host:           entry.host,
		Method:         entry.method,
		Path:           entry.path,
		URL:            entry.url,
		RequestHeaders: entry.headers,
		RequestBody:    entry.body.Bytes(),
	}
}

func splitURL(rawURL string) (host, path string) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", ""
	}
	return u.Hostname(), u.Path
}
