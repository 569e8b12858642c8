// Package worker provides the HTTP inspection service for proxylens.
package worker

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/lukaszraczylo/proxylens/internal/db/sqlite"
	"github.com/lukaszraczylo/proxylens/internal/worker/sse"
	"github.com/rs/zerolog/log"
)

// Service exposes read and administrative access to the capture store over
// HTTP, plus a live SSE feed driven by store-change notifications.
type Service struct {
	store       *sqlite.ExchangeStore
	broadcaster *sse.Broadcaster
	router      chi.Router
	version     string
	startTime   time.Time
}

// NewService creates the service and mounts its routes.
func NewService(store *sqlite.ExchangeStore, version string) *Service {
	svc := &Service{
		store:       store,
		broadcaster: sse.NewBroadcaster(),
		router:      chi.NewRouter(),
		version:     version,
		startTime:   time.Now(),
	}
	svc.setupRoutes()
	return svc
}

func (s *Service) setupRoutes() {
	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.Recoverer)

	s.router.Get("/healthz", s.handleHealth)
	s.router.Get("/events", s.handleEvents)

	s.router.Route("/api", func(r chi.Router) {
		r.Get("/requests", s.handleListRequests)
		r.Get("/requests/{id}", s.handleReadRequest)
		r.Delete("/requests", s.handleClearRequests)
		r.Get("/search", s.handleSearchRequests)
		r.Get("/stats", s.handleStats)
		r.Get("/export/har", s.handleExportHAR)
	})
}

// Router returns the HTTP handler. Used by Run and by tests.
func (s *Service) Router() http.Handler {
	return s.router
}

// NotifyStoreChanged pushes a store-change event to all SSE clients. The
// database watcher calls this when the writer process appends.
func (s *Service) NotifyStoreChanged() {
	count, err := s.store.Count(context.Background())
	if err != nil {
		log.Warn().Err(err).Msg("Store changed but count failed")
		return
	}
	s.broadcaster.Broadcast("store", map[string]interface{}{
		"total": count,
		"at":    time.Now().UnixMilli(),
	})
}

// Run serves HTTP until ctx is cancelled, then shuts down gracefully.
func (s *Service) Run(ctx context.Context, port int) error {
	server := &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info().Int("port", port).Str("version", s.version).Msg("Worker listening")
		errCh <- server.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	case err := <-errCh:
		if err == http.ErrServerClosed {
			return nil
		}
		return err
	}
}
