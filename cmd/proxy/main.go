// Package main runs the intercepting proxy that feeds the capture store.
package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/elazarl/goproxy"
	"github.com/lukaszraczylo/proxylens/internal/capture"
	"github.com/lukaszraczylo/proxylens/internal/config"
	"github.com/lukaszraczylo/proxylens/internal/db/sqlite"
	"github.com/lukaszraczylo/proxylens/pkg/models"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

// Version is set at build time via ldflags.
var Version = "dev"

func main() {
	addr := flag.String("addr", "", "Proxy listen address (default from settings)")
	dbPath := flag.String("db", "", "Capture database path (default: ~/.proxylens/proxylens.db)")
	skipPath := flag.String("skiplist", "", "Skip-list file (default: ~/.proxylens/skiplist.yaml)")
	debug := flag.Bool("debug", false, "Enable debug logging")
	flag.Parse()

	zerolog.SetGlobalLevel(zerolog.InfoLevel)
	if *debug {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	}
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, NoColor: true})

	if err := config.EnsureAll(); err != nil {
		log.Fatal().Err(err).Msg("Failed to ensure data directory")
	}
	cfg, err := config.Load()
	if err != nil {
		log.Warn().Err(err).Msg("Failed to load config, using defaults")
		cfg = config.Default()
	}

	listenAddr := cfg.ProxyAddr
	if *addr != "" {
		listenAddr = *addr
	}
	path := cfg.ResolvedDBPath()
	if *dbPath != "" {
		path = *dbPath
	}
	skipFile := cfg.ResolvedSkipListPath()
	if *skipPath != "" {
		skipFile = *skipPath
	}

	skip, err := config.LoadSkipList(skipFile)
	if err != nil {
		log.Warn().Err(err).Str("path", skipFile).Msg("Failed to load skip list, using defaults")
		skip = config.DefaultSkipList()
	}

	store, err := sqlite.NewStore(sqlite.StoreConfig{
		Path:     path,
		MaxConns: cfg.MaxConns,
		WALMode:  true,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize capture store")
	}
	defer store.Close()

	hook := capture.NewHook(sqlite.NewExchangeStore(store), skip, capture.Config{
		MaxPending:   cfg.StashLimit,
		PendingTTL:   time.Duration(cfg.StashTTLSec) * time.Second,
		MaxBodyBytes: cfg.MaxBodyBytes,
	})

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	proxy := buildProxy(hook, *debug)
	server := &http.Server{
		Addr:              listenAddr,
		Handler:           proxy,
		ReadHeaderTimeout: 30 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info().Str("addr", listenAddr).Str("db", path).Str("version", Version).Msg("Proxy listening")
		if err := server.ListenAndServe(); err != http.ErrServerClosed {
			return err
		}
		return nil
	})
	g.Go(func() error {
		err := hook.Run(gctx)
		if err == context.Canceled {
			return nil
		}
		return err
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		return server.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil && err != context.Canceled {
		log.Fatal().Err(err).Msg("Proxy error")
	}
	log.Info().Msg("Proxy stopped")
}

// buildProxy wires the capture hook into goproxy's request/response
// callbacks. The hook is best-effort by contract, so nothing here may
// fail or stall the proxied exchange: bodies are teed into capped buffers
// while they stream through, and the record is appended only once the
// response body has reached the client.
func buildProxy(hook *capture.Hook, verbose bool) *goproxy.ProxyHttpServer {
	proxy := goproxy.NewProxyHttpServer()
	proxy.Verbose = verbose

	proxy.OnRequest().HandleConnect(goproxy.AlwaysMitm)

	proxy.OnRequest().DoFunc(func(req *http.Request, pctx *goproxy.ProxyCtx) (*http.Request, *http.Response) {
		pctx.UserData = time.Now()

		body, buf := hook.TeeBody(req.Body)
		req.Body = body
		hook.RequestObserved(flowKey(pctx), req.Method, req.URL.String(), flattenHeader(req.Header), buf)
		return req, nil
	})

	proxy.OnResponse().DoFunc(func(resp *http.Response, pctx *goproxy.ProxyCtx) *http.Response {
		key := flowKey(pctx)
		if resp == nil {
			hook.ExchangeFailed(key)
			return resp
		}

		var elapsed time.Duration
		if start, ok := pctx.UserData.(time.Time); ok {
			elapsed = time.Since(start)
		}

		status := resp.StatusCode
		headers := flattenHeader(resp.Header)
		body, buf := hook.TeeBody(resp.Body)
		record := func() {
			hook.ResponseObserved(key, status, headers, buf, elapsed)
		}
		if body == nil {
			record()
			return resp
		}
		resp.Body = capture.OnBodyDone(body, record)
		return resp
	})

	return proxy
}

// flowKey derives the correlation key from goproxy's per-exchange session.
func flowKey(pctx *goproxy.ProxyCtx) string {
	return strconv.FormatInt(pctx.Session, 10)
}

func flattenHeader(h http.Header) models.Headers {
	headers := make(models.Headers, len(h))
	for name, values := range h {
		headers[name] = strings.Join(values, ", ")
	}
	return headers
}
