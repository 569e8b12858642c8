// Package main runs the HTTP inspection service for proxylens.
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/lukaszraczylo/proxylens/internal/config"
	"github.com/lukaszraczylo/proxylens/internal/db/sqlite"
	"github.com/lukaszraczylo/proxylens/internal/watcher"
	"github.com/lukaszraczylo/proxylens/internal/worker"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

// Version is set at build time via ldflags.
var Version = "dev"

func main() {
	port := flag.Int("port", 0, "HTTP listen port (default from settings)")
	dbPath := flag.String("db", "", "Capture database path (default: ~/.proxylens/proxylens.db)")
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

	listenPort := cfg.WorkerPort
	if *port != 0 {
		listenPort = *port
	}
	path := cfg.ResolvedDBPath()
	if *dbPath != "" {
		path = *dbPath
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

	svc := worker.NewService(sqlite.NewExchangeStore(store), Version)

	// Watch the database so appends from the proxy process reach SSE
	// clients. Deletion means our handles are stale: exit and let the
	// process manager restart us against a fresh store.
	dbWatcher, err := watcher.New(path, svc.NotifyStoreChanged, func() {
		log.Warn().Str("path", path).Msg("Capture database deleted, exiting for restart")
		time.Sleep(100 * time.Millisecond)
		os.Exit(0)
	})
	if err != nil {
		log.Warn().Err(err).Msg("Failed to create database watcher, live feed disabled")
	} else {
		if err := dbWatcher.Start(); err != nil {
			log.Warn().Err(err).Msg("Failed to start database watcher")
		}
		defer func() { _ = dbWatcher.Stop() }()
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return svc.Run(gctx, listenPort)
	})

	if err := g.Wait(); err != nil && err != context.Canceled {
		log.Fatal().Err(err).Msg("Worker error")
	}
	log.Info().Msg("Worker stopped")
}
