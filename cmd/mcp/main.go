// Package main provides the MCP tool server entry point for proxylens.
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"github.com/lukaszraczylo/proxylens/internal/config"
	"github.com/lukaszraczylo/proxylens/internal/db/sqlite"
	"github.com/lukaszraczylo/proxylens/internal/mcp"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Version is set at build time via ldflags.
var Version = "dev"

func main() {
	dbPath := flag.String("db", "", "Capture database path (default: ~/.proxylens/proxylens.db)")
	debug := flag.Bool("debug", false, "Enable debug logging")
	flag.Parse()

	// stdout is the JSON-RPC channel, so all logging goes to stderr.
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

	path := cfg.ResolvedDBPath()
	if *dbPath != "" {
		path = *dbPath
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		log.Info().Msg("Shutting down MCP server")
		cancel()
	}()

	store, err := sqlite.NewStore(sqlite.StoreConfig{
		Path:     path,
		MaxConns: cfg.MaxConns,
		WALMode:  true,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize capture store")
	}
	defer store.Close()

	exchanges := sqlite.NewExchangeStore(store)
	server := mcp.NewServer(exchanges, Version)

	log.Info().Str("db", path).Str("version", Version).Msg("Starting MCP server")
	if err := server.Run(ctx); err != nil && err != context.Canceled {
		log.Fatal().Err(err).Msg("MCP server error")
	}
}
