// Package config provides configuration management for proxylens.
package config

import (
	"os"
	"path/filepath"
	"sync"

	"github.com/goccy/go-json"
)

// Defaults for settings.json.
const (
	DefaultWorkerPort   = 37900
	DefaultProxyAddr    = ":8888"
	DefaultMaxConns     = 4
	DefaultMaxBodyBytes = 1 << 20
	DefaultStashLimit   = 4096
	DefaultStashTTLSec  = 120
)

// Config is the persisted settings shape.
type Config struct {
	DBPath       string `json:"db_path,omitempty"`
	ProxyAddr    string `json:"proxy_addr"`
	SkipListPath string `json:"skiplist_path,omitempty"`
	WorkerPort   int    `json:"worker_port"`
	MaxConns     int    `json:"max_conns"`
	MaxBodyBytes int    `json:"max_body_bytes"`
	StashLimit   int    `json:"stash_limit"`
	StashTTLSec  int    `json:"stash_ttl_seconds"`
}

var (
	cached   *Config
	cachedMu sync.Mutex
)

// Default returns the default configuration.
func Default() *Config {
	return &Config{
		ProxyAddr:    DefaultProxyAddr,
		WorkerPort:   DefaultWorkerPort,
		MaxConns:     DefaultMaxConns,
		MaxBodyBytes: DefaultMaxBodyBytes,
		StashLimit:   DefaultStashLimit,
		StashTTLSec:  DefaultStashTTLSec,
	}
}

// DataDir returns the proxylens data directory.
func DataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		home = "."
	}
	return filepath.Join(home, ".proxylens")
}

// DBPath returns the default capture database path.
func DBPath() string {
	return filepath.Join(DataDir(), "proxylens.db")
}

// SettingsPath returns the settings file path.
func SettingsPath() string {
	return filepath.Join(DataDir(), "settings.json")
}

// SkipListPath returns the default skip-list file path.
func SkipListPath() string {
	return filepath.Join(DataDir(), "skiplist.yaml")
}

// EnsureDataDir creates the data directory if missing.
func EnsureDataDir() error {
	return os.MkdirAll(DataDir(), 0o755)
}

// EnsureSettings writes a default settings file if one doesn't exist.
func EnsureSettings() error {
	path := SettingsPath()
	if _, err := os.Stat(path); err == nil {
		return nil
	}
	data, err := json.MarshalIndent(Default(), "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

// EnsureAll creates the data directory and default settings.
func EnsureAll() error {
	if err := EnsureDataDir(); err != nil {
		return err
	}
	return EnsureSettings()
}

// Load reads settings.json, filling unset fields with defaults.
func Load() (*Config, error) {
	data, err := os.ReadFile(SettingsPath())
	if err != nil {
		return nil, err
	}

	cfg := Default()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, err
	}
	applyDefaults(cfg)

	cachedMu.Lock()
	cached = cfg
	cachedMu.Unlock()
	return cfg, nil
}

// Get returns the last loaded config, or defaults when nothing was loaded.
func Get() *Config {
	cachedMu.Lock()
	defer cachedMu.Unlock()
	if cached == nil {
		cached = Default()
	}
	return cached
}

// ResolvedDBPath returns the configured database path or the default.
func (c *Config) ResolvedDBPath() string {
	if c.DBPath != "" {
		return c.DBPath
	}
	return DBPath()
}

// ResolvedSkipListPath returns the configured skip-list path or the default.
func (c *Config) ResolvedSkipListPath() string {
	if c.SkipListPath != "" {
		return c.SkipListPath
	}
	return SkipListPath()
}

func applyDefaults(cfg *Config) {
	def := Default()
	if cfg.ProxyAddr == "" {
		cfg.ProxyAddr = def.ProxyAddr
	}
	if cfg.WorkerPort <= 0 {
		cfg.WorkerPort = def.WorkerPort
	}
	if cfg.MaxConns <= 0 {
		cfg.MaxConns = def.MaxConns
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = def.MaxBodyBytes
	}
	if cfg.StashLimit <= 0 {
		cfg.StashLimit = def.StashLimit
	}
	if cfg.StashTTLSec <= 0 {
		cfg.StashTTLSec = def.StashTTLSec
	}
}
