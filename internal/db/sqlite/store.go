// Package sqlite provides SQLite database operations for proxylens.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "modernc.org/sqlite" // registers the "sqlite" driver
)

// StoreConfig configures the SQLite store.
type StoreConfig struct {
	Path     string
	MaxConns int
	WALMode  bool
}

// Store wraps a SQLite database with a prepared statement cache.
// One Store is shared by all entity stores in a process. Cross-process
// safety comes from WAL mode plus immediate write transactions; in-process
// safety from database/sql's connection pool and the statement cache lock.
type Store struct {
	db    *sql.DB
	stmts map[string]*sql.Stmt
	mu    sync.RWMutex
}

// NewStore opens (and creates if needed) the database at cfg.Path and runs
// migrations.
func NewStore(cfg StoreConfig) (*Store, error) {
	if cfg.Path == "" {
		return nil, &UnavailableError{Op: "open", Err: fmt.Errorf("empty database path")}
	}
	if err := os.MkdirAll(filepath.Dir(cfg.Path), 0o755); err != nil {
		return nil, &UnavailableError{Op: "open", Err: err}
	}

	dsn := "file:" + cfg.Path + "?_txlock=immediate&_pragma=busy_timeout(10000)&_pragma=foreign_keys(1)"
	if cfg.WALMode {
		dsn += "&_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)"
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, &UnavailableError{Op: "open", Err: err}
	}

	maxConns := cfg.MaxConns
	if maxConns <= 0 {
		maxConns = 4
	}
	db.SetMaxOpenConns(maxConns)
	db.SetConnMaxIdleTime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, &UnavailableError{Op: "open", Err: err}
	}

	store := newStoreFromDB(db)
	if err := Migrate(context.Background(), store); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

// newStoreFromDB wraps an already-open database. Used by tests.
func newStoreFromDB(db *sql.DB) *Store {
	return &Store{
		db:    db,
		stmts: make(map[string]*sql.Stmt),
	}
}

// GetStmt returns a cached prepared statement for the query, preparing and
// caching it on first use.
func (s *Store) GetStmt(query string) (*sql.Stmt, error) {
	s.mu.RLock()
	stmt, ok := s.stmts[query]
	s.mu.RUnlock()
	if ok {
		return stmt, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if stmt, ok := s.stmts[query]; ok {
		return stmt, nil
	}

	stmt, err := s.db.Prepare(query)
	if err != nil {
		return nil, err
	}
	s.stmts[query] = stmt
	return stmt, nil
}

// ExecContext executes a query using a cached prepared statement.
func (s *Store) ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error) {
	stmt, err := s.GetStmt(query)
	if err != nil {
		return nil, err
	}
	return stmt.ExecContext(ctx, args...)
}

// QueryContext executes a query that returns rows.
func (s *Store) QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error) {
	stmt, err := s.GetStmt(query)
	if err != nil {
		return nil, err
	}
	return stmt.QueryContext(ctx, args...)
}

// QueryRowContext executes a query expected to return at most one row.
func (s *Store) QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row {
	stmt, err := s.GetStmt(query)
	if err != nil {
		// Fall back to the raw connection so the caller still gets the
		// prepare error from Scan.
		return s.db.QueryRowContext(ctx, query, args...)
	}
	return stmt.QueryRowContext(ctx, args...)
}

// BeginTx starts a transaction. The DSN's _txlock=immediate makes every
// transaction take the write lock up front, so concurrent writers queue on
// busy_timeout instead of failing mid-transaction.
func (s *Store) BeginTx(ctx context.Context) (*sql.Tx, error) {
	return s.db.BeginTx(ctx, nil)
}

// Close closes all cached statements and the database.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, stmt := range s.stmts {
		_ = stmt.Close()
	}
	s.stmts = make(map[string]*sql.Stmt)
	return s.db.Close()
}
