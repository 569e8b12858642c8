package sqlite

import (
	"context"
	"fmt"
)

// migrations are applied in order; schema_migrations records the last
// applied version. AUTOINCREMENT on exchanges.id is load-bearing: it keeps
// the sequence counter in sqlite_sequence, so ids stay monotonic across
// clears and are never reused.
var migrations = []string{
	// v1: exchanges table and filter indexes
	`CREATE TABLE IF NOT EXISTS exchanges (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		created_at TEXT NOT NULL,
		created_at_epoch INTEGER NOT NULL,
		host TEXT NOT NULL DEFAULT '',
		method TEXT NOT NULL DEFAULT '',
		path TEXT NOT NULL DEFAULT '',
		url TEXT NOT NULL DEFAULT '',
		request_headers TEXT NOT NULL DEFAULT '{}',
		request_body BLOB,
		status INTEGER,
		response_headers TEXT,
		response_body BLOB,
		duration_ms INTEGER
	);
	CREATE INDEX IF NOT EXISTS idx_exchanges_host ON exchanges(host);
	CREATE INDEX IF NOT EXISTS idx_exchanges_method ON exchanges(method);
	CREATE INDEX IF NOT EXISTS idx_exchanges_status ON exchanges(status);
	CREATE INDEX IF NOT EXISTS idx_exchanges_epoch ON exchanges(created_at_epoch);`,
}

// Migrate brings the schema up to the current version.
func Migrate(ctx context.Context, store *Store) error {
	if _, err := store.db.ExecContext(ctx,
		`CREATE TABLE IF NOT EXISTS schema_migrations (version INTEGER PRIMARY KEY)`); err != nil {
		return &UnavailableError{Op: "migrate", Err: err}
	}

	var current int
	if err := store.db.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(version), 0) FROM schema_migrations`).Scan(&current); err != nil {
		return &UnavailableError{Op: "migrate", Err: err}
	}

	for v := current; v < len(migrations); v++ {
		tx, err := store.db.BeginTx(ctx, nil)
		if err != nil {
			return &UnavailableError{Op: "migrate", Err: err}
		}
		if _, err := tx.ExecContext(ctx, migrations[v]); err != nil {
			_ = tx.Rollback()
			return &UnavailableError{Op: "migrate", Err: fmt.Errorf("migration %d: %w", v+1, err)}
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO schema_migrations (version) VALUES (?)`, v+1); err != nil {
			_ = tx.Rollback()
			return &UnavailableError{Op: "migrate", Err: err}
		}
		if err := tx.Commit(); err != nil {
			return &UnavailableError{Op: "migrate", Err: err}
		}
	}
	return nil
}
