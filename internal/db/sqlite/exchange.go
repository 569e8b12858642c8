package sqlite

import (
	"context"
	"database/sql"
	"sync"

	"github.com/lukaszraczylo/proxylens/pkg/models"
)

// ExchangeStore provides exchange-related database operations.
//
// Concurrency contract: one writer process appends while reader processes
// list, search and clear the same database file. WAL mode lets readers run
// concurrently with the single in-flight writer; appends and clears run in
// immediate transactions so a record is either fully visible or absent.
// The in-process mutex serializes writers within one process.
type ExchangeStore struct {
	store *Store
	mu    sync.Mutex
}

// NewExchangeStore creates a new exchange store.
func NewExchangeStore(store *Store) *ExchangeStore {
	return &ExchangeStore{store: store}
}

const exchangeColumns = `id, created_at, created_at_epoch, host, method, path, url,
	request_headers, request_body, status, response_headers, response_body, duration_ms`

// Append persists a record and assigns the next sequence id, which is also
// written back to rec.ID. Ids are monotonic for the lifetime of the store
// file and survive clears.
func (s *ExchangeStore) Append(ctx context.Context, rec *models.Record) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	reqHeaders, respHeaders, err := marshalHeaderColumns(rec)
	if err != nil {
		return 0, err
	}

	tx, err := s.store.BeginTx(ctx)
	if err != nil {
		return 0, &UnavailableError{Op: "append", Err: err}
	}
	defer func() { _ = tx.Rollback() }()

	const query = `
		INSERT INTO exchanges
		(created_at, created_at_epoch, host, method, path, url,
		 request_headers, request_body, status, response_headers, response_body, duration_ms)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	result, err := tx.ExecContext(ctx, query,
		rec.CreatedAt, rec.CreatedAtEpoch, rec.Host, rec.Method, rec.Path, rec.URL,
		reqHeaders, rec.RequestBody, rec.Status, respHeaders, rec.ResponseBody, rec.DurationMS,
	)
	if err != nil {
		return 0, &UnavailableError{Op: "append", Err: err}
	}

	id, err := result.LastInsertId()
	if err != nil {
		return 0, &UnavailableError{Op: "append", Err: err}
	}
	if err := tx.Commit(); err != nil {
		return 0, &UnavailableError{Op: "append", Err: err}
	}

	rec.ID = id
	return id, nil
}

// Snapshot returns all records visible at call time in ascending id order.
func (s *ExchangeStore) Snapshot(ctx context.Context) ([]*models.Record, error) {
	const query = `SELECT ` + exchangeColumns + ` FROM exchanges ORDER BY id ASC`

	rows, err := s.store.QueryContext(ctx, query)
	if err != nil {
		return nil, &UnavailableError{Op: "snapshot", Err: err}
	}
	defer rows.Close()

	return scanExchangeRows(rows)
}

// GetByID retrieves a single record, or ErrNotFound.
func (s *ExchangeStore) GetByID(ctx context.Context, id int64) (*models.Record, error) {
	const query = `SELECT ` + exchangeColumns + ` FROM exchanges WHERE id = ? LIMIT 1`

	rec, err := scanExchange(s.store.QueryRowContext(ctx, query, id))
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, &UnavailableError{Op: "get", Err: err}
	}
	return rec, nil
}

// Count returns the number of stored records.
func (s *ExchangeStore) Count(ctx context.Context) (int64, error) {
	var n int64
	err := s.store.QueryRowContext(ctx, `SELECT COUNT(*) FROM exchanges`).Scan(&n)
	if err != nil {
		return 0, &UnavailableError{Op: "count", Err: err}
	}
	return n, nil
}

// Clear atomically removes all records and returns how many were removed.
// Clearing an empty store succeeds with zero. The sequence counter is
// preserved: ids issued after a clear are strictly greater than any issued
// before it.
func (s *ExchangeStore) Clear(ctx context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.store.BeginTx(ctx)
	if err != nil {
		return 0, &UnavailableError{Op: "clear", Err: err}
	}
	defer func() { _ = tx.Rollback() }()

	result, err := tx.ExecContext(ctx, `DELETE FROM exchanges`)
	if err != nil {
		return 0, &UnavailableError{Op: "clear", Err: err}
	}
	removed, err := result.RowsAffected()
	if err != nil {
		return 0, &UnavailableError{Op: "clear", Err: err}
	}
	if err := tx.Commit(); err != nil {
		return 0, &UnavailableError{Op: "clear", Err: err}
	}
	return removed, nil
}
