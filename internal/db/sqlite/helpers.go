package sqlite

import (
	"database/sql"

	"github.com/goccy/go-json"
	"github.com/lukaszraczylo/proxylens/pkg/models"
)

// marshalHeaderColumns serializes both header maps for storage. The
// response side is NULL for partial records so it round-trips as nil.
func marshalHeaderColumns(rec *models.Record) (string, sql.NullString, error) {
	req := rec.RequestHeaders
	if req == nil {
		req = models.Headers{}
	}
	reqJSON, err := json.Marshal(req)
	if err != nil {
		return "", sql.NullString{}, err
	}

	var resp sql.NullString
	if rec.ResponseHeaders != nil {
		respJSON, err := json.Marshal(rec.ResponseHeaders)
		if err != nil {
			return "", sql.NullString{}, err
		}
		resp = sql.NullString{String: string(respJSON), Valid: true}
	}
	return string(reqJSON), resp, nil
}

// rowScanner abstracts sql.Row and sql.Rows for shared scanning.
type rowScanner interface {
	Scan(dest ...interface{}) error
}

// scanExchange scans a single exchange row.
func scanExchange(scanner rowScanner) (*models.Record, error) {
	var (
		rec         models.Record
		reqHeaders  string
		respHeaders sql.NullString
	)
	if err := scanner.Scan(
		&rec.ID, &rec.CreatedAt, &rec.CreatedAtEpoch,
		&rec.Host, &rec.Method, &rec.Path, &rec.URL,
		&reqHeaders, &rec.RequestBody,
		&rec.Status, &respHeaders, &rec.ResponseBody, &rec.DurationMS,
	); err != nil {
		return nil, err
	}

	if reqHeaders != "" {
		if err := json.Unmarshal([]byte(reqHeaders), &rec.RequestHeaders); err != nil {
			return nil, err
		}
	}
	if respHeaders.Valid && respHeaders.String != "" {
		if err := json.Unmarshal([]byte(respHeaders.String), &rec.ResponseHeaders); err != nil {
			return nil, err
		}
	}
	return &rec, nil
}

// scanExchangeRows scans all exchange rows.
func scanExchangeRows(rows *sql.Rows) ([]*models.Record, error) {
	var records []*models.Record
	for rows.Next() {
		rec, err := scanExchange(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, &UnavailableError{Op: "scan", Err: err}
	}
	return records, nil
}
