// Package models contains domain models for proxylens.
package models

import (
	"database/sql"
	"time"
	"unicode/utf8"
)

// Headers is a case-preserving header map for one side of an exchange.
// Multi-valued headers are joined with ", " at capture time.
type Headers map[string]string

// Record represents one captured HTTP exchange. A record with an invalid
// Status is a partial record: the exchange failed or never completed, and
// the response-side fields are empty.
type Record struct {
	CreatedAt       string        `db:"created_at" json:"timestamp"`
	Host            string        `db:"host" json:"host"`
	Method          string        `db:"method" json:"method"`
	Path            string        `db:"path" json:"path"`
	URL             string        `db:"url" json:"url"`
	RequestHeaders  Headers       `db:"request_headers" json:"request_headers"`
	ResponseHeaders Headers       `db:"response_headers" json:"response_headers"`
	RequestBody     []byte        `db:"request_body" json:"request_body"`
	ResponseBody    []byte        `db:"response_body" json:"response_body"`
	Status          sql.NullInt64 `db:"status" json:"status"`
	DurationMS      sql.NullInt64 `db:"duration_ms" json:"duration_ms"`
	ID              int64         `db:"id" json:"id"`
	CreatedAtEpoch  int64         `db:"created_at_epoch" json:"created_at_epoch"`
}

// RecordJSON is a JSON-friendly representation of Record.
// It converts sql.NullInt64 to nullable ints and bodies to strings.
type RecordJSON struct {
	Timestamp       string  `json:"timestamp"`
	Host            string  `json:"host"`
	Method          string  `json:"method"`
	Path            string  `json:"path"`
	URL             string  `json:"url"`
	RequestBody     string  `json:"request_body"`
	ResponseBody    string  `json:"response_body"`
	RequestHeaders  Headers `json:"request_headers"`
	ResponseHeaders Headers `json:"response_headers"`
	Status          *int64  `json:"status"`
	DurationMS      *int64  `json:"duration_ms"`
	ID              int64   `json:"id"`
}

// MarshalJSON implements json.Marshaler for Record.
// Partial records serialize with "status": null and "duration_ms": null.
func (r *Record) MarshalJSON() ([]byte, error) {
	j := RecordJSON{
		ID:              r.ID,
		Timestamp:       r.CreatedAt,
		Host:            r.Host,
		Method:          r.Method,
		Path:            r.Path,
		URL:             r.URL,
		RequestHeaders:  r.RequestHeaders,
		ResponseHeaders: r.ResponseHeaders,
		RequestBody:     bodyString(r.RequestBody),
		ResponseBody:    bodyString(r.ResponseBody),
	}
	if r.Status.Valid {
		j.Status = &r.Status.Int64
	}
	if r.DurationMS.Valid {
		j.DurationMS = &r.DurationMS.Int64
	}
	return marshalJSON(j)
}

// Summary represents the compact listing row for a record.
type Summary struct {
	Timestamp    string `json:"timestamp"`
	Method       string `json:"method"`
	Host         string `json:"host"`
	Path         string `json:"path"`
	Status       *int64 `json:"status"`
	DurationMS   *int64 `json:"duration_ms"`
	ID           int64  `json:"id"`
	RequestSize  int64  `json:"request_size"`
	ResponseSize int64  `json:"response_size"`
}

// Summary projects the record into its listing row.
func (r *Record) Summary() *Summary {
	s := &Summary{
		ID:           r.ID,
		Timestamp:    r.CreatedAt,
		Method:       r.Method,
		Host:         r.Host,
		Path:         r.Path,
		RequestSize:  int64(len(r.RequestBody)),
		ResponseSize: int64(len(r.ResponseBody)),
	}
	if r.Status.Valid {
		s.Status = &r.Status.Int64
	}
	if r.DurationMS.Valid {
		s.DurationMS = &r.DurationMS.Int64
	}
	return s
}

// Status class buckets used by aggregate stats.
const (
	StatusClass2xx   = "2xx"
	StatusClass3xx   = "3xx"
	StatusClass4xx   = "4xx"
	StatusClass5xx   = "5xx"
	StatusClassOther = "other"
	StatusClassNone  = "none"
)

// StatusClass returns the status-code class of the record.
// Partial records bucket under "none".
func (r *Record) StatusClass() string {
	if !r.Status.Valid {
		return StatusClassNone
	}
	switch {
	case r.Status.Int64 >= 200 && r.Status.Int64 < 300:
		return StatusClass2xx
	case r.Status.Int64 >= 300 && r.Status.Int64 < 400:
		return StatusClass3xx
	case r.Status.Int64 >= 400 && r.Status.Int64 < 500:
		return StatusClass4xx
	case r.Status.Int64 >= 500 && r.Status.Int64 < 600:
		return StatusClass5xx
	default:
		return StatusClassOther
	}
}

// RequestBodyText returns the request body as text. The second return is
// false when the body is not valid UTF-8 and must not be text-matched.
func (r *Record) RequestBodyText() (string, bool) {
	return bodyText(r.RequestBody)
}

// ResponseBodyText returns the response body as text, or false for binary.
func (r *Record) ResponseBodyText() (string, bool) {
	return bodyText(r.ResponseBody)
}

// CapturedAt returns the capture time parsed from the stored RFC3339 string,
// falling back to the epoch column when the string is unparseable.
func (r *Record) CapturedAt() time.Time {
	if t, err := time.Parse(time.RFC3339, r.CreatedAt); err == nil {
		return t
	}
	return time.UnixMilli(r.CreatedAtEpoch)
}

// DurationStats aggregates duration_ms over records that have one.
type DurationStats struct {
	Count int64   `json:"count"`
	MinMS int64   `json:"min_ms"`
	MaxMS int64   `json:"max_ms"`
	AvgMS float64 `json:"avg_ms"`
}

// Stats is the aggregate view over a store snapshot.
type Stats struct {
	ByHost        map[string]int64 `json:"by_host"`
	ByMethod      map[string]int64 `json:"by_method"`
	ByStatusClass map[string]int64 `json:"by_status_class"`
	Duration      *DurationStats   `json:"duration,omitempty"`
	Total         int64            `json:"total"`
}

// BodyText returns b as text, or false when it is not valid UTF-8.
func BodyText(b []byte) (string, bool) {
	return bodyText(b)
}

func bodyText(b []byte) (string, bool) {
	if len(b) == 0 {
		return "", true
	}
	if !utf8.Valid(b) {
		return "", false
	}
	return string(b), true
}

func bodyString(b []byte) string {
	if s, ok := bodyText(b); ok {
		return s
	}
	return binaryPlaceholder(len(b))
}
