// Package har serializes captured records to and from HTTP Archive 1.2
// documents.
package har

import (
	"database/sql"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/lukaszraczylo/proxylens/pkg/models"
)

// Version is the HAR format version emitted by Encode.
const Version = "1.2"

// CreatorName identifies exports produced by this package.
const CreatorName = "proxylens"

// Archive is the top-level HAR document.
type Archive struct {
	Log Log `json:"log"`
}

// Log holds the archive metadata and entries.
type Log struct {
	Version string  `json:"version"`
	Creator Creator `json:"creator"`
	Entries []Entry `json:"entries"`
}

// Creator identifies the producing application.
type Creator struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// Entry is one exchange in the archive.
type Entry struct {
	StartedDateTime string   `json:"startedDateTime"`
	Request         Request  `json:"request"`
	Response        Response `json:"response"`
	Time            int64    `json:"time"`
}

// NameValuePair is the HAR header encoding.
type NameValuePair struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

// Request is the request half of an entry.
type Request struct {
	Method      string          `json:"method"`
	URL         string          `json:"url"`
	HTTPVersion string          `json:"httpVersion"`
	Headers     []NameValuePair `json:"headers"`
	QueryString []NameValuePair `json:"queryString"`
	PostData    *PostData       `json:"postData,omitempty"`
	BodySize    int64           `json:"bodySize"`
}

// PostData carries a textual request body.
type PostData struct {
	MimeType string `json:"mimeType"`
	Text     string `json:"text"`
}

// Response is the response half of an entry. Partial records encode with
// Status 0 and empty content; this placeholder keeps Encode total over any
// record set.
type Response struct {
	StatusText  string          `json:"statusText"`
	HTTPVersion string          `json:"httpVersion"`
	Headers     []NameValuePair `json:"headers"`
	Content     Content         `json:"content"`
	Status      int             `json:"status"`
	BodySize    int64           `json:"bodySize"`
}

// Content is the response body container.
type Content struct {
	MimeType string `json:"mimeType"`
	Text     string `json:"text"`
	Size     int64  `json:"size"`
}

// Encode serializes records into an archive, preserving input order.
func Encode(records []*models.Record, creatorVersion string) *Archive {
	entries := make([]Entry, 0, len(records))
	for _, rec := range records {
		entries = append(entries, encodeEntry(rec))
	}
	return &Archive{
		Log: Log{
			Version: Version,
			Creator: Creator{Name: CreatorName, Version: creatorVersion},
			Entries: entries,
		},
	}
}

// Marshal renders the archive as an indented JSON document.
func (a *Archive) Marshal() ([]byte, error) {
	return json.MarshalIndent(a, "", "  ")
}

// Decode parses an archive document back into records. Ids are assigned by
// entry position starting at 1; the original store ids are not part of the
// HAR shape.
func Decode(data []byte) ([]*models.Record, error) {
	var archive Archive
	if err := json.Unmarshal(data, &archive); err != nil {
		return nil, err
	}

	records := make([]*models.Record, 0, len(archive.Log.Entries))
	for i, entry := range archive.Log.Entries {
		rec := decodeEntry(entry)
		rec.ID = int64(i + 1)
		records = append(records, rec)
	}
	return records, nil
}

func encodeEntry(rec *models.Record) Entry {
	entry := Entry{
		StartedDateTime: rec.CreatedAt,
		Request: Request{
			Method:      rec.Method,
			URL:         rec.URL,
			HTTPVersion: "HTTP/1.1",
			Headers:     headerPairs(rec.RequestHeaders),
			QueryString: queryPairs(rec.URL),
			BodySize:    int64(len(rec.RequestBody)),
		},
		Response: Response{
			HTTPVersion: "HTTP/1.1",
			Headers:     headerPairs(rec.ResponseHeaders),
			BodySize:    int64(len(rec.ResponseBody)),
		},
	}
	if rec.DurationMS.Valid {
		entry.Time = rec.DurationMS.Int64
	}

	if len(rec.RequestBody) > 0 {
		entry.Request.PostData = &PostData{
			MimeType: headerValue(rec.RequestHeaders, "Content-Type"),
			Text:     bodyTextOrPlaceholder(rec.RequestBody),
		}
	}

	if rec.Status.Valid {
		entry.Response.Status = int(rec.Status.Int64)
		entry.Response.StatusText = http.StatusText(int(rec.Status.Int64))
		entry.Response.Content = Content{
			Size:     int64(len(rec.ResponseBody)),
			MimeType: headerValue(rec.ResponseHeaders, "Content-Type"),
			Text:     bodyTextOrPlaceholder(rec.ResponseBody),
		}
	}
	return entry
}

func decodeEntry(entry Entry) *models.Record {
	rec := &models.Record{
		CreatedAt:      entry.StartedDateTime,
		Method:         entry.Request.Method,
		URL:            entry.Request.URL,
		RequestHeaders: pairsToHeaders(entry.Request.Headers),
	}
	if t, err := time.Parse(time.RFC3339, entry.StartedDateTime); err == nil {
		rec.CreatedAtEpoch = t.UnixMilli()
	}
	if u, err := url.Parse(entry.Request.URL); err == nil {
		rec.Host = u.Hostname()
		rec.Path = u.Path
	}
	if entry.Request.PostData != nil {
		rec.RequestBody = []byte(entry.Request.PostData.Text)
	}

	if entry.Response.Status != 0 {
		rec.Status = sql.NullInt64{Int64: int64(entry.Response.Status), Valid: true}
		rec.DurationMS = sql.NullInt64{Int64: entry.Time, Valid: true}
		rec.ResponseHeaders = pairsToHeaders(entry.Response.Headers)
		rec.ResponseBody = []byte(entry.Response.Content.Text)
	}
	return rec
}

// headerPairs converts a header map to sorted name/value pairs so encoded
// output is deterministic.
func headerPairs(headers models.Headers) []NameValuePair {
	pairs := make([]NameValuePair, 0, len(headers))
	for name, value := range headers {
		pairs = append(pairs, NameValuePair{Name: name, Value: value})
	}
	sort.Slice(pairs, func(i, j int) bool { return pairs[i].Name < pairs[j].Name })
	return pairs
}

func pairsToHeaders(pairs []NameValuePair) models.Headers {
	if len(pairs) == 0 {
		return models.Headers{}
	}
	headers := make(models.Headers, len(pairs))
	for _, p := range pairs {
		headers[p.Name] = p.Value
	}
	return headers
}

func queryPairs(rawURL string) []NameValuePair {
	u, err := url.Parse(rawURL)
	if err != nil {
		return []NameValuePair{}
	}
	values := u.Query()
	names := make([]string, 0, len(values))
	for name := range values {
		names = append(names, name)
	}
	sort.Strings(names)

	pairs := make([]NameValuePair, 0, len(values))
	for _, name := range names {
		for _, value := range values[name] {
			pairs = append(pairs, NameValuePair{Name: name, Value: value})
		}
	}
	return pairs
}

func headerValue(headers models.Headers, name string) string {
	for k, v := range headers {
		if strings.EqualFold(k, name) {
			return v
		}
	}
	return ""
}

func bodyTextOrPlaceholder(body []byte) string {
	if s, ok := models.BodyText(body); ok {
		return s
	}
	return models.BinaryPlaceholder(len(body))
}
