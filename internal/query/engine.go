package query

import (
	"strings"

	"github.com/lukaszraczylo/proxylens/pkg/models"
)

// All engine operations are pure functions of a snapshot: they never touch
// the store and never mutate records. Input order (ascending id) is
// preserved throughout.

// List returns the filtered subsequence of the snapshot, paginated.
// A negative limit means unbounded.
func List(snapshot []*models.Record, f Filter, page Page) []*models.Record {
	filtered := make([]*models.Record, 0, len(snapshot))
	for _, rec := range snapshot {
		if f.Match(rec) {
			filtered = append(filtered, rec)
		}
	}

	if page.Offset >= len(filtered) {
		return []*models.Record{}
	}
	filtered = filtered[page.Offset:]
	if page.Limit >= 0 && page.Limit < len(filtered) {
		filtered = filtered[:page.Limit]
	}
	return filtered
}

// GetOne returns the record with the given id, or ErrNotFound.
func GetOne(snapshot []*models.Record, id int64) (*models.Record, error) {
	for _, rec := range snapshot {
		if rec.ID == id {
			return rec, nil
		}
	}
	return nil, ErrNotFound
}

// Search matches text as a case-insensitive substring against URL, headers
// and bodies of every record. Bodies that are not valid UTF-8 are skipped
// for that record rather than failing the search.
func Search(snapshot []*models.Record, text string) []*models.Record {
	needle := strings.ToLower(text)
	matches := make([]*models.Record, 0)
	for _, rec := range snapshot {
		if recordMatches(rec, needle) {
			matches = append(matches, rec)
		}
	}
	return matches
}

func recordMatches(rec *models.Record, needle string) bool {
	if strings.Contains(strings.ToLower(rec.URL), needle) {
		return true
	}
	if headersMatch(rec.RequestHeaders, needle) || headersMatch(rec.ResponseHeaders, needle) {
		return true
	}
	if body, ok := rec.RequestBodyText(); ok && strings.Contains(strings.ToLower(body), needle) {
		return true
	}
	if body, ok := rec.ResponseBodyText(); ok && strings.Contains(strings.ToLower(body), needle) {
		return true
	}
	return false
}

func headersMatch(headers models.Headers, needle string) bool {
	for name, value := range headers {
		if strings.Contains(strings.ToLower(name), needle) ||
			strings.Contains(strings.ToLower(value), needle) {
			return true
		}
	}
	return false
}

// Stats aggregates counts over the snapshot: total, by host, by method, by
// status class, and duration min/max/avg over records that have one.
func Stats(snapshot []*models.Record) *models.Stats {
	stats := &models.Stats{
		Total:         int64(len(snapshot)),
		ByHost:        make(map[string]int64),
		ByMethod:      make(map[string]int64),
		ByStatusClass: make(map[string]int64),
	}

	var (
		durCount int64
		durSum   int64
		durMin   int64
		durMax   int64
	)
	for _, rec := range snapshot {
		host := rec.Host
		if host == "" {
			host = "unknown"
		}
		stats.ByHost[host]++

		method := rec.Method
		if method == "" {
			method = "unknown"
		}
		stats.ByMethod[method]++

		stats.ByStatusClass[rec.StatusClass()]++

		if rec.DurationMS.Valid {
			d := rec.DurationMS.Int64
			if durCount == 0 || d < durMin {
				durMin = d
			}
			if d > durMax {
				durMax = d
			}
			durSum += d
			durCount++
		}
	}

	if durCount > 0 {
		stats.Duration = &models.DurationStats{
			Count: durCount,
			MinMS: durMin,
			MaxMS: durMax,
			AvgMS: float64(durSum) / float64(durCount),
		}
	}
	return stats
}
