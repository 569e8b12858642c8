package query

import (
	"strconv"
	"strings"

	"github.com/lukaszraczylo/proxylens/pkg/models"
)

// Filter is the closed set of recognized list constraints. Zero values
// impose no constraint.
type Filter struct {
	Host        string // exact or subdomain-suffix match, case-insensitive
	Method      string // exact match, case-insensitive
	URLContains string // case-insensitive substring
	Status      int    // exact status match; 0 = unset
	StatusMin   int    // inclusive range bounds; 0 = unset
	StatusMax   int
}

// Recognized filter argument keys. Unknown keys are rejected rather than
// silently ignored.
var filterKeys = map[string]bool{
	"host":         true,
	"method":       true,
	"status":       true,
	"url_contains": true,
}

// Page bounds parsed alongside a Filter. Limit < 0 means unbounded.
type Page struct {
	Limit  int
	Offset int
}

// FilterFromArgs validates and builds a Filter from loosely-typed tool
// arguments. Values arrive as JSON-decoded types (string, float64) or as
// raw query-string values (string).
func FilterFromArgs(args map[string]interface{}) (Filter, error) {
	var f Filter
	for key, value := range args {
		if key == "limit" || key == "offset" {
			continue // parsed by PageFromArgs
		}
		if !filterKeys[key] {
			return Filter{}, invalidArg(key, "unknown filter key")
		}

		switch key {
		case "host":
			s, err := stringArg(key, value)
			if err != nil {
				return Filter{}, err
			}
			f.Host = s
		case "method":
			s, err := stringArg(key, value)
			if err != nil {
				return Filter{}, err
			}
			f.Method = s
		case "url_contains":
			s, err := stringArg(key, value)
			if err != nil {
				return Filter{}, err
			}
			f.URLContains = s
		case "status":
			if err := parseStatusArg(&f, value); err != nil {
				return Filter{}, err
			}
		}
	}
	return f, nil
}

// PageFromArgs validates limit and offset. A missing limit is unbounded;
// negative values are rejected.
func PageFromArgs(args map[string]interface{}) (Page, error) {
	page := Page{Limit: -1}

	if raw, ok := args["limit"]; ok {
		n, err := intArg("limit", raw)
		if err != nil {
			return Page{}, err
		}
		if n < 0 {
			return Page{}, invalidArg("limit", "must not be negative")
		}
		page.Limit = n
	}
	if raw, ok := args["offset"]; ok {
		n, err := intArg("offset", raw)
		if err != nil {
			return Page{}, err
		}
		if n < 0 {
			return Page{}, invalidArg("offset", "must not be negative")
		}
		page.Offset = n
	}
	return page, nil
}

// Match reports whether the record satisfies every set constraint.
// Partial records never match a status constraint.
func (f Filter) Match(rec *models.Record) bool {
	if f.Host != "" && !hostMatches(rec.Host, f.Host) {
		return false
	}
	if f.Method != "" && !strings.EqualFold(rec.Method, f.Method) {
		return false
	}
	if f.Status != 0 || f.StatusMin != 0 || f.StatusMax != 0 {
		if !rec.Status.Valid {
			return false
		}
		status := int(rec.Status.Int64)
		if f.Status != 0 && status != f.Status {
			return false
		}
		if f.StatusMin != 0 && status < f.StatusMin {
			return false
		}
		if f.StatusMax != 0 && status > f.StatusMax {
			return false
		}
	}
	if f.URLContains != "" &&
		!strings.Contains(strings.ToLower(rec.URL), strings.ToLower(f.URLContains)) {
		return false
	}
	return true
}

// hostMatches accepts an exact host or any subdomain of the wanted host.
func hostMatches(host, want string) bool {
	host = strings.ToLower(host)
	want = strings.ToLower(want)
	return host == want || strings.HasSuffix(host, "."+want)
}

// parseStatusArg accepts an exact status (number or numeric string) or an
// inclusive "min-max" range string.
func parseStatusArg(f *Filter, value interface{}) error {
	switch v := value.(type) {
	case float64:
		if v != float64(int(v)) || v < 100 || v > 999 {
			return invalidArg("status", "must be a three-digit status code")
		}
		f.Status = int(v)
		return nil
	case int:
		if v < 100 || v > 999 {
			return invalidArg("status", "must be a three-digit status code")
		}
		f.Status = v
		return nil
	case string:
		if lo, hi, ok := strings.Cut(v, "-"); ok {
			min, err1 := strconv.Atoi(strings.TrimSpace(lo))
			max, err2 := strconv.Atoi(strings.TrimSpace(hi))
			if err1 != nil || err2 != nil || min > max {
				return invalidArg("status", "range must be min-max with min <= max")
			}
			f.StatusMin, f.StatusMax = min, max
			return nil
		}
		n, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil {
			return invalidArg("status", "must be a status code or min-max range")
		}
		return parseStatusArg(f, n)
	default:
		return invalidArg("status", "must be a number or string")
	}
}

func stringArg(field string, value interface{}) (string, error) {
	s, ok := value.(string)
	if !ok {
		return "", invalidArg(field, "must be a string")
	}
	return s, nil
}

func intArg(field string, value interface{}) (int, error) {
	switch v := value.(type) {
	case float64:
		if v != float64(int(v)) {
			return 0, invalidArg(field, "must be an integer")
		}
		return int(v), nil
	case int:
		return v, nil
	case string:
		n, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil {
			return 0, invalidArg(field, "must be an integer")
		}
		return n, nil
	default:
		return 0, invalidArg(field, "must be an integer")
	}
}
