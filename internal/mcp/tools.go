package mcp

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/goccy/go-json"
	"github.com/lukaszraczylo/proxylens/internal/db/sqlite"
	"github.com/lukaszraczylo/proxylens/internal/har"
	"github.com/lukaszraczylo/proxylens/internal/query"
	"github.com/lukaszraczylo/proxylens/pkg/models"
)

// toolDefinition is the tools/list entry shape.
type toolDefinition struct {
	InputSchema map[string]interface{} `json:"inputSchema"`
	Name        string                 `json:"name"`
	Description string                 `json:"description"`
}

var toolNames = map[string]bool{
	"list_requests":     true,
	"read_request":      true,
	"search_requests":   true,
	"get_request_stats": true,
	"clear_requests":    true,
	"export_har":        true,
}

func knownTool(name string) bool {
	return toolNames[name]
}

func toolDefinitions() []toolDefinition {
	filterProps := map[string]interface{}{
		"host": map[string]interface{}{
			"type":        "string",
			"description": "Filter by host, exact or subdomain suffix match",
		},
		"method": map[string]interface{}{
			"type":        "string",
			"description": "Filter by HTTP method (case-insensitive)",
		},
		"status": map[string]interface{}{
			"description": "Filter by status code, exact (e.g. 200) or range (e.g. \"400-499\")",
		},
		"url_contains": map[string]interface{}{
			"type":        "string",
			"description": "Filter by URL substring (case-insensitive)",
		},
	}

	listProps := map[string]interface{}{
		"limit": map[string]interface{}{
			"type":        "integer",
			"description": "Maximum number of records to return (omit for all)",
		},
		"offset": map[string]interface{}{
			"type":        "integer",
			"description": "Number of matching records to skip",
		},
	}
	for k, v := range filterProps {
		listProps[k] = v
	}

	return []toolDefinition{
		{
			Name:        "list_requests",
			Description: "List captured HTTP requests as summaries (id, timestamp, method, host, path, status, duration). Use read_request with an id for full details.",
			InputSchema: objectSchema(listProps, nil),
		},
		{
			Name:        "read_request",
			Description: "Read the full captured request/response for one id, including headers and bodies.",
			InputSchema: objectSchema(map[string]interface{}{
				"id": map[string]interface{}{
					"type":        "integer",
					"description": "Record id from list_requests",
				},
			}, []string{"id"}),
		},
		{
			Name:        "search_requests",
			Description: "Search captured traffic for a case-insensitive substring across URLs, headers and bodies.",
			InputSchema: objectSchema(map[string]interface{}{
				"text": map[string]interface{}{
					"type":        "string",
					"description": "Text to search for",
				},
			}, []string{"text"}),
		},
		{
			Name:        "get_request_stats",
			Description: "Aggregate statistics: total records, counts by host, method and status class, and duration min/max/avg.",
			InputSchema: objectSchema(map[string]interface{}{}, nil),
		},
		{
			Name:        "clear_requests",
			Description: "Delete all captured records. Returns the number removed. Record ids are never reused.",
			InputSchema: objectSchema(map[string]interface{}{}, nil),
		},
		{
			Name:        "export_har",
			Description: "Export captured traffic as an HTTP Archive (HAR 1.2) document, optionally filtered and paginated like list_requests.",
			InputSchema: objectSchema(listProps, nil),
		},
	}
}

func objectSchema(props map[string]interface{}, required []string) map[string]interface{} {
	if required == nil {
		required = []string{}
	}
	return map[string]interface{}{
		"type":       "object",
		"properties": props,
		"required":   required,
	}
}

// callTool dispatches one tool invocation. Argument and lookup failures
// become error results; anything unexpected is caught and reported as an
// internal error for that single call.
func (s *Server) callTool(ctx context.Context, name string, args map[string]interface{}) (result *toolResult) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error().Interface("panic", r).Str("tool", name).Msg("Recovered panic in tool call")
			result = errResult(fmt.Sprintf("InternalError: tool %s failed", name))
		}
		recordToolCall(ctx, name, result.IsError)
	}()

	text, err := s.dispatch(ctx, name, args)
	if err != nil {
		return errResult(classifyError(err))
	}
	return &toolResult{Content: []contentBlock{{Type: "text", Text: text}}}
}

func (s *Server) dispatch(ctx context.Context, name string, args map[string]interface{}) (string, error) {
	switch name {
	case "list_requests":
		return s.toolListRequests(ctx, args)
	case "read_request":
		return s.toolReadRequest(ctx, args)
	case "search_requests":
		return s.toolSearchRequests(ctx, args)
	case "get_request_stats":
		return s.toolStats(ctx)
	case "clear_requests":
		return s.toolClearRequests(ctx)
	case "export_har":
		return s.toolExportHAR(ctx, args)
	default:
		return "", &query.InvalidArgumentError{Field: "name", Reason: "unknown tool"}
	}
}

func (s *Server) toolListRequests(ctx context.Context, args map[string]interface{}) (string, error) {
	filter, err := query.FilterFromArgs(args)
	if err != nil {
		return "", err
	}
	page, err := query.PageFromArgs(args)
	if err != nil {
		return "", err
	}

	snapshot, err := s.store.Snapshot(ctx)
	if err != nil {
		return "", err
	}

	records := query.List(snapshot, filter, page)
	summaries := make([]*models.Summary, 0, len(records))
	for _, rec := range records {
		summaries = append(summaries, rec.Summary())
	}
	return marshalResult(map[string]interface{}{
		"count":    len(summaries),
		"requests": summaries,
	})
}

func (s *Server) toolReadRequest(ctx context.Context, args map[string]interface{}) (string, error) {
	id, err := idArg(args)
	if err != nil {
		return "", err
	}

	rec, err := s.store.GetByID(ctx, id)
	if err != nil {
		return "", err
	}
	return marshalResult(rec)
}

func (s *Server) toolSearchRequests(ctx context.Context, args map[string]interface{}) (string, error) {
	text, ok := args["text"].(string)
	if !ok || text == "" {
		return "", &query.InvalidArgumentError{Field: "text", Reason: "must be a non-empty string"}
	}

	snapshot, err := s.store.Snapshot(ctx)
	if err != nil {
		return "", err
	}

	matches := query.Search(snapshot, text)
	summaries := make([]*models.Summary, 0, len(matches))
	for _, rec := range matches {
		summaries = append(summaries, rec.Summary())
	}
	return marshalResult(map[string]interface{}{
		"count":   len(summaries),
		"matches": summaries,
	})
}

func (s *Server) toolStats(ctx context.Context) (string, error) {
	snapshot, err := s.store.Snapshot(ctx)
	if err != nil {
		return "", err
	}
	return marshalResult(query.Stats(snapshot))
}

func (s *Server) toolClearRequests(ctx context.Context) (string, error) {
	removed, err := s.store.Clear(ctx)
	if err != nil {
		return "", err
	}
	return marshalResult(map[string]interface{}{"removed": removed})
}

func (s *Server) toolExportHAR(ctx context.Context, args map[string]interface{}) (string, error) {
	filter, err := query.FilterFromArgs(args)
	if err != nil {
		return "", err
	}
	page, err := query.PageFromArgs(args)
	if err != nil {
		return "", err
	}

	snapshot, err := s.store.Snapshot(ctx)
	if err != nil {
		return "", err
	}

	records := query.List(snapshot, filter, page)
	data, err := har.Encode(records, s.version).Marshal()
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// idArg accepts a JSON number or a numeric string id.
func idArg(args map[string]interface{}) (int64, error) {
	raw, ok := args["id"]
	if !ok {
		return 0, &query.InvalidArgumentError{Field: "id", Reason: "is required"}
	}
	switch v := raw.(type) {
	case float64:
		if v != float64(int64(v)) {
			return 0, &query.InvalidArgumentError{Field: "id", Reason: "must be an integer"}
		}
		return int64(v), nil
	case string:
		id, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return 0, &query.InvalidArgumentError{Field: "id", Reason: "must be numeric"}
		}
		return id, nil
	default:
		return 0, &query.InvalidArgumentError{Field: "id", Reason: "must be numeric"}
	}
}

func marshalResult(v interface{}) (string, error) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// classifyError maps internal errors onto the documented taxonomy strings.
func classifyError(err error) string {
	switch {
	case query.IsInvalidArgument(err):
		return "InvalidArgument: " + err.Error()
	case errors.Is(err, sqlite.ErrNotFound) || errors.Is(err, query.ErrNotFound):
		return "NotFound: " + err.Error()
	case sqlite.IsUnavailable(err):
		return "StoreUnavailable: " + err.Error()
	default:
		return "InternalError: " + err.Error()
	}
}

func errResult(message string) *toolResult {
	return &toolResult{
		IsError: true,
		Content: []contentBlock{{Type: "text", Text: message}},
	}
}
