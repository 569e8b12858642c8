// Package mcp implements the JSON-RPC 2.0 stdio tool server that exposes
// the capture store to an external agent.
package mcp

import (
	"bufio"
	"context"
	"io"
	"os"
	"sync"

	"github.com/goccy/go-json"
	"github.com/lukaszraczylo/proxylens/internal/db/sqlite"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const (
	jsonrpcVersion  = "2.0"
	protocolVersion = "2024-11-05"
	serverName      = "proxylens"

	// maxLineBytes bounds a single JSON-RPC frame on stdin.
	maxLineBytes = 8 << 20
)

// JSON-RPC error codes.
const (
	codeParseError     = -32700
	codeMethodNotFound = -32601
	codeInvalidParams  = -32602
	codeInternalError  = -32603
)

type request struct {
	JSONRPC string          `json:"jsonrpc"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
	ID      json.RawMessage `json:"id,omitempty"`
}

type response struct {
	Result  interface{}     `json:"result,omitempty"`
	Error   *rpcError       `json:"error,omitempty"`
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
}

type rpcError struct {
	Message string `json:"message"`
	Code    int    `json:"code"`
}

// toolParams is the tools/call parameter shape.
type toolParams struct {
	Arguments map[string]interface{} `json:"arguments"`
	Name      string                 `json:"name"`
}

// contentBlock is one entry of a tool result's content array.
type contentBlock struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// toolResult is the tools/call result shape. Tool-level failures (invalid
// arguments, missing ids) are reported here rather than as protocol errors
// so the calling agent sees them as call output.
type toolResult struct {
	Content []contentBlock `json:"content"`
	IsError bool           `json:"isError,omitempty"`
}

// Server reads JSON-RPC requests line by line and dispatches them to the
// six capture tools. A fault in one call never terminates the loop.
type Server struct {
	store   *sqlite.ExchangeStore
	in      io.Reader
	out     io.Writer
	logger  zerolog.Logger
	version string
	outMu   sync.Mutex
}

// NewServer creates a tool server speaking on stdin/stdout.
func NewServer(store *sqlite.ExchangeStore, version string) *Server {
	return NewServerIO(store, version, os.Stdin, os.Stdout)
}

// NewServerIO creates a tool server on explicit streams. Used by tests.
func NewServerIO(store *sqlite.ExchangeStore, version string, in io.Reader, out io.Writer) *Server {
	return &Server{
		store:   store,
		version: version,
		in:      in,
		out:     out,
		logger:  log.With().Str("component", "mcp").Logger(),
	}
}

// Run processes requests until ctx is cancelled or the input stream ends.
// Scanning runs in its own goroutine so cancellation takes effect even
// while blocked waiting for the next frame.
func (s *Server) Run(ctx context.Context) error {
	lines := make(chan []byte)
	scanErr := make(chan error, 1)
	go func() {
		scanner := bufio.NewScanner(s.in)
		scanner.Buffer(make([]byte, 64*1024), maxLineBytes)
		for scanner.Scan() {
			line := append([]byte(nil), scanner.Bytes()...)
			select {
			case lines <- line:
			case <-ctx.Done():
				return
			}
		}
		scanErr <- scanner.Err()
		close(lines)
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case line, ok := <-lines:
			if !ok {
				return <-scanErr
			}
			if len(line) == 0 {
				continue
			}
			if resp := s.handleLine(ctx, line); resp != nil {
				s.send(resp)
			}
		}
	}
}

// handleLine parses and dispatches one frame. Returns nil when no reply is
// owed (notifications, unparseable frames without an id).
func (s *Server) handleLine(ctx context.Context, line []byte) *response {
	var req request
	if err := json.Unmarshal(line, &req); err != nil {
		s.logger.Warn().Err(err).Msg("Dropping unparseable frame")
		return nil
	}

	s.logger.Debug().Str("method", req.Method).Msg("Processing request")

	switch req.Method {
	case "initialize":
		return s.handleInitialize(req.ID)
	case "notifications/initialized":
		return nil
	case "tools/list":
		return s.handleToolsList(req.ID)
	case "tools/call":
		return s.handleToolCall(ctx, req.ID, req.Params)
	case "resources/list":
		return &response{JSONRPC: jsonrpcVersion, ID: req.ID,
			Result: map[string]interface{}{"resources": []interface{}{}}}
	default:
		if req.ID == nil {
			return nil
		}
		return errorResponse(req.ID, codeMethodNotFound, "method not found: "+req.Method)
	}
}

func (s *Server) handleInitialize(id json.RawMessage) *response {
	return &response{
		JSONRPC: jsonrpcVersion,
		ID:      id,
		Result: map[string]interface{}{
			"protocolVersion": protocolVersion,
			"capabilities": map[string]interface{}{
				"tools":     map[string]interface{}{},
				"resources": map[string]interface{}{},
			},
			"serverInfo": map[string]interface{}{
				"name":    serverName,
				"version": s.version,
			},
		},
	}
}

func (s *Server) handleToolsList(id json.RawMessage) *response {
	return &response{
		JSONRPC: jsonrpcVersion,
		ID:      id,
		Result:  map[string]interface{}{"tools": toolDefinitions()},
	}
}

func (s *Server) handleToolCall(ctx context.Context, id json.RawMessage, params json.RawMessage) *response {
	var call toolParams
	if err := json.Unmarshal(params, &call); err != nil {
		return errorResponse(id, codeInvalidParams, "malformed tools/call params")
	}
	if call.Arguments == nil {
		call.Arguments = map[string]interface{}{}
	}

	if !knownTool(call.Name) {
		return errorResponse(id, codeMethodNotFound, "unknown tool: "+call.Name)
	}

	result := s.callTool(ctx, call.Name, call.Arguments)
	return &response{JSONRPC: jsonrpcVersion, ID: id, Result: result}
}

func (s *Server) send(resp *response) {
	data, err := json.Marshal(resp)
	if err != nil {
		s.logger.Error().Err(err).Msg("Failed to marshal response")
		return
	}

	s.outMu.Lock()
	defer s.outMu.Unlock()
	if _, err := s.out.Write(append(data, '\n')); err != nil {
		s.logger.Error().Err(err).Msg("Failed to write response")
	}
}

func errorResponse(id json.RawMessage, code int, message string) *response {
	return &response{
		JSONRPC: jsonrpcVersion,
		ID:      id,
		Error:   &rpcError{Code: code, Message: message},
	}
}
