// Package protocol implements the JSON-RPC 2.0 dispatcher for the three
// tools, plus the legacy single-line envelope of older clients.
package protocol

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.uber.org/zap"

	"github.com/codecompass/compassd/internal/toolerr"
	"github.com/codecompass/compassd/internal/tools"
)

var tracer = otel.Tracer("compassd.protocol")

// protocolVersion is the MCP protocol revision the server speaks.
const protocolVersion = "2024-11-05"

// JSON-RPC 2.0 error codes.
const (
	codeParseError     = -32700
	codeInvalidRequest = -32600
	codeMethodNotFound = -32601
	codeInvalidParams  = -32602
	codeInternalError  = -32603
)

// Tool names as exposed on the wire.
const (
	ToolSearchCode = "search_code"
	ToolOpenFile   = "open_file"
	ToolAskCode    = "ask_code"
)

// Request is an incoming JSON-RPC 2.0 message.
type Request struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// Response is an outgoing JSON-RPC 2.0 message.
type Response struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Result  any             `json:"result,omitempty"`
	Error   *RPCError       `json:"error,omitempty"`
}

// RPCError is the JSON-RPC error object.
type RPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// textContent is one content item of a tool result.
type textContent struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// callToolResult is the result of tools/call. Tool failures travel inside
// the result with IsError set, not as JSON-RPC errors.
type callToolResult struct {
	Content []textContent `json:"content"`
	IsError bool          `json:"isError,omitempty"`
}

// ServerInfo identifies the server in the initialize handshake.
type ServerInfo struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// Dispatcher routes protocol messages to the tools.
type Dispatcher struct {
	search  *tools.SearchTool
	reader  *tools.FileReaderTool
	ask     *tools.AskTool
	info    ServerInfo
	logger  *zap.Logger
	metrics *Metrics
}

// NewDispatcher creates a Dispatcher.
func NewDispatcher(search *tools.SearchTool, reader *tools.FileReaderTool, ask *tools.AskTool, info ServerInfo, logger *zap.Logger) *Dispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dispatcher{
		search:  search,
		reader:  reader,
		ask:     ask,
		info:    info,
		logger:  logger,
		metrics: NewMetrics(),
	}
}

// Handle processes one JSON-RPC message. The second return value reports
// whether a response must be written; notifications produce none.
func (d *Dispatcher) Handle(ctx context.Context, raw []byte) ([]byte, bool) {
	var req Request
	if err := json.Unmarshal(raw, &req); err != nil {
		return marshalResponse(errorResponse(nil, codeParseError, "parse error"))
	}
	if req.JSONRPC != "2.0" || req.Method == "" {
		return marshalResponse(errorResponse(req.ID, codeInvalidRequest, "invalid request"))
	}

	// Requests without an id are notifications and get no response.
	if len(req.ID) == 0 || string(req.ID) == "null" {
		d.logger.Debug("notification received", zap.String("method", req.Method))
		return nil, false
	}

	switch req.Method {
	case "initialize":
		return marshalResponse(resultResponse(req.ID, map[string]any{
			"protocolVersion": protocolVersion,
			"capabilities":    map[string]any{"tools": map[string]any{}},
			"serverInfo":      d.info,
		}))
	case "ping":
		return marshalResponse(resultResponse(req.ID, map[string]any{}))
	case "tools/list":
		return marshalResponse(resultResponse(req.ID, toolsListResult()))
	case "tools/call":
		return marshalResponse(d.toolsCall(ctx, req))
	default:
		return marshalResponse(errorResponse(req.ID, codeMethodNotFound,
			fmt.Sprintf("method %q not found", req.Method)))
	}
}

// toolsCall executes one tools/call request.
func (d *Dispatcher) toolsCall(ctx context.Context, req Request) Response {
	var params struct {
		Name      string          `json:"name"`
		Arguments json.RawMessage `json:"arguments"`
	}
	if err := json.Unmarshal(req.Params, &params); err != nil || params.Name == "" {
		return errorResponse(req.ID, codeInvalidParams, "tool name is required")
	}

	output, err := d.CallTool(ctx, params.Name, params.Arguments)
	if err != nil {
		if rpcErr, ok := err.(*unknownToolError); ok {
			return errorResponse(req.ID, codeInvalidParams, rpcErr.Error())
		}
		te := toolerr.Classify(err)
		return resultResponse(req.ID, callToolResult{
			Content: []textContent{{Type: "text", Text: fmt.Sprintf("%s: %s", te.Code, te.Message)}},
			IsError: true,
		})
	}

	text, merr := json.Marshal(output)
	if merr != nil {
		return errorResponse(req.ID, codeInternalError, "internal error")
	}
	return resultResponse(req.ID, callToolResult{
		Content: []textContent{{Type: "text", Text: string(text)}},
	})
}

// unknownToolError distinguishes a bad tool name from a tool failure: the
// former is a protocol error, the latter travels inside the result.
type unknownToolError struct{ name string }

func (e *unknownToolError) Error() string {
	return fmt.Sprintf("unknown tool %q", e.name)
}

// CallTool dispatches one named tool invocation and records metrics. The
// legacy envelope path reuses it.
func (d *Dispatcher) CallTool(ctx context.Context, name string, arguments json.RawMessage) (any, error) {
	ctx, span := tracer.Start(ctx, "protocol.CallTool")
	defer span.End()

	started := time.Now()
	output, err := d.invoke(ctx, name, arguments)
	if _, unknown := err.(*unknownToolError); !unknown {
		d.metrics.Observe(name, time.Since(started), err)
	}
	if err != nil {
		d.logger.Warn("tool call failed",
			zap.String("tool", name),
			zap.String("code", string(toolerr.CodeOf(err))),
			zap.Error(err))
	}
	return output, err
}

func (d *Dispatcher) invoke(ctx context.Context, name string, arguments json.RawMessage) (any, error) {
	if len(arguments) == 0 {
		arguments = json.RawMessage("{}")
	}
	switch name {
	case ToolSearchCode:
		var in tools.SearchInput
		if err := json.Unmarshal(arguments, &in); err != nil {
			return nil, toolerr.BadRequest("invalid search_code input: %v", err)
		}
		return d.search.Search(ctx, in)
	case ToolOpenFile:
		var in tools.OpenFileInput
		if err := json.Unmarshal(arguments, &in); err != nil {
			return nil, toolerr.BadRequest("invalid open_file input: %v", err)
		}
		return d.reader.Open(ctx, in)
	case ToolAskCode:
		var in tools.AskInput
		if err := json.Unmarshal(arguments, &in); err != nil {
			return nil, toolerr.BadRequest("invalid ask_code input: %v", err)
		}
		return d.ask.Ask(ctx, in)
	default:
		return nil, &unknownToolError{name: name}
	}
}

func resultResponse(id json.RawMessage, result any) Response {
	return Response{JSONRPC: "2.0", ID: id, Result: result}
}

func errorResponse(id json.RawMessage, code int, message string) Response {
	if len(id) == 0 {
		id = json.RawMessage("null")
	}
	return Response{JSONRPC: "2.0", ID: id, Error: &RPCError{Code: code, Message: message}}
}

func marshalResponse(resp Response) ([]byte, bool) {
	out, err := json.Marshal(resp)
	if err != nil {
		// Result marshalling already happened; only the envelope could fail
		// and it is static.
		out = []byte(`{"jsonrpc":"2.0","id":null,"error":{"code":-32603,"message":"internal error"}}`)
	}
	return out, true
}
