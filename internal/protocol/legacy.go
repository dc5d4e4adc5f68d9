package protocol

import (
	"context"
	"encoding/json"

	"github.com/codecompass/compassd/internal/toolerr"
)

// legacyUnknownID replaces a missing or non-string id in a legacy reply.
const legacyUnknownID = "unknown"

// legacyRequest is the single-line envelope of pre-JSON-RPC clients:
// {"id": "...", "tool": "...", "input": {...}}. It is accepted on the
// newline-delimited stdio framing only.
type legacyRequest struct {
	ID    json.RawMessage `json:"id"`
	Tool  string          `json:"tool"`
	Input json.RawMessage `json:"input"`
}

// legacyResponse mirrors the envelope back with ok/output or ok/error.
type legacyResponse struct {
	ID     string       `json:"id"`
	OK     bool         `json:"ok"`
	Output any          `json:"output,omitempty"`
	Error  *legacyError `json:"error,omitempty"`
}

type legacyError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// IsLegacy reports whether a raw line uses the legacy envelope rather
// than JSON-RPC. A line without a "jsonrpc" member but with a "tool"
// member is legacy.
func IsLegacy(raw []byte) bool {
	var probe struct {
		JSONRPC string `json:"jsonrpc"`
		Tool    string `json:"tool"`
	}
	if err := json.Unmarshal(raw, &probe); err != nil {
		return false
	}
	return probe.JSONRPC == "" && probe.Tool != ""
}

// HandleLegacy processes one legacy envelope and always produces a reply.
func (d *Dispatcher) HandleLegacy(ctx context.Context, raw []byte) []byte {
	var req legacyRequest
	if err := json.Unmarshal(raw, &req); err != nil {
		return marshalLegacy(legacyResponse{
			ID: legacyUnknownID,
			OK: false,
			Error: &legacyError{
				Code:    string(toolerr.CodeBadRequest),
				Message: "invalid request envelope",
			},
		})
	}

	id := legacyID(req.ID)
	if req.Tool == "" {
		return marshalLegacy(legacyResponse{
			ID: id,
			OK: false,
			Error: &legacyError{
				Code:    string(toolerr.CodeBadRequest),
				Message: "tool is required",
			},
		})
	}

	output, err := d.CallTool(ctx, req.Tool, req.Input)
	if err != nil {
		if _, unknown := err.(*unknownToolError); unknown {
			return marshalLegacy(legacyResponse{
				ID: id,
				OK: false,
				Error: &legacyError{
					Code:    string(toolerr.CodeBadRequest),
					Message: err.Error(),
				},
			})
		}
		te := toolerr.Classify(err)
		return marshalLegacy(legacyResponse{
			ID: id,
			OK: false,
			Error: &legacyError{
				Code:    string(te.Code),
				Message: te.Message,
			},
		})
	}

	return marshalLegacy(legacyResponse{ID: id, OK: true, Output: output})
}

// legacyID extracts the reply id. Only JSON strings are honored; anything
// else, including a missing id, becomes "unknown".
func legacyID(raw json.RawMessage) string {
	var id string
	if err := json.Unmarshal(raw, &id); err != nil || id == "" {
		return legacyUnknownID
	}
	return id
}

func marshalLegacy(resp legacyResponse) []byte {
	out, err := json.Marshal(resp)
	if err != nil {
		return []byte(`{"id":"unknown","ok":false,"error":{"code":"INTERNAL","message":"internal server error"}}`)
	}
	return out
}
