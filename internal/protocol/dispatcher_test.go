package protocol

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/codecompass/compassd/internal/retrieval"
	"github.com/codecompass/compassd/internal/sandbox"
	"github.com/codecompass/compassd/internal/scope"
	"github.com/codecompass/compassd/internal/tools"
	"github.com/codecompass/compassd/internal/vectorstore"
)

type stubSearchClient struct {
	hits map[string][]vectorstore.Hit
}

func (s *stubSearchClient) Search(_ context.Context, params vectorstore.SearchParams) ([]vectorstore.Hit, time.Duration, error) {
	return s.hits[params.Collection], 0, nil
}

type stubEmbedder struct{}

func (stubEmbedder) Embed(context.Context, string, string) ([]float64, error) {
	return []float64{0.1, 0.2}, nil
}

type stubChatter struct{ calls int }

func (s *stubChatter) Chat(context.Context, string, string, string) (string, error) {
	s.calls++
	return "resposta do modelo", nil
}

func newTestDispatcher(t *testing.T, client vectorstore.SearchClient) *Dispatcher {
	t.Helper()

	root := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(root, "api"), 0o755))
	require.NoError(t, os.WriteFile(
		filepath.Join(root, "api", "main.go"),
		[]byte("package main\n\nfunc main() {}\n"), 0o644))

	sb, err := sandbox.New(root)
	require.NoError(t, err)

	resolver := scope.NewResolver(false)
	engine := retrieval.NewEngine(client, retrieval.Config{
		CollectionCode: "compass__code",
		CollectionDocs: "compass__docs",
		RRFK:           60,
		DiversityFloor: 1,
	}, zap.NewNop())
	search := tools.NewSearchTool(resolver, engine, zap.NewNop())
	reader := tools.NewFileReaderTool(sb, zap.NewNop())
	ask := tools.NewAskTool(resolver, search, reader, stubEmbedder{}, &stubChatter{}, tools.ModelConfig{
		EmbeddingModelCode: "code-model",
		EmbeddingModelDocs: "docs-model",
		DefaultLLMModel:    "chat-model",
	}, zap.NewNop())

	return NewDispatcher(search, reader, ask, ServerInfo{Name: "compassd", Version: "test"}, zap.NewNop())
}

func handle(t *testing.T, d *Dispatcher, raw string) (Response, bool) {
	t.Helper()
	out, ok := d.Handle(context.Background(), []byte(raw))
	if !ok {
		return Response{}, false
	}
	var resp struct {
		JSONRPC string          `json:"jsonrpc"`
		ID      json.RawMessage `json:"id"`
		Result  json.RawMessage `json:"result"`
		Error   *RPCError       `json:"error"`
	}
	require.NoError(t, json.Unmarshal(out, &resp))
	return Response{JSONRPC: resp.JSONRPC, ID: resp.ID, Result: resp.Result, Error: resp.Error}, true
}

func TestDispatcherInitialize(t *testing.T) {
	d := newTestDispatcher(t, &stubSearchClient{})

	resp, ok := handle(t, d, `{"jsonrpc":"2.0","id":1,"method":"initialize","params":{}}`)
	require.True(t, ok)
	require.Nil(t, resp.Error)

	var result struct {
		ProtocolVersion string     `json:"protocolVersion"`
		ServerInfo      ServerInfo `json:"serverInfo"`
	}
	require.NoError(t, json.Unmarshal(resp.Result.(json.RawMessage), &result))
	assert.Equal(t, protocolVersion, result.ProtocolVersion)
	assert.Equal(t, "compassd", result.ServerInfo.Name)
}

func TestDispatcherNotificationGetsNoResponse(t *testing.T) {
	d := newTestDispatcher(t, &stubSearchClient{})

	out, ok := d.Handle(context.Background(), []byte(`{"jsonrpc":"2.0","method":"notifications/initialized"}`))
	assert.False(t, ok)
	assert.Nil(t, out)
}

func TestDispatcherProtocolErrors(t *testing.T) {
	d := newTestDispatcher(t, &stubSearchClient{})

	tests := []struct {
		name string
		raw  string
		code int
	}{
		{"parse error", `{not json`, codeParseError},
		{"missing jsonrpc", `{"id":1,"method":"initialize"}`, codeInvalidRequest},
		{"unknown method", `{"jsonrpc":"2.0","id":1,"method":"resources/list"}`, codeMethodNotFound},
		{"call without name", `{"jsonrpc":"2.0","id":1,"method":"tools/call","params":{}}`, codeInvalidParams},
		{"call unknown tool", `{"jsonrpc":"2.0","id":1,"method":"tools/call","params":{"name":"delete_file"}}`, codeInvalidParams},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			resp, ok := handle(t, d, tc.raw)
			require.True(t, ok)
			require.NotNil(t, resp.Error)
			assert.Equal(t, tc.code, resp.Error.Code)
		})
	}
}

func TestDispatcherToolsList(t *testing.T) {
	d := newTestDispatcher(t, &stubSearchClient{})

	resp, ok := handle(t, d, `{"jsonrpc":"2.0","id":1,"method":"tools/list"}`)
	require.True(t, ok)
	require.Nil(t, resp.Error)

	var result struct {
		Tools []toolDescriptor `json:"tools"`
	}
	require.NoError(t, json.Unmarshal(resp.Result.(json.RawMessage), &result))
	require.Len(t, result.Tools, 3)

	names := make([]string, 0, 3)
	for _, tool := range result.Tools {
		names = append(names, tool.Name)
		assert.True(t, json.Valid(tool.InputSchema), "schema of %s must be valid JSON", tool.Name)
	}
	assert.Equal(t, []string{ToolSearchCode, ToolOpenFile, ToolAskCode}, names)
}

func TestDispatcherOpenFileCall(t *testing.T) {
	d := newTestDispatcher(t, &stubSearchClient{})

	resp, ok := handle(t, d, `{"jsonrpc":"2.0","id":7,"method":"tools/call","params":{"name":"open_file","arguments":{"repo":"api","path":"main.go","startLine":1,"endLine":3}}}`)
	require.True(t, ok)
	require.Nil(t, resp.Error)

	var result callToolResult
	require.NoError(t, json.Unmarshal(resp.Result.(json.RawMessage), &result))
	assert.False(t, result.IsError)
	require.Len(t, result.Content, 1)
	assert.Equal(t, "text", result.Content[0].Type)

	var file tools.FileResponse
	require.NoError(t, json.Unmarshal([]byte(result.Content[0].Text), &file))
	assert.Equal(t, "main.go", file.Path)
	assert.Contains(t, file.Text, "package main")
}

func TestDispatcherToolErrorTravelsInResult(t *testing.T) {
	d := newTestDispatcher(t, &stubSearchClient{})

	// search_code without a vector is a tool-level failure, not a
	// protocol error.
	resp, ok := handle(t, d, `{"jsonrpc":"2.0","id":2,"method":"tools/call","params":{"name":"search_code","arguments":{"repo":"api","query":"handler"}}}`)
	require.True(t, ok)
	require.Nil(t, resp.Error)

	var result callToolResult
	require.NoError(t, json.Unmarshal(resp.Result.(json.RawMessage), &result))
	assert.True(t, result.IsError)
	require.Len(t, result.Content, 1)
	assert.Contains(t, result.Content[0].Text, "BAD_REQUEST:")
}

func TestDispatcherSearchCall(t *testing.T) {
	client := &stubSearchClient{
		hits: map[string][]vectorstore.Hit{
			"compass__code": {{
				Score: 0.88,
				Payload: map[string]any{
					"repo": "api", "path": "main.go", "text": "func main()",
					"start_line": float64(3), "end_line": float64(3),
				},
			}},
		},
	}
	d := newTestDispatcher(t, client)

	resp, ok := handle(t, d, `{"jsonrpc":"2.0","id":3,"method":"tools/call","params":{"name":"search_code","arguments":{"repo":"api","query":"entry point","vector":[0.1,0.2]}}}`)
	require.True(t, ok)
	require.Nil(t, resp.Error)

	var result callToolResult
	require.NoError(t, json.Unmarshal(resp.Result.(json.RawMessage), &result))
	require.False(t, result.IsError)

	var search tools.SearchResponse
	require.NoError(t, json.Unmarshal([]byte(result.Content[0].Text), &search))
	require.Len(t, search.Results, 1)
	assert.Equal(t, "main.go", search.Results[0].Path)
}
