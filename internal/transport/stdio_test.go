package transport

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/codecompass/compassd/internal/protocol"
	"github.com/codecompass/compassd/internal/retrieval"
	"github.com/codecompass/compassd/internal/sandbox"
	"github.com/codecompass/compassd/internal/scope"
	"github.com/codecompass/compassd/internal/tools"
	"github.com/codecompass/compassd/internal/vectorstore"
)

type stubSearchClient struct{}

func (stubSearchClient) Search(context.Context, vectorstore.SearchParams) ([]vectorstore.Hit, time.Duration, error) {
	return nil, 0, nil
}

type stubEmbedder struct{}

func (stubEmbedder) Embed(context.Context, string, string) ([]float64, error) {
	return []float64{0.1}, nil
}

type stubChatter struct{}

func (stubChatter) Chat(context.Context, string, string, string) (string, error) {
	return "ok", nil
}

// syncBuffer guards a bytes.Buffer for concurrent writes.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func newTestDispatcher(t *testing.T) *protocol.Dispatcher {
	t.Helper()

	root := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(root, "api"), 0o755))
	require.NoError(t, os.WriteFile(
		filepath.Join(root, "api", "main.go"),
		[]byte("package main\n"), 0o644))

	sb, err := sandbox.New(root)
	require.NoError(t, err)

	resolver := scope.NewResolver(false)
	engine := retrieval.NewEngine(stubSearchClient{}, retrieval.Config{
		CollectionCode: "compass__code",
		CollectionDocs: "compass__docs",
		RRFK:           60,
		DiversityFloor: 1,
	}, zap.NewNop())
	search := tools.NewSearchTool(resolver, engine, zap.NewNop())
	reader := tools.NewFileReaderTool(sb, zap.NewNop())
	ask := tools.NewAskTool(resolver, search, reader, stubEmbedder{}, stubChatter{}, tools.ModelConfig{
		EmbeddingModelCode: "code-model",
		EmbeddingModelDocs: "docs-model",
		DefaultLLMModel:    "chat-model",
	}, zap.NewNop())

	return protocol.NewDispatcher(search, reader, ask, protocol.ServerInfo{Name: "compassd", Version: "test"}, zap.NewNop())
}

// responseIDs collects the ids of newline-delimited JSON responses.
func responseIDs(t *testing.T, raw string) map[string]json.RawMessage {
	t.Helper()
	out := make(map[string]json.RawMessage)
	for _, line := range strings.Split(strings.TrimSpace(raw), "\n") {
		if line == "" {
			continue
		}
		var resp struct {
			ID json.RawMessage `json:"id"`
		}
		require.NoError(t, json.Unmarshal([]byte(line), &resp), "line %q", line)
		out[string(resp.ID)] = json.RawMessage(line)
	}
	return out
}

func TestStdioNDJSONFraming(t *testing.T) {
	in := strings.NewReader(
		`{"jsonrpc":"2.0","id":1,"method":"initialize","params":{}}` + "\n" +
			`{"jsonrpc":"2.0","method":"notifications/initialized"}` + "\n" +
			`{"jsonrpc":"2.0","id":2,"method":"tools/list"}` + "\n")
	out := &syncBuffer{}

	srv := NewStdioServer(newTestDispatcher(t), in, out, zap.NewNop())
	require.NoError(t, srv.Run(context.Background()))

	responses := responseIDs(t, out.String())
	// Two requests, one notification: exactly two replies.
	require.Len(t, responses, 2)
	assert.Contains(t, responses, "1")
	assert.Contains(t, responses, "2")
}

func TestStdioNDJSONLegacyEnvelope(t *testing.T) {
	in := strings.NewReader(
		`{"id":"r1","tool":"open_file","input":{"repo":"api","path":"main.go"}}` + "\n")
	out := &syncBuffer{}

	srv := NewStdioServer(newTestDispatcher(t), in, out, zap.NewNop())
	require.NoError(t, srv.Run(context.Background()))

	var resp struct {
		ID     string          `json:"id"`
		OK     bool            `json:"ok"`
		Output json.RawMessage `json:"output"`
	}
	require.NoError(t, json.Unmarshal([]byte(strings.TrimSpace(out.String())), &resp))
	assert.Equal(t, "r1", resp.ID)
	assert.True(t, resp.OK)
	assert.NotEmpty(t, resp.Output)
}

func frame(msg string) string {
	return fmt.Sprintf("Content-Length: %d\r\n\r\n%s", len(msg), msg)
}

func TestStdioContentLengthFraming(t *testing.T) {
	in := strings.NewReader(
		frame(`{"jsonrpc":"2.0","id":1,"method":"initialize","params":{}}`) +
			frame(`{"jsonrpc":"2.0","id":2,"method":"tools/list"}`))
	out := &syncBuffer{}

	srv := NewStdioServer(newTestDispatcher(t), in, out, zap.NewNop())
	require.NoError(t, srv.Run(context.Background()))

	// Parse the framed responses back.
	reader := bufio.NewReader(strings.NewReader(out.String()))
	seen := map[string]bool{}
	for i := 0; i < 2; i++ {
		length := -1
		for {
			line, err := reader.ReadString('\n')
			require.NoError(t, err)
			line = strings.TrimRight(line, "\r\n")
			if line == "" {
				break
			}
			name, value, found := strings.Cut(line, ":")
			require.True(t, found)
			if strings.EqualFold(strings.TrimSpace(name), "Content-Length") {
				n, err := strconv.Atoi(strings.TrimSpace(value))
				require.NoError(t, err)
				length = n
			}
		}
		require.GreaterOrEqual(t, length, 0)
		body := make([]byte, length)
		_, err := io.ReadFull(reader, body)
		require.NoError(t, err)

		var resp struct {
			ID json.RawMessage `json:"id"`
		}
		require.NoError(t, json.Unmarshal(body, &resp))
		seen[string(resp.ID)] = true
	}
	assert.True(t, seen["1"])
	assert.True(t, seen["2"])
}

func TestStdioDetectsFramingPastLeadingWhitespace(t *testing.T) {
	in := strings.NewReader("\n\n  " +
		`{"jsonrpc":"2.0","id":9,"method":"tools/list"}` + "\n")
	out := &syncBuffer{}

	srv := NewStdioServer(newTestDispatcher(t), in, out, zap.NewNop())
	require.NoError(t, srv.Run(context.Background()))

	responses := responseIDs(t, out.String())
	assert.Contains(t, responses, "9")
}

func TestStdioEmptyInput(t *testing.T) {
	srv := NewStdioServer(newTestDispatcher(t), strings.NewReader(""), &syncBuffer{}, zap.NewNop())
	require.NoError(t, srv.Run(context.Background()))
}

func TestStdioMalformedContentLength(t *testing.T) {
	in := strings.NewReader("Content-Length: nope\r\n\r\n")
	srv := NewStdioServer(newTestDispatcher(t), in, &syncBuffer{}, zap.NewNop())
	err := srv.Run(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "Content-Length")
}
