package vectorstore

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInferContentType(t *testing.T) {
	tests := []struct {
		path string
		want string
	}{
		{path: "src/main.ts", want: ContentTypeCode},
		{path: "guide.md", want: ContentTypeDocs},
		{path: "guide.MDX", want: ContentTypeDocs},
		{path: "notes.rst", want: ContentTypeDocs},
		{path: "design.adoc", want: ContentTypeDocs},
		{path: "changelog.txt", want: ContentTypeDocs},
		{path: "apps/docs/page.tsx", want: ContentTypeDocs},
		{path: "arch/adr-0001/decision.py", want: ContentTypeDocs},
		{path: "README.md", want: ContentTypeDocs},
		{path: "sub/README.md", want: ContentTypeDocs},
		{path: "readme_parser.go", want: ContentTypeCode},
		{path: "adrenaline.go", want: ContentTypeCode},
	}
	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			assert.Equal(t, tt.want, InferContentType(tt.path))
		})
	}
}

func TestHit_Accessors(t *testing.T) {
	h := Hit{
		Score: 0.88,
		Payload: map[string]any{
			"repo":       "acme-repo",
			"path":       "src/main.ts",
			"start_line": float64(1),
			"end_line":   float64(30),
			"text":       "async function bootstrap() {}",
		},
	}
	assert.Equal(t, "acme-repo", h.Repo())
	assert.Equal(t, "src/main.ts", h.Path())
	require.NotNil(t, h.StartLine())
	assert.Equal(t, 1, *h.StartLine())
	require.NotNil(t, h.EndLine())
	assert.Equal(t, 30, *h.EndLine())
	assert.Equal(t, ContentTypeCode, h.ContentType())

	camel := Hit{Payload: map[string]any{"startLine": float64(7)}}
	require.NotNil(t, camel.StartLine())
	assert.Equal(t, 7, *camel.StartLine())

	assert.Nil(t, Hit{Payload: map[string]any{}}.StartLine())
}

func TestClient_Search(t *testing.T) {
	var gotBody map[string]any
	var gotHeader http.Header
	var gotPath string

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotHeader = r.Header.Clone()
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotBody))
		_ = json.NewEncoder(w).Encode(map[string]any{
			"result": []map[string]any{
				{"score": 0.9, "payload": map[string]any{"repo": "r1", "path": "a.go", "content_type": "code"}},
				{"score": 0.8, "payload": map[string]any{"repo": "r1", "path": "b.go", "content_type": "code"}},
			},
		})
	}))
	defer server.Close()

	client, err := NewClient(Config{BaseURL: server.URL, APIKey: "sekrit"}, nil)
	require.NoError(t, err)

	hits, latency, err := client.Search(context.Background(), SearchParams{
		Collection:  "proj__code",
		Vector:      []float64{0.1, 0.2},
		TopK:        1,
		PathPrefix:  "apps/",
		Repos:       []string{"r1"},
		ContentType: ContentTypeCode,
	})
	require.NoError(t, err)

	assert.Equal(t, "/collections/proj__code/points/search", gotPath)
	assert.Equal(t, "sekrit", gotHeader.Get("api-key"))

	assert.Equal(t, []any{0.1, 0.2}, gotBody["vector"])
	assert.Equal(t, float64(1), gotBody["limit"])
	assert.Equal(t, true, gotBody["with_payload"])
	assert.Equal(t, false, gotBody["with_vector"])

	must := gotBody["filter"].(map[string]any)["must"].([]any)
	require.Len(t, must, 3)
	assert.Equal(t, map[string]any{"key": "path", "match": map[string]any{"text": "apps/"}}, must[0])
	assert.Equal(t, map[string]any{"key": "repo", "match": map[string]any{"value": "r1"}}, must[1])
	assert.Equal(t, map[string]any{"key": "content_type", "match": map[string]any{"value": "code"}}, must[2])

	// Hits truncated to topK, store order preserved, latency observed.
	require.Len(t, hits, 1)
	assert.Equal(t, "a.go", hits[0].Path())
	assert.Positive(t, latency)
}

func TestClient_Search_MultiRepoDisjunction(t *testing.T) {
	var gotBody map[string]any
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotBody))
		_, _ = w.Write([]byte(`{"result":[]}`))
	}))
	defer server.Close()

	client, err := NewClient(Config{BaseURL: server.URL}, nil)
	require.NoError(t, err)

	_, _, err = client.Search(context.Background(), SearchParams{
		Collection:  "proj__docs",
		Vector:      []float64{0.5},
		TopK:        5,
		Repos:       []string{"r1", "r2"},
		ContentType: ContentTypeDocs,
	})
	require.NoError(t, err)

	must := gotBody["filter"].(map[string]any)["must"].([]any)
	require.Len(t, must, 2)
	should := must[0].(map[string]any)["should"].([]any)
	require.Len(t, should, 2)
	assert.Equal(t, map[string]any{"key": "repo", "match": map[string]any{"value": "r1"}}, should[0])
	assert.Equal(t, map[string]any{"key": "repo", "match": map[string]any{"value": "r2"}}, should[1])
}

func TestClient_Search_HTTPFailure(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "overloaded", http.StatusServiceUnavailable)
	}))
	defer server.Close()

	client, err := NewClient(Config{BaseURL: server.URL}, nil)
	require.NoError(t, err)

	_, latency, err := client.Search(context.Background(), SearchParams{
		Collection:  "proj__code",
		Vector:      []float64{0.1},
		TopK:        3,
		ContentType: ContentTypeCode,
	})
	require.ErrorIs(t, err, ErrSearchFailed)
	assert.Positive(t, latency)
}

func TestNewClient_Validation(t *testing.T) {
	_, err := NewClient(Config{}, nil)
	require.ErrorIs(t, err, ErrInvalidConfig)
}
