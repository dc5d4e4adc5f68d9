// Package vectorstore provides the similarity-search client for the Qdrant
// REST API, plus an offline mock variant for tests.
package vectorstore

import (
	"context"
	"strings"
	"time"
)

// Content type values carried in point payloads.
const (
	ContentTypeCode = "code"
	ContentTypeDocs = "docs"
)

// Hit is one raw similarity-search result.
type Hit struct {
	Score   float64        `json:"score"`
	Payload map[string]any `json:"payload"`
}

// SearchParams describes one similarity-search call against one collection.
type SearchParams struct {
	Collection string

	// Vector is the query embedding.
	Vector []float64

	// TopK limits the number of hits.
	TopK int

	// PathPrefix, when non-empty, restricts hits to paths containing it.
	PathPrefix string

	// Repos, when non-empty, restricts hits to these repositories.
	Repos []string

	// ContentType is the required payload.content_type equality filter
	// ("code" or "docs").
	ContentType string
}

// SearchClient performs one similarity-search call against one named
// collection and reports the observed latency. Implementations do not
// retry and do not fuse.
type SearchClient interface {
	Search(ctx context.Context, params SearchParams) ([]Hit, time.Duration, error)
}

// payload key accessors; the indexer writes snake_case keys but older
// points may carry camelCase line keys.

// PayloadString returns payload[key] as a string, or "".
func (h Hit) PayloadString(key string) string {
	if v, ok := h.Payload[key].(string); ok {
		return v
	}
	return ""
}

// Repo returns the repository name of the hit.
func (h Hit) Repo() string {
	return h.PayloadString("repo")
}

// Path returns the file path of the hit.
func (h Hit) Path() string {
	return h.PayloadString("path")
}

// Text returns the chunk text of the hit.
func (h Hit) Text() string {
	return h.PayloadString("text")
}

// Line returns the line-number payload value under any of the given keys,
// or nil when absent or non-numeric.
func (h Hit) Line(keys ...string) *int {
	for _, key := range keys {
		switch v := h.Payload[key].(type) {
		case float64:
			n := int(v)
			return &n
		case int:
			n := v
			return &n
		}
	}
	return nil
}

// StartLine returns the chunk start line, or nil.
func (h Hit) StartLine() *int {
	return h.Line("startLine", "start_line")
}

// EndLine returns the chunk end line, or nil.
func (h Hit) EndLine() *int {
	return h.Line("endLine", "end_line")
}

// ContentType returns payload.content_type, inferring from the path when
// the payload predates content classification.
func (h Hit) ContentType() string {
	if ct := h.PayloadString("content_type"); ct == ContentTypeCode || ct == ContentTypeDocs {
		return ct
	}
	return InferContentType(h.Path())
}

// docExtensions mark documentation files by extension.
var docExtensions = []string{".md", ".mdx", ".rst", ".adoc", ".txt"}

// InferContentType classifies a path as "code" or "docs".
func InferContentType(path string) string {
	lower := strings.ToLower(path)
	for _, ext := range docExtensions {
		if strings.HasSuffix(lower, ext) {
			return ContentTypeDocs
		}
	}
	if strings.Contains(lower, "/docs/") || strings.Contains(lower, "/adr") {
		return ContentTypeDocs
	}
	if lower == "readme.md" || strings.HasSuffix(lower, "/readme.md") {
		return ContentTypeDocs
	}
	return ContentTypeCode
}
