// Package tools implements the three agent-facing tools: search_code,
// open_file, and ask_code.
package tools

import (
	"strings"
	"unicode"

	"github.com/codecompass/compassd/internal/retrieval"
	"github.com/codecompass/compassd/internal/scope"
	"github.com/codecompass/compassd/internal/vectorstore"
)

// Snippet shaping limits.
const (
	maxSnippetLen  = 300
	snippetCutLen  = 297
	snippetEllipse = "…"

	// noSnippet is the placeholder for hits without chunk text.
	noSnippet = "(no snippet)"
)

// Result is one shaped search hit.
type Result struct {
	Repo        string  `json:"repo"`
	Score       float64 `json:"score"`
	Path        string  `json:"path"`
	StartLine   *int    `json:"startLine"`
	EndLine     *int    `json:"endLine"`
	Snippet     string  `json:"snippet"`
	ContentType string  `json:"contentType"`
}

// ScopeMeta echoes the resolved scope. Repos is omitted for global scope.
type ScopeMeta struct {
	Type  string   `json:"type"`
	Repos []string `json:"repos,omitempty"`
}

// SearchMeta describes how a search was executed.
type SearchMeta struct {
	Scope       ScopeMeta                  `json:"scope"`
	TopK        int                        `json:"topK"`
	Repo        string                     `json:"repo,omitempty"`
	PathPrefix  string                     `json:"pathPrefix,omitempty"`
	ContentType string                     `json:"contentType"`
	Strict      bool                       `json:"strict"`
	Collection  string                     `json:"collection"`
	Collections []retrieval.CollectionMeta `json:"collections"`
}

// SearchResponse is the search_code output.
type SearchResponse struct {
	Results []Result   `json:"results"`
	Meta    SearchMeta `json:"meta"`
}

// shapeResult converts a raw hit into a Result.
func shapeResult(hit vectorstore.Hit) Result {
	return Result{
		Repo:        hit.Repo(),
		Score:       hit.Score,
		Path:        hit.Path(),
		StartLine:   hit.StartLine(),
		EndLine:     hit.EndLine(),
		Snippet:     shapeSnippet(hit.Text()),
		ContentType: hit.ContentType(),
	}
}

// shapeSnippet collapses whitespace runs to single spaces, trims, and caps
// at 300 characters (297 plus an ellipsis).
func shapeSnippet(text string) string {
	collapsed := collapseWhitespace(text)
	if collapsed == "" {
		return noSnippet
	}
	runes := []rune(collapsed)
	if len(runes) <= maxSnippetLen {
		return collapsed
	}
	return string(runes[:snippetCutLen]) + snippetEllipse
}

func collapseWhitespace(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	inRun := false
	for _, r := range s {
		if unicode.IsSpace(r) {
			inRun = true
			continue
		}
		if inRun && b.Len() > 0 {
			b.WriteByte(' ')
		}
		inRun = false
		b.WriteRune(r)
	}
	return b.String()
}

// scopeMeta builds the scope echo for response metadata.
func scopeMeta(s scope.Scope) ScopeMeta {
	meta := ScopeMeta{Type: string(s.Type)}
	if !s.IsGlobal() {
		meta.Repos = s.Repos
	}
	return meta
}
