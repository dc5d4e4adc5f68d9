package tools

import (
	"context"
	"math"
	"strings"

	"go.opentelemetry.io/otel"
	"go.uber.org/zap"

	"github.com/codecompass/compassd/internal/retrieval"
	"github.com/codecompass/compassd/internal/scope"
	"github.com/codecompass/compassd/internal/toolerr"
	"github.com/codecompass/compassd/internal/vectorstore"
)

var tracer = otel.Tracer("compassd.tools")

// Input limits shared by search_code and ask_code.
const (
	maxQueryLen      = 500
	maxPathPrefixLen = 200
	minTopK          = 1
	maxTopK          = 20
	defaultTopK      = 5

	// maxPerRepoGlobal caps how many results one repository may occupy in
	// a global-scope response.
	maxPerRepoGlobal = 3
)

// SearchInput is the search_code request.
type SearchInput struct {
	Scope       *scope.Input `json:"scope,omitempty"`
	Repo        string       `json:"repo,omitempty"`
	Query       string       `json:"query"`
	TopK        int          `json:"topK,omitempty"`
	PathPrefix  string       `json:"pathPrefix,omitempty"`
	Vector      []float64    `json:"vector,omitempty"`
	ContentType string       `json:"contentType,omitempty"`
	Strict      bool         `json:"strict,omitempty"`
}

// SearchTool validates search inputs, invokes retrieval, and shapes the
// response.
type SearchTool struct {
	resolver *scope.Resolver
	engine   *retrieval.Engine
	logger   *zap.Logger
}

// NewSearchTool creates the search_code tool.
func NewSearchTool(resolver *scope.Resolver, engine *retrieval.Engine, logger *zap.Logger) *SearchTool {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SearchTool{resolver: resolver, engine: engine, logger: logger}
}

// validated holds a normalized search request.
type validated struct {
	scope       scope.Scope
	query       string
	topK        int
	pathPrefix  string
	vector      []float64
	contentType string
	strict      bool
}

// validate normalizes and checks a SearchInput.
func (t *SearchTool) validate(in SearchInput) (validated, error) {
	resolved, err := t.resolver.Resolve(in.Scope, in.Repo)
	if err != nil {
		return validated{}, err
	}

	query := strings.TrimSpace(in.Query)
	if query == "" {
		return validated{}, toolerr.BadRequest("query cannot be empty")
	}
	if len(query) > maxQueryLen {
		return validated{}, toolerr.BadRequest("query exceeds %d characters", maxQueryLen)
	}

	if err := validatePathPrefix(in.PathPrefix); err != nil {
		return validated{}, err
	}

	if len(in.Vector) == 0 {
		return validated{}, toolerr.BadRequest(
			"vector is required: the caller must embed the query, there is no server-side fallback")
	}
	for _, v := range in.Vector {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return validated{}, toolerr.BadRequest("vector must contain only finite numbers")
		}
	}

	contentType, err := normalizeContentType(in.ContentType)
	if err != nil {
		return validated{}, err
	}

	return validated{
		scope:       resolved,
		query:       query,
		topK:        clampTopK(in.TopK),
		pathPrefix:  in.PathPrefix,
		vector:      in.Vector,
		contentType: contentType,
		strict:      in.Strict,
	}, nil
}

// Search executes search_code.
func (t *SearchTool) Search(ctx context.Context, in SearchInput) (*SearchResponse, error) {
	ctx, span := tracer.Start(ctx, "tools.Search")
	defer span.End()

	v, err := t.validate(in)
	if err != nil {
		return nil, err
	}
	return t.run(ctx, v)
}

// run performs retrieval for an already-validated request. The RAG tool
// reuses it with its own embedding as the vector.
func (t *SearchTool) run(ctx context.Context, v validated) (*SearchResponse, error) {
	resp, err := t.engine.Retrieve(ctx, retrieval.Request{
		Vector:      v.vector,
		TopK:        v.topK,
		PathPrefix:  v.pathPrefix,
		Repos:       v.scope.Repos,
		ContentType: v.contentType,
		Strict:      v.strict,
	})
	if err != nil {
		return nil, err
	}

	hits := resp.Hits
	if v.scope.IsGlobal() {
		hits = applyPerRepoGuard(hits, v.topK)
	}

	results := make([]Result, 0, len(hits))
	for _, hit := range hits {
		results = append(results, shapeResult(hit))
	}

	t.logger.Debug("search completed",
		zap.String("scope", string(v.scope.Type)),
		zap.Int("results", len(results)))

	meta := SearchMeta{
		Scope:       scopeMeta(v.scope),
		TopK:        v.topK,
		Repo:        v.scope.Single(),
		PathPrefix:  v.pathPrefix,
		ContentType: v.contentType,
		Strict:      v.strict,
		Collection:  resp.Collection,
		Collections: resp.Collections,
	}
	return &SearchResponse{Results: results, Meta: meta}, nil
}

// applyPerRepoGuard admits at most maxPerRepoGlobal hits per repository,
// in order, stopping once topK are accepted. It keeps one hot repository
// from monopolizing global queries.
func applyPerRepoGuard(hits []vectorstore.Hit, topK int) []vectorstore.Hit {
	counts := make(map[string]int)
	out := make([]vectorstore.Hit, 0, len(hits))
	for _, hit := range hits {
		if len(out) >= topK {
			break
		}
		repo := hit.Repo()
		if counts[repo] >= maxPerRepoGlobal {
			continue
		}
		counts[repo]++
		out = append(out, hit)
	}
	return out
}

func clampTopK(topK int) int {
	if topK == 0 {
		return defaultTopK
	}
	if topK < minTopK {
		return minTopK
	}
	if topK > maxTopK {
		return maxTopK
	}
	return topK
}

func validatePathPrefix(prefix string) error {
	if prefix == "" {
		return nil
	}
	if len(prefix) > maxPathPrefixLen {
		return toolerr.BadRequest("pathPrefix exceeds %d characters", maxPathPrefixLen)
	}
	if strings.ContainsRune(prefix, 0) {
		return toolerr.BadRequest("pathPrefix cannot contain NUL")
	}
	if strings.Contains(prefix, "..") {
		return toolerr.BadRequest("pathPrefix cannot contain '..'")
	}
	return nil
}

func normalizeContentType(ct string) (string, error) {
	switch ct {
	case "":
		return retrieval.ContentTypeAll, nil
	case retrieval.ContentTypeCode, retrieval.ContentTypeDocs, retrieval.ContentTypeAll:
		return ct, nil
	default:
		return "", toolerr.BadRequest("contentType must be code, docs or all")
	}
}
