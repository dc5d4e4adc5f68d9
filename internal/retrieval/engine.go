// Package retrieval fans a query out across the code and docs collections,
// fuses the result lists with Reciprocal Rank Fusion, and enforces the
// partial-failure policy.
package retrieval

import (
	"context"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/codecompass/compassd/internal/toolerr"
	"github.com/codecompass/compassd/internal/vectorstore"
)

// Collection statuses reported in response metadata.
const (
	StatusOK          = "ok"
	StatusPartial     = "partial"
	StatusUnavailable = "unavailable"
)

// Content type selector values.
const (
	ContentTypeCode = vectorstore.ContentTypeCode
	ContentTypeDocs = vectorstore.ContentTypeDocs
	ContentTypeAll  = "all"
)

// CollectionMeta reports the outcome of one collection query.
type CollectionMeta struct {
	Name        string `json:"name"`
	ContentType string `json:"contentType"`
	Hits        int    `json:"hits"`
	LatencyMS   int64  `json:"latencyMs"`
	Status      string `json:"status"`
}

// Request is one retrieval call.
type Request struct {
	Vector      []float64
	TopK        int
	PathPrefix  string
	Repos       []string
	ContentType string
	Strict      bool
}

// Response carries the fused hits and per-collection outcomes. Collection
// is the legacy single collection name (always the code collection) kept
// for older clients.
type Response struct {
	Hits        []vectorstore.Hit
	Collection  string
	Collections []CollectionMeta
}

// Config holds engine settings.
type Config struct {
	CollectionCode string
	CollectionDocs string

	// RRFK is the k constant of the 1/(k+rank) fusion score.
	RRFK int

	// DiversityFloor is the configured minimum of each content type in a
	// fused result, before the topK/2 cap.
	DiversityFloor int
}

// Engine coordinates collection fan-out and fusion.
type Engine struct {
	client vectorstore.SearchClient
	cfg    Config
	logger *zap.Logger
}

// NewEngine creates a retrieval engine.
func NewEngine(client vectorstore.SearchClient, cfg Config, logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{client: client, cfg: cfg, logger: logger}
}

// outcome is the result of one collection query.
type outcome struct {
	name        string
	contentType string
	hits        []vectorstore.Hit
	latency     time.Duration
	err         error
}

// Retrieve runs the fan-out for req and fuses the outcomes.
func (e *Engine) Retrieve(ctx context.Context, req Request) (*Response, error) {
	switch req.ContentType {
	case ContentTypeCode:
		return e.single(ctx, req, e.cfg.CollectionCode, ContentTypeCode)
	case ContentTypeDocs:
		return e.single(ctx, req, e.cfg.CollectionDocs, ContentTypeDocs)
	default:
		return e.dual(ctx, req)
	}
}

func (e *Engine) query(ctx context.Context, req Request, collection, contentType string) outcome {
	hits, latency, err := e.client.Search(ctx, vectorstore.SearchParams{
		Collection:  collection,
		Vector:      req.Vector,
		TopK:        req.TopK,
		PathPrefix:  req.PathPrefix,
		Repos:       req.Repos,
		ContentType: contentType,
	})
	return outcome{
		name:        collection,
		contentType: contentType,
		hits:        hits,
		latency:     latency,
		err:         err,
	}
}

// single queries one collection and truncates to topK.
func (e *Engine) single(ctx context.Context, req Request, collection, contentType string) (*Response, error) {
	out := e.query(ctx, req, collection, contentType)
	if out.err != nil {
		e.logger.Warn("collection unavailable",
			zap.String("collection", collection),
			zap.Error(out.err))
		return nil, toolerr.New(toolerr.CodeQdrantUnavailable,
			"collection %q is unavailable", collection)
	}

	hits := out.hits
	if len(hits) > req.TopK {
		hits = hits[:req.TopK]
	}
	return &Response{
		Hits:        hits,
		Collection:  e.cfg.CollectionCode,
		Collections: []CollectionMeta{metaFor(out, StatusOK)},
	}, nil
}

// dual queries both collections concurrently and always waits for both
// outcomes: a failure on one side must not cancel the other.
func (e *Engine) dual(ctx context.Context, req Request) (*Response, error) {
	codeCh := make(chan outcome, 1)
	docsCh := make(chan outcome, 1)

	go func() { codeCh <- e.query(ctx, req, e.cfg.CollectionCode, ContentTypeCode) }()
	go func() { docsCh <- e.query(ctx, req, e.cfg.CollectionDocs, ContentTypeDocs) }()

	code := <-codeCh
	docs := <-docsCh

	failures := 0
	for _, out := range []outcome{code, docs} {
		if out.err != nil {
			failures++
			e.logger.Warn("collection unavailable",
				zap.String("collection", out.name),
				zap.Error(out.err))
		}
	}

	if failures == 2 {
		return nil, toolerr.New(toolerr.CodeQdrantUnavailable, "all collections are unavailable")
	}
	if failures > 0 && req.Strict {
		return nil, toolerr.New(toolerr.CodeQdrantUnavailable,
			"a collection is unavailable and strict mode is enabled")
	}

	// Two-pass status derivation: collect outcomes, then mark a successful
	// collection partial when its sibling failed.
	statusOf := func(out outcome) string {
		if out.err != nil {
			return StatusUnavailable
		}
		if failures > 0 {
			return StatusPartial
		}
		return StatusOK
	}

	fused := fuse([][]vectorstore.Hit{code.hits, docs.hits},
		[]string{ContentTypeCode, ContentTypeDocs},
		e.cfg.RRFK)
	fused = applyDiversityFloor(fused, req.TopK, e.cfg.DiversityFloor)

	hits := make([]vectorstore.Hit, 0, len(fused))
	for _, f := range fused {
		hits = append(hits, f.hit)
	}

	return &Response{
		Hits:       hits,
		Collection: e.cfg.CollectionCode,
		Collections: []CollectionMeta{
			metaFor(code, statusOf(code)),
			metaFor(docs, statusOf(docs)),
		},
	}, nil
}

func metaFor(out outcome, status string) CollectionMeta {
	return CollectionMeta{
		Name:        out.name,
		ContentType: out.contentType,
		Hits:        len(out.hits),
		LatencyMS:   out.latency.Milliseconds(),
		Status:      status,
	}
}

// fusedHit carries a hit through ranking.
type fusedHit struct {
	hit vectorstore.Hit

	// contentType is the content type of the originating list, not the
	// payload: the floor guarantees list diversity.
	contentType string

	score  float64
	origin int
	rank   int
}

// fuse merges ranked lists with Reciprocal Rank Fusion: a hit at 1-based
// position r scores 1/(k+r). Ties break by list-origin order (code before
// docs), then by rank.
func fuse(lists [][]vectorstore.Hit, contentTypes []string, k int) []fusedHit {
	var union []fusedHit
	for origin, list := range lists {
		for i, hit := range list {
			rank := i + 1
			union = append(union, fusedHit{
				hit:         hit,
				contentType: contentTypes[origin],
				score:       1.0 / float64(k+rank),
				origin:      origin,
				rank:        rank,
			})
		}
	}
	sort.SliceStable(union, func(a, b int) bool {
		if union[a].score != union[b].score {
			return union[a].score > union[b].score
		}
		if union[a].origin != union[b].origin {
			return union[a].origin < union[b].origin
		}
		return union[a].rank < union[b].rank
	})
	return union
}

// applyDiversityFloor guarantees min(floor, topK/2) items of each content
// type when available, then fills remaining slots in fusion order.
func applyDiversityFloor(ranked []fusedHit, topK, configuredFloor int) []fusedHit {
	floor := configuredFloor
	if limit := topK / 2; limit < floor {
		floor = limit
	}

	admitted := make([]fusedHit, 0, topK)
	var deferred []fusedHit
	counts := make(map[string]int, 2)

	for _, f := range ranked {
		if len(admitted) >= topK {
			break
		}
		if counts[f.contentType] < floor {
			admitted = append(admitted, f)
			counts[f.contentType]++
			continue
		}
		deferred = append(deferred, f)
	}

	for _, f := range deferred {
		if len(admitted) >= topK {
			break
		}
		admitted = append(admitted, f)
	}
	return admitted
}
