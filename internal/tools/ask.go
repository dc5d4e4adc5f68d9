package tools

import (
	"context"
	"fmt"
	"math"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/codecompass/compassd/internal/retrieval"
	"github.com/codecompass/compassd/internal/scope"
	"github.com/codecompass/compassd/internal/toolerr"
)

// RAG defaults and caps.
const (
	defaultMinScore = 0.6

	// maxEvidencesPerRepo caps enrichment reads per repository for
	// non-single-repo scopes.
	maxEvidencesPerRepo = 2

	// enrichRangeLines is the default read window when a hit carries no
	// line range.
	enrichRangeLines = 50
)

// SentinelNoEvidence is the fixed answer returned when no evidence
// survives filtering. The chat service is never called in that case.
const SentinelNoEvidence = "Sem evidência suficiente no contexto para responder."

// emptyAnswer replaces an empty chat response.
const emptyAnswer = "(sem resposta)"

// Chat prompt templates (pt-BR, matching the rest of the deployment).
const (
	systemPrompt = "Você é um assistente de código. Responda APENAS com base " +
		"nos trechos de arquivos fornecidos. Se a resposta não estiver nos " +
		"trechos, diga que não há evidência suficiente. Não invente APIs, " +
		"arquivos ou comportamentos."

	responseCue = "Responda de forma objetiva, citando os arquivos relevantes."
)

// Embedder generates the question embedding.
type Embedder interface {
	Embed(ctx context.Context, model, text string) ([]float64, error)
}

// Chatter produces the final answer from a system+user prompt pair.
type Chatter interface {
	Chat(ctx context.Context, model, system, user string) (string, error)
}

// AskInput is the ask_code request.
type AskInput struct {
	Scope       *scope.Input `json:"scope,omitempty"`
	Repo        string       `json:"repo,omitempty"`
	Query       string       `json:"query"`
	TopK        int          `json:"topK,omitempty"`
	PathPrefix  string       `json:"pathPrefix,omitempty"`
	Language    string       `json:"language,omitempty"`
	MinScore    *float64     `json:"minScore,omitempty"`
	LLMModel    string       `json:"llmModel,omitempty"`
	Grounded    bool         `json:"grounded,omitempty"`
	ContentType string       `json:"contentType,omitempty"`
	Strict      bool         `json:"strict,omitempty"`
}

// AskMeta describes how an answer was produced.
type AskMeta struct {
	Scope        ScopeMeta                  `json:"scope"`
	TopK         int                        `json:"topK"`
	MinScore     float64                    `json:"minScore"`
	LLMModel     string                     `json:"llmModel"`
	ContentType  string                     `json:"contentType"`
	Strict       bool                       `json:"strict"`
	Repo         string                     `json:"repo,omitempty"`
	Collection   string                     `json:"collection"`
	Collections  []retrieval.CollectionMeta `json:"collections"`
	TotalMatches int                        `json:"totalMatches"`
	ContextsUsed int                        `json:"contextsUsed"`
	ElapsedMS    int64                      `json:"elapsedMs"`
	PathPrefix   string                     `json:"pathPrefix,omitempty"`
	Language     string                     `json:"language,omitempty"`
}

// AskResponse is the ask_code output.
type AskResponse struct {
	Answer    string   `json:"answer"`
	Evidences []Result `json:"evidences"`
	Meta      AskMeta  `json:"meta"`
}

// ModelConfig selects embedding and chat models.
type ModelConfig struct {
	EmbeddingModelCode string
	EmbeddingModelDocs string
	DefaultLLMModel    string
}

// AskTool chains embed, search, enrich, prompt, and chat while enforcing
// the evidence-first guardrail.
type AskTool struct {
	resolver *scope.Resolver
	search   *SearchTool
	reader   *FileReaderTool
	embedder Embedder
	chatter  Chatter
	models   ModelConfig
	logger   *zap.Logger
}

// NewAskTool creates the ask_code tool.
func NewAskTool(
	resolver *scope.Resolver,
	search *SearchTool,
	reader *FileReaderTool,
	embedder Embedder,
	chatter Chatter,
	models ModelConfig,
	logger *zap.Logger,
) *AskTool {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &AskTool{
		resolver: resolver,
		search:   search,
		reader:   reader,
		embedder: embedder,
		chatter:  chatter,
		models:   models,
		logger:   logger,
	}
}

// Ask executes ask_code.
func (t *AskTool) Ask(ctx context.Context, in AskInput) (*AskResponse, error) {
	ctx, span := tracer.Start(ctx, "tools.Ask")
	defer span.End()

	started := time.Now()

	resolved, err := t.resolver.Resolve(in.Scope, in.Repo)
	if err != nil {
		return nil, err
	}

	query := strings.TrimSpace(in.Query)
	if query == "" {
		return nil, toolerr.BadRequest("query cannot be empty")
	}
	if len(query) > maxQueryLen {
		return nil, toolerr.BadRequest("query exceeds %d characters", maxQueryLen)
	}
	if err := validatePathPrefix(in.PathPrefix); err != nil {
		return nil, err
	}
	contentType, err := normalizeContentType(in.ContentType)
	if err != nil {
		return nil, err
	}

	minScore := defaultMinScore
	if in.MinScore != nil {
		minScore = *in.MinScore
	}
	if math.IsNaN(minScore) || math.IsInf(minScore, 0) {
		return nil, toolerr.BadRequest("minScore must be a finite number")
	}

	llmModel := in.LLMModel
	if llmModel == "" {
		llmModel = t.models.DefaultLLMModel
	}
	topK := clampTopK(in.TopK)

	// Embed the question. For contentType "all" the code model embeds it
	// by convention: both collections are queried with the same vector,
	// so their dimensions must match for the docs side to answer.
	vector, err := t.embedder.Embed(ctx, t.embeddingModel(contentType), query)
	if err != nil {
		return nil, err
	}

	searchResp, err := t.search.run(ctx, validated{
		scope:       resolved,
		query:       query,
		topK:        topK,
		pathPrefix:  in.PathPrefix,
		vector:      vector,
		contentType: contentType,
		strict:      in.Strict,
	})
	if err != nil {
		return nil, err
	}

	totalMatches := len(searchResp.Results)

	// Post-filter by score and language, then truncate to topK.
	filtered := make([]Result, 0, len(searchResp.Results))
	for _, r := range searchResp.Results {
		if r.Score < minScore {
			continue
		}
		if in.Language != "" && !matchesLanguage(r.Path, in.Language) {
			continue
		}
		filtered = append(filtered, r)
		if len(filtered) == topK {
			break
		}
	}

	evidences := t.enrich(ctx, resolved, filtered)

	meta := AskMeta{
		Scope:        scopeMeta(resolved),
		TopK:         topK,
		MinScore:     minScore,
		LLMModel:     llmModel,
		ContentType:  contentType,
		Strict:       in.Strict,
		Repo:         resolved.Single(),
		Collection:   searchResp.Meta.Collection,
		Collections:  searchResp.Meta.Collections,
		TotalMatches: totalMatches,
		ContextsUsed: len(evidences),
		PathPrefix:   in.PathPrefix,
		Language:     in.Language,
	}

	// Zero evidence: answer with the sentinel and never touch the chat
	// service. This is the anti-hallucination guardrail.
	if len(evidences) == 0 {
		meta.ElapsedMS = time.Since(started).Milliseconds()
		return &AskResponse{
			Answer:    SentinelNoEvidence,
			Evidences: []Result{},
			Meta:      meta,
		}, nil
	}

	var answer string
	if in.Grounded {
		answer = groundedAnswer(evidences)
	} else {
		reply, err := t.chatter.Chat(ctx, llmModel, systemPrompt, buildUserPrompt(query, evidences))
		if err != nil {
			return nil, err
		}
		answer = strings.TrimSpace(reply)
		if answer == "" {
			answer = emptyAnswer
		}
	}

	meta.ElapsedMS = time.Since(started).Milliseconds()
	return &AskResponse{Answer: answer, Evidences: evidences, Meta: meta}, nil
}

// embeddingModel picks the question-embedding model per content type.
func (t *AskTool) embeddingModel(contentType string) string {
	if contentType == retrieval.ContentTypeDocs {
		return t.models.EmbeddingModelDocs
	}
	return t.models.EmbeddingModelCode
}

// enrich re-reads each evidence snippet from disk through the file reader,
// overwriting the line range with what the reader actually returned. Any
// reader failure keeps the original result: enrichment never promotes a
// recoverable failure into a user-visible error. Non-single-repo scopes
// cap enrichment at two evidences per repository.
func (t *AskTool) enrich(ctx context.Context, s scope.Scope, results []Result) []Result {
	capped := s.Single() == ""
	perRepo := make(map[string]int)

	evidences := make([]Result, 0, len(results))
	for _, r := range results {
		if capped && perRepo[r.Repo] >= maxEvidencesPerRepo {
			continue
		}
		perRepo[r.Repo]++
		evidences = append(evidences, t.enrichOne(ctx, r))
	}
	return evidences
}

func (t *AskTool) enrichOne(ctx context.Context, r Result) Result {
	start := 1
	if r.StartLine != nil {
		start = *r.StartLine
	}
	end := start + enrichRangeLines
	if r.EndLine != nil {
		end = *r.EndLine
	}

	resp, err := t.reader.Open(ctx, OpenFileInput{
		Repo:      r.Repo,
		Path:      r.Path,
		StartLine: &start,
		EndLine:   &end,
	})
	if err != nil {
		t.logger.Debug("evidence enrichment skipped",
			zap.String("repo", r.Repo),
			zap.String("path", r.Path),
			zap.Error(err))
		return r
	}

	r.StartLine = &resp.StartLine
	r.EndLine = &resp.EndLine
	r.Snippet = strings.TrimSpace(resp.Text)
	return r
}

// groundedAnswer synthesizes a deterministic answer listing each evidence.
// The chat service is not involved.
func groundedAnswer(evidences []Result) string {
	var b strings.Builder
	b.WriteString("Evidências encontradas:\n")
	for _, e := range evidences {
		fmt.Fprintf(&b, "- %s (lines %d-%d)\n", e.Path, lineOr(e.StartLine, 1), lineOr(e.EndLine, 1))
		b.WriteString("```\n")
		b.WriteString(e.Snippet)
		b.WriteString("\n```\n")
	}
	return strings.TrimSpace(b.String())
}

// buildUserPrompt assembles the numbered evidence sections, the question,
// and the response cue.
func buildUserPrompt(query string, evidences []Result) string {
	var b strings.Builder
	for i, e := range evidences {
		fmt.Fprintf(&b, "### Arquivo %d: %s (linhas %d-%d)\n", i+1, e.Path, lineOr(e.StartLine, 1), lineOr(e.EndLine, 1))
		b.WriteString("```\n")
		b.WriteString(e.Snippet)
		b.WriteString("\n```\n\n")
	}
	fmt.Fprintf(&b, "Pergunta: %s\n\n%s", query, responseCue)
	return b.String()
}

func lineOr(v *int, def int) int {
	if v != nil {
		return *v
	}
	return def
}
