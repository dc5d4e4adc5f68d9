package vectorstore

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/codecompass/compassd/internal/config"
)

// Tracer for OpenTelemetry instrumentation.
var tracer = otel.Tracer("compassd.vectorstore")

var (
	// ErrInvalidConfig indicates invalid client configuration.
	ErrInvalidConfig = errors.New("invalid configuration")

	// ErrSearchFailed indicates the store rejected or failed a search.
	ErrSearchFailed = errors.New("vector store search failed")
)

// Config holds Qdrant REST client settings.
type Config struct {
	// BaseURL is the Qdrant HTTP endpoint, e.g. http://localhost:6333.
	BaseURL string

	// APIKey is sent as the api-key header when set.
	APIKey config.Secret

	// Timeout is the per-call HTTP timeout.
	Timeout time.Duration
}

// Validate validates the configuration.
func (c Config) Validate() error {
	if c.BaseURL == "" {
		return fmt.Errorf("%w: base URL required", ErrInvalidConfig)
	}
	return nil
}

// Client is a SearchClient speaking the Qdrant REST API. It performs no
// retries and no fusion; one call maps to one POST.
type Client struct {
	config Config
	client *http.Client
	logger *zap.Logger
}

// NewClient creates a Qdrant REST client.
func NewClient(cfg Config, logger *zap.Logger) (*Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = config.QdrantTimeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		config: cfg,
		client: &http.Client{Timeout: cfg.Timeout},
		logger: logger,
	}, nil
}

// searchRequest is the REST body of POST /collections/{name}/points/search.
type searchRequest struct {
	Vector      []float64     `json:"vector"`
	Limit       int           `json:"limit"`
	WithPayload bool          `json:"with_payload"`
	WithVector  bool          `json:"with_vector"`
	Filter      *searchFilter `json:"filter,omitempty"`
}

// searchResponse is the REST response envelope.
type searchResponse struct {
	Result []Hit `json:"result"`
}

// Search performs one similarity search against one collection, returning
// at most TopK hits in store order and the observed latency.
func (c *Client) Search(ctx context.Context, params SearchParams) ([]Hit, time.Duration, error) {
	ctx, span := tracer.Start(ctx, "vectorstore.Search")
	defer span.End()
	span.SetAttributes(
		attribute.String("collection", params.Collection),
		attribute.Int("top_k", params.TopK),
	)

	start := time.Now()

	body, err := json.Marshal(searchRequest{
		Vector:      params.Vector,
		Limit:       params.TopK,
		WithPayload: true,
		WithVector:  false,
		Filter:      buildFilter(params),
	})
	if err != nil {
		return nil, time.Since(start), fmt.Errorf("%w: encoding request: %v", ErrSearchFailed, err)
	}

	url := fmt.Sprintf("%s/collections/%s/points/search", c.config.BaseURL, params.Collection)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, time.Since(start), fmt.Errorf("%w: building request: %v", ErrSearchFailed, err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.config.APIKey.IsSet() {
		req.Header.Set("api-key", c.config.APIKey.Value())
	}

	resp, err := c.client.Do(req)
	if err != nil {
		latency := time.Since(start)
		c.logger.Warn("qdrant search failed",
			zap.String("collection", params.Collection),
			zap.Duration("latency", latency),
			zap.Error(err))
		return nil, latency, fmt.Errorf("%w: %v", ErrSearchFailed, err)
	}
	defer resp.Body.Close()

	latency := time.Since(start)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		c.logger.Warn("qdrant search returned non-2xx",
			zap.String("collection", params.Collection),
			zap.Int("status", resp.StatusCode),
			zap.Duration("latency", latency))
		return nil, latency, fmt.Errorf("%w: status %d: %s", ErrSearchFailed, resp.StatusCode, snippet)
	}

	var decoded searchResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return nil, latency, fmt.Errorf("%w: decoding response: %v", ErrSearchFailed, err)
	}

	hits := decoded.Result
	if len(hits) > params.TopK {
		hits = hits[:params.TopK]
	}
	c.logger.Debug("qdrant search",
		zap.String("collection", params.Collection),
		zap.Int("hits", len(hits)),
		zap.Duration("latency", latency))
	return hits, latency, nil
}
