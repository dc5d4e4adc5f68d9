// Package ollama provides the embedding and chat clients for the Ollama
// HTTP API.
package ollama

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"net/http"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/codecompass/compassd/internal/config"
	"github.com/codecompass/compassd/internal/toolerr"
)

var tracer = otel.Tracer("compassd.ollama")

// Chat message roles.
const (
	RoleSystem = "system"
	RoleUser   = "user"
)

// Config holds Ollama client settings.
type Config struct {
	// BaseURL is the Ollama endpoint, e.g. http://localhost:11434.
	BaseURL string

	// Timeout is the per-call HTTP timeout.
	Timeout time.Duration
}

// Validate validates the configuration.
func (c Config) Validate() error {
	if c.BaseURL == "" {
		return fmt.Errorf("ollama base URL required")
	}
	return nil
}

// Client calls the Ollama embed and chat endpoints.
type Client struct {
	config Config
	client *http.Client
	logger *zap.Logger
}

// NewClient creates an Ollama client.
func NewClient(cfg Config, logger *zap.Logger) (*Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = config.OllamaTimeout
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

type embedRequest struct {
	Model string   `json:"model"`
	Input []string `json:"input"`
}

type embedResponse struct {
	Embeddings [][]float64 `json:"embeddings"`
}

// Embed generates the embedding of one text with the given model. The
// response must carry exactly one finite, non-empty embedding.
func (c *Client) Embed(ctx context.Context, model, text string) ([]float64, error) {
	ctx, span := tracer.Start(ctx, "ollama.Embed")
	defer span.End()
	span.SetAttributes(attribute.String("model", model))

	body, err := c.post(ctx, "/api/embed", embedRequest{Model: model, Input: []string{text}})
	if err != nil {
		return nil, toolerr.New(toolerr.CodeEmbeddingFailed, "embedding service: %v", err)
	}

	var decoded embedResponse
	if err := json.Unmarshal(body, &decoded); err != nil {
		return nil, toolerr.New(toolerr.CodeEmbeddingFailed, "embedding service: decoding response: %v", err)
	}
	if len(decoded.Embeddings) != 1 {
		return nil, toolerr.New(toolerr.CodeEmbeddingInvalid,
			"embedding service returned %d embeddings, want 1", len(decoded.Embeddings))
	}
	vector := decoded.Embeddings[0]
	if len(vector) == 0 {
		return nil, toolerr.New(toolerr.CodeEmbeddingInvalid, "embedding service returned an empty vector")
	}
	for _, v := range vector {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return nil, toolerr.New(toolerr.CodeEmbeddingInvalid, "embedding contains non-finite values")
		}
	}
	return vector, nil
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model    string        `json:"model"`
	Messages []chatMessage `json:"messages"`
	Stream   bool          `json:"stream"`
}

type chatResponse struct {
	Message chatMessage `json:"message"`
}

// Chat sends a system+user message pair and returns the raw assistant
// content (possibly empty; the caller decides the fallback).
func (c *Client) Chat(ctx context.Context, model, system, user string) (string, error) {
	ctx, span := tracer.Start(ctx, "ollama.Chat")
	defer span.End()
	span.SetAttributes(attribute.String("model", model))

	body, err := c.post(ctx, "/api/chat", chatRequest{
		Model: model,
		Messages: []chatMessage{
			{Role: RoleSystem, Content: system},
			{Role: RoleUser, Content: user},
		},
		Stream: false,
	})
	if err != nil {
		return "", toolerr.New(toolerr.CodeChatFailed, "chat service: %v", err)
	}

	var decoded chatResponse
	if err := json.Unmarshal(body, &decoded); err != nil {
		return "", toolerr.New(toolerr.CodeChatFailed, "chat service: decoding response: %v", err)
	}
	return decoded.Message.Content, nil
}

// post sends a JSON request and returns the response body on 2xx.
func (c *Client) post(ctx context.Context, path string, payload any) ([]byte, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encoding request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.config.BaseURL+path, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("building request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	start := time.Now()
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("status %d: %s", resp.StatusCode, snippet)
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading response: %w", err)
	}
	c.logger.Debug("ollama call",
		zap.String("path", path),
		zap.Duration("latency", time.Since(start)))
	return data, nil
}
