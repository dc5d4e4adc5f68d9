package vectorstore

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"strings"
	"time"
)

// MockClient serves a fixed hit set in place of live Qdrant calls. It is
// selected at bootstrap when MCP_QDRANT_MOCK_RESPONSE is set, so tests can
// run fully offline. The path-prefix, repo, and content-type filters are
// applied client-side over the mock data.
type MockClient struct {
	hits []Hit
}

// mockEnvelope accepts the REST response envelope as an alternative mock
// shape.
type mockEnvelope struct {
	Result []Hit `json:"result"`
}

// NewMockClient parses a JSON literal: either an array of hits or a
// {"result": [...]} envelope.
func NewMockClient(raw string) (*MockClient, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return nil, fmt.Errorf("mock response cannot be empty")
	}

	var hits []Hit
	if strings.HasPrefix(trimmed, "[") {
		if err := json.Unmarshal([]byte(trimmed), &hits); err != nil {
			return nil, fmt.Errorf("parsing mock response: %w", err)
		}
	} else {
		var envelope mockEnvelope
		if err := json.Unmarshal([]byte(trimmed), &envelope); err != nil {
			return nil, fmt.Errorf("parsing mock response: %w", err)
		}
		hits = envelope.Result
	}
	return &MockClient{hits: hits}, nil
}

// Search filters the mock data the way the store-side filter would, orders
// by descending score, and truncates to TopK.
func (m *MockClient) Search(_ context.Context, params SearchParams) ([]Hit, time.Duration, error) {
	start := time.Now()

	matched := make([]Hit, 0, len(m.hits))
	for _, hit := range m.hits {
		if params.PathPrefix != "" && !strings.Contains(hit.Path(), params.PathPrefix) {
			continue
		}
		if len(params.Repos) > 0 && !slices.Contains(params.Repos, hit.Repo()) {
			continue
		}
		if params.ContentType != "" && hit.ContentType() != params.ContentType {
			continue
		}
		matched = append(matched, hit)
	}

	slices.SortStableFunc(matched, func(a, b Hit) int {
		switch {
		case a.Score > b.Score:
			return -1
		case a.Score < b.Score:
			return 1
		default:
			return 0
		}
	})

	if params.TopK > 0 && len(matched) > params.TopK {
		matched = matched[:params.TopK]
	}
	return matched, time.Since(start), nil
}
