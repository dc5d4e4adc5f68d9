// Package config provides configuration loading for compassd.
//
// Configuration is resolved once at startup from dotenv files and the
// process environment, validated, and immutable thereafter.
//
// Precedence (highest to lowest):
//  1. Process environment variables
//  2. <service dir>/.env.local
//  3. <service dir>/.env
//  4. <repo root>/.env.local
//  5. <repo root>/.env
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/dotenv"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// Transport mode values for MCP_SERVER_MODE.
const (
	ModeStdio = "stdio"
	ModeHTTP  = "http"
)

// Default service endpoints and models, matching the indexer side of the
// deployment.
const (
	defaultQdrantURL      = "http://localhost:6333"
	defaultCollectionBase = "compass_manutic_nomic_embed"
	defaultOllamaURL      = "http://localhost:11434"
	defaultEmbedModelCode = "manutic/nomic-embed-code"
	defaultEmbedModelDocs = "nomic-embed-text"
	defaultLLMModel       = "gpt-oss:latest"
	defaultHTTPHost       = "0.0.0.0"
	defaultHTTPPort       = 3001
	defaultRRFK           = 60
	defaultDiversityFloor = 1
)

// Per-call timeouts for the external collaborators.
const (
	QdrantTimeout = 5 * time.Second
	OllamaTimeout = 120 * time.Second
)

// Config holds the complete compassd configuration.
type Config struct {
	Qdrant    QdrantConfig
	Ollama    OllamaConfig
	Sandbox   SandboxConfig
	Retrieval RetrievalConfig
	Server    ServerConfig
	Log       LogConfig

	// MockResponse, when non-empty, is a JSON literal of mock search hits
	// served in place of live Qdrant calls. Test-only.
	MockResponse string
}

// QdrantConfig holds vector store settings.
type QdrantConfig struct {
	URL            string
	APIKey         Secret
	CollectionCode string
	CollectionDocs string
	Timeout        time.Duration
}

// OllamaConfig holds embedding and chat service settings.
type OllamaConfig struct {
	URL                string
	EmbeddingModelCode string
	EmbeddingModelDocs string
	LLMModel           string
	Timeout            time.Duration
}

// SandboxConfig holds file access settings.
type SandboxConfig struct {
	// CodebaseRoot is the directory containing one subdirectory per
	// indexed repository. Mandatory.
	CodebaseRoot string

	// AllowGlobalScope gates {type: "all"} scopes.
	AllowGlobalScope bool
}

// RetrievalConfig holds rank fusion settings.
type RetrievalConfig struct {
	// RRFK is the k constant in the 1/(k+rank) fusion score.
	RRFK int

	// DiversityFloor is the minimum guaranteed items of each content type
	// in a fused result (before the topK/2 cap).
	DiversityFloor int
}

// ServerConfig holds transport selection.
type ServerConfig struct {
	Mode     string
	HTTPHost string
	HTTPPort int
}

// LogConfig holds logger settings.
type LogConfig struct {
	// Level is one of debug, info, warn, error.
	Level string

	// Format is "json" or "console".
	Format string
}

// Load resolves configuration from dotenv files and the process
// environment. envFileDirs are searched in decreasing precedence; each may
// contain .env.local and .env. Values already present in the process
// environment always win.
func Load(envFileDirs ...string) (*Config, error) {
	k := koanf.New(".")

	lower := func(s string) string { return strings.ToLower(s) }

	// Load dotenv files lowest-precedence first so later loads override.
	for i := len(envFileDirs) - 1; i >= 0; i-- {
		for _, name := range []string{".env", ".env.local"} {
			path := envFileDirs[i] + string(os.PathSeparator) + name
			if _, err := os.Stat(path); err != nil {
				continue
			}
			if err := k.Load(file.Provider(path), dotenv.ParserEnv("", ".", lower)); err != nil {
				return nil, fmt.Errorf("loading env file %s: %w", path, err)
			}
		}
	}

	// Process environment wins over every file.
	if err := k.Load(env.Provider("", ".", lower), nil); err != nil {
		return nil, fmt.Errorf("loading environment: %w", err)
	}

	cfg := &Config{
		Qdrant: QdrantConfig{
			URL:     str(k, "qdrant_url", defaultQdrantURL),
			APIKey:  Secret(str(k, "qdrant_api_key", "")),
			Timeout: QdrantTimeout,
		},
		Ollama: OllamaConfig{
			URL:                str(k, "ollama_url", defaultOllamaURL),
			EmbeddingModelCode: str(k, "embedding_model_code", defaultEmbedModelCode),
			EmbeddingModelDocs: str(k, "embedding_model_docs", defaultEmbedModelDocs),
			LLMModel:           str(k, "llm_model", defaultLLMModel),
			Timeout:            OllamaTimeout,
		},
		Sandbox: SandboxConfig{
			CodebaseRoot:     str(k, "codebase_root", ""),
			AllowGlobalScope: str(k, "allow_global_scope", "") == "true",
		},
		Retrieval: RetrievalConfig{
			RRFK:           posInt(k, "rrf_k", defaultRRFK),
			DiversityFloor: posInt(k, "rrf_diversity_floor", defaultDiversityFloor),
		},
		Server: ServerConfig{
			Mode:     serverMode(str(k, "mcp_server_mode", "")),
			HTTPHost: str(k, "mcp_http_host", defaultHTTPHost),
			HTTPPort: resolvePort(k),
		},
		Log: LogConfig{
			Level:  str(k, "log_level", "info"),
			Format: str(k, "log_format", "json"),
		},
		MockResponse: str(k, "mcp_qdrant_mock_response", ""),
	}

	base := str(k, "qdrant_collection_base", defaultCollectionBase)
	cfg.Qdrant.CollectionCode = str(k, "qdrant_collection_code", base+"__code")
	cfg.Qdrant.CollectionDocs = str(k, "qdrant_collection_docs", base+"__docs")

	return cfg, nil
}

// Validate checks the invariants required for bootstrap. A failure here is
// fatal (exit code 1).
func (c *Config) Validate() error {
	if c.Qdrant.URL == "" {
		return errors.New("qdrant URL is required")
	}
	if c.Qdrant.CollectionCode == "" || c.Qdrant.CollectionDocs == "" {
		return errors.New("collection names cannot be empty")
	}
	if c.Qdrant.CollectionCode == c.Qdrant.CollectionDocs {
		return fmt.Errorf("code and docs collections must differ, both are %q", c.Qdrant.CollectionCode)
	}
	if c.Ollama.URL == "" {
		return errors.New("ollama URL is required")
	}
	if c.Sandbox.CodebaseRoot == "" {
		return errors.New("CODEBASE_ROOT is required")
	}
	info, err := os.Stat(c.Sandbox.CodebaseRoot)
	if err != nil {
		return fmt.Errorf("codebase root unreadable: %w", err)
	}
	if !info.IsDir() {
		return fmt.Errorf("codebase root %s is not a directory", c.Sandbox.CodebaseRoot)
	}
	if c.Retrieval.RRFK <= 0 {
		return fmt.Errorf("RRF k must be a positive integer, got %d", c.Retrieval.RRFK)
	}
	if c.Retrieval.DiversityFloor <= 0 {
		return fmt.Errorf("diversity floor must be a positive integer, got %d", c.Retrieval.DiversityFloor)
	}
	if c.Server.Mode != ModeStdio && c.Server.Mode != ModeHTTP {
		return fmt.Errorf("unknown server mode %q", c.Server.Mode)
	}
	return nil
}

func serverMode(raw string) string {
	if raw == ModeHTTP {
		return ModeHTTP
	}
	return ModeStdio
}

// resolvePort applies the port precedence: MCP_HTTP_PORT, then PORT, then
// the default. Non-positive or unparseable values fall back to the default.
func resolvePort(k *koanf.Koanf) int {
	for _, key := range []string{"mcp_http_port", "port"} {
		raw := k.String(key)
		if raw == "" {
			continue
		}
		n, err := strconv.Atoi(strings.TrimSpace(raw))
		if err != nil || n <= 0 {
			continue
		}
		return n
	}
	return defaultHTTPPort
}

func str(k *koanf.Koanf, key, def string) string {
	if v := strings.TrimSpace(k.String(key)); v != "" {
		return v
	}
	return def
}

func posInt(k *koanf.Koanf, key string, def int) int {
	raw := strings.TrimSpace(k.String(key))
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return def
	}
	return n
}
