// Compassd answers agent queries about indexed source repositories with
// verifiable evidence: ranked snippets, bounded file reads, and grounded
// answers.
//
// The server speaks JSON-RPC over stdio by default and over HTTP when
// MCP_SERVER_MODE=http. Configuration comes from the environment and from
// .env/.env.local files; see internal/config.
//
// Usage:
//
//	# Start on stdio with defaults
//	CODEBASE_ROOT=/srv/repos compassd
//
//	# Start the HTTP transport
//	CODEBASE_ROOT=/srv/repos MCP_SERVER_MODE=http MCP_HTTP_PORT=3001 compassd
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/codecompass/compassd/internal/config"
	"github.com/codecompass/compassd/internal/logging"
	"github.com/codecompass/compassd/internal/ollama"
	"github.com/codecompass/compassd/internal/protocol"
	"github.com/codecompass/compassd/internal/retrieval"
	"github.com/codecompass/compassd/internal/sandbox"
	"github.com/codecompass/compassd/internal/scope"
	"github.com/codecompass/compassd/internal/tools"
	"github.com/codecompass/compassd/internal/transport"
	"github.com/codecompass/compassd/internal/vectorstore"
)

// Version information (set via ldflags during build).
var (
	version   = "dev"
	gitCommit = "unknown"
	buildDate = "unknown"
)

// shutdownTimeout bounds the graceful HTTP shutdown.
const shutdownTimeout = 10 * time.Second

var envDirs []string

var rootCmd = &cobra.Command{
	Use:   "compassd",
	Short: "Retrieval server for code search with verifiable evidence",
	Long: `compassd serves three tools over JSON-RPC: search_code, open_file, and
ask_code. It queries Qdrant collections for similar code chunks, reads
files inside a sandboxed codebase root, and answers questions grounded
in the retrieved snippets.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE: func(cmd *cobra.Command, _ []string) error {
		return run(cmd.Context())
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Show version information",
	Run: func(*cobra.Command, []string) {
		fmt.Printf("compassd\n")
		fmt.Printf("Version:    %s\n", version)
		fmt.Printf("Commit:     %s\n", gitCommit)
		fmt.Printf("Build Date: %s\n", buildDate)
	},
}

func init() {
	rootCmd.PersistentFlags().StringSliceVar(&envDirs, "env-dir", []string{"."},
		"directories searched for .env and .env.local, highest precedence first")
	rootCmd.AddCommand(versionCmd)
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "compassd: %v\n", err)
		os.Exit(1)
	}
}

// run wires the full service and blocks until the transport stops.
func run(ctx context.Context) error {
	cfg, err := config.Load(envDirs...)
	if err != nil {
		return fmt.Errorf("loading configuration: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	logger, err := logging.New(logging.Config{
		Level:  cfg.Log.Level,
		Format: cfg.Log.Format,
	})
	if err != nil {
		return fmt.Errorf("initializing logger: %w", err)
	}
	defer func() {
		_ = logging.Sync(logger)
	}()

	logger.Info("starting compassd",
		zap.String("version", version),
		zap.String("mode", cfg.Server.Mode),
		zap.String("codebase_root", cfg.Sandbox.CodebaseRoot),
		zap.Bool("allow_global_scope", cfg.Sandbox.AllowGlobalScope))

	sb, err := sandbox.New(cfg.Sandbox.CodebaseRoot)
	if err != nil {
		return fmt.Errorf("initializing sandbox: %w", err)
	}

	searchClient, err := newSearchClient(cfg, logger)
	if err != nil {
		return fmt.Errorf("initializing vector store client: %w", err)
	}

	ollamaClient, err := ollama.NewClient(ollama.Config{
		BaseURL: cfg.Ollama.URL,
		Timeout: cfg.Ollama.Timeout,
	}, logger)
	if err != nil {
		return fmt.Errorf("initializing ollama client: %w", err)
	}

	engine := retrieval.NewEngine(searchClient, retrieval.Config{
		CollectionCode: cfg.Qdrant.CollectionCode,
		CollectionDocs: cfg.Qdrant.CollectionDocs,
		RRFK:           cfg.Retrieval.RRFK,
		DiversityFloor: cfg.Retrieval.DiversityFloor,
	}, logger)

	resolver := scope.NewResolver(cfg.Sandbox.AllowGlobalScope)
	search := tools.NewSearchTool(resolver, engine, logger)
	reader := tools.NewFileReaderTool(sb, logger)
	ask := tools.NewAskTool(resolver, search, reader, ollamaClient, ollamaClient, tools.ModelConfig{
		EmbeddingModelCode: cfg.Ollama.EmbeddingModelCode,
		EmbeddingModelDocs: cfg.Ollama.EmbeddingModelDocs,
		DefaultLLMModel:    cfg.Ollama.LLMModel,
	}, logger)

	dispatcher := protocol.NewDispatcher(search, reader, ask,
		protocol.ServerInfo{Name: "compassd", Version: version}, logger)

	if cfg.Server.Mode == config.ModeHTTP {
		return runHTTP(ctx, dispatcher, cfg, logger)
	}
	return runStdio(ctx, dispatcher, logger)
}

// newSearchClient picks the live Qdrant client, or the offline mock when
// MCP_QDRANT_MOCK_RESPONSE is set.
func newSearchClient(cfg *config.Config, logger *zap.Logger) (vectorstore.SearchClient, error) {
	if cfg.MockResponse != "" {
		logger.Warn("serving mock search responses; live Qdrant is bypassed")
		return vectorstore.NewMockClient(cfg.MockResponse)
	}
	return vectorstore.NewClient(vectorstore.Config{
		BaseURL: cfg.Qdrant.URL,
		APIKey:  cfg.Qdrant.APIKey,
		Timeout: cfg.Qdrant.Timeout,
	}, logger)
}

func runStdio(ctx context.Context, dispatcher *protocol.Dispatcher, logger *zap.Logger) error {
	srv := transport.NewStdioServer(dispatcher, os.Stdin, os.Stdout, logger)
	err := srv.Run(ctx)
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func runHTTP(ctx context.Context, dispatcher *protocol.Dispatcher, cfg *config.Config, logger *zap.Logger) error {
	srv, err := transport.NewHTTPServer(dispatcher, logger, transport.HTTPConfig{
		Host: cfg.Server.HTTPHost,
		Port: cfg.Server.HTTPPort,
	})
	if err != nil {
		return fmt.Errorf("initializing http server: %w", err)
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}
