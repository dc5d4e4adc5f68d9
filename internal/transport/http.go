package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/codecompass/compassd/internal/protocol"
)

// maxRequestBody bounds a POST /mcp body.
const maxRequestBody = 16 << 20

// invalidRequestBody is the fixed reply for requests that are not
// JSON-RPC 2.0 shaped.
const invalidRequestBody = `{"jsonrpc":"2.0","id":null,"error":{"code":-32600,"message":"invalid request"}}`

// HTTPConfig holds HTTP server configuration.
type HTTPConfig struct {
	Host string
	Port int
}

// HTTPServer exposes the dispatcher on POST /mcp, plus health and metrics
// endpoints.
type HTTPServer struct {
	echo       *echo.Echo
	dispatcher *protocol.Dispatcher
	logger     *zap.Logger
	config     HTTPConfig
}

// NewHTTPServer creates the HTTP server.
func NewHTTPServer(dispatcher *protocol.Dispatcher, logger *zap.Logger, cfg HTTPConfig) (*HTTPServer, error) {
	if dispatcher == nil {
		return nil, fmt.Errorf("dispatcher cannot be nil")
	}
	if logger == nil {
		return nil, fmt.Errorf("logger is required for request tracking and debugging")
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.Recover())
	e.Use(middleware.RequestID())
	e.Use(func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			err := next(c)

			logger.Info("http request",
				zap.String("method", c.Request().Method),
				zap.String("uri", c.Request().RequestURI),
				zap.Int("status", c.Response().Status),
				zap.Duration("duration", time.Since(start)),
				zap.String("request_id", c.Response().Header().Get(echo.HeaderXRequestID)),
			)
			return err
		}
	})

	s := &HTTPServer{
		echo:       e,
		dispatcher: dispatcher,
		logger:     logger,
		config:     cfg,
	}
	s.registerRoutes()
	return s, nil
}

func (s *HTTPServer) registerRoutes() {
	s.echo.POST("/mcp", s.handleMCP)
	s.echo.GET("/health", s.handleHealth)
	s.echo.GET("/metrics", echo.WrapHandler(promhttp.Handler()))
}

// HealthResponse is the response body for GET /health.
type HealthResponse struct {
	Status string `json:"status"`
}

func (s *HTTPServer) handleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, HealthResponse{Status: "ok"})
}

// handleMCP accepts exactly one JSON-RPC message per request. Requests
// that are not JSON-RPC 2.0 shaped get 400; notifications get 204.
func (s *HTTPServer) handleMCP(c echo.Context) error {
	body, err := io.ReadAll(io.LimitReader(c.Request().Body, maxRequestBody))
	if err != nil {
		return c.JSONBlob(http.StatusBadRequest, []byte(invalidRequestBody))
	}

	var probe struct {
		JSONRPC string `json:"jsonrpc"`
		Method  string `json:"method"`
	}
	if err := json.Unmarshal(body, &probe); err != nil || probe.JSONRPC != "2.0" || probe.Method == "" {
		return c.JSONBlob(http.StatusBadRequest, []byte(invalidRequestBody))
	}

	out, ok := s.dispatcher.Handle(c.Request().Context(), body)
	if !ok {
		return c.NoContent(http.StatusNoContent)
	}
	return c.JSONBlob(http.StatusOK, out)
}

// Start starts the HTTP server.
func (s *HTTPServer) Start() error {
	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)
	s.logger.Info("starting http server", zap.String("addr", addr))
	return s.echo.Start(addr)
}

// Shutdown gracefully shuts down the server.
func (s *HTTPServer) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down http server")
	return s.echo.Shutdown(ctx)
}

// Handler exposes the underlying handler for tests.
func (s *HTTPServer) Handler() http.Handler {
	return s.echo
}
