package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"nim-relay/internal/config"
	"nim-relay/internal/modelmap"
	"nim-relay/internal/models"
	"nim-relay/internal/transcoder"
	"nim-relay/internal/upstream/nim"
)

const (
	serviceName = "nim-relay"

	maxBodyBytes        = 1 << 20 // 1 MiB
	shutdownGracePeriod = 10 * time.Second
	readTimeout         = 30 * time.Second
	idleTimeout         = 120 * time.Second
)

type Server struct {
	cfg     config.Settings
	table   *modelmap.Table
	tc      *transcoder.Transcoder
	app     *echo.Echo
	address string
}

// New constructs an HTTP server wired with routing and middleware.
func New(cfg config.Settings, table *modelmap.Table, tc *transcoder.Transcoder) (*Server, error) {
	if table == nil {
		return nil, errors.New("model table must not be nil")
	}
	if tc == nil {
		return nil, errors.New("transcoder must not be nil")
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.HTTPErrorHandler = envelopeErrorHandler

	e.Pre(middleware.RemoveTrailingSlash())
	e.Use(middleware.Recover())
	e.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogLatency: true,
		LogMethod:  true,
		LogURI:     true,
		LogStatus:  true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			slog.Info("request",
				"method", v.Method,
				"uri", v.URI,
				"status", v.Status,
				"latency_ms", v.Latency.Milliseconds(),
				"error", v.Error,
			)
			return nil
		},
	}))
	e.Use(middleware.SecureWithConfig(middleware.SecureConfig{
		XSSProtection:         "1; mode=block",
		ContentTypeNosniff:    "nosniff",
		XFrameOptions:         "DENY",
		HSTSMaxAge:            31536000,
		ContentSecurityPolicy: "default-src 'none'; frame-ancestors 'none'; form-action 'none'",
	}))

	srv := &Server{
		cfg:     cfg,
		table:   table,
		tc:      tc,
		app:     e,
		address: fmt.Sprintf(":%d", cfg.Port),
	}

	srv.registerRoutes()

	return srv, nil
}

// Run starts the HTTP server and blocks until the context is cancelled.
func (s *Server) Run(ctx context.Context) error {
	printStartupBanner(s.cfg.Port, s.cfg.APIConfigured())
	slog.Info("starting server", "addr", s.address)

	// No write timeout: streamed responses stay open as long as upstream does.
	httpServer := &http.Server{
		Addr:        s.address,
		Handler:     s.app,
		ReadTimeout: readTimeout,
		IdleTimeout: idleTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := s.app.StartServer(httpServer); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGracePeriod)
		defer cancel()
		if err := s.app.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("graceful shutdown failed: %w", err)
		}
		slog.Info("server shutdown complete")
		return nil
	case err := <-errCh:
		return err
	}
}

func (s *Server) registerRoutes() {
	s.app.GET("/health", s.handleHealth)
	s.app.GET("/", s.handleRoot)
	s.app.GET("/v1/models", s.handleModels)
	s.app.POST("/v1/chat/completions", s.handleChatCompletions)
}

func (s *Server) handleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]any{
		"status":         "ok",
		"service":        serviceName,
		"api_configured": s.cfg.APIConfigured(),
	})
}

func (s *Server) handleRoot(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]any{
		"service": serviceName,
		"endpoints": map[string]string{
			"health":           "GET /health",
			"models":           "GET /v1/models",
			"chat_completions": "POST /v1/chat/completions",
		},
	})
}

func (s *Server) handleModels(c echo.Context) error {
	now := time.Now().UnixMilli()

	ids := s.table.IDs()
	cards := make([]models.ModelCard, 0, len(ids))
	for _, id := range ids {
		cards = append(cards, models.ModelCard{
			ID:      id,
			Object:  "model",
			Created: now,
			OwnedBy: "nvidia",
		})
	}

	return c.JSON(http.StatusOK, models.ModelList{
		Object: "list",
		Data:   cards,
	})
}

func (s *Server) handleChatCompletions(c echo.Context) error {
	var req models.ChatCompletionRequest
	decodeRequestBody(c, &req)

	ctx := c.Request().Context()

	httpResp, streaming, err := s.tc.Dispatch(ctx, req)
	if err != nil {
		return toRequestError(err)
	}
	defer httpResp.Body.Close()

	if streaming {
		return s.relayStream(c, httpResp.Body)
	}

	callerResp, err := s.tc.Reshape(req.Model, httpResp.Body)
	if err != nil {
		return toRequestError(err)
	}

	return c.JSON(http.StatusOK, callerResp)
}

// relayStream forwards the open upstream byte stream to the caller verbatim.
// Once the event-stream headers are on the wire a later upstream failure can
// only be logged; the connection is simply ended.
func (s *Server) relayStream(c echo.Context, src io.Reader) error {
	writer := c.Response().Writer
	flusher, ok := writer.(http.Flusher)
	if !ok {
		slog.Error("http writer does not support flushing")
		return requestError{
			Status:  http.StatusInternalServerError,
			Message: "server does not support streaming responses",
			Type:    models.ErrorTypeUpstream,
			Code:    http.StatusInternalServerError,
		}
	}

	header := c.Response().Header()
	header.Set("Content-Type", "text/event-stream")
	header.Set("Cache-Control", "no-cache")
	header.Set("Connection", "keep-alive")

	c.Response().WriteHeader(http.StatusOK)

	if err := transcoder.Relay(writer, flusher.Flush, src); err != nil {
		slog.Error("upstream stream failed mid-transfer", "err", err)
	}
	return nil
}

// decodeRequestBody fills target from the request body on a best-effort
// basis. Malformed bodies are not rejected here: whatever decoded is
// forwarded, and any upstream rejection surfaces through the error path.
func decodeRequestBody[T any](c echo.Context, target *T) {
	req := c.Request()
	defer req.Body.Close()

	req.Body = http.MaxBytesReader(c.Response(), req.Body, maxBodyBytes)

	if err := json.NewDecoder(req.Body).Decode(target); err != nil {
		slog.Warn("request body did not decode cleanly", "err", err)
	}
}

type requestError struct {
	Status  int
	Message string
	Type    string
	Code    int
}

func (e requestError) Error() string {
	return e.Message
}

func writeError(c echo.Context, status int, message, errType string, code int) error {
	return c.JSON(status, models.NewErrorEnvelope(message, errType, code))
}

// envelopeErrorHandler is the single funnel converting every failure into the
// wire error envelope.
func envelopeErrorHandler(err error, c echo.Context) {
	if c.Response().Committed {
		return
	}

	var reqErr requestError
	if errors.As(err, &reqErr) {
		_ = writeError(c, reqErr.Status, reqErr.Message, reqErr.Type, reqErr.Code)
		return
	}

	var httpErr *echo.HTTPError
	if errors.As(err, &httpErr) && (httpErr.Code == http.StatusNotFound || httpErr.Code == http.StatusMethodNotAllowed) {
		req := c.Request()
		message := fmt.Sprintf("no route for %s %s", req.Method, req.URL.Path)
		_ = writeError(c, http.StatusNotFound, message, models.ErrorTypeNotFound, http.StatusNotFound)
		return
	}

	// Catch-all for failures that never reached toRequestError, such as a
	// recovered panic. The taxonomy has no generic server tag, so these carry
	// the upstream tag with a fixed 500.
	_ = writeError(c, http.StatusInternalServerError, "internal server error", models.ErrorTypeUpstream, http.StatusInternalServerError)
}

func toRequestError(err error) error {
	var reqErr requestError
	if errors.As(err, &reqErr) {
		return reqErr
	}

	if errors.Is(err, transcoder.ErrNoCredential) {
		return requestError{
			Status:  http.StatusInternalServerError,
			Message: err.Error(),
			Type:    models.ErrorTypeConfiguration,
		}
	}

	var apiErr *nim.APIError
	if errors.As(err, &apiErr) {
		return requestError{
			Status:  apiErr.Status,
			Message: apiErr.Message,
			Type:    models.ErrorTypeUpstream,
			Code:    apiErr.Status,
		}
	}

	// Network failures, malformed upstream bodies, and anything else from the
	// upstream call path.
	return requestError{
		Status:  http.StatusInternalServerError,
		Message: err.Error(),
		Type:    models.ErrorTypeUpstream,
		Code:    http.StatusInternalServerError,
	}
}

func printStartupBanner(port int, apiConfigured bool) {
	host := "127.0.0.1"
	fmt.Println()
	fmt.Println("nim-relay ready")
	fmt.Printf("Listening on http://%s:%d\n", host, port)
	fmt.Println("Endpoints:")
	fmt.Println("  GET  /health")
	fmt.Println("  GET  /v1/models")
	fmt.Println("  POST /v1/chat/completions")
	if !apiConfigured {
		fmt.Println("Warning: NVIDIA_API_KEY is not set; chat completions will fail until it is configured.")
	}
	fmt.Printf("Example:\n  curl http://%s:%d/v1/chat/completions -H 'Content-Type: application/json' -d '{\"model\":\"gpt-3.5-turbo\",\"messages\":[{\"role\":\"user\",\"content\":\"hello\"}]}'\n\n", host, port)
}
