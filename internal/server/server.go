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

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"github.com/timemachine-studio/tm-relay/internal/config"
	"github.com/timemachine-studio/tm-relay/internal/models"
	"github.com/timemachine-studio/tm-relay/internal/persona"
	"github.com/timemachine-studio/tm-relay/internal/relay"
)

const (
	maxBodyBytes        = 20 << 20 // 20 MiB, audio and image data URLs inline
	shutdownGracePeriod = 10 * time.Second
	readTimeout         = 30 * time.Second
	idleTimeout         = 120 * time.Second

	// Fixed user-facing failure text; upstream detail stays in server logs.
	userFacingApology = "I apologize, but I'm having trouble connecting right now. Please try again in a moment."
)

// Server is the externally reachable transport shim over the relay.
type Server struct {
	cfg     config.Config
	relay   *relay.Relay
	app     *echo.Echo
	logger  *slog.Logger
	address string
}

// New constructs an HTTP server wired with routing and middleware.
func New(cfg config.Config, rl *relay.Relay, logger *slog.Logger) (*Server, error) {
	if rl == nil {
		return nil, errors.New("relay must not be nil")
	}
	if logger == nil {
		logger = slog.Default()
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.HTTPErrorHandler = errorHandler

	e.Pre(middleware.RemoveTrailingSlash())
	e.Use(middleware.Recover())
	e.Use(middleware.RequestIDWithConfig(middleware.RequestIDConfig{
		Generator: func() string { return uuid.NewString() },
	}))
	e.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogLatency:   true,
		LogMethod:    true,
		LogURI:       true,
		LogStatus:    true,
		LogRequestID: true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			logger.Info("request",
				"request_id", v.RequestID,
				"method", v.Method,
				"uri", v.URI,
				"status", v.Status,
				"latency_ms", v.Latency.Milliseconds(),
				"error", v.Error,
			)
			return nil
		},
	}))
	e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOrigins: []string{"*"},
		AllowMethods: []string{http.MethodPost, http.MethodOptions},
		AllowHeaders: []string{echo.HeaderContentType, echo.HeaderAuthorization},
	}))

	srv := &Server{
		cfg:     cfg,
		relay:   rl,
		app:     e,
		logger:  logger,
		address: fmt.Sprintf(":%d", cfg.Server.Port),
	}

	srv.registerRoutes()

	return srv, nil
}

// Run starts the HTTP server and blocks until the context is cancelled.
func (s *Server) Run(ctx context.Context) error {
	s.logger.Info("starting server", "addr", s.address)

	httpServer := &http.Server{
		Addr:        s.address,
		Handler:     s.app,
		ReadTimeout: readTimeout,
		IdleTimeout: idleTimeout,
		// No WriteTimeout: streaming responses run as long as the upstream
		// stream does; the per-request relay deadline bounds them instead.
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
		s.logger.Info("server shutdown complete")
		return nil
	case err := <-errCh:
		return err
	}
}

// Handler exposes the underlying handler for tests.
func (s *Server) Handler() http.Handler {
	return s.app
}

func (s *Server) registerRoutes() {
	s.app.GET("/health", s.handleHealth)
	s.app.POST("/api/ai-proxy", s.handleAIProxy)
}

func (s *Server) handleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleAIProxy(c echo.Context) error {
	var req proxyRequest
	if err := decodeRequestBody(c, &req); err != nil {
		return err
	}

	chatReq, err := req.toChatRequest(c.RealIP())
	if err != nil {
		return requestError{
			Status:  http.StatusBadRequest,
			Message: err.Error(),
		}
	}

	ctx := c.Request().Context()
	if s.cfg.Server.RequestTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.cfg.Server.RequestTimeout)
		defer cancel()
	}

	if chatReq.Stream {
		return s.streamResponse(c, ctx, chatReq)
	}
	return s.bufferedResponse(c, ctx, chatReq)
}

func (s *Server) bufferedResponse(c echo.Context, ctx context.Context, req models.ChatRequest) error {
	response, err := s.relay.Respond(ctx, req)
	if err != nil {
		return s.toHTTPError(err)
	}

	payload := map[string]any{"content": response.Content}
	if response.Thinking != "" {
		payload["thinking"] = response.Thinking
	}
	if response.AudioURL != "" {
		payload["audioUrl"] = response.AudioURL
	}
	return c.JSON(http.StatusOK, payload)
}

func (s *Server) streamResponse(c echo.Context, ctx context.Context, req models.ChatRequest) error {
	writer := c.Response().Writer
	flusher, ok := writer.(http.Flusher)
	if !ok {
		s.logger.Error("http writer does not support flushing")
		return requestError{
			Status:  http.StatusInternalServerError,
			Message: userFacingApology,
		}
	}

	started := false
	emit := func(chunk string) error {
		if !started {
			c.Response().Header().Set(echo.HeaderContentType, "text/plain; charset=utf-8")
			c.Response().WriteHeader(http.StatusOK)
			started = true
		}
		if _, err := io.WriteString(writer, chunk); err != nil {
			return fmt.Errorf("write stream chunk: %w", err)
		}
		flusher.Flush()
		return nil
	}

	if err := s.relay.RespondStream(ctx, req, emit); err != nil {
		if !started {
			return s.toHTTPError(err)
		}
		// Headers are gone; all that is left is to log and close.
		s.logger.Error("stream aborted mid-response", "error", err)
		return nil
	}

	if !started {
		// Empty upstream stream: still answer with an empty 200 body.
		c.Response().Header().Set(echo.HeaderContentType, "text/plain; charset=utf-8")
		c.Response().WriteHeader(http.StatusOK)
	}
	return nil
}

func (s *Server) toHTTPError(err error) error {
	switch {
	case errors.Is(err, relay.ErrRateLimited):
		return requestError{
			Status:  http.StatusTooManyRequests,
			Message: "Rate limit exceeded. Please try again tomorrow.",
			Type:    "rateLimit",
		}
	case errors.Is(err, persona.ErrUnknownPersona):
		return requestError{
			Status:  http.StatusBadRequest,
			Message: err.Error(),
		}
	case errors.Is(err, context.DeadlineExceeded):
		s.logger.Error("request deadline exceeded", "error", err)
		return requestError{
			Status:  http.StatusGatewayTimeout,
			Message: userFacingApology,
		}
	default:
		s.logger.Error("relay request failed", "error", err)
		return requestError{
			Status:  http.StatusInternalServerError,
			Message: userFacingApology,
		}
	}
}

func decodeRequestBody[T any](c echo.Context, target *T) error {
	req := c.Request()
	defer req.Body.Close()

	req.Body = http.MaxBytesReader(c.Response(), req.Body, maxBodyBytes)

	decoder := json.NewDecoder(req.Body)
	if err := decoder.Decode(target); err != nil {
		if errors.Is(err, io.EOF) {
			return requestError{
				Status:  http.StatusBadRequest,
				Message: "request body is required",
			}
		}
		return requestError{
			Status:  http.StatusBadRequest,
			Message: fmt.Sprintf("invalid JSON payload: %v", err),
		}
	}
	return nil
}

type requestError struct {
	Status  int
	Message string
	Type    string
}

func (e requestError) Error() string {
	return e.Message
}

type errorBody struct {
	Error string `json:"error"`
	Type  string `json:"type,omitempty"`
}

func errorHandler(err error, c echo.Context) {
	if c.Response().Committed {
		return
	}

	var reqErr requestError
	if errors.As(err, &reqErr) {
		_ = c.JSON(reqErr.Status, errorBody{Error: reqErr.Message, Type: reqErr.Type})
		return
	}

	var httpErr *echo.HTTPError
	if errors.As(err, &httpErr) {
		message := http.StatusText(httpErr.Code)
		if m, ok := httpErr.Message.(string); ok {
			message = m
		}
		_ = c.JSON(httpErr.Code, errorBody{Error: message})
		return
	}

	_ = c.JSON(http.StatusInternalServerError, errorBody{Error: userFacingApology})
}
