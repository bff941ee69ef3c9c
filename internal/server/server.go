package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"aihub-gateway/internal/auth"
	"aihub-gateway/internal/chat"
	"aihub-gateway/internal/config"
	"aihub-gateway/internal/gateway"
	"aihub-gateway/internal/models"
	"aihub-gateway/internal/tableselect"
)

const (
	maxBodyBytes        = "16M" // uploads ride the analyze endpoint
	maxFileBytes        = 8 << 20
	shutdownGracePeriod = 10 * time.Second
	readTimeout         = 30 * time.Second
	idleTimeout         = 120 * time.Second

	generalTemperature  = 0.7
	databaseTemperature = 0.5
)

// doneSentinel terminates every streamed response. The stream shape
// (`data: {"chunk": ...}` events followed by this sentinel) is a client
// compatibility contract and must be preserved byte for byte.
const doneSentinel = "[DONE]"

// ContextStore is the slice of the datastore the request handlers consume.
type ContextStore interface {
	FetchSample(ctx context.Context, table string, limit int) ([]map[string]any, error)
	FetchFiltered(ctx context.Context, table, column, value string, limit int) ([]map[string]any, error)
}

// Server is the HTTP boundary in front of the gateway.
type Server struct {
	cfg      config.Config
	gw       *gateway.Gateway
	store    ContextStore
	selector *tableselect.Selector
	verifier auth.Verifier
	app      *echo.Echo
	address  string
}

// New constructs an HTTP server wired with routing and middleware.
func New(cfg config.Config, gw *gateway.Gateway, store ContextStore, selector *tableselect.Selector, verifier auth.Verifier) (*Server, error) {
	if gw == nil {
		return nil, errors.New("gateway must not be nil")
	}
	if store == nil {
		return nil, errors.New("store must not be nil")
	}
	if selector == nil {
		return nil, errors.New("table selector must not be nil")
	}
	if verifier == nil {
		return nil, errors.New("auth verifier must not be nil")
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.HTTPErrorHandler = apiErrorHandler

	e.Pre(middleware.RemoveTrailingSlash())
	e.Use(middleware.Recover())
	e.Use(middleware.RequestIDWithConfig(middleware.RequestIDConfig{
		Generator: uuid.NewString,
	}))
	e.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogLatency:   true,
		LogMethod:    true,
		LogURI:       true,
		LogStatus:    true,
		LogRequestID: true,
		LogError:     true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			slog.Info("request",
				"id", v.RequestID,
				"method", v.Method,
				"uri", v.URI,
				"status", v.Status,
				"latency_ms", v.Latency.Milliseconds(),
				"error", v.Error,
			)
			return nil
		},
	}))
	e.Use(middleware.BodyLimit(maxBodyBytes))

	srv := &Server{
		cfg:      cfg,
		gw:       gw,
		store:    store,
		selector: selector,
		verifier: verifier,
		app:      e,
		address:  fmt.Sprintf(":%d", cfg.Server.Port),
	}

	srv.registerRoutes()

	return srv, nil
}

// Run starts the HTTP server and blocks until the context is cancelled.
func (s *Server) Run(ctx context.Context) error {
	slog.Info("starting server", "addr", s.address)

	httpServer := &http.Server{
		Addr:        s.address,
		Handler:     s.app,
		ReadTimeout: readTimeout,
		// WriteTimeout stays unset: streamed responses are open-ended and a
		// fixed deadline would sever them mid-answer.
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
	s.app.POST("/ai/run", s.handleRunAI, s.requireUser)
	s.app.POST("/modules/chat-with-data/analyze", s.handleAnalyze, s.requireUser)
}

func (s *Server) handleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
}

// requireUser resolves the bearer token to a user id before the handler
// runs. All AI routes are authenticated.
func (s *Server) requireUser(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		header := c.Request().Header.Get(echo.HeaderAuthorization)
		if header == "" {
			return requestError{
				Status:  http.StatusUnauthorized,
				Message: "missing Authorization header",
				Type:    "authentication_error",
			}
		}

		token := strings.TrimPrefix(header, "Bearer ")
		id, err := s.verifier.UserID(c.Request().Context(), token)
		if err != nil {
			return requestError{
				Status:  http.StatusUnauthorized,
				Message: "authentication failed",
				Type:    "authentication_error",
			}
		}

		c.Set("user_id", id)
		return next(c)
	}
}

type runAIRequest struct {
	Messages    []models.Message `json:"messages"`
	Provider    string           `json:"provider"`
	Model       string           `json:"model"`
	Temperature *float64         `json:"temperature"`
}

type runAIResponse struct {
	Response string `json:"response"`
}

func (s *Server) handleRunAI(c echo.Context) error {
	var req runAIRequest
	if err := decodeRequestBody(c, &req); err != nil {
		return err
	}

	if len(req.Messages) == 0 {
		return requestError{
			Status:  http.StatusBadRequest,
			Message: "messages must not be empty",
			Type:    "invalid_request_error",
		}
	}
	temperature := generalTemperature
	if req.Temperature != nil {
		temperature = *req.Temperature
	}
	if temperature < 0 || temperature > 2 {
		return requestError{
			Status:  http.StatusBadRequest,
			Message: fmt.Sprintf("temperature %v is out of range [0, 2]", temperature),
			Type:    "invalid_request_error",
		}
	}

	result := s.gw.Run(c.Request().Context(), models.CompletionRequest{
		UserID:      userID(c),
		Messages:    req.Messages,
		Provider:    req.Provider,
		Model:       req.Model,
		Temperature: temperature,
	})

	return c.JSON(http.StatusOK, runAIResponse{Response: result.Text})
}

func (s *Server) handleAnalyze(c echo.Context) error {
	question := c.FormValue("question")
	if strings.TrimSpace(question) == "" {
		return requestError{
			Status:  http.StatusBadRequest,
			Message: "question is required",
			Type:    "invalid_request_error",
		}
	}

	tableName := c.FormValue("table_name")
	if tableName == "" {
		tableName = s.cfg.Tables.Default
	}
	mode := c.FormValue("mode")
	if mode == "" {
		mode = "database"
	}

	fileContext, image := s.readUpload(c)

	ctx := c.Request().Context()

	var messages []models.Message
	temperature := generalTemperature
	if mode == "database" {
		table := s.selector.Select(ctx, question, tableName)
		dbContext, columns := chat.DatabaseContext(ctx, s.store, table, question)
		messages = chat.DatabaseMessages(question, table, columns, dbContext, fileContext)
		temperature = databaseTemperature
	} else {
		messages = chat.GeneralMessages(question, fileContext)
	}

	result := s.gw.Run(ctx, models.CompletionRequest{
		UserID:      userID(c),
		Messages:    messages,
		Provider:    "gemini",
		Temperature: temperature,
		Stream:      true,
		Image:       image,
	})

	return writeChunkStream(c, result)
}

// readUpload extracts the optional uploaded file into prompt context and an
// image payload. Read problems become context text, not errors.
func (s *Server) readUpload(c echo.Context) (string, []byte) {
	fileHeader, err := c.FormFile("file")
	if err != nil {
		// No file part (or not a multipart form at all).
		return "", nil
	}

	src, err := fileHeader.Open()
	if err != nil {
		return fmt.Sprintf("Error reading file: %v\n", err), nil
	}
	defer src.Close()

	content, err := io.ReadAll(io.LimitReader(src, maxFileBytes))
	if err != nil {
		return fmt.Sprintf("Error reading file: %v\n", err), nil
	}

	return chat.FileContext(fileHeader.Filename, content)
}

func userID(c echo.Context) string {
	id, _ := c.Get("user_id").(string)
	return id
}

// writeChunkStream renders a gateway result as the streaming event
// sequence: zero or more `data: {"chunk": ...}` events and exactly one
// terminal `data: [DONE]`. Degraded text answers ride the same shape as a
// single chunk.
func writeChunkStream(c echo.Context, result gateway.Result) error {
	writer := c.Response().Writer
	flusher, ok := writer.(http.Flusher)
	if !ok {
		slog.Error("http writer does not support flushing")
		return requestError{
			Status:  http.StatusInternalServerError,
			Message: "server does not support streaming responses",
			Type:    "server_error",
		}
	}

	header := c.Response().Header()
	header.Set("Content-Type", "text/event-stream")
	header.Set("Cache-Control", "no-cache")
	header.Set("Connection", "keep-alive")
	c.Response().WriteHeader(http.StatusOK)

	if result.Stream == nil {
		if err := writeChunkEvent(writer, result.Text); err != nil {
			return err
		}
		flusher.Flush()
		return writeDone(writer, flusher)
	}

	defer result.Stream.Close()

	ctx := c.Request().Context()
	for {
		chunk, err := result.Stream.Next(ctx)
		if errors.Is(err, io.EOF) {
			return writeDone(writer, flusher)
		}
		if errors.Is(err, context.Canceled) {
			// Caller disconnected: stop pulling, release the provider
			// connection, write nothing further.
			return nil
		}
		if err != nil {
			if writeErr := writeChunkEvent(writer, fmt.Sprintf("Error: %v", err)); writeErr != nil {
				return writeErr
			}
			flusher.Flush()
			return writeDone(writer, flusher)
		}

		if err := writeChunkEvent(writer, chunk.Delta); err != nil {
			return err
		}
		flusher.Flush()
	}
}

func writeChunkEvent(w io.Writer, text string) error {
	payload, err := json.Marshal(map[string]string{"chunk": text})
	if err != nil {
		return fmt.Errorf("marshal stream event: %w", err)
	}
	if _, err := fmt.Fprintf(w, "data: %s\n\n", payload); err != nil {
		return fmt.Errorf("write stream event: %w", err)
	}
	return nil
}

func writeDone(w io.Writer, flusher http.Flusher) error {
	if _, err := fmt.Fprintf(w, "data: %s\n\n", doneSentinel); err != nil {
		return fmt.Errorf("write stream terminator: %w", err)
	}
	flusher.Flush()
	return nil
}

func decodeRequestBody[T any](c echo.Context, target *T) error {
	req := c.Request()
	defer req.Body.Close()

	decoder := json.NewDecoder(req.Body)
	if err := decoder.Decode(target); err != nil {
		if errors.Is(err, io.EOF) {
			return requestError{
				Status:  http.StatusBadRequest,
				Message: "request body is required",
				Type:    "invalid_request_error",
			}
		}
		return requestError{
			Status:  http.StatusBadRequest,
			Message: fmt.Sprintf("invalid JSON payload: %v", err),
			Type:    "invalid_request_error",
		}
	}

	if err := decoder.Decode(&struct{}{}); err != io.EOF {
		return requestError{
			Status:  http.StatusBadRequest,
			Message: "request body must contain a single JSON object",
			Type:    "invalid_request_error",
		}
	}
	return nil
}

type requestError struct {
	Status  int
	Message string
	Type    string
	Code    string
}

func (e requestError) Error() string {
	return e.Message
}

type errorBody struct {
	Error struct {
		Message string `json:"message"`
		Type    string `json:"type"`
		Code    string `json:"code,omitempty"`
	} `json:"error"`
}

func writeError(c echo.Context, status int, message, errType, code string) error {
	var payload errorBody
	payload.Error.Message = message
	payload.Error.Type = errType
	payload.Error.Code = code
	return c.JSON(status, payload)
}

func apiErrorHandler(err error, c echo.Context) {
	var reqErr requestError
	if errors.As(err, &reqErr) {
		_ = writeError(c, reqErr.Status, reqErr.Message, reqErr.Type, reqErr.Code)
		return
	}

	if errors.Is(err, auth.ErrUnauthorized) {
		_ = writeError(c, http.StatusUnauthorized, "authentication failed", "authentication_error", "")
		return
	}

	var echoErr *echo.HTTPError
	if errors.As(err, &echoErr) {
		_ = writeError(c, echoErr.Code, fmt.Sprintf("%v", echoErr.Message), "invalid_request_error", "")
		return
	}

	_ = writeError(c, http.StatusInternalServerError, "internal server error", "server_error", "")
}
