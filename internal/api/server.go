// Package api exposes the review queue, reviewer feedback and snapshot
// intake over HTTP.
package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/Veraticus/the-books-must-balance/internal/common"
	"github.com/Veraticus/the-books-must-balance/internal/metrics"
	"github.com/Veraticus/the-books-must-balance/internal/model"
	"github.com/Veraticus/the-books-must-balance/internal/service"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
)

// FeedbackRecorder applies reviewer actions.
type FeedbackRecorder interface {
	Confirm(ctx context.Context, recordID, reviewerID string) (*model.ClassificationRecord, error)
	Correct(ctx context.Context, recordID, reviewerID, correctedCode, note string) (*model.ClassificationRecord, error)
}

// Scheduler runs classifications in the background.
type Scheduler interface {
	Submit(snap model.Snapshot) bool
	Reclassify(ctx context.Context, recordID string) (*model.ClassificationRecord, error)
}

// Deps are the collaborators of the server.
type Deps struct {
	Storage   service.Storage
	Feedback  FeedbackRecorder
	Scheduler Scheduler
	Metrics   *metrics.Aggregator
	Logger    *slog.Logger
}

// Server is the HTTP operator surface.
type Server struct {
	Echo      *echo.Echo
	storage   service.Storage
	feedback  FeedbackRecorder
	scheduler Scheduler
	metrics   *metrics.Aggregator
	logger    *slog.Logger
}

// New creates a server and registers its routes.
func New(deps Deps) (*Server, error) {
	switch {
	case deps.Storage == nil:
		return nil, fmt.Errorf("%w: storage", common.ErrMissingConfig)
	case deps.Feedback == nil:
		return nil, fmt.Errorf("%w: feedback recorder", common.ErrMissingConfig)
	case deps.Scheduler == nil:
		return nil, fmt.Errorf("%w: scheduler", common.ErrMissingConfig)
	case deps.Metrics == nil:
		return nil, fmt.Errorf("%w: metrics", common.ErrMissingConfig)
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	s := &Server{
		Echo:      e,
		storage:   deps.Storage,
		feedback:  deps.Feedback,
		scheduler: deps.Scheduler,
		metrics:   deps.Metrics,
		logger:    logger,
	}
	s.routes()
	return s, nil
}

func (s *Server) routes() {
	s.Echo.Use(middleware.Recover())
	s.Echo.Use(middleware.BodyLimit("1M"))
	s.Echo.Use(s.requestLogger)

	s.Echo.GET("/healthz", s.health)
	s.Echo.GET("/metrics", echo.WrapHandler(s.metrics.Handler()))

	v1 := s.Echo.Group("/api/v1")
	v1.POST("/snapshots", s.SubmitSnapshot)
	v1.GET("/organizations/:org/pending", s.ListQueue)
	v1.GET("/organizations/:org/accuracy", s.GetAccuracy)
	v1.GET("/records/:id", s.GetRecord)
	v1.POST("/records/:id/confirm", s.ConfirmRecord)
	v1.POST("/records/:id/correct", s.CorrectRecord)
	v1.POST("/records/:id/reclassify", s.ReclassifyRecord)
}

// Start serves on addr until Shutdown is called.
func (s *Server) Start(addr string) error {
	s.logger.Info("Starting API server", "address", addr)
	if err := s.Echo.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("api server failed: %w", err)
	}
	return nil
}

// Shutdown stops the server gracefully.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.Echo.Shutdown(ctx)
}

func (s *Server) requestLogger(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		start := time.Now()
		err := next(c)
		if err != nil {
			c.Error(err)
		}
		s.logger.Debug("HTTP request",
			"method", c.Request().Method,
			"path", c.Path(),
			"status", c.Response().Status,
			"duration", time.Since(start))
		return nil
	}
}

func (s *Server) health(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
}

// ErrorResponse is the body of every failed request.
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
	Code    int    `json:"code"`
}

// HandleError maps domain errors onto HTTP status codes.
func (s *Server) HandleError(c echo.Context, err error, message string) error {
	code := statusFor(err)
	if code >= http.StatusInternalServerError {
		s.logger.Error("API error",
			"path", c.Path(),
			"message", message,
			"error", err)
	} else {
		s.logger.Debug("API request rejected",
			"path", c.Path(),
			"status", code,
			"error", err)
	}
	return c.JSON(code, ErrorResponse{Error: err.Error(), Message: message, Code: code})
}

func statusFor(err error) int {
	var userErr *common.UserError
	switch {
	case errors.Is(err, common.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, common.ErrTerminalStatus),
		errors.Is(err, common.ErrInvalidTransition),
		errors.Is(err, common.ErrPersistenceConflict):
		return http.StatusConflict
	case errors.Is(err, common.ErrIneligibleDocument),
		errors.Is(err, common.ErrExtractionIncomplete):
		return http.StatusUnprocessableEntity
	case errors.Is(err, common.ErrUnknownCode),
		errors.Is(err, common.ErrGuardrailViolation),
		errors.As(err, &userErr):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}
