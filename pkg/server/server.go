// Package server exposes the transaction lifecycle over HTTP.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/epistemd/pkg/evidence"
	"github.com/fyrsmithlabs/epistemd/pkg/transaction"
	"github.com/fyrsmithlabs/epistemd/pkg/vectors"
)

// Server provides HTTP endpoints for epistemd.
type Server struct {
	echo    *echo.Echo
	manager *transaction.Manager
	logger  *zap.Logger
	config  *Config
	metrics *Metrics
}

// Config holds HTTP server configuration.
type Config struct {
	Host string
	Port int
}

// NewServer creates a new HTTP server.
func NewServer(manager *transaction.Manager, logger *zap.Logger, cfg *Config) (*Server, error) {
	if manager == nil {
		return nil, fmt.Errorf("manager cannot be nil")
	}
	if logger == nil {
		return nil, fmt.Errorf("logger is required for request tracking and debugging")
	}
	if cfg == nil {
		cfg = &Config{
			Host: "localhost",
			Port: 9180,
		}
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	// Middleware
	e.Use(middleware.Recover())
	e.Use(middleware.RequestID())
	e.Use(func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			err := next(c)
			duration := time.Since(start)

			logger.Info("http request",
				zap.String("method", c.Request().Method),
				zap.String("uri", c.Request().RequestURI),
				zap.Int("status", c.Response().Status),
				zap.Duration("duration", duration),
				zap.String("request_id", c.Response().Header().Get(echo.HeaderXRequestID)),
			)

			return err
		}
	})

	s := &Server{
		echo:    e,
		manager: manager,
		logger:  logger,
		config:  cfg,
		metrics: NewMetrics(),
	}

	// Register routes
	s.registerRoutes()

	return s, nil
}

// registerRoutes sets up the HTTP endpoints.
func (s *Server) registerRoutes() {
	// Health check and metrics
	s.echo.GET("/health", s.handleHealth)
	s.echo.GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	// Lifecycle RPCs
	rpc := s.echo.Group("/rpc")
	rpc.POST("/open-transaction", s.handleOpen)
	rpc.POST("/gate-check", s.handleGate)
	rpc.POST("/close-transaction", s.handleClose)
	rpc.GET("/transaction/:id", s.handleGet)
}

// Error kinds returned in the response envelope.
const (
	errKindInvalidVector     = "invalid_vector"
	errKindNoOpenTransaction = "no_open_transaction"
	errKindNotFound          = "not_found"
	errKindBadRequest        = "bad_request"
	errKindInternal          = "internal"
)

// Response is the envelope for every RPC reply.
type Response struct {
	OK        bool   `json:"ok"`
	ErrorKind string `json:"error_kind,omitempty"`
	Error     string `json:"error,omitempty"`
	Result    any    `json:"result,omitempty"`
}

// OpenRequest is the request body for POST /rpc/open-transaction.
type OpenRequest struct {
	SessionID       string             `json:"session_id"`
	Vectors         map[string]float64 `json:"vectors"`
	TaskDescription string             `json:"task_description"`
}

// GateRequest is the request body for POST /rpc/gate-check.
type GateRequest struct {
	TransactionID     string             `json:"transaction_id"`
	Vectors           map[string]float64 `json:"vectors"`
	ActionDescription string             `json:"action_description"`
}

// CloseRequest is the request body for POST /rpc/close-transaction.
type CloseRequest struct {
	TransactionID string             `json:"transaction_id"`
	Vectors       map[string]float64 `json:"vectors"`
	Summary       string             `json:"summary"`

	// Goals is the caller's goal progress for this window; when present it
	// joins the grounding pass as an evidence source.
	Goals *GoalProgress `json:"goals,omitempty"`
}

// GoalProgress reports completed vs. planned goals at close.
type GoalProgress struct {
	Completed int `json:"completed"`
	Total     int `json:"total"`
}

// HealthResponse is the response body for GET /health.
type HealthResponse struct {
	Status string `json:"status"`
}

func (s *Server) handleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, HealthResponse{Status: "ok"})
}

func (s *Server) handleOpen(c echo.Context) error {
	var req OpenRequest
	if err := c.Bind(&req); err != nil {
		s.logger.Warn("invalid open request", zap.Error(err))
		return fail(c, http.StatusBadRequest, errKindBadRequest, "invalid request body")
	}

	vs, err := vectors.FromMap(req.Vectors)
	if err != nil {
		return fail(c, http.StatusBadRequest, errKindInvalidVector, err.Error())
	}

	res, err := s.manager.Open(c.Request().Context(), req.SessionID, vs, req.TaskDescription)
	if err != nil {
		return s.failFromError(c, err)
	}
	if !res.Resumed {
		s.metrics.TransactionsOpenedTotal.Inc()
	}
	return c.JSON(http.StatusOK, Response{OK: true, Result: res})
}

func (s *Server) handleGate(c echo.Context) error {
	var req GateRequest
	if err := c.Bind(&req); err != nil {
		s.logger.Warn("invalid gate request", zap.Error(err))
		return fail(c, http.StatusBadRequest, errKindBadRequest, "invalid request body")
	}

	vs, err := vectors.FromMap(req.Vectors)
	if err != nil {
		return fail(c, http.StatusBadRequest, errKindInvalidVector, err.Error())
	}

	res, err := s.manager.Gate(c.Request().Context(), req.TransactionID, vs, req.ActionDescription)
	if err != nil {
		return s.failFromError(c, err)
	}
	s.metrics.GateDecisionsTotal.WithLabelValues(string(res.Outcome.Final)).Inc()
	return c.JSON(http.StatusOK, Response{OK: true, Result: res})
}

func (s *Server) handleClose(c echo.Context) error {
	var req CloseRequest
	if err := c.Bind(&req); err != nil {
		s.logger.Warn("invalid close request", zap.Error(err))
		return fail(c, http.StatusBadRequest, errKindBadRequest, "invalid request body")
	}

	vs, err := vectors.FromMap(req.Vectors)
	if err != nil {
		return fail(c, http.StatusBadRequest, errKindInvalidVector, err.Error())
	}

	var extra []evidence.Source
	if req.Goals != nil {
		extra = append(extra, &evidence.GoalSource{
			Completed: req.Goals.Completed,
			Total:     req.Goals.Total,
		})
	}

	res, err := s.manager.Close(c.Request().Context(), req.TransactionID, vs, req.Summary, extra...)
	if err != nil {
		return s.failFromError(c, err)
	}
	s.metrics.TransactionsClosedTotal.Inc()
	if !res.Sync.FullySynced() {
		s.metrics.StorageDegradedTotal.Inc()
	}
	if res.Calibration != nil && res.Calibration.CalibrationScore != nil {
		s.metrics.CalibrationScore.Observe(*res.Calibration.CalibrationScore)
	}
	return c.JSON(http.StatusOK, Response{OK: true, Result: res})
}

func (s *Server) handleGet(c echo.Context) error {
	txn, err := s.manager.Get(c.Request().Context(), c.Param("id"))
	if err != nil {
		return s.failFromError(c, err)
	}
	return c.JSON(http.StatusOK, Response{OK: true, Result: txn})
}

// failFromError maps domain errors onto the envelope's error kinds.
func (s *Server) failFromError(c echo.Context, err error) error {
	switch {
	case errors.Is(err, vectors.ErrInvalidVector),
		errors.Is(err, vectors.ErrUnknownDimension),
		errors.Is(err, vectors.ErrMissingDimension):
		return fail(c, http.StatusBadRequest, errKindInvalidVector, err.Error())
	case errors.Is(err, transaction.ErrNoOpenTransaction):
		return fail(c, http.StatusConflict, errKindNoOpenTransaction, err.Error())
	case errors.Is(err, transaction.ErrTransactionNotFound):
		return fail(c, http.StatusNotFound, errKindNotFound, err.Error())
	case errors.Is(err, transaction.ErrSessionRequired):
		return fail(c, http.StatusBadRequest, errKindBadRequest, err.Error())
	}
	s.logger.Error("rpc failed", zap.Error(err))
	return fail(c, http.StatusInternalServerError, errKindInternal, "internal error")
}

func fail(c echo.Context, status int, kind, msg string) error {
	return c.JSON(status, Response{OK: false, ErrorKind: kind, Error: msg})
}

// Start starts the HTTP server.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)
	s.logger.Info("starting http server", zap.String("addr", addr))
	return s.echo.Start(addr)
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down http server")
	return s.echo.Shutdown(ctx)
}
