// Package httpapi exposes the settlement service over HTTP: a status view
// of the accumulator and a manual flush trigger. It is consumed by the
// operator dashboard, which is outside this module.
package httpapi

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	queryfi "github.com/kshitij-hash/QueryFi"
	"github.com/kshitij-hash/QueryFi/settlement"
)

// Server wires the settlement coordinator to the HTTP surface.
type Server struct {
	coordinator *settlement.Coordinator
	logger      *slog.Logger
}

// Option configures the server.
type Option func(*Server)

// WithLogger overrides the default slog logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) {
		s.logger = logger
	}
}

// NewServer creates the settlement HTTP server.
func NewServer(coordinator *settlement.Coordinator, opts ...Option) *Server {
	s := &Server{
		coordinator: coordinator,
		logger:      slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Echo builds the routed echo instance. The caller owns startup and
// shutdown.
func (s *Server) Echo() *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.Use(middleware.Recover())

	e.GET("/settlement-status", s.handleStatus)
	e.POST("/settlement-trigger", s.handleTrigger)
	return e
}

type triggerRequest struct {
	Action string `json:"action,omitempty"`
}

type triggerResponse struct {
	Settlement queryfi.SettlementRecord `json:"settlement"`
}

type errorResponse struct {
	Error string `json:"error"`
}

// handleStatus reports the accumulator, the threshold policy, and the
// settlement history.
func (s *Server) handleStatus(c echo.Context) error {
	status, err := s.coordinator.Status(c.Request().Context())
	if err != nil {
		s.logger.Error("settlement status read failed", "error", err)
		return c.JSON(http.StatusInternalServerError, errorResponse{Error: "failed to read settlement status"})
	}
	return c.JSON(http.StatusOK, status)
}

// handleTrigger runs one settlement cycle. 400 when there is nothing to
// settle, 409 when a cycle is already running.
func (s *Server) handleTrigger(c echo.Context) error {
	var req triggerRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, errorResponse{Error: "invalid request body"})
	}
	if req.Action != "" && req.Action != "flush" {
		return c.JSON(http.StatusBadRequest, errorResponse{Error: "unknown action: " + req.Action})
	}

	record, err := s.coordinator.TriggerOnChainSettlement(c.Request().Context())
	switch {
	case errors.Is(err, queryfi.ErrNothingToSettle):
		return c.JSON(http.StatusBadRequest, errorResponse{Error: err.Error()})
	case errors.Is(err, queryfi.ErrSettlementInProgress):
		return c.JSON(http.StatusConflict, errorResponse{Error: err.Error()})
	case err != nil:
		s.logger.Error("manual settlement failed", "error", err)
		return c.JSON(http.StatusBadGateway, errorResponse{Error: err.Error()})
	}

	return c.JSON(http.StatusOK, triggerResponse{Settlement: record})
}
