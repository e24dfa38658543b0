// Package v1 serves the public HTTP API of the orchestrator.
package v1

import (
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"github.com/xiaot623/gogo/turnorch/internal/config"
	"github.com/xiaot623/gogo/turnorch/internal/domain"
	"github.com/xiaot623/gogo/turnorch/internal/service"
	"github.com/xiaot623/gogo/turnorch/internal/stream"
)

// Handler handles HTTP requests.
type Handler struct {
	service *service.Service
	hub     *stream.Hub
}

// NewHandler creates a new handler. hub may be nil, which disables the
// websocket stream.
func NewHandler(service *service.Service, hub *stream.Hub) *Handler {
	return &Handler{
		service: service,
		hub:     hub,
	}
}

// RegisterRoutes registers the public routes with the echo server.
func (h *Handler) RegisterRoutes(e *echo.Echo) {
	e.GET("/health", h.Health)

	v1 := e.Group("/v1")
	v1.GET("/config", h.GetConfig)
	v1.GET("/models", h.ListModels)

	// Sessions and transcript
	v1.POST("/sessions", h.CreateSession)
	v1.GET("/sessions", h.ListSessions)
	v1.GET("/sessions/:session_id", h.GetSession)
	v1.PATCH("/sessions/:session_id", h.UpdateSession)
	v1.DELETE("/sessions/:session_id", h.DeleteSession)
	v1.GET("/sessions/:session_id/messages", h.GetSessionMessages)
	v1.POST("/sessions/:session_id/messages", h.PostMessage)
	v1.PATCH("/sessions/:session_id/messages/:message_id", h.ResendMessage)
	v1.GET("/sessions/:session_id/stream", h.Stream)

	// Runs and traces
	v1.POST("/runs/:run_id/cancel", h.CancelRun)
	v1.GET("/traces/sessions/:session_id", h.ListRuns)
	v1.GET("/traces/:run_id", h.GetTrace)

	// Tools and documents
	v1.GET("/sessions/:session_id/tools", h.ListSessionTools)
	v1.POST("/sessions/:session_id/tools/run", h.RunTool)
	v1.GET("/tools/:server_name", h.ListServerTools)
	v1.POST("/sessions/:session_id/documents", h.IngestDocument)
}

// Health returns health status and, with streaming enabled, the number of
// open stream connections.
func (h *Handler) Health(c echo.Context) error {
	resp := map[string]interface{}{
		"status":  "healthy",
		"version": "0.1.0",
	}
	if h.hub != nil {
		resp["stream_connections"] = h.hub.ConnectionCount()
	}
	return c.JSON(http.StatusOK, resp)
}

type configResponse struct {
	config.PublicView
	Models []modelResponse `json:"models"`
}

type modelResponse struct {
	ID      string `json:"id"`
	OwnedBy string `json:"owned_by,omitempty"`
}

// GetConfig returns the client-safe configuration and the available models.
// GET /v1/config
func (h *Handler) GetConfig(c echo.Context) error {
	resp := configResponse{PublicView: h.service.Config().Public(), Models: []modelResponse{}}
	models, err := h.service.ListModels(c.Request().Context())
	if err != nil {
		log.Warn().Err(err).Msg("Model discovery failed for config view")
	}
	for _, m := range models {
		resp.Models = append(resp.Models, modelResponse{ID: m.ID, OwnedBy: m.OwnedBy})
	}
	return c.JSON(http.StatusOK, resp)
}

// ListModels returns the models the backend offers.
// GET /v1/models
func (h *Handler) ListModels(c echo.Context) error {
	models, err := h.service.ListModels(c.Request().Context())
	if err != nil {
		return writeError(c, err)
	}
	out := make([]modelResponse, 0, len(models))
	for _, m := range models {
		out = append(out, modelResponse{ID: m.ID, OwnedBy: m.OwnedBy})
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"models": out})
}

// errorResponse is the body of every failed request.
type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
	RunID string `json:"run_id,omitempty"`
}

// writeError maps domain errors onto HTTP statuses.
func writeError(c echo.Context, err error) error {
	var (
		validation *domain.ValidationError
		notFound   *domain.NotFoundError
		conflict   *domain.ConflictError
		runFailed  *domain.RunFailedError
		cancelled  *domain.RunCancelledError
	)
	switch {
	case errors.As(err, &validation):
		return c.JSON(http.StatusBadRequest, errorResponse{Error: err.Error(), Code: "validation"})
	case errors.As(err, &notFound):
		return c.JSON(http.StatusNotFound, errorResponse{Error: err.Error(), Code: "not_found"})
	case errors.As(err, &conflict):
		return c.JSON(http.StatusConflict, errorResponse{Error: err.Error(), Code: "conflict", RunID: conflict.RunID})
	case errors.As(err, &runFailed):
		return c.JSON(http.StatusBadGateway, errorResponse{Error: err.Error(), Code: "run_failed", RunID: runFailed.RunID})
	case errors.As(err, &cancelled):
		return c.JSON(http.StatusConflict, errorResponse{Error: err.Error(), Code: "cancelled", RunID: cancelled.RunID})
	}
	log.Error().Err(err).Str("path", c.Path()).Msg("Request failed")
	return c.JSON(http.StatusInternalServerError, errorResponse{Error: err.Error(), Code: "internal"})
}

func badRequest(c echo.Context, msg string) error {
	return c.JSON(http.StatusBadRequest, errorResponse{Error: msg, Code: "validation"})
}
