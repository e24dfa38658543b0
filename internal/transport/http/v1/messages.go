package v1

import (
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"
	"github.com/xiaot623/gogo/turnorch/internal/domain"
)

type contentRequest struct {
	Content string `json:"content"`
}

// CreateSession creates a session.
// POST /v1/sessions
func (h *Handler) CreateSession(c echo.Context) error {
	var req domain.CreateSessionRequest
	if err := c.Bind(&req); err != nil {
		return badRequest(c, "invalid request body")
	}
	session, err := h.service.CreateSession(c.Request().Context(), req)
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusCreated, session)
}

// ListSessions lists sessions, newest first.
// GET /v1/sessions
func (h *Handler) ListSessions(c echo.Context) error {
	sessions, err := h.service.ListSessions(c.Request().Context())
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"sessions": sessions})
}

// GetSession returns one session.
// GET /v1/sessions/:session_id
func (h *Handler) GetSession(c echo.Context) error {
	session, err := h.service.GetSession(c.Request().Context(), c.Param("session_id"))
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusOK, session)
}

// UpdateSession patches session settings.
// PATCH /v1/sessions/:session_id
func (h *Handler) UpdateSession(c echo.Context) error {
	var req domain.UpdateSessionRequest
	if err := c.Bind(&req); err != nil {
		return badRequest(c, "invalid request body")
	}
	session, err := h.service.UpdateSession(c.Request().Context(), c.Param("session_id"), req)
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusOK, session)
}

// DeleteSession removes a session and everything recorded under it.
// DELETE /v1/sessions/:session_id
func (h *Handler) DeleteSession(c echo.Context) error {
	if err := h.service.DeleteSession(c.Request().Context(), c.Param("session_id")); err != nil {
		return writeError(c, err)
	}
	return c.NoContent(http.StatusNoContent)
}

// GetSessionMessages retrieves the transcript of a session.
// GET /v1/sessions/:session_id/messages
func (h *Handler) GetSessionMessages(c echo.Context) error {
	includeSuperseded := false
	if v := c.QueryParam("include_superseded"); v != "" {
		parsed, err := strconv.ParseBool(v)
		if err != nil {
			return badRequest(c, "include_superseded must be a boolean")
		}
		includeSuperseded = parsed
	}

	messages, err := h.service.ListMessages(c.Request().Context(), c.Param("session_id"), includeSuperseded)
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"messages": messages})
}

// PostMessage starts a turn. With ?async=true it returns as soon as the run
// exists; progress then arrives on the session stream.
// POST /v1/sessions/:session_id/messages
func (h *Handler) PostMessage(c echo.Context) error {
	var req contentRequest
	if err := c.Bind(&req); err != nil {
		return badRequest(c, "invalid request body")
	}
	turn := domain.StartTurnRequest{SessionID: c.Param("session_id"), Content: req.Content}
	ctx := c.Request().Context()

	if async, _ := strconv.ParseBool(c.QueryParam("async")); async {
		resp, err := h.service.StartTurnAsync(ctx, turn)
		if err != nil {
			return writeError(c, err)
		}
		return c.JSON(http.StatusAccepted, resp)
	}

	result, err := h.service.StartTurn(ctx, turn)
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusCreated, result)
}

// ResendMessage edits the latest user message and runs the turn again.
// PATCH /v1/sessions/:session_id/messages/:message_id
func (h *Handler) ResendMessage(c echo.Context) error {
	var req contentRequest
	if err := c.Bind(&req); err != nil {
		return badRequest(c, "invalid request body")
	}
	result, err := h.service.ResendTurn(c.Request().Context(), domain.ResendRequest{
		SessionID: c.Param("session_id"),
		MessageID: c.Param("message_id"),
		Content:   req.Content,
	})
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusCreated, result)
}

// CancelRun cancels a running run.
// POST /v1/runs/:run_id/cancel
func (h *Handler) CancelRun(c echo.Context) error {
	run, err := h.service.CancelRun(c.Request().Context(), c.Param("run_id"))
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusOK, run)
}

// ListRuns lists a session's runs, newest first.
// GET /v1/traces/sessions/:session_id
func (h *Handler) ListRuns(c echo.Context) error {
	runs, err := h.service.ListRuns(c.Request().Context(), c.Param("session_id"))
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"runs": runs})
}

// GetTrace returns a run with its steps.
// GET /v1/traces/:run_id
func (h *Handler) GetTrace(c echo.Context) error {
	run, err := h.service.GetRunWithSteps(c.Request().Context(), c.Param("run_id"))
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusOK, run)
}

// Stream pushes the session's run events over a websocket.
// GET /v1/sessions/:session_id/stream
func (h *Handler) Stream(c echo.Context) error {
	if h.hub == nil {
		return c.JSON(http.StatusNotFound, errorResponse{Error: "streaming is disabled", Code: "not_found"})
	}
	session, err := h.service.GetSession(c.Request().Context(), c.Param("session_id"))
	if err != nil {
		return writeError(c, err)
	}
	return h.hub.Serve(c, session.SessionID)
}
