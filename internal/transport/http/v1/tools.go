package v1

import (
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/xiaot623/gogo/turnorch/internal/domain"
)

// ListSessionTools returns the tool definitions offered to the model in a
// session.
// GET /v1/sessions/:session_id/tools
func (h *Handler) ListSessionTools(c echo.Context) error {
	defs, err := h.service.ListSessionTools(c.Request().Context(), c.Param("session_id"))
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"tools": defs})
}

// ListServerTools lists the tools of one configured server.
// GET /v1/tools/:server_name
func (h *Handler) ListServerTools(c echo.Context) error {
	specs, err := h.service.ListServerTools(c.Request().Context(), c.Param("server_name"))
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"tools": specs})
}

// RunTool invokes a tool directly. The result is traced as its own run.
// POST /v1/sessions/:session_id/tools/run
func (h *Handler) RunTool(c echo.Context) error {
	var req domain.RunToolRequest
	if err := c.Bind(&req); err != nil {
		return badRequest(c, "invalid request body")
	}
	resp, err := h.service.RunTool(c.Request().Context(), c.Param("session_id"), req)
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusOK, resp)
}

// IngestDocument adds a document to the session's retrieval index.
// POST /v1/sessions/:session_id/documents
func (h *Handler) IngestDocument(c echo.Context) error {
	var req domain.IngestRequest
	if err := c.Bind(&req); err != nil {
		return badRequest(c, "invalid request body")
	}
	resp, err := h.service.Ingest(c.Request().Context(), c.Param("session_id"), req)
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusCreated, resp)
}
