// Package http provides the HTTP server implementation for the orchestrator.
package http

import (
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/xiaot623/gogo/turnorch/internal/metrics"
	"github.com/xiaot623/gogo/turnorch/internal/service"
	"github.com/xiaot623/gogo/turnorch/internal/stream"
	v1 "github.com/xiaot623/gogo/turnorch/internal/transport/http/v1"
)

// NewServer creates and configures the HTTP server: the v1 API, the session
// event stream and /metrics. hub and rec may be nil.
func NewServer(svc *service.Service, hub *stream.Hub, rec *metrics.Recorder) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	// Middleware
	e.Use(middleware.Logger())
	e.Use(middleware.Recover())
	e.Use(middleware.CORS())

	// Handlers
	v1Handler := v1.NewHandler(svc, hub)
	v1Handler.RegisterRoutes(e)

	if rec != nil {
		e.GET("/metrics", echo.WrapHandler(promhttp.HandlerFor(rec.Registry, promhttp.HandlerOpts{})))
	}

	return e
}
