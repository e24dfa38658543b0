package http

import (
	"context"
	nethttp "net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xiaot623/gogo/turnorch/internal/adapter/llm"
	"github.com/xiaot623/gogo/turnorch/internal/config"
	"github.com/xiaot623/gogo/turnorch/internal/domain"
	"github.com/xiaot623/gogo/turnorch/internal/gateway"
	"github.com/xiaot623/gogo/turnorch/internal/metrics"
	"github.com/xiaot623/gogo/turnorch/internal/service"
	"github.com/xiaot623/gogo/turnorch/internal/tools"
	"github.com/xiaot623/gogo/turnorch/tests/helpers"
)

func newService(t *testing.T, rec *metrics.Recorder) *service.Service {
	t.Helper()
	cfg := config.Default()
	gw := gateway.New(gateway.Options{Servers: cfg.Tools.Servers, Builtin: tools.NewRegistry()})
	t.Cleanup(gw.Close)
	return service.New(service.Options{
		Store:   helpers.NewTestSQLiteStore(t),
		Model:   llm.NewScriptedClient(llm.Text("ok")),
		Gateway: gw,
		Metrics: rec,
		Config:  cfg,
	})
}

func TestMetricsEndpoint(t *testing.T) {
	rec := metrics.New()
	svc := newService(t, rec)
	ragOff := false
	session, err := svc.CreateSession(context.Background(), domain.CreateSessionRequest{RAGEnabled: &ragOff})
	require.NoError(t, err)
	_, err = svc.StartTurn(context.Background(), domain.StartTurnRequest{SessionID: session.SessionID, Content: "hi"})
	require.NoError(t, err)

	e := NewServer(svc, nil, rec)
	w := httptest.NewRecorder()
	e.ServeHTTP(w, httptest.NewRequest(nethttp.MethodGet, "/metrics", nil))
	require.Equal(t, nethttp.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `turnorch_runs_total{status="completed"} 1`)
	assert.Contains(t, w.Body.String(), "turnorch_steps_total")
}

func TestServerWithoutOptionalParts(t *testing.T) {
	e := NewServer(newService(t, nil), nil, nil)

	w := httptest.NewRecorder()
	e.ServeHTTP(w, httptest.NewRequest(nethttp.MethodGet, "/metrics", nil))
	assert.Equal(t, nethttp.StatusNotFound, w.Code)

	w = httptest.NewRecorder()
	e.ServeHTTP(w, httptest.NewRequest(nethttp.MethodGet, "/health", nil))
	assert.Equal(t, nethttp.StatusOK, w.Code)

	w = httptest.NewRecorder()
	e.ServeHTTP(w, httptest.NewRequest(nethttp.MethodGet, "/v1/sessions/sess_x/stream", nil))
	assert.Equal(t, nethttp.StatusNotFound, w.Code)
}
