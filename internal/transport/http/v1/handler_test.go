package v1

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xiaot623/gogo/turnorch/internal/adapter/llm"
	"github.com/xiaot623/gogo/turnorch/internal/adapter/retrieval"
	"github.com/xiaot623/gogo/turnorch/internal/config"
	"github.com/xiaot623/gogo/turnorch/internal/domain"
	"github.com/xiaot623/gogo/turnorch/internal/events"
	"github.com/xiaot623/gogo/turnorch/internal/gateway"
	"github.com/xiaot623/gogo/turnorch/internal/service"
	"github.com/xiaot623/gogo/turnorch/internal/stream"
	"github.com/xiaot623/gogo/turnorch/internal/tools"
	"github.com/xiaot623/gogo/turnorch/tests/helpers"
)

type testServer struct {
	e   *echo.Echo
	svc *service.Service
	hub *stream.Hub
}

func newTestServer(t *testing.T, model llm.ModelClient) *testServer {
	t.Helper()
	cfg := config.Default()
	registry := tools.NewRegistry()
	_, err := tools.RegisterFilesystem(registry, t.TempDir())
	require.NoError(t, err)
	gw := gateway.New(gateway.Options{Servers: cfg.Tools.Servers, Builtin: registry})
	t.Cleanup(gw.Close)

	db := helpers.NewTestSQLiteStore(t)
	local, err := retrieval.NewLocal(db, "", 0, 0)
	require.NoError(t, err)

	bus := events.NewBus()
	t.Cleanup(func() { _ = bus.Close() })
	hub := stream.NewHub()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	ch, err := bus.Subscribe(ctx)
	require.NoError(t, err)
	go hub.Forward(ctx, ch)

	svc := service.New(service.Options{
		Store:     db,
		Model:     model,
		Gateway:   gw,
		Retriever: local,
		Events:    bus,
		Config:    cfg,
	})
	e := echo.New()
	NewHandler(svc, hub).RegisterRoutes(e)
	return &testServer{e: e, svc: svc, hub: hub}
}

func (s *testServer) do(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Buffer
	if body != "" {
		reader = bytes.NewBufferString(body)
	} else {
		reader = &bytes.Buffer{}
	}
	req := httptest.NewRequest(method, path, reader)
	if body != "" {
		req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	}
	rec := httptest.NewRecorder()
	s.e.ServeHTTP(rec, req)
	return rec
}

func (s *testServer) createSession(t *testing.T) domain.Session {
	t.Helper()
	rec := s.do(t, http.MethodPost, "/v1/sessions", `{"title":"demo","rag_enabled":false}`)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var session domain.Session
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &session))
	return session
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) errorResponse {
	t.Helper()
	var body errorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	return body
}

func TestHealth(t *testing.T) {
	s := newTestServer(t, llm.NewScriptedClient(llm.Text("ok")))
	rec := s.do(t, http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "healthy")
	assert.Equal(t, 0, streamConnections(t, s))
}

func streamConnections(t *testing.T, s *testServer) int {
	t.Helper()
	rec := s.do(t, http.MethodGet, "/health", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var body struct {
		StreamConnections int `json:"stream_connections"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	return body.StreamConnections
}

func TestConfigHidesLaunchDetails(t *testing.T) {
	s := newTestServer(t, llm.NewScriptedClient(llm.Text("ok")))
	rec := s.do(t, http.MethodGet, "/v1/config", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "llama3.1", body["default_model"])
	assert.NotContains(t, rec.Body.String(), `"command"`)
	models := body["models"].([]interface{})
	require.Len(t, models, 1)
	assert.Equal(t, "scripted", models[0].(map[string]interface{})["id"])
}

func TestSessionLifecycle(t *testing.T) {
	s := newTestServer(t, llm.NewScriptedClient(llm.Text("ok")))
	session := s.createSession(t)
	assert.Equal(t, "demo", session.Title)
	assert.False(t, session.RAGEnabled)

	rec := s.do(t, http.MethodPatch, "/v1/sessions/"+session.SessionID, `{"title":"renamed"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"renamed"`)

	rec = s.do(t, http.MethodGet, "/v1/sessions", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), session.SessionID)

	rec = s.do(t, http.MethodGet, "/v1/sessions/sess_missing", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "not_found", decodeError(t, rec).Code)

	rec = s.do(t, http.MethodPost, "/v1/sessions", `{"persona_id":"nobody"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestPostMessageRunsTurn(t *testing.T) {
	s := newTestServer(t, llm.NewScriptedClient(llm.Text("Hello back")))
	session := s.createSession(t)

	rec := s.do(t, http.MethodPost, "/v1/sessions/"+session.SessionID+"/messages", `{"content":"Hello"}`)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var result domain.TurnResult
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &result))
	assert.Equal(t, domain.RunStatusCompleted, result.Status)
	assert.Equal(t, "Hello back", result.AssistantMessage.Content)

	rec = s.do(t, http.MethodGet, "/v1/traces/"+result.RunID, "")
	require.Equal(t, http.StatusOK, rec.Code)
	var run domain.Run
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &run))
	require.Len(t, run.Steps, 2)
	assert.Equal(t, domain.StepTypePrompt, run.Steps[0].Type)

	rec = s.do(t, http.MethodGet, "/v1/traces/sessions/"+session.SessionID, "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), result.RunID)

	rec = s.do(t, http.MethodGet, "/v1/sessions/"+session.SessionID+"/messages", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var transcript struct {
		Messages []domain.Message `json:"messages"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &transcript))
	assert.Len(t, transcript.Messages, 2)

	rec = s.do(t, http.MethodPost, "/v1/sessions/"+session.SessionID+"/messages", `{"content":"   "}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = s.do(t, http.MethodGet, "/v1/sessions/"+session.SessionID+"/messages?include_superseded=maybe", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestResendMessage(t *testing.T) {
	s := newTestServer(t, llm.NewScriptedClient(llm.Text("first"), llm.Text("second")))
	session := s.createSession(t)

	rec := s.do(t, http.MethodPost, "/v1/sessions/"+session.SessionID+"/messages", `{"content":"Hello"}`)
	require.Equal(t, http.StatusCreated, rec.Code)
	var first domain.TurnResult
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &first))

	path := "/v1/sessions/" + session.SessionID + "/messages/" + first.UserMessage.MessageID
	rec = s.do(t, http.MethodPatch, path, `{"content":"Hello again"}`)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	rec = s.do(t, http.MethodGet, "/v1/sessions/"+session.SessionID+"/messages?include_superseded=true", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"superseded":true`)

	rec = s.do(t, http.MethodPatch, "/v1/sessions/"+session.SessionID+"/messages/"+first.AssistantMessage.MessageID, `{"content":"x"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestFailedRunIsBadGateway(t *testing.T) {
	s := newTestServer(t, llm.NewScriptedClient(llm.Fail(&domain.RemoteError{Server: "model", Status: 401, Body: "no key"})))
	session := s.createSession(t)

	rec := s.do(t, http.MethodPost, "/v1/sessions/"+session.SessionID+"/messages", `{"content":"Hello"}`)
	require.Equal(t, http.StatusBadGateway, rec.Code)
	body := decodeError(t, rec)
	assert.Equal(t, "run_failed", body.Code)
	assert.NotEmpty(t, body.RunID)
	assert.Contains(t, body.Error, "no key")
}

func TestAsyncTurnConflictAndCancel(t *testing.T) {
	s := newTestServer(t, llm.NewScriptedClient(llm.Block()))
	session := s.createSession(t)
	path := "/v1/sessions/" + session.SessionID + "/messages"

	rec := s.do(t, http.MethodPost, path+"?async=true", `{"content":"one"}`)
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	var started domain.AsyncTurnResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &started))
	assert.NotEmpty(t, started.UserMessageID)

	rec = s.do(t, http.MethodPost, path, `{"content":"two"}`)
	require.Equal(t, http.StatusConflict, rec.Code)
	body := decodeError(t, rec)
	assert.Equal(t, "conflict", body.Code)
	assert.Equal(t, started.RunID, body.RunID)

	rec = s.do(t, http.MethodPost, "/v1/runs/"+started.RunID+"/cancel", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var run domain.Run
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &run))
	assert.Equal(t, domain.RunStatusCancelled, run.Status)

	rec = s.do(t, http.MethodPost, "/v1/runs/run_missing/cancel", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestSyncTurnCancelledIsNotSuccess(t *testing.T) {
	s := newTestServer(t, llm.NewScriptedClient(llm.Block()))
	session := s.createSession(t)

	done := make(chan *httptest.ResponseRecorder, 1)
	go func() {
		done <- s.do(t, http.MethodPost, "/v1/sessions/"+session.SessionID+"/messages", `{"content":"wait"}`)
	}()

	var runID string
	require.Eventually(t, func() bool {
		runs, err := s.svc.ListRuns(context.Background(), session.SessionID)
		if err != nil || len(runs) == 0 {
			return false
		}
		runID = runs[0].RunID
		return true
	}, 5*time.Second, 10*time.Millisecond)

	rec := s.do(t, http.MethodPost, "/v1/runs/"+runID+"/cancel", "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	select {
	case rec = <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("synchronous turn did not return after cancel")
	}
	assert.Equal(t, http.StatusConflict, rec.Code, rec.Body.String())
	body := decodeError(t, rec)
	assert.Equal(t, "cancelled", body.Code)
	assert.Equal(t, runID, body.RunID)
}

func TestDeleteSession(t *testing.T) {
	s := newTestServer(t, llm.NewScriptedClient(llm.Text("ok")))
	session := s.createSession(t)

	rec := s.do(t, http.MethodPost, "/v1/sessions/"+session.SessionID+"/messages", `{"content":"hi"}`)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	rec = s.do(t, http.MethodDelete, "/v1/sessions/"+session.SessionID, "")
	require.Equal(t, http.StatusNoContent, rec.Code, rec.Body.String())

	rec = s.do(t, http.MethodGet, "/v1/sessions/"+session.SessionID, "")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = s.do(t, http.MethodDelete, "/v1/sessions/"+session.SessionID, "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "not_found", decodeError(t, rec).Code)
}

func TestToolsAndDocuments(t *testing.T) {
	s := newTestServer(t, llm.NewScriptedClient(llm.Text("ok")))
	rec := s.do(t, http.MethodPost, "/v1/sessions", `{"enabled_tool_servers":["filesystem-tools"]}`)
	require.Equal(t, http.StatusCreated, rec.Code)
	var session domain.Session
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &session))

	rec = s.do(t, http.MethodGet, "/v1/sessions/"+session.SessionID+"/tools", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "filesystem-tools__list_directory")

	rec = s.do(t, http.MethodGet, "/v1/tools/filesystem-tools", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "read_file")

	rec = s.do(t, http.MethodPost, "/v1/sessions/"+session.SessionID+"/tools/run",
		`{"server_name":"filesystem-tools","tool_name":"list_directory","arguments":{}}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var ran domain.RunToolResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &ran))
	assert.True(t, ran.Result.OK())
	assert.NotEmpty(t, ran.RunID)

	rec = s.do(t, http.MethodPost, "/v1/sessions/"+session.SessionID+"/documents", `{"title":"notes","text":"orbital mechanics notes"}`)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var ingested domain.IngestResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &ingested))
	assert.Equal(t, 1, ingested.Chunks)

	rec = s.do(t, http.MethodPost, "/v1/sessions/"+session.SessionID+"/documents", `{"title":"empty","text":""}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestStreamPushesRunEvents(t *testing.T) {
	s := newTestServer(t, llm.NewScriptedClient(llm.Text("streamed")))
	session := s.createSession(t)
	srv := httptest.NewServer(s.e)
	t.Cleanup(srv.Close)

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/v1/sessions/" + session.SessionID + "/stream"
	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer ws.Close()
	require.Eventually(t, func() bool { return streamConnections(t, s) == 1 }, 2*time.Second, 10*time.Millisecond)

	_, err = s.svc.StartTurn(context.Background(), domain.StartTurnRequest{SessionID: session.SessionID, Content: "Hello"})
	require.NoError(t, err)

	var types []string
	require.NoError(t, ws.SetReadDeadline(time.Now().Add(5*time.Second)))
	for len(types) < 4 {
		var ev domain.RunEvent
		require.NoError(t, ws.ReadJSON(&ev))
		types = append(types, ev.Type+":"+string(ev.Status))
	}
	assert.Equal(t, []string{"run:running", "step:", "step:", "run:completed"}, types)
}

func TestStreamUnknownSession(t *testing.T) {
	s := newTestServer(t, llm.NewScriptedClient(llm.Text("ok")))
	rec := s.do(t, http.MethodGet, "/v1/sessions/sess_missing/stream", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestWriteErrorFallsBackToInternal(t *testing.T) {
	e := echo.New()
	rec := httptest.NewRecorder()
	c := e.NewContext(httptest.NewRequest(http.MethodGet, "/", nil), rec)
	require.NoError(t, writeError(c, errors.New("disk on fire")))
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Equal(t, "internal", decodeError(t, rec).Code)
}
