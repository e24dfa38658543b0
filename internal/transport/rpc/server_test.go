package rpc

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xiaot623/gogo/turnorch/internal/adapter/llm"
	"github.com/xiaot623/gogo/turnorch/internal/config"
	"github.com/xiaot623/gogo/turnorch/internal/domain"
	"github.com/xiaot623/gogo/turnorch/internal/gateway"
	"github.com/xiaot623/gogo/turnorch/internal/service"
	"github.com/xiaot623/gogo/turnorch/internal/tools"
	"github.com/xiaot623/gogo/turnorch/tests/helpers"
)

func startServer(t *testing.T, model llm.ModelClient) (*Client, *service.Service) {
	t.Helper()
	cfg := config.Default()
	gw := gateway.New(gateway.Options{Servers: cfg.Tools.Servers, Builtin: tools.NewRegistry()})
	t.Cleanup(gw.Close)

	svc := service.New(service.Options{
		Store:   helpers.NewTestSQLiteStore(t),
		Model:   model,
		Gateway: gw,
		Config:  cfg,
	})

	srv, err := NewServer(svc)
	require.NoError(t, err)
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	go func() { _ = srv.Serve(ln) }()
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
	})

	return NewClient("tcp://" + ln.Addr().String()), svc
}

func newSession(t *testing.T, svc *service.Service) *domain.Session {
	t.Helper()
	ragOff := false
	session, err := svc.CreateSession(context.Background(), domain.CreateSessionRequest{RAGEnabled: &ragOff})
	require.NoError(t, err)
	return session
}

func TestStartTurnAndGetRun(t *testing.T) {
	client, svc := startServer(t, llm.NewScriptedClient(llm.Text("hello over rpc")))
	session := newSession(t, svc)

	ctx := context.Background()
	result, err := client.StartTurn(ctx, domain.StartTurnRequest{SessionID: session.SessionID, Content: "hi"})
	require.NoError(t, err)
	assert.Equal(t, domain.RunStatusCompleted, result.Status)
	require.NotNil(t, result.AssistantMessage)
	assert.Equal(t, "hello over rpc", result.AssistantMessage.Content)

	run, err := client.GetRun(ctx, result.RunID)
	require.NoError(t, err)
	assert.Equal(t, result.RunID, run.RunID)
	require.NotEmpty(t, run.Steps)
	assert.Equal(t, domain.StepTypeModel, run.Steps[len(run.Steps)-1].Type)
}

func TestResendTurn(t *testing.T) {
	client, svc := startServer(t, llm.NewScriptedClient(llm.Text("first"), llm.Text("second")))
	session := newSession(t, svc)

	ctx := context.Background()
	first, err := client.StartTurn(ctx, domain.StartTurnRequest{SessionID: session.SessionID, Content: "hi"})
	require.NoError(t, err)
	require.NotNil(t, first.UserMessage)

	second, err := client.ResendTurn(ctx, domain.ResendRequest{
		SessionID: session.SessionID,
		MessageID: first.UserMessage.MessageID,
		Content:   "hi again",
	})
	require.NoError(t, err)
	require.NotNil(t, second.AssistantMessage)
	assert.Equal(t, "second", second.AssistantMessage.Content)
	assert.NotEqual(t, first.RunID, second.RunID)
}

func TestErrorsCrossTheWire(t *testing.T) {
	client, svc := startServer(t, llm.NewScriptedClient(llm.Text("unused")))
	session := newSession(t, svc)

	ctx := context.Background()
	_, err := client.GetRun(ctx, "run_missing")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not found")

	_, err = client.GetRun(ctx, "")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "run_id is required")

	_, err = client.StartTurn(ctx, domain.StartTurnRequest{SessionID: session.SessionID, Content: "  "})
	require.Error(t, err)

	_, err = client.ResendTurn(ctx, domain.ResendRequest{SessionID: session.SessionID})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "message_id is required")
}

func TestCancelRun(t *testing.T) {
	client, svc := startServer(t, llm.NewScriptedClient(llm.Block()))
	session := newSession(t, svc)

	started, err := svc.StartTurnAsync(context.Background(), domain.StartTurnRequest{SessionID: session.SessionID, Content: "wait"})
	require.NoError(t, err)

	run, err := client.CancelRun(context.Background(), started.RunID)
	require.NoError(t, err)
	assert.Equal(t, domain.RunStatusCancelled, run.Status)
}

func TestCancelledTurnIsAnError(t *testing.T) {
	client, svc := startServer(t, llm.NewScriptedClient(llm.Block()))
	session := newSession(t, svc)
	ctx := context.Background()

	errs := make(chan error, 1)
	go func() {
		_, err := client.StartTurn(ctx, domain.StartTurnRequest{SessionID: session.SessionID, Content: "wait"})
		errs <- err
	}()

	var runID string
	require.Eventually(t, func() bool {
		runs, err := svc.ListRuns(ctx, session.SessionID)
		if err != nil || len(runs) == 0 {
			return false
		}
		runID = runs[0].RunID
		return true
	}, 5*time.Second, 10*time.Millisecond)

	_, err := client.CancelRun(ctx, runID)
	require.NoError(t, err)

	select {
	case err = <-errs:
	case <-time.After(5 * time.Second):
		t.Fatal("StartTurn did not return after cancel")
	}
	require.Error(t, err)
	assert.Contains(t, err.Error(), "run "+runID+" cancelled")
}

func TestClientWithoutServer(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	require.NoError(t, ln.Close())

	_, err = NewClient(addr).GetRun(context.Background(), "run_1")
	require.Error(t, err)

	_, err = NewClient("").GetRun(context.Background(), "run_1")
	require.Error(t, err)
}

func TestResolveRPCAddr(t *testing.T) {
	assert.Equal(t, "localhost:8081", resolveRPCAddr("http://localhost:8081/ignored"))
	assert.Equal(t, "localhost:8081", resolveRPCAddr(" localhost:8081 "))
	assert.Equal(t, "", resolveRPCAddr(""))
}
