package store

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xiaot623/gogo/turnorch/internal/domain"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	store, err := NewSQLiteStore(":memory:")
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func createSession(t *testing.T, store *SQLiteStore, id string) {
	t.Helper()
	err := store.CreateSession(context.Background(), &domain.Session{
		SessionID:          id,
		Title:              "chat",
		ModelID:            "llama3",
		PersonaID:          "default",
		RAGEnabled:         true,
		EnabledToolServers: []string{"filesystem-tools"},
		CreatedAt:          time.Now(),
	})
	require.NoError(t, err)
}

func appendMsg(t *testing.T, store *SQLiteStore, id, runID string, role domain.Role, content, editedFrom string) {
	t.Helper()
	err := store.AppendMessage(context.Background(), &domain.Message{
		MessageID:           id,
		SessionID:           "s1",
		RunID:               runID,
		Role:                role,
		Content:             content,
		CreatedAt:           time.Now(),
		EditedFromMessageID: editedFrom,
	})
	require.NoError(t, err)
}

func TestSQLiteStoreSessionRoundTrip(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	createSession(t, store, "s1")

	got, err := store.GetSession(ctx, "s1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "llama3", got.ModelID)
	assert.True(t, got.RAGEnabled)
	assert.Equal(t, []string{"filesystem-tools"}, got.EnabledToolServers)

	got.RAGEnabled = false
	got.EnabledToolServers = nil
	require.NoError(t, store.UpdateSession(ctx, got))

	got, err = store.GetSession(ctx, "s1")
	require.NoError(t, err)
	assert.False(t, got.RAGEnabled)
	assert.Empty(t, got.EnabledToolServers)

	missing, err := store.GetSession(ctx, "nope")
	require.NoError(t, err)
	assert.Nil(t, missing)

	err = store.UpdateSession(ctx, &domain.Session{SessionID: "nope"})
	var nf *domain.NotFoundError
	assert.ErrorAs(t, err, &nf)
}

func TestSQLiteStoreSupersededMessagesAreHidden(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	createSession(t, store, "s1")

	appendMsg(t, store, "m1", "r1", domain.RoleUser, "first", "")
	appendMsg(t, store, "m2", "r1", domain.RoleAssistant, "answer one", "")
	appendMsg(t, store, "m3", "r2", domain.RoleUser, "typo question", "")
	appendMsg(t, store, "m4", "r2", domain.RoleAssistant, "answer to typo", "")
	appendMsg(t, store, "m5", "r3", domain.RoleUser, "fixed question", "m3")

	visible, err := store.ListMessages(ctx, "s1", false)
	require.NoError(t, err)
	ids := make([]string, 0, len(visible))
	for _, m := range visible {
		ids = append(ids, m.MessageID)
	}
	assert.Equal(t, []string{"m1", "m2", "m5"}, ids)

	all, err := store.ListMessages(ctx, "s1", true)
	require.NoError(t, err)
	require.Len(t, all, 5)
	assert.True(t, all[2].Superseded)
	assert.True(t, all[3].Superseded)
	assert.False(t, all[4].Superseded)
	assert.Equal(t, "m3", all[4].EditedFromMessageID)

	latest, err := store.LatestUserMessage(ctx, "s1")
	require.NoError(t, err)
	require.NotNil(t, latest)
	assert.Equal(t, "m5", latest.MessageID)

	original, err := store.GetMessage(ctx, "m3")
	require.NoError(t, err)
	require.NotNil(t, original)
	assert.Equal(t, "typo question", original.Content)
}

func TestSQLiteStoreRunLifecycle(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	createSession(t, store, "s1")

	run := &domain.Run{RunID: "r1", SessionID: "s1", Status: domain.RunStatusRunning, ModelID: "llama3", StartedAt: time.Now()}
	require.NoError(t, store.CreateRun(ctx, run))

	running, err := store.ListRunningRuns(ctx)
	require.NoError(t, err)
	require.Len(t, running, 1)

	ok, err := store.CompleteRun(ctx, "r1", domain.RunStatusCompleted, domain.RunMetrics{PromptTokens: 10, CompletionTokens: 5, TotalTokens: 15, LatencyMs: 42}, "")
	require.NoError(t, err)
	assert.True(t, ok)

	// A terminal run is immutable.
	ok, err = store.CompleteRun(ctx, "r1", domain.RunStatusFailed, domain.RunMetrics{}, "late failure")
	require.NoError(t, err)
	assert.False(t, ok)

	got, err := store.GetRun(ctx, "r1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, domain.RunStatusCompleted, got.Status)
	assert.Equal(t, 15, got.TotalTokens)
	assert.Equal(t, int64(42), got.LatencyMs)
	assert.NotNil(t, got.FinishedAt)
	assert.Empty(t, got.Error)

	_, err = store.CompleteRun(ctx, "r1", domain.RunStatusRunning, domain.RunMetrics{}, "")
	assert.Error(t, err)
}

func TestSQLiteStoreStepsKeepAppendOrder(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	createSession(t, store, "s1")
	require.NoError(t, store.CreateRun(ctx, &domain.Run{RunID: "r1", SessionID: "s1", Status: domain.RunStatusRunning, StartedAt: time.Now()}))

	// Identical timestamps must not reorder steps.
	ts := time.Now().UnixMilli()
	types := []domain.StepType{domain.StepTypePrompt, domain.StepTypeModel, domain.StepTypeMCP, domain.StepTypeModel}
	for i, typ := range types {
		step := &domain.Step{
			StepID:     "st" + string(rune('a'+i)),
			RunID:      "r1",
			Ts:         ts,
			Type:       typ,
			InputJSON:  json.RawMessage(`{"version":1}`),
			OutputJSON: nil,
		}
		require.NoError(t, store.AppendStep(ctx, step))
		assert.Equal(t, i+1, step.Seq)
	}

	steps, err := store.ListSteps(ctx, "r1")
	require.NoError(t, err)
	require.Len(t, steps, len(types))
	for i, s := range steps {
		assert.Equal(t, types[i], s.Type)
		assert.Equal(t, i+1, s.Seq)
		assert.Nil(t, s.OutputJSON)
	}
}

func TestSQLiteStoreDocumentsAndChunks(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	createSession(t, store, "s1")

	doc := &domain.Document{DocumentID: "d1", SessionID: "s1", Title: "notes.md", CreatedAt: time.Now()}
	chunks := []domain.Chunk{
		{ChunkID: "c1", Index: 0, Text: "alpha beta", TokenCount: 2},
		{ChunkID: "c2", Index: 1, Text: "gamma", TokenCount: 1},
	}
	require.NoError(t, store.CreateDocument(ctx, doc, chunks))

	got, err := store.ListChunks(ctx, "s1")
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "notes.md", got[0].Title)
	assert.Equal(t, "d1", got[1].DocumentID)

	none, err := store.ListChunks(ctx, "other")
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestSQLiteStoreDeleteSessionCascades(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	createSession(t, store, "s1")
	createSession(t, store, "s2")
	appendMsg(t, store, "m1", "r1", domain.RoleUser, "hi", "")
	require.NoError(t, store.CreateRun(ctx, &domain.Run{RunID: "r1", SessionID: "s1", Status: domain.RunStatusRunning, ModelID: "llama3", StartedAt: time.Now()}))
	require.NoError(t, store.AppendStep(ctx, &domain.Step{StepID: "st1", RunID: "r1", Ts: time.Now().UnixMilli(), Type: domain.StepTypePrompt, InputJSON: json.RawMessage(`{"version":1}`)}))
	require.NoError(t, store.CreateDocument(ctx, &domain.Document{DocumentID: "d1", SessionID: "s1", Title: "a.md", CreatedAt: time.Now()},
		[]domain.Chunk{{ChunkID: "c1", Text: "alpha", TokenCount: 1}}))

	require.NoError(t, store.DeleteSession(ctx, "s1"))

	got, err := store.GetSession(ctx, "s1")
	require.NoError(t, err)
	assert.Nil(t, got)
	msg, err := store.GetMessage(ctx, "m1")
	require.NoError(t, err)
	assert.Nil(t, msg)
	run, err := store.GetRun(ctx, "r1")
	require.NoError(t, err)
	assert.Nil(t, run)
	steps, err := store.ListSteps(ctx, "r1")
	require.NoError(t, err)
	assert.Empty(t, steps)
	chunks, err := store.ListChunks(ctx, "s1")
	require.NoError(t, err)
	assert.Empty(t, chunks)

	other, err := store.GetSession(ctx, "s2")
	require.NoError(t, err)
	assert.NotNil(t, other)

	var notFound *domain.NotFoundError
	require.ErrorAs(t, store.DeleteSession(ctx, "s1"), &notFound)
}
