package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xiaot623/gogo/turnorch/internal/domain"
)

func TestOpenAIClientGenerate(t *testing.T) {
	var got struct {
		Model    string `json:"model"`
		Messages []struct {
			Role       string `json:"role"`
			ToolCallID string `json:"tool_call_id"`
		} `json:"messages"`
		Tools []struct {
			Type     string `json:"type"`
			Function struct {
				Name string `json:"name"`
			} `json:"function"`
		} `json:"tools"`
	}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v1/chat/completions", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"id":"c1","object":"chat.completion","created":1,"model":"llama3.1",
			"choices":[{"index":0,"message":{"role":"assistant","content":"",
			"tool_calls":[{"id":"call_1","type":"function","function":{"name":"filesystem-tools__list_directory","arguments":"{\"path\":\".\"}"}},
			{"id":"call_2","type":"function","function":{"name":"x__y","arguments":"not json"}}]},
			"finish_reason":"tool_calls"}],
			"usage":{"prompt_tokens":11,"completion_tokens":7,"total_tokens":18}}`)
	}))
	defer server.Close()

	client := NewOpenAIClient(server.URL+"/v1", "", time.Second)
	resp, err := client.Generate(context.Background(), &GenerateRequest{
		Model: "llama3.1",
		Messages: []domain.ChatMessage{
			{Role: domain.RoleSystem, Content: "be nice"},
			{Role: domain.RoleUser, Content: "list files"},
			{Role: domain.RoleTool, Content: "ok", ToolCallID: "call_0", Name: "t"},
		},
		Tools: []domain.ToolDefinition{{
			Name:        "filesystem-tools__list_directory",
			Description: "List (via filesystem-tools)",
			Parameters:  json.RawMessage(`{"type":"object"}`),
		}},
	})
	require.NoError(t, err)

	assert.Equal(t, "llama3.1", got.Model)
	require.Len(t, got.Messages, 3)
	assert.Equal(t, "call_0", got.Messages[2].ToolCallID)
	require.Len(t, got.Tools, 1)
	assert.Equal(t, "function", got.Tools[0].Type)

	assert.Equal(t, "tool_calls", resp.FinishReason)
	assert.Equal(t, domain.Usage{PromptTokens: 11, CompletionTokens: 7, TotalTokens: 18}, resp.Usage)
	require.Len(t, resp.ToolCalls, 2)
	assert.JSONEq(t, `{"path":"."}`, string(resp.ToolCalls[0].Arguments))
	assert.Equal(t, `"not json"`, string(resp.ToolCalls[1].Arguments))
}

func TestOpenAIClientErrors(t *testing.T) {
	status := http.StatusBadGateway
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		fmt.Fprint(w, `{"error":{"message":"bad","type":"invalid_request_error"}}`)
	}))
	defer server.Close()

	client := NewOpenAIClient(server.URL+"/v1", "", time.Second)
	req := &GenerateRequest{Model: "m", Messages: []domain.ChatMessage{{Role: domain.RoleUser, Content: "hi"}}}

	_, err := client.Generate(context.Background(), req)
	var transport *domain.TransportError
	assert.ErrorAs(t, err, &transport)

	status = http.StatusBadRequest
	_, err = client.Generate(context.Background(), req)
	var remote *domain.RemoteError
	require.ErrorAs(t, err, &remote)
	assert.Equal(t, http.StatusBadRequest, remote.Status)
}

func TestOpenAIClientUnreachable(t *testing.T) {
	client := NewOpenAIClient("http://127.0.0.1:1/v1", "", time.Second)
	_, err := client.Generate(context.Background(), &GenerateRequest{Model: "m"})
	assert.Equal(t, domain.ErrorKindTransport, domain.ErrorKind(err))
}

func TestMockClient(t *testing.T) {
	client := NewMockClient()
	ctx := context.Background()

	resp, err := client.Generate(ctx, &GenerateRequest{
		Messages: []domain.ChatMessage{{Role: domain.RoleUser, Content: "Hello"}},
	})
	require.NoError(t, err)
	assert.Equal(t, `[MOCK] Received your message: "Hello". This is a mock response.`, resp.Content)
	assert.Positive(t, resp.Usage.PromptTokens)
	assert.Equal(t, resp.Usage.PromptTokens+resp.Usage.CompletionTokens, resp.Usage.TotalTokens)

	tools := []domain.ToolDefinition{{Name: "filesystem-tools__list_directory", Tool: "list_directory"}}
	resp, err = client.Generate(ctx, &GenerateRequest{
		Messages: []domain.ChatMessage{{Role: domain.RoleUser, Content: "List the files here"}},
		Tools:    tools,
	})
	require.NoError(t, err)
	require.Len(t, resp.ToolCalls, 1)
	assert.Equal(t, "filesystem-tools__list_directory", resp.ToolCalls[0].Name)

	resp, err = client.Generate(ctx, &GenerateRequest{
		Messages: []domain.ChatMessage{
			{Role: domain.RoleUser, Content: "List the files here"},
			{Role: domain.RoleAssistant, ToolCalls: resp.ToolCalls},
			{Role: domain.RoleTool, Content: "README.md", ToolCallID: "call_mock_1"},
		},
		Tools: tools,
	})
	require.NoError(t, err)
	assert.Empty(t, resp.ToolCalls)
	assert.Contains(t, resp.Content, "README.md")

	cancelled, cancel := context.WithCancel(ctx)
	cancel()
	_, err = client.Generate(cancelled, &GenerateRequest{})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestScriptedClient(t *testing.T) {
	client := NewScriptedClient(
		Calls(Call("c1", "a__b", `{}`)),
		Text("done"),
	)
	ctx := context.Background()
	req := &GenerateRequest{Messages: []domain.ChatMessage{{Role: domain.RoleUser, Content: "go"}}}

	first, err := client.Generate(ctx, req)
	require.NoError(t, err)
	require.Len(t, first.ToolCalls, 1)

	req.Messages = append(req.Messages, domain.ChatMessage{Role: domain.RoleTool, Content: "x"})
	second, err := client.Generate(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, "done", second.Content)

	third, err := client.Generate(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, "done", third.Content)

	reqs := client.Requests()
	require.Len(t, reqs, 3)
	assert.Len(t, reqs[0].Messages, 1, "requests are snapshots")
}

func TestNewModelClient(t *testing.T) {
	assert.IsType(t, &MockClient{}, NewModelClient(ModeMock, "", "", time.Second))
	assert.IsType(t, &OpenAIClient{}, NewModelClient(ModeOpenAI, "http://localhost/v1", "", time.Second))
}
