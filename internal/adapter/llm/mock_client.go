package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/tiktoken-go/tokenizer"
	"github.com/xiaot623/gogo/turnorch/internal/domain"
)

// MockClient is an offline ModelClient for demos and tests. It echoes the
// user, and asks for a directory listing when the user wants files listed
// and a list_directory tool is offered.
type MockClient struct {
	once  sync.Once
	codec tokenizer.Codec
}

// NewMockClient creates a new mock model client.
func NewMockClient() *MockClient {
	return &MockClient{}
}

// Generate returns a mock response.
func (m *MockClient) Generate(ctx context.Context, req *GenerateRequest) (*GenerateResponse, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	resp := &GenerateResponse{FinishReason: "stop"}
	n := len(req.Messages)
	switch {
	case n > 0 && req.Messages[n-1].Role == domain.RoleTool:
		resp.Content = fmt.Sprintf("[MOCK] The tool returned:\n%s", truncate(req.Messages[n-1].Content, 500))
	default:
		if tool := listTool(req.Tools); tool != "" && wantsListing(lastUserMessage(req.Messages)) {
			resp.ToolCalls = []domain.ToolCall{{
				ID:        "call_mock_1",
				Name:      tool,
				Arguments: json.RawMessage(`{"path":"."}`),
			}}
			resp.FinishReason = "tool_calls"
		} else {
			resp.Content = m.generateMockResponse(req)
		}
	}

	prompt := 0
	for _, msg := range req.Messages {
		prompt += m.countTokens(msg.Content)
	}
	completion := m.countTokens(resp.Content)
	resp.Usage = domain.Usage{PromptTokens: prompt, CompletionTokens: completion, TotalTokens: prompt + completion}
	return resp, nil
}

// ListModels returns a list of mock models.
func (m *MockClient) ListModels(ctx context.Context) ([]Model, error) {
	return []Model{
		{ID: "mock-llama3", OwnedBy: "mock"},
		{ID: "mock-qwen2", OwnedBy: "mock"},
	}, nil
}

func (m *MockClient) generateMockResponse(req *GenerateRequest) string {
	text := lastUserMessage(req.Messages)
	if text == "" {
		return "[MOCK] This is a mock response from the model client."
	}
	return fmt.Sprintf("[MOCK] Received your message: %q. This is a mock response.", truncate(text, 100))
}

func (m *MockClient) countTokens(s string) int {
	if s == "" {
		return 0
	}
	m.once.Do(func() {
		if codec, err := tokenizer.Get(tokenizer.Cl100kBase); err == nil {
			m.codec = codec
		}
	})
	if m.codec != nil {
		if ids, _, err := m.codec.Encode(s); err == nil {
			return len(ids)
		}
	}
	return len(s) / 4
}

func lastUserMessage(msgs []domain.ChatMessage) string {
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].Role == domain.RoleUser {
			return msgs[i].Content
		}
	}
	return ""
}

func listTool(defs []domain.ToolDefinition) string {
	for _, d := range defs {
		if d.Tool == "list_directory" {
			return d.Name
		}
	}
	return ""
}

func wantsListing(text string) bool {
	text = strings.ToLower(text)
	return strings.Contains(text, "list") && (strings.Contains(text, "file") || strings.Contains(text, "director"))
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}
