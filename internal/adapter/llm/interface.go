// Package llm provides an abstraction for chat model backends.
package llm

import (
	"context"

	"github.com/xiaot623/gogo/turnorch/internal/domain"
)

// ModelClient generates one assistant message from a prompt.
type ModelClient interface {
	// Generate sends a non-streaming chat request. The response carries
	// either final content or tool calls.
	Generate(ctx context.Context, req *GenerateRequest) (*GenerateResponse, error)

	// ListModels retrieves the list of available models.
	ListModels(ctx context.Context) ([]Model, error)
}

// GenerateRequest is one model call.
type GenerateRequest struct {
	Model    string
	Messages []domain.ChatMessage
	Tools    []domain.ToolDefinition
}

// GenerateResponse is the model's answer.
type GenerateResponse struct {
	Content      string
	ToolCalls    []domain.ToolCall
	FinishReason string
	Usage        domain.Usage
}

// Model is an entry of the backend's model list.
type Model struct {
	ID      string `json:"id"`
	OwnedBy string `json:"owned_by,omitempty"`
}

var (
	_ ModelClient = (*OpenAIClient)(nil)
	_ ModelClient = (*MockClient)(nil)
	_ ModelClient = (*ScriptedClient)(nil)
)
