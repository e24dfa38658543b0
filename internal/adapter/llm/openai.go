package llm

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"github.com/sashabaranov/go-openai"
	"github.com/xiaot623/gogo/turnorch/internal/domain"
)

const modelServer = "model"

// OpenAIClient talks to any OpenAI-compatible /v1 endpoint, Ollama included.
type OpenAIClient struct {
	client *openai.Client
}

// NewOpenAIClient creates a client for baseURL. The timeout bounds the HTTP
// exchange; callers still pass deadlines through the context.
func NewOpenAIClient(baseURL, apiKey string, timeout time.Duration) *OpenAIClient {
	if apiKey == "" {
		// Ollama ignores the key but the header must be present.
		apiKey = "ollama"
	}
	cfg := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		cfg.BaseURL = strings.TrimSuffix(baseURL, "/")
	}
	cfg.HTTPClient = &http.Client{Timeout: timeout}
	return &OpenAIClient{client: openai.NewClientWithConfig(cfg)}
}

// Generate implements ModelClient.
func (c *OpenAIClient) Generate(ctx context.Context, req *GenerateRequest) (*GenerateResponse, error) {
	chatReq := openai.ChatCompletionRequest{
		Model:    req.Model,
		Messages: toOpenAIMessages(req.Messages),
	}
	for _, def := range req.Tools {
		chatReq.Tools = append(chatReq.Tools, openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        def.Name,
				Description: def.Description,
				Parameters:  def.Parameters,
			},
		})
	}

	log.Debug().Str("model", req.Model).Int("messages", len(chatReq.Messages)).Int("tools", len(chatReq.Tools)).Msg("Sending chat completion")
	resp, err := c.client.CreateChatCompletion(ctx, chatReq)
	if err != nil {
		return nil, classifyError(ctx, err)
	}
	if len(resp.Choices) == 0 {
		return nil, &domain.ProtocolError{Server: modelServer, Message: "response has no choices"}
	}

	choice := resp.Choices[0]
	out := &GenerateResponse{
		Content:      choice.Message.Content,
		FinishReason: string(choice.FinishReason),
		Usage: domain.Usage{
			PromptTokens:     resp.Usage.PromptTokens,
			CompletionTokens: resp.Usage.CompletionTokens,
			TotalTokens:      resp.Usage.TotalTokens,
		},
	}
	for _, tc := range choice.Message.ToolCalls {
		out.ToolCalls = append(out.ToolCalls, domain.ToolCall{
			ID:        tc.ID,
			Name:      tc.Function.Name,
			Arguments: rawArguments(tc.Function.Arguments),
		})
	}
	return out, nil
}

// ListModels implements ModelClient.
func (c *OpenAIClient) ListModels(ctx context.Context) ([]Model, error) {
	list, err := c.client.ListModels(ctx)
	if err != nil {
		return nil, classifyError(ctx, err)
	}
	models := make([]Model, 0, len(list.Models))
	for _, m := range list.Models {
		models = append(models, Model{ID: m.ID, OwnedBy: m.OwnedBy})
	}
	return models, nil
}

func toOpenAIMessages(msgs []domain.ChatMessage) []openai.ChatCompletionMessage {
	out := make([]openai.ChatCompletionMessage, 0, len(msgs))
	for _, m := range msgs {
		msg := openai.ChatCompletionMessage{
			Role:       string(m.Role),
			Content:    m.Content,
			Name:       m.Name,
			ToolCallID: m.ToolCallID,
		}
		for _, tc := range m.ToolCalls {
			msg.ToolCalls = append(msg.ToolCalls, openai.ToolCall{
				ID:   tc.ID,
				Type: openai.ToolTypeFunction,
				Function: openai.FunctionCall{
					Name:      tc.Name,
					Arguments: string(tc.Arguments),
				},
			})
		}
		out = append(out, msg)
	}
	return out
}

// rawArguments keeps valid JSON as is; anything else becomes a JSON string
// so the gateway can reject it as a non-object.
func rawArguments(args string) json.RawMessage {
	args = strings.TrimSpace(args)
	if args == "" {
		return json.RawMessage(`{}`)
	}
	if json.Valid([]byte(args)) {
		return json.RawMessage(args)
	}
	quoted, _ := json.Marshal(args)
	return quoted
}

// classifyError marks network failures and 5xx answers as transport errors,
// which the orchestrator may retry.
func classifyError(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		if apiErr.HTTPStatusCode >= 500 {
			return &domain.TransportError{Server: modelServer, Cause: err}
		}
		return &domain.RemoteError{Server: modelServer, Status: apiErr.HTTPStatusCode, Body: apiErr.Message}
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		if reqErr.HTTPStatusCode >= 500 {
			return &domain.TransportError{Server: modelServer, Cause: err}
		}
		return &domain.RemoteError{Server: modelServer, Status: reqErr.HTTPStatusCode, Body: reqErr.Error()}
	}
	return &domain.TransportError{Server: modelServer, Cause: err}
}
