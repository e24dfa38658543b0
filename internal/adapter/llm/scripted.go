package llm

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/huandu/go-clone"
	"github.com/pkg/errors"
	"github.com/xiaot623/gogo/turnorch/internal/domain"
)

// Reply produces one scripted response. It may block on ctx to simulate a slow
// model.
type Reply func(ctx context.Context, req *GenerateRequest) (*GenerateResponse, error)

// ScriptedClient replays a fixed list of replies and records every request.
// Once the script is exhausted the last reply repeats.
type ScriptedClient struct {
	mu       sync.Mutex
	replies  []Reply
	requests []*GenerateRequest
}

// NewScriptedClient creates a client that answers with replies in order.
func NewScriptedClient(replies ...Reply) *ScriptedClient {
	return &ScriptedClient{replies: replies}
}

// Text replies with final content.
func Text(content string) Reply {
	return func(ctx context.Context, req *GenerateRequest) (*GenerateResponse, error) {
		return &GenerateResponse{
			Content:      content,
			FinishReason: "stop",
			Usage:        fakeUsage(req, len(content)),
		}, nil
	}
}

// Call builds a tool call for Calls.
func Call(id, name, args string) domain.ToolCall {
	return domain.ToolCall{ID: id, Name: name, Arguments: json.RawMessage(args)}
}

// Calls replies with tool calls.
func Calls(calls ...domain.ToolCall) Reply {
	return func(ctx context.Context, req *GenerateRequest) (*GenerateResponse, error) {
		return &GenerateResponse{
			ToolCalls:    calls,
			FinishReason: "tool_calls",
			Usage:        fakeUsage(req, 0),
		}, nil
	}
}

// Fail replies with err.
func Fail(err error) Reply {
	return func(ctx context.Context, req *GenerateRequest) (*GenerateResponse, error) {
		return nil, err
	}
}

// Block waits for ctx to end.
func Block() Reply {
	return func(ctx context.Context, req *GenerateRequest) (*GenerateResponse, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}
}

// Generate implements ModelClient.
func (s *ScriptedClient) Generate(ctx context.Context, req *GenerateRequest) (*GenerateResponse, error) {
	s.mu.Lock()
	if len(s.replies) == 0 {
		s.mu.Unlock()
		return nil, errors.New("scripted client has no replies")
	}
	idx := len(s.requests)
	if idx >= len(s.replies) {
		idx = len(s.replies) - 1
	}
	s.requests = append(s.requests, clone.Clone(req).(*GenerateRequest))
	reply := s.replies[idx]
	s.mu.Unlock()

	return reply(ctx, req)
}

// ListModels implements ModelClient.
func (s *ScriptedClient) ListModels(ctx context.Context) ([]Model, error) {
	return []Model{{ID: "scripted", OwnedBy: "test"}}, nil
}

// Requests returns the requests seen so far.
func (s *ScriptedClient) Requests() []*GenerateRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*GenerateRequest, len(s.requests))
	copy(out, s.requests)
	return out
}

func fakeUsage(req *GenerateRequest, completion int) domain.Usage {
	prompt := 0
	for _, m := range req.Messages {
		prompt += len(m.Content)
	}
	prompt /= 4
	completion /= 4
	return domain.Usage{PromptTokens: prompt, CompletionTokens: completion, TotalTokens: prompt + completion}
}
