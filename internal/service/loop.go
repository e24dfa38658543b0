package service

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/huandu/go-clone"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"github.com/xiaot623/gogo/turnorch/internal/adapter/llm"
	"github.com/xiaot623/gogo/turnorch/internal/domain"
)

// retryBackoff is the pause before a model call is retried.
var retryBackoff = 250 * time.Millisecond

// runTurn drives retrieval, prompt assembly and the model/tool loop. It
// returns the final assistant text.
func (s *Service) runTurn(ctx context.Context, t *turn) (string, error) {
	var retrieved []domain.RetrievedChunk
	if t.session.RAGEnabled {
		var err error
		if retrieved, err = s.retrieve(ctx, t); err != nil {
			return "", err
		}
	}

	messages, err := s.buildMessages(ctx, t, retrieved)
	if err != nil {
		return "", err
	}
	defs := s.gateway.Definitions(ctx, s.enabledServers(t.session))
	prompt := domain.PromptStepInput{
		Version:  domain.StepPayloadVersion,
		Messages: clone.Clone(messages).([]domain.ChatMessage),
		Tools:    defs,
	}
	if err := s.recordStep(ctx, t.session.SessionID, t.run.RunID, domain.StepTypePrompt, "Prompt", prompt, nil, time.Time{}); err != nil {
		return "", err
	}

	maxIterations := s.config.Orchestrator.MaxToolIterations
	for iteration := 1; ; iteration++ {
		if err := ctx.Err(); err != nil {
			return "", err
		}
		resp, err := s.generate(ctx, t, messages, defs, iteration)
		if err != nil {
			return "", err
		}
		if len(resp.ToolCalls) == 0 {
			content := strings.TrimSpace(resp.Content)
			if content == "" {
				log.Warn().Str("run_id", t.run.RunID).Msg("Model returned an empty response, using fallback text")
				content = emptyReplyFallback
			}
			return content, nil
		}
		if maxIterations > 0 && iteration > maxIterations {
			log.Warn().Str("run_id", t.run.RunID).Int("iterations", iteration).Msg("Aborting tool loop")
			return toolLoopFallback, nil
		}

		calls := make([]domain.ToolCall, len(resp.ToolCalls))
		for i, call := range resp.ToolCalls {
			if call.ID == "" {
				call.ID = fmt.Sprintf("call_%d_%d", iteration, i+1)
			}
			calls[i] = call
		}
		messages = append(messages, domain.ChatMessage{Role: domain.RoleAssistant, Content: resp.Content, ToolCalls: calls})

		for _, call := range calls {
			if err := ctx.Err(); err != nil {
				return "", err
			}
			res, err := s.runToolCall(ctx, t, call)
			if err != nil {
				return "", err
			}
			messages = append(messages, domain.ChatMessage{
				Role:       domain.RoleTool,
				Name:       call.Name,
				ToolCallID: call.ID,
				Content:    toolText(res),
			})
		}
	}
}

func (s *Service) enabledServers(session *domain.Session) []string {
	var names []string
	for _, name := range session.EnabledToolServers {
		if _, ok := s.gateway.Server(name); ok {
			names = append(names, name)
		}
	}
	return names
}

// retrieve runs the single retrieval call of a turn. Retrieval errors are
// recorded and swallowed; only a failed trace write stops the turn.
func (s *Service) retrieve(ctx context.Context, t *turn) ([]domain.RetrievedChunk, error) {
	started := s.now()
	input := domain.RAGStepInput{Version: domain.StepPayloadVersion, Query: t.user.Content, TopK: s.config.RAG.TopK}
	output := domain.RAGStepOutput{Version: domain.StepPayloadVersion, Chunks: []domain.RAGChunkPreview{}}

	chunks, err := s.retriever.Retrieve(ctx, t.session.SessionID, t.user.Content, s.config.RAG.TopK)
	if err != nil {
		log.Warn().Err(err).Str("run_id", t.run.RunID).Msg("Retrieval failed, continuing without context")
		output.Error = err.Error()
		chunks = nil
	}
	for _, c := range chunks {
		output.Chunks = append(output.Chunks, domain.RAGChunkPreview{
			ChunkID:     c.ChunkID,
			Source:      c.SourceDocument,
			Score:       c.Score,
			TextPreview: preview(c.Text, ragPreviewChars),
		})
	}
	if err := s.recordStep(ctx, t.session.SessionID, t.run.RunID, domain.StepTypeRAG, "Retrieved chunks", input, output, started); err != nil {
		return nil, err
	}
	return chunks, nil
}

// generate calls the model, retrying transport failures up to the configured
// number of times. Every attempt leaves a step behind.
func (s *Service) generate(ctx context.Context, t *turn, messages []domain.ChatMessage, defs []domain.ToolDefinition, iteration int) (*llm.GenerateResponse, error) {
	req := &llm.GenerateRequest{Model: t.run.ModelID, Messages: messages, Tools: defs}
	input := domain.ModelStepInput{
		Version:      domain.StepPayloadVersion,
		Model:        t.run.ModelID,
		Iteration:    iteration,
		MessageCount: len(messages),
		ToolCount:    len(defs),
	}
	retries := s.config.Orchestrator.ModelRetries

	for attempt := 1; ; attempt++ {
		started := s.now()
		resp, err := s.callModel(ctx, req)
		if err == nil {
			t.metrics.Add(resp.Usage)
			s.metrics.Usage(resp.Usage)
			label := "Assistant response"
			if len(resp.ToolCalls) > 0 {
				label = "Assistant tool request"
			}
			usage := resp.Usage
			output := domain.ModelStepOutput{
				Version:      domain.StepPayloadVersion,
				Content:      resp.Content,
				ToolCalls:    resp.ToolCalls,
				FinishReason: resp.FinishReason,
				Usage:        &usage,
			}
			if err := s.recordStep(ctx, t.session.SessionID, t.run.RunID, domain.StepTypeModel, label, input, output, started); err != nil {
				return nil, err
			}
			return resp, nil
		}

		var transport *domain.TransportError
		if attempt <= retries && ctx.Err() == nil && errors.As(err, &transport) {
			log.Warn().Err(err).Str("run_id", t.run.RunID).Int("attempt", attempt).Msg("Model call failed, retrying")
			retry := domain.RetryStepInput{Version: domain.StepPayloadVersion, Attempt: attempt, Reason: err.Error()}
			if rerr := s.recordStep(ctx, t.session.SessionID, t.run.RunID, domain.StepTypeRetry, "Retrying model call", retry, nil, started); rerr != nil {
				return nil, rerr
			}
			select {
			case <-time.After(retryBackoff):
				continue
			case <-ctx.Done():
				if terr := s.runTimeout(ctx); terr != nil {
					s.recordModelFailure(ctx, t, input, terr, s.now())
				}
				return nil, ctx.Err()
			}
		}

		if ctx.Err() != nil {
			// A caller cancel leaves no model step; the run's own deadline does.
			if terr := s.runTimeout(ctx); terr != nil {
				s.recordModelFailure(ctx, t, input, terr, started)
			}
			return nil, err
		}
		s.recordModelFailure(ctx, t, input, err, started)
		return nil, err
	}
}

func (s *Service) recordModelFailure(ctx context.Context, t *turn, input domain.ModelStepInput, cause error, started time.Time) {
	output := domain.ModelStepOutput{Version: domain.StepPayloadVersion, Error: cause.Error()}
	if err := s.recordStep(ctx, t.session.SessionID, t.run.RunID, domain.StepTypeModel, "Model call failed", input, output, started); err != nil {
		log.Error().Err(err).Str("run_id", t.run.RunID).Msg("Failed to record model failure")
	}
}

// runTimeout returns the run's timeout error when ctx ended because the run
// deadline expired, and nil otherwise.
func (s *Service) runTimeout(ctx context.Context) error {
	if ctx.Err() == nil || !errors.Is(context.Cause(ctx), errRunTimeout) {
		return nil
	}
	return &domain.TimeoutError{Op: "run", Timeout: s.config.Timeouts.Run.String()}
}

// callModel applies the per-call timeout.
func (s *Service) callModel(ctx context.Context, req *llm.GenerateRequest) (*llm.GenerateResponse, error) {
	callCtx := ctx
	if d := s.config.Timeouts.Model; d > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, d)
		defer cancel()
	}
	resp, err := s.model.Generate(callCtx, req)
	if err != nil && ctx.Err() == nil && callCtx.Err() != nil {
		return nil, &domain.TimeoutError{Op: "model call", Timeout: s.config.Timeouts.Model.String()}
	}
	return resp, err
}
