package service

import (
	"context"
	"encoding/json"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"github.com/xiaot623/gogo/turnorch/internal/domain"
)

const persistTimeout = 5 * time.Second

// persistCtx outlives cancellation of ctx so that a side effect that already
// happened still gets written down.
func persistCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), persistTimeout)
}

// recordStep appends a step and returns once it is committed. The step is
// then published to stream subscribers.
func (s *Service) recordStep(ctx context.Context, sessionID, runID string, stepType domain.StepType, label string, input, output interface{}, started time.Time) error {
	step := &domain.Step{
		StepID: domain.NewID("stp"),
		RunID:  runID,
		Ts:     s.now().UnixMilli(),
		Type:   stepType,
		Label:  label,
	}
	var err error
	if step.InputJSON, err = marshalPayload(input); err != nil {
		return errors.Wrapf(err, "marshal %s step input", stepType)
	}
	if step.OutputJSON, err = marshalPayload(output); err != nil {
		return errors.Wrapf(err, "marshal %s step output", stepType)
	}
	if !started.IsZero() {
		latency := s.now().Sub(started).Milliseconds()
		step.LatencyMs = &latency
	}

	wctx, cancel := persistCtx(ctx)
	defer cancel()
	if err := s.store.AppendStep(wctx, step); err != nil {
		return errors.Wrapf(err, "append %s step", stepType)
	}

	log.Debug().Str("run_id", runID).Int("seq", step.Seq).Str("type", string(stepType)).Str("label", label).Msg("Step recorded")
	s.metrics.Step(stepType)
	s.publish(domain.RunEvent{Type: domain.RunEventStep, SessionID: sessionID, RunID: runID, Step: step})
	return nil
}

func marshalPayload(v interface{}) (json.RawMessage, error) {
	if v == nil {
		return nil, nil
	}
	if raw, ok := v.(json.RawMessage); ok {
		return raw, nil
	}
	return json.Marshal(v)
}

// completeRun moves the run to a terminal status and announces it.
func (s *Service) completeRun(ctx context.Context, run *domain.Run, status domain.RunStatus, m domain.RunMetrics, runErr string) error {
	wctx, cancel := persistCtx(ctx)
	defer cancel()
	updated, err := s.store.CompleteRun(wctx, run.RunID, status, m, runErr)
	if err != nil {
		return errors.Wrap(err, "complete run")
	}
	if !updated {
		log.Warn().Str("run_id", run.RunID).Str("status", string(status)).Msg("Run was already terminal")
		return nil
	}
	run.Status = status
	run.Error = runErr

	log.Info().Str("run_id", run.RunID).Str("session_id", run.SessionID).Str("status", string(status)).
		Int64("latency_ms", m.LatencyMs).Int("total_tokens", m.TotalTokens).Msg("Run finished")
	s.publish(domain.RunEvent{Type: domain.RunEventRun, SessionID: run.SessionID, RunID: run.RunID, Status: status, Error: runErr})
	return nil
}

func (s *Service) publish(ev domain.RunEvent) {
	if s.events == nil {
		return
	}
	ev.Ts = s.now().UnixMilli()
	s.events.Publish(ev)
}
