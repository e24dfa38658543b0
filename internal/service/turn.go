package service

import (
	"context"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"github.com/xiaot623/gogo/turnorch/internal/domain"
)

var (
	errRunTimeout = errors.New("run timed out")
	errCancelled  = errors.New("run cancelled")
)

// turn is one run in progress.
type turn struct {
	session *domain.Session
	user    *domain.Message
	run     *domain.Run
	flight  *flight
	ctx     context.Context
	stop    context.CancelFunc
	metrics domain.RunMetrics
	started time.Time
}

// StartTurn appends the user's message and runs the turn to completion.
func (s *Service) StartTurn(ctx context.Context, req domain.StartTurnRequest) (*domain.TurnResult, error) {
	session, content, err := s.prepare(ctx, req.SessionID, req.Content)
	if err != nil {
		return nil, err
	}
	t, err := s.begin(ctx, session, content, "")
	if err != nil {
		return nil, err
	}
	return s.execute(t)
}

// ResendTurn replaces the latest user message with edited content and runs
// the turn again. The original message and its replies stay stored but are
// superseded.
func (s *Service) ResendTurn(ctx context.Context, req domain.ResendRequest) (*domain.TurnResult, error) {
	session, content, err := s.prepare(ctx, req.SessionID, req.Content)
	if err != nil {
		return nil, err
	}
	if err := s.checkResendable(ctx, session.SessionID, req.MessageID); err != nil {
		return nil, err
	}
	t, err := s.begin(ctx, session, content, req.MessageID)
	if err != nil {
		return nil, err
	}
	return s.execute(t)
}

// StartTurnAsync validates and claims the session like StartTurn, then runs
// the turn in the background. Progress is observable through run events.
func (s *Service) StartTurnAsync(ctx context.Context, req domain.StartTurnRequest) (*domain.AsyncTurnResponse, error) {
	session, content, err := s.prepare(ctx, req.SessionID, req.Content)
	if err != nil {
		return nil, err
	}
	t, err := s.begin(context.WithoutCancel(ctx), session, content, "")
	if err != nil {
		return nil, err
	}
	go func() {
		var cancelled *domain.RunCancelledError
		if _, err := s.execute(t); err != nil && !errors.As(err, &cancelled) {
			log.Warn().Err(err).Str("run_id", t.run.RunID).Msg("Background turn failed")
		}
	}()
	return &domain.AsyncTurnResponse{
		RunID:         t.run.RunID,
		SessionID:     session.SessionID,
		UserMessageID: t.user.MessageID,
	}, nil
}

func (s *Service) prepare(ctx context.Context, sessionID, content string) (*domain.Session, string, error) {
	content = strings.TrimSpace(content)
	if content == "" {
		return nil, "", &domain.ValidationError{Message: "content cannot be empty"}
	}
	session, err := s.getSession(ctx, sessionID)
	if err != nil {
		return nil, "", err
	}
	return session, content, nil
}

func (s *Service) checkResendable(ctx context.Context, sessionID, messageID string) error {
	msg, err := s.store.GetMessage(ctx, messageID)
	if err != nil {
		return errors.Wrap(err, "failed to get message")
	}
	if msg == nil || msg.SessionID != sessionID {
		return &domain.NotFoundError{Kind: "message", ID: messageID}
	}
	if msg.Role != domain.RoleUser {
		return &domain.ValidationError{Message: "only user messages can be resent"}
	}
	latest, err := s.store.LatestUserMessage(ctx, sessionID)
	if err != nil {
		return errors.Wrap(err, "failed to get latest user message")
	}
	if latest == nil || latest.MessageID != messageID {
		return &domain.ValidationError{Message: "only the latest user message can be resent"}
	}
	return nil
}

// begin claims the session flight, stores the user message and creates the
// run. base becomes the parent of the run context.
func (s *Service) begin(base context.Context, session *domain.Session, content, editedFrom string) (*turn, error) {
	runID := domain.NewID("run")
	runCtx, cancel := context.WithCancelCause(base)
	fl, err := s.flights.acquire(session.SessionID, runID, cancel)
	if err != nil {
		cancel(nil)
		return nil, err
	}

	t := &turn{session: session, flight: fl, started: s.now()}
	t.ctx, t.stop = runCtx, func() { cancel(nil) }
	if d := s.config.Timeouts.Run; d > 0 {
		var stopTimer context.CancelFunc
		t.ctx, stopTimer = context.WithTimeoutCause(runCtx, d, errRunTimeout)
		t.stop = func() {
			stopTimer()
			cancel(nil)
		}
	}

	t.user = &domain.Message{
		MessageID:           domain.NewID("msg"),
		SessionID:           session.SessionID,
		RunID:               runID,
		Role:                domain.RoleUser,
		Content:             content,
		CreatedAt:           t.started,
		EditedFromMessageID: editedFrom,
	}
	t.run = &domain.Run{
		RunID:     runID,
		SessionID: session.SessionID,
		Status:    domain.RunStatusRunning,
		ModelID:   session.ModelID,
		StartedAt: t.started,
	}

	wctx, done := persistCtx(base)
	defer done()
	if err := s.store.AppendMessage(wctx, t.user); err != nil {
		s.release(t)
		return nil, errors.Wrap(err, "failed to append user message")
	}
	if err := s.store.CreateRun(wctx, t.run); err != nil {
		s.release(t)
		return nil, errors.Wrap(err, "failed to create run")
	}

	s.metrics.RunStarted()
	log.Info().Str("run_id", runID).Str("session_id", session.SessionID).Str("model", session.ModelID).Bool("resend", editedFrom != "").Msg("Run started")
	s.publish(domain.RunEvent{Type: domain.RunEventRun, SessionID: session.SessionID, RunID: runID, Status: domain.RunStatusRunning})
	return t, nil
}

func (s *Service) release(t *turn) {
	t.stop()
	s.flights.release(t.flight)
}

// execute runs the pipeline and settles the run. The flight is released
// only after the run reached a terminal status.
func (s *Service) execute(t *turn) (*domain.TurnResult, error) {
	defer s.release(t)
	content, err := s.runTurn(t.ctx, t)
	return s.settle(t, content, err)
}

func (s *Service) settle(t *turn, content string, runErr error) (*domain.TurnResult, error) {
	elapsed := s.now().Sub(t.started)
	t.metrics.LatencyMs = elapsed.Milliseconds()
	result := &domain.TurnResult{RunID: t.run.RunID, SessionID: t.session.SessionID, UserMessage: t.user}

	status, cause := s.outcome(t, runErr)
	if status == domain.RunStatusCompleted {
		assistant := &domain.Message{
			MessageID: domain.NewID("msg"),
			SessionID: t.session.SessionID,
			RunID:     t.run.RunID,
			Role:      domain.RoleAssistant,
			Content:   content,
			CreatedAt: s.now(),
		}
		wctx, done := persistCtx(t.ctx)
		err := s.store.AppendMessage(wctx, assistant)
		done()
		if err != nil {
			status, cause = domain.RunStatusFailed, errors.Wrap(err, "append assistant message")
		} else {
			result.AssistantMessage = assistant
		}
	}

	runErrText := ""
	switch status {
	case domain.RunStatusFailed:
		runErrText = cause.Error()
	case domain.RunStatusCancelled:
		runErrText = errCancelled.Error()
	}
	if err := s.completeRun(t.ctx, t.run, status, t.metrics, runErrText); err != nil {
		log.Error().Err(err).Str("run_id", t.run.RunID).Msg("Failed to complete run")
		if cause == nil {
			cause = err
		}
		status = domain.RunStatusFailed
	}
	s.metrics.RunFinished(status, elapsed)
	result.Status = status

	switch status {
	case domain.RunStatusFailed:
		return result, &domain.RunFailedError{RunID: t.run.RunID, Cause: cause}
	case domain.RunStatusCancelled:
		return result, &domain.RunCancelledError{RunID: t.run.RunID}
	}
	return result, nil
}

// outcome decides the terminal status. Expiry of the run timeout is a
// failure; any other end of the run context is a cancellation.
func (s *Service) outcome(t *turn, err error) (domain.RunStatus, error) {
	if err == nil {
		return domain.RunStatusCompleted, nil
	}
	if t.ctx.Err() != nil {
		if terr := s.runTimeout(t.ctx); terr != nil {
			return domain.RunStatusFailed, terr
		}
		return domain.RunStatusCancelled, nil
	}
	return domain.RunStatusFailed, err
}
