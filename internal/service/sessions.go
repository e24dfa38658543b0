package service

import (
	"context"
	"strings"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"github.com/xiaot623/gogo/turnorch/internal/domain"
)

const defaultSessionTitle = "New chat"

func (s *Service) getSession(ctx context.Context, sessionID string) (*domain.Session, error) {
	session, err := s.store.GetSession(ctx, sessionID)
	if err != nil {
		return nil, errors.Wrap(err, "failed to get session")
	}
	if session == nil {
		return nil, &domain.NotFoundError{Kind: "session", ID: sessionID}
	}
	return session, nil
}

// CreateSession creates a session. Unset settings take configured defaults.
func (s *Service) CreateSession(ctx context.Context, req domain.CreateSessionRequest) (*domain.Session, error) {
	session := &domain.Session{
		SessionID:          domain.NewID("sess"),
		Title:              strings.TrimSpace(req.Title),
		ModelID:            strings.TrimSpace(req.ModelID),
		PersonaID:          strings.TrimSpace(req.PersonaID),
		RAGEnabled:         s.config.RAG.Backend != "none",
		EnabledToolServers: req.EnabledToolServers,
		CreatedAt:          s.now(),
	}
	if session.Title == "" {
		session.Title = defaultSessionTitle
	}
	if session.ModelID == "" {
		session.ModelID = s.config.Models.DefaultModel
	}
	if session.PersonaID == "" {
		session.PersonaID = s.config.Personas.DefaultPersonaID
	}
	if req.RAGEnabled != nil {
		session.RAGEnabled = *req.RAGEnabled
	}
	if req.StreamingEnabled != nil {
		session.StreamingEnabled = *req.StreamingEnabled
	}
	if session.EnabledToolServers == nil {
		session.EnabledToolServers = s.config.DefaultToolServers()
	}
	if err := s.validateSession(session); err != nil {
		return nil, err
	}

	if err := s.store.CreateSession(ctx, session); err != nil {
		return nil, errors.Wrap(err, "failed to create session")
	}
	log.Info().Str("session_id", session.SessionID).Str("model", session.ModelID).Strs("tool_servers", session.EnabledToolServers).Msg("Session created")
	return session, nil
}

// GetSession returns one session.
func (s *Service) GetSession(ctx context.Context, sessionID string) (*domain.Session, error) {
	return s.getSession(ctx, sessionID)
}

// ListSessions returns sessions newest first.
func (s *Service) ListSessions(ctx context.Context) ([]domain.Session, error) {
	sessions, err := s.store.ListSessions(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list sessions")
	}
	if sessions == nil {
		sessions = []domain.Session{}
	}
	return sessions, nil
}

// UpdateSession patches session settings. Changes apply to the next turn.
func (s *Service) UpdateSession(ctx context.Context, sessionID string, req domain.UpdateSessionRequest) (*domain.Session, error) {
	session, err := s.getSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if req.Title != nil {
		session.Title = strings.TrimSpace(*req.Title)
	}
	if req.ModelID != nil {
		session.ModelID = strings.TrimSpace(*req.ModelID)
	}
	if req.PersonaID != nil {
		session.PersonaID = strings.TrimSpace(*req.PersonaID)
	}
	if req.RAGEnabled != nil {
		session.RAGEnabled = *req.RAGEnabled
	}
	if req.StreamingEnabled != nil {
		session.StreamingEnabled = *req.StreamingEnabled
	}
	if req.EnabledToolServers != nil {
		session.EnabledToolServers = req.EnabledToolServers
	}
	if session.ModelID == "" {
		return nil, &domain.ValidationError{Message: "model_id cannot be empty"}
	}
	if err := s.validateSession(session); err != nil {
		return nil, err
	}
	if err := s.store.UpdateSession(ctx, session); err != nil {
		return nil, errors.Wrap(err, "failed to update session")
	}
	return session, nil
}

// DeleteSession removes a session with its transcript, runs and documents.
// A session with a running turn is not deleted.
func (s *Service) DeleteSession(ctx context.Context, sessionID string) error {
	// Holding the flight keeps a turn from starting mid-delete.
	fl, err := s.flights.acquire(sessionID, domain.NewID("del"), func(error) {})
	if err != nil {
		return err
	}
	defer s.flights.release(fl)

	if err := s.store.DeleteSession(ctx, sessionID); err != nil {
		return errors.Wrap(err, "failed to delete session")
	}
	log.Info().Str("session_id", sessionID).Msg("Session deleted")
	return nil
}

func (s *Service) validateSession(session *domain.Session) error {
	if _, ok := s.config.Persona(session.PersonaID); !ok {
		return &domain.ValidationError{Message: "unknown persona " + session.PersonaID}
	}
	seen := make(map[string]bool, len(session.EnabledToolServers))
	for _, name := range session.EnabledToolServers {
		if _, ok := s.config.ToolServer(name); !ok {
			return &domain.ValidationError{Message: "unknown tool server " + name}
		}
		if seen[name] {
			return &domain.ValidationError{Message: "duplicate tool server " + name}
		}
		seen[name] = true
	}
	return nil
}

// ListMessages returns the transcript in creation order. Superseded messages
// are included only on request.
func (s *Service) ListMessages(ctx context.Context, sessionID string, includeSuperseded bool) ([]domain.Message, error) {
	if _, err := s.getSession(ctx, sessionID); err != nil {
		return nil, err
	}
	messages, err := s.store.ListMessages(ctx, sessionID, includeSuperseded)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list messages")
	}
	if messages == nil {
		messages = []domain.Message{}
	}
	return messages, nil
}

// GetRunWithSteps returns a run and its steps in stored order.
func (s *Service) GetRunWithSteps(ctx context.Context, runID string) (*domain.Run, error) {
	run, err := s.store.GetRun(ctx, runID)
	if err != nil {
		return nil, errors.Wrap(err, "failed to get run")
	}
	if run == nil {
		return nil, &domain.NotFoundError{Kind: "run", ID: runID}
	}
	steps, err := s.store.ListSteps(ctx, runID)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list steps")
	}
	if steps == nil {
		steps = []domain.Step{}
	}
	run.Steps = steps
	return run, nil
}

// ListRuns returns the runs of a session, newest first.
func (s *Service) ListRuns(ctx context.Context, sessionID string) ([]domain.Run, error) {
	if _, err := s.getSession(ctx, sessionID); err != nil {
		return nil, err
	}
	runs, err := s.store.ListRuns(ctx, sessionID)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list runs")
	}
	if runs == nil {
		runs = []domain.Run{}
	}
	return runs, nil
}
