package service

import (
	"context"
	"strings"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"github.com/xiaot623/gogo/turnorch/internal/adapter/llm"
	"github.com/xiaot623/gogo/turnorch/internal/adapter/retrieval"
	"github.com/xiaot623/gogo/turnorch/internal/domain"
	"github.com/xiaot623/gogo/turnorch/policy"
)

const orphanedRunError = "orphaned by restart"

// CancelRun stops a running run. The call returns after the run reached a
// terminal status or ctx ended. Terminal runs are returned unchanged.
func (s *Service) CancelRun(ctx context.Context, runID string) (*domain.Run, error) {
	run, err := s.store.GetRun(ctx, runID)
	if err != nil {
		return nil, errors.Wrap(err, "failed to get run")
	}
	if run == nil {
		return nil, &domain.NotFoundError{Kind: "run", ID: runID}
	}
	if run.Status.IsTerminal() {
		return run, nil
	}

	if fl, ok := s.flights.byRunID(runID); ok {
		log.Info().Str("run_id", runID).Msg("Cancelling run")
		fl.cancel(errCancelled)
		select {
		case <-fl.done:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	} else {
		// Nothing in this process drives the run.
		if err := s.completeRun(ctx, run, domain.RunStatusCancelled, domain.RunMetrics{}, errCancelled.Error()); err != nil {
			return nil, err
		}
	}

	run, err = s.store.GetRun(ctx, runID)
	if err != nil {
		return nil, errors.Wrap(err, "failed to reload run")
	}
	return run, nil
}

// RecoverOrphanedRuns fails runs left running by a previous process. Call it
// once at startup before serving requests.
func (s *Service) RecoverOrphanedRuns(ctx context.Context) (int, error) {
	runs, err := s.store.ListRunningRuns(ctx)
	if err != nil {
		return 0, errors.Wrap(err, "failed to list running runs")
	}
	recovered := 0
	for i := range runs {
		run := &runs[i]
		if _, ok := s.flights.byRunID(run.RunID); ok {
			continue
		}
		if err := s.completeRun(ctx, run, domain.RunStatusFailed, domain.RunMetrics{}, orphanedRunError); err != nil {
			return recovered, err
		}
		recovered++
	}
	if recovered > 0 {
		log.Warn().Int("runs", recovered).Msg("Marked orphaned runs as failed")
	}
	return recovered, nil
}

// RunTool invokes one tool outside a model turn. The call is traced as its
// own run holding a single tool step, and it takes the session's flight like
// any turn.
func (s *Service) RunTool(ctx context.Context, sessionID string, req domain.RunToolRequest) (*domain.RunToolResponse, error) {
	session, err := s.getSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	req.ServerName = strings.TrimSpace(req.ServerName)
	req.ToolName = strings.TrimSpace(req.ToolName)
	if req.ServerName == "" || req.ToolName == "" {
		return nil, &domain.ValidationError{Message: "server_name and tool_name are required"}
	}
	server, ok := s.gateway.Server(req.ServerName)
	if !ok {
		return nil, &domain.NotFoundError{Kind: "tool server", ID: req.ServerName}
	}
	if !session.HasToolServer(req.ServerName) {
		return nil, &domain.ValidationError{Message: "tool server " + req.ServerName + " is not enabled for this session"}
	}

	runID := domain.NewID("run")
	runCtx, cancel := context.WithCancelCause(ctx)
	fl, err := s.flights.acquire(session.SessionID, runID, cancel)
	if err != nil {
		cancel(nil)
		return nil, err
	}
	defer func() {
		cancel(nil)
		s.flights.release(fl)
	}()

	started := s.now()
	run := &domain.Run{RunID: runID, SessionID: session.SessionID, Status: domain.RunStatusRunning, ModelID: session.ModelID, StartedAt: started}
	wctx, done := persistCtx(ctx)
	err = s.store.CreateRun(wctx, run)
	done()
	if err != nil {
		return nil, errors.Wrap(err, "failed to create run")
	}
	s.metrics.RunStarted()
	s.publish(domain.RunEvent{Type: domain.RunEventRun, SessionID: session.SessionID, RunID: runID, Status: domain.RunStatusRunning})

	function := domain.EncodeToolName(server.Name, req.ToolName)
	input := domain.ToolStepInput{Version: domain.StepPayloadVersion, Function: function, Server: server.Name, Tool: req.ToolName, Arguments: req.Arguments}
	res := s.dispatchTool(runCtx, policy.Input{
		SessionID: session.SessionID,
		RunID:     runID,
		Server:    server.Name,
		Tool:      req.ToolName,
		Function:  function,
		Args:      req.Arguments,
	}, server)

	status, runErr := domain.RunStatusCompleted, ""
	var cause error
	if err := s.recordTool(runCtx, session.SessionID, runID, stepTypeFor(server), input, res, started); err != nil {
		status, runErr, cause = domain.RunStatusFailed, err.Error(), err
	} else if runCtx.Err() != nil {
		status, runErr = domain.RunStatusCancelled, errCancelled.Error()
	}
	elapsed := s.now().Sub(started)
	if err := s.completeRun(runCtx, run, status, domain.RunMetrics{LatencyMs: elapsed.Milliseconds()}, runErr); err != nil {
		return nil, err
	}
	s.metrics.RunFinished(status, elapsed)
	if cause != nil {
		return nil, &domain.RunFailedError{RunID: runID, Cause: cause}
	}
	return &domain.RunToolResponse{RunID: runID, Result: res}, nil
}

// Ingest indexes a document for the session's retrieval.
func (s *Service) Ingest(ctx context.Context, sessionID string, req domain.IngestRequest) (*domain.IngestResponse, error) {
	if _, err := s.getSession(ctx, sessionID); err != nil {
		return nil, err
	}
	ingester, ok := s.retriever.(retrieval.Ingester)
	if !ok {
		return nil, &domain.ValidationError{Message: "the configured retrieval backend does not accept documents"}
	}
	return ingester.Ingest(ctx, sessionID, strings.TrimSpace(req.Title), req.Text)
}

// ListModels asks the model backend for its models. When discovery fails the
// configured fallback list is returned instead.
func (s *Service) ListModels(ctx context.Context) ([]llm.Model, error) {
	models, err := s.model.ListModels(ctx)
	if err == nil && len(models) > 0 {
		return models, nil
	}
	if len(s.config.Models.Fallback) == 0 {
		if err == nil {
			return []llm.Model{}, nil
		}
		return nil, errors.Wrap(err, "failed to list models")
	}
	if err != nil {
		log.Warn().Err(err).Msg("Model discovery failed, using fallback list")
	}
	models = make([]llm.Model, 0, len(s.config.Models.Fallback))
	for _, id := range s.config.Models.Fallback {
		models = append(models, llm.Model{ID: id, OwnedBy: "fallback"})
	}
	return models, nil
}

// ListSessionTools returns the tool definitions a turn in the session offers
// the model.
func (s *Service) ListSessionTools(ctx context.Context, sessionID string) ([]domain.ToolDefinition, error) {
	session, err := s.getSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	defs := s.gateway.Definitions(ctx, s.enabledServers(session))
	if defs == nil {
		defs = []domain.ToolDefinition{}
	}
	return defs, nil
}

// ListServerTools lists the tools of one configured server.
func (s *Service) ListServerTools(ctx context.Context, serverName string) ([]domain.ToolSpec, error) {
	server, ok := s.gateway.Server(serverName)
	if !ok {
		return nil, &domain.NotFoundError{Kind: "tool server", ID: serverName}
	}
	specs, err := s.gateway.ListTools(ctx, server)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to list tools of %s", serverName)
	}
	return specs, nil
}
