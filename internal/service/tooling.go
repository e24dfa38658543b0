package service

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/xiaot623/gogo/turnorch/internal/domain"
	"github.com/xiaot623/gogo/turnorch/policy"
)

// stepTypeFor tells in-process tools apart from external servers in traces.
func stepTypeFor(server domain.ToolServer) domain.StepType {
	if server.Transport == domain.TransportBuiltin {
		return domain.StepTypeTool
	}
	return domain.StepTypeMCP
}

// runToolCall executes one model tool call and records it. Tool failures are
// returned as error results for the model to read; only a failed trace write
// is a Go error.
func (s *Service) runToolCall(ctx context.Context, t *turn, call domain.ToolCall) (domain.ToolResult, error) {
	started := s.now()
	input := domain.ToolStepInput{Version: domain.StepPayloadVersion, Function: call.Name, Arguments: call.Arguments}

	serverName, toolName, ok := domain.DecodeToolName(call.Name)
	if !ok {
		res := toolFailure(domain.ErrorKindNotFound, fmt.Sprintf("unknown tool %q", call.Name))
		return res, s.recordTool(ctx, t.session.SessionID, t.run.RunID, domain.StepTypeMCP, input, res, started)
	}
	input.Server, input.Tool = serverName, toolName

	server, configured := s.gateway.Server(serverName)
	if !configured || !t.session.HasToolServer(serverName) {
		res := toolFailure(domain.ErrorKindNotFound, fmt.Sprintf("tool server %q is not enabled for this session", serverName))
		return res, s.recordTool(ctx, t.session.SessionID, t.run.RunID, domain.StepTypeMCP, input, res, started)
	}

	res := s.dispatchTool(ctx, policy.Input{
		SessionID: t.session.SessionID,
		RunID:     t.run.RunID,
		Server:    serverName,
		Tool:      toolName,
		Function:  call.Name,
		Args:      call.Arguments,
	}, server)
	return res, s.recordTool(ctx, t.session.SessionID, t.run.RunID, stepTypeFor(server), input, res, started)
}

// dispatchTool applies the policy gate, then invokes the tool with the
// server's own timeout or the global tool timeout.
func (s *Service) dispatchTool(ctx context.Context, in policy.Input, server domain.ToolServer) domain.ToolResult {
	if s.policy != nil {
		decision, err := s.policy.Evaluate(ctx, in)
		if err != nil {
			log.Error().Err(err).Str("run_id", in.RunID).Str("function", in.Function).Msg("Policy evaluation failed, blocking call")
			return toolFailure(domain.ErrorKindBlocked, "blocked by policy: evaluation failed")
		}
		if decision.Blocked() {
			log.Warn().Str("run_id", in.RunID).Str("function", in.Function).Str("reason", decision.Reason).Msg("Tool call blocked by policy")
			return toolFailure(domain.ErrorKindBlocked, "blocked by policy: "+decision.Reason)
		}
	}

	timeout := server.Timeout
	if timeout <= 0 {
		timeout = s.config.Timeouts.Tool
	}
	return s.gateway.Invoke(ctx, server, in.Tool, in.Args, timeout)
}

func (s *Service) recordTool(ctx context.Context, sessionID, runID string, stepType domain.StepType, input domain.ToolStepInput, res domain.ToolResult, started time.Time) error {
	s.metrics.ToolCall(input.Server, res)
	output := domain.ToolStepOutput{
		Version:      domain.StepPayloadVersion,
		Status:       res.Status,
		Output:       res.Output,
		ErrorMessage: res.ErrorMessage,
		ErrorKind:    res.ErrorKind,
	}
	label := input.Tool
	if label == "" {
		label = input.Function
	}
	return s.recordStep(ctx, sessionID, runID, stepType, label, input, output, started)
}

func toolFailure(kind, message string) domain.ToolResult {
	return domain.ToolResult{Status: domain.ToolStatusError, ErrorKind: kind, ErrorMessage: message}
}

// toolText is what the model sees as the tool message content.
func toolText(res domain.ToolResult) string {
	if !res.OK() {
		return fmt.Sprintf("Tool error (%s): %s", res.ErrorKind, res.ErrorMessage)
	}
	var out struct {
		Text string `json:"text"`
	}
	if err := json.Unmarshal(res.Output, &out); err == nil && out.Text != "" {
		return out.Text
	}
	return string(res.Output)
}
