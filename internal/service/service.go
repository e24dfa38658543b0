// Package service runs conversation turns: retrieval, prompt assembly, the
// model and tool loop, and the trace of every step.
package service

import (
	"context"
	"encoding/json"
	"time"

	"github.com/xiaot623/gogo/turnorch/internal/adapter/llm"
	"github.com/xiaot623/gogo/turnorch/internal/adapter/retrieval"
	"github.com/xiaot623/gogo/turnorch/internal/config"
	"github.com/xiaot623/gogo/turnorch/internal/domain"
	"github.com/xiaot623/gogo/turnorch/internal/events"
	"github.com/xiaot623/gogo/turnorch/internal/metrics"
	store "github.com/xiaot623/gogo/turnorch/internal/repository"
	"github.com/xiaot623/gogo/turnorch/policy"
)

// ToolGateway dispatches tool calls to configured servers.
type ToolGateway interface {
	Server(name string) (domain.ToolServer, bool)
	Invoke(ctx context.Context, server domain.ToolServer, toolName string, args json.RawMessage, timeout time.Duration) domain.ToolResult
	ListTools(ctx context.Context, server domain.ToolServer) ([]domain.ToolSpec, error)
	Definitions(ctx context.Context, serverNames []string) []domain.ToolDefinition
}

// PolicyEvaluator decides whether a tool call may be dispatched.
type PolicyEvaluator interface {
	Evaluate(ctx context.Context, in policy.Input) (policy.Decision, error)
}

// Options wires a Service. Policy, Events and Metrics are optional.
type Options struct {
	Store     store.Store
	Model     llm.ModelClient
	Gateway   ToolGateway
	Retriever retrieval.Retriever
	Policy    PolicyEvaluator
	Events    events.Publisher
	Metrics   *metrics.Recorder
	Config    *config.Config
}

type Service struct {
	store     store.Store
	model     llm.ModelClient
	gateway   ToolGateway
	retriever retrieval.Retriever
	policy    PolicyEvaluator
	events    events.Publisher
	metrics   *metrics.Recorder
	config    *config.Config
	flights   *flights
	now       func() time.Time
}

func New(opts Options) *Service {
	retriever := opts.Retriever
	if retriever == nil {
		retriever = retrieval.None{}
	}
	cfg := opts.Config
	if cfg == nil {
		cfg = config.Default()
	}
	return &Service{
		store:     opts.Store,
		model:     opts.Model,
		gateway:   opts.Gateway,
		retriever: retriever,
		policy:    opts.Policy,
		events:    opts.Events,
		metrics:   opts.Metrics,
		config:    cfg,
		flights:   newFlights(),
		now:       time.Now,
	}
}

// Config returns the configuration the service runs with.
func (s *Service) Config() *config.Config {
	return s.config
}
