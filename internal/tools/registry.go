// Package tools hosts in-process tool servers reached through the builtin transport.
package tools

import (
	"context"
	"encoding/json"
	"sort"
	"sync"

	"github.com/invopop/jsonschema"
	"github.com/pkg/errors"
	"github.com/xiaot623/gogo/turnorch/internal/domain"
)

// Result is the outcome of a builtin tool. Text is what the model reads; Data
// is optional structured output.
type Result struct {
	Text    string
	Data    interface{}
	IsError bool
}

// ExecutorFunc defines a server-side tool executor.
type ExecutorFunc func(ctx context.Context, args json.RawMessage) (*Result, error)

// Tool pairs a listed spec with its executor.
type Tool struct {
	Spec domain.ToolSpec
	Exec ExecutorFunc
}

// Registry stores builtin tools keyed by server and tool name.
type Registry struct {
	mu      sync.RWMutex
	servers map[string]map[string]Tool
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		servers: make(map[string]map[string]Tool),
	}
}

// Register adds a tool to a server, creating the server on first use.
func (r *Registry) Register(server string, tool Tool) error {
	if server == "" {
		return errors.New("server name is required")
	}
	if tool.Spec.Name == "" {
		return errors.New("tool name is required")
	}
	if tool.Exec == nil {
		return errors.New("executor is required")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	tools := r.servers[server]
	if tools == nil {
		tools = make(map[string]Tool)
		r.servers[server] = tools
	}
	if _, exists := tools[tool.Spec.Name]; exists {
		return errors.Errorf("tool %s already registered on %s", tool.Spec.Name, server)
	}
	tools[tool.Spec.Name] = tool
	return nil
}

// HasServer reports whether any tool is registered for server.
func (r *Registry) HasServer(server string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.servers[server]
	return ok
}

// ListTools returns the server's tool specs sorted by name.
func (r *Registry) ListTools(server string) ([]domain.ToolSpec, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	tools, ok := r.servers[server]
	if !ok {
		return nil, &domain.NotFoundError{Kind: "builtin server", ID: server}
	}
	specs := make([]domain.ToolSpec, 0, len(tools))
	for _, t := range tools {
		specs = append(specs, t.Spec)
	}
	sort.Slice(specs, func(i, j int) bool { return specs[i].Name < specs[j].Name })
	return specs, nil
}

// Execute runs a tool.
func (r *Registry) Execute(ctx context.Context, server, tool string, args json.RawMessage) (*Result, error) {
	r.mu.RLock()
	t, ok := r.servers[server][tool]
	r.mu.RUnlock()
	if !ok {
		return nil, &domain.NotFoundError{Kind: "tool", ID: domain.EncodeToolName(server, tool)}
	}
	if len(args) == 0 {
		args = json.RawMessage(`{}`)
	}
	return t.Exec(ctx, args)
}

var reflector = &jsonschema.Reflector{
	Anonymous:                  true,
	DoNotReference:             true,
	ExpandedStruct:             true,
	RequiredFromJSONSchemaTags: true,
}

// SchemaFor reflects an argument struct into an inputSchema.
func SchemaFor(v interface{}) json.RawMessage {
	schema := reflector.Reflect(v)
	// Draft version is left to the validator.
	schema.Version = ""
	raw, err := json.Marshal(schema)
	if err != nil {
		return json.RawMessage(`{"type":"object","properties":{}}`)
	}
	return raw
}
