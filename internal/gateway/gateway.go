// Package gateway invokes tools on configured servers over stdio, SSE,
// streamable HTTP or the in-process builtin registry, and normalizes every
// outcome into a domain.ToolResult.
package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"github.com/xiaot623/gogo/turnorch/internal/domain"
	"github.com/xiaot623/gogo/turnorch/internal/tools"
	"golang.org/x/sync/errgroup"
)

const (
	defaultListTimeout = 15 * time.Second
	maxListPages       = 100
)

// conn is an initialized MCP session with one server.
type conn interface {
	call(ctx context.Context, method string, params interface{}) (json.RawMessage, error)
	// alive reports false once the connection can no longer carry calls.
	alive() bool
	close()
}

// Options configures a Gateway.
type Options struct {
	Servers          []domain.ToolServer
	Builtin          *tools.Registry
	APIKeys          func(name string) (string, bool)
	WorkspaceRoot    string
	HTTPClient       *http.Client
	BreakerThreshold int
	BreakerRecovery  time.Duration
	ListTimeout      time.Duration
}

type serverState struct {
	mu   sync.Mutex // guards conn and dialing
	conn conn
}

// Gateway is safe for concurrent use.
type Gateway struct {
	servers     map[string]domain.ToolServer
	order       []string
	builtin     *tools.Registry
	apiKeys     func(name string) (string, bool)
	workdir     string
	client      *http.Client
	threshold   int
	recovery    time.Duration
	listTimeout time.Duration

	mu       sync.Mutex
	states   map[string]*serverState
	breakers map[string]*breaker
	specs    map[string]map[string]domain.ToolSpec
}

// New creates a gateway. Connections are opened lazily on first use.
func New(opts Options) *Gateway {
	g := &Gateway{
		servers:     make(map[string]domain.ToolServer, len(opts.Servers)),
		builtin:     opts.Builtin,
		apiKeys:     opts.APIKeys,
		workdir:     opts.WorkspaceRoot,
		client:      opts.HTTPClient,
		threshold:   opts.BreakerThreshold,
		recovery:    opts.BreakerRecovery,
		listTimeout: opts.ListTimeout,
		states:      make(map[string]*serverState),
		breakers:    make(map[string]*breaker),
		specs:       make(map[string]map[string]domain.ToolSpec),
	}
	for _, s := range opts.Servers {
		g.servers[s.Name] = s
		g.order = append(g.order, s.Name)
	}
	if g.builtin == nil {
		g.builtin = tools.NewRegistry()
	}
	if g.apiKeys == nil {
		g.apiKeys = func(string) (string, bool) { return "", false }
	}
	if g.client == nil {
		// No client timeout: SSE streams are long-lived, calls carry contexts.
		g.client = &http.Client{}
	}
	if g.listTimeout <= 0 {
		g.listTimeout = defaultListTimeout
	}
	return g
}

// Server looks up a configured server by name.
func (g *Gateway) Server(name string) (domain.ToolServer, bool) {
	s, ok := g.servers[name]
	return s, ok
}

// Servers returns the configured servers in configuration order.
func (g *Gateway) Servers() []domain.ToolServer {
	out := make([]domain.ToolServer, 0, len(g.order))
	for _, name := range g.order {
		out = append(out, g.servers[name])
	}
	return out
}

// Invoke calls one tool and never returns a Go error: failures are reported
// as a ToolResult with status error and an error kind.
func (g *Gateway) Invoke(ctx context.Context, server domain.ToolServer, toolName string, args json.RawMessage, timeout time.Duration) domain.ToolResult {
	start := time.Now()
	result := g.invoke(ctx, server, toolName, args, timeout)
	result.LatencyMs = time.Since(start).Milliseconds()

	evt := log.Info()
	if !result.OK() {
		evt = log.Warn().Str("error_kind", result.ErrorKind).Str("error", result.ErrorMessage)
	}
	evt.Str("server", server.Name).Str("tool", toolName).Int64("latency_ms", result.LatencyMs).Msg("Tool invocation finished")
	return result
}

func (g *Gateway) invoke(ctx context.Context, server domain.ToolServer, toolName string, args json.RawMessage, timeout time.Duration) domain.ToolResult {
	args, err := normalizeArguments(args)
	if err != nil {
		return errorResult(err)
	}
	if !toolAllowed(server, toolName) {
		return domain.ToolResult{
			Status:       domain.ToolStatusError,
			ErrorMessage: "tool " + toolName + " is not allowed on server " + server.Name,
			ErrorKind:    domain.ErrorKindBlocked,
		}
	}

	callCtx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	if server.Transport == domain.TransportBuiltin {
		return g.invokeBuiltin(ctx, callCtx, server, toolName, args, timeout)
	}

	spec, ok, err := g.lookupSpec(callCtx, server, toolName)
	if err != nil {
		// A server that cannot list will not answer the call either.
		var perr *domain.ProtocolError
		if !errors.As(err, &perr) {
			return errorResult(classify(ctx, callCtx, err, "tools/list", timeout))
		}
	}
	if ok {
		if err := validateArguments(toolName, spec.InputSchema, args); err != nil {
			return errorResult(err)
		}
	}

	var raw json.RawMessage
	err = g.guard(server.Name, func() error {
		var err error
		raw, err = g.call(callCtx, server, "tools/call", map[string]interface{}{
			"name":      toolName,
			"arguments": args,
		})
		if err != nil {
			return classify(ctx, callCtx, err, "tools/call "+toolName, timeout)
		}
		return nil
	})
	if err != nil {
		return errorResult(err)
	}
	return normalizeCallResult(server.Name, raw)
}

func (g *Gateway) invokeBuiltin(ctx, callCtx context.Context, server domain.ToolServer, toolName string, args json.RawMessage, timeout time.Duration) domain.ToolResult {
	if spec, ok, _ := g.lookupSpec(callCtx, server, toolName); ok {
		if err := validateArguments(toolName, spec.InputSchema, args); err != nil {
			return errorResult(err)
		}
	}
	res, err := g.builtin.Execute(callCtx, server.Name, toolName, args)
	if err == nil && callCtx.Err() != nil {
		err = callCtx.Err()
	}
	if err != nil {
		err = classify(ctx, callCtx, err, "tools/call "+toolName, timeout)
		result := errorResult(err)
		if result.ErrorKind == domain.ErrorKindInternal {
			result.ErrorKind = domain.ErrorKindTool
		}
		return result
	}

	out := normalizedOutput{Text: res.Text, IsError: res.IsError}
	item, _ := json.Marshal(map[string]string{"type": "text", "text": res.Text})
	out.Content = []json.RawMessage{item}
	if res.Data != nil {
		data, err := json.Marshal(res.Data)
		if err != nil {
			return errorResult(errors.Wrap(err, "failed to encode tool data"))
		}
		out.Data = data
	}
	return finishNormalized(out)
}

// ListTools lists a server's tools, following pagination cursors, filtered
// by the server's allowed_tools.
func (g *Gateway) ListTools(ctx context.Context, server domain.ToolServer) ([]domain.ToolSpec, error) {
	var all []domain.ToolSpec
	if server.Transport == domain.TransportBuiltin {
		specs, err := g.builtin.ListTools(server.Name)
		if err != nil {
			return nil, err
		}
		all = specs
	} else {
		listCtx, cancel := context.WithTimeout(ctx, g.listTimeout)
		defer cancel()

		err := g.guard(server.Name, func() error {
			cursor := ""
			for page := 0; page < maxListPages; page++ {
				var params interface{}
				if cursor != "" {
					params = map[string]string{"cursor": cursor}
				}
				raw, err := g.call(listCtx, server, "tools/list", params)
				if err != nil {
					return classify(ctx, listCtx, err, "tools/list", g.listTimeout)
				}
				var res listToolsResult
				if err := json.Unmarshal(raw, &res); err != nil {
					return &domain.ProtocolError{Server: server.Name, Message: "malformed tools/list result: " + err.Error()}
				}
				all = append(all, res.Tools...)
				if res.NextCursor == "" {
					break
				}
				cursor = res.NextCursor
			}
			return nil
		})
		if err != nil {
			return nil, err
		}
	}

	filtered := make([]domain.ToolSpec, 0, len(all))
	byName := make(map[string]domain.ToolSpec, len(all))
	for _, spec := range all {
		if spec.Name == "" || !toolAllowed(server, spec.Name) {
			continue
		}
		filtered = append(filtered, spec)
		byName[spec.Name] = spec
	}
	g.mu.Lock()
	g.specs[server.Name] = byName
	g.mu.Unlock()
	return filtered, nil
}

// Definitions builds model-facing tool definitions for the named servers.
// Servers that are unknown or fail to list are skipped.
func (g *Gateway) Definitions(ctx context.Context, serverNames []string) []domain.ToolDefinition {
	perServer := make([][]domain.ToolDefinition, len(serverNames))
	var eg errgroup.Group
	for i, name := range serverNames {
		i, name := i, name
		server, ok := g.servers[name]
		if !ok {
			log.Warn().Str("server", name).Msg("Skipping unknown tool server")
			continue
		}
		eg.Go(func() error {
			specs, err := g.ListTools(ctx, server)
			if err != nil {
				log.Error().Err(err).Str("server", name).Msg("Failed to list tools")
				return nil
			}
			defs := make([]domain.ToolDefinition, 0, len(specs))
			for _, spec := range specs {
				defs = append(defs, definitionFor(name, spec))
			}
			perServer[i] = defs
			return nil
		})
	}
	_ = eg.Wait()

	var out []domain.ToolDefinition
	for _, defs := range perServer {
		out = append(out, defs...)
	}
	return out
}

func definitionFor(server string, spec domain.ToolSpec) domain.ToolDefinition {
	description := spec.Description
	if description == "" {
		description = spec.Title
	}
	if description == "" {
		description = "Tool '" + spec.Name + "' exposed by " + server
	}
	params := spec.InputSchema
	var probe map[string]interface{}
	if len(params) == 0 || json.Unmarshal(params, &probe) != nil {
		params = json.RawMessage(`{"type":"object","properties":{}}`)
	}
	return domain.ToolDefinition{
		Name:        domain.EncodeToolName(server, spec.Name),
		Description: description + " (via " + server + ")",
		Parameters:  params,
		Server:      server,
		Tool:        spec.Name,
	}
}

// Close shuts down every open connection.
func (g *Gateway) Close() {
	g.mu.Lock()
	states := make([]*serverState, 0, len(g.states))
	for _, st := range g.states {
		states = append(states, st)
	}
	g.mu.Unlock()

	var wg sync.WaitGroup
	for _, st := range states {
		st.mu.Lock()
		c := st.conn
		st.conn = nil
		st.mu.Unlock()
		if c == nil {
			continue
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			c.close()
		}()
	}
	wg.Wait()
}

func (g *Gateway) lookupSpec(ctx context.Context, server domain.ToolServer, tool string) (domain.ToolSpec, bool, error) {
	g.mu.Lock()
	specs, listed := g.specs[server.Name]
	g.mu.Unlock()
	if !listed {
		if _, err := g.ListTools(ctx, server); err != nil {
			return domain.ToolSpec{}, false, err
		}
		g.mu.Lock()
		specs = g.specs[server.Name]
		g.mu.Unlock()
	}
	spec, ok := specs[tool]
	return spec, ok, nil
}

func (g *Gateway) state(name string) *serverState {
	g.mu.Lock()
	defer g.mu.Unlock()
	st, ok := g.states[name]
	if !ok {
		st = &serverState{}
		g.states[name] = st
	}
	return st
}

func (g *Gateway) call(ctx context.Context, server domain.ToolServer, method string, params interface{}) (json.RawMessage, error) {
	c, err := g.connFor(ctx, server)
	if err != nil {
		return nil, err
	}
	raw, err := c.call(ctx, method, params)
	if err != nil && (connBroken(err) || !c.alive()) {
		g.discard(server.Name, c)
	}
	return raw, err
}

func (g *Gateway) connFor(ctx context.Context, server domain.ToolServer) (conn, error) {
	st := g.state(server.Name)
	st.mu.Lock()
	defer st.mu.Unlock()
	if st.conn != nil {
		if st.conn.alive() {
			return st.conn, nil
		}
		go st.conn.close()
		st.conn = nil
	}

	keyName, key, err := g.apiKey(server)
	if err != nil {
		return nil, err
	}

	var c conn
	switch server.Transport {
	case domain.TransportStdio:
		var env []string
		if keyName != "" {
			env = append(env, keyName+"="+key)
		}
		c, err = startStdio(ctx, server, env, g.workdir)
	case domain.TransportSSE:
		c, err = dialSSE(ctx, server, g.client, authHeaders(key))
	case domain.TransportStreamableHTTP:
		c, err = dialStreamable(ctx, server, g.client, authHeaders(key))
	default:
		err = &domain.UnavailableError{Server: server.Name, Cause: errors.Errorf("unsupported transport %q", server.Transport)}
	}
	if err != nil {
		return nil, err
	}
	log.Info().Str("server", server.Name).Str("transport", string(server.Transport)).Msg("Tool server connected")
	st.conn = c
	return c, nil
}

func (g *Gateway) discard(name string, c conn) {
	st := g.state(name)
	st.mu.Lock()
	if st.conn == c {
		st.conn = nil
	}
	st.mu.Unlock()
	go c.close()
}

func (g *Gateway) apiKey(server domain.ToolServer) (string, string, error) {
	if !server.RequiresAPIKey {
		return "", "", nil
	}
	name := server.APIKeyName()
	value, ok := g.apiKeys(name)
	if !ok || value == "" {
		return "", "", &domain.UnavailableError{Server: server.Name, Cause: errors.Errorf("missing API key (expected %s)", name)}
	}
	return name, value, nil
}

func authHeaders(key string) http.Header {
	h := http.Header{}
	if key != "" {
		h.Set("Authorization", "Bearer "+key)
	}
	return h
}

// guard runs fn behind the server's circuit breaker. A zero threshold
// disables it.
func (g *Gateway) guard(name string, fn func() error) error {
	if g.threshold <= 0 {
		return fn()
	}
	g.mu.Lock()
	b, ok := g.breakers[name]
	if !ok {
		b = newBreaker(name, g.threshold, g.recovery)
		g.breakers[name] = b
	}
	g.mu.Unlock()
	return b.run(name, fn)
}

// connBroken reports whether the connection must be re-established.
func connBroken(err error) bool {
	var (
		unavailable *domain.UnavailableError
		transport   *domain.TransportError
	)
	return errors.As(err, &unavailable) || errors.As(err, &transport)
}

// classify turns context errors into a TimeoutError when the call's own
// deadline fired, leaving caller cancellation as is.
func classify(parent, callCtx context.Context, err error, op string, timeout time.Duration) error {
	if parent.Err() != nil {
		return parent.Err()
	}
	if errors.Is(err, context.DeadlineExceeded) || callCtx.Err() == context.DeadlineExceeded {
		return &domain.TimeoutError{Op: op, Timeout: timeout.String()}
	}
	return err
}
