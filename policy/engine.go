// Package policy gates tool calls through an OPA rego policy.
package policy

import (
	"context"
	"encoding/json"
	"os"

	"github.com/open-policy-agent/opa/rego"
	"github.com/pkg/errors"
)

// Decisions returned by the policy.
const (
	DecisionAllow = "allow"
	DecisionBlock = "block"
)

// Input is what the policy sees for one tool call.
type Input struct {
	SessionID string          `json:"session_id"`
	RunID     string          `json:"run_id"`
	Server    string          `json:"server"`
	Tool      string          `json:"tool"`
	Function  string          `json:"function"`
	Args      json.RawMessage `json:"-"`
}

// Decision is the evaluated outcome.
type Decision struct {
	Decision string
	Reason   string
}

// Blocked reports whether the call must not be dispatched.
func (d Decision) Blocked() bool { return d.Decision == DecisionBlock }

// Engine is the OPA policy engine.
type Engine struct {
	query rego.PreparedEvalQuery
}

// NewEngine creates a new policy engine with the given policy content.
func NewEngine(ctx context.Context, policyContent string) (*Engine, error) {
	r := rego.New(
		rego.Query("data.tool_policy.decision"),
		rego.Module("tool_policy.rego", policyContent),
	)

	query, err := r.PrepareForEval(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "failed to prepare rego")
	}

	return &Engine{query: query}, nil
}

// NewEngineFromFile loads the policy from path, or DefaultPolicy when path is empty.
func NewEngineFromFile(ctx context.Context, path string) (*Engine, error) {
	if path == "" {
		return NewEngine(ctx, DefaultPolicy)
	}
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read policy %s", path)
	}
	return NewEngine(ctx, string(content))
}

// Evaluate checks the tool policy. The rule may produce either a bare
// decision string or an object {decision, reason}.
func (e *Engine) Evaluate(ctx context.Context, in Input) (Decision, error) {
	var args interface{} = map[string]interface{}{}
	if len(in.Args) > 0 {
		if err := json.Unmarshal(in.Args, &args); err != nil {
			args = map[string]interface{}{}
		}
	}
	input := map[string]interface{}{
		"session_id": in.SessionID,
		"run_id":     in.RunID,
		"server":     in.Server,
		"tool":       in.Tool,
		"function":   in.Function,
		"args":       args,
	}

	results, err := e.query.Eval(ctx, rego.EvalInput(input))
	if err != nil {
		return Decision{}, errors.Wrap(err, "failed to evaluate policy")
	}

	if len(results) == 0 || len(results[0].Expressions) == 0 {
		return Decision{Decision: DecisionAllow, Reason: "no matching rule"}, nil
	}

	switch v := results[0].Expressions[0].Value.(type) {
	case string:
		return normalize(Decision{Decision: v}), nil
	case map[string]interface{}:
		d := Decision{}
		d.Decision, _ = v["decision"].(string)
		d.Reason, _ = v["reason"].(string)
		return normalize(d), nil
	}
	return Decision{}, errors.New("policy returned an unexpected value type")
}

func normalize(d Decision) Decision {
	if d.Decision != DecisionBlock {
		d.Decision = DecisionAllow
	}
	return d
}

// DefaultPolicy keeps secrets and key material out of the builtin file reader.
const DefaultPolicy = `
package tool_policy

default decision = "allow"

secret_suffixes := [".env", ".pem", ".key", "id_rsa", "id_ed25519"]

decision = {"decision": "block", "reason": "reading secret files is not allowed"} {
	input.tool == "read_file"
	some i
	endswith(lower(input.args.path), secret_suffixes[i])
}
`
