package policy

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultPolicy(t *testing.T) {
	ctx := context.Background()
	engine, err := NewEngine(ctx, DefaultPolicy)
	require.NoError(t, err)

	tests := []struct {
		name    string
		tool    string
		args    string
		blocked bool
	}{
		{"plain file", "read_file", `{"path":"notes/todo.md"}`, false},
		{"dotenv", "read_file", `{"path":"app/.env"}`, true},
		{"private key upper case", "read_file", `{"path":"keys/SERVER.PEM"}`, true},
		{"listing is fine", "list_directory", `{"path":".ssh"}`, false},
		{"no args", "read_file", ``, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d, err := engine.Evaluate(ctx, Input{Server: "filesystem-tools", Tool: tt.tool, Args: json.RawMessage(tt.args)})
			require.NoError(t, err)
			assert.Equal(t, tt.blocked, d.Blocked())
			if tt.blocked {
				assert.NotEmpty(t, d.Reason)
			}
		})
	}
}

func TestStringDecisionPolicy(t *testing.T) {
	ctx := context.Background()
	engine, err := NewEngine(ctx, `
package tool_policy

default decision = "allow"

decision = "block" {
	input.server == "shell"
}
`)
	require.NoError(t, err)

	d, err := engine.Evaluate(ctx, Input{Server: "shell", Tool: "exec"})
	require.NoError(t, err)
	assert.True(t, d.Blocked())

	d, err = engine.Evaluate(ctx, Input{Server: "weather", Tool: "forecast"})
	require.NoError(t, err)
	assert.Equal(t, DecisionAllow, d.Decision)
}

func TestNewEngineFromFile(t *testing.T) {
	ctx := context.Background()
	engine, err := NewEngineFromFile(ctx, "")
	require.NoError(t, err)
	assert.NotNil(t, engine)

	path := filepath.Join(t.TempDir(), "policy.rego")
	require.NoError(t, os.WriteFile(path, []byte("package tool_policy\n\ndefault decision = \"block\"\n"), 0o600))
	engine, err = NewEngineFromFile(ctx, path)
	require.NoError(t, err)
	d, err := engine.Evaluate(ctx, Input{Tool: "anything"})
	require.NoError(t, err)
	assert.True(t, d.Blocked())

	_, err = NewEngineFromFile(ctx, filepath.Join(t.TempDir(), "missing.rego"))
	assert.Error(t, err)

	_, err = NewEngine(ctx, "package broken\n\ndecision = {")
	assert.Error(t, err)
}
