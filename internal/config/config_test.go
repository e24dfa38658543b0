package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xiaot623/gogo/turnorch/internal/domain"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, 8, cfg.Orchestrator.MaxToolIterations)
	assert.Equal(t, 30*time.Second, cfg.Timeouts.Tool)
	assert.Equal(t, []string{"filesystem-tools"}, cfg.DefaultToolServers())

	p, ok := cfg.Persona("default")
	require.True(t, ok)
	assert.NotEmpty(t, p.SystemPrompt)
}

func TestLoadFromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "turnorch.yaml")
	content := `
http_port: 9090
models:
  mode: mock
  default_model: qwen2
timeouts:
  tool: 5s
tools:
  servers:
    - name: weather
      transport: streamable_http
      url: http://localhost:9000/mcp
      requires_api_key: true
    - name: notes
      transport: stdio
      command: notes-mcp
      args: ["--readonly"]
      enabled_by_default: true
secrets:
  api_keys:
    WEATHER_API_KEY: secret-1
personas:
  default_persona_id: pirate
  personas:
    - id: pirate
      name: Pirate
      system_prompt: Talk like a pirate.
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 9090, cfg.HTTPPort)
	assert.Equal(t, "mock", cfg.Models.Mode)
	assert.Equal(t, 5*time.Second, cfg.Timeouts.Tool)
	require.Len(t, cfg.Tools.Servers, 2)
	assert.Equal(t, domain.TransportStreamableHTTP, cfg.Tools.Servers[0].Transport)
	assert.Equal(t, []string{"--readonly"}, cfg.Tools.Servers[1].Args)
	assert.Equal(t, []string{"notes"}, cfg.DefaultToolServers())

	key, ok := cfg.APIKey("WEATHER_API_KEY")
	assert.True(t, ok)
	assert.Equal(t, "secret-1", key)

	view := cfg.Public()
	assert.Equal(t, "pirate", view.DefaultPersonaID)
	assert.Len(t, view.Servers, 2)
}

func TestLoadEnvOverride(t *testing.T) {
	t.Setenv("TURNORCH_HTTP_PORT", "7070")
	t.Setenv("TURNORCH_MODELS_MODE", "mock")

	dir := t.TempDir()
	path := filepath.Join(dir, "turnorch.yaml")
	require.NoError(t, os.WriteFile(path, []byte("rpc_port: 7071\n"), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 7070, cfg.HTTPPort)
	assert.Equal(t, 7071, cfg.RPCPort)
	assert.Equal(t, "mock", cfg.Models.Mode)
}

func TestValidateRejectsBadServers(t *testing.T) {
	tests := []struct {
		name   string
		server domain.ToolServer
	}{
		{"missing command", domain.ToolServer{Name: "a", Transport: domain.TransportStdio}},
		{"missing url", domain.ToolServer{Name: "a", Transport: domain.TransportSSE}},
		{"bad transport", domain.ToolServer{Name: "a", Transport: "carrier-pigeon"}},
		{"separator in name", domain.ToolServer{Name: "a__b", Transport: domain.TransportBuiltin}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			cfg.Tools.Servers = []domain.ToolServer{tt.server}
			assert.Error(t, cfg.Validate())
		})
	}

	cfg := Default()
	cfg.Personas.DefaultPersonaID = "ghost"
	assert.Error(t, cfg.Validate())
}

func TestAPIKeyNameDefaults(t *testing.T) {
	assert.Equal(t, "WEB_SEARCH_API_KEY", domain.ToolServer{Name: "web-search"}.APIKeyName())
	assert.Equal(t, "CUSTOM", domain.ToolServer{Name: "x", AuthKeyName: "CUSTOM"}.APIKeyName())
}
