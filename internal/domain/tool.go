package domain

import (
	"encoding/json"
	"strings"
	"time"
)

// ToolNameSeparator joins server and tool names in model-facing function names.
const ToolNameSeparator = "__"

// ToolServer is a configured tool endpoint. Read-only to the orchestrator.
type ToolServer struct {
	Name             string        `json:"name" mapstructure:"name"`
	Transport        Transport     `json:"transport" mapstructure:"transport"`
	Command          string        `json:"command,omitempty" mapstructure:"command"`
	Args             []string      `json:"args,omitempty" mapstructure:"args"`
	URL              string        `json:"url,omitempty" mapstructure:"url"`
	RequiresAPIKey   bool          `json:"requires_api_key" mapstructure:"requires_api_key"`
	AuthKeyName      string        `json:"auth_key_name,omitempty" mapstructure:"auth_key_name"`
	EnabledByDefault bool          `json:"enabled_by_default" mapstructure:"enabled_by_default"`
	AllowedTools     []string      `json:"allowed_tools,omitempty" mapstructure:"allowed_tools"`
	Timeout          time.Duration `json:"timeout,omitempty" mapstructure:"timeout"`
}

// APIKeyName returns the secret name injected for this server.
func (s ToolServer) APIKeyName() string {
	if s.AuthKeyName != "" {
		return s.AuthKeyName
	}
	var b strings.Builder
	for _, r := range strings.ToUpper(s.Name) {
		if (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
		} else {
			b.WriteRune('_')
		}
	}
	return b.String() + "_API_KEY"
}

// ToolSpec is a tool as listed by its server.
type ToolSpec struct {
	Name        string          `json:"name"`
	Title       string          `json:"title,omitempty"`
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"inputSchema,omitempty"`
}

// ToolDefinition is a tool as offered to the model.
type ToolDefinition struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Parameters  json.RawMessage `json:"parameters"`
	Server      string          `json:"server"`
	Tool        string          `json:"tool"`
}

// ToolResult is the transport-independent outcome of one invocation.
type ToolResult struct {
	Status       ToolStatus      `json:"status"`
	Output       json.RawMessage `json:"output,omitempty"`
	ErrorMessage string          `json:"error_message,omitempty"`
	ErrorKind    string          `json:"error_kind,omitempty"`
	LatencyMs    int64           `json:"latency_ms"`
}

// OK reports whether the invocation succeeded.
func (r ToolResult) OK() bool { return r.Status == ToolStatusOK }

// EncodeToolName builds the model-facing name of a server tool.
func EncodeToolName(server, tool string) string {
	return server + ToolNameSeparator + tool
}

// DecodeToolName splits a model-facing name at the first separator.
func DecodeToolName(encoded string) (server, tool string, ok bool) {
	i := strings.Index(encoded, ToolNameSeparator)
	if i <= 0 || i+len(ToolNameSeparator) >= len(encoded) {
		return "", "", false
	}
	return encoded[:i], encoded[i+len(ToolNameSeparator):], true
}
