package gateway

import (
	"bytes"
	"encoding/json"
	"strings"

	"github.com/mb0/glob"
	"github.com/rs/zerolog/log"
	"github.com/xeipuuv/gojsonschema"
	"github.com/xiaot623/gogo/turnorch/internal/domain"
)

// normalizeArguments requires a JSON object; empty input means no arguments.
func normalizeArguments(args json.RawMessage) (json.RawMessage, error) {
	trimmed := bytes.TrimSpace(args)
	if len(trimmed) == 0 || string(trimmed) == "null" {
		return json.RawMessage(`{}`), nil
	}
	var obj map[string]json.RawMessage
	if trimmed[0] != '{' || json.Unmarshal(trimmed, &obj) != nil {
		return nil, &domain.ValidationError{Message: "tool arguments must be a JSON object"}
	}
	return json.RawMessage(trimmed), nil
}

// validateArguments checks args against a tool's inputSchema. A schema that
// cannot be compiled is skipped and left to the server.
func validateArguments(tool string, schema, args json.RawMessage) error {
	if len(bytes.TrimSpace(schema)) == 0 {
		return nil
	}
	result, err := gojsonschema.Validate(gojsonschema.NewBytesLoader(schema), gojsonschema.NewBytesLoader(args))
	if err != nil {
		log.Debug().Err(err).Str("tool", tool).Msg("Skipping argument validation, schema not usable")
		return nil
	}
	if result.Valid() {
		return nil
	}
	msgs := make([]string, 0, len(result.Errors()))
	for _, e := range result.Errors() {
		msgs = append(msgs, e.String())
	}
	return &domain.ValidationError{Message: "invalid arguments for " + tool + ": " + strings.Join(msgs, "; ")}
}

// toolAllowed applies a server's allowed_tools globs. No patterns allows all.
func toolAllowed(server domain.ToolServer, tool string) bool {
	if len(server.AllowedTools) == 0 {
		return true
	}
	for _, pattern := range server.AllowedTools {
		ok, err := glob.Match(pattern, tool)
		if err != nil {
			log.Warn().Err(err).Str("server", server.Name).Str("pattern", pattern).Msg("Invalid allowed_tools pattern")
			continue
		}
		if ok {
			return true
		}
	}
	return false
}
