package domain

import "encoding/json"

// StartTurnRequest starts a turn with a new user message.
type StartTurnRequest struct {
	SessionID string `json:"session_id"`
	Content   string `json:"content"`
}

// ResendRequest replaces the latest user message and runs the turn again.
type ResendRequest struct {
	SessionID string `json:"session_id"`
	MessageID string `json:"message_id"`
	Content   string `json:"content"`
}

// AsyncTurnResponse is returned when a turn is started in the background.
type AsyncTurnResponse struct {
	RunID         string `json:"run_id"`
	SessionID     string `json:"session_id"`
	UserMessageID string `json:"user_message_id"`
}

// CreateSessionRequest creates a session. Nil fields take configured defaults.
type CreateSessionRequest struct {
	Title              string   `json:"title,omitempty"`
	ModelID            string   `json:"model_id,omitempty"`
	PersonaID          string   `json:"persona_id,omitempty"`
	RAGEnabled         *bool    `json:"rag_enabled,omitempty"`
	StreamingEnabled   *bool    `json:"streaming_enabled,omitempty"`
	EnabledToolServers []string `json:"enabled_tool_servers,omitempty"`
}

// UpdateSessionRequest patches session settings.
type UpdateSessionRequest struct {
	Title              *string  `json:"title,omitempty"`
	ModelID            *string  `json:"model_id,omitempty"`
	PersonaID          *string  `json:"persona_id,omitempty"`
	RAGEnabled         *bool    `json:"rag_enabled,omitempty"`
	StreamingEnabled   *bool    `json:"streaming_enabled,omitempty"`
	EnabledToolServers []string `json:"enabled_tool_servers,omitempty"`
}

// RunToolRequest invokes one tool directly, outside a model turn.
type RunToolRequest struct {
	ServerName string          `json:"server_name"`
	ToolName   string          `json:"tool_name"`
	Arguments  json.RawMessage `json:"arguments"`
}

// RunToolResponse is the traced outcome of a direct tool call.
type RunToolResponse struct {
	RunID  string     `json:"run_id"`
	Result ToolResult `json:"result"`
}

// IngestRequest adds a document to a session's retrieval index.
type IngestRequest struct {
	Title string `json:"title"`
	Text  string `json:"text"`
}

// IngestResponse reports the indexed document.
type IngestResponse struct {
	DocumentID string `json:"document_id"`
	Chunks     int    `json:"chunks"`
}
