package domain

import "encoding/json"

// StepPayloadVersion is stamped into every step payload. Bump it when a payload
// shape changes so readers can tell old traces apart.
const StepPayloadVersion = 1

// ChatMessage is a message as sent to the model.
type ChatMessage struct {
	Role       Role       `json:"role"`
	Content    string     `json:"content"`
	Name       string     `json:"name,omitempty"`
	ToolCallID string     `json:"tool_call_id,omitempty"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
}

// ToolCall is one tool request emitted by the model.
type ToolCall struct {
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments"`
}

// PromptStepInput is the input of a prompt step.
type PromptStepInput struct {
	Version  int              `json:"version"`
	Messages []ChatMessage    `json:"messages"`
	Tools    []ToolDefinition `json:"tools,omitempty"`
}

// RAGStepInput is the input of a rag step.
type RAGStepInput struct {
	Version int    `json:"version"`
	Query   string `json:"query"`
	TopK    int    `json:"top_k"`
}

// RAGChunkPreview is a retrieved chunk as recorded in a trace.
type RAGChunkPreview struct {
	ChunkID     string  `json:"chunk_id,omitempty"`
	Source      string  `json:"source"`
	Score       float64 `json:"score"`
	TextPreview string  `json:"text_preview"`
}

// RAGStepOutput is the output of a rag step.
type RAGStepOutput struct {
	Version int               `json:"version"`
	Chunks  []RAGChunkPreview `json:"chunks"`
	Error   string            `json:"error,omitempty"`
}

// ModelStepInput is the input of a model step.
type ModelStepInput struct {
	Version      int    `json:"version"`
	Model        string `json:"model"`
	Iteration    int    `json:"iteration"`
	MessageCount int    `json:"message_count"`
	ToolCount    int    `json:"tool_count"`
}

// ModelStepOutput is the output of a model step.
type ModelStepOutput struct {
	Version      int        `json:"version"`
	Content      string     `json:"content,omitempty"`
	ToolCalls    []ToolCall `json:"tool_calls,omitempty"`
	FinishReason string     `json:"finish_reason,omitempty"`
	Usage        *Usage     `json:"usage,omitempty"`
	Error        string     `json:"error,omitempty"`
}

// ToolStepInput is the input of a tool or mcp step.
type ToolStepInput struct {
	Version   int             `json:"version"`
	Function  string          `json:"function"`
	Server    string          `json:"server,omitempty"`
	Tool      string          `json:"tool,omitempty"`
	Arguments json.RawMessage `json:"arguments"`
}

// ToolStepOutput is the output of a tool or mcp step.
type ToolStepOutput struct {
	Version      int             `json:"version"`
	Status       ToolStatus      `json:"status"`
	Output       json.RawMessage `json:"output,omitempty"`
	ErrorMessage string          `json:"error_message,omitempty"`
	ErrorKind    string          `json:"error_kind,omitempty"`
}

// RetryStepInput is the input of a retry step.
type RetryStepInput struct {
	Version int    `json:"version"`
	Attempt int    `json:"attempt"`
	Reason  string `json:"reason"`
}

// RunEvent is published on the event bus whenever a step is appended or a run
// changes status.
type RunEvent struct {
	Type      string    `json:"type"` // "step" or "run"
	SessionID string    `json:"session_id"`
	RunID     string    `json:"run_id"`
	Ts        int64     `json:"ts"`
	Step      *Step     `json:"step,omitempty"`
	Status    RunStatus `json:"status,omitempty"`
	Error     string    `json:"error,omitempty"`
}

const (
	RunEventStep = "step"
	RunEventRun  = "run"
)
