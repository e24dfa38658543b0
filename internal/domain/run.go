package domain

import (
	"encoding/json"
	"time"
)

// Run represents one execution of the orchestrator for a single turn.
type Run struct {
	RunID            string     `json:"run_id"`
	SessionID        string     `json:"session_id"`
	Status           RunStatus  `json:"status"`
	ModelID          string     `json:"model_id"`
	StartedAt        time.Time  `json:"started_at"`
	FinishedAt       *time.Time `json:"finished_at,omitempty"`
	PromptTokens     int        `json:"prompt_tokens"`
	CompletionTokens int        `json:"completion_tokens"`
	TotalTokens      int        `json:"total_tokens"`
	LatencyMs        int64      `json:"latency_ms"`
	Error            string     `json:"error,omitempty"`
	Steps            []Step     `json:"steps,omitempty"`
}

// RunMetrics is what a run accumulates until it completes.
type RunMetrics struct {
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
	LatencyMs        int64
}

// Add accumulates usage.
func (m *RunMetrics) Add(u Usage) {
	m.PromptTokens += u.PromptTokens
	m.CompletionTokens += u.CompletionTokens
	m.TotalTokens += u.TotalTokens
}

// Step is one append-only event inside a run. Seq is assigned by the store.
type Step struct {
	StepID     string          `json:"step_id"`
	RunID      string          `json:"run_id"`
	Seq        int             `json:"seq"`
	Ts         int64           `json:"ts"` // Unix milliseconds
	Type       StepType        `json:"type"`
	Label      string          `json:"label,omitempty"`
	InputJSON  json.RawMessage `json:"input_json,omitempty"`
	OutputJSON json.RawMessage `json:"output_json,omitempty"`
	LatencyMs  *int64          `json:"latency_ms,omitempty"`
}

// Usage is token accounting for one model call.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// TurnResult is returned to the caller after a turn settles.
type TurnResult struct {
	RunID            string    `json:"run_id"`
	SessionID        string    `json:"session_id"`
	Status           RunStatus `json:"status"`
	UserMessage      *Message  `json:"user_message,omitempty"`
	AssistantMessage *Message  `json:"assistant_message,omitempty"`
}
