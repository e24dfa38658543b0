// Package domain defines the core domain models for the orchestrator.
package domain

// RunStatus represents the status of a run.
type RunStatus string

const (
	RunStatusRunning   RunStatus = "running"
	RunStatusCompleted RunStatus = "completed"
	RunStatusFailed    RunStatus = "failed"
	RunStatusCancelled RunStatus = "cancelled"
)

// IsTerminal reports whether no further transitions are allowed.
func (s RunStatus) IsTerminal() bool {
	switch s {
	case RunStatusCompleted, RunStatusFailed, RunStatusCancelled:
		return true
	}
	return false
}

// StepType represents the kind of a trace step.
type StepType string

const (
	StepTypePrompt StepType = "prompt"
	StepTypeRAG    StepType = "rag"
	StepTypeTool   StepType = "tool"
	StepTypeMCP    StepType = "mcp"
	StepTypeModel  StepType = "model"
	StepTypeRetry  StepType = "retry"
)

// Role is the author role of a message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
	RoleTool      Role = "tool"
)

// Transport identifies how a tool server is reached.
type Transport string

const (
	TransportStdio          Transport = "stdio"
	TransportSSE            Transport = "sse"
	TransportStreamableHTTP Transport = "streamable_http"
	// TransportBuiltin servers run in-process.
	TransportBuiltin Transport = "builtin"
)

// Valid reports whether t is a known transport.
func (t Transport) Valid() bool {
	switch t {
	case TransportStdio, TransportSSE, TransportStreamableHTTP, TransportBuiltin:
		return true
	}
	return false
}

// ToolStatus is the normalized outcome of a tool invocation.
type ToolStatus string

const (
	ToolStatusOK    ToolStatus = "ok"
	ToolStatusError ToolStatus = "error"
)
