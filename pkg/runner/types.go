package runner

import (
	"context"
	"strings"
	"time"

	"github.com/strandlabs/strand/pkg/agents"
	"github.com/strandlabs/strand/pkg/capability"
)

// State is a position in the run execution state machine
type State string

const (
	StateQueued       State = "queued"
	StateInitializing State = "initializing"
	StateThinking     State = "thinking"
	StateAwaitingTool State = "awaiting_tool"
	StateResuming     State = "resuming"
	StateCompleted    State = "completed"
	StateFailed       State = "failed"
	StateCancelled    State = "cancelled"
)

// Terminal reports whether the state ends a run
func (s State) Terminal() bool {
	switch s {
	case StateCompleted, StateFailed, StateCancelled:
		return true
	}
	return false
}

// EventKind classifies a RunEvent
type EventKind string

const (
	EventStatusChange EventKind = "status-change"
	EventModelDelta   EventKind = "model-delta"
	EventToolCall     EventKind = "tool-call"
	EventToolResult   EventKind = "tool-result"
	EventError        EventKind = "error"
)

// Event is an ordered, append-only record of run progress. The sequence
// number is assigned durably by the dispatcher on append.
type Event struct {
	RunID   string                 `json:"run_id"`
	Seq     int64                  `json:"seq"`
	Kind    EventKind              `json:"kind"`
	Payload map[string]interface{} `json:"payload,omitempty"`
	At      time.Time              `json:"at"`
}

// EventSink receives events as the runner produces them. Emit failures abort
// the attempt: a sink that cannot accept events usually means the lease is
// gone.
type EventSink interface {
	Emit(ctx context.Context, kind EventKind, payload map[string]interface{}) error
}

// Stable error codes surfaced in terminal run status
const (
	CodeAgentNotFound      = "AgentNotFound"
	CodeAgentConfigInvalid = "AgentConfigInvalid"
	CodeModuleResolution   = "ModuleResolutionError"
	CodeTemplateBinding    = "TemplateBindingError"
	CodeBudgetExceeded     = "BudgetExceeded"
	CodeDeliveryExhausted  = "DeliveryExhausted"
	CodeModelError         = "ModelError"
)

// Message represents a conversation turn
type Message struct {
	Role       string                 `json:"role"`
	Content    string                 `json:"content"`
	ToolCalls  []ToolCall             `json:"tool_calls,omitempty"`
	ToolCallID string                 `json:"tool_call_id,omitempty"`
	Metadata   map[string]interface{} `json:"metadata,omitempty"`
}

// ToolCall represents a tool invocation requested by the model
type ToolCall struct {
	ID   string                 `json:"id"`
	Name string                 `json:"name"`
	Args map[string]interface{} `json:"args"`
}

// ToolOutcome pairs a tool call with its result for conversation feedback
type ToolOutcome struct {
	Call   ToolCall
	Result capability.Result
}

// TokenUsage tracks token consumption across a run
type TokenUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

func (u *TokenUsage) add(other TokenUsage) {
	u.InputTokens += other.InputTokens
	u.OutputTokens += other.OutputTokens
}

// Outcome is the terminal result of one run attempt
type Outcome struct {
	State        State      `json:"state"`
	Output       string     `json:"output,omitempty"`
	ErrorCode    string     `json:"error_code,omitempty"`
	ErrorMessage string     `json:"error_message,omitempty"`
	Steps        int        `json:"steps"`
	Usage        TokenUsage `json:"usage"`
}

// RunContext carries everything one attempt needs. The runner holds no
// durable state of its own; durability is the dispatcher's responsibility.
type RunContext struct {
	RunID    string
	ThreadID string
	Config   *agents.Config

	SystemPrompt string
	History      []Message
	Input        string

	Provider ModelProvider
	Tools    *capability.Registry

	MaxSteps  int
	WallClock time.Duration

	// CancelRequested is the cooperative cancellation token, polled at
	// state-transition boundaries only. An in-flight model call is allowed
	// to complete before abort.
	CancelRequested func(ctx context.Context) bool
}

// IsRetryableError reports whether a model-call error is worth retrying
func IsRetryableError(err error) bool {
	if err == nil {
		return false
	}

	msg := err.Error()

	// Transport failures
	if strings.Contains(msg, "connection reset") || strings.Contains(msg, "timeout") ||
		strings.Contains(msg, "EOF") {
		return true
	}

	// Rate limits
	if strings.Contains(msg, "429") || strings.Contains(msg, "rate limit") {
		return true
	}

	// Server errors
	for _, code := range []string{"500", "502", "503", "529"} {
		if strings.Contains(msg, code) {
			return true
		}
	}

	return false
}
