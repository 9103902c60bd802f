package agent

import (
	"github.com/atelier-ai/atelier/pkg/store"
)

// RunParams contains the input for one control-loop run.
type RunParams struct {
	// Prompt is the initial user request.
	Prompt string `json:"prompt"`

	// SessionID resumes an existing session when set; otherwise the run
	// creates a fresh one.
	SessionID string `json:"session_id,omitempty"`

	UserID string `json:"user_id,omitempty"`

	// AgentType tags the session with the loop configuration that
	// produced it.
	AgentType string `json:"agent_type"`

	Config Config `json:"config"`

	// Input is an arbitrary structured payload recorded on the session
	// at creation.
	Input map[string]interface{} `json:"input,omitempty"`
}

// Config configures one agent's loop behavior.
type Config struct {
	Model        string   `json:"model"`
	Temperature  float64  `json:"temperature,omitempty"`
	MaxTokens    int      `json:"max_tokens,omitempty"`
	SystemPrompt string   `json:"system_prompt,omitempty"`
	Tools        []string `json:"tools,omitempty"`
	MaxRetries   int      `json:"max_retries,omitempty"`
}

// RunResult is the outcome of a completed run.
type RunResult struct {
	SessionID  string           `json:"session_id"`
	Response   string           `json:"response"`
	ToolCalls  []store.ToolCall `json:"tool_calls,omitempty"`
	Usage      *TokenUsage      `json:"usage,omitempty"`
	Iterations int              `json:"iterations"`
	Aborted    bool             `json:"aborted,omitempty"`
}

// TokenUsage tracks token consumption across the run.
type TokenUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// ChatMessage is one turn in the conversation sent to the model.
type ChatMessage struct {
	Role       string                 `json:"role"`
	Content    string                 `json:"content"`
	ToolCalls  []store.ToolCall       `json:"tool_calls,omitempty"`
	ToolCallID string                 `json:"tool_call_id,omitempty"`
	Metadata   map[string]interface{} `json:"metadata,omitempty"`
}

// ToolSpec describes one tool offered to the model during a Decide step.
type ToolSpec struct {
	Name        string                 `json:"name"`
	Description string                 `json:"description"`
	InputSchema map[string]interface{} `json:"input_schema"`
}
