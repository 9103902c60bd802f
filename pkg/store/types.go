package store

import "time"

// Session lifecycle statuses. A session starts active and ends in exactly
// one of the terminal states.
const (
	StatusActive    = "active"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
)

// Message roles.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleSystem    = "system"
	RoleTool      = "tool"
)

// Session is one end-to-end agent run with its own identity and status.
type Session struct {
	ID        string                 `json:"session_id"`
	UserID    string                 `json:"user_id,omitempty"`
	AgentType string                 `json:"agent_type"`
	Status    string                 `json:"status"`
	Input     map[string]interface{} `json:"input_data,omitempty"`
	Output    map[string]interface{} `json:"output_data,omitempty"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
	CreatedAt time.Time              `json:"created_at"`
	UpdatedAt time.Time              `json:"updated_at"`
}

// ToolCall is a tool invocation requested by the model.
type ToolCall struct {
	ID        string                 `json:"id"`
	Name      string                 `json:"name"`
	Arguments map[string]interface{} `json:"arguments"`
}

// Message is a single conversation turn. Messages are immutable once
// created and are retrieved in creation order.
type Message struct {
	ID        string                 `json:"message_id"`
	SessionID string                 `json:"session_id"`
	Role      string                 `json:"role"`
	Content   string                 `json:"content"`
	ToolCalls []ToolCall             `json:"tool_calls,omitempty"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
	CreatedAt time.Time              `json:"created_at"`
}

// Artifact is a durable deliverable produced during or after a run, such
// as generated code or a schema design.
type Artifact struct {
	ID        string                 `json:"artifact_id"`
	SessionID string                 `json:"session_id"`
	Type      string                 `json:"artifact_type"`
	Name      string                 `json:"artifact_name"`
	Content   string                 `json:"content"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
	CreatedAt time.Time              `json:"created_at"`
}

// CreateSessionParams holds the caller-supplied fields for a new session.
type CreateSessionParams struct {
	AgentType string
	UserID    string
	Input     map[string]interface{}
	Metadata  map[string]interface{}
}

// SessionUpdate is a partial update; zero-valued fields are omitted from
// the generated statement, not overwritten.
type SessionUpdate struct {
	Status   string
	Output   map[string]interface{}
	Metadata map[string]interface{}
}

// ListFilter narrows ListSessions results. Filters are conjunctive; empty
// fields are omitted.
type ListFilter struct {
	UserID    string
	AgentType string
	Status    string
	Limit     int
}
