package server

import (
	"sync"
	"time"

	gonanoid "github.com/matoous/go-nanoid/v2"

	"github.com/atelier-ai/atelier/pkg/agent"
)

// Run statuses.
const (
	RunStatusPending = "pending"
	RunStatusRunning = "running"
	RunStatusSuccess = "success"
	RunStatusFailed  = "failed"
	RunStatusAborted = "aborted"
)

// Run tracks one asynchronous agent run.
type Run struct {
	ID        string                 `json:"run_id"`
	ThreadID  string                 `json:"thread_id,omitempty"`
	AgentType string                 `json:"agent_type"`
	Status    string                 `json:"status"`
	Result    *agent.RunResult       `json:"result,omitempty"`
	Error     string                 `json:"error,omitempty"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
	CreatedAt time.Time              `json:"created_at"`
	UpdatedAt time.Time              `json:"updated_at"`
}

// RunRegistry is the in-memory index of runs. Runs are ephemeral; the
// durable record of what happened lives in the session store.
type RunRegistry struct {
	mu   sync.RWMutex
	runs map[string]*Run
}

// NewRunRegistry creates an empty run registry.
func NewRunRegistry() *RunRegistry {
	return &RunRegistry{runs: make(map[string]*Run)}
}

// Create registers a new pending run.
func (r *RunRegistry) Create(threadID, agentType string) (*Run, error) {
	id, err := gonanoid.New()
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	run := &Run{
		ID:        id,
		ThreadID:  threadID,
		AgentType: agentType,
		Status:    RunStatusPending,
		CreatedAt: now,
		UpdatedAt: now,
	}

	r.mu.Lock()
	r.runs[id] = run
	r.mu.Unlock()
	return run, nil
}

// Get returns a snapshot of a run, or nil.
func (r *RunRegistry) Get(id string) *Run {
	r.mu.RLock()
	defer r.mu.RUnlock()

	run, ok := r.runs[id]
	if !ok {
		return nil
	}
	snapshot := *run
	return &snapshot
}

// Update applies a mutation to a run under the registry lock.
func (r *RunRegistry) Update(id string, fn func(*Run)) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if run, ok := r.runs[id]; ok {
		fn(run)
		run.UpdatedAt = time.Now().UTC()
	}
}

// CreateThreadRequest is the payload for POST /threads.
type CreateThreadRequest struct {
	AgentType string                 `json:"agent_type"`
	UserID    string                 `json:"user_id,omitempty"`
	Input     map[string]interface{} `json:"input,omitempty"`
}

// CreateThreadResponse is the response for POST /threads.
type CreateThreadResponse struct {
	ThreadID string `json:"thread_id"`
}

// StartRunRequest is the payload for POST /runs.
type StartRunRequest struct {
	ThreadID  string                 `json:"thread_id,omitempty"`
	AgentType string                 `json:"agent_type"`
	UserID    string                 `json:"user_id,omitempty"`
	Prompt    string                 `json:"prompt"`
	Input     map[string]interface{} `json:"input,omitempty"`
	Model     string                 `json:"model,omitempty"`
}

// StartRunResponse is the response for POST /runs.
type StartRunResponse struct {
	RunID    string `json:"run_id"`
	ThreadID string `json:"thread_id,omitempty"`
	Status   string `json:"status"`
}

// ErrorResponse is the uniform error payload.
type ErrorResponse struct {
	Error string `json:"error"`
}

// EventMessage is one event broadcast to WebSocket subscribers.
type EventMessage struct {
	Type      string      `json:"type"`
	Event     string      `json:"event"`
	Data      interface{} `json:"data,omitempty"`
	Timestamp int64       `json:"timestamp"`
	Seq       int64       `json:"seq"`
}
