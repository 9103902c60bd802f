package agent

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atelier-ai/atelier/pkg/storage"
	"github.com/atelier-ai/atelier/pkg/store"
	"github.com/atelier-ai/atelier/pkg/toolexec"
)

// scriptedProvider replays a fixed sequence of responses.
type scriptedProvider struct {
	mu        sync.Mutex
	responses []*Response
	errs      []error
	calls     int
	requests  []Request
	onInvoke  func(call int)
}

func (p *scriptedProvider) Invoke(ctx context.Context, request Request) (*Response, error) {
	p.mu.Lock()
	call := p.calls
	p.calls++
	p.requests = append(p.requests, request)
	hook := p.onInvoke
	p.mu.Unlock()

	if hook != nil {
		hook(call)
	}

	if call < len(p.errs) && p.errs[call] != nil {
		return nil, p.errs[call]
	}
	if call < len(p.responses) {
		return p.responses[call], nil
	}
	// Past the end of the script, keep requesting the same tool so the
	// loop never terminates on its own.
	return &Response{
		ToolCalls: []ToolCallRequest{{ID: fmt.Sprintf("call_%d", call), Name: "echo", Arguments: map[string]interface{}{"text": "again"}}},
	}, nil
}

func (p *scriptedProvider) Name() string { return "scripted" }

func (p *scriptedProvider) callCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls
}

func newTestStore(t *testing.T) *store.SessionStore {
	t.Helper()

	db, err := storage.New(storage.Config{
		DSN:      filepath.Join(t.TempDir(), "agent_test.db"),
		MaxConns: 4,
		Logger:   zerolog.Nop(),
	})
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	require.NoError(t, db.InitSchema(context.Background()))

	sessions, err := store.New(db, zerolog.Nop())
	require.NoError(t, err)
	return sessions
}

func newTestRegistry(t *testing.T) *toolexec.Registry {
	t.Helper()

	registry := toolexec.NewRegistry(5*time.Second, zerolog.Nop())
	require.NoError(t, registry.Register(toolexec.ToolDefinition{
		Name:        "echo",
		Description: "Echoes the input text",
		Parameters: []toolexec.ToolParameter{
			{Name: "text", Type: "string", Description: "Text to echo", Required: true},
		},
		Handler: func(ctx context.Context, args map[string]interface{}) (interface{}, error) {
			return args["text"], nil
		},
	}))
	return registry
}

func newTestRunner(t *testing.T, provider Provider, opts ...func(*RunnerConfig)) (*Runner, *store.SessionStore) {
	t.Helper()

	sessions := newTestStore(t)
	cfg := RunnerConfig{
		Store:         sessions,
		Registry:      newTestRegistry(t),
		Provider:      provider,
		Logger:        zerolog.Nop(),
		MaxIterations: 10,
		StepTimeout:   10 * time.Second,
	}
	for _, opt := range opts {
		opt(&cfg)
	}

	runner, err := NewRunner(cfg)
	require.NoError(t, err)
	return runner, sessions
}

func runParams() RunParams {
	return RunParams{
		Prompt:    "build me a todo app",
		UserID:    "user-1",
		AgentType: "builder",
		Config: Config{
			Model: "claude-sonnet-4-20250514",
			Tools: []string{"echo"},
		},
	}
}

func TestNewRunner(t *testing.T) {
	t.Run("requires store", func(t *testing.T) {
		_, err := NewRunner(RunnerConfig{Registry: newTestRegistry(t), Provider: &scriptedProvider{}})
		assert.Error(t, err)
	})

	t.Run("requires registry", func(t *testing.T) {
		_, err := NewRunner(RunnerConfig{Store: newTestStore(t), Provider: &scriptedProvider{}})
		assert.Error(t, err)
	})

	t.Run("requires provider", func(t *testing.T) {
		_, err := NewRunner(RunnerConfig{Store: newTestStore(t), Registry: newTestRegistry(t)})
		assert.Error(t, err)
	})

	t.Run("applies defaults", func(t *testing.T) {
		runner, err := NewRunner(RunnerConfig{
			Store:    newTestStore(t),
			Registry: newTestRegistry(t),
			Provider: &scriptedProvider{},
		})
		require.NoError(t, err)
		assert.Equal(t, defaultMaxIterations, runner.maxIters)
		assert.Equal(t, defaultStepTimeout, runner.stepLimit)
	})
}

func TestRunSingleStep(t *testing.T) {
	provider := &scriptedProvider{
		responses: []*Response{
			{Content: "Here is your app.", Usage: &TokenUsage{InputTokens: 12, OutputTokens: 34}},
		},
	}
	runner, sessions := newTestRunner(t, provider)

	result, err := runner.Run(runParams())
	require.NoError(t, err)

	assert.Equal(t, "Here is your app.", result.Response)
	assert.Equal(t, 1, result.Iterations)
	assert.False(t, result.Aborted)
	assert.Equal(t, 12, result.Usage.InputTokens)
	assert.Equal(t, 34, result.Usage.OutputTokens)

	session, err := sessions.GetSession(context.Background(), result.SessionID)
	require.NoError(t, err)
	require.NotNil(t, session)
	assert.Equal(t, store.StatusCompleted, session.Status)
	assert.Equal(t, "Here is your app.", session.Output["response"])

	messages, err := sessions.GetSessionMessages(context.Background(), result.SessionID)
	require.NoError(t, err)
	require.Len(t, messages, 2)
	assert.Equal(t, store.RoleUser, messages[0].Role)
	assert.Equal(t, store.RoleAssistant, messages[1].Role)
}

func TestRunToolLoop(t *testing.T) {
	provider := &scriptedProvider{
		responses: []*Response{
			{ToolCalls: []ToolCallRequest{{ID: "call_1", Name: "echo", Arguments: map[string]interface{}{"text": "first"}}}},
			{ToolCalls: []ToolCallRequest{{ID: "call_2", Name: "echo", Arguments: map[string]interface{}{"text": "second"}}}},
			{Content: "done"},
		},
	}
	runner, sessions := newTestRunner(t, provider)

	result, err := runner.Run(runParams())
	require.NoError(t, err)

	assert.Equal(t, "done", result.Response)
	assert.Equal(t, 3, result.Iterations)
	require.Len(t, result.ToolCalls, 2)
	assert.Equal(t, "call_1", result.ToolCalls[0].ID)
	assert.Equal(t, "call_2", result.ToolCalls[1].ID)

	// user, assistant+tool per tool iteration, then the final assistant.
	messages, err := sessions.GetSessionMessages(context.Background(), result.SessionID)
	require.NoError(t, err)
	require.Len(t, messages, 6)

	roles := make([]string, len(messages))
	for i, msg := range messages {
		roles[i] = msg.Role
	}
	assert.Equal(t, []string{
		store.RoleUser,
		store.RoleAssistant, store.RoleTool,
		store.RoleAssistant, store.RoleTool,
		store.RoleAssistant,
	}, roles)

	assert.Equal(t, "first", messages[2].Content)
	assert.Equal(t, "call_1", messages[2].Metadata["tool_call_id"])
	assert.Equal(t, "second", messages[4].Content)

	// Tool results flow back into the next model request.
	require.GreaterOrEqual(t, provider.callCount(), 2)
	second := provider.requests[1]
	last := second.Messages[len(second.Messages)-1]
	assert.Equal(t, store.RoleTool, last.Role)
	assert.Equal(t, "call_1", last.ToolCallID)
}

func TestRunLoopBound(t *testing.T) {
	provider := &scriptedProvider{} // always requests tools
	runner, sessions := newTestRunner(t, provider, func(cfg *RunnerConfig) {
		cfg.MaxIterations = 3
	})

	result, err := runner.Run(runParams())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrLoopBoundExceeded)
	assert.Equal(t, 3, result.Iterations)
	assert.Equal(t, 3, provider.callCount())

	session, err := sessions.GetSession(context.Background(), result.SessionID)
	require.NoError(t, err)
	require.NotNil(t, session)
	assert.Equal(t, store.StatusFailed, session.Status)
	assert.Contains(t, session.Metadata["error"], "no final answer")

	// The bound allows K full decide/act cycles: every requested tool
	// still executed before the run was declared failed.
	messages, err := sessions.GetSessionMessages(context.Background(), result.SessionID)
	require.NoError(t, err)
	assert.Len(t, messages, 7)
}

func TestRunModelFailure(t *testing.T) {
	t.Run("non-retryable fails immediately", func(t *testing.T) {
		provider := &scriptedProvider{errs: []error{errors.New("invalid api key")}}
		runner, sessions := newTestRunner(t, provider)

		result, err := runner.Run(runParams())
		require.Error(t, err)
		assert.ErrorIs(t, err, ErrModelInvocation)
		assert.Equal(t, 1, provider.callCount())

		session, err := sessions.GetSession(context.Background(), result.SessionID)
		require.NoError(t, err)
		require.NotNil(t, session)
		assert.Equal(t, store.StatusFailed, session.Status)
	})

	t.Run("retryable errors are retried", func(t *testing.T) {
		provider := &scriptedProvider{
			errs:      []error{errors.New("429 too many requests"), nil},
			responses: []*Response{nil, {Content: "recovered"}},
		}
		runner, _ := newTestRunner(t, provider)

		result, err := runner.Run(runParams())
		require.NoError(t, err)
		assert.Equal(t, "recovered", result.Response)
		assert.Equal(t, 2, provider.callCount())
	})
}

func TestRunToolNotFound(t *testing.T) {
	provider := &scriptedProvider{
		responses: []*Response{
			{ToolCalls: []ToolCallRequest{{ID: "call_1", Name: "no_such_tool", Arguments: map[string]interface{}{}}}},
		},
	}
	runner, sessions := newTestRunner(t, provider)

	result, err := runner.Run(runParams())
	require.Error(t, err)
	assert.ErrorIs(t, err, toolexec.ErrToolNotFound)

	session, err := sessions.GetSession(context.Background(), result.SessionID)
	require.NoError(t, err)
	require.NotNil(t, session)
	assert.Equal(t, store.StatusFailed, session.Status)
}

func TestRunToolHandlerFailure(t *testing.T) {
	// A handler error is conversation content, not a run failure: the
	// model sees the error text and decides what to do next.
	provider := &scriptedProvider{
		responses: []*Response{
			{ToolCalls: []ToolCallRequest{{ID: "call_1", Name: "flaky", Arguments: map[string]interface{}{}}}},
			{Content: "worked around it"},
		},
	}
	runner, sessions := newTestRunner(t, provider, func(cfg *RunnerConfig) {
		require.NoError(t, cfg.Registry.Register(toolexec.ToolDefinition{
			Name:        "flaky",
			Description: "Always fails",
			Handler: func(ctx context.Context, args map[string]interface{}) (interface{}, error) {
				return nil, errors.New("disk full")
			},
		}))
	})

	params := runParams()
	params.Config.Tools = []string{"echo", "flaky"}

	result, err := runner.Run(params)
	require.NoError(t, err)
	assert.Equal(t, "worked around it", result.Response)

	messages, err := sessions.GetSessionMessages(context.Background(), result.SessionID)
	require.NoError(t, err)
	require.Len(t, messages, 4)
	assert.Equal(t, store.RoleTool, messages[2].Role)
	assert.Contains(t, messages[2].Content, "disk full")
	assert.Equal(t, false, messages[2].Metadata["success"])
}

func TestRunConcurrentToolOrdering(t *testing.T) {
	// Three calls in one step; the first finishes last. Persisted order
	// must still follow the originating call order.
	provider := &scriptedProvider{
		responses: []*Response{
			{ToolCalls: []ToolCallRequest{
				{ID: "call_a", Name: "slow", Arguments: map[string]interface{}{"label": "a", "delay_ms": float64(60)}},
				{ID: "call_b", Name: "slow", Arguments: map[string]interface{}{"label": "b", "delay_ms": float64(30)}},
				{ID: "call_c", Name: "slow", Arguments: map[string]interface{}{"label": "c", "delay_ms": float64(0)}},
			}},
			{Content: "all done"},
		},
	}
	runner, sessions := newTestRunner(t, provider, func(cfg *RunnerConfig) {
		require.NoError(t, cfg.Registry.Register(toolexec.ToolDefinition{
			Name:        "slow",
			Description: "Sleeps then returns its label",
			Parameters: []toolexec.ToolParameter{
				{Name: "label", Type: "string", Description: "Label to return", Required: true},
				{Name: "delay_ms", Type: "number", Description: "Sleep duration", Required: true},
			},
			Handler: func(ctx context.Context, args map[string]interface{}) (interface{}, error) {
				time.Sleep(time.Duration(args["delay_ms"].(float64)) * time.Millisecond)
				return args["label"], nil
			},
		}))
	})

	params := runParams()
	params.Config.Tools = []string{"slow"}

	result, err := runner.Run(params)
	require.NoError(t, err)

	messages, err := sessions.GetSessionMessages(context.Background(), result.SessionID)
	require.NoError(t, err)
	require.Len(t, messages, 6)
	assert.Equal(t, "a", messages[2].Content)
	assert.Equal(t, "b", messages[3].Content)
	assert.Equal(t, "c", messages[4].Content)
}

func TestRunAbort(t *testing.T) {
	provider := &scriptedProvider{
		responses: []*Response{
			{ToolCalls: []ToolCallRequest{{ID: "call_1", Name: "halt", Arguments: map[string]interface{}{}}}},
		},
	}
	runner, sessions := newTestRunner(t, provider)

	// The halt tool aborts its own run; the cancellation lands at the
	// top of the next cycle, after the act step has been persisted.
	require.NoError(t, runner.registry.Register(toolexec.ToolDefinition{
		Name:        "halt",
		Description: "Aborts the running session",
		Handler: func(ctx context.Context, args map[string]interface{}) (interface{}, error) {
			for _, id := range sessionIDs(t, sessions) {
				runner.Abort(id)
			}
			return "halting", nil
		},
	}))

	params := runParams()
	params.Config.Tools = []string{"halt"}

	result, err := runner.Run(params)
	require.NoError(t, err)
	assert.True(t, result.Aborted)
	assert.Equal(t, 1, result.Iterations)

	// An aborted run is suspended, not terminal, and the completed
	// decide/act cycle survived intact.
	session, err := sessions.GetSession(context.Background(), result.SessionID)
	require.NoError(t, err)
	require.NotNil(t, session)
	assert.Equal(t, store.StatusActive, session.Status)
	assert.False(t, runner.IsRunning(result.SessionID))

	messages, err := sessions.GetSessionMessages(context.Background(), result.SessionID)
	require.NoError(t, err)
	require.Len(t, messages, 3)
	assert.Equal(t, store.RoleTool, messages[2].Role)
	assert.Equal(t, "halting", messages[2].Content)
}

func TestRunResume(t *testing.T) {
	t.Run("resumes active session with prior history", func(t *testing.T) {
		provider := &scriptedProvider{
			responses: []*Response{{Content: "picking up where we left off"}},
		}
		runner, sessions := newTestRunner(t, provider)

		sessionID, err := sessions.CreateSession(context.Background(), store.CreateSessionParams{
			AgentType: "builder",
			UserID:    "user-1",
			Input:     map[string]interface{}{"request": "original"},
		})
		require.NoError(t, err)
		_, err = sessions.AddMessage(context.Background(), sessionID, store.RoleUser, "original", nil, nil)
		require.NoError(t, err)
		_, err = sessions.AddMessage(context.Background(), sessionID, store.RoleAssistant, "partial answer", nil, nil)
		require.NoError(t, err)

		params := runParams()
		params.SessionID = sessionID
		params.Prompt = "continue"

		result, err := runner.Run(params)
		require.NoError(t, err)
		assert.Equal(t, sessionID, result.SessionID)

		// The model saw all prior messages plus the new prompt.
		require.Len(t, provider.requests, 1)
		sent := provider.requests[0].Messages
		require.Len(t, sent, 3)
		assert.Equal(t, "original", sent[0].Content)
		assert.Equal(t, "partial answer", sent[1].Content)
		assert.Equal(t, "continue", sent[2].Content)
	})

	t.Run("rejects unknown session", func(t *testing.T) {
		runner, _ := newTestRunner(t, &scriptedProvider{})

		params := runParams()
		params.SessionID = "00000000-0000-0000-0000-000000000000"

		_, err := runner.Run(params)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "not found")
	})

	t.Run("rejects terminal session", func(t *testing.T) {
		runner, sessions := newTestRunner(t, &scriptedProvider{})

		sessionID, err := sessions.CreateSession(context.Background(), store.CreateSessionParams{AgentType: "builder"})
		require.NoError(t, err)
		require.NoError(t, sessions.UpdateSession(context.Background(), sessionID, store.SessionUpdate{Status: store.StatusCompleted}))

		params := runParams()
		params.SessionID = sessionID

		_, err = runner.Run(params)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "not active")
	})
}

func TestRunConfigValidation(t *testing.T) {
	runner, _ := newTestRunner(t, &scriptedProvider{})

	t.Run("empty model", func(t *testing.T) {
		params := runParams()
		params.Config.Model = ""
		_, err := runner.Run(params)
		assert.Error(t, err)
	})

	t.Run("temperature out of range", func(t *testing.T) {
		params := runParams()
		params.Config.Temperature = 1.5
		_, err := runner.Run(params)
		assert.Error(t, err)
	})

	t.Run("unknown tool name", func(t *testing.T) {
		params := runParams()
		params.Config.Tools = []string{"nonexistent"}
		_, err := runner.Run(params)
		require.Error(t, err)
		assert.ErrorIs(t, err, toolexec.ErrToolNotFound)
	})
}

func sessionIDs(t *testing.T, sessions *store.SessionStore) []string {
	t.Helper()
	listed, err := sessions.ListSessions(context.Background(), store.ListFilter{})
	require.NoError(t, err)
	ids := make([]string, len(listed))
	for i, s := range listed {
		ids[i] = s.ID
	}
	return ids
}
