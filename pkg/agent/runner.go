package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/atelier-ai/atelier/pkg/store"
	"github.com/atelier-ai/atelier/pkg/toolexec"
)

// Runner drives the decide/act control loop for one agent configuration.
// Each step's messages are persisted before the next transition is taken,
// so a crash mid-run leaves a replayable prefix, never a message whose
// causal predecessor is missing.
type Runner struct {
	store     *store.SessionStore
	registry  *toolexec.Registry
	provider  Provider
	observer  StepObserver
	logger    zerolog.Logger
	maxIters  int
	stepLimit time.Duration

	// Active runs for abort capability.
	activeRuns map[string]context.CancelFunc
	runsMu     sync.RWMutex
}

// RunnerConfig holds runner configuration.
type RunnerConfig struct {
	Store    *store.SessionStore
	Registry *toolexec.Registry
	Provider Provider
	Observer StepObserver
	Logger   zerolog.Logger

	// MaxIterations bounds the decide/act alternation. A run that is
	// still requesting tools when the bound is reached fails with
	// ErrLoopBoundExceeded.
	MaxIterations int

	// StepTimeout bounds each model invocation.
	StepTimeout time.Duration
}

const (
	defaultMaxIterations = 10
	defaultStepTimeout   = 60 * time.Second
	defaultMaxRetries    = 3
)

// NewRunner creates a runner.
func NewRunner(cfg RunnerConfig) (*Runner, error) {
	if cfg.Store == nil {
		return nil, fmt.Errorf("session store is required")
	}
	if cfg.Registry == nil {
		return nil, fmt.Errorf("tool registry is required")
	}
	if cfg.Provider == nil {
		return nil, fmt.Errorf("model provider is required")
	}
	if cfg.Observer == nil {
		cfg.Observer = NopObserver{}
	}
	if cfg.MaxIterations <= 0 {
		cfg.MaxIterations = defaultMaxIterations
	}
	if cfg.StepTimeout <= 0 {
		cfg.StepTimeout = defaultStepTimeout
	}

	return &Runner{
		store:      cfg.Store,
		registry:   cfg.Registry,
		provider:   cfg.Provider,
		observer:   cfg.Observer,
		logger:     cfg.Logger,
		maxIters:   cfg.MaxIterations,
		stepLimit:  cfg.StepTimeout,
		activeRuns: make(map[string]context.CancelFunc),
	}, nil
}

// Run executes the control loop with a background context.
func (r *Runner) Run(params RunParams) (RunResult, error) {
	return r.RunWithContext(context.Background(), params)
}

// RunWithContext executes the control loop until the model returns a final
// answer, the iteration bound is reached, or the context is cancelled.
func (r *Runner) RunWithContext(ctx context.Context, params RunParams) (RunResult, error) {
	if ctx == nil {
		ctx = context.Background()
	}

	if err := r.validateConfig(params.Config); err != nil {
		return RunResult{}, fmt.Errorf("invalid configuration: %w", err)
	}

	sessionID, err := r.ensureSession(ctx, params)
	if err != nil {
		return RunResult{}, err
	}

	logger := r.logger.With().Str("session_id", sessionID).Str("agent_type", params.AgentType).Logger()

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	r.runsMu.Lock()
	r.activeRuns[sessionID] = cancel
	r.runsMu.Unlock()
	defer func() {
		r.runsMu.Lock()
		delete(r.activeRuns, sessionID)
		r.runsMu.Unlock()
	}()

	tools, err := r.buildToolSpecs(params.Config.Tools)
	if err != nil {
		r.failSession(ctx, sessionID, err)
		return RunResult{SessionID: sessionID}, err
	}

	messages, err := r.loadHistory(ctx, sessionID)
	if err != nil {
		return RunResult{SessionID: sessionID}, fmt.Errorf("failed to load session history: %w", err)
	}

	if _, err := r.store.AddMessage(ctx, sessionID, store.RoleUser, params.Prompt, nil, nil); err != nil {
		return RunResult{SessionID: sessionID}, fmt.Errorf("failed to persist user message: %w", err)
	}
	messages = append(messages, ChatMessage{Role: store.RoleUser, Content: params.Prompt})

	usage := TokenUsage{}
	allToolCalls := []store.ToolCall{}

	for iteration := 1; iteration <= r.maxIters; iteration++ {
		// Cancellation is checked at the top of each cycle; everything
		// persisted so far is a consistent prefix.
		select {
		case <-runCtx.Done():
			logger.Info().Int("iteration", iteration).Msg("Run aborted")
			return RunResult{SessionID: sessionID, Aborted: true, Iterations: iteration - 1}, nil
		default:
		}

		response, err := r.decide(runCtx, sessionID, params, messages, tools, iteration)
		if err != nil {
			// An abort surfacing mid-invocation is a suspension, not a
			// failure: the session stays active and resumable.
			if runCtx.Err() != nil {
				logger.Info().Int("iteration", iteration).Msg("Run aborted during model invocation")
				return RunResult{SessionID: sessionID, Aborted: true, Iterations: iteration - 1}, nil
			}
			wrapped := fmt.Errorf("%w: %v", ErrModelInvocation, err)
			r.failSession(ctx, sessionID, wrapped)
			return RunResult{SessionID: sessionID}, wrapped
		}
		if response.Usage != nil {
			usage.InputTokens += response.Usage.InputTokens
			usage.OutputTokens += response.Usage.OutputTokens
		}

		toolCalls := make([]store.ToolCall, len(response.ToolCalls))
		for i, tc := range response.ToolCalls {
			toolCalls[i] = store.ToolCall{ID: tc.ID, Name: tc.Name, Arguments: tc.Arguments}
		}

		if _, err := r.store.AddMessage(ctx, sessionID, store.RoleAssistant, response.Content, toolCalls, map[string]interface{}{
			"model":     params.Config.Model,
			"iteration": iteration,
		}); err != nil {
			return RunResult{SessionID: sessionID}, fmt.Errorf("failed to persist assistant message: %w", err)
		}
		messages = append(messages, ChatMessage{
			Role:      store.RoleAssistant,
			Content:   response.Content,
			ToolCalls: toolCalls,
		})

		// No tool calls: the model produced its final answer.
		if len(toolCalls) == 0 {
			if err := r.store.UpdateSession(ctx, sessionID, store.SessionUpdate{
				Status: store.StatusCompleted,
				Output: map[string]interface{}{"response": response.Content},
			}); err != nil {
				logger.Error().Err(err).Msg("Failed to mark session completed")
				return RunResult{SessionID: sessionID}, err
			}

			logger.Info().Int("iterations", iteration).Msg("Run completed")
			return RunResult{
				SessionID:  sessionID,
				Response:   response.Content,
				ToolCalls:  allToolCalls,
				Usage:      &usage,
				Iterations: iteration,
			}, nil
		}

		actMessages, err := r.act(ctx, runCtx, sessionID, params, toolCalls, iteration)
		if err != nil {
			r.failSession(ctx, sessionID, err)
			return RunResult{SessionID: sessionID}, err
		}
		messages = append(messages, actMessages...)
		allToolCalls = append(allToolCalls, toolCalls...)
	}

	err = fmt.Errorf("%w: no final answer after %d iterations", ErrLoopBoundExceeded, r.maxIters)
	r.failSession(ctx, sessionID, err)
	logger.Error().Int("max_iterations", r.maxIters).Msg("Loop bound exceeded")
	return RunResult{SessionID: sessionID, Iterations: r.maxIters}, err
}

// Abort cancels the run attached to a session, if any.
func (r *Runner) Abort(sessionID string) {
	r.runsMu.Lock()
	defer r.runsMu.Unlock()

	if cancel, ok := r.activeRuns[sessionID]; ok {
		r.logger.Info().Str("session_id", sessionID).Msg("Aborting run")
		cancel()
		delete(r.activeRuns, sessionID)
	}
}

// IsRunning reports whether a run is currently active for a session.
func (r *Runner) IsRunning(sessionID string) bool {
	r.runsMu.RLock()
	defer r.runsMu.RUnlock()
	_, ok := r.activeRuns[sessionID]
	return ok
}

// decide invokes the model capability with the full ordered history.
func (r *Runner) decide(ctx context.Context, sessionID string, params RunParams, messages []ChatMessage, tools []ToolSpec, iteration int) (*Response, error) {
	step := Step{SessionID: sessionID, AgentType: params.AgentType, Kind: StepDecide, Iteration: iteration}
	r.observer.StepStarted(ctx, step)
	start := time.Now()

	response, err := r.invokeWithRetry(ctx, Request{
		Model:        params.Config.Model,
		Messages:     messages,
		Tools:        tools,
		Temperature:  params.Config.Temperature,
		MaxTokens:    params.Config.MaxTokens,
		SystemPrompt: params.Config.SystemPrompt,
	}, params.Config.MaxRetries)

	r.observer.StepFinished(ctx, step, time.Since(start), err)
	return response, err
}

// act executes every tool call from one decide step and persists one tool
// message per result. Tools run concurrently but results are appended in
// originating call order, regardless of completion order. Execution is
// bound to the cancellable run context; persistence of finished results
// uses the caller context so an abort never drops a completed step.
func (r *Runner) act(ctx, runCtx context.Context, sessionID string, params RunParams, toolCalls []store.ToolCall, iteration int) ([]ChatMessage, error) {
	step := Step{SessionID: sessionID, AgentType: params.AgentType, Kind: StepAct, Iteration: iteration}
	r.observer.StepStarted(ctx, step)
	start := time.Now()

	// Dispatch is resolved before anything executes: an unregistered
	// name is a configuration error that fails the whole run.
	for _, tc := range toolCalls {
		if r.registry.Get(tc.Name) == nil {
			err := fmt.Errorf("%w: %s", toolexec.ErrToolNotFound, tc.Name)
			r.observer.StepFinished(ctx, step, time.Since(start), err)
			return nil, err
		}
	}

	runCtx = toolexec.WithExecContext(runCtx, toolexec.ExecContext{
		SessionID: sessionID,
		AgentType: params.AgentType,
	})

	results := make([]toolexec.Result, len(toolCalls))
	var wg sync.WaitGroup
	for i, tc := range toolCalls {
		wg.Add(1)
		go func(i int, tc store.ToolCall) {
			defer wg.Done()
			result, err := r.registry.Execute(runCtx, tc.Name, tc.Arguments)
			if err != nil {
				result = toolexec.Result{Success: false, Error: err.Error()}
			}
			results[i] = result
		}(i, tc)
	}
	wg.Wait()

	appended := make([]ChatMessage, 0, len(toolCalls))
	for i, tc := range toolCalls {
		content := toolResultContent(results[i])
		if _, err := r.store.AddMessage(ctx, sessionID, store.RoleTool, content, nil, map[string]interface{}{
			"tool_call_id": tc.ID,
			"tool_name":    tc.Name,
			"success":      results[i].Success,
		}); err != nil {
			persistErr := fmt.Errorf("failed to persist tool result: %w", err)
			r.observer.StepFinished(ctx, step, time.Since(start), persistErr)
			return nil, persistErr
		}
		appended = append(appended, ChatMessage{
			Role:       store.RoleTool,
			Content:    content,
			ToolCallID: tc.ID,
		})
	}

	r.observer.StepFinished(ctx, step, time.Since(start), nil)
	return appended, nil
}

// invokeWithRetry calls the model with exponential backoff on retryable
// errors. Each attempt is bounded by the step timeout.
func (r *Runner) invokeWithRetry(ctx context.Context, request Request, maxRetries int) (*Response, error) {
	if maxRetries <= 0 {
		maxRetries = defaultMaxRetries
	}

	var lastErr error
	for attempt := 0; attempt < maxRetries; attempt++ {
		stepCtx, cancel := context.WithTimeout(ctx, r.stepLimit)
		response, err := r.provider.Invoke(stepCtx, request)
		cancel()
		if err == nil {
			return response, nil
		}

		lastErr = err
		if !IsRetryableError(err) {
			return nil, err
		}
		if attempt == maxRetries-1 {
			break
		}

		delay := time.Duration(1<<attempt) * time.Second
		r.logger.Info().
			Int("attempt", attempt+1).
			Dur("delay", delay).
			Msg("Retrying model invocation")

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(delay):
		}
	}

	return nil, fmt.Errorf("max retries (%d) exceeded: %w", maxRetries, lastErr)
}

func (r *Runner) validateConfig(cfg Config) error {
	if cfg.Model == "" {
		return fmt.Errorf("model cannot be empty")
	}
	if cfg.Temperature < 0 || cfg.Temperature > 1 {
		return fmt.Errorf("temperature must be between 0 and 1")
	}
	if cfg.MaxTokens < 0 {
		return fmt.Errorf("max tokens cannot be negative")
	}
	if cfg.MaxRetries < 0 {
		return fmt.Errorf("max retries cannot be negative")
	}
	return nil
}

// ensureSession resolves the run's session: an existing active one when
// resuming, or a fresh one otherwise. Creation failure is a hard error.
func (r *Runner) ensureSession(ctx context.Context, params RunParams) (string, error) {
	if params.SessionID != "" {
		session, err := r.store.GetSession(ctx, params.SessionID)
		if err != nil {
			return "", err
		}
		if session == nil {
			return "", fmt.Errorf("session not found: %s", params.SessionID)
		}
		if session.Status != store.StatusActive {
			return "", fmt.Errorf("session %s is %s, not active", params.SessionID, session.Status)
		}
		return params.SessionID, nil
	}

	input := params.Input
	if input == nil {
		input = map[string]interface{}{"request": params.Prompt}
	}
	return r.store.CreateSession(ctx, store.CreateSessionParams{
		AgentType: params.AgentType,
		UserID:    params.UserID,
		Input:     input,
	})
}

// loadHistory reconstructs the conversation from persisted messages.
func (r *Runner) loadHistory(ctx context.Context, sessionID string) ([]ChatMessage, error) {
	persisted, err := r.store.GetSessionMessages(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	messages := make([]ChatMessage, 0, len(persisted))
	for _, msg := range persisted {
		cm := ChatMessage{
			Role:      msg.Role,
			Content:   msg.Content,
			ToolCalls: msg.ToolCalls,
		}
		if id, ok := msg.Metadata["tool_call_id"].(string); ok {
			cm.ToolCallID = id
		}
		messages = append(messages, cm)
	}
	return messages, nil
}

// buildToolSpecs resolves the configured tool names against the registry.
func (r *Runner) buildToolSpecs(names []string) ([]ToolSpec, error) {
	if len(names) == 0 {
		return nil, nil
	}

	specs := make([]ToolSpec, 0, len(names))
	for _, name := range names {
		def := r.registry.Get(name)
		if def == nil {
			return nil, fmt.Errorf("%w: %s", toolexec.ErrToolNotFound, name)
		}
		schema, err := r.registry.InputSchema(name)
		if err != nil {
			return nil, err
		}
		specs = append(specs, ToolSpec{
			Name:        def.Name,
			Description: def.Description,
			InputSchema: schema,
		})
	}
	return specs, nil
}

// failSession records the terminal failed status with a human-readable
// error description. The original failure is what propagates to the
// caller, so a bookkeeping error here is only logged.
func (r *Runner) failSession(ctx context.Context, sessionID string, runErr error) {
	if err := r.store.UpdateSession(ctx, sessionID, store.SessionUpdate{
		Status:   store.StatusFailed,
		Metadata: map[string]interface{}{"error": runErr.Error()},
	}); err != nil {
		r.logger.Error().Err(err).Str("session_id", sessionID).Msg("Failed to mark session failed")
	}
}

func toolResultContent(result toolexec.Result) string {
	if !result.Success {
		return result.Error
	}
	if s, ok := result.Output.(string); ok {
		return s
	}
	data, err := json.Marshal(result.Output)
	if err != nil {
		return fmt.Sprintf("%v", result.Output)
	}
	return string(data)
}
