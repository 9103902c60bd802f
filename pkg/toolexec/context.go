package toolexec

import "context"

// ExecContext carries run identity into tool handlers so they can attach
// produced artifacts to the session that invoked them.
type ExecContext struct {
	SessionID string
	AgentType string
}

type execContextKey struct{}

// WithExecContext attaches an execution context for tool handlers.
func WithExecContext(ctx context.Context, execCtx ExecContext) context.Context {
	return context.WithValue(ctx, execContextKey{}, execCtx)
}

// ExecContextFromContext returns the execution context, or nil when the
// tool was invoked outside a run.
func ExecContextFromContext(ctx context.Context) *ExecContext {
	if execCtx, ok := ctx.Value(execContextKey{}).(ExecContext); ok {
		return &execCtx
	}
	return nil
}
