package agent

import (
	"context"
	"time"
)

// Step kinds reported to the observer.
const (
	StepDecide = "decide"
	StepAct    = "act"
)

// Step identifies one decide or act step within a run.
type Step struct {
	SessionID string
	AgentType string
	Kind      string
	Iteration int
}

// StepObserver is an injectable instrumentation hook invoked around each
// Decide and Act step.
type StepObserver interface {
	StepStarted(ctx context.Context, step Step)
	StepFinished(ctx context.Context, step Step, duration time.Duration, err error)
}

// NopObserver is a StepObserver that does nothing.
type NopObserver struct{}

func (NopObserver) StepStarted(context.Context, Step)                        {}
func (NopObserver) StepFinished(context.Context, Step, time.Duration, error) {}
