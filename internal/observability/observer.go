package observability

import (
	"context"
	"time"

	"github.com/atelier-ai/atelier/pkg/agent"
)

// StepMetricsObserver records loop-step outcomes into Prometheus. It
// implements agent.StepObserver.
type StepMetricsObserver struct {
	metrics *Metrics
}

// NewStepMetricsObserver creates an observer backed by the given
// metrics.
func NewStepMetricsObserver(metrics *Metrics) *StepMetricsObserver {
	return &StepMetricsObserver{metrics: metrics}
}

func (o *StepMetricsObserver) StepStarted(ctx context.Context, step agent.Step) {}

func (o *StepMetricsObserver) StepFinished(ctx context.Context, step agent.Step, duration time.Duration, err error) {
	status := "success"
	if err != nil {
		status = "error"
	}

	o.metrics.StepsTotal.WithLabelValues(step.AgentType, step.Kind, status).Inc()
	o.metrics.StepDuration.WithLabelValues(step.AgentType, step.Kind).Observe(duration.Seconds())
}
