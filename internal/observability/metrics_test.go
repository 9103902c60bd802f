package observability

import (
	"context"
	"errors"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atelier-ai/atelier/pkg/agent"
)

func TestNewMetrics(t *testing.T) {
	m := NewMetrics()
	require.NotNil(t, m)
	assert.NotNil(t, m.Registry())
}

func TestMetricsCounters(t *testing.T) {
	m := NewMetrics()

	m.RunsTotal.WithLabelValues("builder", "completed").Inc()
	m.RunsTotal.WithLabelValues("builder", "completed").Inc()
	m.RunsTotal.WithLabelValues("builder", "failed").Inc()

	assert.Equal(t, float64(2), testutil.ToFloat64(m.RunsTotal.WithLabelValues("builder", "completed")))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.RunsTotal.WithLabelValues("builder", "failed")))

	m.SessionsActive.Set(3)
	assert.Equal(t, float64(3), testutil.ToFloat64(m.SessionsActive))

	m.ArtifactsSaved.WithLabelValues("code").Inc()
	assert.Equal(t, float64(1), testutil.ToFloat64(m.ArtifactsSaved.WithLabelValues("code")))
}

func TestMetricsHandler(t *testing.T) {
	m := NewMetrics()
	m.SessionsCreated.Inc()

	rec := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/metrics", nil)
	m.Handler().ServeHTTP(rec, req)

	assert.Equal(t, 200, rec.Code)
	assert.Contains(t, rec.Body.String(), "sessions_created_total")
}

func TestStepMetricsObserver(t *testing.T) {
	m := NewMetrics()
	observer := NewStepMetricsObserver(m)

	step := agent.Step{SessionID: "s1", AgentType: "builder", Kind: agent.StepDecide, Iteration: 1}
	observer.StepStarted(context.Background(), step)
	observer.StepFinished(context.Background(), step, 120*time.Millisecond, nil)
	observer.StepFinished(context.Background(), step, 80*time.Millisecond, errors.New("model unavailable"))

	assert.Equal(t, float64(1), testutil.ToFloat64(m.StepsTotal.WithLabelValues("builder", agent.StepDecide, "success")))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.StepsTotal.WithLabelValues("builder", agent.StepDecide, "error")))
}

type fakeSink struct {
	calls int
	err   error
}

func (s *fakeSink) SaveArtifact(ctx context.Context, sessionID, artifactType, name, content string, metadata map[string]interface{}) (string, error) {
	s.calls++
	return "artifact-1", s.err
}

func TestCountingArtifacts(t *testing.T) {
	t.Run("counts successful saves", func(t *testing.T) {
		m := NewMetrics()
		sink := &fakeSink{}
		counting := NewCountingArtifacts(sink, m)

		id, err := counting.SaveArtifact(context.Background(), "s1", "code", "component.tsx", "export {}", nil)
		require.NoError(t, err)
		assert.Equal(t, "artifact-1", id)
		assert.Equal(t, 1, sink.calls)
		assert.Equal(t, float64(1), testutil.ToFloat64(m.ArtifactsSaved.WithLabelValues("code")))
	})

	t.Run("failed saves are not counted", func(t *testing.T) {
		m := NewMetrics()
		sink := &fakeSink{err: errors.New("db closed")}
		counting := NewCountingArtifacts(sink, m)

		_, err := counting.SaveArtifact(context.Background(), "s1", "code", "component.tsx", "export {}", nil)
		require.Error(t, err)
		assert.Equal(t, float64(0), testutil.ToFloat64(m.ArtifactsSaved.WithLabelValues("code")))
	})
}
