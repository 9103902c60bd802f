package maintenance

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atelier-ai/atelier/pkg/storage"
	"github.com/atelier-ai/atelier/pkg/store"
)

type fakePruner struct {
	mu      sync.Mutex
	cutoffs []time.Time
	deleted int
	err     error
}

func (p *fakePruner) PruneSessions(ctx context.Context, cutoff time.Time) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.cutoffs = append(p.cutoffs, cutoff)
	return p.deleted, p.err
}

func (p *fakePruner) calls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.cutoffs)
}

func TestNewRetention(t *testing.T) {
	t.Run("requires store", func(t *testing.T) {
		_, err := NewRetention(RetentionConfig{MaxAge: time.Hour, Schedule: "0 3 * * *"})
		assert.Error(t, err)
	})

	t.Run("requires positive max age", func(t *testing.T) {
		_, err := NewRetention(RetentionConfig{Store: &fakePruner{}, Schedule: "0 3 * * *"})
		assert.Error(t, err)
	})

	t.Run("rejects invalid schedule", func(t *testing.T) {
		_, err := NewRetention(RetentionConfig{
			Store:    &fakePruner{},
			MaxAge:   time.Hour,
			Schedule: "not a cron spec",
		})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "invalid retention schedule")
	})
}

func TestSweep(t *testing.T) {
	t.Run("passes cutoff based on max age", func(t *testing.T) {
		pruner := &fakePruner{deleted: 2}
		r, err := NewRetention(RetentionConfig{
			Store:    pruner,
			MaxAge:   24 * time.Hour,
			Schedule: "0 3 * * *",
			Logger:   zerolog.Nop(),
		})
		require.NoError(t, err)

		deleted, err := r.Sweep(context.Background())
		require.NoError(t, err)
		assert.Equal(t, 2, deleted)

		require.Equal(t, 1, pruner.calls())
		expected := time.Now().Add(-24 * time.Hour)
		assert.WithinDuration(t, expected, pruner.cutoffs[0], time.Minute)
	})

	t.Run("propagates prune errors", func(t *testing.T) {
		pruner := &fakePruner{err: errors.New("db locked")}
		r, err := NewRetention(RetentionConfig{
			Store:    pruner,
			MaxAge:   time.Hour,
			Schedule: "0 3 * * *",
			Logger:   zerolog.Nop(),
		})
		require.NoError(t, err)

		_, err = r.Sweep(context.Background())
		require.Error(t, err)
		assert.Contains(t, err.Error(), "db locked")
	})
}

func TestSweepAgainstStore(t *testing.T) {
	db, err := storage.New(storage.Config{
		DSN:      filepath.Join(t.TempDir(), "retention_test.db"),
		MaxConns: 4,
		Logger:   zerolog.Nop(),
	})
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	require.NoError(t, db.InitSchema(context.Background()))

	sessions, err := store.New(db, zerolog.Nop())
	require.NoError(t, err)

	ctx := context.Background()

	// One stale completed session, one fresh completed session, one
	// stale but still active session.
	stale, err := sessions.CreateSession(ctx, store.CreateSessionParams{AgentType: "builder"})
	require.NoError(t, err)
	require.NoError(t, sessions.UpdateSession(ctx, stale, store.SessionUpdate{Status: store.StatusCompleted}))

	fresh, err := sessions.CreateSession(ctx, store.CreateSessionParams{AgentType: "builder"})
	require.NoError(t, err)
	require.NoError(t, sessions.UpdateSession(ctx, fresh, store.SessionUpdate{Status: store.StatusCompleted}))

	active, err := sessions.CreateSession(ctx, store.CreateSessionParams{AgentType: "builder"})
	require.NoError(t, err)

	time.Sleep(20 * time.Millisecond)

	// Prune everything terminal older than "now", which covers the two
	// completed sessions but must spare the active one.
	deleted, err := sessions.PruneSessions(ctx, time.Now())
	require.NoError(t, err)
	assert.Equal(t, 2, deleted)

	gone, err := sessions.GetSession(ctx, stale)
	require.NoError(t, err)
	assert.Nil(t, gone)

	kept, err := sessions.GetSession(ctx, active)
	require.NoError(t, err)
	require.NotNil(t, kept)
	assert.Equal(t, store.StatusActive, kept.Status)
}

func TestScheduledSweepRuns(t *testing.T) {
	pruner := &fakePruner{deleted: 1}
	r, err := NewRetention(RetentionConfig{
		Store:    pruner,
		MaxAge:   time.Hour,
		Schedule: "@every 50ms",
		Logger:   zerolog.Nop(),
	})
	require.NoError(t, err)

	r.Start()
	defer r.Stop()

	require.Eventually(t, func() bool {
		return pruner.calls() > 0
	}, 2*time.Second, 10*time.Millisecond)
}
