// Package maintenance runs background housekeeping for the session store.
package maintenance

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"github.com/atelier-ai/atelier/internal/observability"
)

// SessionPruner is the slice of the session store the sweeper needs.
type SessionPruner interface {
	PruneSessions(ctx context.Context, cutoff time.Time) (int, error)
}

// RetentionConfig configures the retention sweeper.
type RetentionConfig struct {
	Store SessionPruner
	// MaxAge is how long terminal sessions are kept after their last update.
	MaxAge time.Duration
	// Schedule is a standard 5-field cron expression.
	Schedule     string
	SweepTimeout time.Duration
	Metrics      *observability.Metrics
	Audit        *observability.AuditLogger
	Logger       zerolog.Logger
}

// Retention periodically deletes terminal sessions past their retention
// window. The schedule is fixed at construction; Start and Stop control
// the background cron loop.
type Retention struct {
	store        SessionPruner
	maxAge       time.Duration
	sweepTimeout time.Duration
	metrics      *observability.Metrics
	audit        *observability.AuditLogger
	logger       zerolog.Logger
	cron         *cron.Cron
}

// NewRetention validates the config and registers the sweep on the
// schedule. The cron loop does not run until Start is called.
func NewRetention(cfg RetentionConfig) (*Retention, error) {
	if cfg.Store == nil {
		return nil, fmt.Errorf("store is required")
	}
	if cfg.MaxAge <= 0 {
		return nil, fmt.Errorf("max age must be positive")
	}
	if cfg.Schedule == "" {
		return nil, fmt.Errorf("schedule is required")
	}
	if cfg.SweepTimeout <= 0 {
		cfg.SweepTimeout = 30 * time.Second
	}

	r := &Retention{
		store:        cfg.Store,
		maxAge:       cfg.MaxAge,
		sweepTimeout: cfg.SweepTimeout,
		metrics:      cfg.Metrics,
		audit:        cfg.Audit,
		logger:       cfg.Logger,
		cron:         cron.New(),
	}

	if _, err := r.cron.AddFunc(cfg.Schedule, r.runScheduled); err != nil {
		return nil, fmt.Errorf("invalid retention schedule %q: %w", cfg.Schedule, err)
	}

	return r, nil
}

// Start launches the cron loop in its own goroutine.
func (r *Retention) Start() {
	r.cron.Start()
	r.logger.Info().
		Dur("max_age", r.maxAge).
		Msg("Retention sweeper started")
}

// Stop halts the cron loop and waits for an in-flight sweep to finish.
func (r *Retention) Stop() {
	ctx := r.cron.Stop()
	<-ctx.Done()
	r.logger.Info().Msg("Retention sweeper stopped")
}

func (r *Retention) runScheduled() {
	ctx, cancel := context.WithTimeout(context.Background(), r.sweepTimeout)
	defer cancel()

	if _, err := r.Sweep(ctx); err != nil {
		r.logger.Error().Err(err).Msg("Retention sweep failed")
	}
}

// Sweep deletes terminal sessions older than the retention window and
// returns how many were removed.
func (r *Retention) Sweep(ctx context.Context) (int, error) {
	cutoff := time.Now().Add(-r.maxAge)

	deleted, err := r.store.PruneSessions(ctx, cutoff)
	if err != nil {
		if r.audit != nil {
			r.audit.RecordRetention(0, "failure")
		}
		return 0, fmt.Errorf("prune sessions: %w", err)
	}

	if r.metrics != nil && deleted > 0 {
		r.metrics.SessionsDeleted.Add(float64(deleted))
	}
	if r.audit != nil {
		r.audit.RecordRetention(deleted, "success")
	}

	r.logger.Info().
		Int("deleted", deleted).
		Time("cutoff", cutoff).
		Msg("Retention sweep completed")

	return deleted, nil
}
