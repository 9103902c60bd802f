package observability

import (
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// AuditEvent is one structured entry in the audit trail.
type AuditEvent struct {
	Type      string                 `json:"event_type"`
	Timestamp time.Time              `json:"timestamp"`
	Actor     string                 `json:"actor,omitempty"` // session or user id
	Action    string                 `json:"action"`
	Status    string                 `json:"status"` // success, failure, pending
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
}

// AuditLogger records lifecycle events to an append-only JSON log.
type AuditLogger struct {
	logger zerolog.Logger
	mu     sync.Mutex
	file   *os.File
}

// NewAuditLogger writes audit events to the given file path.
func NewAuditLogger(path string) (*AuditLogger, error) {
	file, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return nil, err
	}

	return &AuditLogger{
		logger: zerolog.New(file).With().Timestamp().Logger(),
		file:   file,
	}, nil
}

// NewStderrAuditLogger writes audit events to stderr, for setups with no
// audit file configured.
func NewStderrAuditLogger() *AuditLogger {
	return &AuditLogger{
		logger: zerolog.New(os.Stderr).With().Timestamp().Logger(),
	}
}

// Record emits an audit event.
func (a *AuditLogger) Record(event AuditEvent) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	entry := a.logger.Log().
		Str("type", event.Type).
		Str("actor", event.Actor).
		Str("action", event.Action).
		Str("status", event.Status)

	if event.Metadata != nil {
		entry.Interface("metadata", event.Metadata)
	}

	entry.Msg("")
}

// Close closes the audit logger's file handle.
func (a *AuditLogger) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.file != nil {
		return a.file.Close()
	}
	return nil
}

// RecordRun records a run lifecycle event.
func (a *AuditLogger) RecordRun(sessionID, action, status string, metadata map[string]interface{}) {
	a.Record(AuditEvent{
		Type:     "run",
		Actor:    sessionID,
		Action:   action,
		Status:   status,
		Metadata: metadata,
	})
}

// RecordSession records a session lifecycle event.
func (a *AuditLogger) RecordSession(sessionID, action, status string, metadata map[string]interface{}) {
	a.Record(AuditEvent{
		Type:     "session",
		Actor:    sessionID,
		Action:   action,
		Status:   status,
		Metadata: metadata,
	})
}

// RecordRetention records a retention sweep outcome.
func (a *AuditLogger) RecordRetention(deleted int, status string) {
	a.Record(AuditEvent{
		Type:   "retention",
		Action: "sweep",
		Status: status,
		Metadata: map[string]interface{}{
			"deleted": deleted,
		},
	})
}
