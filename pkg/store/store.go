package store

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/atelier-ai/atelier/pkg/storage"
)

// SessionStore owns the session entity model on top of the database
// manager. Every operation is a single statement, so each one is atomic.
type SessionStore struct {
	db     *storage.Manager
	logger zerolog.Logger
}

// New creates a session store.
func New(db *storage.Manager, logger zerolog.Logger) (*SessionStore, error) {
	if db == nil {
		return nil, fmt.Errorf("database manager is required")
	}
	return &SessionStore{db: db, logger: logger}, nil
}

const defaultListLimit = 50

// CreateSession generates a fresh identifier and inserts the session with
// status active. A storage failure propagates as a hard error: a run must
// not start against a session that was never durably recorded.
func (s *SessionStore) CreateSession(ctx context.Context, params CreateSessionParams) (string, error) {
	if params.AgentType == "" {
		return "", fmt.Errorf("agent type is required")
	}

	sessionID := uuid.NewString()
	now := time.Now().UTC()

	_, err := s.db.Execute(ctx, `
		INSERT INTO agent_sessions
			(session_id, user_id, agent_type, status, input_data, metadata, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		[]interface{}{
			sessionID,
			nullable(params.UserID),
			params.AgentType,
			StatusActive,
			marshalJSON(params.Input),
			marshalJSON(params.Metadata),
			now,
			now,
		}, false)
	if err != nil {
		s.logger.Error().Err(err).Str("agent_type", params.AgentType).Msg("Failed to create session")
		return "", err
	}

	s.logger.Info().
		Str("session_id", sessionID).
		Str("agent_type", params.AgentType).
		Msg("Session created")

	return sessionID, nil
}

// UpdateSession applies a partial update. Only supplied fields are
// modified; the update timestamp always refreshes. Terminal statuses are
// never overwritten: a status change only applies while the session is
// still active.
func (s *SessionStore) UpdateSession(ctx context.Context, sessionID string, upd SessionUpdate) error {
	if sessionID == "" {
		return fmt.Errorf("session id is required")
	}

	sets := []string{}
	args := []interface{}{}

	if upd.Status != "" {
		if upd.Status != StatusActive && upd.Status != StatusCompleted && upd.Status != StatusFailed {
			return fmt.Errorf("invalid status: %s", upd.Status)
		}
		sets = append(sets, "status = CASE WHEN status = 'active' THEN ? ELSE status END")
		args = append(args, upd.Status)
	}
	if upd.Output != nil {
		sets = append(sets, "output_data = ?")
		args = append(args, marshalJSON(upd.Output))
	}
	if upd.Metadata != nil {
		sets = append(sets, "metadata = ?")
		args = append(args, marshalJSON(upd.Metadata))
	}

	sets = append(sets, "updated_at = ?")
	args = append(args, time.Now().UTC(), sessionID)

	stmt := fmt.Sprintf("UPDATE agent_sessions SET %s WHERE session_id = ?", strings.Join(sets, ", "))
	if _, err := s.db.Execute(ctx, stmt, args, false); err != nil {
		s.logger.Error().Err(err).Str("session_id", sessionID).Msg("Failed to update session")
		return err
	}

	return nil
}

// AddMessage appends one immutable message to a session.
func (s *SessionStore) AddMessage(ctx context.Context, sessionID, role, content string, toolCalls []ToolCall, metadata map[string]interface{}) (string, error) {
	if sessionID == "" {
		return "", fmt.Errorf("session id is required")
	}
	if role == "" {
		return "", fmt.Errorf("message role cannot be empty")
	}

	messageID := uuid.NewString()

	var toolCallsJSON interface{}
	if len(toolCalls) > 0 {
		data, err := json.Marshal(toolCalls)
		if err != nil {
			return "", fmt.Errorf("failed to marshal tool calls: %w", err)
		}
		toolCallsJSON = string(data)
	}

	_, err := s.db.Execute(ctx, `
		INSERT INTO agent_messages
			(message_id, session_id, role, content, tool_calls, metadata, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		[]interface{}{
			messageID,
			sessionID,
			role,
			content,
			toolCallsJSON,
			marshalJSON(metadata),
			time.Now().UTC(),
		}, false)
	if err != nil {
		s.logger.Error().Err(err).Str("session_id", sessionID).Str("role", role).Msg("Failed to add message")
		return "", err
	}

	return messageID, nil
}

// GetSessionMessages returns a session's messages in ascending creation
// order. A session with no messages, or an unknown session, yields an
// empty slice rather than an error.
func (s *SessionStore) GetSessionMessages(ctx context.Context, sessionID string) ([]Message, error) {
	rows, err := s.db.Execute(ctx, `
		SELECT message_id, session_id, role, content, tool_calls, metadata, created_at
		FROM agent_messages
		WHERE session_id = ?
		ORDER BY created_at ASC`,
		[]interface{}{sessionID}, true)
	if err != nil {
		return nil, err
	}

	messages := make([]Message, 0, len(rows))
	for _, row := range rows {
		msg := Message{
			ID:        asString(row["message_id"]),
			SessionID: asString(row["session_id"]),
			Role:      asString(row["role"]),
			Content:   asString(row["content"]),
			Metadata:  unmarshalJSON(row["metadata"]),
			CreatedAt: asTime(row["created_at"]),
		}
		if raw := asString(row["tool_calls"]); raw != "" {
			if err := json.Unmarshal([]byte(raw), &msg.ToolCalls); err != nil {
				s.logger.Warn().Err(err).Str("message_id", msg.ID).Msg("Skipping malformed tool calls")
			}
		}
		messages = append(messages, msg)
	}

	return messages, nil
}

// SaveArtifact persists a durable deliverable for a session.
func (s *SessionStore) SaveArtifact(ctx context.Context, sessionID, artifactType, name, content string, metadata map[string]interface{}) (string, error) {
	if sessionID == "" {
		return "", fmt.Errorf("session id is required")
	}
	if artifactType == "" || name == "" {
		return "", fmt.Errorf("artifact type and name are required")
	}

	artifactID := uuid.NewString()

	_, err := s.db.Execute(ctx, `
		INSERT INTO agent_artifacts
			(artifact_id, session_id, artifact_type, artifact_name, content, metadata, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		[]interface{}{
			artifactID,
			sessionID,
			artifactType,
			name,
			content,
			marshalJSON(metadata),
			time.Now().UTC(),
		}, false)
	if err != nil {
		s.logger.Error().Err(err).Str("session_id", sessionID).Str("artifact", name).Msg("Failed to save artifact")
		return "", err
	}

	s.logger.Debug().
		Str("session_id", sessionID).
		Str("artifact_type", artifactType).
		Str("artifact", name).
		Msg("Artifact saved")

	return artifactID, nil
}

// GetSessionArtifacts returns a session's artifacts newest-first, since
// artifacts are typically consumed most-recent-first.
func (s *SessionStore) GetSessionArtifacts(ctx context.Context, sessionID string) ([]Artifact, error) {
	rows, err := s.db.Execute(ctx, `
		SELECT artifact_id, session_id, artifact_type, artifact_name, content, metadata, created_at
		FROM agent_artifacts
		WHERE session_id = ?
		ORDER BY created_at DESC`,
		[]interface{}{sessionID}, true)
	if err != nil {
		return nil, err
	}

	artifacts := make([]Artifact, 0, len(rows))
	for _, row := range rows {
		artifacts = append(artifacts, Artifact{
			ID:        asString(row["artifact_id"]),
			SessionID: asString(row["session_id"]),
			Type:      asString(row["artifact_type"]),
			Name:      asString(row["artifact_name"]),
			Content:   asString(row["content"]),
			Metadata:  unmarshalJSON(row["metadata"]),
			CreatedAt: asTime(row["created_at"]),
		})
	}

	return artifacts, nil
}

// GetSession returns a session by identifier, or nil if it does not exist.
func (s *SessionStore) GetSession(ctx context.Context, sessionID string) (*Session, error) {
	rows, err := s.db.Execute(ctx, `
		SELECT session_id, user_id, agent_type, status,
		       input_data, output_data, metadata, created_at, updated_at
		FROM agent_sessions
		WHERE session_id = ?`,
		[]interface{}{sessionID}, true)
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, nil
	}

	row := rows[0]
	return &Session{
		ID:        asString(row["session_id"]),
		UserID:    asString(row["user_id"]),
		AgentType: asString(row["agent_type"]),
		Status:    asString(row["status"]),
		Input:     unmarshalJSON(row["input_data"]),
		Output:    unmarshalJSON(row["output_data"]),
		Metadata:  unmarshalJSON(row["metadata"]),
		CreatedAt: asTime(row["created_at"]),
		UpdatedAt: asTime(row["updated_at"]),
	}, nil
}

// ListSessions returns session summaries (no input/output payloads)
// newest-first. Filters are conjunctive and the limit is enforced in the
// statement itself.
func (s *SessionStore) ListSessions(ctx context.Context, filter ListFilter) ([]Session, error) {
	conditions := []string{}
	args := []interface{}{}

	if filter.UserID != "" {
		conditions = append(conditions, "user_id = ?")
		args = append(args, filter.UserID)
	}
	if filter.AgentType != "" {
		conditions = append(conditions, "agent_type = ?")
		args = append(args, filter.AgentType)
	}
	if filter.Status != "" {
		conditions = append(conditions, "status = ?")
		args = append(args, filter.Status)
	}

	where := ""
	if len(conditions) > 0 {
		where = "WHERE " + strings.Join(conditions, " AND ")
	}

	limit := filter.Limit
	if limit <= 0 {
		limit = defaultListLimit
	}
	args = append(args, limit)

	stmt := fmt.Sprintf(`
		SELECT session_id, user_id, agent_type, status, created_at, updated_at
		FROM agent_sessions
		%s
		ORDER BY created_at DESC
		LIMIT ?`, where)

	rows, err := s.db.Execute(ctx, stmt, args, true)
	if err != nil {
		return nil, err
	}

	sessions := make([]Session, 0, len(rows))
	for _, row := range rows {
		sessions = append(sessions, Session{
			ID:        asString(row["session_id"]),
			UserID:    asString(row["user_id"]),
			AgentType: asString(row["agent_type"]),
			Status:    asString(row["status"]),
			CreatedAt: asTime(row["created_at"]),
			UpdatedAt: asTime(row["updated_at"]),
		})
	}

	return sessions, nil
}

// DeleteSession removes a session and, through the cascade, all of its
// messages and artifacts. Administrative operation; the control loop never
// calls it.
func (s *SessionStore) DeleteSession(ctx context.Context, sessionID string) error {
	if sessionID == "" {
		return fmt.Errorf("session id is required")
	}

	_, err := s.db.Execute(ctx,
		"DELETE FROM agent_sessions WHERE session_id = ?",
		[]interface{}{sessionID}, false)
	if err != nil {
		return err
	}

	s.logger.Info().Str("session_id", sessionID).Msg("Session deleted")
	return nil
}

// PruneSessions deletes completed and failed sessions last touched before
// the cutoff. Their messages and artifacts go with them through the
// cascade. Active sessions are never pruned regardless of age.
func (s *SessionStore) PruneSessions(ctx context.Context, cutoff time.Time) (int, error) {
	rows, err := s.db.Execute(ctx, `
		DELETE FROM agent_sessions
		WHERE status IN (?, ?) AND updated_at < ?
		RETURNING session_id`,
		[]interface{}{StatusCompleted, StatusFailed, cutoff.UTC()}, true)
	if err != nil {
		return 0, err
	}

	if len(rows) > 0 {
		s.logger.Info().Int("count", len(rows)).Msg("Pruned expired sessions")
	}
	return len(rows), nil
}

func marshalJSON(m map[string]interface{}) interface{} {
	if m == nil {
		return nil
	}
	data, err := json.Marshal(m)
	if err != nil {
		return nil
	}
	return string(data)
}

func unmarshalJSON(v interface{}) map[string]interface{} {
	raw := asString(v)
	if raw == "" {
		return nil
	}
	var m map[string]interface{}
	if err := json.Unmarshal([]byte(raw), &m); err != nil {
		return nil
	}
	return m
}

func asString(v interface{}) string {
	switch s := v.(type) {
	case string:
		return s
	case []byte:
		return string(s)
	default:
		return ""
	}
}

func asTime(v interface{}) time.Time {
	switch t := v.(type) {
	case time.Time:
		return t
	case string:
		parsed, err := time.Parse("2006-01-02 15:04:05.999999999-07:00", t)
		if err != nil {
			return time.Time{}
		}
		return parsed
	default:
		return time.Time{}
	}
}

func nullable(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}
