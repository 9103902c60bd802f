package observability

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAuditLogger(t *testing.T) {
	auditFile := filepath.Join(t.TempDir(), "audit.log")

	audit, err := NewAuditLogger(auditFile)
	require.NoError(t, err)

	audit.RecordRun("session-1", "run_started", "pending", map[string]interface{}{"agent_type": "builder"})
	audit.RecordSession("session-1", "session_deleted", "success", nil)
	audit.RecordRetention(4, "success")
	require.NoError(t, audit.Close())

	data, err := os.ReadFile(auditFile)
	require.NoError(t, err)

	content := string(data)
	assert.Contains(t, content, `"type":"run"`)
	assert.Contains(t, content, `"action":"run_started"`)
	assert.Contains(t, content, `"type":"session"`)
	assert.Contains(t, content, `"type":"retention"`)
	assert.Contains(t, content, `"deleted":4`)
}

func TestNewStderrAuditLogger(t *testing.T) {
	audit := NewStderrAuditLogger()
	require.NotNil(t, audit)

	// No file handle to close.
	assert.NoError(t, audit.Close())
}
