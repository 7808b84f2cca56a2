package audit

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLogRecordsLifecycleEvents(t *testing.T) {
	var buf bytes.Buffer
	orig := auditLogger
	SetOutput(zerolog.New(&buf).With().Str("log_type", "audit").Logger())
	defer SetOutput(orig)

	Log(ActionConnected, "user-1", true, "")

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "audit", entry["log_type"])
	assert.Equal(t, ActionConnected, entry["action"])
	assert.Equal(t, "user-1", entry["user"])
	assert.Equal(t, true, entry["success"])
	assert.Equal(t, "info", entry["level"])
	assert.NotContains(t, entry, "error")
}

func TestLogFailureCarriesErrorCode(t *testing.T) {
	var buf bytes.Buffer
	orig := auditLogger
	SetOutput(zerolog.New(&buf))
	defer SetOutput(orig)

	Log(ActionRefreshFail, "user-2", false, "revoked_grant")

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, ActionRefreshFail, entry["action"])
	assert.Equal(t, false, entry["success"])
	assert.Equal(t, "revoked_grant", entry["error"])
	assert.Equal(t, "warn", entry["level"])
}
