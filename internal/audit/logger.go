package audit

import (
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Lifecycle actions recorded in the audit trail.
const (
	ActionConnected    = "connected"
	ActionRefreshed    = "refreshed"
	ActionRefreshFail  = "refresh_failed"
	ActionDisconnected = "disconnected"
)

var auditLogger = log.Output(os.Stdout).With().Str("log_type", "audit").Logger()

// Log records a calendar connection lifecycle event on the audit stream,
// separate from diagnostic logging. Only the user id and a stable error
// code are recorded; token material never appears here.
func Log(action, user string, success bool, errCode string) {
	event := auditLogger.Info()
	if !success {
		event = auditLogger.Warn()
	}
	event = event.
		Time("timestamp", time.Now().UTC()).
		Str("action", action).
		Str("user", user).
		Bool("success", success)
	if errCode != "" {
		event = event.Str("error", errCode)
	}
	event.Msg("calendar audit event")
}

// SetOutput redirects the audit stream, primarily for tests.
func SetOutput(logger zerolog.Logger) {
	auditLogger = logger
}
