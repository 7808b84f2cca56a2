package domain

import (
	"context"
	"time"
)

// CredentialRepository is the keyed persistence contract for encrypted
// calendar credentials. Exactly one record exists per user at any time.
type CredentialRepository interface {
	// Save upserts the user's record wholesale. connected_at is preserved
	// across refreshes of an existing record and set fresh on insert.
	Save(ctx context.Context, userID string, blob EncryptedCredentialBlob, expiresAt time.Time) error

	// Load returns the stored connection, or nil with a nil error when the
	// user has no stored credentials.
	Load(ctx context.Context, userID string) (*CalendarConnection, error)

	// Clear removes the user's record. Clearing an absent record is not an
	// error.
	Clear(ctx context.Context, userID string) error

	// Status projects the connection state without touching the encrypted
	// payload. It must stay cheap and side-effect free.
	Status(ctx context.Context, userID string) (ConnectionStatus, error)
}
