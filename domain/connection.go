package domain

import "time"

// Action selects the post-authorization UI behavior carried through the OAuth
// state parameter. It never influences token handling.
type Action string

const (
	ActionConnect     Action = "connect"
	ActionCreateEvent Action = "create_event"
	ActionSync        Action = "sync"
)

// ParseAction maps a query-string value onto the closed action set.
// Unknown or empty values fall back to ActionConnect.
func ParseAction(s string) Action {
	switch Action(s) {
	case ActionConnect, ActionCreateEvent, ActionSync:
		return Action(s)
	default:
		return ActionConnect
	}
}

// AuthState is the payload carried through the OAuth `state` query parameter
// between StartFlow and CompleteFlow. It is opaque to the browser but not
// secret, and must never hold credentials.
type AuthState struct {
	UserID    string `json:"uid"`
	ReturnURL string `json:"ret,omitempty"`
	Action    Action `json:"act,omitempty"`
	Nonce     string `json:"n,omitempty"`
	IssuedAt  int64  `json:"iat,omitempty"` // unix seconds
}

// CalendarCredentials is the sensitive token set issued by the calendar
// provider. It only ever exists in plaintext in process memory; every
// persisted copy is the output of authenticated encryption.
type CalendarCredentials struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token,omitempty"`
	ExpiresAt    int64  `json:"expires_at"` // unix milliseconds
	Scope        string `json:"scope,omitempty"`
	TokenType    string `json:"token_type,omitempty"`
}

// Expired reports whether the access token needs a refresh at the given
// instant. The boundary is inclusive: a token expiring exactly now is expired.
func (c *CalendarCredentials) Expired(now time.Time) bool {
	return now.UnixMilli() >= c.ExpiresAt
}

// Expiry returns the expiry instant as a time.Time.
func (c *CalendarCredentials) Expiry() time.Time {
	return time.UnixMilli(c.ExpiresAt).UTC()
}

// EncryptedCredentialBlob is the at-rest form of CalendarCredentials.
// The IV is unique per encryption; the auth tag binds IV and ciphertext.
type EncryptedCredentialBlob struct {
	IV         []byte `bson:"iv"         json:"iv"`
	AuthTag    []byte `bson:"auth_tag"   json:"auth_tag"`
	Ciphertext []byte `bson:"ciphertext" json:"ciphertext"`
}

// CalendarConnection is the persisted record, one per user. It is always
// written wholesale; connected_at survives refreshes but not reconnects.
type CalendarConnection struct {
	UserID      string                  `bson:"_id"            json:"user_id"`
	Blob        EncryptedCredentialBlob `bson:"encrypted_blob" json:"-"`
	Connected   bool                    `bson:"connected"      json:"connected"`
	ConnectedAt time.Time               `bson:"connected_at"   json:"connected_at"`
	ExpiresAt   time.Time               `bson:"expires_at"     json:"expires_at"`
	UpdatedAt   time.Time               `bson:"updated_at"     json:"updated_at"`
}

// ConnectionStatus is the read-only projection served to the UI. It is
// derived from the stored connection on every read and never stored itself.
type ConnectionStatus struct {
	Connected   bool       `json:"connected"`
	ConnectedAt *time.Time `json:"connected_at,omitempty"`
	ExpiresAt   *time.Time `json:"expires_at,omitempty"`
}

// EventSpec describes a calendar event to create or update on the provider.
type EventSpec struct {
	Title       string    `json:"title"`
	Description string    `json:"description,omitempty"`
	Location    string    `json:"location,omitempty"`
	StartsAt    time.Time `json:"starts_at"`
	EndsAt      time.Time `json:"ends_at"`
}
