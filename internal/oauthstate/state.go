// Package oauthstate encodes the OAuth state parameter that carries user
// identity and post-auth intent between the connect redirect and the
// provider callback. The flow is stateless server-side: this token is the
// only continuity mechanism, so it carries an issuance timestamp and is
// rejected once stale.
package oauthstate

import (
	"encoding/base64"
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/gatherhub/calsync/domain"
	calerrors "github.com/gatherhub/calsync/errors"
)

// DefaultTTL bounds how long an issued state stays acceptable.
const DefaultTTL = 10 * time.Minute

// Codec encodes and decodes AuthState as URL-safe base64 JSON. The encoding
// is reversible and unauthenticated: the state is structured, not secret,
// and must never carry credentials.
type Codec struct {
	ttl time.Duration
	now func() time.Time
}

// NewCodec returns a Codec that rejects states older than ttl.
// A non-positive ttl falls back to DefaultTTL.
func NewCodec(ttl time.Duration) *Codec {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Codec{ttl: ttl, now: time.Now}
}

// Encode serializes the state, stamping a fresh nonce and issuance time.
func (c *Codec) Encode(state domain.AuthState) (string, error) {
	if state.UserID == "" {
		return "", calerrors.ErrMalformedState
	}
	if state.Action == "" {
		state.Action = domain.ActionConnect
	}
	state.Nonce = uuid.NewString()
	state.IssuedAt = c.now().Unix()

	raw, err := json.Marshal(state)
	if err != nil {
		return "", calerrors.Wrap(calerrors.ErrMalformedState, err)
	}
	return base64.RawURLEncoding.EncodeToString(raw), nil
}

// Decode parses a state token. It fails with a malformed_state flow error
// when the token is not valid serialized AuthState, carries no user id, or
// was issued longer than the codec TTL ago.
func (c *Codec) Decode(token string) (*domain.AuthState, error) {
	raw, err := base64.RawURLEncoding.DecodeString(token)
	if err != nil {
		return nil, calerrors.Wrap(calerrors.ErrMalformedState, err)
	}

	var state domain.AuthState
	if err := json.Unmarshal(raw, &state); err != nil {
		return nil, calerrors.Wrap(calerrors.ErrMalformedState, err)
	}
	if state.UserID == "" {
		return nil, calerrors.New(calerrors.CodeMalformedState, "auth state has no user id")
	}
	if state.IssuedAt > 0 {
		issued := time.Unix(state.IssuedAt, 0)
		if c.now().Sub(issued) > c.ttl {
			return nil, calerrors.New(calerrors.CodeMalformedState, "auth state has expired")
		}
	}
	state.Action = domain.ParseAction(string(state.Action))
	return &state, nil
}
