package oauthstate

import (
	"encoding/base64"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gatherhub/calsync/domain"
	calerrors "github.com/gatherhub/calsync/errors"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	codec := NewCodec(DefaultTTL)

	cases := []domain.AuthState{
		{UserID: "user-1", ReturnURL: "/events/42", Action: domain.ActionCreateEvent},
		{UserID: "user-2", Action: domain.ActionSync},
		{UserID: "user-3"}, // action defaults to connect
	}
	for _, in := range cases {
		token, err := codec.Encode(in)
		require.NoError(t, err)

		out, err := codec.Decode(token)
		require.NoError(t, err)
		assert.Equal(t, in.UserID, out.UserID)
		assert.Equal(t, in.ReturnURL, out.ReturnURL)
		if in.Action == "" {
			assert.Equal(t, domain.ActionConnect, out.Action)
		} else {
			assert.Equal(t, in.Action, out.Action)
		}
		assert.NotEmpty(t, out.Nonce)
		assert.NotZero(t, out.IssuedAt)
	}
}

func TestEncodeRequiresUserID(t *testing.T) {
	codec := NewCodec(DefaultTTL)
	_, err := codec.Encode(domain.AuthState{ReturnURL: "/events"})
	require.Error(t, err)
	assert.ErrorIs(t, err, calerrors.ErrMalformedState)
}

func TestDecodeMalformedTokens(t *testing.T) {
	codec := NewCodec(DefaultTTL)

	for name, token := range map[string]string{
		"not base64":   "%%%not-base64%%%",
		"not json":     base64.RawURLEncoding.EncodeToString([]byte("plain text")),
		"empty":        "",
		"missing uid":  base64.RawURLEncoding.EncodeToString([]byte(`{"act":"connect"}`)),
		"wrong shapes": base64.RawURLEncoding.EncodeToString([]byte(`{"uid":123}`)),
	} {
		t.Run(name, func(t *testing.T) {
			_, err := codec.Decode(token)
			require.Error(t, err)
			assert.ErrorIs(t, err, calerrors.ErrMalformedState)
		})
	}
}

func TestDecodeRejectsStaleState(t *testing.T) {
	codec := NewCodec(10 * time.Minute)

	issued := time.Now()
	codec.now = func() time.Time { return issued }
	token, err := codec.Encode(domain.AuthState{UserID: "user-1"})
	require.NoError(t, err)

	codec.now = func() time.Time { return issued.Add(11 * time.Minute) }
	_, err = codec.Decode(token)
	require.Error(t, err)
	assert.ErrorIs(t, err, calerrors.ErrMalformedState)

	// Still fine just inside the window.
	codec.now = func() time.Time { return issued.Add(9 * time.Minute) }
	out, err := codec.Decode(token)
	require.NoError(t, err)
	assert.Equal(t, "user-1", out.UserID)
}

func TestDecodeNormalizesUnknownAction(t *testing.T) {
	codec := NewCodec(DefaultTTL)
	token := base64.RawURLEncoding.EncodeToString([]byte(`{"uid":"u1","act":"launch_missiles"}`))

	out, err := codec.Decode(token)
	require.NoError(t, err)
	assert.Equal(t, domain.ActionConnect, out.Action)
}
