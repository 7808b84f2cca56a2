package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	calerrors "github.com/gatherhub/calsync/errors"
)

func TestValidateProductionRequiresRealKey(t *testing.T) {
	cfg := &ServerConfig{
		Environment:        "production",
		GoogleClientID:     "client-id",
		GoogleClientSecret: "client-secret",
	}
	err := cfg.Validate()
	require.Error(t, err)
	assert.ErrorIs(t, err, calerrors.ErrKeyNotConfigured)

	cfg.CredentialKey = DevCredentialKey
	err = cfg.Validate()
	require.Error(t, err)
	assert.ErrorIs(t, err, calerrors.ErrKeyNotConfigured)

	cfg.CredentialKey = "a-real-deployment-secret"
	require.NoError(t, cfg.Validate())
}

func TestValidateProductionRequiresProviderClient(t *testing.T) {
	cfg := &ServerConfig{
		Environment:   "production",
		CredentialKey: "a-real-deployment-secret",
	}
	err := cfg.Validate()
	require.Error(t, err)
	assert.Equal(t, calerrors.CodeConfiguration, calerrors.CodeOf(err))
}

func TestValidateDevelopmentFallsBackToDevKey(t *testing.T) {
	cfg := &ServerConfig{Environment: "development"}
	require.NoError(t, cfg.Validate())
	assert.Equal(t, DevCredentialKey, cfg.CredentialKey)
}
