package config

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"

	calerrors "github.com/gatherhub/calsync/errors"
)

// DevCredentialKey is the clearly-labeled development fallback for the
// credential encryption key. Production deployments must never run with it.
const DevCredentialKey = "calsync-dev-only-insecure-key"

// ServerConfig holds all configuration for the calendar sync server.
// Tags use mapstructure for Viper unmarshalling.
type ServerConfig struct {
	HTTPPort    string `mapstructure:"HTTP_PORT"`
	Environment string `mapstructure:"ENVIRONMENT"` // "development" or "production"
	MongoURI    string `mapstructure:"MONGO_URI"`
	MongoDBName string `mapstructure:"MONGO_DB_NAME"`
	RedisAddr   string `mapstructure:"REDIS_ADDR"` // optional; enables distributed refresh locks
	LogLevel    string `mapstructure:"LOG_LEVEL"`
	LogPretty   bool   `mapstructure:"LOG_PRETTY"`

	// Calendar provider OAuth client.
	GoogleClientID     string `mapstructure:"GOOGLE_CLIENT_ID"`
	GoogleClientSecret string `mapstructure:"GOOGLE_CLIENT_SECRET"`
	OAuthRedirectURL   string `mapstructure:"OAUTH_REDIRECT_URL"`

	// Credential storage.
	CredentialKey string `mapstructure:"CREDENTIAL_ENCRYPTION_KEY"`

	// Flow behavior.
	StateTTLMin      int    `mapstructure:"STATE_TTL_MIN"`
	DefaultReturnURL string `mapstructure:"DEFAULT_RETURN_URL"`
}

// Production reports whether this deployment must refuse insecure defaults.
func (c *ServerConfig) Production() bool {
	return strings.EqualFold(c.Environment, "production")
}

// Validate enforces the hard configuration requirements. It is called once
// at startup so misconfiguration fails fast rather than per request.
func (c *ServerConfig) Validate() error {
	if c.Production() {
		if c.CredentialKey == "" || c.CredentialKey == DevCredentialKey {
			return calerrors.ErrKeyNotConfigured
		}
		if c.GoogleClientID == "" || c.GoogleClientSecret == "" {
			return calerrors.New(calerrors.CodeConfiguration, "provider client id/secret are required in production")
		}
	}
	if c.CredentialKey == "" {
		c.CredentialKey = DevCredentialKey
	}
	return nil
}

// LoadConfig reads configuration from file, environment variables, and defaults.
func LoadConfig() (*ServerConfig, error) {
	v := viper.New()

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath("/etc/calsync/")
	v.AddConfigPath("$HOME/.calsync")
	v.AddConfigPath(".")

	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	v.SetDefault("HTTP_PORT", "8080")
	v.SetDefault("ENVIRONMENT", "development")
	v.SetDefault("MONGO_URI", "mongodb://localhost:27017/calsync_dev")
	v.SetDefault("MONGO_DB_NAME", "calsync_dev")
	v.SetDefault("REDIS_ADDR", "")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("LOG_PRETTY", true)
	v.SetDefault("OAUTH_REDIRECT_URL", "http://localhost:8080/calendar/oauth/callback")
	v.SetDefault("STATE_TTL_MIN", 10)
	v.SetDefault("DEFAULT_RETURN_URL", "/events")

	if err := v.ReadInConfig(); err != nil {
		// Missing config file means env/defaults only; anything else is fatal.
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var cfg ServerConfig
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unable to decode config into struct: %w", err)
	}

	return &cfg, nil
}
