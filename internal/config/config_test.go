package config

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "localhost:7233", cfg.TemporalAddress)
	assert.Equal(t, ":8090", cfg.HTTPListenAddr)
	assert.Equal(t, "info", cfg.LogLevel)
	assert.True(t, cfg.ACMERequireEAB)
	assert.Empty(t, cfg.WebhookSecrets)
}

func TestLoadFromEnv(t *testing.T) {
	t.Setenv("DATABASE_URL", "postgres://certflow@localhost/certflow")
	t.Setenv("TEMPORAL_ADDRESS", "temporal.internal:7233")
	t.Setenv("ACME_REQUIRE_EAB", "false")
	t.Setenv("WEBHOOK_SECRETS", "gogetssl=s1,google-cm=s2")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "postgres://certflow@localhost/certflow", cfg.DatabaseURL)
	assert.Equal(t, "temporal.internal:7233", cfg.TemporalAddress)
	assert.False(t, cfg.ACMERequireEAB)
	assert.Equal(t, map[string]string{"gogetssl": "s1", "google-cm": "s2"}, cfg.WebhookSecrets)
}

func TestValidate(t *testing.T) {
	key := strings.Repeat("ab", 32)

	tests := []struct {
		name    string
		cfg     Config
		wantErr string
	}{
		{
			name:    "missing database url",
			cfg:     Config{SecretKey: key},
			wantErr: "DATABASE_URL",
		},
		{
			name:    "missing secret key",
			cfg:     Config{DatabaseURL: "postgres://x"},
			wantErr: "SECRET_KEY",
		},
		{
			name:    "secret key not hex",
			cfg:     Config{DatabaseURL: "postgres://x", SecretKey: "zz"},
			wantErr: "must be hex",
		},
		{
			name:    "secret key wrong length",
			cfg:     Config{DatabaseURL: "postgres://x", SecretKey: "abcd"},
			wantErr: "32 bytes",
		},
		{
			name: "valid",
			cfg:  Config{DatabaseURL: "postgres://x", SecretKey: key},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.cfg.Validate("worker")
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestParseKeyValues(t *testing.T) {
	assert.Empty(t, parseKeyValues(""))
	assert.Equal(t, map[string]string{"a": "1"}, parseKeyValues("a=1"))
	assert.Equal(t, map[string]string{"a": "1", "b": "2"}, parseKeyValues(" a=1 , b=2"))
	// Entries without a value are dropped.
	assert.Equal(t, map[string]string{"a": "1"}, parseKeyValues("a=1,broken"))
}
