package config

import (
	"encoding/hex"
	"fmt"
	"os"
	"strings"
)

type Config struct {
	DatabaseURL     string
	TemporalAddress string
	HTTPListenAddr  string
	MetricsAddr     string
	LogLevel        string
	ServiceName     string

	// SecretKey is the hex-encoded 32-byte key encrypting private keys,
	// ACME account keys, and EAB MAC keys at rest.
	SecretKey string

	// Temporal mTLS. Empty means plaintext.
	TemporalTLSCert       string
	TemporalTLSKey        string
	TemporalTLSCACert     string
	TemporalTLSServerName string

	// GoGetSSL reseller API.
	GoGetSSLBaseURL string
	GoGetSSLAPIKey  string

	// Google Certificate Manager.
	GoogleCMBaseURL string
	GoogleCMProject string
	GoogleCMToken   string

	// ACME-class provider.
	ACMEDirectoryURL string
	ACMEContact      string
	ACMERequireEAB   bool

	// WebhookSecrets maps provider name to the HMAC secret its
	// callbacks are signed with. Parsed from "provider=secret,..." form.
	WebhookSecrets map[string]string

	// Cancellation snapshot archive (S3-compatible).
	ArchiveEndpoint  string
	ArchiveRegion    string
	ArchiveBucket    string
	ArchiveAccessKey string
	ArchiveSecretKey string
}

func Load() (*Config, error) {
	cfg := &Config{
		DatabaseURL:     getEnv("DATABASE_URL", ""),
		TemporalAddress: getEnv("TEMPORAL_ADDRESS", "localhost:7233"),
		HTTPListenAddr:  getEnv("HTTP_LISTEN_ADDR", ":8090"),
		MetricsAddr:     getEnv("METRICS_ADDR", ""),
		LogLevel:        getEnv("LOG_LEVEL", "info"),
		ServiceName:     getEnv("SERVICE_NAME", ""),

		SecretKey: getEnv("SECRET_KEY", ""),

		TemporalTLSCert:       getEnv("TEMPORAL_TLS_CERT", ""),
		TemporalTLSKey:        getEnv("TEMPORAL_TLS_KEY", ""),
		TemporalTLSCACert:     getEnv("TEMPORAL_TLS_CA_CERT", ""),
		TemporalTLSServerName: getEnv("TEMPORAL_TLS_SERVER_NAME", ""),

		GoGetSSLBaseURL: getEnv("GOGETSSL_BASE_URL", "https://my.gogetssl.com/api"),
		GoGetSSLAPIKey:  getEnv("GOGETSSL_API_KEY", ""),

		GoogleCMBaseURL: getEnv("GOOGLE_CM_BASE_URL", "https://certificatemanager.googleapis.com"),
		GoogleCMProject: getEnv("GOOGLE_CM_PROJECT", ""),
		GoogleCMToken:   getEnv("GOOGLE_CM_TOKEN", ""),

		ACMEDirectoryURL: getEnv("ACME_DIRECTORY_URL", ""),
		ACMEContact:      getEnv("ACME_CONTACT", ""),
		ACMERequireEAB:   getEnv("ACME_REQUIRE_EAB", "true") == "true",

		WebhookSecrets: parseKeyValues(getEnv("WEBHOOK_SECRETS", "")),

		ArchiveEndpoint:  getEnv("ARCHIVE_S3_ENDPOINT", ""),
		ArchiveRegion:    getEnv("ARCHIVE_S3_REGION", "us-east-1"),
		ArchiveBucket:    getEnv("ARCHIVE_S3_BUCKET", ""),
		ArchiveAccessKey: getEnv("ARCHIVE_S3_ACCESS_KEY", ""),
		ArchiveSecretKey: getEnv("ARCHIVE_S3_SECRET_KEY", ""),
	}

	return cfg, nil
}

// Validate checks the fields the given service cannot run without.
func (c *Config) Validate(service string) error {
	if c.DatabaseURL == "" {
		return fmt.Errorf("%s: DATABASE_URL is required", service)
	}
	if c.SecretKey == "" {
		return fmt.Errorf("%s: SECRET_KEY is required", service)
	}
	if _, err := c.SecretKeyBytes(); err != nil {
		return fmt.Errorf("%s: %w", service, err)
	}
	return nil
}

// SecretKeyBytes decodes the hex secret key and checks its length.
func (c *Config) SecretKeyBytes() ([]byte, error) {
	key, err := hex.DecodeString(c.SecretKey)
	if err != nil {
		return nil, fmt.Errorf("SECRET_KEY must be hex: %w", err)
	}
	if len(key) != 32 {
		return nil, fmt.Errorf("SECRET_KEY must decode to 32 bytes, got %d", len(key))
	}
	return key, nil
}

// parseKeyValues parses "k1=v1,k2=v2" into a map. Malformed entries are
// dropped.
func parseKeyValues(s string) map[string]string {
	out := map[string]string{}
	for _, pair := range strings.Split(s, ",") {
		k, v, ok := strings.Cut(strings.TrimSpace(pair), "=")
		if !ok || k == "" || v == "" {
			continue
		}
		out[k] = v
	}
	return out
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
