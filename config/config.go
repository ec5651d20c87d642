// Package config loads the key-lifecycle settings from the environment
package config

import (
	"encoding/base64"
	"fmt"
	"io"
	"math"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v10"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"

	"github.com/root-sector-ltd-and-co-kg/key-lifecycle-module/types"
)

// Config holds all module configuration
type Config struct {
	LogLevel  string `env:"QNSF_LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"QNSF_LOG_FORMAT" envDefault:"json"` // json or console

	SeverityThreshold float64       `env:"QNSF_SEVERITY_THRESHOLD" envDefault:"0.85"`
	KeySize           int           `env:"QNSF_KEY_SIZE" envDefault:"32"`
	RotationTimeout   time.Duration `env:"QNSF_ROTATION_TIMEOUT" envDefault:"5s"`
	HistoryLimit      int           `env:"QNSF_HISTORY_LIMIT" envDefault:"128"`

	// Scheduled rotation is disabled while RotateAfter is zero
	RotateAfter       time.Duration `env:"QNSF_ROTATE_AFTER" envDefault:"0s"`
	SchedulerInterval time.Duration `env:"QNSF_SCHEDULER_INTERVAL" envDefault:"1m"`

	MongoURI        string `env:"QNSF_MONGO_URI"`
	MongoDatabase   string `env:"QNSF_MONGO_DATABASE" envDefault:"qnsf"`
	MongoCollection string `env:"QNSF_MONGO_COLLECTION" envDefault:"key_rotations"`
	MemoryStoreSize int    `env:"QNSF_MEMORY_STORE_SIZE" envDefault:"1024"`

	RedisAddr      string `env:"QNSF_REDIS_ADDR"`
	RedisPassword  string `env:"QNSF_REDIS_PASSWORD"`
	RedisDB        int    `env:"QNSF_REDIS_DB" envDefault:"0"`
	RedisStream    string `env:"QNSF_REDIS_STREAM" envDefault:"qnsf:events"`
	RedisStreamMax int64  `env:"QNSF_REDIS_STREAM_MAXLEN" envDefault:"0"`

	KMS KMSConfig

	// CredentialsKey decrypts ENC[...] KMS credentials, base64 encoded
	CredentialsKey string `env:"QNSF_CREDENTIALS_KEY"`
}

// KMSConfig selects the provider that seals rotated keys.
// Secret fields may be given in ENC[...] form.
type KMSConfig struct {
	Provider     string `env:"QNSF_KMS_PROVIDER"`
	KeyID        string `env:"QNSF_KMS_KEY_ID"`
	Region       string `env:"QNSF_KMS_REGION"`
	VaultAddress string `env:"QNSF_KMS_VAULT_ADDRESS"`
	VaultMount   string `env:"QNSF_KMS_VAULT_MOUNT"`
	AeadKey      string `env:"QNSF_KMS_AEAD_KEY"`

	AccessKeyID     string `env:"QNSF_KMS_AWS_ACCESS_KEY_ID"`
	SecretAccessKey string `env:"QNSF_KMS_AWS_SECRET_ACCESS_KEY"`
	SessionToken    string `env:"QNSF_KMS_AWS_SESSION_TOKEN"`
	TenantID        string `env:"QNSF_KMS_AZURE_TENANT_ID"`
	ClientID        string `env:"QNSF_KMS_AZURE_CLIENT_ID"`
	ClientSecret    string `env:"QNSF_KMS_AZURE_CLIENT_SECRET"`
	CredentialsJSON string `env:"QNSF_KMS_GCP_CREDENTIALS_JSON"`
	VaultToken      string `env:"QNSF_KMS_VAULT_TOKEN"`
}

// Load reads configuration from the environment, after a .env file if present
func Load() (*Config, error) {
	// .env is optional, for local development
	_ = godotenv.Load()

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse environment: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks ranges and cross-field requirements
func (c *Config) Validate() error {
	if _, err := zerolog.ParseLevel(strings.ToLower(c.LogLevel)); err != nil {
		return fmt.Errorf("invalid log level %q: %w", c.LogLevel, err)
	}
	if c.LogFormat != "json" && c.LogFormat != "console" {
		return fmt.Errorf("invalid log format %q: must be json or console", c.LogFormat)
	}
	if math.IsNaN(c.SeverityThreshold) || c.SeverityThreshold <= 0 || c.SeverityThreshold > 1 {
		return fmt.Errorf("severity threshold %v must be in (0, 1]", c.SeverityThreshold)
	}
	if c.KeySize < 32 {
		return fmt.Errorf("key size %d is below the 32 byte minimum", c.KeySize)
	}
	if c.RotationTimeout <= 0 {
		return fmt.Errorf("rotation timeout must be positive")
	}
	if c.HistoryLimit <= 0 {
		return fmt.Errorf("history limit must be positive")
	}
	if c.RotateAfter < 0 {
		return fmt.Errorf("rotate-after cannot be negative")
	}
	if c.RotateAfter > 0 && c.SchedulerInterval <= 0 {
		return fmt.Errorf("scheduler interval must be positive when rotate-after is set")
	}
	if c.RedisStreamMax < 0 {
		return fmt.Errorf("redis stream max length cannot be negative")
	}

	switch types.ProviderType(c.KMS.Provider) {
	case types.ProviderNone:
	case types.ProviderAead:
		if c.KMS.AeadKey == "" {
			return fmt.Errorf("QNSF_KMS_AEAD_KEY is required for the aead provider")
		}
	case types.ProviderAWS, types.ProviderAzure, types.ProviderGCP, types.ProviderVault:
		if c.KMS.KeyID == "" {
			return fmt.Errorf("QNSF_KMS_KEY_ID is required for the %s provider", c.KMS.Provider)
		}
	default:
		return fmt.Errorf("unsupported KMS provider %q", c.KMS.Provider)
	}

	if c.CredentialsKey != "" {
		if _, err := c.CredentialsKeyBytes(); err != nil {
			return err
		}
	}
	return nil
}

// CredentialsKeyBytes decodes CredentialsKey
func (c *Config) CredentialsKeyBytes() ([]byte, error) {
	key, err := base64.StdEncoding.DecodeString(c.CredentialsKey)
	if err != nil {
		return nil, fmt.Errorf("invalid QNSF_CREDENTIALS_KEY: %w", err)
	}
	return key, nil
}

// KMSSettings converts the KMS section into the provider settings type.
// It returns nil when no provider is configured.
func (c *Config) KMSSettings() *types.KMSConfig {
	if c.KMS.Provider == "" {
		return nil
	}
	k := c.KMS
	out := &types.KMSConfig{
		Provider:      types.ProviderType(k.Provider),
		KeyID:         k.KeyID,
		Region:        k.Region,
		VaultAddress:  k.VaultAddress,
		VaultMount:    k.VaultMount,
		AeadKeyBase64: k.AeadKey,
	}
	creds := types.KMSCredentials{
		AccessKeyID:     k.AccessKeyID,
		SecretAccessKey: k.SecretAccessKey,
		SessionToken:    k.SessionToken,
		TenantID:        k.TenantID,
		ClientID:        k.ClientID,
		ClientSecret:    k.ClientSecret,
		CredentialsJSON: k.CredentialsJSON,
		Token:           k.VaultToken,
	}
	if creds != (types.KMSCredentials{}) {
		out.Credentials = &creds
	}
	return out
}

// NewLogger builds the root zerolog logger for cfg, writing to stdout
func NewLogger(cfg *Config) zerolog.Logger {
	return newLogger(cfg, os.Stdout)
}

func newLogger(cfg *Config, w io.Writer) zerolog.Logger {
	level, err := zerolog.ParseLevel(strings.ToLower(cfg.LogLevel))
	if err != nil {
		level = zerolog.InfoLevel
	}
	if cfg.LogFormat == "console" {
		w = zerolog.ConsoleWriter{Out: w, TimeFormat: time.RFC3339}
	}
	return zerolog.New(w).Level(level).With().Timestamp().Str("service", "qnsf-keys").Logger()
}
