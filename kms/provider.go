// Package kms provides the KMS providers used to seal rotated key material
package kms

import (
	"bytes"
	"context"
	"encoding/base64"
	"fmt"
	"os"
	"strings"
	"sync"

	wrapping "github.com/hashicorp/go-kms-wrapping/v2"
	kmsaead "github.com/hashicorp/go-kms-wrapping/v2/aead"
	awskms "github.com/hashicorp/go-kms-wrapping/wrappers/awskms/v2"
	azurekeyvault "github.com/hashicorp/go-kms-wrapping/wrappers/azurekeyvault/v2"
	gcpckms "github.com/hashicorp/go-kms-wrapping/wrappers/gcpckms/v2"
	transit "github.com/hashicorp/go-kms-wrapping/wrappers/transit/v2"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/root-sector-ltd-and-co-kg/key-lifecycle-module/types"
)

// provider implements the Provider interface
type provider struct {
	wrapper         wrapping.Wrapper
	mu              sync.Mutex
	lastHealthCheck error
}

// NewProvider creates a new KMS provider based on the configuration
func NewProvider(ctx context.Context, config Config, logger zerolog.Logger) (Provider, error) {
	if logger.GetLevel() == zerolog.Disabled {
		logger = log.Logger
	}
	logger = logger.With().Str("component", "kms").Str("provider", string(config.Type)).Logger()

	var wrapper wrapping.Wrapper
	var err error
	var keyID, location string

	logger.Debug().Msg("Initializing KMS provider")

	switch config.Type {
	case types.ProviderAead:
		keyID, location = config.AeadKeyID, "local"
		wrapper, err = createAeadWrapper(ctx, config.AeadKeyBase64, config.AeadKeyID)
	case types.ProviderAWS:
		if config.AWS == nil {
			return nil, fmt.Errorf("AWS configuration is missing for provider type %s", config.Type)
		}
		keyID, location = config.AWS.KeyID, config.AWS.Region
		if err = validateAWSConfig(*config.AWS); err != nil {
			return nil, fmt.Errorf("invalid AWS KMS configuration: %w", err)
		}
		wrapper, err = configure(ctx, awskms.NewWrapper(), awsConfigMap(*config.AWS))
	case types.ProviderAzure:
		if config.Azure == nil {
			return nil, fmt.Errorf("azure configuration is missing for provider type %s", config.Type)
		}
		keyID, location = config.Azure.KeyID, config.Azure.VaultAddress
		if err = validateAzureConfig(*config.Azure); err != nil {
			return nil, fmt.Errorf("invalid Azure Key Vault configuration: %w", err)
		}
		wrapper, err = configure(ctx, azurekeyvault.NewWrapper(), azureConfigMap(*config.Azure))
	case types.ProviderGCP:
		if config.GCP == nil {
			return nil, fmt.Errorf("GCP configuration is missing for provider type %s", config.Type)
		}
		keyID = config.GCP.ResourceName
		if err = validateGCPConfig(*config.GCP); err != nil {
			return nil, fmt.Errorf("invalid GCP KMS configuration: %w", err)
		}
		location = strings.Split(config.GCP.ResourceName, "/")[3]
		wrapper, err = createGCPWrapper(ctx, *config.GCP, logger)
	case types.ProviderVault:
		if config.Vault == nil {
			return nil, fmt.Errorf("vault configuration is missing for provider type %s", config.Type)
		}
		keyID, location = config.Vault.KeyID, config.Vault.VaultAddress
		if err = validateVaultConfig(*config.Vault); err != nil {
			return nil, fmt.Errorf("invalid Vault configuration: %w", err)
		}
		wrapper, err = configure(ctx, transit.NewWrapper(), vaultConfigMap(*config.Vault))
	default:
		return nil, fmt.Errorf("unsupported KMS provider type: %q", config.Type)
	}

	if err != nil {
		logger.Error().Err(err).Msg("Failed to create KMS provider wrapper")
		return nil, fmt.Errorf("failed to create wrapper: %w", err)
	}

	logger.Info().
		Str("keyIdentifier", keyID).
		Str("locationContext", location).
		Msg("KMS provider initialized successfully")

	return &provider{wrapper: wrapper}, nil
}

// NewProviderFromWrapper wraps an already configured wrapper
func NewProviderFromWrapper(wrapper wrapping.Wrapper) Provider {
	return &provider{wrapper: wrapper}
}

// GetWrapper returns the underlying KMS wrapper
func (p *provider) GetWrapper() wrapping.Wrapper {
	return p.wrapper
}

// HealthCheck round-trips a probe value through the wrapper
func (p *provider) HealthCheck(ctx context.Context) error {
	err := p.test(ctx)
	if err != nil {
		err = fmt.Errorf("KMS provider health check failed: %w", err)
	}

	p.mu.Lock()
	p.lastHealthCheck = err
	p.mu.Unlock()
	return err
}

// GetLastHealthCheckError returns the last health check error if any
func (p *provider) GetLastHealthCheckError() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lastHealthCheck
}

func (p *provider) test(ctx context.Context) error {
	if p.wrapper == nil {
		return fmt.Errorf("wrapper not initialized")
	}

	probe := []byte("qnsf-health-probe")
	encrypted, err := p.wrapper.Encrypt(ctx, probe)
	if err != nil {
		return fmt.Errorf("encryption test failed: %w", err)
	}
	decrypted, err := p.wrapper.Decrypt(ctx, encrypted)
	if err != nil {
		return fmt.Errorf("decryption test failed: %w", err)
	}
	if !bytes.Equal(decrypted, probe) {
		return fmt.Errorf("decrypted data does not match original")
	}
	return nil
}

func configure(ctx context.Context, wrapper wrapping.Wrapper, configMap map[string]string) (wrapping.Wrapper, error) {
	if _, err := wrapper.SetConfig(ctx, wrapping.WithConfigMap(configMap)); err != nil {
		return nil, err
	}
	return wrapper, nil
}

func createAeadWrapper(ctx context.Context, keyBase64, keyID string) (wrapping.Wrapper, error) {
	if keyBase64 == "" {
		return nil, fmt.Errorf("AEAD provider requires a base64 key")
	}
	key, err := base64.StdEncoding.DecodeString(keyBase64)
	if err != nil {
		return nil, fmt.Errorf("failed to decode AEAD key: %w", err)
	}
	if len(key) != 32 {
		return nil, fmt.Errorf("decoded AEAD key must be 32 bytes for AES-256-GCM, got %d", len(key))
	}

	wrapper := kmsaead.NewWrapper()
	opts := []wrapping.Option{kmsaead.WithKey(key)}
	if keyID != "" {
		opts = append(opts, wrapping.WithKeyId(keyID))
	}
	if _, err := wrapper.SetConfig(ctx, opts...); err != nil {
		return nil, fmt.Errorf("failed to configure AEAD wrapper: %w", err)
	}
	return wrapper, nil
}

// validateAWSConfig validates AWS KMS configuration
func validateAWSConfig(awsConfig AWSConfig) error {
	if awsConfig.KeyID == "" {
		return fmt.Errorf("key ID (ARN) is required")
	}
	if awsConfig.Region == "" {
		return fmt.Errorf("region is required")
	}
	if awsConfig.Credentials != nil {
		_, hasAccessKey := awsConfig.Credentials["accessKeyId"].(string)
		_, hasSecretKey := awsConfig.Credentials["secretAccessKey"].(string)
		if hasAccessKey != hasSecretKey {
			return fmt.Errorf("both accessKeyId and secretAccessKey must be provided if using credentials")
		}
	}
	return nil
}

// validateAzureConfig validates Azure Key Vault configuration
func validateAzureConfig(azureConfig AzureConfig) error {
	if azureConfig.KeyID == "" {
		return fmt.Errorf("key ID (URL) is required")
	}
	if !strings.HasPrefix(azureConfig.VaultAddress, "https://") || !strings.Contains(azureConfig.VaultAddress, ".vault.azure.net") {
		return fmt.Errorf("vault address must be a valid Azure Key Vault URL (e.g., https://myvault.vault.azure.net)")
	}
	if azureConfig.Credentials != nil {
		for _, field := range []string{"tenantId", "clientId", "clientSecret"} {
			if val, ok := azureConfig.Credentials[field].(string); !ok || val == "" {
				return fmt.Errorf("%s is required in credentials and cannot be empty", field)
			}
		}
	}
	return nil
}

// validateGCPConfig validates GCP KMS configuration
func validateGCPConfig(gcpConfig GCPConfig) error {
	if gcpConfig.ResourceName == "" {
		return fmt.Errorf("resource name is required")
	}
	parts := strings.Split(gcpConfig.ResourceName, "/")
	if len(parts) != 8 || parts[0] != "projects" || parts[2] != "locations" || parts[4] != "keyRings" || parts[6] != "cryptoKeys" {
		return fmt.Errorf("invalid resource name format. Expected: projects/{project}/locations/{location}/keyRings/{keyRing}/cryptoKeys/{cryptoKey}")
	}
	if parts[1] == "" || parts[3] == "" || parts[5] == "" || parts[7] == "" {
		return fmt.Errorf("project, location, keyRing, and cryptoKey components in resource name cannot be empty")
	}
	if gcpConfig.Credentials != nil {
		if credsJSON, ok := gcpConfig.Credentials["credentialsJson"].(string); !ok || credsJSON == "" {
			return fmt.Errorf("credentialsJson is required in credentials map and cannot be empty")
		}
	}
	return nil
}

// validateVaultConfig validates HashiCorp Vault configuration
func validateVaultConfig(vaultConfig VaultConfig) error {
	if vaultConfig.KeyID == "" {
		return fmt.Errorf("key ID (key name) is required")
	}
	if vaultConfig.VaultAddress == "" {
		return fmt.Errorf("vault address is required")
	}
	if vaultConfig.Credentials != nil {
		if token, ok := vaultConfig.Credentials["token"].(string); !ok || token == "" {
			return fmt.Errorf("token is required in credentials map and cannot be empty")
		}
	}
	return nil
}

func awsConfigMap(cfg AWSConfig) map[string]string {
	configMap := map[string]string{
		"kms_key_id": cfg.KeyID,
		"region":     cfg.Region,
	}
	copyCredential(configMap, cfg.Credentials, "accessKeyId", "access_key")
	copyCredential(configMap, cfg.Credentials, "secretAccessKey", "secret_key")
	copyCredential(configMap, cfg.Credentials, "sessionToken", "session_token")
	return configMap
}

func azureConfigMap(cfg AzureConfig) map[string]string {
	// KeyID looks like https://myvault.vault.azure.net/keys/mykey/version
	keyName := cfg.KeyID
	keyVersion := ""
	parts := strings.Split(cfg.KeyID, "/")
	if len(parts) >= 5 && parts[3] == "keys" {
		keyName = parts[4]
		if len(parts) >= 6 {
			keyVersion = parts[5]
		}
	}
	vaultName := strings.Split(strings.TrimPrefix(cfg.VaultAddress, "https://"), ".")[0]

	configMap := map[string]string{
		"key_name":   keyName,
		"vault_name": vaultName,
		"vault_url":  cfg.VaultAddress,
	}
	if keyVersion != "" {
		configMap["key_version"] = keyVersion
	}
	copyCredential(configMap, cfg.Credentials, "tenantId", "tenant_id")
	copyCredential(configMap, cfg.Credentials, "clientId", "client_id")
	copyCredential(configMap, cfg.Credentials, "clientSecret", "client_secret")
	return configMap
}

func vaultConfigMap(cfg VaultConfig) map[string]string {
	configMap := map[string]string{
		"address":  cfg.VaultAddress,
		"key_name": cfg.KeyID,
	}
	if cfg.VaultMount != "" {
		configMap["mount_path"] = cfg.VaultMount
	}
	copyCredential(configMap, cfg.Credentials, "token", "token")
	return configMap
}

func copyCredential(dst map[string]string, creds map[string]interface{}, from, to string) {
	if creds == nil {
		return
	}
	if v, ok := creds[from].(string); ok && v != "" {
		dst[to] = v
	}
}

// createGCPWrapper creates a Google Cloud KMS wrapper.
// Inline credentials are written to a temporary file for the library and removed afterwards.
func createGCPWrapper(ctx context.Context, gcpConfig GCPConfig, logger zerolog.Logger) (wrapping.Wrapper, error) {
	parts := strings.Split(gcpConfig.ResourceName, "/")
	configMap := map[string]string{
		"project":    parts[1],
		"region":     parts[3],
		"key_ring":   parts[5],
		"crypto_key": parts[7],
	}

	if credsJSON, ok := gcpConfig.Credentials["credentialsJson"].(string); ok && credsJSON != "" {
		tempFile, err := os.CreateTemp("", "gcp-creds-*.json")
		if err != nil {
			return nil, fmt.Errorf("failed to create temporary credentials file: %w", err)
		}
		defer func() {
			if errRemove := os.Remove(tempFile.Name()); errRemove != nil {
				logger.Error().Err(errRemove).Str("filePath", tempFile.Name()).Msg("Failed to remove temporary credentials file")
			}
		}()

		if _, err := tempFile.WriteString(credsJSON); err != nil {
			_ = tempFile.Close()
			return nil, fmt.Errorf("failed to write credentials to temporary file: %w", err)
		}
		if err := tempFile.Close(); err != nil {
			logger.Error().Err(err).Str("filePath", tempFile.Name()).Msg("Failed to close temporary credentials file")
		}
		configMap["credentials"] = tempFile.Name()
	} else {
		logger.Info().Msg("GCP credentials not provided in config, relying on Application Default Credentials (ADC)")
	}

	return configure(ctx, gcpckms.NewWrapper(), configMap)
}
