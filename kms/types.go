package kms

import (
	"github.com/root-sector-ltd-and-co-kg/key-lifecycle-module/interfaces"
	"github.com/root-sector-ltd-and-co-kg/key-lifecycle-module/types"
)

// Provider is the sealing provider used by the key manager
type Provider = interfaces.KMSProvider

// Config represents the internal KMS provider configuration.
// Exactly one of the provider sections is set, matching Type.
type Config struct {
	Type  types.ProviderType `json:"type" bson:"type"`
	AWS   *AWSConfig         `json:"aws,omitempty" bson:"aws,omitempty"`
	Azure *AzureConfig       `json:"azure,omitempty" bson:"azure,omitempty"`
	GCP   *GCPConfig         `json:"gcp,omitempty" bson:"gcp,omitempty"`
	Vault *VaultConfig       `json:"vault,omitempty" bson:"vault,omitempty"`

	// AEAD keeps the sealing key in process memory; intended for development and tests
	AeadKeyBase64 string `json:"-" bson:"-"`
	AeadKeyID     string `json:"aeadKeyId,omitempty" bson:"aeadKeyId,omitempty"`
}

// AWSConfig configures the AWS KMS wrapper
type AWSConfig struct {
	KeyID       string                 `json:"keyId" bson:"keyId"`
	Region      string                 `json:"region" bson:"region"`
	Credentials map[string]interface{} `json:"credentials,omitempty" bson:"credentials,omitempty"`
}

// AzureConfig configures the Azure Key Vault wrapper
type AzureConfig struct {
	KeyID        string                 `json:"keyId" bson:"keyId"`
	VaultAddress string                 `json:"vaultAddress" bson:"vaultAddress"`
	Credentials  map[string]interface{} `json:"credentials,omitempty" bson:"credentials,omitempty"`
}

// GCPConfig configures the Google Cloud KMS wrapper
type GCPConfig struct {
	// ResourceName is projects/{project}/locations/{location}/keyRings/{keyRing}/cryptoKeys/{cryptoKey}
	ResourceName string                 `json:"resourceName" bson:"resourceName"`
	Credentials  map[string]interface{} `json:"credentials,omitempty" bson:"credentials,omitempty"`
}

// VaultConfig configures the Vault Transit wrapper
type VaultConfig struct {
	KeyID        string                 `json:"keyId" bson:"keyId"`
	VaultAddress string                 `json:"vaultAddress" bson:"vaultAddress"`
	VaultMount   string                 `json:"vaultMount,omitempty" bson:"vaultMount,omitempty"`
	Credentials  map[string]interface{} `json:"credentials,omitempty" bson:"credentials,omitempty"`
}

// ToConfig converts the public KMS settings into a provider Config.
// Credentials must already be decrypted.
func ToConfig(cfg *types.KMSConfig) Config {
	if cfg == nil {
		return Config{}
	}

	out := Config{Type: cfg.Provider}
	creds := cfg.Credentials

	switch cfg.Provider {
	case types.ProviderAead:
		out.AeadKeyBase64 = cfg.AeadKeyBase64
		out.AeadKeyID = cfg.KeyID
	case types.ProviderAWS:
		out.AWS = &AWSConfig{KeyID: cfg.KeyID, Region: cfg.Region}
		if creds != nil {
			out.AWS.Credentials = compact(map[string]interface{}{
				"accessKeyId":     creds.AccessKeyID,
				"secretAccessKey": creds.SecretAccessKey,
				"sessionToken":    creds.SessionToken,
			})
		}
	case types.ProviderAzure:
		out.Azure = &AzureConfig{KeyID: cfg.KeyID, VaultAddress: cfg.VaultAddress}
		if creds != nil {
			out.Azure.Credentials = compact(map[string]interface{}{
				"tenantId":     creds.TenantID,
				"clientId":     creds.ClientID,
				"clientSecret": creds.ClientSecret,
			})
		}
	case types.ProviderGCP:
		out.GCP = &GCPConfig{ResourceName: cfg.KeyID}
		if creds != nil {
			out.GCP.Credentials = compact(map[string]interface{}{
				"credentialsJson": creds.CredentialsJSON,
			})
		}
	case types.ProviderVault:
		out.Vault = &VaultConfig{KeyID: cfg.KeyID, VaultAddress: cfg.VaultAddress, VaultMount: cfg.VaultMount}
		if creds != nil {
			out.Vault.Credentials = compact(map[string]interface{}{
				"token": creds.Token,
			})
		}
	}
	return out
}

// compact drops empty string values; an all-empty map becomes nil
func compact(m map[string]interface{}) map[string]interface{} {
	for k, v := range m {
		if s, ok := v.(string); ok && s == "" {
			delete(m, k)
		}
	}
	if len(m) == 0 {
		return nil
	}
	return m
}
