// Package credentials protects the KMS credentials carried in configuration
package credentials

import (
	"fmt"

	"github.com/root-sector-ltd-and-co-kg/key-lifecycle-module/interfaces"
	"github.com/root-sector-ltd-and-co-kg/key-lifecycle-module/kms/credentials/symmetric"
	"github.com/root-sector-ltd-and-co-kg/key-lifecycle-module/types"
)

// MaskedValue replaces secrets in anything meant for display
const MaskedValue = "[MASKED]"

// Manager encrypts and decrypts the secret fields of a KMS configuration
type Manager struct {
	encryptor interfaces.SymmetricEncryptor
}

// NewManager creates a credential manager keyed by encryptionKey (at least 32 bytes)
func NewManager(encryptionKey []byte) (*Manager, error) {
	encryptor, err := symmetric.NewEncryption(encryptionKey)
	if err != nil {
		return nil, fmt.Errorf("failed to create credential encryptor: %w", err)
	}
	return &Manager{encryptor: encryptor}, nil
}

// secretFields lists the credential fields relevant to the provider
func secretFields(provider types.ProviderType, c *types.KMSCredentials) map[string]*string {
	switch provider {
	case types.ProviderAWS:
		return map[string]*string{
			"AWS access key":    &c.AccessKeyID,
			"AWS secret key":    &c.SecretAccessKey,
			"AWS session token": &c.SessionToken,
		}
	case types.ProviderAzure:
		return map[string]*string{
			"Azure tenant ID":     &c.TenantID,
			"Azure client ID":     &c.ClientID,
			"Azure client secret": &c.ClientSecret,
		}
	case types.ProviderGCP:
		return map[string]*string{"GCP credentials JSON": &c.CredentialsJSON}
	case types.ProviderVault:
		return map[string]*string{"Vault token": &c.Token}
	default:
		return nil
	}
}

// EncryptCredentials encrypts the provider's secret fields in place.
// Empty and masked values are left untouched.
func (m *Manager) EncryptCredentials(config *types.KMSConfig) error {
	return m.transform(config, "encrypt", m.encryptor.Encrypt)
}

// DecryptCredentials decrypts the provider's secret fields in place
func (m *Manager) DecryptCredentials(config *types.KMSConfig) error {
	return m.transform(config, "decrypt", m.encryptor.Decrypt)
}

func (m *Manager) transform(config *types.KMSConfig, verb string, fn func(string) (string, error)) error {
	if config == nil || config.Credentials == nil {
		return nil
	}

	// Work on a copy so a failure leaves config untouched
	creds := *config.Credentials
	for name, field := range secretFields(config.Provider, &creds) {
		if *field == "" || *field == MaskedValue {
			continue
		}
		out, err := fn(*field)
		if err != nil {
			return fmt.Errorf("failed to %s %s: %w", verb, name, err)
		}
		*field = out
	}
	config.Credentials = &creds
	return nil
}

// Mask returns a copy of creds with every non-empty secret replaced by MaskedValue
func Mask(creds *types.KMSCredentials) *types.KMSCredentials {
	if creds == nil {
		return nil
	}
	masked := *creds
	for _, field := range []*string{
		&masked.AccessKeyID, &masked.SecretAccessKey, &masked.SessionToken,
		&masked.TenantID, &masked.ClientID, &masked.ClientSecret,
		&masked.CredentialsJSON, &masked.Token,
	} {
		if *field != "" {
			*field = MaskedValue
		}
	}
	return &masked
}
