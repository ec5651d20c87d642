package types

// ProviderType represents the type of KMS provider used to seal rotated keys
type ProviderType string

const (
	ProviderNone  ProviderType = ""
	ProviderAead  ProviderType = "aead"
	ProviderAWS   ProviderType = "aws"
	ProviderAzure ProviderType = "azure"
	ProviderGCP   ProviderType = "gcp"
	ProviderVault ProviderType = "vault"
)

// KMSCredentials represents KMS provider credentials.
// Values may be stored encrypted (ENC[...]) and are decrypted by kms/credentials.
type KMSCredentials struct {
	// AWS credentials
	AccessKeyID     string `json:"accessKeyId,omitempty" bson:"accessKeyId,omitempty"`
	SecretAccessKey string `json:"secretAccessKey,omitempty" bson:"secretAccessKey,omitempty"`
	SessionToken    string `json:"sessionToken,omitempty" bson:"sessionToken,omitempty"`

	// Azure credentials
	TenantID     string `json:"tenantId,omitempty" bson:"tenantId,omitempty"`
	ClientID     string `json:"clientId,omitempty" bson:"clientId,omitempty"`
	ClientSecret string `json:"clientSecret,omitempty" bson:"clientSecret,omitempty"`

	// GCP credentials
	CredentialsJSON string `json:"credentialsJson,omitempty" bson:"credentialsJson,omitempty"`

	// Vault credentials
	Token string `json:"token,omitempty" bson:"token,omitempty"`
}

// KMSConfig selects and configures the provider that seals rotated keys
type KMSConfig struct {
	Provider      ProviderType    `json:"provider" bson:"provider"`
	KeyID         string          `json:"keyId" bson:"keyId"`
	Region        string          `json:"region,omitempty" bson:"region,omitempty"`
	VaultAddress  string          `json:"vaultAddress,omitempty" bson:"vaultAddress,omitempty"`
	VaultMount    string          `json:"vaultMount,omitempty" bson:"vaultMount,omitempty"`
	AeadKeyBase64 string          `json:"-" bson:"-"`
	Credentials   *KMSCredentials `json:"credentials,omitempty" bson:"credentials,omitempty"`
}
