// Package interfaces defines all service interfaces for the module.
// IMPORTANT: This is the single source of truth for service interfaces.
// Do not define interfaces in other files.
package interfaces

import (
	"context"

	wrapping "github.com/hashicorp/go-kms-wrapping/v2"
	"github.com/root-sector-ltd-and-co-kg/key-lifecycle-module/types"
)

// Entropy Interfaces
// EntropySource produces cryptographically secure random bytes
type EntropySource interface {
	// Generate returns exactly n random bytes or fails with types.ErrEntropyUnavailable.
	// It must return when ctx is done.
	Generate(ctx context.Context, n int) ([]byte, error)
}

// Key Lifecycle Interfaces
// Rotator is the narrow view of the key manager used by the trigger policy
type Rotator interface {
	Rotate(ctx context.Context, reason types.RotationReason) (types.RotationRecord, error)
}

// KeyManager owns the current key material and its rotation history
type KeyManager interface {
	Rotator

	// PreviewCurrent returns the first types.PreviewLength hex characters of the current key
	PreviewCurrent() string

	// Generation returns the generation of the current key
	Generation() uint64

	// History returns the retained rotation records, oldest first
	History() []types.RotationRecord

	// Status summarizes the current key
	Status() types.KeyStatus

	// RotateIfDue rotates only when the key has reached its maximum age,
	// checked atomically with the rotation. It returns nil, nil when not due.
	RotateIfDue(ctx context.Context, reason types.RotationReason) (*types.RotationRecord, error)
}

// External collaborator contracts (risk / memory subsystem)
// EventStore ingests one event for later risk computation
type EventStore interface {
	StoreEvent(ctx context.Context, event types.Event) error
}

// RiskIndexer derives the current long-range risk index in [0, 1]
type RiskIndexer interface {
	ComputeRiskIndex(ctx context.Context) (float64, error)
}

// StrategyProposer returns an evolved variant of an algorithm descriptor
type StrategyProposer interface {
	ProposeEvolvedStrategy(ctx context.Context, descriptor string) (string, error)
}

// RiskOracle is the complete external risk/memory subsystem
type RiskOracle interface {
	EventStore
	RiskIndexer
	StrategyProposer
}

// Store Interfaces
// RotationStore persists rotation history
type RotationStore interface {
	// SaveRotation stores a rotation entry
	SaveRotation(ctx context.Context, entry *types.RotationEntry) error

	// LatestRotation returns the most recently written entry or types.ErrNotFound
	LatestRotation(ctx context.Context) (*types.RotationEntry, error)

	// ListRotations returns up to limit entries, newest first. limit <= 0 means all.
	ListRotations(ctx context.Context, limit int) ([]*types.RotationEntry, error)
}

// KMS Interfaces
// KMSProvider seals key material before it leaves the manager
type KMSProvider interface {
	// GetWrapper returns the underlying KMS wrapper
	GetWrapper() wrapping.Wrapper

	// HealthCheck performs an encrypt/decrypt round trip
	HealthCheck(ctx context.Context) error

	// GetLastHealthCheckError returns the last health check error
	GetLastHealthCheckError() error
}

// SymmetricEncryptor defines the interface for encrypting KMS credential values
type SymmetricEncryptor interface {
	// Encrypt encrypts a KMS credential value
	Encrypt(data string) (string, error)
	// Decrypt decrypts a KMS credential value
	Decrypt(data string) (string, error)
}

// Audit Interfaces
// AuditLogger defines the interface for audit logging
type AuditLogger interface {
	// LogEvent logs an audit event
	LogEvent(ctx context.Context, event *types.AuditEvent) error

	// GetEvents retrieves audit events based on filters
	GetEvents(ctx context.Context, filters map[string]interface{}) ([]*types.AuditEvent, error)
}
