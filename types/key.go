package types

import (
	"time"

	wrapping "github.com/hashicorp/go-kms-wrapping/v2"
)

// PreviewLength is the number of hex characters of a key exposed by a preview
const PreviewLength = 8

// RotationStatus represents the outcome of a rotation
type RotationStatus string

const (
	RotationStatusRotated RotationStatus = "rotated"
	RotationStatusFailed  RotationStatus = "failed"
)

// RotationReason describes why a rotation was requested.
// Callers may pass their own values; these are the ones the core emits.
type RotationReason string

const (
	ReasonHighSeverityEvent RotationReason = "high_severity_event"
	ReasonManual            RotationReason = "manual"
	ReasonScheduled         RotationReason = "scheduled"
)

// RotationRecord is the receipt for a single rotation call
type RotationRecord struct {
	ID         string         `json:"id" bson:"_id"`
	Status     RotationStatus `json:"status" bson:"status"`
	KeyPreview string         `json:"keyPreview,omitempty" bson:"keyPreview,omitempty"`
	Reason     RotationReason `json:"reason" bson:"reason"`
	Generation uint64         `json:"generation" bson:"generation"`
	Timestamp  time.Time      `json:"timestamp" bson:"timestamp"`
	Error      string         `json:"error,omitempty" bson:"error,omitempty"`
}

// Rotated reports whether the record describes a successful rotation
func (r RotationRecord) Rotated() bool {
	switch r.Status {
	case RotationStatusRotated:
		return true
	case RotationStatusFailed:
		return false
	default:
		return false
	}
}

// RotationEntry is the persisted form of a successful rotation.
// SealedKey is only set when a KMS provider is configured; the raw key is never stored.
// Epoch identifies the manager instance that wrote it, since generations restart at 0.
type RotationEntry struct {
	Epoch     string             `json:"epoch" bson:"epoch"`
	Record    RotationRecord     `json:"record" bson:"record"`
	SealedKey *wrapping.BlobInfo `json:"sealedKey,omitempty" bson:"sealedKey,omitempty"`
	CreatedAt time.Time          `json:"createdAt" bson:"createdAt"`
}

// KeyStatus summarizes the current key without exposing it
type KeyStatus struct {
	Epoch        string    `json:"epoch" bson:"epoch"`
	Generation   uint64    `json:"generation" bson:"generation"`
	Preview      string    `json:"preview" bson:"preview"`
	CreatedAt    time.Time `json:"createdAt" bson:"createdAt"`
	LastRotation time.Time `json:"lastRotation" bson:"lastRotation"`
	Rotations    int       `json:"rotations" bson:"rotations"`
	NeedsRotate  bool      `json:"needsRotate" bson:"needsRotate"`
}
