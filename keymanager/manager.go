// Package keymanager owns the active key material and its rotation history.
//
// The full key never leaves a Manager: callers only see previews, rotation
// records and, when a KMS provider is configured, sealed blobs written to the
// rotation store for downstream propagation.
package keymanager

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	wrapping "github.com/hashicorp/go-kms-wrapping/v2"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/root-sector-ltd-and-co-kg/key-lifecycle-module/audit"
	"github.com/root-sector-ltd-and-co-kg/key-lifecycle-module/interfaces"
	"github.com/root-sector-ltd-and-co-kg/key-lifecycle-module/metrics"
	"github.com/root-sector-ltd-and-co-kg/key-lifecycle-module/types"
)

const (
	// MinKeySize is the smallest accepted key, 256 bits
	MinKeySize = 32

	// DefaultKeySize is the size of generated keys in bytes
	DefaultKeySize = 32

	// DefaultRotationTimeout bounds a whole rotation: generation, sealing and persistence
	DefaultRotationTimeout = 5 * time.Second

	// DefaultHistoryLimit is the number of rotation records retained in memory
	DefaultHistoryLimit = 128

	// reasonInitial marks the persisted entry of the generation 0 key
	reasonInitial types.RotationReason = "initial"
)

// keyMaterial is the current key. It is only ever touched under Manager.mu.
type keyMaterial struct {
	raw        *types.SecureBytes
	preview    string
	createdAt  time.Time
	generation uint64
}

// Manager implements interfaces.KeyManager
type Manager struct {
	source       interfaces.EntropySource
	sealer       interfaces.KMSProvider
	store        interfaces.RotationStore
	auditLogger  interfaces.AuditLogger
	metrics      *metrics.Metrics
	logger       zerolog.Logger
	now          func() time.Time
	keySize      int
	timeout      time.Duration
	historyLimit int
	rotateAfter  time.Duration
	epoch        string

	mu           sync.RWMutex
	current      *keyMaterial
	history      []types.RotationRecord
	lastRotation time.Time
	rotations    int
	initialized  bool
}

var _ interfaces.KeyManager = (*Manager)(nil)

// Option configures a Manager
type Option func(*Manager)

// WithKeySize sets the generated key size in bytes (minimum MinKeySize)
func WithKeySize(n int) Option {
	return func(m *Manager) { m.keySize = n }
}

// WithRotationTimeout bounds each rotation, including sealing and persistence
func WithRotationTimeout(d time.Duration) Option {
	return func(m *Manager) { m.timeout = d }
}

// WithHistoryLimit sets how many rotation records are retained in memory
func WithHistoryLimit(n int) Option {
	return func(m *Manager) { m.historyLimit = n }
}

// WithRotateAfter sets the key age after which Status reports NeedsRotate
func WithRotateAfter(d time.Duration) Option {
	return func(m *Manager) { m.rotateAfter = d }
}

// WithSealer seals key material with a KMS provider before it is persisted
func WithSealer(p interfaces.KMSProvider) Option {
	return func(m *Manager) { m.sealer = p }
}

// WithStore persists every generated key's rotation entry
func WithStore(s interfaces.RotationStore) Option {
	return func(m *Manager) { m.store = s }
}

// WithAuditLogger sets the audit logger
func WithAuditLogger(l interfaces.AuditLogger) Option {
	return func(m *Manager) { m.auditLogger = l }
}

// WithMetrics sets the Prometheus metrics
func WithMetrics(mt *metrics.Metrics) Option {
	return func(m *Manager) { m.metrics = mt }
}

// WithLogger sets the operational logger
func WithLogger(l zerolog.Logger) Option {
	return func(m *Manager) { m.logger = l }
}

// WithClock overrides the time source
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// New creates a manager and initializes its first key (generation 0)
func New(ctx context.Context, source interfaces.EntropySource, opts ...Option) (*Manager, error) {
	if source == nil {
		return nil, fmt.Errorf("entropy source is required for keymanager.New")
	}

	m := &Manager{
		source:       source,
		logger:       log.Logger,
		now:          func() time.Time { return time.Now().UTC() },
		keySize:      DefaultKeySize,
		timeout:      DefaultRotationTimeout,
		historyLimit: DefaultHistoryLimit,
		epoch:        uuid.New().String(),
	}
	for _, opt := range opts {
		opt(m)
	}

	if m.keySize < MinKeySize {
		return nil, fmt.Errorf("key size %d is below the %d byte minimum", m.keySize, MinKeySize)
	}
	if m.timeout <= 0 {
		return nil, fmt.Errorf("rotation timeout must be positive")
	}
	if m.historyLimit <= 0 {
		m.historyLimit = DefaultHistoryLimit
	}
	m.logger = m.logger.With().Str("component", "keymanager").Str("epoch", m.epoch).Logger()

	if err := m.Initialize(ctx); err != nil {
		return nil, err
	}
	return m, nil
}

// Initialize generates the generation 0 key.
// It runs once from New; any further call returns types.ErrAlreadyInitialized.
func (m *Manager) Initialize(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.initialized {
		return types.ErrAlreadyInitialized
	}

	opCtx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()

	material, err := m.generate(opCtx, 0)
	if err != nil {
		err = m.timedOut(opCtx, err)
		m.audit(ctx, audit.EventTypeKeyInitialize, audit.OperationInitialize, audit.StatusFailed, 0, map[string]string{
			string(audit.KeyError): err.Error(),
		})
		return fmt.Errorf("failed to initialize key manager: %w", err)
	}

	record := types.RotationRecord{
		ID:         uuid.New().String(),
		Status:     types.RotationStatusRotated,
		KeyPreview: material.preview,
		Reason:     reasonInitial,
		Generation: 0,
		Timestamp:  material.createdAt,
	}
	if err := m.persist(opCtx, material, record); err != nil {
		material.raw.Clear()
		return fmt.Errorf("failed to initialize key manager: %w", m.timedOut(opCtx, err))
	}

	m.current = material
	m.lastRotation = material.createdAt
	m.initialized = true
	m.metrics.SetGeneration(0)

	m.logger.Info().
		Uint64("generation", 0).
		Str("preview", material.preview).
		Int("keySize", m.keySize).
		Msg("Key manager initialized")
	m.audit(ctx, audit.EventTypeKeyInitialize, audit.OperationInitialize, audit.StatusSuccess, 0, map[string]string{
		string(audit.KeyPreview): material.preview,
	})
	return nil
}

// Rotate replaces the current key with fresh material.
// Concurrent calls serialize. On failure the current key is untouched and the
// returned record has status failed.
func (m *Manager) Rotate(ctx context.Context, reason types.RotationReason) (types.RotationRecord, error) {
	start := time.Now()

	m.mu.Lock()
	defer m.mu.Unlock()

	return m.rotateLocked(ctx, reason, start)
}

// RotateIfDue rotates only if the current key has reached the rotate-after age.
// The age is checked under the same lock as the rotation, so a rotation that
// lands in between is never followed by a second one. It returns nil, nil when
// the key is not due or no rotate-after age is configured.
func (m *Manager) RotateIfDue(ctx context.Context, reason types.RotationReason) (*types.RotationRecord, error) {
	start := time.Now()

	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.initialized || !m.dueLocked() {
		return nil, nil
	}
	record, err := m.rotateLocked(ctx, reason, start)
	return &record, err
}

// dueLocked reports whether the current key is past its age; callers hold m.mu
func (m *Manager) dueLocked() bool {
	return m.current != nil && m.rotateAfter > 0 && m.now().Sub(m.current.createdAt) >= m.rotateAfter
}

// rotateLocked performs one rotation within the rotation timeout; callers hold m.mu
func (m *Manager) rotateLocked(ctx context.Context, reason types.RotationReason, start time.Time) (types.RotationRecord, error) {
	record := types.RotationRecord{
		ID:        uuid.New().String(),
		Reason:    reason,
		Timestamp: m.now(),
	}
	if !m.initialized {
		return m.fail(ctx, record, "check state", types.ErrNotInitialized, start)
	}
	record.Generation = m.current.generation

	opCtx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()

	next := m.current.generation + 1
	material, err := m.generate(opCtx, next)
	if err != nil {
		return m.fail(ctx, record, "generate key", m.timedOut(opCtx, err), start)
	}

	record.Status = types.RotationStatusRotated
	record.KeyPreview = material.preview
	record.Generation = next
	record.Timestamp = material.createdAt

	if err := m.persist(opCtx, material, record); err != nil {
		material.raw.Clear()
		record.Status = ""
		record.KeyPreview = ""
		record.Generation = m.current.generation
		return m.fail(ctx, record, "persist rotation", m.timedOut(opCtx, err), start)
	}

	previous := m.current
	m.current = material
	previous.raw.Clear()

	m.lastRotation = material.createdAt
	m.rotations++
	m.appendHistory(record)

	m.metrics.ObserveRotation(string(types.RotationStatusRotated), string(reason), time.Since(start).Seconds(), next)
	m.logger.Info().
		Str("rotationId", record.ID).
		Str("reason", string(reason)).
		Uint64("generation", next).
		Str("preview", material.preview).
		Msg("Key rotated")
	m.audit(ctx, audit.EventTypeKeyRotate, audit.OperationRotate, audit.StatusSuccess, next, map[string]string{
		string(audit.KeyReason):  string(reason),
		string(audit.KeyPreview): material.preview,
	})

	return record, nil
}

// fail finalizes a failed rotation record; callers hold m.mu
func (m *Manager) fail(ctx context.Context, record types.RotationRecord, op string, err error, start time.Time) (types.RotationRecord, error) {
	record.Status = types.RotationStatusFailed
	record.Error = err.Error()

	m.metrics.ObserveRotation(string(types.RotationStatusFailed), string(record.Reason), time.Since(start).Seconds(), record.Generation)
	m.logger.Error().
		Err(err).
		Str("rotationId", record.ID).
		Str("reason", string(record.Reason)).
		Uint64("generation", record.Generation).
		Str("step", op).
		Msg("Key rotation failed")
	m.audit(ctx, audit.EventTypeKeyRotate, audit.OperationRotate, audit.StatusFailed, record.Generation, map[string]string{
		string(audit.KeyReason): string(record.Reason),
		string(audit.KeyError):  err.Error(),
	})

	return record, fmt.Errorf("failed to rotate key (reason=%s): %s: %w", record.Reason, op, err)
}

// timedOut reports err as types.ErrRotationTimedOut when the operation context
// ended, whichever collaborator noticed it first
func (m *Manager) timedOut(opCtx context.Context, err error) error {
	if errors.Is(err, types.ErrRotationTimedOut) {
		return err
	}
	if opCtx.Err() != nil || errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return fmt.Errorf("%w after %s: %w", types.ErrRotationTimedOut, m.timeout, err)
	}
	return err
}

// generate draws fresh key material; ctx carries the rotation deadline
func (m *Manager) generate(ctx context.Context, generation uint64) (*keyMaterial, error) {
	raw, err := m.source.Generate(ctx, m.keySize)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
			return nil, err
		}
		if errors.Is(err, types.ErrEntropyUnavailable) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %w", types.ErrEntropyUnavailable, err)
	}
	if len(raw) != m.keySize {
		return nil, fmt.Errorf("%w: got %d bytes, want %d", types.ErrEntropyUnavailable, len(raw), m.keySize)
	}

	material := &keyMaterial{
		raw:        types.NewSecureBytes(raw),
		preview:    hex.EncodeToString(raw[:types.PreviewLength/2]),
		createdAt:  m.now(),
		generation: generation,
	}
	for i := range raw {
		raw[i] = 0
	}
	return material, nil
}

// persist seals the key and writes its rotation entry; callers hold m.mu
func (m *Manager) persist(ctx context.Context, material *keyMaterial, record types.RotationRecord) error {
	if m.store == nil {
		return nil
	}

	entry := &types.RotationEntry{
		Epoch:     m.epoch,
		Record:    record,
		CreatedAt: m.now(),
	}

	if m.sealer != nil {
		wrapper := m.sealer.GetWrapper()
		if wrapper == nil {
			return fmt.Errorf("KMS wrapper not available from provider")
		}
		blob, err := wrapper.Encrypt(ctx, material.raw.Get(), wrapping.WithAad(SealContext(m.epoch, material.generation)))
		if err != nil {
			return fmt.Errorf("failed to seal key: %w", err)
		}
		entry.SealedKey = blob
	}

	if err := m.store.SaveRotation(ctx, entry); err != nil {
		return fmt.Errorf("failed to store rotation: %w", err)
	}
	return nil
}

// SealContext is the additional authenticated data bound to a sealed key.
// Generations restart at 0 in every manager, so the epoch keeps it unique.
func SealContext(epoch string, generation uint64) []byte {
	return []byte("epoch:" + epoch + ";generation:" + strconv.FormatUint(generation, 10))
}

// appendHistory adds a record to the bounded ring; callers hold m.mu
func (m *Manager) appendHistory(record types.RotationRecord) {
	m.history = append(m.history, record)
	if overflow := len(m.history) - m.historyLimit; overflow > 0 {
		m.history = append(m.history[:0:0], m.history[overflow:]...)
	}
}

func (m *Manager) audit(ctx context.Context, eventType, operation, status string, generation uint64, fields map[string]string) {
	if m.auditLogger == nil {
		return
	}
	event := audit.NewAuditEvent(eventType, operation, generation)
	event.Status = status
	for k, v := range fields {
		event.Context[k] = v
	}
	if err := m.auditLogger.LogEvent(ctx, event); err != nil {
		m.logger.Warn().Err(err).Str("eventType", eventType).Msg("Failed to log audit event")
	}
}

// Epoch identifies this manager instance in persisted rotation entries
func (m *Manager) Epoch() string {
	return m.epoch
}

// PreviewCurrent returns the first types.PreviewLength hex characters of the current key
func (m *Manager) PreviewCurrent() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.current == nil {
		return ""
	}
	return m.current.preview
}

// Generation returns the generation of the current key
func (m *Manager) Generation() uint64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.current == nil {
		return 0
	}
	return m.current.generation
}

// History returns the retained rotation records, oldest first
func (m *Manager) History() []types.RotationRecord {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]types.RotationRecord(nil), m.history...)
}

// LastRecord returns the most recent rotation record, if any
func (m *Manager) LastRecord() (types.RotationRecord, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if len(m.history) == 0 {
		return types.RotationRecord{}, false
	}
	return m.history[len(m.history)-1], true
}

// KeyAge returns how long the current key has been active
func (m *Manager) KeyAge() time.Duration {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.current == nil {
		return 0
	}
	return m.now().Sub(m.current.createdAt)
}

// Status summarizes the current key
func (m *Manager) Status() types.KeyStatus {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.current == nil {
		return types.KeyStatus{}
	}
	return types.KeyStatus{
		Epoch:        m.epoch,
		Generation:   m.current.generation,
		Preview:      m.current.preview,
		CreatedAt:    m.current.createdAt,
		LastRotation: m.lastRotation,
		Rotations:    m.rotations,
		NeedsRotate:  m.dueLocked(),
	}
}
