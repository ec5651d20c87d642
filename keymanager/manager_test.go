package keymanager

import (
	"context"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	wrapping "github.com/hashicorp/go-kms-wrapping/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/root-sector-ltd-and-co-kg/key-lifecycle-module/entropy"
	"github.com/root-sector-ltd-and-co-kg/key-lifecycle-module/interfaces/mocks"
	"github.com/root-sector-ltd-and-co-kg/key-lifecycle-module/kms"
	"github.com/root-sector-ltd-and-co-kg/key-lifecycle-module/metrics"
	"github.com/root-sector-ltd-and-co-kg/key-lifecycle-module/store"
	"github.com/root-sector-ltd-and-co-kg/key-lifecycle-module/types"
)

func newTestManager(t *testing.T, source *mocks.MockEntropySource, opts ...Option) *Manager {
	t.Helper()
	opts = append([]Option{WithLogger(zerolog.Nop())}, opts...)
	m, err := New(context.Background(), source, opts...)
	require.NoError(t, err)
	return m
}

// currentHex exposes the full key to tests in this package only
func currentHex(m *Manager) string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return hex.EncodeToString(m.current.raw.Get())
}

func TestNew_InitializesGenerationZero(t *testing.T) {
	m := newTestManager(t, &mocks.MockEntropySource{})

	assert.Equal(t, uint64(0), m.Generation())
	assert.Len(t, m.PreviewCurrent(), types.PreviewLength)
	assert.Empty(t, m.History())

	_, ok := m.LastRecord()
	assert.False(t, ok)
}

func TestNew_Validation(t *testing.T) {
	_, err := New(context.Background(), nil)
	assert.Error(t, err)

	_, err = New(context.Background(), &mocks.MockEntropySource{}, WithKeySize(16), WithLogger(zerolog.Nop()))
	assert.ErrorContains(t, err, "minimum")

	_, err = New(context.Background(), &mocks.MockEntropySource{}, WithRotationTimeout(0), WithLogger(zerolog.Nop()))
	assert.Error(t, err)

	_, err = New(context.Background(), &mocks.MockEntropySource{Err: errors.New("device gone")}, WithLogger(zerolog.Nop()))
	assert.ErrorIs(t, err, types.ErrEntropyUnavailable)
}

func TestInitialize_Twice(t *testing.T) {
	m := newTestManager(t, &mocks.MockEntropySource{})
	preview := m.PreviewCurrent()

	err := m.Initialize(context.Background())
	assert.ErrorIs(t, err, types.ErrAlreadyInitialized)
	assert.Equal(t, preview, m.PreviewCurrent())
}

func TestRotate_Success(t *testing.T) {
	reg := prometheus.NewRegistry()
	mt := metrics.New(reg)
	m := newTestManager(t, &mocks.MockEntropySource{}, WithMetrics(mt))
	before := m.PreviewCurrent()

	record, err := m.Rotate(context.Background(), types.ReasonManual)
	require.NoError(t, err)

	assert.True(t, record.Rotated())
	assert.Equal(t, types.ReasonManual, record.Reason)
	assert.Equal(t, uint64(1), record.Generation)
	assert.Equal(t, m.PreviewCurrent(), record.KeyPreview)
	assert.NotEqual(t, before, record.KeyPreview)
	assert.NotEmpty(t, record.ID)
	assert.False(t, record.Timestamp.IsZero())
	assert.Empty(t, record.Error)

	history := m.History()
	require.Len(t, history, 1)
	assert.Equal(t, record, history[0])

	last, ok := m.LastRecord()
	require.True(t, ok)
	assert.Equal(t, record.ID, last.ID)

	assert.Equal(t, 1.0, testutil.ToFloat64(mt.RotationsTotal.WithLabelValues("rotated", "manual")))
	assert.Equal(t, 1.0, testutil.ToFloat64(mt.KeyGeneration))
}

func TestPreview_IsPrefixOfKey(t *testing.T) {
	m := newTestManager(t, &mocks.MockEntropySource{})

	for i := 0; i < 5; i++ {
		preview := m.PreviewCurrent()
		assert.Len(t, preview, types.PreviewLength)
		assert.True(t, strings.HasPrefix(currentHex(m), preview))
		assert.Equal(t, preview, m.PreviewCurrent(), "preview must be stable between rotations")

		_, err := m.Rotate(context.Background(), types.ReasonManual)
		require.NoError(t, err)
	}
}

func TestRotate_ProducesDistinctKeys(t *testing.T) {
	m, err := New(context.Background(), entropy.NewSource(), WithLogger(zerolog.Nop()), WithHistoryLimit(2000))
	require.NoError(t, err)

	seen := map[string]struct{}{currentHex(m): {}}
	for i := 0; i < 1000; i++ {
		_, err := m.Rotate(context.Background(), types.ReasonManual)
		require.NoError(t, err)

		key := currentHex(m)
		_, dup := seen[key]
		require.False(t, dup, "duplicate key after %d rotations", i+1)
		seen[key] = struct{}{}
	}

	assert.Equal(t, uint64(1000), m.Generation())
	assert.Len(t, m.History(), 1000)
}

func TestRotate_EntropyFailureLeavesStateUntouched(t *testing.T) {
	source := &mocks.MockEntropySource{}
	reg := prometheus.NewRegistry()
	mt := metrics.New(reg)
	m := newTestManager(t, source, WithMetrics(mt))

	_, err := m.Rotate(context.Background(), types.ReasonManual)
	require.NoError(t, err)
	preview, key := m.PreviewCurrent(), currentHex(m)

	source.SetErr(errors.New("rng exhausted"))
	record, err := m.Rotate(context.Background(), types.ReasonHighSeverityEvent)

	require.Error(t, err)
	assert.ErrorIs(t, err, types.ErrEntropyUnavailable)
	assert.False(t, record.Rotated())
	assert.Equal(t, types.RotationStatusFailed, record.Status)
	assert.Equal(t, types.ReasonHighSeverityEvent, record.Reason)
	assert.Equal(t, uint64(1), record.Generation)
	assert.Empty(t, record.KeyPreview)
	assert.Contains(t, record.Error, "rng exhausted")

	assert.Equal(t, preview, m.PreviewCurrent())
	assert.Equal(t, key, currentHex(m))
	assert.Equal(t, uint64(1), m.Generation())
	assert.Len(t, m.History(), 1)
	assert.Equal(t, 1.0, testutil.ToFloat64(mt.RotationsTotal.WithLabelValues("failed", "high_severity_event")))
}

func TestRotate_StoreFailureLeavesStateUntouched(t *testing.T) {
	store := &mocks.MockRotationStore{}
	m := newTestManager(t, &mocks.MockEntropySource{}, WithStore(store))
	require.Len(t, store.Entries, 1, "generation 0 should be persisted")

	preview, key := m.PreviewCurrent(), currentHex(m)
	store.SetSaveErr(errors.New("write concern failed"))

	record, err := m.Rotate(context.Background(), types.ReasonManual)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "persist rotation")
	assert.Equal(t, types.RotationStatusFailed, record.Status)
	assert.Equal(t, uint64(0), record.Generation)

	assert.Equal(t, preview, m.PreviewCurrent())
	assert.Equal(t, key, currentHex(m))
	assert.Equal(t, uint64(0), m.Generation())
	assert.Empty(t, m.History())
}

func TestRotate_Timeout(t *testing.T) {
	source := &mocks.MockEntropySource{}
	m := newTestManager(t, source, WithRotationTimeout(50*time.Millisecond))
	preview := m.PreviewCurrent()

	source.Block = make(chan struct{})
	defer close(source.Block)

	start := time.Now()
	record, err := m.Rotate(context.Background(), types.ReasonManual)

	assert.ErrorIs(t, err, types.ErrRotationTimedOut)
	assert.Equal(t, types.RotationStatusFailed, record.Status)
	assert.Less(t, time.Since(start), 2*time.Second)
	assert.Equal(t, preview, m.PreviewCurrent())
	assert.Equal(t, uint64(0), m.Generation())
}

func TestRotate_CallerCancellation(t *testing.T) {
	m, err := New(context.Background(), entropy.NewSource(), WithLogger(zerolog.Nop()))
	require.NoError(t, err)
	preview := m.PreviewCurrent()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	record, err := m.Rotate(ctx, types.ReasonManual)
	assert.ErrorIs(t, err, types.ErrRotationTimedOut)
	assert.ErrorIs(t, err, context.Canceled)
	assert.False(t, record.Rotated())
	assert.Equal(t, preview, m.PreviewCurrent())
	assert.Equal(t, uint64(0), m.Generation())
}

func TestRotate_Concurrent(t *testing.T) {
	const n = 16
	m := newTestManager(t, &mocks.MockEntropySource{})

	var (
		mu      sync.Mutex
		records []types.RotationRecord
	)
	var g errgroup.Group
	for i := 0; i < n; i++ {
		g.Go(func() error {
			record, err := m.Rotate(context.Background(), types.ReasonHighSeverityEvent)
			if err != nil {
				return err
			}
			mu.Lock()
			records = append(records, record)
			mu.Unlock()
			return nil
		})
		g.Go(func() error {
			if got := m.PreviewCurrent(); len(got) != types.PreviewLength {
				return errors.New("torn preview: " + got)
			}
			return nil
		})
	}
	require.NoError(t, g.Wait())

	assert.Equal(t, uint64(n), m.Generation())
	assert.Len(t, m.History(), n)

	generations := make(map[uint64]bool, n)
	previews := make(map[string]bool, n)
	for _, r := range records {
		assert.False(t, generations[r.Generation], "generation %d reported twice", r.Generation)
		generations[r.Generation] = true
		previews[r.KeyPreview] = true
	}
	assert.Len(t, previews, n)

	history := m.History()
	for i := 1; i < len(history); i++ {
		assert.Equal(t, history[i-1].Generation+1, history[i].Generation)
	}
}

func TestHistory_IsBounded(t *testing.T) {
	m := newTestManager(t, &mocks.MockEntropySource{}, WithHistoryLimit(3))

	for i := 0; i < 5; i++ {
		_, err := m.Rotate(context.Background(), types.ReasonManual)
		require.NoError(t, err)
	}

	history := m.History()
	require.Len(t, history, 3)
	assert.Equal(t, uint64(3), history[0].Generation)
	assert.Equal(t, uint64(5), history[2].Generation)
	assert.Equal(t, 5, m.Status().Rotations)
}

func TestHistory_ReturnsCopy(t *testing.T) {
	m := newTestManager(t, &mocks.MockEntropySource{})
	_, err := m.Rotate(context.Background(), types.ReasonManual)
	require.NoError(t, err)

	history := m.History()
	history[0].KeyPreview = "tampered"
	assert.NotEqual(t, "tampered", m.History()[0].KeyPreview)
}

func TestStatus_NeedsRotate(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	var clockMu sync.Mutex
	clock := func() time.Time {
		clockMu.Lock()
		defer clockMu.Unlock()
		return now
	}
	advance := func(d time.Duration) {
		clockMu.Lock()
		defer clockMu.Unlock()
		now = now.Add(d)
	}

	m := newTestManager(t, &mocks.MockEntropySource{}, WithClock(clock), WithRotateAfter(time.Hour))

	status := m.Status()
	assert.False(t, status.NeedsRotate)
	assert.Equal(t, uint64(0), status.Generation)
	assert.Equal(t, m.PreviewCurrent(), status.Preview)

	advance(time.Hour)
	assert.True(t, m.Status().NeedsRotate)
	assert.Equal(t, time.Hour, m.KeyAge())

	_, err := m.Rotate(context.Background(), types.ReasonScheduled)
	require.NoError(t, err)

	status = m.Status()
	assert.False(t, status.NeedsRotate)
	assert.Equal(t, 1, status.Rotations)
	assert.Equal(t, now, status.LastRotation)
}

func TestRotate_SealsKeyWithKMS(t *testing.T) {
	ctx := context.Background()
	sealKey := make([]byte, 32)
	for i := range sealKey {
		sealKey[i] = byte(0xA0 + i)
	}
	provider, err := kms.NewProvider(ctx, kms.Config{
		Type:          types.ProviderAead,
		AeadKeyBase64: base64.StdEncoding.EncodeToString(sealKey),
		AeadKeyID:     "test-seal",
	}, zerolog.Nop())
	require.NoError(t, err)

	store := &mocks.MockRotationStore{}
	m := newTestManager(t, &mocks.MockEntropySource{}, WithStore(store), WithSealer(provider))

	record, err := m.Rotate(ctx, types.ReasonManual)
	require.NoError(t, err)

	require.Len(t, store.Entries, 2)
	entry := store.Entries[1]
	assert.Equal(t, record, entry.Record)
	require.NotNil(t, entry.SealedKey)

	assert.Equal(t, m.Epoch(), entry.Epoch)

	plain, err := provider.GetWrapper().Decrypt(ctx, entry.SealedKey, wrapping.WithAad(SealContext(m.Epoch(), 1)))
	require.NoError(t, err)
	assert.Equal(t, currentHex(m), hex.EncodeToString(plain))

	_, err = provider.GetWrapper().Decrypt(ctx, entry.SealedKey, wrapping.WithAad(SealContext(m.Epoch(), 0)))
	assert.Error(t, err, "sealed key must be bound to its generation")

	_, err = provider.GetWrapper().Decrypt(ctx, entry.SealedKey, wrapping.WithAad(SealContext("other-epoch", 1)))
	assert.Error(t, err, "sealed key must be bound to its epoch")
}

func TestSealContext(t *testing.T) {
	assert.Equal(t, []byte("epoch:e1;generation:42"), SealContext("e1", 42))
	assert.NotEqual(t, SealContext("e1", 0), SealContext("e2", 0))
}

func TestRotate_TimeoutCoversPersist(t *testing.T) {
	rotations := &mocks.MockRotationStore{}
	m := newTestManager(t, &mocks.MockEntropySource{}, WithStore(rotations), WithRotationTimeout(50*time.Millisecond))
	preview, key := m.PreviewCurrent(), currentHex(m)

	block := make(chan struct{})
	defer close(block)
	rotations.SetBlock(block)

	type result struct {
		record types.RotationRecord
		err    error
	}
	done := make(chan result, 1)
	start := time.Now()
	go func() {
		record, err := m.Rotate(context.Background(), types.ReasonManual)
		done <- result{record, err}
	}()

	readers := make(chan string, 1)
	go func() { readers <- m.PreviewCurrent() }()
	select {
	case got := <-readers:
		assert.Equal(t, preview, got)
	case <-time.After(2 * time.Second):
		t.Fatal("PreviewCurrent blocked behind a stalled store")
	}

	var res result
	select {
	case res = <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Rotate did not honor the rotation timeout while persisting")
	}

	assert.Less(t, time.Since(start), 2*time.Second)
	assert.ErrorIs(t, res.err, types.ErrRotationTimedOut)
	assert.ErrorIs(t, res.err, context.DeadlineExceeded)
	assert.Contains(t, res.err.Error(), "persist rotation")
	assert.Equal(t, types.RotationStatusFailed, res.record.Status)

	assert.Equal(t, preview, m.PreviewCurrent())
	assert.Equal(t, key, currentHex(m))
	assert.Equal(t, uint64(0), m.Generation())
	assert.Empty(t, m.History())
	assert.Len(t, rotations.Entries, 1, "only generation 0 should be stored")
}

func TestInitialize_TimeoutCoversPersist(t *testing.T) {
	block := make(chan struct{})
	defer close(block)
	rotations := &mocks.MockRotationStore{Block: block}

	start := time.Now()
	_, err := New(context.Background(), &mocks.MockEntropySource{},
		WithLogger(zerolog.Nop()), WithStore(rotations), WithRotationTimeout(50*time.Millisecond))

	assert.ErrorIs(t, err, types.ErrRotationTimedOut)
	assert.Less(t, time.Since(start), 2*time.Second)
	assert.Empty(t, rotations.Entries)
}

func TestLatestRotation_AcrossManagers(t *testing.T) {
	ctx := context.Background()
	shared := store.NewMemoryStore(0)

	first := newTestManager(t, &mocks.MockEntropySource{}, WithStore(shared))
	for i := 0; i < 3; i++ {
		_, err := first.Rotate(ctx, types.ReasonManual)
		require.NoError(t, err)
	}
	require.Equal(t, uint64(3), first.Generation())

	second := newTestManager(t, &mocks.MockEntropySource{}, WithStore(shared))
	assert.NotEqual(t, first.Epoch(), second.Epoch())

	latest, err := shared.LatestRotation(ctx)
	require.NoError(t, err)
	assert.Equal(t, second.Epoch(), latest.Epoch, "latest entry must come from the newest manager")
	assert.Equal(t, uint64(0), latest.Record.Generation)
	assert.Equal(t, second.PreviewCurrent(), latest.Record.KeyPreview)

	all, err := shared.ListRotations(ctx, 0)
	require.NoError(t, err)
	require.Len(t, all, 5)
	assert.Equal(t, second.Epoch(), all[0].Epoch)
	assert.Equal(t, first.Epoch(), all[1].Epoch)
	assert.Equal(t, uint64(3), all[1].Record.Generation)
}

func TestRotateIfDue(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	var clockMu sync.Mutex
	clock := func() time.Time {
		clockMu.Lock()
		defer clockMu.Unlock()
		return now
	}

	m := newTestManager(t, &mocks.MockEntropySource{}, WithClock(clock), WithRotateAfter(time.Hour))
	ctx := context.Background()

	record, err := m.RotateIfDue(ctx, types.ReasonScheduled)
	require.NoError(t, err)
	assert.Nil(t, record, "fresh key is not due")

	clockMu.Lock()
	now = now.Add(time.Hour)
	clockMu.Unlock()

	record, err = m.RotateIfDue(ctx, types.ReasonScheduled)
	require.NoError(t, err)
	require.NotNil(t, record)
	assert.Equal(t, uint64(1), record.Generation)

	record, err = m.RotateIfDue(ctx, types.ReasonScheduled)
	require.NoError(t, err)
	assert.Nil(t, record, "key rotated by the previous call is not due again")
	assert.Equal(t, uint64(1), m.Generation())
}

func TestRotateIfDue_ConcurrentRotatesOnce(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	var clockMu sync.Mutex
	clock := func() time.Time {
		clockMu.Lock()
		defer clockMu.Unlock()
		return now
	}

	m := newTestManager(t, &mocks.MockEntropySource{}, WithClock(clock), WithRotateAfter(time.Hour))
	clockMu.Lock()
	now = now.Add(2 * time.Hour)
	clockMu.Unlock()

	var g errgroup.Group
	for i := 0; i < 8; i++ {
		g.Go(func() error {
			_, err := m.RotateIfDue(context.Background(), types.ReasonScheduled)
			return err
		})
	}
	require.NoError(t, g.Wait())
	assert.Equal(t, uint64(1), m.Generation())
	assert.Len(t, m.History(), 1)
}

func TestRotateIfDue_DisabledWithoutRotateAfter(t *testing.T) {
	m := newTestManager(t, &mocks.MockEntropySource{})
	record, err := m.RotateIfDue(context.Background(), types.ReasonScheduled)
	require.NoError(t, err)
	assert.Nil(t, record)
	assert.Equal(t, uint64(0), m.Generation())
}
