package intake

import (
	"context"
	"errors"
	"fmt"
	"math"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/root-sector-ltd-and-co-kg/key-lifecycle-module/interfaces/mocks"
	"github.com/root-sector-ltd-and-co-kg/key-lifecycle-module/keymanager"
	"github.com/root-sector-ltd-and-co-kg/key-lifecycle-module/metrics"
	"github.com/root-sector-ltd-and-co-kg/key-lifecycle-module/types"
)

func newTestIntake(t *testing.T, oracle *mocks.MockOracle, opts ...Option) (*Intake, *keymanager.Manager) {
	t.Helper()
	km, err := keymanager.New(context.Background(), &mocks.MockEntropySource{}, keymanager.WithLogger(zerolog.Nop()))
	require.NoError(t, err)

	opts = append([]Option{WithLogger(zerolog.Nop())}, opts...)
	in, err := New(oracle, km, opts...)
	require.NoError(t, err)
	return in, km
}

func TestNew_Validation(t *testing.T) {
	km, err := keymanager.New(context.Background(), &mocks.MockEntropySource{}, keymanager.WithLogger(zerolog.Nop()))
	require.NoError(t, err)

	tests := []struct {
		name      string
		threshold float64
		expectErr bool
	}{
		{name: "default", threshold: DefaultSeverityThreshold},
		{name: "one", threshold: 1},
		{name: "small", threshold: 0.01},
		{name: "zero", threshold: 0, expectErr: true},
		{name: "negative", threshold: -0.5, expectErr: true},
		{name: "above one", threshold: 1.01, expectErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			in, err := New(&mocks.MockOracle{}, km, WithThreshold(tt.threshold))
			if tt.expectErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.threshold, in.Threshold())
		})
	}

	_, err = New(nil, km)
	assert.Error(t, err)
	_, err = New(&mocks.MockOracle{}, nil)
	assert.Error(t, err)
}

func TestAbsorb(t *testing.T) {
	oracle := &mocks.MockOracle{}
	mt := metrics.New(prometheus.NewRegistry())
	in, km := newTestIntake(t, oracle, WithMetrics(mt))

	event := types.Event{Domain: types.DomainClimate, Result: types.ResultPartial, Severity: 0.99, ActionTaken: "reroute"}
	require.NoError(t, in.Absorb(context.Background(), event))

	assert.Equal(t, []types.Event{event}, oracle.Events())
	assert.Equal(t, uint64(0), km.Generation(), "absorb never rotates")
	assert.Equal(t, 1.0, testutil.ToFloat64(mt.EventsTotal.WithLabelValues("climate", "partial", metrics.OutcomeStored)))
}

func TestAbsorb_InvalidEvents(t *testing.T) {
	oracle := &mocks.MockOracle{}
	mt := metrics.New(prometheus.NewRegistry())
	in, _ := newTestIntake(t, oracle, WithMetrics(mt))

	tests := []struct {
		name  string
		event types.Event
	}{
		{name: "severity above one", event: types.Event{Domain: types.DomainSystem, Result: types.ResultFailure, Severity: 1.5}},
		{name: "negative severity", event: types.Event{Domain: types.DomainSystem, Result: types.ResultFailure, Severity: -0.1}},
		{name: "empty domain", event: types.Event{Result: types.ResultFailure, Severity: 0.5}},
		{name: "unknown result", event: types.Event{Domain: types.DomainSystem, Result: "maybe", Severity: 0.5}},
		{name: "caller-chosen domain", event: types.Event{Domain: "attacker-controlled-1", Result: "x-1", Severity: 2}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := in.Absorb(context.Background(), tt.event)
			assert.ErrorIs(t, err, types.ErrInvalidEvent)
		})
	}
	assert.Empty(t, oracle.Events())
	assert.Equal(t, 1, testutil.CollectAndCount(mt.EventsTotal), "invalid events share one series")
	assert.Equal(t, float64(len(tests)), testutil.ToFloat64(mt.EventsTotal.WithLabelValues(metrics.LabelOther, metrics.LabelOther, metrics.OutcomeInvalid)))
}

func TestAbsorb_UnknownDomainsShareOneSeries(t *testing.T) {
	mt := metrics.New(prometheus.NewRegistry())
	in, _ := newTestIntake(t, &mocks.MockOracle{}, WithMetrics(mt))

	for i := 0; i < 20; i++ {
		event := types.Event{Domain: types.Domain(fmt.Sprintf("tenant-%d", i)), Result: types.ResultSuccess, Severity: 0.1}
		require.NoError(t, in.Absorb(context.Background(), event))
	}
	assert.Equal(t, 1, testutil.CollectAndCount(mt.EventsTotal))
	assert.Equal(t, 20.0, testutil.ToFloat64(mt.EventsTotal.WithLabelValues(metrics.LabelOther, "success", metrics.OutcomeStored)))
}

func TestAbsorb_StoreError(t *testing.T) {
	storeErr := errors.New("memory subsystem offline")
	oracle := &mocks.MockOracle{StoreErr: storeErr}
	in, _ := newTestIntake(t, oracle)

	err := in.Absorb(context.Background(), types.Event{Domain: types.DomainHealth, Result: types.ResultFailure, Severity: 0.4})
	assert.ErrorIs(t, err, storeErr)
	assert.Contains(t, err.Error(), "domain=health")
}

func TestAbsorb_HoldsNoManagerLock(t *testing.T) {
	oracle := &mocks.MockOracle{}
	in, km := newTestIntake(t, oracle)

	var preview string
	oracle.OnStore = func(ctx context.Context, event types.Event) {
		preview = km.PreviewCurrent()
		_, err := km.Rotate(ctx, types.ReasonManual)
		assert.NoError(t, err)
	}

	require.NoError(t, in.Absorb(context.Background(), types.Event{Domain: types.DomainSystem, Result: types.ResultSuccess, Severity: 0.1}))
	assert.Len(t, preview, types.PreviewLength)
	assert.Equal(t, uint64(1), km.Generation())
}

func TestCheckAndRotate_Threshold(t *testing.T) {
	tests := []struct {
		name     string
		severity float64
		rotate   bool
	}{
		{name: "exactly at threshold", severity: 0.85, rotate: true},
		{name: "just above threshold", severity: 0.8500001, rotate: true},
		{name: "high", severity: 0.9, rotate: true},
		{name: "maximum", severity: 1.0, rotate: true},
		{name: "just below threshold", severity: 0.8499999, rotate: false},
		{name: "next float below threshold", severity: math.Nextafter(0.85, 0), rotate: false},
		{name: "slightly below", severity: 0.84, rotate: false},
		{name: "moderate", severity: 0.8, rotate: false},
		{name: "half", severity: 0.5, rotate: false},
		{name: "low", severity: 0.1, rotate: false},
		{name: "minimum", severity: 0.0, rotate: false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			in, km := newTestIntake(t, &mocks.MockOracle{})
			before := km.PreviewCurrent()

			record, err := in.CheckAndRotate(context.Background(), types.Event{
				Domain: types.DomainFinance, Result: types.ResultFailure, Severity: tt.severity,
			})
			require.NoError(t, err)

			if !tt.rotate {
				assert.Nil(t, record)
				assert.Equal(t, before, km.PreviewCurrent())
				assert.Equal(t, uint64(0), km.Generation())
				assert.Empty(t, km.History())
				return
			}
			require.NotNil(t, record)
			assert.True(t, record.Rotated())
			assert.Equal(t, uint64(1), km.Generation())
			assert.Equal(t, uint64(1), record.Generation)
			assert.Len(t, km.History(), 1)
			assert.Equal(t, types.ReasonHighSeverityEvent, record.Reason)
			assert.Equal(t, km.PreviewCurrent(), record.KeyPreview)
			assert.NotEqual(t, before, record.KeyPreview)
		})
	}
}

func TestCheckAndRotate_CustomThreshold(t *testing.T) {
	in, km := newTestIntake(t, &mocks.MockOracle{}, WithThreshold(0.5))

	record, err := in.CheckAndRotate(context.Background(), types.Event{Domain: types.DomainSystem, Result: types.ResultPartial, Severity: 0.5})
	require.NoError(t, err)
	require.NotNil(t, record)
	assert.Equal(t, uint64(1), km.Generation())
}

func TestCheckAndRotate_InvalidEvent(t *testing.T) {
	in, km := newTestIntake(t, &mocks.MockOracle{})

	record, err := in.CheckAndRotate(context.Background(), types.Event{Domain: types.DomainSystem, Result: types.ResultFailure, Severity: 1.5})
	assert.ErrorIs(t, err, types.ErrInvalidEvent)
	assert.Nil(t, record)
	assert.Equal(t, uint64(0), km.Generation())
}

func TestCheckAndRotate_RotationFailure(t *testing.T) {
	source := &mocks.MockEntropySource{}
	km, err := keymanager.New(context.Background(), source, keymanager.WithLogger(zerolog.Nop()))
	require.NoError(t, err)
	in, err := New(&mocks.MockOracle{}, km, WithLogger(zerolog.Nop()))
	require.NoError(t, err)

	before := km.PreviewCurrent()
	source.SetErr(errors.New("rng offline"))

	record, err := in.CheckAndRotate(context.Background(), types.Event{Domain: types.DomainFinance, Result: types.ResultFailure, Severity: 0.95})
	assert.ErrorIs(t, err, types.ErrEntropyUnavailable)
	require.NotNil(t, record)
	assert.Equal(t, types.RotationStatusFailed, record.Status)
	assert.Equal(t, before, km.PreviewCurrent())
}
