// Package intake validates incoming events, forwards them to the event store
// and decides when an event is severe enough to rotate the key.
package intake

import (
	"context"
	"fmt"
	"math"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/root-sector-ltd-and-co-kg/key-lifecycle-module/audit"
	"github.com/root-sector-ltd-and-co-kg/key-lifecycle-module/interfaces"
	"github.com/root-sector-ltd-and-co-kg/key-lifecycle-module/metrics"
	"github.com/root-sector-ltd-and-co-kg/key-lifecycle-module/types"
)

// DefaultSeverityThreshold is the inclusive severity at which a rotation is triggered
const DefaultSeverityThreshold = 0.85

// Intake is the event intake and trigger policy
type Intake struct {
	sink        interfaces.EventStore
	rotator     interfaces.Rotator
	threshold   float64
	logger      zerolog.Logger
	metrics     *metrics.Metrics
	auditLogger interfaces.AuditLogger
}

// Option configures an Intake
type Option func(*Intake)

// WithThreshold sets the trigger threshold, in (0, 1]
func WithThreshold(threshold float64) Option {
	return func(i *Intake) { i.threshold = threshold }
}

// WithLogger sets the logger
func WithLogger(l zerolog.Logger) Option {
	return func(i *Intake) { i.logger = l }
}

// WithMetrics sets the Prometheus metrics
func WithMetrics(m *metrics.Metrics) Option {
	return func(i *Intake) { i.metrics = m }
}

// WithAuditLogger records absorbed events in the audit trail
func WithAuditLogger(l interfaces.AuditLogger) Option {
	return func(i *Intake) { i.auditLogger = l }
}

// New creates an Intake writing to sink and rotating through rotator
func New(sink interfaces.EventStore, rotator interfaces.Rotator, opts ...Option) (*Intake, error) {
	if sink == nil {
		return nil, fmt.Errorf("event store is required for intake.New")
	}
	if rotator == nil {
		return nil, fmt.Errorf("rotator is required for intake.New")
	}

	i := &Intake{
		sink:      sink,
		rotator:   rotator,
		threshold: DefaultSeverityThreshold,
		logger:    log.Logger,
	}
	for _, opt := range opts {
		opt(i)
	}

	if math.IsNaN(i.threshold) || i.threshold <= 0 || i.threshold > 1 {
		return nil, fmt.Errorf("severity threshold %v must be in (0, 1]", i.threshold)
	}
	i.logger = i.logger.With().Str("component", "intake").Logger()
	return i, nil
}

// Threshold returns the configured trigger threshold
func (i *Intake) Threshold() float64 {
	return i.threshold
}

// Absorb validates the event and hands it to the event store.
// Store errors are returned with the event's domain and result attached.
func (i *Intake) Absorb(ctx context.Context, event types.Event) error {
	if err := event.Validate(); err != nil {
		i.metrics.ObserveEvent(event.Domain, event.Result, metrics.OutcomeInvalid)
		return err
	}

	if err := i.sink.StoreEvent(ctx, event); err != nil {
		i.metrics.ObserveEvent(event.Domain, event.Result, metrics.OutcomeStoreError)
		i.logger.Error().
			Err(err).
			Str("domain", string(event.Domain)).
			Str("result", string(event.Result)).
			Msg("Failed to store event")
		return fmt.Errorf("failed to store event (domain=%s, result=%s): %w", event.Domain, event.Result, err)
	}

	i.metrics.ObserveEvent(event.Domain, event.Result, metrics.OutcomeStored)
	i.logger.Debug().
		Str("domain", string(event.Domain)).
		Str("result", string(event.Result)).
		Float64("severity", event.Severity).
		Msg("Event absorbed")

	if i.auditLogger != nil {
		auditEvent := audit.NewAuditEvent(audit.EventTypeEventAbsorb, audit.OperationAbsorb, 0)
		auditEvent.Context[string(audit.KeyEventDomain)] = string(event.Domain)
		auditEvent.Metadata = map[string]interface{}{
			"result":      string(event.Result),
			"severity":    event.Severity,
			"actionTaken": event.ActionTaken,
		}
		if err := i.auditLogger.LogEvent(ctx, auditEvent); err != nil {
			i.logger.Warn().Err(err).Msg("Failed to log audit event")
		}
	}
	return nil
}

// ShouldRotate reports whether the event's severity reaches the threshold
func (i *Intake) ShouldRotate(event types.Event) bool {
	return event.Severity >= i.threshold
}

// CheckAndRotate rotates the key when the event is severe enough.
// Below the threshold it returns nil, nil and has no side effects.
func (i *Intake) CheckAndRotate(ctx context.Context, event types.Event) (*types.RotationRecord, error) {
	if err := event.Validate(); err != nil {
		return nil, err
	}
	if !i.ShouldRotate(event) {
		return nil, nil
	}

	i.logger.Info().
		Str("domain", string(event.Domain)).
		Float64("severity", event.Severity).
		Float64("threshold", i.threshold).
		Msg("Severity threshold reached, rotating key")

	ctx = audit.WithEventDomain(ctx, event.Domain)
	record, err := i.rotator.Rotate(ctx, types.ReasonHighSeverityEvent)
	if err != nil {
		return &record, err
	}
	return &record, nil
}
