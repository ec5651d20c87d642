package audit

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/root-sector-ltd-and-co-kg/key-lifecycle-module/types"
)

const (
	// Event types
	EventTypeKeyInitialize = "key.initialize"
	EventTypeKeyRotate     = "key.rotate"
	EventTypeEventAbsorb   = "event.absorb"

	// Operations
	OperationInitialize = "initialize"
	OperationRotate     = "rotate"
	OperationAbsorb     = "absorb"

	// Caller-level operations, carried in the context via WithOperation
	OperationIngest          = "ingest"
	OperationCheckAndRekey   = "check_and_rekey"
	OperationManualRotate    = "manual_rotate"
	OperationScheduledRotate = "scheduled_rotate"

	// Actors
	ActorScheduler = "scheduler"

	// Statuses
	StatusSuccess = "success"
	StatusFailed  = "failed"
)

// contextFields are copied from ctx into the audit event context
var contextFields = []ContextKey{KeyActor, KeyOperation, KeyEventDomain}

// StdoutAuditLogger writes audit events through zerolog
type StdoutAuditLogger struct {
	logger zerolog.Logger
}

// NewStdoutAuditLogger creates a new audit logger.
// A disabled logger falls back to the global zerolog logger.
func NewStdoutAuditLogger(logger zerolog.Logger) *StdoutAuditLogger {
	if logger.GetLevel() == zerolog.Disabled {
		logger = log.Logger
	}
	return &StdoutAuditLogger{
		logger: logger.With().Str("component", "audit").Logger(),
	}
}

// LogEvent logs an audit event with its essential context
func (l *StdoutAuditLogger) LogEvent(ctx context.Context, event *types.AuditEvent) error {
	if event == nil {
		return fmt.Errorf("event cannot be nil")
	}

	if event.ID == "" {
		event.ID = uuid.New().String()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}
	if event.Context == nil {
		event.Context = make(map[string]string)
	}
	for _, key := range contextFields {
		if v, ok := ctx.Value(key).(string); ok && v != "" {
			if _, exists := event.Context[string(key)]; !exists {
				event.Context[string(key)] = v
			}
		}
	}

	logEvent := l.logger.Info().
		Str("auditId", event.ID).
		Time("timestamp", event.Timestamp).
		Str("eventType", event.EventType).
		Str("operation", event.Operation).
		Str("status", event.Status).
		Uint64("generation", event.Generation)

	for key, value := range event.Context {
		logEvent = logEvent.Str(key, value)
	}
	if len(event.Metadata) > 0 {
		logEvent = logEvent.Interface("metadata", event.Metadata)
	}

	logEvent.Msg("Audit event")
	return nil
}

// GetEvents returns events matching the filter (not implemented for stdout logger)
func (l *StdoutAuditLogger) GetEvents(ctx context.Context, filter map[string]interface{}) ([]*types.AuditEvent, error) {
	return nil, fmt.Errorf("getting events not supported for stdout logger")
}

// WithActor adds the requesting actor to the context
func WithActor(ctx context.Context, actor string) context.Context {
	return context.WithValue(ctx, KeyActor, actor)
}

// WithOperation records the caller-level operation in the context
func WithOperation(ctx context.Context, operation string) context.Context {
	return context.WithValue(ctx, KeyOperation, operation)
}

// WithEventDomain adds the triggering event domain to the context
func WithEventDomain(ctx context.Context, domain types.Domain) context.Context {
	return context.WithValue(ctx, KeyEventDomain, string(domain))
}

// NewAuditEvent creates a new audit event with essential fields
func NewAuditEvent(eventType, operation string, generation uint64) *types.AuditEvent {
	return &types.AuditEvent{
		ID:         uuid.New().String(),
		Timestamp:  time.Now().UTC(),
		EventType:  eventType,
		Operation:  operation,
		Status:     StatusSuccess,
		Generation: generation,
		Context:    make(map[string]string),
	}
}
