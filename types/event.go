package types

import (
	"encoding/json"
	"fmt"
	"math"
	"strings"
)

// Domain tags the upstream subsystem an event came from.
// The set is open-ended; the constants below are the ones seen in practice.
type Domain string

const (
	DomainSystem  Domain = "system"
	DomainFinance Domain = "finance"
	DomainClimate Domain = "climate"
	DomainHealth  Domain = "health"
)

// IsKnown reports whether the domain is one of the predefined tags
func (d Domain) IsKnown() bool {
	switch d {
	case DomainSystem, DomainFinance, DomainClimate, DomainHealth:
		return true
	default:
		return false
	}
}

// Result is the outcome an upstream subsystem reported for an event
type Result string

const (
	ResultSuccess Result = "success"
	ResultFailure Result = "failure"
	ResultPartial Result = "partial"
)

// Valid reports whether r is one of the closed set of results
func (r Result) Valid() bool {
	switch r {
	case ResultSuccess, ResultFailure, ResultPartial:
		return true
	default:
		return false
	}
}

// Event is one observation from an upstream subsystem.
// Events are passed by value and never retained by the core after a call returns.
type Event struct {
	Domain      Domain  `json:"domain" bson:"domain"`
	Result      Result  `json:"result" bson:"result"`
	Severity    float64 `json:"severity" bson:"severity"`
	ActionTaken string  `json:"action_taken" bson:"action_taken"`
}

// NewEvent builds an event and validates it
func NewEvent(domain Domain, result Result, severity float64, actionTaken string) (Event, error) {
	ev := Event{
		Domain:      domain,
		Result:      result,
		Severity:    severity,
		ActionTaken: actionTaken,
	}
	if err := ev.Validate(); err != nil {
		return Event{}, err
	}
	return ev, nil
}

// Validate checks the event shape. Out-of-range severities are rejected, not clamped.
func (e Event) Validate() error {
	if strings.TrimSpace(string(e.Domain)) == "" {
		return fmt.Errorf("%w: domain is required", ErrInvalidEvent)
	}
	if !e.Result.Valid() {
		return fmt.Errorf("%w: unknown result %q", ErrInvalidEvent, e.Result)
	}
	if math.IsNaN(e.Severity) || e.Severity < 0 || e.Severity > 1 {
		return fmt.Errorf("%w: severity %v outside [0, 1]", ErrInvalidEvent, e.Severity)
	}
	return nil
}

// UnmarshalJSON decodes an event and rejects payloads without a severity.
// A missing severity is an error rather than an implicit zero.
func (e *Event) UnmarshalJSON(data []byte) error {
	var raw struct {
		Domain      Domain   `json:"domain"`
		Result      Result   `json:"result"`
		Severity    *float64 `json:"severity"`
		ActionTaken string   `json:"action_taken"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidEvent, err)
	}
	if raw.Severity == nil {
		return fmt.Errorf("%w: severity is required", ErrInvalidEvent)
	}

	ev := Event{
		Domain:      raw.Domain,
		Result:      raw.Result,
		Severity:    *raw.Severity,
		ActionTaken: raw.ActionTaken,
	}
	if err := ev.Validate(); err != nil {
		return err
	}
	*e = ev
	return nil
}
