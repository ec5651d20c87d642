// Package orchestrator composes event intake, the risk oracle and the key
// manager behind a single façade.
package orchestrator

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/root-sector-ltd-and-co-kg/key-lifecycle-module/audit"
	"github.com/root-sector-ltd-and-co-kg/key-lifecycle-module/intake"
	"github.com/root-sector-ltd-and-co-kg/key-lifecycle-module/interfaces"
	"github.com/root-sector-ltd-and-co-kg/key-lifecycle-module/scheduler"
	"github.com/root-sector-ltd-and-co-kg/key-lifecycle-module/types"
)

// Core is the orchestrator façade. Delegate errors are returned unchanged.
type Core struct {
	oracle    interfaces.RiskOracle
	keys      interfaces.KeyManager
	intake    *intake.Intake
	scheduler *scheduler.Scheduler
	closers   []func(context.Context) error
	logger    zerolog.Logger
}

// New wires an existing intake, oracle and key manager together
func New(oracle interfaces.RiskOracle, keys interfaces.KeyManager, in *intake.Intake) (*Core, error) {
	if oracle == nil {
		return nil, fmt.Errorf("risk oracle is required for orchestrator.New")
	}
	if keys == nil {
		return nil, fmt.Errorf("key manager is required for orchestrator.New")
	}
	if in == nil {
		return nil, fmt.Errorf("intake is required for orchestrator.New")
	}
	return &Core{
		oracle: oracle,
		keys:   keys,
		intake: in,
		logger: log.Logger.With().Str("component", "orchestrator").Logger(),
	}, nil
}

// AbsorbEvent validates the event and forwards it to the event store
func (c *Core) AbsorbEvent(ctx context.Context, event types.Event) error {
	return c.intake.Absorb(ctx, event)
}

// MutateAlgorithm asks the strategy proposer for an evolved descriptor
func (c *Core) MutateAlgorithm(ctx context.Context, descriptor string) (string, error) {
	return c.oracle.ProposeEvolvedStrategy(ctx, descriptor)
}

// EvaluateRiskTrajectory returns the oracle's current risk index
func (c *Core) EvaluateRiskTrajectory(ctx context.Context) (float64, error) {
	return c.oracle.ComputeRiskIndex(ctx)
}

// CheckAndRekeyIfNeeded rotates the key when the event crosses the severity threshold
func (c *Core) CheckAndRekeyIfNeeded(ctx context.Context, event types.Event) (*types.RotationRecord, error) {
	return c.intake.CheckAndRotate(audit.WithOperation(ctx, audit.OperationCheckAndRekey), event)
}

// Ingest absorbs the event and then applies the trigger policy to it.
// Nothing is rotated if the event could not be absorbed.
func (c *Core) Ingest(ctx context.Context, event types.Event) (*types.RotationRecord, error) {
	ctx = audit.WithOperation(ctx, audit.OperationIngest)
	if err := c.intake.Absorb(ctx, event); err != nil {
		return nil, err
	}
	return c.intake.CheckAndRotate(ctx, event)
}

// RotateKeys rotates the key on request
func (c *Core) RotateKeys(ctx context.Context) (types.RotationRecord, error) {
	return c.keys.Rotate(audit.WithOperation(ctx, audit.OperationManualRotate), types.ReasonManual)
}

// KeyPreview returns the preview of the current key
func (c *Core) KeyPreview() string {
	return c.keys.PreviewCurrent()
}

// KeyStatus summarizes the current key
func (c *Core) KeyStatus() types.KeyStatus {
	return c.keys.Status()
}

// RotationHistory returns the retained rotation records, oldest first
func (c *Core) RotationHistory() []types.RotationRecord {
	return c.keys.History()
}

// Threshold returns the severity that triggers a rotation
func (c *Core) Threshold() float64 {
	return c.intake.Threshold()
}

// Scheduler returns the background rotation scheduler, nil when disabled
func (c *Core) Scheduler() *scheduler.Scheduler {
	return c.scheduler
}

// Start launches background work. Without a scheduler it does nothing.
func (c *Core) Start(ctx context.Context) error {
	if c.scheduler == nil {
		return nil
	}
	return c.scheduler.Start(ctx)
}

// Close stops the scheduler and releases connections opened by NewFromConfig
func (c *Core) Close(ctx context.Context) error {
	var errs []error
	if c.scheduler != nil {
		if err := c.scheduler.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("failed to stop scheduler: %w", err))
		}
	}
	for i := len(c.closers) - 1; i >= 0; i-- {
		if err := c.closers[i](ctx); err != nil {
			errs = append(errs, err)
		}
	}
	c.closers = nil

	if err := errors.Join(errs...); err != nil {
		c.logger.Error().Err(err).Msg("Failed to close orchestrator cleanly")
		return err
	}
	return nil
}
