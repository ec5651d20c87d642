// Package scheduler rotates the key in the background once it reaches its maximum age
package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/root-sector-ltd-and-co-kg/key-lifecycle-module/audit"
	"github.com/root-sector-ltd-and-co-kg/key-lifecycle-module/interfaces"
	"github.com/root-sector-ltd-and-co-kg/key-lifecycle-module/types"
)

// DefaultInterval is how often the key age is checked
const DefaultInterval = time.Minute

type State string

const (
	StateIdle    State = "idle"
	StateRunning State = "running"
	StateStopped State = "stopped"
)

// Status is a snapshot of the scheduler
type Status struct {
	State        State
	StartTime    time.Time
	LastCheck    time.Time
	LastRotation time.Time
	Rotations    int
	Failures     int
	LastError    string
}

// Scheduler polls the key manager and rotates with reason scheduled when
// the manager reports the key is due. The age policy lives in the manager.
type Scheduler struct {
	keys     interfaces.KeyManager
	interval time.Duration
	logger   zerolog.Logger

	mu         sync.RWMutex
	status     Status
	cancel     context.CancelFunc
	done       chan struct{}
	shutdownCh chan struct{}
	closeOnce  sync.Once
}

// New creates a scheduler; an interval <= 0 uses DefaultInterval
func New(keys interfaces.KeyManager, interval time.Duration, logger zerolog.Logger) (*Scheduler, error) {
	if keys == nil {
		return nil, fmt.Errorf("key manager is required for scheduler.New")
	}
	if interval <= 0 {
		interval = DefaultInterval
	}
	if logger.GetLevel() == zerolog.Disabled {
		logger = log.Logger
	}
	return &Scheduler{
		keys:       keys,
		interval:   interval,
		logger:     logger.With().Str("component", "scheduler").Logger(),
		status:     Status{State: StateIdle},
		shutdownCh: make(chan struct{}),
	}, nil
}

// Start launches the background loop. It fails if the loop is already
// running or the scheduler has been shut down.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.IsShuttingDown() {
		return fmt.Errorf("scheduler is shut down")
	}
	if s.status.State == StateRunning {
		return fmt.Errorf("scheduler already running")
	}

	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})
	s.status.State = StateRunning
	s.status.StartTime = time.Now().UTC()
	s.status.LastError = ""

	go s.loop(runCtx, s.done)

	s.logger.Info().Dur("interval", s.interval).Msg("Rotation scheduler started")
	return nil
}

func (s *Scheduler) loop(ctx context.Context, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.mu.Lock()
			s.status.State = StateStopped
			s.mu.Unlock()
			s.logger.Info().Msg("Rotation scheduler stopped")
			return
		case <-ticker.C:
			// errors are recorded in the status by RunOnce
			_, _ = s.RunOnce(ctx)
		}
	}
}

// RunOnce checks the key once and rotates it if due.
// It returns nil, nil when no rotation was needed. The due check and the
// rotation happen under the manager's lock, so a key rotated by anyone else
// in between is not rotated again.
func (s *Scheduler) RunOnce(ctx context.Context) (*types.RotationRecord, error) {
	s.mu.Lock()
	s.status.LastCheck = time.Now().UTC()
	s.mu.Unlock()

	ctx = audit.WithActor(ctx, audit.ActorScheduler)
	ctx = audit.WithOperation(ctx, audit.OperationScheduledRotate)

	record, err := s.keys.RotateIfDue(ctx, types.ReasonScheduled)
	if record == nil && err == nil {
		return nil, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err != nil {
		s.status.Failures++
		s.status.LastError = err.Error()
		event := s.logger.Error().Err(err)
		if record != nil {
			event = event.Uint64("generation", record.Generation)
		}
		event.Msg("Scheduled rotation failed")
		return record, err
	}

	s.status.Rotations++
	s.status.LastRotation = record.Timestamp
	s.status.LastError = ""
	s.logger.Info().
		Uint64("generation", record.Generation).
		Str("preview", record.KeyPreview).
		Msg("Scheduled rotation completed")
	return record, nil
}

// Stop cancels the loop and waits for it to exit. Stopping an idle scheduler is a no-op.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if s.status.State != StateRunning {
		s.mu.Unlock()
		return
	}
	cancel, done := s.cancel, s.done
	s.mu.Unlock()

	cancel()
	<-done
}

// Shutdown stops the loop and prevents restarts, waiting at most until ctx is done
func (s *Scheduler) Shutdown(ctx context.Context) error {
	s.closeOnce.Do(func() { close(s.shutdownCh) })

	s.mu.Lock()
	cancel, done := s.cancel, s.done
	s.mu.Unlock()

	if cancel == nil {
		return nil
	}
	cancel()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// IsShuttingDown reports whether Shutdown has been called
func (s *Scheduler) IsShuttingDown() bool {
	select {
	case <-s.shutdownCh:
		return true
	default:
		return false
	}
}

// Status returns a copy of the scheduler status
func (s *Scheduler) Status() Status {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.status
}
