// Package mocks provides hand-written test doubles for the interfaces package.
package mocks

import (
	"context"
	"sync"

	"github.com/root-sector-ltd-and-co-kg/key-lifecycle-module/types"
)

// MockOracle is a mock implementation of interfaces.RiskOracle for testing.
type MockOracle struct {
	mu           sync.Mutex
	StoredEvents []types.Event
	Descriptors  []string
	RiskIndex    float64
	Suffix       string
	StoreErr     error
	RiskErr      error
	ProposeErr   error

	// OnStore runs before an event is recorded, outside the mock's lock
	OnStore func(ctx context.Context, event types.Event)
}

func (m *MockOracle) StoreEvent(ctx context.Context, event types.Event) error {
	if m.OnStore != nil {
		m.OnStore(ctx, event)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.StoreErr != nil {
		return m.StoreErr
	}
	m.StoredEvents = append(m.StoredEvents, event)
	return nil
}

func (m *MockOracle) ComputeRiskIndex(ctx context.Context) (float64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.RiskErr != nil {
		return 0, m.RiskErr
	}
	return m.RiskIndex, nil
}

func (m *MockOracle) ProposeEvolvedStrategy(ctx context.Context, descriptor string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.ProposeErr != nil {
		return "", m.ProposeErr
	}
	m.Descriptors = append(m.Descriptors, descriptor)
	suffix := m.Suffix
	if suffix == "" {
		suffix = "-evolved"
	}
	return descriptor + suffix, nil
}

// Events returns a copy of the stored events
func (m *MockOracle) Events() []types.Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]types.Event(nil), m.StoredEvents...)
}

// MockEntropySource is a mock implementation of interfaces.EntropySource.
// It returns deterministic counter-based bytes unless Err or Block is set.
type MockEntropySource struct {
	mu      sync.Mutex
	counter byte
	Calls   int
	Err     error

	// Block makes Generate wait for the channel or ctx, whichever comes first
	Block chan struct{}
}

func (m *MockEntropySource) Generate(ctx context.Context, n int) ([]byte, error) {
	if m.Block != nil {
		select {
		case <-m.Block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.Calls++
	if m.Err != nil {
		return nil, m.Err
	}
	m.counter++
	out := make([]byte, n)
	for i := range out {
		out[i] = m.counter + byte(i)
	}
	return out, nil
}

// SetErr changes the error returned by subsequent calls
func (m *MockEntropySource) SetErr(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Err = err
}

// MockRotationStore is a mock implementation of interfaces.RotationStore.
type MockRotationStore struct {
	mu      sync.Mutex
	Entries []*types.RotationEntry
	SaveErr error
	ListErr error

	// Block makes SaveRotation wait for the channel or ctx, whichever comes first
	Block chan struct{}
}

func (m *MockRotationStore) SaveRotation(ctx context.Context, entry *types.RotationEntry) error {
	m.mu.Lock()
	block := m.Block
	m.mu.Unlock()
	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.SaveErr != nil {
		return m.SaveErr
	}
	m.Entries = append(m.Entries, entry)
	return nil
}

func (m *MockRotationStore) LatestRotation(ctx context.Context) (*types.RotationEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.ListErr != nil {
		return nil, m.ListErr
	}
	if len(m.Entries) == 0 {
		return nil, types.ErrNotFound
	}
	return m.Entries[len(m.Entries)-1], nil
}

func (m *MockRotationStore) ListRotations(ctx context.Context, limit int) ([]*types.RotationEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.ListErr != nil {
		return nil, m.ListErr
	}
	out := make([]*types.RotationEntry, 0, len(m.Entries))
	for i := len(m.Entries) - 1; i >= 0; i-- {
		if limit > 0 && len(out) == limit {
			break
		}
		out = append(out, m.Entries[i])
	}
	return out, nil
}

// SetBlock makes subsequent saves wait on ch; nil stops blocking
func (m *MockRotationStore) SetBlock(ch chan struct{}) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Block = ch
}

// SetSaveErr changes the error returned by subsequent saves
func (m *MockRotationStore) SetSaveErr(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.SaveErr = err
}
