package eventstore

import (
	"context"
	"fmt"

	"github.com/root-sector-ltd-and-co-kg/key-lifecycle-module/interfaces"
	"github.com/root-sector-ltd-and-co-kg/key-lifecycle-module/types"
)

// Fanout stores each event in every wrapped store, in order.
// It stops at the first failure and reports which store failed.
type Fanout struct {
	stores []interfaces.EventStore
}

var _ interfaces.EventStore = (*Fanout)(nil)

// NewFanout skips nil stores
func NewFanout(stores ...interfaces.EventStore) *Fanout {
	f := &Fanout{}
	for _, s := range stores {
		if s != nil {
			f.stores = append(f.stores, s)
		}
	}
	return f
}

// StoreEvent forwards the event to each store
func (f *Fanout) StoreEvent(ctx context.Context, event types.Event) error {
	for i, s := range f.stores {
		if err := s.StoreEvent(ctx, event); err != nil {
			return fmt.Errorf("event store %d of %d: %w", i+1, len(f.stores), err)
		}
	}
	return nil
}
