package store

import (
	"context"
	"fmt"
	"sync"

	"github.com/root-sector-ltd-and-co-kg/key-lifecycle-module/interfaces"
	"github.com/root-sector-ltd-and-co-kg/key-lifecycle-module/types"
)

// MemoryStore keeps rotation history in process memory, bounded to maxSize entries.
// Entries stay in write order, so the latest entry is the last one saved.
type MemoryStore struct {
	mu      sync.RWMutex
	entries []*types.RotationEntry
	maxSize int
}

// NewMemoryStore creates an in-memory store. maxSize <= 0 keeps everything.
func NewMemoryStore(maxSize int) interfaces.RotationStore {
	return &MemoryStore{maxSize: maxSize}
}

// SaveRotation appends an entry, evicting the oldest when full
func (s *MemoryStore) SaveRotation(ctx context.Context, entry *types.RotationEntry) error {
	if entry == nil || entry.Record.ID == "" {
		return fmt.Errorf("rotation entry with an ID is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	copied := *entry
	s.entries = append(s.entries, &copied)
	if s.maxSize > 0 && len(s.entries) > s.maxSize {
		s.entries = s.entries[len(s.entries)-s.maxSize:]
	}
	return nil
}

// LatestRotation returns the most recently saved entry
func (s *MemoryStore) LatestRotation(ctx context.Context) (*types.RotationEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if len(s.entries) == 0 {
		return nil, types.ErrNotFound
	}
	latest := *s.entries[len(s.entries)-1]
	return &latest, nil
}

// ListRotations returns up to limit entries, newest first
func (s *MemoryStore) ListRotations(ctx context.Context, limit int) ([]*types.RotationEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*types.RotationEntry, 0, len(s.entries))
	for i := len(s.entries) - 1; i >= 0; i-- {
		if limit > 0 && len(out) == limit {
			break
		}
		copied := *s.entries[i]
		out = append(out, &copied)
	}
	return out, nil
}
