package workflow

import (
	"context"
	"fmt"
	"sync"
)

// MemoryExecutionStore keeps archived snapshots in process memory.
type MemoryExecutionStore struct {
	snapshots map[string]ExecutionSnapshot
	mu        sync.RWMutex
}

// NewMemoryExecutionStore creates an empty store.
func NewMemoryExecutionStore() *MemoryExecutionStore {
	return &MemoryExecutionStore{
		snapshots: make(map[string]ExecutionSnapshot),
	}
}

// Save stores a copy of snap, replacing any earlier snapshot of the same execution
func (s *MemoryExecutionStore) Save(_ context.Context, snap *ExecutionSnapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.snapshots[snap.ExecutionID] = *snap
	return nil
}

// Get retrieves a snapshot by execution id
func (s *MemoryExecutionStore) Get(_ context.Context, executionID string) (*ExecutionSnapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	snap, ok := s.snapshots[executionID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrExecutionNotFound, executionID)
	}
	return &snap, nil
}

// List returns the newest snapshots for userID (all users when empty).
// limit <= 0 means no limit.
func (s *MemoryExecutionStore) List(_ context.Context, userID string, limit int) ([]ExecutionSnapshot, error) {
	s.mu.RLock()
	result := make([]ExecutionSnapshot, 0, len(s.snapshots))
	for _, snap := range s.snapshots {
		if userID == "" || snap.UserID == userID {
			result = append(result, snap)
		}
	}
	s.mu.RUnlock()

	sortSnapshots(result)
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

// Delete removes a snapshot; deleting an unknown id is not an error
func (s *MemoryExecutionStore) Delete(_ context.Context, executionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.snapshots, executionID)
	return nil
}
