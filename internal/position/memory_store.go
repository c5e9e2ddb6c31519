package position

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// MemoryStore is an in-memory Store used by replay mode and tests. Close
// operations honor the same conditional-claim semantics as the SQL store.
type MemoryStore struct {
	mu        sync.Mutex
	positions map[string]*Position
}

// NewMemoryStore creates an empty in-memory position store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{positions: make(map[string]*Position)}
}

// Create implements Store.
func (s *MemoryStore) Create(_ context.Context, pos *Position) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.positions[pos.ID]; exists {
		return fmt.Errorf("position %s already exists", pos.ID)
	}
	cp := *pos
	s.positions[pos.ID] = &cp
	return nil
}

// UpdatePrice implements Store.
func (s *MemoryStore) UpdatePrice(_ context.Context, id string, currentPrice, unrealizedPnL float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	pos, ok := s.positions[id]
	if !ok {
		return fmt.Errorf("position %s not found", id)
	}
	pos.CurrentPrice = currentPrice
	pos.UnrealizedPnL = unrealizedPnL
	pos.UpdatedAt = time.Now()
	return nil
}

// CloseFull implements Store.
func (s *MemoryStore) CloseFull(_ context.Context, id string, exitPrice float64, exitTime time.Time, realizedPnL float64) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	pos, ok := s.positions[id]
	if !ok {
		return false, fmt.Errorf("position %s not found", id)
	}
	if pos.Status != StatusOpen {
		return false, nil
	}
	pos.Status = StatusClosed
	pos.ExitPrice = &exitPrice
	pos.ExitTime = &exitTime
	pos.RealizedPnL = &realizedPnL
	pos.UpdatedAt = exitTime
	return true, nil
}

// ClosePartial implements Store.
func (s *MemoryStore) ClosePartial(_ context.Context, id string, lot *Position, remaining float64) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	pos, ok := s.positions[id]
	if !ok {
		return false, fmt.Errorf("position %s not found", id)
	}
	if pos.Status != StatusOpen || pos.Quantity < lot.Quantity {
		return false, nil
	}
	pos.Quantity = remaining
	pos.UnrealizedPnL = (pos.CurrentPrice - pos.EntryPrice) * remaining
	pos.UpdatedAt = time.Now()
	lotCopy := *lot
	s.positions[lot.ID] = &lotCopy
	return true, nil
}

// Get implements Store.
func (s *MemoryStore) Get(_ context.Context, id string) (*Position, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	pos, ok := s.positions[id]
	if !ok {
		return nil, fmt.Errorf("position %s not found", id)
	}
	cp := *pos
	return &cp, nil
}

// ListOpen implements Store.
func (s *MemoryStore) ListOpen(_ context.Context) ([]*Position, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	open := make([]*Position, 0)
	for _, pos := range s.positions {
		if pos.Status == StatusOpen {
			cp := *pos
			open = append(open, &cp)
		}
	}
	return open, nil
}

var _ Store = (*MemoryStore)(nil)
