package location

import (
	"context"
	"sync"
)

// InMemoryRepository is an in-memory implementation of Repository.
// This is intended for testing. Production should use the PostgreSQL
// implementation.
type InMemoryRepository struct {
	mu     sync.RWMutex
	points map[string][]*Point // keyed by device ID, append order
}

// NewInMemoryRepository creates a new in-memory location repository.
func NewInMemoryRepository() *InMemoryRepository {
	return &InMemoryRepository{
		points: make(map[string][]*Point),
	}
}

// Insert stores one location point.
func (r *InMemoryRepository) Insert(_ context.Context, point *Point) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	p := *point
	r.points[point.DeviceID] = append(r.points[point.DeviceID], &p)
	return nil
}

// History retrieves stored points for a device, oldest first.
func (r *InMemoryRepository) History(_ context.Context, filter HistoryFilter) ([]*Point, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}

	var items []*Point
	for _, point := range r.points[filter.DeviceID] {
		if !filter.Since.IsZero() && point.RecordedAt.Before(filter.Since) {
			continue
		}
		p := *point
		items = append(items, &p)
		if len(items) >= limit {
			break
		}
	}
	return items, nil
}

// Ensure InMemoryRepository implements Repository interface.
var _ Repository = (*InMemoryRepository)(nil)
