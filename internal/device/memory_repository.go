package device

import (
	"context"
	"sort"
	"sync"
	"time"
)

// InMemoryRepository is an in-memory implementation of Repository.
// This is intended for testing. Production should use the PostgreSQL
// implementation.
type InMemoryRepository struct {
	mu      sync.RWMutex
	devices map[string]*Device
}

// NewInMemoryRepository creates a new in-memory device repository.
func NewInMemoryRepository() *InMemoryRepository {
	return &InMemoryRepository{
		devices: make(map[string]*Device),
	}
}

// Get retrieves a device by ID.
func (r *InMemoryRepository) Get(_ context.Context, deviceID string) (*Device, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	device, ok := r.devices[deviceID]
	if !ok {
		return nil, ErrDeviceNotFound
	}
	return copyDevice(device), nil
}

// Exists reports whether a device is registered.
func (r *InMemoryRepository) Exists(_ context.Context, deviceID string) (bool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	_, ok := r.devices[deviceID]
	return ok, nil
}

// List retrieves devices ordered by registration time, newest first.
func (r *InMemoryRepository) List(_ context.Context, opts ListOptions) (*ListResult, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	items := make([]*Device, 0, len(r.devices))
	for _, device := range r.devices {
		items = append(items, copyDevice(device))
	}
	sort.Slice(items, func(i, j int) bool {
		return items[i].RegisteredAt.After(items[j].RegisteredAt)
	})

	limit := opts.Limit
	if limit <= 0 {
		limit = 50
	}
	if len(items) > limit {
		items = items[:limit]
	}

	return &ListResult{Items: items}, nil
}

// Upsert creates or updates a device by ID.
func (r *InMemoryRepository) Upsert(_ context.Context, device *Device) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	existing, ok := r.devices[device.ID]
	if ok {
		existing.Name = device.Name
		existing.Model = device.Model
		existing.OSVersion = device.OSVersion
		existing.AgentVersion = device.AgentVersion
		existing.UpdatedAt = device.UpdatedAt
		return false, nil
	}

	r.devices[device.ID] = copyDevice(device)
	return true, nil
}

// Touch sets the device's lastSeen to now.
func (r *InMemoryRepository) Touch(_ context.Context, deviceID string, now time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if device, ok := r.devices[deviceID]; ok {
		device.LastSeen = now
	}
	return nil
}

// Snapshot returns lastSeen for every registered device.
func (r *InMemoryRepository) Snapshot(_ context.Context) (map[string]time.Time, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	snapshot := make(map[string]time.Time, len(r.devices))
	for id, device := range r.devices {
		snapshot[id] = device.LastSeen
	}
	return snapshot, nil
}

// copyDevice creates a deep copy of a device.
func copyDevice(d *Device) *Device {
	if d == nil {
		return nil
	}

	deviceCopy := &Device{
		ID:           d.ID,
		Name:         d.Name,
		LastSeen:     d.LastSeen,
		RegisteredAt: d.RegisteredAt,
		UpdatedAt:    d.UpdatedAt,
	}

	if d.Model != nil {
		val := *d.Model
		deviceCopy.Model = &val
	}
	if d.OSVersion != nil {
		val := *d.OSVersion
		deviceCopy.OSVersion = &val
	}
	if d.AgentVersion != nil {
		val := *d.AgentVersion
		deviceCopy.AgentVersion = &val
	}

	return deviceCopy
}

// Ensure InMemoryRepository implements Repository interface.
var _ Repository = (*InMemoryRepository)(nil)
