package device

import (
	"context"
	"time"
)

// Repository defines the interface for device persistence.
type Repository interface {
	// Get retrieves a device by ID.
	Get(ctx context.Context, deviceID string) (*Device, error)

	// Exists reports whether a device is registered.
	Exists(ctx context.Context, deviceID string) (bool, error)

	// List retrieves devices ordered by registration time, newest first.
	List(ctx context.Context, opts ListOptions) (*ListResult, error)

	// Upsert creates or updates a device by ID.
	// Returns true if a new device was created, false if updated.
	Upsert(ctx context.Context, device *Device) (created bool, err error)

	// Touch sets the device's lastSeen to now. Unknown devices are a
	// no-op, not an error: touch is a side effect of authenticated calls
	// and must never fail them.
	Touch(ctx context.Context, deviceID string, now time.Time) error

	// Snapshot returns lastSeen for every registered device, keyed by ID.
	// The sweep derives presence flips from this.
	Snapshot(ctx context.Context) (map[string]time.Time, error)
}
