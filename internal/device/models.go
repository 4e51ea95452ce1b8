// Package device provides the registry of fleet devices and their derived
// presence.
package device

import (
	"errors"
	"time"
)

// Repository errors.
var (
	ErrDeviceNotFound = errors.New("device not found")
)

// Device represents a managed fleet device.
type Device struct {
	ID           string
	Name         string
	Model        *string
	OSVersion    *string
	AgentVersion *string

	// LastSeen is the time of the most recent authenticated contact from
	// the device. Zero means the device has never checked in. Online or
	// offline is always derived from this, never stored.
	LastSeen time.Time

	RegisteredAt time.Time
	UpdatedAt    time.Time
}

// ListOptions contains options for listing devices.
type ListOptions struct {
	Limit int
}

// ListResult contains the result of listing devices.
type ListResult struct {
	Items      []*Device
	NextCursor string
}
