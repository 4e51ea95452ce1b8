// Package location stores device location telemetry and fans live points
// out to per-device feeds.
package location

import (
	"errors"
	"time"
)

// Domain errors.
var (
	ErrUnknownDevice = errors.New("location for unknown device")
)

// Point is one reported device location.
type Point struct {
	DeviceID   string    `json:"deviceId"`
	Lat        float64   `json:"lat"`
	Lon        float64   `json:"lon"`
	Accuracy   *float64  `json:"accuracy,omitempty"`
	Speed      *float64  `json:"speed,omitempty"`
	RecordedAt time.Time `json:"recordedAt"`
	ReceivedAt time.Time `json:"receivedAt"`
}

// HistoryFilter narrows a historical location query.
type HistoryFilter struct {
	DeviceID string
	Since    time.Time
	Limit    int
}
