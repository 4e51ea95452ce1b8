// Package notifier provides the real-time fan-out of device and command
// state changes to observer connections. It owns all subscriber state; no
// other component holds references to observer connections.
package notifier

import "time"

// Event types pushed to observers.
const (
	EventDeviceRegistered = "device-registered"
	EventDeviceHeartbeat  = "device-heartbeat"
	EventDeviceOffline    = "device-offline"
	EventCommandNew       = "command-new"
	EventCommandUpdate    = "command-update"
)

// Event is one state-change notification scoped to a device.
type Event struct {
	Type      string    `json:"type"`
	DeviceID  string    `json:"deviceId"`
	CommandID string    `json:"commandId,omitempty"`
	Timestamp time.Time `json:"timestamp"`
	Payload   any       `json:"payload,omitempty"`
}

// Publisher delivers events to interested observers. Delivery is
// best-effort and must never block or fail the caller.
type Publisher interface {
	Publish(event Event)
}

// PublisherFunc adapts a function to the Publisher interface.
type PublisherFunc func(event Event)

// Publish calls f(event).
func (f PublisherFunc) Publish(event Event) { f(event) }

// Multi fans one publish out to several publishers.
type Multi []Publisher

// Publish delivers the event to every wrapped publisher.
func (m Multi) Publish(event Event) {
	for _, p := range m {
		p.Publish(event)
	}
}
