// Package presence derives device online/offline state from last-contact
// timestamps. Status is never stored: it is a pure function of lastSeen and
// the clock, recomputed everywhere it is read so the sweep and on-demand
// reads can never disagree.
package presence

import "time"

// DefaultOnlineThreshold is how recently a device must have been seen to
// count as online.
const DefaultOnlineThreshold = 5 * time.Minute

// Status is the derived liveness of a device.
type Status string

const (
	StatusOnline  Status = "online"
	StatusOffline Status = "offline"
)

// Derive computes the status for a device last seen at lastSeen. A zero
// lastSeen means the device has never contacted the server.
func Derive(lastSeen, now time.Time, threshold time.Duration) Status {
	if threshold <= 0 {
		threshold = DefaultOnlineThreshold
	}
	if lastSeen.IsZero() {
		return StatusOffline
	}
	if now.Sub(lastSeen) < threshold {
		return StatusOnline
	}
	return StatusOffline
}
