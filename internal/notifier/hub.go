package notifier

import (
	"sync"

	"github.com/rs/zerolog"
)

// defaultBuffer is the per-subscriber event buffer. A subscriber that falls
// this far behind starts losing events rather than slowing publishers down.
const defaultBuffer = 64

// Hub maintains subscriber interest sets and fans published events out to
// every matching subscription. Publishing is non-blocking: a slow or dead
// subscriber never blocks the command or acknowledgement path.
type Hub struct {
	log zerolog.Logger

	mu   sync.RWMutex
	subs map[*Subscription]struct{}

	buffer int
}

// NewHub creates a new Hub.
func NewHub(log zerolog.Logger) *Hub {
	return &Hub{
		log:    log.With().Str("component", "notifier").Logger(),
		subs:   make(map[*Subscription]struct{}),
		buffer: defaultBuffer,
	}
}

// Subscription binds one observer connection to a set of device IDs, or to
// all devices. It is owned by the Hub and must be closed when the observer
// connection goes away.
type Subscription struct {
	hub *Hub

	events chan Event

	mu      sync.Mutex
	all     bool
	devices map[string]struct{}
	closed  bool
	dropped int
}

// Subscribe registers a new subscription with no initial interests. Call
// Watch or WatchAll to receive events, and Close when the observer
// connection ends.
func (h *Hub) Subscribe() *Subscription {
	sub := &Subscription{
		hub:     h,
		events:  make(chan Event, h.buffer),
		devices: make(map[string]struct{}),
	}

	h.mu.Lock()
	h.subs[sub] = struct{}{}
	h.mu.Unlock()

	return sub
}

// Publish delivers the event to every subscription whose interest set
// matches the event's device. Events queued to one subscriber are received
// in publish order; events a subscriber cannot buffer are dropped.
func (h *Hub) Publish(event Event) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for sub := range h.subs {
		if !sub.matches(event.DeviceID) {
			continue
		}
		select {
		case sub.events <- event:
		default:
			sub.noteDrop()
			h.log.Warn().
				Str("event", event.Type).
				Str("device_id", event.DeviceID).
				Msg("subscriber buffer full, event dropped")
		}
	}
}

// SubscriberCount returns the number of live subscriptions.
func (h *Hub) SubscriberCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

func (h *Hub) remove(sub *Subscription) {
	h.mu.Lock()
	delete(h.subs, sub)
	h.mu.Unlock()
}

// Events returns the channel the subscription's events arrive on. The
// channel is closed by Close.
func (s *Subscription) Events() <-chan Event {
	return s.events
}

// Watch adds a device to the subscription's interest set.
func (s *Subscription) Watch(deviceID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.devices[deviceID] = struct{}{}
}

// WatchAll switches the subscription to receive events for every device.
func (s *Subscription) WatchAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.all = true
}

// Unwatch removes a device from the interest set. It does not undo
// WatchAll.
func (s *Subscription) Unwatch(deviceID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.devices, deviceID)
}

// Close removes the subscription from the hub and closes its event channel.
// It is safe to call more than once. After Close returns no further events
// are delivered, so observer teardown cannot leak subscriber state.
func (s *Subscription) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.mu.Unlock()

	s.hub.remove(s)
	close(s.events)
}

// Dropped returns how many events this subscription has lost to a full
// buffer.
func (s *Subscription) Dropped() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dropped
}

func (s *Subscription) matches(deviceID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	if s.all {
		return true
	}
	_, ok := s.devices[deviceID]
	return ok
}

func (s *Subscription) noteDrop() {
	s.mu.Lock()
	s.dropped++
	s.mu.Unlock()
}
