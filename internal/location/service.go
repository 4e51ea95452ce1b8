package location

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// feedBuffer is the per-watcher point buffer. A watcher that cannot keep up
// loses points; live feeds resume live, they never backfill.
const feedBuffer = 32

// DeviceDirectory answers whether a device is known.
type DeviceDirectory interface {
	Exists(ctx context.Context, deviceID string) (bool, error)
}

// ServiceConfig holds dependencies for the location service.
type ServiceConfig struct {
	Repository Repository
	Devices    DeviceDirectory
	Logger     zerolog.Logger

	// Now overrides the clock, for tests. Defaults to time.Now.
	Now func() time.Time
}

// Service ingests device location telemetry, persists it, and fans live
// points out to per-device watchers.
type Service struct {
	repo    Repository
	devices DeviceDirectory
	log     zerolog.Logger
	now     func() time.Time

	mu       sync.RWMutex
	watchers map[string]map[*Watcher]struct{} // device ID -> watchers
}

// NewService creates a new location service.
func NewService(cfg ServiceConfig) *Service {
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &Service{
		repo:     cfg.Repository,
		devices:  cfg.Devices,
		log:      cfg.Logger.With().Str("component", "location").Logger(),
		now:      now,
		watchers: make(map[string]map[*Watcher]struct{}),
	}
}

// Ingest validates, stores and fans out one reported point.
func (s *Service) Ingest(ctx context.Context, point *Point) error {
	known, err := s.devices.Exists(ctx, point.DeviceID)
	if err != nil {
		return fmt.Errorf("check device: %w", err)
	}
	if !known {
		return fmt.Errorf("%w: %s", ErrUnknownDevice, point.DeviceID)
	}

	point.ReceivedAt = s.now()
	if point.RecordedAt.IsZero() {
		point.RecordedAt = point.ReceivedAt
	}

	if err := s.repo.Insert(ctx, point); err != nil {
		return fmt.Errorf("store point: %w", err)
	}

	s.fanOut(point)
	return nil
}

// History retrieves stored points for a device, oldest first.
func (s *Service) History(ctx context.Context, filter HistoryFilter) ([]*Point, error) {
	return s.repo.History(ctx, filter)
}

// Watcher is one live-feed consumer for a single device.
type Watcher struct {
	service  *Service
	deviceID string
	points   chan *Point

	mu     sync.Mutex
	closed bool
}

// Watch registers a live feed for one device. The watcher receives points
// ingested after this call, in order; it must be closed when the consumer
// disconnects.
func (s *Service) Watch(deviceID string) *Watcher {
	w := &Watcher{
		service:  s,
		deviceID: deviceID,
		points:   make(chan *Point, feedBuffer),
	}

	s.mu.Lock()
	set, ok := s.watchers[deviceID]
	if !ok {
		set = make(map[*Watcher]struct{})
		s.watchers[deviceID] = set
	}
	set[w] = struct{}{}
	s.mu.Unlock()

	return w
}

// Points returns the live point stream. Closed by Close.
func (w *Watcher) Points() <-chan *Point {
	return w.points
}

// Close removes the watcher from the feed. Safe to call more than once.
func (w *Watcher) Close() {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return
	}
	w.closed = true
	w.mu.Unlock()

	s := w.service
	s.mu.Lock()
	if set, ok := s.watchers[w.deviceID]; ok {
		delete(set, w)
		if len(set) == 0 {
			delete(s.watchers, w.deviceID)
		}
	}
	s.mu.Unlock()

	close(w.points)
}

// WatcherCount returns the number of live watchers for a device.
func (s *Service) WatcherCount(deviceID string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.watchers[deviceID])
}

func (s *Service) fanOut(point *Point) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for w := range s.watchers[point.DeviceID] {
		select {
		case w.points <- point:
		default:
			s.log.Warn().
				Str("device_id", point.DeviceID).
				Msg("location watcher buffer full, point dropped")
		}
	}
}
