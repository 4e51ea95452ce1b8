// Package monitor runs the periodic sweep that expires overdue commands and
// flips stale device presence.
package monitor

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/fleetlink/fleetlink/internal/notifier"
	"github.com/fleetlink/fleetlink/internal/presence"
)

// DefaultInterval is how often the sweep runs.
const DefaultInterval = 60 * time.Second

// CommandExpirer expires overdue in-flight commands. The implementation
// must use conditional transitions so an acknowledgement racing the sweep
// resolves to one winner.
type CommandExpirer interface {
	ExpireOverdue(ctx context.Context) (int, error)
}

// PresenceSource exposes the per-device last-contact snapshot the sweep
// derives presence from.
type PresenceSource interface {
	Snapshot(ctx context.Context) (map[string]time.Time, error)
	OnlineThreshold() time.Duration
}

// SweeperConfig holds dependencies for the sweeper.
type SweeperConfig struct {
	Commands  CommandExpirer
	Presence  PresenceSource
	Publisher notifier.Publisher
	Logger    zerolog.Logger

	// Interval between sweeps. Defaults to DefaultInterval.
	Interval time.Duration

	// Now overrides the clock, for tests. Defaults to time.Now.
	Now func() time.Time
}

// Sweeper periodically expires overdue commands and emits device-offline
// notifications for devices whose derived presence flipped since the last
// pass. The previously observed status kept here is only an edge detector;
// presence itself is always re-derived from lastSeen.
type Sweeper struct {
	commands  CommandExpirer
	presence  PresenceSource
	publisher notifier.Publisher
	log       zerolog.Logger
	interval  time.Duration
	now       func() time.Time

	mu       sync.Mutex
	lastSeen map[string]presence.Status
}

// NewSweeper creates a new sweeper.
func NewSweeper(cfg SweeperConfig) *Sweeper {
	interval := cfg.Interval
	if interval <= 0 {
		interval = DefaultInterval
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	publisher := cfg.Publisher
	if publisher == nil {
		publisher = notifier.PublisherFunc(func(notifier.Event) {})
	}
	return &Sweeper{
		commands:  cfg.Commands,
		presence:  cfg.Presence,
		publisher: publisher,
		log:       cfg.Logger.With().Str("component", "sweeper").Logger(),
		interval:  interval,
		now:       now,
		lastSeen:  make(map[string]presence.Status),
	}
}

// Run sweeps on the configured interval until the context is cancelled. It
// runs on its own timer and never blocks in-flight requests.
func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.log.Info().Dur("interval", s.interval).Msg("sweeper started")

	for {
		select {
		case <-ctx.Done():
			s.log.Info().Msg("sweeper stopped")
			return
		case <-ticker.C:
			s.Sweep(ctx)
		}
	}
}

// Sweep runs a single pass: command TTL expiry first, then presence flips.
func (s *Sweeper) Sweep(ctx context.Context) {
	start := s.now()

	expired, err := s.commands.ExpireOverdue(ctx)
	if err != nil {
		s.log.Error().Err(err).Msg("command expiry sweep failed")
	}

	flipped, err := s.sweepPresence(ctx)
	if err != nil {
		s.log.Error().Err(err).Msg("presence sweep failed")
	}

	if expired > 0 || flipped > 0 {
		s.log.Info().
			Int("commands_expired", expired).
			Int("devices_offline", flipped).
			Dur("duration", s.now().Sub(start)).
			Msg("sweep completed")
	}
}

// sweepPresence derives presence for every device and emits device-offline
// for each online-to-offline flip since the previous pass.
func (s *Sweeper) sweepPresence(ctx context.Context) (int, error) {
	snapshot, err := s.presence.Snapshot(ctx)
	if err != nil {
		return 0, err
	}

	now := s.now()
	threshold := s.presence.OnlineThreshold()

	s.mu.Lock()
	defer s.mu.Unlock()

	flipped := 0
	current := make(map[string]presence.Status, len(snapshot))
	for deviceID, lastSeen := range snapshot {
		status := presence.Derive(lastSeen, now, threshold)
		current[deviceID] = status

		if status == presence.StatusOffline && s.lastSeen[deviceID] == presence.StatusOnline {
			flipped++
			s.log.Info().
				Str("device_id", deviceID).
				Time("last_seen", lastSeen).
				Msg("device went offline")
			s.publisher.Publish(notifier.Event{
				Type:      notifier.EventDeviceOffline,
				DeviceID:  deviceID,
				Timestamp: now,
				Payload:   map[string]any{"lastSeen": lastSeen},
			})
		}
	}
	s.lastSeen = current

	return flipped, nil
}
