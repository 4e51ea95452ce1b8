package device

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/fleetlink/fleetlink/internal/notifier"
	"github.com/fleetlink/fleetlink/internal/presence"
)

// ServiceConfig holds dependencies for the device service.
type ServiceConfig struct {
	Repository Repository
	Publisher  notifier.Publisher
	Logger     zerolog.Logger

	// OnlineThreshold controls presence derivation.
	// Defaults to presence.DefaultOnlineThreshold.
	OnlineThreshold time.Duration

	// Now overrides the clock, for tests. Defaults to time.Now.
	Now func() time.Time
}

// Service provides device registry operations and the presence side channel.
type Service struct {
	repo      Repository
	publisher notifier.Publisher
	log       zerolog.Logger
	threshold time.Duration
	now       func() time.Time
}

// NewService creates a new device service.
func NewService(cfg ServiceConfig) *Service {
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	threshold := cfg.OnlineThreshold
	if threshold <= 0 {
		threshold = presence.DefaultOnlineThreshold
	}
	publisher := cfg.Publisher
	if publisher == nil {
		publisher = notifier.PublisherFunc(func(notifier.Event) {})
	}
	return &Service{
		repo:      cfg.Repository,
		publisher: publisher,
		log:       cfg.Logger.With().Str("component", "device").Logger(),
		threshold: threshold,
		now:       now,
	}
}

// RegisterInput is a device registration request.
type RegisterInput struct {
	DeviceID     string
	Name         string
	Model        *string
	OSVersion    *string
	AgentVersion *string
}

// Register registers or updates a device and emits a device-registered
// notification on first registration. Returns the device and whether it was
// newly created.
func (s *Service) Register(ctx context.Context, input RegisterInput) (*Device, bool, error) {
	now := s.now()

	device := &Device{
		ID:           input.DeviceID,
		Name:         input.Name,
		Model:        input.Model,
		OSVersion:    input.OSVersion,
		AgentVersion: input.AgentVersion,
		RegisteredAt: now,
		UpdatedAt:    now,
	}

	created, err := s.repo.Upsert(ctx, device)
	if err != nil {
		return nil, false, err
	}

	if created {
		s.log.Info().Str("device_id", device.ID).Str("name", device.Name).Msg("device registered")
		s.publisher.Publish(notifier.Event{
			Type:      notifier.EventDeviceRegistered,
			DeviceID:  device.ID,
			Timestamp: now,
			Payload:   map[string]any{"name": device.Name},
		})
	}

	return device, created, nil
}

// Get retrieves a device by ID.
func (s *Service) Get(ctx context.Context, deviceID string) (*Device, error) {
	return s.repo.Get(ctx, deviceID)
}

// List retrieves registered devices.
func (s *Service) List(ctx context.Context, limit int) (*ListResult, error) {
	return s.repo.List(ctx, ListOptions{Limit: limit})
}

// Exists reports whether a device is registered.
func (s *Service) Exists(ctx context.Context, deviceID string) (bool, error) {
	return s.repo.Exists(ctx, deviceID)
}

// Status derives the current presence of a device.
func (s *Service) Status(d *Device) presence.Status {
	return presence.Derive(d.LastSeen, s.now(), s.threshold)
}

// Touch records device contact, updating lastSeen. It is called as a side
// effect of every authenticated device request and never fails the caller;
// store errors are logged and swallowed.
func (s *Service) Touch(ctx context.Context, deviceID string) {
	if err := s.repo.Touch(ctx, deviceID, s.now()); err != nil {
		s.log.Warn().Err(err).Str("device_id", deviceID).Msg("touch failed")
	}
}

// Heartbeat records device contact and emits a device-heartbeat
// notification to observers.
func (s *Service) Heartbeat(ctx context.Context, deviceID string) {
	now := s.now()
	s.Touch(ctx, deviceID)
	s.publisher.Publish(notifier.Event{
		Type:      notifier.EventDeviceHeartbeat,
		DeviceID:  deviceID,
		Timestamp: now,
	})
}

// Snapshot returns lastSeen for every registered device.
func (s *Service) Snapshot(ctx context.Context) (map[string]time.Time, error) {
	return s.repo.Snapshot(ctx)
}

// OnlineThreshold returns the configured presence threshold.
func (s *Service) OnlineThreshold() time.Duration {
	return s.threshold
}
