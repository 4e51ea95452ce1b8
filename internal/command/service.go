package command

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/fleetlink/fleetlink/internal/notifier"
)

// DeviceDirectory answers whether a target device is known. Enqueueing to
// an unknown device fails with ErrInvalidTarget.
type DeviceDirectory interface {
	Exists(ctx context.Context, deviceID string) (bool, error)
}

// ServiceConfig holds dependencies for the command service.
type ServiceConfig struct {
	Repository Repository
	Devices    DeviceDirectory
	Publisher  notifier.Publisher
	Logger     zerolog.Logger

	// Now overrides the clock, for tests. Defaults to time.Now.
	Now func() time.Time

	// StoreRetries bounds internal retries on transient store failures
	// before ErrUnavailable surfaces to the caller. Default: 3.
	StoreRetries uint64
}

// Service implements command dispatch and acknowledgement processing.
type Service struct {
	repo         Repository
	devices      DeviceDirectory
	publisher    notifier.Publisher
	log          zerolog.Logger
	now          func() time.Time
	storeRetries uint64
}

// NewService creates a new command service.
func NewService(cfg ServiceConfig) *Service {
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	retries := cfg.StoreRetries
	if retries == 0 {
		retries = 3
	}
	publisher := cfg.Publisher
	if publisher == nil {
		publisher = notifier.PublisherFunc(func(notifier.Event) {})
	}
	return &Service{
		repo:         cfg.Repository,
		devices:      cfg.Devices,
		publisher:    publisher,
		log:          cfg.Logger.With().Str("component", "command").Logger(),
		now:          now,
		storeRetries: retries,
	}
}

// EnqueueInput is the operator request to queue a command.
type EnqueueInput struct {
	Type        string
	Params      map[string]any
	Priority    string
	TTLSeconds  int
	RequiresAck bool
}

// Enqueue validates and persists a new pending command for a device and
// emits a command-new notification.
func (s *Service) Enqueue(ctx context.Context, deviceID string, input EnqueueInput) (*Command, error) {
	known, err := s.devices.Exists(ctx, deviceID)
	if err != nil {
		return nil, fmt.Errorf("check target device: %w", err)
	}
	if !known {
		return nil, fmt.Errorf("%w: %s", ErrInvalidTarget, deviceID)
	}

	cmdType := Type(input.Type)
	params, err := ValidateParams(cmdType, input.Params)
	if err != nil {
		return nil, err
	}

	priority, ok := ParsePriority(input.Priority)
	if !ok {
		return nil, fmt.Errorf("%w: unknown priority %q", ErrInvalidParams, input.Priority)
	}
	if input.TTLSeconds < 0 {
		return nil, fmt.Errorf("%w: ttl must not be negative", ErrInvalidParams)
	}

	now := s.now()
	cmd := &Command{
		ID:          "cmd_" + uuid.NewString(),
		DeviceID:    deviceID,
		Type:        cmdType,
		Params:      params,
		Priority:    priority,
		Status:      StatusPending,
		RequiresAck: input.RequiresAck,
		CreatedAt:   now,
	}
	if input.TTLSeconds > 0 {
		cmd.ExpiresAt = now.Add(time.Duration(input.TTLSeconds) * time.Second)
	}

	if err := s.repo.Create(ctx, cmd); err != nil {
		return nil, fmt.Errorf("persist command: %w", err)
	}

	s.log.Info().
		Str("command_id", cmd.ID).
		Str("device_id", deviceID).
		Str("type", string(cmd.Type)).
		Str("priority", cmd.Priority.String()).
		Msg("command enqueued")

	s.publisher.Publish(notifier.Event{
		Type:      notifier.EventCommandNew,
		DeviceID:  deviceID,
		CommandID: cmd.ID,
		Timestamp: now,
		Payload:   eventPayload(cmd),
	})

	return cmd, nil
}

// ClaimPending atomically claims up to limit pending commands for a polling
// device, ordered by priority then creation time. Transient store failures
// are retried a bounded number of times before ErrUnavailable surfaces; the
// device is expected to re-poll.
func (s *Service) ClaimPending(ctx context.Context, deviceID string, limit int) ([]*Command, error) {
	var claimed []*Command

	operation := func() error {
		var err error
		claimed, err = s.repo.ClaimPending(ctx, deviceID, limit, s.now())
		return err
	}

	bo := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewExponentialBackOff(), s.storeRetries), ctx)
	if err := backoff.Retry(operation, bo); err != nil {
		s.log.Error().Err(err).Str("device_id", deviceID).Msg("claim failed after retries")
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	if len(claimed) > 0 {
		s.log.Debug().
			Str("device_id", deviceID).
			Int("count", len(claimed)).
			Msg("commands claimed")
	}
	return claimed, nil
}

// AckResult is the outcome of an acknowledgement.
type AckResult struct {
	Command *Command

	// Applied is false when the command was already terminal and the ack
	// was absorbed as an idempotent no-op.
	Applied bool
}

// Acknowledge applies a device-reported outcome to a claimed command.
// Re-delivered acks on an already-terminal command are idempotent: the
// current state is returned unchanged and no notification is re-emitted.
func (s *Service) Acknowledge(ctx context.Context, commandID, deviceID string, success bool, result, errMsg *string) (*AckResult, error) {
	cmd, err := s.repo.Get(ctx, commandID)
	if err != nil {
		return nil, err
	}
	if cmd.DeviceID != deviceID {
		return nil, fmt.Errorf("%w: command %s", ErrForbidden, commandID)
	}
	if cmd.Status == StatusPending {
		// The device never claimed this command.
		return nil, fmt.Errorf("%w: command %s was not dispatched", ErrInvalidState, commandID)
	}
	if cmd.Status.Terminal() {
		return &AckResult{Command: cmd, Applied: false}, nil
	}

	status := StatusCompleted
	if !success {
		status = StatusFailed
	}

	now := s.now()
	applied, err := s.repo.Complete(ctx, commandID, status, result, errMsg, now)
	if err != nil {
		return nil, fmt.Errorf("complete command: %w", err)
	}

	cmd, err = s.repo.Get(ctx, commandID)
	if err != nil {
		return nil, err
	}

	if !applied {
		// Lost the race against the sweep or a duplicate ack; the state
		// that won stands.
		return &AckResult{Command: cmd, Applied: false}, nil
	}

	s.log.Info().
		Str("command_id", commandID).
		Str("device_id", deviceID).
		Str("status", string(cmd.Status)).
		Msg("command acknowledged")

	s.publisher.Publish(notifier.Event{
		Type:      notifier.EventCommandUpdate,
		DeviceID:  deviceID,
		CommandID: commandID,
		Timestamp: now,
		Payload:   eventPayload(cmd),
	})

	return &AckResult{Command: cmd, Applied: true}, nil
}

// Cancel cancels a command that is still pending. Claimed commands cannot
// be cancelled: the device may already be executing them.
func (s *Service) Cancel(ctx context.Context, commandID string) (*Command, error) {
	now := s.now()
	cancelled, err := s.repo.CancelPending(ctx, commandID, now)
	if err != nil {
		return nil, err
	}

	cmd, err := s.repo.Get(ctx, commandID)
	if err != nil {
		return nil, err
	}
	if !cancelled {
		return nil, fmt.Errorf("%w: cannot cancel %s command", ErrInvalidState, cmd.Status)
	}

	s.log.Info().
		Str("command_id", commandID).
		Str("device_id", cmd.DeviceID).
		Msg("command cancelled")

	s.publisher.Publish(notifier.Event{
		Type:      notifier.EventCommandUpdate,
		DeviceID:  cmd.DeviceID,
		CommandID: commandID,
		Timestamp: now,
		Payload:   eventPayload(cmd),
	})

	return cmd, nil
}

// Retry spawns a new pending command copying the target, type, params and
// priority of a failed or timed-out original. The original is untouched.
func (s *Service) Retry(ctx context.Context, commandID string) (*Command, error) {
	original, err := s.repo.Get(ctx, commandID)
	if err != nil {
		return nil, err
	}
	if original.Status != StatusFailed && original.Status != StatusTimedOut {
		return nil, fmt.Errorf("%w: cannot retry %s command", ErrInvalidState, original.Status)
	}

	now := s.now()
	cmd := &Command{
		ID:          "cmd_" + uuid.NewString(),
		DeviceID:    original.DeviceID,
		Type:        original.Type,
		Params:      original.Params,
		Priority:    original.Priority,
		Status:      StatusPending,
		RequiresAck: original.RequiresAck,
		RetryOf:     original.ID,
		CreatedAt:   now,
	}

	if err := s.repo.Create(ctx, cmd); err != nil {
		return nil, fmt.Errorf("persist retry: %w", err)
	}

	s.log.Info().
		Str("command_id", cmd.ID).
		Str("retry_of", original.ID).
		Str("device_id", cmd.DeviceID).
		Msg("command retried")

	s.publisher.Publish(notifier.Event{
		Type:      notifier.EventCommandNew,
		DeviceID:  cmd.DeviceID,
		CommandID: cmd.ID,
		Timestamp: now,
		Payload:   eventPayload(cmd),
	})

	return cmd, nil
}

// Get retrieves a command by id.
func (s *Service) Get(ctx context.Context, commandID string) (*Command, error) {
	return s.repo.Get(ctx, commandID)
}

// List retrieves commands matching the filter.
func (s *Service) List(ctx context.Context, filter ListFilter) (*ListResult, error) {
	if filter.Status != "" && !filter.Status.Valid() {
		return nil, fmt.Errorf("%w: unknown status %q", ErrInvalidParams, filter.Status)
	}
	return s.repo.List(ctx, filter)
}

// ExpireOverdue sweeps overdue in-flight commands to timed_out, emitting a
// command-update per expiry. Called by the heartbeat monitor's sweep.
func (s *Service) ExpireOverdue(ctx context.Context) (int, error) {
	now := s.now()
	expired, err := s.repo.ExpireOverdue(ctx, now)
	if err != nil {
		return 0, err
	}

	for _, cmd := range expired {
		s.log.Info().
			Str("command_id", cmd.ID).
			Str("device_id", cmd.DeviceID).
			Msg("command timed out")
		s.publisher.Publish(notifier.Event{
			Type:      notifier.EventCommandUpdate,
			DeviceID:  cmd.DeviceID,
			CommandID: cmd.ID,
			Timestamp: now,
			Payload:   eventPayload(cmd),
		})
	}
	return len(expired), nil
}

// eventPayload is the command summary carried in notifications.
func eventPayload(cmd *Command) map[string]any {
	payload := map[string]any{
		"type":     string(cmd.Type),
		"status":   string(cmd.Status),
		"priority": cmd.Priority.String(),
	}
	if cmd.Result != nil {
		payload["result"] = *cmd.Result
	}
	if cmd.Error != nil {
		payload["error"] = *cmd.Error
	}
	return payload
}
