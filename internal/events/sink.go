// Package events mirrors notifier events to Google Cloud Pub/Sub so
// external consumers can follow fleet state changes without holding an
// observer connection. Publishing is always fire-and-forget: a broken sink
// never affects the command or acknowledgement path.
package events

import (
	"context"
	"encoding/json"
	"time"

	"cloud.google.com/go/pubsub/v2"
	"github.com/rs/zerolog"
	"github.com/sony/gobreaker/v2"

	"github.com/fleetlink/fleetlink/internal/notifier"
)

const publishTimeout = 5 * time.Second

// SinkConfig holds configuration for the Pub/Sub sink.
type SinkConfig struct {
	ProjectID string
	TopicName string
	Logger    zerolog.Logger
}

// Sink publishes notifier events to a Pub/Sub topic behind a circuit
// breaker: once the broker is failing, events are dropped cheaply instead
// of piling up publish attempts.
type Sink struct {
	client    *pubsub.Client
	publisher *pubsub.Publisher
	breaker   *gobreaker.CircuitBreaker[string]
	log       zerolog.Logger
}

// NewSink creates a new Pub/Sub event sink.
func NewSink(ctx context.Context, cfg SinkConfig) (*Sink, error) {
	client, err := pubsub.NewClient(ctx, cfg.ProjectID)
	if err != nil {
		return nil, err
	}

	log := cfg.Logger.With().Str("component", "event_sink").Logger()

	breaker := gobreaker.NewCircuitBreaker[string](gobreaker.Settings{
		Name:        "pubsub-event-sink",
		MaxRequests: 1,
		Timeout:     60 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
			return counts.Requests >= 5 && failureRatio >= 0.5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn().
				Str("breaker", name).
				Str("from", from.String()).
				Str("to", to.String()).
				Msg("event sink breaker state changed")
		},
	})

	return &Sink{
		client:    client,
		publisher: client.Publisher(cfg.TopicName),
		breaker:   breaker,
		log:       log,
	}, nil
}

// Publish mirrors one event to the topic. Failures are swallowed after
// logging; the caller never observes them.
func (s *Sink) Publish(event notifier.Event) {
	data, err := json.Marshal(event)
	if err != nil {
		s.log.Error().Err(err).Str("event", event.Type).Msg("failed to encode event")
		return
	}

	go func() {
		_, err := s.breaker.Execute(func() (string, error) {
			ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
			defer cancel()

			result := s.publisher.Publish(ctx, &pubsub.Message{
				Data: data,
				Attributes: map[string]string{
					"type":     event.Type,
					"deviceId": event.DeviceID,
				},
			})
			return result.Get(ctx)
		})
		if err != nil {
			s.log.Warn().Err(err).Str("event", event.Type).Msg("event sink publish failed")
		}
	}()
}

// Close flushes pending publishes and closes the client.
func (s *Sink) Close() error {
	s.publisher.Stop()
	return s.client.Close()
}

// Ensure Sink implements notifier.Publisher.
var _ notifier.Publisher = (*Sink)(nil)
