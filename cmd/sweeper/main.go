// Package main provides the standalone FleetLink sweep worker. It runs the
// same presence and command-TTL sweep as the in-process mode of cmd/api,
// for deployments that want the sweep isolated from request serving.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/fleetlink/fleetlink/internal/command"
	"github.com/fleetlink/fleetlink/internal/database"
	"github.com/fleetlink/fleetlink/internal/device"
	"github.com/fleetlink/fleetlink/internal/events"
	"github.com/fleetlink/fleetlink/internal/monitor"
	"github.com/fleetlink/fleetlink/internal/notifier"
)

// Version and BuildTime are set at compile time via ldflags
var (
	Version   = "dev"
	BuildTime = "unknown"
)

func main() {
	const serviceName = "fleetlink-sweeper"

	log := zerolog.New(os.Stdout).
		With().
		Timestamp().
		Str("service", serviceName).
		Str("version", Version).
		Logger()

	log.Info().
		Str("build_time", BuildTime).
		Msg("starting FleetLink sweeper")

	// Worker also exposes a health endpoint for Cloud Run
	port := os.Getenv("APP_PORT")
	if port == "" {
		port = "8080"
	}

	interval := monitor.DefaultInterval
	if raw := os.Getenv("SWEEP_INTERVAL_SECONDS"); raw != "" {
		seconds, err := strconv.Atoi(raw)
		if err != nil || seconds < 1 {
			log.Fatal().Str("value", raw).Msg("invalid SWEEP_INTERVAL_SECONDS")
		}
		interval = time.Duration(seconds) * time.Second
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Connect to database
	dbConfig := database.ConfigFromEnv()
	pool, err := database.Connect(ctx, dbConfig)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect to database")
	}
	defer pool.Close()
	log.Info().
		Str("host", dbConfig.Host).
		Str("database", dbConfig.Database).
		Msg("database connected")

	// The standalone sweeper has no websocket observers of its own; its
	// notifications go to the Pub/Sub sink when configured, otherwise
	// they are dropped.
	var publisher notifier.Publisher = notifier.PublisherFunc(func(notifier.Event) {})
	if projectID := os.Getenv("PUBSUB_PROJECT_ID"); projectID != "" {
		topic := os.Getenv("PUBSUB_EVENTS_TOPIC")
		if topic == "" {
			topic = "fleetlink-events"
		}
		sink, sinkErr := events.NewSink(ctx, events.SinkConfig{
			ProjectID: projectID,
			TopicName: topic,
			Logger:    log,
		})
		if sinkErr != nil {
			log.Fatal().Err(sinkErr).Msg("failed to initialize event sink")
		}
		defer func() {
			if closeErr := sink.Close(); closeErr != nil {
				log.Error().Err(closeErr).Msg("failed to close event sink")
			}
		}()
		publisher = sink
		log.Info().
			Str("project", projectID).
			Str("topic", topic).
			Msg("event sink initialized")
	}

	deviceService := device.NewService(device.ServiceConfig{
		Repository: device.NewPostgresRepository(pool),
		Publisher:  publisher,
		Logger:     log,
	})
	commandService := command.NewService(command.ServiceConfig{
		Repository: command.NewPostgresRepository(pool),
		Devices:    deviceService,
		Publisher:  publisher,
		Logger:     log,
	})

	sweeper := monitor.NewSweeper(monitor.SweeperConfig{
		Commands:  commandService,
		Presence:  deviceService,
		Publisher: publisher,
		Logger:    log,
		Interval:  interval,
	})

	// Health check endpoint
	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		fmt.Fprintf(w, `{"status":"healthy","version":"%s"}`, Version)
	})

	server := &http.Server{
		Addr:         ":" + port,
		Handler:      mux,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
	}

	go func() {
		log.Info().Str("addr", server.Addr).Msg("health server listening")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("health server error")
		}
	}()

	go sweeper.Run(ctx)
	log.Info().Dur("interval", interval).Msg("sweeper started")

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("shutting down sweeper")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("health server forced to shutdown")
	}

	log.Info().Msg("sweeper stopped")
}
