// Package main provides the entrypoint for the FleetLink API server.
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/fleetlink/fleetlink/internal/api"
	"github.com/fleetlink/fleetlink/internal/api/middleware"
	"github.com/fleetlink/fleetlink/internal/auth"
	"github.com/fleetlink/fleetlink/internal/command"
	"github.com/fleetlink/fleetlink/internal/database"
	"github.com/fleetlink/fleetlink/internal/device"
	"github.com/fleetlink/fleetlink/internal/events"
	"github.com/fleetlink/fleetlink/internal/location"
	"github.com/fleetlink/fleetlink/internal/monitor"
	"github.com/fleetlink/fleetlink/internal/notifier"
	"github.com/fleetlink/fleetlink/internal/telemetry"
)

// Version and BuildTime are set at compile time via ldflags.
var (
	Version   = "dev"
	BuildTime = "unknown"
)

func main() {
	const serviceName = "fleetlink-api"

	// Setup structured logging
	log := zerolog.New(os.Stdout).
		With().
		Timestamp().
		Str("service", serviceName).
		Str("version", Version).
		Logger()

	log.Info().
		Str("build_time", BuildTime).
		Msg("starting FleetLink API")

	// Get configuration from environment
	port := os.Getenv("APP_PORT")
	if port == "" {
		port = "8080"
	}

	otlpEndpoint := os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT")
	if otlpEndpoint == "" {
		otlpEndpoint = "localhost:4317"
	}

	env := os.Getenv("APP_ENV")
	if env == "" {
		env = "development"
	}

	// Initialize OpenTelemetry
	ctx := context.Background()
	telemetryEnabled := os.Getenv("OTEL_ENABLED") == "true"

	tp, err := telemetry.Init(ctx, telemetry.Config{
		ServiceName:    serviceName,
		ServiceVersion: Version,
		Environment:    env,
		OTLPEndpoint:   otlpEndpoint,
		Enabled:        telemetryEnabled,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialize telemetry")
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if shutdownErr := tp.Shutdown(shutdownCtx); shutdownErr != nil {
			log.Error().Err(shutdownErr).Msg("failed to shutdown telemetry")
		}
	}()

	if telemetryEnabled {
		log.Info().
			Str("otlp_endpoint", otlpEndpoint).
			Msg("OpenTelemetry initialized")
	}

	// Initialize metrics
	metrics, err := middleware.NewMetrics()
	if err != nil {
		log.Error().Err(err).Msg("failed to initialize metrics")
		os.Exit(1) //nolint:gocritic // intentional exit, telemetry cleanup is best-effort
	}

	// Connect to database
	dbConfig := database.ConfigFromEnv()
	pool, err := database.Connect(ctx, dbConfig)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect to database")
	}
	defer pool.Close()
	log.Info().
		Str("host", dbConfig.Host).
		Int("port", dbConfig.Port).
		Str("database", dbConfig.Database).
		Msg("database connected")

	// Initialize JWT auth (get signing key from environment)
	jwtSigningKey := os.Getenv("JWT_SIGNING_KEY")
	if jwtSigningKey == "" {
		jwtSigningKey = "local-dev-signing-key-change-in-production"
		log.Warn().Msg("using default JWT signing key - not secure for production")
	}
	authService := auth.NewService(auth.Config{
		SigningKey: jwtSigningKey,
	})
	log.Info().Msg("auth service initialized")

	// Notifier hub fans events out to connected observers. An optional
	// Pub/Sub sink mirrors the same events for external consumers.
	hub := notifier.NewHub(log)
	var publisher notifier.Publisher = hub

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
		publisher = notifier.Multi{hub, sink}
		log.Info().
			Str("project", projectID).
			Str("topic", topic).
			Msg("event sink initialized")
	}

	// Initialize device registry
	deviceRepo := device.NewPostgresRepository(pool)
	deviceService := device.NewService(device.ServiceConfig{
		Repository: deviceRepo,
		Publisher:  publisher,
		Logger:     log,
	})
	log.Info().Msg("device service initialized")

	// Initialize command dispatch
	commandRepo := command.NewPostgresRepository(pool)
	commandService := command.NewService(command.ServiceConfig{
		Repository: commandRepo,
		Devices:    deviceService,
		Publisher:  publisher,
		Logger:     log,
	})
	log.Info().Msg("command service initialized")

	// Initialize location telemetry
	locationRepo := location.NewPostgresRepository(pool)
	locationService := location.NewService(location.ServiceConfig{
		Repository: locationRepo,
		Devices:    deviceService,
		Logger:     log,
	})
	log.Info().Msg("location service initialized")

	// In-process sweep: presence flips and command TTL expiry. Disable
	// with SWEEP_ENABLED=false when cmd/sweeper runs standalone.
	sweepCtx, stopSweep := context.WithCancel(ctx)
	defer stopSweep()
	if os.Getenv("SWEEP_ENABLED") != "false" {
		sweeper := monitor.NewSweeper(monitor.SweeperConfig{
			Commands:  commandService,
			Presence:  deviceService,
			Publisher: publisher,
			Logger:    log,
		})
		go sweeper.Run(sweepCtx)
		log.Info().Msg("sweeper started")
	}

	// Create router with configuration
	router := api.NewRouter(api.RouterConfig{
		Version:         Version,
		BuildTime:       BuildTime,
		Logger:          log,
		ServiceName:     serviceName,
		Metrics:         metrics,
		AuthService:     authService,
		DeviceService:   deviceService,
		CommandService:  commandService,
		LocationService: locationService,
		Hub:             hub,
		ReadyCheck:      pool.Ping,
	})

	// Create HTTP server
	server := &http.Server{
		Addr:         ":" + port,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Start server in goroutine
	go func() {
		log.Info().
			Str("addr", server.Addr).
			Msg("server listening")

		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("server error")
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("shutting down server")
	stopSweep()

	// Graceful shutdown with timeout
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("server forced to shutdown")
		os.Exit(1)
	}

	log.Info().Msg("server stopped")
}
