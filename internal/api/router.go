// Package api provides the HTTP API for FleetLink.
package api

import (
	"context"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"github.com/fleetlink/fleetlink/internal/api/handler"
	"github.com/fleetlink/fleetlink/internal/api/middleware"
	"github.com/fleetlink/fleetlink/internal/auth"
	"github.com/fleetlink/fleetlink/internal/command"
	"github.com/fleetlink/fleetlink/internal/device"
	"github.com/fleetlink/fleetlink/internal/location"
	"github.com/fleetlink/fleetlink/internal/notifier"
)

// RouterConfig holds configuration for the router.
type RouterConfig struct {
	Version         string
	BuildTime       string
	Logger          zerolog.Logger
	ServiceName     string
	Metrics         *middleware.Metrics
	AuthService     *auth.Service
	DeviceService   *device.Service
	CommandService  *command.Service
	LocationService *location.Service
	Hub             *notifier.Hub

	// ReadyCheck verifies backing dependencies for the readiness probe.
	ReadyCheck func(ctx context.Context) error
}

// NewRouter creates a new chi router with all API routes configured.
func NewRouter(cfg RouterConfig) *chi.Mux {
	r := chi.NewRouter()

	serviceName := cfg.ServiceName
	if serviceName == "" {
		serviceName = "fleetlink-api"
	}

	// Global middleware - order matters
	r.Use(middleware.RequestID)            // Generate/propagate request ID first
	r.Use(middleware.Tracing(serviceName)) // Distributed tracing
	if cfg.Metrics != nil {
		r.Use(cfg.Metrics.Middleware()) // HTTP metrics
	}
	r.Use(middleware.Logger(cfg.Logger))   // Structured logging
	r.Use(middleware.Recovery(cfg.Logger)) // Panic recovery
	r.Use(chimiddleware.RealIP)            // Real IP extraction
	r.Use(middleware.SecurityHeaders)      // Security headers (HSTS, CSP, etc.)
	r.Use(middleware.RequireTLS)           // TLS enforcement (enabled via REQUIRE_TLS=true)
	r.Use(middleware.ContentTypeJSON)      // JSON content type

	// Initialize handlers
	opsHandler := handler.NewOpsHandler(cfg.Version, cfg.BuildTime, cfg.ReadyCheck)
	deviceHandler := handler.NewDeviceHandler(cfg.DeviceService, cfg.AuthService)
	commandHandler := handler.NewCommandHandler(cfg.CommandService)
	locationHandler := handler.NewLocationHandler(cfg.LocationService, cfg.Logger)
	wsHandler := handler.NewWSHandler(cfg.Hub, cfg.Logger)

	// Device auth touches presence on every authenticated device call.
	deviceAuth := middleware.DeviceAuth(cfg.AuthService, cfg.DeviceService)
	operatorAuth := middleware.OperatorAuth(cfg.AuthService)

	registerRateLimit := middleware.RateLimitByIP(middleware.AuthRateLimit)       // 10 req/min
	pollRateLimit := middleware.RateLimitByCaller(middleware.PollRateLimit)       // 120 req/min
	standardRateLimit := middleware.RateLimitByCaller(middleware.StandardRateLimit) // 100 req/min

	// API v1 routes
	r.Route("/v1", func(r chi.Router) {
		// Ops endpoints (public)
		r.Route("/ops", func(r chi.Router) {
			r.Get("/health", opsHandler.HealthCheck)
			r.Get("/ready", opsHandler.ReadinessCheck)
		})

		// Device registry
		r.Route("/devices", func(r chi.Router) {
			// Registration is the device's entry point; it has no token
			// yet, so the endpoint is public with strict rate limiting.
			r.With(registerRateLimit).Post("/", deviceHandler.RegisterDevice)

			// Operator views
			r.With(operatorAuth, standardRateLimit).Get("/", deviceHandler.ListDevices)
			r.With(operatorAuth, standardRateLimit).Get("/{deviceId}", deviceHandler.GetDevice)

			// Explicit heartbeat (device-authenticated)
			r.With(deviceAuth, pollRateLimit).Post("/heartbeat", deviceHandler.Heartbeat)

			r.Route("/{deviceId}/commands", func(r chi.Router) {
				// Operators enqueue; devices claim.
				r.With(operatorAuth, standardRateLimit).Post("/", commandHandler.EnqueueCommand)
				r.With(deviceAuth, pollRateLimit).Get("/pending", commandHandler.ClaimPending)
			})

			r.Route("/{deviceId}/locations", func(r chi.Router) {
				r.With(deviceAuth, pollRateLimit).Post("/", locationHandler.IngestLocation)
				r.With(operatorAuth, standardRateLimit).Get("/", locationHandler.LocationHistory)
				r.With(operatorAuth).Get("/stream", locationHandler.StreamLocations)
			})
		})

		// Command lifecycle
		r.Route("/commands", func(r chi.Router) {
			r.With(operatorAuth, standardRateLimit).Get("/", commandHandler.ListCommands)
			r.With(operatorAuth, standardRateLimit).Get("/{commandId}", commandHandler.GetCommand)
			r.With(deviceAuth, pollRateLimit).Post("/{commandId}/acknowledge", commandHandler.Acknowledge)
			r.With(operatorAuth, standardRateLimit).Post("/{commandId}/cancel", commandHandler.CancelCommand)
			r.With(operatorAuth, standardRateLimit).Post("/{commandId}/retry", commandHandler.RetryCommand)
		})

		// Realtime observer endpoint
		r.With(operatorAuth).Get("/ws", wsHandler.Serve)
	})

	return r
}
