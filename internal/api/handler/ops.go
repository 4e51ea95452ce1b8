// Package handler provides HTTP handlers for the FleetLink API.
package handler

import (
	"context"
	"net/http"
	"time"

	"github.com/fleetlink/fleetlink/internal/api/models"
	"github.com/fleetlink/fleetlink/internal/api/response"
)

// OpsHandler handles operational endpoints.
type OpsHandler struct {
	version   string
	buildTime string
	readyFn   func(ctx context.Context) error
}

// NewOpsHandler creates a new OpsHandler. readyFn checks backing
// dependencies (database) and may be nil.
func NewOpsHandler(version, buildTime string, readyFn func(ctx context.Context) error) *OpsHandler {
	return &OpsHandler{
		version:   version,
		buildTime: buildTime,
		readyFn:   readyFn,
	}
}

// HealthCheck handles GET /v1/ops/health - liveness check.
func (h *OpsHandler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	health := models.Health{
		Status: models.HealthStatusOK,
		Time:   models.Timestamp(time.Now()),
		Details: map[string]interface{}{
			"version":   h.version,
			"buildTime": h.buildTime,
		},
	}
	response.JSON(w, r, http.StatusOK, health)
}

// ReadinessCheck handles GET /v1/ops/ready - readiness check.
func (h *OpsHandler) ReadinessCheck(w http.ResponseWriter, r *http.Request) {
	health := models.Health{
		Status: models.HealthStatusOK,
		Time:   models.Timestamp(time.Now()),
	}

	if h.readyFn != nil {
		if err := h.readyFn(r.Context()); err != nil {
			health.Status = models.HealthStatusFail
			health.Details = map[string]interface{}{"error": err.Error()}
			response.JSON(w, r, http.StatusServiceUnavailable, health)
			return
		}
	}

	response.JSON(w, r, http.StatusOK, health)
}
