package handler

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/fleetlink/fleetlink/internal/api/middleware"
	"github.com/fleetlink/fleetlink/internal/api/models"
	"github.com/fleetlink/fleetlink/internal/api/response"
	"github.com/fleetlink/fleetlink/internal/auth"
	"github.com/fleetlink/fleetlink/internal/device"
	"github.com/fleetlink/fleetlink/internal/presence"
)

const (
	defaultDeviceListLimit = 50
	maxDeviceListLimit     = 200
)

// DeviceHandler handles device registry endpoints.
type DeviceHandler struct {
	devices     *device.Service
	authService *auth.Service
}

// NewDeviceHandler creates a new DeviceHandler.
func NewDeviceHandler(devices *device.Service, authService *auth.Service) *DeviceHandler {
	return &DeviceHandler{devices: devices, authService: authService}
}

// RegisterDevice handles POST /v1/devices - register or re-register a
// device. Returns the device plus a fresh device bearer token.
func (h *DeviceHandler) RegisterDevice(w http.ResponseWriter, r *http.Request) {
	var input models.DeviceRegisterRequest
	if err := json.NewDecoder(r.Body).Decode(&input); err != nil {
		response.BadRequest(w, r, "invalid JSON body", nil)
		return
	}

	fieldErrors := validateRegisterInput(&input)
	if len(fieldErrors) > 0 {
		response.BadRequest(w, r, "validation failed", fieldErrors)
		return
	}

	d, created, err := h.devices.Register(r.Context(), device.RegisterInput{
		DeviceID:     input.DeviceID,
		Name:         input.Name,
		Model:        input.Model,
		OSVersion:    input.OSVersion,
		AgentVersion: input.AgentVersion,
	})
	if err != nil {
		response.InternalError(w, r, "internal server error")
		return
	}

	token, expiry, err := h.authService.IssueDeviceToken(d.ID)
	if err != nil {
		response.InternalError(w, r, "internal server error")
		return
	}

	body := models.DeviceRegisterResponse{
		Device: toAPIDevice(d, h.devices.Status(d)),
		Token:  token,
		Expiry: models.Timestamp(expiry),
	}

	if created {
		location := fmt.Sprintf("/v1/devices/%s", d.ID)
		response.Created(w, r, location, body)
		return
	}
	response.JSON(w, r, http.StatusOK, body)
}

// GetDevice handles GET /v1/devices/{deviceId} - get one device with its
// derived presence.
func (h *DeviceHandler) GetDevice(w http.ResponseWriter, r *http.Request) {
	deviceID := chi.URLParam(r, "deviceId")
	if deviceID == "" {
		response.BadRequest(w, r, "deviceId is required", nil)
		return
	}

	d, err := h.devices.Get(r.Context(), deviceID)
	if err != nil {
		if errors.Is(err, device.ErrDeviceNotFound) {
			response.NotFound(w, r, "device")
			return
		}
		response.InternalError(w, r, "internal server error")
		return
	}

	response.JSON(w, r, http.StatusOK, toAPIDevice(d, h.devices.Status(d)))
}

// ListDevices handles GET /v1/devices - list registered devices.
func (h *DeviceHandler) ListDevices(w http.ResponseWriter, r *http.Request) {
	limit := defaultDeviceListLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 1 || parsed > maxDeviceListLimit {
			response.BadRequest(w, r, "limit must be between 1 and 200", nil)
			return
		}
		limit = parsed
	}

	result, err := h.devices.List(r.Context(), limit)
	if err != nil {
		response.InternalError(w, r, "internal server error")
		return
	}

	items := make([]models.Device, 0, len(result.Items))
	for _, d := range result.Items {
		items = append(items, toAPIDevice(d, h.devices.Status(d)))
	}

	response.JSON(w, r, http.StatusOK, models.PagedDevices{
		Items: items,
		Meta:  models.PagedResponseMeta{Limit: limit, Total: len(items)},
	})
}

// Heartbeat handles POST /v1/devices/heartbeat - explicit device
// heartbeat. Presence is also touched by the auth middleware on every
// device call; this endpoint additionally notifies observers.
func (h *DeviceHandler) Heartbeat(w http.ResponseWriter, r *http.Request) {
	deviceID := middleware.GetDeviceID(r.Context())
	if deviceID == "" {
		response.Unauthorized(w, r, "device not authenticated")
		return
	}

	h.devices.Heartbeat(r.Context(), deviceID)
	response.NoContent(w, r)
}

// validateRegisterInput validates device registration input.
func validateRegisterInput(input *models.DeviceRegisterRequest) []models.FieldError {
	var fieldErrors []models.FieldError
	if input.DeviceID == "" {
		fieldErrors = append(fieldErrors, models.FieldError{
			Field:   "deviceId",
			Message: "is required",
		})
	}
	if input.Name == "" {
		fieldErrors = append(fieldErrors, models.FieldError{
			Field:   "name",
			Message: "is required",
		})
	}
	return fieldErrors
}

// toAPIDevice maps a domain device plus its derived presence to the API
// representation.
func toAPIDevice(d *device.Device, status presence.Status) models.Device {
	out := models.Device{
		ID:           d.ID,
		Name:         d.Name,
		Model:        d.Model,
		OSVersion:    d.OSVersion,
		AgentVersion: d.AgentVersion,
		Status:       string(status),
		RegisteredAt: models.Timestamp(d.RegisteredAt),
		UpdatedAt:    models.Timestamp(d.UpdatedAt),
	}
	if !d.LastSeen.IsZero() {
		ts := models.Timestamp(d.LastSeen)
		out.LastSeen = &ts
	}
	return out
}
