package handler

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/fleetlink/fleetlink/internal/api/middleware"
	"github.com/fleetlink/fleetlink/internal/api/models"
	"github.com/fleetlink/fleetlink/internal/api/response"
	"github.com/fleetlink/fleetlink/internal/location"
)

const (
	defaultHistoryLimit = 100
	maxHistoryLimit     = 1000
)

// LocationHandler handles location telemetry endpoints.
type LocationHandler struct {
	locations *location.Service
	log       zerolog.Logger
	upgrader  websocket.Upgrader
}

// NewLocationHandler creates a new LocationHandler.
func NewLocationHandler(locations *location.Service, log zerolog.Logger) *LocationHandler {
	return &LocationHandler{
		locations: locations,
		log:       log.With().Str("component", "location_handler").Logger(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// Callers authenticate with bearer tokens, not cookies, so
			// cross-origin upgrades carry no ambient credentials.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
}

// IngestLocation handles POST /v1/devices/{deviceId}/locations -
// device-authenticated telemetry report.
func (h *LocationHandler) IngestLocation(w http.ResponseWriter, r *http.Request) {
	deviceID := chi.URLParam(r, "deviceId")
	if deviceID == "" {
		response.BadRequest(w, r, "deviceId is required", nil)
		return
	}
	if caller := middleware.GetDeviceID(r.Context()); caller != deviceID {
		response.Forbidden(w, r, "cannot report locations for another device")
		return
	}

	var input models.LocationIngestRequest
	if err := json.NewDecoder(r.Body).Decode(&input); err != nil {
		response.BadRequest(w, r, "invalid JSON body", nil)
		return
	}

	fieldErrors := validateLocationInput(&input)
	if len(fieldErrors) > 0 {
		response.BadRequest(w, r, "validation failed", fieldErrors)
		return
	}

	point := &location.Point{
		DeviceID: deviceID,
		Lat:      input.Lat,
		Lon:      input.Lon,
		Accuracy: input.Accuracy,
		Speed:    input.Speed,
	}
	if input.RecordedAt != nil {
		point.RecordedAt = input.RecordedAt.Time()
	}

	if err := h.locations.Ingest(r.Context(), point); err != nil {
		if errors.Is(err, location.ErrUnknownDevice) {
			response.NotFound(w, r, "device")
			return
		}
		response.InternalError(w, r, "internal server error")
		return
	}

	response.JSON(w, r, http.StatusAccepted, point)
}

// LocationHistory handles GET /v1/devices/{deviceId}/locations -
// historical replay, oldest first. Live feeds never backfill; this is the
// explicit replay path.
func (h *LocationHandler) LocationHistory(w http.ResponseWriter, r *http.Request) {
	deviceID := chi.URLParam(r, "deviceId")
	if deviceID == "" {
		response.BadRequest(w, r, "deviceId is required", nil)
		return
	}

	filter := location.HistoryFilter{
		DeviceID: deviceID,
		Limit:    defaultHistoryLimit,
	}
	if raw := r.URL.Query().Get("since"); raw != "" {
		since, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			response.BadRequest(w, r, "since must be an RFC3339 timestamp", nil)
			return
		}
		filter.Since = since
	}
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 1 || parsed > maxHistoryLimit {
			response.BadRequest(w, r, "limit must be between 1 and 1000", nil)
			return
		}
		filter.Limit = parsed
	}

	points, err := h.locations.History(r.Context(), filter)
	if err != nil {
		response.InternalError(w, r, "internal server error")
		return
	}

	response.JSON(w, r, http.StatusOK, points)
}

// StreamLocations handles GET /v1/devices/{deviceId}/locations/stream -
// websocket live feed, one JSON point per message. The feed is live-only:
// a reconnecting client resumes with the next ingested point, never a
// backfill.
func (h *LocationHandler) StreamLocations(w http.ResponseWriter, r *http.Request) {
	deviceID := chi.URLParam(r, "deviceId")
	if deviceID == "" {
		response.BadRequest(w, r, "deviceId is required", nil)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote an HTTP error.
		h.log.Debug().Err(err).Msg("websocket upgrade failed")
		return
	}

	watcher := h.locations.Watch(deviceID)
	h.log.Debug().Str("device_id", deviceID).Msg("location stream opened")

	// Reader: the client sends nothing meaningful; reading surfaces
	// disconnects and keeps control frames flowing.
	go func() {
		defer watcher.Close()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		watcher.Close()
		_ = conn.Close()
		h.log.Debug().Str("device_id", deviceID).Msg("location stream closed")
	}()

	for {
		select {
		case point, ok := <-watcher.Points():
			if !ok {
				_ = conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteJSON(point); err != nil {
				return
			}
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// validateLocationInput validates a reported point.
func validateLocationInput(input *models.LocationIngestRequest) []models.FieldError {
	var fieldErrors []models.FieldError
	if input.Lat < -90 || input.Lat > 90 {
		fieldErrors = append(fieldErrors, models.FieldError{
			Field:   "lat",
			Message: "must be between -90 and 90",
		})
	}
	if input.Lon < -180 || input.Lon > 180 {
		fieldErrors = append(fieldErrors, models.FieldError{
			Field:   "lon",
			Message: "must be between -180 and 180",
		})
	}
	if input.Accuracy != nil && *input.Accuracy < 0 {
		fieldErrors = append(fieldErrors, models.FieldError{
			Field:   "accuracy",
			Message: "must not be negative",
		})
	}
	return fieldErrors
}
