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
	"github.com/fleetlink/fleetlink/internal/command"
)

const (
	defaultClaimLimit = 10
	maxClaimLimit     = 50

	defaultCommandPageLimit = 50
	maxCommandPageLimit     = 200
)

// CommandHandler handles command dispatch endpoints.
type CommandHandler struct {
	commands *command.Service
}

// NewCommandHandler creates a new CommandHandler.
func NewCommandHandler(commands *command.Service) *CommandHandler {
	return &CommandHandler{commands: commands}
}

// EnqueueCommand handles POST /v1/devices/{deviceId}/commands -
// operator-authenticated; queues a command for a device.
func (h *CommandHandler) EnqueueCommand(w http.ResponseWriter, r *http.Request) {
	deviceID := chi.URLParam(r, "deviceId")
	if deviceID == "" {
		response.BadRequest(w, r, "deviceId is required", nil)
		return
	}

	var input models.CommandCreateRequest
	if err := json.NewDecoder(r.Body).Decode(&input); err != nil {
		response.BadRequest(w, r, "invalid JSON body", nil)
		return
	}
	if input.Type == "" {
		response.BadRequest(w, r, "validation failed", []models.FieldError{
			{Field: "type", Message: "is required"},
		})
		return
	}

	cmd, err := h.commands.Enqueue(r.Context(), deviceID, command.EnqueueInput{
		Type:        input.Type,
		Params:      input.Params,
		Priority:    priorityOrDefault(input.Priority),
		TTLSeconds:  input.TTLSeconds,
		RequiresAck: input.RequiresAck,
	})
	if err != nil {
		writeCommandError(w, r, err)
		return
	}

	location := fmt.Sprintf("/v1/commands/%s", cmd.ID)
	response.Created(w, r, location, toAPICommand(cmd))
}

// ClaimPending handles GET /v1/devices/{deviceId}/commands/pending -
// device-authenticated claim poll. Returned commands are atomically moved
// to in_progress; re-polling never returns them again.
func (h *CommandHandler) ClaimPending(w http.ResponseWriter, r *http.Request) {
	deviceID := chi.URLParam(r, "deviceId")
	if deviceID == "" {
		response.BadRequest(w, r, "deviceId is required", nil)
		return
	}
	if caller := middleware.GetDeviceID(r.Context()); caller != deviceID {
		response.Forbidden(w, r, "cannot claim commands for another device")
		return
	}

	limit := defaultClaimLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 1 || parsed > maxClaimLimit {
			response.BadRequest(w, r, "limit must be between 1 and 50", nil)
			return
		}
		limit = parsed
	}

	claimed, err := h.commands.ClaimPending(r.Context(), deviceID, limit)
	if err != nil {
		writeCommandError(w, r, err)
		return
	}

	items := make([]models.Command, 0, len(claimed))
	for _, cmd := range claimed {
		items = append(items, toAPICommand(cmd))
	}
	response.JSON(w, r, http.StatusOK, models.ClaimedCommands{Items: items})
}

// Acknowledge handles POST /v1/commands/{commandId}/acknowledge -
// device-authenticated outcome report. Acknowledging an already-terminal
// command is an idempotent success returning the settled state.
func (h *CommandHandler) Acknowledge(w http.ResponseWriter, r *http.Request) {
	commandID := chi.URLParam(r, "commandId")
	if commandID == "" {
		response.BadRequest(w, r, "commandId is required", nil)
		return
	}
	deviceID := middleware.GetDeviceID(r.Context())
	if deviceID == "" {
		response.Unauthorized(w, r, "device not authenticated")
		return
	}

	var input models.CommandAckRequest
	if err := json.NewDecoder(r.Body).Decode(&input); err != nil {
		response.BadRequest(w, r, "invalid JSON body", nil)
		return
	}

	result, err := h.commands.Acknowledge(
		r.Context(), commandID, deviceID, input.Success, input.Result, input.Error)
	if err != nil {
		writeCommandError(w, r, err)
		return
	}

	response.JSON(w, r, http.StatusOK, toAPICommand(result.Command))
}

// CancelCommand handles POST /v1/commands/{commandId}/cancel -
// operator-authenticated; only pending commands can be cancelled.
func (h *CommandHandler) CancelCommand(w http.ResponseWriter, r *http.Request) {
	commandID := chi.URLParam(r, "commandId")
	if commandID == "" {
		response.BadRequest(w, r, "commandId is required", nil)
		return
	}

	cmd, err := h.commands.Cancel(r.Context(), commandID)
	if err != nil {
		writeCommandError(w, r, err)
		return
	}
	response.JSON(w, r, http.StatusOK, toAPICommand(cmd))
}

// RetryCommand handles POST /v1/commands/{commandId}/retry -
// operator-authenticated; spawns a new command from a failed or timed-out
// one.
func (h *CommandHandler) RetryCommand(w http.ResponseWriter, r *http.Request) {
	commandID := chi.URLParam(r, "commandId")
	if commandID == "" {
		response.BadRequest(w, r, "commandId is required", nil)
		return
	}

	cmd, err := h.commands.Retry(r.Context(), commandID)
	if err != nil {
		writeCommandError(w, r, err)
		return
	}

	location := fmt.Sprintf("/v1/commands/%s", cmd.ID)
	response.Created(w, r, location, toAPICommand(cmd))
}

// GetCommand handles GET /v1/commands/{commandId}.
func (h *CommandHandler) GetCommand(w http.ResponseWriter, r *http.Request) {
	commandID := chi.URLParam(r, "commandId")
	if commandID == "" {
		response.BadRequest(w, r, "commandId is required", nil)
		return
	}

	cmd, err := h.commands.Get(r.Context(), commandID)
	if err != nil {
		writeCommandError(w, r, err)
		return
	}
	response.JSON(w, r, http.StatusOK, toAPICommand(cmd))
}

// ListCommands handles GET /v1/commands - filtered, paginated listing.
func (h *CommandHandler) ListCommands(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()

	filter := command.ListFilter{
		DeviceID: query.Get("deviceId"),
		Status:   command.Status(query.Get("status")),
		Page:     1,
		Limit:    defaultCommandPageLimit,
	}

	if raw := query.Get("priority"); raw != "" {
		priority, ok := command.ParsePriority(raw)
		if !ok {
			response.BadRequest(w, r, "validation failed", []models.FieldError{
				{Field: "priority", Message: "unknown priority"},
			})
			return
		}
		filter.Priority = &priority
	}
	if raw := query.Get("page"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 1 {
			response.BadRequest(w, r, "page must be a positive integer", nil)
			return
		}
		filter.Page = parsed
	}
	if raw := query.Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 1 || parsed > maxCommandPageLimit {
			response.BadRequest(w, r, "limit must be between 1 and 200", nil)
			return
		}
		filter.Limit = parsed
	}

	result, err := h.commands.List(r.Context(), filter)
	if err != nil {
		writeCommandError(w, r, err)
		return
	}

	items := make([]models.Command, 0, len(result.Items))
	for _, cmd := range result.Items {
		items = append(items, toAPICommand(cmd))
	}

	response.JSON(w, r, http.StatusOK, models.PagedCommands{
		Items: items,
		Meta: models.PagedResponseMeta{
			Page:  filter.Page,
			Limit: filter.Limit,
			Total: result.Total,
		},
	})
}

// priorityOrDefault fills in the default priority for empty input.
func priorityOrDefault(p string) string {
	if p == "" {
		return "normal"
	}
	return p
}

// writeCommandError maps command domain errors to problem responses.
func writeCommandError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, command.ErrNotFound):
		response.NotFound(w, r, "command")
	case errors.Is(err, command.ErrInvalidTarget):
		response.NotFound(w, r, "device")
	case errors.Is(err, command.ErrInvalidParams):
		response.BadRequest(w, r, err.Error(), nil)
	case errors.Is(err, command.ErrForbidden):
		response.Forbidden(w, r, "command belongs to another device")
	case errors.Is(err, command.ErrInvalidState):
		response.Conflict(w, r, err.Error())
	case errors.Is(err, command.ErrUnavailable):
		response.ServiceUnavailable(w, r, "store unavailable, retry later")
	default:
		response.InternalError(w, r, "internal server error")
	}
}

// toAPICommand maps a domain command to the API representation.
func toAPICommand(cmd *command.Command) models.Command {
	out := models.Command{
		ID:          cmd.ID,
		DeviceID:    cmd.DeviceID,
		Type:        string(cmd.Type),
		Params:      cmd.Params,
		Priority:    cmd.Priority.String(),
		Status:      string(cmd.Status),
		RequiresAck: cmd.RequiresAck,
		Result:      cmd.Result,
		Error:       cmd.Error,
		CreatedAt:   models.Timestamp(cmd.CreatedAt),
	}
	if !cmd.ExpiresAt.IsZero() {
		ts := models.Timestamp(cmd.ExpiresAt)
		out.ExpiresAt = &ts
	}
	if cmd.RetryOf != "" {
		retryOf := cmd.RetryOf
		out.RetryOf = &retryOf
	}
	if cmd.ClaimedAt != nil {
		ts := models.Timestamp(*cmd.ClaimedAt)
		out.ClaimedAt = &ts
	}
	if cmd.CompletedAt != nil {
		ts := models.Timestamp(*cmd.CompletedAt)
		out.CompletedAt = &ts
	}
	return out
}
