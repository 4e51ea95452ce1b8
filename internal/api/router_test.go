package api_test

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fleetlink/fleetlink/internal/api"
	"github.com/fleetlink/fleetlink/internal/api/models"
	"github.com/fleetlink/fleetlink/internal/auth"
	"github.com/fleetlink/fleetlink/internal/command"
	"github.com/fleetlink/fleetlink/internal/device"
	"github.com/fleetlink/fleetlink/internal/location"
	"github.com/fleetlink/fleetlink/internal/notifier"
)

// testAuthService creates an auth service for testing.
func testAuthService() *auth.Service {
	return auth.NewService(auth.Config{
		SigningKey: "test-secret-key-for-testing-only",
	})
}

type testEnv struct {
	router http.Handler
	auth   *auth.Service
	hub    *notifier.Hub
}

func newTestEnv() *testEnv {
	logger := zerolog.New(io.Discard)
	authService := testAuthService()
	hub := notifier.NewHub(logger)

	deviceService := device.NewService(device.ServiceConfig{
		Repository: device.NewInMemoryRepository(),
		Publisher:  hub,
		Logger:     logger,
	})
	commandService := command.NewService(command.ServiceConfig{
		Repository: command.NewInMemoryRepository(),
		Devices:    deviceService,
		Publisher:  hub,
		Logger:     logger,
	})
	locationService := location.NewService(location.ServiceConfig{
		Repository: location.NewInMemoryRepository(),
		Devices:    deviceService,
		Logger:     logger,
	})

	router := api.NewRouter(api.RouterConfig{
		Version:         "test",
		BuildTime:       "2024-01-01T00:00:00Z",
		Logger:          logger,
		AuthService:     authService,
		DeviceService:   deviceService,
		CommandService:  commandService,
		LocationService: locationService,
		Hub:             hub,
	})

	return &testEnv{router: router, auth: authService, hub: hub}
}

func (e *testEnv) operatorToken(t *testing.T) string {
	t.Helper()
	token, _, err := e.auth.IssueOperatorToken("op_test")
	require.NoError(t, err)
	return token
}

// registerDevice registers a device through the API and returns its token.
func (e *testEnv) registerDevice(t *testing.T, deviceID string) string {
	t.Helper()
	body, err := json.Marshal(models.DeviceRegisterRequest{
		DeviceID: deviceID,
		Name:     "test device",
	})
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPost, "/v1/devices", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	var resp models.DeviceRegisterResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.NotEmpty(t, resp.Token)
	return resp.Token
}

func TestRouter_HealthCheck(t *testing.T) {
	env := newTestEnv()

	req := httptest.NewRequest(http.MethodGet, "/v1/ops/health", http.NoBody)
	w := httptest.NewRecorder()
	env.router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "application/json", w.Header().Get("Content-Type"))
	assert.NotEmpty(t, w.Header().Get("X-Request-Id"))

	var health models.Health
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &health))
	assert.Equal(t, models.HealthStatusOK, health.Status)
}

func TestRouter_UnauthenticatedRequests(t *testing.T) {
	env := newTestEnv()

	tests := []struct {
		method string
		path   string
	}{
		{http.MethodGet, "/v1/devices"},
		{http.MethodGet, "/v1/commands"},
		{http.MethodPost, "/v1/devices/dev-1/commands"},
		{http.MethodGet, "/v1/devices/dev-1/commands/pending"},
		{http.MethodPost, "/v1/commands/cmd-1/acknowledge"},
		{http.MethodPost, "/v1/commands/cmd-1/cancel"},
	}

	for _, tt := range tests {
		t.Run(tt.method+" "+tt.path, func(t *testing.T) {
			req := httptest.NewRequest(tt.method, tt.path, http.NoBody)
			w := httptest.NewRecorder()
			env.router.ServeHTTP(w, req)

			assert.Equal(t, http.StatusUnauthorized, w.Code)
			assert.Equal(t, "application/problem+json", w.Header().Get("Content-Type"))
		})
	}
}

func TestRouter_DeviceTokenRejectedOnOperatorRoutes(t *testing.T) {
	env := newTestEnv()
	deviceToken := env.registerDevice(t, "dev-1")

	req := httptest.NewRequest(http.MethodGet, "/v1/commands", http.NoBody)
	req.Header.Set("Authorization", "Bearer "+deviceToken)
	w := httptest.NewRecorder()
	env.router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestRouter_RegisterDevice_Validation(t *testing.T) {
	env := newTestEnv()

	req := httptest.NewRequest(http.MethodPost, "/v1/devices",
		strings.NewReader(`{"name":"missing id"}`))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	env.router.ServeHTTP(w, req)

	require.Equal(t, http.StatusBadRequest, w.Code)

	var problem models.Problem
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &problem))
	require.Len(t, problem.Errors, 1)
	assert.Equal(t, "deviceId", problem.Errors[0].Field)
}

func TestRouter_CommandLifecycle(t *testing.T) {
	env := newTestEnv()
	deviceToken := env.registerDevice(t, "dev-1")
	operatorToken := env.operatorToken(t)

	// Operator enqueues a high-priority reboot.
	body := `{"type":"reboot","priority":"high","ttl":600,"requiresAck":true}`
	req := httptest.NewRequest(http.MethodPost, "/v1/devices/dev-1/commands",
		strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+operatorToken)
	w := httptest.NewRecorder()
	env.router.ServeHTTP(w, req)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	var created models.Command
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &created))
	assert.Equal(t, "pending", created.Status)
	assert.Equal(t, "high", created.Priority)
	assert.Contains(t, w.Header().Get("Location"), created.ID)

	// Device polls and claims it.
	req = httptest.NewRequest(http.MethodGet, "/v1/devices/dev-1/commands/pending", http.NoBody)
	req.Header.Set("Authorization", "Bearer "+deviceToken)
	w = httptest.NewRecorder()
	env.router.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var claimed models.ClaimedCommands
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &claimed))
	require.Len(t, claimed.Items, 1)
	assert.Equal(t, created.ID, claimed.Items[0].ID)
	assert.Equal(t, "in_progress", claimed.Items[0].Status)

	// Re-polling returns nothing: the claim moved it out of pending.
	req = httptest.NewRequest(http.MethodGet, "/v1/devices/dev-1/commands/pending", http.NoBody)
	req.Header.Set("Authorization", "Bearer "+deviceToken)
	w = httptest.NewRecorder()
	env.router.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)
	claimed = models.ClaimedCommands{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &claimed))
	assert.Empty(t, claimed.Items)

	// Device acknowledges success.
	ackBody := `{"success":true,"result":"rebooted"}`
	req = httptest.NewRequest(http.MethodPost,
		fmt.Sprintf("/v1/commands/%s/acknowledge", created.ID), strings.NewReader(ackBody))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+deviceToken)
	w = httptest.NewRecorder()
	env.router.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var acked models.Command
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &acked))
	assert.Equal(t, "completed", acked.Status)
	require.NotNil(t, acked.Result)
	assert.Equal(t, "rebooted", *acked.Result)
	assert.NotNil(t, acked.CompletedAt)

	// A redelivered ack is an idempotent success.
	req = httptest.NewRequest(http.MethodPost,
		fmt.Sprintf("/v1/commands/%s/acknowledge", created.ID), strings.NewReader(ackBody))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+deviceToken)
	w = httptest.NewRecorder()
	env.router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)

	// Operator sees the settled command.
	req = httptest.NewRequest(http.MethodGet, "/v1/commands?deviceId=dev-1", http.NoBody)
	req.Header.Set("Authorization", "Bearer "+operatorToken)
	w = httptest.NewRecorder()
	env.router.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)

	var page models.PagedCommands
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &page))
	require.Equal(t, 1, page.Meta.Total)
	assert.Equal(t, "completed", page.Items[0].Status)
}

func TestRouter_EnqueueUnknownDevice(t *testing.T) {
	env := newTestEnv()
	operatorToken := env.operatorToken(t)

	req := httptest.NewRequest(http.MethodPost, "/v1/devices/ghost/commands",
		strings.NewReader(`{"type":"reboot"}`))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+operatorToken)
	w := httptest.NewRecorder()
	env.router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestRouter_CancelClaimedCommandConflicts(t *testing.T) {
	env := newTestEnv()
	deviceToken := env.registerDevice(t, "dev-1")
	operatorToken := env.operatorToken(t)

	req := httptest.NewRequest(http.MethodPost, "/v1/devices/dev-1/commands",
		strings.NewReader(`{"type":"reboot"}`))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+operatorToken)
	w := httptest.NewRecorder()
	env.router.ServeHTTP(w, req)
	require.Equal(t, http.StatusCreated, w.Code)

	var created models.Command
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &created))

	req = httptest.NewRequest(http.MethodGet, "/v1/devices/dev-1/commands/pending", http.NoBody)
	req.Header.Set("Authorization", "Bearer "+deviceToken)
	w = httptest.NewRecorder()
	env.router.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)

	req = httptest.NewRequest(http.MethodPost,
		fmt.Sprintf("/v1/commands/%s/cancel", created.ID), http.NoBody)
	req.Header.Set("Authorization", "Bearer "+operatorToken)
	w = httptest.NewRecorder()
	env.router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusConflict, w.Code)
}

func TestRouter_ClaimForOtherDeviceForbidden(t *testing.T) {
	env := newTestEnv()
	env.registerDevice(t, "dev-1")
	otherToken := env.registerDevice(t, "dev-2")

	req := httptest.NewRequest(http.MethodGet, "/v1/devices/dev-1/commands/pending", http.NoBody)
	req.Header.Set("Authorization", "Bearer "+otherToken)
	w := httptest.NewRecorder()
	env.router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusForbidden, w.Code)
}

func TestRouter_DeviceListShowsPresence(t *testing.T) {
	env := newTestEnv()
	deviceToken := env.registerDevice(t, "dev-1")
	operatorToken := env.operatorToken(t)

	// Any authenticated device call counts as contact.
	req := httptest.NewRequest(http.MethodGet, "/v1/devices/dev-1/commands/pending", http.NoBody)
	req.Header.Set("Authorization", "Bearer "+deviceToken)
	w := httptest.NewRecorder()
	env.router.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)

	req = httptest.NewRequest(http.MethodGet, "/v1/devices/dev-1", http.NoBody)
	req.Header.Set("Authorization", "Bearer "+operatorToken)
	w = httptest.NewRecorder()
	env.router.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)

	var d models.Device
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &d))
	assert.Equal(t, "online", d.Status)
	assert.NotNil(t, d.LastSeen)
}

func TestRouter_ObserverReceivesLifecycleEvents(t *testing.T) {
	env := newTestEnv()
	deviceToken := env.registerDevice(t, "dev-1")
	operatorToken := env.operatorToken(t)

	server := httptest.NewServer(env.router)
	defer server.Close()

	wsURL := "ws" + strings.TrimPrefix(server.URL, "http") + "/v1/ws?token=" + operatorToken
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, conn.WriteJSON(map[string]string{
		"action":   "subscribe",
		"deviceId": "dev-1",
	}))
	// Give the read pump a moment to register the interest.
	time.Sleep(50 * time.Millisecond)

	// Operator enqueues; device claims and acknowledges.
	req, err := http.NewRequest(http.MethodPost, server.URL+"/v1/devices/dev-1/commands",
		strings.NewReader(`{"type":"reboot","priority":"high"}`))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+operatorToken)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	var created models.Command
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&created))
	resp.Body.Close()

	req, err = http.NewRequest(http.MethodGet, server.URL+"/v1/devices/dev-1/commands/pending", http.NoBody)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+deviceToken)
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()

	req, err = http.NewRequest(http.MethodPost,
		server.URL+"/v1/commands/"+created.ID+"/acknowledge",
		strings.NewReader(`{"success":true}`))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+deviceToken)
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()

	// The observer sees command-new, then command-update, in order.
	readEvent := func() notifier.Event {
		require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
		var event notifier.Event
		require.NoError(t, conn.ReadJSON(&event))
		return event
	}

	first := readEvent()
	assert.Equal(t, notifier.EventCommandNew, first.Type)
	assert.Equal(t, created.ID, first.CommandID)
	assert.False(t, first.Timestamp.IsZero())

	second := readEvent()
	assert.Equal(t, notifier.EventCommandUpdate, second.Type)
	assert.Equal(t, created.ID, second.CommandID)
	payload, ok := second.Payload.(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, "completed", payload["status"])
}

func TestRouter_LocationIngestAndStream(t *testing.T) {
	env := newTestEnv()
	deviceToken := env.registerDevice(t, "dev-1")
	operatorToken := env.operatorToken(t)

	server := httptest.NewServer(env.router)
	defer server.Close()

	wsURL := "ws" + strings.TrimPrefix(server.URL, "http") +
		"/v1/devices/dev-1/locations/stream?token=" + operatorToken
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()
	// Give the watcher a moment to register.
	time.Sleep(50 * time.Millisecond)

	req, err := http.NewRequest(http.MethodPost, server.URL+"/v1/devices/dev-1/locations",
		strings.NewReader(`{"lat":52.37,"lon":4.89}`))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+deviceToken)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	resp.Body.Close()

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var point location.Point
	require.NoError(t, conn.ReadJSON(&point))
	assert.Equal(t, "dev-1", point.DeviceID)
	assert.InDelta(t, 52.37, point.Lat, 0.0001)

	// History replay is a separate, explicit path.
	req, err = http.NewRequest(http.MethodGet, server.URL+"/v1/devices/dev-1/locations", http.NoBody)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+operatorToken)
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var points []location.Point
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&points))
	resp.Body.Close()
	require.Len(t, points, 1)
}
