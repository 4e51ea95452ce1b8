package middleware_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fleetlink/fleetlink/internal/api/middleware"
	"github.com/fleetlink/fleetlink/internal/auth"
)

func testAuthService() *auth.Service {
	return auth.NewService(auth.Config{
		SigningKey: "test-secret-key-for-testing-only",
	})
}

// touchRecorder records presence contact calls.
type touchRecorder struct {
	mu      sync.Mutex
	touched []string
}

func (r *touchRecorder) Touch(_ context.Context, deviceID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.touched = append(r.touched, deviceID)
}

func (r *touchRecorder) calls() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.touched...)
}

func TestDeviceAuth_ValidToken(t *testing.T) {
	authService := testAuthService()
	token, _, err := authService.IssueDeviceToken("dev-1")
	require.NoError(t, err)

	recorder := &touchRecorder{}
	var gotDeviceID string
	handler := middleware.DeviceAuth(authService, recorder)(
		http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			gotDeviceID = middleware.GetDeviceID(r.Context())
			w.WriteHeader(http.StatusOK)
		}))

	req := httptest.NewRequest(http.MethodGet, "/test", http.NoBody)
	req.Header.Set("Authorization", "Bearer "+token)
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "dev-1", gotDeviceID)
	assert.Equal(t, []string{"dev-1"}, recorder.calls())
}

func TestDeviceAuth_QueryTokenFallback(t *testing.T) {
	authService := testAuthService()
	token, _, err := authService.IssueDeviceToken("dev-1")
	require.NoError(t, err)

	handler := middleware.DeviceAuth(authService, nil)(
		http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusOK)
		}))

	req := httptest.NewRequest(http.MethodGet, "/test?token="+token, http.NoBody)
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
}

func TestDeviceAuth_Rejections(t *testing.T) {
	authService := testAuthService()
	operatorToken, _, err := authService.IssueOperatorToken("op-1")
	require.NoError(t, err)
	otherKeyToken, _, err := auth.NewService(auth.Config{
		SigningKey: "a-different-signing-key",
	}).IssueDeviceToken("dev-1")
	require.NoError(t, err)

	tests := []struct {
		name       string
		authHeader string
	}{
		{name: "missing header", authHeader: ""},
		{name: "not bearer", authHeader: "Basic dXNlcjpwYXNz"},
		{name: "empty bearer", authHeader: "Bearer "},
		{name: "garbage token", authHeader: "Bearer not.a.jwt"},
		{name: "operator token", authHeader: "Bearer " + operatorToken},
		{name: "wrong signing key", authHeader: "Bearer " + otherKeyToken},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			recorder := &touchRecorder{}
			nextCalled := false
			handler := middleware.DeviceAuth(authService, recorder)(
				http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
					nextCalled = true
				}))

			req := httptest.NewRequest(http.MethodGet, "/test", http.NoBody)
			if tt.authHeader != "" {
				req.Header.Set("Authorization", tt.authHeader)
			}
			w := httptest.NewRecorder()
			handler.ServeHTTP(w, req)

			assert.Equal(t, http.StatusUnauthorized, w.Code)
			assert.Equal(t, "application/problem+json", w.Header().Get("Content-Type"))
			assert.False(t, nextCalled)
			assert.Empty(t, recorder.calls())
		})
	}
}

func TestOperatorAuth_ValidToken(t *testing.T) {
	authService := testAuthService()
	token, _, err := authService.IssueOperatorToken("op-1")
	require.NoError(t, err)

	var gotOperatorID string
	handler := middleware.OperatorAuth(authService)(
		http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			gotOperatorID = middleware.GetOperatorID(r.Context())
			w.WriteHeader(http.StatusOK)
		}))

	req := httptest.NewRequest(http.MethodGet, "/test", http.NoBody)
	req.Header.Set("Authorization", "Bearer "+token)
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "op-1", gotOperatorID)
}

func TestOperatorAuth_DeviceTokenRejected(t *testing.T) {
	authService := testAuthService()
	token, _, err := authService.IssueDeviceToken("dev-1")
	require.NoError(t, err)

	handler := middleware.OperatorAuth(authService)(
		http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			t.Fatal("handler should not be called")
		}))

	req := httptest.NewRequest(http.MethodGet, "/test", http.NoBody)
	req.Header.Set("Authorization", "Bearer "+token)
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestGetDeviceID_UnauthenticatedContext(t *testing.T) {
	assert.Empty(t, middleware.GetDeviceID(context.Background()))
	assert.Empty(t, middleware.GetOperatorID(context.Background()))
}
