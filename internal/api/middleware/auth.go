package middleware

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/fleetlink/fleetlink/internal/api/models"
	"github.com/fleetlink/fleetlink/internal/auth"
)

// deviceIDKey is the context key for the authenticated device ID.
type deviceIDKey struct{}

// operatorIDKey is the context key for the authenticated operator ID.
type operatorIDKey struct{}

// Toucher records device contact. The device auth middleware touches
// presence on every authenticated device request, not only heartbeats.
type Toucher interface {
	Touch(ctx context.Context, deviceID string)
}

// DeviceAuth validates device bearer tokens and records presence contact
// for every authenticated device request.
func DeviceAuth(authService *auth.Service, toucher Toucher) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token, ok := bearerToken(w, r)
			if !ok {
				return
			}

			deviceID, err := authService.ValidateToken(token, auth.AudienceDevice)
			if err != nil {
				writeAuthError(w, r, err)
				return
			}

			ctx := context.WithValue(r.Context(), deviceIDKey{}, deviceID)
			if toucher != nil {
				toucher.Touch(ctx, deviceID)
			}
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// OperatorAuth validates operator bearer tokens.
func OperatorAuth(authService *auth.Service) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token, ok := bearerToken(w, r)
			if !ok {
				return
			}

			operatorID, err := authService.ValidateToken(token, auth.AudienceOperator)
			if err != nil {
				writeAuthError(w, r, err)
				return
			}

			ctx := context.WithValue(r.Context(), operatorIDKey{}, operatorID)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// bearerToken extracts the bearer token, writing a 401 when missing.
func bearerToken(w http.ResponseWriter, r *http.Request) (string, bool) {
	authHeader := r.Header.Get("Authorization")
	if authHeader == "" {
		// Browser websocket clients cannot set request headers, so a
		// token query parameter is accepted as a fallback.
		if token := r.URL.Query().Get("token"); token != "" {
			return token, true
		}
		writeUnauthorized(w, r, "missing authorization header")
		return "", false
	}

	const bearerPrefix = "Bearer "
	if len(authHeader) < len(bearerPrefix) ||
		!strings.EqualFold(authHeader[:len(bearerPrefix)], bearerPrefix) {
		writeUnauthorized(w, r, "invalid authorization header format")
		return "", false
	}

	token := authHeader[len(bearerPrefix):]
	if token == "" {
		writeUnauthorized(w, r, "missing bearer token")
		return "", false
	}
	return token, true
}

func writeAuthError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, auth.ErrTokenExpired):
		writeUnauthorized(w, r, "token has expired")
	case errors.Is(err, auth.ErrInvalidToken):
		writeUnauthorized(w, r, "invalid token")
	default:
		writeUnauthorized(w, r, "authentication failed")
	}
}

// writeUnauthorized writes a 401 Unauthorized response.
// This is implemented directly here to avoid import cycle with response package.
func writeUnauthorized(w http.ResponseWriter, r *http.Request, detail string) {
	traceID := GetRequestID(r.Context())
	problem := models.NewUnauthorized(traceID, detail)
	problem.Instance = r.URL.Path
	problem.Write(w)
}

// GetDeviceID retrieves the authenticated device ID from the context.
// Returns an empty string if the caller is not an authenticated device.
func GetDeviceID(ctx context.Context) string {
	if id, ok := ctx.Value(deviceIDKey{}).(string); ok {
		return id
	}
	return ""
}

// GetOperatorID retrieves the authenticated operator ID from the context.
// Returns an empty string if the caller is not an authenticated operator.
func GetOperatorID(ctx context.Context) string {
	if id, ok := ctx.Value(operatorIDKey{}).(string); ok {
		return id
	}
	return ""
}
