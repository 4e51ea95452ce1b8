// Package auth issues and validates the bearer tokens used by fleet
// devices and by operators. Devices and operators carry different
// audiences so a device token can never reach operator endpoints.
package auth

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Token expiry constants.
const (
	// DeviceTokenExpiry is how long device tokens are valid. Devices
	// re-enroll through registration when their token lapses.
	DeviceTokenExpiry = 30 * 24 * time.Hour

	// OperatorTokenExpiry is how long operator tokens are valid.
	OperatorTokenExpiry = 8 * time.Hour
)

// Token audiences.
const (
	AudienceDevice   = "fleetlink-device"
	AudienceOperator = "fleetlink-operator"
)

// Predefined JWT errors.
var (
	ErrInvalidToken = errors.New("invalid token")
	ErrTokenExpired = errors.New("token has expired")
)

// Claims represents the claims in fleetlink tokens. Subject carries the
// device ID or the operator ID depending on the audience.
type Claims struct {
	jwt.RegisteredClaims
}

// Service handles JWT creation and validation.
type Service struct {
	signingKey []byte
	issuer     string
}

// Config holds configuration for the auth service.
type Config struct {
	// SigningKey is the secret key used to sign JWTs.
	SigningKey string

	// Issuer is the issuer claim for tokens.
	Issuer string
}

// NewService creates a new auth service.
func NewService(cfg Config) *Service {
	issuer := cfg.Issuer
	if issuer == "" {
		issuer = "fleetlink"
	}
	return &Service{
		signingKey: []byte(cfg.SigningKey),
		issuer:     issuer,
	}
}

// IssueDeviceToken creates a bearer token for a device.
func (s *Service) IssueDeviceToken(deviceID string) (string, time.Time, error) {
	return s.issue(deviceID, AudienceDevice, DeviceTokenExpiry)
}

// IssueOperatorToken creates a bearer token for an operator.
func (s *Service) IssueOperatorToken(operatorID string) (string, time.Time, error) {
	return s.issue(operatorID, AudienceOperator, OperatorTokenExpiry)
}

func (s *Service) issue(subject, audience string, expiry time.Duration) (string, time.Time, error) {
	now := time.Now()
	expiresAt := now.Add(expiry)

	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    s.issuer,
			Subject:   subject,
			Audience:  jwt.ClaimStrings{audience},
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
			NotBefore: jwt.NewNumericDate(now),
			ID:        generateTokenID(),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	tokenString, err := token.SignedString(s.signingKey)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("signing token: %w", err)
	}

	return tokenString, expiresAt, nil
}

// ValidateToken validates a token for the expected audience and returns the
// subject (device ID or operator ID).
func (s *Service) ValidateToken(tokenString, audience string) (string, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return s.signingKey, nil
	}, jwt.WithValidMethods([]string{"HS256"}),
		jwt.WithIssuer(s.issuer),
		jwt.WithAudience(audience),
		jwt.WithExpirationRequired(),
	)

	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return "", ErrTokenExpired
		}
		return "", fmt.Errorf("%w: %s", ErrInvalidToken, err.Error())
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return "", ErrInvalidToken
	}

	return claims.Subject, nil
}

// generateTokenID generates a unique token ID.
func generateTokenID() string {
	bytes := make([]byte, 16)
	if _, err := rand.Read(bytes); err != nil {
		return ""
	}
	return base64.RawURLEncoding.EncodeToString(bytes)
}
