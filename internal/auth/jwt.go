// Package auth binds verified (user, device) identities to connections and
// enforces the single-active-device invariant.
package auth

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var (
	ErrAuthDisabled = errors.New("auth disabled")
	ErrInvalidToken = errors.New("invalid token")

	// ErrUnauthorized means the presented device is no longer the user's
	// active device: the session was superseded by a login elsewhere.
	ErrUnauthorized = errors.New("stale or replaced session")
)

// Identity is a verified (user, device) pair attached to a connection.
type Identity struct {
	UserID   string
	DeviceID string
}

// JWTService signs and verifies tokens carrying a device-bound identity.
type JWTService struct {
	secret []byte
	expiry time.Duration
}

// NewJWTService builds a JWT helper with the given secret and expiry.
func NewJWTService(secret string, expiry time.Duration) *JWTService {
	return &JWTService{secret: []byte(secret), expiry: expiry}
}

type Claims struct {
	DeviceID string `json:"device_id"`
	jwt.RegisteredClaims
}

// Generate issues a signed token for the given user/device pair.
func (s *JWTService) Generate(userID, deviceID string) (string, error) {
	if s == nil || len(s.secret) == 0 {
		return "", ErrAuthDisabled
	}
	if strings.TrimSpace(userID) == "" || strings.TrimSpace(deviceID) == "" {
		return "", errors.New("user id and device id required")
	}

	claims := Claims{
		DeviceID: deviceID,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			IssuedAt:  jwt.NewNumericDate(time.Now()),
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(s.expiry)),
		},
	}
	if s.expiry <= 0 {
		claims.ExpiresAt = nil
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(s.secret)
}

// Verify parses a token and returns the identity embedded in it.
func (s *JWTService) Verify(token string) (*Identity, error) {
	if s == nil || len(s.secret) == 0 {
		return nil, ErrAuthDisabled
	}

	parsed, err := jwt.ParseWithClaims(token, &Claims{}, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return s.secret, nil
	})
	if err != nil {
		return nil, ErrInvalidToken
	}

	claims, ok := parsed.Claims.(*Claims)
	if !ok || !parsed.Valid {
		return nil, ErrInvalidToken
	}
	if strings.TrimSpace(claims.Subject) == "" || strings.TrimSpace(claims.DeviceID) == "" {
		return nil, ErrInvalidToken
	}
	return &Identity{UserID: claims.Subject, DeviceID: claims.DeviceID}, nil
}
