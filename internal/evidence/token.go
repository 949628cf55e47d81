package evidence

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// ErrTokenExpired is returned when the auth token's exp claim has passed.
var ErrTokenExpired = errors.New("evidence: auth token expired")

// TokenInfo is what the pipeline reads from a JWT auth token. The token is
// verified by the collector, never locally.
type TokenInfo struct {
	Subject   string
	ExpiresAt time.Time
	JWT       bool
}

// ParseToken reads the claims of a JWT without verifying its signature.
// Opaque tokens are accepted and yield a zero TokenInfo.
func ParseToken(token string, now time.Time) (TokenInfo, error) {
	var info TokenInfo
	if token == "" {
		return info, nil
	}

	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		// Not a JWT: an opaque bearer token.
		return info, nil
	}
	info.JWT = true

	if sub, err := claims.GetSubject(); err == nil {
		info.Subject = sub
	}
	exp, err := claims.GetExpirationTime()
	if err != nil {
		return info, fmt.Errorf("evidence: auth token exp claim: %w", err)
	}
	if exp != nil {
		info.ExpiresAt = exp.Time
		if !now.Before(exp.Time) {
			return info, ErrTokenExpired
		}
	}
	return info, nil
}
