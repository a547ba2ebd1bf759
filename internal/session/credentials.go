package session

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var (
	ErrNoToken      = errors.New("no token configured")
	ErrTokenExpired = errors.New("token expired")
	ErrNoUserID     = errors.New("user id not configured and not present in token")
)

// Credentials identify the logged-in user to the REST API and the socket.
type Credentials struct {
	UserID    string
	Token     string
	ExpiresAt time.Time // zero when the token carries no expiry
}

// NewCredentials builds credentials from a configured token. The token is not
// verified here, the server does that; its claims only supply the user id when
// userID is empty and let expired tokens be rejected before connecting. Opaque
// non-JWT tokens are accepted when userID is given.
func NewCredentials(token, userID string, now time.Time) (Credentials, error) {
	if token == "" {
		return Credentials{}, ErrNoToken
	}
	creds := Credentials{UserID: userID, Token: token}

	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		if userID != "" {
			return creds, nil
		}
		return Credentials{}, fmt.Errorf("parse token: %w", err)
	}

	if exp, err := claims.GetExpirationTime(); err == nil && exp != nil {
		creds.ExpiresAt = exp.Time
		if !exp.Time.After(now) {
			return Credentials{}, fmt.Errorf("%w at %s", ErrTokenExpired, exp.Time.UTC().Format(time.RFC3339))
		}
	}
	if creds.UserID == "" {
		creds.UserID = userIDClaim(claims)
	}
	if creds.UserID == "" {
		return Credentials{}, ErrNoUserID
	}
	return creds, nil
}

func userIDClaim(claims jwt.MapClaims) string {
	for _, key := range []string{"userId", "user_id", "id"} {
		if v, ok := claims[key].(string); ok && v != "" {
			return v
		}
	}
	if sub, err := claims.GetSubject(); err == nil {
		return sub
	}
	return ""
}
