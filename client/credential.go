package client

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v4"
)

var (
	ErrMissingCredential = errors.New("missing credential")
	ErrCredentialExpired = errors.New("credential expired")
)

// Credential is the bearer token presented to the board API and the push
// channel. The client never verifies it; claims are only inspected to report
// the user and to refuse tokens that are already expired.
type Credential struct {
	token string
}

// NewCredential accepts a raw token or a full "Bearer ..." header value.
func NewCredential(raw string) Credential {
	raw = strings.TrimSpace(raw)
	if len(raw) > 7 && strings.EqualFold(raw[:7], "bearer ") {
		raw = strings.TrimSpace(raw[7:])
	}
	return Credential{token: raw}
}

// Token returns the raw token.
func (c Credential) Token() string { return c.token }

// Empty reports whether no token is set.
func (c Credential) Empty() bool { return c.token == "" }

// Header returns the Authorization header value.
func (c Credential) Header() string { return "Bearer " + c.token }

// String never exposes the token.
func (c Credential) String() string {
	if c.token == "" {
		return "<none>"
	}
	return "<redacted>"
}

// Claims decodes the token payload without verifying the signature.
func (c Credential) Claims() (jwt.MapClaims, error) {
	if c.token == "" {
		return nil, ErrMissingCredential
	}
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(c.token, claims); err != nil {
		return nil, fmt.Errorf("parse credential: %w", err)
	}
	return claims, nil
}

// Subject returns the user the token was issued to, from the "user_id" claim
// or else "sub".
func (c Credential) Subject() string {
	claims, err := c.Claims()
	if err != nil {
		return ""
	}
	switch v := claims["user_id"].(type) {
	case string:
		if v != "" {
			return v
		}
	case float64:
		return strconv.FormatInt(int64(v), 10)
	case json.Number:
		return v.String()
	}
	if sub, ok := claims["sub"].(string); ok {
		return sub
	}
	return ""
}

// ExpiresAt returns the "exp" claim if present.
func (c Credential) ExpiresAt() (time.Time, bool) {
	claims, err := c.Claims()
	if err != nil {
		return time.Time{}, false
	}
	var exp int64
	switch v := claims["exp"].(type) {
	case float64:
		exp = int64(v)
	case json.Number:
		n, err := v.Int64()
		if err != nil {
			return time.Time{}, false
		}
		exp = n
	default:
		return time.Time{}, false
	}
	return time.Unix(exp, 0).UTC(), true
}

// Validate rejects empty tokens and JWTs whose expiry has passed. Opaque
// tokens are accepted as is.
func (c Credential) Validate(now time.Time) error {
	if c.token == "" {
		return ErrMissingCredential
	}
	if exp, ok := c.ExpiresAt(); ok && !now.Before(exp) {
		return fmt.Errorf("%w at %s", ErrCredentialExpired, exp.Format(time.RFC3339))
	}
	return nil
}
