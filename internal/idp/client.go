// Package idp adapts the remote OAuth2/OIDC identity provider. Sessions never talk to the
// provider directly; they go through Client so tests can substitute a fake.
package idp

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// ErrUpstream marks failures talking to the identity provider: transport errors, 5xx responses,
// and rejected grants.
var ErrUpstream = errors.New("idp: upstream error")

// ErrRefreshRejected is wrapped with ErrUpstream when the provider refuses a refresh token.
var ErrRefreshRejected = errors.New("idp: refresh token rejected")

// User is the identity asserted by a validated token.
type User struct {
	Subject  string   `json:"sub"`
	Username string   `json:"username,omitempty"`
	Email    string   `json:"email,omitempty"`
	Roles    []string `json:"roles,omitempty"`
}

// AuthResult is the outcome of validating or introspecting a token. An inactive or invalid token
// is reported with Success=false, not as an error.
type AuthResult struct {
	Success   bool       `json:"success"`
	User      *User      `json:"user,omitempty"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
	Error     string     `json:"error,omitempty"`
}

// TokenSet is the response of a refresh grant. Expiries are in seconds relative to issuance.
type TokenSet struct {
	AccessToken      string
	RefreshToken     string
	IDToken          string
	TokenType        string
	Scope            string
	ExpiresIn        int64
	RefreshExpiresIn int64
}

// AccessExpiry returns the absolute access token expiry relative to issuedAt.
func (t *TokenSet) AccessExpiry(issuedAt time.Time) time.Time {
	return issuedAt.Add(time.Duration(t.ExpiresIn) * time.Second)
}

// RefreshExpiry returns the absolute refresh token expiry, or nil when the provider omitted it.
func (t *TokenSet) RefreshExpiry(issuedAt time.Time) *time.Time {
	if t.RefreshExpiresIn <= 0 {
		return nil
	}
	expiry := issuedAt.Add(time.Duration(t.RefreshExpiresIn) * time.Second)
	return &expiry
}

// Client is the identity provider contract consumed by the session subsystem.
type Client interface {
	ValidateToken(ctx context.Context, token string) (AuthResult, error)
	IntrospectToken(ctx context.Context, token string) (AuthResult, error)
	RefreshToken(ctx context.Context, refreshToken string) (*TokenSet, error)
}

// IsJWT reports whether token is structurally a JWT. Signatures are not checked.
func IsJWT(token string) bool {
	if strings.Count(token, ".") != 2 {
		return false
	}
	_, _, err := jwt.NewParser().ParseUnverified(token, jwt.MapClaims{})
	return err == nil
}

// UnverifiedExpiry reads the exp claim of a JWT without verifying it. Used only for scheduling.
func UnverifiedExpiry(token string) (time.Time, bool) {
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return time.Time{}, false
	}
	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return time.Time{}, false
	}
	return exp.Time, true
}
