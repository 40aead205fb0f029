package idp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/coreos/go-oidc/v3/oidc"
	"go.uber.org/zap"
	"golang.org/x/oauth2"

	"github.com/charlesng35/sessionguard/pkg/logger"
)

// OIDCConfig configures the OIDC client.
type OIDCConfig struct {
	Issuer       string
	ClientID     string
	ClientSecret string
	// IntrospectionURL overrides the endpoint advertised by discovery.
	IntrospectionURL string
	Scopes           []string
	// SkipAudienceCheck accepts access tokens whose aud does not name ClientID. Keycloak issues
	// access tokens for the "account" audience by default.
	SkipAudienceCheck bool
	Timeout           time.Duration
	HTTPClient        *http.Client
	Logger            *zap.Logger
}

// OIDCClient implements Client against a standards-compliant provider such as Keycloak.
type OIDCClient struct {
	oauth         *oauth2.Config
	verifier      *oidc.IDTokenVerifier
	introspectURL string
	clientID      string
	clientSecret  string
	httpClient    *http.Client
	timeout       time.Duration
	log           *zap.Logger
}

type discoveryClaims struct {
	IntrospectionEndpoint string `json:"introspection_endpoint"`
}

// NewOIDCClient runs discovery against the issuer and builds the client.
func NewOIDCClient(ctx context.Context, cfg OIDCConfig) (*OIDCClient, error) {
	if strings.TrimSpace(cfg.Issuer) == "" {
		return nil, errors.New("idp: issuer is required")
	}
	if strings.TrimSpace(cfg.ClientID) == "" {
		return nil, errors.New("idp: client id is required")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: cfg.Timeout}
	}

	discoveryCtx, cancel := context.WithTimeout(oidc.ClientContext(ctx, cfg.HTTPClient), cfg.Timeout)
	defer cancel()

	provider, err := oidc.NewProvider(discoveryCtx, cfg.Issuer)
	if err != nil {
		return nil, fmt.Errorf("%w: discovery failed: %v", ErrUpstream, err)
	}

	introspectURL := strings.TrimSpace(cfg.IntrospectionURL)
	if introspectURL == "" {
		var claims discoveryClaims
		if err := provider.Claims(&claims); err == nil {
			introspectURL = claims.IntrospectionEndpoint
		}
	}

	scopes := cfg.Scopes
	if len(scopes) == 0 {
		scopes = []string{oidc.ScopeOpenID, "profile", "email"}
	}

	verifier := provider.Verifier(&oidc.Config{
		ClientID:          cfg.ClientID,
		SkipClientIDCheck: cfg.SkipAudienceCheck,
	})

	return newOIDCClient(cfg, &oauth2.Config{
		ClientID:     cfg.ClientID,
		ClientSecret: cfg.ClientSecret,
		Endpoint:     provider.Endpoint(),
		Scopes:       scopes,
	}, verifier, introspectURL), nil
}

func newOIDCClient(cfg OIDCConfig, oauthCfg *oauth2.Config, verifier *oidc.IDTokenVerifier, introspectURL string) *OIDCClient {
	log := cfg.Logger
	if log == nil {
		log = logger.WithModule("idp")
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &OIDCClient{
		oauth:         oauthCfg,
		verifier:      verifier,
		introspectURL: introspectURL,
		clientID:      cfg.ClientID,
		clientSecret:  cfg.ClientSecret,
		httpClient:    httpClient,
		timeout:       timeout,
		log:           log,
	}
}

type tokenClaims struct {
	Subject           string `json:"sub"`
	PreferredUsername string `json:"preferred_username"`
	Username          string `json:"username"`
	Email             string `json:"email"`
	RealmAccess       struct {
		Roles []string `json:"roles"`
	} `json:"realm_access"`
}

func (c tokenClaims) user() *User {
	username := c.PreferredUsername
	if username == "" {
		username = c.Username
	}
	return &User{
		Subject:  c.Subject,
		Username: username,
		Email:    c.Email,
		Roles:    c.RealmAccess.Roles,
	}
}

// ValidateToken verifies a JWT signature, issuer, audience and expiry against the provider keys.
func (c *OIDCClient) ValidateToken(ctx context.Context, token string) (AuthResult, error) {
	ctx, cancel := context.WithTimeout(oidc.ClientContext(ctx, c.httpClient), c.timeout)
	defer cancel()

	verified, err := c.verifier.Verify(ctx, token)
	if err != nil {
		var expired *oidc.TokenExpiredError
		if errors.As(err, &expired) {
			return AuthResult{Success: false, Error: "token expired"}, nil
		}
		c.log.Debug("token verification failed", zap.Error(err))
		return AuthResult{Success: false, Error: "token verification failed"}, nil
	}

	var claims tokenClaims
	if err := verified.Claims(&claims); err != nil {
		return AuthResult{}, fmt.Errorf("idp: decode claims: %w", err)
	}
	expiry := verified.Expiry
	return AuthResult{Success: true, User: claims.user(), ExpiresAt: &expiry}, nil
}

type introspectionResponse struct {
	tokenClaims
	Active bool  `json:"active"`
	Exp    int64 `json:"exp"`
}

// IntrospectToken asks the provider about an opaque token (RFC 7662).
func (c *OIDCClient) IntrospectToken(ctx context.Context, token string) (AuthResult, error) {
	if c.introspectURL == "" {
		return AuthResult{}, errors.New("idp: introspection endpoint not configured")
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	form := url.Values{
		"token":           {token},
		"token_type_hint": {"access_token"},
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.introspectURL, strings.NewReader(form.Encode()))
	if err != nil {
		return AuthResult{}, fmt.Errorf("idp: build introspection request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")
	req.SetBasicAuth(url.QueryEscape(c.clientID), url.QueryEscape(c.clientSecret))

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return AuthResult{}, fmt.Errorf("%w: introspect: %v", ErrUpstream, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return AuthResult{}, fmt.Errorf("%w: read introspection: %v", ErrUpstream, err)
	}
	if resp.StatusCode != http.StatusOK {
		return AuthResult{}, fmt.Errorf("%w: introspection status %d", ErrUpstream, resp.StatusCode)
	}

	var payload introspectionResponse
	if err := json.Unmarshal(body, &payload); err != nil {
		return AuthResult{}, fmt.Errorf("%w: decode introspection: %v", ErrUpstream, err)
	}
	if !payload.Active {
		return AuthResult{Success: false, Error: "token inactive"}, nil
	}

	result := AuthResult{Success: true, User: payload.user()}
	if payload.Exp > 0 {
		expiry := time.Unix(payload.Exp, 0).UTC()
		result.ExpiresAt = &expiry
	}
	return result, nil
}

// RefreshToken exchanges a refresh token for a new token set.
func (c *OIDCClient) RefreshToken(ctx context.Context, refreshToken string) (*TokenSet, error) {
	if strings.TrimSpace(refreshToken) == "" {
		return nil, fmt.Errorf("%w: refresh token missing", ErrRefreshRejected)
	}

	ctx, cancel := context.WithTimeout(context.WithValue(ctx, oauth2.HTTPClient, c.httpClient), c.timeout)
	defer cancel()

	source := c.oauth.TokenSource(ctx, &oauth2.Token{
		RefreshToken: refreshToken,
		Expiry:       time.Unix(1, 0),
	})
	issuedAt := time.Now()
	token, err := source.Token()
	if err != nil {
		var retrieve *oauth2.RetrieveError
		if errors.As(err, &retrieve) && retrieve.ErrorCode == "invalid_grant" {
			return nil, fmt.Errorf("%w: %w", ErrUpstream, ErrRefreshRejected)
		}
		return nil, fmt.Errorf("%w: refresh: %v", ErrUpstream, err)
	}

	set := &TokenSet{
		AccessToken:      token.AccessToken,
		RefreshToken:     token.RefreshToken,
		TokenType:        token.TokenType,
		ExpiresIn:        token.ExpiresIn,
		RefreshExpiresIn: extraSeconds(token.Extra("refresh_expires_in")),
	}
	if set.ExpiresIn <= 0 && !token.Expiry.IsZero() {
		set.ExpiresIn = int64(token.Expiry.Sub(issuedAt).Round(time.Second) / time.Second)
	}
	if idToken, ok := token.Extra("id_token").(string); ok {
		set.IDToken = idToken
	}
	if scope, ok := token.Extra("scope").(string); ok {
		set.Scope = scope
	}
	if set.RefreshToken == refreshToken {
		// Provider did not rotate; the vault keeps the current value.
		set.RefreshToken = ""
	}
	return set, nil
}

func extraSeconds(value any) int64 {
	switch v := value.(type) {
	case float64:
		return int64(v)
	case int64:
		return v
	case json.Number:
		n, _ := v.Int64()
		return n
	case string:
		n, _ := strconv.ParseInt(v, 10, 64)
		return n
	default:
		return 0
	}
}
