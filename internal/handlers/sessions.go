package handlers

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/charlesng35/sessionguard/internal/security"
	"github.com/charlesng35/sessionguard/internal/sessions"
	"github.com/charlesng35/sessionguard/internal/vault"
	appErrors "github.com/charlesng35/sessionguard/pkg/errors"
	"github.com/charlesng35/sessionguard/pkg/response"
)

// SessionHandler exposes session lifecycle operations.
type SessionHandler struct {
	manager *sessions.Manager
	now     func() time.Time
}

// NewSessionHandler constructs a handler backed by the session manager.
func NewSessionHandler(manager *sessions.Manager) (*SessionHandler, error) {
	if manager == nil {
		return nil, errors.New("session handler: manager is required")
	}
	return &SessionHandler{manager: manager, now: time.Now}, nil
}

// clientSignals are the end-user signals a relying application forwards with each call. The
// address and user agent default to those of the HTTP request.
type clientSignals struct {
	IPAddress string `json:"ip_address" validate:"omitempty,ip"`
	UserAgent string `json:"user_agent" validate:"max=1024"`
	Platform  string `json:"platform"`
	Hardware  string `json:"hardware"`
	Screen    string `json:"screen"`
	Timezone  string `json:"timezone"`
	Language  string `json:"language"`
	Country   string `json:"country" validate:"max=8"`
}

func (s clientSignals) requestContext(c *gin.Context) security.RequestContext {
	req := security.RequestContext{
		IPAddress: strings.TrimSpace(s.IPAddress),
		UserAgent: s.UserAgent,
		Platform:  s.Platform,
		Hardware:  s.Hardware,
		Screen:    s.Screen,
		Timezone:  s.Timezone,
		Language:  s.Language,
		Country:   strings.ToUpper(strings.TrimSpace(s.Country)),
	}
	if req.IPAddress == "" {
		req.IPAddress = c.ClientIP()
	}
	if req.UserAgent == "" && c.Request != nil {
		req.UserAgent = c.Request.UserAgent()
	}
	return req
}

// tokenPayload mirrors the token endpoint response of the identity provider.
type tokenPayload struct {
	AccessToken      string `json:"access_token" validate:"required,notblank"`
	RefreshToken     string `json:"refresh_token" validate:"required,notblank"`
	IDToken          string `json:"id_token"`
	ExpiresIn        int64  `json:"expires_in" validate:"gt=0"`
	RefreshExpiresIn int64  `json:"refresh_expires_in" validate:"gte=0"`
	Scope            string `json:"scope"`
}

func (p *tokenPayload) storeInput(now time.Time) *vault.StoreTokensInput {
	if p == nil {
		return nil
	}
	input := &vault.StoreTokensInput{
		AccessToken:          p.AccessToken,
		RefreshToken:         p.RefreshToken,
		IDToken:              p.IDToken,
		AccessTokenExpiresAt: now.Add(time.Duration(p.ExpiresIn) * time.Second),
		Scope:                p.Scope,
	}
	if p.RefreshExpiresIn > 0 {
		refreshExpiry := now.Add(time.Duration(p.RefreshExpiresIn) * time.Second)
		input.RefreshTokenExpiresAt = &refreshExpiry
	}
	return input
}

type createSessionRequest struct {
	UserID            string         `json:"user_id" validate:"required,notblank,max=255"`
	KeycloakUserID    string         `json:"keycloak_user_id" validate:"max=255"`
	KeycloakSessionID string         `json:"keycloak_session_id" validate:"max=255"`
	Tokens            *tokenPayload  `json:"tokens"`
	Client            clientSignals  `json:"client"`
	Metadata          map[string]any `json:"metadata"`
}

type validateSessionRequest struct {
	Client clientSignals `json:"client"`
}

// Create admits a new session after a successful login.
// POST /api/sessions
func (h *SessionHandler) Create(c *gin.Context) {
	var req createSessionRequest
	if !bindAndValidate(c, &req) {
		return
	}

	result, err := h.manager.CreateSession(requestContext(c), sessions.CreateRequest{
		UserID:            strings.TrimSpace(req.UserID),
		KeycloakUserID:    req.KeycloakUserID,
		KeycloakSessionID: req.KeycloakSessionID,
		Request:           req.Client.requestContext(c),
		Tokens:            req.Tokens.storeInput(h.now()),
		Metadata:          req.Metadata,
	})
	if err != nil {
		response.Error(c, toAppError(err))
		return
	}
	if !result.Allowed {
		response.Failure(c, denialError(result.Reason), result)
		return
	}

	response.Success(c, http.StatusCreated, result)
}

// Get returns an active session.
// GET /api/sessions/:id
func (h *SessionHandler) Get(c *gin.Context) {
	session, err := h.manager.GetSession(requestContext(c), c.Param("id"))
	if err != nil {
		response.Error(c, toAppError(err))
		return
	}
	if session == nil {
		response.Error(c, appErrors.ErrSessionNotFound)
		return
	}
	response.Success(c, http.StatusOK, session)
}

// Validate checks a session for the calling client, refreshing or rotating tokens when due.
// Rejections carry the verdict so callers can see the reason and whether the session ended.
// POST /api/sessions/:id/validate
func (h *SessionHandler) Validate(c *gin.Context) {
	var req validateSessionRequest
	if !bindOptionalJSON(c, &req) {
		return
	}

	client := req.Client.requestContext(c)
	result, err := h.manager.ValidateSession(requestContext(c), c.Param("id"), &client)
	if err != nil {
		response.Error(c, toAppError(err))
		return
	}

	switch {
	case result.Valid:
		response.Success(c, http.StatusOK, result)
	case result.Reason == sessions.ReasonNotFound:
		response.Failure(c, appErrors.ErrSessionNotFound, result)
	default:
		response.Failure(c, appErrors.ErrSessionInvalid, result)
	}
}

// Refresh forces a token refresh with the identity provider.
// POST /api/sessions/:id/refresh
func (h *SessionHandler) Refresh(c *gin.Context) {
	ctx := requestContext(c)
	id := c.Param("id")

	if err := h.manager.RefreshSessionTokens(ctx, id); err != nil {
		response.Error(c, toAppError(err))
		return
	}

	session, err := h.manager.GetSession(ctx, id)
	if err != nil {
		response.Error(c, toAppError(err))
		return
	}
	response.Success(c, http.StatusOK, gin.H{"refreshed": true, "session": session})
}

// Destroy ends a session. The optional reason query parameter is recorded as the end reason.
// DELETE /api/sessions/:id
func (h *SessionHandler) Destroy(c *gin.Context) {
	reason := strings.TrimSpace(c.Query("reason"))
	if reason == "" {
		reason = sessions.ReasonLogout
	}

	ended, err := h.manager.DestroySession(requestContext(c), c.Param("id"), reason)
	if err != nil {
		response.Error(c, toAppError(err))
		return
	}
	if !ended {
		response.Error(c, appErrors.ErrSessionNotFound)
		return
	}
	response.Success(c, http.StatusOK, gin.H{"terminated": true, "reason": reason})
}
