package testutil

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/charlesng35/sessionguard/internal/api"
	"github.com/charlesng35/sessionguard/internal/app"
	"github.com/charlesng35/sessionguard/internal/cache"
	sharedtestutil "github.com/charlesng35/sessionguard/internal/database/testutil"
	"github.com/charlesng35/sessionguard/internal/idp"
	"github.com/charlesng35/sessionguard/internal/monitoring"
	"github.com/charlesng35/sessionguard/internal/repository"
	"github.com/charlesng35/sessionguard/internal/security"
	"github.com/charlesng35/sessionguard/internal/sessions"
	"github.com/charlesng35/sessionguard/internal/vault"
	"github.com/charlesng35/sessionguard/pkg/crypto"
	"github.com/charlesng35/sessionguard/pkg/response"
)

// APIKey is accepted by every Env router.
const APIKey = "handler-test-api-key"

// Env encapsulates a fully-wired API instance backed by an in-memory database for handler tests.
type Env struct {
	T          *testing.T
	DB         *gorm.DB
	Router     *gin.Engine
	Config     *app.Config
	Manager    *sessions.Manager
	Monitoring *monitoring.Module
	Cache      *cache.MemoryStore
	IdP        *FakeIdP
}

// EnvOption adjusts the configuration before the stack is wired.
type EnvOption func(*app.Config)

// NewEnv provisions a fresh handler test environment with migrations applied.
func NewEnv(t *testing.T, opts ...EnvOption) *Env {
	t.Helper()

	gin.SetMode(gin.TestMode)

	cfg := &app.Config{
		Server: app.ServerConfig{
			APIKeys:   []string{APIKey},
			RateLimit: app.RateLimitConfig{Requests: 1000, Window: time.Minute},
		},
		Monitoring: app.MonitoringConfig{
			Prometheus: app.PrometheusConfig{Enabled: true, Endpoint: "/metrics"},
			Health:     app.HealthConfig{Enabled: true, Timeout: time.Second},
		},
	}
	for _, opt := range opts {
		opt(cfg)
	}

	db := sharedtestutil.MustOpenTestDB(t, sharedtestutil.WithAutoMigrate())

	cipher, err := vault.NewTokenCipher([]byte(strings.Repeat("k", 32)), vault.WithArgon2Parameters(crypto.LightArgon2Params()))
	require.NoError(t, err)
	accounts, err := vault.NewAccountService(repository.NewAccountRepository(db), cipher)
	require.NoError(t, err)

	memory := cache.NewMemoryStore()
	storeCfg := sessions.DefaultConfig()
	storeCfg.CleanupBatchDelay = 0
	store, err := sessions.NewStore(repository.NewSessionRepository(db), accounts, memory, storeCfg)
	require.NoError(t, err)

	sec, err := security.NewService(memory, security.DefaultConfig())
	require.NoError(t, err)

	module, err := monitoring.NewModule(monitoring.Options{DisableGoCollector: true, DisableProcessCollector: true})
	require.NoError(t, err)

	fake := NewFakeIdP()
	coordinator, err := sessions.NewCoordinator(store, fake, module, storeCfg)
	require.NoError(t, err)
	manager, err := sessions.NewManager(store, coordinator, sec, module, storeCfg)
	require.NoError(t, err)
	manager.RegisterReadiness(module.Health())

	require.NoError(t, manager.Start(context.Background()))
	t.Cleanup(manager.Stop)

	router, err := api.NewRouter(api.Dependencies{
		Config:     cfg,
		Manager:    manager,
		Monitoring: module,
		RateStore:  memory,
	})
	require.NoError(t, err)

	return &Env{
		T:          t,
		DB:         db,
		Router:     router,
		Config:     cfg,
		Manager:    manager,
		Monitoring: module,
		Cache:      memory,
		IdP:        fake,
	}
}

// Client returns the client signals of a desktop browser at the given address.
func Client(ip string) map[string]any {
	return map[string]any{
		"ip_address": ip,
		"user_agent": "Mozilla/5.0 (X11; Linux x86_64) Firefox/124.0",
		"platform":   "Linux x86_64",
		"hardware":   "8-cores",
		"screen":     "1920x1080",
		"timezone":   "Europe/Amsterdam",
		"language":   "en-US",
	}
}

// SessionPayload mirrors the session fields returned by the API.
type SessionPayload struct {
	ID            string         `json:"id"`
	UserID        string         `json:"user_id"`
	IPAddress     string         `json:"ip_address"`
	IsActive      bool           `json:"is_active"`
	Metadata      map[string]any `json:"metadata"`
	NextRefreshAt *time.Time     `json:"next_refresh_at"`
}

// CreateResult mirrors the create session response payload.
type CreateResult struct {
	Allowed            bool            `json:"allowed"`
	Reason             string          `json:"reason"`
	Session            *SessionPayload `json:"session"`
	TerminatedSessions []string        `json:"terminated_sessions"`
}

// CreateSession creates a session with a refreshable token set and asserts it was admitted.
func (e *Env) CreateSession(userID, ip string) SessionPayload {
	e.T.Helper()

	w := e.Request(http.MethodPost, "/api/sessions", map[string]any{
		"user_id": userID,
		"tokens": map[string]any{
			"access_token":  "opaque-access-" + userID,
			"refresh_token": "refresh-" + userID,
			"expires_in":    3600,
		},
		"client": Client(ip),
	})
	require.Equal(e.T, http.StatusCreated, w.Code, w.Body.String())

	var result CreateResult
	DecodeInto(e.T, DecodeResponse(e.T, w).Data, &result)
	require.True(e.T, result.Allowed)
	require.NotNil(e.T, result.Session)
	return *result.Session
}

// APIResponse represents the canonical API envelope returned by handlers.
type APIResponse struct {
	Success bool                `json:"success"`
	Data    json.RawMessage     `json:"data"`
	Error   *response.ErrorInfo `json:"error"`
	Meta    *response.Meta      `json:"meta"`
}

// DecodeResponse parses the standard API response object from a recorder.
func DecodeResponse(t *testing.T, w *httptest.ResponseRecorder) APIResponse {
	t.Helper()
	var resp APIResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp), w.Body.String())
	return resp
}

// DecodeInto unmarshals the data payload into the provided destination.
func DecodeInto[T any](t *testing.T, raw json.RawMessage, dest *T) {
	t.Helper()
	if dest == nil {
		t.Fatal("destination must not be nil")
	}
	require.NoError(t, json.Unmarshal(raw, dest))
}

// Request executes an authenticated HTTP request against the test router, JSON-encoding body.
func (e *Env) Request(method, path string, body any) *httptest.ResponseRecorder {
	e.T.Helper()
	return e.RequestWithKey(method, path, body, APIKey)
}

// RequestWithKey executes an HTTP request with the given API key. An empty key sends none.
func (e *Env) RequestWithKey(method, path string, body any, key string) *httptest.ResponseRecorder {
	e.T.Helper()

	var buf *bytes.Buffer
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(e.T, err)
		buf = bytes.NewBuffer(data)
	} else {
		buf = bytes.NewBuffer(nil)
	}

	req, err := http.NewRequest(method, path, buf)
	require.NoError(e.T, err)

	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if key != "" {
		req.Header.Set("Authorization", "Bearer "+key)
	}

	w := httptest.NewRecorder()
	e.Router.ServeHTTP(w, req)
	return w
}

// FakeIdP is an in-memory identity provider that issues numbered token sets.
type FakeIdP struct {
	mu           sync.Mutex
	refreshCalls int
	refreshErr   error
}

// NewFakeIdP returns a provider that accepts every token.
func NewFakeIdP() *FakeIdP {
	return &FakeIdP{}
}

func (f *FakeIdP) ValidateToken(context.Context, string) (idp.AuthResult, error) {
	return idp.AuthResult{Success: true, User: &idp.User{Subject: "kc-user"}}, nil
}

func (f *FakeIdP) IntrospectToken(context.Context, string) (idp.AuthResult, error) {
	return idp.AuthResult{Success: true, User: &idp.User{Subject: "kc-user"}}, nil
}

func (f *FakeIdP) RefreshToken(context.Context, string) (*idp.TokenSet, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.refreshCalls++
	if f.refreshErr != nil {
		return nil, f.refreshErr
	}
	return &idp.TokenSet{
		AccessToken:  fmt.Sprintf("access-%d", f.refreshCalls),
		RefreshToken: fmt.Sprintf("refresh-%d", f.refreshCalls),
		TokenType:    "Bearer",
		ExpiresIn:    3600,
	}, nil
}

// SetRefreshErr makes subsequent refresh grants fail with err.
func (f *FakeIdP) SetRefreshErr(err error) {
	f.mu.Lock()
	f.refreshErr = err
	f.mu.Unlock()
}

// RefreshCalls returns how many refresh grants were requested.
func (f *FakeIdP) RefreshCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.refreshCalls
}
