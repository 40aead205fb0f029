package sessions

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/charlesng35/sessionguard/internal/cache"
	"github.com/charlesng35/sessionguard/internal/database/testutil"
	"github.com/charlesng35/sessionguard/internal/idp"
	"github.com/charlesng35/sessionguard/internal/repository"
	"github.com/charlesng35/sessionguard/internal/security"
	"github.com/charlesng35/sessionguard/internal/vault"
	"github.com/charlesng35/sessionguard/pkg/crypto"
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock() *testClock {
	return &testClock{now: time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type fakeIdP struct {
	mu               sync.Mutex
	refreshCalls     int
	refreshErr       error
	gate             chan struct{}
	expiresIn        int64
	validateCalls    int
	introspectCalls  int
	validateResult   idp.AuthResult
	introspectResult idp.AuthResult
	introspectErr    error
}

func newFakeIdP() *fakeIdP {
	return &fakeIdP{
		expiresIn:        3600,
		validateResult:   idp.AuthResult{Success: true, User: &idp.User{Subject: "kc-user"}},
		introspectResult: idp.AuthResult{Success: true, User: &idp.User{Subject: "kc-user"}},
	}
}

func (f *fakeIdP) ValidateToken(ctx context.Context, token string) (idp.AuthResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.validateCalls++
	return f.validateResult, nil
}

func (f *fakeIdP) IntrospectToken(ctx context.Context, token string) (idp.AuthResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.introspectCalls++
	return f.introspectResult, f.introspectErr
}

func (f *fakeIdP) RefreshToken(ctx context.Context, refreshToken string) (*idp.TokenSet, error) {
	f.mu.Lock()
	f.refreshCalls++
	n := f.refreshCalls
	gate, err, expiresIn := f.gate, f.refreshErr, f.expiresIn
	f.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if err != nil {
		return nil, err
	}
	return &idp.TokenSet{
		AccessToken:  fmt.Sprintf("access-%d", n),
		RefreshToken: fmt.Sprintf("refresh-%d", n),
		TokenType:    "Bearer",
		ExpiresIn:    expiresIn,
	}, nil
}

func (f *fakeIdP) calls() (refresh, validate, introspect int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.refreshCalls, f.validateCalls, f.introspectCalls
}

func (f *fakeIdP) setRefreshErr(err error) {
	f.mu.Lock()
	f.refreshErr = err
	f.mu.Unlock()
}

type recordingMetrics struct {
	mu        sync.Mutex
	created   int
	ended     map[string]int
	validated map[string]int
	refreshed map[string]int
	events    map[string]int
	pending   int
	cleanups  int
}

func newRecordingMetrics() *recordingMetrics {
	return &recordingMetrics{
		ended:     map[string]int{},
		validated: map[string]int{},
		refreshed: map[string]int{},
		events:    map[string]int{},
	}
}

func (m *recordingMetrics) SessionCreated() {
	m.mu.Lock()
	m.created++
	m.mu.Unlock()
}

func (m *recordingMetrics) SessionValidated(outcome string, _ time.Duration) {
	m.mu.Lock()
	m.validated[outcome]++
	m.mu.Unlock()
}

func (m *recordingMetrics) SessionEnded(reason string) {
	m.mu.Lock()
	m.ended[reason]++
	m.mu.Unlock()
}

func (m *recordingMetrics) TokenRefreshed(trigger, outcome string, _ time.Duration) {
	m.mu.Lock()
	m.refreshed[trigger+"/"+outcome]++
	m.mu.Unlock()
}

func (m *recordingMetrics) SecurityEvent(kind string) {
	m.mu.Lock()
	m.events[kind]++
	m.mu.Unlock()
}

func (m *recordingMetrics) ScheduledRefreshes(pending int) {
	m.mu.Lock()
	m.pending = pending
	m.mu.Unlock()
}

func (m *recordingMetrics) CleanupCompleted(int, time.Duration, error) {
	m.mu.Lock()
	m.cleanups++
	m.mu.Unlock()
}

func (m *recordingMetrics) count(bucket map[string]int, key string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return bucket[key]
}

type harness struct {
	clock       *testClock
	db          *gorm.DB
	repo        *repository.GormSessionRepository
	accounts    *vault.AccountService
	cache       *cache.MemoryStore
	store       *Store
	coordinator *Coordinator
	security    *security.Service
	manager     *Manager
	idp         *fakeIdP
	metrics     *recordingMetrics
}

type harnessOption func(*Config, *security.Config)

func newHarness(t *testing.T, opts ...harnessOption) *harness {
	t.Helper()
	clock := newTestClock()
	db := testutil.MustOpenTestDB(t, testutil.WithAutoMigrate())

	cfg := DefaultConfig()
	cfg.Clock = clock.Now
	cfg.CleanupBatchDelay = 0
	secCfg := security.DefaultConfig()
	secCfg.Clock = clock.Now
	for _, opt := range opts {
		opt(&cfg, &secCfg)
	}

	cipher, err := vault.NewTokenCipher([]byte(strings.Repeat("s", 32)), vault.WithArgon2Parameters(crypto.LightArgon2Params()))
	require.NoError(t, err)
	accounts, err := vault.NewAccountService(repository.NewAccountRepository(db), cipher, vault.WithAccountClock(clock.Now))
	require.NoError(t, err)

	memory := cache.NewMemoryStore(cache.WithClock(clock.Now))
	repo := repository.NewSessionRepository(db)
	store, err := NewStore(repo, accounts, memory, cfg)
	require.NoError(t, err)

	sec, err := security.NewService(memory, secCfg)
	require.NoError(t, err)

	fake := newFakeIdP()
	metrics := newRecordingMetrics()
	coordinator, err := NewCoordinator(store, fake, metrics, cfg)
	require.NoError(t, err)
	manager, err := NewManager(store, coordinator, sec, metrics, cfg)
	require.NoError(t, err)
	t.Cleanup(manager.Stop)

	return &harness{
		clock:       clock,
		db:          db,
		repo:        repo,
		accounts:    accounts,
		cache:       memory,
		store:       store,
		coordinator: coordinator,
		security:    sec,
		manager:     manager,
		idp:         fake,
		metrics:     metrics,
	}
}

func withConfig(mutate func(*Config)) harnessOption {
	return func(cfg *Config, _ *security.Config) { mutate(cfg) }
}

func withSecurity(mutate func(*security.Config)) harnessOption {
	return func(_ *Config, cfg *security.Config) { mutate(cfg) }
}

var laptop = security.RequestContext{
	IPAddress: "203.0.113.10",
	UserAgent: "Mozilla/5.0 (X11; Linux x86_64) Firefox/124.0",
	Platform:  "Linux x86_64",
	Hardware:  "8-cores",
	Screen:    "1920x1080",
	Timezone:  "Europe/Amsterdam",
	Language:  "en-US",
}

var phone = security.RequestContext{
	IPAddress: "198.51.100.7",
	UserAgent: "Mozilla/5.0 (iPhone; CPU iPhone OS 17_4 like Mac OS X) Safari/604.1",
	Platform:  "iPhone",
	Hardware:  "6-cores",
	Screen:    "390x844",
	Timezone:  "Europe/Amsterdam",
	Language:  "en-US",
}

func (h *harness) tokensFor(userID string) *vault.StoreTokensInput {
	return &vault.StoreTokensInput{
		UserID:               userID,
		AccessToken:          "opaque-access-" + userID,
		RefreshToken:         "refresh-" + userID,
		AccessTokenExpiresAt: h.clock.Now().Add(time.Hour),
	}
}

func (h *harness) create(t *testing.T, userID string, req security.RequestContext) *CreateResult {
	t.Helper()
	result, err := h.manager.CreateSession(context.Background(), CreateRequest{
		UserID:  userID,
		Request: req,
		Tokens:  h.tokensFor(userID),
	})
	require.NoError(t, err)
	return result
}

func vaultUpdate(access string) vault.TokenUpdate {
	return vault.TokenUpdate{AccessToken: access, AccessTokenExpiresAt: time.Date(2025, 3, 1, 14, 0, 0, 0, time.UTC)}
}
