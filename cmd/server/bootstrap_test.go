package main

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/charlesng35/sessionguard/internal/app"
	"github.com/charlesng35/sessionguard/internal/cache"
	"github.com/charlesng35/sessionguard/internal/database/testutil"
	"github.com/charlesng35/sessionguard/internal/idp"
)

type stubIdP struct{}

func (stubIdP) ValidateToken(context.Context, string) (idp.AuthResult, error) {
	return idp.AuthResult{Success: true}, nil
}

func (stubIdP) IntrospectToken(context.Context, string) (idp.AuthResult, error) {
	return idp.AuthResult{Success: true}, nil
}

func (stubIdP) RefreshToken(context.Context, string) (*idp.TokenSet, error) {
	return &idp.TokenSet{AccessToken: "access", RefreshToken: "refresh", ExpiresIn: 300}, nil
}

func testConfig(t *testing.T) *app.Config {
	t.Helper()

	cfg, err := app.LoadConfig(t.TempDir())
	require.NoError(t, err)

	cfg.Database.Path = filepath.Join(t.TempDir(), "sessionguard.sqlite")
	cfg.Cache.Backend = app.CacheBackendMemory
	cfg.Vault.Secret = strings.Repeat("ab", 32)
	cfg.Vault.Argon2 = app.Argon2Config{Time: 1, MemoryKiB: 8 * 1024, Threads: 1}
	cfg.IdP.Issuer = "https://sso.example.com/realms/main"
	cfg.IdP.ClientID = "sessionguard"
	cfg.Maintenance.RunOnStart = true
	require.NoError(t, cfg.Validate())
	return cfg
}

func TestBootstrapRuntime(t *testing.T) {
	cfg := testConfig(t)

	stack, err := bootstrapRuntime(context.Background(), cfg, zap.NewNop(), withIdentityProvider(stubIdP{}))
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		stack.Shutdown(ctx, zap.NewNop())
	})

	require.NotNil(t, stack.Router)
	require.NotNil(t, stack.Cleaner)
	require.Nil(t, stack.Redis)
	require.IsType(t, &cache.MemoryStore{}, stack.Cache)
	require.True(t, stack.Manager.Stats().SchedulerRunning)

	rec := httptest.NewRecorder()
	stack.Router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health/ready", nil))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	for _, component := range []string{"database", "cache", "scheduler", "maintenance"} {
		require.Contains(t, rec.Body.String(), `"component":"`+component+`"`)
	}

	rec = httptest.NewRecorder()
	stack.Router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health/live", nil))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	require.Contains(t, rec.Body.String(), `"component":"server"`)

	jobs := stack.Monitoring.Snapshot().Maintenance.Jobs
	require.Len(t, jobs, 2)
}

func TestBootstrapRuntimeRejectsUnknownDriver(t *testing.T) {
	cfg := testConfig(t)
	cfg.Database.Driver = "oracle"

	_, err := bootstrapRuntime(context.Background(), cfg, zap.NewNop(), withIdentityProvider(stubIdP{}))
	require.Error(t, err)
	require.Contains(t, err.Error(), "unsupported database driver")
}

func TestInitialiseCache(t *testing.T) {
	db := testutil.MustOpenTestDB(t, testutil.WithAutoMigrate())

	cfg := &app.Config{}
	store, redis := initialiseCache(cfg, db, zap.NewNop())
	require.IsType(t, &cache.DatabaseStore{}, store)
	require.Nil(t, redis)

	cfg.Cache.Backend = app.CacheBackendMemory
	store, _ = initialiseCache(cfg, db, zap.NewNop())
	require.IsType(t, &cache.MemoryStore{}, store)

	cfg.Cache.Backend = app.CacheBackendRedis
	cfg.Cache.Redis = app.RedisCacheConfig{Address: "127.0.0.1:1", Timeout: 200 * time.Millisecond}
	store, redis = initialiseCache(cfg, db, zap.NewNop())
	require.IsType(t, &cache.DatabaseStore{}, store)
	require.Nil(t, redis)
}

func TestLoadApplicationConfig(t *testing.T) {
	_, err := loadApplicationConfig(filepath.Join(t.TempDir(), "missing"))
	require.Error(t, err)
	require.Contains(t, err.Error(), "does not exist")

	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("server:\n  port: 9191\n"), 0o600))

	cfg, err := loadApplicationConfig(path)
	require.NoError(t, err)
	require.Equal(t, 9191, cfg.Server.Port)
}
