package sessions

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/charlesng35/sessionguard/internal/database/testutil"
	"github.com/charlesng35/sessionguard/internal/idp"
	"github.com/charlesng35/sessionguard/internal/models"
	"github.com/charlesng35/sessionguard/internal/monitoring"
	"github.com/charlesng35/sessionguard/internal/security"
)

func TestCreateSession(t *testing.T) {
	h := newHarness(t)
	req := laptop
	req.Country = "NL"

	result, err := h.manager.CreateSession(context.Background(), CreateRequest{
		UserID:            "u1",
		KeycloakUserID:    "kc-u1",
		KeycloakSessionID: "kc-session",
		Request:           req,
		Tokens:            h.tokensFor("u1"),
		Metadata:          map[string]any{"login_method": "oidc"},
	})
	require.NoError(t, err)
	require.True(t, result.Allowed)
	require.Empty(t, result.Reason)

	session := result.Session
	require.NotNil(t, session)
	require.True(t, session.HasAccount())
	require.Equal(t, "kc-session", session.KeycloakSessionID)
	require.Equal(t, security.GenerateFingerprint(laptop).Hash, session.Fingerprint)
	require.Equal(t, security.GenerateFingerprint(laptop).DeviceID, session.MetadataString("device_id"))
	require.Equal(t, "NL", session.MetadataString("country"))
	require.Equal(t, "oidc", session.MetadataString("login_method"))

	wantFire := h.clock.Now().Add(time.Hour - DefaultRefreshBuffer)
	require.NotNil(t, session.NextRefreshAt)
	require.True(t, session.NextRefreshAt.Equal(wantFire))
	require.Equal(t, 1, h.manager.Stats().PendingRefreshes)

	device, err := h.security.Device(context.Background(), "u1", session.MetadataString("device_id"))
	require.NoError(t, err)
	require.NotNil(t, device)
	require.Equal(t, 1, device.SessionCount)

	require.Equal(t, 1, h.metrics.created)
}

func TestCreateSessionRequiresIdentity(t *testing.T) {
	h := newHarness(t)

	_, err := h.manager.CreateSession(context.Background(), CreateRequest{Request: laptop})
	require.Error(t, err)

	_, err = h.manager.CreateSession(context.Background(), CreateRequest{UserID: "u1"})
	require.Error(t, err)
}

func TestCreateSessionEvictsLeastRecentlyUsed(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	var ids []string
	for range security.DefaultMaxConcurrentSessions {
		ids = append(ids, h.create(t, "u1", laptop).Session.ID)
		h.clock.Advance(time.Minute)
	}
	// Touching the first session makes the second the least recently used.
	require.NoError(t, h.store.UpdateSessionAccess(ctx, ids[0], AccessUpdate{}))

	result := h.create(t, "u1", laptop)
	require.True(t, result.Allowed)
	require.Equal(t, []string{ids[1]}, result.TerminatedSessions)

	active, err := h.manager.GetUserSessions(ctx, "u1")
	require.NoError(t, err)
	require.Len(t, active, security.DefaultMaxConcurrentSessions)

	evicted, err := h.repo.FindByID(ctx, ids[1])
	require.NoError(t, err)
	require.Equal(t, models.SessionStateTerminated, evicted.State)
	require.Equal(t, ReasonConcurrentLimit, evicted.EndReason)
	require.Equal(t, 1, h.metrics.count(h.metrics.ended, ReasonConcurrentLimit))

	_, ok := h.coordinator.Scheduler().NextFire(ids[1])
	require.False(t, ok)
}

func TestCreateSessionDeniedForBlockedUser(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	require.NoError(t, h.security.BlockUser(ctx, "u1", "fraud review"))

	result, err := h.manager.CreateSession(ctx, CreateRequest{UserID: "u1", Request: laptop, Tokens: h.tokensFor("u1")})
	require.NoError(t, err)
	require.False(t, result.Allowed)
	require.Equal(t, ReasonUserBlocked, result.Reason)
	require.Nil(t, result.Session)

	sessions, err := h.manager.GetUserSessions(ctx, "u1")
	require.NoError(t, err)
	require.Empty(t, sessions)
}

func TestCreateSessionRateLimited(t *testing.T) {
	h := newHarness(t, withSecurity(func(c *security.Config) { c.MaxRequestsPerWindow = 2 }))
	ctx := context.Background()

	h.create(t, "u1", laptop)
	h.create(t, "u1", laptop)

	result, err := h.manager.CreateSession(ctx, CreateRequest{UserID: "u1", Request: laptop, Tokens: h.tokensFor("u1")})
	require.NoError(t, err)
	require.False(t, result.Allowed)
	require.Equal(t, ReasonRateLimited, result.Reason)

	h.clock.Advance(security.DefaultRateLimitWindow)
	require.True(t, h.create(t, "u1", laptop).Allowed)
}

func TestCreateSessionRollsBackBlockedDevice(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	first := h.create(t, "u1", laptop).Session
	deviceID := first.MetadataString("device_id")
	require.NoError(t, h.security.BlockDevice(ctx, "u1", deviceID))

	result, err := h.manager.CreateSession(ctx, CreateRequest{UserID: "u1", Request: laptop, Tokens: h.tokensFor("u1")})
	require.NoError(t, err)
	require.False(t, result.Allowed)
	require.Equal(t, security.ReasonDeviceBlocked, result.Reason)

	sessions, err := h.manager.GetUserSessions(ctx, "u1")
	require.NoError(t, err)
	require.Len(t, sessions, 1)
	require.Equal(t, first.ID, sessions[0].ID)
	require.Equal(t, 1, h.manager.Stats().PendingRefreshes)

	device, err := h.security.Device(ctx, "u1", deviceID)
	require.NoError(t, err)
	require.Equal(t, 1, device.SessionCount)
}

func TestCreateSessionUnderLimitUsesCachedCount(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	h.create(t, "u1", laptop)
	h.create(t, "u1", laptop)
	profile, err := h.security.Profile(ctx, "u1")
	require.NoError(t, err)
	require.Equal(t, 2, profile.ActiveSessions)

	// Below the limit the cached count alone decides admission.
	require.NoError(t, h.store.cache.SetCount(ctx, "u1", "", 3, time.Minute))
	require.True(t, h.create(t, "u1", laptop).Allowed)

	profile, err = h.security.Profile(ctx, "u1")
	require.NoError(t, err)
	require.Equal(t, 4, profile.ActiveSessions)

	_, found, err := h.store.cache.GetCount(ctx, "u1", "")
	require.NoError(t, err)
	require.False(t, found)
}

func TestValidateSessionValid(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	session := h.create(t, "u1", laptop).Session

	h.clock.Advance(10 * time.Minute)
	req := laptop
	result, err := h.manager.ValidateSession(ctx, session.ID, &req)
	require.NoError(t, err)
	require.True(t, result.Valid)
	require.False(t, result.Refreshed)
	require.Empty(t, result.Warnings)
	require.Equal(t, session.ID, result.Session.ID)

	stored, err := h.repo.FindByID(ctx, session.ID)
	require.NoError(t, err)
	require.True(t, stored.LastAccessedAt.Equal(h.clock.Now()))
	require.Equal(t, 1, h.metrics.count(h.metrics.validated, outcomeValid))
}

func TestValidateSessionMissing(t *testing.T) {
	h := newHarness(t)

	result, err := h.manager.ValidateSession(context.Background(), "00000000-0000-0000-0000-000000000003", nil)
	require.NoError(t, err)
	require.False(t, result.Valid)
	require.Equal(t, ReasonNotFound, result.Reason)
	require.Equal(t, 1, h.metrics.count(h.metrics.validated, outcomeInvalid))
}

func TestValidateSessionIdleTerminates(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	session := h.create(t, "u1", laptop).Session
	accountID := *session.AccountID

	h.clock.Advance(DefaultMaxIdleTime + time.Minute)
	result, err := h.manager.ValidateSession(ctx, session.ID, nil)
	require.NoError(t, err)
	require.False(t, result.Valid)
	require.Equal(t, ReasonIdleTimeout, result.Reason)
	require.True(t, result.Terminated)

	stored, err := h.repo.FindByID(ctx, session.ID)
	require.NoError(t, err)
	require.Equal(t, models.SessionStateExpired, stored.State)
	require.Nil(t, stored.AccountID)

	tokens, err := h.accounts.GetTokens(ctx, accountID)
	require.NoError(t, err)
	require.Nil(t, tokens)
	require.Zero(t, h.manager.Stats().PendingRefreshes)
	require.Equal(t, 1, h.metrics.count(h.metrics.ended, ReasonIdleTimeout))
}

func TestValidateSessionFromAnotherDevice(t *testing.T) {
	t.Run("unknown device is terminated", func(t *testing.T) {
		h := newHarness(t)
		session := h.create(t, "u1", laptop).Session

		h.clock.Advance(10 * time.Minute)
		req := phone
		result, err := h.manager.ValidateSession(context.Background(), session.ID, &req)
		require.NoError(t, err)
		require.False(t, result.Valid)
		require.Equal(t, ReasonFingerprintMismatch, result.Reason)
		require.True(t, result.Terminated)
	})

	t.Run("separately trusted device cannot take over the session", func(t *testing.T) {
		h := newHarness(t)
		ctx := context.Background()
		session := h.create(t, "u1", laptop).Session
		phoneSession := h.create(t, "u1", phone).Session
		require.NoError(t, h.security.TrustDevice(ctx, "u1", phoneSession.MetadataString("device_id")))

		h.clock.Advance(10 * time.Minute)
		req := phone
		result, err := h.manager.ValidateSession(ctx, session.ID, &req)
		require.NoError(t, err)
		require.False(t, result.Valid)
		require.Equal(t, ReasonFingerprintMismatch, result.Reason)
		require.True(t, result.Terminated)
	})

	t.Run("trusted session device tolerates a browser update", func(t *testing.T) {
		h := newHarness(t)
		ctx := context.Background()
		session := h.create(t, "u1", laptop).Session
		require.NoError(t, h.security.TrustDevice(ctx, "u1", session.MetadataString("device_id")))

		h.clock.Advance(10 * time.Minute)
		req := laptop
		req.UserAgent = "Mozilla/5.0 (X11; Linux x86_64) Firefox/125.0"
		result, err := h.manager.ValidateSession(ctx, session.ID, &req)
		require.NoError(t, err)
		require.True(t, result.Valid, result.Reason)
		require.False(t, result.Terminated)
		require.Contains(t, result.Warnings, WarningUserAgentChanged)
		require.NotContains(t, result.Warnings, WarningIPChanged)
	})

	t.Run("untrusted session device is terminated on a browser update", func(t *testing.T) {
		h := newHarness(t)
		session := h.create(t, "u1", laptop).Session

		h.clock.Advance(10 * time.Minute)
		req := laptop
		req.UserAgent = "Mozilla/5.0 (X11; Linux x86_64) Firefox/125.0"
		result, err := h.manager.ValidateSession(context.Background(), session.ID, &req)
		require.NoError(t, err)
		require.False(t, result.Valid)
		require.Equal(t, ReasonFingerprintMismatch, result.Reason)
	})
}

func TestValidateSessionLeavesRequestUntouched(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	session := h.create(t, "u1", laptop).Session
	require.NoError(t, h.security.TrustDevice(ctx, "u1", session.MetadataString("device_id")))

	req := laptop
	result, err := h.manager.ValidateSession(ctx, session.ID, &req)
	require.NoError(t, err)
	require.True(t, result.Valid)
	require.False(t, req.DeviceTrusted)
}

func TestValidateSessionRotation(t *testing.T) {
	rotationConfig := withConfig(func(c *Config) { c.MaxIdleTime = 8 * time.Hour })

	t.Run("rotates tokens past the interval", func(t *testing.T) {
		h := newHarness(t, rotationConfig)
		ctx := context.Background()
		session := h.create(t, "u1", laptop).Session

		h.clock.Advance(DefaultSessionRotationInterval + time.Minute)
		result, err := h.manager.ValidateSession(ctx, session.ID, nil)
		require.NoError(t, err)
		require.True(t, result.Valid, result.Reason)
		require.True(t, result.Refreshed)
		require.Equal(t, 1, h.metrics.count(h.metrics.refreshed, TriggerRotation+"/"+OutcomeSuccess))

		stored, err := h.repo.FindByID(ctx, session.ID)
		require.NoError(t, err)
		require.NotNil(t, stored.RotatedAt)
		require.True(t, stored.RotatedAt.Equal(h.clock.Now()))
	})

	t.Run("provider outage leaves the session alive", func(t *testing.T) {
		h := newHarness(t, rotationConfig)
		ctx := context.Background()
		session := h.create(t, "u1", laptop).Session
		h.idp.setRefreshErr(fmt.Errorf("%w: status 502", idp.ErrUpstream))

		h.clock.Advance(DefaultSessionRotationInterval + time.Minute)
		result, err := h.manager.ValidateSession(ctx, session.ID, nil)
		require.NoError(t, err)
		require.False(t, result.Valid)
		require.Equal(t, ReasonRotationRequired, result.Reason)
		require.False(t, result.Terminated)

		active, err := h.manager.GetSession(ctx, session.ID)
		require.NoError(t, err)
		require.NotNil(t, active)
	})

	t.Run("legacy session without tokens is terminated", func(t *testing.T) {
		h := newHarness(t, rotationConfig)
		ctx := context.Background()
		legacy, err := h.store.StoreSession(ctx, CreateOptions{UserID: "u1", IPAddress: laptop.IPAddress})
		require.NoError(t, err)

		h.clock.Advance(DefaultSessionRotationInterval + time.Minute)
		result, err := h.manager.ValidateSession(ctx, legacy.ID, nil)
		require.NoError(t, err)
		require.False(t, result.Valid)
		require.True(t, result.Terminated)
	})
}

func TestValidateSessionRefreshFailureFallsBack(t *testing.T) {
	h := newHarness(t, withConfig(func(c *Config) { c.MaxIdleTime = 2 * time.Hour }))
	ctx := context.Background()
	session := h.create(t, "u1", laptop).Session
	h.idp.setRefreshErr(fmt.Errorf("%w: status 503", idp.ErrUpstream))

	h.clock.Advance(56 * time.Minute)

	result, err := h.manager.ValidateSession(ctx, session.ID, nil)
	require.NoError(t, err)
	require.True(t, result.Valid, result.Reason)
	require.Contains(t, result.Warnings, WarningTokenRefreshFailed)

	h.idp.introspectResult = idp.AuthResult{Success: false, Error: "token is not active"}
	result, err = h.manager.ValidateSession(ctx, session.ID, nil)
	require.NoError(t, err)
	require.False(t, result.Valid)
	require.Equal(t, ReasonTokenInvalid, result.Reason)
	require.True(t, result.Terminated)
}

func TestDestroySession(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	session := h.create(t, "u1", laptop).Session

	ended, err := h.manager.DestroySession(ctx, session.ID, "")
	require.NoError(t, err)
	require.True(t, ended)
	require.Zero(t, h.manager.Stats().PendingRefreshes)

	ended, err = h.manager.DestroySession(ctx, session.ID, "")
	require.NoError(t, err)
	require.False(t, ended)
	require.Equal(t, 1, h.metrics.count(h.metrics.ended, ReasonLogout))

	result, err := h.manager.ValidateSession(ctx, session.ID, nil)
	require.NoError(t, err)
	require.False(t, result.Valid)
	require.Equal(t, ReasonNotFound, result.Reason)
}

func TestDestroyUserSessions(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.create(t, "u1", laptop)
	h.create(t, "u1", phone)
	other := h.create(t, "u2", laptop).Session

	count, err := h.manager.DestroyUserSessions(ctx, "u1", ReasonLogout)
	require.NoError(t, err)
	require.Equal(t, 2, count)

	sessions, err := h.manager.GetUserSessions(ctx, "u1")
	require.NoError(t, err)
	require.Empty(t, sessions)

	remaining, err := h.manager.GetSession(ctx, other.ID)
	require.NoError(t, err)
	require.NotNil(t, remaining)
}

func TestManagerFailsClosedOnStorageError(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	session := h.create(t, "u1", laptop).Session
	// Evict the cached copy so validation has to reach the database.
	require.NoError(t, h.cache.Delete(ctx, sessionKey(session.ID)))
	testutil.CloseDB(t, h.db)

	result, err := h.manager.CreateSession(ctx, CreateRequest{UserID: "u2", Request: laptop, Tokens: h.tokensFor("u2")})
	require.Error(t, err)
	require.Nil(t, result)

	validated, err := h.manager.ValidateSession(ctx, session.ID, nil)
	require.Error(t, err)
	require.Nil(t, validated)
	require.Equal(t, 1, h.metrics.count(h.metrics.validated, outcomeError))

	report := h.manager.Health(ctx)
	require.Equal(t, monitoring.StatusDown, report.Status)
}

func TestManagerHealthTracksScheduler(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	report := h.manager.Health(ctx)
	require.Equal(t, monitoring.StatusDegraded, report.Status)

	require.NoError(t, h.manager.Start(ctx))
	report = h.manager.Health(ctx)
	require.Equal(t, monitoring.StatusUp, report.Status)
	require.True(t, h.manager.Stats().SchedulerRunning)
}

func TestManagerCleanupRecordsMetrics(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.create(t, "u1", laptop)

	h.clock.Advance(time.Hour)
	expired, err := h.manager.CleanupExpiredSessions(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, expired)
	require.Equal(t, 1, h.metrics.cleanups)
}
