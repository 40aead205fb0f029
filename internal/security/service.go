package security

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"hash/fnv"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/charlesng35/sessionguard/internal/cache"
	"github.com/charlesng35/sessionguard/internal/models"
	"github.com/charlesng35/sessionguard/pkg/logger"
)

const (
	profileKeyPrefix = "security:profile:"
	deviceKeyPrefix  = "security:device:"
	lockStripes      = 64
	maxRiskScore     = 100
	maxViolations    = 200
)

// ErrDeviceNotFound is returned when a device id is unknown for the user.
var ErrDeviceNotFound = errors.New("security: device not found")

// Service enforces session security policy. Profiles and device records live in the shared
// cache tier so every instance sees the same state. Read-modify-write cycles are serialised per
// user within one process only; concurrent writers on different instances are last-write-wins.
type Service struct {
	store cache.Store
	cfg   Config
	log   *zap.Logger
	locks [lockStripes]sync.Mutex
}

// NewService constructs the security service on top of a cache store.
func NewService(store cache.Store, cfg Config) (*Service, error) {
	if store == nil {
		return nil, errors.New("security: cache store is required")
	}
	cfg = cfg.withDefaults()
	log := cfg.Logger
	if log == nil {
		log = logger.WithModule("security")
	}
	return &Service{store: store, cfg: cfg, log: log}, nil
}

// Config returns the effective configuration.
func (s *Service) Config() Config {
	return s.cfg
}

func (s *Service) now() time.Time {
	return s.cfg.Clock()
}

// EnforceConcurrentSessionLimits decides whether a new session fits under the per-user limit.
// When it does not, the sessions accessed least recently are selected for termination until it
// fits.
func (s *Service) EnforceConcurrentSessionLimits(ctx context.Context, userID, newSessionID string, active []models.Session) (LimitResult, error) {
	unlock := s.lockUser(userID)
	defer unlock()

	profile, err := s.loadProfile(ctx, userID)
	if err != nil {
		return LimitResult{}, err
	}
	now := s.now()
	if profile.IsLockedOut(now) {
		return LimitResult{Allowed: false, Reason: ReasonUserBlocked}, nil
	}

	existing := make([]models.Session, 0, len(active))
	for _, session := range active {
		if session.ID != newSessionID && session.IsActive {
			existing = append(existing, session)
		}
	}

	result := LimitResult{Allowed: true}
	if len(existing) >= s.cfg.MaxConcurrentSessions {
		sort.SliceStable(existing, func(i, j int) bool {
			return existing[i].LastAccessedAt.Before(existing[j].LastAccessedAt)
		})
		evict := len(existing) - s.cfg.MaxConcurrentSessions + 1
		for _, session := range existing[:evict] {
			result.SessionsToTerminate = append(result.SessionsToTerminate, session.ID)
		}
		profile.addViolation(Violation{
			Type:     ViolationConcurrency,
			At:       now,
			Details:  fmt.Sprintf("evicted %d session(s)", evict),
			Resolved: true,
		})
		s.log.Info("concurrent session limit reached",
			zap.String("user", logger.HashID(userID)),
			zap.Int("active", len(existing)),
			zap.Int("evicting", evict),
		)
	}

	profile.ActiveSessions = len(existing) - len(result.SessionsToTerminate) + 1
	if err := s.saveProfile(ctx, profile); err != nil {
		return LimitResult{}, err
	}
	return result, nil
}

// AdmitUnderLimit records an admission for a user whose active session count is already known
// to be below the limit, so the sessions themselves need not be loaded. A count at or above the
// limit must go through EnforceConcurrentSessionLimits.
func (s *Service) AdmitUnderLimit(ctx context.Context, userID string, activeCount int) (LimitResult, error) {
	if activeCount >= s.cfg.MaxConcurrentSessions {
		return LimitResult{}, fmt.Errorf("security: %d active sessions is not below the limit of %d", activeCount, s.cfg.MaxConcurrentSessions)
	}
	unlock := s.lockUser(userID)
	defer unlock()

	profile, err := s.loadProfile(ctx, userID)
	if err != nil {
		return LimitResult{}, err
	}
	if profile.IsLockedOut(s.now()) {
		return LimitResult{Allowed: false, Reason: ReasonUserBlocked}, nil
	}
	profile.ActiveSessions = max(activeCount, 0) + 1
	if err := s.saveProfile(ctx, profile); err != nil {
		return LimitResult{}, err
	}
	return LimitResult{Allowed: true}, nil
}

// ValidateDeviceFingerprint registers or refreshes the device seen on the request and compares
// it with the fingerprint the session was created with.
func (s *Service) ValidateDeviceFingerprint(ctx context.Context, session *models.Session, req RequestContext) (CheckResult, error) {
	if session == nil {
		return CheckResult{}, errors.New("security: session is required")
	}
	unlock := s.lockUser(session.UserID)
	defer unlock()

	profile, err := s.loadProfile(ctx, session.UserID)
	if err != nil {
		return CheckResult{}, err
	}
	now := s.now()
	fp := GenerateFingerprint(req)

	device, err := s.loadDevice(ctx, session.UserID, fp.DeviceID)
	if err != nil {
		return CheckResult{}, err
	}
	if device == nil {
		device = &DeviceRecord{
			DeviceID:    fp.DeviceID,
			Fingerprint: fp.Components,
			FirstSeen:   now,
		}
	}

	// Rotation tolerance follows the device the session was bound to.
	trusted := device.Trusted
	if bound := session.MetadataString("device_id"); bound != "" && bound != device.DeviceID {
		boundDevice, err := s.loadDevice(ctx, session.UserID, bound)
		if err != nil {
			return CheckResult{}, err
		}
		trusted = boundDevice != nil && boundDevice.Trusted && !boundDevice.Blocked
	}

	result := CheckResult{Allowed: true, RiskScore: profile.RiskScore}
	switch {
	case device.Blocked:
		result.Allowed = false
		result.Reason = ReasonDeviceBlocked
		result.ShouldTerminate = true
	default:
		recorded := session.Fingerprints()
		critical := recorded.CriticalMismatches(fp.Components)
		minor := recorded.MinorMismatches(fp.Components)
		for _, component := range minor {
			result.Warnings = append(result.Warnings, component+"_changed")
		}
		if len(critical) > 0 {
			tolerated := trusted && s.cfg.AllowTrustedDeviceRotation
			if s.cfg.StrictDeviceValidation && !tolerated {
				result.Allowed = false
				result.Reason = ReasonFingerprintMismatch
				result.ShouldTerminate = true
				result.Factors = append(result.Factors, ViolationDeviceMismatch)
				profile.addViolation(Violation{Type: ViolationDeviceMismatch, At: now, Details: strings.Join(critical, ",")})
			} else {
				for _, component := range critical {
					result.Warnings = append(result.Warnings, component+"_changed")
				}
			}
		}
	}

	// Rejected attempts are seen but never counted as sessions on the device.
	device.LastSeen = now
	device.Fingerprint = fp.Components
	if result.Allowed {
		device.SessionCount++
	}
	if !profile.hasDevice(device.DeviceID) {
		profile.Devices = append(profile.Devices, device.DeviceID)
	}
	if err := s.saveProfile(ctx, profile); err != nil {
		return CheckResult{}, err
	}
	if err := s.saveDevice(ctx, session.UserID, device); err != nil {
		return CheckResult{}, err
	}
	if !result.Allowed {
		s.log.Warn("device validation failed",
			zap.String("session", logger.HashID(session.ID)),
			zap.String("reason", result.Reason),
		)
	}
	return result, nil
}

// DetectSuspiciousActivity scores the request against the session's history. Each factor adds
// RiskIncrement to the user's risk score; crossing the block threshold, the daily violation
// budget, or a rate-limit breach with BlockSuspiciousUsers set blocks the user.
func (s *Service) DetectSuspiciousActivity(ctx context.Context, session *models.Session, req RequestContext) (CheckResult, error) {
	if session == nil {
		return CheckResult{}, errors.New("security: session is required")
	}

	rate, err := s.CheckRateLimit(ctx, session.UserID, req.IPAddress)
	if err != nil {
		return CheckResult{}, err
	}

	unlock := s.lockUser(session.UserID)
	defer unlock()

	profile, err := s.loadProfile(ctx, session.UserID)
	if err != nil {
		return CheckResult{}, err
	}
	now := s.now()

	var factors []string
	if !rate.Allowed {
		factors = append(factors, ViolationRateLimit)
	}
	if ipChanged(session.IPAddress, req.IPAddress) {
		rapid := now.Sub(session.LastAccessedAt) < s.cfg.RapidIPChangeWindow
		if rapid || session.IPChangeCount >= s.cfg.MaxIPChanges {
			factors = append(factors, ViolationRapidIPChange)
		}
	}
	if len(session.Fingerprints().CriticalMismatches(GenerateFingerprint(req).Components)) > 0 && !req.DeviceTrusted {
		factors = append(factors, ViolationDeviceMismatch)
	}
	if country := session.MetadataString("country"); country != "" && req.Country != "" && country != req.Country {
		factors = append(factors, ViolationGeoAnomaly)
	}

	for _, factor := range factors {
		profile.RiskScore = min(profile.RiskScore+s.cfg.RiskIncrement, maxRiskScore)
		profile.addViolation(Violation{Type: factor, At: now})
	}

	result := CheckResult{Allowed: true, Factors: factors}
	alreadyBlocked := profile.IsLockedOut(now)
	var blockReason string
	switch {
	case alreadyBlocked:
	case profile.RiskScore >= s.cfg.BlockThreshold:
		blockReason = "risk score threshold exceeded"
	case profile.unresolvedSince(now.Add(-s.cfg.ViolationWindow)) > s.cfg.MaxViolationsPerDay:
		blockReason = "too many violations"
	case !rate.Allowed && s.cfg.BlockSuspiciousUsers:
		blockReason = "rate limit exceeded"
	}

	if alreadyBlocked || blockReason != "" {
		if !alreadyBlocked {
			profile.block(blockReason, now.Add(s.cfg.LockoutDuration), now)
			s.log.Warn("user blocked",
				zap.String("user", logger.HashID(session.UserID)),
				zap.String("reason", blockReason),
				zap.Int("risk_score", profile.RiskScore),
			)
		}
		result.Allowed = false
		result.Reason = ReasonUserBlocked
		result.ShouldTerminate = true
		result.Actions = []string{"block_user", "terminate_session"}
	} else if !rate.Allowed {
		result.Allowed = false
		result.Reason = ReasonRateLimited
	} else if len(factors) > 0 {
		result.Reason = ReasonSuspiciousActivity
		result.Warnings = factors
	}
	result.RiskScore = profile.RiskScore

	if err := s.saveProfile(ctx, profile); err != nil {
		return CheckResult{}, err
	}
	return result, nil
}

// BlockUser locks the user out for the configured lockout duration.
func (s *Service) BlockUser(ctx context.Context, userID, reason string) error {
	unlock := s.lockUser(userID)
	defer unlock()

	profile, err := s.loadProfile(ctx, userID)
	if err != nil {
		return err
	}
	now := s.now()
	profile.addViolation(Violation{Type: ViolationManualBlock, At: now, Details: reason})
	profile.block(reason, now.Add(s.cfg.LockoutDuration), now)
	s.log.Info("user blocked", zap.String("user", logger.HashID(userID)), zap.String("reason", reason))
	return s.saveProfile(ctx, profile)
}

// UnblockUser lifts a block, resolves outstanding violations and resets the risk score.
func (s *Service) UnblockUser(ctx context.Context, userID string) error {
	unlock := s.lockUser(userID)
	defer unlock()

	profile, err := s.loadProfile(ctx, userID)
	if err != nil {
		return err
	}
	profile.unblock()
	profile.RiskScore = 0
	for i := range profile.Violations {
		profile.Violations[i].Resolved = true
	}
	return s.saveProfile(ctx, profile)
}

// IsBlocked reports whether the user is currently locked out.
func (s *Service) IsBlocked(ctx context.Context, userID string) (bool, error) {
	profile, err := s.loadProfile(ctx, userID)
	if err != nil {
		return false, err
	}
	return profile.IsLockedOut(s.now()), nil
}

// Profile returns the user's security profile, or an empty one when none was recorded yet.
func (s *Service) Profile(ctx context.Context, userID string) (*Profile, error) {
	return s.loadProfile(ctx, userID)
}

// Device returns a device record or nil.
func (s *Service) Device(ctx context.Context, userID, deviceID string) (*DeviceRecord, error) {
	return s.loadDevice(ctx, userID, deviceID)
}

// IsTrustedDevice reports whether a known device has been marked trusted.
func (s *Service) IsTrustedDevice(ctx context.Context, userID, deviceID string) (bool, error) {
	device, err := s.loadDevice(ctx, userID, deviceID)
	if err != nil {
		return false, err
	}
	return device != nil && device.Trusted && !device.Blocked, nil
}

// TrustDevice marks a known device as trusted.
func (s *Service) TrustDevice(ctx context.Context, userID, deviceID string) error {
	return s.updateDevice(ctx, userID, deviceID, func(d *DeviceRecord) {
		d.Trusted = true
	})
}

// BlockDevice denies every future session from the device.
func (s *Service) BlockDevice(ctx context.Context, userID, deviceID string) error {
	return s.updateDevice(ctx, userID, deviceID, func(d *DeviceRecord) {
		d.Blocked = true
		d.Trusted = false
	})
}

func (s *Service) updateDevice(ctx context.Context, userID, deviceID string, mutate func(*DeviceRecord)) error {
	unlock := s.lockUser(userID)
	defer unlock()

	device, err := s.loadDevice(ctx, userID, deviceID)
	if err != nil {
		return err
	}
	if device == nil {
		return ErrDeviceNotFound
	}
	mutate(device)
	return s.saveDevice(ctx, userID, device)
}

func (s *Service) lockUser(userID string) func() {
	h := fnv.New32a()
	_, _ = h.Write([]byte(userID))
	mu := &s.locks[h.Sum32()%lockStripes]
	mu.Lock()
	return mu.Unlock
}

func (s *Service) loadProfile(ctx context.Context, userID string) (*Profile, error) {
	data, found, err := s.store.Get(ctx, profileKey(userID))
	if err != nil {
		return nil, fmt.Errorf("security: load profile: %w", err)
	}
	if !found {
		return &Profile{UserID: userID}, nil
	}
	var profile Profile
	if err := json.Unmarshal(data, &profile); err != nil {
		return nil, fmt.Errorf("security: decode profile: %w", err)
	}
	profile.UserID = userID
	return &profile, nil
}

func (s *Service) saveProfile(ctx context.Context, profile *Profile) error {
	profile.UpdatedAt = s.now()
	payload, err := json.Marshal(profile)
	if err != nil {
		return fmt.Errorf("security: encode profile: %w", err)
	}
	if err := s.store.Set(ctx, profileKey(profile.UserID), payload, s.cfg.DeviceRetention); err != nil {
		return fmt.Errorf("security: save profile: %w", err)
	}
	return nil
}

func (s *Service) loadDevice(ctx context.Context, userID, deviceID string) (*DeviceRecord, error) {
	data, found, err := s.store.Get(ctx, deviceKey(userID, deviceID))
	if err != nil {
		return nil, fmt.Errorf("security: load device: %w", err)
	}
	if !found {
		return nil, nil
	}
	var device DeviceRecord
	if err := json.Unmarshal(data, &device); err != nil {
		return nil, fmt.Errorf("security: decode device: %w", err)
	}
	return &device, nil
}

func (s *Service) saveDevice(ctx context.Context, userID string, device *DeviceRecord) error {
	payload, err := json.Marshal(device)
	if err != nil {
		return fmt.Errorf("security: encode device: %w", err)
	}
	if err := s.store.Set(ctx, deviceKey(userID, device.DeviceID), payload, s.cfg.DeviceRetention); err != nil {
		return fmt.Errorf("security: save device: %w", err)
	}
	return nil
}

func (p *Profile) addViolation(v Violation) {
	p.Violations = append(p.Violations, v)
	if len(p.Violations) > maxViolations {
		p.Violations = p.Violations[len(p.Violations)-maxViolations:]
	}
}

func (p *Profile) block(reason string, until, now time.Time) {
	p.Blocked = true
	p.BlockReason = reason
	p.LockoutUntil = &until
	p.UpdatedAt = now
}

func (p *Profile) unblock() {
	p.Blocked = false
	p.BlockReason = ""
	p.LockoutUntil = nil
}

func profileKey(userID string) string {
	return profileKeyPrefix + userID
}

func deviceKey(userID, deviceID string) string {
	return deviceKeyPrefix + userID + ":" + deviceID
}

func ipChanged(previous, current string) bool {
	return previous != "" && current != "" && previous != current
}
