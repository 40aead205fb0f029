package security

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// Cleanup clears expired lockouts, drops violations older than the violation window, recomputes
// risk from what remains and evicts devices not seen within DeviceRetention.
func (s *Service) Cleanup(ctx context.Context) (CleanupStats, error) {
	var stats CleanupStats

	keys, err := s.store.Keys(ctx, profileKeyPrefix+"*")
	if err != nil {
		return stats, fmt.Errorf("security: list profiles: %w", err)
	}

	var errs error
	for _, key := range keys {
		if err := ctx.Err(); err != nil {
			return stats, multierr.Append(errs, err)
		}
		userID := strings.TrimPrefix(key, profileKeyPrefix)
		if err := s.cleanupProfile(ctx, userID, &stats); err != nil {
			errs = multierr.Append(errs, fmt.Errorf("profile %s: %w", userID, err))
		}
		stats.ProfilesScanned++
	}

	if stats.LockoutsCleared+stats.ViolationsPruned+stats.DevicesEvicted > 0 {
		s.log.Info("security cleanup completed",
			zap.Int("profiles", stats.ProfilesScanned),
			zap.Int("lockouts_cleared", stats.LockoutsCleared),
			zap.Int("violations_pruned", stats.ViolationsPruned),
			zap.Int("devices_evicted", stats.DevicesEvicted),
		)
	}
	return stats, errs
}

func (s *Service) cleanupProfile(ctx context.Context, userID string, stats *CleanupStats) error {
	unlock := s.lockUser(userID)
	defer unlock()

	profile, err := s.loadProfile(ctx, userID)
	if err != nil {
		return err
	}
	now := s.now()

	if profile.Blocked && profile.LockoutUntil != nil && !now.Before(*profile.LockoutUntil) {
		profile.unblock()
		stats.LockoutsCleared++
	}

	cutoff := now.Add(-s.cfg.ViolationWindow)
	kept := profile.Violations[:0]
	for _, v := range profile.Violations {
		if v.At.Before(cutoff) {
			stats.ViolationsPruned++
			continue
		}
		kept = append(kept, v)
	}
	profile.Violations = kept
	if !profile.Blocked {
		profile.RiskScore = min(profile.unresolvedSince(cutoff)*s.cfg.RiskIncrement, maxRiskScore)
	}

	deviceCutoff := now.Add(-s.cfg.DeviceRetention)
	devices := profile.Devices[:0]
	for _, deviceID := range profile.Devices {
		device, err := s.loadDevice(ctx, userID, deviceID)
		if err != nil {
			return err
		}
		if device == nil || device.LastSeen.Before(deviceCutoff) {
			if err := s.store.Delete(ctx, deviceKey(userID, deviceID)); err != nil {
				return fmt.Errorf("security: evict device: %w", err)
			}
			stats.DevicesEvicted++
			continue
		}
		devices = append(devices, deviceID)
	}
	profile.Devices = devices

	return s.saveProfile(ctx, profile)
}
