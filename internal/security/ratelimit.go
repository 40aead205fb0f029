package security

import (
	"context"
	"fmt"
	"time"
)

const rateLimitKeyPrefix = "rate_limit:"

// CheckRateLimit counts a request against the fixed window containing now. Windows are aligned to
// the epoch, so a breach only lasts until the current window ends.
func (s *Service) CheckRateLimit(ctx context.Context, userID, ip string) (RateLimitResult, error) {
	now := s.now()
	window := s.cfg.RateLimitWindow
	windowStart := WindowStart(now, window)
	resetAt := time.UnixMilli(windowStart).UTC().Add(window)

	ttl := resetAt.Sub(now)
	if ttl <= 0 {
		ttl = window
	}

	count, _, err := s.store.IncrementWithTTL(ctx, rateLimitKey(userID, ip, windowStart), ttl)
	if err != nil {
		return RateLimitResult{}, fmt.Errorf("security: rate limit: %w", err)
	}

	remaining := s.cfg.MaxRequestsPerWindow - count
	if remaining < 0 {
		remaining = 0
	}
	return RateLimitResult{
		Allowed:   count <= s.cfg.MaxRequestsPerWindow,
		Count:     count,
		Remaining: remaining,
		ResetAt:   resetAt,
	}, nil
}

// WindowStart returns floor(now/window)*window in Unix milliseconds.
func WindowStart(now time.Time, window time.Duration) int64 {
	size := window.Milliseconds()
	if size <= 0 {
		size = time.Minute.Milliseconds()
	}
	ms := now.UnixMilli()
	return (ms / size) * size
}

func rateLimitKey(userID, ip string, windowStart int64) string {
	return fmt.Sprintf("%s%s:%s:%d", rateLimitKeyPrefix, userID, ip, windowStart)
}
