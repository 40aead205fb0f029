package cache

import (
	"context"
	"strings"
	"time"
)

// Store represents the shared cache tier used for session metadata, counters and security state.
// Get reports found=false on a miss; errors are reserved for backend failures.
type Store interface {
	IncrementWithTTL(ctx context.Context, key string, window time.Duration) (int64, time.Duration, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Delete(ctx context.Context, keys ...string) error
	// DeletePattern removes every key matching one of the glob patterns ('*' wildcard only).
	DeletePattern(ctx context.Context, patterns ...string) error
	// Keys lists the keys matching a glob pattern.
	Keys(ctx context.Context, pattern string) ([]string, error)
	Ping(ctx context.Context) error
}

// MatchPattern reports whether key matches a glob pattern in which '*' matches any run of
// characters. No other metacharacters are recognised.
func MatchPattern(pattern, key string) bool {
	parts := strings.Split(pattern, "*")
	if len(parts) == 1 {
		return pattern == key
	}
	if !strings.HasPrefix(key, parts[0]) {
		return false
	}
	key = key[len(parts[0]):]
	last := parts[len(parts)-1]
	for _, part := range parts[1 : len(parts)-1] {
		idx := strings.Index(key, part)
		if idx < 0 {
			return false
		}
		key = key[idx+len(part):]
	}
	return strings.HasSuffix(key, last)
}

// literalPrefix returns the portion of a pattern before its first wildcard.
func literalPrefix(pattern string) string {
	if idx := strings.IndexByte(pattern, '*'); idx >= 0 {
		return pattern[:idx]
	}
	return pattern
}
