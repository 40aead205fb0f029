package sessions

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/charlesng35/sessionguard/internal/cache"
	"github.com/charlesng35/sessionguard/internal/models"
)

const (
	sessionKeyPrefix = "session:"
	countKeyPrefix   = "session:count:"
	countAllSuffix   = "all"
)

var errSessionCacheMiss = errors.New("session cache miss")

// sessionCache stores session metadata and per-user counters in the shared cache tier. Token
// material never reaches it; the Session model carries none.
type sessionCache struct {
	store cache.Store
}

func newSessionCache(store cache.Store) *sessionCache {
	if store == nil {
		return nil
	}
	return &sessionCache{store: store}
}

func (c *sessionCache) Get(ctx context.Context, id string) (*models.Session, error) {
	key := sessionKey(id)
	if key == "" {
		return nil, errSessionCacheMiss
	}

	data, found, err := c.store.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, errSessionCacheMiss
	}

	var session models.Session
	if err := json.Unmarshal(data, &session); err != nil {
		return nil, fmt.Errorf("session cache: decode: %w", err)
	}
	return &session, nil
}

func (c *sessionCache) Set(ctx context.Context, session *models.Session, ttl time.Duration) error {
	if session == nil {
		return errors.New("session cache: session is nil")
	}
	key := sessionKey(session.ID)
	if key == "" {
		return errors.New("session cache: session id missing")
	}

	payload, err := json.Marshal(session)
	if err != nil {
		return fmt.Errorf("session cache: marshal: %w", err)
	}
	if ttl <= 0 {
		ttl = time.Second
	}
	return c.store.Set(ctx, key, payload, ttl)
}

func (c *sessionCache) Delete(ctx context.Context, id string) error {
	key := sessionKey(id)
	if key == "" {
		return nil
	}
	return c.store.Delete(ctx, key)
}

func (c *sessionCache) GetCount(ctx context.Context, userID, fingerprint string) (int, bool, error) {
	data, found, err := c.store.Get(ctx, countKey(userID, fingerprint))
	if err != nil || !found {
		return 0, false, err
	}
	var count int
	if err := json.Unmarshal(data, &count); err != nil {
		return 0, false, fmt.Errorf("session cache: decode count: %w", err)
	}
	return count, true, nil
}

func (c *sessionCache) SetCount(ctx context.Context, userID, fingerprint string, count int, ttl time.Duration) error {
	payload, err := json.Marshal(count)
	if err != nil {
		return err
	}
	return c.store.Set(ctx, countKey(userID, fingerprint), payload, ttl)
}

// InvalidateUser drops every cached counter for the user.
func (c *sessionCache) InvalidateUser(ctx context.Context, userID string) error {
	if strings.TrimSpace(userID) == "" {
		return nil
	}
	return c.store.DeletePattern(ctx, countKeyPrefix+userID+":*")
}

func sessionKey(id string) string {
	id = strings.TrimSpace(id)
	if id == "" {
		return ""
	}
	return sessionKeyPrefix + id
}

func countKey(userID, fingerprint string) string {
	if fingerprint == "" {
		fingerprint = countAllSuffix
	}
	return countKeyPrefix + userID + ":" + fingerprint
}
