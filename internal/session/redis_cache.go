package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/Tyrowin/gomessenger/internal/model"
)

// RedisCache is a Cache shared between server instances. Each session is a
// JSON value expiring with the session; a per-user set indexes the digests
// so RevokeUser can find them. The index is refreshed to the full session TTL
// on every write, so it always outlives its members.
type RedisCache struct {
	client   *redis.Client
	prefix   string
	indexTTL time.Duration
	now      func() time.Time
}

// NewRedisCache returns a RedisCache using keys under prefix. sessionTTL is
// the longest lifetime any cached session can have.
func NewRedisCache(client *redis.Client, prefix string, sessionTTL time.Duration) *RedisCache {
	if prefix == "" {
		prefix = "session:"
	}
	if sessionTTL <= 0 {
		sessionTTL = DefaultTTL
	}
	return &RedisCache{client: client, prefix: prefix, indexTTL: sessionTTL, now: time.Now}
}

func (c *RedisCache) key(tokenHash string) string { return c.prefix + tokenHash }

func (c *RedisCache) userKey(userID string) string { return c.prefix + "user:" + userID }

func (c *RedisCache) Get(ctx context.Context, tokenHash string) (*model.Session, bool, error) {
	data, err := c.client.Get(ctx, c.key(tokenHash)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("cache get error: %w", err)
	}

	var s model.Session
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, false, fmt.Errorf("cache unmarshal error: %w", err)
	}
	return &s, true, nil
}

func (c *RedisCache) Set(ctx context.Context, s *model.Session) error {
	ttl := s.ExpiresAt.Sub(c.now())
	if ttl <= 0 {
		return c.Delete(ctx, s.TokenHash)
	}

	data, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("cache marshal error: %w", err)
	}

	pipe := c.client.TxPipeline()
	pipe.Set(ctx, c.key(s.TokenHash), data, ttl)
	pipe.SAdd(ctx, c.userKey(s.UserID), s.TokenHash)
	pipe.Expire(ctx, c.userKey(s.UserID), c.indexTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("cache set error: %w", err)
	}
	return nil
}

func (c *RedisCache) Delete(ctx context.Context, tokenHash string) error {
	if err := c.client.Del(ctx, c.key(tokenHash)).Err(); err != nil {
		return fmt.Errorf("cache delete error: %w", err)
	}
	return nil
}

func (c *RedisCache) DeleteUser(ctx context.Context, userID string) error {
	hashes, err := c.client.SMembers(ctx, c.userKey(userID)).Result()
	if err != nil {
		return fmt.Errorf("cache lookup error: %w", err)
	}

	keys := make([]string, 0, len(hashes)+1)
	for _, h := range hashes {
		keys = append(keys, c.key(h))
	}
	keys = append(keys, c.userKey(userID))

	if err := c.client.Del(ctx, keys...).Err(); err != nil {
		return fmt.Errorf("cache delete error: %w", err)
	}
	return nil
}
