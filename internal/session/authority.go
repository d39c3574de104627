// Package session issues, validates and revokes session tokens, mapping an
// opaque bearer token to the user it was issued for.
package session

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"log"
	"time"

	nanoid "github.com/jaevor/go-nanoid"
	"golang.org/x/crypto/blake2b"
	"golang.org/x/sync/singleflight"

	"github.com/Tyrowin/gomessenger/internal/model"
	"github.com/Tyrowin/gomessenger/internal/store"
)

const (
	// DefaultTTL is the lifetime of a new session.
	DefaultTTL = 7 * 24 * time.Hour

	// TokenLength is the number of characters in a token. The nanoid
	// alphabet has 64 symbols, so 32 characters carry 192 bits.
	TokenLength = 32
)

// Authority is the single owner of session state. It reads through a Cache
// to the session store and purges expired sessions as it observes them.
type Authority struct {
	store    store.SessionStore
	cache    Cache
	ttl      time.Duration
	now      func() time.Time
	newToken func() string
	group    singleflight.Group
}

// Option configures an Authority.
type Option func(*Authority)

// WithCache replaces the default in-memory cache.
func WithCache(c Cache) Option {
	return func(a *Authority) { a.cache = c }
}

// WithTTL sets the session lifetime.
func WithTTL(ttl time.Duration) Option {
	return func(a *Authority) {
		if ttl > 0 {
			a.ttl = ttl
		}
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(a *Authority) { a.now = now }
}

// New creates an Authority backed by st.
func New(st store.SessionStore, opts ...Option) (*Authority, error) {
	gen, err := nanoid.Standard(TokenLength)
	if err != nil {
		return nil, fmt.Errorf("failed to create token generator: %w", err)
	}

	a := &Authority{
		store:    st,
		cache:    NewMemoryCache(),
		ttl:      DefaultTTL,
		now:      time.Now,
		newToken: gen,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a, nil
}

// TTL returns the configured session lifetime.
func (a *Authority) TTL() time.Duration { return a.ttl }

// Digest returns the at-rest key of a token.
func Digest(token string) string {
	sum := blake2b.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

func wellFormed(token string) bool {
	if len(token) != TokenLength {
		return false
	}
	for _, r := range token {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
		default:
			return false
		}
	}
	return true
}

// Create issues a token for userID and records the session in the cache and
// the store.
func (a *Authority) Create(ctx context.Context, userID, deviceInfo string) (string, error) {
	token := a.newToken()
	now := a.now()
	sess := &model.Session{
		TokenHash:  Digest(token),
		UserID:     userID,
		CreatedAt:  now,
		ExpiresAt:  now.Add(a.ttl),
		DeviceInfo: deviceInfo,
	}

	if err := a.store.PutSession(ctx, sess); err != nil {
		return "", fmt.Errorf("failed to persist session: %w", err)
	}
	if err := a.cache.Set(ctx, sess); err != nil {
		log.Printf("Session cache write failed for user %s: %v", userID, err)
	}
	return token, nil
}

// Verify returns the user a token belongs to. Malformed, unknown and expired
// tokens all report ok=false; Verify never fails otherwise.
func (a *Authority) Verify(ctx context.Context, token string) (string, bool) {
	if !wellFormed(token) {
		return "", false
	}
	key := Digest(token)
	now := a.now()

	cached, hit, err := a.cache.Get(ctx, key)
	if err != nil {
		log.Printf("Session cache read failed: %v", err)
	}
	if hit {
		if cached.Valid(now) {
			return cached.UserID, true
		}
		a.purge(ctx, key)
		return "", false
	}

	v, err, _ := a.group.Do(key, func() (any, error) {
		return a.store.GetSession(ctx, key)
	})
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			log.Printf("Session lookup failed: %v", err)
		}
		return "", false
	}

	sess := v.(*model.Session)
	if !sess.Valid(now) {
		a.purge(ctx, key)
		return "", false
	}
	if err := a.cache.Set(ctx, sess); err != nil {
		log.Printf("Session cache write failed for user %s: %v", sess.UserID, err)
	}
	return sess.UserID, true
}

func (a *Authority) purge(ctx context.Context, key string) {
	if err := a.cache.Delete(ctx, key); err != nil {
		log.Printf("Session cache delete failed: %v", err)
	}
	if err := a.store.DeleteSession(ctx, key); err != nil {
		log.Printf("Expired session purge failed: %v", err)
	}
}

// Revoke removes a session from the cache and the store. Revoking an unknown
// or malformed token is a no-op.
func (a *Authority) Revoke(ctx context.Context, token string) error {
	if !wellFormed(token) {
		return nil
	}
	key := Digest(token)
	if err := a.cache.Delete(ctx, key); err != nil {
		log.Printf("Session cache delete failed: %v", err)
	}
	if err := a.store.DeleteSession(ctx, key); err != nil {
		return fmt.Errorf("failed to revoke session: %w", err)
	}
	return nil
}

// RevokeUser removes every session of userID.
func (a *Authority) RevokeUser(ctx context.Context, userID string) error {
	if err := a.cache.DeleteUser(ctx, userID); err != nil {
		log.Printf("Session cache purge failed for user %s: %v", userID, err)
	}
	if err := a.store.DeleteUserSessions(ctx, userID); err != nil {
		return fmt.Errorf("failed to revoke user sessions: %w", err)
	}
	return nil
}
