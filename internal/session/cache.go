package session

import (
	"context"
	"sync"

	"github.com/Tyrowin/gomessenger/internal/model"
)

// Cache is the fast lookup layer in front of the session store. Entries are
// keyed by token digest. Implementations must be safe for concurrent use.
type Cache interface {
	Get(ctx context.Context, tokenHash string) (*model.Session, bool, error)
	Set(ctx context.Context, s *model.Session) error
	Delete(ctx context.Context, tokenHash string) error
	DeleteUser(ctx context.Context, userID string) error
}

// MemoryCache is a process-local Cache guarded by a read/write lock.
type MemoryCache struct {
	mu       sync.RWMutex
	sessions map[string]model.Session
}

// NewMemoryCache returns an empty MemoryCache.
func NewMemoryCache() *MemoryCache {
	return &MemoryCache{sessions: make(map[string]model.Session)}
}

func (c *MemoryCache) Get(_ context.Context, tokenHash string) (*model.Session, bool, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	s, ok := c.sessions[tokenHash]
	if !ok {
		return nil, false, nil
	}
	return &s, true, nil
}

func (c *MemoryCache) Set(_ context.Context, s *model.Session) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.sessions[s.TokenHash] = *s
	return nil
}

func (c *MemoryCache) Delete(_ context.Context, tokenHash string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	delete(c.sessions, tokenHash)
	return nil
}

func (c *MemoryCache) DeleteUser(_ context.Context, userID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	for hash, s := range c.sessions {
		if s.UserID == userID {
			delete(c.sessions, hash)
		}
	}
	return nil
}

// Len returns the number of cached sessions.
func (c *MemoryCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.sessions)
}
