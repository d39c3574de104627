// Package ratelimit implements per-origin sliding-window admission control.
// A violator is blocked for a full window, not re-admitted on the next tick.
package ratelimit

import (
	"context"
	"sync"
	"time"
)

// Config holds rate limiting configuration.
type Config struct {
	// RequestsPerWindow is the maximum number of requests allowed in the window.
	RequestsPerWindow int
	// WindowSize is the duration of the sliding window and of the cooldown.
	WindowSize time.Duration
}

// DefaultConfig allows 100 requests per minute.
func DefaultConfig() Config {
	return Config{RequestsPerWindow: 100, WindowSize: time.Minute}
}

// Result represents the outcome of a rate limit check.
type Result struct {
	Allowed   bool
	Remaining int
	// RetryAfter is the time left on the cooldown (only set when not allowed).
	RetryAfter time.Duration
}

type window struct {
	mu           sync.Mutex
	hits         []time.Time
	blockedUntil time.Time
	swept        bool
}

// Limiter tracks one window per origin. The map lock only guards window
// creation and sweeping; each origin is serialized by its own lock.
type Limiter struct {
	cfg     Config
	now     func() time.Time
	mu      sync.Mutex
	windows map[string]*window
}

// New creates a Limiter. Non-positive values fall back to DefaultConfig.
func New(cfg Config) *Limiter {
	def := DefaultConfig()
	if cfg.RequestsPerWindow <= 0 {
		cfg.RequestsPerWindow = def.RequestsPerWindow
	}
	if cfg.WindowSize <= 0 {
		cfg.WindowSize = def.WindowSize
	}
	return &Limiter{
		cfg:     cfg,
		now:     time.Now,
		windows: make(map[string]*window),
	}
}

// SetClock overrides the time source. Intended for tests.
func (l *Limiter) SetClock(now func() time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.now = now
}

func (l *Limiter) window(origin string) (*window, time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()

	w, ok := l.windows[origin]
	if !ok {
		w = &window{}
		l.windows[origin] = w
	}
	return w, l.now()
}

// Allow records a request from origin and reports whether it is admitted.
func (l *Limiter) Allow(origin string) Result {
	for {
		w, now := l.window(origin)
		w.mu.Lock()
		if w.swept {
			// Dropped by Sweep between lookup and lock; fetch the fresh window.
			w.mu.Unlock()
			continue
		}
		res := l.admit(w, now)
		w.mu.Unlock()
		return res
	}
}

// admit must be called with w.mu held.
func (l *Limiter) admit(w *window, now time.Time) Result {
	if w.blockedUntil.After(now) {
		return Result{RetryAfter: w.blockedUntil.Sub(now)}
	}

	cutoff := now.Add(-l.cfg.WindowSize)
	kept := w.hits[:0]
	for _, ts := range w.hits {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}
	w.hits = kept

	if len(w.hits) >= l.cfg.RequestsPerWindow {
		w.blockedUntil = now.Add(l.cfg.WindowSize)
		return Result{RetryAfter: l.cfg.WindowSize}
	}

	w.hits = append(w.hits, now)
	return Result{Allowed: true, Remaining: l.cfg.RequestsPerWindow - len(w.hits)}
}

// Sweep forgets origins with no recent requests and no active block, and
// returns how many were dropped.
func (l *Limiter) Sweep() int {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	cutoff := now.Add(-l.cfg.WindowSize)
	dropped := 0
	for origin, w := range l.windows {
		w.mu.Lock()
		idle := !w.blockedUntil.After(now) && (len(w.hits) == 0 || !w.hits[len(w.hits)-1].After(cutoff))
		if idle {
			w.swept = true
			delete(l.windows, origin)
			dropped++
		}
		w.mu.Unlock()
	}
	return dropped
}

// Len returns the number of tracked origins.
func (l *Limiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.windows)
}

// Run sweeps idle origins every interval until ctx is cancelled.
func (l *Limiter) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = l.cfg.WindowSize
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			l.Sweep()
		}
	}
}
