// Package presence tracks which users are live and through which connections,
// and is the single path by which events reach a user: delivered to every
// live connection, or queued until the user's next connection registers.
package presence

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	"github.com/Tyrowin/gomessenger/internal/model"
	"github.com/Tyrowin/gomessenger/internal/protocol"
)

// DefaultMaxPending bounds a user's pending queue.
const DefaultMaxPending = 256

// ErrDrainRejected is returned by Register when a new connection cannot take
// the user's pending queue. The queue is kept and the connection closed.
var ErrDrainRejected = errors.New("connection rejected pending events")

// Conn is a live transport channel bound to one user.
type Conn interface {
	// ID identifies the connection in logs.
	ID() string
	// Send enqueues frames without blocking. It accepts either all frames
	// or none and reports which.
	Send(frames ...[]byte) bool
	// Close tears the connection down. It must be idempotent.
	Close()
}

// Event is one frame addressed to a user.
type Event struct {
	Kind    string
	Payload []byte
	// MessageID is set for new_message events and reported to the drain
	// hook once the event reaches a connection.
	MessageID string
}

// StatusStore persists presence transitions.
type StatusStore interface {
	SetUserStatus(ctx context.Context, id string, status model.Status, at time.Time) error
}

// DrainHook is told which queued messages were handed to a connection.
type DrainHook func(ctx context.Context, userID string, messageIDs []string)

type entry struct {
	mu      sync.Mutex
	conns   map[Conn]struct{}
	pending []Event
}

// Registry maps users to their live connections. Register, Unregister and
// Fanout for one user are serialized by that user's entry lock, so the
// pending queue is non-empty only while the user has no connections.
//
// Lock order: entry.mu, then connMu. The users map lock is never held while
// acquiring an entry lock.
type Registry struct {
	status     StatusStore
	maxPending int
	now        func() time.Time

	mu    sync.Mutex
	users map[string]*entry

	connMu sync.RWMutex
	live   map[Conn]string

	hookMu  sync.RWMutex
	onDrain DrainHook
}

// Option configures a Registry.
type Option func(*Registry)

// WithMaxPending bounds each user's pending queue.
func WithMaxPending(n int) Option {
	return func(r *Registry) {
		if n > 0 {
			r.maxPending = n
		}
	}
}

// WithClock overrides the time source used for presence timestamps.
func WithClock(now func() time.Time) Option {
	return func(r *Registry) { r.now = now }
}

// New creates a Registry that persists status changes to status.
func New(status StatusStore, opts ...Option) *Registry {
	r := &Registry{
		status:     status,
		maxPending: DefaultMaxPending,
		now:        time.Now,
		users:      make(map[string]*entry),
		live:       make(map[Conn]string),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// OnDrain installs the hook told about drained message events.
func (r *Registry) OnDrain(hook DrainHook) {
	r.hookMu.Lock()
	defer r.hookMu.Unlock()
	r.onDrain = hook
}

func (r *Registry) drainHook() DrainHook {
	r.hookMu.RLock()
	defer r.hookMu.RUnlock()
	return r.onDrain
}

func (r *Registry) entry(userID string) *entry {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.users[userID]
	if !ok {
		e = &entry{conns: make(map[Conn]struct{})}
		r.users[userID] = e
	}
	return e
}

// Register binds conn to userID. The user's first connection receives the
// pending queue in order, and flips the user online.
func (r *Registry) Register(ctx context.Context, userID string, conn Conn) error {
	drained, err := r.attach(ctx, userID, conn)
	if err != nil {
		return err
	}

	var ids []string
	for _, ev := range drained {
		if ev.MessageID != "" {
			ids = append(ids, ev.MessageID)
		}
	}
	if hook := r.drainHook(); hook != nil && len(ids) > 0 {
		hook(ctx, userID, ids)
	}
	return nil
}

func (r *Registry) attach(ctx context.Context, userID string, conn Conn) ([]Event, error) {
	e := r.entry(userID)
	e.mu.Lock()
	defer e.mu.Unlock()

	if _, ok := e.conns[conn]; ok {
		return nil, nil
	}

	first := len(e.conns) == 0
	var drained []Event
	if first && len(e.pending) > 0 {
		frames := make([][]byte, len(e.pending))
		for i, ev := range e.pending {
			frames[i] = ev.Payload
		}
		if !conn.Send(frames...) {
			conn.Close()
			log.Printf("Connection %s for user %s could not take %d pending events", conn.ID(), userID, len(e.pending))
			return nil, ErrDrainRejected
		}
		drained = e.pending
		e.pending = nil
		log.Printf("Drained %d pending events to user %s", len(drained), userID)
	}

	e.conns[conn] = struct{}{}
	r.connMu.Lock()
	r.live[conn] = userID
	total := len(r.live)
	r.connMu.Unlock()
	log.Printf("Connection %s registered for user %s. Total connections: %d", conn.ID(), userID, total)

	if first {
		r.transition(ctx, userID, model.StatusOnline)
	}
	return drained, nil
}

// Unregister unbinds conn. Removing the user's last connection flips the
// user offline. Unknown connections are ignored.
func (r *Registry) Unregister(ctx context.Context, userID string, conn Conn) {
	r.mu.Lock()
	e, ok := r.users[userID]
	r.mu.Unlock()
	if !ok {
		return
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if _, ok := e.conns[conn]; !ok {
		return
	}
	r.detach(e, conn)
	log.Printf("Connection %s unregistered for user %s", conn.ID(), userID)

	if len(e.conns) == 0 {
		r.transition(ctx, userID, model.StatusOffline)
	}
}

// detach must be called with e.mu held.
func (r *Registry) detach(e *entry, conn Conn) {
	delete(e.conns, conn)
	r.connMu.Lock()
	delete(r.live, conn)
	r.connMu.Unlock()
}

// transition persists a status change and broadcasts it. Must be called with
// the user's entry lock held so transitions for one user stay ordered.
func (r *Registry) transition(ctx context.Context, userID string, status model.Status) {
	now := r.now()
	if err := r.status.SetUserStatus(ctx, userID, status, now); err != nil {
		log.Printf("Error persisting %s status for user %s: %v", status, userID, err)
	}
	r.broadcast(protocol.Encode(protocol.NewStatusUpdate(userID, status, now)))
}

// broadcast sends payload to every live connection. A connection that cannot
// take it is closed; its own cleanup then unregisters it.
func (r *Registry) broadcast(payload []byte) {
	r.connMu.RLock()
	conns := make([]Conn, 0, len(r.live))
	for c := range r.live {
		conns = append(conns, c)
	}
	r.connMu.RUnlock()

	for _, c := range conns {
		if !c.Send(payload) {
			log.Printf("Connection %s dropped from broadcast due to full send buffer", c.ID())
			c.Close()
		}
	}
}

// Announce persists a status chosen explicitly by the user and broadcasts it.
func (r *Registry) Announce(ctx context.Context, userID string, status model.Status) {
	e := r.entry(userID)
	e.mu.Lock()
	defer e.mu.Unlock()
	r.transition(ctx, userID, status)
}

// Fanout delivers ev to every live connection of userID and reports whether
// any accepted it. Connections that refuse are removed and closed. When none
// accept, the event is queued for the user's next connection.
func (r *Registry) Fanout(ctx context.Context, userID string, ev Event) bool {
	e := r.entry(userID)
	e.mu.Lock()
	defer e.mu.Unlock()

	if r.deliver(ctx, e, userID, ev.Payload) {
		return true
	}

	if len(e.pending) >= r.maxPending {
		dropped := e.pending[0]
		e.pending = e.pending[1:]
		log.Printf("Pending queue for user %s full; dropped oldest %s event", userID, dropped.Kind)
	}
	e.pending = append(e.pending, ev)
	return false
}

// Notify delivers an ephemeral event to the live connections of userID. It is
// never queued.
func (r *Registry) Notify(ctx context.Context, userID string, ev Event) bool {
	r.mu.Lock()
	e, ok := r.users[userID]
	r.mu.Unlock()
	if !ok {
		return false
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	return r.deliver(ctx, e, userID, ev.Payload)
}

// deliver must be called with e.mu held.
func (r *Registry) deliver(ctx context.Context, e *entry, userID string, payload []byte) bool {
	if len(e.conns) == 0 {
		return false
	}

	delivered := false
	for c := range e.conns {
		if c.Send(payload) {
			delivered = true
			continue
		}
		log.Printf("Connection %s for user %s removed due to full send buffer", c.ID(), userID)
		r.detach(e, c)
		c.Close()
	}

	if len(e.conns) == 0 {
		r.transition(ctx, userID, model.StatusOffline)
	}
	return delivered
}

// IsOnline reports whether userID has at least one live connection.
func (r *Registry) IsOnline(userID string) bool {
	return r.Connections(userID) > 0
}

// Connections returns the number of live connections of userID.
func (r *Registry) Connections(userID string) int {
	r.mu.Lock()
	e, ok := r.users[userID]
	r.mu.Unlock()
	if !ok {
		return 0
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.conns)
}

// Pending returns the length of the pending queue of userID.
func (r *Registry) Pending(userID string) int {
	r.mu.Lock()
	e, ok := r.users[userID]
	r.mu.Unlock()
	if !ok {
		return 0
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.pending)
}

// Forget drops queued events for the given messages from the pending queue
// of userID and returns how many were dropped. Messages the user has read or
// that no longer exist are not handed over on the next connection.
func (r *Registry) Forget(userID string, messageIDs ...string) int {
	if len(messageIDs) == 0 {
		return 0
	}
	r.mu.Lock()
	e, ok := r.users[userID]
	r.mu.Unlock()
	if !ok {
		return 0
	}

	drop := make(map[string]struct{}, len(messageIDs))
	for _, id := range messageIDs {
		drop[id] = struct{}{}
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	kept := e.pending[:0]
	for _, ev := range e.pending {
		if _, ok := drop[ev.MessageID]; ok && ev.MessageID != "" {
			continue
		}
		kept = append(kept, ev)
	}
	dropped := len(e.pending) - len(kept)
	clear(e.pending[len(kept):])
	e.pending = kept
	if dropped > 0 {
		log.Printf("Dropped %d settled pending events for user %s", dropped, userID)
	}
	return dropped
}

// OnlineUsers returns the ids of users with live connections.
func (r *Registry) OnlineUsers() []string {
	r.connMu.RLock()
	defer r.connMu.RUnlock()

	seen := make(map[string]struct{})
	ids := make([]string, 0)
	for _, userID := range r.live {
		if _, ok := seen[userID]; ok {
			continue
		}
		seen[userID] = struct{}{}
		ids = append(ids, userID)
	}
	return ids
}
