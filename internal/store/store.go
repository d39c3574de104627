// Package store defines the persistence capability used by the messaging
// services. Backends live in the sqlstore and docstore subpackages.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/Tyrowin/gomessenger/internal/model"
)

var (
	// ErrNotFound is returned when a record does not exist.
	ErrNotFound = errors.New("record not found")
	// ErrConflict is returned when a unique key is already taken.
	ErrConflict = errors.New("record already exists")
)

// UserStore persists accounts.
type UserStore interface {
	// CreateUser inserts u unless its username is taken (case-insensitively),
	// in which case ErrConflict is returned. The check and insert are atomic.
	CreateUser(ctx context.Context, u *model.User) error
	GetUser(ctx context.Context, id string) (*model.User, error)
	FindUserByUsername(ctx context.Context, username string) (*model.User, error)
	// ListUsers returns all users, most recently seen first.
	ListUsers(ctx context.Context) ([]model.User, error)
	// SetUserStatus updates status and moves LastSeen forward to at. LastSeen
	// never moves backwards.
	SetUserStatus(ctx context.Context, id string, status model.Status, at time.Time) error
}

// SessionStore persists sessions keyed by token digest.
type SessionStore interface {
	PutSession(ctx context.Context, s *model.Session) error
	GetSession(ctx context.Context, tokenHash string) (*model.Session, error)
	// DeleteSession is idempotent.
	DeleteSession(ctx context.Context, tokenHash string) error
	DeleteUserSessions(ctx context.Context, userID string) error
}

// MessageStore persists chat messages.
type MessageStore interface {
	PutMessage(ctx context.Context, m *model.Message) error
	GetMessage(ctx context.Context, id string) (*model.Message, error)
	MarkDelivered(ctx context.Context, ids ...string) error
	// ChatMessages returns the newest page of a chat after skipping offset
	// messages from the end, ordered oldest to newest.
	ChatMessages(ctx context.Context, chatID string, limit, offset int) ([]model.Message, error)
	// UserMessages returns messages sent or received by userID, newest first.
	// A zero limit returns everything.
	UserMessages(ctx context.Context, userID string, limit, offset int) ([]model.Message, error)
	// MarkRead flags unread messages addressed to recipient as read (and
	// delivered), restricted to chatID unless it is empty. It returns the
	// messages it changed.
	MarkRead(ctx context.Context, recipient, chatID string) ([]model.Message, error)
	// DeleteMessage reports whether a row was removed.
	DeleteMessage(ctx context.Context, id string) (bool, error)
}

// FileStore persists attachment metadata.
type FileStore interface {
	PutFile(ctx context.Context, f *model.FileRecord) error
	GetFile(ctx context.Context, id string) (*model.FileRecord, error)
}

// Store is the full persistence capability.
type Store interface {
	UserStore
	SessionStore
	MessageStore
	FileStore
	Close() error
}

// Page normalizes pagination arguments.
func Page(limit, offset, defaultLimit int) (int, int) {
	if limit <= 0 {
		limit = defaultLimit
	}
	if offset < 0 {
		offset = 0
	}
	return limit, offset
}
