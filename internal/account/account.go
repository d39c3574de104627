// Package account registers users, logs them in and out, and manages their
// manually chosen presence.
package account

import (
	"context"
	"errors"
	"log"
	"strings"
	"time"
	"unicode"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/Tyrowin/gomessenger/internal/apperr"
	"github.com/Tyrowin/gomessenger/internal/model"
	"github.com/Tyrowin/gomessenger/internal/store"
)

const (
	MinUsernameLength = 3
	MaxUsernameLength = 32
)

// Sessions issues and checks session tokens.
type Sessions interface {
	Create(ctx context.Context, userID, deviceInfo string) (string, error)
	Verify(ctx context.Context, token string) (string, bool)
	Revoke(ctx context.Context, token string) error
	RevokeUser(ctx context.Context, userID string) error
}

// Presence reports live connections and publishes status changes.
type Presence interface {
	IsOnline(userID string) bool
	Announce(ctx context.Context, userID string, status model.Status)
}

// Service implements the account operations.
type Service struct {
	users    store.UserStore
	sessions Sessions
	presence Presence
	now      func() time.Time
}

// New returns a Service.
func New(users store.UserStore, sessions Sessions, presence Presence) *Service {
	return &Service{users: users, sessions: sessions, presence: presence, now: time.Now}
}

func validateUsername(username string) (string, error) {
	name := strings.TrimSpace(username)
	n := utf8.RuneCountInString(name)
	if n < MinUsernameLength || n > MaxUsernameLength {
		return "", apperr.BadRequest("username must be between 3 and 32 characters")
	}
	for _, r := range name {
		if unicode.IsSpace(r) || unicode.IsControl(r) {
			return "", apperr.BadRequest("username must not contain spaces")
		}
	}
	return name, nil
}

// Register creates a user, marks it online and issues a session.
func (s *Service) Register(ctx context.Context, username, publicKey, deviceInfo string) (*model.User, string, error) {
	name, err := validateUsername(username)
	if err != nil {
		return nil, "", err
	}

	now := s.now().UTC()
	u := &model.User{
		ID:        uuid.NewString(),
		Username:  name,
		PublicKey: publicKey,
		Status:    model.StatusOnline,
		CreatedAt: now,
		LastSeen:  now,
	}
	if err := s.users.CreateUser(ctx, u); err != nil {
		if errors.Is(err, store.ErrConflict) {
			return nil, "", apperr.Conflict("username taken")
		}
		return nil, "", apperr.Internal("failed to create user", err)
	}

	token, err := s.sessions.Create(ctx, u.ID, deviceInfo)
	if err != nil {
		return nil, "", apperr.Internal("failed to create session", err)
	}
	log.Printf("User %s registered as %q", u.ID, u.Username)
	return u, token, nil
}

// Login issues a new session for an existing user and announces it online.
func (s *Service) Login(ctx context.Context, username, deviceInfo string) (*model.User, string, error) {
	u, err := s.users.FindUserByUsername(ctx, strings.TrimSpace(username))
	if errors.Is(err, store.ErrNotFound) {
		return nil, "", apperr.Unauthorized("invalid credentials")
	}
	if err != nil {
		return nil, "", apperr.Internal("failed to look up user", err)
	}

	token, err := s.sessions.Create(ctx, u.ID, deviceInfo)
	if err != nil {
		return nil, "", apperr.Internal("failed to create session", err)
	}

	s.presence.Announce(ctx, u.ID, model.StatusOnline)
	u.Status = model.StatusOnline
	if now := s.now().UTC(); now.After(u.LastSeen) {
		u.LastSeen = now
	}
	log.Printf("User %s logged in", u.ID)
	return u, token, nil
}

// RegisterOrLogin registers username, or logs into it when it already
// exists. A public key supplied for an existing user is ignored.
func (s *Service) RegisterOrLogin(ctx context.Context, username, publicKey, deviceInfo string) (*model.User, string, error) {
	u, token, err := s.Register(ctx, username, publicKey, deviceInfo)
	if apperr.Is(err, apperr.CodeConflict) {
		return s.Login(ctx, username, deviceInfo)
	}
	return u, token, err
}

// Authenticate resolves a session token to its user.
func (s *Service) Authenticate(ctx context.Context, token string) (*model.User, error) {
	userID, ok := s.sessions.Verify(ctx, token)
	if !ok {
		return nil, apperr.Unauthorized("invalid or expired session")
	}
	u, err := s.users.GetUser(ctx, userID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, apperr.Unauthorized("invalid or expired session")
	}
	if err != nil {
		return nil, apperr.Internal("failed to load user", err)
	}
	return u, nil
}

// Logout revokes token. A user left without live connections is marked
// offline. Unknown tokens are accepted.
func (s *Service) Logout(ctx context.Context, token string) error {
	userID, ok := s.sessions.Verify(ctx, token)
	if err := s.sessions.Revoke(ctx, token); err != nil {
		return apperr.Internal("failed to revoke session", err)
	}
	if ok && !s.presence.IsOnline(userID) {
		s.presence.Announce(ctx, userID, model.StatusOffline)
	}
	if ok {
		log.Printf("User %s logged out", userID)
	}
	return nil
}

// LogoutAll revokes every session of the user owning token, signing that
// user out on all devices. Unlike Logout it needs a valid token.
func (s *Service) LogoutAll(ctx context.Context, token string) error {
	userID, ok := s.sessions.Verify(ctx, token)
	if !ok {
		return apperr.Unauthorized("invalid or expired session")
	}
	if err := s.sessions.RevokeUser(ctx, userID); err != nil {
		return apperr.Internal("failed to revoke sessions", err)
	}
	if !s.presence.IsOnline(userID) {
		s.presence.Announce(ctx, userID, model.StatusOffline)
	}
	log.Printf("User %s logged out of every session", userID)
	return nil
}

// SetStatus lets a user change their own presence.
func (s *Service) SetStatus(ctx context.Context, requesterID, targetID string, status model.Status) error {
	if requesterID != targetID {
		return apperr.Forbidden("cannot change another user's status")
	}
	if !status.Valid() {
		return apperr.BadRequest("unknown status " + string(status))
	}
	if _, err := s.GetUser(ctx, targetID); err != nil {
		return err
	}
	s.presence.Announce(ctx, targetID, status)
	return nil
}

// GetUser returns one user.
func (s *Service) GetUser(ctx context.Context, id string) (*model.User, error) {
	u, err := s.users.GetUser(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return nil, apperr.NotFound("user not found")
	}
	if err != nil {
		return nil, apperr.Internal("failed to load user", err)
	}
	return u, nil
}

// ListUsers returns every user except excludeID, most recently seen first.
func (s *Service) ListUsers(ctx context.Context, excludeID string) ([]model.User, error) {
	all, err := s.users.ListUsers(ctx)
	if err != nil {
		return nil, apperr.Internal("failed to list users", err)
	}
	users := make([]model.User, 0, len(all))
	for _, u := range all {
		if u.ID != excludeID {
			users = append(users, u)
		}
	}
	return users, nil
}
