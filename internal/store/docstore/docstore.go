// Package docstore implements store.Store as a single JSON document on disk.
// Every mutation rewrites the document through a temp file and rename, so a
// crash leaves either the old or the new state.
package docstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/Tyrowin/gomessenger/internal/model"
	"github.com/Tyrowin/gomessenger/internal/store"
)

type document struct {
	Users    map[string]model.User       `json:"users"`
	Sessions map[string]model.Session    `json:"sessions"`
	Messages []model.Message             `json:"messages"`
	Files    map[string]model.FileRecord `json:"files"`
}

// Store is a document-file store.Store. An empty path keeps state in memory.
type Store struct {
	mu   sync.RWMutex
	path string
	doc  document
}

var _ store.Store = (*Store)(nil)

// Open loads the document at path, starting empty if it does not exist.
func Open(path string) (*Store, error) {
	s := &Store{
		path: path,
		doc: document{
			Users:    make(map[string]model.User),
			Sessions: make(map[string]model.Session),
			Files:    make(map[string]model.FileRecord),
		},
	}
	if path == "" {
		return s, nil
	}

	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return s, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read document: %w", err)
	}
	if err := json.Unmarshal(data, &s.doc); err != nil {
		return nil, fmt.Errorf("failed to decode document: %w", err)
	}
	if s.doc.Users == nil {
		s.doc.Users = make(map[string]model.User)
	}
	if s.doc.Sessions == nil {
		s.doc.Sessions = make(map[string]model.Session)
	}
	if s.doc.Files == nil {
		s.doc.Files = make(map[string]model.FileRecord)
	}
	return s, nil
}

// Close flushes the document.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.flush(&s.doc)
}

func (d *document) clone() document {
	c := document{
		Users:    make(map[string]model.User, len(d.Users)),
		Sessions: make(map[string]model.Session, len(d.Sessions)),
		Messages: append([]model.Message(nil), d.Messages...),
		Files:    make(map[string]model.FileRecord, len(d.Files)),
	}
	for k, v := range d.Users {
		c.Users[k] = v
	}
	for k, v := range d.Sessions {
		c.Sessions[k] = v
	}
	for k, v := range d.Files {
		c.Files[k] = v
	}
	return c
}

// errUnchanged lets a mutation report that it touched nothing, so the
// document is not rewritten.
var errUnchanged = errors.New("docstore: unchanged")

// mutate applies fn to a copy of the document and installs the copy only
// once it is on disk. A failed write leaves the previous state in place.
func (s *Store) mutate(fn func(d *document) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.path == "" {
		err := fn(&s.doc)
		if errors.Is(err, errUnchanged) {
			return nil
		}
		return err
	}

	next := s.doc.clone()
	if err := fn(&next); err != nil {
		if errors.Is(err, errUnchanged) {
			return nil
		}
		return err
	}
	if err := s.flush(&next); err != nil {
		return err
	}
	s.doc = next
	return nil
}

// flush writes d through a temp file and rename. It must be called with mu
// held.
func (s *Store) flush(d *document) error {
	if s.path == "" {
		return nil
	}
	data, err := json.MarshalIndent(d, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode document: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(s.path), ".docstore-*")
	if err != nil {
		return fmt.Errorf("failed to create temp document: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
		return fmt.Errorf("failed to write document: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmp.Name())
		return fmt.Errorf("failed to write document: %w", err)
	}
	if err := os.Rename(tmp.Name(), s.path); err != nil {
		_ = os.Remove(tmp.Name())
		return fmt.Errorf("failed to replace document: %w", err)
	}
	return nil
}

// CreateUser inserts u unless the username is taken.
func (s *Store) CreateUser(_ context.Context, u *model.User) error {
	return s.mutate(func(d *document) error {
		key := model.UsernameKey(u.Username)
		for _, existing := range d.Users {
			if model.UsernameKey(existing.Username) == key {
				return store.ErrConflict
			}
		}
		if _, ok := d.Users[u.ID]; ok {
			return store.ErrConflict
		}
		d.Users[u.ID] = *u
		return nil
	})
}

func (s *Store) GetUser(_ context.Context, id string) (*model.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	u, ok := s.doc.Users[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return &u, nil
}

func (s *Store) FindUserByUsername(_ context.Context, username string) (*model.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	key := model.UsernameKey(username)
	for _, u := range s.doc.Users {
		if model.UsernameKey(u.Username) == key {
			return &u, nil
		}
	}
	return nil, store.ErrNotFound
}

func (s *Store) ListUsers(_ context.Context) ([]model.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	users := make([]model.User, 0, len(s.doc.Users))
	for _, u := range s.doc.Users {
		users = append(users, u)
	}
	sort.Slice(users, func(i, j int) bool {
		if !users[i].LastSeen.Equal(users[j].LastSeen) {
			return users[i].LastSeen.After(users[j].LastSeen)
		}
		return users[i].ID < users[j].ID
	})
	return users, nil
}

func (s *Store) SetUserStatus(_ context.Context, id string, status model.Status, at time.Time) error {
	return s.mutate(func(d *document) error {
		u, ok := d.Users[id]
		if !ok {
			return store.ErrNotFound
		}
		u.Status = status
		if at.After(u.LastSeen) {
			u.LastSeen = at
		}
		d.Users[id] = u
		return nil
	})
}

func (s *Store) PutSession(_ context.Context, sess *model.Session) error {
	return s.mutate(func(d *document) error {
		d.Sessions[sess.TokenHash] = *sess
		return nil
	})
}

func (s *Store) GetSession(_ context.Context, tokenHash string) (*model.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sess, ok := s.doc.Sessions[tokenHash]
	if !ok {
		return nil, store.ErrNotFound
	}
	return &sess, nil
}

func (s *Store) DeleteSession(_ context.Context, tokenHash string) error {
	return s.mutate(func(d *document) error {
		if _, ok := d.Sessions[tokenHash]; !ok {
			return errUnchanged
		}
		delete(d.Sessions, tokenHash)
		return nil
	})
}

func (s *Store) DeleteUserSessions(_ context.Context, userID string) error {
	return s.mutate(func(d *document) error {
		for hash, sess := range d.Sessions {
			if sess.UserID == userID {
				delete(d.Sessions, hash)
			}
		}
		return nil
	})
}

func (s *Store) PutMessage(_ context.Context, m *model.Message) error {
	return s.mutate(func(d *document) error {
		if d.indexOf(m.ID) >= 0 {
			return store.ErrConflict
		}
		d.Messages = append(d.Messages, *m)
		return nil
	})
}

// indexOf must be called with mu held.
func (d *document) indexOf(id string) int {
	for i := range d.Messages {
		if d.Messages[i].ID == id {
			return i
		}
	}
	return -1
}

func (s *Store) GetMessage(_ context.Context, id string) (*model.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	i := s.doc.indexOf(id)
	if i < 0 {
		return nil, store.ErrNotFound
	}
	m := s.doc.Messages[i]
	return &m, nil
}

func (s *Store) MarkDelivered(_ context.Context, ids ...string) error {
	if len(ids) == 0 {
		return nil
	}
	want := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		want[id] = struct{}{}
	}

	return s.mutate(func(d *document) error {
		for i := range d.Messages {
			if _, ok := want[d.Messages[i].ID]; ok {
				d.Messages[i].Delivered = true
			}
		}
		return nil
	})
}

func (s *Store) collect(match func(model.Message) bool) []model.Message {
	var out []model.Message
	for _, m := range s.doc.Messages {
		if match(m) {
			out = append(out, m)
		}
	}
	return out
}

func (s *Store) ChatMessages(_ context.Context, chatID string, limit, offset int) ([]model.Message, error) {
	s.mu.RLock()
	msgs := s.collect(func(m model.Message) bool { return m.ChatID == chatID })
	s.mu.RUnlock()

	model.SortMessages(msgs, true)
	msgs = page(msgs, limit, offset)
	model.SortMessages(msgs, false)
	return msgs, nil
}

func (s *Store) UserMessages(_ context.Context, userID string, limit, offset int) ([]model.Message, error) {
	s.mu.RLock()
	msgs := s.collect(func(m model.Message) bool { return m.Involves(userID) })
	s.mu.RUnlock()

	model.SortMessages(msgs, true)
	return page(msgs, limit, offset), nil
}

func page(msgs []model.Message, limit, offset int) []model.Message {
	if limit <= 0 {
		return msgs
	}
	if offset >= len(msgs) {
		return []model.Message{}
	}
	end := offset + limit
	if end > len(msgs) {
		end = len(msgs)
	}
	return msgs[offset:end]
}

func (s *Store) MarkRead(_ context.Context, recipient, chatID string) ([]model.Message, error) {
	var marked []model.Message
	err := s.mutate(func(d *document) error {
		marked = nil
		for i := range d.Messages {
			m := &d.Messages[i]
			if m.ToUser != recipient || m.Read || (chatID != "" && m.ChatID != chatID) {
				continue
			}
			m.Read = true
			m.Delivered = true
			marked = append(marked, *m)
		}
		if len(marked) == 0 {
			return errUnchanged
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	model.SortMessages(marked, false)
	return marked, nil
}

func (s *Store) DeleteMessage(_ context.Context, id string) (bool, error) {
	var removed bool
	err := s.mutate(func(d *document) error {
		i := d.indexOf(id)
		if i < 0 {
			return errUnchanged
		}
		d.Messages = append(d.Messages[:i], d.Messages[i+1:]...)
		removed = true
		return nil
	})
	return removed, err
}

func (s *Store) PutFile(_ context.Context, f *model.FileRecord) error {
	return s.mutate(func(d *document) error {
		d.Files[f.ID] = *f
		return nil
	})
}

func (s *Store) GetFile(_ context.Context, id string) (*model.FileRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	f, ok := s.doc.Files[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return &f, nil
}
