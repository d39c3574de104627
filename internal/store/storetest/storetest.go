// Package storetest holds behavioural checks every store.Store backend must
// pass. Backends call Run from their own tests.
package storetest

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Tyrowin/gomessenger/internal/model"
	"github.com/Tyrowin/gomessenger/internal/store"
)

// Factory returns a fresh, empty store for one subtest.
type Factory func(t *testing.T) store.Store

var base = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

// Run executes the conformance suite against the backend built by newStore.
func Run(t *testing.T, newStore Factory) {
	t.Run("users", func(t *testing.T) { testUsers(t, newStore(t)) })
	t.Run("concurrent username claims", func(t *testing.T) { testUsernameRace(t, newStore(t)) })
	t.Run("sessions", func(t *testing.T) { testSessions(t, newStore(t)) })
	t.Run("message ordering", func(t *testing.T) { testMessageOrdering(t, newStore(t)) })
	t.Run("read and delivered flags", func(t *testing.T) { testReadFlags(t, newStore(t)) })
	t.Run("delete message", func(t *testing.T) { testDeleteMessage(t, newStore(t)) })
	t.Run("files", func(t *testing.T) { testFiles(t, newStore(t)) })
}

func newUser(id, name string) *model.User {
	return &model.User{
		ID:        id,
		Username:  name,
		Status:    model.StatusOffline,
		CreatedAt: base,
		LastSeen:  base,
	}
}

func testUsers(t *testing.T, s store.Store) {
	ctx := context.Background()

	require.NoError(t, s.CreateUser(ctx, newUser("u1", "Alice")))
	require.NoError(t, s.CreateUser(ctx, newUser("u2", "bob")))

	err := s.CreateUser(ctx, newUser("u3", "ALICE"))
	assert.ErrorIs(t, err, store.ErrConflict, "usernames are unique case-insensitively")

	found, err := s.FindUserByUsername(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, "u1", found.ID)
	assert.Equal(t, "Alice", found.Username)

	_, err = s.GetUser(ctx, "missing")
	assert.ErrorIs(t, err, store.ErrNotFound)

	require.NoError(t, s.SetUserStatus(ctx, "u2", model.StatusOnline, base.Add(time.Hour)))
	require.NoError(t, s.SetUserStatus(ctx, "u2", model.StatusOffline, base.Add(time.Minute)))

	bob, err := s.GetUser(ctx, "u2")
	require.NoError(t, err)
	assert.Equal(t, model.StatusOffline, bob.Status)
	assert.True(t, bob.LastSeen.Equal(base.Add(time.Hour)), "last seen must not move backwards, got %v", bob.LastSeen)

	users, err := s.ListUsers(ctx)
	require.NoError(t, err)
	require.Len(t, users, 2)
	assert.Equal(t, "u2", users[0].ID, "most recently seen first")

	assert.ErrorIs(t, s.SetUserStatus(ctx, "missing", model.StatusOnline, base), store.ErrNotFound)
}

func testUsernameRace(t *testing.T, s store.Store) {
	ctx := context.Background()
	const workers = 8

	var wg sync.WaitGroup
	errs := make(chan error, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs <- s.CreateUser(ctx, newUser(fmt.Sprintf("id-%d", i), "carol"))
		}(i)
	}
	wg.Wait()
	close(errs)

	created := 0
	for err := range errs {
		if err == nil {
			created++
			continue
		}
		assert.ErrorIs(t, err, store.ErrConflict)
	}
	assert.Equal(t, 1, created, "exactly one claim of a username succeeds")
}

func testSessions(t *testing.T, s store.Store) {
	ctx := context.Background()

	sess := &model.Session{
		TokenHash:  "h1",
		UserID:     "u1",
		CreatedAt:  base,
		ExpiresAt:  base.Add(time.Hour),
		DeviceInfo: "test",
	}
	require.NoError(t, s.PutSession(ctx, sess))
	require.NoError(t, s.PutSession(ctx, &model.Session{TokenHash: "h2", UserID: "u1", CreatedAt: base, ExpiresAt: base.Add(time.Hour)}))

	got, err := s.GetSession(ctx, "h1")
	require.NoError(t, err)
	assert.Equal(t, "u1", got.UserID)
	assert.True(t, got.ExpiresAt.Equal(sess.ExpiresAt))
	assert.Equal(t, "test", got.DeviceInfo)

	require.NoError(t, s.DeleteSession(ctx, "h1"))
	require.NoError(t, s.DeleteSession(ctx, "h1"), "deleting twice is harmless")
	_, err = s.GetSession(ctx, "h1")
	assert.ErrorIs(t, err, store.ErrNotFound)

	require.NoError(t, s.DeleteUserSessions(ctx, "u1"))
	_, err = s.GetSession(ctx, "h2")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func putMessage(t *testing.T, s store.Store, id, from, to string, at time.Time) {
	t.Helper()
	err := s.PutMessage(context.Background(), &model.Message{
		ID:        id,
		ChatID:    model.ChatID(from, to),
		FromUser:  from,
		ToUser:    to,
		Content:   "msg " + id,
		Type:      model.TypeText,
		CreatedAt: at,
	})
	require.NoError(t, err)
}

func ids(msgs []model.Message) []string {
	out := make([]string, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, m.ID)
	}
	return out
}

func testMessageOrdering(t *testing.T, s store.Store) {
	ctx := context.Background()

	putMessage(t, s, "m1", "a", "b", base)
	putMessage(t, s, "m2", "b", "a", base.Add(time.Second))
	putMessage(t, s, "m3", "a", "b", base.Add(time.Second))
	putMessage(t, s, "m4", "a", "c", base.Add(2*time.Second))
	putMessage(t, s, "m5", "a", "b", base.Add(3*time.Second))

	chat, err := s.ChatMessages(ctx, model.ChatID("b", "a"), 10, 0)
	require.NoError(t, err)
	assert.Equal(t, []string{"m1", "m2", "m3", "m5"}, ids(chat), "chat history is oldest first with id tie-break")

	latest, err := s.ChatMessages(ctx, model.ChatID("a", "b"), 2, 0)
	require.NoError(t, err)
	assert.Equal(t, []string{"m3", "m5"}, ids(latest), "the first page holds the newest messages")

	older, err := s.ChatMessages(ctx, model.ChatID("a", "b"), 2, 2)
	require.NoError(t, err)
	assert.Equal(t, []string{"m1", "m2"}, ids(older))

	all, err := s.UserMessages(ctx, "a", 0, 0)
	require.NoError(t, err)
	assert.Equal(t, []string{"m5", "m4", "m3", "m2", "m1"}, ids(all), "user messages are newest first")

	capped, err := s.UserMessages(ctx, "a", 2, 1)
	require.NoError(t, err)
	assert.Equal(t, []string{"m4", "m3"}, ids(capped))

	got, err := s.GetMessage(ctx, "m4")
	require.NoError(t, err)
	assert.Equal(t, "msg m4", got.Content)
	assert.True(t, got.CreatedAt.Equal(base.Add(2*time.Second)))
}

func testReadFlags(t *testing.T, s store.Store) {
	ctx := context.Background()

	putMessage(t, s, "m1", "a", "b", base)
	putMessage(t, s, "m2", "c", "b", base.Add(time.Second))
	putMessage(t, s, "m3", "b", "a", base.Add(2*time.Second))

	require.NoError(t, s.MarkDelivered(ctx, "m1"))
	m1, err := s.GetMessage(ctx, "m1")
	require.NoError(t, err)
	assert.True(t, m1.Delivered)
	assert.False(t, m1.Read)

	marked, err := s.MarkRead(ctx, "b", model.ChatID("a", "b"))
	require.NoError(t, err)
	require.Len(t, marked, 1)
	assert.Equal(t, "m1", marked[0].ID)
	assert.True(t, marked[0].Read)

	m2, err := s.GetMessage(ctx, "m2")
	require.NoError(t, err)
	assert.False(t, m2.Read, "other chats are untouched")

	marked, err = s.MarkRead(ctx, "b", "")
	require.NoError(t, err)
	require.Len(t, marked, 1)
	assert.Equal(t, "m2", marked[0].ID)
	assert.Equal(t, "c", marked[0].FromUser)

	m2, err = s.GetMessage(ctx, "m2")
	require.NoError(t, err)
	assert.True(t, m2.Read)
	assert.True(t, m2.Delivered, "read implies delivered")

	m3, err := s.GetMessage(ctx, "m3")
	require.NoError(t, err)
	assert.False(t, m3.Read, "messages sent by the reader are not marked")

	marked, err = s.MarkRead(ctx, "b", "")
	require.NoError(t, err)
	assert.Empty(t, marked)

	putMessage(t, s, "m5", "c", "b", base.Add(5*time.Second))
	putMessage(t, s, "m4", "a", "b", base.Add(4*time.Second))
	marked, err = s.MarkRead(ctx, "b", "")
	require.NoError(t, err)
	require.Len(t, marked, 2)
	assert.Equal(t, "m4", marked[0].ID, "changed rows come back oldest first")
	assert.Equal(t, "m5", marked[1].ID)
}

func testDeleteMessage(t *testing.T, s store.Store) {
	ctx := context.Background()

	putMessage(t, s, "m1", "a", "b", base)

	removed, err := s.DeleteMessage(ctx, "m1")
	require.NoError(t, err)
	assert.True(t, removed)

	removed, err = s.DeleteMessage(ctx, "m1")
	require.NoError(t, err)
	assert.False(t, removed)

	_, err = s.GetMessage(ctx, "m1")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func testFiles(t *testing.T, s store.Store) {
	ctx := context.Background()

	rec := &model.FileRecord{
		ID:           "f1",
		OwnerID:      "u1",
		StoredName:   "f1.png",
		OriginalName: "cat.png",
		MimeType:     "image/png",
		Size:         42,
		CreatedAt:    base,
	}
	require.NoError(t, s.PutFile(ctx, rec))

	got, err := s.GetFile(ctx, "f1")
	require.NoError(t, err)
	assert.Equal(t, "f1.png", got.StoredName)
	assert.Equal(t, "cat.png", got.OriginalName)
	assert.Equal(t, int64(42), got.Size)

	_, err = s.GetFile(ctx, "nope")
	assert.ErrorIs(t, err, store.ErrNotFound)
}
