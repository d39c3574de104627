package delivery

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Tyrowin/gomessenger/internal/apperr"
	"github.com/Tyrowin/gomessenger/internal/attachment"
	"github.com/Tyrowin/gomessenger/internal/model"
	"github.com/Tyrowin/gomessenger/internal/presence"
	"github.com/Tyrowin/gomessenger/internal/store/docstore"
)

type fakeConn struct {
	id string

	mu     sync.Mutex
	frames [][]byte
	closed bool
}

func newFakeConn(id string) *fakeConn { return &fakeConn{id: id} }

func (c *fakeConn) ID() string { return c.id }

func (c *fakeConn) Send(frames ...[]byte) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	c.frames = append(c.frames, frames...)
	return true
}

func (c *fakeConn) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
}

type frame struct {
	Type      string        `json:"type"`
	MessageID string        `json:"messageId"`
	Message   model.Message `json:"message"`
	UserID    string        `json:"userId"`
	ChatID    string        `json:"chatId"`
	ReaderID  string        `json:"readerId"`
	Count     int64         `json:"count"`
}

// received returns decoded frames of the given type.
func (c *fakeConn) received(kind string) []frame {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []frame
	for _, raw := range c.frames {
		var f frame
		if err := json.Unmarshal(raw, &f); err == nil && f.Type == kind {
			out = append(out, f)
		}
	}
	return out
}

type fixture struct {
	store    *docstore.Store
	registry *presence.Registry
	files    *attachment.Service
	engine   *Engine
}

func newFixture(t *testing.T, users ...string) *fixture {
	t.Helper()
	st, err := docstore.Open("")
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	ctx := context.Background()
	for _, name := range users {
		require.NoError(t, st.CreateUser(ctx, &model.User{
			ID:        name,
			Username:  name,
			Status:    model.StatusOffline,
			CreatedAt: time.Now(),
		}))
	}

	blobs, err := attachment.NewDiskBlobs(filepath.Join(t.TempDir(), "files"))
	require.NoError(t, err)
	files := attachment.New(st, blobs, 0)

	reg := presence.New(st)
	engine := New(st, reg, files)
	reg.OnDrain(engine.MarkDrained)

	return &fixture{store: st, registry: reg, files: files, engine: engine}
}

func (f *fixture) connect(t *testing.T, userID string) *fakeConn {
	t.Helper()
	conn := newFakeConn(userID + "-conn")
	require.NoError(t, f.registry.Register(context.Background(), userID, conn))
	return conn
}

func (f *fixture) stored(t *testing.T, id string) *model.Message {
	t.Helper()
	m, err := f.store.GetMessage(context.Background(), id)
	require.NoError(t, err)
	return m
}

// TestSendValidation tests that invalid sends are rejected and store nothing.
func TestSendValidation(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, "alice", "bob")

	tests := []struct {
		name string
		req  SendRequest
		code apperr.Code
	}{
		{"empty content", SendRequest{From: "alice", To: "bob"}, apperr.CodeBadRequest},
		{"blank content", SendRequest{From: "alice", To: "bob", Content: "   "}, apperr.CodeBadRequest},
		{"missing recipient", SendRequest{From: "alice", Content: "hi"}, apperr.CodeBadRequest},
		{"unknown type", SendRequest{From: "alice", To: "bob", Content: "hi", Type: "sticker"}, apperr.CodeBadRequest},
		{"file without reference", SendRequest{From: "alice", To: "bob", Type: model.TypeFile}, apperr.CodeBadRequest},
		{"text with only a reference", SendRequest{From: "alice", To: "bob", FileRef: &model.FileRef{ID: "x"}}, apperr.CodeBadRequest},
		{"unknown recipient", SendRequest{From: "alice", To: "mallory", Content: "hi"}, apperr.CodeNotFound},
		{"unknown file", SendRequest{From: "alice", To: "bob", Type: model.TypeFile, FileRef: &model.FileRef{ID: "missing"}}, apperr.CodeNotFound},
		{"unauthenticated", SendRequest{To: "bob", Content: "hi"}, apperr.CodeUnauthorized},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.engine.Send(ctx, tt.req)
			assert.Equal(t, tt.code, apperr.CodeOf(err))
		})
	}

	msgs, err := f.store.UserMessages(ctx, "alice", 0, 0)
	require.NoError(t, err)
	assert.Empty(t, msgs, "rejected sends leave no stored message")
	assert.Equal(t, 0, f.registry.Pending("bob"))
}

// TestSendToOnlineRecipient tests immediate delivery and the sender acknowledgement.
func TestSendToOnlineRecipient(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, "alice", "bob")
	bob := f.connect(t, "bob")
	ack := newFakeConn("alice-ws")

	msg, err := f.engine.Send(ctx, SendRequest{From: "alice", To: "bob", Content: "hi", Encrypted: true, Ack: ack})
	require.NoError(t, err)
	assert.True(t, msg.Delivered)
	assert.Equal(t, model.ChatID("alice", "bob"), msg.ChatID)
	assert.Equal(t, model.TypeText, msg.Type)
	assert.True(t, f.stored(t, msg.ID).Delivered)

	got := bob.received("new_message")
	require.Len(t, got, 1)
	assert.Equal(t, "hi", got[0].Message.Content)
	assert.True(t, got[0].Message.Encrypted)

	acks := ack.received("message_sent")
	require.Len(t, acks, 1)
	assert.Equal(t, msg.ID, acks[0].MessageID)
}

// TestSendAckWithoutConnection tests that HTTP senders are acknowledged on their live sockets.
func TestSendAckWithoutConnection(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, "alice", "bob")
	alice := f.connect(t, "alice")

	msg, err := f.engine.Send(ctx, SendRequest{From: "alice", To: "bob", Content: "hi"})
	require.NoError(t, err)

	acks := alice.received("message_sent")
	require.Len(t, acks, 1)
	assert.Equal(t, msg.ID, acks[0].MessageID)
}

// TestOfflineDeliveryScenario tests the queue, drain, read-on-fetch round trip.
func TestOfflineDeliveryScenario(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, "alice", "bob")
	alice := f.connect(t, "alice")

	msg, err := f.engine.Send(ctx, SendRequest{From: "alice", To: "bob", Content: "hello"})
	require.NoError(t, err)
	assert.False(t, msg.Delivered)
	assert.False(t, f.stored(t, msg.ID).Delivered)
	assert.Equal(t, 1, f.registry.Pending("bob"))

	bob := f.connect(t, "bob")
	assert.True(t, f.registry.IsOnline("bob"))
	assert.Equal(t, 0, f.registry.Pending("bob"))
	got := bob.received("new_message")
	require.Len(t, got, 1)
	assert.Equal(t, "hello", got[0].Message.Content)
	assert.True(t, f.stored(t, msg.ID).Delivered, "drained messages are marked delivered")

	first, err := f.engine.FetchHistory(ctx, "bob", "", 0, 0)
	require.NoError(t, err)
	require.Len(t, first, 1)
	assert.False(t, first[0].Read, "returned rows show the state before the fetch")

	second, err := f.engine.FetchHistory(ctx, "bob", "", 0, 0)
	require.NoError(t, err)
	require.Len(t, second, 1)
	assert.Equal(t, first[0].ID, second[0].ID)
	assert.True(t, second[0].Read)

	receipts := alice.received("read_receipt")
	require.Len(t, receipts, 1)
	assert.Equal(t, "bob", receipts[0].ReaderID)
	assert.Equal(t, int64(1), receipts[0].Count)

	for _, user := range []string{"alice", "bob"} {
		chats, err := f.engine.ListChats(ctx, user)
		require.NoError(t, err)
		require.Len(t, chats, 1)
		assert.Equal(t, 0, chats[0].UnreadCount, "unread count for %s", user)
	}
}

// TestOfflineOrderPreserved tests that queued messages arrive in send order.
func TestOfflineOrderPreserved(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, "alice", "bob")

	var ids []string
	for i := 0; i < 5; i++ {
		msg, err := f.engine.Send(ctx, SendRequest{From: "alice", To: "bob", Content: fmt.Sprintf("m%d", i)})
		require.NoError(t, err)
		ids = append(ids, msg.ID)
	}

	bob := f.connect(t, "bob")
	var got []string
	for _, fr := range bob.received("new_message") {
		got = append(got, fr.Message.ID)
	}
	assert.Equal(t, ids, got)
	assert.Equal(t, 0, f.registry.Pending("bob"))
}

// TestConcurrentSendsKeepChatOrder tests that recipients see persistence order.
func TestConcurrentSendsKeepChatOrder(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, "alice", "bob")
	bob := f.connect(t, "bob")

	var wg sync.WaitGroup
	for i := 0; i < 40; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			from, to := "alice", "bob"
			if i%2 == 1 {
				from, to = "bob", "alice"
			}
			_, err := f.engine.Send(ctx, SendRequest{From: from, To: to, Content: fmt.Sprintf("m%d", i)})
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	persisted, err := f.store.ChatMessages(ctx, model.ChatID("alice", "bob"), 0, 0)
	require.NoError(t, err)
	var want []string
	for _, m := range persisted {
		if m.ToUser == "bob" {
			want = append(want, m.ID)
		}
	}

	var got []string
	for _, fr := range bob.received("new_message") {
		got = append(got, fr.Message.ID)
	}
	assert.Equal(t, want, got)
	assert.Equal(t, 0, f.engine.chats.len(), "chat locks are released")
}

// TestFetchHistoryWithPeer tests chat pagination and the read side effect.
func TestFetchHistoryWithPeer(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, "alice", "bob", "carol")

	var ids []string
	for i := 0; i < 3; i++ {
		msg, err := f.engine.Send(ctx, SendRequest{From: "alice", To: "bob", Content: fmt.Sprintf("m%d", i)})
		require.NoError(t, err)
		ids = append(ids, msg.ID)
	}
	other, err := f.engine.Send(ctx, SendRequest{From: "carol", To: "bob", Content: "other chat"})
	require.NoError(t, err)

	page, err := f.engine.FetchHistory(ctx, "bob", "alice", 2, 0)
	require.NoError(t, err)
	require.Len(t, page, 2)
	assert.Equal(t, ids[1:], []string{page[0].ID, page[1].ID}, "newest page, oldest first")

	older, err := f.engine.FetchHistory(ctx, "bob", "alice", 2, 2)
	require.NoError(t, err)
	require.Len(t, older, 1)
	assert.Equal(t, ids[0], older[0].ID)

	for _, id := range ids {
		assert.True(t, f.stored(t, id).Read)
	}
	assert.False(t, f.stored(t, other.ID).Read, "other chats are untouched")
}

// TestMarkRead tests explicit acknowledgement and the receipt sent to the peer.
func TestMarkRead(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, "alice", "bob")
	alice := f.connect(t, "alice")

	for i := 0; i < 2; i++ {
		_, err := f.engine.Send(ctx, SendRequest{From: "alice", To: "bob", Content: "hi"})
		require.NoError(t, err)
	}

	n, err := f.engine.MarkRead(ctx, "bob", "alice")
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	n, err = f.engine.MarkRead(ctx, "bob", "alice")
	require.NoError(t, err)
	assert.Equal(t, int64(0), n)

	receipts := alice.received("read_receipt")
	require.Len(t, receipts, 1)
	assert.Equal(t, model.ChatID("alice", "bob"), receipts[0].ChatID)

	_, err = f.engine.MarkRead(ctx, "bob", "")
	assert.True(t, apperr.Is(err, apperr.CodeBadRequest))
}

// TestReadReceiptsCountEveryChangedMessage tests that fetching a short page
// of all history still reports every message it marked read, per sender.
func TestReadReceiptsCountEveryChangedMessage(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, "alice", "bob", "carol")
	alice := f.connect(t, "alice")
	carol := f.connect(t, "carol")

	for i := 0; i < 3; i++ {
		_, err := f.engine.Send(ctx, SendRequest{From: "alice", To: "bob", Content: fmt.Sprintf("a%d", i)})
		require.NoError(t, err)
	}
	for i := 0; i < 2; i++ {
		_, err := f.engine.Send(ctx, SendRequest{From: "carol", To: "bob", Content: fmt.Sprintf("c%d", i)})
		require.NoError(t, err)
	}

	page, err := f.engine.FetchHistory(ctx, "bob", "", 1, 0)
	require.NoError(t, err)
	require.Len(t, page, 1)

	fromAlice := alice.received("read_receipt")
	require.Len(t, fromAlice, 1)
	assert.Equal(t, int64(3), fromAlice[0].Count)
	assert.Equal(t, model.ChatID("alice", "bob"), fromAlice[0].ChatID)

	fromCarol := carol.received("read_receipt")
	require.Len(t, fromCarol, 1)
	assert.Equal(t, int64(2), fromCarol[0].Count)
	assert.Equal(t, model.ChatID("bob", "carol"), fromCarol[0].ChatID)

	chats, err := f.engine.ListChats(ctx, "bob")
	require.NoError(t, err)
	for _, c := range chats {
		assert.Equal(t, 0, c.UnreadCount)
	}
}

// TestReadMessagesLeavePendingQueue tests that messages read or deleted
// while the recipient is offline are not handed over when it reconnects.
func TestReadMessagesLeavePendingQueue(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, "alice", "bob", "carol")

	for i := 0; i < 2; i++ {
		_, err := f.engine.Send(ctx, SendRequest{From: "alice", To: "bob", Content: fmt.Sprintf("a%d", i)})
		require.NoError(t, err)
	}
	fromCarol, err := f.engine.Send(ctx, SendRequest{From: "carol", To: "bob", Content: "keep"})
	require.NoError(t, err)
	deleted, err := f.engine.Send(ctx, SendRequest{From: "carol", To: "bob", Content: "oops"})
	require.NoError(t, err)
	assert.Equal(t, 4, f.registry.Pending("bob"))

	_, err = f.engine.FetchHistory(ctx, "bob", "alice", 0, 0)
	require.NoError(t, err)
	assert.Equal(t, 2, f.registry.Pending("bob"))

	ok, err := f.engine.DeleteMessage(ctx, "carol", deleted.ID)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 1, f.registry.Pending("bob"))

	bob := f.connect(t, "bob")
	got := bob.received("new_message")
	require.Len(t, got, 1)
	assert.Equal(t, fromCarol.ID, got[0].Message.ID)
}

// TestListChats tests ordering by recent activity and unread counts.
func TestListChats(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, "alice", "bob", "carol")

	send := func(from, to, content string) {
		_, err := f.engine.Send(ctx, SendRequest{From: from, To: to, Content: content})
		require.NoError(t, err)
	}
	send("bob", "alice", "one")
	send("bob", "alice", "two")
	send("alice", "carol", "three")
	f.connect(t, "carol")

	chats, err := f.engine.ListChats(ctx, "alice")
	require.NoError(t, err)
	require.Len(t, chats, 2)

	assert.Equal(t, "carol", chats[0].PeerID)
	assert.Equal(t, "three", chats[0].LastMessage)
	assert.Equal(t, 0, chats[0].UnreadCount)
	assert.Equal(t, model.StatusOnline, chats[0].PeerStatus)

	assert.Equal(t, "bob", chats[1].PeerID)
	assert.Equal(t, "bob", chats[1].PeerName)
	assert.Equal(t, "two", chats[1].LastMessage)
	assert.Equal(t, 2, chats[1].UnreadCount)
	assert.Equal(t, model.StatusOffline, chats[1].PeerStatus)

	empty, err := f.engine.ListChats(ctx, "nobody")
	require.NoError(t, err)
	assert.Empty(t, empty)
}

// TestDeleteMessage tests participant-only, idempotent deletion.
func TestDeleteMessage(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, "alice", "bob", "mallory")

	msg, err := f.engine.Send(ctx, SendRequest{From: "alice", To: "bob", Content: "secret"})
	require.NoError(t, err)

	_, err = f.engine.DeleteMessage(ctx, "mallory", msg.ID)
	assert.True(t, apperr.Is(err, apperr.CodeForbidden))
	f.stored(t, msg.ID)

	deleted, err := f.engine.DeleteMessage(ctx, "bob", msg.ID)
	require.NoError(t, err)
	assert.True(t, deleted)

	deleted, err = f.engine.DeleteMessage(ctx, "alice", msg.ID)
	require.NoError(t, err)
	assert.False(t, deleted, "repeat delete is a no-op")

	deleted, err = f.engine.DeleteMessage(ctx, "alice", "unknown")
	require.NoError(t, err)
	assert.False(t, deleted)
}

// TestSendWithAttachment tests that file references are resolved from stored metadata.
func TestSendWithAttachment(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, "alice", "bob")

	rec, err := f.files.Store(ctx, []byte("PDFDATA"), "report.pdf", "alice")
	require.NoError(t, err)

	msg, err := f.engine.Send(ctx, SendRequest{
		From:    "alice",
		To:      "bob",
		Type:    model.TypeFile,
		FileRef: &model.FileRef{ID: rec.ID},
	})
	require.NoError(t, err)
	require.NotNil(t, msg.FileRef)
	assert.Equal(t, "report.pdf", msg.FileRef.Filename)
	assert.Equal(t, int64(7), msg.FileRef.Size)

	chats, err := f.engine.ListChats(ctx, "bob")
	require.NoError(t, err)
	require.Len(t, chats, 1)
	assert.Equal(t, "report.pdf", chats[0].LastMessage)

	deleted, err := f.engine.DeleteMessage(ctx, "alice", msg.ID)
	require.NoError(t, err)
	assert.True(t, deleted)
	_, _, _, err = f.files.Retrieve(ctx, rec.ID)
	assert.NoError(t, err, "deleting a message keeps its attachment")
}

// TestTyping tests that typing indicators reach only live connections.
func TestTyping(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, "alice", "bob")

	f.engine.Typing(ctx, "alice", "bob")
	assert.Equal(t, 0, f.registry.Pending("bob"))

	bob := f.connect(t, "bob")
	f.engine.Typing(ctx, "alice", "bob")
	got := bob.received("typing")
	require.Len(t, got, 1)
	assert.Equal(t, "alice", got[0].UserID)
}

type failingStore struct {
	Store
	putErr error
}

func (s *failingStore) PutMessage(context.Context, *model.Message) error {
	return s.putErr
}

// TestSendPersistenceFailure tests that unstored messages are neither routed nor acknowledged.
func TestSendPersistenceFailure(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, "alice", "bob")
	bob := f.connect(t, "bob")
	ack := newFakeConn("alice-ws")

	engine := New(&failingStore{Store: f.store, putErr: errors.New("disk I/O error")}, f.registry, f.files)
	_, err := engine.Send(ctx, SendRequest{From: "alice", To: "bob", Content: "hi", Ack: ack})
	assert.True(t, apperr.Is(err, apperr.CodeInternal))
	assert.Empty(t, bob.received("new_message"))
	assert.Empty(t, ack.received("message_sent"))
}

type slowStore struct {
	Store
	delay time.Duration
}

func (s *slowStore) PutMessage(ctx context.Context, m *model.Message) error {
	time.Sleep(s.delay)
	return s.Store.PutMessage(ctx, m)
}

// TestSend_NoPerRequestTimeoutEnforced documents that a slow store is waited
// on for as long as it takes; only the caller's context bounds a send.
func TestSend_NoPerRequestTimeoutEnforced(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, "alice", "bob")

	delay := 150 * time.Millisecond
	engine := New(&slowStore{Store: f.store, delay: delay}, f.registry, f.files)

	start := time.Now()
	msg, err := engine.Send(ctx, SendRequest{From: "alice", To: "bob", Content: "slow"})
	require.NoError(t, err)
	assert.GreaterOrEqual(t, time.Since(start), delay)
	f.stored(t, msg.ID)
}

// TestStampIsMonotonic tests that creation times never go backwards.
func TestStampIsMonotonic(t *testing.T) {
	fixed := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	e := New(nil, nil, nil, WithClock(func() time.Time { return fixed }))

	a := e.stamp()
	b := e.stamp()
	assert.True(t, b.After(a))
}
