// Package delivery persists chat messages and routes them to recipients
// through the presence registry, together with the history, read-state and
// conversation list queries built on the same records.
package delivery

import (
	"context"
	"errors"
	"log"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Tyrowin/gomessenger/internal/apperr"
	"github.com/Tyrowin/gomessenger/internal/model"
	"github.com/Tyrowin/gomessenger/internal/presence"
	"github.com/Tyrowin/gomessenger/internal/protocol"
	"github.com/Tyrowin/gomessenger/internal/store"
)

// DefaultHistoryLimit caps history pages when the caller gives no limit.
const DefaultHistoryLimit = 100

// Store is the persistence the engine needs.
type Store interface {
	GetUser(ctx context.Context, id string) (*model.User, error)
	store.MessageStore
}

// Router delivers events to users. Fanout queues for offline users, Notify
// does not. Forget drops queued events for messages that no longer need
// handing over.
type Router interface {
	Fanout(ctx context.Context, userID string, ev presence.Event) bool
	Notify(ctx context.Context, userID string, ev presence.Event) bool
	Forget(userID string, messageIDs ...string) int
}

// FileResolver validates a file reference and fills in its metadata.
type FileResolver interface {
	Resolve(ctx context.Context, ref *model.FileRef) (*model.FileRef, error)
}

// SendRequest is one outgoing message.
type SendRequest struct {
	From      string
	To        string
	Content   string
	Type      model.MessageType
	Encrypted bool
	FileRef   *model.FileRef
	// Ack receives the message_sent acknowledgement. When nil, it goes to
	// every live connection of the sender.
	Ack presence.Conn
}

// Engine sends messages and answers history queries.
type Engine struct {
	store  Store
	router Router
	files  FileResolver
	now    func() time.Time

	chats *chatLocks

	clockMu sync.Mutex
	lastAt  time.Time
}

// Option configures an Engine.
type Option func(*Engine)

// WithClock overrides the time source used for message timestamps.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// New returns an Engine. files may be nil, in which case messages carrying
// file references are rejected.
func New(st Store, router Router, files FileResolver, opts ...Option) *Engine {
	e := &Engine{
		store:  st,
		router: router,
		files:  files,
		now:    time.Now,
		chats:  newChatLocks(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// stamp returns a timestamp strictly after every earlier one, so creation
// times never go backwards even if the wall clock does.
func (e *Engine) stamp() time.Time {
	e.clockMu.Lock()
	defer e.clockMu.Unlock()

	now := e.now().UTC()
	if !now.After(e.lastAt) {
		now = e.lastAt.Add(time.Microsecond)
	}
	e.lastAt = now
	return now
}

func (e *Engine) validate(ctx context.Context, req *SendRequest) error {
	req.To = strings.TrimSpace(req.To)
	if req.From == "" {
		return apperr.Unauthorized("sender is not authenticated")
	}
	if req.To == "" {
		return apperr.BadRequest("recipientId is required")
	}
	if req.Type == "" {
		req.Type = model.TypeText
	}
	if !req.Type.Valid() {
		return apperr.BadRequest("unknown message type " + string(req.Type))
	}
	if strings.TrimSpace(req.Content) == "" && (req.FileRef == nil || req.Type == model.TypeText) {
		return apperr.BadRequest("content is required")
	}
	if req.FileRef != nil && strings.TrimSpace(req.FileRef.ID) == "" {
		return apperr.BadRequest("fileRef.id is required")
	}

	if _, err := e.store.GetUser(ctx, req.To); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return apperr.NotFound("recipient not found")
		}
		return apperr.Internal("failed to look up recipient", err)
	}

	if req.FileRef != nil {
		if e.files == nil {
			return apperr.BadRequest("attachments are not supported")
		}
		ref, err := e.files.Resolve(ctx, req.FileRef)
		if err != nil {
			return err
		}
		req.FileRef = ref
	}
	return nil
}

// Send validates and stores a message, routes it to the recipient and
// acknowledges it to the sender. The message is marked delivered only when a
// live connection of the recipient accepted it. Nothing is acknowledged when
// the message could not be stored.
func (e *Engine) Send(ctx context.Context, req SendRequest) (*model.Message, error) {
	if err := e.validate(ctx, &req); err != nil {
		return nil, err
	}

	id, err := uuid.NewV7()
	if err != nil {
		return nil, apperr.Internal("failed to generate message id", err)
	}

	chatID := model.ChatID(req.From, req.To)
	msg := &model.Message{
		ID:        id.String(),
		ChatID:    chatID,
		FromUser:  req.From,
		ToUser:    req.To,
		Content:   req.Content,
		Encrypted: req.Encrypted,
		Type:      req.Type,
		FileRef:   req.FileRef,
	}

	// Held across persist and fanout so recipients observe persistence order.
	unlock := e.chats.lock(chatID)
	msg.CreatedAt = e.stamp()
	if err := e.store.PutMessage(ctx, msg); err != nil {
		unlock()
		log.Printf("Error storing message from %s to %s: %v", req.From, req.To, err)
		return nil, apperr.Internal("message was not stored", err)
	}

	ev := presence.Event{
		Kind:      protocol.TypeNewMessage,
		Payload:   protocol.Encode(protocol.NewNewMessage(*msg)),
		MessageID: msg.ID,
	}
	if e.router.Fanout(ctx, req.To, ev) {
		if err := e.store.MarkDelivered(ctx, msg.ID); err != nil {
			log.Printf("Error marking message %s delivered: %v", msg.ID, err)
		} else {
			msg.Delivered = true
		}
	}
	unlock()

	ack := protocol.Encode(protocol.NewMessageSent(*msg))
	if req.Ack != nil {
		if !req.Ack.Send(ack) {
			log.Printf("Connection %s could not take acknowledgement for message %s", req.Ack.ID(), msg.ID)
		}
	} else {
		e.router.Notify(ctx, req.From, presence.Event{Kind: protocol.TypeMessageSent, Payload: ack})
	}
	return msg, nil
}

// MarkDrained records that queued messages reached a connection of userID.
// It is installed as the presence registry's drain hook.
func (e *Engine) MarkDrained(ctx context.Context, userID string, messageIDs []string) {
	if err := e.store.MarkDelivered(ctx, messageIDs...); err != nil {
		log.Printf("Error marking %d drained messages delivered for user %s: %v", len(messageIDs), userID, err)
	}
}

// FetchHistory returns the chat between userID and peerID, oldest first, or
// when peerID is empty every message touching userID, newest first. The
// fetched side is marked read: the peer's messages to userID in that chat,
// or all of userID's unread received messages. The returned messages show
// the state before the call.
func (e *Engine) FetchHistory(ctx context.Context, userID, peerID string, limit, offset int) ([]model.Message, error) {
	limit, offset = store.Page(limit, offset, DefaultHistoryLimit)

	if peerID == "" {
		msgs, err := e.store.UserMessages(ctx, userID, limit, offset)
		if err != nil {
			return nil, apperr.Internal("failed to load messages", err)
		}
		if _, err := e.markRead(ctx, userID, ""); err != nil {
			return nil, err
		}
		return msgs, nil
	}

	chatID := model.ChatID(userID, peerID)
	msgs, err := e.store.ChatMessages(ctx, chatID, limit, offset)
	if err != nil {
		return nil, apperr.Internal("failed to load messages", err)
	}
	if _, err := e.markRead(ctx, userID, chatID); err != nil {
		return nil, err
	}
	return msgs, nil
}

// markRead flags userID's unread messages in chatID, or in every chat when
// chatID is empty. Each sender gets a read receipt counting the messages of
// theirs that changed, and the changed messages leave userID's pending queue.
func (e *Engine) markRead(ctx context.Context, userID, chatID string) (int64, error) {
	marked, err := e.store.MarkRead(ctx, userID, chatID)
	if err != nil {
		return 0, apperr.Internal("failed to mark messages read", err)
	}
	if len(marked) == 0 {
		return 0, nil
	}

	ids := make([]string, len(marked))
	bySender := make(map[string]int64)
	for i, m := range marked {
		ids[i] = m.ID
		if m.FromUser != userID {
			bySender[m.FromUser]++
		}
	}
	e.router.Forget(userID, ids...)
	for sender, count := range bySender {
		e.notifyRead(ctx, model.ChatID(userID, sender), userID, sender, count)
	}
	return int64(len(marked)), nil
}

func (e *Engine) notifyRead(ctx context.Context, chatID, readerID, senderID string, count int64) {
	payload := protocol.Encode(protocol.NewReadReceipt(chatID, readerID, count))
	e.router.Notify(ctx, senderID, presence.Event{Kind: protocol.TypeReadReceipt, Payload: payload})
}

// MarkRead marks every message from peerID to userID read and reports how
// many changed. The peer's live connections get a read receipt.
func (e *Engine) MarkRead(ctx context.Context, userID, peerID string) (int64, error) {
	if strings.TrimSpace(peerID) == "" {
		return 0, apperr.BadRequest("peerId is required")
	}
	return e.markRead(ctx, userID, model.ChatID(userID, peerID))
}

// ListChats returns one summary per peer userID has exchanged messages
// with, most recent activity first.
func (e *Engine) ListChats(ctx context.Context, userID string) ([]model.ChatSummary, error) {
	msgs, err := e.store.UserMessages(ctx, userID, 0, 0)
	if err != nil {
		return nil, apperr.Internal("failed to load messages", err)
	}

	byPeer := make(map[string]*model.ChatSummary)
	for _, m := range msgs {
		peer := m.Peer(userID)
		summary, ok := byPeer[peer]
		if !ok {
			summary = &model.ChatSummary{
				PeerID:          peer,
				LastMessage:     preview(m),
				LastMessageTime: m.CreatedAt,
			}
			byPeer[peer] = summary
		}
		if m.ToUser == userID && !m.Read {
			summary.UnreadCount++
		}
	}

	chats := make([]model.ChatSummary, 0, len(byPeer))
	for peer, summary := range byPeer {
		summary.PeerName = peer
		summary.PeerStatus = model.StatusOffline
		u, err := e.store.GetUser(ctx, peer)
		switch {
		case err == nil:
			summary.PeerName = u.Username
			summary.PeerStatus = u.Status
		case !errors.Is(err, store.ErrNotFound):
			return nil, apperr.Internal("failed to load chat peer", err)
		}
		chats = append(chats, *summary)
	}

	sort.Slice(chats, func(i, j int) bool {
		if !chats[i].LastMessageTime.Equal(chats[j].LastMessageTime) {
			return chats[i].LastMessageTime.After(chats[j].LastMessageTime)
		}
		return chats[i].PeerID < chats[j].PeerID
	})
	return chats, nil
}

func preview(m model.Message) string {
	if m.Content == "" && m.FileRef != nil {
		return m.FileRef.Filename
	}
	return m.Content
}

// DeleteMessage removes a message on behalf of one of its participants and
// reports whether a row was removed. Unknown ids are a no-op.
func (e *Engine) DeleteMessage(ctx context.Context, requesterID, messageID string) (bool, error) {
	msg, err := e.store.GetMessage(ctx, messageID)
	if errors.Is(err, store.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, apperr.Internal("failed to load message", err)
	}
	if !msg.Involves(requesterID) {
		return false, apperr.Forbidden("only participants may delete a message")
	}

	deleted, err := e.store.DeleteMessage(ctx, messageID)
	if err != nil {
		return false, apperr.Internal("failed to delete message", err)
	}
	if deleted {
		e.router.Forget(msg.ToUser, msg.ID)
		log.Printf("Message %s deleted by user %s", messageID, requesterID)
	}
	return deleted, nil
}

// Typing relays a typing indicator to the recipient's live connections.
func (e *Engine) Typing(ctx context.Context, fromID, toID string) {
	if fromID == "" || toID == "" || fromID == toID {
		return
	}
	payload := protocol.Encode(protocol.NewTyping(fromID))
	e.router.Notify(ctx, toID, presence.Event{Kind: protocol.TypeTyping, Payload: payload})
}
