package protocol

import (
	"encoding/json"
	"log"
	"math"
	"time"

	"github.com/Tyrowin/gomessenger/internal/apperr"
	"github.com/Tyrowin/gomessenger/internal/model"
)

// Server to client frame types.
const (
	TypeAuthSuccess     = "auth_success"
	TypeAuthError       = "auth_error"
	TypeUsersList       = "users_list"
	TypeMessagesHistory = "messages_history"
	TypeChatsList       = "chats_list"
	TypeNewMessage      = "new_message"
	TypeMessageSent     = "message_sent"
	TypeStatusUpdate    = "status_update"
	TypeReadReceipt     = "read_receipt"
	TypePong            = "pong"
	TypeError           = "error"
)

type AuthSuccess struct {
	Type  string     `json:"type"`
	User  model.User `json:"user"`
	Token string     `json:"token,omitempty"`
}

type AuthError struct {
	Type   string `json:"type"`
	Reason string `json:"reason"`
}

type UsersList struct {
	Type  string       `json:"type"`
	Users []model.User `json:"users"`
}

type MessagesHistory struct {
	Type     string          `json:"type"`
	PeerID   string          `json:"peerId,omitempty"`
	Messages []model.Message `json:"messages"`
}

type ChatsList struct {
	Type  string              `json:"type"`
	Chats []model.ChatSummary `json:"chats"`
}

type NewMessage struct {
	Type    string        `json:"type"`
	Message model.Message `json:"message"`
}

type MessageSent struct {
	Type      string        `json:"type"`
	MessageID string        `json:"messageId"`
	Message   model.Message `json:"message"`
}

type StatusUpdate struct {
	Type      string       `json:"type"`
	UserID    string       `json:"userId"`
	Status    model.Status `json:"status"`
	Timestamp time.Time    `json:"timestamp"`
}

type TypingNotice struct {
	Type   string `json:"type"`
	UserID string `json:"userId"`
}

type ReadReceipt struct {
	Type     string `json:"type"`
	ChatID   string `json:"chatId"`
	ReaderID string `json:"readerId"`
	Count    int64  `json:"count"`
}

type Pong struct {
	Type      string `json:"type"`
	Timestamp int64  `json:"timestamp"`
}

// Error reports a failed request. The connection stays usable.
type Error struct {
	Type       string      `json:"type"`
	Message    string      `json:"message"`
	Code       apperr.Code `json:"code,omitempty"`
	RetryAfter int         `json:"retryAfter,omitempty"`
}

func NewAuthSuccess(u model.User, token string) AuthSuccess {
	return AuthSuccess{Type: TypeAuthSuccess, User: u, Token: token}
}

func NewAuthError(reason string) AuthError {
	return AuthError{Type: TypeAuthError, Reason: reason}
}

func NewUsersList(users []model.User) UsersList {
	if users == nil {
		users = []model.User{}
	}
	return UsersList{Type: TypeUsersList, Users: users}
}

func NewMessagesHistory(peerID string, msgs []model.Message) MessagesHistory {
	if msgs == nil {
		msgs = []model.Message{}
	}
	return MessagesHistory{Type: TypeMessagesHistory, PeerID: peerID, Messages: msgs}
}

func NewChatsList(chats []model.ChatSummary) ChatsList {
	if chats == nil {
		chats = []model.ChatSummary{}
	}
	return ChatsList{Type: TypeChatsList, Chats: chats}
}

func NewNewMessage(m model.Message) NewMessage {
	return NewMessage{Type: TypeNewMessage, Message: m}
}

func NewMessageSent(m model.Message) MessageSent {
	return MessageSent{Type: TypeMessageSent, MessageID: m.ID, Message: m}
}

func NewStatusUpdate(userID string, status model.Status, at time.Time) StatusUpdate {
	return StatusUpdate{Type: TypeStatusUpdate, UserID: userID, Status: status, Timestamp: at}
}

func NewTyping(userID string) TypingNotice {
	return TypingNotice{Type: TypeTyping, UserID: userID}
}

func NewReadReceipt(chatID, readerID string, count int64) ReadReceipt {
	return ReadReceipt{Type: TypeReadReceipt, ChatID: chatID, ReaderID: readerID, Count: count}
}

func NewPong(at time.Time) Pong {
	return Pong{Type: TypePong, Timestamp: at.UnixMilli()}
}

// NewError converts err into an error frame. Internal causes are not exposed.
func NewError(err error) Error {
	appErr := apperr.As(err)
	frame := Error{Type: TypeError, Message: appErr.Message, Code: appErr.Code}
	if appErr.RetryAfter > 0 {
		frame.RetryAfter = int(math.Ceil(appErr.RetryAfter.Seconds()))
	}
	return frame
}

// Encode marshals a frame. Frames are plain structs, so a failure here is a
// programming error; it is logged and an error frame is returned instead.
func Encode(frame any) []byte {
	data, err := json.Marshal(frame)
	if err != nil {
		log.Printf("Error encoding %T frame: %v", frame, err)
		return []byte(`{"type":"error","message":"internal error","code":"internal"}`)
	}
	return data
}
