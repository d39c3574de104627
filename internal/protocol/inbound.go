// Package protocol defines the JSON frames exchanged over the WebSocket
// transport. Inbound frames are decoded into a closed set of typed variants
// at the boundary; outbound frames are built with the constructors in
// outbound.go.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/Tyrowin/gomessenger/internal/model"
)

// Client to server frame types.
const (
	TypeAuth        = "auth"
	TypeRegister    = "register"
	TypeSendMessage = "send_message"
	TypeGetUsers    = "get_users"
	TypeGetMessages = "get_messages"
	TypeGetChats    = "get_chats"
	TypeMarkRead    = "mark_read"
	TypeTyping      = "typing"
	TypePing        = "ping"
)

var (
	// ErrMalformed reports a frame that is not a JSON object or misses
	// required fields.
	ErrMalformed = errors.New("malformed frame")
	// ErrUnknownType reports a frame whose type discriminator is not recognized.
	ErrUnknownType = errors.New("unknown frame type")
)

// Inbound is a decoded client frame.
type Inbound interface {
	Kind() string
}

type validator interface {
	validate() error
}

// Auth resumes a session with a previously issued token.
type Auth struct {
	Token string `json:"token"`
}

// Register creates an account, or logs into it if the username exists.
type Register struct {
	Username   string `json:"username"`
	PublicKey  string `json:"publicKey"`
	DeviceInfo string `json:"deviceInfo"`
}

// SendMessage asks the server to deliver a message to RecipientID.
type SendMessage struct {
	RecipientID string            `json:"recipientId"`
	Content     string            `json:"content"`
	MessageType model.MessageType `json:"messageType"`
	Encrypted   bool              `json:"encrypted"`
	FileRef     *model.FileRef    `json:"fileRef"`
}

// GetUsers lists the other registered users.
type GetUsers struct{}

// GetMessages fetches history, for one peer or across all chats.
type GetMessages struct {
	PeerID string `json:"peerId"`
	Limit  int    `json:"limit"`
	Offset int    `json:"offset"`
}

// GetChats lists the caller's conversations.
type GetChats struct{}

// MarkRead acknowledges every message received from PeerID.
type MarkRead struct {
	PeerID string `json:"peerId"`
}

// Typing tells RecipientID the caller is composing a message.
type Typing struct {
	RecipientID string `json:"recipientId"`
}

// Ping is an application-level keepalive.
type Ping struct{}

func (Auth) Kind() string        { return TypeAuth }
func (Register) Kind() string    { return TypeRegister }
func (SendMessage) Kind() string { return TypeSendMessage }
func (GetUsers) Kind() string    { return TypeGetUsers }
func (GetMessages) Kind() string { return TypeGetMessages }
func (GetChats) Kind() string    { return TypeGetChats }
func (MarkRead) Kind() string    { return TypeMarkRead }
func (Typing) Kind() string      { return TypeTyping }
func (Ping) Kind() string        { return TypePing }

func (a Auth) validate() error {
	if strings.TrimSpace(a.Token) == "" {
		return fmt.Errorf("%w: token is required", ErrMalformed)
	}
	return nil
}

func (r Register) validate() error {
	if strings.TrimSpace(r.Username) == "" {
		return fmt.Errorf("%w: username is required", ErrMalformed)
	}
	return nil
}

func (s SendMessage) validate() error {
	if strings.TrimSpace(s.RecipientID) == "" {
		return fmt.Errorf("%w: recipientId is required", ErrMalformed)
	}
	return nil
}

func (g GetMessages) validate() error {
	if g.Limit < 0 || g.Offset < 0 {
		return fmt.Errorf("%w: limit and offset must not be negative", ErrMalformed)
	}
	return nil
}

func (m MarkRead) validate() error {
	if strings.TrimSpace(m.PeerID) == "" {
		return fmt.Errorf("%w: peerId is required", ErrMalformed)
	}
	return nil
}

func (t Typing) validate() error {
	if strings.TrimSpace(t.RecipientID) == "" {
		return fmt.Errorf("%w: recipientId is required", ErrMalformed)
	}
	return nil
}

func decodeAs[T Inbound](raw []byte) (Inbound, error) {
	var v T
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if val, ok := any(v).(validator); ok {
		if err := val.validate(); err != nil {
			return nil, err
		}
	}
	return v, nil
}

// Decode parses a raw client frame into its typed variant.
func Decode(raw []byte) (Inbound, error) {
	var env struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	switch env.Type {
	case TypeAuth:
		return decodeAs[Auth](raw)
	case TypeRegister:
		return decodeAs[Register](raw)
	case TypeSendMessage:
		return decodeAs[SendMessage](raw)
	case TypeGetUsers:
		return GetUsers{}, nil
	case TypeGetMessages:
		return decodeAs[GetMessages](raw)
	case TypeGetChats:
		return GetChats{}, nil
	case TypeMarkRead:
		return decodeAs[MarkRead](raw)
	case TypeTyping:
		return decodeAs[Typing](raw)
	case TypePing:
		return Ping{}, nil
	case "":
		return nil, fmt.Errorf("%w: type is required", ErrMalformed)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, env.Type)
	}
}
