// Package model defines the records shared by the storage backends and the
// messaging services: users, sessions, messages, and attachment metadata.
package model

import (
	"sort"
	"strings"
	"time"
)

// Status is a user's presence state.
type Status string

const (
	StatusOnline  Status = "online"
	StatusOffline Status = "offline"
)

// Valid reports whether s is a known presence state.
func (s Status) Valid() bool {
	return s == StatusOnline || s == StatusOffline
}

// MessageType classifies a message payload.
type MessageType string

const (
	TypeText  MessageType = "text"
	TypeFile  MessageType = "file"
	TypeImage MessageType = "image"
	TypeVoice MessageType = "voice"
)

// Valid reports whether t belongs to the closed set of message types.
func (t MessageType) Valid() bool {
	switch t {
	case TypeText, TypeFile, TypeImage, TypeVoice:
		return true
	}
	return false
}

// User is a registered account.
type User struct {
	ID        string    `json:"id"`
	Username  string    `json:"username"`
	PublicKey string    `json:"publicKey"`
	Status    Status    `json:"status"`
	CreatedAt time.Time `json:"createdAt"`
	LastSeen  time.Time `json:"lastSeen"`
}

// UsernameKey is the case-folded form used for uniqueness and lookups.
func UsernameKey(username string) string {
	return strings.ToLower(strings.TrimSpace(username))
}

// Session binds a token digest to a user. Raw tokens are never stored.
type Session struct {
	TokenHash  string    `json:"tokenHash"`
	UserID     string    `json:"userId"`
	CreatedAt  time.Time `json:"createdAt"`
	ExpiresAt  time.Time `json:"expiresAt"`
	DeviceInfo string    `json:"deviceInfo"`
}

// Valid reports whether the session is still usable at now.
func (s Session) Valid(now time.Time) bool {
	return now.Before(s.ExpiresAt)
}

// FileRef links a message to an uploaded attachment.
type FileRef struct {
	ID       string `json:"id"`
	Filename string `json:"filename,omitempty"`
	Size     int64  `json:"size,omitempty"`
}

// Message is a single one-to-one chat message.
type Message struct {
	ID        string      `json:"id"`
	ChatID    string      `json:"chatId"`
	FromUser  string      `json:"fromUser"`
	ToUser    string      `json:"toUser"`
	Content   string      `json:"content"`
	Encrypted bool        `json:"encrypted"`
	Type      MessageType `json:"type"`
	FileRef   *FileRef    `json:"fileRef,omitempty"`
	CreatedAt time.Time   `json:"createdAt"`
	Delivered bool        `json:"delivered"`
	Read      bool        `json:"read"`
}

// Involves reports whether userID is the sender or the recipient.
func (m Message) Involves(userID string) bool {
	return m.FromUser == userID || m.ToUser == userID
}

// Peer returns the other participant as seen by userID.
func (m Message) Peer(userID string) string {
	if m.FromUser == userID {
		return m.ToUser
	}
	return m.FromUser
}

// ChatID derives the conversation id for two participants. The pair is
// sorted so both directions map to the same chat.
func ChatID(a, b string) string {
	ids := []string{a, b}
	sort.Strings(ids)
	return ids[0] + "_" + ids[1]
}

// SortMessages orders messages by creation time, breaking ties by id.
func SortMessages(msgs []Message, newestFirst bool) {
	sort.SliceStable(msgs, func(i, j int) bool {
		a, b := msgs[i], msgs[j]
		if newestFirst {
			a, b = b, a
		}
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.Before(b.CreatedAt)
		}
		return a.ID < b.ID
	})
}

// FileRecord is the metadata of a stored attachment.
type FileRecord struct {
	ID           string    `json:"id"`
	OwnerID      string    `json:"ownerId"`
	StoredName   string    `json:"storedName"`
	OriginalName string    `json:"originalName"`
	MimeType     string    `json:"mimeType"`
	Size         int64     `json:"size"`
	CreatedAt    time.Time `json:"createdAt"`
}

// URL is the retrieval path of the attachment.
func (f FileRecord) URL() string {
	return "/files/" + f.ID
}

// ChatSummary is one row of a user's conversation list.
type ChatSummary struct {
	PeerID          string    `json:"peerId"`
	PeerName        string    `json:"peerName"`
	PeerStatus      Status    `json:"peerStatus"`
	LastMessage     string    `json:"lastMessage"`
	LastMessageTime time.Time `json:"lastMessageTime"`
	UnreadCount     int       `json:"unreadCount"`
}
