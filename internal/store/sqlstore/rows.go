package sqlstore

import (
	"time"

	"github.com/Tyrowin/gomessenger/internal/model"
)

// Timestamps are stored as unix nanoseconds so ordering and MAX() are numeric.

type userRow struct {
	ID          string `gorm:"primaryKey;size:64"`
	Username    string `gorm:"size:64;not null"`
	UsernameKey string `gorm:"size:64;not null;uniqueIndex"`
	PublicKey   string
	Status      string `gorm:"size:16;not null;default:offline"`
	Created     int64  `gorm:"column:created_at;not null"`
	LastSeen    int64  `gorm:"column:last_seen;not null;index"`
}

func (userRow) TableName() string { return "users" }

type sessionRow struct {
	TokenHash  string `gorm:"primaryKey;size:128"`
	UserID     string `gorm:"size:64;not null;index"`
	Created    int64  `gorm:"column:created_at;not null"`
	Expires    int64  `gorm:"column:expires_at;not null"`
	DeviceInfo string
}

func (sessionRow) TableName() string { return "sessions" }

type messageRow struct {
	ID        string `gorm:"primaryKey;size:64"`
	ChatID    string `gorm:"size:160;not null;index:idx_messages_chat,priority:1"`
	FromUser  string `gorm:"size:64;not null;index"`
	ToUser    string `gorm:"size:64;not null;index"`
	Content   string
	Encrypted bool
	Type      string `gorm:"size:16;not null;default:text"`
	FileID    string `gorm:"size:64"`
	FileName  string
	FileSize  int64
	Created   int64 `gorm:"column:created_at;not null;index:idx_messages_chat,priority:2"`
	Delivered bool  `gorm:"not null;default:false"`
	Read      bool  `gorm:"not null;default:false"`
}

func (messageRow) TableName() string { return "messages" }

type fileRow struct {
	ID           string `gorm:"primaryKey;size:64"`
	OwnerID      string `gorm:"size:64;not null;index"`
	StoredName   string `gorm:"not null"`
	OriginalName string
	MimeType     string
	Size         int64
	Created      int64 `gorm:"column:created_at;not null"`
}

func (fileRow) TableName() string { return "files" }

func nanos(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

func fromNanos(n int64) time.Time {
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n).UTC()
}

func toUserRow(u *model.User) userRow {
	return userRow{
		ID:          u.ID,
		Username:    u.Username,
		UsernameKey: model.UsernameKey(u.Username),
		PublicKey:   u.PublicKey,
		Status:      string(u.Status),
		Created:     nanos(u.CreatedAt),
		LastSeen:    nanos(u.LastSeen),
	}
}

func (r userRow) model() model.User {
	return model.User{
		ID:        r.ID,
		Username:  r.Username,
		PublicKey: r.PublicKey,
		Status:    model.Status(r.Status),
		CreatedAt: fromNanos(r.Created),
		LastSeen:  fromNanos(r.LastSeen),
	}
}

func toSessionRow(s *model.Session) sessionRow {
	return sessionRow{
		TokenHash:  s.TokenHash,
		UserID:     s.UserID,
		Created:    nanos(s.CreatedAt),
		Expires:    nanos(s.ExpiresAt),
		DeviceInfo: s.DeviceInfo,
	}
}

func (r sessionRow) model() model.Session {
	return model.Session{
		TokenHash:  r.TokenHash,
		UserID:     r.UserID,
		CreatedAt:  fromNanos(r.Created),
		ExpiresAt:  fromNanos(r.Expires),
		DeviceInfo: r.DeviceInfo,
	}
}

func toMessageRow(m *model.Message) messageRow {
	row := messageRow{
		ID:        m.ID,
		ChatID:    m.ChatID,
		FromUser:  m.FromUser,
		ToUser:    m.ToUser,
		Content:   m.Content,
		Encrypted: m.Encrypted,
		Type:      string(m.Type),
		Created:   nanos(m.CreatedAt),
		Delivered: m.Delivered,
		Read:      m.Read,
	}
	if m.FileRef != nil {
		row.FileID = m.FileRef.ID
		row.FileName = m.FileRef.Filename
		row.FileSize = m.FileRef.Size
	}
	return row
}

func (r messageRow) model() model.Message {
	m := model.Message{
		ID:        r.ID,
		ChatID:    r.ChatID,
		FromUser:  r.FromUser,
		ToUser:    r.ToUser,
		Content:   r.Content,
		Encrypted: r.Encrypted,
		Type:      model.MessageType(r.Type),
		CreatedAt: fromNanos(r.Created),
		Delivered: r.Delivered,
		Read:      r.Read,
	}
	if r.FileID != "" {
		m.FileRef = &model.FileRef{ID: r.FileID, Filename: r.FileName, Size: r.FileSize}
	}
	return m
}

func toFileRow(f *model.FileRecord) fileRow {
	return fileRow{
		ID:           f.ID,
		OwnerID:      f.OwnerID,
		StoredName:   f.StoredName,
		OriginalName: f.OriginalName,
		MimeType:     f.MimeType,
		Size:         f.Size,
		Created:      nanos(f.CreatedAt),
	}
}

func (r fileRow) model() model.FileRecord {
	return model.FileRecord{
		ID:           r.ID,
		OwnerID:      r.OwnerID,
		StoredName:   r.StoredName,
		OriginalName: r.OriginalName,
		MimeType:     r.MimeType,
		Size:         r.Size,
		CreatedAt:    fromNanos(r.Created),
	}
}
