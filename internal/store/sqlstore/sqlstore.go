// Package sqlstore implements store.Store on SQLite through GORM.
package sqlstore

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/mattn/go-sqlite3"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/Tyrowin/gomessenger/internal/model"
	"github.com/Tyrowin/gomessenger/internal/store"
)

// Store is a SQLite-backed store.Store.
type Store struct {
	db *gorm.DB
}

var _ store.Store = (*Store)(nil)

// Options tunes the database connection.
type Options struct {
	// LogLevel is passed to the GORM logger. Defaults to logger.Warn.
	LogLevel logger.LogLevel
}

// Open opens (creating if needed) the database at path and migrates the
// schema. Use ":memory:" for an ephemeral database.
func Open(path string, opts Options) (*Store, error) {
	dsn := path
	if path != ":memory:" {
		dsn = path + "?_foreign_keys=1&_journal_mode=WAL&_busy_timeout=5000"
	}

	level := opts.LogLevel
	if level == 0 {
		level = logger.Warn
	}

	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(level),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to access database handle: %w", err)
	}
	// SQLite allows one writer; a single connection also keeps ":memory:"
	// databases from splitting across pool connections.
	sqlDB.SetMaxOpenConns(1)

	if err := db.AutoMigrate(&userRow{}, &sessionRow{}, &messageRow{}, &fileRow{}); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return &Store{db: db}, nil
}

// Close releases the database handle.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func isUniqueViolation(err error) bool {
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique ||
			sqliteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
	}
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}

func notFound(err error, what string) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return store.ErrNotFound
	}
	return fmt.Errorf("failed to find %s: %w", what, err)
}

// CreateUser inserts u, relying on the unique username index for atomicity.
func (s *Store) CreateUser(ctx context.Context, u *model.User) error {
	row := toUserRow(u)
	if err := s.db.WithContext(ctx).Create(&row).Error; err != nil {
		if isUniqueViolation(err) {
			return store.ErrConflict
		}
		return fmt.Errorf("failed to create user: %w", err)
	}
	return nil
}

// GetUser retrieves a user by id.
func (s *Store) GetUser(ctx context.Context, id string) (*model.User, error) {
	var row userRow
	if err := s.db.WithContext(ctx).First(&row, "id = ?", id).Error; err != nil {
		return nil, notFound(err, "user")
	}
	u := row.model()
	return &u, nil
}

// FindUserByUsername looks a user up case-insensitively.
func (s *Store) FindUserByUsername(ctx context.Context, username string) (*model.User, error) {
	var row userRow
	err := s.db.WithContext(ctx).First(&row, "username_key = ?", model.UsernameKey(username)).Error
	if err != nil {
		return nil, notFound(err, "user")
	}
	u := row.model()
	return &u, nil
}

// ListUsers returns every user, most recently seen first.
func (s *Store) ListUsers(ctx context.Context) ([]model.User, error) {
	var rows []userRow
	if err := s.db.WithContext(ctx).Order("last_seen DESC, id").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("failed to list users: %w", err)
	}
	users := make([]model.User, 0, len(rows))
	for _, r := range rows {
		users = append(users, r.model())
	}
	return users, nil
}

// SetUserStatus updates a user's status and advances last_seen.
func (s *Store) SetUserStatus(ctx context.Context, id string, status model.Status, at time.Time) error {
	result := s.db.WithContext(ctx).Model(&userRow{}).Where("id = ?", id).Updates(map[string]any{
		"status":    string(status),
		"last_seen": gorm.Expr("MAX(last_seen, ?)", nanos(at)),
	})
	if err := result.Error; err != nil {
		return fmt.Errorf("failed to update user status: %w", err)
	}
	if result.RowsAffected == 0 {
		return store.ErrNotFound
	}
	return nil
}

// PutSession stores a session, replacing any row with the same digest.
func (s *Store) PutSession(ctx context.Context, sess *model.Session) error {
	row := toSessionRow(sess)
	if err := s.db.WithContext(ctx).Save(&row).Error; err != nil {
		return fmt.Errorf("failed to store session: %w", err)
	}
	return nil
}

// GetSession retrieves a session by token digest.
func (s *Store) GetSession(ctx context.Context, tokenHash string) (*model.Session, error) {
	var row sessionRow
	if err := s.db.WithContext(ctx).First(&row, "token_hash = ?", tokenHash).Error; err != nil {
		return nil, notFound(err, "session")
	}
	sess := row.model()
	return &sess, nil
}

// DeleteSession removes a session. Missing sessions are not an error.
func (s *Store) DeleteSession(ctx context.Context, tokenHash string) error {
	if err := s.db.WithContext(ctx).Delete(&sessionRow{}, "token_hash = ?", tokenHash).Error; err != nil {
		return fmt.Errorf("failed to delete session: %w", err)
	}
	return nil
}

// DeleteUserSessions removes every session of a user.
func (s *Store) DeleteUserSessions(ctx context.Context, userID string) error {
	if err := s.db.WithContext(ctx).Delete(&sessionRow{}, "user_id = ?", userID).Error; err != nil {
		return fmt.Errorf("failed to delete user sessions: %w", err)
	}
	return nil
}

// PutMessage inserts a new message.
func (s *Store) PutMessage(ctx context.Context, m *model.Message) error {
	row := toMessageRow(m)
	if err := s.db.WithContext(ctx).Create(&row).Error; err != nil {
		if isUniqueViolation(err) {
			return store.ErrConflict
		}
		return fmt.Errorf("failed to store message: %w", err)
	}
	return nil
}

// GetMessage retrieves a message by id.
func (s *Store) GetMessage(ctx context.Context, id string) (*model.Message, error) {
	var row messageRow
	if err := s.db.WithContext(ctx).First(&row, "id = ?", id).Error; err != nil {
		return nil, notFound(err, "message")
	}
	m := row.model()
	return &m, nil
}

// MarkDelivered flags the given messages as delivered.
func (s *Store) MarkDelivered(ctx context.Context, ids ...string) error {
	if len(ids) == 0 {
		return nil
	}
	err := s.db.WithContext(ctx).Model(&messageRow{}).Where("id IN ?", ids).Update("delivered", true).Error
	if err != nil {
		return fmt.Errorf("failed to mark messages delivered: %w", err)
	}
	return nil
}

// ChatMessages returns a page of one chat, oldest first.
func (s *Store) ChatMessages(ctx context.Context, chatID string, limit, offset int) ([]model.Message, error) {
	q := s.db.WithContext(ctx).
		Where("chat_id = ?", chatID).
		Order("created_at DESC, id DESC")
	if limit > 0 {
		q = q.Limit(limit).Offset(offset)
	}
	var rows []messageRow
	if err := q.Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("failed to load chat messages: %w", err)
	}
	msgs := make([]model.Message, len(rows))
	for i, r := range rows {
		msgs[len(rows)-1-i] = r.model()
	}
	return msgs, nil
}

// UserMessages returns messages touching userID, newest first.
func (s *Store) UserMessages(ctx context.Context, userID string, limit, offset int) ([]model.Message, error) {
	q := s.db.WithContext(ctx).
		Where("from_user = ? OR to_user = ?", userID, userID).
		Order("created_at DESC, id DESC")
	if limit > 0 {
		q = q.Limit(limit).Offset(offset)
	}
	var rows []messageRow
	if err := q.Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("failed to load user messages: %w", err)
	}
	msgs := make([]model.Message, 0, len(rows))
	for _, r := range rows {
		msgs = append(msgs, r.model())
	}
	return msgs, nil
}

// MarkRead flags unread messages addressed to recipient as read and returns
// the rows it changed, in their new state, oldest first.
func (s *Store) MarkRead(ctx context.Context, recipient, chatID string) ([]model.Message, error) {
	var rows []messageRow
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		q := tx.Where("to_user = ? AND `read` = ?", recipient, false)
		if chatID != "" {
			q = q.Where("chat_id = ?", chatID)
		}
		if err := q.Order("created_at, id").Find(&rows).Error; err != nil {
			return err
		}
		if len(rows) == 0 {
			return nil
		}
		ids := make([]string, len(rows))
		for i, r := range rows {
			ids[i] = r.ID
		}
		return tx.Model(&messageRow{}).
			Where("id IN ?", ids).
			Updates(map[string]any{"read": true, "delivered": true}).Error
	})
	if err != nil {
		return nil, fmt.Errorf("failed to mark messages read: %w", err)
	}

	msgs := make([]model.Message, len(rows))
	for i, r := range rows {
		r.Read = true
		r.Delivered = true
		msgs[i] = r.model()
	}
	return msgs, nil
}

// DeleteMessage removes a message and reports whether it existed.
func (s *Store) DeleteMessage(ctx context.Context, id string) (bool, error) {
	result := s.db.WithContext(ctx).Delete(&messageRow{}, "id = ?", id)
	if err := result.Error; err != nil {
		return false, fmt.Errorf("failed to delete message: %w", err)
	}
	return result.RowsAffected > 0, nil
}

// PutFile records attachment metadata.
func (s *Store) PutFile(ctx context.Context, f *model.FileRecord) error {
	row := toFileRow(f)
	if err := s.db.WithContext(ctx).Create(&row).Error; err != nil {
		return fmt.Errorf("failed to store file record: %w", err)
	}
	return nil
}

// GetFile retrieves attachment metadata by id.
func (s *Store) GetFile(ctx context.Context, id string) (*model.FileRecord, error) {
	var row fileRow
	if err := s.db.WithContext(ctx).First(&row, "id = ?", id).Error; err != nil {
		return nil, notFound(err, "file")
	}
	f := row.model()
	return &f, nil
}
