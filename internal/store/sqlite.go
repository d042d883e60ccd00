package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/ashureev/acgn-assistant/internal/domain"
	"github.com/ashureev/acgn-assistant/internal/shared"
	_ "modernc.org/sqlite"
)

// SQLiteStore implements Repository using SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite creates a new SQLite-backed repository.
func NewSQLite(dbPath string) (Repository, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	// Open database with WAL mode for better concurrency.
	dsn := dbPath + "?_journal=WAL&_sync=NORMAL&_busy_timeout=5000"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping database: %w", err)
	}

	store := &SQLiteStore{db: db}
	if err := store.initSchema(); err != nil {
		return nil, fmt.Errorf("initialize schema: %w", err)
	}

	return store, nil
}

func (s *SQLiteStore) initSchema() error {
	query := `
	PRAGMA busy_timeout = 5000;
	CREATE TABLE IF NOT EXISTS users (
		user_id TEXT PRIMARY KEY,
		username TEXT NOT NULL,
		last_seen_at INTEGER NOT NULL,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS conversations (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		title TEXT,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL,
		deleted_at INTEGER
	);
	CREATE INDEX IF NOT EXISTS idx_conversations_user ON conversations(user_id, created_at DESC);

	CREATE TABLE IF NOT EXISTS messages (
		id TEXT PRIMARY KEY,
		conversation_id TEXT NOT NULL,
		role TEXT NOT NULL,
		content TEXT NOT NULL,
		source TEXT,
		blocked INTEGER NOT NULL DEFAULT 0,
		created_at INTEGER NOT NULL,
		deleted_at INTEGER
	);
	CREATE INDEX IF NOT EXISTS idx_messages_conversation ON messages(conversation_id, created_at);

	CREATE TABLE IF NOT EXISTS memory_items (
		user_id TEXT NOT NULL,
		category TEXT NOT NULL,
		title TEXT NOT NULL,
		content TEXT NOT NULL,
		confidence REAL,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL,
		PRIMARY KEY (user_id, category, title)
	);
	CREATE INDEX IF NOT EXISTS idx_memory_items_updated ON memory_items(user_id, updated_at DESC);
	`
	if _, err := s.db.Exec(query); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

// Ping verifies database connectivity.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// GetUser retrieves a user by their user ID.
func (s *SQLiteStore) GetUser(ctx context.Context, userID string) (*domain.User, error) {
	query := `
		SELECT user_id, username, last_seen_at, created_at, updated_at
		FROM users WHERE user_id = ?`

	row := s.db.QueryRowContext(ctx, query, userID)

	var user domain.User
	var lastSeen, createdAt, updatedAt int64

	err := row.Scan(&user.UserID, &user.Username, &lastSeen, &createdAt, &updatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan user row: %w", err)
	}

	user.LastSeenAt = time.Unix(lastSeen, 0)
	user.CreatedAt = time.Unix(createdAt, 0)
	user.UpdatedAt = time.Unix(updatedAt, 0)

	return &user, nil
}

// UpsertUser creates or updates a user record.
func (s *SQLiteStore) UpsertUser(ctx context.Context, user *domain.User) error {
	query := `
	INSERT INTO users (user_id, username, last_seen_at, created_at, updated_at)
	VALUES (?, ?, ?, ?, ?)
	ON CONFLICT(user_id) DO UPDATE SET
		username = excluded.username,
		last_seen_at = excluded.last_seen_at,
		updated_at = excluded.updated_at`

	_, err := s.db.ExecContext(ctx, query,
		user.UserID, user.Username,
		user.LastSeenAt.Unix(), user.CreatedAt.Unix(), user.UpdatedAt.Unix(),
	)
	if err != nil {
		return fmt.Errorf("upsert user: %w", err)
	}
	return nil
}

// UpdateLastSeen updates the last_seen_at timestamp for a user.
func (s *SQLiteStore) UpdateLastSeen(ctx context.Context, userID string, lastSeen time.Time) error {
	query := `UPDATE users SET last_seen_at = ?, updated_at = ? WHERE user_id = ?`
	result, err := s.db.ExecContext(ctx, query, lastSeen.Unix(), time.Now().Unix(), userID)
	if err != nil {
		return fmt.Errorf("update last_seen: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("get rows affected: %w", err)
	}
	if rows == 0 {
		slog.Warn("UpdateLastSeen affected 0 rows", "user_id", userID)
	}

	return nil
}

// CreateConversation creates a new conversation.
func (s *SQLiteStore) CreateConversation(ctx context.Context, convo *domain.Conversation) error {
	query := `
	INSERT INTO conversations (id, user_id, title, created_at, updated_at)
	VALUES (?, ?, ?, ?, ?)`

	var title interface{}
	if convo.Title != "" {
		title = convo.Title
	}

	_, err := s.db.ExecContext(ctx, query,
		convo.ID, convo.UserID, title,
		convo.CreatedAt.Unix(), convo.UpdatedAt.Unix(),
	)
	if err != nil {
		return fmt.Errorf("create conversation: %w", err)
	}
	return nil
}

// GetConversation retrieves a non-deleted conversation by ID.
func (s *SQLiteStore) GetConversation(ctx context.Context, conversationID string) (*domain.Conversation, error) {
	query := `
		SELECT id, user_id, title, created_at, updated_at
		FROM conversations WHERE id = ? AND deleted_at IS NULL`

	row := s.db.QueryRowContext(ctx, query, conversationID)
	convo, err := scanConversation(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan conversation row: %w", err)
	}
	return convo, nil
}

// ListConversations returns the user's non-deleted conversations, newest first.
func (s *SQLiteStore) ListConversations(ctx context.Context, userID string) ([]*domain.Conversation, error) {
	query := `
		SELECT id, user_id, title, created_at, updated_at
		FROM conversations
		WHERE user_id = ? AND deleted_at IS NULL
		ORDER BY created_at DESC`

	rows, err := s.db.QueryContext(ctx, query, userID)
	if err != nil {
		return nil, fmt.Errorf("query conversations: %w", err)
	}
	defer closeRows(rows, "conversations")

	var convos []*domain.Conversation
	for rows.Next() {
		convo, err := scanConversation(rows)
		if err != nil {
			return nil, fmt.Errorf("scan conversation row: %w", err)
		}
		convos = append(convos, convo)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate conversations: %w", err)
	}
	return convos, nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanConversation(row rowScanner) (*domain.Conversation, error) {
	var convo domain.Conversation
	var title sql.NullString
	var createdAt, updatedAt int64

	if err := row.Scan(&convo.ID, &convo.UserID, &title, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	convo.Title = title.String
	convo.CreatedAt = time.Unix(createdAt, 0)
	convo.UpdatedAt = time.Unix(updatedAt, 0)
	return &convo, nil
}

// TouchConversation bumps a conversation's updated_at timestamp.
func (s *SQLiteStore) TouchConversation(ctx context.Context, conversationID string, updatedAt time.Time) error {
	query := `UPDATE conversations SET updated_at = ? WHERE id = ? AND deleted_at IS NULL`
	if _, err := s.db.ExecContext(ctx, query, updatedAt.Unix(), conversationID); err != nil {
		return fmt.Errorf("touch conversation: %w", err)
	}
	return nil
}

// SoftDeleteConversation marks a conversation as deleted.
func (s *SQLiteStore) SoftDeleteConversation(ctx context.Context, conversationID string, deletedAt time.Time) error {
	query := `UPDATE conversations SET deleted_at = ?, updated_at = ? WHERE id = ? AND deleted_at IS NULL`
	result, err := s.db.ExecContext(ctx, query, deletedAt.Unix(), deletedAt.Unix(), conversationID)
	if err != nil {
		return fmt.Errorf("soft delete conversation: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("get rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("conversation not found")
	}
	return nil
}

// PurgeDeletedConversations removes soft-deleted conversations and their
// messages past the retention cutoff.
func (s *SQLiteStore) PurgeDeletedConversations(ctx context.Context, cutoff time.Time) (int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin purge tx: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	threshold := cutoff.Unix()
	if _, err := tx.ExecContext(ctx, `
		DELETE FROM messages WHERE conversation_id IN (
			SELECT id FROM conversations WHERE deleted_at IS NOT NULL AND deleted_at < ?
		)`, threshold); err != nil {
		return 0, fmt.Errorf("purge messages: %w", err)
	}

	result, err := tx.ExecContext(ctx,
		`DELETE FROM conversations WHERE deleted_at IS NOT NULL AND deleted_at < ?`, threshold)
	if err != nil {
		return 0, fmt.Errorf("purge conversations: %w", err)
	}
	purged, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("get rows affected: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit purge tx: %w", err)
	}
	return purged, nil
}

// AppendMessage appends a message to a conversation.
func (s *SQLiteStore) AppendMessage(ctx context.Context, msg *domain.Message) error {
	query := `
	INSERT INTO messages (id, conversation_id, role, content, source, blocked, created_at)
	VALUES (?, ?, ?, ?, ?, ?, ?)`

	var source interface{}
	if msg.Source != "" {
		source = string(msg.Source)
	}

	_, err := s.db.ExecContext(ctx, query,
		msg.ID, msg.ConversationID, msg.Role, msg.Content,
		source, msg.Blocked, msg.CreatedAt.Unix(),
	)
	if err != nil {
		return fmt.Errorf("append message: %w", err)
	}
	return nil
}

// ListMessages returns a conversation's non-deleted messages, oldest first.
func (s *SQLiteStore) ListMessages(ctx context.Context, conversationID string, limit int) ([]*domain.Message, error) {
	query := `
		SELECT id, conversation_id, role, content, source, blocked, created_at
		FROM messages
		WHERE conversation_id = ? AND deleted_at IS NULL
		ORDER BY created_at ASC, rowid ASC`
	args := []interface{}{conversationID}
	if limit > 0 {
		// Take the most recent N while preserving ascending order.
		query = `
		SELECT id, conversation_id, role, content, source, blocked, created_at FROM (
			SELECT id, conversation_id, role, content, source, blocked, created_at, rowid AS rid
			FROM messages
			WHERE conversation_id = ? AND deleted_at IS NULL
			ORDER BY created_at DESC, rid DESC
			LIMIT ?
		) ORDER BY created_at ASC, rid ASC`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query messages: %w", err)
	}
	defer closeRows(rows, "messages")

	var msgs []*domain.Message
	for rows.Next() {
		var msg domain.Message
		var source sql.NullString
		var blocked int
		var createdAt int64

		if err := rows.Scan(&msg.ID, &msg.ConversationID, &msg.Role, &msg.Content,
			&source, &blocked, &createdAt); err != nil {
			return nil, fmt.Errorf("scan message row: %w", err)
		}
		msg.Source = domain.ReplySource(source.String)
		msg.Blocked = blocked != 0
		msg.CreatedAt = time.Unix(createdAt, 0)
		msgs = append(msgs, &msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate messages: %w", err)
	}
	return msgs, nil
}

// UpsertMemories writes a batch of memory items in one transaction. The whole
// batch either commits or rolls back; a SQLITE_BUSY conflict is retried once.
func (s *SQLiteStore) UpsertMemories(ctx context.Context, items []*domain.MemoryItem) (int64, error) {
	if len(items) == 0 {
		return 0, nil
	}

	written, err := s.upsertMemoriesOnce(ctx, items)
	if err != nil && shared.IsSQLiteConflictError(err) {
		slog.Debug("UpsertMemories hit SQLITE_BUSY, retrying once", "items", len(items))
		time.Sleep(100 * time.Millisecond)
		written, err = s.upsertMemoriesOnce(ctx, items)
	}
	if err != nil {
		return 0, err
	}
	return written, nil
}

func (s *SQLiteStore) upsertMemoriesOnce(ctx context.Context, items []*domain.MemoryItem) (int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin memory tx: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	query := `
	INSERT INTO memory_items (user_id, category, title, content, confidence, created_at, updated_at)
	VALUES (?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(user_id, category, title) DO UPDATE SET
		content = excluded.content,
		confidence = excluded.confidence,
		updated_at = excluded.updated_at`

	var written int64
	for _, item := range items {
		var confidence interface{}
		if item.Confidence > 0 {
			confidence = item.Confidence
		}
		if _, err := tx.ExecContext(ctx, query,
			item.UserID, string(item.Category), item.Title, item.Content,
			confidence, item.CreatedAt.Unix(), item.UpdatedAt.Unix(),
		); err != nil {
			return 0, fmt.Errorf("upsert memory item: %w", err)
		}
		written++
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit memory tx: %w", err)
	}
	return written, nil
}

// ListMemories returns the user's most recently updated memory items.
func (s *SQLiteStore) ListMemories(ctx context.Context, userID string, limit int) ([]*domain.MemoryItem, error) {
	if limit <= 0 {
		limit = 5
	}
	query := `
		SELECT user_id, category, title, content, confidence, created_at, updated_at
		FROM memory_items
		WHERE user_id = ?
		ORDER BY updated_at DESC
		LIMIT ?`

	rows, err := s.db.QueryContext(ctx, query, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("query memory items: %w", err)
	}
	defer closeRows(rows, "memory items")

	var items []*domain.MemoryItem
	for rows.Next() {
		var item domain.MemoryItem
		var category string
		var confidence sql.NullFloat64
		var createdAt, updatedAt int64

		if err := rows.Scan(&item.UserID, &category, &item.Title, &item.Content,
			&confidence, &createdAt, &updatedAt); err != nil {
			return nil, fmt.Errorf("scan memory row: %w", err)
		}
		item.Category = domain.MemoryCategory(category)
		item.Confidence = confidence.Float64
		item.CreatedAt = time.Unix(createdAt, 0)
		item.UpdatedAt = time.Unix(updatedAt, 0)
		items = append(items, &item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate memory items: %w", err)
	}
	return items, nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("close database: %w", err)
	}
	return nil
}

func closeRows(rows *sql.Rows, what string) {
	if err := rows.Close(); err != nil {
		slog.Warn("failed to close rows", "what", what, "error", err)
	}
}
