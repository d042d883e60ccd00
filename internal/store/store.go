// Package store provides data persistence interfaces and implementations.
package store

import (
	"context"
	"time"

	"github.com/ashureev/acgn-assistant/internal/domain"
)

// Repository defines the interface for persisting users, conversations,
// messages and user memory.
type Repository interface {
	// GetUser retrieves a user by their user ID.
	GetUser(ctx context.Context, userID string) (*domain.User, error)

	// UpsertUser creates or updates a user record.
	UpsertUser(ctx context.Context, user *domain.User) error

	// UpdateLastSeen updates the last_seen_at timestamp for a user.
	UpdateLastSeen(ctx context.Context, userID string, lastSeen time.Time) error

	// CreateConversation creates a new conversation.
	CreateConversation(ctx context.Context, convo *domain.Conversation) error

	// GetConversation retrieves a non-deleted conversation by ID.
	GetConversation(ctx context.Context, conversationID string) (*domain.Conversation, error)

	// ListConversations returns the user's non-deleted conversations, newest first.
	ListConversations(ctx context.Context, userID string) ([]*domain.Conversation, error)

	// TouchConversation bumps a conversation's updated_at timestamp.
	TouchConversation(ctx context.Context, conversationID string, updatedAt time.Time) error

	// SoftDeleteConversation marks a conversation as deleted.
	SoftDeleteConversation(ctx context.Context, conversationID string, deletedAt time.Time) error

	// PurgeDeletedConversations removes soft-deleted conversations (and their
	// messages) whose deletion is older than the cutoff. Returns rows removed.
	PurgeDeletedConversations(ctx context.Context, cutoff time.Time) (int64, error)

	// AppendMessage appends a message to a conversation. Messages are
	// append-only; assistant messages must already carry their source tag.
	AppendMessage(ctx context.Context, msg *domain.Message) error

	// ListMessages returns a conversation's non-deleted messages, oldest first.
	ListMessages(ctx context.Context, conversationID string, limit int) ([]*domain.Message, error)

	// UpsertMemories writes a batch of memory items atomically. For an
	// existing (user_id, category, title) key the content, confidence and
	// updated_at are replaced instead of inserting a duplicate.
	UpsertMemories(ctx context.Context, items []*domain.MemoryItem) (int64, error)

	// ListMemories returns the user's most recently updated memory items.
	ListMemories(ctx context.Context, userID string, limit int) ([]*domain.MemoryItem, error)

	// Ping verifies database connectivity.
	Ping(ctx context.Context) error

	// Close closes the database connection.
	Close() error
}
