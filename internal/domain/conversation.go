package domain

import (
	"time"
)

// Message roles.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// ReplySource records which reply-generation tier produced an assistant message.
type ReplySource string

const (
	// SourceAgent means the agent reasoning tier produced the reply.
	SourceAgent ReplySource = "agent"
	// SourceLLMSingleTurn means a single non-agentic completion produced the reply.
	SourceLLMSingleTurn ReplySource = "llm_single_turn"
	// SourceRuleFallback means the deterministic rule tier produced the reply.
	SourceRuleFallback ReplySource = "rule_fallback"
)

// Conversation is a chat thread owned by one user.
type Conversation struct {
	ID        string     `json:"id"`
	UserID    string     `json:"user_id"`
	Title     string     `json:"title,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
	DeletedAt *time.Time `json:"deleted_at,omitempty"`
}

// Message is one turn inside a conversation. Assistant messages carry the
// source tag of the tier that produced them; user messages carry the
// guardrail result for that turn.
type Message struct {
	ID             string      `json:"id"`
	ConversationID string      `json:"conversation_id"`
	Role           string      `json:"role"`
	Content        string      `json:"content"`
	Source         ReplySource `json:"source,omitempty"`
	Blocked        bool        `json:"blocked,omitempty"`
	CreatedAt      time.Time   `json:"created_at"`
	DeletedAt      *time.Time  `json:"deleted_at,omitempty"`
}
