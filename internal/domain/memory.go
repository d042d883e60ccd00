package domain

import (
	"time"
)

// MemoryCategory classifies a durable user-preference fact.
type MemoryCategory string

const (
	// MemoryPreference marks things the user likes.
	MemoryPreference MemoryCategory = "preference"
	// MemoryAvoidance marks things the user dislikes or wants filtered out.
	MemoryAvoidance MemoryCategory = "avoidance"
	// MemoryInterest marks titles or genres the user is currently after.
	MemoryInterest MemoryCategory = "interest"
)

// MemoryItem is one stored low-sensitivity fact about a user.
// Uniqueness is (UserID, Category, Title); upserts update in place.
type MemoryItem struct {
	UserID     string         `json:"user_id"`
	Category   MemoryCategory `json:"category"`
	Title      string         `json:"title"`
	Content    string         `json:"content"`
	Confidence float64        `json:"confidence,omitempty"`
	CreatedAt  time.Time      `json:"created_at"`
	UpdatedAt  time.Time      `json:"updated_at"`
}
