package memory

import (
	"context"
	"log/slog"
	"time"

	"github.com/ashureev/acgn-assistant/internal/domain"
)

// Store is the persistence surface the writer needs.
type Store interface {
	UpsertMemories(ctx context.Context, items []*domain.MemoryItem) (int64, error)
	ListMemories(ctx context.Context, userID string, limit int) ([]*domain.MemoryItem, error)
}

// Writer persists extracted drafts. It is strictly best-effort: failures are
// logged and swallowed so the reply path is never blocked.
type Writer struct {
	store   Store
	logger  *slog.Logger
	timeout time.Duration
	now     func() time.Time
}

// NewWriter creates a writer over the given store.
func NewWriter(store Store, logger *slog.Logger) *Writer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Writer{
		store:   store,
		logger:  logger,
		timeout: 5 * time.Second,
		now:     time.Now,
	}
}

// Write upserts the drafts for a user and returns the number written.
// The store commits the batch atomically and retries a lock conflict once;
// past that the batch is dropped here with a logged warning.
func (w *Writer) Write(ctx context.Context, userID string, drafts []Draft) int64 {
	if len(drafts) == 0 {
		return 0
	}

	now := w.now()
	items := make([]*domain.MemoryItem, 0, len(drafts))
	for _, d := range drafts {
		if d.Title == "" || d.Content == "" {
			continue
		}
		items = append(items, &domain.MemoryItem{
			UserID:     userID,
			Category:   d.Category,
			Title:      NormalizeTitle(d.Title),
			Content:    d.Content,
			Confidence: d.Confidence,
			CreatedAt:  now,
			UpdatedAt:  now,
		})
	}
	if len(items) == 0 {
		return 0
	}

	ctx, cancel := context.WithTimeout(ctx, w.timeout)
	defer cancel()

	written, err := w.store.UpsertMemories(ctx, items)
	if err != nil {
		w.logger.Warn("memory batch dropped", "user_id", userID, "drafts", len(items), "error", err)
		return 0
	}
	return written
}

// Dispatch extracts drafts from the turn and writes them on a detached
// goroutine, joined only for logging. Callers invoke it after the reply is
// finalized; a turn that never finalized never reaches this point.
func (w *Writer) Dispatch(ctx context.Context, userID, userText string) {
	drafts := ExtractDrafts(userText)
	if len(drafts) == 0 {
		return
	}

	// Detach from request cancellation: the reply already finalized, so the
	// write should survive the client connection going away.
	bgCtx := context.WithoutCancel(ctx)
	go func() {
		written := w.Write(bgCtx, userID, drafts)
		if written > 0 {
			w.logger.Debug("memory drafts written", "user_id", userID, "written", written)
		}
	}()
}
