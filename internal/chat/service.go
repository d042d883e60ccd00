package chat

import (
	"context"
	"fmt"
	"iter"
	"log/slog"
	"time"

	"github.com/ashureev/acgn-assistant/internal/domain"
	"github.com/ashureev/acgn-assistant/internal/llm"
	"github.com/ashureev/acgn-assistant/internal/memory"
	"github.com/ashureev/acgn-assistant/internal/store"
	"github.com/google/uuid"
)

// Service ties the orchestrator to persistence and memory extraction. It owns
// the ordering contract: messages are appended only after the reply is
// finalized, and memory drafts are dispatched only for non-blocked turns.
type Service struct {
	repo         store.Repository
	orchestrator *Orchestrator
	writer       *memory.Writer
	logger       *slog.Logger
	historyTurns int
	modelName    func(deepThink bool) string
	now          func() time.Time
	newID        func() string
}

// NewService creates the chat service.
func NewService(repo store.Repository, orchestrator *Orchestrator, writer *memory.Writer, historyTurns int, modelName func(bool) string, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	if historyTurns <= 0 {
		historyTurns = 20
	}
	if modelName == nil {
		modelName = func(bool) string { return "" }
	}
	return &Service{
		repo:         repo,
		orchestrator: orchestrator,
		writer:       writer,
		logger:       logger,
		historyTurns: historyTurns,
		modelName:    modelName,
		now:          time.Now,
		newID:        func() string { return uuid.NewString() },
	}
}

// SendMessageInput is one synchronous chat turn.
type SendMessageInput struct {
	ConversationID string
	UserID         string
	Text           string
	DeepThink      bool
}

// SendMessageOutput carries the persisted turn pair plus the reply outcome.
type SendMessageOutput struct {
	UserMessage      *domain.Message
	AssistantMessage *domain.Message
	Result           ReplyResult
}

// SendMessage runs the full pipeline synchronously.
func (s *Service) SendMessage(ctx context.Context, in SendMessageInput) (*SendMessageOutput, error) {
	req, err := s.buildRequest(ctx, in)
	if err != nil {
		return nil, err
	}

	result := s.orchestrator.Reply(ctx, req)

	userMsg, assistantMsg, err := s.finalize(ctx, req, result)
	if err != nil {
		return nil, err
	}

	s.dispatchMemory(ctx, req, result)

	return &SendMessageOutput{
		UserMessage:      userMsg,
		AssistantMessage: assistantMsg,
		Result:           result,
	}, nil
}

// StreamMessage runs the pipeline in streaming mode. Failures before the
// stream opens are returned as plain errors; once the sequence starts the
// StreamEvent ordering holds: Meta first, Deltas in order, exactly one
// terminal event. A consumer that stops iterating halts emission with no
// terminal event, and nothing is persisted.
func (s *Service) StreamMessage(ctx context.Context, in SendMessageInput) (iter.Seq[StreamEvent], error) {
	req, err := s.buildRequest(ctx, in)
	if err != nil {
		return nil, err
	}

	return func(yield func(StreamEvent) bool) {
		start := s.now()
		userMessageID := s.newID()

		if !yield(StreamEvent{Kind: EventMeta, Meta: &MetaPayload{
			ConversationID: req.ConversationID,
			UserMessageID:  userMessageID,
			Model:          s.modelName(req.DeepThink),
			DeepThink:      req.DeepThink,
		}}) {
			return
		}

		consumerGone := false
		result, completed := s.orchestrator.run(ctx, req, func(chunk string) bool {
			if !yield(StreamEvent{Kind: EventDelta, Delta: chunk}) {
				consumerGone = true
				return false
			}
			return true
		})
		if !completed {
			if consumerGone {
				return // no terminal event for a consumer that went away
			}
			// The chain cannot abort for any other reason; treat it as a
			// delivery failure so the stream always terminates explicitly.
			yield(StreamEvent{Kind: EventError, Err: "reply generation aborted"})
			return
		}

		_, assistantMsg, err := s.finalizeWithIDs(ctx, req, result, userMessageID)
		if err != nil {
			s.logger.Error("failed to persist streamed turn", "conversation_id", req.ConversationID, "error", err)
			yield(StreamEvent{Kind: EventError, Err: "failed to persist reply"})
			return
		}

		s.dispatchMemory(ctx, req, result)

		yield(StreamEvent{Kind: EventDone, Done: &DonePayload{
			AssistantMessageID: assistantMsg.ID,
			Content:            result.Text,
			Source:             result.Source,
			Blocked:            result.Blocked,
			DurationMs:         s.now().Sub(start).Milliseconds(),
		}})
	}, nil
}

// buildRequest validates ownership and assembles the immutable ReplyRequest.
func (s *Service) buildRequest(ctx context.Context, in SendMessageInput) (ReplyRequest, error) {
	convo, err := s.repo.GetConversation(ctx, in.ConversationID)
	if err != nil {
		return ReplyRequest{}, fmt.Errorf("load conversation: %w", err)
	}
	if convo == nil {
		return ReplyRequest{}, ErrConversationNotFound
	}
	if convo.UserID != in.UserID {
		return ReplyRequest{}, ErrForbidden
	}

	history, err := s.repo.ListMessages(ctx, in.ConversationID, s.historyTurns)
	if err != nil {
		return ReplyRequest{}, fmt.Errorf("load history: %w", err)
	}

	turns := make([]llm.Turn, 0, len(history))
	for _, msg := range history {
		if msg.Blocked {
			continue // blocked turns carry no useful context
		}
		turns = append(turns, llm.Turn{Role: msg.Role, Content: msg.Content})
	}

	return ReplyRequest{
		ConversationID: in.ConversationID,
		UserID:         in.UserID,
		Text:           in.Text,
		History:        turns,
		DeepThink:      in.DeepThink,
	}, nil
}

// finalize appends the user and assistant messages after the reply decision.
func (s *Service) finalize(ctx context.Context, req ReplyRequest, result ReplyResult) (*domain.Message, *domain.Message, error) {
	return s.finalizeWithIDs(ctx, req, result, s.newID())
}

func (s *Service) finalizeWithIDs(ctx context.Context, req ReplyRequest, result ReplyResult, userMessageID string) (*domain.Message, *domain.Message, error) {
	now := s.now()

	userMsg := &domain.Message{
		ID:             userMessageID,
		ConversationID: req.ConversationID,
		Role:           domain.RoleUser,
		Content:        req.Text,
		Blocked:        result.Blocked,
		CreatedAt:      now,
	}
	if err := s.repo.AppendMessage(ctx, userMsg); err != nil {
		return nil, nil, fmt.Errorf("append user message: %w", err)
	}

	assistantMsg := &domain.Message{
		ID:             s.newID(),
		ConversationID: req.ConversationID,
		Role:           domain.RoleAssistant,
		Content:        result.Text,
		Source:         result.Source,
		Blocked:        result.Blocked,
		CreatedAt:      now.Add(time.Millisecond), // keep list order stable
	}
	if err := s.repo.AppendMessage(ctx, assistantMsg); err != nil {
		return nil, nil, fmt.Errorf("append assistant message: %w", err)
	}

	if err := s.repo.TouchConversation(ctx, req.ConversationID, now); err != nil {
		s.logger.Warn("failed to touch conversation", "conversation_id", req.ConversationID, "error", err)
	}

	return userMsg, assistantMsg, nil
}

// dispatchMemory fires the extraction task for non-blocked turns only.
func (s *Service) dispatchMemory(ctx context.Context, req ReplyRequest, result ReplyResult) {
	if result.Blocked {
		return
	}
	s.writer.Dispatch(ctx, req.UserID, req.Text)
}

// CreateConversation starts a new conversation for the user.
func (s *Service) CreateConversation(ctx context.Context, userID, title string) (*domain.Conversation, error) {
	now := s.now()
	convo := &domain.Conversation{
		ID:        s.newID(),
		UserID:    userID,
		Title:     title,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.repo.CreateConversation(ctx, convo); err != nil {
		return nil, err
	}
	return convo, nil
}

// ListConversations returns the user's conversations, newest first.
func (s *Service) ListConversations(ctx context.Context, userID string) ([]*domain.Conversation, error) {
	return s.repo.ListConversations(ctx, userID)
}

// ListMessages returns a conversation's messages after an ownership check.
func (s *Service) ListMessages(ctx context.Context, userID, conversationID string) ([]*domain.Message, error) {
	convo, err := s.repo.GetConversation(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	if convo == nil {
		return nil, ErrConversationNotFound
	}
	if convo.UserID != userID {
		return nil, ErrForbidden
	}
	return s.repo.ListMessages(ctx, conversationID, 0)
}

// DeleteConversation soft-deletes a conversation after an ownership check.
func (s *Service) DeleteConversation(ctx context.Context, userID, conversationID string) error {
	convo, err := s.repo.GetConversation(ctx, conversationID)
	if err != nil {
		return err
	}
	if convo == nil {
		return ErrConversationNotFound
	}
	if convo.UserID != userID {
		return ErrForbidden
	}
	return s.repo.SoftDeleteConversation(ctx, conversationID, s.now())
}
