package chat

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/ashureev/acgn-assistant/internal/api"
	"github.com/ashureev/acgn-assistant/internal/config"
	"github.com/ashureev/acgn-assistant/internal/identity"
	"github.com/go-chi/chi/v5"
)

// defaultMaxRequestBodySize is the default maximum allowed request body size (1MB).
const defaultMaxRequestBodySize = 1 << 20 // 1MB

// Handler exposes the chat pipeline over HTTP.
type Handler struct {
	svc    *Service
	cfg    *config.Config
	logger *slog.Logger
}

// NewHandler creates the chat HTTP handler.
func NewHandler(svc *Service, cfg *config.Config, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{svc: svc, cfg: cfg, logger: logger}
}

// RegisterRoutes registers conversation and message routes (requires identity).
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Route("/api/conversations", func(r chi.Router) {
		r.Post("/", h.HandleCreateConversation)
		r.Get("/", h.HandleListConversations)
		r.Route("/{conversationID}", func(r chi.Router) {
			r.Delete("/", h.HandleDeleteConversation)
			r.Get("/messages", h.HandleListMessages)
			r.Post("/messages", h.HandleSendMessage)
			r.Post("/messages/stream", h.HandleStreamMessage)
		})
	})
}

type createConversationRequest struct {
	Title string `json:"title"`
}

type sendMessageRequest struct {
	Text      string `json:"text"`
	DeepThink bool   `json:"deep_think"`
}

type sendMessageResponse struct {
	UserMessageID      string `json:"user_message_id"`
	AssistantMessageID string `json:"assistant_message_id"`
	Content            string `json:"assistant_content"`
	Source             string `json:"source,omitempty"`
	Blocked            bool   `json:"blocked"`
}

// HandleCreateConversation handles POST /api/conversations.
func (h *Handler) HandleCreateConversation(w http.ResponseWriter, r *http.Request) {
	userID := identity.UserIDFromContext(r.Context())
	if userID == "" {
		api.Error(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	var req createConversationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		api.Error(w, http.StatusBadRequest, "invalid request body")
		return
	}
	title := strings.TrimSpace(req.Title)
	if title == "" {
		title = "新对话"
	}

	convo, err := h.svc.CreateConversation(r.Context(), userID, title)
	if err != nil {
		h.logger.Error("failed to create conversation", "user_id", userID, "error", err)
		api.Error(w, http.StatusInternalServerError, "failed to create conversation")
		return
	}
	api.JSON(w, http.StatusCreated, convo)
}

// HandleListConversations handles GET /api/conversations.
func (h *Handler) HandleListConversations(w http.ResponseWriter, r *http.Request) {
	userID := identity.UserIDFromContext(r.Context())
	if userID == "" {
		api.Error(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	convos, err := h.svc.ListConversations(r.Context(), userID)
	if err != nil {
		h.logger.Error("failed to list conversations", "user_id", userID, "error", err)
		api.Error(w, http.StatusInternalServerError, "failed to list conversations")
		return
	}
	api.JSON(w, http.StatusOK, map[string]any{"conversations": convos})
}

// HandleDeleteConversation handles DELETE /api/conversations/{conversationID}.
func (h *Handler) HandleDeleteConversation(w http.ResponseWriter, r *http.Request) {
	userID := identity.UserIDFromContext(r.Context())
	if userID == "" {
		api.Error(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	conversationID := chi.URLParam(r, "conversationID")

	if err := h.svc.DeleteConversation(r.Context(), userID, conversationID); err != nil {
		h.writeServiceError(w, userID, conversationID, err)
		return
	}
	api.JSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

// HandleListMessages handles GET /api/conversations/{conversationID}/messages.
func (h *Handler) HandleListMessages(w http.ResponseWriter, r *http.Request) {
	userID := identity.UserIDFromContext(r.Context())
	if userID == "" {
		api.Error(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	conversationID := chi.URLParam(r, "conversationID")

	messages, err := h.svc.ListMessages(r.Context(), userID, conversationID)
	if err != nil {
		h.writeServiceError(w, userID, conversationID, err)
		return
	}
	api.JSON(w, http.StatusOK, map[string]any{"messages": messages})
}

// HandleSendMessage handles POST /api/conversations/{conversationID}/messages.
// This is the synchronous path: the full reply comes back in one JSON body.
func (h *Handler) HandleSendMessage(w http.ResponseWriter, r *http.Request) {
	in, ok := h.decodeTurn(w, r)
	if !ok {
		return
	}
	h.logger.Info("chat message received",
		"user_id", in.UserID,
		"session_id", identity.SessionIDFromContext(r.Context()),
		"conversation_id", in.ConversationID,
		"deep_think", in.DeepThink,
		"message_length", len(in.Text),
	)

	out, err := h.svc.SendMessage(r.Context(), in)
	if err != nil {
		h.writeServiceError(w, in.UserID, in.ConversationID, err)
		return
	}

	api.JSON(w, http.StatusOK, sendMessageResponse{
		UserMessageID:      out.UserMessage.ID,
		AssistantMessageID: out.AssistantMessage.ID,
		Content:            out.Result.Text,
		Source:             string(out.Result.Source),
		Blocked:            out.Result.Blocked,
	})
}

// HandleStreamMessage handles POST /api/conversations/{conversationID}/messages/stream.
// Events go out as SSE in protocol order: meta, deltas, then done or error.
func (h *Handler) HandleStreamMessage(w http.ResponseWriter, r *http.Request) {
	in, ok := h.decodeTurn(w, r)
	if !ok {
		return
	}
	h.logger.Info("chat stream requested",
		"user_id", in.UserID,
		"session_id", identity.SessionIDFromContext(r.Context()),
		"conversation_id", in.ConversationID,
		"deep_think", in.DeepThink,
		"message_length", len(in.Text),
	)

	events, err := h.svc.StreamMessage(r.Context(), in)
	if err != nil {
		h.writeServiceError(w, in.UserID, in.ConversationID, err)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	flusher, ok := w.(http.Flusher)
	if !ok {
		api.Error(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	retryDelayMs := int64(5000)
	if h.cfg != nil {
		retryDelayMs = h.cfg.SSE.RetryDelay.Milliseconds()
	}
	if _, err := io.WriteString(w, fmt.Sprintf("retry: %d\n\n", retryDelayMs)); err != nil {
		h.logger.Warn("failed to write SSE retry header", "error", err, "user_id", in.UserID)
		return
	}
	flusher.Flush()

	// Cancelling the context stops the producer, which the service treats the
	// same as a consumer that stopped iterating: no persistence.
	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	eventCh := make(chan StreamEvent)
	go func() {
		defer close(eventCh)
		for ev := range events {
			select {
			case eventCh <- ev:
			case <-ctx.Done():
				return
			}
		}
	}()

	keepaliveInterval := 10 * time.Second
	if h.cfg != nil && h.cfg.SSE.KeepaliveInterval > 0 {
		keepaliveInterval = h.cfg.SSE.KeepaliveInterval
	}
	keepalive := time.NewTicker(keepaliveInterval)
	defer keepalive.Stop()

	for {
		select {
		case ev, open := <-eventCh:
			if !open {
				return
			}
			data, ok := marshalEvent(ev)
			if !ok {
				continue
			}
			if err := writeSSE(w, string(ev.Kind), string(data)); err != nil {
				h.logger.Warn("failed to write SSE event",
					"event", ev.Kind,
					"user_id", in.UserID,
					"error", err,
				)
				return
			}
			flusher.Flush()
		case <-keepalive.C:
			if err := writeSSE(w, "ping", `{"status":"alive"}`); err != nil {
				h.logger.Warn("failed to write SSE keepalive ping", "error", err, "user_id", in.UserID)
				return
			}
			flusher.Flush()
		case <-ctx.Done():
			return
		}
	}
}

// decodeTurn extracts and validates one inbound turn from the request.
func (h *Handler) decodeTurn(w http.ResponseWriter, r *http.Request) (SendMessageInput, bool) {
	userID := identity.UserIDFromContext(r.Context())
	if userID == "" {
		api.Error(w, http.StatusUnauthorized, "unauthorized")
		return SendMessageInput{}, false
	}
	conversationID := chi.URLParam(r, "conversationID")

	maxBodySize := int64(defaultMaxRequestBodySize)
	if h.cfg != nil && h.cfg.SSE.MaxRequestBodySize > 0 {
		maxBodySize = h.cfg.SSE.MaxRequestBodySize
	}
	r.Body = http.MaxBytesReader(w, r.Body, maxBodySize)

	var req sendMessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			api.Error(w, http.StatusRequestEntityTooLarge, "request body too large")
			return SendMessageInput{}, false
		}
		api.Error(w, http.StatusBadRequest, "invalid request body")
		return SendMessageInput{}, false
	}
	if strings.TrimSpace(req.Text) == "" {
		api.Error(w, http.StatusBadRequest, "text is required")
		return SendMessageInput{}, false
	}

	return SendMessageInput{
		ConversationID: conversationID,
		UserID:         userID,
		Text:           req.Text,
		DeepThink:      req.DeepThink,
	}, true
}

func (h *Handler) writeServiceError(w http.ResponseWriter, userID, conversationID string, err error) {
	switch {
	case errors.Is(err, ErrConversationNotFound):
		api.Error(w, http.StatusNotFound, "conversation not found")
	case errors.Is(err, ErrForbidden):
		api.Error(w, http.StatusForbidden, "conversation belongs to another user")
	default:
		h.logger.Error("chat request failed",
			"user_id", userID,
			"conversation_id", conversationID,
			"error", err,
		)
		api.Error(w, http.StatusInternalServerError, "internal error")
	}
}

// marshalEvent serializes the event's payload for the wire. Delta events wrap
// the chunk in a small object so clients parse every event the same way.
func marshalEvent(ev StreamEvent) ([]byte, bool) {
	var payload any
	switch ev.Kind {
	case EventMeta:
		payload = ev.Meta
	case EventDelta:
		payload = map[string]string{"content": ev.Delta}
	case EventDone:
		payload = ev.Done
	case EventError:
		payload = map[string]string{"error": ev.Err}
	default:
		return nil, false
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, false
	}
	return data, true
}

func writeSSE(w io.Writer, event, data string) error {
	_, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, data)
	return err
}
