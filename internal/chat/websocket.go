package chat

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/ashureev/acgn-assistant/internal/identity"
	"github.com/coder/websocket"
)

// WebSocketHandler carries the chat stream over a WebSocket connection. The
// event sequence is identical to the SSE path: one meta frame, delta frames
// in order, then exactly one done or error frame per turn. A single
// connection can carry many turns.
type WebSocketHandler struct {
	svc           *Service
	allowedOrigin string
	isDev         bool
	logger        *slog.Logger
}

// NewWebSocketHandler creates the WebSocket chat handler.
func NewWebSocketHandler(svc *Service, allowedOrigin string, isDev bool, logger *slog.Logger) *WebSocketHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &WebSocketHandler{
		svc:           svc,
		allowedOrigin: allowedOrigin,
		isDev:         isDev,
		logger:        logger,
	}
}

// wsTurnRequest is one inbound chat turn over the socket.
type wsTurnRequest struct {
	Type           string `json:"type"`
	ConversationID string `json:"conversation_id"`
	Text           string `json:"text"`
	DeepThink      bool   `json:"deep_think"`
}

// wsFrame is one outbound protocol frame.
type wsFrame struct {
	Type  string       `json:"type"`
	Meta  *MetaPayload `json:"meta,omitempty"`
	Delta string       `json:"delta,omitempty"`
	Done  *DonePayload `json:"done,omitempty"`
	Error string       `json:"error,omitempty"`
}

// ServeHTTP implements http.Handler for WebSocket upgrade.
func (h *WebSocketHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	userID := identity.UserIDFromContext(r.Context())
	sessionID := identity.SessionIDFromContext(r.Context())
	if userID == "" {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	h.logger.Info("WebSocket chat connection request", "user_id", userID, "session_id", sessionID, "ip", r.RemoteAddr)

	if !h.checkOrigin(r) {
		http.Error(w, "origin not allowed", http.StatusForbidden)
		return
	}

	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		h.logger.Error("failed to accept WebSocket", "error", err, "user_id", userID)
		return
	}
	defer func() {
		if closeErr := ws.Close(websocket.StatusNormalClosure, "session ended"); closeErr != nil {
			h.logger.Debug("failed to close websocket", "error", closeErr, "user_id", userID)
		}
	}()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	for {
		_, message, err := ws.Read(ctx)
		if err != nil {
			if websocket.CloseStatus(err) != -1 {
				h.logger.Debug("WebSocket closed by client", "user_id", userID)
			} else if !errors.Is(err, context.Canceled) {
				h.logger.Warn("WebSocket read error", "error", err, "user_id", userID)
			}
			return
		}

		var req wsTurnRequest
		if err := json.Unmarshal(message, &req); err != nil {
			if err := h.writeFrame(ctx, ws, wsFrame{Type: "error", Error: "invalid message"}); err != nil {
				return
			}
			continue
		}

		switch req.Type {
		case "ping":
			if err := h.writeFrame(ctx, ws, wsFrame{Type: "pong"}); err != nil {
				return
			}
		case "chat", "":
			if !h.serveTurn(ctx, ws, userID, req) {
				return
			}
		default:
			if err := h.writeFrame(ctx, ws, wsFrame{Type: "error", Error: "unknown message type"}); err != nil {
				return
			}
		}
	}
}

// serveTurn runs one chat turn and pushes its event sequence as frames. The
// false return means the socket is gone and the read loop should stop.
func (h *WebSocketHandler) serveTurn(ctx context.Context, ws *websocket.Conn, userID string, req wsTurnRequest) bool {
	if strings.TrimSpace(req.Text) == "" {
		return h.writeFrame(ctx, ws, wsFrame{Type: "error", Error: "text is required"}) == nil
	}

	events, err := h.svc.StreamMessage(ctx, SendMessageInput{
		ConversationID: req.ConversationID,
		UserID:         userID,
		Text:           req.Text,
		DeepThink:      req.DeepThink,
	})
	if err != nil {
		msg := "internal error"
		switch {
		case errors.Is(err, ErrConversationNotFound):
			msg = "conversation not found"
		case errors.Is(err, ErrForbidden):
			msg = "conversation belongs to another user"
		default:
			h.logger.Error("WebSocket chat turn failed", "user_id", userID, "error", err)
		}
		return h.writeFrame(ctx, ws, wsFrame{Type: "error", Error: msg}) == nil
	}

	socketGone := false
	for ev := range events {
		frame := wsFrame{Type: string(ev.Kind)}
		switch ev.Kind {
		case EventMeta:
			frame.Meta = ev.Meta
		case EventDelta:
			frame.Delta = ev.Delta
		case EventDone:
			frame.Done = ev.Done
		case EventError:
			frame.Error = ev.Err
		}
		if err := h.writeFrame(ctx, ws, frame); err != nil {
			socketGone = true
			break
		}
	}
	return !socketGone
}

func (h *WebSocketHandler) checkOrigin(r *http.Request) bool {
	if h.isDev {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" || h.allowedOrigin == "*" {
		return true
	}
	if origin == h.allowedOrigin {
		return true
	}
	h.logger.Warn("WebSocket origin rejected", "origin", origin, "allowed", h.allowedOrigin)
	return false
}

func (h *WebSocketHandler) writeFrame(ctx context.Context, ws *websocket.Conn, frame wsFrame) error {
	data, err := json.Marshal(frame)
	if err != nil {
		return err
	}
	if err := ws.Write(ctx, websocket.MessageText, data); err != nil {
		if !errors.Is(err, context.Canceled) {
			h.logger.Debug("WebSocket write error", "error", err)
		}
		return err
	}
	return nil
}
