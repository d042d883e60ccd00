// Package chat implements the reply orchestration pipeline: guardrail
// interception, the tiered fallback chain, memory extraction dispatch and
// the streaming event protocol.
package chat

import (
	"context"
	"errors"
	"iter"

	"github.com/ashureev/acgn-assistant/internal/domain"
	"github.com/ashureev/acgn-assistant/internal/llm"
)

var (
	// ErrConversationNotFound means the conversation does not exist or is deleted.
	ErrConversationNotFound = errors.New("conversation not found")
	// ErrForbidden means the conversation belongs to another user.
	ErrForbidden = errors.New("conversation belongs to another user")
)

// RefusalMessage is the fixed policy reply for guardrail-blocked requests.
// It is a constant on purpose: the refusal must never depend on an external
// model call succeeding.
const RefusalMessage = "我不能提供盗版下载、破解、激活码或绕过付费的内容。\n\n" +
	"如果你愿意，我可以帮你：介绍作品信息（不剧透）、解释术语、推荐同类作品，或指引正规购买渠道方向。\n" +
	"你想了解哪一部作品？"

// ReplyRequest carries one inbound turn through the pipeline. It is built
// once per request and not mutated afterwards.
type ReplyRequest struct {
	ConversationID string
	UserID         string
	Text           string
	History        []llm.Turn
	DeepThink      bool
}

// ReplyResult is the single outcome of one ReplyRequest.
type ReplyResult struct {
	Text    string
	Source  domain.ReplySource // unset when Blocked
	Blocked bool
	Usage   *llm.Usage
}

// Generator is the outbound completion surface the chain depends on.
// *llm.Client satisfies it; tests substitute fakes.
type Generator interface {
	Complete(ctx context.Context, system string, turns []llm.Turn, deepThink bool) (string, *llm.Usage, error)
	Stream(ctx context.Context, system string, turns []llm.Turn, deepThink bool) iter.Seq2[string, error]
}

// AgentRunner is the higher-level reasoning tier. Any failure makes the
// chain move on to the single-turn tier; it is never retried in place.
type AgentRunner interface {
	Run(ctx context.Context, req ReplyRequest, memoryCtx string) (string, error)
}

// EventKind tags one streaming protocol event.
type EventKind string

const (
	// EventMeta opens every stream, before any token is available.
	EventMeta EventKind = "meta"
	// EventDelta carries one incremental content chunk.
	EventDelta EventKind = "delta"
	// EventDone terminates a successful stream with the full reply.
	EventDone EventKind = "done"
	// EventError terminates a stream whose delivery pipeline broke after Meta.
	EventError EventKind = "error"
)

// StreamEvent is one unit of the ordered push protocol. Exactly one Meta
// event comes first, zero or more Delta events follow in emission order, and
// exactly one of Done or Error is last.
type StreamEvent struct {
	Kind  EventKind
	Meta  *MetaPayload
	Delta string
	Done  *DonePayload
	Err   string
}

// MetaPayload identifies the request a stream belongs to.
type MetaPayload struct {
	ConversationID string `json:"conversation_id"`
	UserMessageID  string `json:"user_message_id"`
	Model          string `json:"model"`
	DeepThink      bool   `json:"deep_think"`
}

// DonePayload closes a successful stream.
type DonePayload struct {
	AssistantMessageID string             `json:"assistant_message_id"`
	Content            string             `json:"assistant_content"`
	Source             domain.ReplySource `json:"source,omitempty"`
	Blocked            bool               `json:"blocked,omitempty"`
	DurationMs         int64              `json:"duration_ms"`
}
