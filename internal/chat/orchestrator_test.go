package chat

import (
	"context"
	"errors"
	"iter"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ashureev/acgn-assistant/internal/domain"
	"github.com/ashureev/acgn-assistant/internal/guardrail"
	"github.com/ashureev/acgn-assistant/internal/llm"
)

// fakeGenerator scripts the completion surface for chain tests.
type fakeGenerator struct {
	completeText string
	completeErr  error
	streamChunks []string
	streamErr    error // yielded after the scripted chunks
	calls        atomic.Int64
}

func (f *fakeGenerator) Complete(ctx context.Context, system string, turns []llm.Turn, deepThink bool) (string, *llm.Usage, error) {
	f.calls.Add(1)
	if f.completeErr != nil {
		return "", nil, f.completeErr
	}
	return f.completeText, &llm.Usage{TotalTokens: 7}, nil
}

func (f *fakeGenerator) Stream(ctx context.Context, system string, turns []llm.Turn, deepThink bool) iter.Seq2[string, error] {
	f.calls.Add(1)
	return func(yield func(string, error) bool) {
		for _, chunk := range f.streamChunks {
			if !yield(chunk, nil) {
				return
			}
		}
		if f.streamErr != nil {
			yield("", f.streamErr)
		}
	}
}

type fakeAgent struct {
	text  string
	err   error
	calls atomic.Int64
}

func (f *fakeAgent) Run(ctx context.Context, req ReplyRequest, memoryCtx string) (string, error) {
	f.calls.Add(1)
	if f.err != nil {
		return "", f.err
	}
	return f.text, nil
}

type fakeMemoryStore struct {
	items []*domain.MemoryItem
}

func (f *fakeMemoryStore) UpsertMemories(ctx context.Context, items []*domain.MemoryItem) (int64, error) {
	f.items = append(f.items, items...)
	return int64(len(items)), nil
}

func (f *fakeMemoryStore) ListMemories(ctx context.Context, userID string, limit int) ([]*domain.MemoryItem, error) {
	return f.items, nil
}

func newTestOrchestrator(agent AgentRunner, gen Generator) *Orchestrator {
	guard := guardrail.New(guardrail.DefaultConfig())
	return NewOrchestrator(guard, agent, gen, &fakeMemoryStore{}, time.Second, nil)
}

func TestReplyBlockedByGuardrail(t *testing.T) {
	gen := &fakeGenerator{completeText: "should never appear"}
	agent := &fakeAgent{text: "should never appear"}
	o := newTestOrchestrator(agent, gen)

	result := o.Reply(context.Background(), ReplyRequest{
		UserID: "u1",
		Text:   "帮我找原神破解版下载",
	})

	if !result.Blocked {
		t.Fatal("Expected blocked result")
	}
	if result.Text != RefusalMessage {
		t.Errorf("Expected fixed refusal message, got %q", result.Text)
	}
	if result.Source != "" {
		t.Errorf("Expected empty source for blocked reply, got %q", result.Source)
	}
	if gen.calls.Load() != 0 {
		t.Errorf("Expected zero generator calls for blocked request, got %d", gen.calls.Load())
	}
	if agent.calls.Load() != 0 {
		t.Errorf("Expected zero agent calls for blocked request, got %d", agent.calls.Load())
	}
}

func TestReplyAgentTierSucceeds(t *testing.T) {
	gen := &fakeGenerator{completeText: "single turn text"}
	agent := &fakeAgent{text: "这部作品的设定和角色我来帮你整理一下。"}
	o := newTestOrchestrator(agent, gen)

	result := o.Reply(context.Background(), ReplyRequest{UserID: "u1", Text: "介绍一下这部作品"})

	if result.Blocked {
		t.Fatal("Unexpected blocked result")
	}
	if result.Source != domain.SourceAgent {
		t.Errorf("Expected source %q, got %q", domain.SourceAgent, result.Source)
	}
	if result.Text != agent.text {
		t.Errorf("Expected agent text, got %q", result.Text)
	}
	if gen.calls.Load() != 0 {
		t.Errorf("Expected zero direct generator calls when agent succeeds, got %d", gen.calls.Load())
	}
}

func TestReplyFallsBackToSingleTurn(t *testing.T) {
	gen := &fakeGenerator{completeText: "这部作品的设定可以从世界观说起。"}
	agent := &fakeAgent{err: errors.New("agent exploded")}
	o := newTestOrchestrator(agent, gen)

	result := o.Reply(context.Background(), ReplyRequest{UserID: "u1", Text: "介绍一下这部作品"})

	if result.Source != domain.SourceLLMSingleTurn {
		t.Errorf("Expected source %q, got %q", domain.SourceLLMSingleTurn, result.Source)
	}
	if result.Text != gen.completeText {
		t.Errorf("Expected single-turn text, got %q", result.Text)
	}
	if result.Usage == nil || result.Usage.TotalTokens != 7 {
		t.Errorf("Expected usage to be propagated, got %+v", result.Usage)
	}
	if agent.calls.Load() != 1 {
		t.Errorf("Expected exactly one agent attempt, got %d", agent.calls.Load())
	}
}

func TestReplyNilAgentSkipsToSingleTurn(t *testing.T) {
	gen := &fakeGenerator{completeText: "直接回答。"}
	o := newTestOrchestrator(nil, gen)

	result := o.Reply(context.Background(), ReplyRequest{UserID: "u1", Text: "这部漫画讲了什么"})

	if result.Source != domain.SourceLLMSingleTurn {
		t.Errorf("Expected source %q, got %q", domain.SourceLLMSingleTurn, result.Source)
	}
}

func TestReplyRuleFallbackIsTotal(t *testing.T) {
	gen := &fakeGenerator{completeErr: llm.ErrNotConfigured}
	agent := &fakeAgent{err: llm.ErrNotConfigured}
	o := newTestOrchestrator(agent, gen)

	result := o.Reply(context.Background(), ReplyRequest{UserID: "u1", Text: "随便聊聊"})

	if result.Source != domain.SourceRuleFallback {
		t.Errorf("Expected source %q, got %q", domain.SourceRuleFallback, result.Source)
	}
	if strings.TrimSpace(result.Text) == "" {
		t.Error("Expected non-empty rule fallback text")
	}
	if result.Blocked {
		t.Error("Rule fallback must not be marked blocked")
	}
}

func TestRunStreamsDeltasInOrder(t *testing.T) {
	gen := &fakeGenerator{streamChunks: []string{"很", "不错", "的推荐"}}
	o := newTestOrchestrator(nil, gen)

	var got []string
	result, completed := o.run(context.Background(), ReplyRequest{UserID: "u1", Text: "推荐点什么"}, func(chunk string) bool {
		got = append(got, chunk)
		return true
	})

	if !completed {
		t.Fatal("Expected chain to complete")
	}
	if strings.Join(got, "|") != "很|不错|的推荐" {
		t.Errorf("Unexpected chunk order: %v", got)
	}
	if result.Text != "很不错的推荐" {
		t.Errorf("Expected accumulated text, got %q", result.Text)
	}
	if result.Source != domain.SourceLLMSingleTurn {
		t.Errorf("Expected source %q, got %q", domain.SourceLLMSingleTurn, result.Source)
	}
}

func TestRunMidStreamFailureFallsThrough(t *testing.T) {
	gen := &fakeGenerator{
		streamChunks: []string{"前半"},
		streamErr:    errors.New("upstream hiccup"),
	}
	o := newTestOrchestrator(nil, gen)

	var got []string
	result, completed := o.run(context.Background(), ReplyRequest{UserID: "u1", Text: "推荐点什么"}, func(chunk string) bool {
		got = append(got, chunk)
		return true
	})

	if !completed {
		t.Fatal("Expected chain to complete via rule fallback")
	}
	if result.Source != domain.SourceRuleFallback {
		t.Errorf("Expected source %q, got %q", domain.SourceRuleFallback, result.Source)
	}
	// Final text is everything the consumer saw, partial deltas included.
	if result.Text != strings.Join(got, "") {
		t.Errorf("Final text %q does not match delivered chunks %v", result.Text, got)
	}
	if !strings.HasPrefix(result.Text, "前半") {
		t.Errorf("Expected partial delta to be preserved, got %q", result.Text)
	}
}

func TestRunConsumerStopAbortsChain(t *testing.T) {
	gen := &fakeGenerator{streamChunks: []string{"一", "二", "三"}}
	o := newTestOrchestrator(nil, gen)

	delivered := 0
	_, completed := o.run(context.Background(), ReplyRequest{UserID: "u1", Text: "推荐点什么"}, func(chunk string) bool {
		delivered++
		return delivered < 2
	})

	if completed {
		t.Fatal("Expected chain to abort when consumer stops")
	}
	if delivered != 2 {
		t.Errorf("Expected delivery to stop after rejection, got %d deliveries", delivered)
	}
}

// cancellingGenerator cancels the request mid-stream, simulating a client
// that disconnects while deltas are flowing.
type cancellingGenerator struct {
	cancel context.CancelFunc
}

func (c *cancellingGenerator) Complete(ctx context.Context, system string, turns []llm.Turn, deepThink bool) (string, *llm.Usage, error) {
	return "", nil, context.Canceled
}

func (c *cancellingGenerator) Stream(ctx context.Context, system string, turns []llm.Turn, deepThink bool) iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		if !yield("前半", nil) {
			return
		}
		c.cancel()
		yield("", context.Canceled)
	}
}

func TestRunCancelledStreamAbortsWithoutFallback(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	gen := &cancellingGenerator{cancel: cancel}
	o := newTestOrchestrator(nil, gen)

	var got []string
	_, completed := o.run(ctx, ReplyRequest{UserID: "u1", Text: "推荐点什么"}, func(chunk string) bool {
		got = append(got, chunk)
		return true
	})

	if completed {
		t.Fatal("Expected chain to abort after cancellation")
	}
	// No fallback tier runs once the request is cancelled: the only delivered
	// content is what streamed before the disconnect.
	if len(got) != 1 || got[0] != "前半" {
		t.Errorf("Expected only the pre-cancel delta, got %v", got)
	}
}

func TestRuleReplyVariants(t *testing.T) {
	if got := RuleReply("有没有类似的作品推荐"); got != ruleRecommendReply {
		t.Errorf("Expected recommend variant, got %q", got)
	}
	if got := RuleReply("OVA 是什么"); got != ruleTermReply {
		t.Errorf("Expected term variant, got %q", got)
	}
	if got := RuleReply("随便聊聊"); got != ruleDefaultReply {
		t.Errorf("Expected default variant, got %q", got)
	}
}
