package chat

import (
	"context"
	"log/slog"
	"time"

	"github.com/ashureev/acgn-assistant/internal/domain"
	"github.com/ashureev/acgn-assistant/internal/guardrail"
	"github.com/ashureev/acgn-assistant/internal/llm"
	"github.com/ashureev/acgn-assistant/internal/memory"
)

// Stage is one step of the fallback chain. Transitions are one-directional:
// a tier that fails is never retried in place, which bounds worst-case
// latency to the sum of the per-tier timeouts.
type Stage int

const (
	// StageGuardrail checks the inbound text against the content policy.
	StageGuardrail Stage = iota
	// StageAgent attempts the higher-level reasoning path.
	StageAgent
	// StageLLMSingleTurn attempts one non-agentic completion.
	StageLLMSingleTurn
	// StageRuleFallback produces the deterministic templated reply.
	StageRuleFallback
	// StageDone is terminal.
	StageDone
)

// Orchestrator sequences the fallback chain for one request at a time.
// It holds no per-request state and is safe for concurrent use.
type Orchestrator struct {
	guard        *guardrail.Interceptor
	agent        AgentRunner
	gen          Generator
	memoryStore  memory.Store
	logger       *slog.Logger
	agentTimeout time.Duration
}

// NewOrchestrator wires the chain. agent may be nil, in which case the agent
// tier is skipped as if it had failed.
func NewOrchestrator(guard *guardrail.Interceptor, agent AgentRunner, gen Generator, memoryStore memory.Store, agentTimeout time.Duration, logger *slog.Logger) *Orchestrator {
	if logger == nil {
		logger = slog.Default()
	}
	if agentTimeout <= 0 {
		agentTimeout = 45 * time.Second
	}
	return &Orchestrator{
		guard:        guard,
		agent:        agent,
		gen:          gen,
		memoryStore:  memoryStore,
		logger:       logger,
		agentTimeout: agentTimeout,
	}
}

// Reply runs the chain to completion and returns exactly one result. Every
// tier failure is converted into a transition; nothing escapes the chain.
func (o *Orchestrator) Reply(ctx context.Context, req ReplyRequest) ReplyResult {
	result, _ := o.run(ctx, req, nil)
	return result
}

// run drives the state machine. When emit is non-nil each produced text
// chunk is pushed through it in order; emit returning false aborts the chain
// immediately (consumer gone) and the second return value is false.
func (o *Orchestrator) run(ctx context.Context, req ReplyRequest, emit func(string) bool) (ReplyResult, bool) {
	var result ReplyResult
	var memCtx string
	var accum []byte

	deliver := func(chunk string) bool {
		accum = append(accum, chunk...)
		if emit == nil {
			return true
		}
		return emit(chunk)
	}

	stage := StageGuardrail
	for stage != StageDone {
		switch stage {
		case StageGuardrail:
			verdict := o.guard.Evaluate(req.Text)
			if verdict.Blocked {
				o.logger.Info("guardrail blocked request",
					"user_id", req.UserID,
					"conversation_id", req.ConversationID,
					"reason", verdict.Reason,
				)
				if !deliver(RefusalMessage) {
					return result, false
				}
				result = ReplyResult{Text: RefusalMessage, Blocked: true}
				stage = StageDone
				continue
			}
			// Memory context is loaded once, after the policy check, and
			// shared by the agent and single-turn tiers.
			memCtx = memory.BuildContext(ctx, o.memoryStore, req.UserID)
			stage = StageAgent

		case StageAgent:
			text, err := o.runAgent(ctx, req, memCtx)
			if err != nil {
				o.logger.Warn("agent tier failed, falling back",
					"user_id", req.UserID,
					"error", err,
				)
				stage = StageLLMSingleTurn
				continue
			}
			if !deliver(text) {
				return result, false
			}
			result = ReplyResult{Text: string(accum), Source: domain.SourceAgent}
			stage = StageDone

		case StageLLMSingleTurn:
			var usage *llm.Usage
			var err error
			if emit == nil {
				var text string
				text, usage, err = o.completeSingleTurn(ctx, req, memCtx)
				if err == nil {
					deliver(text)
				}
			} else {
				var aborted bool
				err, aborted = o.streamSingleTurn(ctx, req, memCtx, deliver)
				if aborted {
					return result, false
				}
			}
			if err != nil {
				// A cancelled streaming request means the client is gone;
				// stop here instead of producing a fallback nobody receives.
				if emit != nil && ctx.Err() != nil {
					o.logger.Info("stream cancelled, abandoning chain",
						"user_id", req.UserID,
						"partial_bytes", len(accum),
					)
					return result, false
				}
				o.logger.Warn("single-turn tier failed, falling back",
					"user_id", req.UserID,
					"partial_bytes", len(accum),
					"error", err,
				)
				stage = StageRuleFallback
				continue
			}
			result = ReplyResult{Text: string(accum), Source: domain.SourceLLMSingleTurn, Usage: usage}
			stage = StageDone

		case StageRuleFallback:
			// No external dependency here, so the chain is total: every
			// non-blocked request yields some reply.
			if !deliver(RuleReply(req.Text)) {
				return result, false
			}
			result = ReplyResult{Text: string(accum), Source: domain.SourceRuleFallback}
			stage = StageDone
		}
	}

	return result, true
}

func (o *Orchestrator) runAgent(ctx context.Context, req ReplyRequest, memCtx string) (string, error) {
	if o.agent == nil {
		return "", context.DeadlineExceeded
	}
	ctx, cancel := context.WithTimeout(ctx, o.agentTimeout)
	defer cancel()
	return o.agent.Run(ctx, req, memCtx)
}

func (o *Orchestrator) singleTurnPrompt(req ReplyRequest, memCtx string) []llm.Turn {
	turns := make([]llm.Turn, 0, len(req.History)+1)
	turns = append(turns, req.History...)
	turns = append(turns, llm.Turn{Role: domain.RoleUser, Content: memory.WrapUserText(memCtx, req.Text)})
	return turns
}

func (o *Orchestrator) completeSingleTurn(ctx context.Context, req ReplyRequest, memCtx string) (string, *llm.Usage, error) {
	return o.gen.Complete(ctx, systemPrompt(req.DeepThink), o.singleTurnPrompt(req, memCtx), req.DeepThink)
}

// streamSingleTurn consumes the incremental channel, pushing each chunk in
// receipt order. The aborted return means the consumer stopped accepting.
func (o *Orchestrator) streamSingleTurn(ctx context.Context, req ReplyRequest, memCtx string, deliver func(string) bool) (err error, aborted bool) {
	for chunk, streamErr := range o.gen.Stream(ctx, systemPrompt(req.DeepThink), o.singleTurnPrompt(req, memCtx), req.DeepThink) {
		if streamErr != nil {
			return streamErr, false
		}
		if !deliver(chunk) {
			return nil, true
		}
	}
	return nil, false
}
