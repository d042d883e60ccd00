package chat

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"regexp"
	"strings"

	"github.com/ashureev/acgn-assistant/internal/llm"
	"github.com/ashureev/acgn-assistant/internal/memory"
)

// agentDecision is the intent-routing outcome for one turn.
type agentDecision struct {
	NeedsRecommendations bool   `json:"needs_recommendations"`
	NeedsTermExplain     bool   `json:"needs_term_explain"`
	NeedsOverview        bool   `json:"needs_overview"`
	Term                 string `json:"term"`
}

var (
	recommendationHints = []string{"推荐", "类似", "同类", "还有", "安利", "入坑", "好看", "好玩", "哪里买", "平台", "追番", "从哪开始", "观看顺序"}
	termHints           = []string{"是什么", "解释", "原理", "什么意思", "术语", "op", "ed", "ova", "剧场版", "轻改", "共通线", "个人线", "拔作", "纯爱"}
	overviewHints       = []string{"整理", "总结", "速览", "一页", "设定", "世界观", "角色", "看点", "入坑"}

	jsonObjectPattern = regexp.MustCompile(`(?s)\{.*\}`)
)

// Agent is the reasoning tier: perceive (memory context), decide (intent
// routing), act (supplemental blocks), generate (supportive reply). The
// whole tier runs under one caller-supplied deadline and reports any failure
// upward so the chain can fall back.
type Agent struct {
	gen    Generator
	logger *slog.Logger
}

// NewAgent creates the reasoning tier over the given generator.
func NewAgent(gen Generator, logger *slog.Logger) *Agent {
	if logger == nil {
		logger = slog.Default()
	}
	return &Agent{gen: gen, logger: logger}
}

// Run executes the tier and returns the final reply text.
func (a *Agent) Run(ctx context.Context, req ReplyRequest, memoryCtx string) (string, error) {
	decision := a.decide(ctx, req)

	var extras []string

	if decision.NeedsTermExplain {
		if expl := a.explainTerm(ctx, req, decision.Term); expl != "" {
			extras = append(extras, "【知识补充】\n"+expl)
		}
	}
	if decision.NeedsRecommendations {
		// Recommendation ranking lives outside this service; point the user
		// at the structured ask instead of inventing a catalog.
		extras = append(extras, "【同类推荐】\n告诉我你最近喜欢的 1-2 部作品和想要的媒介（动画/漫画/游戏），我可以按题材相似度给出推荐。")
	}
	if decision.NeedsOverview {
		extras = append(extras, "【可选】如果你愿意，我可以把这部作品信息整理成一页速览（设定/角色/看点/入坑顺序）。")
	}

	userPrompt := memory.WrapUserText(memoryCtx, req.Text)
	if len(extras) > 0 {
		userPrompt += "\n\n【工具/协作结果】\n" + strings.Join(extras, "\n\n")
	}

	turns := make([]llm.Turn, 0, len(req.History)+1)
	turns = append(turns, req.History...)
	turns = append(turns, llm.Turn{Role: "user", Content: userPrompt})

	text, _, err := a.gen.Complete(ctx, supportiveSystemPrompt, turns, req.DeepThink)
	if err != nil {
		return "", fmt.Errorf("supportive reply: %w", err)
	}
	if strings.TrimSpace(text) == "" {
		return "", fmt.Errorf("supportive reply: %w", llm.ErrEmptyCompletion)
	}
	return text, nil
}

// decide routes the turn's intent. The model is asked for a strict JSON
// verdict; on any failure the keyword heuristic decides instead, so routing
// alone never fails the tier.
func (a *Agent) decide(ctx context.Context, req ReplyRequest) agentDecision {
	raw, _, err := a.gen.Complete(ctx, intentRouterSystemPrompt,
		[]llm.Turn{{Role: "user", Content: "用户输入：" + req.Text + "\n请输出 JSON："}}, false)
	if err == nil {
		if d, ok := parseDecision(raw); ok {
			return d
		}
		a.logger.Debug("intent router output not parseable, using keyword routing")
	}
	return keywordDecision(req.Text)
}

// parseDecision extracts the first JSON object from the model output; some
// models wrap it in prose.
func parseDecision(raw string) (agentDecision, bool) {
	match := jsonObjectPattern.FindString(strings.TrimSpace(raw))
	if match == "" {
		return agentDecision{}, false
	}
	var d agentDecision
	if err := json.Unmarshal([]byte(match), &d); err != nil {
		return agentDecision{}, false
	}
	d.Term = strings.TrimSpace(d.Term)
	return d, true
}

func keywordDecision(text string) agentDecision {
	t := strings.ToLower(strings.TrimSpace(text))
	d := agentDecision{
		NeedsRecommendations: containsAny(t, recommendationHints),
		NeedsTermExplain:     containsAny(t, termHints),
		NeedsOverview:        containsAny(t, overviewHints),
	}
	if d.NeedsTermExplain {
		runes := []rune(t)
		if len(runes) > 24 {
			runes = runes[:24]
		}
		d.Term = string(runes)
	}
	return d
}

func containsAny(t string, hints []string) bool {
	for _, h := range hints {
		if strings.Contains(t, h) {
			return true
		}
	}
	return false
}

// explainTerm is a best-effort sub-call; an empty result just drops the block.
func (a *Agent) explainTerm(ctx context.Context, req ReplyRequest, term string) string {
	prompt := fmt.Sprintf("用户问题：%s\n要解释的术语/概念（如不确定可从问题中提炼）：%s", req.Text, term)
	text, _, err := a.gen.Complete(ctx, termExplainerSystemPrompt, []llm.Turn{{Role: "user", Content: prompt}}, false)
	if err != nil {
		a.logger.Debug("term explanation skipped", "error", err)
		return ""
	}
	return strings.TrimSpace(text)
}
