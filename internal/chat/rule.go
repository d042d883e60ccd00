package chat

import (
	"strings"
)

// Rule-tier templates. Deterministic and dependency-free: this tier cannot
// fail, which makes the whole chain total.
const (
	ruleDefaultReply = "我可以帮你整理 ACGN 作品信息与同类推荐（默认不剧透）。\n\n" +
		"请告诉我：\n" +
		"1) 作品名（或你想了解的术语/概念）\n" +
		"2) 你想重点了解：简介/设定/角色/看点/媒介信息/入坑顺序/同类推荐\n" +
		"3) 是否接受轻微剧透（不要/可以）\n"

	ruleRecommendReply = "想要同类推荐的话，请按这个格式告诉我：\n" +
		"- 最近喜欢的作品：作品名\n" +
		"- 想要的媒介：动画/漫画/轻小说/游戏\n" +
		"- 雷点（可选）：不想看到的元素\n\n" +
		"我会按题材相似度给出候选（默认不剧透）。\n"

	ruleTermReply = "你想查询术语或概念的话，直接发我术语本身即可（例如：OVA、共通线、轻改）。\n" +
		"我会给出：一句话定义、典型用法、以及一个常见误区。\n"
)

// RuleReply produces the deterministic templated reply for the final
// fallback tier, picking a variant by simple keyword matching.
func RuleReply(userText string) string {
	t := strings.ToLower(strings.TrimSpace(userText))
	switch {
	case containsAny(t, recommendationHints):
		return ruleRecommendReply
	case containsAny(t, termHints):
		return ruleTermReply
	default:
		return ruleDefaultReply
	}
}
