// Package guardrail implements the content-policy interceptor that runs
// before any reply generation.
package guardrail

import (
	"log/slog"
	"strings"
)

// ReasonCode identifies why a message was blocked.
type ReasonCode string

const (
	// ReasonPiracy covers requests for pirated downloads or torrents.
	ReasonPiracy ReasonCode = "piracy"
	// ReasonCrack covers cracks, activation codes and serial numbers.
	ReasonCrack ReasonCode = "crack"
	// ReasonPaymentBypass covers requests to bypass paid access.
	ReasonPaymentBypass ReasonCode = "payment_bypass"
)

// Verdict is the immutable result of evaluating one inbound message.
type Verdict struct {
	Blocked bool
	Reason  ReasonCode
	Matched []string
}

// Signal is one configurable phrase with its reason code.
type Signal struct {
	Phrase string
	Reason ReasonCode
}

// Config holds the phrase sets the interceptor matches against.
// Strong signals block on their own; weak signals block only when the text
// also contains an explicit ask for a link or download location.
type Config struct {
	Strong []Signal
	Weak   []string
	Asks   []string

	// FailOpen lets the message through if evaluation itself panics.
	// Blocking on internal failure is the default.
	FailOpen bool
}

// DefaultConfig returns the built-in phrase sets. Matching is done on
// lowercased text, so entries are lowercase.
func DefaultConfig() Config {
	return Config{
		Strong: []Signal{
			{Phrase: "下载", Reason: ReasonPiracy},
			{Phrase: "网盘", Reason: ReasonPiracy},
			{Phrase: "百度云", Reason: ReasonPiracy},
			{Phrase: "蓝奏", Reason: ReasonPiracy},
			{Phrase: "磁力", Reason: ReasonPiracy},
			{Phrase: "种子", Reason: ReasonPiracy},
			{Phrase: "torrent", Reason: ReasonPiracy},
			{Phrase: "bt", Reason: ReasonPiracy},
			{Phrase: "直链", Reason: ReasonPiracy},
			{Phrase: "破解", Reason: ReasonCrack},
			{Phrase: "crack", Reason: ReasonCrack},
			{Phrase: "激活码", Reason: ReasonCrack},
			{Phrase: "序列号", Reason: ReasonCrack},
			{Phrase: "解压密码", Reason: ReasonCrack},
			{Phrase: "绕过付费", Reason: ReasonPaymentBypass},
			{Phrase: "免费白嫖", Reason: ReasonPaymentBypass},
		},
		Weak: []string{
			"资源",
			"免安装",
			"全cg",
			"补丁",
			"汉化补丁",
		},
		Asks: []string{
			"给个",
			"求",
			"发我",
			"链接",
			"link",
			"在哪下",
			"哪里下",
			"下载",
		},
	}
}

// Interceptor evaluates inbound messages against the configured phrase sets.
type Interceptor struct {
	cfg Config
}

// New creates an interceptor with the given config.
func New(cfg Config) *Interceptor {
	return &Interceptor{cfg: cfg}
}

// Evaluate scans the message text and returns a verdict. It is a pure
// function over the text and has no side effects.
func (i *Interceptor) Evaluate(text string) (verdict Verdict) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("guardrail evaluation panicked", "panic", r, "fail_open", i.cfg.FailOpen)
			if i.cfg.FailOpen {
				verdict = Verdict{}
				return
			}
			verdict = Verdict{Blocked: true, Reason: ReasonPiracy}
		}
	}()

	t := strings.ToLower(strings.TrimSpace(text))
	if t == "" {
		return Verdict{}
	}

	var matched []string
	var reason ReasonCode
	for _, sig := range i.cfg.Strong {
		if strings.Contains(t, sig.Phrase) {
			matched = append(matched, sig.Phrase)
			if reason == "" {
				reason = sig.Reason
			}
		}
	}

	blocked := len(matched) > 0

	// Weak signals alone are too ambiguous to block on; they only count when
	// paired with an explicit "where do I get it" ask.
	var weakHits []string
	for _, w := range i.cfg.Weak {
		if strings.Contains(t, w) {
			weakHits = append(weakHits, w)
		}
	}
	if !blocked && len(weakHits) > 0 {
		for _, ask := range i.cfg.Asks {
			if strings.Contains(t, ask) {
				blocked = true
				reason = ReasonPiracy
				break
			}
		}
	}
	matched = append(matched, weakHits...)

	if !blocked {
		return Verdict{Matched: matched}
	}
	return Verdict{Blocked: true, Reason: reason, Matched: matched}
}
