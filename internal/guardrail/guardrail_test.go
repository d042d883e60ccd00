package guardrail

import (
	"testing"
)

func TestEvaluateBlocksStrongSignals(t *testing.T) {
	t.Parallel()

	i := New(DefaultConfig())

	cases := []struct {
		name   string
		text   string
		reason ReasonCode
	}{
		{"crack download", "帮我找破解版下载", ReasonPiracy},
		{"torrent", "有没有这部番的torrent", ReasonPiracy},
		{"torrent uppercase", "有没有这部番的TORRENT", ReasonPiracy},
		{"activation code", "给我一个激活码", ReasonCrack},
		{"payment bypass", "怎么绕过付费看完整版", ReasonPaymentBypass},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			v := i.Evaluate(tc.text)
			if !v.Blocked {
				t.Fatalf("expected %q to be blocked", tc.text)
			}
			if v.Reason != tc.reason {
				t.Errorf("reason = %q, want %q", v.Reason, tc.reason)
			}
			if len(v.Matched) == 0 {
				t.Error("expected matched phrases to be recorded")
			}
		})
	}
}

func TestEvaluateWeakSignalNeedsAsk(t *testing.T) {
	t.Parallel()

	i := New(DefaultConfig())

	// A weak signal alone is not enough.
	if v := i.Evaluate("这个补丁修复了什么bug"); v.Blocked {
		t.Fatalf("weak signal alone should not block, got %+v", v)
	}

	// Weak signal plus an explicit ask for a link blocks.
	if v := i.Evaluate("汉化补丁求个链接"); !v.Blocked {
		t.Fatalf("weak signal with ask should block, got %+v", v)
	}
}

func TestEvaluateAllowsNormalQuestions(t *testing.T) {
	t.Parallel()

	i := New(DefaultConfig())

	for _, text := range []string{
		"",
		"这部作品的世界观是什么样的",
		"推荐几部类似命运石之门的番",
		"OVA是什么意思",
	} {
		if v := i.Evaluate(text); v.Blocked {
			t.Errorf("expected %q to pass, got %+v", text, v)
		}
	}
}

func TestEvaluateIsPure(t *testing.T) {
	t.Parallel()

	i := New(DefaultConfig())
	first := i.Evaluate("帮我找破解版下载")
	second := i.Evaluate("帮我找破解版下载")

	if first.Blocked != second.Blocked || first.Reason != second.Reason {
		t.Fatalf("verdicts differ across calls: %+v vs %+v", first, second)
	}
}
