// Package memory derives durable low-sensitivity user facts from chat turns
// and persists them with idempotent upserts.
package memory

import (
	"regexp"
	"strings"

	"github.com/ashureev/acgn-assistant/internal/domain"
)

// Draft is a candidate memory fact extracted from one conversation turn.
type Draft struct {
	Category   domain.MemoryCategory
	Title      string
	Content    string
	Confidence float64
}

const (
	titlePreference = "偏好/喜欢"
	titleAvoidance  = "避雷/不喜欢"
	titleInterest   = "关注的作品/类型"

	maxPrefSnippet     = 60
	maxInterestSnippet = 30
)

var (
	likePattern     = regexp.MustCompile(`(?:我喜欢|我比较喜欢|偏好|爱玩|喜欢玩)(.{1,40})`)
	dislikePattern  = regexp.MustCompile(`(?:我不喜欢|不太喜欢|雷点|避雷)(.{1,40})`)
	interestPattern = regexp.MustCompile(`(?:想玩|想看|想推|求推荐|有没有类似)(.{1,30})`)
)

// ExtractDrafts performs conservative rule-based extraction: only short
// preference, avoidance and interest snippets, never whole messages. It is
// pure and best-effort; an empty result is a normal outcome.
func ExtractDrafts(userText string) []Draft {
	t := strings.TrimSpace(userText)
	if t == "" {
		return nil
	}

	var drafts []Draft

	if m := dislikePattern.FindStringSubmatch(t); m != nil {
		if val := strings.TrimSpace(m[1]); val != "" {
			drafts = append(drafts, Draft{
				Category:   domain.MemoryAvoidance,
				Title:      titleAvoidance,
				Content:    "用户不喜欢/避雷：" + truncate(val, maxPrefSnippet),
				Confidence: 0.55,
			})
		}
	}

	if m := likePattern.FindStringSubmatch(t); m != nil {
		if val := strings.TrimSpace(m[1]); val != "" && !strings.Contains(m[0], "不喜欢") {
			drafts = append(drafts, Draft{
				Category:   domain.MemoryPreference,
				Title:      titlePreference,
				Content:    "用户偏好：" + truncate(val, maxPrefSnippet),
				Confidence: 0.55,
			})
		}
	}

	if m := interestPattern.FindStringSubmatch(t); m != nil {
		if val := strings.TrimSpace(m[1]); val != "" {
			drafts = append(drafts, Draft{
				Category:   domain.MemoryInterest,
				Title:      titleInterest,
				Content:    "用户近期关注：" + truncate(val, maxInterestSnippet),
				Confidence: 0.45,
			})
		}
	}

	return dedupe(drafts)
}

// dedupe keeps the first draft per (category, normalized title) key.
func dedupe(drafts []Draft) []Draft {
	seen := make(map[string]struct{}, len(drafts))
	out := drafts[:0]
	for _, d := range drafts {
		key := string(d.Category) + "\x00" + NormalizeTitle(d.Title)
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, d)
	}
	return out
}

// NormalizeTitle is the canonical form used for the uniqueness key.
func NormalizeTitle(title string) string {
	return strings.ToLower(strings.Join(strings.Fields(title), " "))
}

func truncate(s string, max int) string {
	runes := []rune(s)
	if len(runes) <= max {
		return s
	}
	return string(runes[:max]) + "…"
}
