package memory

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
)

// contextItemLimit bounds how many memory items go into a prompt preamble.
const contextItemLimit = 5

// BuildContext assembles a short prompt preamble from the user's most recent
// memory items. It is best-effort: on store failure it returns an empty
// string so prompt assembly degrades instead of failing the reply.
func BuildContext(ctx context.Context, store Store, userID string) string {
	items, err := store.ListMemories(ctx, userID, contextItemLimit)
	if err != nil {
		slog.Warn("failed to load memory context", "user_id", userID, "error", err)
		return ""
	}
	if len(items) == 0 {
		return ""
	}

	var b strings.Builder
	b.WriteString("长期记忆（最新）：\n")
	for _, item := range items {
		fmt.Fprintf(&b, "- [%s] %s：%s\n", item.Category, item.Title, item.Content)
	}
	return strings.TrimRight(b.String(), "\n")
}

// WrapUserText prefixes the user's message with the memory preamble when one
// exists, matching the prompt layout the models are tuned against.
func WrapUserText(memoryCtx, userText string) string {
	if memoryCtx == "" {
		return userText
	}
	return "【背景信息（系统记忆，供参考）】\n" + memoryCtx + "\n\n【用户输入】\n" + userText
}
