package memory

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"testing"

	"github.com/ashureev/acgn-assistant/internal/domain"
)

func TestExtractDraftsPreference(t *testing.T) {
	t.Parallel()

	drafts := ExtractDrafts("我喜欢校园恋爱题材的galgame")
	if len(drafts) != 1 {
		t.Fatalf("expected 1 draft, got %d: %+v", len(drafts), drafts)
	}
	d := drafts[0]
	if d.Category != domain.MemoryPreference {
		t.Errorf("category = %q", d.Category)
	}
	if d.Confidence != 0.55 {
		t.Errorf("confidence = %v", d.Confidence)
	}
}

func TestExtractDraftsAvoidance(t *testing.T) {
	t.Parallel()

	drafts := ExtractDrafts("我的雷点是NTR，避雷")
	if len(drafts) == 0 {
		t.Fatal("expected avoidance draft")
	}
	if drafts[0].Category != domain.MemoryAvoidance {
		t.Errorf("category = %q", drafts[0].Category)
	}
}

func TestExtractDraftsInterest(t *testing.T) {
	t.Parallel()

	drafts := ExtractDrafts("有没有类似命运石之门的作品")
	if len(drafts) != 1 {
		t.Fatalf("expected 1 draft, got %d", len(drafts))
	}
	if drafts[0].Category != domain.MemoryInterest {
		t.Errorf("category = %q", drafts[0].Category)
	}
}

func TestExtractDraftsEmptyAndPlainText(t *testing.T) {
	t.Parallel()

	if drafts := ExtractDrafts(""); drafts != nil {
		t.Errorf("empty input produced drafts: %+v", drafts)
	}
	if drafts := ExtractDrafts("这部番一共多少集"); len(drafts) != 0 {
		t.Errorf("plain question produced drafts: %+v", drafts)
	}
}

func TestExtractDraftsDedupes(t *testing.T) {
	t.Parallel()

	// Two preference phrasings in one turn collapse to one draft per key.
	drafts := ExtractDrafts("我喜欢悬疑，另外我比较喜欢科幻")
	count := 0
	for _, d := range drafts {
		if d.Category == domain.MemoryPreference {
			count++
		}
	}
	if count != 1 {
		t.Fatalf("expected 1 preference draft, got %d: %+v", count, drafts)
	}
}

type fakeMemoryStore struct {
	items   []*domain.MemoryItem
	failing int // errors to return before succeeding
	calls   int
}

func (f *fakeMemoryStore) UpsertMemories(_ context.Context, items []*domain.MemoryItem) (int64, error) {
	f.calls++
	if f.failing > 0 {
		f.failing--
		return 0, errors.New("store down")
	}
	f.items = append(f.items, items...)
	return int64(len(items)), nil
}

func (f *fakeMemoryStore) ListMemories(_ context.Context, _ string, _ int) ([]*domain.MemoryItem, error) {
	return f.items, nil
}

func TestWriterWritesDrafts(t *testing.T) {
	t.Parallel()

	store := &fakeMemoryStore{}
	w := NewWriter(store, slog.Default())

	written := w.Write(context.Background(), "user-1", []Draft{
		{Category: domain.MemoryPreference, Title: "偏好/喜欢", Content: "用户偏好：悬疑", Confidence: 0.55},
	})
	if written != 1 {
		t.Fatalf("written = %d", written)
	}
	if len(store.items) != 1 || store.items[0].UserID != "user-1" {
		t.Fatalf("stored items = %+v", store.items)
	}
}

func TestWriterSwallowsStoreFailure(t *testing.T) {
	t.Parallel()

	store := &fakeMemoryStore{failing: 10}
	w := NewWriter(store, slog.Default())

	written := w.Write(context.Background(), "user-1", []Draft{
		{Category: domain.MemoryInterest, Title: "关注的作品/类型", Content: "用户近期关注：星之梦"},
	})
	if written != 0 {
		t.Fatalf("expected 0 written on failure, got %d", written)
	}
}

func TestBuildContextFormatsItems(t *testing.T) {
	t.Parallel()

	store := &fakeMemoryStore{items: []*domain.MemoryItem{
		{UserID: "u", Category: domain.MemoryPreference, Title: "偏好/喜欢", Content: "用户偏好：悬疑"},
	}}

	got := BuildContext(context.Background(), store, "u")
	if got == "" {
		t.Fatal("expected non-empty context")
	}
	if want := "- [preference] 偏好/喜欢：用户偏好：悬疑"; !strings.Contains(got, want) {
		t.Fatalf("context %q missing %q", got, want)
	}
}

func TestWrapUserText(t *testing.T) {
	t.Parallel()

	if got := WrapUserText("", "hello"); got != "hello" {
		t.Errorf("WrapUserText with empty context = %q", got)
	}
	wrapped := WrapUserText("长期记忆（最新）：\n- x", "hello")
	if !strings.Contains(wrapped, "【用户输入】\nhello") {
		t.Errorf("wrapped = %q", wrapped)
	}
}
