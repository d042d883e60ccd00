package llm

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func testClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return NewClient(Config{
		APIKey:  "test-key",
		BaseURL: srv.URL,
		Model:   "deepseek-chat",
		Timeout: 5 * time.Second,
	}, nil)
}

func TestCompleteParsesResponse(t *testing.T) {
	t.Parallel()

	c := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/chat/completions" {
			t.Errorf("unexpected path %q", r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer test-key" {
			t.Errorf("unexpected auth header %q", got)
		}
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"choices":[{"message":{"content":"这部作品的设定..."}}],"usage":{"prompt_tokens":10,"completion_tokens":20,"total_tokens":30}}`)
	})

	text, usage, err := c.Complete(context.Background(), "system", []Turn{{Role: "user", Content: "hi"}}, false)
	if err != nil {
		t.Fatalf("Complete failed: %v", err)
	}
	if text != "这部作品的设定..." {
		t.Errorf("text = %q", text)
	}
	if usage == nil || usage.TotalTokens != 30 {
		t.Errorf("usage = %+v", usage)
	}
}

func TestCompleteUpstreamStatus(t *testing.T) {
	t.Parallel()

	c := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "rate limited", http.StatusTooManyRequests)
	})

	_, _, err := c.Complete(context.Background(), "", []Turn{{Role: "user", Content: "hi"}}, false)
	if !errors.Is(err, ErrUpstreamStatus) {
		t.Fatalf("expected ErrUpstreamStatus, got %v", err)
	}
}

func TestCompleteNotConfigured(t *testing.T) {
	t.Parallel()

	c := NewClient(Config{BaseURL: "http://127.0.0.1:1", Model: "m"}, nil)
	_, _, err := c.Complete(context.Background(), "", nil, false)
	if !errors.Is(err, ErrNotConfigured) {
		t.Fatalf("expected ErrNotConfigured, got %v", err)
	}
}

func TestCompleteEmptyCompletion(t *testing.T) {
	t.Parallel()

	c := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"choices":[]}`)
	})

	_, _, err := c.Complete(context.Background(), "", []Turn{{Role: "user", Content: "hi"}}, false)
	if !errors.Is(err, ErrEmptyCompletion) {
		t.Fatalf("expected ErrEmptyCompletion, got %v", err)
	}
}

func TestStreamYieldsDeltasInOrder(t *testing.T) {
	t.Parallel()

	c := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		for _, chunk := range []string{"很", "不错", "的推荐"} {
			fmt.Fprintf(w, "data: {\"choices\":[{\"delta\":{\"content\":%q}}]}\n\n", chunk)
		}
		fmt.Fprint(w, ": keepalive\n\n")
		fmt.Fprint(w, "data: [DONE]\n\n")
	})

	var got []string
	for chunk, err := range c.Stream(context.Background(), "sys", []Turn{{Role: "user", Content: "推荐"}}, false) {
		if err != nil {
			t.Fatalf("stream error: %v", err)
		}
		got = append(got, chunk)
	}

	if strings.Join(got, "") != "很不错的推荐" {
		t.Fatalf("chunks = %q", got)
	}
	if len(got) != 3 {
		t.Fatalf("expected 3 chunks, got %d", len(got))
	}
}

func TestStreamStopsWhenConsumerBreaks(t *testing.T) {
	t.Parallel()

	c := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		for i := 0; i < 100; i++ {
			fmt.Fprintf(w, "data: {\"choices\":[{\"delta\":{\"content\":\"x\"}}]}\n\n")
		}
		fmt.Fprint(w, "data: [DONE]\n\n")
	})

	count := 0
	for _, err := range c.Stream(context.Background(), "", []Turn{{Role: "user", Content: "hi"}}, false) {
		if err != nil {
			t.Fatalf("stream error: %v", err)
		}
		count++
		if count == 2 {
			break
		}
	}
	if count != 2 {
		t.Fatalf("expected early stop after 2 chunks, got %d", count)
	}
}

func TestStreamUpstreamStatus(t *testing.T) {
	t.Parallel()

	c := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusBadGateway)
	})

	var streamErr error
	for _, err := range c.Stream(context.Background(), "", []Turn{{Role: "user", Content: "hi"}}, false) {
		streamErr = err
	}
	if !errors.Is(streamErr, ErrUpstreamStatus) {
		t.Fatalf("expected ErrUpstreamStatus, got %v", streamErr)
	}
}

func TestTransportIgnoresProxyEnv(t *testing.T) {
	c := NewClient(Config{APIKey: "k", BaseURL: "http://example.invalid", Model: "m"}, nil)
	transport, ok := c.httpClient.Transport.(*http.Transport)
	if !ok {
		t.Fatal("expected *http.Transport")
	}
	if transport.Proxy != nil {
		t.Fatal("transport must not consult ambient proxy configuration")
	}
}

func TestModelSelection(t *testing.T) {
	t.Parallel()

	c := NewClient(Config{APIKey: "k", BaseURL: "http://x", Model: "chat", DeepThinkModel: "reasoner"}, nil)
	if got := c.Model(false); got != "chat" {
		t.Errorf("Model(false) = %q", got)
	}
	if got := c.Model(true); got != "reasoner" {
		t.Errorf("Model(true) = %q", got)
	}
}
