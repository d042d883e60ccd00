// Package llm provides an OpenAI-compatible chat-completion client used for
// both single-shot and streaming reply generation.
package llm

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"iter"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"
)

var (
	// ErrNotConfigured means no API key is set; callers should fall back.
	ErrNotConfigured = errors.New("llm client not configured")
	// ErrUpstreamStatus means the provider answered with a non-2xx status.
	ErrUpstreamStatus = errors.New("llm upstream returned error status")
	// ErrMalformedResponse means the provider body could not be decoded.
	ErrMalformedResponse = errors.New("llm upstream returned malformed response")
	// ErrEmptyCompletion means a well-formed response carried no content.
	ErrEmptyCompletion = errors.New("llm upstream returned empty completion")
)

// Turn is one prior message in a chat-completion request.
type Turn struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Usage is token accounting reported by the provider.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// Config holds configuration for the client.
type Config struct {
	APIKey         string
	BaseURL        string
	Model          string
	DeepThinkModel string
	Timeout        time.Duration
}

// Client issues chat-completion calls over HTTP.
//
// Network routing is explicit: the transport never consults ambient proxy
// environment variables, so a locally configured proxy cannot reroute or
// break outbound calls.
type Client struct {
	cfg        Config
	httpClient *http.Client
	logger     *slog.Logger
}

// NewClient creates a client with an explicit, proxy-free transport and a
// bounded per-call timeout.
func NewClient(cfg Config, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}

	transport := &http.Transport{
		Proxy: nil, // never honor HTTP_PROXY/HTTPS_PROXY
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   10 * time.Second,
		ResponseHeaderTimeout: cfg.Timeout,
		IdleConnTimeout:       90 * time.Second,
	}

	return &Client{
		cfg: cfg,
		httpClient: &http.Client{
			Transport: transport,
		},
		logger: logger,
	}
}

// IsConfigured reports whether an API key is present.
func (c *Client) IsConfigured() bool {
	return c.cfg.APIKey != ""
}

// Model returns the configured model name, honoring the deep-think variant.
func (c *Client) Model(deepThink bool) string {
	if deepThink && c.cfg.DeepThinkModel != "" {
		return c.cfg.DeepThinkModel
	}
	return c.cfg.Model
}

type chatRequest struct {
	Model       string  `json:"model"`
	Messages    []Turn  `json:"messages"`
	Temperature float64 `json:"temperature"`
	Stream      bool    `json:"stream,omitempty"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
		Delta struct {
			Content string `json:"content"`
		} `json:"delta"`
	} `json:"choices"`
	Usage *Usage `json:"usage"`
}

func (c *Client) endpoint() string {
	return strings.TrimRight(c.cfg.BaseURL, "/") + "/v1/chat/completions"
}

func (c *Client) newRequest(ctx context.Context, body []byte) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint(), bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build chat request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	return req, nil
}

// Complete performs a single-shot chat completion. Connection-level failures
// are retried once; a response that arrived, however broken, is not.
func (c *Client) Complete(ctx context.Context, system string, turns []Turn, deepThink bool) (string, *Usage, error) {
	if !c.IsConfigured() {
		return "", nil, ErrNotConfigured
	}

	payload := chatRequest{
		Model:       c.Model(deepThink),
		Messages:    withSystem(system, turns),
		Temperature: 0.7,
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return "", nil, fmt.Errorf("encode chat request: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	resp, err := c.doWithRetry(ctx, body)
	if err != nil {
		return "", nil, err
	}
	defer closeBody(resp.Body, c.logger)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", nil, fmt.Errorf("%w: %d", ErrUpstreamStatus, resp.StatusCode)
	}

	var parsed chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return "", nil, fmt.Errorf("%w: %v", ErrMalformedResponse, err)
	}
	if len(parsed.Choices) == 0 || parsed.Choices[0].Message.Content == "" {
		return "", nil, ErrEmptyCompletion
	}
	return parsed.Choices[0].Message.Content, parsed.Usage, nil
}

// doWithRetry sends the request, retrying once on connection-level failures.
// Nothing has been consumed yet at that point, so the replay is safe.
func (c *Client) doWithRetry(ctx context.Context, body []byte) (*http.Response, error) {
	req, err := c.newRequest(ctx, body)
	if err != nil {
		return nil, err
	}
	resp, err := c.httpClient.Do(req)
	if err == nil {
		return resp, nil
	}
	if ctx.Err() != nil || !isRetryable(err) {
		return nil, fmt.Errorf("chat request: %w", err)
	}

	c.logger.Warn("llm request failed, retrying once", "error", err)
	req, reqErr := c.newRequest(ctx, body)
	if reqErr != nil {
		return nil, reqErr
	}
	resp, err = c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("chat request retry: %w", err)
	}
	return resp, nil
}

func isRetryable(err error) bool {
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return false
	}
	// Connection resets and refusals happen before any byte of the exchange
	// is interpreted, so replaying the request is safe.
	var opErr *net.OpError
	return errors.As(err, &opErr)
}

// Stream performs a streaming chat completion and yields content deltas in
// receipt order. The sequence is restartable per call and never retried: a
// partially consumed stream cannot be safely replayed.
func (c *Client) Stream(ctx context.Context, system string, turns []Turn, deepThink bool) iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		if !c.IsConfigured() {
			yield("", ErrNotConfigured)
			return
		}

		payload := chatRequest{
			Model:       c.Model(deepThink),
			Messages:    withSystem(system, turns),
			Temperature: 0.7,
			Stream:      true,
		}
		body, err := json.Marshal(payload)
		if err != nil {
			yield("", fmt.Errorf("encode chat request: %w", err))
			return
		}

		ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
		defer cancel()

		req, err := c.newRequest(ctx, body)
		if err != nil {
			yield("", err)
			return
		}
		req.Header.Set("Accept", "text/event-stream")

		resp, err := c.httpClient.Do(req)
		if err != nil {
			yield("", fmt.Errorf("chat stream request: %w", err))
			return
		}
		defer closeBody(resp.Body, c.logger)

		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			yield("", fmt.Errorf("%w: %d", ErrUpstreamStatus, resp.StatusCode))
			return
		}

		scanner := bufio.NewScanner(resp.Body)
		scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
		for scanner.Scan() {
			line := strings.TrimSpace(scanner.Text())
			if line == "" || strings.HasPrefix(line, ":") {
				continue // comment or heartbeat
			}
			data, ok := strings.CutPrefix(line, "data:")
			if !ok {
				continue
			}
			data = strings.TrimSpace(data)
			if data == "[DONE]" {
				return
			}

			var parsed chatResponse
			if err := json.Unmarshal([]byte(data), &parsed); err != nil {
				continue // skip undecodable keepalive frames
			}
			if len(parsed.Choices) == 0 {
				continue
			}
			chunk := parsed.Choices[0].Delta.Content
			if chunk == "" {
				// Some implementations put content on message directly.
				chunk = parsed.Choices[0].Message.Content
			}
			if chunk == "" {
				continue
			}
			if !yield(chunk, nil) {
				return
			}
		}
		if err := scanner.Err(); err != nil {
			yield("", fmt.Errorf("chat stream read: %w", err))
		}
	}
}

func withSystem(system string, turns []Turn) []Turn {
	msgs := make([]Turn, 0, len(turns)+1)
	if system != "" {
		msgs = append(msgs, Turn{Role: "system", Content: system})
	}
	return append(msgs, turns...)
}

func closeBody(body io.ReadCloser, logger *slog.Logger) {
	if err := body.Close(); err != nil {
		logger.Debug("failed to close response body", "error", err)
	}
}
