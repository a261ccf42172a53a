// Package upstream streams chat completions from an OpenAI-compatible
// provider with a bounded retry policy.
package upstream

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/chainguard-dev/clog"
	"github.com/zulandar/arena/internal/config"
	"github.com/zulandar/arena/internal/metrics"
)

// Message is one chat message of the conversation history.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Completion is the terminal result of a successful stream.
type Completion struct {
	Content      string
	FinishReason string
	Latency      time.Duration
}

// Streamer is the contract the fan-out depends on.
type Streamer interface {
	Stream(ctx context.Context, model string, messages []Message, onDelta func(string)) (*Completion, error)
}

// Client issues streaming chat-completion requests.
type Client struct {
	cfg   config.UpstreamConfig
	keys  *KeyRing
	httpc *http.Client
	sleep func(context.Context, time.Duration) error
	now   func() time.Time
}

// Option customizes a Client.
type Option func(*Client)

// WithHTTPClient overrides the HTTP client.
func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) { c.httpc = h }
}

// WithSleep overrides how the client waits between attempts.
func WithSleep(fn func(context.Context, time.Duration) error) Option {
	return func(c *Client) { c.sleep = fn }
}

// New returns a Client using keys for authorization.
func New(cfg config.UpstreamConfig, keys *KeyRing, opts ...Option) *Client {
	c := &Client{
		cfg:   cfg,
		keys:  keys,
		httpc: &http.Client{},
		sleep: sleepContext,
		now:   time.Now,
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

const maxLineSize = 1 << 20

type chatRequest struct {
	Model     string    `json:"model"`
	Messages  []Message `json:"messages"`
	Stream    bool      `json:"stream"`
	MaxTokens int       `json:"max_tokens"`
}

type chunk struct {
	Choices []struct {
		Delta struct {
			Content string `json:"content"`
		} `json:"delta"`
		FinishReason *string `json:"finish_reason"`
	} `json:"choices"`
	Error *apiError `json:"error"`
}

// attemptResult carries what one HTTP attempt produced.
type attemptResult struct {
	completion *Completion
	retryAfter time.Duration
	streamed   bool
}

// Stream sends one streaming request for model and calls onDelta for every
// non-empty content delta, in order. The configured timeout bounds every
// attempt and every backoff sleep together. Only 429 and 503 responses are
// retried, and never after a delta was delivered.
func (c *Client) Stream(ctx context.Context, model string, messages []Message, onDelta func(string)) (*Completion, error) {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()
	log := clog.FromContext(ctx).With("model", model)

	start := c.now()
	for attempt := 0; ; attempt++ {
		res, err := c.attempt(ctx, model, messages, onDelta)
		if err == nil {
			metrics.UpstreamAttempts.WithLabelValues("ok").Inc()
			res.completion.Latency = c.now().Sub(start)
			return res.completion, nil
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, c.contextError(ctxErr)
		}

		var se *StatusError
		if !errors.As(err, &se) || !se.Retryable() || res.streamed || attempt >= c.cfg.MaxRetries {
			metrics.UpstreamAttempts.WithLabelValues("error").Inc()
			return nil, err
		}
		metrics.UpstreamAttempts.WithLabelValues("retryable").Inc()

		wait := backoff(attempt, res.retryAfter, c.cfg.BaseBackoff, c.cfg.MaxBackoff)
		log.With("attempt", attempt+1).With("status", se.Code).With("backoff", wait).
			Warn("upstream: transient status, retrying")
		metrics.UpstreamBackoff.Observe(wait.Seconds())
		if err := c.sleep(ctx, wait); err != nil {
			return nil, c.contextError(err)
		}
	}
}

func (c *Client) contextError(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		metrics.UpstreamAttempts.WithLabelValues("timeout").Inc()
		return &TimeoutError{Budget: c.cfg.Timeout}
	}
	return fmt.Errorf("upstream: %w", err)
}

func (c *Client) attempt(ctx context.Context, model string, messages []Message, onDelta func(string)) (attemptResult, error) {
	var res attemptResult

	body, err := json.Marshal(chatRequest{
		Model:     model,
		Messages:  messages,
		Stream:    true,
		MaxTokens: c.cfg.MaxTokens,
	})
	if err != nil {
		return res, fmt.Errorf("upstream: encode request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return res, fmt.Errorf("upstream: build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.keys.Next())
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "text/event-stream")
	if c.cfg.Referer != "" {
		req.Header.Set("HTTP-Referer", c.cfg.Referer)
	}
	if c.cfg.Title != "" {
		req.Header.Set("X-Title", c.cfg.Title)
	}

	resp, err := c.httpc.Do(req)
	if err != nil {
		return res, fmt.Errorf("upstream: request %s: %w", model, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		res.retryAfter = parseRetryAfter(resp.Header.Get("Retry-After"), c.now())
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
		return res, &StatusError{Code: resp.StatusCode, Message: errorMessage(data, http.StatusText(resp.StatusCode))}
	}

	comp, streamed, err := c.readStream(ctx, resp.Body, onDelta)
	res.streamed = streamed
	if err != nil {
		return res, err
	}
	res.completion = comp
	return res, nil
}

// readStream consumes "data:" lines until [DONE] or EOF. Lines that are not
// valid JSON are logged and skipped.
func (c *Client) readStream(ctx context.Context, r io.Reader, onDelta func(string)) (*Completion, bool, error) {
	log := clog.FromContext(ctx)
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64<<10), maxLineSize)

	var (
		content  strings.Builder
		finish   string
		streamed bool
		sawDone  bool
	)
	for scanner.Scan() {
		line := strings.TrimRight(scanner.Text(), "\r")
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		payload := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if payload == "" {
			continue
		}
		if payload == "[DONE]" {
			sawDone = true
			break
		}

		var ch chunk
		if err := json.Unmarshal([]byte(payload), &ch); err != nil {
			log.With("error", err.Error()).Warn("upstream: skipping malformed stream line")
			continue
		}
		if ch.Error != nil {
			return nil, streamed, &StatusError{Code: ch.Error.status(502), Message: errorMessage([]byte(payload), "stream error")}
		}
		if len(ch.Choices) == 0 {
			continue
		}
		choice := ch.Choices[0]
		if d := choice.Delta.Content; d != "" {
			content.WriteString(d)
			streamed = true
			if onDelta != nil {
				onDelta(d)
			}
		}
		if choice.FinishReason != nil && *choice.FinishReason != "" && finish == "" {
			finish = *choice.FinishReason
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, streamed, fmt.Errorf("upstream: read stream: %w", err)
	}
	if finish == "" {
		if !sawDone {
			return nil, streamed, ErrIncompleteStream
		}
		finish = "stop"
	}
	return &Completion{Content: content.String(), FinishReason: finish}, streamed, nil
}
