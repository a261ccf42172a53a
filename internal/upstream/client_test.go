package upstream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/zulandar/arena/internal/config"
)

func testConfig(baseURL string) config.UpstreamConfig {
	return config.UpstreamConfig{
		BaseURL:     baseURL,
		Referer:     "https://arena.test",
		Title:       "Arena Test",
		Timeout:     5 * time.Second,
		MaxRetries:  2,
		BaseBackoff: time.Second,
		MaxBackoff:  15 * time.Second,
		MaxTokens:   1024,
	}
}

// fakeSleep records requested waits without sleeping.
type fakeSleep struct {
	mu    sync.Mutex
	waits []time.Duration
}

func (f *fakeSleep) sleep(ctx context.Context, d time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.waits = append(f.waits, d)
	return ctx.Err()
}

func (f *fakeSleep) total() time.Duration {
	var t time.Duration
	for _, w := range f.waits {
		t += w
	}
	return t
}

func newTestClient(t *testing.T, srv *httptest.Server, keys ...string) (*Client, *fakeSleep) {
	t.Helper()
	if len(keys) == 0 {
		keys = []string{"sk-test"}
	}
	ring, err := NewKeyRing(keys)
	if err != nil {
		t.Fatal(err)
	}
	fs := &fakeSleep{}
	return New(testConfig(srv.URL), ring, WithSleep(fs.sleep)), fs
}

func writeChunks(w http.ResponseWriter, lines ...string) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.WriteHeader(http.StatusOK)
	for _, l := range lines {
		fmt.Fprintf(w, "%s\n\n", l)
		if f, ok := w.(http.Flusher); ok {
			f.Flush()
		}
	}
}

func deltaLine(content string) string {
	b, _ := json.Marshal(map[string]any{
		"choices": []any{map[string]any{"delta": map[string]any{"content": content}, "finish_reason": nil}},
	})
	return "data: " + string(b)
}

func finishLine(reason string) string {
	return fmt.Sprintf(`data: {"choices":[{"delta":{},"finish_reason":%q}]}`, reason)
}

func TestStream_Success(t *testing.T) {
	var gotReq chatRequest
	var gotHeaders http.Header
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/chat/completions" {
			t.Errorf("path = %q", r.URL.Path)
		}
		gotHeaders = r.Header.Clone()
		if err := json.NewDecoder(r.Body).Decode(&gotReq); err != nil {
			t.Errorf("decode: %v", err)
		}
		writeChunks(w,
			": OPENROUTER PROCESSING",
			deltaLine("Hel"),
			deltaLine("lo"),
			"data: {not json",
			deltaLine(", world"),
			finishLine("stop"),
			"data: [DONE]",
		)
	}))
	defer srv.Close()

	c, fs := newTestClient(t, srv)
	var deltas []string
	comp, err := c.Stream(context.Background(), "openai/gpt-4.1", []Message{{Role: "user", Content: "hi"}}, func(d string) {
		deltas = append(deltas, d)
	})
	if err != nil {
		t.Fatalf("Stream: %v", err)
	}
	if diff := cmp.Diff([]string{"Hel", "lo", ", world"}, deltas); diff != "" {
		t.Errorf("deltas mismatch (-want +got):\n%s", diff)
	}
	if comp.Content != "Hello, world" || comp.FinishReason != "stop" {
		t.Errorf("completion = %+v", comp)
	}
	if len(fs.waits) != 0 {
		t.Errorf("slept %v on success", fs.waits)
	}

	if gotHeaders.Get("Authorization") != "Bearer sk-test" {
		t.Errorf("Authorization = %q", gotHeaders.Get("Authorization"))
	}
	if gotHeaders.Get("X-Title") != "Arena Test" || gotHeaders.Get("HTTP-Referer") != "https://arena.test" {
		t.Errorf("attribution headers = %q / %q", gotHeaders.Get("X-Title"), gotHeaders.Get("HTTP-Referer"))
	}
	if !gotReq.Stream || gotReq.MaxTokens != 1024 || gotReq.Model != "openai/gpt-4.1" {
		t.Errorf("request = %+v", gotReq)
	}
}

func TestStream_ContentFilterIsNormalCompletion(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeChunks(w, finishLine("content_filter"), "data: [DONE]")
	}))
	defer srv.Close()

	c, _ := newTestClient(t, srv)
	comp, err := c.Stream(context.Background(), "m", nil, nil)
	if err != nil {
		t.Fatalf("Stream: %v", err)
	}
	if comp.FinishReason != "content_filter" || comp.Content != "" {
		t.Errorf("completion = %+v", comp)
	}
}

func TestStream_DoneWithoutFinishReasonDefaultsToStop(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeChunks(w, deltaLine("x"), "data: [DONE]")
	}))
	defer srv.Close()

	c, _ := newTestClient(t, srv)
	comp, err := c.Stream(context.Background(), "m", nil, nil)
	if err != nil {
		t.Fatalf("Stream: %v", err)
	}
	if comp.FinishReason != "stop" {
		t.Errorf("FinishReason = %q, want stop", comp.FinishReason)
	}
}

func TestStream_IncompleteStream(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeChunks(w, deltaLine("partial"))
	}))
	defer srv.Close()

	c, _ := newTestClient(t, srv)
	_, err := c.Stream(context.Background(), "m", nil, nil)
	if !errors.Is(err, ErrIncompleteStream) {
		t.Errorf("err = %v, want ErrIncompleteStream", err)
	}
}

func TestStream_RetriesOn429ThenSucceeds(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.Header().Set("Retry-After", "2")
			w.WriteHeader(http.StatusTooManyRequests)
			fmt.Fprint(w, `{"error":{"message":"slow down"}}`)
			return
		}
		writeChunks(w, deltaLine("ok"), finishLine("stop"), "data: [DONE]")
	}))
	defer srv.Close()

	c, fs := newTestClient(t, srv)
	comp, err := c.Stream(context.Background(), "m", nil, nil)
	if err != nil {
		t.Fatalf("Stream: %v", err)
	}
	if comp.Content != "ok" {
		t.Errorf("Content = %q", comp.Content)
	}
	if calls.Load() != 2 {
		t.Errorf("calls = %d, want 2", calls.Load())
	}
	if diff := cmp.Diff([]time.Duration{2 * time.Second}, fs.waits); diff != "" {
		t.Errorf("waits mismatch (-want +got):\n%s", diff)
	}
}

func TestStream_TransientRetryBound(t *testing.T) {
	tests := []struct {
		name       string
		status     int
		retryAfter string
		wantWaits  []time.Duration
	}{
		{"503 exponential", http.StatusServiceUnavailable, "", []time.Duration{time.Second, 2 * time.Second}},
		{"429 huge hint capped", http.StatusTooManyRequests, "120", []time.Duration{15 * time.Second, 15 * time.Second}},
		{"503 fractional hint", http.StatusServiceUnavailable, "0.5", []time.Duration{500 * time.Millisecond, 500 * time.Millisecond}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var calls atomic.Int32
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				calls.Add(1)
				if tt.retryAfter != "" {
					w.Header().Set("Retry-After", tt.retryAfter)
				}
				w.WriteHeader(tt.status)
			}))
			defer srv.Close()

			c, fs := newTestClient(t, srv)
			_, err := c.Stream(context.Background(), "m", nil, nil)
			var se *StatusError
			if !errors.As(err, &se) || se.Code != tt.status {
				t.Fatalf("err = %v, want StatusError %d", err, tt.status)
			}
			if calls.Load() != 3 {
				t.Errorf("attempts = %d, want 3", calls.Load())
			}
			if diff := cmp.Diff(tt.wantWaits, fs.waits); diff != "" {
				t.Errorf("waits mismatch (-want +got):\n%s", diff)
			}
			if fs.total() > 30*time.Second {
				t.Errorf("total backoff = %v, want <= 30s", fs.total())
			}
		})
	}
}

func TestStream_NonTransientNotRetried(t *testing.T) {
	tests := []struct {
		name    string
		status  int
		body    string
		wantMsg string
	}{
		{"400 error.message", 400, `{"error":{"message":"bad model id","code":400}}`, "400 bad model id"},
		{"401 message", 401, `{"message":"no auth"}`, "401 no auth"},
		{"500 raw text", 500, "boom", "500 boom"},
		{"404 empty body", 404, "", "404 Not Found"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var calls atomic.Int32
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				calls.Add(1)
				w.WriteHeader(tt.status)
				fmt.Fprint(w, tt.body)
			}))
			defer srv.Close()

			c, fs := newTestClient(t, srv)
			_, err := c.Stream(context.Background(), "m", nil, nil)
			if err == nil || err.Error() != tt.wantMsg {
				t.Errorf("err = %v, want %q", err, tt.wantMsg)
			}
			if errors.Is(err, ErrTimeout) {
				t.Error("status error matched ErrTimeout")
			}
			if calls.Load() != 1 {
				t.Errorf("attempts = %d, want 1", calls.Load())
			}
			if len(fs.waits) != 0 {
				t.Errorf("waits = %v, want none", fs.waits)
			}
		})
	}
}

func TestStream_InBandErrorAfterDeltaNotRetried(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		writeChunks(w, deltaLine("half"), `data: {"error":{"code":503,"message":"provider dropped"}}`)
	}))
	defer srv.Close()

	c, _ := newTestClient(t, srv)
	var deltas []string
	_, err := c.Stream(context.Background(), "m", nil, func(d string) { deltas = append(deltas, d) })
	var se *StatusError
	if !errors.As(err, &se) || se.Code != 503 {
		t.Fatalf("err = %v, want StatusError 503", err)
	}
	if calls.Load() != 1 {
		t.Errorf("attempts = %d, want 1", calls.Load())
	}
	if len(deltas) != 1 {
		t.Errorf("deltas = %v, want exactly one", deltas)
	}
}

func TestStream_Timeout(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeChunks(w, deltaLine("start"))
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	ring, _ := NewKeyRing([]string{"k"})
	cfg := testConfig(srv.URL)
	cfg.Timeout = 100 * time.Millisecond
	c := New(cfg, ring)

	_, err := c.Stream(context.Background(), "m", nil, nil)
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("err = %v, want ErrTimeout", err)
	}
	var te *TimeoutError
	if !errors.As(err, &te) || te.Budget != 100*time.Millisecond {
		t.Errorf("err = %#v", err)
	}
	var se *StatusError
	if errors.As(err, &se) {
		t.Error("timeout matched StatusError")
	}
	if !strings.Contains(err.Error(), "timed out") {
		t.Errorf("message = %q", err.Error())
	}
}

func TestStream_BudgetExpiresDuringBackoff(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.Header().Set("Retry-After", "10")
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	ring, _ := NewKeyRing([]string{"k"})
	cfg := testConfig(srv.URL)
	cfg.Timeout = 150 * time.Millisecond
	c := New(cfg, ring)

	start := time.Now()
	_, err := c.Stream(context.Background(), "m", nil, nil)
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("err = %v, want ErrTimeout", err)
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Errorf("elapsed = %v, backoff was not cut short", elapsed)
	}
	if calls.Load() != 1 {
		t.Errorf("attempts = %d, want 1", calls.Load())
	}
}

func TestStream_RotatesKeys(t *testing.T) {
	var mu sync.Mutex
	var seen []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		seen = append(seen, r.Header.Get("Authorization"))
		mu.Unlock()
		writeChunks(w, finishLine("stop"))
	}))
	defer srv.Close()

	c, _ := newTestClient(t, srv, "k1", "k2")
	for i := 0; i < 4; i++ {
		if _, err := c.Stream(context.Background(), "m", nil, nil); err != nil {
			t.Fatal(err)
		}
	}
	want := []string{"Bearer k1", "Bearer k2", "Bearer k1", "Bearer k2"}
	if diff := cmp.Diff(want, seen); diff != "" {
		t.Errorf("keys mismatch (-want +got):\n%s", diff)
	}
}
