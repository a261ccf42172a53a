// Package judge asks a designated LLM to annotate a finished comparison
// session with behavioral flags.
package judge

import (
	"context"
	"errors"
	"fmt"

	"github.com/zulandar/arena/internal/config"
	"github.com/zulandar/arena/internal/upstream"
)

// Client sends one prompt to the judge model and returns its raw text.
type Client interface {
	Complete(ctx context.Context, prompt string) (string, error)
}

// Providers.
const (
	ProviderOpenRouter = "openrouter"
	ProviderAnthropic  = "anthropic"
	ProviderGemini     = "gemini"
)

// ErrInvalidOutput is returned when the judge's reply is not a valid flag array.
var ErrInvalidOutput = errors.New("judge: invalid output")

// Error is a failed judge call.
type Error struct {
	Provider   string
	StatusCode int // 0 when the call never got an HTTP status
	Timeout    bool
	Err        error
}

func (e *Error) Error() string {
	switch {
	case e.Timeout:
		return fmt.Sprintf("judge: %s: timed out: %v", e.Provider, e.Err)
	case e.StatusCode != 0:
		return fmt.Sprintf("judge: %s: status %d: %v", e.Provider, e.StatusCode, e.Err)
	default:
		return fmt.Sprintf("judge: %s: %v", e.Provider, e.Err)
	}
}

func (e *Error) Unwrap() error { return e.Err }

// Retryable reports whether a later attempt could succeed. Client errors
// other than 408 and 429 are final; everything else is transient.
func (e *Error) Retryable() bool {
	if e.Timeout || e.StatusCode == 0 {
		return true
	}
	switch {
	case e.StatusCode == 408, e.StatusCode == 429:
		return true
	case e.StatusCode >= 400 && e.StatusCode < 500:
		return false
	}
	return true
}

// IsPermanent reports whether err will not go away on retry.
func IsPermanent(err error) bool {
	if errors.Is(err, ErrInvalidOutput) {
		return true
	}
	var je *Error
	if errors.As(err, &je) {
		return !je.Retryable()
	}
	return false
}

// callError wraps a provider failure, marking deadline expiry as a timeout.
func callError(ctx context.Context, provider string, status int, err error) *Error {
	return &Error{
		Provider:   provider,
		StatusCode: status,
		Timeout:    errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded),
		Err:        err,
	}
}

// New builds the client selected by cfg.Provider. The OpenRouter client
// shares the fan-out key ring.
func New(ctx context.Context, cfg config.JudgeConfig, up config.UpstreamConfig, secrets *config.Secrets, keys *upstream.KeyRing) (Client, error) {
	switch cfg.Provider {
	case ProviderOpenRouter, "":
		if keys == nil {
			return nil, fmt.Errorf("judge: openrouter: %w", upstream.ErrNoKeys)
		}
		return NewOpenRouter(cfg, up, keys), nil
	case ProviderAnthropic:
		if secrets == nil || secrets.AnthropicKey == "" {
			return nil, fmt.Errorf("judge: anthropic: ANTHROPIC_API_KEY is not set")
		}
		return NewAnthropic(cfg, secrets.AnthropicKey), nil
	case ProviderGemini:
		if secrets == nil || secrets.GeminiKey == "" {
			return nil, fmt.Errorf("judge: gemini: GEMINI_API_KEY is not set")
		}
		return NewGemini(ctx, cfg, secrets.GeminiKey)
	default:
		return nil, fmt.Errorf("judge: unknown provider %q", cfg.Provider)
	}
}
