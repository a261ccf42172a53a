package judge

import (
	"context"
	"fmt"
	"strings"

	"github.com/zulandar/arena/internal/config"
	"github.com/zulandar/arena/internal/metrics"
	"google.golang.org/genai"
)

// Gemini calls the judge through the Gemini API.
type Gemini struct {
	client *genai.Client
	cfg    config.JudgeConfig
}

// NewGemini returns a Gemini judge.
func NewGemini(ctx context.Context, cfg config.JudgeConfig, apiKey string) (*Gemini, error) {
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("judge: gemini: create client: %w", err)
	}
	return &Gemini{client: client, cfg: cfg}, nil
}

// Complete implements Client.
func (g *Gemini) Complete(ctx context.Context, prompt string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, g.cfg.Timeout)
	defer cancel()

	temp := float32(g.cfg.Temperature)
	resp, err := g.client.Models.GenerateContent(ctx, g.cfg.Model, genai.Text(prompt), &genai.GenerateContentConfig{
		Temperature:      &temp,
		MaxOutputTokens:  int32(g.cfg.MaxTokens),
		ResponseMIMEType: "application/json",
	})
	if err != nil {
		metrics.JudgeCalls.WithLabelValues(ProviderGemini, "error").Inc()
		return "", callError(ctx, ProviderGemini, geminiStatus(err), err)
	}
	metrics.JudgeCalls.WithLabelValues(ProviderGemini, "ok").Inc()

	if len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
		return "", nil
	}
	var b strings.Builder
	for _, part := range resp.Candidates[0].Content.Parts {
		if part.Thought {
			continue
		}
		b.WriteString(part.Text)
	}
	return b.String(), nil
}

// geminiStatus recovers an HTTP status from a Gemini error message. The SDK
// does not expose a stable typed error across backends.
func geminiStatus(err error) int {
	msg := err.Error()
	switch {
	case strings.Contains(msg, "RESOURCE_EXHAUSTED"), strings.Contains(msg, "429"), strings.Contains(msg, "quota exceeded"):
		return 429
	case strings.Contains(msg, "UNAVAILABLE"), strings.Contains(msg, "503"), strings.Contains(msg, "Overloaded"):
		return 503
	case strings.Contains(msg, "INTERNAL"), strings.Contains(msg, "500"):
		return 500
	case strings.Contains(msg, "INVALID_ARGUMENT"), strings.Contains(msg, "FAILED_PRECONDITION"), strings.Contains(msg, "400"):
		return 400
	case strings.Contains(msg, "PERMISSION_DENIED"), strings.Contains(msg, "403"):
		return 403
	case strings.Contains(msg, "NOT_FOUND"), strings.Contains(msg, "404"):
		return 404
	}
	return 0
}
