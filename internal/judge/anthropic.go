package judge

import (
	"context"
	"errors"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/zulandar/arena/internal/config"
	"github.com/zulandar/arena/internal/metrics"
)

// Anthropic calls the judge through the Anthropic Messages API.
type Anthropic struct {
	client anthropic.Client
	cfg    config.JudgeConfig
}

// NewAnthropic returns an Anthropic judge.
func NewAnthropic(cfg config.JudgeConfig, apiKey string, opts ...option.RequestOption) *Anthropic {
	base := []option.RequestOption{
		option.WithAPIKey(apiKey),
		option.WithMaxRetries(0),
	}
	return &Anthropic{
		client: anthropic.NewClient(append(base, opts...)...),
		cfg:    cfg,
	}
}

// Complete implements Client.
func (a *Anthropic) Complete(ctx context.Context, prompt string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, a.cfg.Timeout)
	defer cancel()

	message, err := a.client.Messages.New(ctx, anthropic.MessageNewParams{
		Model:     anthropic.Model(a.cfg.Model),
		MaxTokens: int64(a.cfg.MaxTokens),
		Messages: []anthropic.MessageParam{{
			Role: anthropic.MessageParamRoleUser,
			Content: []anthropic.ContentBlockParamUnion{
				anthropic.NewTextBlock(prompt),
			},
		}},
		Temperature: anthropic.Float(a.cfg.Temperature),
	})
	if err != nil {
		status := 0
		var apiErr *anthropic.Error
		if errors.As(err, &apiErr) {
			status = apiErr.StatusCode
		}
		metrics.JudgeCalls.WithLabelValues(ProviderAnthropic, "error").Inc()
		return "", callError(ctx, ProviderAnthropic, status, err)
	}
	metrics.JudgeCalls.WithLabelValues(ProviderAnthropic, "ok").Inc()

	var b strings.Builder
	for _, content := range message.Content {
		if content.Type == "text" {
			b.WriteString(content.Text)
		}
	}
	return b.String(), nil
}
