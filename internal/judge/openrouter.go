package judge

import (
	"context"
	"errors"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/zulandar/arena/internal/config"
	"github.com/zulandar/arena/internal/metrics"
	"github.com/zulandar/arena/internal/upstream"
)

// OpenRouter calls the judge through OpenRouter's OpenAI-compatible API.
type OpenRouter struct {
	client openai.Client
	keys   *upstream.KeyRing
	cfg    config.JudgeConfig
}

// NewOpenRouter returns an OpenRouter judge. Extra options are appended to
// the client options, which lets tests point it at a fake server.
func NewOpenRouter(cfg config.JudgeConfig, up config.UpstreamConfig, keys *upstream.KeyRing, opts ...option.RequestOption) *OpenRouter {
	base := []option.RequestOption{
		option.WithBaseURL(up.BaseURL + "/"),
		option.WithMaxRetries(0),
		option.WithHeader("HTTP-Referer", up.Referer),
		option.WithHeader("X-Title", up.Title+" Judge"),
	}
	return &OpenRouter{
		client: openai.NewClient(append(base, opts...)...),
		keys:   keys,
		cfg:    cfg,
	}
}

// Complete implements Client.
func (o *OpenRouter) Complete(ctx context.Context, prompt string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, o.cfg.Timeout)
	defer cancel()

	resp, err := o.client.Chat.Completions.New(ctx, openai.ChatCompletionNewParams{
		Model: openai.ChatModel(o.cfg.Model),
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.UserMessage(prompt),
		},
		MaxTokens:   openai.Int(int64(o.cfg.MaxTokens)),
		Temperature: openai.Float(o.cfg.Temperature),
	}, option.WithAPIKey(o.keys.Next()))
	if err != nil {
		status := 0
		var apiErr *openai.Error
		if errors.As(err, &apiErr) {
			status = apiErr.StatusCode
		}
		metrics.JudgeCalls.WithLabelValues(ProviderOpenRouter, "error").Inc()
		return "", callError(ctx, ProviderOpenRouter, status, err)
	}
	metrics.JudgeCalls.WithLabelValues(ProviderOpenRouter, "ok").Inc()

	if len(resp.Choices) == 0 {
		return "", nil
	}
	return resp.Choices[0].Message.Content, nil
}
