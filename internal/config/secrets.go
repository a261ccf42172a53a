package config

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"

	"github.com/joho/godotenv"
	"github.com/sethvargo/go-envconfig"
)

// Secrets are credentials read from the environment, never from arena.yaml.
type Secrets struct {
	OpenRouterKeys   []string `env:"OPENROUTER_API_KEY"`
	AnthropicKey     string   `env:"ANTHROPIC_API_KEY"`
	GeminiKey        string   `env:"GEMINI_API_KEY"`
	DatabasePassword string   `env:"ARENA_DB_PASSWORD"`
	SlackBotToken    string   `env:"SLACK_BOT_TOKEN"`
	DiscordBotToken  string   `env:"DISCORD_BOT_TOKEN"`
}

// LoadDotEnv loads KEY=value pairs from path into the process environment.
// A missing file is not an error; variables already set win.
func LoadDotEnv(path string) error {
	if _, err := os.Stat(path); errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err := godotenv.Load(path); err != nil {
		return fmt.Errorf("config: load %s: %w", path, err)
	}
	return nil
}

// LoadSecrets reads Secrets from the process environment.
func LoadSecrets(ctx context.Context) (*Secrets, error) {
	return LoadSecretsFrom(ctx, envconfig.OsLookuper())
}

// LoadSecretsFrom reads Secrets through the given lookuper.
func LoadSecretsFrom(ctx context.Context, l envconfig.Lookuper) (*Secrets, error) {
	var s Secrets
	if err := envconfig.ProcessWith(ctx, &envconfig.Config{
		Target:   &s,
		Lookuper: l,
	}); err != nil {
		return nil, fmt.Errorf("config: secrets: %w", err)
	}
	s.OpenRouterKeys = cleanKeys(s.OpenRouterKeys)
	return &s, nil
}

func cleanKeys(keys []string) []string {
	out := keys[:0]
	for _, k := range keys {
		if k = strings.TrimSpace(k); k != "" {
			out = append(out, k)
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}
