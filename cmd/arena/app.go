package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"strings"

	"github.com/chainguard-dev/clog"
	"github.com/spf13/cobra"
	"github.com/zulandar/arena/internal/alert"
	"github.com/zulandar/arena/internal/alert/discord"
	"github.com/zulandar/arena/internal/alert/slack"
	"github.com/zulandar/arena/internal/analysis"
	"github.com/zulandar/arena/internal/config"
	"github.com/zulandar/arena/internal/db"
	"github.com/zulandar/arena/internal/judge"
	"github.com/zulandar/arena/internal/store"
	"github.com/zulandar/arena/internal/upstream"
	"github.com/zulandar/arena/internal/workflow"
	"gorm.io/gorm"
)

// app bundles what every subcommand needs.
type app struct {
	cfg     *config.Config
	secrets *config.Secrets
	db      *gorm.DB
	store   *store.Store
}

// loadConfig reads the --config file. A missing file falls back to defaults
// unless the flag was set explicitly.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	path, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(path)
	if err == nil {
		return cfg, nil
	}
	if errors.Is(err, fs.ErrNotExist) && !cmd.Flags().Changed("config") {
		return config.Default(), nil
	}
	return nil, fmt.Errorf("load config: %w", err)
}

// loadSecrets loads the dotenv file and reads credentials from the environment.
func loadSecrets(cmd *cobra.Command) (*config.Secrets, error) {
	envFile, _ := cmd.Flags().GetString("env-file")
	if err := config.LoadDotEnv(envFile); err != nil {
		return nil, err
	}
	return config.LoadSecrets(cmdContext(cmd))
}

func cmdContext(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}

// newLogger builds the process logger from the log section.
func newLogger(cfg config.LogConfig, w io.Writer) *clog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(strings.ToUpper(cfg.Level))); err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if cfg.Format == "json" {
		return clog.New(slog.NewJSONHandler(w, opts))
	}
	return clog.New(slog.NewTextHandler(w, opts))
}

// setup loads configuration and secrets, installs the logger on the command
// context and connects to the database.
func setup(cmd *cobra.Command) (context.Context, *app, error) {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return nil, nil, err
	}
	secrets, err := loadSecrets(cmd)
	if err != nil {
		return nil, nil, err
	}
	ctx := clog.WithLogger(cmdContext(cmd), newLogger(cfg.Log, cmd.ErrOrStderr()))

	gdb, err := connectFromConfig(cfg, secrets)
	if err != nil {
		return nil, nil, err
	}
	return ctx, &app{cfg: cfg, secrets: secrets, db: gdb, store: store.New(gdb)}, nil
}

func connectFromConfig(cfg *config.Config, secrets *config.Secrets) (*gorm.DB, error) {
	password := ""
	if secrets != nil {
		password = secrets.DatabasePassword
	}
	gdb, err := db.Connect(cfg.Database, password)
	if err != nil {
		return nil, err
	}
	if err := db.AutoMigrate(gdb); err != nil {
		return nil, err
	}
	return gdb, nil
}

// keyRing returns the OpenRouter key ring, or nil when no keys are set.
func (a *app) keyRing() *upstream.KeyRing {
	if len(a.secrets.OpenRouterKeys) == 0 {
		return nil
	}
	ring, err := upstream.NewKeyRing(a.secrets.OpenRouterKeys)
	if err != nil {
		return nil
	}
	return ring
}

// notifier assembles the configured alert destinations. It returns nil when
// none is enabled.
func (a *app) notifier(ctx context.Context) alert.Notifier {
	log := clog.FromContext(ctx)
	var multi alert.Multi
	if ch := a.cfg.Alerts.Slack.Channel; ch != "" && a.secrets.SlackBotToken != "" {
		n, err := slack.New(slack.Opts{BotToken: a.secrets.SlackBotToken, ChannelID: ch})
		if err != nil {
			log.With("error", err.Error()).Warn("alerts: slack disabled")
		} else {
			multi = append(multi, n)
		}
	}
	if ch := a.cfg.Alerts.Discord.Channel; ch != "" && a.secrets.DiscordBotToken != "" {
		n, err := discord.New(discord.Opts{BotToken: a.secrets.DiscordBotToken, ChannelID: ch})
		if err != nil {
			log.With("error", err.Error()).Warn("alerts: discord disabled")
		} else {
			multi = append(multi, n)
		}
	}
	if len(multi) == 0 {
		return nil
	}
	return multi
}

// runtime builds the job runtime. With a judge it also registers the
// analysis function so the runtime can execute jobs; without one it can only
// enqueue and inspect them.
func (a *app) runtime(ctx context.Context, withJudge bool) (*workflow.Runtime, error) {
	opts := workflow.OptionsFromConfig(a.cfg.Worker)
	opts.OnPermanentFailure = alert.FailureHook(a.notifier(ctx))
	rt := workflow.New(a.db, opts)

	var j judge.Client
	if withJudge {
		var err error
		j, err = judge.New(ctx, a.cfg.Judge, a.cfg.Upstream, a.secrets, a.keyRing())
		if err != nil {
			return nil, err
		}
	}
	if err := analysis.New(a.store, j, a.cfg.Judge.ContentLimit).Register(rt); err != nil {
		return nil, err
	}
	return rt, nil
}
