package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/chainguard-dev/clog"
	"github.com/robfig/cron/v3"
	"github.com/spf13/cobra"
	"github.com/zulandar/arena/internal/analysis"
	"github.com/zulandar/arena/internal/fanout"
	"github.com/zulandar/arena/internal/ratelimit"
	"github.com/zulandar/arena/internal/server"
	"github.com/zulandar/arena/internal/upstream"
	"golang.org/x/sync/errgroup"
)

func newServeCmd() *cobra.Command {
	var (
		port       int
		withWorker bool
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the Arena HTTP API",
		Long: `Starts the HTTP API with the streaming fan-out endpoint and schedules the
analysis backfill sweep. With --with-worker the judge job runner runs in the
same process.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd, port, withWorker)
		},
	}

	cmd.Flags().IntVarP(&port, "port", "p", 0, "listen port (overrides server.port)")
	cmd.Flags().BoolVar(&withWorker, "with-worker", false, "also run the analysis job runner")
	return cmd
}

func runServe(cmd *cobra.Command, port int, withWorker bool) error {
	ctx, a, err := setup(cmd)
	if err != nil {
		return err
	}
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()
	log := clog.FromContext(ctx)

	keys := a.keyRing()
	if keys == nil {
		return fmt.Errorf("serve: %w: set OPENROUTER_API_KEY", upstream.ErrNoKeys)
	}
	rt, err := a.runtime(ctx, withWorker)
	if err != nil {
		return err
	}

	c := cron.New()
	var limiter ratelimit.Limiter
	if a.cfg.RateLimit.Store == "memory" {
		mem := ratelimit.NewMemoryLimiter(a.cfg.RateLimit.Requests, a.cfg.RateLimit.Window, a.cfg.RateLimit.Prefix)
		if _, err := c.AddFunc("@every 1m", mem.Sweep); err != nil {
			return fmt.Errorf("serve: schedule limiter sweep: %w", err)
		}
		limiter = mem
		log.Warn("serve: in-memory rate limiter counts per process and undercounts across instances")
	} else {
		limiter = ratelimit.NewDBLimiter(a.db, a.cfg.RateLimit.Requests, a.cfg.RateLimit.Window, a.cfg.RateLimit.Prefix)
	}

	if !a.cfg.Backfill.Disabled {
		bf := analysis.NewBackfill(a.store, rt, a.cfg.Backfill.BatchSize)
		id, err := bf.Schedule(ctx, c, a.cfg.Backfill.Schedule)
		if err != nil {
			return err
		}
		log.With("next", c.Entry(id).Schedule.Next(time.Now()).Format(time.RFC3339)).Info("serve: backfill scheduled")
	}
	c.Start()
	defer c.Stop()

	if port == 0 {
		port = a.cfg.Server.Port
	}
	opts := server.StartOpts{
		Deps: server.Deps{
			Store:   a.store,
			Fanout:  fanout.New(upstream.New(a.cfg.Upstream, keys), a.store),
			Limiter: limiter,
			Events:  rt,
		},
		Port:           port,
		TrustedProxies: a.cfg.Server.TrustedProxies,
		Out:            cmd.OutOrStdout(),
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return server.Start(gctx, opts)
	})
	if withWorker {
		fmt.Fprintf(cmd.OutOrStdout(), "Analysis worker %s started (concurrency %d)\n", rt.WorkerID(), a.cfg.Worker.Concurrency)
		g.Go(func() error {
			return rt.Start(gctx)
		})
	}
	return g.Wait()
}
