package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

func newWorkerCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "worker",
		Short: "Run the analysis job runner",
		Long: `Claims queued analysis jobs and runs them against the configured judge.
Jobs that fail permanently are reported to the configured alert channels.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWorker(cmd)
		},
	}
}

func runWorker(cmd *cobra.Command) error {
	ctx, a, err := setup(cmd)
	if err != nil {
		return err
	}
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	rt, err := a.runtime(ctx, true)
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Analysis worker %s started (judge %s/%s, concurrency %d)\n",
		rt.WorkerID(), a.cfg.Judge.Provider, a.cfg.Judge.Model, a.cfg.Worker.Concurrency)
	if err := rt.Start(ctx); err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), "Analysis worker stopped.")
	return nil
}
