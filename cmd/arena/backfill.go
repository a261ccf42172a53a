package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/zulandar/arena/internal/analysis"
)

func newBackfillCmd() *cobra.Command {
	var batch int

	cmd := &cobra.Command{
		Use:   "backfill",
		Short: "Enqueue analysis for completed sessions that were never analysed",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runBackfill(cmd, batch)
		},
	}

	cmd.Flags().IntVar(&batch, "batch", 0, "maximum sessions to enqueue (overrides backfill.batch_size)")
	return cmd
}

func runBackfill(cmd *cobra.Command, batch int) error {
	ctx, a, err := setup(cmd)
	if err != nil {
		return err
	}
	rt, err := a.runtime(ctx, false)
	if err != nil {
		return err
	}
	if batch <= 0 {
		batch = a.cfg.Backfill.BatchSize
	}
	n, err := analysis.NewBackfill(a.store, rt, batch).RunOnce(ctx)
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Enqueued %d session(s) for analysis\n", n)
	return nil
}
