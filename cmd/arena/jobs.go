package main

import (
	"errors"
	"fmt"
	"io"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/olekukonko/tablewriter"
	"github.com/olekukonko/tablewriter/renderer"
	"github.com/olekukonko/tablewriter/tw"
	"github.com/spf13/cobra"
	"github.com/zulandar/arena/internal/analysis"
	"github.com/zulandar/arena/internal/models"
	"github.com/zulandar/arena/internal/workflow"
)

func newJobsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "jobs",
		Short: "Inspect and retry analysis jobs",
	}

	cmd.AddCommand(newJobsListCmd())
	cmd.AddCommand(newJobsRetryCmd())
	return cmd
}

var jobStages = []string{
	models.StageQueued, models.StageLoading, models.StageJudging, models.StageWriting,
	models.StageSkipped, models.StageDone, models.StageFailed,
}

func newJobsListCmd() *cobra.Command {
	var (
		stage string
		limit int
	)

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List recent analysis jobs",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runJobsList(cmd, stage, limit)
		},
	}

	cmd.Flags().StringVar(&stage, "stage", "", "filter by stage ("+strings.Join(jobStages, ", ")+")")
	cmd.Flags().IntVar(&limit, "limit", 50, "maximum jobs to show")
	return cmd
}

func runJobsList(cmd *cobra.Command, stage string, limit int) error {
	if stage != "" && !slices.Contains(jobStages, stage) {
		return fmt.Errorf("unknown stage %q (want one of %s)", stage, strings.Join(jobStages, ", "))
	}
	ctx, a, err := setup(cmd)
	if err != nil {
		return err
	}
	jobs, err := workflow.ListJobs(ctx, a.db, stage, limit)
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	if len(jobs) == 0 {
		fmt.Fprintln(out, "No jobs found.")
		return nil
	}
	writeJobTable(out, jobs)
	return nil
}

func writeJobTable(w io.Writer, jobs []models.AnalysisJob) {
	table := tablewriter.NewTable(w,
		tablewriter.WithHeader([]string{"ID", "SESSION", "STAGE", "ATTEMPTS", "UPDATED", "LAST ERROR"}),
		tablewriter.WithRenderer(renderer.NewBlueprint()),
		tablewriter.WithRendition(tw.Rendition{
			Symbols: tw.NewSymbols(tw.StyleMarkdown),
			Borders: tw.Border{Left: tw.On, Top: tw.Off, Right: tw.On, Bottom: tw.Off},
		}),
		tablewriter.WithRowAutoWrap(tw.WrapNone),
	)
	for _, j := range jobs {
		_ = table.Append([]string{
			strconv.FormatUint(uint64(j.ID), 10),
			j.Subject,
			j.Stage,
			fmt.Sprintf("%d/%d", j.Attempts, j.MaxAttempts),
			j.UpdatedAt.Format(time.DateTime),
			truncate(j.LastError, 60),
		})
	}
	_ = table.Render()
}

func truncate(s string, n int) string {
	s = strings.ReplaceAll(s, "\n", " ")
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}

func newJobsRetryCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "retry <sessionId>",
		Short: "Re-queue a failed analysis, or enqueue one that never ran",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runJobsRetry(cmd, args[0])
		},
	}
}

func runJobsRetry(cmd *cobra.Command, sessionID string) error {
	ctx, a, err := setup(cmd)
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	rt, err := a.runtime(ctx, false)
	if err != nil {
		return err
	}

	err = rt.Retry(ctx, analysis.DedupID(sessionID))
	switch {
	case err == nil:
		fmt.Fprintf(out, "Re-queued analysis for session %s\n", sessionID)
		return nil
	case errors.Is(err, workflow.ErrJobNotFound):
		sess, err := a.store.GetSession(ctx, sessionID)
		if err != nil {
			return err
		}
		if !sess.IsComplete {
			return fmt.Errorf("session %s is not complete", sessionID)
		}
		if _, err := rt.Send(ctx, analysis.CompletedEvent(sessionID)); err != nil {
			return err
		}
		fmt.Fprintf(out, "Enqueued analysis for session %s\n", sessionID)
		return nil
	case errors.Is(err, workflow.ErrNotRetryable):
		job, getErr := rt.Get(ctx, analysis.DedupID(sessionID))
		if getErr != nil {
			return getErr
		}
		return fmt.Errorf("job for session %s is %s, only failed jobs can be retried", sessionID, job.Stage)
	default:
		return err
	}
}
