package analysis

import (
	"context"
	"fmt"

	"github.com/chainguard-dev/clog"
	"github.com/robfig/cron/v3"
	"github.com/zulandar/arena/internal/metrics"
	"github.com/zulandar/arena/internal/store"
	"github.com/zulandar/arena/internal/workflow"
)

// Sender enqueues workflow events. *workflow.Runtime satisfies it.
type Sender interface {
	Send(ctx context.Context, ev workflow.Event) (bool, error)
}

// Backfill re-triggers analysis for completed sessions that have neither
// flags nor a finished analysis job.
type Backfill struct {
	store  *store.Store
	sender Sender
	batch  int
}

// NewBackfill returns a Backfill that handles up to batch sessions per run.
func NewBackfill(st *store.Store, sender Sender, batch int) *Backfill {
	if batch <= 0 {
		batch = 50
	}
	return &Backfill{store: st, sender: sender, batch: batch}
}

// RunOnce sends the completion event for each unanalyzed session. Sessions
// with an in-flight job collapse onto it. It returns how many new jobs were
// created.
func (b *Backfill) RunOnce(ctx context.Context) (int, error) {
	ids, err := b.store.UnanalyzedSessions(ctx, FunctionName, b.batch)
	if err != nil {
		return 0, fmt.Errorf("analysis: backfill: %w", err)
	}
	log := clog.FromContext(ctx)
	created := 0
	for _, id := range ids {
		ok, err := b.sender.Send(ctx, CompletedEvent(id))
		if err != nil {
			log.With("session", id).With("error", err.Error()).Warn("analysis: backfill send failed")
			continue
		}
		if ok {
			created++
		}
	}
	metrics.BackfillEnqueued.Add(float64(created))
	log.Infof("analysis: backfill found %d sessions, enqueued %d", len(ids), created)
	return created, nil
}

// Schedule registers RunOnce on c with a standard 5-field cron spec.
func (b *Backfill) Schedule(ctx context.Context, c *cron.Cron, spec string) (cron.EntryID, error) {
	id, err := c.AddFunc(spec, func() {
		if _, err := b.RunOnce(ctx); err != nil {
			clog.FromContext(ctx).With("error", err.Error()).Error("analysis: scheduled backfill failed")
		}
	})
	if err != nil {
		return 0, fmt.Errorf("analysis: schedule backfill %q: %w", spec, err)
	}
	return id, nil
}
