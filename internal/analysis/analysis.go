// Package analysis runs the judge over completed sessions and records the
// behavioral flags it finds.
package analysis

import (
	"context"
	"errors"
	"fmt"

	"github.com/chainguard-dev/clog"
	"github.com/zulandar/arena/internal/judge"
	"github.com/zulandar/arena/internal/metrics"
	"github.com/zulandar/arena/internal/models"
	"github.com/zulandar/arena/internal/store"
	"github.com/zulandar/arena/internal/workflow"
)

const (
	// EventSessionCompleted is sent when a user finishes a session.
	EventSessionCompleted = "session.completed"
	// FunctionName is the workflow function that analyzes a session.
	FunctionName = "analyze-session"
)

// DedupID is the dedup id of the analysis trigger for a session.
func DedupID(sessionID string) string {
	return "analyze-" + sessionID
}

// CompletedEvent is the trigger for analyzing sessionID.
func CompletedEvent(sessionID string) workflow.Event {
	return workflow.Event{
		Name:    EventSessionCompleted,
		ID:      DedupID(sessionID),
		Subject: sessionID,
		Data:    payload{SessionID: sessionID},
	}
}

type payload struct {
	SessionID string `json:"sessionId"`
}

// Analyzer is the analyze-session workflow function.
type Analyzer struct {
	store        *store.Store
	judge        judge.Client
	contentLimit int
}

// New returns an Analyzer. contentLimit caps each response's content in the
// judge prompt, in runes.
func New(st *store.Store, j judge.Client, contentLimit int) *Analyzer {
	return &Analyzer{store: st, judge: j, contentLimit: contentLimit}
}

// Register subscribes the analyzer to session completion events.
func (a *Analyzer) Register(rt *workflow.Runtime) error {
	return rt.Register(workflow.Function{
		Name:    FunctionName,
		Trigger: EventSessionCompleted,
		Handler: a.Handle,
	})
}

// stepWriteFlags names the final memoized step.
const stepWriteFlags = "write-flags"

// Handle runs one attempt. Steps that already succeeded on an earlier
// attempt are replayed from their stored output. The already-analyzed check
// is evaluated on every attempt, after confirming the flags it would find
// were not written by this job.
func (a *Analyzer) Handle(ctx context.Context, run *workflow.Run) error {
	var p payload
	if err := run.Payload(&p); err != nil {
		return err
	}
	if p.SessionID == "" {
		return workflow.Permanent(errors.New("analysis: payload has no sessionId"))
	}
	log := clog.FromContext(ctx).With("session", p.SessionID)
	ctx = clog.WithLogger(ctx, log)

	if err := run.SetStage(ctx, models.StageLoading); err != nil {
		return err
	}

	// Flags written by an earlier attempt of this job are its own output.
	written, err := run.Done(ctx, stepWriteFlags)
	if err != nil {
		return err
	}
	if written {
		log.Info("analysis: flags already written by this job")
		return nil
	}

	n, err := a.store.CountFlags(ctx, p.SessionID)
	if err != nil {
		return err
	}
	if n > 0 {
		log.Infof("analysis: already analyzed (%d flags), skipping", n)
		return run.SetStage(ctx, models.StageSkipped)
	}

	tr, err := workflow.Step(ctx, run, "load-session-data", func(ctx context.Context) (*store.Transcript, error) {
		tr, err := a.store.LoadTranscript(ctx, p.SessionID)
		if errors.Is(err, store.ErrNotFound) {
			return nil, workflow.Permanent(err)
		}
		return tr, err
	})
	if err != nil {
		return err
	}
	if len(tr.Turns) == 0 {
		log.Info("analysis: session has no turns, skipping")
		return run.SetStage(ctx, models.StageSkipped)
	}
	log.With("turns", len(tr.Turns)).With("responses", len(tr.Responses)).With("rankings", len(tr.Rankings)).
		Info("analysis: session data loaded")

	summary := BuildSummary(tr, a.contentLimit)
	turnIDs := make([]string, len(tr.Turns))
	for i, t := range tr.Turns {
		turnIDs[i] = t.ID
	}

	if err := run.SetStage(ctx, models.StageJudging); err != nil {
		return err
	}
	flags, err := workflow.Step(ctx, run, "call-judge", func(ctx context.Context) ([]judge.Flag, error) {
		prompt, err := judge.RenderPrompt(summary)
		if err != nil {
			return nil, workflow.Permanent(err)
		}
		raw, err := a.judge.Complete(ctx, prompt)
		if err != nil {
			if judge.IsPermanent(err) {
				return nil, workflow.Permanent(err)
			}
			return nil, err
		}
		flags, err := judge.ParseFlags(raw, tr.Session.ModelIDs, turnIDs)
		if err != nil {
			return nil, workflow.Permanent(err)
		}
		log.With("raw_length", len(raw)).With("flags", len(flags)).Info("analysis: judge responded")
		return flags, nil
	})
	if err != nil {
		return err
	}

	if err := run.SetStage(ctx, models.StageWriting); err != nil {
		return err
	}
	if _, err := workflow.Step(ctx, run, stepWriteFlags, func(ctx context.Context) (int, error) {
		if len(flags) == 0 {
			log.Info("analysis: no flags detected")
			return 0, nil
		}
		rows := make([]models.BehavioralFlag, len(flags))
		for i, f := range flags {
			rows[i] = f.Model(p.SessionID)
		}
		if err := a.store.InsertFlags(ctx, rows); err != nil {
			return 0, fmt.Errorf("analysis: write flags: %w", err)
		}
		for _, f := range flags {
			metrics.FlagsWritten.WithLabelValues(f.FlagType).Inc()
		}
		log.Infof("analysis: %d flags written", len(rows))
		return len(rows), nil
	}); err != nil {
		return err
	}
	return nil
}
