// Package fanout streams one turn to several models at once and multiplexes
// their output onto a single event channel.
package fanout

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/chainguard-dev/clog"
	"github.com/zulandar/arena/internal/metrics"
	"github.com/zulandar/arena/internal/models"
	"github.com/zulandar/arena/internal/store"
	"github.com/zulandar/arena/internal/upstream"
	"golang.org/x/sync/errgroup"
)

// Event types.
const (
	EventDelta    = "delta"
	EventDone     = "done"
	EventError    = "error"
	EventComplete = "complete"
)

// Event is one message on the outbound stream.
type Event struct {
	Type         string            `json:"type"`
	SlotLabel    string            `json:"slotLabel,omitempty"`
	Delta        string            `json:"delta,omitempty"`
	ResponseID   string            `json:"responseId,omitempty"`
	FinishReason string            `json:"finishReason,omitempty"`
	Error        string            `json:"error,omitempty"`
	ResponseIDs  map[string]string `json:"responseIds,omitempty"`
}

// Recorder persists response rows. *store.Store satisfies it.
type Recorder interface {
	CreateResponses(ctx context.Context, turnID string, modelIDs []string) ([]models.Response, error)
	FinalizeResponse(ctx context.Context, responseID string, f store.Final) error
}

// Request is one turn to fan out. ModelIDs must be in session slot order.
type Request struct {
	SessionID string
	TurnID    string
	ModelIDs  []string
	Messages  []upstream.Message
}

// ErrInvalidRequest is returned by Run when the request is incomplete.
var ErrInvalidRequest = errors.New("fanout: invalid request")

// Validate checks required fields and the model-count bound.
func (r Request) Validate() error {
	if r.SessionID == "" || r.TurnID == "" {
		return fmt.Errorf("%w: sessionId and turnId are required", ErrInvalidRequest)
	}
	if len(r.Messages) == 0 {
		return fmt.Errorf("%w: messages are required", ErrInvalidRequest)
	}
	if err := store.ValidateModelIDs(r.ModelIDs); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	return nil
}

// Coordinator runs turns.
type Coordinator struct {
	streamer upstream.Streamer
	rec      Recorder
	buffer   int
}

// New returns a Coordinator.
func New(streamer upstream.Streamer, rec Recorder) *Coordinator {
	return &Coordinator{streamer: streamer, rec: rec, buffer: 64}
}

// Run creates the turn's response rows, starts one stream per model and
// returns the event channel. Every model ends with exactly one done or error
// event; a final complete event follows, then the channel closes.
//
// A turn streams once. When the store refuses the rows because the turn was
// already streamed or closed, Run returns that error and starts nothing. Any
// other row failure is logged and the models stream without persistence.
//
// Model tasks ignore cancellation of ctx: they stop only on their own
// timeout. Callers must drain the channel until it closes.
func (c *Coordinator) Run(ctx context.Context, req Request) (<-chan Event, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	ctx = context.WithoutCancel(ctx)
	log := clog.FromContext(ctx).With("session", req.SessionID).With("turn", req.TurnID)

	ids := make(map[string]string, len(req.ModelIDs))
	rows, err := c.rec.CreateResponses(ctx, req.TurnID, req.ModelIDs)
	if refused(err) {
		return nil, err
	}
	if err != nil {
		log.With("error", err.Error()).Error("fanout: create response rows failed, streaming without them")
		metrics.PersistFailures.WithLabelValues("create").Inc()
	}
	for _, r := range rows {
		ids[r.ModelID] = r.ID
	}

	out := make(chan Event, c.buffer)
	go func() {
		defer close(out)
		metrics.ActiveTurns.Inc()
		defer metrics.ActiveTurns.Dec()

		final := make([]string, len(req.ModelIDs))
		var g errgroup.Group
		for i, model := range req.ModelIDs {
			g.Go(func() error {
				t := task{
					slot:       models.SlotLabel(i),
					model:      model,
					responseID: ids[model],
					log:        log.With("slot", models.SlotLabel(i)).With("model", model),
				}
				final[i] = c.runModel(ctx, t, req.Messages, out)
				return nil
			})
		}
		_ = g.Wait()

		complete := make(map[string]string, len(req.ModelIDs))
		for i, model := range req.ModelIDs {
			complete[model] = final[i]
		}
		emit(out, Event{Type: EventComplete, ResponseIDs: complete})
	}()
	return out, nil
}

// refused reports whether err means the turn must not be streamed at all,
// as opposed to a storage failure that streaming can survive.
func refused(err error) bool {
	return errors.Is(err, store.ErrTurnStreamed) ||
		errors.Is(err, store.ErrRankingClosed) ||
		errors.Is(err, store.ErrSessionComplete) ||
		errors.Is(err, store.ErrNotFound)
}

type task struct {
	slot       string
	model      string
	responseID string
	log        *clog.Logger
}

// runModel streams one model and returns its finalized response id, or ""
// when the model failed.
func (c *Coordinator) runModel(ctx context.Context, t task, messages []upstream.Message, out chan<- Event) string {
	start := time.Now()
	comp, err := c.streamer.Stream(ctx, t.model, messages, func(delta string) {
		emit(out, Event{Type: EventDelta, SlotLabel: t.slot, Delta: delta})
	})
	if err != nil {
		t.log.With("error", err.Error()).Warn("fanout: model failed")
		metrics.ModelLatency.WithLabelValues("error").Observe(time.Since(start).Seconds())
		emit(out, Event{Type: EventError, SlotLabel: t.slot, Error: describe(err)})
		return ""
	}
	metrics.ModelLatency.WithLabelValues("done").Observe(comp.Latency.Seconds())

	if t.responseID != "" {
		if err := c.rec.FinalizeResponse(ctx, t.responseID, store.Final{
			Content:      comp.Content,
			FinishReason: comp.FinishReason,
			Latency:      comp.Latency,
		}); err != nil {
			t.log.With("error", err.Error()).Error("fanout: finalize response failed")
			metrics.PersistFailures.WithLabelValues("finalize").Inc()
		}
	}
	emit(out, Event{Type: EventDone, SlotLabel: t.slot, ResponseID: t.responseID, FinishReason: comp.FinishReason})
	return t.responseID
}

func emit(out chan<- Event, e Event) {
	metrics.StreamEvents.WithLabelValues(e.Type).Inc()
	out <- e
}

// describe turns a model failure into the message shown in place of its response.
func describe(err error) string {
	var se *upstream.StatusError
	switch {
	case errors.Is(err, upstream.ErrTimeout):
		return err.Error()
	case errors.As(err, &se):
		return "upstream error " + se.Error()
	case errors.Is(err, upstream.ErrIncompleteStream):
		return "stream ended unexpectedly"
	default:
		return "model request failed"
	}
}
