package fanout

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/zulandar/arena/internal/db"
	"github.com/zulandar/arena/internal/metrics"
	"github.com/zulandar/arena/internal/models"
	"github.com/zulandar/arena/internal/store"
	"github.com/zulandar/arena/internal/upstream"
)

// script describes how the fake streamer behaves for one model.
type script struct {
	deltas []string
	finish string
	err    error
	delay  time.Duration
}

type fakeStreamer struct {
	scripts map[string]script
	mu      sync.Mutex
	ctxErrs []error
}

func (f *fakeStreamer) Stream(ctx context.Context, model string, _ []upstream.Message, onDelta func(string)) (*upstream.Completion, error) {
	f.mu.Lock()
	f.ctxErrs = append(f.ctxErrs, ctx.Err())
	f.mu.Unlock()

	s := f.scripts[model]
	var b strings.Builder
	for _, d := range s.deltas {
		if s.delay > 0 {
			time.Sleep(s.delay)
		}
		b.WriteString(d)
		onDelta(d)
	}
	if s.err != nil {
		return nil, s.err
	}
	return &upstream.Completion{Content: b.String(), FinishReason: s.finish, Latency: 42 * time.Millisecond}, nil
}

func testStore(t *testing.T) *store.Store {
	t.Helper()
	gdb, err := db.ConnectSQLite(":memory:")
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	if err := db.AutoMigrate(gdb); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return store.New(gdb)
}

func seedTurn(t *testing.T, s *store.Store, modelIDs []string) (*models.Session, *models.Turn) {
	t.Helper()
	ctx := context.Background()
	sess, err := s.CreateSession(ctx, "", modelIDs)
	if err != nil {
		t.Fatal(err)
	}
	turn, err := s.CreateTurn(ctx, sess.ID, "compare")
	if err != nil {
		t.Fatal(err)
	}
	return sess, turn
}

func collect(t *testing.T, ch <-chan Event) []Event {
	t.Helper()
	var events []Event
	timeout := time.After(5 * time.Second)
	for {
		select {
		case e, ok := <-ch:
			if !ok {
				return events
			}
			events = append(events, e)
		case <-timeout:
			t.Fatal("stream did not close")
		}
	}
}

func messages() []upstream.Message {
	return []upstream.Message{{Role: "user", Content: "compare"}}
}

func TestRun_ExactlyOneTerminalPerModelAndTrailingComplete(t *testing.T) {
	s := testStore(t)
	ids := []string{"m1", "m2", "m3", "m4"}
	sess, turn := seedTurn(t, s, ids)

	fs := &fakeStreamer{scripts: map[string]script{
		"m1": {deltas: []string{"a", "b"}, finish: "stop"},
		"m2": {err: &upstream.StatusError{Code: 400, Message: "bad"}},
		"m3": {deltas: []string{"x"}, finish: "length", delay: time.Millisecond},
		"m4": {finish: "content_filter"},
	}}
	ch, err := New(fs, s).Run(context.Background(), Request{SessionID: sess.ID, TurnID: turn.ID, ModelIDs: ids, Messages: messages()})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	events := collect(t, ch)

	terminal := map[string]int{}
	for _, e := range events[:len(events)-1] {
		if e.Type == EventComplete {
			t.Fatal("complete event before the end")
		}
		if e.Type == EventDone || e.Type == EventError {
			terminal[e.SlotLabel]++
		}
	}
	for _, slot := range []string{"A", "B", "C", "D"} {
		if terminal[slot] != 1 {
			t.Errorf("slot %s terminal events = %d, want 1", slot, terminal[slot])
		}
	}
	last := events[len(events)-1]
	if last.Type != EventComplete {
		t.Fatalf("last event = %+v, want complete", last)
	}
	if len(last.ResponseIDs) != 4 {
		t.Errorf("complete map = %v, want 4 keys", last.ResponseIDs)
	}
	if last.ResponseIDs["m2"] != "" {
		t.Errorf("errored model id = %q, want blank", last.ResponseIDs["m2"])
	}
	for _, m := range []string{"m1", "m3", "m4"} {
		if last.ResponseIDs[m] == "" {
			t.Errorf("model %s missing from complete map", m)
		}
	}
}

func TestRun_PersistedContentEqualsDeltas(t *testing.T) {
	s := testStore(t)
	ids := []string{"alpha", "beta"}
	sess, turn := seedTurn(t, s, ids)

	fs := &fakeStreamer{scripts: map[string]script{
		"alpha": {deltas: []string{"The ", "quick ", "brown ", "fox"}, finish: "stop"},
		"beta":  {deltas: []string{"lorem", " ipsum"}, finish: "stop", delay: time.Millisecond},
	}}
	ch, err := New(fs, s).Run(context.Background(), Request{SessionID: sess.ID, TurnID: turn.ID, ModelIDs: ids, Messages: messages()})
	if err != nil {
		t.Fatal(err)
	}
	events := collect(t, ch)

	streamed := map[string]string{}
	doneIDs := map[string]string{}
	for _, e := range events {
		switch e.Type {
		case EventDelta:
			streamed[e.SlotLabel] += e.Delta
		case EventDone:
			doneIDs[e.SlotLabel] = e.ResponseID
		}
	}
	for slot, id := range doneIDs {
		r, err := s.GetResponse(context.Background(), id)
		if err != nil {
			t.Fatalf("GetResponse(%s): %v", slot, err)
		}
		if r.Content != streamed[slot] {
			t.Errorf("slot %s persisted %q, streamed %q", slot, r.Content, streamed[slot])
		}
		if !r.Finalized() || r.LatencyMs != 42 || r.TokenCount != len([]rune(r.Content))/4 {
			t.Errorf("slot %s row = %+v", slot, r)
		}
	}
	if streamed["A"] != "The quick brown fox" || streamed["B"] != "lorem ipsum" {
		t.Errorf("streamed = %v", streamed)
	}
}

func TestRun_DeltaOrderWithinModel(t *testing.T) {
	s := testStore(t)
	ids := []string{"a", "b", "c"}
	sess, turn := seedTurn(t, s, ids)

	var many []string
	for i := 0; i < 50; i++ {
		many = append(many, string(rune('a'+i%26)))
	}
	fs := &fakeStreamer{scripts: map[string]script{
		"a": {deltas: many, finish: "stop"},
		"b": {deltas: many, finish: "stop"},
		"c": {deltas: many, finish: "stop"},
	}}
	ch, _ := New(fs, s).Run(context.Background(), Request{SessionID: sess.ID, TurnID: turn.ID, ModelIDs: ids, Messages: messages()})
	got := map[string][]string{}
	for _, e := range collect(t, ch) {
		if e.Type == EventDelta {
			got[e.SlotLabel] = append(got[e.SlotLabel], e.Delta)
		}
	}
	for _, slot := range []string{"A", "B", "C"} {
		if diff := cmp.Diff(many, got[slot]); diff != "" {
			t.Errorf("slot %s order mismatch (-want +got):\n%s", slot, diff)
		}
	}
}

func TestRun_ThreeModelsMiddleTimesOut(t *testing.T) {
	s := testStore(t)
	ids := []string{"model-a", "model-b", "model-c"}
	sess, turn := seedTurn(t, s, ids)

	fs := &fakeStreamer{scripts: map[string]script{
		"model-a": {deltas: []string{"A says hi"}, finish: "stop"},
		"model-b": {deltas: []string{"partial"}, err: &upstream.TimeoutError{Budget: 90 * time.Second}},
		"model-c": {deltas: []string{"C says hi"}, finish: "stop"},
	}}
	ch, err := New(fs, s).Run(context.Background(), Request{SessionID: sess.ID, TurnID: turn.ID, ModelIDs: ids, Messages: messages()})
	if err != nil {
		t.Fatal(err)
	}
	events := collect(t, ch)

	var done, errs []Event
	var complete *Event
	for i, e := range events {
		switch e.Type {
		case EventDone:
			done = append(done, e)
		case EventError:
			errs = append(errs, e)
		case EventComplete:
			complete = &events[i]
		}
	}
	if len(done) != 2 {
		t.Errorf("done events = %d, want 2", len(done))
	}
	for _, e := range done {
		if e.SlotLabel == "B" {
			t.Error("slot B reported done")
		}
	}
	if len(errs) != 1 || errs[0].SlotLabel != "B" {
		t.Fatalf("error events = %+v, want one for B", errs)
	}
	if errs[0].Error != "model timed out: no response within 90s" {
		t.Errorf("timeout message = %q", errs[0].Error)
	}
	if complete == nil {
		t.Fatal("no complete event")
	}
	if complete.ResponseIDs["model-b"] != "" {
		t.Errorf("complete[model-b] = %q, want blank", complete.ResponseIDs["model-b"])
	}

	tr, err := s.LoadTranscript(context.Background(), sess.ID)
	if err != nil {
		t.Fatal(err)
	}
	finalized := 0
	for _, r := range tr.Responses {
		if r.Finalized() {
			finalized++
		} else if r.ModelID != "model-b" || r.Content != "" {
			t.Errorf("unexpected unfinalized row %+v", r)
		}
	}
	if finalized != 2 {
		t.Errorf("finalized rows = %d, want 2", finalized)
	}
	if len(tr.Responses) != 3 {
		t.Errorf("rows = %d, want 3 created up front", len(tr.Responses))
	}
}

func TestRun_DoneAfterFinalize(t *testing.T) {
	s := testStore(t)
	ids := []string{"a", "b"}
	sess, turn := seedTurn(t, s, ids)
	fs := &fakeStreamer{scripts: map[string]script{
		"a": {deltas: []string{"1"}, finish: "stop"},
		"b": {deltas: []string{"2"}, finish: "stop"},
	}}
	ch, _ := New(fs, s).Run(context.Background(), Request{SessionID: sess.ID, TurnID: turn.ID, ModelIDs: ids, Messages: messages()})
	for e := range ch {
		if e.Type != EventDone {
			continue
		}
		r, err := s.GetResponse(context.Background(), e.ResponseID)
		if err != nil {
			t.Fatal(err)
		}
		if !r.Finalized() {
			t.Errorf("done for %s observed before its row was finalized", e.SlotLabel)
		}
	}
}

// failingRecorder fails bulk creation and counts finalize calls.
type failingRecorder struct {
	mu        sync.Mutex
	finalized int
}

func (f *failingRecorder) CreateResponses(context.Context, string, []string) ([]models.Response, error) {
	return nil, errors.New("db down")
}

func (f *failingRecorder) FinalizeResponse(context.Context, string, store.Final) error {
	f.mu.Lock()
	f.finalized++
	f.mu.Unlock()
	return nil
}

func TestRun_RowCreationFailureDoesNotAbort(t *testing.T) {
	rec := &failingRecorder{}
	fs := &fakeStreamer{scripts: map[string]script{
		"a": {deltas: []string{"hi"}, finish: "stop"},
		"b": {deltas: []string{"yo"}, finish: "stop"},
	}}
	ch, err := New(fs, rec).Run(context.Background(), Request{SessionID: "s", TurnID: "t", ModelIDs: []string{"a", "b"}, Messages: messages()})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	events := collect(t, ch)
	dones := 0
	for _, e := range events {
		if e.Type == EventDone {
			dones++
			if e.ResponseID != "" {
				t.Errorf("done carries id %q without a row", e.ResponseID)
			}
		}
	}
	if dones != 2 {
		t.Errorf("done events = %d, want 2", dones)
	}
	if rec.finalized != 0 {
		t.Errorf("finalize called %d times without rows", rec.finalized)
	}
	last := events[len(events)-1]
	if last.Type != EventComplete || len(last.ResponseIDs) != 2 {
		t.Errorf("last = %+v", last)
	}
}

func TestRun_TurnStreamsOnce(t *testing.T) {
	s := testStore(t)
	ids := []string{"a", "b"}
	sess, turn := seedTurn(t, s, ids)
	fs := &fakeStreamer{scripts: map[string]script{
		"a": {deltas: []string{"x"}, finish: "stop"},
		"b": {deltas: []string{"y"}, finish: "stop"},
	}}
	req := Request{SessionID: sess.ID, TurnID: turn.ID, ModelIDs: ids, Messages: messages()}

	ch, err := New(fs, s).Run(context.Background(), req)
	if err != nil {
		t.Fatal(err)
	}
	collect(t, ch)

	ch, err = New(fs, s).Run(context.Background(), req)
	if !errors.Is(err, store.ErrTurnStreamed) {
		t.Fatalf("second Run = %v, want ErrTurnStreamed", err)
	}
	if ch != nil {
		t.Error("second Run returned a channel")
	}
	if len(fs.ctxErrs) != len(ids) {
		t.Errorf("streams started = %d, want %d", len(fs.ctxErrs), len(ids))
	}
	tr, _ := s.LoadTranscript(context.Background(), sess.ID)
	if len(tr.Responses) != len(ids) {
		t.Errorf("responses = %d, want %d", len(tr.Responses), len(ids))
	}
}

func errorLatencySum(t *testing.T) float64 {
	t.Helper()
	var m dto.Metric
	if err := metrics.ModelLatency.WithLabelValues("error").(prometheus.Metric).Write(&m); err != nil {
		t.Fatal(err)
	}
	return m.GetHistogram().GetSampleSum()
}

func TestRun_ErrorLatencyObservesElapsed(t *testing.T) {
	s := testStore(t)
	ids := []string{"a", "b"}
	sess, turn := seedTurn(t, s, ids)
	fs := &fakeStreamer{scripts: map[string]script{
		"a": {deltas: []string{"x"}, finish: "stop"},
		"b": {deltas: []string{"partial"}, delay: 30 * time.Millisecond, err: upstream.ErrIncompleteStream},
	}}

	before := errorLatencySum(t)
	ch, err := New(fs, s).Run(context.Background(), Request{SessionID: sess.ID, TurnID: turn.ID, ModelIDs: ids, Messages: messages()})
	if err != nil {
		t.Fatal(err)
	}
	collect(t, ch)
	if got := errorLatencySum(t) - before; got < 0.03 {
		t.Errorf("error latency observed %vs, want at least 0.03s", got)
	}
}

func TestRun_IgnoresCallerCancellation(t *testing.T) {
	s := testStore(t)
	ids := []string{"a", "b"}
	sess, turn := seedTurn(t, s, ids)
	fs := &fakeStreamer{scripts: map[string]script{
		"a": {deltas: []string{"x"}, finish: "stop"},
		"b": {deltas: []string{"y"}, finish: "stop"},
	}}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	ch, err := New(fs, s).Run(ctx, Request{SessionID: sess.ID, TurnID: turn.ID, ModelIDs: ids, Messages: messages()})
	if err != nil {
		t.Fatal(err)
	}
	collect(t, ch)
	for _, e := range fs.ctxErrs {
		if e != nil {
			t.Errorf("model task saw cancelled context: %v", e)
		}
	}
	tr, _ := s.LoadTranscript(context.Background(), sess.ID)
	for _, r := range tr.Responses {
		if !r.Finalized() {
			t.Errorf("row %s not finalized after caller went away", r.ModelID)
		}
	}
}

func TestRequest_Validate(t *testing.T) {
	ok := Request{SessionID: "s", TurnID: "t", ModelIDs: []string{"a", "b"}, Messages: messages()}
	tests := []struct {
		name   string
		mutate func(*Request)
	}{
		{"missing session", func(r *Request) { r.SessionID = "" }},
		{"missing turn", func(r *Request) { r.TurnID = "" }},
		{"no messages", func(r *Request) { r.Messages = nil }},
		{"one model", func(r *Request) { r.ModelIDs = []string{"a"} }},
		{"nine models", func(r *Request) { r.ModelIDs = strings.Split("a,b,c,d,e,f,g,h,i", ",") }},
		{"duplicate models", func(r *Request) { r.ModelIDs = []string{"a", "a"} }},
	}
	if err := ok.Validate(); err != nil {
		t.Fatalf("valid request: %v", err)
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := ok
			tt.mutate(&r)
			if err := r.Validate(); !errors.Is(err, ErrInvalidRequest) {
				t.Errorf("Validate = %v, want ErrInvalidRequest", err)
			}
		})
	}
}

func TestDescribe(t *testing.T) {
	tests := []struct {
		err  error
		want string
	}{
		{&upstream.TimeoutError{Budget: 90 * time.Second}, "model timed out: no response within 90s"},
		{&upstream.StatusError{Code: 400, Message: "bad"}, "upstream error 400 bad"},
		{upstream.ErrIncompleteStream, "stream ended unexpectedly"},
		{errors.New("dial tcp: refused"), "model request failed"},
	}
	for _, tt := range tests {
		if got := describe(tt.err); got != tt.want {
			t.Errorf("describe(%v) = %q, want %q", tt.err, got, tt.want)
		}
	}
}
