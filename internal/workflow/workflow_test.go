package workflow

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/zulandar/arena/internal/db"
	"github.com/zulandar/arena/internal/models"
	"gorm.io/gorm"
)

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func testRuntime(t *testing.T, opts Options) (*Runtime, *gorm.DB, *clock) {
	t.Helper()
	gdb, err := db.ConnectSQLite(":memory:")
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	if err := db.AutoMigrate(gdb); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	if opts.WorkerID == "" {
		opts.WorkerID = "test-worker"
	}
	rt := New(gdb, opts)
	c := &clock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	rt.now = c.now
	return rt, gdb, c
}

// drain runs every runnable job until the queue is idle.
func drain(t *testing.T, rt *Runtime) {
	t.Helper()
	for i := 0; i < 50; i++ {
		n, err := rt.RunOnce(context.Background())
		if err != nil {
			t.Fatalf("RunOnce: %v", err)
		}
		rt.Wait()
		if n == 0 {
			return
		}
	}
	t.Fatal("queue never went idle")
}

func mustJob(t *testing.T, rt *Runtime, key string) *models.AnalysisJob {
	t.Helper()
	job, err := rt.Get(context.Background(), key)
	if err != nil {
		t.Fatalf("Get(%s): %v", key, err)
	}
	return job
}

func TestRegister_Validation(t *testing.T) {
	rt, _, _ := testRuntime(t, Options{})
	noop := func(context.Context, *Run) error { return nil }

	if err := rt.Register(Function{Name: "f", Trigger: "e", Handler: noop}); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if err := rt.Register(Function{Name: "f", Trigger: "e", Handler: noop}); err == nil {
		t.Error("duplicate name accepted")
	}
	if err := rt.Register(Function{Name: "g", Trigger: "e"}); err == nil {
		t.Error("nil handler accepted")
	}
}

func TestSend_DedupCollapses(t *testing.T) {
	rt, gdb, _ := testRuntime(t, Options{})
	_ = rt.Register(Function{Name: "analyze", Trigger: "session.completed", Handler: func(context.Context, *Run) error { return nil }})

	ev := Event{Name: "session.completed", ID: "analyze-s1", Subject: "s1", Data: map[string]string{"sessionId": "s1"}}
	created, err := rt.Send(context.Background(), ev)
	if err != nil || !created {
		t.Fatalf("first Send = %v, %v", created, err)
	}
	for i := 0; i < 3; i++ {
		created, err = rt.Send(context.Background(), ev)
		if err != nil || created {
			t.Fatalf("repeat Send = %v, %v; want collapsed", created, err)
		}
	}

	var n int64
	gdb.Model(&models.AnalysisJob{}).Count(&n)
	if n != 1 {
		t.Errorf("jobs = %d, want 1", n)
	}
	job := mustJob(t, rt, "analyze-s1")
	if job.Stage != models.StageQueued || job.Subject != "s1" || job.FunctionName != "analyze" || job.MaxAttempts != 4 {
		t.Errorf("job = %+v", job)
	}
	if !strings.Contains(job.Payload, `"sessionId":"s1"`) {
		t.Errorf("payload = %s", job.Payload)
	}
}

func TestSend_Unsubscribed(t *testing.T) {
	rt, _, _ := testRuntime(t, Options{})
	if _, err := rt.Send(context.Background(), Event{Name: "nobody"}); err == nil {
		t.Error("Send to unsubscribed event succeeded")
	}
}

func TestSend_MultipleSubscribersNamespaced(t *testing.T) {
	rt, _, _ := testRuntime(t, Options{})
	noop := func(context.Context, *Run) error { return nil }
	_ = rt.Register(Function{Name: "a", Trigger: "e", Handler: noop})
	_ = rt.Register(Function{Name: "b", Trigger: "e", Handler: noop})

	if _, err := rt.Send(context.Background(), Event{Name: "e", ID: "x"}); err != nil {
		t.Fatal(err)
	}
	mustJob(t, rt, "a:x")
	mustJob(t, rt, "b:x")
}

func TestRun_SuccessAndSkipped(t *testing.T) {
	rt, _, _ := testRuntime(t, Options{})
	_ = rt.Register(Function{Name: "ok", Trigger: "ok", Handler: func(ctx context.Context, run *Run) error {
		return run.SetStage(ctx, models.StageWriting)
	}})
	_ = rt.Register(Function{Name: "skip", Trigger: "skip", Handler: func(ctx context.Context, run *Run) error {
		return run.SetStage(ctx, models.StageSkipped)
	}})
	_, _ = rt.Send(context.Background(), Event{Name: "ok", ID: "k1"})
	_, _ = rt.Send(context.Background(), Event{Name: "skip", ID: "k2"})

	drain(t, rt)

	if j := mustJob(t, rt, "k1"); j.Stage != models.StageDone || j.FinishedAt == nil || j.LockedBy != "" || j.LockedUntil != nil {
		t.Errorf("k1 = %+v", j)
	}
	if j := mustJob(t, rt, "k2"); j.Stage != models.StageSkipped {
		t.Errorf("k2 stage = %s, want skipped", j.Stage)
	}
}

func TestRun_RetryWithBackoffThenFail(t *testing.T) {
	var failures []models.AnalysisJob
	rt, _, clk := testRuntime(t, Options{
		BaseBackoff: 10 * time.Second,
		MaxBackoff:  10 * time.Minute,
		OnPermanentFailure: func(_ context.Context, job models.AnalysisJob, _ error) {
			failures = append(failures, job)
		},
	})
	var calls atomic.Int32
	_ = rt.Register(Function{Name: "flaky", Trigger: "e", Handler: func(context.Context, *Run) error {
		calls.Add(1)
		return errors.New("503 upstream")
	}})
	_, _ = rt.Send(context.Background(), Event{Name: "e", ID: "j"})

	drain(t, rt)
	j := mustJob(t, rt, "j")
	if j.Stage != models.StageQueued || j.Attempts != 1 || j.LastError != "503 upstream" {
		t.Fatalf("after first attempt: %+v", j)
	}
	if want := clk.now().Add(10 * time.Second); !j.RunAt.Equal(want) {
		t.Errorf("run_at = %s, want %s", j.RunAt, want)
	}

	// Not runnable until the backoff elapses.
	drain(t, rt)
	if calls.Load() != 1 {
		t.Fatalf("job ran before backoff elapsed")
	}

	for _, d := range []time.Duration{10 * time.Second, 20 * time.Second, 40 * time.Second} {
		clk.advance(d)
		drain(t, rt)
	}
	j = mustJob(t, rt, "j")
	if calls.Load() != 4 {
		t.Errorf("calls = %d, want 4", calls.Load())
	}
	if j.Stage != models.StageFailed || j.FinishedAt == nil {
		t.Errorf("final job = %+v", j)
	}
	if len(failures) != 1 || failures[0].DedupKey != "j" {
		t.Errorf("permanent failure hook calls = %+v", failures)
	}

	clk.advance(time.Hour)
	drain(t, rt)
	if calls.Load() != 4 {
		t.Error("failed job ran again")
	}
}

func TestRun_PermanentErrorStopsImmediately(t *testing.T) {
	rt, _, _ := testRuntime(t, Options{})
	_ = rt.Register(Function{Name: "bad", Trigger: "e", Handler: func(context.Context, *Run) error {
		return Permanent(errors.New("400 bad request"))
	}})
	_, _ = rt.Send(context.Background(), Event{Name: "e", ID: "j"})
	drain(t, rt)

	j := mustJob(t, rt, "j")
	if j.Stage != models.StageFailed || j.Attempts != 1 || j.LastError != "400 bad request" {
		t.Errorf("job = %+v", j)
	}
}

func TestRun_PanicIsRetryable(t *testing.T) {
	rt, _, _ := testRuntime(t, Options{})
	_ = rt.Register(Function{Name: "p", Trigger: "e", Handler: func(context.Context, *Run) error {
		panic("boom")
	}})
	_, _ = rt.Send(context.Background(), Event{Name: "e", ID: "j"})
	drain(t, rt)

	j := mustJob(t, rt, "j")
	if j.Stage != models.StageQueued || !strings.Contains(j.LastError, "boom") {
		t.Errorf("job = %+v", j)
	}
}

func TestStep_MemoizedAcrossAttempts(t *testing.T) {
	rt, _, clk := testRuntime(t, Options{BaseBackoff: time.Second, MaxBackoff: time.Second})
	var expensive, attempts atomic.Int32
	_ = rt.Register(Function{Name: "f", Trigger: "e", Handler: func(ctx context.Context, run *Run) error {
		attempts.Add(1)
		out, err := Step(ctx, run, "call", func(context.Context) ([]string, error) {
			expensive.Add(1)
			return []string{"a", "b"}, nil
		})
		if err != nil {
			return err
		}
		if len(out) != 2 || out[1] != "b" {
			return Permanent(errors.New("bad replay"))
		}
		if run.Attempt() < 3 {
			return errors.New("write failed")
		}
		return nil
	}})
	_, _ = rt.Send(context.Background(), Event{Name: "e", ID: "j"})

	for i := 0; i < 3; i++ {
		drain(t, rt)
		clk.advance(time.Second)
	}

	if j := mustJob(t, rt, "j"); j.Stage != models.StageDone {
		t.Fatalf("job = %+v", j)
	}
	if attempts.Load() != 3 || expensive.Load() != 1 {
		t.Errorf("attempts = %d, step calls = %d; want 3, 1", attempts.Load(), expensive.Load())
	}
}

func TestRun_Done(t *testing.T) {
	rt, _, _ := testRuntime(t, Options{})
	var before, after bool
	_ = rt.Register(Function{Name: "f", Trigger: "e", Handler: func(ctx context.Context, run *Run) error {
		var err error
		if before, err = run.Done(ctx, "call"); err != nil {
			return err
		}
		if _, err := Step(ctx, run, "call", func(context.Context) (int, error) { return 1, nil }); err != nil {
			return err
		}
		after, err = run.Done(ctx, "call")
		return err
	}})
	_, _ = rt.Send(context.Background(), Event{Name: "e", ID: "j"})
	drain(t, rt)

	if before || !after {
		t.Errorf("Done before = %v, after = %v; want false, true", before, after)
	}
}

func TestStep_ErrorNotMemoized(t *testing.T) {
	rt, _, clk := testRuntime(t, Options{BaseBackoff: time.Second, MaxBackoff: time.Second})
	var calls atomic.Int32
	_ = rt.Register(Function{Name: "f", Trigger: "e", Handler: func(ctx context.Context, run *Run) error {
		_, err := Step(ctx, run, "call", func(context.Context) (int, error) {
			if calls.Add(1) == 1 {
				return 0, errors.New("transient")
			}
			return 7, nil
		})
		return err
	}})
	_, _ = rt.Send(context.Background(), Event{Name: "e", ID: "j"})
	drain(t, rt)
	clk.advance(time.Second)
	drain(t, rt)

	if calls.Load() != 2 {
		t.Errorf("calls = %d, want 2", calls.Load())
	}
	if j := mustJob(t, rt, "j"); j.Stage != models.StageDone {
		t.Errorf("stage = %s", j.Stage)
	}
}

func TestClaim_ExpiredLeaseIsReclaimed(t *testing.T) {
	rt, gdb, clk := testRuntime(t, Options{Lease: time.Minute})
	_ = rt.Register(Function{Name: "f", Trigger: "e", Handler: func(context.Context, *Run) error { return nil }})
	_, _ = rt.Send(context.Background(), Event{Name: "e", ID: "j"})

	// Simulate a worker that claimed the job and died mid-run.
	job, err := rt.claim(context.Background())
	if err != nil || job == nil {
		t.Fatalf("claim = %v, %v", job, err)
	}
	gdb.Model(&models.AnalysisJob{}).Where("id = ?", job.ID).Updates(map[string]interface{}{
		"locked_by": "dead-worker",
		"stage":     models.StageJudging,
	})

	if again, _ := rt.claim(context.Background()); again != nil {
		t.Fatal("claimed a job with a live lease")
	}

	clk.advance(2 * time.Minute)
	drain(t, rt)
	j := mustJob(t, rt, "j")
	if j.Stage != models.StageDone || j.Attempts != 2 {
		t.Errorf("job = %+v", j)
	}
}

func TestRunOnce_RespectsConcurrency(t *testing.T) {
	rt, _, _ := testRuntime(t, Options{Concurrency: 2})
	release := make(chan struct{})
	var inFlight, peak atomic.Int32
	_ = rt.Register(Function{Name: "f", Trigger: "e", Handler: func(context.Context, *Run) error {
		n := inFlight.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		<-release
		inFlight.Add(-1)
		return nil
	}})
	for _, id := range []string{"1", "2", "3", "4"} {
		_, _ = rt.Send(context.Background(), Event{Name: "e", ID: id})
	}

	n, err := rt.RunOnce(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if n != 2 {
		t.Errorf("started = %d, want 2", n)
	}
	close(release)
	rt.Wait()
	drain(t, rt)
	if peak.Load() > 2 {
		t.Errorf("peak concurrency = %d", peak.Load())
	}
}

func TestRetry(t *testing.T) {
	rt, _, _ := testRuntime(t, Options{})
	var fail atomic.Bool
	fail.Store(true)
	_ = rt.Register(Function{Name: "f", Trigger: "e", Handler: func(context.Context, *Run) error {
		if fail.Load() {
			return Permanent(errors.New("nope"))
		}
		return nil
	}})
	_, _ = rt.Send(context.Background(), Event{Name: "e", ID: "j"})
	drain(t, rt)

	ctx := context.Background()
	if err := rt.Retry(ctx, "missing"); !errors.Is(err, ErrJobNotFound) {
		t.Errorf("Retry(missing) = %v", err)
	}
	fail.Store(false)
	if err := rt.Retry(ctx, "j"); err != nil {
		t.Fatalf("Retry: %v", err)
	}
	if j := mustJob(t, rt, "j"); j.Stage != models.StageQueued || j.Attempts != 0 || j.LastError != "" {
		t.Errorf("requeued job = %+v", j)
	}
	drain(t, rt)
	if j := mustJob(t, rt, "j"); j.Stage != models.StageDone {
		t.Errorf("stage = %s", j.Stage)
	}
	if err := rt.Retry(ctx, "j"); !errors.Is(err, ErrNotRetryable) {
		t.Errorf("Retry(done) = %v, want ErrNotRetryable", err)
	}
}

func TestList(t *testing.T) {
	rt, _, _ := testRuntime(t, Options{})
	_ = rt.Register(Function{Name: "f", Trigger: "e", Handler: func(context.Context, *Run) error { return nil }})
	_, _ = rt.Send(context.Background(), Event{Name: "e", ID: "a"})
	_, _ = rt.Send(context.Background(), Event{Name: "e", ID: "b"})
	drain(t, rt)
	_, _ = rt.Send(context.Background(), Event{Name: "e", ID: "c"})

	all, err := rt.List(context.Background(), "", 0)
	if err != nil || len(all) != 3 {
		t.Fatalf("List all = %d, %v", len(all), err)
	}
	queued, _ := rt.List(context.Background(), models.StageQueued, 10)
	if len(queued) != 1 || queued[0].DedupKey != "c" {
		t.Errorf("queued = %+v", queued)
	}
}

func TestBackoff(t *testing.T) {
	base, ceiling := 10*time.Second, 10*time.Minute
	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{0, 10 * time.Second},
		{1, 10 * time.Second},
		{2, 20 * time.Second},
		{3, 40 * time.Second},
		{7, 10 * time.Minute},
		{30, 10 * time.Minute},
	}
	for _, tt := range tests {
		if got := Backoff(tt.attempt, base, ceiling); got != tt.want {
			t.Errorf("Backoff(%d) = %s, want %s", tt.attempt, got, tt.want)
		}
	}
}

func TestPermanent(t *testing.T) {
	if Permanent(nil) != nil {
		t.Error("Permanent(nil) != nil")
	}
	base := errors.New("x")
	err := Permanent(base)
	if !IsPermanent(err) || !errors.Is(err, base) {
		t.Error("Permanent lost its identity")
	}
	wrapped := errors.Join(errors.New("ctx"), err)
	if !IsPermanent(wrapped) {
		t.Error("IsPermanent did not see through wrapping")
	}
	if IsPermanent(base) {
		t.Error("plain error reported permanent")
	}
}
