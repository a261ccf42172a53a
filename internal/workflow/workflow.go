// Package workflow is a small durable job runtime backed by the application
// database. Functions subscribe to named events; each event becomes one job
// per function, deduplicated by the event id. Jobs are claimed with row
// locks, kept alive by a lease heartbeat, retried with exponential backoff
// and resumed from their last memoized step after a crash.
package workflow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/chainguard-dev/clog"
	"github.com/google/uuid"
	"github.com/zulandar/arena/internal/config"
	"github.com/zulandar/arena/internal/db"
	"github.com/zulandar/arena/internal/metrics"
	"github.com/zulandar/arena/internal/models"
	"golang.org/x/sync/semaphore"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	// ErrJobNotFound is returned when no job has the given dedup key.
	ErrJobNotFound = errors.New("workflow: job not found")
	// ErrNotRetryable is returned by Retry for a job that has not failed.
	ErrNotRetryable = errors.New("workflow: job is not in failed stage")
)

// Event triggers every function subscribed to Name. ID is the dedup id.
type Event struct {
	Name    string
	ID      string
	Subject string
	Data    any
}

// Handler runs one attempt of a job.
type Handler func(ctx context.Context, run *Run) error

// Function is a registered job handler.
type Function struct {
	Name    string
	Trigger string
	Handler Handler
}

// Options tunes the runtime. Zero values fall back to config defaults.
type Options struct {
	WorkerID     string
	Concurrency  int
	PollInterval time.Duration
	MaxAttempts  int
	BaseBackoff  time.Duration
	MaxBackoff   time.Duration
	Lease        time.Duration

	// OnPermanentFailure is called once when a job reaches the failed stage.
	OnPermanentFailure func(ctx context.Context, job models.AnalysisJob, err error)
}

// OptionsFromConfig maps the worker section of the config file.
func OptionsFromConfig(cfg config.WorkerConfig) Options {
	return Options{
		Concurrency:  cfg.Concurrency,
		PollInterval: cfg.PollInterval,
		MaxAttempts:  cfg.MaxAttempts,
		BaseBackoff:  cfg.BaseBackoff,
		MaxBackoff:   cfg.MaxBackoff,
		Lease:        cfg.Lease,
	}
}

// Runtime owns registered functions and runs their jobs.
type Runtime struct {
	db       *gorm.DB
	opts     Options
	funcs    map[string]Function
	triggers map[string][]string
	sem      *semaphore.Weighted
	wg       sync.WaitGroup
	now      func() time.Time
}

// New creates a Runtime over the given database.
func New(gdb *gorm.DB, opts Options) *Runtime {
	def := config.Default().Worker
	if opts.Concurrency <= 0 {
		opts.Concurrency = def.Concurrency
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = def.PollInterval
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = def.MaxAttempts
	}
	if opts.BaseBackoff <= 0 {
		opts.BaseBackoff = def.BaseBackoff
	}
	if opts.MaxBackoff <= 0 {
		opts.MaxBackoff = def.MaxBackoff
	}
	if opts.Lease <= 0 {
		opts.Lease = def.Lease
	}
	if opts.WorkerID == "" {
		host, _ := os.Hostname()
		opts.WorkerID = fmt.Sprintf("%s-%s", host, uuid.NewString()[:8])
	}
	return &Runtime{
		db:       gdb,
		opts:     opts,
		funcs:    make(map[string]Function),
		triggers: make(map[string][]string),
		sem:      semaphore.NewWeighted(int64(opts.Concurrency)),
		now:      time.Now,
	}
}

// WorkerID identifies this runtime in job leases.
func (r *Runtime) WorkerID() string {
	return r.opts.WorkerID
}

// Register adds a function. Names must be unique.
func (r *Runtime) Register(fn Function) error {
	if fn.Name == "" || fn.Trigger == "" || fn.Handler == nil {
		return fmt.Errorf("workflow: register: name, trigger and handler are required")
	}
	if _, ok := r.funcs[fn.Name]; ok {
		return fmt.Errorf("workflow: register: function %q already registered", fn.Name)
	}
	r.funcs[fn.Name] = fn
	r.triggers[fn.Trigger] = append(r.triggers[fn.Trigger], fn.Name)
	return nil
}

// dedupKey is the event id, namespaced by function when an event fans out
// to more than one subscriber.
func dedupKey(ev Event, fn string, subscribers int) string {
	id := ev.ID
	if id == "" {
		id = uuid.NewString()
	}
	if subscribers > 1 {
		return fn + ":" + id
	}
	return id
}

// Send enqueues one job per subscribed function. A job whose dedup key
// already exists is left untouched. created reports whether any new job was
// inserted.
func (r *Runtime) Send(ctx context.Context, ev Event) (created bool, err error) {
	subs := r.triggers[ev.Name]
	if len(subs) == 0 {
		return false, fmt.Errorf("workflow: send %q: no function subscribed", ev.Name)
	}
	payload, err := json.Marshal(ev.Data)
	if err != nil {
		return false, fmt.Errorf("workflow: send %q: encode payload: %w", ev.Name, err)
	}
	log := clog.FromContext(ctx).With("event", ev.Name).With("dedup", ev.ID)

	for _, name := range subs {
		job := models.AnalysisJob{
			DedupKey:     dedupKey(ev, name, len(subs)),
			FunctionName: name,
			Subject:      ev.Subject,
			Payload:      string(payload),
			Stage:        models.StageQueued,
			MaxAttempts:  r.opts.MaxAttempts,
			RunAt:        r.now(),
		}
		result := r.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&job)
		switch {
		case result.Error != nil && db.IsDuplicateKey(result.Error):
			log.Debug("workflow: duplicate event collapsed")
		case result.Error != nil:
			return created, fmt.Errorf("workflow: send %q: %w", ev.Name, result.Error)
		case result.RowsAffected == 0:
			log.Debug("workflow: duplicate event collapsed")
		default:
			created = true
		}
	}
	return created, nil
}

// claim locks and leases the next runnable job. It returns nil when nothing
// is runnable. A job is runnable when it is not terminal, its run_at has
// passed and it holds no live lease; an expired lease means the previous
// owner died mid-run.
func (r *Runtime) claim(ctx context.Context) (*models.AnalysisJob, error) {
	var claimed models.AnalysisJob
	found := false

	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		now := r.now()
		result := tx.Where("stage NOT IN ? AND run_at <= ?", models.TerminalStages, now).
			Where("locked_until IS NULL OR locked_until < ?", now).
			Clauses(clause.Locking{Strength: "UPDATE", Options: "SKIP LOCKED"}).
			Order("run_at ASC, id ASC").
			Limit(1).
			Find(&claimed)
		if result.Error != nil {
			return fmt.Errorf("workflow: find runnable job: %w", result.Error)
		}
		if result.RowsAffected == 0 {
			return nil
		}

		until := now.Add(r.opts.Lease)
		if err := tx.Model(&models.AnalysisJob{}).Where("id = ?", claimed.ID).Updates(map[string]interface{}{
			"attempts":     gorm.Expr("attempts + 1"),
			"locked_by":    r.opts.WorkerID,
			"locked_until": until,
		}).Error; err != nil {
			return fmt.Errorf("workflow: claim job %d: %w", claimed.ID, err)
		}
		claimed.Attempts++
		claimed.LockedBy = r.opts.WorkerID
		claimed.LockedUntil = &until
		found = true
		return nil
	})
	if err != nil || !found {
		return nil, err
	}
	return &claimed, nil
}

// RunOnce claims as many jobs as free concurrency slots allow and starts
// them. It returns the number of jobs started; use Wait to block until they
// settle.
func (r *Runtime) RunOnce(ctx context.Context) (int, error) {
	started := 0
	for r.sem.TryAcquire(1) {
		job, err := r.claim(ctx)
		if err != nil || job == nil {
			r.sem.Release(1)
			return started, err
		}
		started++
		r.wg.Add(1)
		go func() {
			defer r.wg.Done()
			defer r.sem.Release(1)
			r.execute(ctx, job)
		}()
	}
	return started, nil
}

// Wait blocks until every started job has settled.
func (r *Runtime) Wait() {
	r.wg.Wait()
}

// Start polls for jobs until ctx is cancelled, then waits for in-flight
// jobs. Jobs interrupted by cancellation keep their lease and are picked up
// again once it expires.
func (r *Runtime) Start(ctx context.Context) error {
	log := clog.FromContext(ctx).With("worker", r.opts.WorkerID)
	log.Infof("workflow: worker started (concurrency %d, poll %s)", r.opts.Concurrency, r.opts.PollInterval)

	ticker := time.NewTicker(r.opts.PollInterval)
	defer ticker.Stop()
	for {
		if _, err := r.RunOnce(ctx); err != nil && ctx.Err() == nil {
			log.With("error", err.Error()).Warn("workflow: poll failed")
		}
		select {
		case <-ctx.Done():
			r.Wait()
			log.Info("workflow: worker stopped")
			return nil
		case <-ticker.C:
		}
	}
}

func (r *Runtime) execute(ctx context.Context, job *models.AnalysisJob) {
	log := clog.FromContext(ctx).
		With("job", job.ID).
		With("function", job.FunctionName).
		With("subject", job.Subject).
		With("attempt", job.Attempts)
	ctx = clog.WithLogger(ctx, log)

	fn, ok := r.funcs[job.FunctionName]
	if !ok {
		r.settle(ctx, job, models.StageQueued, Permanent(fmt.Errorf("unknown function %q", job.FunctionName)))
		return
	}

	hbCtx, stop := context.WithCancel(ctx)
	r.startHeartbeat(hbCtx, job.ID)

	run := &Run{rt: r, job: *job, stage: job.Stage}
	err := invoke(ctx, fn.Handler, run)
	stop()

	if ctx.Err() != nil {
		log.Warn("workflow: interrupted, lease left to expire")
		return
	}
	r.settle(ctx, job, run.Stage(), err)
}

func invoke(ctx context.Context, h Handler, run *Run) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("panic: %v", p)
		}
	}()
	return h(ctx, run)
}

// settle records the outcome of one attempt.
func (r *Runtime) settle(ctx context.Context, job *models.AnalysisJob, stage string, runErr error) {
	log := clog.FromContext(ctx)
	now := r.now()
	updates := map[string]interface{}{
		"locked_by":    "",
		"locked_until": nil,
	}

	switch {
	case runErr == nil:
		final := models.StageDone
		if stage == models.StageSkipped {
			final = models.StageSkipped
		}
		updates["stage"] = final
		updates["last_error"] = ""
		updates["finished_at"] = now
		log.Infof("workflow: job %s", final)
		metrics.JobsFinished.WithLabelValues(job.FunctionName, final).Inc()

	case IsPermanent(runErr) || job.Attempts >= job.MaxAttempts:
		updates["stage"] = models.StageFailed
		updates["last_error"] = runErr.Error()
		updates["finished_at"] = now
		log.With("error", runErr.Error()).Error("workflow: job failed permanently")
		metrics.JobsFinished.WithLabelValues(job.FunctionName, models.StageFailed).Inc()

	default:
		delay := Backoff(job.Attempts, r.opts.BaseBackoff, r.opts.MaxBackoff)
		updates["stage"] = models.StageQueued
		updates["last_error"] = runErr.Error()
		updates["run_at"] = now.Add(delay)
		log.With("error", runErr.Error()).Warnf("workflow: attempt failed, retrying in %s", delay)
		metrics.JobRetries.WithLabelValues(job.FunctionName).Inc()
	}

	result := r.db.WithContext(ctx).Model(&models.AnalysisJob{}).
		Where("id = ? AND locked_by = ?", job.ID, r.opts.WorkerID).
		Updates(updates)
	if result.Error != nil {
		log.With("error", result.Error.Error()).Error("workflow: record outcome failed")
		return
	}
	if result.RowsAffected == 0 {
		log.Warn("workflow: lease lost before outcome was recorded")
		return
	}

	if updates["stage"] == models.StageFailed && r.opts.OnPermanentFailure != nil {
		failed := *job
		failed.Stage = models.StageFailed
		failed.LastError = runErr.Error()
		failed.FinishedAt = &now
		r.opts.OnPermanentFailure(ctx, failed, runErr)
	}
}

// Backoff is base·2^(attempt-1), capped at ceiling.
func Backoff(attempt int, base, ceiling time.Duration) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := base
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= ceiling {
			return ceiling
		}
	}
	if d > ceiling {
		return ceiling
	}
	return d
}

// Retry re-queues a failed job. Memoized steps are kept, so a retry resumes
// after the last step that succeeded.
func (r *Runtime) Retry(ctx context.Context, key string) error {
	result := r.db.WithContext(ctx).Model(&models.AnalysisJob{}).
		Where("dedup_key = ? AND stage = ?", key, models.StageFailed).
		Updates(map[string]interface{}{
			"stage":        models.StageQueued,
			"attempts":     0,
			"run_at":       r.now(),
			"last_error":   "",
			"finished_at":  nil,
			"locked_by":    "",
			"locked_until": nil,
		})
	if result.Error != nil {
		return fmt.Errorf("workflow: retry %s: %w", key, result.Error)
	}
	if result.RowsAffected == 1 {
		return nil
	}
	if _, err := r.Get(ctx, key); err != nil {
		return err
	}
	return fmt.Errorf("workflow: retry %s: %w", key, ErrNotRetryable)
}

// Get returns the job with the given dedup key.
func (r *Runtime) Get(ctx context.Context, key string) (*models.AnalysisJob, error) {
	var job models.AnalysisJob
	result := r.db.WithContext(ctx).Where("dedup_key = ?", key).Limit(1).Find(&job)
	if result.Error != nil {
		return nil, fmt.Errorf("workflow: get %s: %w", key, result.Error)
	}
	if result.RowsAffected == 0 {
		return nil, fmt.Errorf("workflow: %s: %w", key, ErrJobNotFound)
	}
	return &job, nil
}

// List returns the most recently updated jobs, optionally filtered by stage.
func (r *Runtime) List(ctx context.Context, stage string, limit int) ([]models.AnalysisJob, error) {
	return ListJobs(ctx, r.db, stage, limit)
}

// ListJobs is List without a Runtime, for read-only callers.
func ListJobs(ctx context.Context, gdb *gorm.DB, stage string, limit int) ([]models.AnalysisJob, error) {
	q := gdb.WithContext(ctx).Order("updated_at DESC, id DESC")
	if stage != "" {
		q = q.Where("stage = ?", stage)
	}
	if limit > 0 {
		q = q.Limit(limit)
	}
	var jobs []models.AnalysisJob
	if err := q.Find(&jobs).Error; err != nil {
		return nil, fmt.Errorf("workflow: list jobs: %w", err)
	}
	return jobs, nil
}
