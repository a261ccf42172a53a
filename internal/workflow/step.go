package workflow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/chainguard-dev/clog"
	"github.com/zulandar/arena/internal/models"
	"gorm.io/gorm/clause"
)

// Run is the handle a Handler uses to inspect its job and record progress.
type Run struct {
	rt    *Runtime
	job   models.AnalysisJob
	stage string
}

// JobID returns the job's primary key.
func (r *Run) JobID() uint { return r.job.ID }

// Subject returns the job subject.
func (r *Run) Subject() string { return r.job.Subject }

// Attempt is the 1-based attempt number.
func (r *Run) Attempt() int { return r.job.Attempts }

// Stage is the last stage recorded by SetStage.
func (r *Run) Stage() string { return r.stage }

// Payload decodes the event data into v.
func (r *Run) Payload(v any) error {
	if err := json.Unmarshal([]byte(r.job.Payload), v); err != nil {
		return Permanent(fmt.Errorf("workflow: decode payload: %w", err))
	}
	return nil
}

// SetStage records the job's position in its state machine.
func (r *Run) SetStage(ctx context.Context, stage string) error {
	if err := r.rt.db.WithContext(ctx).Model(&models.AnalysisJob{}).
		Where("id = ?", r.job.ID).
		Update("stage", stage).Error; err != nil {
		return fmt.Errorf("workflow: set stage %s: %w", stage, err)
	}
	r.stage = stage
	return nil
}

// Done reports whether the step called name already succeeded for this job.
func (r *Run) Done(ctx context.Context, name string) (bool, error) {
	var n int64
	if err := r.rt.db.WithContext(ctx).Model(&models.AnalysisStep{}).
		Where("job_id = ? AND name = ?", r.job.ID, name).
		Count(&n).Error; err != nil {
		return false, fmt.Errorf("workflow: check step %s: %w", name, err)
	}
	return n > 0, nil
}

// Step runs fn once per job. Its JSON-encoded result is stored under name,
// and later attempts of the same job return the stored result without
// calling fn. Errors are not memoized.
func Step[T any](ctx context.Context, run *Run, name string, fn func(ctx context.Context) (T, error)) (T, error) {
	var out T
	var row models.AnalysisStep
	result := run.rt.db.WithContext(ctx).
		Where("job_id = ? AND name = ?", run.job.ID, name).
		Limit(1).Find(&row)
	if result.Error != nil {
		return out, fmt.Errorf("workflow: load step %s: %w", name, result.Error)
	}
	if result.RowsAffected == 1 {
		if err := json.Unmarshal([]byte(row.Output), &out); err != nil {
			return out, Permanent(fmt.Errorf("workflow: decode step %s: %w", name, err))
		}
		clog.FromContext(ctx).With("step", name).Debug("workflow: step replayed")
		return out, nil
	}

	out, err := fn(ctx)
	if err != nil {
		return out, err
	}
	enc, err := json.Marshal(out)
	if err != nil {
		return out, Permanent(fmt.Errorf("workflow: encode step %s: %w", name, err))
	}
	row = models.AnalysisStep{JobID: run.job.ID, Name: name, Output: string(enc)}
	if err := run.rt.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&row).Error; err != nil {
		return out, fmt.Errorf("workflow: save step %s: %w", name, err)
	}
	return out, nil
}

type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks err as not worth retrying.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsPermanent reports whether err, or anything it wraps, was marked Permanent.
func IsPermanent(err error) bool {
	var p *permanentError
	return errors.As(err, &p)
}
