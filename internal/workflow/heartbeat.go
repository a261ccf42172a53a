package workflow

import (
	"context"
	"time"

	"github.com/chainguard-dev/clog"
	"github.com/zulandar/arena/internal/models"
)

// startHeartbeat extends the job's lease every third of the lease period
// until ctx is cancelled or the lease is found to belong to someone else.
func (r *Runtime) startHeartbeat(ctx context.Context, jobID uint) {
	interval := r.opts.Lease / 3
	if interval <= 0 {
		interval = time.Second
	}

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				result := r.db.WithContext(ctx).Model(&models.AnalysisJob{}).
					Where("id = ? AND locked_by = ?", jobID, r.opts.WorkerID).
					Update("locked_until", r.now().Add(r.opts.Lease))
				if ctx.Err() != nil {
					return
				}
				if result.Error != nil {
					clog.FromContext(ctx).With("error", result.Error.Error()).Warn("workflow: heartbeat failed")
					continue
				}
				if result.RowsAffected == 0 {
					clog.FromContext(ctx).Warn("workflow: heartbeat found lease taken over")
					return
				}
			}
		}
	}()
}
