package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/chainguard-dev/clog"
	"github.com/zulandar/arena/internal/metrics"
	"github.com/zulandar/arena/internal/models"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// DBLimiter keeps the sliding-window log in the shared application database so
// every instance sees the same counts. Checks for one key are serialized by a
// row lock on its bucket.
type DBLimiter struct {
	db     *gorm.DB
	limit  int
	window time.Duration
	prefix string
	now    func() time.Time
}

// NewDBLimiter returns a limiter admitting limit requests per window per key.
func NewDBLimiter(db *gorm.DB, limit int, window time.Duration, prefix string) *DBLimiter {
	return &DBLimiter{db: db, limit: limit, window: window, prefix: prefix, now: time.Now}
}

// Check records a hit for key unless the window is full.
func (l *DBLimiter) Check(ctx context.Context, key string) Decision {
	bucket := l.prefix + ":" + key
	d, err := l.check(ctx, bucket)
	if err != nil {
		clog.FromContext(ctx).With("bucket", bucket).With("error", err.Error()).
			Error("ratelimit: store unavailable, admitting request")
		metrics.RateLimitDecisions.WithLabelValues("error").Inc()
		return Decision{Allowed: true}
	}
	if d.Allowed {
		metrics.RateLimitDecisions.WithLabelValues("allowed").Inc()
	} else {
		metrics.RateLimitDecisions.WithLabelValues("denied").Inc()
	}
	return d
}

func (l *DBLimiter) check(ctx context.Context, bucket string) (Decision, error) {
	var d Decision
	err := l.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		now := l.now()
		if err := tx.Clauses(clause.OnConflict{DoNothing: true}).
			Create(&models.RateLimitBucket{BucketKey: bucket, CreatedAt: now}).Error; err != nil {
			return fmt.Errorf("ensure bucket: %w", err)
		}
		var b models.RateLimitBucket
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("bucket_key = ?", bucket).First(&b).Error; err != nil {
			return fmt.Errorf("lock bucket: %w", err)
		}

		cutoff := now.Add(-l.window)
		if err := tx.Where("bucket_key = ? AND hit_at <= ?", bucket, cutoff).
			Delete(&models.RateLimitHit{}).Error; err != nil {
			return fmt.Errorf("prune hits: %w", err)
		}

		var hits []models.RateLimitHit
		if err := tx.Where("bucket_key = ?", bucket).Order("hit_at ASC").
			Limit(l.limit).Find(&hits).Error; err != nil {
			return fmt.Errorf("count hits: %w", err)
		}
		if len(hits) >= l.limit {
			d = Decision{Allowed: false, RetryAfter: retryAfter(hits[0].HitAt, l.window, now)}
			return nil
		}
		if err := tx.Create(&models.RateLimitHit{BucketKey: bucket, HitAt: now}).Error; err != nil {
			return fmt.Errorf("record hit: %w", err)
		}
		d = Decision{Allowed: true}
		return nil
	})
	if err != nil {
		return Decision{}, fmt.Errorf("ratelimit: %w", err)
	}
	return d, nil
}
