package models

import "time"

// RateLimitBucket is the lockable row that serializes checks for one key.
type RateLimitBucket struct {
	BucketKey string `gorm:"primaryKey;size:191"`
	CreatedAt time.Time
}

// RateLimitHit records one admitted request.
type RateLimitHit struct {
	ID        uint      `gorm:"primaryKey;autoIncrement"`
	BucketKey string    `gorm:"size:191;not null;index:idx_hit_bucket_at"`
	HitAt     time.Time `gorm:"not null;index:idx_hit_bucket_at"`
}
