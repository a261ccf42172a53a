package models

import "time"

// Response is one model's answer to a turn. The row is created empty before
// streaming starts and written once when the stream finishes.
type Response struct {
	ID           string `gorm:"primaryKey;size:36"`
	TurnID       string `gorm:"size:36;not null;uniqueIndex:idx_response_turn_model"`
	ModelID      string `gorm:"size:128;not null;uniqueIndex:idx_response_turn_model"`
	Content      string `gorm:"type:mediumtext"`
	TokenCount   int
	LatencyMs    int64
	FinishReason string `gorm:"size:32"`
	FinalizedAt  *time.Time
	CreatedAt    time.Time
}

// Finalized reports whether the stream for this response completed.
func (r *Response) Finalized() bool {
	return r.FinalizedAt != nil
}
