package models

import "time"

// Ranking states of a turn. A turn leaves pending exactly once.
const (
	RankingPending   = "pending"
	RankingSubmitted = "submitted"
	RankingSkipped   = "skipped"
)

// Turn is one prompt within a session.
type Turn struct {
	ID           string `gorm:"primaryKey;size:36"`
	SessionID    string `gorm:"size:36;not null;uniqueIndex:idx_turn_session_seq"`
	Sequence     int    `gorm:"not null;uniqueIndex:idx_turn_session_seq"`
	Prompt       string `gorm:"type:text;not null"`
	RankingState string `gorm:"size:16;default:pending;index"`
	CreatedAt    time.Time
}
