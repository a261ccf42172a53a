package models

import "time"

// Ranking is a user's ordinal placement of one response within a turn.
type Ranking struct {
	ID         uint   `gorm:"primaryKey;autoIncrement"`
	TurnID     string `gorm:"size:36;not null;uniqueIndex:idx_ranking_turn_response"`
	ResponseID string `gorm:"size:36;not null;uniqueIndex:idx_ranking_turn_response"`
	Rank       int    `gorm:"not null"`
	CreatedAt  time.Time
}
