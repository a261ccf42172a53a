package models

import "time"

// Behavioral flag types.
const (
	FlagRefusal      = "refusal"
	FlagContextLoss  = "context_loss"
	FlagSycophancy   = "sycophancy"
	FlagVerbosity    = "verbosity"
	FlagRankReversal = "rank_reversal"
)

// Severities.
const (
	SeverityLow    = "low"
	SeverityMedium = "medium"
	SeverityHigh   = "high"
)

// FlagTypes lists the closed set of flag types.
var FlagTypes = []string{FlagRefusal, FlagContextLoss, FlagSycophancy, FlagVerbosity, FlagRankReversal}

// Severities lists the closed set of severities.
var Severities = []string{SeverityLow, SeverityMedium, SeverityHigh}

// Evidence supports a flag. Turn is the 1-based turn number, if any.
type Evidence struct {
	Detail string `json:"detail"`
	Turn   *int   `json:"turn"`
}

// BehavioralFlag is a judge-produced observation about one model in a session.
type BehavioralFlag struct {
	ID          uint     `gorm:"primaryKey;autoIncrement"`
	SessionID   string   `gorm:"size:36;not null;index"`
	TurnID      *string  `gorm:"size:36"`
	ModelID     string   `gorm:"size:128;not null;index"`
	FlagType    string   `gorm:"size:32;not null;index"`
	Severity    string   `gorm:"size:16;not null"`
	Description string   `gorm:"type:text"`
	Evidence    Evidence `gorm:"serializer:json;type:text"`
	Confidence  float64
	CreatedAt   time.Time `gorm:"index"`
}
