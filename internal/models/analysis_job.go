package models

import "time"

// Analysis job stages. skipped, done and failed are terminal.
const (
	StageQueued  = "queued"
	StageLoading = "loading"
	StageJudging = "judging"
	StageWriting = "writing"
	StageSkipped = "skipped"
	StageDone    = "done"
	StageFailed  = "failed"
)

// TerminalStages are the stages a job never leaves on its own.
var TerminalStages = []string{StageSkipped, StageDone, StageFailed}

// AnalysisJob is one durable workflow run. DedupKey collapses duplicate
// triggers onto a single job.
type AnalysisJob struct {
	ID           uint      `gorm:"primaryKey;autoIncrement"`
	DedupKey     string    `gorm:"size:128;not null;uniqueIndex"`
	FunctionName string    `gorm:"size:64;not null;index"`
	Subject      string    `gorm:"size:64;index"`
	Payload      string    `gorm:"type:text"`
	Stage        string    `gorm:"size:16;default:queued;index"`
	Attempts     int       `gorm:"default:0"`
	MaxAttempts  int       `gorm:"default:4"`
	RunAt        time.Time `gorm:"index"`
	LockedBy     string    `gorm:"size:64"`
	LockedUntil  *time.Time
	LastError    string `gorm:"type:text"`
	FinishedAt   *time.Time
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Terminal reports whether the job reached a terminal stage.
func (j *AnalysisJob) Terminal() bool {
	switch j.Stage {
	case StageSkipped, StageDone, StageFailed:
		return true
	}
	return false
}

// AnalysisStep is the memoized output of one named step of a job.
type AnalysisStep struct {
	JobID     uint   `gorm:"primaryKey"`
	Name      string `gorm:"primaryKey;size:64"`
	Output    string `gorm:"type:mediumtext"`
	CreatedAt time.Time
}
