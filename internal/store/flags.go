package store

import (
	"context"
	"fmt"

	"github.com/zulandar/arena/internal/models"
	"gorm.io/gorm"
)

// CountFlags returns how many behavioral flags a session has.
func (s *Store) CountFlags(ctx context.Context, sessionID string) (int64, error) {
	var n int64
	if err := s.db.WithContext(ctx).Model(&models.BehavioralFlag{}).Where("session_id = ?", sessionID).Count(&n).Error; err != nil {
		return 0, fmt.Errorf("store: count flags for %s: %w", sessionID, err)
	}
	return n, nil
}

// InsertFlags writes all flags in one transaction with a single bulk insert.
func (s *Store) InsertFlags(ctx context.Context, flags []models.BehavioralFlag) error {
	if len(flags) == 0 {
		return nil
	}
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(&flags).Error; err != nil {
			return fmt.Errorf("store: insert %d flags: %w", len(flags), err)
		}
		return nil
	})
}

// RecentFlags returns the newest flags first.
func (s *Store) RecentFlags(ctx context.Context, limit int) ([]models.BehavioralFlag, error) {
	var flags []models.BehavioralFlag
	if err := s.db.WithContext(ctx).Order("created_at DESC, id DESC").Limit(limit).Find(&flags).Error; err != nil {
		return nil, fmt.Errorf("store: recent flags: %w", err)
	}
	return flags, nil
}

// UnanalyzedSessions returns up to limit complete sessions, newest first,
// that have no flags and no terminal job for the given workflow function.
// Sessions whose analysis finished with zero flags, was skipped, or failed
// permanently are therefore not returned.
func (s *Store) UnanalyzedSessions(ctx context.Context, function string, limit int) ([]string, error) {
	db := s.db.WithContext(ctx)
	flagged := db.Model(&models.BehavioralFlag{}).Select("session_id")
	settled := db.Model(&models.AnalysisJob{}).Select("subject").
		Where("function_name = ? AND stage IN ?", function, models.TerminalStages)

	var ids []string
	err := db.Model(&models.Session{}).
		Where("is_complete = ?", true).
		Where("id NOT IN (?)", flagged).
		Where("id NOT IN (?)", settled).
		Order("created_at DESC").
		Limit(limit).
		Pluck("id", &ids).Error
	if err != nil {
		return nil, fmt.Errorf("store: unanalyzed sessions: %w", err)
	}
	return ids, nil
}
