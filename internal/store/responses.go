package store

import (
	"context"
	"errors"
	"fmt"
	"time"
	"unicode/utf8"

	"github.com/zulandar/arena/internal/models"
	"gorm.io/gorm"
)

// EstimateTokens approximates a token count as one token per four
// characters. Characters are runes, so multi-byte text is not overcounted.
func EstimateTokens(content string) int {
	return utf8.RuneCountInString(content) / 4
}

// CreateResponses inserts one empty response row per model in a single
// statement. Rows come back in modelIDs order. A turn is streamed once: the
// call fails with ErrTurnStreamed when the turn already has rows, with
// ErrRankingClosed when its ranking was submitted or skipped, and with
// ErrSessionComplete when the session is finished.
func (s *Store) CreateResponses(ctx context.Context, turnID string, modelIDs []string) ([]models.Response, error) {
	if len(modelIDs) == 0 {
		return nil, nil
	}
	rows := make([]models.Response, len(modelIDs))
	for i, m := range modelIDs {
		rows[i] = models.Response{ID: s.newID(), TurnID: turnID, ModelID: m}
	}
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		turn, err := lockTurn(tx, turnID)
		if err != nil {
			return err
		}
		var sess models.Session
		if err := tx.Where("id = ?", turn.SessionID).First(&sess).Error; err != nil {
			return fmt.Errorf("store: load session %s: %w", turn.SessionID, err)
		}
		if sess.IsComplete {
			return fmt.Errorf("store: session %s: %w", sess.ID, ErrSessionComplete)
		}
		if turn.RankingState != models.RankingPending {
			return fmt.Errorf("store: turn %s: %w", turnID, ErrRankingClosed)
		}

		var n int64
		if err := tx.Model(&models.Response{}).Where("turn_id = ?", turnID).Count(&n).Error; err != nil {
			return fmt.Errorf("store: count responses for turn %s: %w", turnID, err)
		}
		if n > 0 {
			return fmt.Errorf("store: turn %s: %w", turnID, ErrTurnStreamed)
		}
		if err := tx.Create(&rows).Error; err != nil {
			if errors.Is(err, gorm.ErrDuplicatedKey) {
				return fmt.Errorf("store: turn %s: %w", turnID, ErrTurnStreamed)
			}
			return fmt.Errorf("store: create responses for turn %s: %w", turnID, err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return rows, nil
}

// Final is the terminal state of one model stream.
type Final struct {
	Content      string
	FinishReason string
	Latency      time.Duration
}

// FinalizeResponse writes a response row exactly once.
func (s *Store) FinalizeResponse(ctx context.Context, responseID string, f Final) error {
	result := s.db.WithContext(ctx).Model(&models.Response{}).
		Where("id = ? AND finalized_at IS NULL", responseID).
		Updates(map[string]interface{}{
			"content":       f.Content,
			"finish_reason": f.FinishReason,
			"latency_ms":    f.Latency.Milliseconds(),
			"token_count":   EstimateTokens(f.Content),
			"finalized_at":  s.now(),
		})
	if result.Error != nil {
		return fmt.Errorf("store: finalize response %s: %w", responseID, result.Error)
	}
	if result.RowsAffected == 0 {
		var n int64
		if err := s.db.WithContext(ctx).Model(&models.Response{}).Where("id = ?", responseID).Count(&n).Error; err != nil {
			return fmt.Errorf("store: finalize response %s: %w", responseID, err)
		}
		if n == 0 {
			return fmt.Errorf("store: response %s: %w", responseID, ErrNotFound)
		}
		return fmt.Errorf("store: response %s: %w", responseID, ErrAlreadyFinalized)
	}
	return nil
}

// GetResponse loads one response.
func (s *Store) GetResponse(ctx context.Context, id string) (*models.Response, error) {
	var r models.Response
	result := s.db.WithContext(ctx).Where("id = ?", id).Limit(1).Find(&r)
	if result.Error != nil {
		return nil, fmt.Errorf("store: get response %s: %w", id, result.Error)
	}
	if result.RowsAffected == 0 {
		return nil, fmt.Errorf("store: response %s: %w", id, ErrNotFound)
	}
	return &r, nil
}
