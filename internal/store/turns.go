package store

import (
	"context"
	"fmt"
	"sort"

	"github.com/zulandar/arena/internal/models"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// CreateTurn appends a turn to the session with the next sequence number.
// The previous turn must have left the pending ranking state.
func (s *Store) CreateTurn(ctx context.Context, sessionID, prompt string) (*models.Turn, error) {
	if prompt == "" {
		return nil, fmt.Errorf("store: create turn: prompt is required")
	}
	var turn models.Turn
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		sess, err := lockSession(tx, sessionID)
		if err != nil {
			return err
		}
		if sess.IsComplete {
			return ErrSessionComplete
		}

		var last models.Turn
		result := tx.Where("session_id = ?", sessionID).Order("sequence DESC").Limit(1).Find(&last)
		if result.Error != nil {
			return fmt.Errorf("store: find last turn: %w", result.Error)
		}
		next := 1
		if result.RowsAffected == 1 {
			if last.RankingState == models.RankingPending {
				return ErrRankingPending
			}
			next = last.Sequence + 1
		}

		turn = models.Turn{
			ID:           s.newID(),
			SessionID:    sessionID,
			Sequence:     next,
			Prompt:       prompt,
			RankingState: models.RankingPending,
		}
		if err := tx.Create(&turn).Error; err != nil {
			return fmt.Errorf("store: create turn: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &turn, nil
}

// GetTurn loads one turn.
func (s *Store) GetTurn(ctx context.Context, id string) (*models.Turn, error) {
	var turn models.Turn
	result := s.db.WithContext(ctx).Where("id = ?", id).Limit(1).Find(&turn)
	if result.Error != nil {
		return nil, fmt.Errorf("store: get turn %s: %w", id, result.Error)
	}
	if result.RowsAffected == 0 {
		return nil, fmt.Errorf("store: turn %s: %w", id, ErrNotFound)
	}
	return &turn, nil
}

// SkipRanking moves a pending turn to skipped.
func (s *Store) SkipRanking(ctx context.Context, turnID string) error {
	result := s.db.WithContext(ctx).Model(&models.Turn{}).
		Where("id = ? AND ranking_state = ?", turnID, models.RankingPending).
		Update("ranking_state", models.RankingSkipped)
	if result.Error != nil {
		return fmt.Errorf("store: skip ranking %s: %w", turnID, result.Error)
	}
	if result.RowsAffected == 0 {
		if _, err := s.GetTurn(ctx, turnID); err != nil {
			return err
		}
		return ErrRankingClosed
	}
	return nil
}

// RankEntry is one submitted placement.
type RankEntry struct {
	ResponseID string `json:"responseId"`
	Rank       int    `json:"rank"`
}

// Revealed discloses a ranked response's true model.
type Revealed struct {
	ResponseID string `json:"responseId"`
	ModelID    string `json:"modelId"`
	SlotLabel  string `json:"slotLabel"`
	Rank       int    `json:"rank"`
}

// SubmitRanking records a full ranking for a pending turn and returns the
// reveal. Ranks must be a permutation of 1..N over the turn's finalized
// responses; responses that never finalized are not eligible.
func (s *Store) SubmitRanking(ctx context.Context, turnID string, entries []RankEntry) ([]Revealed, error) {
	var revealed []Revealed
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		turn, err := lockTurn(tx, turnID)
		if err != nil {
			return err
		}
		if turn.RankingState != models.RankingPending {
			return ErrRankingClosed
		}

		var sess models.Session
		if err := tx.Where("id = ?", turn.SessionID).First(&sess).Error; err != nil {
			return fmt.Errorf("store: load session %s: %w", turn.SessionID, err)
		}

		var eligible []models.Response
		if err := tx.Where("turn_id = ? AND finalized_at IS NOT NULL", turnID).Find(&eligible).Error; err != nil {
			return fmt.Errorf("store: load eligible responses: %w", err)
		}
		if err := validateRanking(entries, eligible); err != nil {
			return err
		}

		update := tx.Model(&models.Turn{}).
			Where("id = ? AND ranking_state = ?", turnID, models.RankingPending).
			Update("ranking_state", models.RankingSubmitted)
		if update.Error != nil {
			return fmt.Errorf("store: mark turn ranked: %w", update.Error)
		}
		if update.RowsAffected == 0 {
			return ErrRankingClosed
		}

		byID := make(map[string]models.Response, len(eligible))
		for _, r := range eligible {
			byID[r.ID] = r
		}
		rows := make([]models.Ranking, len(entries))
		for i, e := range entries {
			rows[i] = models.Ranking{TurnID: turnID, ResponseID: e.ResponseID, Rank: e.Rank}
			r := byID[e.ResponseID]
			revealed = append(revealed, Revealed{
				ResponseID: r.ID,
				ModelID:    r.ModelID,
				SlotLabel:  sess.SlotOf(r.ModelID),
				Rank:       e.Rank,
			})
		}
		if err := tx.Create(&rows).Error; err != nil {
			return fmt.Errorf("store: insert rankings: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(revealed, func(i, j int) bool { return revealed[i].Rank < revealed[j].Rank })
	return revealed, nil
}

func validateRanking(entries []RankEntry, eligible []models.Response) error {
	n := len(eligible)
	if n == 0 {
		return fmt.Errorf("%w: turn has no finalized responses", ErrInvalidRanking)
	}
	if len(entries) != n {
		return fmt.Errorf("%w: got %d entries for %d eligible responses", ErrInvalidRanking, len(entries), n)
	}
	ok := make(map[string]bool, n)
	for _, r := range eligible {
		ok[r.ID] = true
	}
	seenResp := make(map[string]bool, n)
	seenRank := make(map[int]bool, n)
	for _, e := range entries {
		if !ok[e.ResponseID] {
			return fmt.Errorf("%w: response %q is not eligible", ErrInvalidRanking, e.ResponseID)
		}
		if seenResp[e.ResponseID] {
			return fmt.Errorf("%w: response %q ranked twice", ErrInvalidRanking, e.ResponseID)
		}
		if e.Rank < 1 || e.Rank > n {
			return fmt.Errorf("%w: rank %d outside 1..%d", ErrInvalidRanking, e.Rank, n)
		}
		if seenRank[e.Rank] {
			return fmt.Errorf("%w: rank %d used twice", ErrInvalidRanking, e.Rank)
		}
		seenResp[e.ResponseID] = true
		seenRank[e.Rank] = true
	}
	return nil
}

func lockTurn(tx *gorm.DB, id string) (*models.Turn, error) {
	var turn models.Turn
	result := tx.Clauses(clause.Locking{Strength: "UPDATE"}).Where("id = ?", id).Limit(1).Find(&turn)
	if result.Error != nil {
		return nil, fmt.Errorf("store: lock turn %s: %w", id, result.Error)
	}
	if result.RowsAffected == 0 {
		return nil, fmt.Errorf("store: turn %s: %w", id, ErrNotFound)
	}
	return &turn, nil
}
