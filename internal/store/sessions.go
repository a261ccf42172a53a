package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/zulandar/arena/internal/models"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// ValidateModelIDs checks the 2-8 unique, non-empty rule.
func ValidateModelIDs(ids []string) error {
	if len(ids) < models.MinModels || len(ids) > models.MaxModels {
		return fmt.Errorf("%w: got %d", ErrInvalidModels, len(ids))
	}
	seen := make(map[string]bool, len(ids))
	for _, id := range ids {
		if id == "" {
			return fmt.Errorf("%w: empty model id", ErrInvalidModels)
		}
		if seen[id] {
			return fmt.Errorf("%w: duplicate %q", ErrInvalidModels, id)
		}
		seen[id] = true
	}
	return nil
}

// CreateSession records a new session. The model order fixes slot labels.
func (s *Store) CreateSession(ctx context.Context, ownerID string, modelIDs []string) (*models.Session, error) {
	if err := ValidateModelIDs(modelIDs); err != nil {
		return nil, err
	}
	sess := models.Session{
		ID:       s.newID(),
		OwnerID:  ownerID,
		ModelIDs: append([]string(nil), modelIDs...),
	}
	if err := s.db.WithContext(ctx).Create(&sess).Error; err != nil {
		return nil, fmt.Errorf("store: create session: %w", err)
	}
	return &sess, nil
}

// GetSession loads one session.
func (s *Store) GetSession(ctx context.Context, id string) (*models.Session, error) {
	var sess models.Session
	if err := s.db.WithContext(ctx).Where("id = ?", id).First(&sess).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("store: session %s: %w", id, ErrNotFound)
		}
		return nil, fmt.Errorf("store: get session %s: %w", id, err)
	}
	return &sess, nil
}

// CompleteSession flips the completion flag. It reports whether this call
// made the change; completing an already-complete session is a no-op.
func (s *Store) CompleteSession(ctx context.Context, id string) (bool, error) {
	now := s.now()
	result := s.db.WithContext(ctx).Model(&models.Session{}).
		Where("id = ? AND is_complete = ?", id, false).
		Updates(map[string]interface{}{
			"is_complete":  true,
			"completed_at": now,
		})
	if result.Error != nil {
		return false, fmt.Errorf("store: complete session %s: %w", id, result.Error)
	}
	if result.RowsAffected == 1 {
		return true, nil
	}
	if _, err := s.GetSession(ctx, id); err != nil {
		return false, err
	}
	return false, nil
}

// Transcript is everything recorded for a session, in display order.
type Transcript struct {
	Session   models.Session
	Turns     []models.Turn
	Responses []models.Response
	Rankings  []models.Ranking
}

// ResponsesFor returns the responses of one turn in session slot order.
func (t *Transcript) ResponsesFor(turnID string) []models.Response {
	var out []models.Response
	for _, modelID := range t.Session.ModelIDs {
		for _, r := range t.Responses {
			if r.TurnID == turnID && r.ModelID == modelID {
				out = append(out, r)
			}
		}
	}
	return out
}

// RankOf returns the rank given to responseID, or nil when it was not ranked.
func (t *Transcript) RankOf(responseID string) *int {
	for _, rk := range t.Rankings {
		if rk.ResponseID == responseID {
			r := rk.Rank
			return &r
		}
	}
	return nil
}

// LoadTranscript reads a session with all of its turns, responses and rankings.
func (s *Store) LoadTranscript(ctx context.Context, sessionID string) (*Transcript, error) {
	sess, err := s.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	tr := &Transcript{Session: *sess}
	db := s.db.WithContext(ctx)
	if err := db.Where("session_id = ?", sessionID).Order("sequence ASC").Find(&tr.Turns).Error; err != nil {
		return nil, fmt.Errorf("store: load turns for %s: %w", sessionID, err)
	}
	if len(tr.Turns) == 0 {
		return tr, nil
	}
	turnIDs := make([]string, len(tr.Turns))
	for i, t := range tr.Turns {
		turnIDs[i] = t.ID
	}
	if err := db.Where("turn_id IN ?", turnIDs).Order("created_at ASC, id ASC").Find(&tr.Responses).Error; err != nil {
		return nil, fmt.Errorf("store: load responses for %s: %w", sessionID, err)
	}
	if err := db.Where("turn_id IN ?", turnIDs).Order("turn_id ASC, `rank` ASC").Find(&tr.Rankings).Error; err != nil {
		return nil, fmt.Errorf("store: load rankings for %s: %w", sessionID, err)
	}
	return tr, nil
}

// lockSession selects a session row FOR UPDATE inside tx.
func lockSession(tx *gorm.DB, id string) (*models.Session, error) {
	var sess models.Session
	result := tx.Clauses(clause.Locking{Strength: "UPDATE"}).Where("id = ?", id).Limit(1).Find(&sess)
	if result.Error != nil {
		return nil, fmt.Errorf("store: lock session %s: %w", id, result.Error)
	}
	if result.RowsAffected == 0 {
		return nil, fmt.Errorf("store: session %s: %w", id, ErrNotFound)
	}
	return &sess, nil
}
