package models

import (
	"errors"
	"time"

	"gorm.io/gorm"
)

// ErrModelOrderImmutable is returned when an update tries to rewrite a
// session's model order. Slot labels are derived from that order.
var ErrModelOrderImmutable = errors.New("models: session model order is immutable")

// Session is one multi-model comparison. ModelIDs fixes the slot order.
type Session struct {
	ID          string   `gorm:"primaryKey;size:36"`
	OwnerID     string   `gorm:"size:64;index"`
	ModelIDs    []string `gorm:"serializer:json;type:text;not null"`
	IsComplete  bool     `gorm:"default:false;index"`
	CompletedAt *time.Time
	CreatedAt   time.Time `gorm:"index"`
	UpdatedAt   time.Time
}

// BeforeUpdate rejects any update that touches ModelIDs.
func (s *Session) BeforeUpdate(tx *gorm.DB) error {
	if tx.Statement.Changed("ModelIDs") {
		return ErrModelOrderImmutable
	}
	return nil
}

// SlotOf returns the slot label of modelID within the session, or "" when
// the model is not part of it.
func (s *Session) SlotOf(modelID string) string {
	for i, id := range s.ModelIDs {
		if id == modelID {
			return SlotLabel(i)
		}
	}
	return ""
}

// HasModel reports whether modelID is one of the session's models.
func (s *Session) HasModel(modelID string) bool {
	return s.SlotOf(modelID) != ""
}
