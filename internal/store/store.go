// Package store is the persistence gateway for sessions, turns, responses,
// rankings and behavioral flags.
package store

import (
	"errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

var (
	// ErrNotFound is returned when a referenced row does not exist.
	ErrNotFound = errors.New("store: not found")
	// ErrInvalidModels is returned when a session's model list is not 2-8 unique ids.
	ErrInvalidModels = errors.New("store: sessions need 2-8 unique model ids")
	// ErrSessionComplete is returned when adding a turn to a completed session.
	ErrSessionComplete = errors.New("store: session is complete")
	// ErrRankingPending is returned when a new turn is requested while the
	// previous turn has neither been ranked nor skipped.
	ErrRankingPending = errors.New("store: previous turn ranking is pending")
	// ErrRankingClosed is returned when a turn's ranking was already submitted or skipped.
	ErrRankingClosed = errors.New("store: turn ranking already closed")
	// ErrInvalidRanking is returned when submitted ranks are not a permutation
	// of 1..N over the turn's eligible responses.
	ErrInvalidRanking = errors.New("store: invalid ranking")
	// ErrAlreadyFinalized is returned when a response row was already written.
	ErrAlreadyFinalized = errors.New("store: response already finalized")
	// ErrTurnStreamed is returned when a turn already has response rows.
	ErrTurnStreamed = errors.New("store: turn already streamed")
)

// Store wraps a GORM handle.
type Store struct {
	db    *gorm.DB
	now   func() time.Time
	newID func() string
}

// New returns a Store backed by db.
func New(db *gorm.DB) *Store {
	return &Store{
		db:    db,
		now:   time.Now,
		newID: uuid.NewString,
	}
}

// DB exposes the underlying handle for components that share the database.
func (s *Store) DB() *gorm.DB {
	return s.db
}
