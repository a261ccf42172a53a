package store

import (
	"context"
	"fmt"
	"sort"

	"github.com/zulandar/arena/internal/models"
)

// ModelWinRate summarizes how often a model placed first when ranked.
type ModelWinRate struct {
	ModelID string  `json:"modelId"`
	Ranked  int64   `json:"ranked"`
	Wins    int64   `json:"wins"`
	WinRate float64 `json:"winRate"`
}

// Stats is an aggregate view over all sessions.
type Stats struct {
	Sessions           int64          `json:"sessions"`
	CompletedSessions  int64          `json:"completedSessions"`
	Turns              int64          `json:"turns"`
	FinalizedResponses int64          `json:"finalizedResponses"`
	Refusals           int64          `json:"refusals"`
	RefusalRate        float64        `json:"refusalRate"`
	WinRates           []ModelWinRate `json:"winRates"`
}

// Stats computes aggregate counts, the content-filter refusal rate and
// per-model first-place rates.
func (s *Store) Stats(ctx context.Context) (*Stats, error) {
	db := s.db.WithContext(ctx)
	var st Stats
	if err := db.Model(&models.Session{}).Count(&st.Sessions).Error; err != nil {
		return nil, fmt.Errorf("store: stats sessions: %w", err)
	}
	if err := db.Model(&models.Session{}).Where("is_complete = ?", true).Count(&st.CompletedSessions).Error; err != nil {
		return nil, fmt.Errorf("store: stats completed: %w", err)
	}
	if err := db.Model(&models.Turn{}).Count(&st.Turns).Error; err != nil {
		return nil, fmt.Errorf("store: stats turns: %w", err)
	}
	if err := db.Model(&models.Response{}).Where("finalized_at IS NOT NULL").Count(&st.FinalizedResponses).Error; err != nil {
		return nil, fmt.Errorf("store: stats responses: %w", err)
	}
	if err := db.Model(&models.Response{}).Where("finish_reason = ?", "content_filter").Count(&st.Refusals).Error; err != nil {
		return nil, fmt.Errorf("store: stats refusals: %w", err)
	}
	if st.FinalizedResponses > 0 {
		st.RefusalRate = float64(st.Refusals) / float64(st.FinalizedResponses)
	}

	type row struct {
		ModelID string
		Ranked  int64
		Wins    int64
	}
	var rows []row
	if err := db.Table("rankings").
		Select("responses.model_id AS model_id, COUNT(*) AS ranked, SUM(CASE WHEN rankings.`rank` = 1 THEN 1 ELSE 0 END) AS wins").
		Joins("JOIN responses ON responses.id = rankings.response_id").
		Group("responses.model_id").
		Scan(&rows).Error; err != nil {
		return nil, fmt.Errorf("store: stats win rates: %w", err)
	}
	st.WinRates = make([]ModelWinRate, 0, len(rows))
	for _, r := range rows {
		w := ModelWinRate{ModelID: r.ModelID, Ranked: r.Ranked, Wins: r.Wins}
		if r.Ranked > 0 {
			w.WinRate = float64(r.Wins) / float64(r.Ranked)
		}
		st.WinRates = append(st.WinRates, w)
	}
	sort.Slice(st.WinRates, func(i, j int) bool {
		if st.WinRates[i].WinRate != st.WinRates[j].WinRate {
			return st.WinRates[i].WinRate > st.WinRates[j].WinRate
		}
		return st.WinRates[i].ModelID < st.WinRates[j].ModelID
	})
	return &st, nil
}
