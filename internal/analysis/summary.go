package analysis

import (
	"sort"

	"github.com/zulandar/arena/internal/judge"
	"github.com/zulandar/arena/internal/store"
)

// BuildSummary turns a transcript into the judge-facing session document.
// Responses within a turn are ordered by rank, unranked last, ties kept in
// slot order. Content is cut to limit runes.
func BuildSummary(tr *store.Transcript, limit int) []judge.TurnSummary {
	turns := make([]judge.TurnSummary, 0, len(tr.Turns))
	for _, t := range tr.Turns {
		rows := tr.ResponsesFor(t.ID)
		responses := make([]judge.ResponseSummary, 0, len(rows))
		for _, r := range rows {
			responses = append(responses, judge.ResponseSummary{
				ModelID:      r.ModelID,
				Content:      truncate(r.Content, limit),
				TokenCount:   r.TokenCount,
				FinishReason: r.FinishReason,
				Rank:         tr.RankOf(r.ID),
			})
		}
		sort.SliceStable(responses, func(i, j int) bool {
			a, b := responses[i].Rank, responses[j].Rank
			switch {
			case a == nil:
				return false
			case b == nil:
				return true
			default:
				return *a < *b
			}
		})
		turns = append(turns, judge.TurnSummary{
			TurnNumber:   t.Sequence,
			TurnID:       t.ID,
			Prompt:       t.Prompt,
			RankingState: t.RankingState,
			Responses:    responses,
		})
	}
	return turns
}

func truncate(s string, limit int) string {
	if limit <= 0 {
		return s
	}
	n := 0
	for i := range s {
		if n == limit {
			return s[:i]
		}
		n++
	}
	return s
}
