package analysis

import (
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/zulandar/arena/internal/judge"
	"github.com/zulandar/arena/internal/models"
	"github.com/zulandar/arena/internal/store"
)

func ip(v int) *int { return &v }

func TestBuildSummary(t *testing.T) {
	tr := &store.Transcript{
		Session: models.Session{ID: "s", ModelIDs: []string{"m-a", "m-b", "m-c"}},
		Turns: []models.Turn{
			{ID: "t1", SessionID: "s", Sequence: 1, Prompt: "first", RankingState: models.RankingSubmitted},
			{ID: "t2", SessionID: "s", Sequence: 2, Prompt: "second", RankingState: models.RankingSkipped},
		},
		Responses: []models.Response{
			{ID: "r1a", TurnID: "t1", ModelID: "m-a", Content: "alpha", TokenCount: 1, FinishReason: "stop"},
			{ID: "r1c", TurnID: "t1", ModelID: "m-c", Content: "", FinishReason: ""},
			{ID: "r1b", TurnID: "t1", ModelID: "m-b", Content: "bravo", TokenCount: 1, FinishReason: "length"},
			{ID: "r2b", TurnID: "t2", ModelID: "m-b", Content: "b2", FinishReason: "stop"},
			{ID: "r2a", TurnID: "t2", ModelID: "m-a", Content: "a2", FinishReason: "stop"},
			{ID: "r2c", TurnID: "t2", ModelID: "m-c", Content: "c2", FinishReason: "content_filter"},
		},
		Rankings: []models.Ranking{
			{TurnID: "t1", ResponseID: "r1b", Rank: 1},
			{TurnID: "t1", ResponseID: "r1a", Rank: 2},
		},
	}

	want := []judge.TurnSummary{
		{
			TurnNumber: 1, TurnID: "t1", Prompt: "first", RankingState: models.RankingSubmitted,
			Responses: []judge.ResponseSummary{
				{ModelID: "m-b", Content: "bravo", TokenCount: 1, FinishReason: "length", Rank: ip(1)},
				{ModelID: "m-a", Content: "alpha", TokenCount: 1, FinishReason: "stop", Rank: ip(2)},
				{ModelID: "m-c"},
			},
		},
		{
			TurnNumber: 2, TurnID: "t2", Prompt: "second", RankingState: models.RankingSkipped,
			Responses: []judge.ResponseSummary{
				{ModelID: "m-a", Content: "a2", FinishReason: "stop"},
				{ModelID: "m-b", Content: "b2", FinishReason: "stop"},
				{ModelID: "m-c", Content: "c2", FinishReason: "content_filter"},
			},
		},
	}
	if diff := cmp.Diff(want, BuildSummary(tr, 800)); diff != "" {
		t.Errorf("BuildSummary mismatch (-want +got):\n%s", diff)
	}
}

func TestBuildSummary_Truncates(t *testing.T) {
	long := strings.Repeat("é", 900)
	tr := &store.Transcript{
		Session:   models.Session{ModelIDs: []string{"m"}},
		Turns:     []models.Turn{{ID: "t", Sequence: 1}},
		Responses: []models.Response{{ID: "r", TurnID: "t", ModelID: "m", Content: long}},
	}
	got := BuildSummary(tr, 800)[0].Responses[0].Content
	if n := len([]rune(got)); n != 800 {
		t.Errorf("truncated to %d runes, want 800", n)
	}
	if !strings.HasPrefix(long, got) {
		t.Error("truncation split a rune")
	}
}

func TestTruncate(t *testing.T) {
	tests := []struct {
		in    string
		limit int
		want  string
	}{
		{"hello", 10, "hello"},
		{"hello", 5, "hello"},
		{"hello", 3, "hel"},
		{"héllo", 2, "hé"},
		{"hello", 0, "hello"},
	}
	for _, tt := range tests {
		if got := truncate(tt.in, tt.limit); got != tt.want {
			t.Errorf("truncate(%q, %d) = %q, want %q", tt.in, tt.limit, got, tt.want)
		}
	}
}
