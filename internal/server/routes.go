package server

import (
	"errors"
	"net/http"
	"slices"
	"time"

	"github.com/chainguard-dev/clog"
	"github.com/gin-gonic/gin"
	"github.com/zulandar/arena/internal/analysis"
	"github.com/zulandar/arena/internal/fanout"
	"github.com/zulandar/arena/internal/metrics"
	"github.com/zulandar/arena/internal/models"
	"github.com/zulandar/arena/internal/store"
	"github.com/zulandar/arena/internal/upstream"
)

// behaviorsLimit is how many recent flags the internal endpoint returns.
const behaviorsLimit = 100

// registerRoutes sets up all API routes on the Gin router.
func registerRoutes(router *gin.Engine, d Deps) {
	router.GET("/healthz", handleHealth(d))
	router.GET("/metrics", metrics.Handler())

	api := router.Group("/api")
	api.POST("/stream", rateLimit(d.Limiter), handleStream(d))

	api.POST("/sessions", handleCreateSession(d))
	api.POST("/sessions/turns", handleCreateTurn(d))
	api.POST("/sessions/complete", handleCompleteSession(d))
	api.GET("/sessions/resume", handleResume(d))

	api.POST("/rankings", handleSubmitRanking(d))
	api.POST("/rankings/skip", handleSkipRanking(d))

	internal := api.Group("/internal")
	internal.GET("/behaviors", handleBehaviors(d))
	internal.GET("/stats", handleStats(d))
}

// statusFor maps domain errors onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, store.ErrInvalidModels),
		errors.Is(err, store.ErrInvalidRanking),
		errors.Is(err, fanout.ErrInvalidRequest):
		return http.StatusBadRequest
	case errors.Is(err, store.ErrSessionComplete),
		errors.Is(err, store.ErrRankingPending),
		errors.Is(err, store.ErrRankingClosed),
		errors.Is(err, store.ErrTurnStreamed):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

// fail writes a JSON error. Internal errors are logged and not echoed.
func fail(c *gin.Context, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		clog.FromContext(c.Request.Context()).With("error", err.Error()).Error("server: request failed")
		c.JSON(status, gin.H{"error": "internal error"})
		return
	}
	c.JSON(status, gin.H{"error": err.Error()})
}

func badRequest(c *gin.Context, msg string) {
	c.JSON(http.StatusBadRequest, gin.H{"error": msg})
}

func handleHealth(d Deps) gin.HandlerFunc {
	return func(c *gin.Context) {
		sqlDB, err := d.Store.DB().DB()
		if err == nil {
			err = sqlDB.PingContext(c.Request.Context())
		}
		if err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unavailable", "error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	}
}

type streamRequest struct {
	SessionID string             `json:"sessionId"`
	TurnID    string             `json:"turnId"`
	ModelIDs  []string           `json:"modelIds"`
	Messages  []upstream.Message `json:"messages"`
}

// handleStream fans a turn out to the session's models and relays the
// multiplexed events as SSE. A turn streams once; later calls get 409. A client disconnect stops writes but the
// channel is still drained so every model task can finish and persist.
func handleStream(d Deps) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req streamRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			badRequest(c, "invalid request body")
			return
		}
		if req.SessionID == "" || req.TurnID == "" || len(req.Messages) == 0 {
			badRequest(c, "sessionId, turnId and messages are required")
			return
		}
		ctx := c.Request.Context()

		sess, err := d.Store.GetSession(ctx, req.SessionID)
		if err != nil {
			fail(c, err)
			return
		}
		if len(req.ModelIDs) == 0 {
			req.ModelIDs = sess.ModelIDs
		} else if !slices.Equal(req.ModelIDs, sess.ModelIDs) {
			badRequest(c, "modelIds must match the session's models in order")
			return
		}
		turn, err := d.Store.GetTurn(ctx, req.TurnID)
		if err != nil {
			fail(c, err)
			return
		}
		if turn.SessionID != sess.ID {
			fail(c, store.ErrNotFound)
			return
		}
		if sess.IsComplete {
			fail(c, store.ErrSessionComplete)
			return
		}
		if turn.RankingState != models.RankingPending {
			fail(c, store.ErrRankingClosed)
			return
		}

		events, err := d.Fanout.Run(ctx, fanout.Request{
			SessionID: req.SessionID,
			TurnID:    req.TurnID,
			ModelIDs:  req.ModelIDs,
			Messages:  req.Messages,
		})
		if err != nil {
			fail(c, err)
			return
		}

		sseHeaders(c)
		c.Writer.Flush()
		gone := false
		for ev := range events {
			if gone {
				continue
			}
			if err := writeSSE(c.Writer, ev); err != nil {
				clog.FromContext(ctx).With("error", err.Error()).Info("server: client went away, draining stream")
				gone = true
				continue
			}
			c.Writer.Flush()
		}
	}
}

type createSessionRequest struct {
	ModelIDs []string `json:"modelIds"`
	UserID   string   `json:"userId"`
}

func handleCreateSession(d Deps) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req createSessionRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			badRequest(c, "invalid request body")
			return
		}
		sess, err := d.Store.CreateSession(c.Request.Context(), req.UserID, req.ModelIDs)
		if err != nil {
			fail(c, err)
			return
		}
		c.JSON(http.StatusCreated, gin.H{"sessionId": sess.ID})
	}
}

type createTurnRequest struct {
	SessionID string `json:"sessionId"`
	Prompt    string `json:"prompt"`
}

func handleCreateTurn(d Deps) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req createTurnRequest
		if err := c.ShouldBindJSON(&req); err != nil || req.SessionID == "" || req.Prompt == "" {
			badRequest(c, "sessionId and prompt are required")
			return
		}
		turn, err := d.Store.CreateTurn(c.Request.Context(), req.SessionID, req.Prompt)
		if err != nil {
			fail(c, err)
			return
		}
		c.JSON(http.StatusCreated, gin.H{"turnId": turn.ID, "turnNumber": turn.Sequence})
	}
}

type sessionRef struct {
	SessionID string `json:"sessionId"`
}

// handleCompleteSession marks a session complete and triggers analysis. A
// failed trigger is only logged: the backfill sweep picks the session up.
func handleCompleteSession(d Deps) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req sessionRef
		if err := c.ShouldBindJSON(&req); err != nil || req.SessionID == "" {
			badRequest(c, "sessionId is required")
			return
		}
		ctx := c.Request.Context()
		changed, err := d.Store.CompleteSession(ctx, req.SessionID)
		if err != nil {
			fail(c, err)
			return
		}
		if _, err := d.Events.Send(ctx, analysis.CompletedEvent(req.SessionID)); err != nil {
			clog.FromContext(ctx).With("session", req.SessionID).With("error", err.Error()).
				Warn("server: analysis trigger failed, leaving it to backfill")
		}
		c.JSON(http.StatusOK, gin.H{"sessionId": req.SessionID, "completed": true, "changed": changed})
	}
}

type responseView struct {
	ID           string `json:"id"`
	SlotLabel    string `json:"slotLabel"`
	ModelID      string `json:"modelId,omitempty"`
	Content      string `json:"content"`
	FinishReason string `json:"finishReason,omitempty"`
	TokenCount   int    `json:"tokenCount"`
	LatencyMs    int64  `json:"latencyMs"`
	Rank         *int   `json:"rank,omitempty"`
	Finalized    bool   `json:"finalized"`
}

type turnView struct {
	ID           string         `json:"id"`
	TurnNumber   int            `json:"turnNumber"`
	Prompt       string         `json:"prompt"`
	RankingState string         `json:"rankingState"`
	CreatedAt    time.Time      `json:"createdAt"`
	Responses    []responseView `json:"responses"`
}

type sessionView struct {
	SessionID   string     `json:"sessionId"`
	ModelIDs    []string   `json:"modelIds"`
	IsComplete  bool       `json:"isComplete"`
	CompletedAt *time.Time `json:"completedAt,omitempty"`
	CreatedAt   time.Time  `json:"createdAt"`
	Turns       []turnView `json:"turns"`
}

// viewTranscript renders a transcript for the client. Model identities stay
// hidden behind slot labels until the turn's ranking is closed.
func viewTranscript(tr *store.Transcript) sessionView {
	v := sessionView{
		SessionID:   tr.Session.ID,
		ModelIDs:    tr.Session.ModelIDs,
		IsComplete:  tr.Session.IsComplete,
		CompletedAt: tr.Session.CompletedAt,
		CreatedAt:   tr.Session.CreatedAt,
		Turns:       make([]turnView, 0, len(tr.Turns)),
	}
	for _, t := range tr.Turns {
		tv := turnView{
			ID:           t.ID,
			TurnNumber:   t.Sequence,
			Prompt:       t.Prompt,
			RankingState: t.RankingState,
			CreatedAt:    t.CreatedAt,
			Responses:    []responseView{},
		}
		revealed := t.RankingState != models.RankingPending
		for _, r := range tr.ResponsesFor(t.ID) {
			rv := responseView{
				ID:           r.ID,
				SlotLabel:    tr.Session.SlotOf(r.ModelID),
				Content:      r.Content,
				FinishReason: r.FinishReason,
				TokenCount:   r.TokenCount,
				LatencyMs:    r.LatencyMs,
				Rank:         tr.RankOf(r.ID),
				Finalized:    r.FinalizedAt != nil,
			}
			if revealed {
				rv.ModelID = r.ModelID
			}
			tv.Responses = append(tv.Responses, rv)
		}
		v.Turns = append(v.Turns, tv)
	}
	return v
}

func handleResume(d Deps) gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.Query("sessionId")
		if id == "" {
			badRequest(c, "sessionId is required")
			return
		}
		tr, err := d.Store.LoadTranscript(c.Request.Context(), id)
		if err != nil {
			fail(c, err)
			return
		}
		c.JSON(http.StatusOK, viewTranscript(tr))
	}
}

type rankingRequest struct {
	SessionID string            `json:"sessionId"`
	TurnID    string            `json:"turnId"`
	Rankings  []store.RankEntry `json:"rankings"`
}

func handleSubmitRanking(d Deps) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req rankingRequest
		if err := c.ShouldBindJSON(&req); err != nil || req.TurnID == "" || len(req.Rankings) == 0 {
			badRequest(c, "turnId and rankings are required")
			return
		}
		ctx := c.Request.Context()
		if req.SessionID != "" {
			turn, err := d.Store.GetTurn(ctx, req.TurnID)
			if err != nil {
				fail(c, err)
				return
			}
			if turn.SessionID != req.SessionID {
				fail(c, store.ErrNotFound)
				return
			}
		}
		revealed, err := d.Store.SubmitRanking(ctx, req.TurnID, req.Rankings)
		if err != nil {
			fail(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"revealed": revealed})
	}
}

type turnRef struct {
	TurnID string `json:"turnId"`
}

func handleSkipRanking(d Deps) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req turnRef
		if err := c.ShouldBindJSON(&req); err != nil || req.TurnID == "" {
			badRequest(c, "turnId is required")
			return
		}
		if err := d.Store.SkipRanking(c.Request.Context(), req.TurnID); err != nil {
			fail(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"turnId": req.TurnID, "rankingState": models.RankingSkipped})
	}
}

type flagView struct {
	ID          uint            `json:"id"`
	SessionID   string          `json:"sessionId"`
	TurnID      *string         `json:"turnId"`
	ModelID     string          `json:"modelId"`
	FlagType    string          `json:"flagType"`
	Severity    string          `json:"severity"`
	Description string          `json:"description"`
	Evidence    models.Evidence `json:"evidence"`
	Confidence  float64         `json:"confidence"`
	CreatedAt   time.Time       `json:"createdAt"`
}

func handleBehaviors(d Deps) gin.HandlerFunc {
	return func(c *gin.Context) {
		flags, err := d.Store.RecentFlags(c.Request.Context(), behaviorsLimit)
		if err != nil {
			fail(c, err)
			return
		}
		out := make([]flagView, len(flags))
		for i, f := range flags {
			out[i] = flagView{
				ID:          f.ID,
				SessionID:   f.SessionID,
				TurnID:      f.TurnID,
				ModelID:     f.ModelID,
				FlagType:    f.FlagType,
				Severity:    f.Severity,
				Description: f.Description,
				Evidence:    f.Evidence,
				Confidence:  f.Confidence,
				CreatedAt:   f.CreatedAt,
			}
		}
		c.JSON(http.StatusOK, gin.H{"flags": out})
	}
}

func handleStats(d Deps) gin.HandlerFunc {
	return func(c *gin.Context) {
		st, err := d.Store.Stats(c.Request.Context())
		if err != nil {
			fail(c, err)
			return
		}
		c.JSON(http.StatusOK, st)
	}
}
