package server

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/zulandar/arena/internal/ratelimit"
)

// rateLimit rejects clients over their window with 429 and Retry-After.
// Clients are keyed by IP.
func rateLimit(l ratelimit.Limiter) gin.HandlerFunc {
	return func(c *gin.Context) {
		d := l.Check(c.Request.Context(), c.ClientIP())
		if !d.Allowed {
			c.Header("Retry-After", strconv.Itoa(d.RetryAfterSeconds()))
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"error":      "rate limit exceeded",
				"retryAfter": d.RetryAfterSeconds(),
			})
			return
		}
		c.Next()
	}
}
