// Package server exposes the arena HTTP API: the streaming fan-out endpoint,
// session and ranking endpoints, internal analytics and health.
package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/chainguard-dev/clog"
	"github.com/gin-gonic/gin"
	"github.com/zulandar/arena/internal/fanout"
	"github.com/zulandar/arena/internal/ratelimit"
	"github.com/zulandar/arena/internal/store"
	"github.com/zulandar/arena/internal/workflow"
)

// Sender enqueues workflow events. *workflow.Runtime satisfies it.
type Sender interface {
	Send(ctx context.Context, ev workflow.Event) (bool, error)
}

// Deps are the collaborators the handlers use.
type Deps struct {
	Store   *store.Store
	Fanout  *fanout.Coordinator
	Limiter ratelimit.Limiter
	Events  Sender
}

func (d Deps) validate() error {
	switch {
	case d.Store == nil:
		return errors.New("server: store is required")
	case d.Fanout == nil:
		return errors.New("server: fan-out coordinator is required")
	case d.Limiter == nil:
		return errors.New("server: rate limiter is required")
	case d.Events == nil:
		return errors.New("server: event sender is required")
	}
	return nil
}

// StartOpts holds configuration for the API server.
type StartOpts struct {
	Deps
	Port           int
	TrustedProxies []string
	Out            io.Writer
}

// NewRouter builds the gin engine with every route registered.
func NewRouter(d Deps, trustedProxies []string) (*gin.Engine, error) {
	if err := d.validate(); err != nil {
		return nil, err
	}
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery(), requestLogger())
	if err := router.SetTrustedProxies(trustedProxies); err != nil {
		return nil, fmt.Errorf("server: trusted proxies: %w", err)
	}
	registerRoutes(router, d)
	return router, nil
}

// Start launches the API server. It blocks until ctx is cancelled, then
// shuts down gracefully.
func Start(ctx context.Context, opts StartOpts) error {
	if opts.Port <= 0 {
		opts.Port = 8080
	}
	router, err := NewRouter(opts.Deps, opts.TrustedProxies)
	if err != nil {
		return err
	}

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", opts.Port),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       baseContext(ctx),
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 2*time.Minute)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			clog.FromContext(ctx).With("error", err.Error()).Warn("server: shutdown")
		}
	}()

	if opts.Out != nil {
		fmt.Fprintf(opts.Out, "Arena API listening on http://localhost:%d\n", opts.Port)
	}

	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("server: %w", err)
	}
	return nil
}

// baseContext hands every request the values of ctx, including its logger.
// Cancellation is dropped so shutdown drains in-flight streams.
func baseContext(ctx context.Context) func(net.Listener) context.Context {
	return func(net.Listener) context.Context {
		return context.WithoutCancel(ctx)
	}
}

// requestLogger puts a request-scoped logger in the request context and logs
// each completed request.
func requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		log := clog.FromContext(c.Request.Context()).
			With("method", c.Request.Method).
			With("path", c.FullPath())
		c.Request = c.Request.WithContext(clog.WithLogger(c.Request.Context(), log))

		c.Next()

		log.With("status", c.Writer.Status()).
			With("duration_ms", time.Since(start).Milliseconds()).
			Debug("server: request")
	}
}
