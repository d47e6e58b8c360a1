// Package dashboard serves a read-only JSON status API for a running pack.
package dashboard

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/zulandar/wolfpack/internal/models"
	"github.com/zulandar/wolfpack/internal/player"
)

// JoinLister returns recent join cycles, newest first.
type JoinLister interface {
	RecentJoins(ctx context.Context, chatID string, limit int) ([]models.JoinRecord, error)
}

// StartOpts holds configuration for the dashboard server.
type StartOpts struct {
	Registry *player.Registry
	Pool     *player.Pool
	Engine   *player.Engine
	Joins    JoinLister    // optional; /api/joins answers 404 without it
	Port     int           // defaults to 8080
	Poll     time.Duration // SSE refresh interval, defaults to 3s
	Out      io.Writer
}

func (o StartOpts) validate() error {
	if o.Registry == nil {
		return fmt.Errorf("dashboard: registry is required")
	}
	if o.Pool == nil {
		return fmt.Errorf("dashboard: pool is required")
	}
	if o.Engine == nil {
		return fmt.Errorf("dashboard: engine is required")
	}
	return nil
}

// Start launches the dashboard HTTP server. It blocks until ctx is cancelled,
// then shuts down gracefully.
func Start(ctx context.Context, opts StartOpts) error {
	if err := opts.validate(); err != nil {
		return err
	}
	if opts.Port <= 0 {
		opts.Port = 8080
	}

	gin.SetMode(gin.ReleaseMode)
	router := newRouter(opts)

	addr := fmt.Sprintf(":%d", opts.Port)
	srv := &http.Server{
		Addr:    addr,
		Handler: router,
	}

	// Graceful shutdown on context cancellation.
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	if opts.Out != nil {
		fmt.Fprintf(opts.Out, "Dashboard running at http://localhost:%d\n", opts.Port)
	}

	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("dashboard: %w", err)
	}
	return nil
}

// newRouter builds the gin engine with all routes registered.
func newRouter(opts StartOpts) *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery())
	registerRoutes(router, opts)
	return router
}
