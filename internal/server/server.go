// Package server exposes the session pipeline over HTTP. The route layer
// maps requests one-to-one onto the store, intake, pipeline and status
// components; it holds no state of its own.
package server

import (
	"context"
	"fmt"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/obrennan/clinicast/internal/intake"
	"github.com/obrennan/clinicast/internal/pipeline"
	"github.com/obrennan/clinicast/internal/store"
)

// StartOpts holds the collaborators and settings for the API server.
type StartOpts struct {
	Store  *store.Store
	Intake *intake.Intake
	Runner *pipeline.Runner
	Port   int
	Out    io.Writer
}

// Start launches the API server. It blocks until ctx is cancelled, then
// shuts down gracefully.
func Start(ctx context.Context, opts StartOpts) error {
	if opts.Store == nil {
		return fmt.Errorf("server: store is required")
	}
	if opts.Port <= 0 {
		opts.Port = 8080
	}

	gin.SetMode(gin.ReleaseMode)
	router := NewRouter(opts)

	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", opts.Port),
		Handler: router,
	}

	go func() {
		<-ctx.Done()
		srv.Shutdown(context.Background())
	}()

	if opts.Out != nil {
		fmt.Fprintf(opts.Out, "clinicast API listening on http://localhost:%d\n", opts.Port)
	}

	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("server: %w", err)
	}
	return nil
}

// NewRouter builds the gin router with all API routes registered. Split
// out from Start so tests can drive it with httptest.
func NewRouter(opts StartOpts) *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery())

	h := &handlers{store: opts.Store, intake: opts.Intake, runner: opts.Runner}

	router.GET("/healthz", h.health)

	api := router.Group("/api")
	api.POST("/sessions", h.createSession)
	api.GET("/sessions/:id", h.getSession)
	api.DELETE("/sessions/:id", h.deleteSession)
	api.POST("/sessions/:id/materials", h.attachMaterial)
	api.POST("/sessions/:id/process", h.startProcessing)
	api.GET("/sessions/:id/status", h.getStatus)
	api.POST("/sessions/:id/cancel", h.cancel)
	api.GET("/sessions/:id/events", h.events)
	api.GET("/sessions/:id/artifacts/:stage", h.downloadArtifact)

	return router
}
