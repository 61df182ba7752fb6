// Package api exposes the HTTP control surface of the ingestion service and
// the client for the core API that owns sources and chunks.
package api

import (
	"context"
	"errors"
	"fmt"
	"image"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"svr-ingest/database"
	"svr-ingest/logging"
)

// SourceController starts and stops per-source ingestion.
type SourceController interface {
	Add(src database.Source) error
	Remove(id string)
	Restart(ctx context.Context) error
	Running() []string
	IsRunning(id string) bool
	LatestFrame(id string) (image.Image, bool)
}

// LocalStore is the optional local registry used when the service keeps its
// own metadata instead of the core API.
type LocalStore interface {
	UpsertSource(ctx context.Context, src database.Source) error
	ListChunks(ctx context.Context, sourceID string, limit int) ([]database.Chunk, error)
}

type Server struct {
	port    string
	sources SourceController
	local   LocalStore
	logger  zerolog.Logger
	engine  *gin.Engine
}

// NewServer builds the router. local may be nil.
func NewServer(port string, sources SourceController, local LocalStore) *Server {
	s := &Server{
		port:    port,
		sources: sources,
		local:   local,
		logger:  logging.WithComponent("api"),
	}

	r := gin.New()
	r.Use(gin.Recovery(), s.requestLogger())
	s.setupCORS(r)
	s.setupRoutes(r)
	s.engine = r
	return s
}

// Handler returns the HTTP handler serving every route.
func (s *Server) Handler() http.Handler {
	return s.engine
}

// Start serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Start(ctx context.Context) error {
	srv := &http.Server{
		Addr:              ":" + s.port,
		Handler:           s.engine,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info().Str("addr", srv.Addr).Msg("starting API server")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("api server: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("api server shutdown: %w", err)
	}
	s.logger.Info().Msg("API server stopped")
	return nil
}

func (s *Server) setupCORS(r *gin.Engine) {
	r.Use(func(c *gin.Context) {
		c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
		c.Writer.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	})
}

func (s *Server) setupRoutes(r *gin.Engine) {
	r.GET("/healthz", s.handleHealth)
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	api := r.Group("/api")
	{
		api.GET("/sources", s.listSources)
		api.POST("/sources", s.addSource)
		api.DELETE("/sources/:id", s.removeSource)
		api.GET("/sources/:id/frame", s.latestFrame)
		api.POST("/restart", s.restart)
		api.GET("/chunks", s.listChunks)
	}
}

func (s *Server) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		if c.Request.URL.Path == "/metrics" || c.Request.URL.Path == "/healthz" {
			return
		}
		s.logger.Debug().
			Str("method", c.Request.Method).
			Str("path", c.Request.URL.Path).
			Int("status", c.Writer.Status()).
			Dur("latency", time.Since(start)).
			Msg("request")
	}
}
