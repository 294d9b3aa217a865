// Package api implements the thin HTTP control surface: handlers are glue
// over the Scheduler, Job Repository, Worker Registry, and Activity Feed —
// no pipeline logic lives here.
package api

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"sort"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"sidequest/pkg/activity"
	"sidequest/pkg/api/middleware"
	"sidequest/pkg/auth"
	"sidequest/pkg/clock"
	"sidequest/pkg/registry"
	"sidequest/pkg/scheduler"
	"sidequest/pkg/storage"
)

// Server encapsulates the HTTP API server and its dependencies.
type Server struct {
	router     *gin.Engine
	httpServer *http.Server

	store        storage.JobRepository
	schedulers   map[string]*scheduler.Scheduler
	registry     *registry.Registry
	feed         *activity.Feed
	clk          clock.Clock
	migrationKey string
}

// Config holds API server configuration.
type Config struct {
	Port         string
	Store        storage.JobRepository
	Schedulers   map[string]*scheduler.Scheduler
	Registry     *registry.Registry
	Feed         *activity.Feed
	Clock        clock.Clock
	MigrationKey string

	// AuthEnabled wires bearer/API-key auth onto the mutating endpoints
	// (trigger/cancel/retry/pause/resume). Bulk-import is always guarded
	// by MigrationKey regardless of this flag.
	AuthEnabled bool
	JWTService  *auth.JWTService
	APIKeyStore auth.APIKeyStore
}

// NewServer creates a new API server with all dependencies.
func NewServer(cfg Config) *Server {
	gin.SetMode(gin.ReleaseMode)

	router := gin.New()

	router.Use(gin.Recovery())
	router.Use(middleware.RequestIDMiddleware())
	router.Use(middleware.TracingMiddleware("sidequest-api"))
	router.Use(middleware.SecurityHeadersMiddleware())
	router.Use(middleware.MetricsMiddleware())
	router.Use(requestLogger())
	router.Use(middleware.RateLimitMiddleware())
	router.Use(middleware.BodySizeLimitMiddleware(1 << 20))

	s := &Server{
		router:       router,
		store:        cfg.Store,
		schedulers:   cfg.Schedulers,
		registry:     cfg.Registry,
		feed:         cfg.Feed,
		clk:          cfg.Clock,
		migrationKey: cfg.MigrationKey,
	}

	s.registerRoutes(cfg)

	s.httpServer = &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      router,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return s
}

// Start begins listening for HTTP requests.
func (s *Server) Start() error {
	log.Printf("[API] Starting server on %s", s.httpServer.Addr)
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("failed to start server: %w", err)
	}
	return nil
}

// Shutdown gracefully stops the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	log.Println("[API] Shutting down server...")
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) registerRoutes(cfg Config) {
	s.router.GET("/health", s.healthCheck)
	s.router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	var mutating gin.HandlerFunc
	if cfg.AuthEnabled {
		mutating = middleware.AuthMiddleware(middleware.AuthConfig{
			JWTService:  cfg.JWTService,
			APIKeyStore: cfg.APIKeyStore,
		})
	} else {
		mutating = func(c *gin.Context) { c.Next() }
	}

	api := s.router.Group("/api")
	{
		validJobID := middleware.JobIDParamMiddleware(middleware.NewValidator(middleware.DefaultValidatorConfig()))

		jobs := api.Group("/jobs")
		{
			jobs.GET("", s.listJobs)
			jobs.GET("/:jobId", validJobID, s.getJob)
			jobs.POST("/:jobId/cancel", validJobID, mutating, s.cancelJob)
			jobs.POST("/:jobId/retry", validJobID, mutating, s.retryJob)
			jobs.POST("/bulk-import", middleware.MigrationKeyMiddleware(s.migrationKey), s.bulkImportJobs)
		}

		pipelines := api.Group("/pipelines")
		{
			pipelines.GET("/:id/jobs", s.listPipelineJobs)
			pipelines.POST("/:id/trigger", mutating, s.triggerPipeline)
			pipelines.POST("/:id/pause", mutating, s.pausePipeline)
			pipelines.POST("/:id/resume", mutating, s.resumePipeline)
			pipelines.GET("/:id/status", s.pipelineStatus)
		}

		activityGroup := api.Group("/activity")
		{
			activityGroup.GET("", s.listActivity)
			activityGroup.GET("/stats", s.activityStats)
		}
	}
}

// requestLogger is a middleware that logs HTTP requests.
func requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path

		c.Next()

		latency := time.Since(start)
		status := c.Writer.Status()

		log.Printf("[API] %s %s %d %v", c.Request.Method, path, status, latency)
	}
}

// healthCheck reports liveness plus the set of pipelines this instance
// serves, so a load balancer can distinguish a cold-starting replica from
// one with no registered pipelines at all.
func (s *Server) healthCheck(c *gin.Context) {
	pipelineIDs := make([]string, 0, len(s.schedulers))
	for id := range s.schedulers {
		pipelineIDs = append(pipelineIDs, id)
	}
	sort.Strings(pipelineIDs)

	c.JSON(http.StatusOK, gin.H{
		"status":    "healthy",
		"pipelines": pipelineIDs,
		"timestamp": time.Now().UTC(),
	})
}

// schedulerFor resolves the Scheduler for a pipeline, or nil if unknown.
func (s *Server) schedulerFor(pipelineID string) (*scheduler.Scheduler, bool) {
	sched, ok := s.schedulers[pipelineID]
	return sched, ok
}
