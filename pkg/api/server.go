package api

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"mediaforged/pkg/api/middleware"
	"mediaforged/pkg/command"
	"mediaforged/pkg/executor"
	"mediaforged/pkg/logger"
	"mediaforged/pkg/resilience"
	"mediaforged/pkg/storage"
)

// Server encapsulates the HTTP API server and its dependencies.
type Server struct {
	router     *gin.Engine
	httpServer *http.Server
	log        *zap.Logger

	jobStore storage.JobStore
	cache    storage.OutcomeCache // optional; nil disables caching
	logStore storage.LogStore
	pool     *executor.Pool
	builder  *command.Builder

	validator     *middleware.Validator
	cacheBreaker  *resilience.CircuitBreaker
	maxInputBytes int64

	// Live tickets, kept only until their outcome is recorded. Cancellation
	// of already-terminal jobs goes through the ledger instead.
	mu      sync.RWMutex
	tickets map[uuid.UUID]*executor.Ticket
}

// Config holds API server configuration.
type Config struct {
	Port          string
	ServiceName   string
	MaxInputBytes int64
	MaxTimeout    time.Duration

	JobStore storage.JobStore
	Cache    storage.OutcomeCache
	LogStore storage.LogStore
	Pool     *executor.Pool
	Builder  *command.Builder
}

// NewServer creates a new API server with all dependencies.
func NewServer(cfg Config) *Server {
	gin.SetMode(gin.ReleaseMode)

	router := gin.New()

	// Middleware stack (order matters)
	router.Use(gin.Recovery())
	router.Use(middleware.RequestIDMiddleware())
	router.Use(middleware.SecurityHeadersMiddleware())
	router.Use(middleware.TracingMiddleware(cfg.ServiceName))
	router.Use(middleware.MetricsMiddleware())
	router.Use(requestLogger())
	router.Use(middleware.RateLimitMiddleware())
	router.Use(middleware.BodySizeLimitMiddleware(1 << 20)) // 1MB body limit

	vcfg := middleware.DefaultValidatorConfig()
	if cfg.MaxTimeout > 0 {
		vcfg.MaxTimeout = cfg.MaxTimeout
	}

	s := &Server{
		router:        router,
		log:           logger.WithFields(zap.String("component", "api")),
		jobStore:      cfg.JobStore,
		cache:         cfg.Cache,
		logStore:      cfg.LogStore,
		pool:          cfg.Pool,
		builder:       cfg.Builder,
		validator:     middleware.NewValidator(vcfg),
		cacheBreaker:  resilience.NewCircuitBreaker("outcome-cache", resilience.DefaultCircuitBreakerConfig()),
		maxInputBytes: cfg.MaxInputBytes,
		tickets:       make(map[uuid.UUID]*executor.Ticket),
	}

	s.registerRoutes()

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
	s.log.Info("starting server", zap.String("addr", s.httpServer.Addr))
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("failed to start server: %w", err)
	}
	return nil
}

// Shutdown gracefully stops the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.log.Info("shutting down server")
	return s.httpServer.Shutdown(ctx)
}

// Handler exposes the router for tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

// registerRoutes sets up all API endpoints.
func (s *Server) registerRoutes() {
	s.router.GET("/health", s.healthCheck)

	s.router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	v1 := s.router.Group("/api/v1")
	{
		jobs := v1.Group("/jobs")
		{
			jobs.POST("", s.submitJob)
			jobs.GET("", s.listJobs)
			jobs.GET("/:id", s.getJob)
			jobs.GET("/:id/logs", s.getJobLogs)
			jobs.POST("/:id/cancel", s.cancelJob)
		}
	}
}

// requestLogger is a middleware that logs HTTP requests.
func requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path

		c.Next()

		logger.Info("http request",
			zap.String("method", c.Request.Method),
			zap.String("path", path),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(start)),
			zap.String("request_id", c.GetString("request_id")),
		)
	}
}

// healthCheck returns server health status with dependency checks.
func (s *Server) healthCheck(c *gin.Context) {
	deps := make(map[string]bool)

	deps["postgres"] = s.jobStore != nil
	deps["cache"] = s.cache != nil && s.cacheBreaker.State() != resilience.CircuitOpen
	deps["executor"] = s.pool != nil

	healthy := deps["postgres"] && deps["executor"]

	status := "healthy"
	httpStatus := http.StatusOK
	if !healthy {
		status = "degraded"
		httpStatus = http.StatusServiceUnavailable
	}

	c.JSON(httpStatus, gin.H{
		"status":       status,
		"dependencies": deps,
		"timestamp":    time.Now().UTC(),
	})
}

func (s *Server) registerTicket(id uuid.UUID, t *executor.Ticket) {
	s.mu.Lock()
	s.tickets[id] = t
	s.mu.Unlock()
}

func (s *Server) lookupTicket(id uuid.UUID) (*executor.Ticket, bool) {
	s.mu.RLock()
	t, ok := s.tickets[id]
	s.mu.RUnlock()
	return t, ok
}

func (s *Server) dropTicket(id uuid.UUID) {
	s.mu.Lock()
	delete(s.tickets, id)
	s.mu.Unlock()
}
