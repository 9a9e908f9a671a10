// Package server sets up the HTTP API: transaction ingress, snapshot
// egress, health and metrics.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/mulewatch/internal/config"
	"github.com/mbd888/mulewatch/internal/detector"
	"github.com/mbd888/mulewatch/internal/health"
	"github.com/mbd888/mulewatch/internal/idgen"
	"github.com/mbd888/mulewatch/internal/logging"
	"github.com/mbd888/mulewatch/internal/metrics"
	"github.com/mbd888/mulewatch/internal/notify"
	"github.com/mbd888/mulewatch/internal/ratelimit"
	"github.com/mbd888/mulewatch/internal/realtime"
	"github.com/mbd888/mulewatch/internal/security"
	"github.com/mbd888/mulewatch/internal/validation"
)

// Version is reported by the health endpoint.
const Version = "0.3.0"

// -----------------------------------------------------------------------------
// Server
// -----------------------------------------------------------------------------

// Server wraps the HTTP server and its collaborators
type Server struct {
	cfg     *config.Config
	engine  *detector.Engine
	broker  *notify.Broker
	hub     *realtime.Hub // nil disables /ws
	checks  *health.Registry
	limiter *ratelimit.Limiter
	router  *gin.Engine
	httpSrv *http.Server
	logger  *slog.Logger
	now     func() time.Time

	// Health state
	ready   atomic.Bool
	healthy atomic.Bool
}

// Option configures the server
type Option func(*Server)

// WithLogger sets a custom logger
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) {
		s.logger = logger
	}
}

// WithHub enables the WebSocket endpoint.
func WithHub(h *realtime.Hub) Option {
	return func(s *Server) {
		s.hub = h
	}
}

// WithHealth sets the registry behind /health.
func WithHealth(r *health.Registry) Option {
	return func(s *Server) {
		s.checks = r
	}
}

// WithClock overrides time.Now for default transaction timestamps.
func WithClock(now func() time.Time) Option {
	return func(s *Server) {
		s.now = now
	}
}

// New creates a server submitting to engine and reading snapshots from
// broker.
func New(cfg *config.Config, engine *detector.Engine, broker *notify.Broker, opts ...Option) *Server {
	s := &Server{
		cfg:    cfg,
		engine: engine,
		broker: broker,
		checks: health.NewRegistry(),
		logger: slog.Default(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}

	s.checks.Register("engine", s.engineCheck)

	if cfg.RateLimitEnabled() {
		s.limiter = ratelimit.New(ratelimit.Config{
			RequestsPerMinute: cfg.RateLimitRPM,
			BurstSize:         cfg.RateLimitBurst,
			CleanupInterval:   time.Minute,
		})
	}

	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	s.router = gin.New()
	s.setupMiddleware()
	s.setupRoutes()

	s.healthy.Store(true)
	return s
}

// engineCheck fails once the engine loop has exited.
func (s *Server) engineCheck(context.Context) health.Status {
	select {
	case <-s.engine.Done():
		return health.Status{Name: "engine", Healthy: false, Detail: "stopped"}
	default:
		return health.Status{Name: "engine", Healthy: true}
	}
}

// -----------------------------------------------------------------------------
// Middleware
// -----------------------------------------------------------------------------

func (s *Server) setupMiddleware() {
	// Recovery with logging
	s.router.Use(gin.CustomRecovery(func(c *gin.Context, recovered interface{}) {
		logging.L(c.Request.Context()).Error("panic recovered",
			"error", recovered,
			"path", c.Request.URL.Path,
		)
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "An unexpected error occurred",
		})
	}))

	s.router.Use(security.HeadersMiddleware())
	s.router.Use(security.CORSMiddleware(s.cfg.CORSOrigins))
	s.router.Use(validation.RequestSizeMiddleware(validation.MaxRequestSize))
	s.router.Use(metrics.Middleware())
	s.router.Use(s.requestIDMiddleware())
	s.router.Use(s.loggingMiddleware())
}

func (s *Server) requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		// Keep an id set by a load balancer
		requestID := validation.SanitizeString(c.GetHeader("X-Request-ID"), validation.MaxIDLength)
		if requestID == "" {
			requestID = idgen.New()
		}

		ctx := logging.WithRequestID(c.Request.Context(), requestID)
		ctx = logging.WithLogger(ctx, s.logger)
		c.Request = c.Request.WithContext(ctx)

		c.Header("X-Request-ID", requestID)
		c.Next()
	}
}

func (s *Server) loggingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path

		c.Next()

		latency := time.Since(start)
		status := c.Writer.Status()
		logger := logging.L(c.Request.Context())

		switch {
		case status >= 500:
			logger.Error("request completed",
				"method", c.Request.Method,
				"path", path,
				"status", status,
				"latency_ms", latency.Milliseconds(),
				"client_ip", c.ClientIP(),
			)
		case status >= 400:
			logger.Warn("request completed",
				"method", c.Request.Method,
				"path", path,
				"status", status,
				"latency_ms", latency.Milliseconds(),
			)
		default:
			logger.Debug("request completed",
				"method", c.Request.Method,
				"path", path,
				"status", status,
				"latency_ms", latency.Milliseconds(),
			)
		}
	}
}

// -----------------------------------------------------------------------------
// Routes
// -----------------------------------------------------------------------------

func (s *Server) setupRoutes() {
	// Health & metrics endpoints
	s.router.GET("/health", s.healthHandler)
	s.router.GET("/health/live", s.livenessHandler)
	s.router.GET("/health/ready", s.readinessHandler)
	s.router.GET("/metrics", metrics.Handler())

	if s.hub != nil {
		s.router.GET("/ws", func(c *gin.Context) {
			s.hub.HandleWebSocket(c.Writer, c.Request)
		})
	}

	v1 := s.router.Group("/v1")
	{
		submit := []gin.HandlerFunc{}
		if s.limiter != nil {
			submit = append(submit, s.limiter.Middleware())
		}
		submit = append(submit, s.submitTransaction)
		v1.POST("/transactions", submit...)
		v1.GET("/transactions", s.listTransactions)

		v1.GET("/risk-records", s.listRiskRecords)
		v1.GET("/risk-records/:account", validation.AccountParamMiddleware("account"), s.getRiskRecord)
		v1.GET("/accounts/:account/features", validation.AccountParamMiddleware("account"), s.getFeatures)

		v1.GET("/stats", s.getStats)
		v1.GET("/graph", s.getGraph)
	}
}

// -----------------------------------------------------------------------------
// Health
// -----------------------------------------------------------------------------

// HealthResponse for health check endpoints
type HealthResponse struct {
	Status    string          `json:"status"`
	Version   string          `json:"version"`
	Checks    []health.Status `json:"checks"`
	Timestamp string          `json:"timestamp"`
}

func (s *Server) healthHandler(c *gin.Context) {
	healthy, statuses := s.checks.CheckAll(c.Request.Context())

	status, code := "healthy", http.StatusOK
	if !healthy {
		status, code = "degraded", http.StatusServiceUnavailable
	}
	c.JSON(code, HealthResponse{
		Status:    status,
		Version:   Version,
		Checks:    statuses,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
}

func (s *Server) livenessHandler(c *gin.Context) {
	if !s.healthy.Load() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unhealthy"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "alive"})
}

func (s *Server) readinessHandler(c *gin.Context) {
	if !s.ready.Load() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "not_ready"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ready"})
}

// SetReady marks the server ready or not for traffic. The command sets it
// once start-up seeding has finished.
func (s *Server) SetReady(ready bool) {
	s.ready.Store(ready)
}

// -----------------------------------------------------------------------------
// Lifecycle
// -----------------------------------------------------------------------------

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	s.httpSrv = &http.Server{
		Addr:              ":" + s.cfg.Port,
		Handler:           s.router,
		ReadTimeout:       10 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	errChan := make(chan error, 1)
	go func() {
		s.logger.Info("starting server", "port", s.cfg.Port)
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	select {
	case err := <-errChan:
		return fmt.Errorf("server error: %w", err)
	case <-ctx.Done():
		s.logger.Info("context cancelled")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	return s.Shutdown(shutdownCtx)
}

// Shutdown gracefully stops the server
func (s *Server) Shutdown(ctx context.Context) error {
	s.ready.Store(false)
	s.logger.Info("starting graceful shutdown")

	if s.httpSrv != nil {
		if err := s.httpSrv.Shutdown(ctx); err != nil {
			s.logger.Error("shutdown error", "error", err)
			return err
		}
	}

	if s.limiter != nil {
		s.limiter.Stop()
	}

	s.healthy.Store(false)
	s.logger.Info("server stopped")
	return nil
}

// Router returns the gin router for testing
func (s *Server) Router() *gin.Engine {
	return s.router
}
