// Package server sets up the HTTP server with all routes
package server

import (
	"errors"
	"log/slog"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/mbd888/guardian/internal/auth"
	"github.com/mbd888/guardian/internal/chain"
	"github.com/mbd888/guardian/internal/config"
	"github.com/mbd888/guardian/internal/coordinator"
	"github.com/mbd888/guardian/internal/health"
	"github.com/mbd888/guardian/internal/logging"
	"github.com/mbd888/guardian/internal/metrics"
	"github.com/mbd888/guardian/internal/ratelimit"
	"github.com/mbd888/guardian/internal/security"
	"github.com/mbd888/guardian/internal/traces"
	"github.com/mbd888/guardian/internal/validation"
)

// Version is reported by /health.
const Version = "0.1.0"

// -----------------------------------------------------------------------------
// Server
// -----------------------------------------------------------------------------

// Server wraps the HTTP server and dependencies
type Server struct {
	cfg         *config.Config
	svc         *coordinator.Service
	executor    chain.Executor
	owners      chain.OwnerLookup
	verifier    *auth.Verifier
	replay      *auth.ReplayGuard
	health      *health.Registry
	rateLimiter *ratelimit.Limiter
	router      *gin.Engine
	httpSrv     *http.Server
	logger      *slog.Logger
	now         func() time.Time
	origins     []string
	drainDelay  time.Duration
	closers     []closer

	// Health state
	ready   atomic.Bool
	healthy atomic.Bool
}

type closer struct {
	name string
	fn   func() error
}

// Option configures the server
type Option func(*Server)

// WithLogger sets a custom logger
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) {
		s.logger = logger
	}
}

// WithExecutor enables on-chain owner rotation after executed recoveries.
func WithExecutor(e chain.Executor) Option {
	return func(s *Server) {
		s.executor = e
	}
}

// WithOwnerLookup checks first owner claims against the wallet contract.
func WithOwnerLookup(l chain.OwnerLookup) Option {
	return func(s *Server) {
		s.owners = l
	}
}

// WithClock overrides the clock of request authentication and status views.
func WithClock(now func() time.Time) Option {
	return func(s *Server) {
		s.now = now
	}
}

// WithReplayGuard rejects request signatures that were already used.
func WithReplayGuard(g *auth.ReplayGuard) Option {
	return func(s *Server) {
		s.replay = g
	}
}

// WithHealthCheck adds a readiness check. Non-critical checks only degrade
// /health.
func WithHealthCheck(name string, critical bool, check health.Checker) Option {
	return func(s *Server) {
		if critical {
			s.health.Register(name, check)
		} else {
			s.health.RegisterOptional(name, check)
		}
	}
}

// WithCloser registers a resource released on shutdown, in registration order.
func WithCloser(name string, fn func() error) Option {
	return func(s *Server) {
		s.closers = append(s.closers, closer{name: name, fn: fn})
	}
}

// WithAllowedOrigins overrides the CORS origins from the config.
func WithAllowedOrigins(origins ...string) Option {
	return func(s *Server) {
		s.origins = origins
	}
}

// New creates a new server instance
func New(cfg *config.Config, svc *coordinator.Service, opts ...Option) (*Server, error) {
	if svc == nil {
		return nil, errors.New("server: coordinator is required")
	}
	s := &Server{
		cfg:        cfg,
		svc:        svc,
		health:     health.NewRegistry(),
		logger:     logging.New(cfg.LogLevel, cfg.LogFormat),
		now:        time.Now,
		origins:    cfg.AllowedOrigins,
		drainDelay: 5 * time.Second,
	}
	s.health.Register("store", health.Ping(svc.Ping))

	for _, opt := range opts {
		opt(s)
	}

	s.verifier = auth.NewVerifier(cfg.AuthMaxSkew).WithClock(s.now)
	if s.replay != nil {
		s.verifier.WithReplayGuard(s.replay)
	}

	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}
	s.router = gin.New()
	s.setupMiddleware()
	s.setupRoutes()

	s.healthy.Store(true)
	return s, nil
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
		c.AbortWithStatusJSON(http.StatusInternalServerError, ErrorResponse{
			Error:   "internal_error",
			Message: "An unexpected error occurred",
		})
	}))

	s.router.Use(security.HeadersMiddleware(s.cfg.IsProduction()))
	if len(s.origins) > 0 {
		s.router.Use(security.CORSMiddleware(s.origins))
	}

	// Request size limit (1MB)
	s.router.Use(validation.RequestSizeMiddleware(validation.MaxRequestSize))

	s.rateLimiter = ratelimit.New(ratelimit.ForRPM(s.cfg.RateLimitRPM))
	s.router.Use(s.rateLimiter.Middleware())

	s.router.Use(metrics.Middleware())
	s.router.Use(s.requestIDMiddleware())
	s.router.Use(s.tracingMiddleware())
	s.router.Use(s.loggingMiddleware())
}

func (s *Server) requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		// Check for existing request ID (from load balancer, etc.)
		requestID := c.GetHeader("X-Request-ID")
		if requestID == "" || len(requestID) > 64 {
			requestID = uuid.NewString()
		}

		ctx := logging.WithRequestID(c.Request.Context(), requestID)
		ctx = logging.WithLogger(ctx, s.logger)
		c.Request = c.Request.WithContext(ctx)

		c.Header("X-Request-ID", requestID)

		c.Next()
	}
}

// tracingMiddleware opens the root span that coordinator spans nest under.
func (s *Server) tracingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		ctx, span := traces.StartSpan(c.Request.Context(), c.Request.Method+" "+route,
			attribute.String("http.request.method", c.Request.Method),
			attribute.String("http.route", route),
		)
		defer span.End()
		c.Request = c.Request.WithContext(ctx)

		c.Next()

		status := c.Writer.Status()
		span.SetAttributes(attribute.Int("http.response.status_code", status))
		if signer := logging.Signer(c.Request.Context()); signer != "" {
			span.SetAttributes(traces.Signer(signer))
		}
		if status >= 500 {
			span.SetStatus(codes.Error, http.StatusText(status))
		}
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
		args := []any{
			"method", c.Request.Method,
			"path", path,
			"status", status,
			"latency_ms", latency.Milliseconds(),
		}

		// Log level based on status code
		switch {
		case status >= 500:
			logger.Error("request completed", append(args, "client_ip", c.ClientIP())...)
		case status >= 400:
			logger.Warn("request completed", args...)
		default:
			logger.Info("request completed", args...)
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

	v1 := s.router.Group("/v1")
	v1.Use(auth.Middleware(s.verifier))
	h := NewHandler(s.svc, s.executor, s.now)
	h.owners = s.owners
	h.unverifiedClaims = s.owners == nil && s.cfg.IsDevelopment()
	h.RegisterRoutes(v1)

	s.router.NoRoute(func(c *gin.Context) {
		c.JSON(http.StatusNotFound, ErrorResponse{
			Error:   "not_found",
			Message: "Route not found",
		})
	})
}

// Router returns the gin router for testing
func (s *Server) Router() *gin.Engine {
	return s.router
}
