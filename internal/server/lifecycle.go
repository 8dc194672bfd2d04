package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/guardian/internal/health"
)

// HealthResponse is the body of GET /health.
type HealthResponse struct {
	Status    string          `json:"status"`
	Version   string          `json:"version"`
	Checks    []health.Status `json:"checks,omitempty"`
	Timestamp string          `json:"timestamp"`
}

// healthHandler reports every check. A failed critical check is unhealthy
// (503); a failed optional one only degrades.
func (s *Server) healthHandler(c *gin.Context) {
	ok, degraded, checks := s.health.CheckAll(c.Request.Context())

	resp := HealthResponse{
		Status:    "healthy",
		Version:   Version,
		Checks:    checks,
		Timestamp: s.now().UTC().Format(time.RFC3339),
	}
	code := http.StatusOK
	if !ok {
		resp.Status, code = "unhealthy", http.StatusServiceUnavailable
	} else if degraded {
		resp.Status = "degraded"
	}
	c.JSON(code, resp)
}

func (s *Server) livenessHandler(c *gin.Context) {
	if s.healthy.Load() {
		c.JSON(http.StatusOK, gin.H{"status": "alive"})
		return
	}
	c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unhealthy"})
}

func (s *Server) readinessHandler(c *gin.Context) {
	switch {
	case !s.ready.Load():
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "not_ready"})
	case !s.critical(c.Request.Context()):
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "dependencies_unavailable"})
	default:
		c.JSON(http.StatusOK, gin.H{"status": "ready"})
	}
}

func (s *Server) critical(ctx context.Context) bool {
	ok, _, _ := s.health.CheckAll(ctx)
	return ok
}

// Run serves until ctx is done or SIGINT/SIGTERM arrives, then shuts down.
// The server reports ready once the listener is bound.
func (s *Server) Run(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	ln, err := net.Listen("tcp", ":"+s.cfg.Port)
	if err != nil {
		return fmt.Errorf("listen on port %s: %w", s.cfg.Port, err)
	}

	s.httpSrv = &http.Server{
		Handler:           s.router,
		ReadTimeout:       10 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
		// Execute waits for the owner rotation receipt.
		WriteTimeout: rotationTimeout + 30*time.Second,
		IdleTimeout:  60 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() { serveErr <- s.httpSrv.Serve(ln) }()

	s.ready.Store(true)
	s.logger.Info("server ready",
		"addr", ln.Addr().String(),
		"store", s.cfg.StoreBackend,
		"chain_id", s.cfg.ChainID,
		"owner_rotation", s.executor != nil,
	)

	select {
	case err := <-serveErr:
		if !errors.Is(err, http.ErrServerClosed) {
			s.ready.Store(false)
			return fmt.Errorf("serve: %w", err)
		}
		return nil
	case <-ctx.Done():
		s.logger.Info("shutdown requested", "cause", context.Cause(ctx))
	}
	return s.Shutdown()
}

// Shutdown marks the server not ready, waits for load balancers to notice,
// drains in-flight requests, then closes registered resources in order.
// It returns the first error met.
func (s *Server) Shutdown() error {
	s.ready.Store(false)
	time.Sleep(s.drainDelay)

	var errs []error
	if s.httpSrv != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		err := s.httpSrv.Shutdown(ctx)
		cancel()
		if err != nil {
			s.logger.Error("http shutdown", "error", err)
			errs = append(errs, err)
		}
	}
	if s.rateLimiter != nil {
		s.rateLimiter.Stop()
	}

	for _, c := range s.closers {
		if err := c.fn(); err != nil {
			s.logger.Error("close failed", "resource", c.name, "error", err)
			errs = append(errs, fmt.Errorf("close %s: %w", c.name, err))
			continue
		}
		s.logger.Debug("closed", "resource", c.name)
	}

	s.healthy.Store(false)
	s.logger.Info("server stopped")
	if len(errs) > 0 {
		return errs[0]
	}
	return nil
}
