// Package ratelimit throttles API callers with a per-caller token bucket.
package ratelimit

import (
	"math"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/guardian/internal/metrics"
)

// Config sizes the buckets.
type Config struct {
	RequestsPerMinute int           // steady refill rate
	BurstSize         int           // bucket capacity
	IdleTTL           time.Duration // buckets untouched this long are dropped
}

// DefaultConfig returns the limits applied when RATE_LIMIT_RPM is unset.
func DefaultConfig() Config {
	return Config{
		RequestsPerMinute: 120,
		BurstSize:         20,
		IdleTTL:           2 * time.Minute,
	}
}

// ForRPM scales the default burst to rpm.
func ForRPM(rpm int) Config {
	cfg := DefaultConfig()
	if rpm > 0 {
		cfg.RequestsPerMinute = rpm
		cfg.BurstSize = max(1, rpm/6)
	}
	return cfg
}

type bucket struct {
	tokens float64
	seen   time.Time
}

// Limiter holds one bucket per caller key.
type Limiter struct {
	cfg      Config
	perSec   float64
	mu       sync.Mutex
	buckets  map[string]*bucket
	now      func() time.Time
	stop     chan struct{}
	stopOnce sync.Once
}

// New starts a limiter and its idle-bucket sweeper. Call Stop to end the sweeper.
func New(cfg Config) *Limiter {
	if cfg.RequestsPerMinute <= 0 {
		cfg.RequestsPerMinute = DefaultConfig().RequestsPerMinute
	}
	if cfg.BurstSize <= 0 {
		cfg.BurstSize = 1
	}
	if cfg.IdleTTL <= 0 {
		cfg.IdleTTL = DefaultConfig().IdleTTL
	}
	l := &Limiter{
		cfg:     cfg,
		perSec:  float64(cfg.RequestsPerMinute) / 60,
		buckets: make(map[string]*bucket),
		now:     time.Now,
		stop:    make(chan struct{}),
	}
	go l.sweep()
	return l
}

// WithClock overrides the clock used for token refill.
func (l *Limiter) WithClock(now func() time.Time) *Limiter {
	l.mu.Lock()
	l.now = now
	l.mu.Unlock()
	return l
}

// Stop ends the sweeper. Safe to call more than once.
func (l *Limiter) Stop() {
	l.stopOnce.Do(func() { close(l.stop) })
}

func (l *Limiter) sweep() {
	ticker := time.NewTicker(l.cfg.IdleTTL / 2)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			l.evictIdle()
		case <-l.stop:
			return
		}
	}
}

func (l *Limiter) evictIdle() {
	l.mu.Lock()
	defer l.mu.Unlock()
	cutoff := l.now().Add(-l.cfg.IdleTTL)
	for key, b := range l.buckets {
		if b.seen.Before(cutoff) {
			delete(l.buckets, key)
		}
	}
}

// Allow takes a token for key if one is available.
func (l *Limiter) Allow(key string) bool {
	ok, _ := l.Take(key)
	return ok
}

// Take takes a token for key. When none is left it reports how long until
// the next one refills.
func (l *Limiter) Take(key string) (bool, time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	b, ok := l.buckets[key]
	if !ok {
		b = &bucket{tokens: float64(l.cfg.BurstSize), seen: now}
		l.buckets[key] = b
	}

	b.tokens = math.Min(float64(l.cfg.BurstSize), b.tokens+now.Sub(b.seen).Seconds()*l.perSec)
	b.seen = now

	if b.tokens >= 1 {
		b.tokens--
		return true, 0
	}
	wait := time.Duration((1 - b.tokens) / l.perSec * float64(time.Second))
	return false, wait
}

// Len reports the number of tracked callers.
func (l *Limiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.buckets)
}

// Middleware rate limits by the claimed signer address, falling back to
// client IP. The signer is not verified yet at this point, so a forged
// header only spends the forged address's budget.
func (l *Limiter) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		ok, wait := l.Take(callerKey(c))
		if ok {
			c.Next()
			return
		}

		metrics.RateLimitedTotal.Inc()
		secs := max(1, int(math.Ceil(wait.Seconds())))
		c.Header("Retry-After", strconv.Itoa(secs))
		c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
			"error":       "rate_limit_exceeded",
			"message":     "Too many requests. Please slow down.",
			"retry_after": secs,
		})
	}
}

func callerKey(c *gin.Context) string {
	if signer := c.GetHeader("X-Signer"); signer != "" {
		return "signer:" + strings.ToLower(signer[:min(42, len(signer))])
	}
	return "ip:" + c.ClientIP()
}
