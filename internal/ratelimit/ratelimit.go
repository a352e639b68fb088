// Package ratelimit implements the process-local rate-limit coordinator
// used by the backend interface to throttle calls to an agent API. Beyond
// the plain token-bucket ceiling, it tracks a server-reported backoff
// window so a 429 with a Retry-After header actually holds off the next
// call rather than being retried on the ordinary exponential schedule
// alone — the behavior retry.py's RateLimitCoordinator calls reporting a
// rate limit and opening a backoff window for the offending provider/model.
package ratelimit

import (
	"context"
	"math/rand"
	"net/http"
	"strconv"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Config bounds how fast the backend may issue calls.
type Config struct {
	RequestsPerSecond float64
	Burst             int
	Window            time.Duration
	// DefaultBackoff is the backoff window opened by ReportRateLimit when
	// the server didn't supply a Retry-After delay.
	DefaultBackoff time.Duration
}

// DefaultConfig is a conservative default suited to a single agent backend.
func DefaultConfig() Config {
	return Config{
		RequestsPerSecond: 5,
		Burst:             10,
		Window:            time.Second,
		DefaultBackoff:    60 * time.Second,
	}
}

// Limiter coordinates per-second and per-minute ceilings for one backend,
// plus an explicit backoff window opened when the backend itself reports a
// rate limit. It is process-local by design: spec scopes rate limiting to
// a single engine process, not a cluster-wide coordinator.
type Limiter struct {
	limiter      *rate.Limiter
	perMinute    *rate.Limiter
	mu           sync.Mutex
	config       Config
	backoffUntil time.Time
}

// New builds a Limiter from cfg, filling in sane defaults for zero values.
func New(cfg Config) *Limiter {
	if cfg.RequestsPerSecond <= 0 {
		cfg.RequestsPerSecond = 5
	}
	if cfg.Burst <= 0 {
		cfg.Burst = int(cfg.RequestsPerSecond * 2)
	}
	if cfg.DefaultBackoff <= 0 {
		cfg.DefaultBackoff = 60 * time.Second
	}

	return &Limiter{
		limiter:   rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), cfg.Burst),
		perMinute: rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond*60), cfg.Burst*2),
		config:    cfg,
	}
}

// Allow reports whether a call may proceed immediately. It does not
// consult the reported backoff window; callers that must honor a
// server-reported rate limit should use Wait or Blocked.
func (r *Limiter) Allow() bool {
	return r.limiter.Allow()
}

// AllowN reports whether n calls at time now may proceed immediately.
func (r *Limiter) AllowN(now time.Time, n int) bool {
	return r.limiter.AllowN(now, n)
}

// Wait blocks until a call may proceed: first past any open backoff window
// reported via ReportRateLimit, then past the token-bucket ceiling. Returns
// early with ctx's error if ctx is done first.
func (r *Limiter) Wait(ctx context.Context) error {
	if err := r.waitBackoff(ctx); err != nil {
		return err
	}
	return r.limiter.Wait(ctx)
}

func (r *Limiter) waitBackoff(ctx context.Context) error {
	r.mu.Lock()
	until := r.backoffUntil
	r.mu.Unlock()

	d := time.Until(until)
	if d <= 0 {
		return nil
	}

	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// ReportRateLimit opens a backoff window after the backend itself reports
// a rate limit (a classified resilience.RateLimitedError). retryAfter is
// the server's requested delay; zero falls back to config.DefaultBackoff.
// A random jitter of up to 10% is added, matching retry.py's
// RateLimitCoordinator.report_rate_limit so repeated callers don't all
// wake up and retry in lockstep.
func (r *Limiter) ReportRateLimit(retryAfter time.Duration) {
	if retryAfter <= 0 {
		retryAfter = r.config.DefaultBackoff
	}
	jitter := time.Duration(rand.Int63n(int64(retryAfter)/10 + 1))

	r.mu.Lock()
	defer r.mu.Unlock()
	until := time.Now().Add(retryAfter + jitter)
	if until.After(r.backoffUntil) {
		r.backoffUntil = until
	}
}

// Blocked reports whether a reported rate-limit backoff window is still
// open.
func (r *Limiter) Blocked() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return time.Now().Before(r.backoffUntil)
}

// LimitExceeded reports whether the per-second ceiling is currently hit.
func (r *Limiter) LimitExceeded() bool {
	return !r.limiter.Allow()
}

// PerMinuteLimitExceeded reports whether the per-minute ceiling is hit.
func (r *Limiter) PerMinuteLimitExceeded() bool {
	return !r.perMinute.Allow()
}

// Reset rebuilds both token buckets from the original config and clears any
// open backoff window.
func (r *Limiter) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.limiter = rate.NewLimiter(rate.Limit(r.config.RequestsPerSecond), r.config.Burst)
	r.perMinute = rate.NewLimiter(rate.Limit(r.config.RequestsPerSecond*60), r.config.Burst*2)
	r.backoffUntil = time.Time{}
}

// LimitedClient wraps an *http.Client with the Limiter, for backends that
// speak HTTP directly rather than through a SDK. A 429 response reports
// its Retry-After header (when present) to the Limiter before returning,
// so the next call through this client waits out the server's window.
type LimitedClient struct {
	client  *http.Client
	limiter *Limiter
}

func NewLimitedClient(client *http.Client, cfg Config) *LimitedClient {
	return &LimitedClient{client: client, limiter: New(cfg)}
}

func (c *LimitedClient) Do(req *http.Request) (*http.Response, error) {
	if err := c.limiter.Wait(req.Context()); err != nil {
		return nil, err
	}
	resp, err := c.client.Do(req)
	if err == nil && resp.StatusCode == http.StatusTooManyRequests {
		c.limiter.ReportRateLimit(parseRetryAfter(resp.Header.Get("Retry-After")))
	}
	return resp, err
}

func (c *LimitedClient) Allow() bool {
	return c.limiter.Allow()
}

func (c *LimitedClient) LimitExceeded() bool {
	return c.limiter.LimitExceeded()
}

// parseRetryAfter reads the delta-seconds form of a Retry-After header,
// returning 0 (the caller's default-backoff fallback) for the HTTP-date
// form or an absent/malformed header.
func parseRetryAfter(header string) time.Duration {
	if header == "" {
		return 0
	}
	secs, err := strconv.Atoi(header)
	if err != nil || secs < 0 {
		return 0
	}
	return time.Duration(secs) * time.Second
}
