// Package resilience provides fault tolerance patterns backed by
// github.com/sony/gobreaker/v2 (circuit breaking) and
// github.com/cenkalti/backoff/v4 (retry with exponential backoff).
//
// It backs the backend interface's retry policy and optional circuit
// breaker around an agent executor.
package resilience

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sony/gobreaker/v2"

	"github.com/smithers-ai/smithers/internal/logging"
)

// ---------------------------------------------------------------------------
// State
// ---------------------------------------------------------------------------

// State represents circuit breaker state.
type State int

const (
	StateClosed   State = State(gobreaker.StateClosed)
	StateHalfOpen State = State(gobreaker.StateHalfOpen)
	StateOpen     State = State(gobreaker.StateOpen)
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// ---------------------------------------------------------------------------
// Sentinel errors
// ---------------------------------------------------------------------------

var (
	ErrCircuitOpen     = errors.New("circuit breaker is open")
	ErrTooManyRequests = errors.New("too many requests in half-open state")
)

// ---------------------------------------------------------------------------
// Circuit Breaker
// ---------------------------------------------------------------------------

// Config for circuit breaker.
type Config struct {
	MaxFailures   int
	Timeout       time.Duration
	HalfOpenMax   int
	OnStateChange func(from, to State)
}

// DefaultConfig returns sensible defaults for an agent backend.
func DefaultConfig() Config {
	return Config{
		MaxFailures: 5,
		Timeout:     30 * time.Second,
		HalfOpenMax: 3,
	}
}

// CircuitBreaker wraps gobreaker.CircuitBreaker with an Execute(ctx, fn)
// signature matched to the backend interface's executor contract.
type CircuitBreaker struct {
	gb *gobreaker.CircuitBreaker[any]
}

// New creates a new CircuitBreaker backed by sony/gobreaker.
func New(cfg Config) *CircuitBreaker {
	if cfg.MaxFailures <= 0 {
		cfg.MaxFailures = 5
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.HalfOpenMax <= 0 {
		cfg.HalfOpenMax = 3
	}

	maxFailures := uint32(cfg.MaxFailures)
	halfOpenMax := uint32(cfg.HalfOpenMax)

	settings := gobreaker.Settings{
		MaxRequests: halfOpenMax,
		Interval:    0,
		Timeout:     cfg.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= maxFailures
		},
	}

	if cfg.OnStateChange != nil {
		settings.OnStateChange = func(name string, from, to gobreaker.State) {
			cfg.OnStateChange(State(from), State(to))
		}
	}

	return &CircuitBreaker{gb: gobreaker.NewCircuitBreaker[any](settings)}
}

// State returns the current circuit breaker state.
func (cb *CircuitBreaker) State() State {
	return State(cb.gb.State())
}

// Execute runs fn with circuit breaker protection. The ctx parameter is
// accepted for API symmetry with the retry policy; gobreaker itself does
// not observe cancellation, so callers should enforce timeouts on fn.
func (cb *CircuitBreaker) Execute(_ context.Context, fn func() error) error {
	_, err := cb.gb.Execute(func() (any, error) {
		return nil, fn()
	})
	if err != nil {
		return mapGobreakerError(err)
	}
	return nil
}

func mapGobreakerError(err error) error {
	if errors.Is(err, gobreaker.ErrOpenState) {
		return ErrCircuitOpen
	}
	if errors.Is(err, gobreaker.ErrTooManyRequests) {
		return ErrTooManyRequests
	}
	return err
}

// ---------------------------------------------------------------------------
// Retry
// ---------------------------------------------------------------------------

// RetryConfig configures exponential backoff retry behavior.
type RetryConfig struct {
	MaxAttempts  int
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Multiplier   float64
	Jitter       float64
}

// DefaultRetryConfig is the bounded exponential-backoff-plus-jitter policy
// used by the backend interface's retry policy.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:  3,
		InitialDelay: 100 * time.Millisecond,
		MaxDelay:     10 * time.Second,
		Multiplier:   2.0,
		Jitter:       0.1,
	}
}

// Classification buckets a backend error for the retry policy. Only
// ClassTransient, ClassServerError, and ClassRateLimited are retried.
type Classification int

const (
	ClassFatal Classification = iota
	ClassTransient
	ClassServerError
	ClassRateLimited
)

// Classify applies the four-bucket taxonomy used by the agent backend's
// retry policy.
func Classify(err error) Classification {
	var rl *RateLimitedError
	if errors.As(err, &rl) {
		return ClassRateLimited
	}
	var se *ServerError
	if errors.As(err, &se) {
		return ClassServerError
	}
	var te *TransientError
	if errors.As(err, &te) {
		return ClassTransient
	}
	return ClassFatal
}

// RateLimitedError wraps a 429-equivalent backend response, carrying the
// server's requested retry-after delay.
type RateLimitedError struct {
	RetryAfter time.Duration
	Err        error
}

func (e *RateLimitedError) Error() string { return e.Err.Error() }
func (e *RateLimitedError) Unwrap() error { return e.Err }

// ServerError wraps a 5xx-equivalent backend response.
type ServerError struct{ Err error }

func (e *ServerError) Error() string { return e.Err.Error() }
func (e *ServerError) Unwrap() error { return e.Err }

// TransientError wraps a network-level failure (timeout, connection reset).
type TransientError struct{ Err error }

func (e *TransientError) Error() string { return e.Err.Error() }
func (e *TransientError) Unwrap() error { return e.Err }

// Retry executes fn with exponential backoff, retrying only when Classify
// reports a retryable bucket. It does not read RateLimitedError.RetryAfter;
// rate-limited errors retry on the same exponential schedule.
func Retry(ctx context.Context, cfg RetryConfig, fn func() error) error {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 1
	}

	bo := backoff.NewExponentialBackOff()
	if cfg.InitialDelay > 0 {
		bo.InitialInterval = cfg.InitialDelay
	}
	if cfg.MaxDelay > 0 {
		bo.MaxInterval = cfg.MaxDelay
	}
	if cfg.Multiplier > 0 {
		bo.Multiplier = cfg.Multiplier
	}
	if cfg.Jitter > 0 {
		bo.RandomizationFactor = cfg.Jitter
	} else {
		bo.RandomizationFactor = 0
	}
	bo.MaxElapsedTime = 0

	maxRetries := uint64(cfg.MaxAttempts - 1)
	withMax := backoff.WithMaxRetries(bo, maxRetries)
	withCtx := backoff.WithContext(withMax, ctx)

	return backoff.Retry(func() error {
		err := fn()
		if err == nil {
			return nil
		}
		switch Classify(err) {
		case ClassFatal:
			return backoff.Permanent(err)
		default:
			// ClassRateLimited, ClassServerError, ClassTransient all retry
			// on the standard exponential schedule. A RateLimitedError's
			// RetryAfter is honored by the caller before invoking fn again
			// when it exceeds the backoff policy's own next interval.
			return err
		}
	}, withCtx)
}

// ---------------------------------------------------------------------------
// Backend-level convenience configs
// ---------------------------------------------------------------------------

// BackendCircuitBreakerConfig provides preconfigured circuit breaker
// settings for one agent backend.
type BackendCircuitBreakerConfig struct {
	MaxFailures    int
	TimeoutSeconds int
	HalfOpenMax    int
	Logger         *logging.Logger
}

// DefaultBackendCBConfig suits most agent backends.
func DefaultBackendCBConfig(logger *logging.Logger) Config {
	return BackendCBConfig(BackendCircuitBreakerConfig{
		MaxFailures: 5, TimeoutSeconds: 30, HalfOpenMax: 3, Logger: logger,
	})
}

// StrictBackendCBConfig fails fast for latency-sensitive backends.
func StrictBackendCBConfig(logger *logging.Logger) Config {
	return BackendCBConfig(BackendCircuitBreakerConfig{
		MaxFailures: 3, TimeoutSeconds: 60, HalfOpenMax: 1, Logger: logger,
	})
}

// LenientBackendCBConfig tolerates flaky backends before tripping.
func LenientBackendCBConfig(logger *logging.Logger) Config {
	return BackendCBConfig(BackendCircuitBreakerConfig{
		MaxFailures: 10, TimeoutSeconds: 15, HalfOpenMax: 5, Logger: logger,
	})
}

// BackendCBConfig creates a Config from BackendCircuitBreakerConfig.
func BackendCBConfig(cfg BackendCircuitBreakerConfig) Config {
	cbConfig := Config{
		MaxFailures: cfg.MaxFailures,
		Timeout:     SecondsToDuration(cfg.TimeoutSeconds),
		HalfOpenMax: cfg.HalfOpenMax,
	}

	if cbConfig.MaxFailures <= 0 {
		cbConfig.MaxFailures = 5
	}
	if cbConfig.Timeout <= 0 {
		cbConfig.Timeout = 30 * time.Second
	}
	if cbConfig.HalfOpenMax <= 0 {
		cbConfig.HalfOpenMax = 3
	}

	if cfg.Logger != nil {
		cbConfig.OnStateChange = func(from, to State) {
			cfg.Logger.WithFields(map[string]interface{}{
				"from_state": from.String(),
				"to_state":   to.String(),
			}).Warn("circuit breaker state changed")
		}
	}

	return cbConfig
}

func SecondsToDuration(seconds int) time.Duration {
	return time.Duration(seconds) * time.Second
}
