// Package backend defines the agent executor contract the tick loop drives
// runnable nodes through, and a resilient adapter wiring the rate-limit
// coordinator, circuit breaker, and retry policy around a concrete
// executor.
package backend

import (
	"context"
	"errors"

	"github.com/smithers-ai/smithers/internal/logging"
	"github.com/smithers-ai/smithers/internal/node"
	"github.com/smithers-ai/smithers/internal/ratelimit"
	"github.com/smithers-ai/smithers/internal/resilience"
)

// Request describes one agent invocation.
type Request struct {
	NodeID      string
	Prompt      string
	Model       string
	ExecutionID string
	Options     map[string]any
}

// StreamItem is one element of an executor's event stream: exactly one of
// Progress or Result is set. A stream must yield zero or more Progress
// items followed by exactly one Result item; yielding a second Result is a
// protocol error the caller must reject (spec Open Question (b)).
type StreamItem struct {
	Progress *node.ProgressChunk
	Result   *node.Result
}

// Executor is the opaque agent backend contract.
type Executor interface {
	Execute(ctx context.Context, req Request) (<-chan StreamItem, error)
}

// ExecutorFunc adapts a function to Executor for simple/mock backends.
type ExecutorFunc func(ctx context.Context, req Request) (<-chan StreamItem, error)

func (f ExecutorFunc) Execute(ctx context.Context, req Request) (<-chan StreamItem, error) {
	return f(ctx, req)
}

// Resilient wraps an Executor with a rate limiter, a circuit breaker, and a
// bounded retry policy, classifying errors via internal/resilience.
type Resilient struct {
	inner       Executor
	limiter     *ratelimit.Limiter
	breaker     *resilience.CircuitBreaker
	retryConfig resilience.RetryConfig
	logger      *logging.Logger
}

// Option configures a Resilient executor at construction time.
type Option func(*Resilient)

func WithLimiter(l *ratelimit.Limiter) Option { return func(r *Resilient) { r.limiter = l } }
func WithBreaker(b *resilience.CircuitBreaker) Option {
	return func(r *Resilient) { r.breaker = b }
}
func WithRetryConfig(cfg resilience.RetryConfig) Option {
	return func(r *Resilient) { r.retryConfig = cfg }
}
func WithLogger(l *logging.Logger) Option { return func(r *Resilient) { r.logger = l } }

// NewResilient builds a Resilient executor around inner, defaulting the
// rate limiter, circuit breaker, and retry policy if not supplied.
func NewResilient(inner Executor, opts ...Option) *Resilient {
	r := &Resilient{
		inner:       inner,
		limiter:     ratelimit.New(ratelimit.DefaultConfig()),
		retryConfig: resilience.DefaultRetryConfig(),
		logger:      logging.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.breaker == nil {
		r.breaker = resilience.New(resilience.DefaultBackendCBConfig(r.logger))
	}
	return r
}

// Execute waits for a rate-limit slot, then establishes the stream through
// the circuit breaker with bounded retry. The wait happens on every
// attempt, not just the first: a 429 classified as
// resilience.RateLimitedError reports its RetryAfter to the limiter before
// the retry loop's next attempt, so that attempt's Wait actually blocks
// out the server's window instead of racing it on the ordinary exponential
// schedule alone. Retry governs only connection establishment: once a
// stream is open, its events are forwarded verbatim and mid-stream
// failures surface as a terminal error result rather than being silently
// retried (a partially-streamed agent turn cannot be safely replayed).
func (r *Resilient) Execute(ctx context.Context, req Request) (<-chan StreamItem, error) {
	var stream <-chan StreamItem
	attemptErr := resilience.Retry(ctx, r.retryConfig, func() error {
		if err := r.limiter.Wait(ctx); err != nil {
			return err
		}
		return r.breaker.Execute(ctx, func() error {
			out, err := r.inner.Execute(ctx, req)
			if err != nil {
				r.logger.LogAgentCall(ctx, req.NodeID, req.Model, 0, err)
				var rl *resilience.RateLimitedError
				if errors.As(err, &rl) {
					r.limiter.ReportRateLimit(rl.RetryAfter)
				}
				return err
			}
			stream = out
			return nil
		})
	})
	if attemptErr != nil {
		return nil, attemptErr
	}
	return stream, nil
}

// ValidateStream consumes ch into a slice, rejecting streams that violate
// the single-terminal-result invariant. Callers that want to forward
// progress events live should not use this; it exists for tests and for
// wrapping backends with untrusted stream discipline.
func ValidateStream(ch <-chan StreamItem) ([]node.ProgressChunk, *node.Result, error) {
	var progress []node.ProgressChunk
	var result *node.Result
	for item := range ch {
		if item.Result != nil {
			if result != nil {
				return progress, result, errMultiTerminal
			}
			r := *item.Result
			result = &r
			continue
		}
		if item.Progress != nil {
			progress = append(progress, *item.Progress)
		}
	}
	return progress, result, nil
}
