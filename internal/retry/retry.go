// Package retry wraps fallible remote calls with exponential backoff and jitter.
package retry

import (
	"context"
	"log/slog"
	"math/rand/v2"
	"time"
)

// Policy bounds a Retrier.
type Policy struct {
	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	MaxJitter      time.Duration
}

// DefaultPolicy matches the generator client limits: 5 attempts, 2s doubling to 60s.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts:    5,
		InitialBackoff: 2 * time.Second,
		MaxBackoff:     60 * time.Second,
		MaxJitter:      time.Second,
	}
}

// Retrier is stateless across calls and safe for concurrent use.
type Retrier struct {
	policy Policy
	sleep  func(ctx context.Context, d time.Duration) error
	jitter func(max time.Duration) time.Duration
	logger *slog.Logger
}

// Option configures a Retrier.
type Option func(*Retrier)

// WithSleep replaces the sleep function, mainly for tests.
func WithSleep(fn func(ctx context.Context, d time.Duration) error) Option {
	return func(r *Retrier) { r.sleep = fn }
}

// WithJitter replaces the jitter source.
func WithJitter(fn func(max time.Duration) time.Duration) Option {
	return func(r *Retrier) { r.jitter = fn }
}

// WithLogger sets the logger. Default is slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(r *Retrier) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// New creates a Retrier. Zero policy fields fall back to DefaultPolicy.
func New(policy Policy, opts ...Option) *Retrier {
	def := DefaultPolicy()
	if policy.MaxAttempts <= 0 {
		policy.MaxAttempts = def.MaxAttempts
	}
	if policy.InitialBackoff <= 0 {
		policy.InitialBackoff = def.InitialBackoff
	}
	if policy.MaxBackoff < policy.InitialBackoff {
		policy.MaxBackoff = max(def.MaxBackoff, policy.InitialBackoff)
	}
	if policy.MaxJitter < 0 {
		policy.MaxJitter = 0
	}

	r := &Retrier{
		policy: policy,
		sleep:  Sleep,
		jitter: randomJitter,
		logger: slog.Default().With("component", "retry"),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Policy returns the effective policy.
func (r *Retrier) Policy() Policy { return r.policy }

// Execute runs op until it succeeds, retryIf rejects the error, or attempts run out.
// A nil retryIf uses Retryable. Non-retryable errors are returned as is; running out
// of attempts returns an *ExhaustedError carrying the last error.
func (r *Retrier) Execute(ctx context.Context, op func(ctx context.Context) error, retryIf func(error) bool) error {
	if retryIf == nil {
		retryIf = Retryable
	}

	var (
		lastErr   error
		lastDelay time.Duration
	)
	for attempt := 0; attempt < r.policy.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		lastErr = op(ctx)
		if lastErr == nil {
			if attempt > 0 {
				r.logger.Debug("operation succeeded after retry", "attempt", attempt+1)
			}
			return nil
		}
		if !retryIf(lastErr) {
			return lastErr
		}
		if attempt == r.policy.MaxAttempts-1 {
			break
		}

		delay := r.backoff(attempt, lastErr)
		if delay < lastDelay {
			delay = lastDelay
		}
		lastDelay = delay

		r.logger.Warn("remote call failed, backing off",
			"attempt", attempt+1, "max_attempts", r.policy.MaxAttempts,
			"kind", KindOf(lastErr).String(), "delay", delay, "error", lastErr)

		if err := r.sleep(ctx, delay); err != nil {
			return err
		}
	}

	return &ExhaustedError{Attempts: r.policy.MaxAttempts, Last: lastErr}
}

// Do is Execute for operations that return a value, using the default predicate.
func Do[T any](ctx context.Context, r *Retrier, op func(ctx context.Context) (T, error)) (T, error) {
	var result T
	err := r.Execute(ctx, func(ctx context.Context) error {
		v, err := op(ctx)
		if err != nil {
			return err
		}
		result = v
		return nil
	}, nil)
	return result, err
}

// backoff computes min(initial*2^attempt, max) + jitter, raised to RetryAfter if the
// remote asked for a longer wait.
func (r *Retrier) backoff(attempt int, err error) time.Duration {
	delay := r.policy.InitialBackoff
	for i := 0; i < attempt && delay < r.policy.MaxBackoff; i++ {
		delay *= 2
	}
	delay = min(delay, r.policy.MaxBackoff)

	if r.policy.MaxJitter > 0 {
		delay += r.jitter(r.policy.MaxJitter)
	}
	if after := retryAfterOf(err); after > delay {
		delay = after
	}
	return delay
}

// Sleep waits for d or until ctx is done, whichever comes first.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
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

func randomJitter(max time.Duration) time.Duration {
	if max <= 0 {
		return 0
	}
	return time.Duration(rand.Int64N(int64(max)))
}
