// Package retry executes forge operations with classification-aware,
// per-operation-class retry bounds.
package retry

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"time"

	"keepalive/pkg/errclass"
	"keepalive/pkg/logx"
)

// OperationClass determines how many times a failed call may be re-run.
// Reads are cheap and idempotent; writes and dispatches get fewer attempts;
// admin operations (label mutations, credential switches) get one.
type OperationClass string

const (
	OpRead     OperationClass = "read"
	OpWrite    OperationClass = "write"
	OpDispatch OperationClass = "dispatch"
	OpAdmin    OperationClass = "admin"
	OpUnknown  OperationClass = "unknown"
)

// MaxRetries returns the retry bound for the class (not counting the first
// attempt).
func (op OperationClass) MaxRetries() int {
	switch op {
	case OpRead:
		return 3
	case OpWrite, OpDispatch:
		return 2
	case OpAdmin:
		return 1
	default:
		return 1
	}
}

// Config defines backoff behavior shared by all operation classes.
type Config struct {
	BaseDelay time.Duration // Initial delay for exponential backoff
	MaxDelay  time.Duration // Cap for any computed delay
	Jitter    bool          // ±25% jitter on backoff delays
}

// DefaultConfig provides the standard backoff windows.
var DefaultConfig = Config{
	BaseDelay: 1 * time.Second,
	MaxDelay:  60 * time.Second,
	Jitter:    true,
}

// Executor runs functions with retries on transient failures.
type Executor struct {
	config  Config
	logger  *logx.Logger
	OnRetry func(op OperationClass, name string, attempt int, delay time.Duration, cause *errclass.Error)

	// sleep is swapped out by tests to avoid real timers.
	sleep func(ctx context.Context, d time.Duration) error
}

// New creates an executor with the given config.
func New(config Config) *Executor {
	return &Executor{
		config: config,
		logger: logx.NewLogger("retry"),
		sleep:  sleepCtx,
	}
}

// NewDefault creates an executor with DefaultConfig.
func NewDefault() *Executor {
	return New(DefaultConfig)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Do runs fn, retrying transient failures up to the class bound. Non-transient
// failures propagate immediately regardless of remaining attempts. The
// returned error is always classified.
func (e *Executor) Do(ctx context.Context, op OperationClass, name string, fn func(context.Context) error) error {
	maxRetries := op.MaxRetries()
	var lastErr *errclass.Error

	for attempt := 0; attempt <= maxRetries; attempt++ {
		if attempt > 0 {
			delay := e.delayFor(lastErr, attempt)
			e.logger.Debug("retrying %s (%s) attempt %d/%d after %s: %s",
				name, op, attempt, maxRetries, delay, lastErr.Message)
			if e.OnRetry != nil {
				e.OnRetry(op, name, attempt, delay, lastErr)
			}
			if err := e.sleep(ctx, delay); err != nil {
				return errclass.Classify(err)
			}
		}

		err := fn(ctx)
		if err == nil {
			return nil
		}

		lastErr = errclass.Classify(err)
		if !lastErr.IsRetryable() {
			return lastErr
		}
	}

	return &errclass.Error{
		Err:      lastErr,
		Message:  fmt.Sprintf("%s failed after %d attempts: %s", name, maxRetries+1, lastErr.Message),
		Hint:     lastErr.Hint,
		Category: lastErr.Category,
	}
}

// Value runs fn with retries and returns its result.
func Value[T any](ctx context.Context, e *Executor, op OperationClass, name string, fn func(context.Context) (T, error)) (T, error) {
	var out T
	err := e.Do(ctx, op, name, func(ctx context.Context) error {
		var innerErr error
		out, innerErr = fn(ctx)
		return innerErr
	})
	return out, err
}

// delayFor picks the wait before the next attempt. Server guidance wins:
// a Retry-After header first, then a depleted rate-limit window's reset time,
// then plain exponential backoff.
func (e *Executor) delayFor(cause *errclass.Error, attempt int) time.Duration {
	if cause != nil {
		if cause.RetryAfter > 0 {
			return clamp(cause.RetryAfter, 0, e.config.MaxDelay)
		}
		if !cause.ResetAt.IsZero() {
			wait := time.Until(cause.ResetAt) + time.Second
			return clamp(wait, 1*time.Second, 60*time.Second)
		}
	}

	delay := time.Duration(float64(e.config.BaseDelay) * math.Pow(2, float64(attempt-1)))
	delay = clamp(delay, 0, e.config.MaxDelay)

	if e.config.Jitter {
		// ±25% spread to avoid synchronized retries across workflow runs.
		factor := 0.75 + rand.Float64()*0.5 //nolint:gosec // jitter, not crypto
		delay = time.Duration(float64(delay) * factor)
	}
	return delay
}

func clamp(d, lo, hi time.Duration) time.Duration {
	if d < lo {
		return lo
	}
	if hi > 0 && d > hi {
		return hi
	}
	return d
}
