package resilience

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"time"
)

// FetchStatus describes how a Fetch ended.
type FetchStatus string

const (
	StatusSuccess FetchStatus = "success"
	// StatusPartial means the operation failed but a fallback value was
	// returned in its place.
	StatusPartial FetchStatus = "partial"
	StatusFailed  FetchStatus = "failed"
)

// Operation is a fallible call against a named external service.
type Operation[T any] func(ctx context.Context) (T, error)

// Options tunes one Fetch. The zero value gives 3 attempts with the default
// backoff schedule and no per-attempt timeout.
type Options[T any] struct {
	// Retries is the total number of attempts (not just re-tries).
	Retries int
	// Backoff is the per-retry sleep schedule; attempts beyond its length
	// reuse the last entry.
	Backoff []time.Duration
	// Timeout bounds each individual attempt. Zero means no bound beyond
	// the caller's context.
	Timeout time.Duration
	// Fallback, when non-nil, is returned with StatusPartial on failure.
	Fallback *T
	// ShouldRetry overrides the category-based retry decision.
	ShouldRetry func(err error, category Category) bool
	// OnRetry is invoked before each backoff sleep, i.e. only when another
	// attempt follows.
	OnRetry func(attempt int, err error, category Category)
}

// Result carries the outcome of a Fetch, including enough metadata to make
// the call observable.
type Result[T any] struct {
	Data     T
	Status   FetchStatus
	Err      error
	Category Category
	Attempts int
	Latency  time.Duration
}

const (
	defaultRetries  = 3
	maxJitter       = 100 * time.Millisecond
	breakerCategory = CategoryServiceDown
)

var defaultBackoff = []time.Duration{100 * time.Millisecond, 500 * time.Millisecond, 2 * time.Second}

// Fetch runs op against the named service with retry, backoff+jitter, and
// circuit breaking. If the service's breaker is open, op is never invoked
// and the fallback (if any) is returned immediately.
func Fetch[T any](ctx context.Context, reg *Registry, name string, op Operation[T], opts Options[T]) Result[T] {
	start := time.Now()
	retries := opts.Retries
	if retries <= 0 {
		retries = defaultRetries
	}
	backoff := opts.Backoff
	if len(backoff) == 0 {
		backoff = defaultBackoff
	}

	breaker := reg.Breaker(name)
	if breaker.IsOpen() {
		slog.Debug("circuit open, short-circuiting", "service", name)
		res := Result[T]{
			Status:   StatusFailed,
			Err:      ErrCircuitOpen,
			Category: breakerCategory,
			Latency:  time.Since(start),
		}
		if opts.Fallback != nil {
			res.Data = *opts.Fallback
			res.Status = StatusPartial
		}
		return res
	}

	var (
		lastErr      error
		lastCategory Category
	)
	for attempt := 1; attempt <= retries; attempt++ {
		data, err := runAttempt(ctx, op, opts.Timeout)
		if err == nil {
			breaker.RecordSuccess()
			return Result[T]{
				Data:     data,
				Status:   StatusSuccess,
				Attempts: attempt,
				Latency:  time.Since(start),
			}
		}

		lastErr = err
		lastCategory = Classify(err)

		retryable := lastCategory.Retryable()
		if opts.ShouldRetry != nil {
			retryable = opts.ShouldRetry(err, lastCategory)
		}
		if !retryable || attempt == retries {
			breaker.RecordFailure()
			res := Result[T]{
				Status:   StatusFailed,
				Err:      lastErr,
				Category: lastCategory,
				Attempts: attempt,
				Latency:  time.Since(start),
			}
			if opts.Fallback != nil {
				res.Data = *opts.Fallback
				res.Status = StatusPartial
			}
			return res
		}

		if opts.OnRetry != nil {
			opts.OnRetry(attempt, err, lastCategory)
		}
		slog.Debug("retrying after failure",
			"service", name,
			"attempt", attempt,
			"category", lastCategory,
			"error", err,
		)
		delay := backoff[min(attempt-1, len(backoff)-1)]
		delay *= time.Duration(lastCategory.BackoffMultiplier())
		delay += rand.N(maxJitter)
		time.Sleep(delay)
	}

	// Unreachable: the loop always returns.
	return Result[T]{Status: StatusFailed, Err: lastErr, Category: lastCategory, Attempts: retries, Latency: time.Since(start)}
}

// runAttempt races op against the per-attempt timeout. The operation gets a
// context that expires with the timeout, but a misbehaving operation that
// ignores it cannot stall the attempt.
func runAttempt[T any](ctx context.Context, op Operation[T], timeout time.Duration) (T, error) {
	if timeout <= 0 {
		return op(ctx)
	}

	attemptCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type outcome struct {
		data T
		err  error
	}
	ch := make(chan outcome, 1)
	go func() {
		data, err := op(attemptCtx)
		ch <- outcome{data: data, err: err}
	}()

	select {
	case o := <-ch:
		return o.data, o.err
	case <-attemptCtx.Done():
		var zero T
		return zero, fmt.Errorf("operation timed out after %s: %w", timeout, attemptCtx.Err())
	}
}
