package resilience

import (
	"context"
	"errors"
	"testing"
	"time"
)

// fastBackoff keeps retry tests quick.
var fastBackoff = []time.Duration{time.Millisecond}

func TestFetchSuccessFirstAttempt(t *testing.T) {
	reg := NewRegistry()
	res := Fetch(context.Background(), reg, "svc", func(ctx context.Context) (string, error) {
		return "data", nil
	}, Options[string]{})

	if res.Status != StatusSuccess {
		t.Errorf("status = %s, want success", res.Status)
	}
	if res.Data != "data" {
		t.Errorf("data = %q, want %q", res.Data, "data")
	}
	if res.Attempts != 1 {
		t.Errorf("attempts = %d, want 1", res.Attempts)
	}
}

func TestFetchRateLimitedExhaustsRetries(t *testing.T) {
	reg := NewRegistry()
	calls := 0
	retryCalls := 0

	res := Fetch(context.Background(), reg, "svc", func(ctx context.Context) (string, error) {
		calls++
		return "", errors.New("429 too many requests")
	}, Options[string]{
		Retries: 3,
		Backoff: fastBackoff,
		OnRetry: func(attempt int, err error, category Category) {
			retryCalls++
			if category != CategoryRateLimited {
				t.Errorf("retry callback category = %s, want rate_limited", category)
			}
		},
	})

	if res.Status != StatusFailed {
		t.Errorf("status = %s, want failed", res.Status)
	}
	if res.Category != CategoryRateLimited {
		t.Errorf("category = %s, want rate_limited", res.Category)
	}
	if res.Attempts != 3 {
		t.Errorf("attempts = %d, want 3", res.Attempts)
	}
	if calls != 3 {
		t.Errorf("operation invoked %d times, want 3", calls)
	}
	// The callback fires before each backoff sleep, never after the last
	// failed attempt.
	if retryCalls != 2 {
		t.Errorf("retry callback invoked %d times, want 2", retryCalls)
	}
}

func TestFetchNonRetryableFailsFast(t *testing.T) {
	reg := NewRegistry()
	calls := 0

	res := Fetch(context.Background(), reg, "svc", func(ctx context.Context) (string, error) {
		calls++
		return "", errors.New("401 token expired")
	}, Options[string]{Retries: 3, Backoff: fastBackoff})

	if res.Attempts != 1 || calls != 1 {
		t.Errorf("attempts = %d, calls = %d, want 1 each", res.Attempts, calls)
	}
	if res.Category != CategoryAuthExpired {
		t.Errorf("category = %s, want auth_expired", res.Category)
	}
}

func TestFetchShouldRetryOverride(t *testing.T) {
	reg := NewRegistry()
	calls := 0

	res := Fetch(context.Background(), reg, "svc", func(ctx context.Context) (string, error) {
		calls++
		return "", errors.New("429 rate limit")
	}, Options[string]{
		Retries:     3,
		Backoff:     fastBackoff,
		ShouldRetry: func(err error, category Category) bool { return false },
	})

	if calls != 1 {
		t.Errorf("calls = %d, want 1 with retry disabled", calls)
	}
	if res.Status != StatusFailed {
		t.Errorf("status = %s, want failed", res.Status)
	}
}

func TestFetchRecoversMidway(t *testing.T) {
	reg := NewRegistry()
	calls := 0

	res := Fetch(context.Background(), reg, "svc", func(ctx context.Context) (string, error) {
		calls++
		if calls < 3 {
			return "", errors.New("connection reset by peer")
		}
		return "late", nil
	}, Options[string]{Retries: 3, Backoff: fastBackoff})

	if res.Status != StatusSuccess {
		t.Errorf("status = %s, want success", res.Status)
	}
	if res.Data != "late" {
		t.Errorf("data = %q, want %q", res.Data, "late")
	}
	if res.Attempts != 3 {
		t.Errorf("attempts = %d, want 3", res.Attempts)
	}
}

func TestFetchFallbackYieldsPartial(t *testing.T) {
	reg := NewRegistry()
	fallback := "cached"

	res := Fetch(context.Background(), reg, "svc", func(ctx context.Context) (string, error) {
		return "", errors.New("503 service unavailable")
	}, Options[string]{Retries: 2, Backoff: fastBackoff, Fallback: &fallback})

	if res.Status != StatusPartial {
		t.Errorf("status = %s, want partial", res.Status)
	}
	if res.Data != "cached" {
		t.Errorf("data = %q, want fallback", res.Data)
	}
	if res.Err == nil {
		t.Error("partial result should keep the underlying error")
	}
}

func TestFetchOpenBreakerSkipsOperation(t *testing.T) {
	reg := NewRegistry()
	for i := 0; i < FailureThreshold; i++ {
		reg.Breaker("svc").RecordFailure()
	}

	called := false
	res := Fetch(context.Background(), reg, "svc", func(ctx context.Context) (string, error) {
		called = true
		return "x", nil
	}, Options[string]{})

	if called {
		t.Error("operation must not run while the breaker is open")
	}
	if res.Status != StatusFailed {
		t.Errorf("status = %s, want failed", res.Status)
	}
	if res.Category != CategoryServiceDown {
		t.Errorf("category = %s, want service_down", res.Category)
	}
	if !errors.Is(res.Err, ErrCircuitOpen) {
		t.Errorf("err = %v, want ErrCircuitOpen", res.Err)
	}
}

func TestFetchOpenBreakerWithFallbackIsPartial(t *testing.T) {
	reg := NewRegistry()
	for i := 0; i < FailureThreshold; i++ {
		reg.Breaker("svc").RecordFailure()
	}

	fallback := 42
	res := Fetch(context.Background(), reg, "svc", func(ctx context.Context) (int, error) {
		return 0, nil
	}, Options[int]{Fallback: &fallback})

	if res.Status != StatusPartial {
		t.Errorf("status = %s, want partial", res.Status)
	}
	if res.Data != 42 {
		t.Errorf("data = %d, want 42", res.Data)
	}
}

func TestFetchTimeoutBoundsAttempt(t *testing.T) {
	reg := NewRegistry()

	res := Fetch(context.Background(), reg, "svc", func(ctx context.Context) (string, error) {
		select {
		case <-time.After(5 * time.Second):
			return "too late", nil
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}, Options[string]{Retries: 1, Timeout: 10 * time.Millisecond})

	if res.Status != StatusFailed {
		t.Errorf("status = %s, want failed", res.Status)
	}
	if res.Category != CategoryNetworkTransient {
		t.Errorf("category = %s, want network_transient", res.Category)
	}
}

func TestFetchRepeatedFailuresOpenBreaker(t *testing.T) {
	reg := NewRegistry()
	for i := 0; i < FailureThreshold; i++ {
		Fetch(context.Background(), reg, "svc", func(ctx context.Context) (string, error) {
			return "", errors.New("404 not found")
		}, Options[string]{Retries: 1})
	}
	if !reg.Breaker("svc").IsOpen() {
		t.Error("breaker should open after repeated failed fetches")
	}
}
