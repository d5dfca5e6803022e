package unifiedllm

import (
	"context"
	"math"
	"math/rand"
	"time"
)

// RetryPolicy is exponential backoff for retryable provider errors. Delays
// are in seconds so they read the same as a Retry-After header.
type RetryPolicy struct {
	MaxRetries        int // retries after the first attempt
	BaseDelay         float64
	MaxDelay          float64
	BackoffMultiplier float64
	Jitter            bool
	OnRetry           func(err error, attempt int, delay time.Duration)
}

// DefaultRetryPolicy returns the retry policy used when none is configured.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxRetries:        2,
		BaseDelay:         1.0,
		MaxDelay:          60.0,
		BackoffMultiplier: 2.0,
		Jitter:            true,
	}
}

// Delay is the backoff before retry attempt n (0-indexed), capped at
// MaxDelay. Jitter scales it into [0.5, 1.5).
func (p RetryPolicy) Delay(attempt int) time.Duration {
	mult := p.BackoffMultiplier
	if mult <= 0 {
		mult = 1
	}
	seconds := p.BaseDelay * math.Pow(mult, float64(attempt))
	if p.MaxDelay > 0 {
		seconds = math.Min(seconds, p.MaxDelay)
	}
	if p.Jitter {
		seconds *= 0.5 + rand.Float64()
	}
	return time.Duration(seconds * float64(time.Second))
}

// nextDelay returns how long to wait before retrying after err, or false when
// err must be returned as is. A server-provided Retry-After wins over the
// backoff unless it is longer than MaxDelay.
func (p RetryPolicy) nextDelay(err error, attempt int) (time.Duration, bool) {
	if !IsRetryable(err) {
		return 0, false
	}
	after := retryAfter(err)
	if after == nil {
		return p.Delay(attempt), true
	}
	if p.MaxDelay > 0 && *after > p.MaxDelay {
		return 0, false
	}
	return time.Duration(*after * float64(time.Second)), true
}

// Retry calls fn until it succeeds, fails with a non-retryable error, or the
// policy runs out of attempts.
func Retry[T any](ctx context.Context, policy RetryPolicy, fn func(ctx context.Context) (T, error)) (T, error) {
	result, err := fn(ctx)
	for attempt := 0; err != nil && attempt < policy.MaxRetries; attempt++ {
		delay, ok := policy.nextDelay(err, attempt)
		if !ok {
			break
		}
		if policy.OnRetry != nil {
			policy.OnRetry(err, attempt+1, delay)
		}
		if werr := wait(ctx, delay); werr != nil {
			var zero T
			return zero, werr
		}
		result, err = fn(ctx)
	}
	if err != nil {
		var zero T
		return zero, err
	}
	return result, nil
}

func wait(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return &AbortError{SDKError: SDKError{Message: "request cancelled during retry", Cause: ctx.Err()}}
	case <-t.C:
		return nil
	}
}
