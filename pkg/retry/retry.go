// Package retry implements the jittered exponential backoff the broker
// submit path runs transient failures through.
package retry

import (
	"context"
	"math/rand"
	"time"
)

// Policy defines how to retry an operation
type Policy struct {
	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
}

// DefaultPolicy matches the broker submission contract: three attempts
// total, first backoff 500ms, capped at 10s.
var DefaultPolicy = Policy{
	MaxAttempts:    3,
	InitialBackoff: 500 * time.Millisecond,
	MaxBackoff:     10 * time.Second,
}

// IsTransientFunc reports whether an error is worth another attempt.
type IsTransientFunc func(error) bool

// Do executes fn with retries according to the policy. Non-transient
// errors return immediately.
func Do(ctx context.Context, policy Policy, isTransient IsTransientFunc, fn func() error) error {
	_, err := DoWithAttempts(ctx, policy, isTransient, fn)
	return err
}

// DoWithAttempts is Do but also reports the number of retries performed
// (0 when the first attempt settled the call).
func DoWithAttempts(ctx context.Context, policy Policy, isTransient IsTransientFunc, fn func() error) (int, error) {
	if policy.MaxAttempts < 1 {
		policy.MaxAttempts = 1
	}

	backoff := policy.InitialBackoff
	for retries := 0; ; retries++ {
		err := fn()
		if err == nil {
			return retries, nil
		}
		if !isTransient(err) || retries == policy.MaxAttempts-1 {
			return retries, err
		}

		if waitErr := wait(ctx, withJitter(backoff)); waitErr != nil {
			return retries, waitErr
		}
		backoff *= 2
		if backoff > policy.MaxBackoff {
			backoff = policy.MaxBackoff
		}
	}
}

// withJitter spreads concurrent retries by up to half the base delay.
func withJitter(d time.Duration) time.Duration {
	if d < 2 {
		return d
	}
	return d + time.Duration(rand.Int63n(int64(d/2)))
}

func wait(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
