package engine

import (
	"context"
	"errors"
	"net"
	"strings"
	"time"

	"github.com/rendis/lifecycle/pkg/schema"
)

// RetryPolicy bounds the delivery attempts of one action record.
type RetryPolicy struct {
	// Attempts is the total number of tries, the first one included.
	Attempts int
	Base     time.Duration
	Max      time.Duration
}

// DefaultRetryPolicy is three attempts, 1s base, 30s cap.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{Attempts: 3, Base: time.Second, Max: 30 * time.Second}
}

// IsRetryableError classifies whether a failed delivery should be retried.
// Retryable by default: network errors, timeouts, context.DeadlineExceeded.
// Non-retryable: context.Canceled and LifecycleErrors with permanent codes.
func IsRetryableError(err error) bool {
	if err == nil {
		return false
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	// Cancelled means the engine is shutting down; the record stays pending
	// and recovery picks it up.
	if errors.Is(err, context.Canceled) {
		return false
	}

	var lerr *schema.LifecycleError
	if errors.As(err, &lerr) {
		return lerr.IsRetryable()
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}

	msg := strings.ToLower(err.Error())
	retryablePatterns := []string{
		"connection refused",
		"connection reset",
		"broken pipe",
		"eof",
		"temporary failure",
		"i/o timeout",
		"service unavailable",
		"bad gateway",
		"gateway timeout",
		"too many requests",
	}
	for _, p := range retryablePatterns {
		if strings.Contains(msg, p) {
			return true
		}
	}

	// Unknown errors retry; the policy bounds the attempts.
	return true
}

// ComputeBackoff returns the delay before retry number attempt (0-based):
// Base * 2^attempt, capped at Max.
func ComputeBackoff(policy RetryPolicy, attempt int) time.Duration {
	if policy.Base <= 0 {
		return 0
	}
	delay := policy.Base
	for i := 0; i < attempt; i++ {
		delay *= 2
		if policy.Max > 0 && delay >= policy.Max {
			return policy.Max
		}
	}
	if policy.Max > 0 && delay > policy.Max {
		delay = policy.Max
	}
	return delay
}

// WaitForBackoff sleeps for delay or returns early if the context is cancelled.
func WaitForBackoff(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return nil
	}
	t := time.NewTimer(delay)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
