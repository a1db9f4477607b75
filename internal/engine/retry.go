package engine

import (
	"context"
	"errors"
	"net"
	"strings"
	"time"

	"github.com/rvidal/preceptor/pkg/schema"
)

// IsRetryableError classifies whether a capability error should be retried
// with the same role. Retryable: network errors, timeouts,
// context.DeadlineExceeded. Non-retryable: context.Canceled (the turn is
// shutting down), validation and invalid-input errors.
func IsRetryableError(err error) bool {
	if err == nil {
		return false
	}

	// Deadline exceeded is retryable (capability timeout, not turn-level).
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	// Context cancelled is NOT retryable.
	if errors.Is(err, context.Canceled) {
		return false
	}

	// PreceptorError checks its own code.
	var pe *schema.PreceptorError
	if errors.As(err, &pe) {
		return pe.IsRetryable()
	}

	// Network errors are retryable.
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}

	// String heuristics for common retryable patterns.
	msg := strings.ToLower(err.Error())
	retryablePatterns := []string{
		"connection refused",
		"connection reset",
		"broken pipe",
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

	// Default: retryable (conservative — the retry ceiling limits attempts).
	return true
}

// WaitForBackoff sleeps for the given delay or returns early if the context
// is cancelled. Returns an error if the context was cancelled during the wait.
func WaitForBackoff(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return nil
	}
	select {
	case <-time.After(delay):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
