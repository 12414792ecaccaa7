package syncengine

import (
	"time"

	"backend-pawwalk/internal/apperr"
)

// RetryPolicy is injected into the engine; the engine has no ceiling of its
// own. attempt counts the failed pushes of the current run, starting at 1.
type RetryPolicy interface {
	ShouldRetry(err error, attempt int) bool
	RetryDelay(attempt int) time.Duration
}

// ExponentialBackoff retries retryable errors with Base*2^(attempt-1) delays
// capped at Max. MaxAttempts <= 0 means no attempt ceiling.
type ExponentialBackoff struct {
	Base        time.Duration
	Max         time.Duration
	MaxAttempts int
}

func (b ExponentialBackoff) ShouldRetry(err error, attempt int) bool {
	if !apperr.IsRetryable(err) {
		return false
	}
	return b.MaxAttempts <= 0 || attempt < b.MaxAttempts
}

func (b ExponentialBackoff) RetryDelay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := b.Base
	for i := 1; i < attempt; i++ {
		d *= 2
		if b.Max > 0 && d >= b.Max {
			return b.Max
		}
	}
	if b.Max > 0 && d > b.Max {
		return b.Max
	}
	return d
}

// NoRetry gives up after the first failure.
type NoRetry struct{}

func (NoRetry) ShouldRetry(error, int) bool { return false }
func (NoRetry) RetryDelay(int) time.Duration { return 0 }
