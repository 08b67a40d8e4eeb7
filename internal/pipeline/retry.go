package pipeline

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog/log"
)

type permanentError struct{ err error }

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks err so RetryWithBackoff stops immediately.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// RetryWithBackoff executes operation up to maxAttempts times, waiting
// baseDelay * 2^(attempt-1) between attempts. It returns nil on the first
// success, the unwrapped error of a Permanent failure, ctx.Err() when the
// context ends, or the last error otherwise.
func RetryWithBackoff(ctx context.Context, operation func() error, maxAttempts int, baseDelay time.Duration) error {
	if maxAttempts <= 0 {
		return ErrInvalidMaxAttempts
	}

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		lastErr = operation()
		if lastErr == nil {
			if attempt > 1 {
				log.Debug().Int("attempt", attempt).Msg("Operation succeeded after retry")
			}
			return nil
		}
		var perm *permanentError
		if errors.As(lastErr, &perm) {
			return perm.err
		}

		if attempt == maxAttempts {
			break
		}

		delay := baseDelay
		for i := 1; i < attempt; i++ {
			delay *= 2
		}
		log.Debug().Err(lastErr).Int("attempt", attempt).Int("max_attempts", maxAttempts).Dur("delay", delay).Msg("Operation failed, will retry")

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
	return lastErr
}
