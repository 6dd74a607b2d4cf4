// Package retry runs setup operations (serial port, camera, broker) under a
// bounded attempt budget with a pluggable delay between attempts.
package retry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"

	"smartroom-gateway/internal/logging"
)

// Policy bounds how often an operation is attempted and how long to wait
// between attempts. Delay receives the 1-based number of the attempt that
// just failed.
type Policy struct {
	MaxAttempts int
	Delay       func(attempt int) time.Duration
}

// Fixed waits the same duration after every failed attempt.
func Fixed(maxAttempts int, d time.Duration) Policy {
	return Policy{
		MaxAttempts: maxAttempts,
		Delay:       func(int) time.Duration { return d },
	}
}

// Exponential doubles the delay after each failed attempt, capped at max.
func Exponential(maxAttempts int, initial, max time.Duration) Policy {
	return Policy{
		MaxAttempts: maxAttempts,
		Delay: func(attempt int) time.Duration {
			d := initial
			for i := 1; i < attempt; i++ {
				d *= 2
				if d >= max {
					return max
				}
			}
			return d
		},
	}
}

// ErrExhausted is wrapped by Do when every attempt failed.
var ErrExhausted = errors.New("retry attempts exhausted")

// Permanent marks err as not worth retrying; Do returns it immediately.
func Permanent(err error) error {
	return backoff.Permanent(err)
}

// Do calls op until it succeeds, the policy is exhausted, op returns a
// Permanent error or ctx is done. name is used only for logging.
func (p Policy) Do(ctx context.Context, logger *slog.Logger, name string, op func(ctx context.Context) error) error {
	logger = logging.OrDefault(logger)

	attempts := p.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}

	attempt := 0
	var lastErr error
	operation := func() error {
		attempt++
		lastErr = op(ctx)
		return lastErr
	}
	notify := func(err error, wait time.Duration) {
		logger.Warn("attempt failed",
			"op", name,
			"attempt", attempt,
			"max_attempts", attempts,
			"retry_in", wait,
			"error", err,
		)
	}

	b := backoff.WithContext(
		backoff.WithMaxRetries(&delayBackOff{delay: p.Delay}, uint64(attempts-1)),
		ctx,
	)
	err := backoff.RetryNotify(operation, b, notify)
	if err == nil {
		if attempt > 1 {
			logger.Info("succeeded after retry", "op", name, "attempt", attempt)
		}
		return nil
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}

	var perm *backoff.PermanentError
	if errors.As(lastErr, &perm) {
		return err
	}
	return fmt.Errorf("%s: %w after %d attempts: %w", name, ErrExhausted, attempt, err)
}

// delayBackOff adapts a Policy delay function to backoff.BackOff.
type delayBackOff struct {
	delay func(attempt int) time.Duration
	n     int
}

func (b *delayBackOff) NextBackOff() time.Duration {
	b.n++
	if b.delay == nil {
		return 0
	}
	d := b.delay(b.n)
	if d < 0 {
		return 0
	}
	return d
}

func (b *delayBackOff) Reset() { b.n = 0 }
