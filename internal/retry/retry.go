// Package retry runs an operation with bounded exponential backoff.
package retry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

// ErrExhausted is wrapped by Do when every attempt failed.
var ErrExhausted = errors.New("retry: attempts exhausted")

// Policy bounds the retry loop.
type Policy struct {
	MaxRetries   int           // retries after the first attempt (default: 5)
	InitialDelay time.Duration // delay before the first retry (default: 1 second)
	MaxDelay     time.Duration // delay cap (default: 30 seconds)
}

// DefaultPolicy returns the policy used to open cameras.
func DefaultPolicy() Policy {
	return Policy{
		MaxRetries:   5,
		InitialDelay: 1 * time.Second,
		MaxDelay:     30 * time.Second,
	}
}

// Do calls fn until it succeeds, the context is cancelled or the policy
// runs out of retries. It returns the number of attempts made.
//
// Backoff schedule with the default policy:
//   - Retry 1: 1s
//   - Retry 2: 2s
//   - Retry 3: 4s
//   - Retry 4: 8s
//   - Retry 5: 16s
//   - Then: give up with ErrExhausted wrapping the last error
func Do(ctx context.Context, name string, p Policy, fn func(ctx context.Context) error) (int, error) {
	attempts := 0
	for {
		if err := ctx.Err(); err != nil {
			return attempts, err
		}

		attempts++
		err := fn(ctx)
		if err == nil {
			if attempts > 1 {
				slog.Info("retry: operation succeeded", "op", name, "attempts", attempts)
			}
			return attempts, nil
		}

		if attempts > p.MaxRetries {
			slog.Error("retry: giving up", "op", name, "attempts", attempts, "error", err)
			return attempts, fmt.Errorf("%w: %s after %d attempts: %w", ErrExhausted, name, attempts, err)
		}

		delay := Backoff(attempts, p)
		slog.Warn("retry: operation failed, backing off",
			"op", name,
			"attempt", attempts,
			"max_retries", p.MaxRetries,
			"delay", delay,
			"error", err,
		)

		timer := time.NewTimer(delay)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return attempts, ctx.Err()
		}
	}
}

// Backoff returns InitialDelay * 2^(retry-1), capped at MaxDelay.
func Backoff(retry int, p Policy) time.Duration {
	if retry < 1 {
		retry = 1
	}
	delay := p.InitialDelay
	for i := 1; i < retry; i++ {
		delay *= 2
		if delay >= p.MaxDelay {
			return p.MaxDelay
		}
	}
	if p.MaxDelay > 0 && delay > p.MaxDelay {
		return p.MaxDelay
	}
	return delay
}
