package util

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v5"
)

// Retry calls fn up to maxAttempts times with exponential backoff starting at
// baseDelay. It returns nil on the first successful call, the last error if
// all attempts fail, or the unwrapped error immediately when fn returns an
// error marked with Permanent. Cancellation of ctx stops the retries.
func Retry(ctx context.Context, maxAttempts int, baseDelay time.Duration, fn func() error) error {
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		return struct{}{}, fn()
	},
		backoff.WithBackOff(NewBackOff(baseDelay)),
		backoff.WithMaxTries(uint(maxAttempts)),
		backoff.WithMaxElapsedTime(0),
	)
	return err
}

// Permanent marks err so that Retry stops without further attempts.
func Permanent(err error) error {
	return backoff.Permanent(err)
}

// NewBackOff returns an exponential policy starting at baseDelay and capped
// at thirty times it, so reconnect loops stay responsive.
func NewBackOff(baseDelay time.Duration) *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = baseDelay
	b.MaxInterval = 30 * baseDelay
	if baseDelay <= 0 {
		b.RandomizationFactor = 0
		b.MaxInterval = 0
	}
	return b
}
