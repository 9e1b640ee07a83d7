// Package retry runs fallible calls with bounded exponential backoff.
package retry

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Policy bounds a retry loop.
type Policy struct {
	Attempts int
	Initial  time.Duration
	Max      time.Duration
}

// DefaultPolicy is three attempts backing off from 4s up to 10s.
func DefaultPolicy() Policy {
	return Policy{Attempts: 3, Initial: 4 * time.Second, Max: 10 * time.Second}
}

func (p Policy) backOff(ctx context.Context) backoff.BackOff {
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = p.Initial
	eb.MaxInterval = p.Max
	eb.MaxElapsedTime = 0
	eb.Reset()

	attempts := p.Attempts
	if attempts < 1 {
		attempts = 1
	}
	return backoff.WithContext(backoff.WithMaxRetries(eb, uint64(attempts-1)), ctx)
}

// Permanent marks err as not worth retrying.
func Permanent(err error) error {
	return backoff.Permanent(err)
}

// Do calls fn until it succeeds, returns a Permanent error, the attempts
// are exhausted or ctx ends. It returns the last error from fn.
func Do(ctx context.Context, p Policy, fn func(ctx context.Context) error) error {
	return backoff.Retry(func() error { return fn(ctx) }, p.backOff(ctx))
}

// DoNotify is Do with a callback before every retry.
func DoNotify(ctx context.Context, p Policy, fn func(ctx context.Context) error, notify func(err error, wait time.Duration)) error {
	return backoff.RetryNotify(func() error { return fn(ctx) }, p.backOff(ctx), notify)
}
