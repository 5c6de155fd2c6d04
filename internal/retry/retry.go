// Package retry holds the two backoff policies the system uses: bounded for
// operations where giving up is acceptable (allocation), unbounded for
// operations that must eventually succeed (reboot lock, store access).
package retry

import (
	"context"
	"time"

	retrygo "github.com/avast/retry-go/v4"
)

// Bounded retries fn up to attempts times with a fixed delay between tries.
func Bounded(ctx context.Context, attempts uint, delay time.Duration, fn func() error) error {
	return retrygo.Do(
		fn,
		retrygo.Context(ctx),
		retrygo.Attempts(attempts),
		retrygo.Delay(delay),
		retrygo.DelayType(retrygo.FixedDelay),
		retrygo.LastErrorOnly(true),
	)
}

// Unrecoverable marks err as permanent so Bounded stops retrying at once.
func Unrecoverable(err error) error {
	return retrygo.Unrecoverable(err)
}

// Unbounded retries fn with a fixed delay until it succeeds or ctx is done.
func Unbounded(ctx context.Context, delay time.Duration, fn func() error) error {
	return retrygo.Do(
		fn,
		retrygo.Context(ctx),
		retrygo.Attempts(0),
		retrygo.Delay(delay),
		retrygo.DelayType(retrygo.FixedDelay),
		retrygo.LastErrorOnly(true),
	)
}
