// Package state implements the kernel's durable state store on DynamoDB:
// order records, append-only events, and per-run locks.
package state

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// maxRetries bounds retries of transient store failures. Conditional-failed
// outcomes are never retried; they are the intended contention signal.
const maxRetries = 3

// opTimeout bounds every individual store call.
const opTimeout = 10 * time.Second

// opCtx derives the per-call context for one store operation.
func opCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, opTimeout)
}

// withRetry runs op with exponential backoff and jitter for transient
// failures. op returns backoff.Permanent(err) to stop immediately.
func withRetry(ctx context.Context, op func() error) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 100 * time.Millisecond
	b.MaxInterval = 2 * time.Second
	return backoff.Retry(op, backoff.WithContext(backoff.WithMaxRetries(b, maxRetries), ctx))
}
