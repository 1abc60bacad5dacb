package lock

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v5"
)

// AcquireWithRetries calls TryAcquire up to maxAttempts times, waiting per b
// between busy results. Errors other than ErrBusy stop immediately. When the
// lock stays busy the last *BusyError is returned.
func AcquireWithRetries(ctx context.Context, l DistributedLock, owner Owner, maxAttempts int, b backoff.BackOff) (*Handle, error) {
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	return backoff.Retry(ctx, func() (*Handle, error) {
		h, err := l.TryAcquire(ctx, owner)
		if err == nil {
			return h, nil
		}
		if errors.Is(err, ErrBusy) {
			return nil, err
		}
		return nil, backoff.Permanent(err)
	},
		backoff.WithBackOff(b),
		backoff.WithMaxTries(uint(maxAttempts)),
		backoff.WithNotify(func(err error, wait time.Duration) {
			slog.Debug("review lock busy, retrying", "owner", owner.ID, "wait", wait, "error", err)
		}),
	)
}

// ReleaseWithRetries retries Release on transient I/O failures. ErrNotHeld
// is final: someone else owns the record and it must not be removed.
func ReleaseWithRetries(ctx context.Context, l DistributedLock, h *Handle, maxAttempts int, b backoff.BackOff) error {
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		err := l.Release(h)
		if err == nil {
			return struct{}{}, nil
		}
		if errors.Is(err, ErrNotHeld) {
			return struct{}{}, backoff.Permanent(err)
		}
		return struct{}{}, err
	},
		backoff.WithBackOff(b),
		backoff.WithMaxTries(uint(maxAttempts)),
	)
	return err
}

// ExponentialBackOff returns an exponential policy starting at initial and
// capped at max, without jitter so retry timing is predictable in logs.
func ExponentialBackOff(initial, max time.Duration) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = initial
	b.MaxInterval = max
	b.RandomizationFactor = 0
	return b
}
