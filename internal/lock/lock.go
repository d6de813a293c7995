// Package lock serializes work on a key across processes. A Locker hands out
// at most one Lease per key at a time; everybody else is told ErrNotAcquired.
package lock

import (
	"context"
	"errors"
	"time"
)

// ErrNotAcquired means another holder owns the key. Acquire timeouts are
// reported the same way.
var ErrNotAcquired = errors.New("lock not acquired")

// ErrLeaseLost is returned by Release when the lease expired before release
// and may have been taken over.
var ErrLeaseLost = errors.New("lock lease lost")

const defaultPollInterval = 50 * time.Millisecond

type Locker interface {
	// TryAcquire polls for key until timeout elapses. A non-positive timeout
	// makes a single attempt.
	TryAcquire(ctx context.Context, key string, timeout time.Duration) (Lease, error)
}

type Lease interface {
	Release(ctx context.Context) error
}

// Nop grants every request. It is only correct when a single process runs and
// in-process deduplication already guarantees exclusivity.
type Nop struct{}

func (Nop) TryAcquire(context.Context, string, time.Duration) (Lease, error) { return nopLease{}, nil }

type nopLease struct{}

func (nopLease) Release(context.Context) error { return nil }

// poll runs try until it succeeds, fails, or the timeout elapses.
func poll(ctx context.Context, timeout, interval time.Duration, try func(context.Context) (bool, error)) error {
	if interval <= 0 {
		interval = defaultPollInterval
	}
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	for {
		ok, err := try(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ErrNotAcquired
			}
			return err
		}
		if ok {
			return nil
		}
		if timeout <= 0 {
			return ErrNotAcquired
		}
		t := time.NewTimer(interval)
		select {
		case <-ctx.Done():
			t.Stop()
			return ErrNotAcquired
		case <-t.C:
		}
	}
}
