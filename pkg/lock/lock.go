// Package lock serializes work per key. The recorder holds one lock per
// submitter identity from nonce assignment to submission.
package lock

import (
	"context"
	"errors"
)

// ErrLockLost is returned by Release when the lock expired or was taken over
// before it was released.
var ErrLockLost = errors.New("lock: lease lost")

// Release gives a lock back. It is safe to call more than once.
type Release func(ctx context.Context) error

// Locker hands out exclusive locks by key.
type Locker interface {
	// Acquire blocks until key is free or ctx is done.
	Acquire(ctx context.Context, key string) (Release, error)
}
