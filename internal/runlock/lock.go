// Package runlock guarantees a single active pipeline run across overlapping
// invocations. Acquisition never blocks: a second invocation exits
// immediately instead of waiting.
package runlock

import (
	"context"
	"errors"
)

// ErrLockHeld is returned when another run holds a fresh lock.
var ErrLockHeld = errors.New("another pipeline run is active")

// ErrUnsupported is returned by a backend the platform cannot provide.
var ErrUnsupported = errors.New("lock backend unsupported on this platform")

// ExclusiveLock is the single lock abstraction; backends are interchangeable
// and selected once at startup, never inside business logic.
type ExclusiveLock interface {
	// Acquire takes the lock or fails fast with ErrLockHeld.
	Acquire(ctx context.Context) error
	// Release drops the lock. Safe to call on the cleanup path even when
	// Acquire failed.
	Release(ctx context.Context) error
}
