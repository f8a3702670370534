//go:build !unix

package runlock

import "context"

// FileLock is unavailable without flock; callers fall back to the
// heartbeat-row lock.
type FileLock struct{}

func NewFileLock(path string) (*FileLock, error) {
	return nil, ErrUnsupported
}

func (l *FileLock) Acquire(ctx context.Context) error { return ErrUnsupported }

func (l *FileLock) Release(ctx context.Context) error { return nil }
