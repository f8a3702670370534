//go:build unix

package runlock

import (
	"context"
	"fmt"
	"os"
	"time"

	"golang.org/x/sys/unix"
)

// FileLock is the advisory flock backend. The kernel releases the lock when
// the holding process dies, so crash recovery needs no TTL here.
type FileLock struct {
	path string
	file *os.File
}

func NewFileLock(path string) (*FileLock, error) {
	return &FileLock{path: path}, nil
}

func (l *FileLock) Acquire(ctx context.Context) error {
	f, err := os.OpenFile(l.path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return fmt.Errorf("open lock file: %w", err)
	}

	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		_ = f.Close()
		if err == unix.EWOULDBLOCK {
			return ErrLockHeld
		}
		return fmt.Errorf("flock: %w", err)
	}

	_ = f.Truncate(0)
	_, _ = fmt.Fprintf(f, "%d\n%s\n", os.Getpid(), time.Now().UTC().Format(time.RFC3339))
	_ = f.Sync()
	l.file = f
	return nil
}

// Release drops the flock but leaves the file in place. Unlinking it would
// let a process holding the old inode and one creating a fresh file hold the
// lock at the same time.
func (l *FileLock) Release(ctx context.Context) error {
	if l.file == nil {
		return nil
	}
	_ = unix.Flock(int(l.file.Fd()), unix.LOCK_UN)
	_ = l.file.Close()
	l.file = nil
	return nil
}
