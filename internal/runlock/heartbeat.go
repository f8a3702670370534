package runlock

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// Store is the slice of the repository the heartbeat lock needs.
type Store interface {
	ClaimRunLock(ctx context.Context, holderID string, ttl time.Duration) (bool, error)
	HeartbeatRunLock(ctx context.Context, holderID string) (bool, error)
	ReleaseRunLock(ctx context.Context, holderID string) error
}

// HeartbeatLock is the persisted-row backend. A stale heartbeat (older than
// the TTL) is treated as a crashed holder and reclaimed.
type HeartbeatLock struct {
	store    Store
	holderID string
	ttl      time.Duration
	interval time.Duration
	log      *logrus.Entry

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

func NewHeartbeatLock(store Store, ttl, interval time.Duration, log *logrus.Entry) *HeartbeatLock {
	hostname, _ := os.Hostname()
	return &HeartbeatLock{
		store:    store,
		holderID: fmt.Sprintf("%s-%d-%s", hostname, os.Getpid(), uuid.New().String()[:8]),
		ttl:      ttl,
		interval: interval,
		log:      log,
	}
}

func (l *HeartbeatLock) Acquire(ctx context.Context) error {
	claimed, err := l.store.ClaimRunLock(ctx, l.holderID, l.ttl)
	if err != nil {
		return fmt.Errorf("claim run lock: %w", err)
	}
	if !claimed {
		return ErrLockHeld
	}

	refreshCtx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})

	l.mu.Lock()
	l.cancel = cancel
	l.done = done
	l.mu.Unlock()

	go l.refresh(refreshCtx, done)
	return nil
}

func (l *HeartbeatLock) refresh(ctx context.Context, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(l.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			ok, err := l.store.HeartbeatRunLock(ctx, l.holderID)
			if err != nil {
				l.log.WithError(err).Warn("run lock heartbeat failed")
				continue
			}
			if !ok {
				// Lock was reclaimed out from under us; nothing left
				// to refresh.
				l.log.Error("run lock lost to another holder")
				return
			}
		}
	}
}

func (l *HeartbeatLock) Release(ctx context.Context) error {
	l.mu.Lock()
	cancel, done := l.cancel, l.done
	l.cancel, l.done = nil, nil
	l.mu.Unlock()

	if cancel != nil {
		cancel()
		<-done
	}
	return l.store.ReleaseRunLock(ctx, l.holderID)
}

// HolderID identifies this process in the lock row.
func (l *HeartbeatLock) HolderID() string { return l.holderID }
