package runlock

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
)

// memLockStore mimics the claim semantics of the Postgres row: one holder,
// reclaimable once the heartbeat is older than the TTL.
type memLockStore struct {
	mu          sync.Mutex
	holder      string
	heartbeatAt time.Time
	now         func() time.Time
}

func newMemLockStore(now func() time.Time) *memLockStore {
	return &memLockStore{now: now}
}

func (m *memLockStore) ClaimRunLock(ctx context.Context, holderID string, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.holder == "" || m.holder == holderID || m.now().Sub(m.heartbeatAt) > ttl {
		m.holder = holderID
		m.heartbeatAt = m.now()
		return true, nil
	}
	return false, nil
}

func (m *memLockStore) HeartbeatRunLock(ctx context.Context, holderID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.holder != holderID {
		return false, nil
	}
	m.heartbeatAt = m.now()
	return true, nil
}

func (m *memLockStore) ReleaseRunLock(ctx context.Context, holderID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.holder == holderID {
		m.holder = ""
	}
	return nil
}

func testLog() *logrus.Entry {
	return logrus.NewEntry(logrus.New())
}

func TestHeartbeatLockExcludesSecondHolder(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	store := newMemLockStore(func() time.Time { return now })

	first := NewHeartbeatLock(store, 30*time.Minute, time.Hour, testLog())
	second := NewHeartbeatLock(store, 30*time.Minute, time.Hour, testLog())

	if err := first.Acquire(ctx); err != nil {
		t.Fatalf("first acquire: %v", err)
	}
	defer func() { _ = first.Release(ctx) }()

	if err := second.Acquire(ctx); !errors.Is(err, ErrLockHeld) {
		t.Fatalf("expected second acquire to fail fast with ErrLockHeld, got %v", err)
	}
}

func TestHeartbeatLockReclaimsStaleHolder(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	store := newMemLockStore(func() time.Time { return now })

	crashed := NewHeartbeatLock(store, 30*time.Minute, time.Hour, testLog())
	if err := crashed.Acquire(ctx); err != nil {
		t.Fatalf("acquire: %v", err)
	}
	// Simulate a crash: no release, no further heartbeats.

	// A fresh heartbeat blocks takeover.
	successor := NewHeartbeatLock(store, 30*time.Minute, time.Hour, testLog())
	if err := successor.Acquire(ctx); !errors.Is(err, ErrLockHeld) {
		t.Fatalf("expected fresh lock to deny takeover, got %v", err)
	}

	// Past the TTL the row is stale and may be claimed.
	now = now.Add(31 * time.Minute)
	if err := successor.Acquire(ctx); err != nil {
		t.Fatalf("expected stale lock reclaimed, got %v", err)
	}
	defer func() { _ = successor.Release(ctx) }()
}

func TestHeartbeatLockReleaseFreesRow(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	store := newMemLockStore(func() time.Time { return now })

	first := NewHeartbeatLock(store, 30*time.Minute, time.Hour, testLog())
	if err := first.Acquire(ctx); err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if err := first.Release(ctx); err != nil {
		t.Fatalf("release: %v", err)
	}

	second := NewHeartbeatLock(store, 30*time.Minute, time.Hour, testLog())
	if err := second.Acquire(ctx); err != nil {
		t.Fatalf("expected released lock acquirable, got %v", err)
	}
	_ = second.Release(ctx)
}

func TestHeartbeatLockHolderIDsDiffer(t *testing.T) {
	store := newMemLockStore(time.Now)
	a := NewHeartbeatLock(store, time.Minute, time.Hour, testLog())
	b := NewHeartbeatLock(store, time.Minute, time.Hour, testLog())
	if a.HolderID() == b.HolderID() {
		t.Fatalf("holder ids must be unique")
	}
}
