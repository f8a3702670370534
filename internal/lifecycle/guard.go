package lifecycle

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"publication-pipeline/internal/models"
)

// Updates carries the extra fields written together with a status change.
// Nil pointers leave the column untouched; next_retry_at is an exception and
// is always cleared unless the target state is retry_scheduled.
type Updates struct {
	NextRetryAt    *time.Time
	RetryCount     *int
	PlatformPostID *string
	LastError      *string
	ScheduledAt    *time.Time
	SourceTimezone *string
	Priority       *int
}

// CASStore is the single repository operation the guard needs.
type CASStore interface {
	CompareAndSwapStatus(ctx context.Context, id, expected, next string, upd Updates) (bool, error)
}

// Guard enforces the transition graph and performs the conditional update.
// A false return with nil error means another worker won the item; the
// caller must abort without side effects.
type Guard struct {
	store CASStore
	log   *logrus.Entry
}

func NewGuard(store CASStore, log *logrus.Entry) *Guard {
	return &Guard{store: store, log: log}
}

// Move CAS-transitions one item from expected to next.
func (g *Guard) Move(ctx context.Context, id, expected, next string, upd Updates) (bool, error) {
	if !CanTransition(expected, next) {
		err := &InvalidTransitionError{ItemID: id, From: expected, To: next}
		g.log.WithFields(logrus.Fields{"item": id, "from": expected, "to": next}).
			Error("refused invalid transition")
		return false, err
	}

	// Invariant: next_retry_at is non-null exactly while retry_scheduled,
	// platform_post_id exactly once published.
	if next == models.StatusRetryScheduled && upd.NextRetryAt == nil {
		return false, fmt.Errorf("transition to retry_scheduled without next_retry_at for item %s", id)
	}
	if next != models.StatusRetryScheduled {
		upd.NextRetryAt = nil
	}
	if next != models.StatusPublished && upd.PlatformPostID != nil {
		return false, fmt.Errorf("platform_post_id may only be set on publish for item %s", id)
	}
	if next == models.StatusPublished && upd.PlatformPostID == nil {
		return false, fmt.Errorf("transition to published without platform_post_id for item %s", id)
	}

	swapped, err := g.store.CompareAndSwapStatus(ctx, id, expected, next, upd)
	if err != nil {
		return false, fmt.Errorf("cas %s -> %s: %w", expected, next, err)
	}
	if !swapped {
		g.log.WithFields(logrus.Fields{"item": id, "from": expected, "to": next}).
			Debug("lost cas race, aborting item")
	}
	return swapped, nil
}
