package execute

import (
	"context"
	"fmt"
	"sync"
	"time"

	"publication-pipeline/internal/models"
	"publication-pipeline/internal/telemetry"
)

// BreakerStore persists breaker state so open circuits and their timers
// survive process restarts.
type BreakerStore interface {
	LoadBreaker(ctx context.Context, dependency string) (models.BreakerState, error)
	SaveBreaker(ctx context.Context, st models.BreakerState) error
}

// BreakerConfig tunes one per-dependency circuit breaker.
type BreakerConfig struct {
	FailureThreshold int
	SuccessThreshold int
	RecoveryTimeout  time.Duration
}

// Breaker is a persisted circuit breaker for one external dependency.
// mu serializes the load-modify-save cycle across worker goroutines;
// cross-process exclusion comes from the run lock.
type Breaker struct {
	dependency string
	cfg        BreakerConfig
	store      BreakerStore
	mu         sync.Mutex
	now        func() time.Time
}

func NewBreaker(dependency string, cfg BreakerConfig, store BreakerStore) *Breaker {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 5
	}
	if cfg.SuccessThreshold <= 0 {
		cfg.SuccessThreshold = 2
	}
	if cfg.RecoveryTimeout <= 0 {
		cfg.RecoveryTimeout = time.Minute
	}
	return &Breaker{dependency: dependency, cfg: cfg, store: store, now: time.Now}
}

// Allow reports whether a call may proceed. An open breaker whose recovery
// timeout elapsed moves to half-open and admits a single trial call.
func (b *Breaker) Allow(ctx context.Context) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	st, err := b.store.LoadBreaker(ctx, b.dependency)
	if err != nil {
		return false, fmt.Errorf("load breaker %s: %w", b.dependency, err)
	}
	switch st.State {
	case models.BreakerOpen:
		if st.OpenedAt != nil && b.now().Sub(*st.OpenedAt) >= b.cfg.RecoveryTimeout {
			st.State = models.BreakerHalfOpen
			st.ConsecutiveSuccesses = 0
			if err := b.store.SaveBreaker(ctx, st); err != nil {
				return false, fmt.Errorf("save breaker %s: %w", b.dependency, err)
			}
			return true, nil
		}
		return false, nil
	default:
		return true, nil
	}
}

// OnSuccess records a successful call.
func (b *Breaker) OnSuccess(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	st, err := b.store.LoadBreaker(ctx, b.dependency)
	if err != nil {
		return fmt.Errorf("load breaker %s: %w", b.dependency, err)
	}

	st.ConsecutiveFailures = 0
	if st.State == models.BreakerHalfOpen {
		st.ConsecutiveSuccesses++
		if st.ConsecutiveSuccesses >= b.cfg.SuccessThreshold {
			st.State = models.BreakerClosed
			st.ConsecutiveSuccesses = 0
			st.OpenedAt = nil
		}
	}
	return b.store.SaveBreaker(ctx, st)
}

// OnFailure records a failed call. Any failure while half-open re-opens the
// circuit immediately.
func (b *Breaker) OnFailure(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	st, err := b.store.LoadBreaker(ctx, b.dependency)
	if err != nil {
		return fmt.Errorf("load breaker %s: %w", b.dependency, err)
	}

	st.ConsecutiveFailures++
	st.ConsecutiveSuccesses = 0
	if st.State == models.BreakerHalfOpen || st.ConsecutiveFailures >= b.cfg.FailureThreshold {
		if st.State != models.BreakerOpen {
			telemetry.BreakerOpens.Inc()
		}
		st.State = models.BreakerOpen
		now := b.now()
		st.OpenedAt = &now
	}
	return b.store.SaveBreaker(ctx, st)
}

// State exposes the current persisted state for status reporting.
func (b *Breaker) State(ctx context.Context) (models.BreakerState, error) {
	return b.store.LoadBreaker(ctx, b.dependency)
}
