package execute

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// System-status keys written by the executor.
const (
	StatusKeyCooldownUntil   = "cooldown_until"
	StatusKeyLastErrorCode   = "last_error_code"
	StatusKeyLastErrorAction = "last_error_action"
)

// StatusStore persists operational flags (cooldowns, needs-action markers)
// that must outlive a crash.
type StatusStore interface {
	SetSystemStatus(ctx context.Context, key, value string) error
	GetSystemStatus(ctx context.Context, key string) (string, bool, error)
}

// Config tunes retry and cooldown behavior.
type Config struct {
	MaxRetries     int
	BackoffBase    time.Duration
	BackoffMax     time.Duration
	BackoffFactor  float64
	JitterFraction float64
	CallTimeout    time.Duration
	Cooldown       time.Duration
	Breaker        BreakerConfig
}

// Executor runs outbound calls under the full protection stack: durable
// cooldown check, per-dependency circuit breaker, per-call timeout, and
// bounded retry with jittered exponential backoff.
type Executor struct {
	cfg      Config
	breakers map[string]*Breaker
	mu       sync.Mutex
	store    BreakerStore
	status   StatusStore
	rngMu    sync.Mutex
	rng      *rand.Rand
	sleep    func(ctx context.Context, d time.Duration) error
	now      func() time.Time
	log      *logrus.Entry
}

func NewExecutor(cfg Config, store BreakerStore, status StatusStore, log *logrus.Entry) *Executor {
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = time.Second
	}
	if cfg.BackoffMax <= 0 {
		cfg.BackoffMax = time.Minute
	}
	if cfg.BackoffFactor <= 1 {
		cfg.BackoffFactor = 2
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = 20 * time.Second
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = 24 * time.Hour
	}
	return &Executor{
		cfg:      cfg,
		breakers: make(map[string]*Breaker),
		store:    store,
		status:   status,
		rng:      rand.New(rand.NewSource(time.Now().UnixNano())),
		sleep:    sleepContext,
		now:      time.Now,
		log:      log,
	}
}

func (e *Executor) breaker(dependency string) *Breaker {
	e.mu.Lock()
	defer e.mu.Unlock()
	b, ok := e.breakers[dependency]
	if !ok {
		b = NewBreaker(dependency, e.cfg.Breaker, e.store)
		e.breakers[dependency] = b
	}
	return b
}

// Do runs call against one named dependency. Transient failures retry up to
// MaxRetries with backoff; rate-limit signals start a durable cooldown; auth
// failures are surfaced for human action; everything else fails immediately.
func (e *Executor) Do(ctx context.Context, dependency string, call func(context.Context) error) error {
	active, until, err := e.cooldownActive(ctx, dependency)
	if err != nil {
		return err
	}
	if active {
		return fmt.Errorf("%w for %s until %s", ErrCooldownActive, dependency, until.Format(time.RFC3339))
	}

	br := e.breaker(dependency)

	var lastErr error
	for attempt := 0; attempt <= e.cfg.MaxRetries; attempt++ {
		allowed, err := br.Allow(ctx)
		if err != nil {
			return err
		}
		if !allowed {
			return fmt.Errorf("%w for %s", ErrBreakerOpen, dependency)
		}

		callCtx, cancel := context.WithTimeout(ctx, e.cfg.CallTimeout)
		err = call(callCtx)
		cancel()

		if err == nil {
			if berr := br.OnSuccess(ctx); berr != nil {
				return berr
			}
			return nil
		}

		if berr := br.OnFailure(ctx); berr != nil {
			return berr
		}
		lastErr = err

		switch Classification(err) {
		case KindRateLimited:
			if cerr := e.startCooldown(ctx, dependency); cerr != nil {
				return cerr
			}
			return err
		case KindAuth:
			if serr := e.markNeedsAction(ctx, err); serr != nil {
				return serr
			}
			return err
		case KindNonRetryable:
			return err
		}

		if attempt == e.cfg.MaxRetries {
			break
		}
		delay := e.withJitter(Delay(e.cfg.BackoffBase, e.cfg.BackoffMax, e.cfg.BackoffFactor, attempt))
		e.log.WithFields(logrus.Fields{
			"dependency": dependency,
			"attempt":    attempt + 1,
			"delay":      delay.String(),
		}).Warn("transient failure, backing off")
		if err := e.sleep(ctx, delay); err != nil {
			return err
		}
	}

	return fmt.Errorf("%w after %d attempts: %v", ErrRetryBudgetExhausted, e.cfg.MaxRetries+1, lastErr)
}

// Delay is the pre-jitter backoff for a 0-indexed attempt:
// base*factor^attempt, capped at max.
func Delay(base, max time.Duration, factor float64, attempt int) time.Duration {
	d := time.Duration(float64(base) * math.Pow(factor, float64(attempt)))
	if d > max || d <= 0 {
		d = max
	}
	return d
}

func (e *Executor) withJitter(d time.Duration) time.Duration {
	frac := e.cfg.JitterFraction
	if frac <= 0 {
		return d
	}
	// rand.Rand is not goroutine safe; Do runs on every worker.
	e.rngMu.Lock()
	roll := e.rng.Float64()
	e.rngMu.Unlock()
	span := float64(d) * frac
	jittered := float64(d) + (roll*2-1)*span
	if jittered < 0 {
		return 0
	}
	return time.Duration(jittered)
}

func (e *Executor) cooldownActive(ctx context.Context, dependency string) (bool, time.Time, error) {
	value, ok, err := e.status.GetSystemStatus(ctx, cooldownKey(dependency))
	if err != nil {
		return false, time.Time{}, fmt.Errorf("read cooldown: %w", err)
	}
	if !ok {
		return false, time.Time{}, nil
	}
	until, err := time.Parse(time.RFC3339, value)
	if err != nil {
		return false, time.Time{}, nil
	}
	return e.now().Before(until), until, nil
}

func (e *Executor) startCooldown(ctx context.Context, dependency string) error {
	until := e.now().Add(e.cfg.Cooldown)
	if err := e.status.SetSystemStatus(ctx, cooldownKey(dependency), until.UTC().Format(time.RFC3339)); err != nil {
		return fmt.Errorf("record cooldown: %w", err)
	}
	if err := e.status.SetSystemStatus(ctx, StatusKeyLastErrorCode, "RATE_LIMIT"); err != nil {
		return err
	}
	if err := e.status.SetSystemStatus(ctx, StatusKeyLastErrorAction, "cooldown"); err != nil {
		return err
	}
	e.log.WithFields(logrus.Fields{"dependency": dependency, "until": until}).
		Warn("remote rate limit, cooldown started")
	return nil
}

func (e *Executor) markNeedsAction(ctx context.Context, cause error) error {
	if err := e.status.SetSystemStatus(ctx, StatusKeyLastErrorCode, "AUTH_ERROR"); err != nil {
		return err
	}
	if err := e.status.SetSystemStatus(ctx, StatusKeyLastErrorAction, "needs_action"); err != nil {
		return err
	}
	e.log.WithError(cause).Error("auth failure, manual action required")
	return nil
}

func cooldownKey(dependency string) string {
	return StatusKeyCooldownUntil + ":" + dependency
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
