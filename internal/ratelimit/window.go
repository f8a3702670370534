// Package ratelimit enforces per-account publish quotas over a rolling
// window, with the quota derived from account maturity.
package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"publication-pipeline/internal/models"
)

// Account-age tier boundaries in days.
const (
	tierWeekDays    = 7
	tierMonthDays   = 30
	tierQuarterDays = 90
)

// DailyQuota returns the publish quota for an account of the given age.
// New accounts ramp up slowly to avoid platform flags.
func DailyQuota(ageDays int) int {
	switch {
	case ageDays < tierWeekDays:
		return 2
	case ageDays < tierMonthDays:
		return 3
	case ageDays < tierQuarterDays:
		return 5
	default:
		return 8
	}
}

// Repository is the slice of the store the limiter reads.
type Repository interface {
	FirstPublishedAt(ctx context.Context, accountID string) (*time.Time, error)
	PublishedSince(ctx context.Context, accountID string, since time.Time) ([]models.Publication, error)
	RecentPublications(ctx context.Context, accountID string, limit int) ([]models.Publication, error)
}

// Decision is the limiter's answer. When not allowed, Wait is how long until
// the oldest counted publish exits the window (or the health pause elapses).
type Decision struct {
	Allowed bool          `json:"allowed"`
	Quota   int           `json:"quota"`
	Used    int           `json:"used"`
	Wait    time.Duration `json:"wait"`
	Reason  string        `json:"reason,omitempty"`
	AgeDays int           `json:"age_days"`
}

// Limiter keeps the rolling publish window in Redis so quota state survives
// restarts and spans invocations. Quota is consumed only after a confirmed
// success; admissions granted but not yet confirmed are tracked in-process so
// concurrent workers cannot overshoot the cap between check and consume. The
// run lock keeps admission single-process.
type Limiter struct {
	client          *redis.Client
	repo            Repository
	window          time.Duration
	engagementFloor float64
	lookbackPosts   int
	now             func() time.Time
	log             *logrus.Entry

	mu       sync.Mutex
	inflight map[string]int
}

func NewLimiter(client *redis.Client, repo Repository, window time.Duration, engagementFloor float64, lookbackPosts int, log *logrus.Entry) *Limiter {
	if lookbackPosts <= 0 {
		lookbackPosts = 5
	}
	return &Limiter{
		client:          client,
		repo:            repo,
		window:          window,
		engagementFloor: engagementFloor,
		lookbackPosts:   lookbackPosts,
		now:             time.Now,
		log:             log,
		inflight:        make(map[string]int),
	}
}

func windowKey(accountID string) string {
	return fmt.Sprintf("ratelimit:window:%s", accountID)
}

// CanPublish checks quota and engagement health before an external call. An
// allowed decision reserves one admission; the reservation is settled by
// RecordSuccess or returned by Release.
func (l *Limiter) CanPublish(ctx context.Context, accountID string) (Decision, error) {
	ageDays, err := l.accountAgeDays(ctx, accountID)
	if err != nil {
		return Decision{}, err
	}
	quota := DailyQuota(ageDays)

	now := l.now()
	res, err := windowScript.Run(ctx, l.client, []string{windowKey(accountID)},
		quota, now.UnixMilli(), l.window.Milliseconds()).Result()
	if err != nil {
		return Decision{}, fmt.Errorf("rate limit window check: %w", err)
	}
	arr, ok := res.([]interface{})
	if !ok || len(arr) < 3 {
		return Decision{}, fmt.Errorf("unexpected rate limit script result: %v", res)
	}
	allowed := arr[0].(int64) == 1
	used := int(arr[1].(int64))
	waitMillis := arr[2].(int64)

	decision := Decision{
		Allowed: allowed,
		Quota:   quota,
		Used:    used,
		Wait:    time.Duration(waitMillis) * time.Millisecond,
		AgeDays: ageDays,
	}
	if !allowed {
		decision.Reason = fmt.Sprintf("daily limit reached (%d/%d)", used, quota)
		return decision, nil
	}

	healthy, rate, err := l.engagementHealthy(ctx, accountID)
	if err != nil {
		return Decision{}, err
	}
	if !healthy {
		decision.Allowed = false
		decision.Wait = 24 * time.Hour
		decision.Reason = fmt.Sprintf("engagement %.2f%% below floor %.2f%%, pausing", rate, l.engagementFloor)
		l.log.WithField("engagement", rate).Warn("publishing paused on low engagement")
		return decision, nil
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if used+l.inflight[accountID] >= quota {
		decision.Allowed = false
		decision.Used = used + l.inflight[accountID]
		decision.Wait = time.Minute
		decision.Reason = fmt.Sprintf("daily limit reserved by in-flight publishes (%d/%d)", decision.Used, quota)
		return decision, nil
	}
	l.inflight[accountID]++
	return decision, nil
}

// Release returns an admission reserved by CanPublish after a publish that
// never succeeded.
func (l *Limiter) Release(accountID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.inflight[accountID] > 0 {
		l.inflight[accountID]--
	}
}

// RecordSuccess consumes quota after a confirmed publish and settles the
// reservation taken by CanPublish. Failed attempts never reach here.
func (l *Limiter) RecordSuccess(ctx context.Context, accountID string, at time.Time) error {
	key := windowKey(accountID)
	pipe := l.client.TxPipeline()
	pipe.ZAdd(ctx, key, redis.Z{Score: float64(at.UnixMilli()), Member: at.UnixNano()})
	pipe.PExpire(ctx, key, l.window)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("record publish in window: %w", err)
	}
	l.Release(accountID)
	return nil
}

// Rebuild re-seeds the window from the publications table. Called when the
// window key is empty so a flushed cache cannot unlock extra quota.
func (l *Limiter) Rebuild(ctx context.Context, accountID string) error {
	key := windowKey(accountID)
	n, err := l.client.ZCard(ctx, key).Result()
	if err != nil {
		return fmt.Errorf("inspect window: %w", err)
	}
	if n > 0 {
		return nil
	}

	pubs, err := l.repo.PublishedSince(ctx, accountID, l.now().Add(-l.window))
	if err != nil {
		return fmt.Errorf("load publications for rebuild: %w", err)
	}
	if len(pubs) == 0 {
		return nil
	}

	pipe := l.client.TxPipeline()
	for _, pub := range pubs {
		pipe.ZAdd(ctx, key, redis.Z{Score: float64(pub.PublishedAt.UnixMilli()), Member: pub.ID})
	}
	pipe.PExpire(ctx, key, l.window)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("rebuild window: %w", err)
	}
	l.log.WithField("publications", len(pubs)).Info("rebuilt rate limit window from repository")
	return nil
}

func (l *Limiter) accountAgeDays(ctx context.Context, accountID string) (int, error) {
	first, err := l.repo.FirstPublishedAt(ctx, accountID)
	if err != nil {
		return 0, fmt.Errorf("account age: %w", err)
	}
	if first == nil {
		return 0, nil
	}
	return int(l.now().Sub(*first).Hours() / 24), nil
}

// engagementHealthy averages engagement over the most recent posts. Accounts
// with no history or no reach data get the benefit of the doubt.
func (l *Limiter) engagementHealthy(ctx context.Context, accountID string) (bool, float64, error) {
	pubs, err := l.repo.RecentPublications(ctx, accountID, l.lookbackPosts)
	if err != nil {
		return false, 0, fmt.Errorf("engagement lookback: %w", err)
	}
	if len(pubs) == 0 {
		return true, 100, nil
	}

	var engagement, reach int
	for _, pub := range pubs {
		engagement += pub.Likes + pub.Comments + pub.Shares
		reach += pub.Reach
	}
	if reach == 0 {
		return true, 5, nil
	}
	rate := float64(engagement) / float64(reach) * 100
	return rate >= l.engagementFloor, rate, nil
}

// windowScript trims expired entries, then reports whether quota remains. On
// rejection it returns the wait until the oldest counted publish exits the
// window. Time comes from the caller, not Redis, so tests can control it.
var windowScript = redis.NewScript(`
local key = KEYS[1]
local quota = tonumber(ARGV[1])
local now = tonumber(ARGV[2])
local window = tonumber(ARGV[3])

redis.call('ZREMRANGEBYSCORE', key, '-inf', now - window)
local used = redis.call('ZCARD', key)

if used < quota then
  return {1, used, 0}
end

local oldest = redis.call('ZRANGE', key, 0, 0, 'WITHSCORES')
local wait = 0
if oldest[2] then
  wait = tonumber(oldest[2]) + window - now
  if wait < 0 then wait = 0 end
end
return {0, used, wait}
`)
