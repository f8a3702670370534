package pipeline

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"publication-pipeline/internal/config"
	"publication-pipeline/internal/dedup"
	"publication-pipeline/internal/execute"
	"publication-pipeline/internal/lifecycle"
	"publication-pipeline/internal/models"
	"publication-pipeline/internal/ratelimit"
	"publication-pipeline/internal/runlock"
	"publication-pipeline/internal/slots"
)

// fakeStore implements every repository slice the runner's collaborators
// need, with CAS semantics matching the Postgres store.
type fakeStore struct {
	mu       sync.Mutex
	items    map[string]*models.ContentItem
	pubs     []models.Publication
	status   map[string]string
	breakers map[string]models.BreakerState
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		items:    make(map[string]*models.ContentItem),
		status:   make(map[string]string),
		breakers: make(map[string]models.BreakerState),
	}
}

func (f *fakeStore) add(item models.ContentItem) {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := item
	f.items[item.ID] = &cp
}

func (f *fakeStore) get(id string) models.ContentItem {
	f.mu.Lock()
	defer f.mu.Unlock()
	return *f.items[id]
}

func (f *fakeStore) GetDue(ctx context.Context, status string, before time.Time, limit int) ([]models.ContentItem, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []models.ContentItem
	for _, item := range f.items {
		if item.Status != status || len(out) >= limit {
			continue
		}
		switch status {
		case models.StatusRetryScheduled:
			if item.NextRetryAt != nil && !item.NextRetryAt.After(before) {
				out = append(out, *item)
			}
		default:
			if item.ScheduledAt != nil && !item.ScheduledAt.After(before) {
				out = append(out, *item)
			}
		}
	}
	return out, nil
}

func (f *fakeStore) GetByStatus(ctx context.Context, status string, limit int) ([]models.ContentItem, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []models.ContentItem
	for _, item := range f.items {
		if item.Status == status && len(out) < limit {
			out = append(out, *item)
		}
	}
	return out, nil
}

func (f *fakeStore) CompareAndSwapStatus(ctx context.Context, id, expected, next string, upd lifecycle.Updates) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	item, ok := f.items[id]
	if !ok || item.Status != expected {
		return false, nil
	}
	item.Status = next
	item.NextRetryAt = upd.NextRetryAt
	if upd.RetryCount != nil {
		item.RetryCount = *upd.RetryCount
	}
	if upd.PlatformPostID != nil {
		item.PlatformPostID = upd.PlatformPostID
	}
	if upd.LastError != nil {
		item.LastError = upd.LastError
		now := time.Now()
		item.LastErrorAt = &now
	}
	if upd.ScheduledAt != nil {
		item.ScheduledAt = upd.ScheduledAt
	}
	if upd.SourceTimezone != nil {
		item.SourceTimezone = *upd.SourceTimezone
	}
	if upd.Priority != nil {
		item.Priority = *upd.Priority
	}
	item.UpdatedAt = time.Now()
	return true, nil
}

func (f *fakeStore) RecordPublication(ctx context.Context, pub models.Publication) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if pub.PublishedAt.IsZero() {
		pub.PublishedAt = time.Now()
	}
	f.pubs = append(f.pubs, pub)
	return nil
}

func (f *fakeStore) SweepStuckPublishing(ctx context.Context, olderThan time.Duration, retryAt time.Time) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	cutoff := time.Now().Add(-olderThan)
	var n int64
	for _, item := range f.items {
		if item.Status == models.StatusPublishing && item.UpdatedAt.Before(cutoff) {
			item.Status = models.StatusRetryScheduled
			at := retryAt
			item.NextRetryAt = &at
			n++
		}
	}
	return n, nil
}

func (f *fakeStore) SetSystemStatus(ctx context.Context, key, value string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.status[key] = value
	return nil
}

func (f *fakeStore) GetSystemStatus(ctx context.Context, key string) (string, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	v, ok := f.status[key]
	return v, ok, nil
}

func (f *fakeStore) HashEverPublished(ctx context.Context, hash string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, p := range f.pubs {
		if p.ContentHash == hash {
			return true, nil
		}
	}
	return false, nil
}

func (f *fakeStore) PublishedSince(ctx context.Context, accountID string, since time.Time) ([]models.Publication, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []models.Publication
	for _, p := range f.pubs {
		if p.AccountID == accountID && p.PublishedAt.After(since) {
			out = append(out, p)
		}
	}
	return out, nil
}

func (f *fakeStore) RecentPublications(ctx context.Context, accountID string, limit int) ([]models.Publication, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []models.Publication
	for i := len(f.pubs) - 1; i >= 0 && len(out) < limit; i-- {
		if f.pubs[i].AccountID == accountID {
			out = append(out, f.pubs[i])
		}
	}
	return out, nil
}

func (f *fakeStore) FirstPublishedAt(ctx context.Context, accountID string) (*time.Time, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var first *time.Time
	for _, p := range f.pubs {
		if p.AccountID != accountID {
			continue
		}
		at := p.PublishedAt
		if first == nil || at.Before(*first) {
			first = &at
		}
	}
	return first, nil
}

func (f *fakeStore) LoadBreaker(ctx context.Context, dependency string) (models.BreakerState, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	st, ok := f.breakers[dependency]
	if !ok {
		return models.BreakerState{Dependency: dependency, State: models.BreakerClosed}, nil
	}
	return st, nil
}

func (f *fakeStore) SaveBreaker(ctx context.Context, st models.BreakerState) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.breakers[st.Dependency] = st
	return nil
}

type fakeLock struct {
	held     bool
	acquires int
	releases int
}

func (l *fakeLock) Acquire(ctx context.Context) error {
	if l.held {
		return runlock.ErrLockHeld
	}
	l.acquires++
	return nil
}

func (l *fakeLock) Release(ctx context.Context) error {
	l.releases++
	return nil
}

type fakePublisher struct {
	mu     sync.Mutex
	calls  int
	err    error
	postID string
}

func (p *fakePublisher) PublishText(ctx context.Context, message string) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls++
	if p.err != nil {
		return "", p.err
	}
	return p.postID, nil
}

func (p *fakePublisher) PublishPhoto(ctx context.Context, message, imageRef string) (string, error) {
	return p.PublishText(ctx, message)
}

type fixture struct {
	runner    *Runner
	store     *fakeStore
	publisher *fakePublisher
	lock      *fakeLock
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	t.Cleanup(mr.Close)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})

	cfg := config.Config{
		AccountID:               "acct",
		MaxRetries:              3,
		BackoffBase:             time.Second,
		BackoffMax:              time.Minute,
		BackoffFactor:           2,
		BreakerFailureThreshold: 5,
		BreakerSuccessThreshold: 2,
		BreakerRecoveryTimeout:  time.Minute,
		RateLimitWindow:         24 * time.Hour,
		RateLimitCooldown:       24 * time.Hour,
		EngagementFloor:         0.5,
		EngagementLookback:      5,
		DedupCooldown:           72 * time.Hour,
		DedupMaxSimilarity:      0.80,
		RunWorkers:              1,
		RunBatchLimit:           10,
		PublishingStuckTimeout:  15 * time.Minute,
		ScheduleHorizonDays:     7,
	}

	log := logrus.NewEntry(logrus.New())
	st := newFakeStore()
	guard := lifecycle.NewGuard(st, log)
	detector := dedup.NewDetector(st, cfg.DedupCooldown, cfg.DedupMaxSimilarity, log)
	limiter := ratelimit.NewLimiter(client, st, cfg.RateLimitWindow, cfg.EngagementFloor, cfg.EngagementLookback, log)
	executor := execute.NewExecutor(execute.Config{
		MaxRetries:    cfg.MaxRetries,
		BackoffBase:   time.Millisecond,
		BackoffMax:    5 * time.Millisecond,
		BackoffFactor: cfg.BackoffFactor,
		Cooldown:      cfg.RateLimitCooldown,
		Breaker: execute.BreakerConfig{
			FailureThreshold: cfg.BreakerFailureThreshold,
			SuccessThreshold: cfg.BreakerSuccessThreshold,
			RecoveryTimeout:  cfg.BreakerRecoveryTimeout,
		},
	}, st, st, log)
	scheduler := slots.NewScheduler(config.DefaultSchedulePolicy(), rand.New(rand.NewSource(1)), log)
	publisher := &fakePublisher{postID: "post-1"}
	lock := &fakeLock{}

	runner := NewRunner(cfg, st, guard, detector, limiter, executor, publisher, nil, scheduler, lock, log)
	return &fixture{runner: runner, store: st, publisher: publisher, lock: lock}
}

func dueItem(id, body string) models.ContentItem {
	past := time.Now().Add(-time.Minute)
	return models.ContentItem{
		ID:          id,
		AccountID:   "acct",
		PostType:    models.PostTypeText,
		Body:        body,
		Status:      models.StatusScheduled,
		ContentHash: dedup.ContentHash(body),
		Fingerprint: dedup.Fingerprint(body),
		ScheduledAt: &past,
		MaxRetries:  3,
		CreatedAt:   time.Now().Add(-time.Hour),
		UpdatedAt:   time.Now().Add(-time.Hour),
	}
}

func TestRunPublishesDueItem(t *testing.T) {
	f := newFixture(t)
	f.store.add(dueItem("item-1", "first post body"))

	res, err := f.runner.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Published != 1 {
		t.Fatalf("expected 1 published, got %+v", res)
	}

	item := f.store.get("item-1")
	if item.Status != models.StatusPublished {
		t.Fatalf("status = %s", item.Status)
	}
	if item.PlatformPostID == nil || *item.PlatformPostID != "post-1" {
		t.Fatalf("platform post id = %v", item.PlatformPostID)
	}
	if len(f.store.pubs) != 1 {
		t.Fatalf("expected publication recorded, got %d", len(f.store.pubs))
	}
	if f.lock.acquires != 1 || f.lock.releases != 1 {
		t.Fatalf("lock acquire/release = %d/%d", f.lock.acquires, f.lock.releases)
	}
}

func TestRunAbortsOnLockContention(t *testing.T) {
	f := newFixture(t)
	f.lock.held = true
	f.store.add(dueItem("item-1", "first post body"))

	_, err := f.runner.Run(context.Background())
	if !errors.Is(err, runlock.ErrLockHeld) {
		t.Fatalf("expected ErrLockHeld, got %v", err)
	}
	if f.publisher.calls != 0 {
		t.Fatalf("publisher must not be called on contention")
	}
	if item := f.store.get("item-1"); item.Status != models.StatusScheduled {
		t.Fatalf("item must be untouched, status = %s", item.Status)
	}
}

func TestRunRejectsExactDuplicateWithoutNetworkCall(t *testing.T) {
	f := newFixture(t)
	item := dueItem("item-1", "already posted body")
	f.store.add(item)
	f.store.pubs = append(f.store.pubs, models.Publication{
		ID:          "p0",
		AccountID:   "acct",
		ContentHash: item.ContentHash,
		PublishedAt: time.Now().Add(-48 * time.Hour),
	})

	res, err := f.runner.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Duplicates != 1 {
		t.Fatalf("expected duplicate counted, got %+v", res)
	}
	if f.publisher.calls != 0 {
		t.Fatalf("duplicate must not reach the publisher")
	}
	got := f.store.get("item-1")
	if got.Status != models.StatusFailed {
		t.Fatalf("status = %s, want failed", got.Status)
	}
	if got.LastError == nil {
		t.Fatalf("expected duplicate reason recorded")
	}
}

func TestRunDefersWhenQuotaExhausted(t *testing.T) {
	f := newFixture(t)
	f.store.add(dueItem("item-1", "one more post"))

	// Account is 5 days old with quota 2 already spent inside the window.
	for i, age := range []time.Duration{2 * time.Hour, 3 * time.Hour} {
		f.store.pubs = append(f.store.pubs, models.Publication{
			ID:          string(rune('a' + i)),
			AccountID:   "acct",
			ContentHash: dedup.ContentHash(string(rune('x' + i))),
			PublishedAt: time.Now().Add(-age),
		})
	}
	f.store.pubs = append(f.store.pubs, models.Publication{
		ID:          "old",
		AccountID:   "acct",
		PublishedAt: time.Now().AddDate(0, 0, -5),
	})

	res, err := f.runner.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Deferred != 1 {
		t.Fatalf("expected deferral, got %+v", res)
	}
	if f.publisher.calls != 0 {
		t.Fatalf("deferred item must not reach the publisher")
	}

	got := f.store.get("item-1")
	if got.Status != models.StatusRetryScheduled {
		t.Fatalf("status = %s, want retry_scheduled", got.Status)
	}
	if got.NextRetryAt == nil || !got.NextRetryAt.After(time.Now()) {
		t.Fatalf("expected future next_retry_at, got %v", got.NextRetryAt)
	}
	if got.RetryCount != 0 {
		t.Fatalf("deferral must not consume retry budget, count = %d", got.RetryCount)
	}
}

func TestRunRateLimitedPublishParksItem(t *testing.T) {
	f := newFixture(t)
	f.store.add(dueItem("item-1", "throttled post"))
	f.publisher.err = execute.RateLimited(errors.New("code 4"))

	res, err := f.runner.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Deferred != 1 {
		t.Fatalf("expected deferral, got %+v", res)
	}
	if f.publisher.calls != 1 {
		t.Fatalf("rate limit must not retry, calls = %d", f.publisher.calls)
	}

	got := f.store.get("item-1")
	if got.Status != models.StatusRetryScheduled {
		t.Fatalf("status = %s", got.Status)
	}
	if got.RetryCount != 0 {
		t.Fatalf("rate limit must not consume retry budget")
	}
	// The durable cooldown must be in place for the next run.
	if _, ok, _ := f.store.GetSystemStatus(context.Background(), "cooldown_until:platform-publish"); !ok {
		t.Fatalf("expected durable cooldown recorded")
	}
}

func TestRunAuthFailureFailsItem(t *testing.T) {
	f := newFixture(t)
	f.store.add(dueItem("item-1", "bad token post"))
	f.publisher.err = execute.Auth(errors.New("code 190"))

	res, err := f.runner.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Failed != 1 {
		t.Fatalf("expected failure, got %+v", res)
	}
	got := f.store.get("item-1")
	if got.Status != models.StatusFailed {
		t.Fatalf("status = %s", got.Status)
	}
	if v, _, _ := f.store.GetSystemStatus(context.Background(), execute.StatusKeyLastErrorAction); v != "needs_action" {
		t.Fatalf("last_error_action = %q", v)
	}
}

func TestRunExhaustedRetriesFailItem(t *testing.T) {
	f := newFixture(t)
	f.store.add(dueItem("item-1", "flaky post"))
	f.publisher.err = execute.Transient(errors.New("gateway down"))

	res, err := f.runner.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Failed != 1 {
		t.Fatalf("expected terminal failure, got %+v", res)
	}
	// Initial attempt plus three retries inside the executor.
	if f.publisher.calls != 4 {
		t.Fatalf("expected 4 attempts, got %d", f.publisher.calls)
	}
	if got := f.store.get("item-1"); got.Status != models.StatusFailed {
		t.Fatalf("status = %s", got.Status)
	}
}

func TestRunAssignsSlotsToMediaReady(t *testing.T) {
	f := newFixture(t)
	item := dueItem("item-1", "prepared post")
	item.Status = models.StatusMediaReady
	item.ScheduledAt = nil
	f.store.add(item)

	res, err := f.runner.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Scheduled != 1 {
		t.Fatalf("expected 1 scheduled, got %+v", res)
	}
	got := f.store.get("item-1")
	if got.Status != models.StatusScheduled {
		t.Fatalf("status = %s", got.Status)
	}
	if got.ScheduledAt == nil || !got.ScheduledAt.After(time.Now()) {
		t.Fatalf("expected future slot, got %v", got.ScheduledAt)
	}
	if got.SourceTimezone == "" {
		t.Fatalf("expected source timezone assigned")
	}
}

func TestRunParksUnapprovedWhenApprovalRequired(t *testing.T) {
	f := newFixture(t)
	f.runner.cfg.ApprovalRequired = true
	item := dueItem("item-1", "needs review")
	item.Status = models.StatusMediaReady
	item.ScheduledAt = nil
	f.store.add(item)

	if _, err := f.runner.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if got := f.store.get("item-1"); got.Status != models.StatusWaitingApproval {
		t.Fatalf("status = %s, want waiting_approval", got.Status)
	}

	// Once approved, the next run assigns a slot.
	f.store.mu.Lock()
	f.store.items["item-1"].Approved = true
	f.store.mu.Unlock()

	if _, err := f.runner.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if got := f.store.get("item-1"); got.Status != models.StatusScheduled {
		t.Fatalf("status = %s, want scheduled", got.Status)
	}
}

func TestRunFailedPublishesReturnQuotaAdmissions(t *testing.T) {
	f := newFixture(t)
	// A fresh account has quota 2. Burn both admissions on failing items.
	f.store.add(dueItem("item-1", "first failing post"))
	f.store.add(dueItem("item-2", "second failing post"))
	f.publisher.err = execute.NonRetryable(errors.New("rejected payload"))

	res, err := f.runner.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Failed != 2 {
		t.Fatalf("expected both items failed, got %+v", res)
	}

	// Nothing was published, so the next run must still have full quota.
	f.publisher.err = nil
	f.store.add(dueItem("item-3", "healthy post"))

	res, err = f.runner.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Published != 1 {
		t.Fatalf("expected item-3 published with quota intact, got %+v", res)
	}
}

func TestScheduleHorizonAssignsWithoutPublishing(t *testing.T) {
	f := newFixture(t)
	prepared := dueItem("item-1", "prepared post")
	prepared.Status = models.StatusMediaReady
	prepared.ScheduledAt = nil
	f.store.add(prepared)
	f.store.add(dueItem("item-2", "already due post"))

	n, err := f.runner.ScheduleHorizon(context.Background(), 3)
	if err != nil {
		t.Fatalf("ScheduleHorizon: %v", err)
	}
	if n != 1 {
		t.Fatalf("scheduled = %d, want 1", n)
	}
	if f.publisher.calls != 0 {
		t.Fatalf("scheduling must not publish, calls = %d", f.publisher.calls)
	}

	got := f.store.get("item-1")
	if got.Status != models.StatusScheduled || got.ScheduledAt == nil {
		t.Fatalf("item-1 = %s (%v)", got.Status, got.ScheduledAt)
	}
	// The due item stays due for the next publishing run.
	if got := f.store.get("item-2"); got.Status != models.StatusScheduled {
		t.Fatalf("item-2 must be untouched, status = %s", got.Status)
	}
	if f.lock.acquires != 1 || f.lock.releases != 1 {
		t.Fatalf("lock acquire/release = %d/%d", f.lock.acquires, f.lock.releases)
	}
}

func TestRunRecoversStuckPublishing(t *testing.T) {
	f := newFixture(t)
	item := dueItem("item-1", "stranded post")
	item.Status = models.StatusPublishing
	item.UpdatedAt = time.Now().Add(-time.Hour)
	f.store.add(item)

	res, err := f.runner.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Recovered != 1 {
		t.Fatalf("expected recovery, got %+v", res)
	}
}
