// Package pipeline orchestrates one publishing run: exclusive-lock
// acquisition, recovery of stuck items, media attach, slot assignment, and
// the guarded publish of everything due.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"publication-pipeline/internal/config"
	"publication-pipeline/internal/dedup"
	"publication-pipeline/internal/execute"
	"publication-pipeline/internal/lifecycle"
	"publication-pipeline/internal/media"
	"publication-pipeline/internal/models"
	"publication-pipeline/internal/ratelimit"
	"publication-pipeline/internal/runlock"
	"publication-pipeline/internal/slots"
	"publication-pipeline/internal/telemetry"
)

const publishDependency = "platform-publish"

// Repository is the slice of the store the runner drives.
type Repository interface {
	GetDue(ctx context.Context, status string, before time.Time, limit int) ([]models.ContentItem, error)
	GetByStatus(ctx context.Context, status string, limit int) ([]models.ContentItem, error)
	RecordPublication(ctx context.Context, pub models.Publication) error
	SweepStuckPublishing(ctx context.Context, olderThan time.Duration, retryAt time.Time) (int64, error)
	SetSystemStatus(ctx context.Context, key, value string) error
}

// Publisher sends one post to the platform and returns the external post id.
type Publisher interface {
	PublishText(ctx context.Context, message string) (string, error)
	PublishPhoto(ctx context.Context, message, imageRef string) (string, error)
}

// Runner executes publishing runs. Exactly one runner may work at a time;
// the exclusive lock enforces that across processes.
type Runner struct {
	cfg       config.Config
	repo      Repository
	guard     *lifecycle.Guard
	detector  *dedup.Detector
	limiter   *ratelimit.Limiter
	executor  *execute.Executor
	publisher Publisher
	attacher  *media.Attacher
	scheduler *slots.Scheduler
	lock      runlock.ExclusiveLock
	now       func() time.Time
	log       *logrus.Entry
}

func NewRunner(
	cfg config.Config,
	repo Repository,
	guard *lifecycle.Guard,
	detector *dedup.Detector,
	limiter *ratelimit.Limiter,
	executor *execute.Executor,
	publisher Publisher,
	attacher *media.Attacher,
	scheduler *slots.Scheduler,
	lock runlock.ExclusiveLock,
	log *logrus.Entry,
) *Runner {
	return &Runner{
		cfg:       cfg,
		repo:      repo,
		guard:     guard,
		detector:  detector,
		limiter:   limiter,
		executor:  executor,
		publisher: publisher,
		attacher:  attacher,
		scheduler: scheduler,
		lock:      lock,
		now:       time.Now,
		log:       log,
	}
}

// RunResult summarizes one run for the API and logs.
type RunResult struct {
	Attached   int `json:"attached"`
	Scheduled  int `json:"scheduled"`
	Due        int `json:"due"`
	Published  int `json:"published"`
	Retried    int `json:"retried"`
	Failed     int `json:"failed"`
	Deferred   int `json:"deferred"`
	Duplicates int `json:"duplicates"`
	Recovered  int `json:"recovered"`
}

// Run performs one full pass. If another instance holds the lock the run
// aborts immediately with ErrLockHeld and touches nothing.
func (r *Runner) Run(ctx context.Context) (RunResult, error) {
	if err := r.lock.Acquire(ctx); err != nil {
		if errors.Is(err, runlock.ErrLockHeld) {
			telemetry.LockContention.Inc()
			r.log.Warn("another instance holds the run lock, aborting")
		}
		return RunResult{}, err
	}
	defer func() {
		releaseCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := r.lock.Release(releaseCtx); err != nil {
			r.log.WithError(err).Warn("run lock release failed")
		}
	}()

	started := r.now()
	defer func() { telemetry.RunDuration.Observe(r.now().Sub(started).Seconds()) }()

	var res RunResult

	// A crashed run can strand items in publishing; push them back to
	// retry_scheduled before picking up new work.
	recovered, err := r.repo.SweepStuckPublishing(ctx, r.cfg.PublishingStuckTimeout, r.now())
	if err != nil {
		return res, fmt.Errorf("sweep stuck publishing: %w", err)
	}
	res.Recovered = int(recovered)
	if recovered > 0 {
		r.log.WithField("items", recovered).Warn("recovered items stuck in publishing")
	}

	if err := r.limiter.Rebuild(ctx, r.cfg.AccountID); err != nil {
		return res, err
	}

	if r.attacher != nil {
		attached, err := r.attacher.AttachPending(ctx, r.cfg.RunBatchLimit)
		if err != nil {
			return res, err
		}
		res.Attached = attached
	}

	scheduled, err := r.assignSlots(ctx, r.cfg.ScheduleHorizonDays)
	if err != nil {
		return res, err
	}
	res.Scheduled = scheduled

	if err := r.publishDue(ctx, &res); err != nil {
		return res, err
	}

	_ = r.repo.SetSystemStatus(ctx, "last_run_at", r.now().UTC().Format(time.RFC3339))
	r.log.WithFields(logrus.Fields{
		"published": res.Published,
		"retried":   res.Retried,
		"failed":    res.Failed,
		"deferred":  res.Deferred,
	}).Info("run complete")
	return res, nil
}

// ScheduleHorizon assigns slots without publishing anything. It takes the
// same exclusive lock as Run, so it is safe to trigger while cron is active.
// Days <= 0 falls back to the configured horizon.
func (r *Runner) ScheduleHorizon(ctx context.Context, days int) (int, error) {
	if err := r.lock.Acquire(ctx); err != nil {
		if errors.Is(err, runlock.ErrLockHeld) {
			telemetry.LockContention.Inc()
			r.log.Warn("another instance holds the run lock, aborting")
		}
		return 0, err
	}
	defer func() {
		releaseCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := r.lock.Release(releaseCtx); err != nil {
			r.log.WithError(err).Warn("run lock release failed")
		}
	}()

	if days <= 0 {
		days = r.cfg.ScheduleHorizonDays
	}
	if r.attacher != nil {
		if _, err := r.attacher.AttachPending(ctx, r.cfg.RunBatchLimit); err != nil {
			return 0, err
		}
	}
	return r.assignSlots(ctx, days)
}

// assignSlots moves prepared items toward scheduled. When approval is
// required, unapproved items park in waiting_approval; items approved since
// the last run are released with a slot of their own.
func (r *Runner) assignSlots(ctx context.Context, horizonDays int) (int, error) {
	items, err := r.repo.GetByStatus(ctx, models.StatusMediaReady, r.cfg.RunBatchLimit)
	if err != nil {
		return 0, fmt.Errorf("list media_ready items: %w", err)
	}
	waiting, err := r.repo.GetByStatus(ctx, models.StatusWaitingApproval, r.cfg.RunBatchLimit)
	if err != nil {
		return 0, fmt.Errorf("list waiting_approval items: %w", err)
	}

	ready := items[:0]
	for _, item := range items {
		if r.cfg.ApprovalRequired && !item.Approved {
			if _, err := r.guard.Move(ctx, item.ID, models.StatusMediaReady, models.StatusWaitingApproval, lifecycle.Updates{}); err != nil {
				return 0, err
			}
			continue
		}
		ready = append(ready, item)
	}
	for _, item := range waiting {
		if item.Approved {
			ready = append(ready, item)
		}
	}
	if len(ready) == 0 {
		return 0, nil
	}

	generated, err := r.scheduler.Generate(r.now(), horizonDays, len(ready))
	if err != nil {
		return 0, fmt.Errorf("generate slots: %w", err)
	}
	telemetry.SlotsGenerated.Add(float64(len(generated)))

	assigned := 0
	for _, item := range ready {
		slot, ok := takeSlot(&generated, item.PostType)
		if !ok {
			r.log.WithField("item", item.ID).Warn("no slot available in horizon, leaving for next run")
			continue
		}
		at := slot.ScheduledTime
		tz := slot.SourceTimezone
		prio := slot.Priority
		moved, err := r.guard.Move(ctx, item.ID, item.Status, models.StatusScheduled, lifecycle.Updates{
			ScheduledAt:    &at,
			SourceTimezone: &tz,
			Priority:       &prio,
		})
		if err != nil {
			return assigned, err
		}
		if moved {
			assigned++
		}
	}
	return assigned, nil
}

// takeSlot pops the earliest slot matching the post type, falling back to the
// earliest of any type so an imbalanced batch still schedules.
func takeSlot(generated *[]models.ScheduleSlot, postType string) (models.ScheduleSlot, bool) {
	slotsLeft := *generated
	for i, s := range slotsLeft {
		if s.PostType == postType {
			*generated = append(slotsLeft[:i], slotsLeft[i+1:]...)
			return s, true
		}
	}
	if len(slotsLeft) == 0 {
		return models.ScheduleSlot{}, false
	}
	s := slotsLeft[0]
	*generated = slotsLeft[1:]
	return s, true
}

// publishDue processes everything whose time has come, retries first so a
// backlog cannot starve them.
func (r *Runner) publishDue(ctx context.Context, res *RunResult) error {
	now := r.now()
	due, err := r.repo.GetDue(ctx, models.StatusRetryScheduled, now, r.cfg.RunBatchLimit)
	if err != nil {
		return fmt.Errorf("list due retries: %w", err)
	}
	scheduled, err := r.repo.GetDue(ctx, models.StatusScheduled, now, r.cfg.RunBatchLimit)
	if err != nil {
		return fmt.Errorf("list due scheduled: %w", err)
	}
	due = append(due, scheduled...)
	res.Due = len(due)
	telemetry.DueItemsGauge.Set(float64(len(due)))
	if len(due) == 0 {
		return nil
	}

	workers := r.cfg.RunWorkers
	if workers <= 0 {
		workers = 1
	}
	if workers > len(due) {
		workers = len(due)
	}

	var mu sync.Mutex
	var wg sync.WaitGroup
	work := make(chan models.ContentItem)

	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for item := range work {
				outcome := r.processItem(ctx, item)
				mu.Lock()
				switch outcome {
				case outcomePublished:
					res.Published++
				case outcomeRetried:
					res.Retried++
				case outcomeFailed:
					res.Failed++
				case outcomeDeferred:
					res.Deferred++
				case outcomeDuplicate:
					res.Duplicates++
					res.Failed++
				}
				mu.Unlock()
			}
		}()
	}

	for _, item := range due {
		select {
		case <-ctx.Done():
			close(work)
			wg.Wait()
			return ctx.Err()
		case work <- item:
		}
	}
	close(work)
	wg.Wait()
	return nil
}

type outcome int

const (
	outcomeSkipped outcome = iota
	outcomePublished
	outcomeRetried
	outcomeFailed
	outcomeDeferred
	outcomeDuplicate
)

// processItem drives one item through publishing. Every path out of the
// publishing state goes through the guard; losing any CAS race means another
// worker owns the item and we walk away.
func (r *Runner) processItem(ctx context.Context, item models.ContentItem) outcome {
	log := r.log.WithField("item", item.ID)

	moved, err := r.guard.Move(ctx, item.ID, item.Status, models.StatusPublishing, lifecycle.Updates{})
	if err != nil {
		log.WithError(err).Error("claim for publishing failed")
		return outcomeSkipped
	}
	if !moved {
		return outcomeSkipped
	}

	// Duplicate checks run before any network call so a duplicate never
	// costs quota or an API hit.
	dup, err := r.detector.Check(ctx, item.AccountID, item.ContentHash, item.Fingerprint)
	if err != nil {
		return r.retryLater(ctx, item, r.backoff(item.RetryCount), err, log)
	}
	if dup.Duplicate {
		telemetry.DuplicatesRejected.Inc()
		r.fail(ctx, item, fmt.Errorf("duplicate content: %s", dup.Reason), log)
		return outcomeDuplicate
	}

	decision, err := r.limiter.CanPublish(ctx, item.AccountID)
	if err != nil {
		return r.retryLater(ctx, item, r.backoff(item.RetryCount), err, log)
	}
	if !decision.Allowed {
		telemetry.RateLimitDeferrals.Inc()
		log.WithFields(logrus.Fields{"reason": decision.Reason, "wait": decision.Wait.String()}).
			Info("publish deferred by rate limiter")
		return r.park(ctx, item, decision.Wait, decision.Reason, log)
	}

	var postID string
	err = r.executor.Do(ctx, publishDependency, func(callCtx context.Context) error {
		var perr error
		postID, perr = r.publish(callCtx, item)
		return perr
	})
	if err != nil {
		return r.handlePublishError(ctx, item, err, log)
	}

	publishedAt := r.now()
	if err := r.repo.RecordPublication(ctx, models.Publication{
		ContentID:      item.ID,
		AccountID:      item.AccountID,
		PlatformPostID: postID,
		ContentHash:    item.ContentHash,
		Fingerprint:    item.Fingerprint,
		PublishedAt:    publishedAt,
	}); err != nil {
		// The post is live but unrecorded. Surface loudly rather than
		// retrying, which would double-post.
		log.WithError(err).WithField("post_id", postID).Error("publication record failed after live post")
	}
	if err := r.limiter.RecordSuccess(ctx, item.AccountID, publishedAt); err != nil {
		log.WithError(err).Warn("rate limit window update failed")
	}

	if _, err := r.guard.Move(ctx, item.ID, models.StatusPublishing, models.StatusPublished, lifecycle.Updates{
		PlatformPostID: &postID,
	}); err != nil {
		log.WithError(err).Error("publish CAS failed after live post")
		return outcomeSkipped
	}

	telemetry.Published.Inc()
	log.WithField("post_id", postID).Info("published")
	return outcomePublished
}

func (r *Runner) publish(ctx context.Context, item models.ContentItem) (string, error) {
	if item.PostType == models.PostTypePhoto {
		if item.ImageRef == nil || *item.ImageRef == "" {
			return "", execute.NonRetryable(fmt.Errorf("photo item %s has no rendition", item.ID))
		}
		return r.publisher.PublishPhoto(ctx, item.Body, *item.ImageRef)
	}
	return r.publisher.PublishText(ctx, item.Body)
}

// handlePublishError maps the error taxonomy onto the state machine. The
// quota admission reserved before the call goes back first since nothing was
// published.
func (r *Runner) handlePublishError(ctx context.Context, item models.ContentItem, err error, log *logrus.Entry) outcome {
	r.limiter.Release(item.AccountID)
	switch {
	case errors.Is(err, execute.ErrBreakerOpen), errors.Is(err, execute.ErrCooldownActive):
		// Not this item's fault; park it without spending retry budget.
		return r.park(ctx, item, r.cfg.BreakerRecoveryTimeout, err.Error(), log)
	case errors.Is(err, execute.ErrRetryBudgetExhausted):
		r.fail(ctx, item, err, log)
		return outcomeFailed
	}

	switch execute.Classification(err) {
	case execute.KindRateLimited:
		// The executor already started the durable cooldown; line the item
		// up for when it expires.
		return r.park(ctx, item, r.cfg.RateLimitCooldown, err.Error(), log)
	case execute.KindAuth, execute.KindNonRetryable:
		r.fail(ctx, item, err, log)
		return outcomeFailed
	}

	retryCount := item.RetryCount + 1
	if retryCount > item.MaxRetries {
		r.fail(ctx, item, err, log)
		return outcomeFailed
	}
	return r.retryLater(ctx, item, r.backoff(item.RetryCount), err, log)
}

func (r *Runner) backoff(retryCount int) time.Duration {
	return execute.Delay(r.cfg.BackoffBase, r.cfg.BackoffMax, r.cfg.BackoffFactor, retryCount)
}

// retryLater moves the item back to retry_scheduled with an incremented
// retry count.
func (r *Runner) retryLater(ctx context.Context, item models.ContentItem, wait time.Duration, cause error, log *logrus.Entry) outcome {
	retryCount := item.RetryCount + 1
	if retryCount > item.MaxRetries {
		r.fail(ctx, item, cause, log)
		return outcomeFailed
	}
	next := r.now().Add(wait)
	msg := cause.Error()
	if _, err := r.guard.Move(ctx, item.ID, models.StatusPublishing, models.StatusRetryScheduled, lifecycle.Updates{
		NextRetryAt: &next,
		RetryCount:  &retryCount,
		LastError:   &msg,
	}); err != nil {
		log.WithError(err).Error("retry CAS failed")
		return outcomeSkipped
	}
	telemetry.Retries.Inc()
	log.WithFields(logrus.Fields{"retry": retryCount, "next": next.UTC().Format(time.RFC3339)}).
		Warn("publish failed, retry scheduled")
	return outcomeRetried
}

// park moves the item back to retry_scheduled without touching its retry
// count. Deferrals are capacity decisions, not failures.
func (r *Runner) park(ctx context.Context, item models.ContentItem, wait time.Duration, reason string, log *logrus.Entry) outcome {
	if wait <= 0 {
		wait = time.Minute
	}
	next := r.now().Add(wait)
	count := item.RetryCount
	if _, err := r.guard.Move(ctx, item.ID, models.StatusPublishing, models.StatusRetryScheduled, lifecycle.Updates{
		NextRetryAt: &next,
		RetryCount:  &count,
		LastError:   &reason,
	}); err != nil {
		log.WithError(err).Error("defer CAS failed")
		return outcomeSkipped
	}
	return outcomeDeferred
}

func (r *Runner) fail(ctx context.Context, item models.ContentItem, cause error, log *logrus.Entry) {
	msg := cause.Error()
	if _, err := r.guard.Move(ctx, item.ID, models.StatusPublishing, models.StatusFailed, lifecycle.Updates{
		LastError: &msg,
	}); err != nil {
		log.WithError(err).Error("fail CAS failed")
		return
	}
	telemetry.PublishFailures.Inc()
	log.WithField("cause", msg).Error("item failed terminally")
}
