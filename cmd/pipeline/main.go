package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"publication-pipeline/internal/config"
	"publication-pipeline/internal/dedup"
	"publication-pipeline/internal/execute"
	"publication-pipeline/internal/lifecycle"
	"publication-pipeline/internal/logging"
	"publication-pipeline/internal/media"
	"publication-pipeline/internal/pipeline"
	"publication-pipeline/internal/platform"
	"publication-pipeline/internal/ratelimit"
	"publication-pipeline/internal/runlock"
	"publication-pipeline/internal/slots"
	"publication-pipeline/internal/store"
	"publication-pipeline/internal/telemetry"
)

func main() {
	var (
		runNow       = flag.Bool("run", false, "perform a single run and exit, ignoring RUN_INTERVAL")
		scheduleOnly = flag.Bool("schedule-only", false, "assign slots without publishing, then exit")
		scheduleDays = flag.Int("schedule-days", 0, "override the scheduling horizon in days")
		limit        = flag.Int("limit", 0, "override the per-run item batch limit")
	)
	flag.Parse()

	cfg := config.Load()
	if *scheduleDays > 0 {
		cfg.ScheduleHorizonDays = *scheduleDays
	}
	if *limit > 0 {
		cfg.RunBatchLimit = *limit
	}
	log := logging.New("pipeline")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
		<-ch
		log.Info("shutdown signal received")
		cancel()
	}()

	st, err := store.New(ctx, cfg.PostgresDSN)
	if err != nil {
		log.WithError(err).Fatal("connect postgres")
	}
	defer st.Close()

	if err := st.RunMigrations(ctx); err != nil {
		log.WithError(err).Fatal("migrations")
	}

	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	defer redisClient.Close()

	policy := config.DefaultSchedulePolicy()
	if cfg.SchedulePolicyPath != "" {
		policy, err = config.LoadSchedulePolicy(cfg.SchedulePolicyPath)
		if err != nil {
			log.WithError(err).Fatal("load schedule policy")
		}
	}

	guard := lifecycle.NewGuard(st, log)
	detector := dedup.NewDetector(st, cfg.DedupCooldown, cfg.DedupMaxSimilarity, log)
	limiter := ratelimit.NewLimiter(redisClient, st, cfg.RateLimitWindow, cfg.EngagementFloor, cfg.EngagementLookback, log)

	executor := execute.NewExecutor(execute.Config{
		MaxRetries:     cfg.MaxRetries,
		BackoffBase:    cfg.BackoffBase,
		BackoffMax:     cfg.BackoffMax,
		BackoffFactor:  cfg.BackoffFactor,
		JitterFraction: cfg.JitterFraction,
		CallTimeout:    cfg.HTTPTimeout,
		Cooldown:       cfg.RateLimitCooldown,
		Breaker: execute.BreakerConfig{
			FailureThreshold: cfg.BreakerFailureThreshold,
			SuccessThreshold: cfg.BreakerSuccessThreshold,
			RecoveryTimeout:  cfg.BreakerRecoveryTimeout,
		},
	}, st, st, log)

	publisher := platform.NewClient(cfg.PlatformBaseURL, cfg.PlatformPageID, cfg.PlatformToken, cfg.HTTPTimeout)

	var renditions media.Uploader
	var s3store *media.S3Store
	if cfg.MediaS3Bucket != "" {
		s3store, err = media.NewS3Store(ctx, media.S3Options{
			Bucket:    cfg.MediaS3Bucket,
			Region:    cfg.MediaS3Region,
			Endpoint:  cfg.MediaS3Endpoint,
			PathStyle: cfg.MediaS3PathStyle,
			PublicURL: cfg.MediaPublicURL,
		})
		if err != nil {
			log.WithError(err).Fatal("init s3 media store")
		}
		renditions = s3store
	} else {
		renditions, err = media.NewLocalStore(cfg.MediaOutputDir)
		if err != nil {
			log.WithError(err).Fatal("init local media store")
		}
	}
	fetcher := media.NewFetcher(cfg.MediaDownloadTimeout, s3store)
	attacher := media.NewAttacher(st, guard, executor, fetcher, renditions, cfg.MediaMaxWidth, log)

	scheduler := slots.NewScheduler(policy, nil, log)

	// The flock backend is preferred: the kernel cleans up after a crash.
	// Platforms without flock fall back to the heartbeat row in Postgres.
	var lock runlock.ExclusiveLock
	if fl, err := runlock.NewFileLock(cfg.LockFile); err == nil {
		lock = fl
	} else if errors.Is(err, runlock.ErrUnsupported) {
		lock = runlock.NewHeartbeatLock(st, cfg.LockTTL, cfg.LockHeartbeat, log)
	} else {
		log.WithError(err).Fatal("init run lock")
	}

	runner := pipeline.NewRunner(cfg, st, guard, detector, limiter, executor, publisher, attacher, scheduler, lock, log)

	go func() {
		if err := http.ListenAndServe(cfg.MetricsAddr, telemetry.Handler()); err != nil {
			log.WithError(err).Warn("metrics server stopped")
		}
	}()

	if *scheduleOnly {
		n, err := runner.ScheduleHorizon(ctx, cfg.ScheduleHorizonDays)
		if err != nil && !errors.Is(err, context.Canceled) {
			log.WithError(err).Fatal("schedule failed")
		}
		log.WithField("scheduled", n).Info("slots assigned")
		return
	}

	if *runNow || cfg.RunInterval <= 0 {
		runOnce(ctx, runner, log)
		return
	}

	log.WithField("interval", cfg.RunInterval.String()).Info("pipeline started")
	ticker := time.NewTicker(cfg.RunInterval)
	defer ticker.Stop()
	runOnce(ctx, runner, log)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			runOnce(ctx, runner, log)
		}
	}
}

func runOnce(ctx context.Context, runner *pipeline.Runner, log *logrus.Entry) {
	if _, err := runner.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		log.WithError(err).Error("run failed")
	}
}
