package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"publication-pipeline/internal/api"
	"publication-pipeline/internal/config"
	"publication-pipeline/internal/dedup"
	"publication-pipeline/internal/execute"
	"publication-pipeline/internal/lifecycle"
	"publication-pipeline/internal/logging"
	"publication-pipeline/internal/pipeline"
	"publication-pipeline/internal/platform"
	"publication-pipeline/internal/ratelimit"
	"publication-pipeline/internal/runlock"
	"publication-pipeline/internal/slots"
	"publication-pipeline/internal/store"
)

func main() {
	cfg := config.Load()
	log := logging.New("api")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
		<-ch
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
	scheduler := slots.NewScheduler(policy, nil, log)

	// API-triggered runs share the same exclusion as the pipeline binary, so
	// a triggered run and a scheduled run can never overlap.
	var lock runlock.ExclusiveLock
	if fl, err := runlock.NewFileLock(cfg.LockFile); err == nil {
		lock = fl
	} else if errors.Is(err, runlock.ErrUnsupported) {
		lock = runlock.NewHeartbeatLock(st, cfg.LockTTL, cfg.LockHeartbeat, log)
	} else {
		log.WithError(err).Fatal("init run lock")
	}

	runner := pipeline.NewRunner(cfg, st, guard, detector, limiter, executor, publisher, nil, scheduler, lock, log)

	server := api.New(cfg, st, guard, runner, log)
	httpServer := &http.Server{
		Addr:    ":" + cfg.HTTPPort,
		Handler: server.Router(),
	}

	log.WithField("port", cfg.HTTPPort).Info("api listening")
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.WithError(err).Fatal("listen")
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelShutdown()
	_ = httpServer.Shutdown(shutdownCtx)
}
