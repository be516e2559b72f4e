// File: cmd/app/main.go
package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"planforge/internal/config"
	"planforge/internal/domain/ports/adapter"
	aiAdapters "planforge/internal/infra/adapters/ai"
	"planforge/internal/infra/admission"
	pg "planforge/internal/infra/db/postgres"
	"planforge/internal/infra/logging"
	"planforge/internal/infra/metrics"
	red "planforge/internal/infra/redis"
	"planforge/internal/infra/web"
	"planforge/internal/worker"
)

const (
	leaderLockKey = "planforge:scheduler:leader"
	leaderLockTTL = 30 * time.Second
)

// keepLeaderLock renews the scheduler lock in the background and stops the
// scheduler if the lock is lost. The returned func releases the lock.
func keepLeaderLock(ctx context.Context, locker *red.RedisLocker, token string, sched *worker.Scheduler, logger *zerolog.Logger) func() {
	stop := make(chan struct{})
	go func() {
		ticker := time.NewTicker(leaderLockTTL / 3)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				held, err := locker.Refresh(ctx, leaderLockKey, token, leaderLockTTL)
				if err != nil {
					logger.Warn().Err(err).Msg("scheduler lock refresh failed")
					continue
				}
				if !held {
					logger.Error().Msg("scheduler lock lost; stopping dispatch")
					sched.Stop()
					return
				}
			case <-stop:
				return
			case <-ctx.Done():
				return
			}
		}
	}()
	return func() {
		close(stop)
		unlockCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := locker.Unlock(unlockCtx, leaderLockKey, token); err != nil {
			logger.Warn().Err(err).Msg("scheduler lock release failed")
		}
	}
}

func main() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// ---- CLI flags ----
	cfgPath := flag.String("config", "config.yaml", "path to YAML config file")
	devMode := flag.Bool("dev", false, "enable developer mode (noop provider allowed)")
	flag.Parse()

	cfg, err := config.LoadConfig(*cfgPath, *devMode)
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	logger := logging.New(cfg.Log, cfg.Runtime.Dev)
	if cfg.Runtime.Dev {
		logger.Warn().Msg("developer mode enabled")
	}

	metrics.MustRegister()

	// ---- Postgres ----
	pool, err := pg.Connect(ctx, cfg.Database.URL)
	if err != nil {
		logger.Fatal().Err(err).Msg("postgres connection failed")
	}
	defer pool.Close()
	store := pg.NewJobRepo(pool, pg.NewTxManager(pool))

	// ---- Redis (optional: cache, rate limiting and the leader lock
	// degrade without it) ----
	var (
		jobCache    *red.JobCache
		rateLimiter worker.CallLimiter
		locker      *red.RedisLocker
	)
	if cfg.Redis.URL != "" {
		redisClient, err := red.NewClient(ctx, &cfg.Redis)
		if err != nil {
			logger.Fatal().Err(err).Msg("redis connection failed")
		}
		jobCache = red.NewJobCache(redisClient, cfg.Redis.TTL)
		rateLimiter = red.NewRateLimiter(redisClient)
		locker = red.NewLocker(redisClient)
	} else {
		logger.Warn().Msg("redis.url not set; job cache, provider rate limiting and the leader lock are disabled")
	}

	// ---- AI provider adapters ----
	var clients []adapter.ModelClient
	if cfg.AI.OpenRouterKey != "" {
		or, err := aiAdapters.NewOpenRouterAdapter(cfg.AI.OpenRouterKey, cfg.AI.DefaultModel, cfg.AI.OpenRouterBaseURL)
		if err != nil {
			logger.Fatal().Err(err).Msg("openrouter adapter")
		}
		clients = append(clients, or)
	}
	if cfg.AI.OpenAIKey != "" {
		oa, err := aiAdapters.NewOpenAIAdapter(cfg.AI.OpenAIKey, cfg.AI.DefaultModel)
		if err != nil {
			logger.Fatal().Err(err).Msg("openai adapter")
		}
		clients = append(clients, oa)
	}
	if cfg.AI.GeminiKey != "" {
		gm, err := aiAdapters.NewGeminiAdapter(ctx, cfg.AI.GeminiKey, cfg.AI.GeminiURL, cfg.AI.DefaultModel)
		if err != nil {
			logger.Fatal().Err(err).Msg("gemini adapter")
		}
		clients = append(clients, gm)
	}
	if len(clients) == 0 && cfg.Runtime.Dev {
		logger.Warn().Msg("no provider keys set; using the noop client")
		clients = append(clients, aiAdapters.NewNoopClient())
	}
	for i, c := range clients {
		clients[i] = aiAdapters.NewLimitedClient(c, cfg.AI.ConcurrentLimit)
	}
	if len(clients) == 0 {
		logger.Fatal().Msg("no ai provider configured")
	}
	router := aiAdapters.NewRouter(clients[0].Provider(), clients...)

	// ---- Admission + execution ----
	adm := admission.NewController(admission.Limits{
		Global:         cfg.Limits.Global,
		PerSession:     cfg.Limits.PerSession,
		PerTaskDefault: cfg.Limits.PerTaskDefault,
		PerTaskType:    cfg.Limits.PerTaskType,
	}, store, logger)

	runner := worker.NewLLMRunner(store, adm, router, rateLimiter, cfg.AI.RatePerMinute, logger)
	registry := worker.NewRegistry(
		worker.NewStreamProcessor(runner),
		worker.NewPlanProcessor(runner),
		worker.NewPathFinderProcessor(runner),
		worker.NewPathCorrectionProcessor(runner),
		worker.NewGuidanceProcessor(runner),
		worker.NewTextImprovementProcessor(runner),
		worker.NewTaskEnhancementProcessor(runner),
	)

	pool2 := worker.NewPool(cfg.Limits.Global, logger)
	pool2.Start(ctx)
	sched := worker.NewScheduler(cfg.Scheduler, store, adm, registry, pool2, logger)

	// With redis present only the lock holder dispatches; every instance
	// still serves the ops API.
	var releaseLock func()
	if locker != nil {
		token, err := locker.TryLock(ctx, leaderLockKey, leaderLockTTL)
		if err != nil {
			logger.Warn().Err(err).Msg("another instance holds the scheduler lock; dispatching disabled")
		} else {
			sched.Start(ctx)
			releaseLock = keepLeaderLock(ctx, locker, token, sched, logger)
		}
	} else {
		sched.Start(ctx)
	}

	// ---- Ops HTTP server ----
	auth := web.NewAuthManager(cfg.Ops.JWTSecret, !cfg.Runtime.Dev, 30*time.Minute)
	srv := web.NewServer(store, jobCache, adm, auth, cfg.Ops.APIKey, logger)
	go func() {
		if err := srv.Start(cfg.Ops.Port); err != nil {
			logger.Error().Err(err).Msg("ops server stopped")
		}
	}()

	// ---- Graceful shutdown ----
	sigc := make(chan os.Signal, 1)
	signal.Notify(sigc, syscall.SIGINT, syscall.SIGTERM)
	<-sigc
	logger.Info().Msg("shutdown requested")

	sched.Stop()
	if releaseLock != nil {
		releaseLock()
	}
	n := adm.CancelAll("service shutting down")
	if n > 0 {
		logger.Warn().Int("count", n).Msg("active requests canceled for shutdown")
	}
	pool2.Stop()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("ops server shutdown failed")
	}
	cancel()
}
