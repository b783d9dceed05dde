package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/MarkoPoloResearchLab/quotaguard/internal/billing"
	"github.com/MarkoPoloResearchLab/quotaguard/internal/config"
	"github.com/MarkoPoloResearchLab/quotaguard/internal/logging"
	"github.com/MarkoPoloResearchLab/quotaguard/internal/metrics"
	"github.com/MarkoPoloResearchLab/quotaguard/internal/store/gormstore"
	"github.com/MarkoPoloResearchLab/quotaguard/pkg/cache"
	"github.com/MarkoPoloResearchLab/quotaguard/pkg/lock"
	"github.com/MarkoPoloResearchLab/quotaguard/pkg/quota"
	"github.com/MarkoPoloResearchLab/quotaguard/pkg/ratelimit"
	"github.com/MarkoPoloResearchLab/quotaguard/pkg/webhook"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const redisPingTimeout = 2 * time.Second

// runtime holds the wired components shared by every subcommand.
type runtime struct {
	cfg      config.Config
	logger   *zap.Logger
	store    *gormstore.Store
	redis    *redis.Client
	metrics  *metrics.Metrics
	locks    *lock.Manager
	cache    *cache.Manager
	limiter  *ratelimit.Limiter
	service  *quota.Service
	queue    *webhook.Queue
	applier  *billing.Applier
	cleanups []func() error
}

func newRuntime(ctx context.Context, cfg config.Config) (*runtime, error) {
	logger, err := logging.New(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		return nil, fmt.Errorf("logger init: %w", err)
	}
	app := &runtime{cfg: cfg, logger: logger, metrics: metrics.New()}
	if err := app.build(ctx); err != nil {
		_ = app.Close()
		return nil, err
	}
	return app, nil
}

func (app *runtime) build(ctx context.Context) error {
	gormDB, cleanup, driver, err := openDatabase(ctx, app.cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("database open: %w", err)
	}
	app.cleanups = append(app.cleanups, cleanup)
	if err := prepareSchema(gormDB, driver); err != nil {
		return err
	}
	app.store = gormstore.New(gormDB)

	var (
		scripter     redis.Scripter
		cacheBackend cache.Backend = cache.NewMemoryBackend(nil)
	)
	if app.cfg.RedisAddr != "" {
		app.redis = redis.NewClient(&redis.Options{
			Addr:     app.cfg.RedisAddr,
			Password: app.cfg.RedisPassword,
			DB:       app.cfg.RedisDB,
		})
		app.cleanups = append(app.cleanups, app.redis.Close)
		pingCtx, cancel := context.WithTimeout(ctx, redisPingTimeout)
		if pingErr := app.redis.Ping(pingCtx).Err(); pingErr != nil {
			app.logger.Warn("redis unreachable at startup; rate limiting fails open", zap.Error(pingErr))
		}
		cancel()
		scripter = app.redis
		cacheBackend = cache.NewRedisBackend(app.redis)
	} else {
		app.logger.Warn("redis not configured; rate limiting disabled and cache kept in process")
	}

	app.locks, err = lock.NewManager(app.store,
		lock.WithDefaults(
			lock.WithTTL(app.cfg.LockTTL),
			lock.WithRetries(app.cfg.LockRetries),
			lock.WithRetryDelay(app.cfg.LockRetryDelay),
		),
		lock.WithLogger(app.logger.Named("lock")),
	)
	if err != nil {
		return fmt.Errorf("lock manager init: %w", err)
	}

	app.cache = cache.NewManager(cacheBackend,
		cache.WithTTLPolicy(app.cfg.CacheTTLPolicy()),
		cache.WithLogger(app.logger.Named("cache")),
		cache.WithObserver(app.metrics),
	)

	app.limiter, err = ratelimit.NewLimiter(scripter, app.cfg.RateLimitPolicies(),
		ratelimit.WithLogger(app.logger.Named("ratelimit")),
		ratelimit.WithObserver(app.metrics),
	)
	if err != nil {
		return fmt.Errorf("rate limiter init: %w", err)
	}

	updater, err := quota.NewUpdater(app.store,
		quota.WithDefaultMaxRetries(app.cfg.UpdateMaxRetries),
		quota.WithBackoff(app.cfg.UpdateBackoffBase, app.cfg.UpdateBackoffMax),
	)
	if err != nil {
		return fmt.Errorf("updater init: %w", err)
	}

	app.service, err = quota.NewService(app.store, updater, app.locks, app.cfg.PlanCatalog(),
		quota.WithOperationLogger(logging.NewOperationLogger(app.logger.Named("quota"))),
		quota.WithLogger(app.logger.Named("quota")),
		quota.WithRateLimiter(app.limiter),
		quota.WithSnapshotCache(app.cache),
	)
	if err != nil {
		return fmt.Errorf("quota service init: %w", err)
	}

	app.queue, err = webhook.NewQueue(app.store,
		webhook.WithMaxAttempts(app.cfg.WebhookMaxAttempts),
		webhook.WithStaleAfter(app.cfg.WebhookStaleAfter),
		webhook.WithQueueLogger(app.logger.Named("webhook")),
		webhook.WithQueueObserver(app.metrics),
	)
	if err != nil {
		return fmt.Errorf("webhook queue init: %w", err)
	}

	app.applier, err = billing.NewApplier(app.service, app.logger.Named("billing"))
	if err != nil {
		return fmt.Errorf("billing applier init: %w", err)
	}
	return nil
}

func (app *runtime) newIngestor() (*webhook.Ingestor, error) {
	validator, err := webhook.NewValidator(app.cfg.WebhookSecret, app.store,
		webhook.WithReplayWindow(app.cfg.WebhookReplayWindow),
		webhook.WithMaxPayloadBytes(app.cfg.WebhookMaxPayloadBytes),
		webhook.WithValidatorLogger(app.logger.Named("webhook")),
		webhook.WithValidatorObserver(app.metrics),
	)
	if err != nil {
		return nil, fmt.Errorf("webhook validator init: %w", err)
	}
	return webhook.NewIngestor(validator, app.queue)
}

func (app *runtime) newWorker() (*webhook.Worker, error) {
	return webhook.NewWorker(app.queue, app.applier, app.cfg.WebhookPollInterval, app.logger.Named("webhook"))
}

// Close releases connections in reverse order of acquisition.
func (app *runtime) Close() error {
	var errs []error
	for index := len(app.cleanups) - 1; index >= 0; index-- {
		if err := app.cleanups[index](); err != nil {
			errs = append(errs, err)
		}
	}
	_ = app.logger.Sync()
	return errors.Join(errs...)
}
