package main

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"

	"github.com/onnwee/autocash/internal/api"
	"github.com/onnwee/autocash/internal/article"
	"github.com/onnwee/autocash/internal/attribution"
	"github.com/onnwee/autocash/internal/auth"
	"github.com/onnwee/autocash/internal/config"
	"github.com/onnwee/autocash/internal/db"
	"github.com/onnwee/autocash/internal/dsar"
	"github.com/onnwee/autocash/internal/exportstore"
	"github.com/onnwee/autocash/internal/health"
	"github.com/onnwee/autocash/internal/idempotency"
	"github.com/onnwee/autocash/internal/ingest"
	"github.com/onnwee/autocash/internal/jobs"
	"github.com/onnwee/autocash/internal/killswitch"
	"github.com/onnwee/autocash/internal/middleware"
	"github.com/onnwee/autocash/internal/privacy"
	"github.com/onnwee/autocash/internal/retention"
	"github.com/onnwee/autocash/internal/store"
)

// Background and dependency settings.
const (
	idempotencyKeyTTL     = 24 * time.Hour
	idempotencyCleanupInt = 10 * time.Minute
	rateLimitCleanupInt   = 5 * time.Minute
	checkTimeout          = 2 * time.Second
)

// app holds the wired server and the resources it must release.
type app struct {
	handler   http.Handler
	retention *retention.Job
	idemMem   *idempotency.InMemoryRepository
	rateMem   *middleware.InMemoryRateLimitStore
	logger    *slog.Logger

	db    *sql.DB
	redis *redis.Client

	stopCleanup chan struct{}
	closeOnce   sync.Once
}

// newApp connects to the configured backends and builds the handler. With
// no database or Redis URL everything runs in process.
func newApp(ctx context.Context, cfg *config.Config, logger *slog.Logger) (_ *app, err error) {
	a := &app{logger: logger, stopCleanup: make(chan struct{})}
	defer func() {
		if err != nil {
			a.close()
		}
	}()

	hasher, err := privacy.NewHasher(cfg.HashSalt)
	if err != nil {
		return nil, err
	}
	checkers := map[string]health.Checker{}

	var st store.Store
	var articles article.Resolver
	if cfg.DatabaseURL != "" {
		if a.db, err = db.Open(ctx, cfg.DatabaseURL); err != nil {
			return nil, err
		}
		if err = db.Migrate(ctx, a.db); err != nil {
			return nil, err
		}
		st = store.NewPostgresStore(a.db, store.PostgresConfig{Logger: logger})
		articles = article.NewPostgresDirectory(a.db)
		checkers["database"] = health.WithTimeout(health.NewDBChecker(a.db), checkTimeout)
		logger.Info("using postgres store")
	} else {
		st = store.NewMemoryStore()
		articles = article.NewInMemoryDirectory()
		logger.Warn("DATABASE_URL not set, using in-memory store; data is lost on restart")
	}

	var (
		sw         killswitch.Switch
		rateStore  middleware.RateLimitStore
		idemRepo   idempotency.Repository
		httpMetric = middleware.NewMetrics()
	)
	if cfg.RedisURL != "" {
		opts, perr := redis.ParseURL(cfg.RedisURL)
		if perr != nil {
			return nil, fmt.Errorf("invalid REDIS_URL: %w", perr)
		}
		a.redis = redis.NewClient(opts)
		if err = a.redis.Ping(ctx).Err(); err != nil {
			return nil, fmt.Errorf("failed to connect to redis: %w", err)
		}
		sw = killswitch.NewRedisSwitch(a.redis, killswitch.DefaultKey)
		rateStore = middleware.NewRedisRateLimitStore(a.redis).WithMetrics(httpMetric)
		idemRepo = idempotency.NewRedisRepository(a.redis, idempotencyKeyTTL)
		checkers["redis"] = health.WithTimeout(health.NewRedisChecker(a.redis), checkTimeout)
		logger.Info("using redis for rate limits, kill switch and idempotency keys")
	} else {
		sw = killswitch.NewMemorySwitch()
		a.rateMem = middleware.NewInMemoryRateLimitStore()
		rateStore = a.rateMem
		a.idemMem = idempotency.NewInMemoryRepository(idempotencyKeyTTL)
		idemRepo = a.idemMem
	}

	var exports exportstore.Store
	if cfg.ExportBucketConfigured() {
		s3Store, serr := exportstore.NewS3Store(exportstore.S3Config{
			BucketName:      cfg.ExportBucketName,
			AccessKeyID:     cfg.ExportAccessKeyID,
			SecretAccessKey: cfg.ExportSecretAccessKey,
			Endpoint:        cfg.ExportEndpoint,
			Region:          cfg.ExportRegion,
			LinkTTL:         cfg.ExportLinkTTL,
		})
		if serr != nil {
			return nil, fmt.Errorf("failed to configure export bucket: %w", serr)
		}
		exports = s3Store
		checkers["export_bucket"] = health.WithTimeout(health.NewBucketChecker(s3Store.Client(), s3Store.BucketName()), checkTimeout)
	} else if !cfg.IsProduction() {
		exports = exportstore.NewMemoryStore(cfg.ExportLinkTTL)
	}

	reg := prometheus.NewRegistry()
	ingestMetrics := ingest.NewMetrics()
	dsarMetrics := dsar.NewMetrics()
	jobMetrics := jobs.NewMetrics()
	for _, r := range []interface{ Register(prometheus.Registerer) error }{httpMetric, ingestMetrics, dsarMetrics, jobMetrics} {
		if err = r.Register(reg); err != nil {
			return nil, fmt.Errorf("failed to register metrics: %w", err)
		}
	}
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	var guard middleware.KillSwitchState
	var retentionSwitch killswitch.Switch
	if cfg.KillSwitchEnabled {
		guard, retentionSwitch = sw, sw
	}

	svc := ingest.NewService(ingest.Config{Store: st, Articles: articles, Metrics: ingestMetrics, Logger: logger})
	engine := attribution.NewEngine(attribution.Config{Store: st, Articles: articles})
	ledger := dsar.NewLedger(dsar.Config{
		Store:      st,
		Hasher:     hasher,
		Exports:    exports,
		ConsentTTL: time.Duration(cfg.ConsentTTLDays) * 24 * time.Hour,
		Metrics:    dsarMetrics,
		Logger:     logger,
	})
	a.retention = retention.NewJob(retention.Config{
		Store:         st,
		KillSwitch:    retentionSwitch,
		RetentionDays: cfg.DataRetentionDays,
		Interval:      cfg.RetentionInterval,
		JobMetrics:    jobMetrics,
		Logger:        logger,
	})

	a.handler = api.NewRouter(api.RouterConfig{
		Health:       api.NewHealthHandlers(checkers),
		Tracking:     api.NewTrackingHandlers(svc, hasher),
		Monetization: api.NewMonetizationHandlers(engine, svc),
		Privacy:      api.NewPrivacyHandlers(ledger, !cfg.IsProduction()),
		Admin: api.NewAdminHandlers(api.AdminConfig{
			Store:      st,
			KillSwitch: killswitch.NewController(sw, st),
			Retention:  a.retention,
			JobMetrics: jobMetrics,
		}),
		AdminAuth:      auth.NewJWTService(cfg.AdminJWTSecret),
		KillSwitch:     guard,
		Idempotency:    idemRepo,
		RateLimitStore: rateStore,
		RateLimit:      middleware.PerMinute(cfg.RateLimitPerMinute),
		RateLimitKey:   middleware.HashedIPKeyFunc(hasher),
		CORSOrigins:    cfg.CORSAllowedOrigins,
		Metrics:        httpMetric,
		Gatherer:       reg,
		Logger:         logger,
		Version:        version,
	})
	return a, nil
}

// start launches the background jobs.
func (a *app) start(ctx context.Context) {
	if err := a.retention.Start(ctx); err != nil {
		a.logger.Error("failed to start retention job", "error", err)
	}
	if a.idemMem != nil {
		go idempotency.RunPeriodicCleanup(a.idemMem, idempotencyCleanupInt, a.logger, a.stopCleanup)
	}
	if a.rateMem != nil {
		go func() {
			ticker := time.NewTicker(rateLimitCleanupInt)
			defer ticker.Stop()
			for {
				select {
				case <-ticker.C:
					a.rateMem.Cleanup()
				case <-a.stopCleanup:
					return
				}
			}
		}()
	}
}

// close stops background jobs and releases connections. Safe to call twice.
func (a *app) close() {
	a.closeOnce.Do(func() {
		if a.retention != nil {
			a.retention.Stop()
		}
		close(a.stopCleanup)
		if a.redis != nil {
			if err := a.redis.Close(); err != nil {
				a.logger.Error("failed to close redis", "error", err)
			}
		}
		if a.db != nil {
			if err := a.db.Close(); err != nil {
				a.logger.Error("failed to close database", "error", err)
			}
		}
	})
}
