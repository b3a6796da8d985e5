package app

import (
	"context"
	"fmt"
	"log/slog"

	s3blob "github.com/alanyoungcy/simplearb/internal/blob/s3"
	"github.com/alanyoungcy/simplearb/internal/cache/redis"
	"github.com/alanyoungcy/simplearb/internal/config"
	"github.com/alanyoungcy/simplearb/internal/domain"
	"github.com/alanyoungcy/simplearb/internal/metrics"
	"github.com/alanyoungcy/simplearb/internal/notify"
	"github.com/alanyoungcy/simplearb/internal/server/handler"
	"github.com/alanyoungcy/simplearb/internal/store/postgres"
)

// Dependencies bundles the infrastructure the engine runs on. Every backend
// is optional: a field is nil when its section is disabled, and the engine
// runs in memory without it.
type Dependencies struct {
	Metrics *metrics.Metrics

	// Redis
	QuoteMirror domain.QuoteMirror
	LockManager domain.LockManager
	RateLimiter domain.RateLimiter
	SignalBus   domain.SignalBus

	// Postgres
	AuditStore     domain.AuditStore
	ExecutionStore domain.ExecutionStore
	FillStore      domain.FillStore

	Archiver *s3blob.Archiver
	Notifier *notify.Notifier

	// Checks are probed by the health endpoint, keyed by backend.
	Checks map[string]handler.Check
}

// wireStep connects one backend and fills its fields in deps. It returns a
// closer, or nil when there is nothing to release.
type wireStep func(ctx context.Context, cfg *config.Config, deps *Dependencies, logger *slog.Logger) (func(), error)

// Wire connects every enabled backend in order. The returned cleanup
// releases them in reverse; on error everything opened so far is released
// before returning.
func Wire(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Dependencies, func(), error) {
	deps := &Dependencies{
		Metrics: metrics.New(),
		Checks:  make(map[string]handler.Check),
	}

	var closers []func()
	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}

	steps := []struct {
		name string
		run  wireStep
	}{
		{"postgres", wirePostgres},
		{"redis", wireRedis},
		{"s3", wireS3},
		{"notify", wireNotify},
	}
	for _, s := range steps {
		closer, err := s.run(ctx, cfg, deps, logger)
		if err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("wire: %s: %w", s.name, err)
		}
		if closer != nil {
			closers = append(closers, closer)
		}
	}
	return deps, cleanup, nil
}

func wirePostgres(ctx context.Context, cfg *config.Config, deps *Dependencies, logger *slog.Logger) (func(), error) {
	if !cfg.Supabase.Enabled {
		return nil, nil
	}
	pg, err := postgres.New(ctx, postgres.ConfigFrom(cfg.Supabase))
	if err != nil {
		return nil, err
	}
	if cfg.Supabase.RunMigrations {
		if err := pg.RunMigrations(ctx); err != nil {
			pg.Close()
			return nil, fmt.Errorf("migrations: %w", err)
		}
	}

	pool := pg.Pool()
	deps.AuditStore = postgres.NewAuditStore(pool)
	deps.ExecutionStore = postgres.NewExecutionStore(pool)
	deps.FillStore = postgres.NewFillStore(pool)
	deps.Checks["postgres"] = pool.Ping
	logger.InfoContext(ctx, "postgres journal enabled")
	return pg.Close, nil
}

func wireRedis(ctx context.Context, cfg *config.Config, deps *Dependencies, logger *slog.Logger) (func(), error) {
	if !cfg.Redis.Enabled {
		return nil, nil
	}
	rc, err := redis.New(ctx, redis.ConfigFrom(cfg.Redis))
	if err != nil {
		return nil, err
	}

	deps.QuoteMirror = redis.NewQuoteMirror(rc, cfg.Redis.QuoteTTL.Duration)
	deps.LockManager = redis.NewLockManager(rc)
	deps.RateLimiter = redis.NewRateLimiter(rc)
	deps.SignalBus = redis.NewSignalBus(rc)
	deps.Checks["redis"] = rc.Ping
	logger.InfoContext(ctx, "redis enabled", slog.Int("db", cfg.Redis.DB))
	return func() { _ = rc.Close() }, nil
}

// wireS3 connects object storage and, when the journal is also on, the
// archiver that moves old rows into it. It must run after wirePostgres.
func wireS3(ctx context.Context, cfg *config.Config, deps *Dependencies, logger *slog.Logger) (func(), error) {
	if !cfg.S3.Enabled {
		return nil, nil
	}
	client, err := s3blob.New(ctx, s3blob.ConfigFrom(cfg.S3))
	if err != nil {
		return nil, err
	}
	deps.Checks["s3"] = client.Health

	switch {
	case !cfg.Archive.Enabled:
	case deps.ExecutionStore == nil:
		logger.WarnContext(ctx, "archive.enabled needs supabase.enabled; archiving disabled")
	default:
		deps.Archiver = s3blob.NewArchiver(s3blob.NewObjects(client), deps.ExecutionStore, deps.AuditStore, logger)
		logger.InfoContext(ctx, "journal archiving enabled", slog.String("bucket", cfg.S3.Bucket))
	}
	return nil, nil
}

func wireNotify(ctx context.Context, cfg *config.Config, deps *Dependencies, logger *slog.Logger) (func(), error) {
	deps.Notifier = notify.FromConfig(cfg.Notify, logger)
	if !deps.Notifier.Enabled() {
		logger.WarnContext(ctx, "no notification channel configured; alerts are logged only")
	}
	return nil, nil
}
