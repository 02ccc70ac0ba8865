package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"github.com/ehr/cqlpipe/internal/config"
	"github.com/ehr/cqlpipe/internal/cql"
	"github.com/ehr/cqlpipe/internal/pipeline"
	"github.com/ehr/cqlpipe/internal/platform/db"
	"github.com/ehr/cqlpipe/internal/platform/events"
	"github.com/ehr/cqlpipe/internal/platform/fetch"
	"github.com/ehr/cqlpipe/internal/platform/server"
	"github.com/ehr/cqlpipe/internal/platform/telemetry"
)

// app holds everything a command needs to start runs.
type app struct {
	cfg       *config.Config
	logger    zerolog.Logger
	metrics   *telemetry.PipelineMetrics
	orch      *pipeline.Orchestrator
	publisher events.Publisher
	checks    map[string]server.HealthCheck
	closers   []func()
}

func newLogger(env, level string, w io.Writer) zerolog.Logger {
	logger := zerolog.New(w).With().Timestamp().Logger()
	if env == "development" {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: w}).With().Timestamp().Logger()
	}
	lvl, err := zerolog.ParseLevel(strings.ToLower(level))
	if err != nil || level == "" {
		lvl = zerolog.InfoLevel
	}
	return logger.Level(lvl)
}

// newApp wires fetchers, the evaluator and optional Postgres and Redis
// backends from cfg. fixtures, when non-nil, serves mem:// addresses.
func newApp(ctx context.Context, cfg *config.Config, logger zerolog.Logger, fixtures *fetch.MemorySource) (*app, error) {
	a := &app{
		cfg:     cfg,
		logger:  logger,
		metrics: telemetry.NewPipelineMetrics(),
		checks:  make(map[string]server.HealthCheck),
	}

	addresses, err := cfg.Addresses()
	if err != nil {
		return nil, err
	}

	router, err := a.router(ctx, fixtures)
	if err != nil {
		a.Close()
		return nil, err
	}

	evaluator, err := newEvaluator(cfg, logger)
	if err != nil {
		a.Close()
		return nil, err
	}

	if cfg.RedisURL != "" {
		pub, err := events.NewRedisPublisherFromURL(cfg.RedisURL, cfg.EventsChannel, logger)
		if err != nil {
			a.Close()
			return nil, err
		}
		if err := pub.Ping(ctx); err != nil {
			pub.Close()
			a.Close()
			return nil, fmt.Errorf("connect to redis: %w", err)
		}
		a.publisher = pub
		a.checks["redis"] = pub.Ping
		a.closers = append(a.closers, func() { pub.Close() })
		logger.Info().Str("channel", pub.Channel()).Msg("publishing pipeline events")
	}

	a.orch = pipeline.New(router, evaluator, pipeline.Config{
		Addresses:    addresses,
		FetchTimeout: stageTimeout(cfg.FetchTimeout, cfg.FetchRetries),
	}, logger, pipeline.WithRecorder(a.metrics))
	return a, nil
}

// router dispatches addresses by scheme. Remote fetches get a per-attempt
// timeout and retries; local sources are used directly.
func (a *app) router(ctx context.Context, fixtures *fetch.MemorySource) (*fetch.Router, error) {
	cfg := a.cfg
	var opts []fetch.HTTPOption
	if cfg.FHIRAuthToken != "" {
		opts = append(opts, fetch.WithBearerToken(cfg.FHIRAuthToken))
	}
	remote := fetch.Retrying(
		fetch.WithTimeout(fetch.NewHTTPFetcher(a.logger, opts...), cfg.FetchTimeout),
		fetch.RetryPolicy{
			MaxRetries:      uint64(cfg.FetchRetries),
			InitialInterval: 200 * time.Millisecond,
			MaxInterval:     retryMaxInterval,
		},
		a.logger,
	)

	router := fetch.NewRouter().
		Handle("http", remote).
		Handle("https", remote).
		Handle("file", fetch.NewFileFetcher(""))
	if fixtures != nil {
		router.Handle("mem", fixtures)
	}

	if cfg.DatabaseURL != "" {
		pool, err := db.NewPool(ctx, db.PoolConfig{
			URL:      cfg.DatabaseURL,
			MaxConns: cfg.DBMaxConns,
			MinConns: cfg.DBMinConns,
		}, a.logger)
		if err != nil {
			return nil, fmt.Errorf("connect to database: %w", err)
		}
		a.closers = append(a.closers, pool.Close)
		a.checks["database"] = pool.Ping
		router.Handle("pg", fetch.Retrying(fetch.NewPGSource(pool), fetch.RetryPolicy{
			MaxRetries:      uint64(cfg.FetchRetries),
			InitialInterval: 100 * time.Millisecond,
			MaxInterval:     time.Second,
		}, a.logger))
	}
	a.logger.Debug().Strs("schemes", router.Schemes()).Msg("fetch router ready")
	return router, nil
}

func newEvaluator(cfg *config.Config, logger zerolog.Logger) (cql.Evaluator, error) {
	switch cfg.EvaluatorMode {
	case config.EvaluatorRemote:
		opts := []cql.RemoteOption{cql.WithRemoteTimeout(cfg.EvaluatorTimeout)}
		if cfg.FHIRAuthToken != "" {
			opts = append(opts, cql.WithRemoteToken(cfg.FHIRAuthToken))
		}
		return cql.NewRemoteEvaluator(cfg.EvaluatorURL, logger, opts...)
	case config.EvaluatorExpression, "":
		return cql.NewExpressionEvaluator(logger)
	default:
		return nil, fmt.Errorf("unknown evaluator mode %q", cfg.EvaluatorMode)
	}
}

// retryMaxInterval caps the backoff between remote fetch attempts. Backoff
// jitter can stretch a sleep to 1.5 times the cap.
const retryMaxInterval = 2 * time.Second

// stageTimeout bounds one fetch stage so that every retry attempt fits.
func stageTimeout(perAttempt time.Duration, retries int) time.Duration {
	if perAttempt <= 0 {
		return 0
	}
	if retries < 0 {
		retries = 0
	}
	return perAttempt*time.Duration(retries+1) + time.Duration(retries)*retryMaxInterval*3/2
}

// openPool connects to Postgres for commands that only need the database.
func openPool(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (*pgxpool.Pool, error) {
	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}
	return db.NewPool(ctx, db.PoolConfig{
		URL:      cfg.DatabaseURL,
		MaxConns: cfg.DBMaxConns,
		MinConns: cfg.DBMinConns,
	}, logger)
}

// Close releases backends in reverse order of creation.
func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}

func loadConfig() (*config.Config, zerolog.Logger, error) {
	logger := newLogger(os.Getenv("ENV"), os.Getenv("LOG_LEVEL"), os.Stderr)
	cfg, err := config.Load()
	if err != nil {
		return nil, logger, fmt.Errorf("load config: %w", err)
	}
	return cfg, newLogger(cfg.Env, cfg.LogLevel, os.Stderr), nil
}
