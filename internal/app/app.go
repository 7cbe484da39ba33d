// Package app is the composition root: it builds the limiter, breaker,
// executor, checkpoint store and result sinks from configuration and hands
// out coordinators and runners wired to them.
package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/JakeFAU/bulkfetch/internal/api"
	"github.com/JakeFAU/bulkfetch/internal/batch"
	"github.com/JakeFAU/bulkfetch/internal/breaker"
	"github.com/JakeFAU/bulkfetch/internal/checkpoint"
	"github.com/JakeFAU/bulkfetch/internal/clock"
	"github.com/JakeFAU/bulkfetch/internal/clock/system"
	"github.com/JakeFAU/bulkfetch/internal/config"
	"github.com/JakeFAU/bulkfetch/internal/executor"
	"github.com/JakeFAU/bulkfetch/internal/fetch"
	collyfetcher "github.com/JakeFAU/bulkfetch/internal/fetcher/colly"
	"github.com/JakeFAU/bulkfetch/internal/metrics"
	"github.com/JakeFAU/bulkfetch/internal/policy/ratelimit"
	pubsubsink "github.com/JakeFAU/bulkfetch/internal/publisher/pubsub"
	"github.com/JakeFAU/bulkfetch/internal/retry"
	"github.com/JakeFAU/bulkfetch/internal/sink"
	"github.com/JakeFAU/bulkfetch/internal/storage/gcs"
	"github.com/JakeFAU/bulkfetch/internal/storage/local"
	"github.com/JakeFAU/bulkfetch/internal/storage/memory"
	"github.com/JakeFAU/bulkfetch/internal/storage/postgres"
	redisstore "github.com/JakeFAU/bulkfetch/internal/storage/redis"
	"github.com/JakeFAU/bulkfetch/internal/storage/sqlite"
	"github.com/JakeFAU/bulkfetch/internal/stream"
)

// App holds the long-lived services shared by every run in the process.
type App struct {
	cfg    config.Config
	logger *zap.Logger
	now    func() time.Time

	registry *prometheus.Registry
	recorder *metrics.Recorder
	limiter  *ratelimit.Limiter
	breaker  *breaker.Breaker
	executor *executor.Executor

	checkpoints checkpoint.Store
	sink        sink.Sink
	closers     []func() error
}

// Option customizes App construction.
type Option func(*options)

type options struct {
	fetcher fetch.Fetcher
	now     func() time.Time
	sleep   func(context.Context, time.Duration) error
}

// WithFetcher replaces the colly transport.
func WithFetcher(f fetch.Fetcher) Option {
	return func(o *options) { o.fetcher = f }
}

// WithClock overrides the wall clock used by every component.
func WithClock(c clock.Clock) Option {
	return func(o *options) { o.now = c.Now }
}

// WithSleep overrides how the executor waits between attempts.
func WithSleep(fn func(context.Context, time.Duration) error) Option {
	return func(o *options) { o.sleep = fn }
}

// New initializes every service named by cfg. It fails fast when a backend
// cannot be reached and closes whatever it already opened.
func New(ctx context.Context, cfg config.Config, logger *zap.Logger, opts ...Option) (_ *App, err error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	o := options{now: system.New().Now}
	for _, opt := range opts {
		opt(&o)
	}
	if o.fetcher == nil {
		o.fetcher = collyfetcher.New(cfg.Fetcher())
	}

	a := &App{cfg: cfg, logger: logger, now: o.now}
	defer func() {
		if err != nil {
			_ = a.Close()
		}
	}()

	a.registry = prometheus.NewRegistry()
	a.registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	if a.recorder, err = metrics.New(a.registry); err != nil {
		return nil, fmt.Errorf("init metrics: %w", err)
	}

	a.limiter = ratelimit.New(cfg.RateLimiter(),
		ratelimit.WithClock(o.now),
		ratelimit.WithLogger(logger),
		ratelimit.WithMetrics(a.recorder),
	)
	a.breaker = breaker.New(cfg.Breaker(),
		breaker.WithClock(o.now),
		breaker.WithLogger(logger),
		breaker.OnStateChange(a.recorder.ObserveCircuitTransition),
	)
	execOpts := []executor.Option{executor.WithMetrics(a.recorder), executor.WithClock(o.now)}
	if o.sleep != nil {
		execOpts = append(execOpts, executor.WithSleep(o.sleep))
	}
	a.executor = executor.New(o.fetcher, a.limiter, a.breaker, retry.New(cfg.RetryPolicy()),
		cfg.Executor(), logger, execOpts...)

	if a.checkpoints, err = a.openCheckpoints(ctx); err != nil {
		return nil, err
	}
	if a.sink, err = a.openSinks(ctx); err != nil {
		return nil, err
	}

	logger.Info("services initialized",
		zap.String("checkpoint_backend", cfg.Checkpoint.Backend),
		zap.Strings("sinks", cfg.Stream.Sinks),
	)
	return a, nil
}

func (a *App) openCheckpoints(ctx context.Context) (checkpoint.Store, error) {
	cfg := a.cfg.Checkpoint
	switch cfg.Backend {
	case config.BackendMemory:
		return memory.NewCheckpointStore(a.now), nil
	case config.BackendFile:
		s, err := local.NewCheckpointStore(local.Config{BaseDir: cfg.Dir}, a.now)
		if err != nil {
			return nil, fmt.Errorf("open file checkpoints: %w", err)
		}
		a.closers = append(a.closers, s.Close)
		return s, nil
	case config.BackendSQLite:
		s, err := sqlite.New(ctx, cfg.SQLitePath, a.now)
		if err != nil {
			return nil, fmt.Errorf("open sqlite checkpoints: %w", err)
		}
		a.closers = append(a.closers, s.Close)
		return s, nil
	case config.BackendPostgres:
		s, err := postgres.NewCheckpointStore(ctx, cfg.Postgres.Pool())
		if err != nil {
			return nil, fmt.Errorf("open postgres checkpoints: %w", err)
		}
		a.closers = append(a.closers, func() error { s.Close(); return nil })
		return s, nil
	case config.BackendRedis:
		client, err := redisstore.NewClient(ctx, cfg.Redis)
		if err != nil {
			return nil, fmt.Errorf("open redis checkpoints: %w", err)
		}
		a.closers = append(a.closers, client.Close)
		s, err := redisstore.NewCheckpointStore(client, cfg.Redis, a.now)
		if err != nil {
			return nil, fmt.Errorf("open redis checkpoints: %w", err)
		}
		return s, nil
	default:
		return nil, fmt.Errorf("unknown checkpoint backend: %s", cfg.Backend)
	}
}

func (a *App) openSinks(ctx context.Context) (sink.Sink, error) {
	cfg := a.cfg.Stream
	if len(cfg.Sinks) == 0 {
		a.logger.Warn("no result sinks configured; results will be discarded")
		return sink.Discard{}, nil
	}
	out := make(sink.Multi, 0, len(cfg.Sinks))
	for _, name := range cfg.Sinks {
		var (
			s   sink.Sink
			err error
		)
		switch name {
		case config.SinkJSONL:
			s, err = local.NewResultSink(local.Config{BaseDir: cfg.Dir})
		case config.SinkGCS:
			s, err = gcs.Open(ctx, cfg.GCS)
		case config.SinkPubSub:
			s, err = pubsubsink.Open(ctx, cfg.PubSub)
		case config.SinkPostgres:
			s, err = postgres.NewResultSink(ctx, cfg.Postgres.Pool())
		default:
			err = fmt.Errorf("unknown sink: %s", name)
		}
		if err != nil {
			return nil, fmt.Errorf("open %s sink: %w", name, err)
		}
		out = append(out, s)
		a.closers = append(a.closers, s.Close)
	}
	return out, nil
}

// Run pairs a fresh coordinator with a chunked runner over the shared
// services. Each job gets its own pair; pause and stop state never leaks
// between jobs.
func (a *App) Run() (*batch.Coordinator, *stream.Runner) {
	coord := batch.New(a.executor, a.checkpoints, a.cfg.Batch(), a.logger,
		batch.WithHealth(a.breaker),
		batch.WithMetrics(a.recorder),
		batch.WithClock(a.now),
	)
	runner := stream.New(coord, a.sink, a.logger,
		stream.WithCircuits(a.breaker),
		stream.WithMetrics(a.recorder),
		stream.WithClock(a.now),
	)
	return coord, runner
}

// StatusServer builds the status API over the shared services. ctl may be nil
// when no run is active.
func (a *App) StatusServer(ctl api.Control) *api.Server {
	deps := api.Deps{
		Checkpoints: a.checkpoints,
		Circuits:    a.breaker,
		Limits:      a.limiter,
		Metrics:     promhttp.HandlerFor(a.registry, promhttp.HandlerOpts{}),
		Instrument:  a.recorder.Middleware,
		Control:     ctl,
		Now:         a.now,
	}
	return api.NewServer(deps, a.logger)
}

// Checkpoints exposes the configured store.
func (a *App) Checkpoints() checkpoint.Store { return a.checkpoints }

// Registry exposes the Prometheus registry.
func (a *App) Registry() *prometheus.Registry { return a.registry }

// Close releases every backend in reverse order of opening.
func (a *App) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	if err := errors.Join(errs...); err != nil {
		a.logger.Warn("error closing services", zap.Error(err))
		return err
	}
	return nil
}
