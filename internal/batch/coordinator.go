// Package batch runs many URLs through the executor with bounded
// concurrency. Progress lives in the checkpoint store: every run derives
// the work left from it and records each outcome there before the result
// is emitted.
package batch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/JakeFAU/bulkfetch/internal/checkpoint"
	"github.com/JakeFAU/bulkfetch/internal/fetch"
	"github.com/JakeFAU/bulkfetch/internal/retry"
)

var (
	// ErrAlreadyRunning is returned when Run is called while a run is active.
	ErrAlreadyRunning = errors.New("coordinator already running")
	// ErrStopped is returned by Run after Stop.
	ErrStopped = errors.New("coordinator stopped")
	// ErrTotalMismatch means the stored checkpoint was created for a
	// different number of URLs.
	ErrTotalMismatch = errors.New("checkpoint total does not match job")
)

// StopPolicy selects what happens to in-flight work on Stop.
type StopPolicy int

const (
	// Drain lets in-flight URLs finish and records their results.
	Drain StopPolicy = iota
	// Cancel aborts in-flight transport calls and timers. Canceled URLs
	// are left unprocessed in the checkpoint.
	Cancel
)

// Executor drives one URL to a terminal outcome.
type Executor interface {
	Execute(ctx context.Context, rawURL, host string) fetch.Outcome
	HostKey(rawURL string) (string, error)
}

// Health reports the share of hosts whose circuit is open.
type Health interface {
	OpenFraction() float64
}

// Metrics receives coordinator observations.
type Metrics interface {
	SetInFlight(n int)
	SetPaused(paused bool)
}

// Config controls the coordinator.
type Config struct {
	Concurrency int
	// CheckpointTTL is applied when Run creates the checkpoint.
	CheckpointTTL time.Duration
	// PauseFraction auto-pauses dispatch while more than this share of
	// hosts have open circuits. Zero disables auto-pause.
	PauseFraction      float64
	HealthPollInterval time.Duration
	ResultBuffer       int
}

// DefaultConfig returns the stock configuration.
func DefaultConfig() Config {
	return Config{
		Concurrency:        8,
		CheckpointTTL:      24 * time.Hour,
		PauseFraction:      0.5,
		HealthPollInterval: time.Second,
		ResultBuffer:       64,
	}
}

// Job is a contiguous slice of a job's URLs. URLs[i] has global index
// Offset+i. Total is the size of the whole job; zero means
// Offset+len(URLs).
type Job struct {
	ID     string
	URLs   []string
	Offset int
	Total  int
}

func (j Job) total() int {
	if j.Total > 0 {
		return j.Total
	}
	return j.Offset + len(j.URLs)
}

// Coordinator dispatches URLs through an Executor. One run is active at a
// time; Pause and Stop apply to the active run and to later ones.
type Coordinator struct {
	exec    Executor
	store   checkpoint.Store
	health  Health
	cfg     Config
	logger  *zap.Logger
	metrics Metrics
	now     func() time.Time

	mu         sync.Mutex
	running    bool
	paused     bool
	autoPaused bool
	stopped    bool
	changed    chan struct{}
	cancelRun  context.CancelFunc
	inFlight   int
	err        error
}

// Option customizes a Coordinator.
type Option func(*Coordinator)

// WithHealth enables circuit-health backpressure.
func WithHealth(h Health) Option {
	return func(c *Coordinator) {
		c.health = h
	}
}

// WithMetrics attaches a metrics sink.
func WithMetrics(m Metrics) Option {
	return func(c *Coordinator) {
		if m != nil {
			c.metrics = m
		}
	}
}

// WithClock replaces the time source used for elapsed times.
func WithClock(now func() time.Time) Option {
	return func(c *Coordinator) {
		if now != nil {
			c.now = now
		}
	}
}

// New constructs a Coordinator.
func New(exec Executor, store checkpoint.Store, cfg Config, logger *zap.Logger, opts ...Option) *Coordinator {
	def := DefaultConfig()
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = def.Concurrency
	}
	if cfg.HealthPollInterval <= 0 {
		cfg.HealthPollInterval = def.HealthPollInterval
	}
	if cfg.ResultBuffer < 0 {
		cfg.ResultBuffer = 0
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	c := &Coordinator{
		exec:    exec,
		store:   store,
		cfg:     cfg,
		logger:  logger,
		metrics: noopMetrics{},
		now:     time.Now,
		changed: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Run starts dispatching the unprocessed URLs of job and returns the result
// stream. The channel is closed once every dispatched URL has finished;
// callers must drain it. A missing checkpoint is created; an expired one
// fails with checkpoint.ErrSessionExpired before anything is dispatched.
func (c *Coordinator) Run(ctx context.Context, job Job) (<-chan fetch.Result, error) {
	remaining, err := c.prepare(ctx, job)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	if c.running {
		c.mu.Unlock()
		return nil, ErrAlreadyRunning
	}
	if c.stopped {
		c.mu.Unlock()
		return nil, ErrStopped
	}
	runCtx, cancel := context.WithCancel(ctx)
	c.running = true
	c.cancelRun = cancel
	c.err = nil
	c.mu.Unlock()

	c.logger.Info("batch started",
		zap.String("job_id", job.ID),
		zap.Int("offset", job.Offset),
		zap.Int("urls", len(job.URLs)),
		zap.Int("remaining", len(remaining)),
		zap.Int("concurrency", c.cfg.Concurrency),
	)

	out := make(chan fetch.Result, c.cfg.ResultBuffer)
	go c.dispatch(ctx, runCtx, cancel, job, remaining, out)
	return out, nil
}

func (c *Coordinator) prepare(ctx context.Context, job Job) ([]int, error) {
	if err := checkpoint.ValidateJobID(job.ID); err != nil {
		return nil, err
	}
	total := job.total()
	if job.Offset < 0 || job.Offset+len(job.URLs) > total {
		return nil, fmt.Errorf("%w: urls [%d,%d) outside job of %d", checkpoint.ErrIndexOutOfRange,
			job.Offset, job.Offset+len(job.URLs), total)
	}
	cp, err := c.store.Load(ctx, job.ID)
	switch {
	case errors.Is(err, checkpoint.ErrNotFound):
		cp, err = c.store.Create(ctx, job.ID, total, c.cfg.CheckpointTTL)
		if err != nil {
			return nil, fmt.Errorf("create checkpoint: %w", err)
		}
	case errors.Is(err, checkpoint.ErrSessionExpired):
		c.logger.Warn("refusing to resume expired job", zap.String("job_id", job.ID))
		return nil, fmt.Errorf("resume %s: %w", job.ID, err)
	case err != nil:
		return nil, fmt.Errorf("load checkpoint: %w", err)
	}
	if cp.TotalURLs != total {
		return nil, fmt.Errorf("%w: stored %d, job %d", ErrTotalMismatch, cp.TotalURLs, total)
	}
	return cp.Remaining(job.Offset, job.Offset+len(job.URLs)), nil
}

func (c *Coordinator) dispatch(
	parent, runCtx context.Context,
	cancel context.CancelFunc,
	job Job,
	remaining []int,
	out chan<- fetch.Result,
) {
	defer cancel()
	defer close(out)

	g, gctx := errgroup.WithContext(runCtx)
	g.SetLimit(c.cfg.Concurrency)

	stopPoll := c.watchHealth(gctx)
	dispatched := 0
	for _, idx := range remaining {
		if err := c.waitDispatchable(gctx); err != nil {
			break
		}
		g.Go(func() error {
			return c.process(parent, gctx, job, idx, out)
		})
		dispatched++
	}
	err := g.Wait()
	stopPoll()

	c.mu.Lock()
	c.running = false
	c.cancelRun = nil
	c.err = err
	c.mu.Unlock()

	fields := []zap.Field{
		zap.String("job_id", job.ID),
		zap.Int("dispatched", dispatched),
		zap.Int("remaining", len(remaining)),
	}
	if err != nil {
		c.logger.Error("batch aborted", append(fields, zap.Error(err))...)
		return
	}
	c.logger.Info("batch finished", fields...)
}

// process executes one URL, checkpoints its outcome, then emits it.
func (c *Coordinator) process(parent, gctx context.Context, job Job, idx int, out chan<- fetch.Result) error {
	// A slot may free up after Stop; the URL then stays unprocessed.
	if c.Stopped() {
		return nil
	}
	c.trackInFlight(1)
	defer c.trackInFlight(-1)

	start := c.now()
	raw := job.URLs[idx-job.Offset]
	host, _ := c.exec.HostKey(raw)
	outcome := c.exec.Execute(gctx, raw, host)
	if outcome.Kind() == retry.KindCanceled {
		return nil
	}
	res := fetch.Result{
		Index:   idx,
		URL:     raw,
		Host:    host,
		Outcome: outcome,
		Elapsed: c.now().Sub(start),
	}

	// The outcome is final; record it even when the run is being torn down.
	writeCtx := context.WithoutCancel(gctx)
	var err error
	if outcome.OK() {
		err = c.store.MarkDone(writeCtx, job.ID, idx)
	} else {
		err = c.store.MarkFailed(writeCtx, job.ID, idx, res.FailureSummary())
	}
	if err != nil {
		return fmt.Errorf("checkpoint index %d: %w", idx, err)
	}

	select {
	case out <- res:
	case <-parent.Done():
	}
	return nil
}

// waitDispatchable blocks while the coordinator is paused.
func (c *Coordinator) waitDispatchable(ctx context.Context) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		c.evaluateHealth()
		c.mu.Lock()
		if c.stopped {
			c.mu.Unlock()
			return ErrStopped
		}
		if !c.paused && !c.autoPaused {
			c.mu.Unlock()
			return nil
		}
		ch := c.changed
		c.mu.Unlock()

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ch:
		}
	}
}

// watchHealth re-evaluates circuit health periodically so an auto-paused
// run wakes up once hosts recover.
func (c *Coordinator) watchHealth(ctx context.Context) func() {
	if c.health == nil || c.cfg.PauseFraction <= 0 {
		return func() {}
	}
	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		ticker := time.NewTicker(c.cfg.HealthPollInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				c.evaluateHealth()
			}
		}
	}()
	return func() {
		cancel()
		<-done
	}
}

func (c *Coordinator) evaluateHealth() {
	if c.health == nil || c.cfg.PauseFraction <= 0 {
		return
	}
	frac := c.health.OpenFraction()
	pause := frac > c.cfg.PauseFraction

	c.mu.Lock()
	defer c.mu.Unlock()
	if pause == c.autoPaused {
		return
	}
	c.autoPaused = pause
	c.broadcastLocked()
	if pause {
		c.logger.Warn("auto-pausing dispatch: too many open circuits",
			zap.Float64("open_fraction", frac),
			zap.Float64("threshold", c.cfg.PauseFraction),
		)
	} else {
		c.logger.Info("circuit health recovered, resuming dispatch", zap.Float64("open_fraction", frac))
	}
}

// Pause stops dispatching new URLs; in-flight URLs finish normally.
func (c *Coordinator) Pause() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.paused {
		return
	}
	c.paused = true
	c.broadcastLocked()
	c.logger.Info("dispatch paused")
}

// Resume undoes Pause. Auto-pause, if active, still holds dispatch.
func (c *Coordinator) Resume() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.paused {
		return
	}
	c.paused = false
	c.broadcastLocked()
	c.logger.Info("dispatch resumed")
}

// Stop abandons the URLs not yet dispatched. With Cancel, in-flight
// transport calls and timers are aborted as well. Stop is permanent.
func (c *Coordinator) Stop(policy StopPolicy) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stopped = true
	c.broadcastLocked()
	if policy == Cancel && c.cancelRun != nil {
		c.cancelRun()
	}
	c.logger.Info("coordinator stopped", zap.Bool("cancel_in_flight", policy == Cancel))
}

// Paused reports whether dispatch is held, manually or by backpressure.
func (c *Coordinator) Paused() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.paused || c.autoPaused
}

// Stopped reports whether Stop was called.
func (c *Coordinator) Stopped() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stopped
}

// InFlight returns the number of URLs currently executing.
func (c *Coordinator) InFlight() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.inFlight
}

// Err returns the error that aborted the last run, if any. It is valid
// once the result channel is closed.
func (c *Coordinator) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

func (c *Coordinator) trackInFlight(delta int) {
	c.mu.Lock()
	c.inFlight += delta
	n := c.inFlight
	c.mu.Unlock()
	c.metrics.SetInFlight(n)
}

func (c *Coordinator) broadcastLocked() {
	close(c.changed)
	c.changed = make(chan struct{})
	c.metrics.SetPaused(c.paused || c.autoPaused)
}

type noopMetrics struct{}

func (noopMetrics) SetInFlight(int) {}
func (noopMetrics) SetPaused(bool)  {}
