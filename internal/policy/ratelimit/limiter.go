// Package ratelimit implements an adaptive per-host token bucket with an
// optional global ceiling.
package ratelimit

import (
	"context"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// HostLimit overrides the budget for one host.
type HostLimit struct {
	RPS   float64 `mapstructure:"rps"`
	Burst int     `mapstructure:"burst"`
}

// Config holds rate limiter configuration.
type Config struct {
	DefaultRPS   float64
	DefaultBurst int
	Overrides    map[string]HostLimit
	// MinRPS floors the adapted rate.
	MinRPS         float64
	DecreaseFactor float64
	IncreaseStep   float64
	SuccessStreak  int
	// MaxRetryAfter caps how long a server hint may block a host.
	MaxRetryAfter time.Duration
	// GlobalRPS limits the aggregate request rate across hosts; zero disables it.
	GlobalRPS float64
}

// DefaultConfig returns conservative defaults.
func DefaultConfig() Config {
	return Config{
		DefaultRPS:     1,
		DefaultBurst:   2,
		MinRPS:         0.05,
		DecreaseFactor: 0.5,
		IncreaseStep:   0.1,
		SuccessStreak:  10,
		MaxRetryAfter:  5 * time.Minute,
	}
}

// Metrics receives limiter observations.
type Metrics interface {
	ObserveRateLimitWait(host string, wait time.Duration)
	SetHostRate(host string, rps float64)
}

// HostState is a point-in-time view of one host budget.
type HostState struct {
	Host         string    `json:"host"`
	Rate         float64   `json:"rate_rps"`
	Ceiling      float64   `json:"ceiling_rps"`
	Tokens       float64   `json:"tokens"`
	Capacity     float64   `json:"capacity"`
	BlockedUntil time.Time `json:"blocked_until,omitzero"`
}

type budget struct {
	capacity     float64
	tokens       float64
	rate         float64
	ceiling      float64
	lastRefill   time.Time
	streak       int
	blockedUntil time.Time
}

func (b *budget) refill(now time.Time) {
	if !now.After(b.lastRefill) {
		return
	}
	b.tokens = math.Min(b.capacity, b.tokens+now.Sub(b.lastRefill).Seconds()*b.rate)
	b.lastRefill = now
}

// Limiter manages per-host token budgets.
type Limiter struct {
	mu      sync.Mutex
	budgets map[string]*budget
	cfg     Config
	global  *rate.Limiter
	now     func() time.Time
	logger  *zap.Logger
	metrics Metrics
}

// Option customizes a Limiter.
type Option func(*Limiter)

// WithClock replaces the time source.
func WithClock(now func() time.Time) Option {
	return func(l *Limiter) {
		if now != nil {
			l.now = now
		}
	}
}

// WithLogger attaches a logger.
func WithLogger(logger *zap.Logger) Option {
	return func(l *Limiter) {
		if logger != nil {
			l.logger = logger
		}
	}
}

// WithMetrics attaches a metrics sink.
func WithMetrics(m Metrics) Option {
	return func(l *Limiter) {
		l.metrics = m
	}
}

// New creates a new Limiter.
func New(cfg Config, opts ...Option) *Limiter {
	def := DefaultConfig()
	if cfg.DefaultRPS <= 0 {
		cfg.DefaultRPS = def.DefaultRPS
	}
	if cfg.DefaultBurst <= 0 {
		cfg.DefaultBurst = 1
	}
	if cfg.MinRPS <= 0 {
		cfg.MinRPS = def.MinRPS
	}
	if cfg.DecreaseFactor <= 0 || cfg.DecreaseFactor >= 1 {
		cfg.DecreaseFactor = def.DecreaseFactor
	}
	if cfg.IncreaseStep <= 0 {
		cfg.IncreaseStep = def.IncreaseStep
	}
	if cfg.SuccessStreak <= 0 {
		cfg.SuccessStreak = def.SuccessStreak
	}
	if cfg.MaxRetryAfter <= 0 {
		cfg.MaxRetryAfter = def.MaxRetryAfter
	}
	l := &Limiter{
		budgets: make(map[string]*budget),
		cfg:     cfg,
		now:     time.Now,
		logger:  zap.NewNop(),
	}
	for _, opt := range opts {
		opt(l)
	}
	if cfg.GlobalRPS > 0 {
		burst := int(math.Ceil(cfg.GlobalRPS))
		l.global = rate.NewLimiter(rate.Limit(cfg.GlobalRPS), burst)
	}
	return l
}

// budgetFor returns the budget for host, creating it on first use. Callers hold mu.
func (l *Limiter) budgetFor(host string, now time.Time) *budget {
	if b, ok := l.budgets[host]; ok {
		return b
	}
	rps, burst := l.cfg.DefaultRPS, l.cfg.DefaultBurst
	if o, ok := l.cfg.Overrides[host]; ok {
		if o.RPS > 0 {
			rps = o.RPS
		}
		if o.Burst > 0 {
			burst = o.Burst
		}
	}
	b := &budget{
		capacity:   float64(burst),
		tokens:     float64(burst),
		rate:       rps,
		ceiling:    rps,
		lastRefill: now,
	}
	l.budgets[host] = b
	return b
}

// Acquire takes a token for host and returns how long the caller must wait
// before issuing its request. A positive wait means the token has already
// been reserved for the caller. Acquire never blocks.
func (l *Limiter) Acquire(host string) time.Duration {
	l.mu.Lock()
	now := l.now()
	b := l.budgetFor(host, now)
	b.refill(now)
	var wait time.Duration
	if b.tokens >= 1 && !b.lastRefill.After(now) {
		b.tokens--
	} else {
		deficit := 1 - b.tokens
		readyAt := b.lastRefill.Add(time.Duration(deficit / b.rate * float64(time.Second)))
		b.tokens = 0
		b.lastRefill = readyAt
		wait = readyAt.Sub(now)
	}
	l.mu.Unlock()

	if l.global != nil {
		if gw := l.global.ReserveN(now, 1).DelayFrom(now); gw > wait {
			wait = gw
		}
	}
	if l.metrics != nil {
		l.metrics.ObserveRateLimitWait(host, wait)
	}
	return wait
}

// Release hands back a token taken by Acquire whose request was never sent.
// An outstanding reservation is withdrawn first; otherwise the token returns
// to the bucket, capped at capacity. A Retry-After block is never shortened
// and the global ceiling is not refunded.
func (l *Limiter) Release(host string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	b, ok := l.budgets[host]
	if !ok {
		return
	}
	now := l.now()
	b.refill(now)
	if !b.lastRefill.After(now) {
		b.tokens = math.Min(b.capacity, b.tokens+1)
		return
	}
	floor := now
	if b.blockedUntil.After(floor) {
		floor = b.blockedUntil
	}
	back := b.lastRefill.Add(-time.Duration(float64(time.Second) / b.rate))
	if back.After(floor) {
		b.lastRefill = back
		return
	}
	b.tokens = math.Min(b.capacity, floor.Sub(back).Seconds()*b.rate)
	b.lastRefill = floor
}

// Wait blocks until a token is available for host, respecting the context.
// A wait cut short by ctx releases its token.
func (l *Limiter) Wait(ctx context.Context, host string) error {
	wait := l.Acquire(host)
	if wait <= 0 {
		if err := ctx.Err(); err != nil {
			l.Release(host)
			return fmt.Errorf("rate limit wait: %w", err)
		}
		return nil
	}
	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		l.Release(host)
		return fmt.Errorf("rate limit wait: %w", ctx.Err())
	case <-timer.C:
		return nil
	}
}

// ObserveRateLimited applies a multiplicative decrease to host. A positive
// retryAfter additionally empties the bucket until the hint elapses.
func (l *Limiter) ObserveRateLimited(host string, retryAfter time.Duration) {
	l.mu.Lock()
	now := l.now()
	b := l.budgetFor(host, now)
	b.refill(now)
	b.rate = math.Max(l.cfg.MinRPS, b.rate*l.cfg.DecreaseFactor)
	b.streak = 0
	if retryAfter > 0 {
		retryAfter = min(retryAfter, l.cfg.MaxRetryAfter)
		until := now.Add(retryAfter)
		b.tokens = 0
		if until.After(b.lastRefill) {
			b.lastRefill = until
		}
		b.blockedUntil = until
	}
	newRate := b.rate
	l.mu.Unlock()

	l.logger.Info("rate limit observed",
		zap.String("host", host),
		zap.Float64("rate_rps", newRate),
		zap.Duration("retry_after", retryAfter),
	)
	if l.metrics != nil {
		l.metrics.SetHostRate(host, newRate)
	}
}

// ObserveSuccess counts a success for host and raises its rate additively
// once enough consecutive successes accumulate.
func (l *Limiter) ObserveSuccess(host string) {
	l.mu.Lock()
	b := l.budgetFor(host, l.now())
	b.streak++
	changed := false
	if b.streak >= l.cfg.SuccessStreak {
		b.streak = 0
		if b.rate < b.ceiling {
			b.rate = math.Min(b.ceiling, b.rate+l.cfg.IncreaseStep)
			changed = true
		}
	}
	newRate := b.rate
	l.mu.Unlock()

	if changed && l.metrics != nil {
		l.metrics.SetHostRate(host, newRate)
	}
}

// Snapshot returns the state of every known host sorted by host.
func (l *Limiter) Snapshot() []HostState {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.now()
	out := make([]HostState, 0, len(l.budgets))
	for host, b := range l.budgets {
		b.refill(now)
		st := HostState{
			Host:     host,
			Rate:     b.rate,
			Ceiling:  b.ceiling,
			Tokens:   b.tokens,
			Capacity: b.capacity,
		}
		if b.blockedUntil.After(now) {
			st.BlockedUntil = b.blockedUntil
		}
		out = append(out, st)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Host < out[j].Host })
	return out
}
