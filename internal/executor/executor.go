// Package executor runs one URL through the circuit breaker, the rate
// limiter, the transport and the retry policy until it reaches a terminal
// outcome.
package executor

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/bulkfetch/internal/breaker"
	"github.com/JakeFAU/bulkfetch/internal/fetch"
	"github.com/JakeFAU/bulkfetch/internal/hostkey"
	"github.com/JakeFAU/bulkfetch/internal/retry"
)

// Limiter paces requests per host.
type Limiter interface {
	Acquire(host string) time.Duration
	Release(host string)
	ObserveRateLimited(host string, retryAfter time.Duration)
	ObserveSuccess(host string)
}

// Breaker isolates failing hosts.
type Breaker interface {
	Allow(host string) (breaker.Decision, time.Time)
	ProbeResult(host string, ok bool)
	CancelProbe(host string)
	RecordSuccess(host string)
	RecordFailure(host string, kind retry.Kind)
}

// Metrics receives executor observations.
type Metrics interface {
	ObserveAttempt(host string, kind retry.Kind)
	ObserveOutcome(host string, kind retry.Kind, attempts int)
	ObserveProbe(host string, ok bool)
}

// Config controls the executor.
type Config struct {
	RequestTimeout time.Duration
	ProbePath      string
	StripWWW       bool
	Headers        http.Header
}

// DefaultConfig returns the stock configuration.
func DefaultConfig() Config {
	return Config{
		RequestTimeout: 30 * time.Second,
		ProbePath:      "/robots.txt",
	}
}

// Executor composes the reliability components around a Fetcher.
type Executor struct {
	fetcher fetch.Fetcher
	limiter Limiter
	breaker Breaker
	policy  *retry.Policy
	cfg     Config
	logger  *zap.Logger
	metrics Metrics
	now     func() time.Time
	sleep   func(ctx context.Context, d time.Duration) error
}

// Option customizes an Executor.
type Option func(*Executor)

// WithMetrics attaches a metrics sink.
func WithMetrics(m Metrics) Option {
	return func(e *Executor) {
		e.metrics = m
	}
}

// WithClock replaces the time source used for Retry-After dates.
func WithClock(now func() time.Time) Option {
	return func(e *Executor) {
		if now != nil {
			e.now = now
		}
	}
}

// WithSleep replaces the cooperative wait used for rate limiting and backoff.
func WithSleep(fn func(ctx context.Context, d time.Duration) error) Option {
	return func(e *Executor) {
		if fn != nil {
			e.sleep = fn
		}
	}
}

// New constructs an Executor.
func New(
	fetcher fetch.Fetcher,
	limiter Limiter,
	brk Breaker,
	policy *retry.Policy,
	cfg Config,
	logger *zap.Logger,
	opts ...Option,
) *Executor {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = DefaultConfig().RequestTimeout
	}
	if cfg.ProbePath == "" {
		cfg.ProbePath = DefaultConfig().ProbePath
	}
	e := &Executor{
		fetcher: fetcher,
		limiter: limiter,
		breaker: brk,
		policy:  policy,
		cfg:     cfg,
		logger:  logger,
		metrics: noopMetrics{},
		now:     time.Now,
		sleep:   Sleep,
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.metrics == nil {
		e.metrics = noopMetrics{}
	}
	return e
}

// HostKey derives the host key for rawURL using the executor's policy.
func (e *Executor) HostKey(rawURL string) (string, error) {
	key, err := hostkey.FromURL(rawURL, e.cfg.StripWWW)
	if err != nil {
		return "", fmt.Errorf("host key: %w", err)
	}
	return key, nil
}

// Execute drives rawURL to a terminal outcome. host may be empty, in which
// case it is derived from rawURL.
func (e *Executor) Execute(ctx context.Context, rawURL, host string) fetch.Outcome {
	if _, err := hostkey.Parse(rawURL); err != nil {
		return e.finish(host, fetch.Outcome{
			Err: &retry.FetchError{Kind: retry.KindMalformedInput, URL: rawURL, Err: err},
		})
	}
	if host == "" {
		host, _ = e.HostKey(rawURL)
	}

	var st retry.State
	target := rawURL
	for {
		if err := ctx.Err(); err != nil {
			return canceled(target, st.Attempt, err)
		}

		decision, retryAt := e.breaker.Allow(host)
		switch decision {
		case breaker.Reject:
			return e.finish(host, fetch.Outcome{
				Err:      circuitOpen(target, host, retryAt),
				Attempts: st.Attempt,
			})
		case breaker.Probe:
			ok, err := e.probe(ctx, target, host)
			if err != nil {
				e.breaker.CancelProbe(host)
				return canceled(target, st.Attempt, err)
			}
			e.breaker.ProbeResult(host, ok)
			if !ok {
				return e.finish(host, fetch.Outcome{
					Err:      circuitOpen(target, host, time.Time{}),
					Attempts: st.Attempt,
				})
			}
			continue
		case breaker.Admit:
		}

		if err := e.sleep(ctx, e.limiter.Acquire(host)); err != nil {
			e.limiter.Release(host)
			return canceled(target, st.Attempt, err)
		}

		st.Attempt++
		resp, err := e.call(ctx, target)
		if err == nil {
			e.breaker.RecordSuccess(host)
			e.limiter.ObserveSuccess(host)
			e.metrics.ObserveAttempt(host, "")
			finalURL := resp.URL
			if finalURL == "" {
				finalURL = target
			}
			return e.finish(host, fetch.Outcome{Response: &resp, Attempts: st.Attempt, FinalURL: finalURL})
		}

		fe := retry.NewFetchError(target, err, e.now())
		if fe.Kind == retry.KindCanceled || ctx.Err() != nil {
			return canceled(target, st.Attempt, err)
		}
		e.metrics.ObserveAttempt(host, fe.Kind)
		if fe.Kind == retry.KindRateLimited {
			e.limiter.ObserveRateLimited(host, fe.RetryAfter)
		}

		again, delay := e.policy.Decide(&st, fe)
		if !again {
			term := retry.Terminal(fe)
			e.breaker.RecordFailure(host, circuitKind(term))
			return e.finish(host, fetch.Outcome{Err: term, Attempts: st.Attempt, FinalURL: target})
		}

		e.logger.Debug("retrying request",
			zap.String("url", target),
			zap.String("host", host),
			zap.String("kind", string(fe.Kind)),
			zap.Int("attempt", st.Attempt),
			zap.Duration("delay", delay),
		)
		target = variant(target, fe.Kind)
		if err := e.sleep(ctx, delay); err != nil {
			return canceled(target, st.Attempt, err)
		}
	}
}

func (e *Executor) call(ctx context.Context, target string) (fetch.Response, error) {
	callCtx, cancel := context.WithTimeout(ctx, e.cfg.RequestTimeout)
	defer cancel()
	resp, err := e.fetcher.Fetch(callCtx, fetch.Request{URL: target, Method: http.MethodGet, Headers: e.cfg.Headers})
	if err != nil {
		if errors.Is(callCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
			return fetch.Response{}, fmt.Errorf("request deadline %s: %w", e.cfg.RequestTimeout, context.DeadlineExceeded)
		}
		return fetch.Response{}, err
	}
	return resp, nil
}

// probe issues the low-cost recovery request for host. The error is non-nil
// only when ctx ended before the probe could be judged.
func (e *Executor) probe(ctx context.Context, target, host string) (bool, error) {
	probeURL, err := hostkey.ProbeURL(target, e.cfg.ProbePath)
	if err != nil {
		return false, nil
	}
	if err := e.sleep(ctx, e.limiter.Acquire(host)); err != nil {
		e.limiter.Release(host)
		return false, err
	}
	_, err = e.call(ctx, probeURL)
	if ctxErr := ctx.Err(); ctxErr != nil {
		return false, ctxErr
	}
	ok := err == nil || !breaker.CountsAsFailure(retry.Classify(err))
	e.metrics.ObserveProbe(host, ok)
	if ok {
		e.logger.Info("probe succeeded, closing circuit", zap.String("host", host), zap.String("probe_url", probeURL))
	} else {
		e.logger.Warn("probe failed", zap.String("host", host), zap.String("probe_url", probeURL), zap.Error(err))
	}
	return ok, nil
}

func (e *Executor) finish(host string, out fetch.Outcome) fetch.Outcome {
	e.metrics.ObserveOutcome(host, out.Kind(), out.Attempts)
	return out
}

// circuitKind is the kind charged to the circuit for a terminal failure.
// Exhausted rate limits are not host failures.
func circuitKind(fe *retry.FetchError) retry.Kind {
	if fe.Kind == retry.KindExhausted && fe.Cause != "" {
		return fe.Cause
	}
	return fe.Kind
}

func variant(target string, kind retry.Kind) string {
	var (
		next string
		ok   bool
	)
	switch retry.VariantFor(kind) {
	case retry.VariantSwapScheme:
		next, ok = hostkey.SwapScheme(target)
	case retry.VariantCanonical:
		next, ok = hostkey.CanonicalVariant(target)
	default:
		return target
	}
	if !ok {
		return target
	}
	return next
}

func circuitOpen(target, host string, retryAt time.Time) *retry.FetchError {
	err := fmt.Errorf("circuit open for %s", host)
	if !retryAt.IsZero() {
		err = fmt.Errorf("circuit open for %s until %s", host, retryAt.UTC().Format(time.RFC3339))
	}
	return &retry.FetchError{Kind: retry.KindCircuitOpen, URL: target, Err: err}
}

func canceled(target string, attempts int, err error) fetch.Outcome {
	return fetch.Outcome{
		Err:      &retry.FetchError{Kind: retry.KindCanceled, URL: target, Err: err},
		Attempts: attempts,
	}
}

// Sleep waits for d or until ctx ends.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("sleep: %w", err)
		}
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return fmt.Errorf("sleep: %w", ctx.Err())
	case <-timer.C:
		return nil
	}
}

type noopMetrics struct{}

func (noopMetrics) ObserveAttempt(string, retry.Kind)     {}
func (noopMetrics) ObserveOutcome(string, retry.Kind, int) {}
func (noopMetrics) ObserveProbe(string, bool)             {}
