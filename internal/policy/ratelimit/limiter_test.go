package ratelimit

import (
	"context"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/bulkfetch/internal/clock/manual"
)

var epoch = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

func newTestLimiter(cfg Config) (*Limiter, *manual.Clock) {
	clk := manual.New(epoch)
	return New(cfg, WithClock(clk.Now)), clk
}

func TestAcquireBurstThenSpacing(t *testing.T) {
	t.Parallel()

	l, clk := newTestLimiter(Config{DefaultRPS: 2, DefaultBurst: 2})

	assert.Zero(t, l.Acquire("a.com"))
	assert.Zero(t, l.Acquire("a.com"))
	assert.Equal(t, 500*time.Millisecond, l.Acquire("a.com"))
	assert.Equal(t, time.Second, l.Acquire("a.com"))

	// Reservations are honored before new tokens accrue.
	clk.Advance(time.Second)
	assert.Equal(t, 500*time.Millisecond, l.Acquire("a.com"))

	clk.Advance(10 * time.Second)
	assert.Zero(t, l.Acquire("a.com"))
}

func TestHostsAreIndependent(t *testing.T) {
	t.Parallel()

	l, _ := newTestLimiter(Config{DefaultRPS: 1, DefaultBurst: 1})

	assert.Zero(t, l.Acquire("a.com"))
	assert.Equal(t, time.Second, l.Acquire("a.com"))
	assert.Zero(t, l.Acquire("b.com"))
}

func TestOverrides(t *testing.T) {
	t.Parallel()

	l, _ := newTestLimiter(Config{
		DefaultRPS:   1,
		DefaultBurst: 1,
		Overrides:    map[string]HostLimit{"fast.com": {RPS: 10, Burst: 3}},
	})

	for range 3 {
		assert.Zero(t, l.Acquire("fast.com"))
	}
	assert.Equal(t, 100*time.Millisecond, l.Acquire("fast.com"))

	snap := l.Snapshot()
	require.Len(t, snap, 1)
	assert.Equal(t, "fast.com", snap[0].Host)
	assert.InDelta(t, 10, snap[0].Ceiling, 1e-9)
	assert.InDelta(t, 3, snap[0].Capacity, 1e-9)
}

func TestTokensStayWithinBoundsUnderConcurrency(t *testing.T) {
	t.Parallel()

	l, clk := newTestLimiter(Config{DefaultRPS: 5, DefaultBurst: 4})

	const workers = 40
	waits := make([]time.Duration, workers)
	var wg sync.WaitGroup
	for i := range workers {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			waits[i] = l.Acquire("busy.com")
			for _, st := range l.Snapshot() {
				assert.GreaterOrEqual(t, st.Tokens, 0.0)
				assert.LessOrEqual(t, st.Tokens, st.Capacity)
			}
		}(i)
	}
	wg.Wait()

	sort.Slice(waits, func(i, j int) bool { return waits[i] < waits[j] })
	for i := range 4 {
		assert.Zero(t, waits[i])
	}
	for i := 4; i < workers; i++ {
		want := time.Duration(i-3) * 200 * time.Millisecond
		assert.InDelta(t, float64(want), float64(waits[i]), float64(time.Millisecond), "slot %d", i)
	}

	clk.Advance(time.Hour)
	snap := l.Snapshot()
	require.Len(t, snap, 1)
	assert.InDelta(t, 4, snap[0].Tokens, 1e-9)
}

func TestObserveRateLimitedHonorsHint(t *testing.T) {
	t.Parallel()

	l, clk := newTestLimiter(Config{DefaultRPS: 4, DefaultBurst: 4, MinRPS: 0.5})

	l.ObserveRateLimited("slow.com", 10*time.Second)
	snap := l.Snapshot()
	require.Len(t, snap, 1)
	assert.InDelta(t, 2, snap[0].Rate, 1e-9)
	assert.Zero(t, snap[0].Tokens)
	assert.Equal(t, epoch.Add(10*time.Second), snap[0].BlockedUntil)

	wait := l.Acquire("slow.com")
	assert.GreaterOrEqual(t, wait, 10*time.Second)

	clk.Advance(wait)
	l.ObserveRateLimited("slow.com", 0)
	l.ObserveRateLimited("slow.com", 0)
	l.ObserveRateLimited("slow.com", 0)
	assert.InDelta(t, 0.5, l.Snapshot()[0].Rate, 1e-9, "rate is floored at MinRPS")
}

func TestObserveRateLimitedCapsHint(t *testing.T) {
	t.Parallel()

	l, _ := newTestLimiter(Config{DefaultRPS: 1, DefaultBurst: 1, MaxRetryAfter: time.Minute})
	l.ObserveRateLimited("x.com", 24*time.Hour)
	assert.Equal(t, epoch.Add(time.Minute), l.Snapshot()[0].BlockedUntil)
}

func TestObserveSuccessAdditiveIncrease(t *testing.T) {
	t.Parallel()

	l, _ := newTestLimiter(Config{DefaultRPS: 1, DefaultBurst: 1, SuccessStreak: 3, IncreaseStep: 0.2})

	l.ObserveRateLimited("h.com", 0)
	require.InDelta(t, 0.5, l.Snapshot()[0].Rate, 1e-9)

	l.ObserveSuccess("h.com")
	l.ObserveSuccess("h.com")
	assert.InDelta(t, 0.5, l.Snapshot()[0].Rate, 1e-9)
	l.ObserveSuccess("h.com")
	assert.InDelta(t, 0.7, l.Snapshot()[0].Rate, 1e-9)

	for range 30 {
		l.ObserveSuccess("h.com")
	}
	assert.InDelta(t, 1.0, l.Snapshot()[0].Rate, 1e-9, "never above the ceiling")
}

func TestGlobalCeiling(t *testing.T) {
	t.Parallel()

	l, _ := newTestLimiter(Config{DefaultRPS: 100, DefaultBurst: 10, GlobalRPS: 1})

	assert.Zero(t, l.Acquire("a.com"))
	assert.Equal(t, time.Second, l.Acquire("b.com"))
}

func TestReleaseWithdrawsReservation(t *testing.T) {
	t.Parallel()

	l, _ := newTestLimiter(Config{DefaultRPS: 2, DefaultBurst: 2})

	assert.Zero(t, l.Acquire("a.com"))
	assert.Zero(t, l.Acquire("a.com"))
	assert.Equal(t, 500*time.Millisecond, l.Acquire("a.com"))
	assert.Equal(t, time.Second, l.Acquire("a.com"))

	// Both waiters gave up; the next caller queues as if they never came.
	l.Release("a.com")
	l.Release("a.com")
	assert.Equal(t, 500*time.Millisecond, l.Acquire("a.com"))
}

func TestReleaseReturnsUnusedToken(t *testing.T) {
	t.Parallel()

	l, _ := newTestLimiter(Config{DefaultRPS: 1, DefaultBurst: 2})

	assert.Zero(t, l.Acquire("a.com"))
	l.Release("a.com")
	l.Release("a.com")
	assert.InDelta(t, 2, l.Snapshot()[0].Tokens, 1e-9, "capped at capacity")

	assert.Zero(t, l.Acquire("a.com"))
	assert.Zero(t, l.Acquire("a.com"))
	assert.Equal(t, time.Second, l.Acquire("a.com"))

	l.Release("unknown.com")
	assert.Len(t, l.Snapshot(), 1)
}

func TestReleaseKeepsRetryAfterBlock(t *testing.T) {
	t.Parallel()

	l, _ := newTestLimiter(Config{DefaultRPS: 2, DefaultBurst: 2, MinRPS: 2})

	l.ObserveRateLimited("slow.com", 10*time.Second)
	wait := l.Acquire("slow.com")
	assert.Equal(t, 10*time.Second+500*time.Millisecond, wait)

	l.Release("slow.com")
	assert.Equal(t, epoch.Add(10*time.Second), l.Snapshot()[0].BlockedUntil)
	assert.Equal(t, wait, l.Acquire("slow.com"))
}

type recordingMetrics struct {
	mu    sync.Mutex
	waits []time.Duration
	rates map[string]float64
}

func (r *recordingMetrics) ObserveRateLimitWait(_ string, wait time.Duration) {
	r.mu.Lock()
	r.waits = append(r.waits, wait)
	r.mu.Unlock()
}

func (r *recordingMetrics) SetHostRate(host string, rps float64) {
	r.mu.Lock()
	if r.rates == nil {
		r.rates = map[string]float64{}
	}
	r.rates[host] = rps
	r.mu.Unlock()
}

func TestWait(t *testing.T) {
	t.Parallel()

	rec := &recordingMetrics{}
	l := New(Config{DefaultRPS: 20, DefaultBurst: 1}, WithMetrics(rec))
	ctx := context.Background()

	require.NoError(t, l.Wait(ctx, "w.com"))
	start := time.Now()
	require.NoError(t, l.Wait(ctx, "w.com"))
	assert.GreaterOrEqual(t, time.Since(start), 30*time.Millisecond)
	assert.Len(t, rec.waits, 2)

	l.ObserveRateLimited("w.com", 0)
	assert.InDelta(t, 10, rec.rates["w.com"], 1e-9)
}

func TestWaitHonorsContext(t *testing.T) {
	t.Parallel()

	l := New(Config{DefaultRPS: 0.01, DefaultBurst: 1})
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	require.NoError(t, l.Wait(ctx, "c.com"))
	err := l.Wait(ctx, "c.com")
	require.ErrorIs(t, err, context.DeadlineExceeded)

	// The abandoned reservation is withdrawn.
	assert.Less(t, l.Acquire("c.com"), 101*time.Second)
}
