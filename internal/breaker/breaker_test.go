package breaker

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/bulkfetch/internal/clock/manual"
	"github.com/JakeFAU/bulkfetch/internal/retry"
)

var epoch = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

func testConfig() Config {
	return Config{
		FailureThreshold: 3,
		InitialReset:     10 * time.Second,
		MaxReset:         25 * time.Second,
		Multiplier:       2,
		MaxResetAttempts: 3,
	}
}

func tripped(t *testing.T, b *Breaker, host string, n int) {
	t.Helper()
	for range n {
		b.RecordFailure(host, retry.KindTimeout)
	}
}

func TestOpensAtThreshold(t *testing.T) {
	t.Parallel()

	clk := manual.New(epoch)
	b := New(testConfig(), WithClock(clk.Now))

	tripped(t, b, "h", 2)
	assert.Equal(t, Closed, b.State("h"))
	d, _ := b.Allow("h")
	assert.Equal(t, Admit, d)

	tripped(t, b, "h", 1)
	assert.Equal(t, Open, b.State("h"))

	d, retryAt := b.Allow("h")
	assert.Equal(t, Reject, d)
	assert.Equal(t, epoch.Add(10*time.Second), retryAt)

	clk.Advance(9 * time.Second)
	d, _ = b.Allow("h")
	assert.Equal(t, Reject, d)
}

func TestSingleProbeInHalfOpen(t *testing.T) {
	t.Parallel()

	clk := manual.New(epoch)
	b := New(testConfig(), WithClock(clk.Now))
	tripped(t, b, "h", 3)
	clk.Advance(10 * time.Second)

	var probes atomic.Int32
	var wg sync.WaitGroup
	for range 20 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if d, _ := b.Allow("h"); d == Probe {
				probes.Add(1)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), probes.Load())
	assert.Equal(t, HalfOpen, b.State("h"))
}

func TestProbeSuccessResets(t *testing.T) {
	t.Parallel()

	clk := manual.New(epoch)
	b := New(testConfig(), WithClock(clk.Now))
	tripped(t, b, "h", 3)

	clk.Advance(10 * time.Second)
	d, _ := b.Allow("h")
	require.Equal(t, Probe, d)
	b.ProbeResult("h", false)

	clk.Advance(10 * time.Second)
	d, _ = b.Allow("h")
	require.Equal(t, Probe, d)
	b.ProbeResult("h", true)

	snap := b.Snapshot()
	require.Len(t, snap, 1)
	assert.Equal(t, "closed", snap[0].State)
	assert.Zero(t, snap[0].ConsecutiveFailures)
	assert.Zero(t, snap[0].ResetAttempt)
	assert.True(t, snap[0].NextProbeAt.IsZero())

	d, _ = b.Allow("h")
	assert.Equal(t, Admit, d)

	// A fresh run of failures needs the full threshold again.
	tripped(t, b, "h", 2)
	assert.Equal(t, Closed, b.State("h"))
}

func TestProbeFailureBacksOffUntilFatal(t *testing.T) {
	t.Parallel()

	clk := manual.New(epoch)
	b := New(testConfig(), WithClock(clk.Now))
	tripped(t, b, "h", 3)

	wantDelays := []time.Duration{10 * time.Second, 20 * time.Second, 25 * time.Second}
	wait := 10 * time.Second
	for i, want := range wantDelays {
		clk.Advance(wait)
		d, _ := b.Allow("h")
		require.Equal(t, Probe, d, "probe %d", i)
		b.ProbeResult("h", false)

		snap := b.Snapshot()[0]
		assert.Equal(t, i+1, snap.ResetAttempt)
		assert.Equal(t, clk.Now().Add(want), snap.NextProbeAt)
		wait = want
	}

	assert.True(t, b.Fatal("h"))
	clk.Advance(time.Hour)
	d, retryAt := b.Allow("h")
	assert.Equal(t, Reject, d)
	assert.True(t, retryAt.IsZero())
	assert.Zero(t, b.OpenFraction(), "fatal hosts do not hold back the batch")
}

func TestIgnoredKinds(t *testing.T) {
	t.Parallel()

	b := New(testConfig())
	for _, kind := range []retry.Kind{
		retry.KindRateLimited, retry.KindClientError, retry.KindNotFound,
		retry.KindMalformedInput, retry.KindCircuitOpen, retry.KindCanceled,
	} {
		for range 10 {
			b.RecordFailure("h", kind)
		}
	}
	assert.Equal(t, Closed, b.State("h"))

	tripped(t, b, "h", 2)
	b.RecordSuccess("h")
	tripped(t, b, "h", 2)
	assert.Equal(t, Closed, b.State("h"), "success clears consecutive failures")
}

func TestCancelProbe(t *testing.T) {
	t.Parallel()

	clk := manual.New(epoch)
	b := New(testConfig(), WithClock(clk.Now))
	tripped(t, b, "h", 3)
	clk.Advance(10 * time.Second)

	d, _ := b.Allow("h")
	require.Equal(t, Probe, d)
	b.CancelProbe("h")
	assert.Equal(t, Open, b.State("h"))
	assert.Zero(t, b.Snapshot()[0].ResetAttempt)

	d, _ = b.Allow("h")
	assert.Equal(t, Probe, d)
}

func TestOpenFractionAndHook(t *testing.T) {
	t.Parallel()

	clk := manual.New(epoch)
	var mu sync.Mutex
	var changes []string
	b := New(testConfig(), WithClock(clk.Now), OnStateChange(func(host string, from, to State) {
		mu.Lock()
		changes = append(changes, host+":"+from.String()+"->"+to.String())
		mu.Unlock()
	}))

	b.RecordSuccess("a")
	b.RecordSuccess("b")
	b.RecordSuccess("c")
	tripped(t, b, "d", 3)
	assert.InDelta(t, 0.25, b.OpenFraction(), 1e-9)

	clk.Advance(10 * time.Second)
	assert.Zero(t, b.OpenFraction(), "due for a probe")

	d, _ := b.Allow("d")
	require.Equal(t, Probe, d)
	assert.InDelta(t, 0.25, b.OpenFraction(), 1e-9)
	b.ProbeResult("d", true)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"d:closed->open", "d:open->half_open", "d:half_open->closed"}, changes)
}
