package batch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/bulkfetch/internal/checkpoint"
	"github.com/JakeFAU/bulkfetch/internal/clock/manual"
	"github.com/JakeFAU/bulkfetch/internal/fetch"
	"github.com/JakeFAU/bulkfetch/internal/hostkey"
	"github.com/JakeFAU/bulkfetch/internal/retry"
	"github.com/JakeFAU/bulkfetch/internal/storage/memory"
)

// fakeExecutor runs fn for every URL and tracks concurrency.
type fakeExecutor struct {
	fn func(ctx context.Context, rawURL string) fetch.Outcome

	mu      sync.Mutex
	calls   []string
	active  int
	maxSeen int
}

func (f *fakeExecutor) HostKey(rawURL string) (string, error) {
	return hostkey.FromURL(rawURL, true)
}

func (f *fakeExecutor) Execute(ctx context.Context, rawURL, _ string) fetch.Outcome {
	f.mu.Lock()
	f.calls = append(f.calls, rawURL)
	f.active++
	f.maxSeen = max(f.maxSeen, f.active)
	f.mu.Unlock()
	defer func() {
		f.mu.Lock()
		f.active--
		f.mu.Unlock()
	}()
	if f.fn == nil {
		return ok(rawURL)
	}
	return f.fn(ctx, rawURL)
}

func (f *fakeExecutor) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

func (f *fakeExecutor) MaxConcurrent() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.maxSeen
}

func ok(rawURL string) fetch.Outcome {
	return fetch.Outcome{Response: &fetch.Response{URL: rawURL, StatusCode: 200}, Attempts: 1, FinalURL: rawURL}
}

func failed(rawURL string, kind retry.Kind) fetch.Outcome {
	return fetch.Outcome{Err: &retry.FetchError{Kind: kind, URL: rawURL, Err: errors.New("boom")}, Attempts: 1}
}

func urls(n int) []string {
	out := make([]string, n)
	for i := range out {
		out[i] = fmt.Sprintf("https://h%d.example/page/%d", i%3, i)
	}
	return out
}

func drain(t *testing.T, ch <-chan fetch.Result) []fetch.Result {
	t.Helper()
	var out []fetch.Result
	timeout := time.After(5 * time.Second)
	for {
		select {
		case res, open := <-ch:
			if !open {
				return out
			}
			out = append(out, res)
		case <-timeout:
			t.Fatal("result channel not closed")
			return out
		}
	}
}

func indices(results []fetch.Result) map[int]bool {
	out := make(map[int]bool, len(results))
	for _, r := range results {
		out[r.Index] = true
	}
	return out
}

func TestRunProcessesEveryURLWithinConcurrency(t *testing.T) {
	t.Parallel()

	exec := &fakeExecutor{fn: func(_ context.Context, rawURL string) fetch.Outcome {
		time.Sleep(2 * time.Millisecond)
		return ok(rawURL)
	}}
	store := memory.NewCheckpointStore(nil)
	c := New(exec, store, Config{Concurrency: 3}, nil)

	ch, err := c.Run(context.Background(), Job{ID: "job-all", URLs: urls(20)})
	require.NoError(t, err)
	results := drain(t, ch)
	require.NoError(t, c.Err())

	require.Len(t, results, 20)
	assert.Len(t, indices(results), 20)
	assert.LessOrEqual(t, exec.MaxConcurrent(), 3)

	cp, err := store.Load(context.Background(), "job-all")
	require.NoError(t, err)
	assert.Len(t, cp.Completed, 20)
	assert.Empty(t, cp.Remaining(0, 20))
}

func TestRunRecordsFailures(t *testing.T) {
	t.Parallel()

	exec := &fakeExecutor{fn: func(_ context.Context, rawURL string) fetch.Outcome {
		return failed(rawURL, retry.KindNotFound)
	}}
	store := memory.NewCheckpointStore(nil)
	c := New(exec, store, Config{Concurrency: 2}, nil)

	list := []string{"https://a.example/x", "not a url"}
	ch, err := c.Run(context.Background(), Job{ID: "job-fail", URLs: list})
	require.NoError(t, err)
	results := drain(t, ch)
	require.Len(t, results, 2)

	cp, err := store.Load(context.Background(), "job-fail")
	require.NoError(t, err)
	assert.Len(t, cp.Failed, 2)
	assert.Contains(t, cp.Failed[0], "not_found")
	for _, r := range results {
		if r.Index == 1 {
			assert.Empty(t, r.Host)
		} else {
			assert.Equal(t, "a.example", r.Host)
		}
	}
}

func TestCheckpointPrecedesEmission(t *testing.T) {
	t.Parallel()

	store := memory.NewCheckpointStore(nil)
	c := New(&fakeExecutor{}, store, Config{Concurrency: 4}, nil)

	ch, err := c.Run(context.Background(), Job{ID: "job-order", URLs: urls(12)})
	require.NoError(t, err)
	for res := range ch {
		cp, err := store.Load(context.Background(), "job-order")
		require.NoError(t, err)
		assert.True(t, cp.Processed(res.Index), "index %d emitted before checkpoint", res.Index)
	}
}

func TestResumeSkipsProcessedIndices(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := memory.NewCheckpointStore(nil)
	_, err := store.Create(ctx, "job-resume", 6, time.Hour)
	require.NoError(t, err)
	require.NoError(t, store.MarkDone(ctx, "job-resume", 0))
	require.NoError(t, store.MarkDone(ctx, "job-resume", 2))
	require.NoError(t, store.MarkFailed(ctx, "job-resume", 3, "timeout"))

	list := urls(6)
	exec := &fakeExecutor{}
	c := New(exec, store, Config{Concurrency: 2}, nil)
	ch, err := c.Run(ctx, Job{ID: "job-resume", URLs: list})
	require.NoError(t, err)
	results := drain(t, ch)

	assert.Equal(t, map[int]bool{1: true, 4: true, 5: true}, indices(results))
	assert.ElementsMatch(t, []string{list[1], list[4], list[5]}, exec.Calls())
}

func TestResumeExpiredSessionDispatchesNothing(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	clk := manual.New(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))
	store := memory.NewCheckpointStore(clk.Now)
	_, err := store.Create(ctx, "job-old", 3, time.Hour)
	require.NoError(t, err)
	clk.Advance(2 * time.Hour)

	exec := &fakeExecutor{}
	c := New(exec, store, Config{}, nil)
	ch, err := c.Run(ctx, Job{ID: "job-old", URLs: urls(3)})
	require.ErrorIs(t, err, checkpoint.ErrSessionExpired)
	assert.Nil(t, ch)
	assert.Empty(t, exec.Calls())
}

func TestRunRejectsTotalMismatch(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := memory.NewCheckpointStore(nil)
	_, err := store.Create(ctx, "job-size", 3, time.Hour)
	require.NoError(t, err)

	c := New(&fakeExecutor{}, store, Config{}, nil)
	_, err = c.Run(ctx, Job{ID: "job-size", URLs: urls(5)})
	require.ErrorIs(t, err, ErrTotalMismatch)

	_, err = c.Run(ctx, Job{ID: "job-size", URLs: urls(2), Offset: 2, Total: 3})
	require.ErrorIs(t, err, checkpoint.ErrIndexOutOfRange)
}

func TestRunWithOffsetUsesGlobalIndices(t *testing.T) {
	t.Parallel()

	store := memory.NewCheckpointStore(nil)
	c := New(&fakeExecutor{}, store, Config{}, nil)
	all := urls(10)

	ch, err := c.Run(context.Background(), Job{ID: "job-chunk", URLs: all[4:7], Offset: 4, Total: 10})
	require.NoError(t, err)
	results := drain(t, ch)
	assert.Equal(t, map[int]bool{4: true, 5: true, 6: true}, indices(results))
	for _, r := range results {
		assert.Equal(t, all[r.Index], r.URL)
	}

	cp, err := store.Load(context.Background(), "job-chunk")
	require.NoError(t, err)
	assert.Equal(t, 10, cp.TotalURLs)
	assert.Equal(t, []int{0, 1, 2, 3, 7, 8, 9}, cp.Remaining(0, 10))
}

func TestPauseHoldsDispatchUntilResume(t *testing.T) {
	t.Parallel()

	exec := &fakeExecutor{}
	c := New(exec, memory.NewCheckpointStore(nil), Config{Concurrency: 2}, nil)
	c.Pause()
	assert.True(t, c.Paused())

	ch, err := c.Run(context.Background(), Job{ID: "job-pause", URLs: urls(4)})
	require.NoError(t, err)

	time.Sleep(30 * time.Millisecond)
	assert.Empty(t, exec.Calls())

	c.Resume()
	results := drain(t, ch)
	assert.Len(t, results, 4)
	assert.False(t, c.Paused())
}

func TestAutoPauseOnCircuitHealth(t *testing.T) {
	t.Parallel()

	var open atomic.Value
	open.Store(1.0)
	health := healthFunc(func() float64 { return open.Load().(float64) })

	exec := &fakeExecutor{}
	c := New(exec, memory.NewCheckpointStore(nil), Config{
		Concurrency:        2,
		PauseFraction:      0.5,
		HealthPollInterval: 5 * time.Millisecond,
	}, nil, WithHealth(health))

	ch, err := c.Run(context.Background(), Job{ID: "job-health", URLs: urls(3)})
	require.NoError(t, err)

	time.Sleep(30 * time.Millisecond)
	assert.Empty(t, exec.Calls())
	assert.True(t, c.Paused())

	open.Store(0.0)
	results := drain(t, ch)
	assert.Len(t, results, 3)
	assert.False(t, c.Paused())
}

type healthFunc func() float64

func (f healthFunc) OpenFraction() float64 { return f() }

func TestStopDrainFinishesInFlight(t *testing.T) {
	t.Parallel()

	started := make(chan struct{}, 1)
	release := make(chan struct{})
	exec := &fakeExecutor{fn: func(_ context.Context, rawURL string) fetch.Outcome {
		started <- struct{}{}
		<-release
		return ok(rawURL)
	}}
	store := memory.NewCheckpointStore(nil)
	c := New(exec, store, Config{Concurrency: 1}, nil)

	ch, err := c.Run(context.Background(), Job{ID: "job-drain", URLs: urls(5)})
	require.NoError(t, err)
	<-started
	c.Stop(Drain)
	close(release)

	results := drain(t, ch)
	require.Len(t, results, 1)
	assert.Equal(t, 0, results[0].Index)
	assert.Len(t, exec.Calls(), 1)

	cp, err := store.Load(context.Background(), "job-drain")
	require.NoError(t, err)
	assert.Equal(t, []int{1, 2, 3, 4}, cp.Remaining(0, 5))

	_, err = c.Run(context.Background(), Job{ID: "job-drain", URLs: urls(5)})
	require.ErrorIs(t, err, ErrStopped)
	assert.True(t, c.Stopped())
}

func TestStopCancelAbortsInFlight(t *testing.T) {
	t.Parallel()

	started := make(chan struct{}, 2)
	exec := &fakeExecutor{fn: func(ctx context.Context, rawURL string) fetch.Outcome {
		started <- struct{}{}
		<-ctx.Done()
		return fetch.Outcome{Err: &retry.FetchError{Kind: retry.KindCanceled, URL: rawURL, Err: ctx.Err()}}
	}}
	store := memory.NewCheckpointStore(nil)
	c := New(exec, store, Config{Concurrency: 2}, nil)

	ch, err := c.Run(context.Background(), Job{ID: "job-cancel", URLs: urls(6)})
	require.NoError(t, err)
	<-started
	<-started
	c.Stop(Cancel)

	results := drain(t, ch)
	assert.Empty(t, results)
	require.NoError(t, c.Err())

	cp, err := store.Load(context.Background(), "job-cancel")
	require.NoError(t, err)
	assert.Zero(t, cp.ProcessedCount())
}

func TestParentCancelClosesStream(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	exec := &fakeExecutor{fn: func(ctx context.Context, rawURL string) fetch.Outcome {
		<-ctx.Done()
		return fetch.Outcome{Err: &retry.FetchError{Kind: retry.KindCanceled, URL: rawURL, Err: ctx.Err()}}
	}}
	c := New(exec, memory.NewCheckpointStore(nil), Config{Concurrency: 2}, nil)
	ch, err := c.Run(ctx, Job{ID: "job-parent", URLs: urls(4)})
	require.NoError(t, err)
	cancel()
	assert.Empty(t, drain(t, ch))
}

type failingStore struct {
	checkpoint.Store
}

func (failingStore) MarkDone(context.Context, string, int) error {
	return errors.New("disk full")
}

func TestCheckpointFailureAbortsRun(t *testing.T) {
	t.Parallel()

	store := failingStore{Store: memory.NewCheckpointStore(nil)}
	c := New(&fakeExecutor{}, store, Config{Concurrency: 1}, nil)

	ch, err := c.Run(context.Background(), Job{ID: "job-disk", URLs: urls(5)})
	require.NoError(t, err)
	results := drain(t, ch)
	assert.Empty(t, results)
	require.ErrorContains(t, c.Err(), "disk full")
}

func TestRunRejectsConcurrentRun(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})
	exec := &fakeExecutor{fn: func(_ context.Context, rawURL string) fetch.Outcome {
		<-release
		return ok(rawURL)
	}}
	c := New(exec, memory.NewCheckpointStore(nil), Config{Concurrency: 1}, nil)

	ch, err := c.Run(context.Background(), Job{ID: "job-a", URLs: urls(1)})
	require.NoError(t, err)
	_, err = c.Run(context.Background(), Job{ID: "job-b", URLs: urls(1)})
	require.ErrorIs(t, err, ErrAlreadyRunning)

	close(release)
	assert.Len(t, drain(t, ch), 1)
}

func TestRunRejectsInvalidJobID(t *testing.T) {
	t.Parallel()

	c := New(&fakeExecutor{}, memory.NewCheckpointStore(nil), Config{}, nil)
	_, err := c.Run(context.Background(), Job{ID: "", URLs: urls(1)})
	require.ErrorIs(t, err, checkpoint.ErrInvalidJobID)
}
