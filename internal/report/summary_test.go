package report

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/bulkfetch/internal/breaker"
	"github.com/JakeFAU/bulkfetch/internal/fetch"
	"github.com/JakeFAU/bulkfetch/internal/retry"
)

func success(host string) fetch.Result {
	return fetch.Result{Host: host, Outcome: fetch.Outcome{Response: &fetch.Response{StatusCode: 200}, Attempts: 1}}
}

func failure(host string, kind, cause retry.Kind, status int) fetch.Result {
	return fetch.Result{Host: host, Outcome: fetch.Outcome{
		Err:      &retry.FetchError{Kind: kind, Cause: cause, StatusCode: status, Err: errors.New("boom")},
		Attempts: 1,
	}}
}

func TestSummaryCounts(t *testing.T) {
	t.Parallel()

	s := New("job-1", time.Unix(0, 0))
	s.Add(success("a.example"))
	s.Add(success("a.example"))
	s.Add(failure("a.example", retry.KindNotFound, "", 404))
	s.Add(failure("b.example", retry.KindExhausted, retry.KindTimeout, 0))
	s.Add(failure("b.example", retry.KindCircuitOpen, "", 0))
	s.Add(failure("", retry.KindMalformedInput, "", 0))

	assert.Equal(t, 6, s.Processed)
	assert.Equal(t, 2, s.Succeeded)
	assert.Equal(t, 4, s.Failed)
	assert.Equal(t, map[string]int{"not_found": 1, "exhausted": 1, "circuit_open": 1, "malformed_input": 1}, s.ByKind)
	assert.Equal(t, map[string]int{"timeout": 1}, s.ByCause)
	assert.Equal(t, map[int]int{404: 1}, s.StatusCodes)
	assert.Equal(t, 2, s.Hosts["a.example"].Succeeded)
	assert.Equal(t, 2, s.Hosts["b.example"].Failed)
	assert.Equal(t, 1, s.Hosts["(invalid)"].Failed)

	rows := s.HostRows()
	require.Len(t, rows, 3)
	assert.Equal(t, "b.example", rows[0].Host)
}

func TestSummaryCircuitsAndRecommendations(t *testing.T) {
	t.Parallel()

	s := New("job-1", time.Unix(0, 0))
	s.Add(success("a.example"))
	s.Add(failure("b.example", retry.KindClientError, "", 403))
	s.Add(failure("c.example", retry.KindExhausted, retry.KindRateLimited, 429))
	s.ApplyCircuits([]breaker.HostState{
		{Host: "a.example", State: "closed"},
		{Host: "b.example", State: "open"},
		{Host: "c.example", State: "open", Fatal: true},
	})
	s.Finish(time.Unix(10, 0))

	assert.Equal(t, []string{"b.example"}, s.OpenHosts)
	assert.Equal(t, []string{"c.example"}, s.FatalHosts)
	assert.Equal(t, "open", s.Hosts["b.example"].Circuit)
	assert.Len(t, s.Recommendations, 4)
	assert.Contains(t, s.Recommendations[0], "access restrictions")
	assert.Contains(t, s.Recommendations[1], "rate limiting")
	assert.Contains(t, s.Recommendations[2], "c.example")
	assert.Contains(t, s.Recommendations[3], "b.example")
}

func TestSummaryAllNotFound(t *testing.T) {
	t.Parallel()

	s := New("job-1", time.Unix(0, 0))
	s.Add(failure("a.example", retry.KindNotFound, "", 404))
	s.Add(failure("a.example", retry.KindNotFound, "", 410))
	s.Finish(time.Unix(1, 0))

	require.Len(t, s.Recommendations, 2)
	assert.Contains(t, s.Recommendations[0], "no successful retrievals")
	assert.Contains(t, s.Recommendations[1], "URL structure has likely changed")
}

func TestSummaryCleanRunHasNoRecommendations(t *testing.T) {
	t.Parallel()

	s := New("job-1", time.Unix(0, 0))
	s.Add(success("a.example"))
	s.Finish(time.Unix(1, 0))
	assert.Empty(t, s.Recommendations)
}
