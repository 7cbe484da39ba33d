package retry

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/bulkfetch/internal/hostkey"
)

type timeoutErr struct{}

func (timeoutErr) Error() string   { return "i/o timeout" }
func (timeoutErr) Timeout() bool   { return true }
func (timeoutErr) Temporary() bool { return true }

func statusErr(code int, retryAfter string) error {
	h := http.Header{}
	if retryAfter != "" {
		h.Set("Retry-After", retryAfter)
	}
	return &StatusError{StatusCode: code, Header: h, URL: "https://example.com"}
}

func TestClassify(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		err  error
		want Kind
	}{
		{name: "deadline", err: fmt.Errorf("get: %w", context.DeadlineExceeded), want: KindTimeout},
		{name: "net timeout", err: &url.Error{Op: "Get", URL: "https://x", Err: timeoutErr{}}, want: KindTimeout},
		{name: "canceled", err: context.Canceled, want: KindCanceled},
		{name: "dns", err: &net.DNSError{Err: "no such host", Name: "nope.invalid"}, want: KindNetwork},
		{name: "refused", err: &net.OpError{Op: "dial", Err: syscall.ECONNREFUSED}, want: KindNetwork},
		{name: "malformed", err: fmt.Errorf("x: %w", hostkey.ErrInvalidURL), want: KindMalformedInput},
		{name: "429", err: statusErr(http.StatusTooManyRequests, ""), want: KindRateLimited},
		{name: "503 with hint", err: statusErr(http.StatusServiceUnavailable, "5"), want: KindRateLimited},
		{name: "503 bare", err: statusErr(http.StatusServiceUnavailable, ""), want: KindServerError},
		{name: "500", err: statusErr(http.StatusInternalServerError, ""), want: KindServerError},
		{name: "404", err: statusErr(http.StatusNotFound, ""), want: KindNotFound},
		{name: "410", err: statusErr(http.StatusGone, ""), want: KindNotFound},
		{name: "408", err: statusErr(http.StatusRequestTimeout, ""), want: KindTimeout},
		{name: "403", err: statusErr(http.StatusForbidden, ""), want: KindClientError},
		{name: "fetch error passthrough", err: &FetchError{Kind: KindCircuitOpen}, want: KindCircuitOpen},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tc.want, Classify(tc.err))
		})
	}
	assert.Equal(t, Kind(""), Classify(nil))
}

func TestNewFetchErrorCapturesHint(t *testing.T) {
	t.Parallel()

	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	fe := NewFetchError("https://example.com/a", statusErr(http.StatusTooManyRequests, "7"), now)
	require.Equal(t, KindRateLimited, fe.Kind)
	assert.Equal(t, http.StatusTooManyRequests, fe.StatusCode)
	assert.Equal(t, 7*time.Second, fe.RetryAfter)
	assert.Contains(t, fe.Error(), "rate_limited https://example.com/a")

	var se *StatusError
	require.True(t, errors.As(fe, &se))
	assert.Same(t, fe, NewFetchError("ignored", fe, now))
}

func TestParseRetryAfter(t *testing.T) {
	t.Parallel()

	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

	d, ok := ParseRetryAfter("120", now)
	require.True(t, ok)
	assert.Equal(t, 2*time.Minute, d)

	d, ok = ParseRetryAfter(now.Add(30*time.Second).Format(http.TimeFormat), now)
	require.True(t, ok)
	assert.Equal(t, 30*time.Second, d)

	d, ok = ParseRetryAfter(now.Add(-time.Hour).Format(http.TimeFormat), now)
	require.True(t, ok)
	assert.Zero(t, d)

	for _, bad := range []string{"", "soon", "-3"} {
		_, ok = ParseRetryAfter(bad, now)
		assert.False(t, ok, bad)
	}
}
