// Package retry classifies request failures and decides whether and when to
// try again.
package retry

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/JakeFAU/bulkfetch/internal/hostkey"
)

// Kind is the failure category of a request.
type Kind string

// Failure kinds.
const (
	KindTimeout        Kind = "timeout"
	KindNetwork        Kind = "network"
	KindServerError    Kind = "server_error"
	KindRateLimited    Kind = "rate_limited"
	KindNotFound       Kind = "not_found"
	KindClientError    Kind = "client_error"
	KindMalformedInput Kind = "malformed_input"
	KindCircuitOpen    Kind = "circuit_open"
	KindSessionExpired Kind = "session_expired"
	KindExhausted      Kind = "exhausted"
	// KindCanceled marks work abandoned because the caller's context ended.
	// It is never checkpointed.
	KindCanceled Kind = "canceled"
)

// Kinds lists every kind in reporting order.
var Kinds = []Kind{
	KindTimeout, KindNetwork, KindServerError, KindRateLimited, KindNotFound,
	KindClientError, KindMalformedInput, KindCircuitOpen, KindSessionExpired,
	KindExhausted, KindCanceled,
}

// ErrMalformedInput is returned for inputs that can never be fetched.
var ErrMalformedInput = errors.New("malformed input")

// StatusError is an HTTP response with a non-success status.
type StatusError struct {
	StatusCode int
	Header     http.Header
	URL        string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("unexpected status %d from %s", e.StatusCode, e.URL)
}

// FetchError is the terminal or intermediate error for one URL.
type FetchError struct {
	Kind Kind
	// Cause holds the last underlying kind when Kind is KindExhausted.
	Cause      Kind
	StatusCode int
	RetryAfter time.Duration
	URL        string
	Err        error
}

func (e *FetchError) Error() string {
	var b strings.Builder
	b.WriteString(string(e.Kind))
	if e.Cause != "" {
		b.WriteString(" (")
		b.WriteString(string(e.Cause))
		b.WriteString(")")
	}
	if e.URL != "" {
		b.WriteString(" ")
		b.WriteString(e.URL)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *FetchError) Unwrap() error {
	return e.Err
}

// NewFetchError classifies err and captures the status code and any
// Retry-After hint it carries.
func NewFetchError(rawURL string, err error, now time.Time) *FetchError {
	var existing *FetchError
	if errors.As(err, &existing) {
		return existing
	}
	fe := &FetchError{Kind: Classify(err), URL: rawURL, Err: err}
	var se *StatusError
	if errors.As(err, &se) {
		fe.StatusCode = se.StatusCode
		if se.Header != nil {
			if d, ok := ParseRetryAfter(se.Header.Get("Retry-After"), now); ok {
				fe.RetryAfter = d
			}
		}
	}
	return fe
}

// Classify maps an error to its Kind.
func Classify(err error) Kind {
	if err == nil {
		return ""
	}
	var fe *FetchError
	if errors.As(err, &fe) {
		return fe.Kind
	}
	if errors.Is(err, ErrMalformedInput) || errors.Is(err, hostkey.ErrInvalidURL) {
		return KindMalformedInput
	}
	if errors.Is(err, context.Canceled) {
		return KindCanceled
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTimeout
	}
	var se *StatusError
	if errors.As(err, &se) {
		return ClassifyStatus(se.StatusCode, se.Header)
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return KindTimeout
	}
	// DNS failures, refused or reset connections and TLS errors all land here.
	return KindNetwork
}

// ClassifyStatus maps a non-success HTTP status to its Kind. A 503 carrying
// Retry-After is treated as a rate limit.
func ClassifyStatus(code int, header http.Header) Kind {
	switch {
	case code == http.StatusTooManyRequests:
		return KindRateLimited
	case code == http.StatusServiceUnavailable && header != nil && header.Get("Retry-After") != "":
		return KindRateLimited
	case code == http.StatusRequestTimeout:
		return KindTimeout
	case code == http.StatusNotFound || code == http.StatusGone:
		return KindNotFound
	case code >= 500:
		return KindServerError
	case code >= 400:
		return KindClientError
	default:
		return KindNetwork
	}
}

// ParseRetryAfter reads a Retry-After header in delta-seconds or HTTP-date
// form. Dates in the past yield zero.
func ParseRetryAfter(value string, now time.Time) (time.Duration, bool) {
	value = strings.TrimSpace(value)
	if value == "" {
		return 0, false
	}
	if secs, err := strconv.Atoi(value); err == nil {
		if secs < 0 {
			return 0, false
		}
		return time.Duration(secs) * time.Second, true
	}
	at, err := http.ParseTime(value)
	if err != nil {
		return 0, false
	}
	d := at.Sub(now)
	if d < 0 {
		d = 0
	}
	return d, true
}
