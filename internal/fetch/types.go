// Package fetch defines the request, response and result types that flow
// between the transport, the executor and the batch layers.
package fetch

import (
	"context"
	"net/http"
	"time"

	"github.com/JakeFAU/bulkfetch/internal/hash/sha256"
	"github.com/JakeFAU/bulkfetch/internal/retry"
)

// Request captures everything needed to fetch a URL.
type Request struct {
	URL     string
	Method  string
	Headers http.Header
}

// Response is the result returned by a Fetcher implementation.
type Response struct {
	URL        string
	StatusCode int
	Headers    http.Header
	Body       []byte
	Duration   time.Duration
}

// Fetcher performs one transport call. Implementations must abandon the
// request when ctx ends and report non-success statuses as
// *retry.StatusError.
type Fetcher interface {
	Fetch(ctx context.Context, req Request) (Response, error)
}

// FetcherFunc adapts a function to Fetcher.
type FetcherFunc func(ctx context.Context, req Request) (Response, error)

// Fetch calls f.
func (f FetcherFunc) Fetch(ctx context.Context, req Request) (Response, error) {
	return f(ctx, req)
}

// Outcome is the terminal result of executing one URL.
type Outcome struct {
	Response *Response
	Err      *retry.FetchError
	Attempts int
	FinalURL string
}

// OK reports whether the URL was retrieved.
func (o Outcome) OK() bool {
	return o.Err == nil && o.Response != nil
}

// Kind returns the failure kind, or "" on success.
func (o Outcome) Kind() retry.Kind {
	if o.Err == nil {
		return ""
	}
	return o.Err.Kind
}

// Result is one URL's terminal outcome inside a batch. Results are never
// mutated after they are emitted.
type Result struct {
	Index   int
	URL     string
	Host    string
	Outcome Outcome
	Elapsed time.Duration
}

// Record is the flat, serializable form of a Result.
type Record struct {
	JobID       string `json:"job_id"`
	Index       int    `json:"index"`
	URL         string `json:"url"`
	Host        string `json:"host"`
	OK          bool   `json:"ok"`
	FinalURL    string `json:"final_url,omitempty"`
	StatusCode  int    `json:"status_code,omitempty"`
	Kind        string `json:"kind,omitempty"`
	Cause       string `json:"cause,omitempty"`
	Detail      string `json:"detail,omitempty"`
	Attempts    int    `json:"attempts"`
	ElapsedMS   int64  `json:"elapsed_ms"`
	ContentType string `json:"content_type,omitempty"`
	BodySHA256  string `json:"body_sha256,omitempty"`
	Body        string `json:"body,omitempty"`
}

// Record flattens r for sinks.
func (r Result) Record(jobID string) Record {
	rec := Record{
		JobID:     jobID,
		Index:     r.Index,
		URL:       r.URL,
		Host:      r.Host,
		OK:        r.Outcome.OK(),
		FinalURL:  r.Outcome.FinalURL,
		Attempts:  r.Outcome.Attempts,
		ElapsedMS: r.Elapsed.Milliseconds(),
	}
	if resp := r.Outcome.Response; resp != nil {
		rec.StatusCode = resp.StatusCode
		if resp.Headers != nil {
			rec.ContentType = resp.Headers.Get("Content-Type")
		}
		rec.Body = string(resp.Body)
		rec.BodySHA256 = sha256.Sum(resp.Body)
	}
	if fe := r.Outcome.Err; fe != nil {
		rec.Kind = string(fe.Kind)
		rec.Cause = string(fe.Cause)
		rec.StatusCode = fe.StatusCode
		if fe.Err != nil {
			rec.Detail = fe.Err.Error()
		}
	}
	return rec
}

// FailureSummary is the short text stored in a checkpoint for a failed index.
func (r Result) FailureSummary() string {
	if r.Outcome.Err == nil {
		return ""
	}
	return r.Outcome.Err.Error()
}
