// Package collyfetcher implements fetch.Fetcher using gocolly.
package collyfetcher

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/gocolly/colly/v2"

	"github.com/JakeFAU/bulkfetch/internal/fetch"
	"github.com/JakeFAU/bulkfetch/internal/retry"
)

// Config controls collector behavior.
type Config struct {
	UserAgent   string
	Timeout     time.Duration
	MaxBodySize int
}

// Fetcher implements fetch.Fetcher using the Colly collector.
type Fetcher struct {
	cfg           Config
	baseCollector *colly.Collector
}

type collectorHooks interface {
	OnResponse(colly.ResponseCallback)
	OnError(colly.ErrorCallback)
}

// New builds a Fetcher.
func New(cfg Config) *Fetcher {
	return NewWithTransport(cfg, newHTTPTransport())
}

// NewWithTransport builds a Fetcher on top of an existing round tripper.
func NewWithTransport(cfg Config, transport http.RoundTripper) *Fetcher {
	c := colly.NewCollector(colly.Async(false))
	c.AllowURLRevisit = true
	c.IgnoreRobotsTxt = true
	// Every response reaches OnResponse; status classification happens there.
	c.ParseHTTPErrorResponse = true
	if cfg.MaxBodySize > 0 {
		c.MaxBodySize = cfg.MaxBodySize
	}
	c.WithTransport(transport)
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 15 * time.Second
	}
	// Clones share the base HTTP backend, so it is configured once here.
	c.SetRequestTimeout(timeout)
	if cfg.UserAgent != "" {
		c.UserAgent = cfg.UserAgent
	}
	return &Fetcher{
		cfg:           cfg,
		baseCollector: c,
	}
}

// Fetch executes a single request using Colly. Statuses of 400 and above are
// returned as *retry.StatusError; anything below is a successful response.
func (f *Fetcher) Fetch(ctx context.Context, request fetch.Request) (fetch.Response, error) {
	var (
		result   fetch.Response
		fetchErr error
	)
	start := time.Now()
	collector := f.buildCollector(ctx, request, start, &result, &fetchErr)

	if err := f.runCollector(ctx, collector, request, &fetchErr); err != nil {
		return fetch.Response{}, err
	}
	return result, nil
}

func (f *Fetcher) buildCollector(
	ctx context.Context,
	request fetch.Request,
	start time.Time,
	result *fetch.Response,
	fetchErr *error,
) *colly.Collector {
	collector := f.baseCollector.Clone()
	collector.Context = ctx
	collector.AllowURLRevisit = true
	collector.ParseHTTPErrorResponse = true

	f.configureCollectorHooks(collector, request, start, result, fetchErr)
	return collector
}

func (f *Fetcher) configureCollectorHooks(
	hooks collectorHooks,
	request fetch.Request,
	start time.Time,
	result *fetch.Response,
	fetchErr *error,
) {
	hooks.OnResponse(func(r *colly.Response) {
		var headers http.Header
		if r.Headers != nil {
			headers = r.Headers.Clone()
		}
		if r.StatusCode >= http.StatusBadRequest {
			*fetchErr = &retry.StatusError{StatusCode: r.StatusCode, Header: headers, URL: request.URL}
			return
		}
		finalURL := request.URL
		if r.Request != nil && r.Request.URL != nil {
			finalURL = r.Request.URL.String()
		}
		*result = fetch.Response{
			URL:        finalURL,
			StatusCode: r.StatusCode,
			Headers:    headers,
			Body:       append([]byte(nil), r.Body...),
			Duration:   time.Since(start),
		}
	})

	hooks.OnError(func(r *colly.Response, err error) {
		if r != nil && r.StatusCode >= http.StatusBadRequest {
			var headers http.Header
			if r.Headers != nil {
				headers = r.Headers.Clone()
			}
			*fetchErr = &retry.StatusError{StatusCode: r.StatusCode, Header: headers, URL: request.URL}
			return
		}
		*fetchErr = err
	})
}

func (f *Fetcher) runCollector(ctx context.Context, collector *colly.Collector, request fetch.Request, fetchErr *error) error {
	method := request.Method
	if method == "" {
		method = http.MethodGet
	}
	done := make(chan error, 1)
	go func() {
		done <- collector.Request(method, request.URL, nil, nil, request.Headers)
	}()

	select {
	case <-ctx.Done():
		return fmt.Errorf("colly fetch canceled: %w", ctx.Err())
	case err := <-done:
		if *fetchErr != nil {
			return fmt.Errorf("colly response failed: %w", *fetchErr)
		}
		if err != nil {
			return fmt.Errorf("colly visit failed: %w", err)
		}
		return nil
	}
}

func newHTTPTransport() *http.Transport {
	return &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   15 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		MaxIdleConns:          100,
		MaxIdleConnsPerHost:   4,
		IdleConnTimeout:       90 * time.Second,
	}
}
