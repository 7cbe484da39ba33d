// Package metrics exposes Prometheus collectors for the fetch pipeline. A
// Recorder satisfies the metrics hooks of the executor, rate limiter,
// circuit breaker, batch coordinator and stream runner. A nil *Recorder
// records nothing.
package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/JakeFAU/bulkfetch/internal/breaker"
	"github.com/JakeFAU/bulkfetch/internal/retry"
)

const namespace = "bulkfetch"

// Recorder owns the collectors registered on one Registerer.
type Recorder struct {
	outcomes        *prometheus.CounterVec
	attempts        *prometheus.CounterVec
	attemptsPerURL  prometheus.Histogram
	probes          *prometheus.CounterVec
	rateLimitWait   *prometheus.HistogramVec
	hostRate        *prometheus.GaugeVec
	circuitState    *prometheus.GaugeVec
	transitions     *prometheus.CounterVec
	inFlight        prometheus.Gauge
	paused          prometheus.Gauge
	chunksFlushed   prometheus.Counter
	recordsFlushed  prometheus.Counter
	flushDuration   prometheus.Histogram
	httpRequests    *prometheus.CounterVec
	httpRequestTime *prometheus.HistogramVec
}

// New creates the collectors and registers them on reg. A nil reg uses
// prometheus.DefaultRegisterer.
func New(reg prometheus.Registerer) (*Recorder, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	r := &Recorder{
		outcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "outcomes_total",
			Help:      "Terminal URL outcomes, labeled by host and kind (empty kind is success).",
		}, []string{"host", "kind"}),
		attempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "attempts_total",
			Help:      "Transport attempts, labeled by host and classified kind.",
		}, []string{"host", "kind"}),
		attemptsPerURL: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "attempts_per_url",
			Help:      "Attempts spent per URL before its terminal outcome.",
			Buckets:   []float64{0, 1, 2, 3, 4, 6, 10},
		}),
		probes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "circuit_probes_total",
			Help:      "Circuit recovery probes, labeled by host and result.",
		}, []string{"host", "result"}),
		rateLimitWait: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "rate_limit_wait_seconds",
			Help:      "Waits imposed by the rate limiter.",
			Buckets:   []float64{0, 0.1, 0.5, 1, 2, 5, 10, 30},
		}, []string{"host"}),
		hostRate: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "host_rate_rps",
			Help:      "Current adapted request rate per host.",
		}, []string{"host"}),
		circuitState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "circuit_state",
			Help:      "Circuit state per host: 0 closed, 1 open, 2 half-open.",
		}, []string{"host"}),
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "circuit_transitions_total",
			Help:      "Circuit state transitions, labeled by host and target state.",
		}, []string{"host", "to"}),
		inFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "in_flight_urls",
			Help:      "URLs currently executing.",
		}),
		paused: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "dispatch_paused",
			Help:      "1 while dispatch is paused manually or by circuit backpressure.",
		}),
		chunksFlushed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "chunks_flushed_total",
			Help:      "Result chunks appended to sinks.",
		}),
		recordsFlushed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "records_flushed_total",
			Help:      "Result records appended to sinks.",
		}),
		flushDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "chunk_flush_seconds",
			Help:      "Time spent appending one chunk to the sinks.",
			Buckets:   prometheus.DefBuckets,
		}),
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Status API requests, labeled by method and code.",
		}, []string{"method", "code"}),
		httpRequestTime: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "Status API latencies, labeled by method and route.",
			Buckets:   []float64{0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1},
		}, []string{"method", "route"}),
	}
	collectors := []prometheus.Collector{
		r.outcomes, r.attempts, r.attemptsPerURL, r.probes, r.rateLimitWait, r.hostRate,
		r.circuitState, r.transitions, r.inFlight, r.paused, r.chunksFlushed,
		r.recordsFlushed, r.flushDuration, r.httpRequests, r.httpRequestTime,
	}
	for _, c := range collectors {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// ObserveAttempt counts one transport attempt.
func (r *Recorder) ObserveAttempt(host string, kind retry.Kind) {
	if r == nil {
		return
	}
	r.attempts.WithLabelValues(host, kindLabel(kind)).Inc()
}

// ObserveOutcome counts a terminal outcome.
func (r *Recorder) ObserveOutcome(host string, kind retry.Kind, attempts int) {
	if r == nil {
		return
	}
	r.outcomes.WithLabelValues(host, kindLabel(kind)).Inc()
	r.attemptsPerURL.Observe(float64(attempts))
}

// ObserveProbe counts a circuit probe.
func (r *Recorder) ObserveProbe(host string, ok bool) {
	if r == nil {
		return
	}
	result := "failure"
	if ok {
		result = "success"
	}
	r.probes.WithLabelValues(host, result).Inc()
}

// ObserveRateLimitWait records a limiter wait.
func (r *Recorder) ObserveRateLimitWait(host string, wait time.Duration) {
	if r == nil {
		return
	}
	r.rateLimitWait.WithLabelValues(host).Observe(wait.Seconds())
}

// SetHostRate records the adapted rate of host.
func (r *Recorder) SetHostRate(host string, rps float64) {
	if r == nil {
		return
	}
	r.hostRate.WithLabelValues(host).Set(rps)
}

// ObserveCircuitTransition matches breaker.OnStateChange.
func (r *Recorder) ObserveCircuitTransition(host string, _, to breaker.State) {
	if r == nil {
		return
	}
	r.circuitState.WithLabelValues(host).Set(float64(to))
	r.transitions.WithLabelValues(host, to.String()).Inc()
}

// SetInFlight records the number of executing URLs.
func (r *Recorder) SetInFlight(n int) {
	if r == nil {
		return
	}
	r.inFlight.Set(float64(n))
}

// SetPaused records whether dispatch is held.
func (r *Recorder) SetPaused(paused bool) {
	if r == nil {
		return
	}
	v := 0.0
	if paused {
		v = 1
	}
	r.paused.Set(v)
}

// ObserveChunk records one sink flush.
func (r *Recorder) ObserveChunk(records int, flush time.Duration) {
	if r == nil {
		return
	}
	r.chunksFlushed.Inc()
	r.recordsFlushed.Add(float64(records))
	r.flushDuration.Observe(flush.Seconds())
}

// ObserveHTTPRequest records one status API request.
func (r *Recorder) ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	if r == nil {
		return
	}
	r.httpRequests.WithLabelValues(method, strconv.Itoa(code)).Inc()
	r.httpRequestTime.WithLabelValues(method, route).Observe(duration.Seconds())
}

func kindLabel(kind retry.Kind) string {
	if kind == "" {
		return "success"
	}
	return string(kind)
}
