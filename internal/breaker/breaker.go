// Package breaker isolates failing hosts behind per-host circuits whose
// recovery is validated by a single probe request.
package breaker

import (
	"math"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/bulkfetch/internal/retry"
)

// State is the circuit state of a host.
type State int

// Circuit states.
const (
	Closed State = iota
	Open
	HalfOpen
)

func (s State) String() string {
	switch s {
	case Closed:
		return "closed"
	case Open:
		return "open"
	case HalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// Decision is the answer to Allow.
type Decision int

// Allow decisions.
const (
	// Admit lets the request through.
	Admit Decision = iota
	// Reject fails the request without I/O.
	Reject
	// Probe makes the caller responsible for the single recovery probe.
	Probe
)

// Config controls thresholds and reset backoff.
type Config struct {
	FailureThreshold int
	InitialReset     time.Duration
	MaxReset         time.Duration
	Multiplier       float64
	// MaxResetAttempts is the number of failed probes after which a host is
	// abandoned for the rest of the job.
	MaxResetAttempts int
}

// DefaultConfig returns the stock thresholds.
func DefaultConfig() Config {
	return Config{
		FailureThreshold: 5,
		InitialReset:     30 * time.Second,
		MaxReset:         10 * time.Minute,
		Multiplier:       2,
		MaxResetAttempts: 5,
	}
}

// HostState is a point-in-time view of one circuit.
type HostState struct {
	Host                string    `json:"host"`
	State               string    `json:"state"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
	OpenedAt            time.Time `json:"opened_at,omitzero"`
	ResetAttempt        int       `json:"reset_attempt"`
	NextProbeAt         time.Time `json:"next_probe_at,omitzero"`
	Fatal               bool      `json:"fatal"`
}

type record struct {
	state        State
	failures     int
	openedAt     time.Time
	resetAttempt int
	nextProbeAt  time.Time
	fatal        bool
}

type transition struct {
	host     string
	from, to State
}

// Breaker tracks a circuit per host.
type Breaker struct {
	mu      sync.Mutex
	records map[string]*record
	cfg     Config
	now     func() time.Time
	logger  *zap.Logger
	onState []func(host string, from, to State)
}

// Option customizes a Breaker.
type Option func(*Breaker)

// WithClock replaces the time source.
func WithClock(now func() time.Time) Option {
	return func(b *Breaker) {
		if now != nil {
			b.now = now
		}
	}
}

// WithLogger attaches a logger.
func WithLogger(logger *zap.Logger) Option {
	return func(b *Breaker) {
		if logger != nil {
			b.logger = logger
		}
	}
}

// OnStateChange registers fn to run after every state transition.
func OnStateChange(fn func(host string, from, to State)) Option {
	return func(b *Breaker) {
		if fn != nil {
			b.onState = append(b.onState, fn)
		}
	}
}

// New creates a Breaker.
func New(cfg Config, opts ...Option) *Breaker {
	def := DefaultConfig()
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = def.FailureThreshold
	}
	if cfg.InitialReset <= 0 {
		cfg.InitialReset = def.InitialReset
	}
	if cfg.MaxReset < cfg.InitialReset {
		cfg.MaxReset = cfg.InitialReset
	}
	if cfg.Multiplier < 1 {
		cfg.Multiplier = def.Multiplier
	}
	if cfg.MaxResetAttempts <= 0 {
		cfg.MaxResetAttempts = def.MaxResetAttempts
	}
	b := &Breaker{
		records: make(map[string]*record),
		cfg:     cfg,
		now:     time.Now,
		logger:  zap.NewNop(),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

func (b *Breaker) recordFor(host string) *record {
	r, ok := b.records[host]
	if !ok {
		r = &record{state: Closed}
		b.records[host] = r
	}
	return r
}

// Allow decides whether a request to host may proceed. When it returns
// Reject the time is the earliest moment a probe may be attempted, or zero
// for hosts that will not be probed again.
func (b *Breaker) Allow(host string) (Decision, time.Time) {
	b.mu.Lock()
	r := b.recordFor(host)
	var (
		decision Decision
		retryAt  time.Time
		changed  *transition
	)
	switch r.state {
	case Closed:
		decision = Admit
	case Open:
		now := b.now()
		if r.fatal {
			decision = Reject
		} else if now.Before(r.nextProbeAt) {
			decision, retryAt = Reject, r.nextProbeAt
		} else {
			r.state = HalfOpen
			decision = Probe
			changed = &transition{host: host, from: Open, to: HalfOpen}
		}
	case HalfOpen:
		decision, retryAt = Reject, r.nextProbeAt
	}
	b.mu.Unlock()
	b.notify(changed)
	return decision, retryAt
}

// ProbeResult resolves the outstanding probe for host.
func (b *Breaker) ProbeResult(host string, ok bool) {
	b.mu.Lock()
	r := b.recordFor(host)
	if r.state != HalfOpen {
		b.mu.Unlock()
		return
	}
	changed := &transition{host: host, from: HalfOpen}
	if ok {
		r.state = Closed
		r.failures = 0
		r.resetAttempt = 0
		r.openedAt = time.Time{}
		r.nextProbeAt = time.Time{}
		changed.to = Closed
		b.mu.Unlock()
		b.notify(changed)
		return
	}
	now := b.now()
	r.state = Open
	r.openedAt = now
	r.nextProbeAt = now.Add(b.resetDelay(r.resetAttempt))
	r.resetAttempt++
	if r.resetAttempt >= b.cfg.MaxResetAttempts {
		r.fatal = true
	}
	fatal := r.fatal
	changed.to = Open
	b.mu.Unlock()
	if fatal {
		b.logger.Warn("host abandoned after failed probes",
			zap.String("host", host),
			zap.Int("reset_attempts", b.cfg.MaxResetAttempts),
		)
	}
	b.notify(changed)
}

// CancelProbe returns an outstanding probe slot without judging the host,
// leaving the circuit Open and immediately probe-eligible.
func (b *Breaker) CancelProbe(host string) {
	b.mu.Lock()
	r := b.recordFor(host)
	if r.state != HalfOpen {
		b.mu.Unlock()
		return
	}
	r.state = Open
	b.mu.Unlock()
	b.notify(&transition{host: host, from: HalfOpen, to: Open})
}

// RecordSuccess clears the failure count of a closed circuit.
func (b *Breaker) RecordSuccess(host string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	r := b.recordFor(host)
	if r.state == Closed {
		r.failures = 0
	}
}

// RecordFailure counts a terminal failure of kind against host. Kinds that
// say nothing about host health are ignored.
func (b *Breaker) RecordFailure(host string, kind retry.Kind) {
	if !CountsAsFailure(kind) {
		return
	}
	b.mu.Lock()
	r := b.recordFor(host)
	if r.state != Closed {
		b.mu.Unlock()
		return
	}
	r.failures++
	if r.failures < b.cfg.FailureThreshold {
		b.mu.Unlock()
		return
	}
	now := b.now()
	r.state = Open
	r.openedAt = now
	r.resetAttempt = 0
	r.nextProbeAt = now.Add(b.cfg.InitialReset)
	failures := r.failures
	b.mu.Unlock()

	b.logger.Warn("circuit opened",
		zap.String("host", host),
		zap.Int("consecutive_failures", failures),
		zap.String("last_kind", string(kind)),
	)
	b.notify(&transition{host: host, from: Closed, to: Open})
}

// CountsAsFailure reports whether kind is evidence that a host is unhealthy.
func CountsAsFailure(kind retry.Kind) bool {
	switch kind {
	case retry.KindTimeout, retry.KindNetwork, retry.KindServerError, retry.KindExhausted:
		return true
	default:
		return false
	}
}

// State returns the current state of host.
func (b *Breaker) State(host string) State {
	b.mu.Lock()
	defer b.mu.Unlock()
	if r, ok := b.records[host]; ok {
		return r.state
	}
	return Closed
}

// Fatal reports whether host has been abandoned.
func (b *Breaker) Fatal(host string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	r, ok := b.records[host]
	return ok && r.fatal
}

// OpenFraction returns the share of known hosts whose circuit is currently
// blocking traffic and still expected to recover. Fatal hosts and open
// circuits already due for a probe are not counted.
func (b *Breaker) OpenFraction() float64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.records) == 0 {
		return 0
	}
	now := b.now()
	blocked := 0
	for _, r := range b.records {
		switch {
		case r.fatal:
		case r.state == HalfOpen:
			blocked++
		case r.state == Open && now.Before(r.nextProbeAt):
			blocked++
		}
	}
	return float64(blocked) / float64(len(b.records))
}

// Snapshot returns every known circuit sorted by host.
func (b *Breaker) Snapshot() []HostState {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]HostState, 0, len(b.records))
	for host, r := range b.records {
		out = append(out, HostState{
			Host:                host,
			State:               r.state.String(),
			ConsecutiveFailures: r.failures,
			OpenedAt:            r.openedAt,
			ResetAttempt:        r.resetAttempt,
			NextProbeAt:         r.nextProbeAt,
			Fatal:               r.fatal,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Host < out[j].Host })
	return out
}

func (b *Breaker) resetDelay(attempt int) time.Duration {
	d := float64(b.cfg.InitialReset) * math.Pow(b.cfg.Multiplier, float64(attempt))
	if d > float64(b.cfg.MaxReset) {
		return b.cfg.MaxReset
	}
	return time.Duration(d)
}

func (b *Breaker) notify(t *transition) {
	if t == nil {
		return
	}
	b.logger.Debug("circuit state change",
		zap.String("host", t.host),
		zap.String("from", t.from.String()),
		zap.String("to", t.to.String()),
	)
	for _, fn := range b.onState {
		fn(t.host, t.from, t.to)
	}
}
