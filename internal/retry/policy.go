package retry

import (
	"crypto/rand"
	"math"
	"math/big"
	"time"
)

// Variant names the URL rewrite applied before a retry.
type Variant int

// URL variants.
const (
	VariantNone Variant = iota
	// VariantSwapScheme flips https and http.
	VariantSwapScheme
	// VariantCanonical retries the canonical form of the URL.
	VariantCanonical
)

type rule struct {
	retryable bool
	// limit caps how often this kind may be retried; zero means MaxRetries.
	limit     int
	immediate bool
	honorHint bool
	// keepKind reports the kind itself rather than KindExhausted when retries run out.
	keepKind bool
	variant  Variant
}

var rules = map[Kind]rule{
	KindTimeout:     {retryable: true},
	KindNetwork:     {retryable: true, variant: VariantSwapScheme},
	KindServerError: {retryable: true},
	KindRateLimited: {retryable: true, honorHint: true},
	KindNotFound:    {retryable: true, limit: 1, immediate: true, keepKind: true, variant: VariantCanonical},
}

// Config controls retry limits and backoff.
type Config struct {
	MaxRetries  int
	BaseBackoff time.Duration
	MaxBackoff  time.Duration
	// JitterRatio spreads each delay uniformly within ±ratio.
	JitterRatio float64
}

// DefaultConfig returns conservative defaults.
func DefaultConfig() Config {
	return Config{
		MaxRetries:  3,
		BaseBackoff: 500 * time.Millisecond,
		MaxBackoff:  30 * time.Second,
		JitterRatio: 0.2,
	}
}

// Policy applies the per-kind rule table.
type Policy struct {
	cfg    Config
	random func() float64
}

// Option customizes a Policy.
type Option func(*Policy)

// WithRandom replaces the jitter source. fn must return values in [0, 1).
func WithRandom(fn func() float64) Option {
	return func(p *Policy) {
		if fn != nil {
			p.random = fn
		}
	}
}

// New builds a Policy.
func New(cfg Config, opts ...Option) *Policy {
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if cfg.BaseBackoff < 0 {
		cfg.BaseBackoff = 0
	}
	if cfg.MaxBackoff < cfg.BaseBackoff {
		cfg.MaxBackoff = cfg.BaseBackoff
	}
	if cfg.JitterRatio < 0 {
		cfg.JitterRatio = 0
	}
	if cfg.JitterRatio > 1 {
		cfg.JitterRatio = 1
	}
	p := &Policy{cfg: cfg, random: cryptoFraction}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Config returns the effective configuration.
func (p *Policy) Config() Config {
	return p.cfg
}

// ShouldRetry reports whether a failure of kind on the given 1-based
// attempt may be retried.
func (p *Policy) ShouldRetry(kind Kind, attempt int) bool {
	r, ok := rules[kind]
	if !ok || !r.retryable {
		return false
	}
	return attempt <= p.limit(r)
}

// NextDelay returns the wait before the attempt following a failure of
// kind on the given attempt. hint is a server-provided Retry-After.
func (p *Policy) NextDelay(kind Kind, attempt int, hint time.Duration) time.Duration {
	r := rules[kind]
	if r.immediate {
		return 0
	}
	if r.honorHint && hint > 0 {
		return min(hint, p.cfg.MaxBackoff)
	}
	return p.backoff(attempt)
}

// VariantFor returns the URL rewrite used when retrying kind.
func VariantFor(kind Kind) Variant {
	return rules[kind].variant
}

// Retryable reports whether kind is ever retried.
func Retryable(kind Kind) bool {
	return rules[kind].retryable
}

func (p *Policy) limit(r rule) int {
	if r.limit > 0 {
		return min(r.limit, p.cfg.MaxRetries)
	}
	return p.cfg.MaxRetries
}

func (p *Policy) backoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	base := float64(p.cfg.BaseBackoff) * math.Pow(2, float64(attempt-1))
	ceiling := float64(p.cfg.MaxBackoff)
	if base > ceiling {
		base = ceiling
	}
	delay := base * (1 + p.cfg.JitterRatio*(2*p.random()-1))
	if delay < 0 {
		delay = 0
	}
	if delay > ceiling {
		delay = ceiling
	}
	return time.Duration(delay)
}

const fractionBits = 53

func cryptoFraction() float64 {
	bound := big.NewInt(1 << fractionBits)
	n, err := rand.Int(rand.Reader, bound)
	if err != nil {
		return 0.5
	}
	return float64(n.Int64()) / float64(int64(1)<<fractionBits)
}

// State tracks the retry history of one URL.
type State struct {
	Attempt   int
	LastKind  Kind
	NextDelay time.Duration
	perKind   map[Kind]int
}

// Decide records a failed attempt and reports whether to try again and
// after what delay. The caller increments Attempt before each call.
func (p *Policy) Decide(st *State, fe *FetchError) (bool, time.Duration) {
	if st.perKind == nil {
		st.perKind = make(map[Kind]int)
	}
	st.LastKind = fe.Kind
	st.perKind[fe.Kind]++
	st.NextDelay = 0
	r, ok := rules[fe.Kind]
	if !ok || !r.retryable {
		return false, 0
	}
	if st.Attempt > p.cfg.MaxRetries || st.perKind[fe.Kind] > p.limit(r) {
		return false, 0
	}
	st.NextDelay = p.NextDelay(fe.Kind, st.Attempt, fe.RetryAfter)
	return true, st.NextDelay
}

// Terminal converts the last failure into the error reported for the URL.
// Retryable kinds that ran out of attempts become KindExhausted.
func Terminal(fe *FetchError) *FetchError {
	r := rules[fe.Kind]
	if !r.retryable || r.keepKind {
		return fe
	}
	return &FetchError{
		Kind:       KindExhausted,
		Cause:      fe.Kind,
		StatusCode: fe.StatusCode,
		RetryAfter: fe.RetryAfter,
		URL:        fe.URL,
		Err:        fe.Err,
	}
}
