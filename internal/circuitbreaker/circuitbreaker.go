// Package circuitbreaker tracks upstream health per (provider, model, endpoint)
// and runs a breaker state machine over it.
//
// States:
//   - closed: normal operation
//   - open: upstream unhealthy until OpenUntilMs; routing skips it
//   - half_open: the window elapsed; a single probe decides the next state
//
// Health records are advisory. Concurrent updates may race and the last
// writer wins; the data only biases routing.
//
// Implementations:
//   - InMemoryStore: single instance, sharded mutexes
//   - RedisStore: distributed, Lua compare-and-set
package circuitbreaker

import (
	"math"
	"time"

	"github.com/aistats/gateway/internal/domain"
)

type State string

const (
	StateClosed   State = "closed"
	StateOpen     State = "open"
	StateHalfOpen State = "half_open"
)

func (s State) String() string { return string(s) }

// Key identifies one tracked tuple.
type Key struct {
	Provider string          `json:"provider"`
	Model    string          `json:"model"`
	Endpoint domain.Endpoint `json:"endpoint"`
}

func (k Key) String() string {
	return k.Provider + "|" + k.Model + "|" + string(k.Endpoint)
}

// Health is the advisory record for one Key. Latencies are in milliseconds,
// throughput in tokens per second.
type Health struct {
	Key Key `json:"key"`

	State          State     `json:"state"`
	OpenUntilMs    int64     `json:"open_until_ms"`
	Attempts       int       `json:"attempts"`
	LastTransition time.Time `json:"last_transition_at"`

	LatencyMs     float64 `json:"lat_ewma_60s"`
	TailLatencyMs float64 `json:"lat_ewma_300s"`
	ErrorRate     float64 `json:"err_ewma_60s"`
	Throughput    float64 `json:"tp_ewma_60s"`

	RecentOK    float64 `json:"rec_ok"`
	RecentTotal float64 `json:"rec_tot"`

	Inflight int       `json:"inflight"`
	Load     float64   `json:"load"`
	Updated  time.Time `json:"last_updated"`
}

// Fresh is the record for a tuple with no history.
func Fresh(key Key) Health {
	return Health{
		Key:           key,
		State:         StateClosed,
		LatencyMs:     defaultLatencyMs,
		TailLatencyMs: defaultLatencyMs,
	}
}

const defaultLatencyMs = 800

// Deranked reports whether the breaker is open and its window has not elapsed.
func (h Health) Deranked(now time.Time) bool {
	return h.State == StateOpen && h.OpenUntilMs > now.UnixMilli()
}

// Flags summarizes a set of tracked tuples: deranked when any is open inside
// its window, recovering when none is and at least one is half_open.
func Flags(hs []Health, now time.Time) (deranked, recovering bool) {
	half := false
	for _, h := range hs {
		if h.Deranked(now) {
			return true, false
		}
		if h.State == StateHalfOpen || (h.State == StateOpen && !h.Deranked(now)) {
			half = true
		}
	}
	return false, half
}

type Config struct {
	// OpenErrorRate is the recent error share that opens a closed breaker.
	OpenErrorRate float64
	// MinSamples is the decayed request count required before opening.
	MinSamples float64
	BaseOpen   time.Duration
	MaxOpen    time.Duration
	// Tau is the EWMA time constant for latency, errors and throughput.
	Tau time.Duration
	// TailTau is the slower constant for tail latency.
	TailTau     time.Duration
	LoadSoftCap int
	// ProbeLease bounds how long a half_open probe may stay unreported.
	ProbeLease time.Duration
	// TTL expires records after inactivity.
	TTL time.Duration
}

func DefaultConfig() Config {
	return Config{
		OpenErrorRate: 0.5,
		MinSamples:    5,
		BaseOpen:      30 * time.Second,
		MaxOpen:       10 * time.Minute,
		Tau:           60 * time.Second,
		TailTau:       300 * time.Second,
		LoadSoftCap:   50,
		ProbeLease:    30 * time.Second,
		TTL:           24 * time.Hour,
	}
}

// Backoff is min(BaseOpen * 2^(attempts-1), MaxOpen).
func (c Config) Backoff(attempts int) time.Duration {
	if attempts < 1 {
		attempts = 1
	}
	d := float64(c.BaseOpen) * math.Pow(2, float64(attempts-1))
	if d > float64(c.MaxOpen) || math.IsInf(d, 1) {
		return c.MaxOpen
	}
	return time.Duration(d)
}

// Outcome is the result of one upstream call.
type Outcome struct {
	Err     error
	Latency time.Duration
	// Generation is the time spent producing tokens; zero when unknown.
	Generation time.Duration
	Tokens     int
}

func (o Outcome) OK() bool { return o.Err == nil }

// elapse moves an open breaker whose window has passed to half_open.
func elapse(h Health, now time.Time) Health {
	if h.State == StateOpen && now.UnixMilli() >= h.OpenUntilMs {
		h.State = StateHalfOpen
		h.LastTransition = now
	}
	return h
}

func (c Config) openBreaker(h Health, now time.Time) Health {
	h.Attempts++
	until := now.Add(c.Backoff(h.Attempts)).UnixMilli()
	if until > h.OpenUntilMs {
		h.OpenUntilMs = until
	}
	h.State = StateOpen
	h.LastTransition = now
	return h
}

func closeBreaker(h Health, now time.Time) Health {
	h.State = StateClosed
	h.Attempts = 0
	h.OpenUntilMs = 0
	h.RecentOK, h.RecentTotal = 0, 0
	h.LastTransition = now
	return h
}

// record folds one outcome into h and advances the state machine.
func (c Config) record(h Health, o Outcome, now time.Time) Health {
	h = c.observe(h, o, now)
	h = elapse(h, now)

	switch h.State {
	case StateHalfOpen:
		if o.OK() {
			return closeBreaker(h, now)
		}
		return c.openBreaker(h, now)
	case StateClosed:
		if !o.OK() && h.RecentTotal >= c.MinSamples && 1-h.RecentOK/h.RecentTotal >= c.OpenErrorRate {
			return c.openBreaker(h, now)
		}
	}
	return h
}

// observe updates the EWMAs and decayed counters.
func (c Config) observe(h Health, o Outcome, now time.Time) Health {
	first := h.Updated.IsZero()
	dt := now.Sub(h.Updated)
	if first || dt < 0 {
		dt = 0
	}
	a := alpha(dt, c.Tau)
	tail := alpha(dt, c.TailTau)
	keep := decay(dt, c.Tau)
	if first {
		a, tail, keep = 1, 1, 1
	}

	lat := float64(o.Latency.Milliseconds())
	h.LatencyMs = ewma(h.LatencyMs, lat, a)
	h.TailLatencyMs = ewma(h.TailLatencyMs, lat, tail)

	errSample := 0.0
	if !o.OK() {
		errSample = 1
	}
	if first {
		h.ErrorRate = errSample
	} else {
		h.ErrorRate = ewma(h.ErrorRate, errSample, a)
	}

	if o.Tokens > 0 && o.Generation > 0 {
		tps := float64(o.Tokens) / math.Max(o.Generation.Seconds(), 0.001)
		if h.Throughput == 0 {
			h.Throughput = tps
		} else {
			h.Throughput = ewma(h.Throughput, tps, a)
		}
	}

	h.RecentTotal = h.RecentTotal*keep + 1
	h.RecentOK = h.RecentOK * keep
	if o.OK() {
		h.RecentOK++
	}

	if h.Inflight > 0 {
		h.Inflight--
	}
	h.Load = c.load(h.Inflight)
	h.Updated = now
	return h
}

func (c Config) load(inflight int) float64 {
	return math.Min(1, float64(inflight)/math.Max(float64(c.LoadSoftCap), 1))
}

// Samples closer together than this still move the average.
const minAlpha = 0.05

func alpha(dt, tau time.Duration) float64 {
	if tau <= 0 {
		return 1
	}
	return math.Max(minAlpha, 1-math.Exp(-float64(dt)/float64(tau)))
}

func decay(dt, tau time.Duration) float64 {
	if tau <= 0 {
		return 0
	}
	return math.Exp(-float64(dt) / float64(tau))
}

func ewma(prev, sample, a float64) float64 {
	return prev*(1-a) + sample*a
}
