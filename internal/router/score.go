package router

import (
	"hash/fnv"
	"math"
	"math/rand/v2"
	"sort"
	"strings"

	"github.com/aistats/gateway/internal/circuitbreaker"
	"github.com/aistats/gateway/internal/domain"
	"github.com/aistats/gateway/internal/usage"
)

type Priority string

const (
	PriorityDefault Priority = "default"
	PriorityFast    Priority = "fast"
	PriorityQuick   Priority = "quick"
	PriorityNitro   Priority = "nitro"
)

type Mode string

const (
	ModeBalanced   Mode = "balanced"
	ModePrice      Mode = "price"
	ModeLatency    Mode = "latency"
	ModeThroughput Mode = "throughput"
)

// ParseMode maps unknown or empty values to balanced.
func ParseMode(s string) Mode {
	switch Mode(strings.ToLower(strings.TrimSpace(s))) {
	case ModePrice:
		return ModePrice
	case ModeLatency:
		return ModeLatency
	case ModeThroughput:
		return ModeThroughput
	}
	return ModeBalanced
}

// Preset holds the scoring weights. L0 is the latency in ms at which the
// latency curve scores one half.
type Preset struct {
	Success    float64
	Latency    float64
	Tail       float64
	Throughput float64
	Load       float64
	Price      float64
	Noise      float64
	L0         float64
}

var presets = map[Priority]Preset{
	PriorityDefault: {Success: 0.35, Latency: 0.35, Tail: 0.15, Throughput: 0.10, Load: 0.05, Noise: 0.02, L0: 800},
	PriorityFast:    {Success: 0.30, Latency: 0.50, Tail: 0.15, Throughput: 0.03, Load: 0.02, Noise: 0.005, L0: 600},
	PriorityQuick:   {Success: 0.25, Latency: 0.45, Tail: 0.20, Throughput: 0.08, Load: 0.02, Noise: 0.015, L0: 500},
	PriorityNitro:   {Success: 0.24, Latency: 0.10, Tail: 0.06, Throughput: 0.55, Load: 0.05, Noise: 0.001, L0: 500},
}

// PresetFor returns the priority preset with the mode's weight overrides.
// Noise and L0 always come from the priority.
func PresetFor(p Priority, m Mode) Preset {
	preset, ok := presets[p]
	if !ok {
		preset = presets[PriorityDefault]
	}
	switch m {
	case ModePrice:
		preset.Success, preset.Latency, preset.Tail, preset.Throughput, preset.Load, preset.Price = 0.25, 0.15, 0.10, 0.05, 0.05, 0.40
	case ModeLatency:
		preset.Success, preset.Latency, preset.Tail, preset.Throughput, preset.Load, preset.Price = 0.25, 0.55, 0.15, 0.02, 0.03, 0
	case ModeThroughput:
		preset.Success, preset.Latency, preset.Tail, preset.Throughput, preset.Load, preset.Price = 0.20, 0.20, 0.10, 0.40, 0.10, 0
	}
	return preset
}

var suffixes = []Priority{PriorityNitro, PriorityFast, PriorityQuick}

// ParsePriority splits a ":nitro", ":fast" or ":quick" suffix off model.
// Suffixed models rank strictly by score.
func ParsePriority(model string) (base string, p Priority, strict bool) {
	lower := strings.ToLower(model)
	for _, s := range suffixes {
		if strings.HasSuffix(lower, ":"+string(s)) {
			return model[:len(model)-len(s)-1], s, true
		}
	}
	return model, PriorityDefault, false
}

const (
	tokenAffinityWeight = 0.10
	minWeight           = 0.0001
	betaRollout         = 0.05
	alphaRollout        = 0.03
)

// scorer holds the pool-wide ranges each candidate is normalized against.
type scorer struct {
	preset         Preset
	minP50, maxP50 float64
	minTail        float64
	maxTail        float64
	minTPS, maxTPS float64
	prices         map[string]float64
	maxTokens      int
}

func tailLatency(h circuitbreaker.Health) float64 {
	return math.Max(h.TailLatencyMs, h.LatencyMs*1.6)
}

func newScorer(preset Preset, pool []Ranked, endpoint domain.Endpoint, plan string, maxTokens int) *scorer {
	s := &scorer{preset: preset, maxTokens: maxTokens}
	s.minP50, s.maxP50 = math.Inf(1), math.Inf(-1)
	s.minTail, s.maxTail = math.Inf(1), math.Inf(-1)
	s.minTPS, s.maxTPS = math.Inf(1), math.Inf(-1)
	for _, r := range pool {
		h := r.Health
		s.minP50, s.maxP50 = math.Min(s.minP50, h.LatencyMs), math.Max(s.maxP50, h.LatencyMs)
		t := tailLatency(h)
		s.minTail, s.maxTail = math.Min(s.minTail, t), math.Max(s.maxTail, t)
		s.minTPS, s.maxTPS = math.Min(s.minTPS, h.Throughput), math.Max(s.maxTPS, h.Throughput)
	}
	if preset.Price > 0 {
		s.prices = priceScores(endpoint, plan, pool)
	}
	return s
}

func (s *scorer) score(r Ranked, rng func() float64) float64 {
	h := r.Health
	p := s.preset

	succ := 1 - h.ErrorRate
	p50Curve := 1 / (1 + h.LatencyMs/p.L0)
	p50Norm := 1 - normalise(h.LatencyMs, s.minP50, s.maxP50)
	tailNorm := 1 - normalise(tailLatency(h), s.minTail, s.maxTail)
	tpsNorm := 0.0
	if s.maxTPS > 0 {
		tpsNorm = normalise(h.Throughput, s.minTPS, s.maxTPS)
	}
	price := 0.5
	if v, ok := s.prices[r.Provider]; ok {
		price = v
	}

	base := p.Success*succ +
		p.Latency*(0.5*p50Curve+0.5*p50Norm) +
		p.Tail*tailNorm +
		p.Throughput*tpsNorm -
		p.Load*h.Load +
		p.Price*price +
		tokenAffinityWeight*tokenAffinity(s.maxTokens, r.MaxOutputTokens) +
		p.Noise*rng()

	weight := r.Weight
	if weight <= 0 {
		weight = 1
	}
	return math.Max(0, base*math.Max(weight, minWeight)*rollout(r.Status))
}

func rollout(s domain.ProviderStatus) float64 {
	switch s {
	case domain.StatusBeta:
		return betaRollout
	case domain.StatusAlpha:
		return alphaRollout
	}
	return 1
}

func normalise(v, lo, hi float64) float64 {
	if hi == lo {
		return 0.5
	}
	return math.Max(0, math.Min(1, (v-lo)/(hi-lo)))
}

// tokenAffinity favors candidates whose output limit sits closest above the
// requested max tokens. Unknown on either side is neutral.
func tokenAffinity(requested, limit int) float64 {
	if requested <= 0 || limit <= 0 {
		return 0.5
	}
	if limit < requested {
		return 0
	}
	headroom := limit - requested
	if headroom == 0 {
		return 1
	}
	return math.Max(0, math.Min(1, 1-float64(headroom)/float64(4*requested)))
}

var textPriceMeters = []string{usage.MeterInputText, usage.MeterOutputText}

// priceScores compares candidates on the sum of their cheapest per-unit
// prices over the meters every card shares. Text endpoints use input and
// output tokens when every card has both. Candidates that cannot be compared
// score 0.5.
func priceScores(endpoint domain.Endpoint, plan string, pool []Ranked) map[string]float64 {
	perUnit := make([]map[string]float64, len(pool))
	for i, r := range pool {
		m := make(map[string]float64)
		if r.Card != nil {
			for meter, p := range r.Card.CheapestPerUnit(plan) {
				m[meter] = p.InexactFloat64()
			}
		}
		perUnit[i] = m
	}

	meters := sharedMeters(perUnit)
	if endpoint.IsText() && len(meters) > 0 {
		all := true
		for _, m := range perUnit {
			for _, meter := range textPriceMeters {
				if _, ok := m[meter]; !ok {
					all = false
				}
			}
		}
		if all {
			meters = textPriceMeters
		}
	}

	out := make(map[string]float64, len(pool))
	if len(meters) == 0 {
		for _, r := range pool {
			out[r.Provider] = 0.5
		}
		return out
	}

	sums := make([]float64, len(pool))
	lo, hi := math.Inf(1), math.Inf(-1)
	for i, m := range perUnit {
		for _, meter := range meters {
			sums[i] += m[meter]
		}
		lo, hi = math.Min(lo, sums[i]), math.Max(hi, sums[i])
	}
	for i, r := range pool {
		if hi == lo {
			out[r.Provider] = 0.5
			continue
		}
		out[r.Provider] = 1 - (sums[i]-lo)/(hi-lo)
	}
	return out
}

func sharedMeters(maps []map[string]float64) []string {
	if len(maps) == 0 {
		return nil
	}
	var out []string
	for meter := range maps[0] {
		shared := true
		for _, m := range maps[1:] {
			if _, ok := m[meter]; !ok {
				shared = false
				break
			}
		}
		if shared {
			out = append(out, meter)
		}
	}
	sort.Strings(out)
	return out
}

// requestRand returns a generator whose sequence depends only on key, so a
// retried request sees the same provider order.
func requestRand(key string) func() float64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(key))
	sum := h.Sum64()
	return rand.New(rand.NewPCG(sum, sum>>32|sum<<32)).Float64
}

// weightedOrder draws items without replacement with probability
// proportional to their score.
func weightedOrder(items []Ranked, rng func() float64) []Ranked {
	bag := make([]Ranked, len(items))
	copy(bag, items)
	out := make([]Ranked, 0, len(items))
	for len(bag) > 0 {
		total := 0.0
		for _, b := range bag {
			total += math.Max(minWeight, b.Score)
		}
		r := rng() * total
		idx := 0
		for ; idx < len(bag)-1; idx++ {
			r -= math.Max(minWeight, bag[idx].Score)
			if r <= 0 {
				break
			}
		}
		out = append(out, bag[idx])
		bag = append(bag[:idx], bag[idx+1:]...)
	}
	return out
}

func strictOrder(items []Ranked) []Ranked {
	out := make([]Ranked, len(items))
	copy(out, items)
	sort.SliceStable(out, func(i, j int) bool { return out[i].Score > out[j].Score })
	return out
}
