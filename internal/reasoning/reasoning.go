// Package reasoning maps the gateway's effort levels onto provider-native
// reasoning controls: effort enums, numeric token budgets, or a boolean toggle.
package reasoning

import (
	"math"

	"github.com/aistats/gateway/internal/ir"
)

// Share of the provider's maximum reasoning tokens granted per effort.
var effortPercent = map[ir.Effort]float64{
	ir.EffortNone:    0,
	ir.EffortMinimal: 0.15,
	ir.EffortLow:     0.30,
	ir.EffortMedium:  0.50,
	ir.EffortHigh:    0.75,
	ir.EffortXHigh:   0.90,
	ir.EffortMax:     0.90,
}

// Percent returns the ceiling share for an effort.
func Percent(e ir.Effort) (float64, bool) {
	p, ok := effortPercent[e]
	return p, ok
}

// Budget returns round(ceiling * percent) for an effort. Unknown efforts and
// non-positive ceilings yield 0.
func Budget(e ir.Effort, ceiling int) int {
	p, ok := effortPercent[e]
	if !ok || ceiling <= 0 {
		return 0
	}
	return int(math.Round(float64(ceiling) * p))
}

// Style is how a provider accepts reasoning configuration.
type Style string

const (
	StyleEffort  Style = "effort"
	StyleTokens  Style = "tokens"
	StyleEnabled Style = "enabled"
)

// Capability describes a provider/model's reasoning support.
type Capability struct {
	Style Style
	// MaxReasoningTokens is the budget ceiling; 0 when unknown.
	MaxReasoningTokens int
	// Levels are the native effort levels; empty means every gateway level.
	Levels []ir.Effort
}

// Normalize adapts r to what the provider accepts. It never invents a level
// or budget the caller did not ask for, and an explicit disable always wins.
func Normalize(r *ir.Reasoning, c Capability) *ir.Reasoning {
	if r == nil {
		return nil
	}
	if r.Disabled() {
		return &ir.Reasoning{Enabled: ir.Bool(false), Summary: r.Summary}
	}

	out := &ir.Reasoning{Summary: r.Summary, Enabled: r.Enabled}

	switch c.Style {
	case StyleTokens:
		switch {
		case r.MaxTokens != nil:
			out.MaxTokens = ir.Int(*r.MaxTokens)
			out.Enabled = ir.Bool(true)
		case r.Effort != "" && c.MaxReasoningTokens > 0:
			out.MaxTokens = ir.Int(Budget(r.Effort, c.MaxReasoningTokens))
			out.Enabled = ir.Bool(true)
		case r.Effort != "":
			out.Enabled = ir.Bool(true)
		}
	case StyleEffort:
		switch {
		case r.Effort != "":
			out.Effort = NearestLevel(r.Effort, c.Levels)
		case r.MaxTokens != nil && c.MaxReasoningTokens > 0:
			out.Effort = NearestLevel(EffortForTokens(*r.MaxTokens, c.MaxReasoningTokens), c.Levels)
		}
		if out.Effort != "" {
			out.Enabled = ir.Bool(true)
		}
	case StyleEnabled:
		if r.Effort != "" || r.MaxTokens != nil {
			out.Enabled = ir.Bool(true)
		}
	default:
		out.Effort = r.Effort
		if r.MaxTokens != nil {
			out.MaxTokens = ir.Int(*r.MaxTokens)
		}
	}

	if out.Effort == "" && out.MaxTokens == nil && out.Enabled == nil && out.Summary == "" {
		return nil
	}
	return out
}

// NearestLevel maps e onto the closest native level by ceiling share. Ties
// resolve to the lower level. An empty levels list accepts e unchanged.
func NearestLevel(e ir.Effort, levels []ir.Effort) ir.Effort {
	if len(levels) == 0 {
		return e
	}
	for _, l := range levels {
		if l == e {
			return e
		}
	}

	want, ok := effortPercent[e]
	if !ok {
		return ""
	}

	best := ir.Effort("")
	bestDist := math.Inf(1)
	for _, l := range levels {
		p, ok := effortPercent[l]
		if !ok || l == ir.EffortNone {
			continue
		}
		d := math.Abs(p - want)
		if d < bestDist || (d == bestDist && l.Rank() < best.Rank()) {
			best, bestDist = l, d
		}
	}
	return best
}

// EffortForTokens converts a token budget to the nearest non-none effort.
func EffortForTokens(tokens, ceiling int) ir.Effort {
	if ceiling <= 0 || tokens <= 0 {
		return ""
	}
	share := float64(tokens) / float64(ceiling)

	best := ir.Effort("")
	bestDist := math.Inf(1)
	for _, e := range ir.Efforts {
		if e == ir.EffortNone {
			continue
		}
		d := math.Abs(effortPercent[e] - share)
		if d < bestDist {
			best, bestDist = e, d
		}
	}
	return best
}
