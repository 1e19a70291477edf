package ir

// Effort is the gateway's discrete reasoning level.
type Effort string

const (
	EffortNone    Effort = "none"
	EffortMinimal Effort = "minimal"
	EffortLow     Effort = "low"
	EffortMedium  Effort = "medium"
	EffortHigh    Effort = "high"
	EffortXHigh   Effort = "xhigh"
	EffortMax     Effort = "max"
)

// Efforts lists every level in ascending order.
var Efforts = []Effort{EffortNone, EffortMinimal, EffortLow, EffortMedium, EffortHigh, EffortXHigh, EffortMax}

// Rank orders efforts; unknown levels rank -1.
func (e Effort) Rank() int {
	for i, v := range Efforts {
		if v == e {
			return i
		}
	}
	return -1
}

// Valid reports whether e is a known level.
func (e Effort) Valid() bool { return e.Rank() >= 0 }

// Reasoning carries thinking configuration. An empty Effort and a nil Enabled
// or MaxTokens mean "leave unset".
type Reasoning struct {
	Effort    Effort
	Enabled   *bool
	MaxTokens *int
	Summary   string
}

// Disabled reports whether reasoning is explicitly turned off.
func (r *Reasoning) Disabled() bool {
	if r == nil {
		return false
	}
	if r.Enabled != nil && !*r.Enabled {
		return true
	}
	return r.Effort == EffortNone
}
