package usage

import (
	"github.com/tidwall/gjson"

	"github.com/aistats/gateway/internal/ir"
)

// Meter names used by price cards.
const (
	MeterInputText       = "input_text_tokens"
	MeterOutputText      = "output_text_tokens"
	MeterCachedReadText  = "cached_read_text_tokens"
	MeterCachedWriteText = "cached_write_text_tokens"
	MeterReasoning       = "reasoning_tokens"
	MeterRequests        = "requests"

	// DerivedInputTotal is not billed; rules match on it.
	DerivedInputTotal = "input_total_tokens"
)

// Meters flattens usage into billable meter counts. Optional sub-counts are
// only present when the upstream reported them.
func Meters(u *ir.Usage) map[string]int64 {
	if u == nil {
		return map[string]int64{}
	}
	m := map[string]int64{
		MeterInputText:  int64(u.InputTokens),
		MeterOutputText: int64(u.OutputTokens),
	}
	if u.CachedReadTokens != nil {
		m[MeterCachedReadText] = int64(*u.CachedReadTokens)
	}
	if u.CachedWriteTokens != nil {
		m[MeterCachedWriteText] = int64(*u.CachedWriteTokens)
	}
	if u.ReasoningTokens != nil {
		m[MeterReasoning] = int64(*u.ReasoningTokens)
	}
	return m
}

// MetersFromJSON reads ad-hoc usage: any known usage spelling, plus numeric
// fields named after meters directly (requests, image or audio meters).
func MetersFromJSON(body []byte) map[string]int64 {
	r := gjson.ParseBytes(body)
	m := Meters(Parse(r))
	skip := make(map[string]bool)
	for _, paths := range [][]string{inputPaths, outputPaths, totalPaths, cachedReadPaths, cachedWritePaths, reasoningPaths} {
		for _, p := range paths {
			skip[p] = true
		}
	}
	r.ForEach(func(k, v gjson.Result) bool {
		if v.Type == gjson.Number && !skip[k.String()] {
			m[k.String()] = v.Int()
		}
		return true
	})
	return m
}
