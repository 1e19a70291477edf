// Package usage turns provider usage blocks into ir.Usage.
//
// Providers disagree on field names and on whether prompt counts include
// cached tokens. Everything funnels through Parse so the rest of the gateway
// sees one shape: InputTokens never includes cached reads or writes.
package usage

import (
	"github.com/tidwall/gjson"

	"github.com/aistats/gateway/internal/ir"
)

var (
	inputPaths  = []string{"prompt_tokens", "input_tokens", "promptTokenCount"}
	outputPaths = []string{"completion_tokens", "output_tokens", "candidatesTokenCount"}
	totalPaths  = []string{"total_tokens", "totalTokenCount"}

	cachedReadPaths = []string{
		"cached_tokens",
		"prompt_tokens_details.cached_tokens",
		"input_tokens_details.cached_tokens",
		"cache_read_input_tokens",
		"cachedContentTokenCount",
	}
	cachedWritePaths = []string{
		"cache_write_tokens",
		"prompt_tokens_details.cache_write_tokens",
		"input_tokens_details.cache_write_tokens",
		"cache_creation_input_tokens",
	}
	reasoningPaths = []string{
		"reasoning_tokens",
		"completion_tokens_details.reasoning_tokens",
		"output_tokens_details.reasoning_tokens",
		"thoughtsTokenCount",
	}
)

// Parse reads a usage object. It returns nil when r carries no counts at all.
func Parse(r gjson.Result) *ir.Usage {
	if !r.IsObject() {
		return nil
	}

	in, hasIn := first(r, inputPaths)
	out, hasOut := first(r, outputPaths)
	total, hasTotal := first(r, totalPaths)
	cachedRead := CachedReadTokens(r)
	cachedWrite := optFirst(r, cachedWritePaths)
	reasoning := optFirst(r, reasoningPaths)

	if !hasIn && !hasOut && !hasTotal && cachedRead == nil && cachedWrite == nil {
		return nil
	}

	// Anthropic-style blocks already report uncached input. Everyone else
	// folds cache traffic into the prompt count.
	if !exclusiveInput(r) {
		if cachedRead != nil {
			in -= *cachedRead
		}
		if cachedWrite != nil {
			in -= *cachedWrite
		}
		if in < 0 {
			in = 0
		}
	}

	u := &ir.Usage{
		InputTokens:       in,
		OutputTokens:      out,
		CachedReadTokens:  cachedRead,
		CachedWriteTokens: cachedWrite,
		ReasoningTokens:   reasoning,
	}
	if hasTotal {
		u.TotalTokens = total
	} else {
		u.TotalTokens = InputTotal(u) + out
	}
	return u
}

// CachedReadTokens is the one accessor for the prompt-cache hit count across
// every known spelling. It returns nil, not zero, when no field is present.
func CachedReadTokens(r gjson.Result) *int {
	return optFirst(r, cachedReadPaths)
}

// InputTotal is input plus cached reads and writes.
func InputTotal(u *ir.Usage) int {
	if u == nil {
		return 0
	}
	n := u.InputTokens
	if u.CachedReadTokens != nil {
		n += *u.CachedReadTokens
	}
	if u.CachedWriteTokens != nil {
		n += *u.CachedWriteTokens
	}
	return n
}

// PromptTokens is the inclusive prompt count OpenAI-style protocols report.
func PromptTokens(u *ir.Usage) int {
	return InputTotal(u)
}

func exclusiveInput(r gjson.Result) bool {
	return r.Get("cache_read_input_tokens").Exists() || r.Get("cache_creation_input_tokens").Exists()
}

func first(r gjson.Result, paths []string) (int, bool) {
	for _, p := range paths {
		if v := r.Get(p); v.Type == gjson.Number {
			return int(v.Int()), true
		}
	}
	return 0, false
}

func optFirst(r gjson.Result, paths []string) *int {
	if v, ok := first(r, paths); ok {
		return &v
	}
	return nil
}
