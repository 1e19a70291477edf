package quirks

import (
	"strconv"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"github.com/aistats/gateway/internal/ir"
)

// Sanitize drops numeric parameters outside the ranges OpenAI-compatible
// servers accept and maps the "standard" tier to "default".
func Sanitize(payload []byte, _ *ir.ChatRequest, _ string) []byte {
	if !isObject(payload) {
		return payload
	}
	payload = dropOutOfRange(payload, "temperature", 0, 2)
	payload = dropOutOfRange(payload, "top_p", 0, 1)
	payload = dropOutOfRange(payload, "frequency_penalty", -2, 2)
	payload = dropOutOfRange(payload, "presence_penalty", -2, 2)
	payload = dropOutOfRange(payload, "top_logprobs", 0, 20)
	for _, k := range []string{"max_tokens", "max_completion_tokens", "max_output_tokens"} {
		if v := gjson.GetBytes(payload, k); v.Exists() && (v.Type != gjson.Number || v.Int() <= 0 || v.Float() != float64(v.Int())) {
			payload = del(payload, k)
		}
	}
	if gjson.GetBytes(payload, "service_tier").String() == "standard" {
		payload = set(payload, "service_tier", "default")
	}
	return payload
}

func dropOutOfRange(payload []byte, key string, lo, hi float64) []byte {
	v := gjson.GetBytes(payload, key)
	if !v.Exists() || v.Type == gjson.Null {
		return payload
	}
	if v.Type != gjson.Number || v.Float() < lo || v.Float() > hi {
		return del(payload, key)
	}
	return payload
}

// OpenAIChatReasoning turns the gateway reasoning object on a chat payload
// into the native reasoning_effort field.
func OpenAIChatReasoning(payload []byte, _ *ir.ChatRequest, _ string) []byte {
	if !isObject(payload) || !gjson.GetBytes(payload, "messages").IsArray() {
		return payload
	}
	r := gjson.GetBytes(payload, "reasoning")
	if !r.IsObject() {
		return payload
	}
	effort := r.Get("effort").String()
	if effort == "" && r.Get("enabled").Type == gjson.False {
		effort = string(ir.EffortNone)
	}
	if effort != "" && !gjson.GetBytes(payload, "reasoning_effort").Exists() {
		payload = set(payload, "reasoning_effort", effort)
	}
	return del(payload, "reasoning")
}

// OpenAIResponsesReasoning strips the gateway-only reasoning keys from a
// responses payload.
func OpenAIResponsesReasoning(payload []byte, _ *ir.ChatRequest, _ string) []byte {
	if !isObject(payload) || gjson.GetBytes(payload, "messages").Exists() {
		return payload
	}
	r := gjson.GetBytes(payload, "reasoning")
	if !r.IsObject() {
		return payload
	}
	if r.Get("enabled").Type == gjson.False && !r.Get("effort").Exists() {
		payload = set(payload, "reasoning.effort", string(ir.EffortNone))
	}
	return del(payload, "reasoning.enabled", "reasoning.max_tokens")
}

// ResponsesItems reshapes a payload for servers that speak the items
// protocol strictly: input_items becomes input, tools and tool_choice lose
// their nested function wrapper, and a response_format.json_schema becomes
// text.format with the name hoisted. Plain chat payloads are left alone.
func ResponsesItems(payload []byte, _ *ir.ChatRequest, _ string) []byte {
	if !isObject(payload) || gjson.GetBytes(payload, "messages").Exists() {
		return payload
	}

	if items := gjson.GetBytes(payload, "input_items"); items.Exists() {
		if !gjson.GetBytes(payload, "input").Exists() {
			payload = setRaw(payload, "input", items.Raw)
		}
		payload = del(payload, "input_items")
	}

	if !gjson.GetBytes(payload, "input").IsArray() {
		return payload
	}

	for i, t := range gjson.GetBytes(payload, "tools").Array() {
		fn := t.Get("function")
		if !fn.IsObject() {
			continue
		}
		base := "tools." + strconv.Itoa(i)
		for _, k := range []string{"name", "description", "parameters", "strict"} {
			if v := fn.Get(k); v.Exists() && !t.Get(k).Exists() {
				payload = setRaw(payload, base+"."+k, v.Raw)
			}
		}
		payload = del(payload, base+".function")
	}

	if tc := gjson.GetBytes(payload, "tool_choice"); tc.IsObject() {
		if name := tc.Get("function.name"); name.Exists() {
			payload = setRaw(payload, "tool_choice", `{"type":"function","name":`+name.Raw+`}`)
		}
	}

	if rf := gjson.GetBytes(payload, "response_format"); rf.IsObject() {
		if !gjson.GetBytes(payload, "text.format").Exists() {
			format := `{"type":` + orString(rf.Get("type").Raw, `"text"`) + `}`
			if js := rf.Get("json_schema"); js.IsObject() {
				format = `{"type":"json_schema"}`
				for _, k := range []string{"name", "schema", "strict", "description"} {
					if v := js.Get(k); v.Exists() {
						if f, err := sjson.SetRaw(format, k, v.Raw); err == nil {
							format = f
						}
					}
				}
			}
			payload = setRaw(payload, "text.format", format)
		}
		payload = del(payload, "response_format")
	}

	return payload
}

func orString(raw, fallback string) string {
	if raw == "" {
		return fallback
	}
	return raw
}

// DeepSeek has no reasoning controls, and its reasoner model rejects
// sampling parameters.
func DeepSeek(payload []byte, _ *ir.ChatRequest, model string) []byte {
	if !isObject(payload) {
		return payload
	}
	payload = del(payload, "reasoning", "logprobs", "top_logprobs")
	if model == "deepseek-reasoner" {
		payload = del(payload, "temperature", "top_p", "presence_penalty", "frequency_penalty")
	}
	return payload
}

// Groq rejects logprobs, logit_bias and per-message names.
func Groq(payload []byte, _ *ir.ChatRequest, _ string) []byte {
	if !isObject(payload) {
		return payload
	}
	payload = OpenAIChatReasoning(payload, nil, "")
	payload = del(payload, "logprobs", "logit_bias", "top_logprobs")
	for i, m := range gjson.GetBytes(payload, "messages").Array() {
		if m.Get("name").Exists() {
			payload = del(payload, "messages."+strconv.Itoa(i)+".name")
		}
	}
	return payload
}

// Mistral calls the seed random_seed and has no user or stream_options.
func Mistral(payload []byte, _ *ir.ChatRequest, _ string) []byte {
	if !isObject(payload) {
		return payload
	}
	payload = OpenAIChatReasoning(payload, nil, "")
	if seed := gjson.GetBytes(payload, "seed"); seed.Exists() {
		if !gjson.GetBytes(payload, "random_seed").Exists() {
			payload = setRaw(payload, "random_seed", seed.Raw)
		}
		payload = del(payload, "seed")
	}
	payload = del(payload, "stream_options", "user")
	return dropOutOfRange(payload, "temperature", 0, 1.5)
}
