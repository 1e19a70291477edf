package quirks

import (
	"strconv"
	"strings"

	"github.com/tidwall/gjson"

	"github.com/aistats/gateway/internal/ir"
	"github.com/aistats/gateway/internal/reasoning"
)

var cerebrasLevels = []ir.Effort{ir.EffortNone, ir.EffortLow, ir.EffortMedium, ir.EffortHigh}

// Cerebras accepts only none/low/medium/high efforts, has no developer role,
// rejects several OpenAI fields, and refuses response_format while reasoning.
func Cerebras(payload []byte, req *ir.ChatRequest, model string) []byte {
	if !isObject(payload) || !gjson.GetBytes(payload, "messages").IsArray() {
		return payload
	}

	if mt := gjson.GetBytes(payload, "max_tokens"); mt.Exists() {
		if !gjson.GetBytes(payload, "max_completion_tokens").Exists() {
			payload = setRaw(payload, "max_completion_tokens", mt.Raw)
		}
		payload = del(payload, "max_tokens")
	}

	if req != nil && req.Reasoning != nil {
		r := req.Reasoning
		if r.MaxTokens != nil && !r.Disabled() && !gjson.GetBytes(payload, "max_reasoning_tokens").Exists() {
			payload = set(payload, "max_reasoning_tokens", *r.MaxTokens)
		}
		switch {
		case r.Disabled():
			payload = set(payload, "reasoning_effort", string(ir.EffortNone))
		case r.Effort != "":
			if e := reasoning.NearestLevel(r.Effort, cerebrasLevels); e != "" {
				payload = set(payload, "reasoning_effort", string(e))
			}
		}
	}

	for i, m := range gjson.GetBytes(payload, "messages").Array() {
		if m.Get("role").String() == string(ir.RoleDeveloper) {
			payload = set(payload, "messages."+strconv.Itoa(i)+".role", string(ir.RoleSystem))
		}
	}

	payload = del(payload,
		"prompt_cache_key", "safety_identifier",
		"frequency_penalty", "presence_penalty", "logit_bias",
		"reasoning",
	)

	if effort := gjson.GetBytes(payload, "reasoning_effort").String(); effort != "" && effort != string(ir.EffortNone) {
		payload = del(payload, "response_format")
	}

	// clear_thinking and disable_reasoning only exist on GLM 4.7.
	glm := strings.Contains(strings.ToLower(model), "glm-4.7")
	for _, k := range []string{"clear_thinking", "disable_reasoning"} {
		v := gjson.GetBytes(payload, k)
		if v.Exists() && (!glm || !(v.IsBool() || v.Type == gjson.Null)) {
			payload = del(payload, k)
		}
	}
	return payload
}
