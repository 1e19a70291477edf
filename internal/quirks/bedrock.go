package quirks

import (
	"github.com/tidwall/gjson"

	"github.com/aistats/gateway/internal/ir"
)

const bedrockAnthropicVersion = "bedrock-2023-05-31"

// BedrockMessages adapts a messages payload for Bedrock InvokeModel, which
// takes the model id out of band and needs an anthropic_version.
func BedrockMessages(payload []byte, _ *ir.ChatRequest, _ string) []byte {
	if !isObject(payload) || !gjson.GetBytes(payload, "messages").IsArray() {
		return payload
	}
	payload = del(payload, "model", "stream", "service_tier")
	if !gjson.GetBytes(payload, "anthropic_version").Exists() {
		payload = set(payload, "anthropic_version", bedrockAnthropicVersion)
	}
	return payload
}
