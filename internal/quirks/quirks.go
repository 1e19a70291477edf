// Package quirks patches already-encoded upstream payloads for providers that
// deviate from the protocol they claim to speak.
//
// A Transformer must be pure and idempotent, and must return the payload
// unchanged when it does not recognize its shape.
package quirks

import (
	"sync"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"github.com/aistats/gateway/internal/ir"
)

// Transformer rewrites an encoded request payload for one provider.
type Transformer interface {
	TransformRequest(payload []byte, req *ir.ChatRequest, model string) []byte
}

// Func adapts a function to Transformer.
type Func func(payload []byte, req *ir.ChatRequest, model string) []byte

func (f Func) TransformRequest(payload []byte, req *ir.ChatRequest, model string) []byte {
	return f(payload, req, model)
}

// Chain applies transformers in order.
type Chain []Transformer

func (c Chain) TransformRequest(payload []byte, req *ir.ChatRequest, model string) []byte {
	for _, t := range c {
		payload = t.TransformRequest(payload, req, model)
	}
	return payload
}

var (
	mu       sync.RWMutex
	registry = map[string]Transformer{
		"openai":          Chain{Func(Sanitize), Func(OpenAIChatReasoning), Func(OpenAIResponsesReasoning)},
		"openai-compat":   Chain{Func(Sanitize), Func(OpenAIChatReasoning)},
		"responses-items": Chain{Func(Sanitize), Func(ResponsesItems), Func(OpenAIResponsesReasoning)},
		"cerebras":        Chain{Func(Sanitize), Func(Cerebras)},
		"groq":            Chain{Func(Sanitize), Func(Groq)},
		"mistral":         Chain{Func(Sanitize), Func(Mistral)},
		"deepseek":        Chain{Func(Sanitize), Func(DeepSeek)},
		"bedrock":         Func(BedrockMessages),
	}
)

// Register installs or replaces a quirk.
func Register(id string, t Transformer) {
	mu.Lock()
	defer mu.Unlock()
	registry[id] = t
}

// Lookup returns the quirk registered under id. Unknown ids get a no-op.
func Lookup(id string) Transformer {
	mu.RLock()
	defer mu.RUnlock()
	if t, ok := registry[id]; ok {
		return t
	}
	return Func(noop)
}

func noop(payload []byte, _ *ir.ChatRequest, _ string) []byte { return payload }

// set and del swallow sjson errors; a quirk never fails a request.
func set(payload []byte, path string, v any) []byte {
	if out, err := sjson.SetBytes(payload, path, v); err == nil {
		return out
	}
	return payload
}

func setRaw(payload []byte, path string, raw string) []byte {
	if out, err := sjson.SetRawBytes(payload, path, []byte(raw)); err == nil {
		return out
	}
	return payload
}

func del(payload []byte, paths ...string) []byte {
	for _, p := range paths {
		if !gjson.GetBytes(payload, p).Exists() {
			continue
		}
		if out, err := sjson.DeleteBytes(payload, p); err == nil {
			payload = out
		}
	}
	return payload
}

func isObject(payload []byte) bool {
	return gjson.ValidBytes(payload) && gjson.ParseBytes(payload).IsObject()
}
