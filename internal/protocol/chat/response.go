package chat

import (
	"github.com/tidwall/gjson"

	"github.com/aistats/gateway/internal/domain"
	"github.com/aistats/gateway/internal/ir"
	"github.com/aistats/gateway/internal/protocol/wire"
	"github.com/aistats/gateway/internal/usage"
)

type Response struct {
	ID          string   `json:"id"`
	Object      string   `json:"object"`
	Created     int64    `json:"created"`
	Model       string   `json:"model"`
	Choices     []choice `json:"choices"`
	Usage       *Usage   `json:"usage,omitempty"`
	ServiceTier string   `json:"service_tier,omitempty"`
}

type choice struct {
	Index        int      `json:"index"`
	Message      *Message `json:"message,omitempty"`
	Delta        *Message `json:"delta,omitempty"`
	FinishReason *string  `json:"finish_reason"`
}

type Usage struct {
	PromptTokens            int                `json:"prompt_tokens"`
	CompletionTokens        int                `json:"completion_tokens"`
	TotalTokens             int                `json:"total_tokens"`
	PromptTokensDetails     *promptDetails     `json:"prompt_tokens_details,omitempty"`
	CompletionTokensDetails *completionDetails `json:"completion_tokens_details,omitempty"`
}

type promptDetails struct {
	CachedTokens     *int `json:"cached_tokens,omitempty"`
	CacheWriteTokens *int `json:"cache_write_tokens,omitempty"`
}

type completionDetails struct {
	ReasoningTokens *int `json:"reasoning_tokens,omitempty"`
}

// DecodeResponse parses a chat completion body.
func DecodeResponse(body []byte) (*ir.ChatResponse, error) {
	derr := &domain.DecodeError{Protocol: Protocol}
	if !gjson.ValidBytes(body) {
		return nil, derr.Add("body is not valid JSON")
	}
	root := gjson.ParseBytes(body)

	resp := &ir.ChatResponse{
		NativeID:    root.Get("id").String(),
		Created:     root.Get("created").Int(),
		Model:       root.Get("model").String(),
		ServiceTier: root.Get("service_tier").String(),
		Usage:       usage.Parse(root.Get("usage")),
	}

	choices := root.Get("choices")
	if !choices.IsArray() {
		derr.Add("choices must be an array")
	}
	for i, c := range choices.Array() {
		m := c.Get("message")
		msg := decodeMessage(m, i, derr)
		msg.Role = ir.RoleAssistant
		ch := ir.Choice{
			Index:        int(c.Get("index").Int()),
			Message:      msg,
			FinishReason: decodeFinish(c.Get("finish_reason").String()),
			Refusal:      m.Get("refusal").String(),
		}
		resp.Choices = append(resp.Choices, ch)
	}

	return resp, derr.Err()
}

func decodeFinish(s string) ir.FinishReason {
	switch s {
	case "stop", "":
		return ir.FinishStop
	case "length":
		return ir.FinishLength
	case "tool_calls", "function_call":
		return ir.FinishToolCalls
	case "content_filter":
		return ir.FinishContentFilter
	default:
		return ir.FinishReason(s)
	}
}

// EncodeResponse renders an IR response as a chat completion.
func EncodeResponse(resp *ir.ChatResponse) ([]byte, error) {
	return wire.Marshal(buildResponse(resp))
}

func buildResponse(resp *ir.ChatResponse) Response {
	out := Response{
		ID:          resp.ResponseID(),
		Object:      "chat.completion",
		Created:     resp.Created,
		Model:       resp.Model,
		ServiceTier: resp.ServiceTier,
		Usage:       EncodeUsage(resp.Usage),
		Choices:     make([]choice, 0, len(resp.Choices)),
	}
	for _, c := range resp.Choices {
		msgs := encodeMessage(c.Message)
		msg := msgs[0]
		msg.Role = string(ir.RoleAssistant)
		msg.Refusal = c.Refusal
		finish := string(c.FinishReason)
		out.Choices = append(out.Choices, choice{Index: c.Index, Message: &msg, FinishReason: &finish})
	}
	return out
}

// EncodeUsage renders usage with inclusive prompt counts.
func EncodeUsage(u *ir.Usage) *Usage {
	if u == nil {
		return nil
	}
	out := &Usage{
		PromptTokens:     usage.PromptTokens(u),
		CompletionTokens: u.OutputTokens,
		TotalTokens:      u.TotalTokens,
	}
	if u.CachedReadTokens != nil || u.CachedWriteTokens != nil {
		out.PromptTokensDetails = &promptDetails{CachedTokens: u.CachedReadTokens, CacheWriteTokens: u.CachedWriteTokens}
	}
	if u.ReasoningTokens != nil {
		out.CompletionTokensDetails = &completionDetails{ReasoningTokens: u.ReasoningTokens}
	}
	return out
}

// StreamEvents synthesizes a stream from a complete response: a role chunk,
// one chunk carrying the whole message with finish reason and usage, then
// the [DONE] sentinel.
func StreamEvents(resp *ir.ChatResponse) ([]wire.Event, error) {
	full := buildResponse(resp)

	created := Response{
		ID:      full.ID,
		Object:  "chat.completion.chunk",
		Created: full.Created,
		Model:   full.Model,
	}
	for _, c := range full.Choices {
		created.Choices = append(created.Choices, choice{Index: c.Index, Delta: &Message{Role: string(ir.RoleAssistant)}})
	}

	completed := full
	completed.Object = "chat.completion.chunk"
	completed.Choices = make([]choice, 0, len(full.Choices))
	for _, c := range full.Choices {
		completed.Choices = append(completed.Choices, choice{Index: c.Index, Delta: c.Message, FinishReason: c.FinishReason})
	}

	first, err := wire.Marshal(created)
	if err != nil {
		return nil, err
	}
	second, err := wire.Marshal(completed)
	if err != nil {
		return nil, err
	}
	return []wire.Event{{Data: first}, {Data: second}, {Data: []byte("[DONE]")}}, nil
}

type errorBody struct {
	Error errorDetail `json:"error"`
}

type errorDetail struct {
	Message string `json:"message"`
	Type    string `json:"type"`
	Code    string `json:"code,omitempty"`
}

// EncodeError renders the OpenAI error envelope.
func EncodeError(errType, code, message string) []byte {
	b, _ := wire.Marshal(errorBody{Error: errorDetail{Message: message, Type: errType, Code: code}})
	return b
}
