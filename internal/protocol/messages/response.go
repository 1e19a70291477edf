package messages

import (
	"github.com/tidwall/gjson"

	"github.com/aistats/gateway/internal/domain"
	"github.com/aistats/gateway/internal/ir"
	"github.com/aistats/gateway/internal/protocol/wire"
	"github.com/aistats/gateway/internal/usage"
)

type Response struct {
	ID           string  `json:"id"`
	Type         string  `json:"type"`
	Role         string  `json:"role"`
	Model        string  `json:"model"`
	Content      []Block `json:"content"`
	StopReason   *string `json:"stop_reason"`
	StopSequence *string `json:"stop_sequence"`
	Usage        Usage   `json:"usage"`
}

type Usage struct {
	InputTokens              int    `json:"input_tokens"`
	OutputTokens             int    `json:"output_tokens"`
	CacheReadInputTokens     *int   `json:"cache_read_input_tokens,omitempty"`
	CacheCreationInputTokens *int   `json:"cache_creation_input_tokens,omitempty"`
	ServiceTier              string `json:"service_tier,omitempty"`
}

type messageEvent struct {
	Type    string   `json:"type"`
	Message Response `json:"message"`
}

// DecodeResponse parses a messages response into a single-choice IR response.
func DecodeResponse(body []byte) (*ir.ChatResponse, error) {
	derr := &domain.DecodeError{Protocol: Protocol}
	if !gjson.ValidBytes(body) {
		return nil, derr.Add("body is not valid JSON")
	}
	root := gjson.ParseBytes(body)

	resp := &ir.ChatResponse{
		NativeID:    root.Get("id").String(),
		Model:       root.Get("model").String(),
		ServiceTier: root.Get("usage.service_tier").String(),
		Usage:       usage.Parse(root.Get("usage")),
	}

	content := root.Get("content")
	if !content.IsArray() {
		derr.Add("content must be an array")
	}
	msgs := decodeMessage(gjson.Parse(`{"role":"assistant","content":`+orEmpty(content.Raw)+`}`), 0, derr)

	ch := ir.Choice{Message: ir.Message{Role: ir.RoleAssistant}}
	if len(msgs) > 0 {
		ch.Message = msgs[len(msgs)-1]
	}

	switch root.Get("stop_reason").String() {
	case "max_tokens", "model_context_window_exceeded":
		ch.FinishReason = ir.FinishLength
	case "tool_use":
		ch.FinishReason = ir.FinishToolCalls
	case "refusal":
		ch.FinishReason = ir.FinishContentFilter
	case "stop_sequence":
		ch.FinishReason = ir.FinishStop
		ch.StopSequence = root.Get("stop_sequence").String()
	default:
		ch.FinishReason = ir.FinishStop
	}
	resp.Choices = []ir.Choice{ch}

	return resp, derr.Err()
}

func orEmpty(raw string) string {
	if raw == "" {
		return "[]"
	}
	return raw
}

// EncodeResponse renders the first choice as a messages response.
func EncodeResponse(resp *ir.ChatResponse) ([]byte, error) {
	return wire.Marshal(buildResponse(resp))
}

func buildResponse(resp *ir.ChatResponse) Response {
	out := Response{
		ID:      resp.ResponseID(),
		Type:    "message",
		Role:    string(ir.RoleAssistant),
		Model:   resp.Model,
		Content: []Block{},
		Usage:   EncodeUsage(resp.Usage),
	}
	out.Usage.ServiceTier = resp.ServiceTier

	if len(resp.Choices) == 0 {
		return out
	}
	ch := resp.Choices[0]
	out.Content = EncodeBlocks(ch.Message.Content, ch.Message.ToolCalls)
	if ch.Refusal != "" && len(out.Content) == 0 {
		out.Content = append(out.Content, Block{Type: "text", Text: ch.Refusal})
	}

	var reason string
	switch ch.FinishReason {
	case ir.FinishLength:
		reason = "max_tokens"
	case ir.FinishToolCalls:
		reason = "tool_use"
	case ir.FinishContentFilter:
		reason = "refusal"
	case ir.FinishError:
	default:
		reason = "end_turn"
		if ch.StopSequence != "" {
			reason = "stop_sequence"
			seq := ch.StopSequence
			out.StopSequence = &seq
		}
	}
	if reason != "" {
		out.StopReason = &reason
	}
	return out
}

// EncodeUsage renders usage with uncached input tokens.
func EncodeUsage(u *ir.Usage) Usage {
	if u == nil {
		return Usage{}
	}
	return Usage{
		InputTokens:              u.InputTokens,
		OutputTokens:             u.OutputTokens,
		CacheReadInputTokens:     u.CachedReadTokens,
		CacheCreationInputTokens: u.CachedWriteTokens,
	}
}

// StreamEvents synthesizes message_start with an empty message, then
// message_stop carrying the complete message.
func StreamEvents(resp *ir.ChatResponse) ([]wire.Event, error) {
	full := buildResponse(resp)

	start := full
	start.Content = []Block{}
	start.StopReason = nil
	start.StopSequence = nil
	start.Usage = Usage{InputTokens: full.Usage.InputTokens}

	first, err := wire.Marshal(messageEvent{Type: "message_start", Message: start})
	if err != nil {
		return nil, err
	}
	second, err := wire.Marshal(messageEvent{Type: "message_stop", Message: full})
	if err != nil {
		return nil, err
	}
	return []wire.Event{
		{Name: "message_start", Data: first},
		{Name: "message_stop", Data: second},
	}, nil
}

type errorBody struct {
	Type  string      `json:"type"`
	Error errorDetail `json:"error"`
}

type errorDetail struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// EncodeError renders the Anthropic error envelope.
func EncodeError(errType, message string) []byte {
	b, _ := wire.Marshal(errorBody{Type: "error", Error: errorDetail{Type: errType, Message: message}})
	return b
}
