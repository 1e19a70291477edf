package responses

import (
	"github.com/tidwall/gjson"

	"github.com/aistats/gateway/internal/domain"
	"github.com/aistats/gateway/internal/ir"
	"github.com/aistats/gateway/internal/protocol/wire"
	"github.com/aistats/gateway/internal/usage"
)

type Response struct {
	ID                string             `json:"id"`
	Object            string             `json:"object"`
	CreatedAt         int64              `json:"created_at"`
	Model             string             `json:"model"`
	Status            string             `json:"status"`
	IncompleteDetails *incompleteDetails `json:"incomplete_details,omitempty"`
	Output            []any              `json:"output"`
	Usage             *Usage             `json:"usage,omitempty"`
	ServiceTier       string             `json:"service_tier,omitempty"`
}

type incompleteDetails struct {
	Reason string `json:"reason"`
}

type Usage struct {
	InputTokens         int           `json:"input_tokens"`
	OutputTokens        int           `json:"output_tokens"`
	TotalTokens         int           `json:"total_tokens"`
	InputTokensDetails  *inputDetails `json:"input_tokens_details,omitempty"`
	OutputTokensDetails *outDetails   `json:"output_tokens_details,omitempty"`
}

type inputDetails struct {
	CachedTokens     *int `json:"cached_tokens,omitempty"`
	CacheWriteTokens *int `json:"cache_write_tokens,omitempty"`
}

type outDetails struct {
	ReasoningTokens *int `json:"reasoning_tokens,omitempty"`
}

type streamEvent struct {
	Type           string   `json:"type"`
	SequenceNumber int      `json:"sequence_number"`
	Response       Response `json:"response"`
}

// DecodeResponse parses a responses body into a single-choice IR response.
// Native output item ids are kept on the parts and tool calls.
func DecodeResponse(body []byte) (*ir.ChatResponse, error) {
	derr := &domain.DecodeError{Protocol: Protocol}
	if !gjson.ValidBytes(body) {
		return nil, derr.Add("body is not valid JSON")
	}
	root := gjson.ParseBytes(body)
	// Some servers wrap the object as {"response": {...}}.
	if r := root.Get("response"); r.IsObject() && !root.Get("output").Exists() {
		root = r
	}

	resp := &ir.ChatResponse{
		NativeID:    root.Get("id").String(),
		Created:     root.Get("created_at").Int(),
		Model:       root.Get("model").String(),
		ServiceTier: root.Get("service_tier").String(),
		Usage:       usage.Parse(root.Get("usage")),
	}

	output := root.Get("output")
	if !output.IsArray() {
		derr.Add("output must be an array")
	}

	ch := ir.Choice{Message: ir.Message{Role: ir.RoleAssistant}}
	for _, it := range output.Array() {
		switch it.Get("type").String() {
		case "reasoning":
			p := ir.Part{Type: ir.PartReasoning, ItemID: it.Get("id").String(), Signature: it.Get("encrypted_content").String()}
			for _, s := range it.Get("summary").Array() {
				p.Summary += s.Get("text").String()
			}
			for _, c := range it.Get("content").Array() {
				p.Text += c.Get("text").String()
			}
			ch.Message.Content = append(ch.Message.Content, p)
		case "message":
			id := it.Get("id").String()
			for _, c := range it.Get("content").Array() {
				var p ir.Part
				switch c.Get("type").String() {
				case "output_text", "text":
					p = ir.Text(c.Get("text").String())
				case "refusal":
					ch.Refusal += c.Get("refusal").String()
					continue
				default:
					p = wire.Opaque(c, Protocol)
				}
				p.ItemID = id
				ch.Message.Content = append(ch.Message.Content, p)
			}
		case "function_call":
			ch.Message.ToolCalls = append(ch.Message.ToolCalls, ir.ToolCall{
				ID:        it.Get("call_id").String(),
				Name:      it.Get("name").String(),
				Arguments: it.Get("arguments").String(),
				ItemID:    it.Get("id").String(),
			})
		default:
			// Built-in tool calls (web_search_call, file_search_call, ...)
			// pass through untouched.
			ch.Message.Content = append(ch.Message.Content, wire.Opaque(it, ItemOrigin))
		}
	}

	ch.FinishReason = decodeStatus(root, len(ch.Message.ToolCalls) > 0)
	resp.Choices = []ir.Choice{ch}

	return resp, derr.Err()
}

func decodeStatus(root gjson.Result, hasToolCalls bool) ir.FinishReason {
	switch root.Get("status").String() {
	case "failed", "cancelled":
		return ir.FinishError
	case "incomplete":
		if root.Get("incomplete_details.reason").String() == "content_filter" {
			return ir.FinishContentFilter
		}
		return ir.FinishLength
	}
	if hasToolCalls {
		return ir.FinishToolCalls
	}
	return ir.FinishStop
}

// EncodeResponse renders an IR response as a responses object. Output items
// keep native ids; missing ones are derived from the gateway request id as
// reasoning_{id}_{choice}_{n}, msg_{id}_{choice} and fc_{call_id}.
func EncodeResponse(resp *ir.ChatResponse) ([]byte, error) {
	return wire.Marshal(buildResponse(resp))
}

func buildResponse(resp *ir.ChatResponse) Response {
	id := resp.ResponseID()
	out := Response{
		ID:          id,
		Object:      "response",
		CreatedAt:   resp.Created,
		Model:       resp.Model,
		Status:      "completed",
		Output:      []any{},
		Usage:       EncodeUsage(resp.Usage),
		ServiceTier: resp.ServiceTier,
	}

	fallback := resp.ID
	if fallback == "" {
		fallback = id
	}
	for i, c := range resp.Choices {
		out.Output = append(out.Output, assistantItems(c.Message, fallback, i, c.Refusal)...)
	}

	if len(resp.Choices) > 0 {
		switch resp.Choices[0].FinishReason {
		case ir.FinishError:
			out.Status = "failed"
		case ir.FinishLength:
			out.Status = "incomplete"
			out.IncompleteDetails = &incompleteDetails{Reason: "max_output_tokens"}
		case ir.FinishContentFilter:
			out.Status = "incomplete"
			out.IncompleteDetails = &incompleteDetails{Reason: "content_filter"}
		}
	}
	return out
}

// EncodeUsage renders usage with inclusive input counts.
func EncodeUsage(u *ir.Usage) *Usage {
	if u == nil {
		return nil
	}
	out := &Usage{
		InputTokens:  usage.PromptTokens(u),
		OutputTokens: u.OutputTokens,
		TotalTokens:  u.TotalTokens,
	}
	if u.CachedReadTokens != nil || u.CachedWriteTokens != nil {
		out.InputTokensDetails = &inputDetails{CachedTokens: u.CachedReadTokens, CacheWriteTokens: u.CachedWriteTokens}
	}
	if u.ReasoningTokens != nil {
		out.OutputTokensDetails = &outDetails{ReasoningTokens: u.ReasoningTokens}
	}
	return out
}

// StreamEvents synthesizes response.created followed by response.completed.
func StreamEvents(resp *ir.ChatResponse) ([]wire.Event, error) {
	full := buildResponse(resp)

	created := Response{
		ID:        full.ID,
		Object:    full.Object,
		CreatedAt: full.CreatedAt,
		Model:     full.Model,
		Status:    "in_progress",
		Output:    []any{},
	}

	first, err := wire.Marshal(streamEvent{Type: "response.created", SequenceNumber: 0, Response: created})
	if err != nil {
		return nil, err
	}
	second, err := wire.Marshal(streamEvent{Type: "response.completed", SequenceNumber: 1, Response: full})
	if err != nil {
		return nil, err
	}
	return []wire.Event{
		{Name: "response.created", Data: first},
		{Name: "response.completed", Data: second},
	}, nil
}
