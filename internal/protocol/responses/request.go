// Package responses implements the OpenAI Responses wire protocol, where a
// conversation is a flat list of typed input items.
package responses

import (
	"encoding/json"
	"strconv"

	"github.com/tidwall/gjson"

	"github.com/aistats/gateway/internal/domain"
	"github.com/aistats/gateway/internal/ir"
	"github.com/aistats/gateway/internal/protocol/chat"
	"github.com/aistats/gateway/internal/protocol/wire"
)

const (
	// Protocol tags opaque content parts inside a message item.
	Protocol = "responses"
	// ItemOrigin tags whole input items the decoder did not recognize.
	ItemOrigin = "responses.item"
)

type Request struct {
	Model             string            `json:"model"`
	Instructions      string            `json:"instructions,omitempty"`
	Input             []any             `json:"input"`
	Tools             []any             `json:"tools,omitempty"`
	ToolChoice        any               `json:"tool_choice,omitempty"`
	Text              *TextConfig       `json:"text,omitempty"`
	Reasoning         *Reasoning        `json:"reasoning,omitempty"`
	MaxOutputTokens   *int              `json:"max_output_tokens,omitempty"`
	Temperature       *float64          `json:"temperature,omitempty"`
	TopP              *float64          `json:"top_p,omitempty"`
	ParallelToolCalls *bool             `json:"parallel_tool_calls,omitempty"`
	ServiceTier       string            `json:"service_tier,omitempty"`
	User              string            `json:"user,omitempty"`
	Metadata          map[string]string `json:"metadata,omitempty"`
	Stream            bool              `json:"stream,omitempty"`
}

// Tool is the flattened function tool shape, with no nested function object.
type Tool struct {
	Type        string          `json:"type"`
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Parameters  json.RawMessage `json:"parameters,omitempty"`
}

type TextConfig struct {
	Format *Format `json:"format,omitempty"`
}

// Format is text.format. For json_schema the schema name sits at the top level.
type Format struct {
	Type   string          `json:"type"`
	Name   string          `json:"name,omitempty"`
	Schema json.RawMessage `json:"schema,omitempty"`
	Strict *bool           `json:"strict,omitempty"`
}

// Reasoning carries effort and summary natively; enabled and max_tokens are
// gateway extensions stripped by upstream quirks.
type Reasoning struct {
	Effort    string `json:"effort,omitempty"`
	Summary   string `json:"summary,omitempty"`
	Enabled   *bool  `json:"enabled,omitempty"`
	MaxTokens *int   `json:"max_tokens,omitempty"`
}

type messageItem struct {
	Type    string `json:"type"`
	ID      string `json:"id,omitempty"`
	Status  string `json:"status,omitempty"`
	Role    string `json:"role"`
	Content any    `json:"content"`
}

type contentPart struct {
	Type        string        `json:"type"`
	Text        string        `json:"text,omitempty"`
	ImageURL    string        `json:"image_url,omitempty"`
	Detail      string        `json:"detail,omitempty"`
	InputAudio  *audioPayload `json:"input_audio,omitempty"`
	Refusal     string        `json:"refusal,omitempty"`
	Annotations []any         `json:"annotations,omitempty"`
}

type outputText struct {
	Type        string `json:"type"`
	Text        string `json:"text"`
	Annotations []any  `json:"annotations"`
}

type audioPayload struct {
	Data   string `json:"data"`
	Format string `json:"format"`
}

type functionCallItem struct {
	Type      string `json:"type"`
	ID        string `json:"id,omitempty"`
	CallID    string `json:"call_id"`
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
	Status    string `json:"status,omitempty"`
}

type functionCallOutputItem struct {
	Type   string `json:"type"`
	CallID string `json:"call_id"`
	Output string `json:"output"`
}

type reasoningItem struct {
	Type             string          `json:"type"`
	ID               string          `json:"id,omitempty"`
	Summary          []summaryText   `json:"summary"`
	Content          []reasoningText `json:"content,omitempty"`
	EncryptedContent string          `json:"encrypted_content,omitempty"`
}

type summaryText struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type reasoningText struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type namedToolChoice struct {
	Type string `json:"type"`
	Name string `json:"name"`
}

// DecodeRequest parses a responses request. Both input and the legacy
// input_items spelling are accepted.
func DecodeRequest(body []byte) (*ir.ChatRequest, error) {
	derr := &domain.DecodeError{Protocol: Protocol}
	if !gjson.ValidBytes(body) {
		return nil, derr.Add("body is not valid JSON")
	}
	root := gjson.ParseBytes(body)

	req := &ir.ChatRequest{
		Model:             root.Get("model").String(),
		MaxTokens:         wire.OptInt(root.Get("max_output_tokens")),
		Temperature:       wire.OptFloat(root.Get("temperature")),
		TopP:              wire.OptFloat(root.Get("top_p")),
		ParallelToolCalls: wire.OptBool(root.Get("parallel_tool_calls")),
		ServiceTier:       root.Get("service_tier").String(),
		User:              root.Get("user").String(),
		Metadata:          wire.StringMap(root.Get("metadata")),
		Stream:            root.Get("stream").Bool(),
	}
	if req.Model == "" {
		derr.Add("model is required")
	}

	if ins := root.Get("instructions"); ins.Type == gjson.String {
		req.Messages = append(req.Messages, ir.Message{Role: ir.RoleSystem, Content: []ir.Part{ir.Text(ins.String())}})
	}

	input := root.Get("input")
	if !input.Exists() {
		input = root.Get("input_items")
	}
	switch {
	case input.Type == gjson.String:
		req.Messages = append(req.Messages, ir.Message{Role: ir.RoleUser, Content: []ir.Part{ir.Text(input.String())}})
	case input.IsArray():
		req.Messages = append(req.Messages, DecodeItems(input, derr)...)
	default:
		derr.Add("input must be a string or an array of items")
	}

	for _, t := range root.Get("tools").Array() {
		if t.Get("type").String() != "function" {
			req.Tools = append(req.Tools, ir.Tool{Name: t.Get("type").String(), Raw: wire.Raw(t), Origin: Protocol})
			continue
		}
		// Tolerate the chat-style nested wrapper.
		fn := t
		if t.Get("function").IsObject() {
			fn = t.Get("function")
		}
		req.Tools = append(req.Tools, ir.Tool{
			Name:        fn.Get("name").String(),
			Description: fn.Get("description").String(),
			Parameters:  wire.Raw(fn.Get("parameters")),
		})
	}

	req.ToolChoice = chat.DecodeToolChoice(root.Get("tool_choice"))
	req.ResponseFormat = decodeFormat(root)

	if r := root.Get("reasoning"); r.IsObject() {
		req.Reasoning = &ir.Reasoning{
			Effort:    ir.Effort(r.Get("effort").String()),
			Summary:   r.Get("summary").String(),
			Enabled:   wire.OptBool(r.Get("enabled")),
			MaxTokens: wire.OptInt(r.Get("max_tokens")),
		}
	}

	return req, derr.Err()
}

func decodeFormat(root gjson.Result) *ir.ResponseFormat {
	if f := root.Get("text.format"); f.IsObject() {
		return &ir.ResponseFormat{
			Type:   ir.ResponseFormatType(f.Get("type").String()),
			Name:   f.Get("name").String(),
			Schema: wire.Raw(f.Get("schema")),
			Strict: wire.OptBool(f.Get("strict")),
		}
	}
	if rf := root.Get("response_format"); rf.IsObject() {
		out := &ir.ResponseFormat{Type: ir.ResponseFormatType(rf.Get("type").String())}
		if js := rf.Get("json_schema"); js.IsObject() {
			out.Name = js.Get("name").String()
			out.Schema = wire.Raw(js.Get("schema"))
			out.Strict = wire.OptBool(js.Get("strict"))
		}
		return out
	}
	return nil
}

// DecodeItems folds a flat item list back into role-grouped messages.
// Reasoning, assistant message and function_call items that follow each
// other merge into one assistant message.
func DecodeItems(items gjson.Result, derr *domain.DecodeError) []ir.Message {
	var msgs []ir.Message

	lastAssistant := func() *ir.Message {
		if n := len(msgs); n > 0 && msgs[n-1].Role == ir.RoleAssistant {
			return &msgs[n-1]
		}
		msgs = append(msgs, ir.Message{Role: ir.RoleAssistant})
		return &msgs[len(msgs)-1]
	}

	for i, it := range items.Array() {
		typ := it.Get("type").String()
		if typ == "" && it.Get("role").Exists() {
			typ = "message"
		}

		switch typ {
		case "message":
			role := ir.Role(it.Get("role").String())
			parts := decodeParts(it.Get("content"), i, derr)
			if role == ir.RoleAssistant {
				m := lastAssistant()
				if hasText(m.Content) || len(m.ToolCalls) > 0 {
					msgs = append(msgs, ir.Message{Role: ir.RoleAssistant})
					m = &msgs[len(msgs)-1]
				}
				m.Content = append(m.Content, parts...)
				continue
			}
			msgs = append(msgs, ir.Message{Role: role, Content: parts})

		case "reasoning":
			p := ir.Part{
				Type:      ir.PartReasoning,
				ItemID:    it.Get("id").String(),
				Signature: it.Get("encrypted_content").String(),
			}
			for _, s := range it.Get("summary").Array() {
				p.Summary += s.Get("text").String()
			}
			for _, c := range it.Get("content").Array() {
				p.Text += c.Get("text").String()
			}
			m := lastAssistant()
			if hasText(m.Content) || len(m.ToolCalls) > 0 {
				msgs = append(msgs, ir.Message{Role: ir.RoleAssistant})
				m = &msgs[len(msgs)-1]
			}
			m.Content = append(m.Content, p)

		case "function_call":
			m := lastAssistant()
			m.ToolCalls = append(m.ToolCalls, ir.ToolCall{
				ID:        it.Get("call_id").String(),
				Name:      it.Get("name").String(),
				Arguments: it.Get("arguments").String(),
			})

		case "function_call_output":
			out := it.Get("output")
			content := out.String()
			if out.IsArray() {
				content = ""
				for _, p := range out.Array() {
					content += p.Get("text").String()
				}
			}
			msgs = append(msgs, ir.Message{
				Role:        ir.RoleTool,
				ToolResults: []ir.ToolResult{{ToolCallID: it.Get("call_id").String(), Content: content}},
			})

		default:
			msgs = append(msgs, ir.Message{Role: ir.RoleUser, Content: []ir.Part{wire.Opaque(it, ItemOrigin)}})
		}
	}
	return msgs
}

func hasText(parts []ir.Part) bool {
	for _, p := range parts {
		if p.Type != ir.PartReasoning {
			return true
		}
	}
	return false
}

func decodeParts(c gjson.Result, idx int, derr *domain.DecodeError) []ir.Part {
	if c.Type == gjson.String {
		return []ir.Part{ir.Text(c.String())}
	}
	if !c.IsArray() {
		if c.Exists() && c.Type != gjson.Null {
			derr.Add("input[%d]: content must be a string or array", idx)
		}
		return nil
	}

	var parts []ir.Part
	for _, p := range c.Array() {
		switch p.Get("type").String() {
		case "input_text", "output_text", "text":
			parts = append(parts, ir.Text(p.Get("text").String()))
		case "input_image":
			u := p.Get("image_url")
			if u.IsObject() {
				u = u.Get("url")
			}
			if !u.Exists() {
				parts = append(parts, wire.Opaque(p, Protocol))
				continue
			}
			parts = append(parts, wire.ImageFromURL(u.String(), p.Get("detail").String()))
		case "input_audio":
			parts = append(parts, ir.Part{
				Type:   ir.PartAudio,
				Source: ir.SourceData,
				Data:   p.Get("input_audio.data").String(),
				Format: p.Get("input_audio.format").String(),
			})
		default:
			parts = append(parts, wire.Opaque(p, Protocol))
		}
	}
	return parts
}

// EncodeRequest renders an IR request as a responses body. A leading system
// message with a single text part becomes instructions.
func EncodeRequest(req *ir.ChatRequest) ([]byte, error) {
	out := Request{
		Model:             req.Model,
		MaxOutputTokens:   req.MaxTokens,
		Temperature:       req.Temperature,
		TopP:              req.TopP,
		ParallelToolCalls: req.ParallelToolCalls,
		ServiceTier:       req.ServiceTier,
		User:              req.User,
		Metadata:          req.Metadata,
		Stream:            req.Stream,
		Input:             []any{},
	}

	msgs := req.Messages
	if len(msgs) > 0 && msgs[0].Role == ir.RoleSystem && len(msgs[0].Content) == 1 && msgs[0].Content[0].Type == ir.PartText {
		out.Instructions = msgs[0].Content[0].Text
		msgs = msgs[1:]
	}
	out.Input = append(out.Input, EncodeItems(msgs, "", 0)...)

	for _, t := range req.Tools {
		if t.Opaque() {
			if t.Origin == Protocol {
				out.Tools = append(out.Tools, t.Raw)
			}
			continue
		}
		out.Tools = append(out.Tools, Tool{Type: "function", Name: t.Name, Description: t.Description, Parameters: t.Parameters})
	}

	if tc := req.ToolChoice; tc != nil {
		if tc.Mode == ir.ToolChoiceNamed {
			out.ToolChoice = namedToolChoice{Type: "function", Name: tc.Name}
		} else {
			out.ToolChoice = string(tc.Mode)
		}
	}

	if rf := req.ResponseFormat; rf != nil {
		out.Text = &TextConfig{Format: &Format{Type: string(rf.Type), Name: rf.Name, Schema: rf.Schema, Strict: rf.Strict}}
	}

	if r := req.Reasoning; r != nil {
		out.Reasoning = &Reasoning{Effort: string(r.Effort), Summary: r.Summary, Enabled: r.Enabled, MaxTokens: r.MaxTokens}
	}

	return wire.Marshal(out)
}

// EncodeItems flattens messages into input items. respID and choice seed
// fallback ids for output items that carry no native id; an empty respID
// leaves ids unset.
func EncodeItems(msgs []ir.Message, respID string, choice int) []any {
	var items []any
	for _, m := range msgs {
		switch m.Role {
		case ir.RoleTool:
			for _, r := range m.ToolResults {
				items = append(items, functionCallOutputItem{Type: "function_call_output", CallID: r.ToolCallID, Output: r.Content})
			}
		case ir.RoleAssistant:
			items = append(items, assistantItems(m, respID, choice, "")...)
		default:
			var item []any
			for _, p := range m.Content {
				if p.Type == ir.PartOpaque && p.Origin == ItemOrigin {
					items = append(items, p.Raw)
					continue
				}
				if part, ok := inputPart(p); ok {
					item = append(item, part)
				}
			}
			if len(item) > 0 || len(m.Content) == 0 {
				items = append(items, messageItem{Type: "message", Role: string(m.Role), Content: inputContent(m.Content, item)})
			}
		}
	}
	return items
}

// inputContent keeps a lone text part as a plain string.
func inputContent(parts []ir.Part, encoded []any) any {
	if len(parts) == 1 && parts[0].Type == ir.PartText {
		return parts[0].Text
	}
	if encoded == nil {
		return []any{}
	}
	return encoded
}

func inputPart(p ir.Part) (any, bool) {
	switch p.Type {
	case ir.PartText:
		return contentPart{Type: "input_text", Text: p.Text}, true
	case ir.PartImage:
		return contentPart{Type: "input_image", ImageURL: wire.ImageURL(p), Detail: p.Detail}, true
	case ir.PartAudio:
		return contentPart{Type: "input_audio", InputAudio: &audioPayload{Data: p.Data, Format: p.Format}}, true
	case ir.PartOpaque:
		if p.Origin == Protocol {
			return p.Raw, true
		}
	}
	return nil, false
}

// assistantItems emits output items in content order: reasoning items,
// message items (a new one whenever the native item id changes) and opaque
// items, then function_call items. With a non-empty respID, items lacking a
// native id get synthesized ones.
func assistantItems(m ir.Message, respID string, choice int, refusal string) []any {
	var (
		items      []any
		msg        *messageItem
		content    []any
		reasoningN int
		messageN   int
	)
	flush := func() {
		if msg == nil {
			return
		}
		if len(content) > 0 {
			msg.Content = content
			if respID != "" {
				if msg.ID == "" {
					msg.ID = messageID(respID, choice, messageN)
				}
				msg.Status = "completed"
			}
			messageN++
			items = append(items, *msg)
		}
		msg, content = nil, nil
	}
	open := func(id string) {
		if msg != nil && msg.ID != id {
			flush()
		}
		if msg == nil {
			msg = &messageItem{Type: "message", ID: id, Role: string(ir.RoleAssistant)}
		}
	}

	for _, p := range m.Content {
		switch p.Type {
		case ir.PartReasoning:
			flush()
			id := p.ItemID
			if id == "" && respID != "" {
				id = reasoningID(respID, choice, reasoningN)
			}
			reasoningN++
			ri := reasoningItem{Type: "reasoning", ID: id, Summary: []summaryText{}, EncryptedContent: p.Signature}
			if p.Summary != "" {
				ri.Summary = append(ri.Summary, summaryText{Type: "summary_text", Text: p.Summary})
			}
			if p.Text != "" {
				ri.Content = []reasoningText{{Type: "reasoning_text", Text: p.Text}}
			}
			items = append(items, ri)
		case ir.PartText:
			open(p.ItemID)
			content = append(content, outputText{Type: "output_text", Text: p.Text, Annotations: []any{}})
		case ir.PartOpaque:
			switch p.Origin {
			case ItemOrigin:
				flush()
				items = append(items, p.Raw)
			case Protocol:
				open(p.ItemID)
				content = append(content, p.Raw)
			}
		}
	}
	if refusal != "" {
		if msg == nil {
			open("")
		}
		content = append(content, contentPart{Type: "refusal", Refusal: refusal})
	}
	flush()

	for _, tc := range m.ToolCalls {
		fc := functionCallItem{Type: "function_call", ID: tc.ItemID, CallID: tc.ID, Name: tc.Name, Arguments: tc.Arguments}
		if respID != "" {
			if fc.ID == "" {
				fc.ID = "fc_" + tc.ID
			}
			fc.Status = "completed"
		}
		items = append(items, fc)
	}
	return items
}

func reasoningID(respID string, choice, n int) string {
	return "reasoning_" + respID + "_" + strconv.Itoa(choice) + "_" + strconv.Itoa(n)
}

// messageID names the n-th message item of a choice; the first keeps the
// short msg_{id}_{choice} form.
func messageID(respID string, choice, n int) string {
	id := "msg_" + respID + "_" + strconv.Itoa(choice)
	if n > 0 {
		id += "_" + strconv.Itoa(n)
	}
	return id
}
