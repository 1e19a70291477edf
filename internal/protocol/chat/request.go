// Package chat implements the OpenAI Chat Completions wire protocol.
package chat

import (
	"encoding/json"
	"strings"

	"github.com/tidwall/gjson"

	"github.com/aistats/gateway/internal/domain"
	"github.com/aistats/gateway/internal/ir"
	"github.com/aistats/gateway/internal/protocol/wire"
)

// Protocol is the origin tag for opaque parts produced by this codec.
const Protocol = "chat"

// Wire types. Field order follows the public API reference.

type Request struct {
	Model             string            `json:"model"`
	Messages          []Message         `json:"messages"`
	Tools             []any             `json:"tools,omitempty"`
	ToolChoice        any               `json:"tool_choice,omitempty"`
	ResponseFormat    *ResponseFormat   `json:"response_format,omitempty"`
	ReasoningEffort   string            `json:"reasoning_effort,omitempty"`
	Reasoning         *Reasoning        `json:"reasoning,omitempty"`
	MaxTokens         *int              `json:"max_completion_tokens,omitempty"`
	Temperature       *float64          `json:"temperature,omitempty"`
	TopP              *float64          `json:"top_p,omitempty"`
	Stop              []string          `json:"stop,omitempty"`
	ParallelToolCalls *bool             `json:"parallel_tool_calls,omitempty"`
	ServiceTier       string            `json:"service_tier,omitempty"`
	User              string            `json:"user,omitempty"`
	Metadata          map[string]string `json:"metadata,omitempty"`
	Stream            bool              `json:"stream,omitempty"`
}

// Reasoning is the gateway's extended reasoning object. Upstreams that only
// understand reasoning_effort get it rewritten by their quirk.
type Reasoning struct {
	Effort    string `json:"effort,omitempty"`
	Enabled   *bool  `json:"enabled,omitempty"`
	MaxTokens *int   `json:"max_tokens,omitempty"`
	Summary   string `json:"summary,omitempty"`
}

type Message struct {
	Role             string     `json:"role"`
	Name             string     `json:"name,omitempty"`
	Content          any        `json:"content"`
	ReasoningContent string     `json:"reasoning_content,omitempty"`
	ToolCalls        []ToolCall `json:"tool_calls,omitempty"`
	ToolCallID       string     `json:"tool_call_id,omitempty"`
	Refusal          string     `json:"refusal,omitempty"`
}

type ToolCall struct {
	ID       string       `json:"id"`
	Type     string       `json:"type"`
	Function FunctionCall `json:"function"`
}

type FunctionCall struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

type Tool struct {
	Type     string       `json:"type"`
	Function FunctionDecl `json:"function"`
}

type FunctionDecl struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Parameters  json.RawMessage `json:"parameters,omitempty"`
}

type ResponseFormat struct {
	Type       string      `json:"type"`
	JSONSchema *JSONSchema `json:"json_schema,omitempty"`
}

type JSONSchema struct {
	Name   string          `json:"name"`
	Schema json.RawMessage `json:"schema,omitempty"`
	Strict *bool           `json:"strict,omitempty"`
}

type textPart struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type imagePart struct {
	Type     string   `json:"type"`
	ImageURL imageURL `json:"image_url"`
}

type imageURL struct {
	URL    string `json:"url"`
	Detail string `json:"detail,omitempty"`
}

type audioPart struct {
	Type       string     `json:"type"`
	InputAudio inputAudio `json:"input_audio"`
}

type inputAudio struct {
	Data   string `json:"data"`
	Format string `json:"format"`
}

type videoPart struct {
	Type     string   `json:"type"`
	VideoURL videoURL `json:"video_url"`
}

type videoURL struct {
	URL string `json:"url"`
}

type namedToolChoice struct {
	Type     string `json:"type"`
	Function struct {
		Name string `json:"name"`
	} `json:"function"`
}

// DecodeRequest parses a chat completions request. On recoverable problems it
// returns the partial request together with a *domain.DecodeError.
func DecodeRequest(body []byte) (*ir.ChatRequest, error) {
	derr := &domain.DecodeError{Protocol: Protocol}
	if !gjson.ValidBytes(body) {
		return nil, derr.Add("body is not valid JSON")
	}
	root := gjson.ParseBytes(body)

	req := &ir.ChatRequest{
		Model:             root.Get("model").String(),
		Temperature:       wire.OptFloat(root.Get("temperature")),
		TopP:              wire.OptFloat(root.Get("top_p")),
		Stop:              wire.Strings(root.Get("stop")),
		ParallelToolCalls: wire.OptBool(root.Get("parallel_tool_calls")),
		ServiceTier:       root.Get("service_tier").String(),
		User:              root.Get("user").String(),
		Metadata:          wire.StringMap(root.Get("metadata")),
		Stream:            root.Get("stream").Bool(),
	}
	if req.Model == "" {
		derr.Add("model is required")
	}

	req.MaxTokens = wire.OptInt(root.Get("max_completion_tokens"))
	if req.MaxTokens == nil {
		req.MaxTokens = wire.OptInt(root.Get("max_tokens"))
	}

	messages := root.Get("messages")
	if !messages.IsArray() {
		derr.Add("messages must be an array")
	}
	for i, m := range messages.Array() {
		req.Messages = append(req.Messages, decodeMessage(m, i, derr))
	}

	for _, t := range root.Get("tools").Array() {
		fn := t.Get("function")
		if t.Get("type").String() != "function" || !fn.Exists() {
			req.Tools = append(req.Tools, ir.Tool{Name: t.Get("type").String(), Raw: wire.Raw(t), Origin: Protocol})
			continue
		}
		req.Tools = append(req.Tools, ir.Tool{
			Name:        fn.Get("name").String(),
			Description: fn.Get("description").String(),
			Parameters:  wire.Raw(fn.Get("parameters")),
		})
	}

	req.ToolChoice = DecodeToolChoice(root.Get("tool_choice"))
	req.ResponseFormat = decodeResponseFormat(root.Get("response_format"))
	req.Reasoning = decodeReasoning(root)

	return req, derr.Err()
}

func decodeMessage(m gjson.Result, idx int, derr *domain.DecodeError) ir.Message {
	msg := ir.Message{
		Role: ir.Role(m.Get("role").String()),
		Name: m.Get("name").String(),
	}

	switch msg.Role {
	case ir.RoleSystem, ir.RoleDeveloper, ir.RoleUser, ir.RoleAssistant:
	case ir.RoleTool:
		msg.ToolResults = []ir.ToolResult{{
			ToolCallID: m.Get("tool_call_id").String(),
			Content:    contentText(m.Get("content")),
		}}
		return msg
	default:
		derr.Add("messages[%d]: unknown role %q", idx, msg.Role)
	}

	if rc := m.Get("reasoning_content"); rc.Type == gjson.String && rc.String() != "" {
		msg.Content = append(msg.Content, ir.Part{Type: ir.PartReasoning, Text: rc.String()})
	}
	msg.Content = append(msg.Content, decodeContent(m.Get("content"), idx, derr)...)

	for _, tc := range m.Get("tool_calls").Array() {
		msg.ToolCalls = append(msg.ToolCalls, ir.ToolCall{
			ID:        tc.Get("id").String(),
			Name:      tc.Get("function.name").String(),
			Arguments: tc.Get("function.arguments").String(),
		})
	}
	return msg
}

func decodeContent(c gjson.Result, idx int, derr *domain.DecodeError) []ir.Part {
	switch {
	case !c.Exists() || c.Type == gjson.Null:
		return nil
	case c.Type == gjson.String:
		return []ir.Part{ir.Text(c.String())}
	case !c.IsArray():
		derr.Add("messages[%d]: content must be a string or array", idx)
		return []ir.Part{wire.Opaque(c, Protocol)}
	}

	var parts []ir.Part
	for _, p := range c.Array() {
		switch p.Get("type").String() {
		case "text":
			parts = append(parts, ir.Text(p.Get("text").String()))
		case "image_url":
			u := p.Get("image_url.url")
			if !u.Exists() {
				u = p.Get("image_url")
			}
			parts = append(parts, wire.ImageFromURL(u.String(), p.Get("image_url.detail").String()))
		case "input_audio":
			parts = append(parts, ir.Part{
				Type:   ir.PartAudio,
				Source: ir.SourceData,
				Data:   p.Get("input_audio.data").String(),
				Format: p.Get("input_audio.format").String(),
			})
		case "video_url":
			parts = append(parts, ir.Part{Type: ir.PartVideo, Source: ir.SourceURL, Data: p.Get("video_url.url").String()})
		default:
			parts = append(parts, wire.Opaque(p, Protocol))
		}
	}
	return parts
}

// contentText flattens string or text-part array content.
func contentText(c gjson.Result) string {
	if c.Type == gjson.String {
		return c.String()
	}
	var b strings.Builder
	for _, p := range c.Array() {
		b.WriteString(p.Get("text").String())
	}
	return b.String()
}

// DecodeToolChoice reads the string or object tool_choice forms.
func DecodeToolChoice(tc gjson.Result) *ir.ToolChoice {
	switch {
	case tc.Type == gjson.String:
		switch tc.String() {
		case "auto":
			return &ir.ToolChoice{Mode: ir.ToolChoiceAuto}
		case "none":
			return &ir.ToolChoice{Mode: ir.ToolChoiceNone}
		case "required", "any":
			return &ir.ToolChoice{Mode: ir.ToolChoiceRequired}
		}
	case tc.IsObject():
		name := tc.Get("function.name").String()
		if name == "" {
			name = tc.Get("name").String()
		}
		if name != "" {
			return &ir.ToolChoice{Mode: ir.ToolChoiceNamed, Name: name}
		}
	}
	return nil
}

func decodeResponseFormat(rf gjson.Result) *ir.ResponseFormat {
	if !rf.IsObject() {
		return nil
	}
	out := &ir.ResponseFormat{Type: ir.ResponseFormatType(rf.Get("type").String())}
	if js := rf.Get("json_schema"); js.IsObject() {
		out.Name = js.Get("name").String()
		out.Schema = wire.Raw(js.Get("schema"))
		out.Strict = wire.OptBool(js.Get("strict"))
	}
	return out
}

func decodeReasoning(root gjson.Result) *ir.Reasoning {
	r := root.Get("reasoning")
	out := &ir.Reasoning{}
	if r.IsObject() {
		out.Effort = ir.Effort(r.Get("effort").String())
		out.Enabled = wire.OptBool(r.Get("enabled"))
		out.MaxTokens = wire.OptInt(r.Get("max_tokens"))
		out.Summary = r.Get("summary").String()
	}
	if out.Effort == "" {
		out.Effort = ir.Effort(root.Get("reasoning_effort").String())
	}
	if out.Effort == "" && out.Enabled == nil && out.MaxTokens == nil && out.Summary == "" {
		return nil
	}
	return out
}

// EncodeRequest renders an IR request as a chat completions body.
func EncodeRequest(req *ir.ChatRequest) ([]byte, error) {
	out := Request{
		Model:             req.Model,
		MaxTokens:         req.MaxTokens,
		Temperature:       req.Temperature,
		TopP:              req.TopP,
		Stop:              req.Stop,
		ParallelToolCalls: req.ParallelToolCalls,
		ServiceTier:       req.ServiceTier,
		User:              req.User,
		Metadata:          req.Metadata,
		Stream:            req.Stream,
		ToolChoice:        EncodeToolChoice(req.ToolChoice),
	}

	out.Messages = make([]Message, 0, len(req.Messages))
	for _, m := range req.Messages {
		out.Messages = append(out.Messages, encodeMessage(m)...)
	}

	for _, t := range req.Tools {
		if t.Opaque() {
			if t.Origin == Protocol {
				out.Tools = append(out.Tools, t.Raw)
			}
			continue
		}
		out.Tools = append(out.Tools, Tool{
			Type:     "function",
			Function: FunctionDecl{Name: t.Name, Description: t.Description, Parameters: t.Parameters},
		})
	}

	if rf := req.ResponseFormat; rf != nil {
		out.ResponseFormat = &ResponseFormat{Type: string(rf.Type)}
		if rf.Type == ir.FormatJSONSchema {
			out.ResponseFormat.JSONSchema = &JSONSchema{Name: rf.Name, Schema: rf.Schema, Strict: rf.Strict}
		}
	}

	if r := req.Reasoning; r != nil {
		out.Reasoning = &Reasoning{
			Effort:    string(r.Effort),
			Enabled:   r.Enabled,
			MaxTokens: r.MaxTokens,
			Summary:   r.Summary,
		}
	}

	return wire.Marshal(out)
}

func encodeMessage(m ir.Message) []Message {
	if m.Role == ir.RoleTool {
		out := make([]Message, 0, len(m.ToolResults))
		for _, r := range m.ToolResults {
			out = append(out, Message{Role: string(ir.RoleTool), ToolCallID: r.ToolCallID, Content: r.Content})
		}
		return out
	}

	msg := Message{Role: string(m.Role), Name: m.Name}

	var content []ir.Part
	for _, p := range m.Content {
		if p.Type == ir.PartReasoning {
			msg.ReasoningContent += p.Text
			continue
		}
		content = append(content, p)
	}
	msg.Content = EncodeContent(content)

	for _, tc := range m.ToolCalls {
		msg.ToolCalls = append(msg.ToolCalls, ToolCall{
			ID:       tc.ID,
			Type:     "function",
			Function: FunctionCall{Name: tc.Name, Arguments: tc.Arguments},
		})
	}
	return []Message{msg}
}

// EncodeContent returns nil, a plain string for a lone text part, or a part
// array. Opaque parts from other protocols are dropped.
func EncodeContent(parts []ir.Part) any {
	if len(parts) == 0 {
		return nil
	}
	if len(parts) == 1 && parts[0].Type == ir.PartText {
		return parts[0].Text
	}

	out := make([]any, 0, len(parts))
	for _, p := range parts {
		switch p.Type {
		case ir.PartText:
			out = append(out, textPart{Type: "text", Text: p.Text})
		case ir.PartImage:
			out = append(out, imagePart{Type: "image_url", ImageURL: imageURL{URL: wire.ImageURL(p), Detail: p.Detail}})
		case ir.PartAudio:
			out = append(out, audioPart{Type: "input_audio", InputAudio: inputAudio{Data: p.Data, Format: p.Format}})
		case ir.PartVideo:
			out = append(out, videoPart{Type: "video_url", VideoURL: videoURL{URL: wire.ImageURL(p)}})
		case ir.PartOpaque:
			if p.Origin == Protocol {
				out = append(out, p.Raw)
			}
		}
	}
	return out
}

// EncodeToolChoice renders the chat tool_choice value.
func EncodeToolChoice(tc *ir.ToolChoice) any {
	if tc == nil {
		return nil
	}
	if tc.Mode == ir.ToolChoiceNamed {
		n := namedToolChoice{Type: "function"}
		n.Function.Name = tc.Name
		return n
	}
	return string(tc.Mode)
}
