// Package messages implements the Anthropic Messages wire protocol.
//
// Reasoning travels only as a thinking block with an explicit token budget;
// the protocol has no effort enum.
package messages

import (
	"encoding/json"

	"github.com/tidwall/gjson"

	"github.com/aistats/gateway/internal/domain"
	"github.com/aistats/gateway/internal/ir"
	"github.com/aistats/gateway/internal/protocol/wire"
)

const Protocol = "messages"

type Request struct {
	Model         string       `json:"model"`
	System        any          `json:"system,omitempty"`
	Messages      []Message    `json:"messages"`
	MaxTokens     *int         `json:"max_tokens,omitempty"`
	Tools         []any        `json:"tools,omitempty"`
	ToolChoice    *ToolChoice  `json:"tool_choice,omitempty"`
	Thinking      *Thinking    `json:"thinking,omitempty"`
	StopSequences []string     `json:"stop_sequences,omitempty"`
	Temperature   *float64     `json:"temperature,omitempty"`
	TopP          *float64     `json:"top_p,omitempty"`
	Metadata      *requestMeta `json:"metadata,omitempty"`
	ServiceTier   string       `json:"service_tier,omitempty"`
	Stream        bool         `json:"stream,omitempty"`
}

type requestMeta struct {
	UserID string `json:"user_id,omitempty"`
}

type Message struct {
	Role    string `json:"role"`
	Content any    `json:"content"`
}

type Tool struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"input_schema"`
}

type ToolChoice struct {
	Type                   string `json:"type"`
	Name                   string `json:"name,omitempty"`
	DisableParallelToolUse *bool  `json:"disable_parallel_tool_use,omitempty"`
}

type Thinking struct {
	Type         string `json:"type"`
	BudgetTokens *int   `json:"budget_tokens,omitempty"`
}

// Block is a content block. Only the fields for Type are set.
type Block struct {
	Type string `json:"type"`

	Text string `json:"text,omitempty"`

	Thinking  string `json:"thinking,omitempty"`
	Signature string `json:"signature,omitempty"`

	Source *imageSource `json:"source,omitempty"`

	ID    string          `json:"id,omitempty"`
	Name  string          `json:"name,omitempty"`
	Input json.RawMessage `json:"input,omitempty"`

	ToolUseID string `json:"tool_use_id,omitempty"`
	Content   any    `json:"content,omitempty"`
	IsError   bool   `json:"is_error,omitempty"`

	// Raw, when set, is written verbatim in place of the fields above.
	Raw json.RawMessage `json:"-"`
}

func (b Block) MarshalJSON() ([]byte, error) {
	if b.Raw != nil {
		return b.Raw, nil
	}
	type plain Block
	return wire.Marshal(plain(b))
}

type imageSource struct {
	Type      string `json:"type"`
	MediaType string `json:"media_type,omitempty"`
	Data      string `json:"data,omitempty"`
	URL       string `json:"url,omitempty"`
}

// DecodeRequest parses a messages request.
func DecodeRequest(body []byte) (*ir.ChatRequest, error) {
	derr := &domain.DecodeError{Protocol: Protocol}
	if !gjson.ValidBytes(body) {
		return nil, derr.Add("body is not valid JSON")
	}
	root := gjson.ParseBytes(body)

	req := &ir.ChatRequest{
		Model:       root.Get("model").String(),
		MaxTokens:   wire.OptInt(root.Get("max_tokens")),
		Temperature: wire.OptFloat(root.Get("temperature")),
		TopP:        wire.OptFloat(root.Get("top_p")),
		Stop:        wire.Strings(root.Get("stop_sequences")),
		User:        root.Get("metadata.user_id").String(),
		ServiceTier: root.Get("service_tier").String(),
		Stream:      root.Get("stream").Bool(),
	}
	if req.Model == "" {
		derr.Add("model is required")
	}

	switch sys := root.Get("system"); {
	case sys.Type == gjson.String:
		req.Messages = append(req.Messages, ir.Message{Role: ir.RoleSystem, Content: []ir.Part{ir.Text(sys.String())}})
	case sys.IsArray():
		m := ir.Message{Role: ir.RoleSystem}
		for _, b := range sys.Array() {
			if b.Get("type").String() == "text" {
				m.Content = append(m.Content, ir.Text(b.Get("text").String()))
			} else {
				m.Content = append(m.Content, wire.Opaque(b, Protocol))
			}
		}
		req.Messages = append(req.Messages, m)
	}

	messages := root.Get("messages")
	if !messages.IsArray() {
		derr.Add("messages must be an array")
	}
	for i, m := range messages.Array() {
		req.Messages = append(req.Messages, decodeMessage(m, i, derr)...)
	}

	for _, t := range root.Get("tools").Array() {
		if !t.Get("input_schema").Exists() {
			// Server tools (web_search, bash, ...) have no schema to translate.
			req.Tools = append(req.Tools, ir.Tool{Name: t.Get("name").String(), Raw: wire.Raw(t), Origin: Protocol})
			continue
		}
		req.Tools = append(req.Tools, ir.Tool{
			Name:        t.Get("name").String(),
			Description: t.Get("description").String(),
			Parameters:  wire.Raw(t.Get("input_schema")),
		})
	}

	if tc := root.Get("tool_choice"); tc.IsObject() {
		switch tc.Get("type").String() {
		case "auto":
			req.ToolChoice = &ir.ToolChoice{Mode: ir.ToolChoiceAuto}
		case "any":
			req.ToolChoice = &ir.ToolChoice{Mode: ir.ToolChoiceRequired}
		case "none":
			req.ToolChoice = &ir.ToolChoice{Mode: ir.ToolChoiceNone}
		case "tool":
			req.ToolChoice = &ir.ToolChoice{Mode: ir.ToolChoiceNamed, Name: tc.Get("name").String()}
		}
		if dp := tc.Get("disable_parallel_tool_use"); dp.IsBool() {
			req.ParallelToolCalls = ir.Bool(!dp.Bool())
		}
	}

	req.Reasoning = decodeThinking(root)
	return req, derr.Err()
}

func decodeThinking(root gjson.Result) *ir.Reasoning {
	var r *ir.Reasoning
	switch th := root.Get("thinking"); th.Get("type").String() {
	case "enabled":
		r = &ir.Reasoning{Enabled: ir.Bool(true), MaxTokens: wire.OptInt(th.Get("budget_tokens"))}
	case "disabled":
		r = &ir.Reasoning{Enabled: ir.Bool(false)}
	}

	// Clients of the gateway may also send an effort hint.
	effort := root.Get("output_config.effort").String()
	if effort == "" {
		effort = root.Get("reasoning.effort").String()
	}
	if effort != "" {
		if r == nil {
			r = &ir.Reasoning{}
		}
		r.Effort = ir.Effort(effort)
	}
	return r
}

// decodeMessage may return several IR messages: each tool_result block in a
// user turn becomes its own tool message, ahead of any remaining user content.
func decodeMessage(m gjson.Result, idx int, derr *domain.DecodeError) []ir.Message {
	role := ir.Role(m.Get("role").String())
	if role != ir.RoleUser && role != ir.RoleAssistant {
		derr.Add("messages[%d]: unknown role %q", idx, role)
	}

	content := m.Get("content")
	if content.Type == gjson.String {
		return []ir.Message{{Role: role, Content: []ir.Part{ir.Text(content.String())}}}
	}
	if !content.IsArray() {
		derr.Add("messages[%d]: content must be a string or array", idx)
		return []ir.Message{{Role: role}}
	}

	var out []ir.Message
	msg := ir.Message{Role: role}
	for _, b := range content.Array() {
		switch b.Get("type").String() {
		case "text":
			msg.Content = append(msg.Content, ir.Text(b.Get("text").String()))
		case "thinking":
			msg.Content = append(msg.Content, ir.Part{
				Type:      ir.PartReasoning,
				Text:      b.Get("thinking").String(),
				Signature: b.Get("signature").String(),
			})
		case "image":
			msg.Content = append(msg.Content, decodeImage(b))
		case "tool_use":
			args := "{}"
			if in := wire.Raw(b.Get("input")); in != nil {
				args = string(in)
			}
			msg.ToolCalls = append(msg.ToolCalls, ir.ToolCall{
				ID:        b.Get("id").String(),
				Name:      b.Get("name").String(),
				Arguments: args,
			})
		case "tool_result":
			out = append(out, ir.Message{
				Role: ir.RoleTool,
				ToolResults: []ir.ToolResult{{
					ToolCallID: b.Get("tool_use_id").String(),
					Content:    blockText(b.Get("content")),
					IsError:    b.Get("is_error").Bool(),
				}},
			})
		default:
			msg.Content = append(msg.Content, wire.Opaque(b, Protocol))
		}
	}

	if len(msg.Content) > 0 || len(msg.ToolCalls) > 0 || len(out) == 0 {
		out = append(out, msg)
	}
	return out
}

func decodeImage(b gjson.Result) ir.Part {
	src := b.Get("source")
	if src.Get("type").String() == "url" {
		return ir.Part{Type: ir.PartImage, Source: ir.SourceURL, Data: src.Get("url").String()}
	}
	return ir.Part{
		Type:     ir.PartImage,
		Source:   ir.SourceData,
		Data:     src.Get("data").String(),
		MimeType: src.Get("media_type").String(),
	}
}

func blockText(c gjson.Result) string {
	if c.Type == gjson.String {
		return c.String()
	}
	var s string
	for _, b := range c.Array() {
		s += b.Get("text").String()
	}
	return s
}

// EncodeRequest renders an IR request as a messages body. System and
// developer messages are hoisted into system; consecutive tool messages share
// one user turn.
func EncodeRequest(req *ir.ChatRequest) ([]byte, error) {
	out := Request{
		Model:         req.Model,
		MaxTokens:     req.MaxTokens,
		StopSequences: req.Stop,
		Temperature:   req.Temperature,
		TopP:          req.TopP,
		ServiceTier:   req.ServiceTier,
		Stream:        req.Stream,
		Messages:      []Message{},
	}
	if req.User != "" {
		out.Metadata = &requestMeta{UserID: req.User}
	}

	var system []Block
	var systemParts int
	for _, m := range req.Messages {
		if m.Role == ir.RoleSystem || m.Role == ir.RoleDeveloper {
			for _, p := range m.Content {
				systemParts++
				if p.Type == ir.PartText {
					system = append(system, Block{Type: "text", Text: p.Text})
				} else if p.Type == ir.PartOpaque && p.Origin == Protocol {
					system = append(system, rawBlock(p.Raw))
				}
			}
			continue
		}

		if m.Role == ir.RoleTool {
			results := toolResultBlocks(m)
			if n := len(out.Messages); n > 0 && isToolResultTurn(out.Messages[n-1]) {
				prev := out.Messages[n-1].Content.([]Block)
				out.Messages[n-1].Content = append(prev, results...)
				continue
			}
			out.Messages = append(out.Messages, Message{Role: string(ir.RoleUser), Content: results})
			continue
		}

		out.Messages = append(out.Messages, Message{Role: string(m.Role), Content: encodeContent(m)})
	}
	if len(system) == 1 && systemParts == 1 {
		out.System = system[0].Text
	} else if len(system) > 0 {
		out.System = system
	}

	for _, t := range req.Tools {
		if t.Opaque() {
			if t.Origin == Protocol {
				out.Tools = append(out.Tools, t.Raw)
			}
			continue
		}
		schema := t.Parameters
		if schema == nil {
			schema = json.RawMessage(`{"type":"object"}`)
		}
		out.Tools = append(out.Tools, Tool{Name: t.Name, Description: t.Description, InputSchema: schema})
	}

	if tc := req.ToolChoice; tc != nil {
		c := &ToolChoice{}
		switch tc.Mode {
		case ir.ToolChoiceRequired:
			c.Type = "any"
		case ir.ToolChoiceNamed:
			c.Type, c.Name = "tool", tc.Name
		default:
			c.Type = string(tc.Mode)
		}
		if req.ParallelToolCalls != nil {
			c.DisableParallelToolUse = ir.Bool(!*req.ParallelToolCalls)
		}
		out.ToolChoice = c
	}

	if r := req.Reasoning; r != nil {
		switch {
		case r.Disabled():
			out.Thinking = &Thinking{Type: "disabled"}
		case r.MaxTokens != nil || (r.Enabled != nil && *r.Enabled):
			out.Thinking = &Thinking{Type: "enabled", BudgetTokens: r.MaxTokens}
		}
	}

	return wire.Marshal(out)
}

func isToolResultTurn(m Message) bool {
	blocks, ok := m.Content.([]Block)
	if !ok || len(blocks) == 0 || m.Role != string(ir.RoleUser) {
		return false
	}
	for _, b := range blocks {
		if b.Type != "tool_result" {
			return false
		}
	}
	return true
}

func toolResultBlocks(m ir.Message) []Block {
	blocks := make([]Block, 0, len(m.ToolResults))
	for _, r := range m.ToolResults {
		blocks = append(blocks, Block{Type: "tool_result", ToolUseID: r.ToolCallID, Content: r.Content, IsError: r.IsError})
	}
	return blocks
}

// encodeContent keeps a lone text part as a string; everything else becomes
// blocks in order thinking/text/media, then tool_use.
func encodeContent(m ir.Message) any {
	if len(m.Content) == 1 && m.Content[0].Type == ir.PartText && len(m.ToolCalls) == 0 {
		return m.Content[0].Text
	}
	return EncodeBlocks(m.Content, m.ToolCalls)
}

// EncodeBlocks renders parts and tool calls as content blocks.
func EncodeBlocks(parts []ir.Part, calls []ir.ToolCall) []Block {
	blocks := []Block{}
	for _, p := range parts {
		switch p.Type {
		case ir.PartText:
			blocks = append(blocks, Block{Type: "text", Text: p.Text})
		case ir.PartReasoning:
			blocks = append(blocks, Block{Type: "thinking", Thinking: p.Text, Signature: p.Signature})
		case ir.PartImage:
			src := &imageSource{Type: "base64", MediaType: p.MimeType, Data: p.Data}
			if p.Source == ir.SourceURL {
				src = &imageSource{Type: "url", URL: p.Data}
			}
			blocks = append(blocks, Block{Type: "image", Source: src})
		case ir.PartOpaque:
			if p.Origin == Protocol {
				blocks = append(blocks, rawBlock(p.Raw))
			}
		}
	}
	for _, tc := range calls {
		blocks = append(blocks, Block{Type: "tool_use", ID: tc.ID, Name: tc.Name, Input: toolInput(tc.Arguments)})
	}
	return blocks
}

// toolInput passes argument JSON through untouched so key order survives.
func toolInput(args string) json.RawMessage {
	if args == "" || !gjson.Valid(args) || !gjson.Parse(args).IsObject() {
		return json.RawMessage(`{}`)
	}
	return json.RawMessage(args)
}

func rawBlock(raw json.RawMessage) Block {
	return Block{Raw: raw}
}
