// Package ir defines the protocol-agnostic request and response model that
// every wire codec decodes into and encodes from.
//
// Optional scalars are pointers so that "absent" and "zero" stay distinct
// through a round trip.
package ir

import "encoding/json"

// Role of a message author.
type Role string

const (
	RoleSystem    Role = "system"
	RoleDeveloper Role = "developer"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// PartType discriminates a content part.
type PartType string

const (
	PartText      PartType = "text"
	PartReasoning PartType = "reasoning_text"
	PartImage     PartType = "image"
	PartAudio     PartType = "audio"
	PartVideo     PartType = "video"
	// PartOpaque carries a native part the decoder did not recognize.
	PartOpaque PartType = "opaque"
)

// Source says whether media Data is a URL or inline base64.
type Source string

const (
	SourceURL  Source = "url"
	SourceData Source = "data"
)

// Part is one element of a message's content. Only the fields relevant to
// Type are populated.
type Part struct {
	Type PartType

	Text string

	// Reasoning parts.
	Signature string
	Summary   string
	// ItemID is the upstream-native id of the output item the part came
	// from: the reasoning item, or the message item holding a text part.
	ItemID string

	// Media parts.
	Source   Source
	Data     string
	MimeType string
	Detail   string
	Format   string

	// Opaque parts keep the native JSON and the protocol that produced it.
	Raw    json.RawMessage
	Origin string
}

// Text returns a text part.
func Text(s string) Part {
	return Part{Type: PartText, Text: s}
}

type Tool struct {
	Name        string
	Description string
	Parameters  json.RawMessage

	// Built-in and server tools have no function schema. They keep their
	// native JSON and are only re-emitted to the protocol in Origin.
	Raw    json.RawMessage
	Origin string
}

// Opaque reports whether t is a native tool without a function schema.
func (t Tool) Opaque() bool { return t.Raw != nil }

// ToolCall is a function invocation requested by the model. Arguments is the
// opaque argument string exactly as the model produced it.
type ToolCall struct {
	ID        string
	Name      string
	Arguments string
	// ItemID is the upstream-native output item id, when one was supplied.
	ItemID string
}

type ToolResult struct {
	ToolCallID string
	Content    string
	IsError    bool
}

type Message struct {
	Role        Role
	Name        string
	Content     []Part
	ToolCalls   []ToolCall
	ToolResults []ToolResult
}

// PlainText concatenates the message's text parts.
func (m Message) PlainText() string {
	var out string
	for _, p := range m.Content {
		if p.Type == PartText {
			out += p.Text
		}
	}
	return out
}

// ToolChoiceMode is how the model may pick tools.
type ToolChoiceMode string

const (
	ToolChoiceAuto     ToolChoiceMode = "auto"
	ToolChoiceNone     ToolChoiceMode = "none"
	ToolChoiceRequired ToolChoiceMode = "required"
	ToolChoiceNamed    ToolChoiceMode = "named"
)

type ToolChoice struct {
	Mode ToolChoiceMode
	Name string
}

type ResponseFormatType string

const (
	FormatText       ResponseFormatType = "text"
	FormatJSONObject ResponseFormatType = "json_object"
	FormatJSONSchema ResponseFormatType = "json_schema"
)

type ResponseFormat struct {
	Type   ResponseFormatType
	Name   string
	Schema json.RawMessage
	Strict *bool
}

type ChatRequest struct {
	Model          string
	Messages       []Message
	Tools          []Tool
	ToolChoice     *ToolChoice
	ResponseFormat *ResponseFormat
	Reasoning      *Reasoning

	MaxTokens         *int
	Temperature       *float64
	TopP              *float64
	Stop              []string
	ParallelToolCalls *bool
	ServiceTier       string
	User              string
	Metadata          map[string]string
	Stream            bool
}

type FinishReason string

const (
	FinishStop          FinishReason = "stop"
	FinishLength        FinishReason = "length"
	FinishToolCalls     FinishReason = "tool_calls"
	FinishContentFilter FinishReason = "content_filter"
	FinishError         FinishReason = "error"
)

type Choice struct {
	Index        int
	Message      Message
	FinishReason FinishReason
	StopSequence string
	Refusal      string
}

type ChatResponse struct {
	// ID is the gateway response id. NativeID is the upstream's own id.
	ID          string
	NativeID    string
	Created     int64
	Model       string
	Provider    string
	Choices     []Choice
	Usage       *Usage
	ServiceTier string
}

// ResponseID prefers the upstream-native id over the gateway id.
func (r *ChatResponse) ResponseID() string {
	if r.NativeID != "" {
		return r.NativeID
	}
	return r.ID
}

// Usage counts tokens for one request. Sub-counts are nil when the upstream
// did not report them.
type Usage struct {
	InputTokens       int
	OutputTokens      int
	TotalTokens       int
	CachedReadTokens  *int
	CachedWriteTokens *int
	ReasoningTokens   *int
}

// Int returns a pointer to v.
func Int(v int) *int { return &v }

// Bool returns a pointer to v.
func Bool(v bool) *bool { return &v }

// Float returns a pointer to v.
func Float(v float64) *float64 { return &v }
