package messages

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"

	"github.com/aistats/gateway/internal/ir"
)

func fixtureRequest() *ir.ChatRequest {
	return &ir.ChatRequest{
		Model: "claude-sonnet-4",
		Messages: []ir.Message{
			{Role: ir.RoleSystem, Content: []ir.Part{ir.Text("Be helpful.")}},
			{Role: ir.RoleUser, Content: []ir.Part{
				ir.Text("What's the weather where this was taken?"),
				{Type: ir.PartImage, Source: ir.SourceData, Data: "/9j/4AAQ", MimeType: "image/jpeg"},
				{Type: ir.PartImage, Source: ir.SourceURL, Data: "https://example.com/p.jpg"},
			}},
			{
				Role: ir.RoleAssistant,
				Content: []ir.Part{
					{Type: ir.PartReasoning, Text: "need two tools", Signature: "sig_1"},
					ir.Text("Checking."),
				},
				ToolCalls: []ir.ToolCall{
					{ID: "toolu_1", Name: "get_weather", Arguments: `{"city":"Paris","units":"c"}`},
					{ID: "toolu_2", Name: "get_time", Arguments: `{"tz":"CET"}`},
				},
			},
			{Role: ir.RoleTool, ToolResults: []ir.ToolResult{{ToolCallID: "toolu_1", Content: "sunny"}}},
			{Role: ir.RoleTool, ToolResults: []ir.ToolResult{{ToolCallID: "toolu_2", Content: "clock offline", IsError: true}}},
			{Role: ir.RoleUser, Content: []ir.Part{
				ir.Text("thanks"),
				{Type: ir.PartOpaque, Raw: json.RawMessage(`{"type":"document","source":{"type":"text","data":"x"}}`), Origin: Protocol},
			}},
		},
		Tools: []ir.Tool{
			{Name: "get_weather", Description: "Weather lookup", Parameters: json.RawMessage(`{"type":"object","properties":{"city":{"type":"string"}}}`)},
			{Name: "get_time", Parameters: json.RawMessage(`{"type":"object"}`)},
			{Name: "web_search", Raw: json.RawMessage(`{"type":"web_search_20250305","name":"web_search","max_uses":3}`), Origin: Protocol},
		},
		ToolChoice:        &ir.ToolChoice{Mode: ir.ToolChoiceNamed, Name: "get_weather"},
		ParallelToolCalls: ir.Bool(true),
		Reasoning:         &ir.Reasoning{Enabled: ir.Bool(true), MaxTokens: ir.Int(4096)},
		MaxTokens:         ir.Int(8192),
		Temperature:       ir.Float(0.7),
		TopP:              ir.Float(0.95),
		Stop:              []string{"\n\nHuman:"},
		User:              "user-42",
		Stream:            true,
	}
}

func TestRequestRoundTrip(t *testing.T) {
	want := fixtureRequest()

	body, err := EncodeRequest(want)
	require.NoError(t, err)

	root := gjson.ParseBytes(body)
	assert.Equal(t, "Be helpful.", root.Get("system").String())
	assert.Equal(t, int64(4096), root.Get("thinking.budget_tokens").Int())
	assert.Equal(t, 2, len(root.Get("messages.2.content").Array()), "tool results share one user turn")
	assert.Equal(t, `{"city":"Paris","units":"c"}`, root.Get("messages.1.content.2.input").Raw, "tool input keeps key order")
	assert.Equal(t, int64(3), root.Get("tools.2.max_uses").Int(), "server tools pass through")

	got, err := DecodeRequest(body)
	require.NoError(t, err)
	assert.Equal(t, want, got)
}

func TestEncodeRequest_ReasoningBudgetOnly(t *testing.T) {
	req := &ir.ChatRequest{
		Model:     "claude-opus-4",
		Messages:  []ir.Message{{Role: ir.RoleUser, Content: []ir.Part{ir.Text("hi")}}},
		Reasoning: &ir.Reasoning{Effort: ir.EffortHigh, MaxTokens: ir.Int(24000)},
	}
	body, err := EncodeRequest(req)
	require.NoError(t, err)

	root := gjson.ParseBytes(body)
	assert.Equal(t, "enabled", root.Get("thinking.type").String())
	assert.Equal(t, int64(24000), root.Get("thinking.budget_tokens").Int())
	assert.False(t, root.Get("reasoning").Exists())
	assert.False(t, root.Get("output_config").Exists())

	req.Reasoning = &ir.Reasoning{Effort: ir.EffortNone, MaxTokens: ir.Int(24000)}
	body, err = EncodeRequest(req)
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"disabled"}`, gjson.GetBytes(body, "thinking").Raw)
}

func TestEncodeRequest_HoistsDeveloperAndMultiPartSystem(t *testing.T) {
	req := &ir.ChatRequest{
		Model: "m",
		Messages: []ir.Message{
			{Role: ir.RoleSystem, Content: []ir.Part{ir.Text("a")}},
			{Role: ir.RoleDeveloper, Content: []ir.Part{ir.Text("b")}},
			{Role: ir.RoleUser, Content: []ir.Part{ir.Text("hi")}},
		},
	}
	body, err := EncodeRequest(req)
	require.NoError(t, err)

	root := gjson.ParseBytes(body)
	assert.Equal(t, "a", root.Get("system.0.text").String())
	assert.Equal(t, "b", root.Get("system.1.text").String())
	assert.Len(t, root.Get("messages").Array(), 1)
}

func fixtureResponse() *ir.ChatResponse {
	return &ir.ChatResponse{
		NativeID: "msg_01",
		Model:    "claude-sonnet-4",
		Choices: []ir.Choice{{
			Message: ir.Message{
				Role:      ir.RoleAssistant,
				Content:   []ir.Part{{Type: ir.PartReasoning, Text: "hmm", Signature: "sig"}, ir.Text("Done.")},
				ToolCalls: []ir.ToolCall{{ID: "toolu_9", Name: "finish", Arguments: `{"ok":true}`}},
			},
			FinishReason: ir.FinishToolCalls,
		}},
		Usage: &ir.Usage{
			InputTokens:       100,
			OutputTokens:      20,
			TotalTokens:       170,
			CachedReadTokens:  ir.Int(30),
			CachedWriteTokens: ir.Int(20),
		},
	}
}

func TestResponseRoundTrip(t *testing.T) {
	want := fixtureResponse()

	body, err := EncodeResponse(want)
	require.NoError(t, err)
	assert.Equal(t, "tool_use", gjson.GetBytes(body, "stop_reason").String())

	got, err := DecodeResponse(body)
	require.NoError(t, err)
	assert.Equal(t, want, got)
}

func TestResponseRoundTrip_StopSequence(t *testing.T) {
	want := &ir.ChatResponse{
		NativeID: "msg_02",
		Model:    "claude-haiku",
		Choices: []ir.Choice{{
			Message:      ir.Message{Role: ir.RoleAssistant, Content: []ir.Part{ir.Text("one two")}},
			FinishReason: ir.FinishStop,
			StopSequence: "three",
		}},
		Usage: &ir.Usage{InputTokens: 5, OutputTokens: 2, TotalTokens: 7},
	}

	body, err := EncodeResponse(want)
	require.NoError(t, err)
	got, err := DecodeResponse(body)
	require.NoError(t, err)
	assert.Equal(t, want, got)
}

func TestStopReasonMapping(t *testing.T) {
	tests := []struct {
		finish ir.FinishReason
		want   string
	}{
		{ir.FinishStop, "end_turn"},
		{ir.FinishLength, "max_tokens"},
		{ir.FinishToolCalls, "tool_use"},
		{ir.FinishContentFilter, "refusal"},
	}
	for _, tt := range tests {
		resp := &ir.ChatResponse{ID: "x", Choices: []ir.Choice{{FinishReason: tt.finish}}}
		body, err := EncodeResponse(resp)
		require.NoError(t, err)
		assert.Equal(t, tt.want, gjson.GetBytes(body, "stop_reason").String(), tt.finish)
	}
}

func TestStreamEvents(t *testing.T) {
	events, err := StreamEvents(fixtureResponse())
	require.NoError(t, err)
	require.Len(t, events, 2)

	assert.Equal(t, "message_start", events[0].Name)
	start := gjson.ParseBytes(events[0].Data)
	assert.Equal(t, "msg_01", start.Get("message.id").String())
	assert.Empty(t, start.Get("message.content").Array())

	assert.Equal(t, "message_stop", events[1].Name)
	stop := gjson.ParseBytes(events[1].Data)
	assert.Equal(t, "tool_use", stop.Get("message.stop_reason").String())
	assert.Len(t, stop.Get("message.content").Array(), 3)
}

func TestEncodeError(t *testing.T) {
	assert.JSONEq(t,
		`{"type":"error","error":{"type":"overloaded_error","message":"no provider"}}`,
		string(EncodeError("overloaded_error", "no provider")))
}
