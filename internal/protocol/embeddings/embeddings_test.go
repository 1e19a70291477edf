package embeddings

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aistats/gateway/internal/ir"
)

func TestRequestRoundTrip(t *testing.T) {
	for _, want := range []*ir.EmbeddingsRequest{
		{Model: "text-embedding-3-small", Input: []string{"hello"}, SingleInput: true},
		{Model: "text-embedding-3-large", Input: []string{"a", "b"}, EncodingFormat: "base64", Dimensions: ir.Int(256), User: "u"},
	} {
		body, err := EncodeRequest(want)
		require.NoError(t, err)
		got, err := DecodeRequest(body)
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}
}

func TestDecodeRequest_TokenArrays(t *testing.T) {
	req, err := DecodeRequest([]byte(`{"model":"m","input":["ok",[1,2,3]]}`))
	require.Error(t, err)
	assert.Equal(t, []string{"ok"}, req.Input)
}

func TestResponseRoundTrip(t *testing.T) {
	want := &ir.EmbeddingsResponse{
		Model: "text-embedding-3-small",
		Data: []ir.Embedding{
			{Index: 0, Vector: []float64{0.1, -0.25, 3}},
			{Index: 1, Base64: "AAAAPw=="},
		},
		Usage: &ir.Usage{InputTokens: 8, TotalTokens: 8},
	}
	body, err := EncodeResponse(want)
	require.NoError(t, err)
	got, err := DecodeResponse(body)
	require.NoError(t, err)
	assert.Equal(t, want, got)
}
