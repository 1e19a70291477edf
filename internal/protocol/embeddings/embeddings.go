// Package embeddings implements the OpenAI embeddings wire protocol.
package embeddings

import (
	"github.com/tidwall/gjson"

	"github.com/aistats/gateway/internal/domain"
	"github.com/aistats/gateway/internal/ir"
	"github.com/aistats/gateway/internal/protocol/wire"
	"github.com/aistats/gateway/internal/usage"
)

const Protocol = "embeddings"

type Request struct {
	Model          string `json:"model"`
	Input          any    `json:"input"`
	EncodingFormat string `json:"encoding_format,omitempty"`
	Dimensions     *int   `json:"dimensions,omitempty"`
	User           string `json:"user,omitempty"`
}

type Response struct {
	Object string  `json:"object"`
	Data   []datum `json:"data"`
	Model  string  `json:"model"`
	Usage  *Usage  `json:"usage,omitempty"`
}

type datum struct {
	Object    string `json:"object"`
	Index     int    `json:"index"`
	Embedding any    `json:"embedding"`
}

type Usage struct {
	PromptTokens int `json:"prompt_tokens"`
	TotalTokens  int `json:"total_tokens"`
}

func DecodeRequest(body []byte) (*ir.EmbeddingsRequest, error) {
	derr := &domain.DecodeError{Protocol: Protocol}
	if !gjson.ValidBytes(body) {
		return nil, derr.Add("body is not valid JSON")
	}
	root := gjson.ParseBytes(body)

	req := &ir.EmbeddingsRequest{
		Model:          root.Get("model").String(),
		EncodingFormat: root.Get("encoding_format").String(),
		Dimensions:     wire.OptInt(root.Get("dimensions")),
		User:           root.Get("user").String(),
	}
	if req.Model == "" {
		derr.Add("model is required")
	}

	input := root.Get("input")
	switch {
	case input.Type == gjson.String:
		req.Input = []string{input.String()}
		req.SingleInput = true
	case input.IsArray():
		for i, v := range input.Array() {
			if v.Type != gjson.String {
				derr.Add("input[%d]: token arrays are not supported", i)
				continue
			}
			req.Input = append(req.Input, v.String())
		}
	default:
		derr.Add("input must be a string or an array of strings")
	}

	return req, derr.Err()
}

func EncodeRequest(req *ir.EmbeddingsRequest) ([]byte, error) {
	out := Request{
		Model:          req.Model,
		EncodingFormat: req.EncodingFormat,
		Dimensions:     req.Dimensions,
		User:           req.User,
	}
	if req.SingleInput && len(req.Input) == 1 {
		out.Input = req.Input[0]
	} else {
		out.Input = req.Input
	}
	return wire.Marshal(out)
}

func DecodeResponse(body []byte) (*ir.EmbeddingsResponse, error) {
	derr := &domain.DecodeError{Protocol: Protocol}
	if !gjson.ValidBytes(body) {
		return nil, derr.Add("body is not valid JSON")
	}
	root := gjson.ParseBytes(body)

	resp := &ir.EmbeddingsResponse{
		Model: root.Get("model").String(),
		Usage: usage.Parse(root.Get("usage")),
	}
	for _, d := range root.Get("data").Array() {
		e := ir.Embedding{Index: int(d.Get("index").Int())}
		switch emb := d.Get("embedding"); {
		case emb.Type == gjson.String:
			e.Base64 = emb.String()
		case emb.IsArray():
			vals := emb.Array()
			e.Vector = make([]float64, len(vals))
			for i, v := range vals {
				e.Vector[i] = v.Float()
			}
		default:
			derr.Add("data[%d]: embedding missing", e.Index)
		}
		resp.Data = append(resp.Data, e)
	}
	return resp, derr.Err()
}

func EncodeResponse(resp *ir.EmbeddingsResponse) ([]byte, error) {
	out := Response{Object: "list", Model: resp.Model, Data: make([]datum, 0, len(resp.Data))}
	for _, e := range resp.Data {
		d := datum{Object: "embedding", Index: e.Index, Embedding: e.Vector}
		if e.Base64 != "" {
			d.Embedding = e.Base64
		}
		out.Data = append(out.Data, d)
	}
	if u := resp.Usage; u != nil {
		out.Usage = &Usage{PromptTokens: usage.PromptTokens(u), TotalTokens: u.TotalTokens}
	}
	return wire.Marshal(out)
}
