// Package moderations implements the OpenAI moderations wire protocol.
package moderations

import (
	"github.com/tidwall/gjson"

	"github.com/aistats/gateway/internal/domain"
	"github.com/aistats/gateway/internal/ir"
	"github.com/aistats/gateway/internal/protocol/wire"
)

const Protocol = "moderations"

type Request struct {
	Model string `json:"model,omitempty"`
	Input any    `json:"input"`
}

type Response struct {
	ID      string   `json:"id"`
	Model   string   `json:"model"`
	Results []result `json:"results"`
}

type result struct {
	Flagged        bool               `json:"flagged"`
	Categories     map[string]bool    `json:"categories"`
	CategoryScores map[string]float64 `json:"category_scores"`
}

func DecodeRequest(body []byte) (*ir.ModerationsRequest, error) {
	derr := &domain.DecodeError{Protocol: Protocol}
	if !gjson.ValidBytes(body) {
		return nil, derr.Add("body is not valid JSON")
	}
	root := gjson.ParseBytes(body)

	req := &ir.ModerationsRequest{Model: root.Get("model").String()}
	input := root.Get("input")
	switch {
	case input.Type == gjson.String:
		req.Input = []string{input.String()}
		req.SingleInput = true
	case input.IsArray():
		for i, v := range input.Array() {
			switch {
			case v.Type == gjson.String:
				req.Input = append(req.Input, v.String())
			case v.Get("type").String() == "text":
				req.Input = append(req.Input, v.Get("text").String())
			default:
				derr.Add("input[%d]: only text inputs are supported", i)
			}
		}
	default:
		derr.Add("input must be a string or an array")
	}
	return req, derr.Err()
}

func EncodeRequest(req *ir.ModerationsRequest) ([]byte, error) {
	out := Request{Model: req.Model, Input: req.Input}
	if req.SingleInput && len(req.Input) == 1 {
		out.Input = req.Input[0]
	}
	return wire.Marshal(out)
}

func DecodeResponse(body []byte) (*ir.ModerationsResponse, error) {
	derr := &domain.DecodeError{Protocol: Protocol}
	if !gjson.ValidBytes(body) {
		return nil, derr.Add("body is not valid JSON")
	}
	root := gjson.ParseBytes(body)

	resp := &ir.ModerationsResponse{
		ID:    root.Get("id").String(),
		Model: root.Get("model").String(),
	}
	for _, r := range root.Get("results").Array() {
		res := ir.ModerationResult{
			Flagged:    r.Get("flagged").Bool(),
			Categories: map[string]bool{},
			Scores:     map[string]float64{},
		}
		r.Get("categories").ForEach(func(k, v gjson.Result) bool {
			res.Categories[k.String()] = v.Bool()
			return true
		})
		r.Get("category_scores").ForEach(func(k, v gjson.Result) bool {
			res.Scores[k.String()] = v.Float()
			return true
		})
		resp.Results = append(resp.Results, res)
	}
	return resp, derr.Err()
}

func EncodeResponse(resp *ir.ModerationsResponse) ([]byte, error) {
	out := Response{ID: resp.ID, Model: resp.Model, Results: make([]result, 0, len(resp.Results))}
	for _, r := range resp.Results {
		out.Results = append(out.Results, result{Flagged: r.Flagged, Categories: r.Categories, CategoryScores: r.Scores})
	}
	return wire.Marshal(out)
}
