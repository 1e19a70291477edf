package usage

import (
	"log/slog"
	"sync"

	"github.com/pkoukk/tiktoken-go"

	"github.com/aistats/gateway/internal/ir"
)

// Counter counts tokens in text for a model.
type Counter interface {
	Count(model, text string) int
}

// TiktokenCounter counts with the model's BPE encoding, falling back to
// cl100k_base and then to a four-characters-per-token guess.
type TiktokenCounter struct {
	mu    sync.Mutex
	cache map[string]*tiktoken.Tiktoken
}

func NewTiktokenCounter() *TiktokenCounter {
	return &TiktokenCounter{cache: make(map[string]*tiktoken.Tiktoken)}
}

func (c *TiktokenCounter) Count(model, text string) int {
	if text == "" {
		return 0
	}
	enc := c.encoding(model)
	if enc == nil {
		return (len(text) + 3) / 4
	}
	return len(enc.Encode(text, nil, nil))
}

func (c *TiktokenCounter) encoding(model string) *tiktoken.Tiktoken {
	c.mu.Lock()
	defer c.mu.Unlock()

	if enc, ok := c.cache[model]; ok {
		return enc
	}

	enc, err := tiktoken.EncodingForModel(model)
	if err != nil {
		enc, err = tiktoken.GetEncoding("cl100k_base")
		if err != nil {
			slog.Warn("tiktoken encoding unavailable", "model", model, "error", err)
			enc = nil
		}
	}
	c.cache[model] = enc
	return enc
}

// Estimate builds usage from request and response text when the upstream
// reported none.
func Estimate(c Counter, req *ir.ChatRequest, resp *ir.ChatResponse) *ir.Usage {
	in := 0
	if req != nil {
		for _, m := range req.Messages {
			in += c.Count(req.Model, m.PlainText())
			for _, r := range m.ToolResults {
				in += c.Count(req.Model, r.Content)
			}
		}
	}

	out := 0
	if resp != nil {
		for _, ch := range resp.Choices {
			out += c.Count(resp.Model, ch.Message.PlainText())
			for _, tc := range ch.Message.ToolCalls {
				out += c.Count(resp.Model, tc.Name+tc.Arguments)
			}
		}
	}

	return &ir.Usage{InputTokens: in, OutputTokens: out, TotalTokens: in + out}
}
