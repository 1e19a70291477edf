// Package anthropic adapts the Anthropic messages API.
package anthropic

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/aistats/gateway/internal/httputil"
	"github.com/aistats/gateway/internal/ir"
	"github.com/aistats/gateway/internal/protocol"
	"github.com/aistats/gateway/internal/provider"
	"github.com/aistats/gateway/internal/quirks"
)

const (
	defaultBaseURL   = "https://api.anthropic.com/v1"
	anthropicVersion = "2023-06-01"
	// Messages requires max_tokens; this is used when the caller set none.
	defaultMaxTokens = 4096
)

type Config struct {
	ID      string
	BaseURL string
	APIKey  string
	Quirk   string
	Timeout time.Duration
}

type Provider struct {
	provider.Unsupported
	cfg    Config
	quirk  quirks.Transformer
	caller *httputil.Caller
}

func New(cfg Config, client *http.Client) *Provider {
	if cfg.ID == "" {
		cfg.ID = "anthropic"
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = defaultBaseURL
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	return &Provider{
		cfg:    cfg,
		quirk:  quirks.Lookup(cfg.Quirk),
		caller: &httputil.Caller{Client: client, Provider: cfg.ID, Timeout: cfg.Timeout},
	}
}

func (p *Provider) ID() string {
	return p.cfg.ID
}

func (p *Provider) Chat(ctx context.Context, req *ir.ChatRequest) (*provider.ChatResult, error) {
	body, err := EncodeRequest(req)
	if err != nil {
		return nil, err
	}
	body = p.quirk.TransformRequest(body, req, req.Model)

	headers := map[string]string{
		"x-api-key":         p.cfg.APIKey,
		"anthropic-version": anthropicVersion,
	}
	respBody, err := p.caller.Post(ctx, p.cfg.BaseURL+"/messages", headers, body)
	if err != nil {
		return nil, err
	}
	return provider.DecodeChat(protocol.Messages, p.cfg.ID, respBody)
}

// EncodeRequest encodes req as a messages payload, filling in max_tokens
// when the caller left it unset. Bedrock reuses it.
func EncodeRequest(req *ir.ChatRequest) ([]byte, error) {
	if req.MaxTokens == nil {
		clone := *req
		clone.MaxTokens = ir.Int(defaultMaxTokens)
		req = &clone
	}
	body, err := protocol.Messages.EncodeRequest(req)
	if err != nil {
		return nil, fmt.Errorf("encode messages request: %w", err)
	}
	return body, nil
}
