// Package openai adapts OpenAI and OpenAI-compatible servers. One adapter
// instance speaks either the chat completions or the responses protocol for
// text, and serves embeddings and moderations on the same base URL.
package openai

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/aistats/gateway/internal/httputil"
	"github.com/aistats/gateway/internal/ir"
	"github.com/aistats/gateway/internal/protocol"
	"github.com/aistats/gateway/internal/protocol/embeddings"
	"github.com/aistats/gateway/internal/protocol/moderations"
	"github.com/aistats/gateway/internal/provider"
	"github.com/aistats/gateway/internal/quirks"
)

const defaultBaseURL = "https://api.openai.com/v1"

type Config struct {
	ID      string
	BaseURL string
	APIKey  string
	// Protocol is "chat" or "responses"; empty means chat.
	Protocol string
	// Quirk names the request transformer in the quirks registry.
	Quirk   string
	Timeout time.Duration
	Headers map[string]string
}

type Provider struct {
	cfg    Config
	codec  protocol.Codec
	path   string
	quirk  quirks.Transformer
	caller *httputil.Caller
}

func New(cfg Config, client *http.Client) (*Provider, error) {
	if cfg.BaseURL == "" {
		cfg.BaseURL = defaultBaseURL
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	if cfg.Protocol == "" {
		cfg.Protocol = protocol.Chat.Name()
	}
	codec, ok := protocol.ByName(cfg.Protocol)
	if !ok || codec.Name() == protocol.Messages.Name() {
		return nil, fmt.Errorf("provider %s: unsupported protocol %q", cfg.ID, cfg.Protocol)
	}
	path := "/chat/completions"
	if codec.Name() == protocol.Responses.Name() {
		path = "/responses"
	}
	quirk := cfg.Quirk
	if quirk == "" {
		quirk = "openai-compat"
	}
	return &Provider{
		cfg:    cfg,
		codec:  codec,
		path:   path,
		quirk:  quirks.Lookup(quirk),
		caller: &httputil.Caller{Client: client, Provider: cfg.ID, Timeout: cfg.Timeout},
	}, nil
}

func (p *Provider) ID() string {
	return p.cfg.ID
}

func (p *Provider) headers() map[string]string {
	h := make(map[string]string, len(p.cfg.Headers)+1)
	for k, v := range p.cfg.Headers {
		h[k] = v
	}
	if p.cfg.APIKey != "" {
		h["Authorization"] = "Bearer " + p.cfg.APIKey
	}
	return h
}

func (p *Provider) Chat(ctx context.Context, req *ir.ChatRequest) (*provider.ChatResult, error) {
	body, err := p.codec.EncodeRequest(req)
	if err != nil {
		return nil, fmt.Errorf("encode %s request: %w", p.codec.Name(), err)
	}
	body = p.quirk.TransformRequest(body, req, req.Model)

	respBody, err := p.caller.Post(ctx, p.cfg.BaseURL+p.path, p.headers(), body)
	if err != nil {
		return nil, err
	}
	return provider.DecodeChat(p.codec, p.cfg.ID, respBody)
}

func (p *Provider) Embeddings(ctx context.Context, req *ir.EmbeddingsRequest) (*provider.EmbeddingsResult, error) {
	body, err := embeddings.EncodeRequest(req)
	if err != nil {
		return nil, fmt.Errorf("encode embeddings request: %w", err)
	}
	respBody, err := p.caller.Post(ctx, p.cfg.BaseURL+"/embeddings", p.headers(), body)
	if err != nil {
		return nil, err
	}
	resp, err := embeddings.DecodeResponse(respBody)
	if resp == nil {
		return nil, fmt.Errorf("decode embeddings response from %s: %w", p.cfg.ID, err)
	}
	resp.Provider = p.cfg.ID
	return &provider.EmbeddingsResult{Response: resp, Body: respBody}, nil
}

func (p *Provider) Moderations(ctx context.Context, req *ir.ModerationsRequest) (*ir.ModerationsResponse, error) {
	body, err := moderations.EncodeRequest(req)
	if err != nil {
		return nil, fmt.Errorf("encode moderations request: %w", err)
	}
	respBody, err := p.caller.Post(ctx, p.cfg.BaseURL+"/moderations", p.headers(), body)
	if err != nil {
		return nil, err
	}
	resp, err := moderations.DecodeResponse(respBody)
	if resp == nil {
		return nil, fmt.Errorf("decode moderations response from %s: %w", p.cfg.ID, err)
	}
	resp.Provider = p.cfg.ID
	return resp, nil
}
