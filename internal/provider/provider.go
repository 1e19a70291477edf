// Package provider defines the upstream adapter contract. Adapters encode the
// IR in their native protocol, apply the provider's quirks, make one
// non-streaming call, and decode the result back into the IR.
package provider

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/aistats/gateway/internal/domain"
	"github.com/aistats/gateway/internal/ir"
	"github.com/aistats/gateway/internal/metrics"
	"github.com/aistats/gateway/internal/protocol"
)

// Provider is one upstream. Chat must be implemented; adapters without an
// embeddings or moderations surface return domain.ErrEndpointUnsupported.
type Provider interface {
	ID() string
	Chat(ctx context.Context, req *ir.ChatRequest) (*ChatResult, error)
	Embeddings(ctx context.Context, req *ir.EmbeddingsRequest) (*EmbeddingsResult, error)
	Moderations(ctx context.Context, req *ir.ModerationsRequest) (*ir.ModerationsResponse, error)
}

// ChatResult is a decoded upstream response plus the raw body, which usage
// normalizers read directly.
type ChatResult struct {
	Response *ir.ChatResponse
	Body     []byte
}

type EmbeddingsResult struct {
	Response *ir.EmbeddingsResponse
	Body     []byte
}

// Unsupported can be embedded by adapters that only serve chat.
type Unsupported struct{}

func (Unsupported) Embeddings(context.Context, *ir.EmbeddingsRequest) (*EmbeddingsResult, error) {
	return nil, domain.ErrEndpointUnsupported
}

func (Unsupported) Moderations(context.Context, *ir.ModerationsRequest) (*ir.ModerationsResponse, error) {
	return nil, domain.ErrEndpointUnsupported
}

// Registry maps provider ids to adapters.
type Registry struct {
	providers map[string]Provider
}

func NewRegistry(providers ...Provider) *Registry {
	r := &Registry{providers: make(map[string]Provider, len(providers))}
	for _, p := range providers {
		r.providers[p.ID()] = p
	}
	return r
}

func (r *Registry) Register(p Provider) {
	r.providers[p.ID()] = p
}

func (r *Registry) Get(id string) (Provider, bool) {
	p, ok := r.providers[id]
	return p, ok
}

func (r *Registry) IDs() []string {
	ids := make([]string, 0, len(r.providers))
	for id := range r.providers {
		ids = append(ids, id)
	}
	return ids
}

// Mock is a test double with per-method hooks.
type Mock struct {
	IDValue         string
	ChatFunc        func(ctx context.Context, req *ir.ChatRequest) (*ChatResult, error)
	EmbeddingsFunc  func(ctx context.Context, req *ir.EmbeddingsRequest) (*EmbeddingsResult, error)
	ModerationsFunc func(ctx context.Context, req *ir.ModerationsRequest) (*ir.ModerationsResponse, error)
}

func (m *Mock) ID() string { return m.IDValue }

func (m *Mock) Chat(ctx context.Context, req *ir.ChatRequest) (*ChatResult, error) {
	if m.ChatFunc == nil {
		return nil, domain.ErrEndpointUnsupported
	}
	return m.ChatFunc(ctx, req)
}

func (m *Mock) Embeddings(ctx context.Context, req *ir.EmbeddingsRequest) (*EmbeddingsResult, error) {
	if m.EmbeddingsFunc == nil {
		return nil, domain.ErrEndpointUnsupported
	}
	return m.EmbeddingsFunc(ctx, req)
}

func (m *Mock) Moderations(ctx context.Context, req *ir.ModerationsRequest) (*ir.ModerationsResponse, error) {
	if m.ModerationsFunc == nil {
		return nil, domain.ErrEndpointUnsupported
	}
	return m.ModerationsFunc(ctx, req)
}

// DecodeChat decodes an upstream chat body. A partial decode is kept and
// logged; only an undecodable body fails the call.
func DecodeChat(codec protocol.Codec, providerID string, body []byte) (*ChatResult, error) {
	resp, err := codec.DecodeResponse(body)
	if err != nil {
		metrics.RecordDecodeError(codec.Name(), "response")
		if resp == nil {
			return nil, fmt.Errorf("decode %s response from %s: %w", codec.Name(), providerID, err)
		}
		slog.Warn("partial upstream response", "provider", providerID, "protocol", codec.Name(), "error", err)
	}
	resp.Provider = providerID
	return &ChatResult{Response: resp, Body: body}, nil
}
