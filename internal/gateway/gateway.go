// Package gateway runs one request through its lifecycle: route, call an
// upstream with failover, fold the outcome into provider health, account
// usage, price it, and remember the serving provider for cache affinity.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/aistats/gateway/internal/circuitbreaker"
	"github.com/aistats/gateway/internal/config"
	"github.com/aistats/gateway/internal/domain"
	"github.com/aistats/gateway/internal/ir"
	"github.com/aistats/gateway/internal/notifications"
	"github.com/aistats/gateway/internal/pricing"
	"github.com/aistats/gateway/internal/provider"
	"github.com/aistats/gateway/internal/router"
	"github.com/aistats/gateway/internal/telemetry"
	"github.com/aistats/gateway/internal/usage"
)

const defaultMaxAttempts = 3

type Gateway struct {
	catalog     *config.Catalog
	providers   *provider.Registry
	router      *router.Router
	health      *circuitbreaker.Tracker
	cards       pricing.Store
	counter     usage.Counter
	notifier    notifications.Notifier
	maxAttempts int
	now         func() time.Time
}

type Option func(*Gateway)

func WithMaxAttempts(n int) Option {
	return func(g *Gateway) {
		if n > 0 {
			g.maxAttempts = n
		}
	}
}

func WithCounter(c usage.Counter) Option {
	return func(g *Gateway) { g.counter = c }
}

// WithNotifier reports malformed price cards to operators.
func WithNotifier(n notifications.Notifier) Option {
	return func(g *Gateway) { g.notifier = n }
}

func WithClock(now func() time.Time) Option {
	return func(g *Gateway) { g.now = now }
}

func New(catalog *config.Catalog, providers *provider.Registry, health *circuitbreaker.Tracker, cards pricing.Store, opts ...Option) *Gateway {
	g := &Gateway{
		catalog:     catalog,
		providers:   providers,
		router:      router.New(health),
		health:      health,
		cards:       cards,
		counter:     usage.NewTiktokenCounter(),
		maxAttempts: defaultMaxAttempts,
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Call carries the per-request facts that are not part of the IR.
type Call struct {
	RequestID string
	Team      domain.Team
	Endpoint  domain.Endpoint
	// Mode overrides the team routing mode.
	Mode  string
	Hints router.Hints
	// PricingContext is exposed to price card conditions next to usage.*.
	PricingContext map[string]any
}

// Result describes how a request was served and billed.
type Result struct {
	Provider      string
	UpstreamModel string
	Attempts      int
	Usage         *ir.Usage
	// UsageEstimated is set when usage was counted locally.
	UsageEstimated bool
	Bill           *pricing.Bill
	Diagnostics    *router.Diagnostics

	spec config.CandidateSpec
}

// attempt is one candidate the loop may call.
type attempt struct {
	ranked router.Ranked
	spec   config.CandidateSpec
	prov   provider.Provider
}

// Chat serves a text-generation request.
func (g *Gateway) Chat(ctx context.Context, call Call, req *ir.ChatRequest) (*ir.ChatResponse, *Result, error) {
	maxTokens := 0
	if req.MaxTokens != nil {
		maxTokens = *req.MaxTokens
	}

	var resp *ir.ChatResponse
	var body []byte
	result, err := g.dispatch(ctx, call, req.Model, maxTokens, func(ctx context.Context, a attempt) (int, error) {
		upstream := *req
		upstream.Model = a.spec.UpstreamModel
		upstream.Stream = false
		upstream.Reasoning = normalizeReasoning(req.Reasoning, a.spec)

		res, err := a.prov.Chat(ctx, &upstream)
		if err != nil {
			return 0, err
		}
		resp, body = res.Response, res.Body
		out := 0
		if resp.Usage != nil {
			out = resp.Usage.OutputTokens
		}
		return out, nil
	})
	if err != nil {
		return nil, result, err
	}

	u, estimated := g.chatUsage(result.Provider, req, resp, body)
	resp.Usage = u
	resp.ID = call.RequestID
	resp.Model = req.Model
	if resp.Created == 0 {
		resp.Created = g.now().Unix()
	}

	if err := g.settle(ctx, call, req.Model, result, u, estimated, chatPricingContext(req)); err != nil {
		return nil, result, err
	}
	return resp, result, nil
}

// Embeddings serves an embeddings request.
func (g *Gateway) Embeddings(ctx context.Context, call Call, req *ir.EmbeddingsRequest) (*ir.EmbeddingsResponse, *Result, error) {
	var resp *ir.EmbeddingsResponse
	var body []byte
	result, err := g.dispatch(ctx, call, req.Model, 0, func(ctx context.Context, a attempt) (int, error) {
		upstream := *req
		upstream.Model = a.spec.UpstreamModel
		res, err := a.prov.Embeddings(ctx, &upstream)
		if err != nil {
			return 0, err
		}
		resp, body = res.Response, res.Body
		return 0, nil
	})
	if err != nil {
		return nil, result, err
	}

	u, estimated := resp.Usage, false
	if u == nil {
		u = usage.Normalize(result.Provider, body)
	}
	if u == nil {
		in := 0
		for _, s := range req.Input {
			in += g.counter.Count(req.Model, s)
		}
		u, estimated = &ir.Usage{InputTokens: in, TotalTokens: in}, true
	}
	resp.Usage = u
	resp.Model = req.Model

	if err := g.settle(ctx, call, req.Model, result, u, estimated, nil); err != nil {
		return nil, result, err
	}
	return resp, result, nil
}

// Moderations serves a moderations request. Moderations carry no token
// usage; the card prices the requests meter.
func (g *Gateway) Moderations(ctx context.Context, call Call, req *ir.ModerationsRequest) (*ir.ModerationsResponse, *Result, error) {
	var resp *ir.ModerationsResponse
	result, err := g.dispatch(ctx, call, req.Model, 0, func(ctx context.Context, a attempt) (int, error) {
		upstream := *req
		upstream.Model = a.spec.UpstreamModel
		r, err := a.prov.Moderations(ctx, &upstream)
		if err != nil {
			return 0, err
		}
		resp = r
		return 0, nil
	})
	if err != nil {
		return nil, result, err
	}
	resp.Model = req.Model
	if resp.ID == "" {
		resp.ID = "modr-" + call.RequestID
	}

	if err := g.settle(ctx, call, req.Model, result, nil, false, nil); err != nil {
		return nil, result, err
	}
	return resp, result, nil
}

// dispatch routes the request and tries ranked candidates until one
// succeeds, a rejection stops the loop, or the attempt budget runs out.
// do returns the output token count for throughput tracking.
func (g *Gateway) dispatch(ctx context.Context, call Call, model string, maxTokens int, do func(context.Context, attempt) (int, error)) (*Result, error) {
	ctx, span := telemetry.StartSpan(ctx, telemetry.SpanRoute)
	attempts, diag, err := g.route(ctx, call, model, maxTokens)
	if err != nil {
		telemetry.AddErrorAttribute(span, err)
	}
	span.End()

	result := &Result{Diagnostics: diag}
	if err != nil {
		return result, err
	}

	budget := min(len(attempts), g.maxAttempts)
	var (
		lastErr    error
		lastResort bool
	)
	for _, a := range attempts {
		if result.Attempts >= budget {
			break
		}
		key := router.HealthKey(a.ranked.Provider, model, call.Endpoint)

		admission := g.health.Admit(ctx, key)
		if admission == circuitbreaker.AdmitBlocked && a.ranked.LastResort && !lastResort {
			// Every breaker is open; the earliest to reopen is tried once.
			lastResort = true
			admission = g.health.AdmitLastResort(ctx, key)
			slog.Info("trying open breaker as last resort", "request_id", call.RequestID, "provider", a.ranked.Provider, "model", model, "admission", admission)
		}
		if admission == circuitbreaker.AdmitBlocked {
			slog.Debug("candidate blocked by breaker", "request_id", call.RequestID, "provider", a.ranked.Provider, "model", model)
			continue
		}
		probe := admission == circuitbreaker.AdmitProbe
		result.Attempts++

		tokens, latency, err := g.invoke(ctx, call, a, key, result.Attempts, do)
		if err != nil && ctx.Err() != nil {
			g.health.Abandon(ctx, key, probe)
			return result, fmt.Errorf("request cancelled: %w", context.Cause(ctx))
		}

		g.health.Record(ctx, key, circuitbreaker.Outcome{Err: err, Latency: latency, Generation: latency, Tokens: tokens}, probe)
		if err == nil {
			result.Provider = a.ranked.Provider
			result.UpstreamModel = a.spec.UpstreamModel
			result.spec = a.spec
			return result, nil
		}

		lastErr = err
		slog.Warn("upstream attempt failed",
			"request_id", call.RequestID,
			"provider", a.ranked.Provider,
			"model", model,
			"endpoint", call.Endpoint,
			"attempt", result.Attempts,
			"failure", domain.FailureKind(err),
			"error", err,
		)
		if !retryable(err) {
			return result, err
		}
	}

	return result, &domain.RoutingExhaustedError{Model: model, Endpoint: call.Endpoint, Attempts: result.Attempts, LastErr: lastErr}
}

func (g *Gateway) invoke(ctx context.Context, call Call, a attempt, key circuitbreaker.Key, n int, do func(context.Context, attempt) (int, error)) (int, time.Duration, error) {
	ctx, span := telemetry.StartSpan(ctx, telemetry.SpanUpstream)
	defer span.End()
	telemetry.AddUpstreamAttributes(span, a.ranked.Provider, a.spec.UpstreamModel, n)

	g.health.Start(ctx, key)
	start := g.now()
	tokens, err := do(ctx, a)
	latency := g.now().Sub(start)
	if err != nil {
		telemetry.AddErrorAttribute(span, err)
	}
	return tokens, latency, err
}

// retryable reports whether another candidate should be tried. Transport
// failures and timeouts fail over, as do rejections that blame the
// upstream rather than the request.
func retryable(err error) bool {
	if errors.Is(err, domain.ErrEndpointUnsupported) {
		return true
	}
	var rej *domain.ProviderRejectionError
	if errors.As(err, &rej) {
		switch {
		case rej.StatusCode == 408, rej.StatusCode == 429, rej.StatusCode >= 500:
			return true
		}
		return false
	}
	return true
}

// route builds candidates from the catalog and ranks them.
func (g *Gateway) route(ctx context.Context, call Call, model string, maxTokens int) ([]attempt, *router.Diagnostics, error) {
	base, _, _ := router.ParsePriority(model)
	specs := g.catalog.Route(base, call.Endpoint)
	if len(specs) == 0 {
		return nil, nil, &domain.RoutingExhaustedError{Model: model, Endpoint: call.Endpoint}
	}

	bySpec := make(map[string]config.CandidateSpec, len(specs))
	cands := make([]router.Candidate, 0, len(specs))
	now := g.now()
	for _, s := range specs {
		if _, ok := g.providers.Get(s.Provider); !ok {
			slog.Warn("catalog candidate has no adapter", "provider", s.Provider, "model", base)
			continue
		}
		c := router.Candidate{
			Provider:        s.Provider,
			UpstreamModel:   s.UpstreamModel,
			Status:          domain.ParseProviderStatus(s.Status),
			Weight:          s.Weight,
			MaxOutputTokens: s.MaxOutputTokens,
		}
		pp, pm := s.PriceKey()
		if card, err := pricing.Find(ctx, g.cards, pp, pm, call.Endpoint, now); err == nil {
			c.Card = card
		}
		bySpec[s.Provider] = s
		cands = append(cands, c)
	}

	ranked, diag, err := g.router.Route(ctx, router.Request{
		RequestID: call.RequestID,
		Team:      call.Team,
		Endpoint:  call.Endpoint,
		Model:     model,
		Mode:      call.Mode,
		MaxTokens: maxTokens,
		Hints:     call.Hints,
	}, cands)
	if err != nil {
		return nil, diag, err
	}

	out := make([]attempt, 0, len(ranked))
	for _, r := range ranked {
		p, _ := g.providers.Get(r.Provider)
		out = append(out, attempt{ranked: r, spec: bySpec[r.Provider], prov: p})
	}
	return out, diag, nil
}

func (g *Gateway) chatUsage(providerID string, req *ir.ChatRequest, resp *ir.ChatResponse, body []byte) (*ir.Usage, bool) {
	if resp.Usage != nil {
		return resp.Usage, false
	}
	if u := usage.Normalize(providerID, body); u != nil {
		return u, false
	}
	return usage.Estimate(g.counter, req, resp), true
}
