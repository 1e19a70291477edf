// Package router ranks the upstream candidates for one request.
//
// Filter stages run in order: provider hints (only, ignore), the rollout
// status gate, then the breaker. Survivors are scored on health EWMAs,
// price and output-limit affinity, and ordered either strictly by score or
// by a weighted draw seeded from the request id. A sticky entry for the
// (team, endpoint, model) triple moves its provider to the front unless the
// provider's breaker is open.
package router

import (
	"context"
	"log/slog"
	"sort"
	"strings"

	"github.com/aistats/gateway/internal/circuitbreaker"
	"github.com/aistats/gateway/internal/domain"
	"github.com/aistats/gateway/internal/pricing"
)

// Candidate is one upstream able to serve a gateway model.
type Candidate struct {
	Provider        string
	UpstreamModel   string
	Status          domain.ProviderStatus
	Weight          float64
	MaxOutputTokens int
	Card            *pricing.Card
}

// Hints are the caller's provider preferences.
type Hints struct {
	Only         []string `json:"only,omitempty"`
	Ignore       []string `json:"ignore,omitempty"`
	Order        []string `json:"order,omitempty"`
	IncludeAlpha bool     `json:"include_alpha,omitempty"`
}

type Request struct {
	RequestID string
	Team      domain.Team
	Endpoint  domain.Endpoint
	// Model is the gateway model as requested, priority suffix included.
	Model string
	// Mode overrides the team routing mode when set.
	Mode      string
	MaxTokens int
	Hints     Hints
}

// Ranked is a scored candidate with the health it was scored on.
type Ranked struct {
	Candidate
	Score  float64
	Health circuitbreaker.Health
	// LastResort marks a candidate whose breaker is open; it is only
	// returned when every candidate is deranked.
	LastResort bool
}

type Drop struct {
	Provider string `json:"provider_id"`
	Reason   string `json:"reason"`
}

type Stage struct {
	Name    string `json:"stage"`
	Before  int    `json:"before_count"`
	After   int    `json:"after_count"`
	Dropped []Drop `json:"dropped_providers"`
}

type Diagnostics struct {
	Model        string          `json:"model"`
	Endpoint     domain.Endpoint `json:"endpoint"`
	Priority     Priority        `json:"priority"`
	Mode         Mode            `json:"routing_mode"`
	Strict       bool            `json:"strict_priority"`
	IncludeAlpha bool            `json:"include_alpha"`
	BetaChannel  bool            `json:"beta_channel_enabled"`
	Stages       []Stage         `json:"filter_stages"`
	Sticky       string          `json:"sticky,omitempty"`
	LastResort   bool            `json:"last_resort,omitempty"`
	FinalCount   int             `json:"final_candidate_count"`
}

const (
	stageOnly    = "hints.only"
	stageIgnore  = "hints.ignore"
	stageStatus  = "status_gate"
	stageBreaker = "health_breaker"
)

type Router struct {
	health *circuitbreaker.Tracker
}

func New(health *circuitbreaker.Tracker) *Router {
	return &Router{health: health}
}

// HealthKey is the breaker tuple for a candidate of a gateway model.
func HealthKey(provider, model string, endpoint domain.Endpoint) circuitbreaker.Key {
	base, _, _ := ParsePriority(model)
	return circuitbreaker.Key{Provider: provider, Model: base, Endpoint: endpoint}
}

// Route returns candidates best first. It fails with RoutingExhaustedError
// only when no candidate passes the status gate.
func (r *Router) Route(ctx context.Context, req Request, candidates []Candidate) ([]Ranked, *Diagnostics, error) {
	base, priority, strict := ParsePriority(req.Model)
	mode := ParseMode(req.Mode)
	if req.Mode == "" {
		mode = ParseMode(req.Team.RoutingMode)
	}

	diag := &Diagnostics{
		Model:        req.Model,
		Endpoint:     req.Endpoint,
		Priority:     priority,
		Mode:         mode,
		Strict:       strict,
		IncludeAlpha: req.Hints.IncludeAlpha,
		BetaChannel:  req.Team.BetaChannel,
	}

	pool := candidates
	if only := normalizeList(req.Hints.Only); len(only) > 0 {
		pool = diag.filter(stageOnly, pool, func(c Candidate) string {
			if only[strings.ToLower(c.Provider)] {
				return ""
			}
			return "not_in_provider.only"
		})
	}
	if ignore := normalizeList(req.Hints.Ignore); len(ignore) > 0 {
		pool = diag.filter(stageIgnore, pool, func(c Candidate) string {
			if ignore[strings.ToLower(c.Provider)] {
				return "listed_in_provider.ignore"
			}
			return ""
		})
	}
	if len(pool) == 0 {
		pool = candidates
	}

	pool = diag.filter(stageStatus, pool, func(c Candidate) string {
		return gate(c.Status, req.Team.BetaChannel, req.Hints.IncludeAlpha)
	})
	if len(pool) == 0 {
		slog.Info("provider pool empty", "model", req.Model, "endpoint", req.Endpoint, "candidates", len(candidates))
		return nil, diag, &domain.RoutingExhaustedError{Model: req.Model, Endpoint: req.Endpoint}
	}

	order := orderList(req.Hints.Order)
	pool = hoist(pool, order)

	keys := make([]circuitbreaker.Key, len(pool))
	for i, c := range pool {
		keys[i] = circuitbreaker.Key{Provider: c.Provider, Model: base, Endpoint: req.Endpoint}
	}
	healths := r.health.Snapshot(ctx, keys...)
	now := r.health.Now()

	ranked := make([]Ranked, len(pool))
	var viable []Ranked
	var dropped []Drop
	for i, c := range pool {
		ranked[i] = Ranked{Candidate: c, Health: healths[keys[i]]}
		if ranked[i].Health.Deranked(now) {
			dropped = append(dropped, Drop{Provider: c.Provider, Reason: "breaker_open"})
			continue
		}
		viable = append(viable, ranked[i])
	}
	lastResort := len(viable) == 0
	if len(dropped) > 0 {
		after := len(viable)
		if lastResort {
			after = len(ranked)
		}
		diag.Stages = append(diag.Stages, Stage{Name: stageBreaker, Before: len(ranked), After: after, Dropped: dropped})
	}
	if !lastResort {
		ranked = viable
	}

	scorer := newScorer(PresetFor(priority, mode), ranked, req.Endpoint, req.Team.PricingPlan, req.MaxTokens)
	rng := requestRand(req.RequestID + ":" + req.Team.ID + ":" + req.Model)
	for i := range ranked {
		ranked[i].Score = scorer.score(ranked[i], rng)
	}

	var out []Ranked
	switch {
	case lastResort:
		// Every breaker is open: try the one whose window ends first.
		out = make([]Ranked, len(ranked))
		copy(out, ranked)
		sort.SliceStable(out, func(i, j int) bool {
			return out[i].Health.OpenUntilMs < out[j].Health.OpenUntilMs
		})
		for i := range out {
			out[i].LastResort = true
		}
		diag.LastResort = true
	case len(order) > 0:
		head, rest := splitOrdered(ranked, order)
		if strict {
			rest = strictOrder(rest)
		} else {
			rest = weightedOrder(rest, rng)
		}
		out = append(head, rest...)
	case strict:
		out = strictOrder(ranked)
	default:
		out = weightedOrder(ranked, rng)
	}

	if len(order) == 0 {
		out, diag.Sticky = r.applySticky(ctx, req, base, out, now)
	}

	diag.FinalCount = len(out)
	slog.Debug("provider pool",
		"model", req.Model,
		"endpoint", req.Endpoint,
		"candidates", len(candidates),
		"ranked", len(out),
		"open_breakers", len(dropped),
		"sticky", diag.Sticky,
	)
	return out, diag, nil
}

// filter keeps the candidates for which reason returns "" and records the
// stage.
func (d *Diagnostics) filter(name string, in []Candidate, reason func(Candidate) string) []Candidate {
	stage := Stage{Name: name, Before: len(in)}
	out := make([]Candidate, 0, len(in))
	for _, c := range in {
		if why := reason(c); why != "" {
			stage.Dropped = append(stage.Dropped, Drop{Provider: c.Provider, Reason: why})
			continue
		}
		out = append(out, c)
	}
	stage.After = len(out)
	d.Stages = append(d.Stages, stage)
	return out
}

func gate(status domain.ProviderStatus, betaChannel, includeAlpha bool) string {
	switch status {
	case domain.StatusBeta:
		if !betaChannel {
			return "beta_requires_team_beta_channel"
		}
	case domain.StatusAlpha:
		if !includeAlpha {
			return "alpha_requires_provider.include_alpha"
		}
	case domain.StatusNotReady:
		return "provider_status_not_ready"
	}
	return ""
}

func normalizeList(ids []string) map[string]bool {
	out := make(map[string]bool, len(ids))
	for _, id := range ids {
		if id = strings.ToLower(strings.TrimSpace(id)); id != "" {
			out[id] = true
		}
	}
	return out
}

func orderList(ids []string) []string {
	var out []string
	seen := make(map[string]bool)
	for _, id := range ids {
		id = strings.ToLower(strings.TrimSpace(id))
		if id != "" && !seen[id] {
			seen[id] = true
			out = append(out, id)
		}
	}
	return out
}

// hoist moves ordered providers to the front in hint order.
func hoist(pool []Candidate, order []string) []Candidate {
	if len(order) == 0 {
		return pool
	}
	byID := make(map[string]Candidate, len(pool))
	for _, c := range pool {
		byID[strings.ToLower(c.Provider)] = c
	}
	out := make([]Candidate, 0, len(pool))
	placed := make(map[string]bool)
	for _, id := range order {
		if c, ok := byID[id]; ok {
			out = append(out, c)
			placed[id] = true
		}
	}
	for _, c := range pool {
		if !placed[strings.ToLower(c.Provider)] {
			out = append(out, c)
		}
	}
	return out
}

func splitOrdered(ranked []Ranked, order []string) (head, rest []Ranked) {
	byID := make(map[string]Ranked, len(ranked))
	for _, r := range ranked {
		byID[strings.ToLower(r.Provider)] = r
	}
	placed := make(map[string]bool)
	for _, id := range order {
		if r, ok := byID[id]; ok {
			head = append(head, r)
			placed[id] = true
		}
	}
	for _, r := range ranked {
		if !placed[strings.ToLower(r.Provider)] {
			rest = append(rest, r)
		}
	}
	return head, rest
}
