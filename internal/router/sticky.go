package router

import (
	"context"
	"log/slog"
	"time"

	"github.com/aistats/gateway/internal/domain"
	"github.com/aistats/gateway/internal/kv"
	"github.com/aistats/gateway/internal/metrics"
)

// Sticky records which provider last served a (team, endpoint, model) and
// the cached-read tokens it reported. CachedReadTokens is nil when the
// provider reported no cache field at all.
type Sticky struct {
	ProviderID       string `json:"providerId"`
	CachedReadTokens *int   `json:"cachedReadTokens"`
	CreatedAt        int64  `json:"createdAt"`
}

const (
	stickyHit     = "hit"
	stickyMiss    = "miss"
	stickyBlocked = "breaker_open"
	stickyGone    = "not_in_pool"
)

// Remember stores the sticky entry for a served request. It is a no-op when
// ctx carries no kv store.
func Remember(ctx context.Context, team string, endpoint domain.Endpoint, model, provider string, cachedRead *int, now time.Time) {
	store := kv.FromContext(ctx)
	if store == nil {
		return
	}
	base, _, _ := ParsePriority(model)
	entry := Sticky{ProviderID: provider, CachedReadTokens: cachedRead, CreatedAt: now.UnixMilli()}
	if err := kv.PutJSON(ctx, store, kv.StickyKey(team, string(endpoint), base), entry, kv.StickyTTL); err != nil {
		slog.Warn("store sticky route failed", "team_id", team, "provider", provider, "error", err)
	}
}

// lookupSticky returns the live entry for the triple. Misses and store
// errors both read as absent.
func lookupSticky(ctx context.Context, team string, endpoint domain.Endpoint, base string) (Sticky, bool) {
	store := kv.FromContext(ctx)
	if store == nil {
		return Sticky{}, false
	}
	var entry Sticky
	ok, err := kv.GetJSON(ctx, store, kv.StickyKey(team, string(endpoint), base), &entry)
	if err != nil {
		slog.Warn("read sticky route failed", "team_id", team, "error", err)
		return Sticky{}, false
	}
	return entry, ok && entry.ProviderID != ""
}

// applySticky moves the sticky provider to the front of ranked. Breaker
// state wins: a deranked sticky provider is left where it is.
func (r *Router) applySticky(ctx context.Context, req Request, base string, ranked []Ranked, now time.Time) ([]Ranked, string) {
	entry, ok := lookupSticky(ctx, req.Team.ID, req.Endpoint, base)
	if !ok {
		metrics.RecordSticky(string(req.Endpoint), stickyMiss)
		return ranked, ""
	}

	idx := -1
	for i, c := range ranked {
		if c.Provider == entry.ProviderID {
			idx = i
			break
		}
	}

	result := stickyHit
	switch {
	case idx < 0:
		result = stickyGone
	case ranked[idx].Health.Deranked(now):
		result = stickyBlocked
	case idx > 0:
		out := make([]Ranked, 0, len(ranked))
		out = append(out, ranked[idx])
		out = append(out, ranked[:idx]...)
		out = append(out, ranked[idx+1:]...)
		ranked = out
	}
	metrics.RecordSticky(string(req.Endpoint), result)
	return ranked, result
}
