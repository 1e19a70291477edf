package gateway

import (
	"context"
	"errors"
	"log/slog"

	"github.com/aistats/gateway/internal/config"
	"github.com/aistats/gateway/internal/domain"
	"github.com/aistats/gateway/internal/ir"
	"github.com/aistats/gateway/internal/metrics"
	"github.com/aistats/gateway/internal/notifications"
	"github.com/aistats/gateway/internal/pricing"
	"github.com/aistats/gateway/internal/reasoning"
	"github.com/aistats/gateway/internal/router"
	"github.com/aistats/gateway/internal/telemetry"
	"github.com/aistats/gateway/internal/usage"
)

func normalizeReasoning(r *ir.Reasoning, spec config.CandidateSpec) *ir.Reasoning {
	return reasoning.Normalize(r, spec.Capability())
}

func chatPricingContext(req *ir.ChatRequest) map[string]any {
	out := map[string]any{"stream": req.Stream}
	if req.ServiceTier != "" {
		out["service_tier"] = req.ServiceTier
	}
	if req.Reasoning != nil && req.Reasoning.Effort != "" {
		out["reasoning_effort"] = string(req.Reasoning.Effort)
	}
	return out
}

// settle runs the post-response bookkeeping: token metrics, the sticky
// hint, and the bill.
func (g *Gateway) settle(ctx context.Context, call Call, model string, result *Result, u *ir.Usage, estimated bool, extra map[string]any) error {
	result.Usage, result.UsageEstimated = u, estimated
	if u != nil {
		metrics.RecordTokens(call.Team.ID, result.Provider, model, u.InputTokens, u.OutputTokens)
	}

	var cachedRead *int
	if u != nil {
		cachedRead = u.CachedReadTokens
	}
	router.Remember(ctx, call.Team.ID, call.Endpoint, model, result.Provider, cachedRead, g.now())

	bill, err := g.price(ctx, call, model, result, u, extra)
	if err != nil {
		return err
	}
	result.Bill = bill
	return nil
}

// price bills the served request. A missing card leaves the request
// unbilled; any other pricing failure aborts it.
func (g *Gateway) price(ctx context.Context, call Call, model string, result *Result, u *ir.Usage, extra map[string]any) (*pricing.Bill, error) {
	ctx, span := telemetry.StartSpan(ctx, telemetry.SpanPrice)
	defer span.End()

	pp, pm := result.spec.PriceKey()
	card, err := pricing.Find(ctx, g.cards, pp, pm, call.Endpoint, g.now())
	if errors.Is(err, domain.ErrPriceCardNotFound) {
		slog.Warn("no price card, request unbilled",
			"request_id", call.RequestID,
			"provider", pp,
			"model", pm,
			"endpoint", call.Endpoint,
		)
		return nil, nil
	}
	if err != nil {
		telemetry.AddErrorAttribute(span, err)
		slog.Error("pricing failed", "request_id", call.RequestID, "provider", pp, "model", pm, "error", err)
		return nil, err
	}

	plan := call.Team.PricingPlan
	meters := usage.Meters(u)
	if _, ok := card.CheapestPerUnit(plan)[usage.MeterRequests]; ok {
		meters[usage.MeterRequests] = 1
	}

	reqCtx := map[string]any{
		"endpoint":       string(call.Endpoint),
		"provider":       result.Provider,
		"model":          model,
		"upstream_model": result.UpstreamModel,
	}
	for k, v := range extra {
		reqCtx[k] = v
	}
	for k, v := range call.PricingContext {
		reqCtx[k] = v
	}

	bill, err := pricing.Compute(meters, card, reqCtx, plan)
	if err != nil {
		telemetry.AddErrorAttribute(span, err)
		slog.Error("pricing failed", "request_id", call.RequestID, "provider", pp, "model", pm, "error", err)
		var cfgErr *domain.PricingConfigError
		if errors.As(err, &cfgErr) {
			g.notifyPricingConfig(ctx, call, pp, pm, cfgErr)
		}
		return nil, err
	}
	if len(bill.Unpriced) > 0 {
		slog.Warn("meters without a price rule", "request_id", call.RequestID, "provider", pp, "model", pm, "meters", bill.Unpriced)
	}

	nanos := bill.TotalNanos()
	metrics.RecordBilled(call.Team.ID, result.Provider, pm, bill.Currency, nanos)
	telemetry.AddBillAttributes(span, bill.Currency, nanos)
	return bill, nil
}

func (g *Gateway) notifyPricingConfig(ctx context.Context, call Call, provider, model string, cfgErr *domain.PricingConfigError) {
	if g.notifier == nil {
		return
	}
	err := g.notifier.Send(ctx, notifications.Notification{
		Type:    notifications.NotificationPricingConfigError,
		TeamID:  call.Team.ID,
		Message: cfgErr.Error(),
		Data: map[string]interface{}{
			"provider":   provider,
			"model":      model,
			"endpoint":   string(call.Endpoint),
			"meter":      cfgErr.Meter,
			"rule_id":    cfgErr.RuleID,
			"request_id": call.RequestID,
		},
	})
	if err != nil {
		slog.Warn("pricing notification failed", "request_id", call.RequestID, "error", err)
	}
}
