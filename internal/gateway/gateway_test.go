package gateway

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/aistats/gateway/internal/circuitbreaker"
	"github.com/aistats/gateway/internal/config"
	"github.com/aistats/gateway/internal/domain"
	"github.com/aistats/gateway/internal/ir"
	"github.com/aistats/gateway/internal/kv"
	"github.com/aistats/gateway/internal/notifications"
	"github.com/aistats/gateway/internal/pricing"
	"github.com/aistats/gateway/internal/provider"
	"github.com/aistats/gateway/internal/router"
)

const testCatalog = `
providers:
  - {id: p1, kind: openai}
  - {id: p2, kind: openai}
  - {id: p3, kind: openai}
  - {id: p4, kind: openai}
models:
  - model: m1
    candidates:
      - {provider: p1, upstream_model: up-1, reasoning: {style: tokens, max_tokens: 1000}}
      - {provider: p2, upstream_model: up-2}
      - {provider: p3, upstream_model: up-3}
      - {provider: p4, upstream_model: up-4}
  - model: emb
    endpoints: [embeddings, moderations]
    candidates:
      - {provider: p1}
`

const testCards = `
cards:
  - provider: p1
    model: up-1
    endpoint: chat.completions
    effective_from: 2025-01-01T00:00:00Z
    rules:
      - {meter: input_text_tokens, unit: token, price_per_unit: "0.000001"}
      - {meter: output_text_tokens, unit: token, price_per_unit: "0.000002"}
  - provider: p2
    model: up-2
    endpoint: chat.completions
    effective_from: 2025-01-01T00:00:00Z
    rules:
      - {meter: input_text_tokens, unit: token, price_per_unit: "0.000001"}
      - {meter: output_text_tokens, unit: token, price_per_unit: "0.000002"}
      - {meter: requests, unit: request, price_per_unit: "0.01"}
  - provider: p1
    model: emb
    endpoint: embeddings
    effective_from: 2025-01-01T00:00:00Z
    rules:
      - {meter: input_text_tokens, unit: token, price_per_unit: "0.0000001"}
`

var testNow = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

type wordCounter struct{}

func (wordCounter) Count(_, text string) int { return len(strings.Fields(text)) }

type testEnv struct {
	gw      *Gateway
	mocks   map[string]*provider.Mock
	health  *circuitbreaker.Tracker
	kvStore *kv.InMemoryStore
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	catalog, err := config.ParseCatalog([]byte(testCatalog))
	if err != nil {
		t.Fatal(err)
	}
	cards, err := pricing.Parse([]byte(testCards))
	if err != nil {
		t.Fatal(err)
	}

	mocks := make(map[string]*provider.Mock)
	registry := provider.NewRegistry()
	for _, id := range []string{"p1", "p2", "p3", "p4"} {
		m := &provider.Mock{IDValue: id}
		mocks[id] = m
		registry.Register(m)
	}

	clock := func() time.Time { return testNow }
	health := circuitbreaker.NewTracker(circuitbreaker.NewInMemoryStore(0), circuitbreaker.DefaultConfig(), circuitbreaker.WithClock(clock))
	store := kv.NewInMemoryStore()
	t.Cleanup(func() { store.Close() })

	gw := New(catalog, registry, health, pricing.NewMemoryStore(cards...),
		WithClock(clock),
		WithCounter(wordCounter{}),
	)
	return &testEnv{gw: gw, mocks: mocks, health: health, kvStore: store}
}

func (e *testEnv) ctx() context.Context {
	return kv.WithStore(context.Background(), e.kvStore)
}

func chatReq() *ir.ChatRequest {
	return &ir.ChatRequest{
		Model:    "m1",
		Messages: []ir.Message{{Role: ir.RoleUser, Content: []ir.Part{ir.Text("say hello world")}}},
	}
}

func ordered(ids ...string) Call {
	return Call{
		RequestID: "req-1",
		Team:      domain.Team{ID: "team-1"},
		Endpoint:  domain.EndpointChatCompletions,
		Hints:     router.Hints{Order: ids},
	}
}

func reply(in, out int) func(context.Context, *ir.ChatRequest) (*provider.ChatResult, error) {
	return func(_ context.Context, req *ir.ChatRequest) (*provider.ChatResult, error) {
		return &provider.ChatResult{Response: &ir.ChatResponse{
			NativeID: "native-1",
			Model:    req.Model,
			Choices:  []ir.Choice{{Message: ir.Message{Role: ir.RoleAssistant, Content: []ir.Part{ir.Text("hello world")}}, FinishReason: ir.FinishStop}},
			Usage:    &ir.Usage{InputTokens: in, OutputTokens: out, TotalTokens: in + out, CachedReadTokens: ir.Int(0)},
		}}, nil
	}
}

func failWith(err error, calls *int) func(context.Context, *ir.ChatRequest) (*provider.ChatResult, error) {
	return func(context.Context, *ir.ChatRequest) (*provider.ChatResult, error) {
		if calls != nil {
			*calls++
		}
		return nil, err
	}
}

func TestChat_ServesPricesAndRemembers(t *testing.T) {
	env := newTestEnv(t)
	var upstream *ir.ChatRequest
	env.mocks["p1"].ChatFunc = func(ctx context.Context, req *ir.ChatRequest) (*provider.ChatResult, error) {
		upstream = req
		return reply(1000, 500)(ctx, req)
	}

	req := chatReq()
	req.Stream = true
	resp, res, err := env.gw.Chat(env.ctx(), ordered("p1"), req)
	if err != nil {
		t.Fatalf("Chat() error = %v", err)
	}

	if upstream.Model != "up-1" || upstream.Stream {
		t.Errorf("upstream request = model %q stream %v", upstream.Model, upstream.Stream)
	}
	if req.Model != "m1" {
		t.Error("caller request must not be mutated")
	}
	if resp.ID != "req-1" || resp.Model != "m1" || resp.ResponseID() != "native-1" {
		t.Errorf("response ids = %q %q %q", resp.ID, resp.Model, resp.ResponseID())
	}
	if res.Provider != "p1" || res.UpstreamModel != "up-1" || res.Attempts != 1 {
		t.Errorf("result = %+v", res)
	}
	if res.Bill == nil || res.Bill.TotalNanos() != 2_000_000 {
		t.Fatalf("bill = %+v", res.Bill)
	}
	if len(res.Bill.Unpriced) != 0 {
		t.Errorf("unpriced = %v", res.Bill.Unpriced)
	}

	var sticky router.Sticky
	ok, err := kv.GetJSON(context.Background(), env.kvStore, kv.StickyKey("team-1", "chat.completions", "m1"), &sticky)
	if err != nil || !ok {
		t.Fatalf("sticky entry missing: %v", err)
	}
	if sticky.ProviderID != "p1" || sticky.CachedReadTokens == nil || *sticky.CachedReadTokens != 0 {
		t.Errorf("sticky = %+v", sticky)
	}
}

func TestChat_RequestsMeterOnlyWhenPriced(t *testing.T) {
	env := newTestEnv(t)
	env.mocks["p2"].ChatFunc = reply(1000, 500)

	_, res, err := env.gw.Chat(env.ctx(), ordered("p2"), chatReq())
	if err != nil {
		t.Fatal(err)
	}
	if res.Bill.TotalNanos() != 12_000_000 {
		t.Errorf("total nanos = %d, want 12000000", res.Bill.TotalNanos())
	}
}

func TestChat_NormalizesReasoningPerCandidate(t *testing.T) {
	env := newTestEnv(t)
	var got *ir.Reasoning
	env.mocks["p1"].ChatFunc = func(ctx context.Context, req *ir.ChatRequest) (*provider.ChatResult, error) {
		got = req.Reasoning
		return reply(1, 1)(ctx, req)
	}

	req := chatReq()
	req.Reasoning = &ir.Reasoning{Effort: ir.EffortHigh}
	if _, _, err := env.gw.Chat(env.ctx(), ordered("p1"), req); err != nil {
		t.Fatal(err)
	}
	if got == nil || got.MaxTokens == nil || *got.MaxTokens != 750 {
		t.Errorf("reasoning = %+v, want a 750 token budget", got)
	}
	if req.Reasoning.MaxTokens != nil {
		t.Error("caller reasoning must not be mutated")
	}
}

func TestChat_FailsOverOnTransportError(t *testing.T) {
	env := newTestEnv(t)
	env.mocks["p1"].ChatFunc = failWith(&domain.ProviderTransportError{Provider: "p1", Err: errors.New("reset")}, nil)
	env.mocks["p2"].ChatFunc = reply(10, 5)

	_, res, err := env.gw.Chat(env.ctx(), ordered("p1", "p2"), chatReq())
	if err != nil {
		t.Fatalf("Chat() error = %v", err)
	}
	if res.Provider != "p2" || res.Attempts != 2 {
		t.Errorf("result = %+v", res)
	}

	key := router.HealthKey("p1", "m1", domain.EndpointChatCompletions)
	h := env.health.Snapshot(context.Background(), key)[key]
	if h.ErrorRate == 0 {
		t.Error("failed attempt should raise the error rate")
	}
}

func TestChat_RejectionPolicy(t *testing.T) {
	tests := []struct {
		name      string
		status    int
		wantCalls int
		wantErr   bool
	}{
		{"bad request stops", 400, 0, true},
		{"rate limited fails over", 429, 1, false},
		{"server error fails over", 503, 1, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t)
			env.mocks["p1"].ChatFunc = failWith(&domain.ProviderRejectionError{Provider: "p1", StatusCode: tt.status}, nil)
			calls := 0
			env.mocks["p2"].ChatFunc = func(ctx context.Context, req *ir.ChatRequest) (*provider.ChatResult, error) {
				calls++
				return reply(1, 1)(ctx, req)
			}

			_, _, err := env.gw.Chat(env.ctx(), ordered("p1", "p2"), chatReq())
			if (err != nil) != tt.wantErr {
				t.Fatalf("Chat() error = %v, wantErr %v", err, tt.wantErr)
			}
			if calls != tt.wantCalls {
				t.Errorf("second provider called %d times, want %d", calls, tt.wantCalls)
			}
			var rej *domain.ProviderRejectionError
			if tt.wantErr && !errors.As(err, &rej) {
				t.Errorf("expected the rejection to surface, got %v", err)
			}
		})
	}
}

func TestChat_AttemptBudget(t *testing.T) {
	env := newTestEnv(t)
	calls := 0
	for _, id := range []string{"p1", "p2", "p3", "p4"} {
		env.mocks[id].ChatFunc = failWith(&domain.ProviderTransportError{Provider: id, Timeout: true, Err: context.DeadlineExceeded}, &calls)
	}

	_, res, err := env.gw.Chat(env.ctx(), ordered("p1", "p2", "p3", "p4"), chatReq())
	var exhausted *domain.RoutingExhaustedError
	if !errors.As(err, &exhausted) {
		t.Fatalf("expected RoutingExhaustedError, got %v", err)
	}
	if calls != defaultMaxAttempts || res.Attempts != defaultMaxAttempts || exhausted.Attempts != defaultMaxAttempts {
		t.Errorf("calls=%d attempts=%d exhausted=%d, want %d", calls, res.Attempts, exhausted.Attempts, defaultMaxAttempts)
	}
	if domain.FailureKind(exhausted.LastErr) != domain.FailureTimeout {
		t.Errorf("last error = %v", exhausted.LastErr)
	}
}

func TestChat_UnknownModel(t *testing.T) {
	env := newTestEnv(t)
	req := chatReq()
	req.Model = "nope"

	_, _, err := env.gw.Chat(env.ctx(), ordered(), req)
	var exhausted *domain.RoutingExhaustedError
	if !errors.As(err, &exhausted) || exhausted.Attempts != 0 {
		t.Fatalf("expected RoutingExhaustedError with no attempts, got %v", err)
	}
}

func TestChat_CancelledCallerDoesNotJudgeProvider(t *testing.T) {
	env := newTestEnv(t)
	ctx, cancel := context.WithCancel(env.ctx())
	defer cancel()

	calls := 0
	env.mocks["p1"].ChatFunc = func(ctx context.Context, _ *ir.ChatRequest) (*provider.ChatResult, error) {
		cancel()
		return nil, &domain.ProviderTransportError{Provider: "p1", Err: context.Canceled}
	}
	env.mocks["p2"].ChatFunc = failWith(errors.New("unreachable"), &calls)

	_, res, err := env.gw.Chat(ctx, ordered("p1", "p2"), chatReq())
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if calls != 0 || res.Bill != nil {
		t.Errorf("cancelled request must stop and stay unbilled, calls=%d bill=%v", calls, res.Bill)
	}

	key := router.HealthKey("p1", "m1", domain.EndpointChatCompletions)
	h := env.health.Snapshot(context.Background(), key)[key]
	if h.RecentTotal != 0 || h.Inflight != 0 {
		t.Errorf("health = total %v inflight %d, want untouched", h.RecentTotal, h.Inflight)
	}
}

func TestChat_EstimatesMissingUsage(t *testing.T) {
	env := newTestEnv(t)
	env.mocks["p1"].ChatFunc = func(_ context.Context, req *ir.ChatRequest) (*provider.ChatResult, error) {
		return &provider.ChatResult{
			Response: &ir.ChatResponse{Choices: []ir.Choice{{Message: ir.Message{Role: ir.RoleAssistant, Content: []ir.Part{ir.Text("hello world")}}}}},
			Body:     []byte(`{"choices":[]}`),
		}, nil
	}

	resp, res, err := env.gw.Chat(env.ctx(), ordered("p1"), chatReq())
	if err != nil {
		t.Fatal(err)
	}
	if !res.UsageEstimated {
		t.Error("usage should be marked estimated")
	}
	if resp.Usage.InputTokens != 3 || resp.Usage.OutputTokens != 2 {
		t.Errorf("usage = %+v", resp.Usage)
	}
}

func TestChat_NormalizesUsageFromBody(t *testing.T) {
	env := newTestEnv(t)
	env.mocks["p1"].ChatFunc = func(context.Context, *ir.ChatRequest) (*provider.ChatResult, error) {
		return &provider.ChatResult{
			Response: &ir.ChatResponse{},
			Body:     []byte(`{"response":{"usage":{"input_tokens":7,"output_tokens":3}}}`),
		}, nil
	}

	_, res, err := env.gw.Chat(env.ctx(), ordered("p1"), chatReq())
	if err != nil {
		t.Fatal(err)
	}
	if res.UsageEstimated || res.Usage.InputTokens != 7 {
		t.Errorf("usage = %+v estimated=%v", res.Usage, res.UsageEstimated)
	}
}

func TestChat_UnpricedCandidateIsServed(t *testing.T) {
	env := newTestEnv(t)
	env.mocks["p3"].ChatFunc = reply(1, 1)

	_, res, err := env.gw.Chat(env.ctx(), ordered("p3"), chatReq())
	if err != nil {
		t.Fatalf("Chat() error = %v", err)
	}
	if res.Bill != nil {
		t.Errorf("expected no bill without a card, got %+v", res.Bill)
	}
}

func TestEmbeddings(t *testing.T) {
	env := newTestEnv(t)
	env.mocks["p1"].EmbeddingsFunc = func(_ context.Context, req *ir.EmbeddingsRequest) (*provider.EmbeddingsResult, error) {
		return &provider.EmbeddingsResult{Response: &ir.EmbeddingsResponse{
			Model: req.Model,
			Data:  []ir.Embedding{{Vector: []float64{0.1}}},
			Usage: &ir.Usage{InputTokens: 1000, TotalTokens: 1000},
		}}, nil
	}

	call := Call{RequestID: "r", Team: domain.Team{ID: "t"}, Endpoint: domain.EndpointEmbeddings}
	resp, res, err := env.gw.Embeddings(env.ctx(), call, &ir.EmbeddingsRequest{Model: "emb", Input: []string{"a b"}})
	if err != nil {
		t.Fatalf("Embeddings() error = %v", err)
	}
	if resp.Model != "emb" || res.Bill.TotalNanos() != 100_000 {
		t.Errorf("model=%s nanos=%d", resp.Model, res.Bill.TotalNanos())
	}
}

func TestEmbeddings_MalformedCardNotifies(t *testing.T) {
	env := newTestEnv(t)
	notifier := notifications.NewInMemoryNotifier()
	env.gw.notifier = notifier
	env.gw.cards = pricing.NewMemoryStore(pricing.Card{
		Provider:      "p1",
		Model:         "emb",
		Endpoint:      domain.EndpointEmbeddings,
		EffectiveFrom: testNow.Add(-time.Hour),
		Rules:         []pricing.Rule{{ID: "bad", Meter: "input_text_tokens", Unit: "token", PricePerUnit: "0.0x1"}},
	})
	env.mocks["p1"].EmbeddingsFunc = func(_ context.Context, req *ir.EmbeddingsRequest) (*provider.EmbeddingsResult, error) {
		return &provider.EmbeddingsResult{Response: &ir.EmbeddingsResponse{
			Model: req.Model,
			Data:  []ir.Embedding{{Vector: []float64{0.1}}},
			Usage: &ir.Usage{InputTokens: 10, TotalTokens: 10},
		}}, nil
	}

	call := Call{RequestID: "r-9", Team: domain.Team{ID: "t"}, Endpoint: domain.EndpointEmbeddings}
	_, _, err := env.gw.Embeddings(env.ctx(), call, &ir.EmbeddingsRequest{Model: "emb", Input: []string{"a b"}})
	var cfgErr *domain.PricingConfigError
	if !errors.As(err, &cfgErr) {
		t.Fatalf("err = %v, want PricingConfigError", err)
	}

	sent := notifier.GetNotifications()
	if len(sent) != 1 {
		t.Fatalf("notifications = %d, want 1", len(sent))
	}
	n := sent[0]
	if n.Type != notifications.NotificationPricingConfigError || n.TeamID != "t" {
		t.Errorf("notification = %+v", n)
	}
	if n.Data["rule_id"] != "bad" || n.Data["provider"] != "p1" || n.Data["request_id"] != "r-9" {
		t.Errorf("data = %+v", n.Data)
	}
}

func TestEmbeddings_MissingCardDoesNotNotify(t *testing.T) {
	env := newTestEnv(t)
	notifier := notifications.NewInMemoryNotifier()
	env.gw.notifier = notifier
	env.gw.cards = pricing.NewMemoryStore()
	env.mocks["p1"].EmbeddingsFunc = func(_ context.Context, req *ir.EmbeddingsRequest) (*provider.EmbeddingsResult, error) {
		return &provider.EmbeddingsResult{Response: &ir.EmbeddingsResponse{Model: req.Model, Data: []ir.Embedding{{Vector: []float64{0.1}}}}}, nil
	}

	call := Call{RequestID: "r", Team: domain.Team{ID: "t"}, Endpoint: domain.EndpointEmbeddings}
	_, res, err := env.gw.Embeddings(env.ctx(), call, &ir.EmbeddingsRequest{Model: "emb", Input: []string{"a"}})
	if err != nil {
		t.Fatalf("Embeddings() error = %v", err)
	}
	if res.Bill != nil || len(notifier.GetNotifications()) != 0 {
		t.Errorf("bill = %+v notifications = %d", res.Bill, len(notifier.GetNotifications()))
	}
}

func TestModerations(t *testing.T) {
	env := newTestEnv(t)
	env.mocks["p1"].ModerationsFunc = func(_ context.Context, req *ir.ModerationsRequest) (*ir.ModerationsResponse, error) {
		return &ir.ModerationsResponse{Results: []ir.ModerationResult{{Flagged: true}}}, nil
	}

	call := Call{RequestID: "r", Team: domain.Team{ID: "t"}, Endpoint: domain.EndpointModerations}
	resp, res, err := env.gw.Moderations(env.ctx(), call, &ir.ModerationsRequest{Model: "emb", Input: []string{"x"}})
	if err != nil {
		t.Fatalf("Moderations() error = %v", err)
	}
	if resp.ID != "modr-r" || !resp.Results[0].Flagged || res.Provider != "p1" {
		t.Errorf("resp = %+v result = %+v", resp, res)
	}
}

func TestEmbeddings_UnsupportedAdapterFailsOver(t *testing.T) {
	env := newTestEnv(t)
	call := Call{RequestID: "r", Team: domain.Team{ID: "t"}, Endpoint: domain.EndpointEmbeddings}

	_, _, err := env.gw.Embeddings(env.ctx(), call, &ir.EmbeddingsRequest{Model: "emb", Input: []string{"x"}})
	var exhausted *domain.RoutingExhaustedError
	if !errors.As(err, &exhausted) || !errors.Is(err, domain.ErrEndpointUnsupported) {
		t.Errorf("expected exhaustion wrapping ErrEndpointUnsupported, got %v", err)
	}
}

func (e *testEnv) trip(t *testing.T, provider, model string, endpoint domain.Endpoint) circuitbreaker.Key {
	t.Helper()
	key := router.HealthKey(provider, model, endpoint)
	for i := 0; i < 10; i++ {
		e.health.Record(context.Background(), key, circuitbreaker.Outcome{Err: &domain.ProviderTransportError{Provider: provider, Err: errors.New("reset")}}, false)
	}
	if h := e.health.Snapshot(context.Background(), key)[key]; h.State != circuitbreaker.StateOpen {
		t.Fatalf("%s breaker = %s, want open", provider, h.State)
	}
	return key
}

func TestChat_EveryBreakerOpenTriesLastResort(t *testing.T) {
	env := newTestEnv(t)
	calls := map[string]int{}
	for _, id := range []string{"p1", "p2", "p3", "p4"} {
		env.trip(t, id, "m1", domain.EndpointChatCompletions)
		id := id
		env.mocks[id].ChatFunc = func(ctx context.Context, req *ir.ChatRequest) (*provider.ChatResult, error) {
			calls[id]++
			return reply(10, 5)(ctx, req)
		}
	}

	_, res, err := env.gw.Chat(env.ctx(), ordered(), chatReq())
	if err != nil {
		t.Fatalf("Chat() error = %v", err)
	}
	if res.Attempts != 1 || calls[res.Provider] != 1 || len(calls) != 1 {
		t.Errorf("attempts=%d provider=%s calls=%v, want a single last-resort call", res.Attempts, res.Provider, calls)
	}
	if !res.Diagnostics.LastResort {
		t.Error("diagnostics should report last-resort routing")
	}

	key := router.HealthKey(res.Provider, "m1", domain.EndpointChatCompletions)
	if h := env.health.Snapshot(context.Background(), key)[key]; h.State != circuitbreaker.StateClosed {
		t.Errorf("breaker after last-resort success = %s, want closed", h.State)
	}
}

func TestChat_LastResortFailureReopens(t *testing.T) {
	env := newTestEnv(t)
	calls := 0
	keys := make([]circuitbreaker.Key, 0, 4)
	for _, id := range []string{"p1", "p2", "p3", "p4"} {
		keys = append(keys, env.trip(t, id, "m1", domain.EndpointChatCompletions))
		env.mocks[id].ChatFunc = failWith(&domain.ProviderTransportError{Provider: id, Err: errors.New("reset")}, &calls)
	}
	before := env.health.Snapshot(context.Background(), keys...)

	_, _, err := env.gw.Chat(env.ctx(), ordered(), chatReq())
	var exhausted *domain.RoutingExhaustedError
	if !errors.As(err, &exhausted) || exhausted.Attempts != 1 || calls != 1 {
		t.Fatalf("err=%v calls=%d, want exhaustion after one attempt", err, calls)
	}

	after := env.health.Snapshot(context.Background(), keys...)
	reopened := 0
	for _, k := range keys {
		if after[k].State != circuitbreaker.StateOpen {
			t.Errorf("%s breaker = %s, want open", k.Provider, after[k].State)
		}
		if after[k].OpenUntilMs > before[k].OpenUntilMs {
			reopened++
		}
	}
	if reopened != 1 {
		t.Errorf("%d breakers extended their window, want exactly the one tried", reopened)
	}
}

func TestEmbeddings_SingleOpenCandidateIsTried(t *testing.T) {
	env := newTestEnv(t)
	env.trip(t, "p1", "emb", domain.EndpointEmbeddings)
	env.mocks["p1"].EmbeddingsFunc = func(_ context.Context, req *ir.EmbeddingsRequest) (*provider.EmbeddingsResult, error) {
		return &provider.EmbeddingsResult{Response: &ir.EmbeddingsResponse{
			Model: req.Model,
			Data:  []ir.Embedding{{Vector: []float64{0.1}}},
			Usage: &ir.Usage{InputTokens: 10, TotalTokens: 10},
		}}, nil
	}

	call := Call{RequestID: "r", Team: domain.Team{ID: "t"}, Endpoint: domain.EndpointEmbeddings}
	_, res, err := env.gw.Embeddings(env.ctx(), call, &ir.EmbeddingsRequest{Model: "emb", Input: []string{"x"}})
	if err != nil {
		t.Fatalf("Embeddings() error = %v", err)
	}
	if res.Provider != "p1" || res.Attempts != 1 {
		t.Errorf("result = %+v", res)
	}
}
