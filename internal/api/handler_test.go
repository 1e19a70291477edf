package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"

	"github.com/aistats/gateway/internal/asyncjob"
	"github.com/aistats/gateway/internal/auth"
	"github.com/aistats/gateway/internal/circuitbreaker"
	"github.com/aistats/gateway/internal/config"
	"github.com/aistats/gateway/internal/domain"
	"github.com/aistats/gateway/internal/gateway"
	"github.com/aistats/gateway/internal/ir"
	"github.com/aistats/gateway/internal/kv"
	"github.com/aistats/gateway/internal/pricing"
	"github.com/aistats/gateway/internal/provider"
	"github.com/aistats/gateway/internal/ratelimit"
)

const testCatalog = `
providers:
  - {id: p1, kind: openai}
  - {id: p2, kind: anthropic}
models:
  - model: m1
    candidates:
      - {provider: p1, upstream_model: up-1}
      - {provider: p2, upstream_model: up-2}
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
  - provider: p1
    model: emb
    endpoint: embeddings
    effective_from: 2025-01-01T00:00:00Z
    rules:
      - {meter: input_text_tokens, unit: token, price_per_unit: "0.0000001"}
  - provider: p1
    model: video-1
    endpoint: video.generation
    effective_from: 2025-01-01T00:00:00Z
    rules:
      - {meter: output_video_seconds, unit: second, price_per_unit: "0.05"}
`

const (
	testKeyID  = "k1"
	testSecret = "s3cr3t"
)

var testKey = auth.FormatKey(testKeyID, testSecret)

type testServer struct {
	handler *Handler
	mocks   map[string]*provider.Mock
	keys    *auth.InMemoryKeyStore
	store   *kv.InMemoryStore
	queue   *asyncjob.InMemoryQueue
	jobs    *asyncjob.Service
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()

	catalog, err := config.ParseCatalog([]byte(testCatalog))
	if err != nil {
		t.Fatal(err)
	}
	parsed, err := pricing.Parse([]byte(testCards))
	if err != nil {
		t.Fatal(err)
	}
	cards := pricing.NewMemoryStore(parsed...)

	mocks := map[string]*provider.Mock{"p1": {IDValue: "p1"}, "p2": {IDValue: "p2"}}
	registry := provider.NewRegistry()
	for _, m := range mocks {
		registry.Register(m)
	}

	store := kv.NewInMemoryStore()
	t.Cleanup(func() { store.Close() })

	hash, err := auth.HashSecret(testSecret)
	if err != nil {
		t.Fatal(err)
	}
	keys := auth.NewInMemoryKeyStore()
	keys.PutTeam(&domain.Team{ID: "team-1", Name: "Team One"})
	keys.PutKey(&domain.APIKey{ID: testKeyID, TeamID: "team-1", SecretHash: hash, Enabled: true})

	health := circuitbreaker.NewTracker(circuitbreaker.NewInMemoryStore(0), circuitbreaker.DefaultConfig())
	gw := gateway.New(catalog, registry, health, cards)
	queue := asyncjob.NewInMemoryQueue()
	jobs := asyncjob.NewService(store, cards)

	h := NewHandler(HandlerConfig{
		Gateway:  gw,
		Catalog:  catalog,
		Verifier: auth.NewVerifier(keys, store),
		Keys:     keys,
		KV:       store,
		Cards:    cards,
		Health:   health,
		Jobs:     jobs,
		JobQueue: queue,
		Checkers: []HealthChecker{KVChecker{Store: store}},
		Version:  "test",
	})
	return &testServer{handler: h, mocks: mocks, keys: keys, store: store, queue: queue, jobs: jobs}
}

func (s *testServer) do(method, path, body string, headers ...string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, bytes.NewBufferString(body))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+testKey)
	for i := 0; i+1 < len(headers); i += 2 {
		if headers[i+1] == "" {
			req.Header.Del(headers[i])
			continue
		}
		req.Header.Set(headers[i], headers[i+1])
	}
	w := httptest.NewRecorder()
	s.handler.ServeHTTP(w, req)
	return w
}

func reply(in, out int) func(context.Context, *ir.ChatRequest) (*provider.ChatResult, error) {
	return func(_ context.Context, req *ir.ChatRequest) (*provider.ChatResult, error) {
		return &provider.ChatResult{Response: &ir.ChatResponse{
			NativeID: "native-1",
			Model:    req.Model,
			Choices:  []ir.Choice{{Message: ir.Message{Role: ir.RoleAssistant, Content: []ir.Part{ir.Text("Hello!")}}, FinishReason: ir.FinishStop}},
			Usage:    &ir.Usage{InputTokens: in, OutputTokens: out, TotalTokens: in + out},
		}}, nil
	}
}

const chatBody = `{"model":"m1","messages":[{"role":"user","content":"Hi"}],"provider":{"order":["p1","p2"]}}`

func TestHandleText(t *testing.T) {
	tests := []struct {
		name             string
		setup            func(*testServer)
		path             string
		body             string
		headers          []string
		wantStatus       int
		wantBodyContains []string
		wantHeaders      map[string]string
	}{
		{
			name:             "chat completion",
			setup:            func(s *testServer) { s.mocks["p1"].ChatFunc = reply(1000, 500) },
			path:             "/v1/chat/completions",
			body:             chatBody,
			wantStatus:       http.StatusOK,
			wantBodyContains: []string{`"object":"chat.completion"`, `"id":"native-1"`, `"model":"m1"`, "Hello!"},
			wantHeaders:      map[string]string{"X-Gateway-Provider": "p1", "X-Gateway-Cost": "0.002000000", "X-Gateway-Attempts": "1"},
		},
		{
			name:             "chat stream is synthesized",
			setup:            func(s *testServer) { s.mocks["p1"].ChatFunc = reply(1, 1) },
			path:             "/v1/chat/completions",
			body:             `{"model":"m1","stream":true,"messages":[{"role":"user","content":"Hi"}],"provider":{"only":["p1"]}}`,
			wantStatus:       http.StatusOK,
			wantBodyContains: []string{"chat.completion.chunk", "data: [DONE]"},
			wantHeaders:      map[string]string{"Content-Type": "text/event-stream"},
		},
		{
			name:             "messages stream",
			setup:            func(s *testServer) { s.mocks["p2"].ChatFunc = reply(1, 1) },
			path:             "/v1/messages",
			body:             `{"model":"m1","max_tokens":64,"stream":true,"messages":[{"role":"user","content":"Hi"}]}`,
			headers:          []string{"X-Provider", "p2"},
			wantStatus:       http.StatusOK,
			wantBodyContains: []string{"event: message_start", "event: message_stop"},
		},
		{
			name:             "missing key in openai shape",
			path:             "/v1/chat/completions",
			body:             chatBody,
			headers:          []string{"Authorization", ""},
			wantStatus:       http.StatusUnauthorized,
			wantBodyContains: []string{`"code":"invalid_api_key"`, "missing API key"},
		},
		{
			name:             "bad key in anthropic shape",
			path:             "/v1/messages",
			body:             `{}`,
			headers:          []string{"Authorization", "", "x-api-key", "aig_k1_wrong"},
			wantStatus:       http.StatusUnauthorized,
			wantBodyContains: []string{`"type":"error"`, "authentication_error"},
		},
		{
			name:             "malformed body",
			path:             "/v1/chat/completions",
			body:             `{not json`,
			wantStatus:       http.StatusBadRequest,
			wantBodyContains: []string{"invalid_request_error"},
		},
		{
			name: "no provider available",
			setup: func(s *testServer) {
				s.mocks["p1"].ChatFunc = func(context.Context, *ir.ChatRequest) (*provider.ChatResult, error) {
					return nil, &domain.ProviderTransportError{Provider: "p1", Err: errors.New("refused")}
				}
			},
			path:             "/v1/messages",
			body:             `{"model":"m1","max_tokens":64,"messages":[{"role":"user","content":"Hi"}]}`,
			headers:          []string{"X-Provider", "p1"},
			wantStatus:       http.StatusServiceUnavailable,
			wantBodyContains: []string{"overloaded_error"},
		},
		{
			name: "upstream rejection passes through",
			setup: func(s *testServer) {
				s.mocks["p1"].ChatFunc = func(context.Context, *ir.ChatRequest) (*provider.ChatResult, error) {
					return nil, &domain.ProviderRejectionError{Provider: "p1", StatusCode: 400, Message: "context too long"}
				}
			},
			path:             "/v1/chat/completions",
			body:             chatBody,
			wantStatus:       http.StatusBadRequest,
			wantBodyContains: []string{"context too long"},
		},
		{
			name:             "unknown model",
			path:             "/v1/responses",
			body:             `{"model":"nope","input":"Hi"}`,
			wantStatus:       http.StatusServiceUnavailable,
			wantBodyContains: []string{"no_provider_available"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newTestServer(t)
			if tt.setup != nil {
				tt.setup(s)
			}

			w := s.do(http.MethodPost, tt.path, tt.body, tt.headers...)

			if w.Code != tt.wantStatus {
				t.Fatalf("status = %d, want %d: %s", w.Code, tt.wantStatus, w.Body.String())
			}
			for _, want := range tt.wantBodyContains {
				if !strings.Contains(w.Body.String(), want) {
					t.Errorf("body missing %q: %s", want, w.Body.String())
				}
			}
			for k, v := range tt.wantHeaders {
				if got := w.Header().Get(k); got != v {
					t.Errorf("header %s = %q, want %q", k, got, v)
				}
			}
			if w.Header().Get("X-Request-ID") == "" && w.Code != http.StatusUnauthorized {
				t.Error("expected X-Request-ID")
			}
		})
	}
}

func TestHandleText_MessagesCacheTTLReachesPricing(t *testing.T) {
	s := newTestServer(t)
	var got *ir.ChatRequest
	s.mocks["p2"].ChatFunc = func(ctx context.Context, req *ir.ChatRequest) (*provider.ChatResult, error) {
		got = req
		return reply(1, 1)(ctx, req)
	}

	body := `{"model":"m1","max_tokens":64,"system":[{"type":"text","text":"sys","cache_control":{"type":"ephemeral","ttl":"1h"}}],"messages":[{"role":"user","content":"Hi"}]}`
	w := s.do(http.MethodPost, "/v1/messages", body, "X-Provider", "p2")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", w.Code, w.Body.String())
	}
	if got == nil || got.Model != "up-2" {
		t.Errorf("upstream request = %+v", got)
	}
	if !strings.Contains(w.Body.String(), `"type":"message"`) {
		t.Errorf("expected a messages body: %s", w.Body.String())
	}
}

func TestRateLimit(t *testing.T) {
	s := newTestServer(t)
	s.handler.limiter = ratelimit.NewInMemoryLimiter()
	s.handler.defRPM = 2
	s.mocks["p1"].ChatFunc = reply(10, 5)

	for i := 0; i < 2; i++ {
		w := s.do(http.MethodPost, "/v1/chat/completions", chatBody)
		if w.Code != http.StatusOK {
			t.Fatalf("request %d: status = %d, body %s", i, w.Code, w.Body)
		}
		if got := w.Header().Get("X-RateLimit-Remaining"); got != strconv.Itoa(1-i) {
			t.Errorf("request %d: X-RateLimit-Remaining = %q", i, got)
		}
	}

	w := s.do(http.MethodPost, "/v1/messages", `{"model":"m1","max_tokens":10,"messages":[{"role":"user","content":"Hi"}]}`)
	if w.Code != http.StatusTooManyRequests {
		t.Fatalf("status = %d, want 429", w.Code)
	}
	if w.Header().Get("Retry-After") == "" {
		t.Error("expected Retry-After")
	}
	var body struct {
		Error struct {
			Type string `json:"type"`
		} `json:"error"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil || body.Error.Type != "rate_limit_error" {
		t.Errorf("error.type = %q (err %v), want rate_limit_error", body.Error.Type, err)
	}

	s.keys.PutTeam(&domain.Team{ID: "team-1", RateLimitRPM: 100})
	if err := s.handler.verifier.Revoke(context.Background(), testKeyID); err != nil {
		t.Fatal(err)
	}
	if w := s.do(http.MethodPost, "/v1/chat/completions", chatBody); w.Code != http.StatusOK {
		t.Errorf("team limit should override the default, status = %d", w.Code)
	}
}

func TestHandleEmbeddingsAndModerations(t *testing.T) {
	s := newTestServer(t)
	s.mocks["p1"].EmbeddingsFunc = func(_ context.Context, req *ir.EmbeddingsRequest) (*provider.EmbeddingsResult, error) {
		return &provider.EmbeddingsResult{Response: &ir.EmbeddingsResponse{
			Data:  []ir.Embedding{{Vector: []float64{0.5, 0.25}}},
			Usage: &ir.Usage{InputTokens: 1000, TotalTokens: 1000},
		}}, nil
	}
	s.mocks["p1"].ModerationsFunc = func(context.Context, *ir.ModerationsRequest) (*ir.ModerationsResponse, error) {
		return &ir.ModerationsResponse{Results: []ir.ModerationResult{{Flagged: false}}}, nil
	}

	w := s.do(http.MethodPost, "/v1/embeddings", `{"model":"emb","input":"hello"}`)
	if w.Code != http.StatusOK {
		t.Fatalf("embeddings status = %d: %s", w.Code, w.Body.String())
	}
	if got := w.Header().Get("X-Gateway-Cost"); got != "0.000100000" {
		t.Errorf("embeddings cost = %q", got)
	}

	w = s.do(http.MethodPost, "/v1/moderations", `{"model":"emb","input":"hello"}`)
	if w.Code != http.StatusOK {
		t.Fatalf("moderations status = %d: %s", w.Code, w.Body.String())
	}
	if !strings.Contains(w.Body.String(), `"flagged":false`) {
		t.Errorf("moderations body = %s", w.Body.String())
	}

	w = s.do(http.MethodPost, "/v1/embeddings", `{"model":"emb"}`)
	if w.Code != http.StatusBadRequest {
		t.Errorf("missing input status = %d", w.Code)
	}
}

func TestHandleListModels(t *testing.T) {
	s := newTestServer(t)
	w := s.do(http.MethodGet, "/v1/models", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}

	var resp struct {
		Data []modelEntry `json:"data"`
	}
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatal(err)
	}
	if len(resp.Data) != 2 || resp.Data[0].ID != "m1" || len(resp.Data[0].Providers) != 2 {
		t.Errorf("models = %+v", resp.Data)
	}
}

func TestCalculatePrice(t *testing.T) {
	tests := []struct {
		name       string
		body       string
		wantStatus int
		wantBody   string
	}{
		{
			name:       "priced",
			body:       `{"provider":"p1","model":"up-1","endpoint":"chat.completions","usage":{"prompt_tokens":1000,"completion_tokens":500}}`,
			wantStatus: http.StatusOK,
			wantBody:   `"total":"0.002000000"`,
		},
		{
			name:       "missing fields",
			body:       `{"provider":"p1"}`,
			wantStatus: http.StatusBadRequest,
			wantBody:   "missing_required_fields",
		},
		{
			name:       "unknown card",
			body:       `{"provider":"p1","model":"nope","endpoint":"chat.completions","usage":{"input_text_tokens":1}}`,
			wantStatus: http.StatusNotFound,
			wantBody:   "pricing_not_found",
		},
		{
			name:       "before the card existed",
			body:       `{"provider":"p1","model":"up-1","endpoint":"chat.completions","usage":{"input_text_tokens":1},"at":"2024-06-01T00:00:00Z"}`,
			wantStatus: http.StatusNotFound,
			wantBody:   "pricing_not_found",
		},
		{
			name:       "negative usage",
			body:       `{"provider":"p1","model":"up-1","endpoint":"chat.completions","usage":{"input_text_tokens":-5}}`,
			wantStatus: http.StatusBadRequest,
			wantBody:   "invalid_usage",
		},
		{
			name:       "oversized body",
			body:       `{"provider":"` + strings.Repeat("p", maxRequestBytes) + `"}`,
			wantStatus: http.StatusBadRequest,
			wantBody:   "invalid_request",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newTestServer(t)
			w := s.do(http.MethodPost, "/v1/control/pricing/calculate", tt.body)
			if w.Code != tt.wantStatus {
				t.Fatalf("status = %d, want %d: %s", w.Code, tt.wantStatus, w.Body.String())
			}
			if !strings.Contains(w.Body.String(), tt.wantBody) {
				t.Errorf("body missing %q: %s", tt.wantBody, w.Body.String())
			}
			if w.Header().Get("Cache-Control") != "no-store" {
				t.Error("control responses must not be cached")
			}
		})
	}
}

func TestRevokeKey(t *testing.T) {
	s := newTestServer(t)

	if w := s.do(http.MethodPost, "/v1/control/keys/other/revoke", ""); w.Code != http.StatusNotFound {
		t.Errorf("unknown key status = %d", w.Code)
	}

	w := s.do(http.MethodPost, "/v1/control/keys/"+testKeyID+"/revoke", "")
	if w.Code != http.StatusOK {
		t.Fatalf("revoke status = %d: %s", w.Code, w.Body.String())
	}

	w = s.do(http.MethodGet, "/v1/models", "")
	if w.Code != http.StatusUnauthorized || !strings.Contains(w.Body.String(), "revoked") {
		t.Errorf("revoked key should be refused, got %d: %s", w.Code, w.Body.String())
	}
}

func TestAsyncJobLifecycle(t *testing.T) {
	s := newTestServer(t)
	ctx := context.Background()

	w := s.do(http.MethodPost, "/v1/control/jobs", `{"id":"job-1","provider":"p1","model":"video-1","endpoint":"video.generation"}`)
	if w.Code != http.StatusCreated {
		t.Fatalf("submit status = %d: %s", w.Code, w.Body.String())
	}

	w = s.do(http.MethodPost, "/v1/control/jobs/job-1/events", `{"status":"running"}`)
	if w.Code != http.StatusBadRequest {
		t.Errorf("bad status accepted: %d", w.Code)
	}

	w = s.do(http.MethodPost, "/v1/control/jobs/job-1/events", `{"status":"completed","meters":{"output_video_seconds":10}}`)
	if w.Code != http.StatusAccepted {
		t.Fatalf("event status = %d: %s", w.Code, w.Body.String())
	}
	if s.queue.Len() != 1 {
		t.Fatalf("queue length = %d, want 1", s.queue.Len())
	}

	n, err := asyncjob.NewWorker(s.queue, s.jobs).Poll(ctx)
	if err != nil || n != 1 {
		t.Fatalf("Poll() = %d, %v", n, err)
	}

	w = s.do(http.MethodGet, "/v1/control/jobs/job-1", "")
	if w.Code != http.StatusOK || !strings.Contains(w.Body.String(), `"billed":true`) {
		t.Errorf("job after completion = %d: %s", w.Code, w.Body.String())
	}

	if w := s.do(http.MethodGet, "/v1/control/jobs/missing", ""); w.Code != http.StatusNotFound {
		t.Errorf("missing job status = %d", w.Code)
	}
}

func TestControlHealth(t *testing.T) {
	s := newTestServer(t)
	w := s.do(http.MethodGet, "/v1/control/health", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}

	var resp struct {
		Count  int           `json:"count"`
		Tuples []tupleHealth `json:"tuples"`
	}
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatal(err)
	}
	// m1 serves three text endpoints with two candidates; emb two endpoints with one.
	if resp.Count != 8 || resp.Tuples[0].State != "closed" {
		t.Errorf("health = %+v", resp)
	}
}

type failingChecker struct{}

func (failingChecker) Name() string { return "broken" }

func (failingChecker) Check(ctx context.Context) error { return errors.New("down") }

func TestHealthEndpoints(t *testing.T) {
	s := newTestServer(t)

	for _, path := range []string{"/health", "/health/live", "/health/ready"} {
		w := s.do(http.MethodGet, path, "", "Authorization", "")
		if w.Code != http.StatusOK {
			t.Errorf("%s status = %d: %s", path, w.Code, w.Body.String())
		}
	}

	s.handler.checkers = append(s.handler.checkers, failingChecker{})
	w := s.do(http.MethodGet, "/health/ready", "")
	if w.Code != http.StatusServiceUnavailable || !strings.Contains(w.Body.String(), "not_ready") {
		t.Errorf("ready with a failing dependency = %d: %s", w.Code, w.Body.String())
	}
}

func TestErrorStatus(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"exhausted", &domain.RoutingExhaustedError{Model: "m"}, http.StatusServiceUnavailable},
		{"exhausted after rate limit", &domain.RoutingExhaustedError{Model: "m", Attempts: 1, LastErr: &domain.ProviderRejectionError{StatusCode: 429}}, http.StatusServiceUnavailable},
		{"rejection", &domain.ProviderRejectionError{StatusCode: 422}, 422},
		{"timeout", &domain.ProviderTransportError{Timeout: true, Err: context.DeadlineExceeded}, http.StatusGatewayTimeout},
		{"transport", &domain.ProviderTransportError{Err: errors.New("reset")}, http.StatusBadGateway},
		{"decode", &domain.DecodeError{Protocol: "chat"}, http.StatusBadGateway},
		{"pricing", &domain.PricingConfigError{Meter: "x"}, http.StatusInternalServerError},
		{"cancelled", context.Canceled, 499},
		{"other", errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got, _ := errorStatus(tt.err); got != tt.want {
				t.Errorf("errorStatus() = %d, want %d", got, tt.want)
			}
		})
	}
}

func TestRoutingHints(t *testing.T) {
	r := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", nil)
	hints, mode := routingHints(r, []byte(`{"provider":{"only":["a"," b "],"ignore":["c"],"order":["b","a"],"includeAlpha":true,"sort":"price"}}`))
	if len(hints.Only) != 2 || hints.Only[1] != "b" || hints.Ignore[0] != "c" || hints.Order[0] != "b" || !hints.IncludeAlpha {
		t.Errorf("hints = %+v", hints)
	}
	if mode != "price" {
		t.Errorf("mode = %q", mode)
	}

	r.Header.Set("X-Provider", "z")
	r.Header.Set("X-Routing-Mode", "latency")
	hints, mode = routingHints(r, []byte(`{}`))
	if len(hints.Only) != 1 || hints.Only[0] != "z" || mode != "latency" {
		t.Errorf("header hints = %+v mode %q", hints, mode)
	}
}

func TestCacheTTL(t *testing.T) {
	tests := []struct {
		body string
		want string
	}{
		{`{"messages":[{"role":"user","content":"hi"}]}`, ""},
		{`{"messages":[{"role":"user","content":[{"type":"text","text":"hi","cache_control":{"type":"ephemeral"}}]}]}`, "5m"},
		{`{"system":[{"type":"text","text":"a","cache_control":{"type":"ephemeral"}}],"tools":[{"name":"t","cache_control":{"type":"ephemeral","ttl":"1h"}}]}`, "1h"},
	}
	for _, tt := range tests {
		if got := cacheTTL([]byte(tt.body)); got != tt.want {
			t.Errorf("cacheTTL(%s) = %q, want %q", tt.body, got, tt.want)
		}
	}
}

func TestRequestIDFrom(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.Header.Set("X-Request-ID", "given")
	if requestIDFrom(r) != "given" {
		t.Error("caller request id should be kept")
	}
	r.Header.Del("X-Request-ID")
	if a, b := requestIDFrom(r), requestIDFrom(r); a == "" || a == b {
		t.Errorf("generated ids %q %q", a, b)
	}
}
