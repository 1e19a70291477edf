package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/aistats/gateway/internal/asyncjob"
	"github.com/aistats/gateway/internal/auth"
	"github.com/aistats/gateway/internal/circuitbreaker"
	"github.com/aistats/gateway/internal/config"
	"github.com/aistats/gateway/internal/domain"
	"github.com/aistats/gateway/internal/gateway"
	"github.com/aistats/gateway/internal/ir"
	"github.com/aistats/gateway/internal/kv"
	"github.com/aistats/gateway/internal/metrics"
	"github.com/aistats/gateway/internal/pricing"
	"github.com/aistats/gateway/internal/protocol"
	"github.com/aistats/gateway/internal/protocol/embeddings"
	"github.com/aistats/gateway/internal/protocol/moderations"
	"github.com/aistats/gateway/internal/ratelimit"
	"github.com/aistats/gateway/internal/telemetry"
)

const maxRequestBytes = 16 << 20

type HandlerConfig struct {
	Gateway  *gateway.Gateway
	Catalog  *config.Catalog
	Verifier *auth.Verifier
	Keys     auth.KeyManager
	KV       kv.Store
	Cards    pricing.Store
	Health   *circuitbreaker.Tracker
	Jobs     *asyncjob.Service
	JobQueue asyncjob.Queue
	Checkers []HealthChecker
	Version  string
	// Limiter caps requests per team; DefaultRPM applies to teams without
	// their own limit.
	Limiter    ratelimit.Limiter
	DefaultRPM int
}

type Handler struct {
	gateway  *gateway.Gateway
	catalog  *config.Catalog
	verifier *auth.Verifier
	keys     auth.KeyManager
	kv       kv.Store
	cards    pricing.Store
	health   *circuitbreaker.Tracker
	jobs     *asyncjob.Service
	jobQueue asyncjob.Queue
	checkers []HealthChecker
	version  string
	limiter  ratelimit.Limiter
	defRPM   int
	now      func() time.Time
	mux      *http.ServeMux
}

func NewHandler(cfg HandlerConfig) *Handler {
	version := cfg.Version
	if version == "" {
		version = "dev"
	}

	h := &Handler{
		gateway:  cfg.Gateway,
		catalog:  cfg.Catalog,
		verifier: cfg.Verifier,
		keys:     cfg.Keys,
		kv:       cfg.KV,
		cards:    cfg.Cards,
		health:   cfg.Health,
		jobs:     cfg.Jobs,
		jobQueue: cfg.JobQueue,
		checkers: cfg.Checkers,
		version:  version,
		limiter:  cfg.Limiter,
		defRPM:   cfg.DefaultRPM,
		now:      time.Now,
		mux:      http.NewServeMux(),
	}

	openai := h.authenticated(protocol.OpenAIError)
	anthropic := h.authenticated(protocol.AnthropicError)

	h.mux.Handle("POST /v1/chat/completions", openai(h.handleText(domain.EndpointChatCompletions)))
	h.mux.Handle("POST /v1/responses", openai(h.handleText(domain.EndpointResponses)))
	h.mux.Handle("POST /v1/messages", anthropic(h.handleText(domain.EndpointMessages)))
	h.mux.Handle("POST /v1/embeddings", openai(http.HandlerFunc(h.handleEmbeddings)))
	h.mux.Handle("POST /v1/moderations", openai(http.HandlerFunc(h.handleModerations)))
	h.mux.Handle("GET /v1/models", openai(http.HandlerFunc(h.handleListModels)))

	h.registerControl()

	h.mux.HandleFunc("GET /health", h.handleHealth)
	h.mux.HandleFunc("GET /health/live", h.handleHealthLive)
	h.mux.HandleFunc("GET /health/ready", h.handleHealthReady)
	h.mux.Handle("GET /metrics", promhttp.Handler())

	return h
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if h.kv != nil {
		r = r.WithContext(kv.WithStore(r.Context(), h.kv))
	}
	h.mux.ServeHTTP(w, r)
}

type errorEncoder func(status int, message string) []byte

// authenticated verifies the caller's key, then applies the team rate limit.
// Errors are rendered with encode.
func (h *Handler) authenticated(encode errorEncoder) func(http.Handler) http.Handler {
	verify := func(next http.Handler) http.Handler { return next }
	if h.verifier != nil {
		verify = h.verifier.Middleware(func(w http.ResponseWriter, r *http.Request, status int, msg string) {
			writeError(w, encode, status, msg)
		})
	}
	return func(next http.Handler) http.Handler {
		return verify(h.rateLimited(encode, next))
	}
}

func (h *Handler) rateLimited(encode errorEncoder, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		team := teamFrom(r)
		limit := team.RateLimitRPM
		if limit == 0 {
			limit = h.defRPM
		}
		if h.limiter == nil || limit < 1 {
			next.ServeHTTP(w, r)
			return
		}

		d, err := h.limiter.Allow(r.Context(), ratelimit.Key(team.ID), limit)
		if err != nil {
			slog.Warn("rate limiter unavailable, allowing request", "team_id", team.ID, "error", err)
			next.ServeHTTP(w, r)
			return
		}

		w.Header().Set("X-RateLimit-Limit", strconv.Itoa(d.Limit))
		w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(d.Remaining))
		w.Header().Set("X-RateLimit-Reset", d.ResetAt.UTC().Format(time.RFC3339))

		if !d.Allowed {
			slog.Warn("rate limit exceeded", "team_id", team.ID, "limit", d.Limit)
			retry := int(math.Ceil(time.Until(d.ResetAt).Seconds()))
			if retry < 1 {
				retry = 1
			}
			w.Header().Set("Retry-After", strconv.Itoa(retry))
			writeError(w, encode, http.StatusTooManyRequests, "rate limit exceeded")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (h *Handler) handleText(endpoint domain.Endpoint) http.Handler {
	codec, ok := protocol.ForEndpoint(endpoint)
	if !ok {
		panic(fmt.Sprintf("api: no codec for %s", endpoint))
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := h.now()
		ctx, span := telemetry.StartSpan(r.Context(), telemetry.SpanRequest)
		defer span.End()

		requestID := requestIDFrom(r)
		w.Header().Set("X-Request-ID", requestID)
		if traceID := telemetry.GetTraceID(ctx); traceID != "" {
			w.Header().Set("X-Trace-ID", traceID)
		}
		team := teamFrom(r)

		body, err := readBody(r)
		if err != nil {
			writeError(w, codec.EncodeError, http.StatusBadRequest, "invalid request body")
			return
		}

		req, err := codec.DecodeRequest(body)
		if req == nil || req.Model == "" {
			metrics.RecordDecodeError(codec.Name(), "request")
			msg := "invalid request body"
			if err != nil {
				msg = err.Error()
			}
			writeError(w, codec.EncodeError, http.StatusBadRequest, msg)
			return
		}
		if err != nil {
			metrics.RecordDecodeError(codec.Name(), "request")
			slog.Warn("partial request decode", "request_id", requestID, "protocol", codec.Name(), "error", err)
		}
		telemetry.AddRequestAttributes(span, team.ID, string(endpoint), req.Model, requestID)

		call := h.call(r, body, requestID, team, endpoint)
		if endpoint == domain.EndpointMessages {
			if ttl := cacheTTL(body); ttl != "" {
				call.PricingContext = map[string]any{"cache_ttl": ttl}
			}
		}

		resp, result, err := h.gateway.Chat(ctx, call, req)
		h.routingHeaders(w, r, result)
		if err != nil {
			telemetry.AddErrorAttribute(span, err)
			h.fail(w, r, codec.EncodeError, call, req.Model, result, err, start)
			return
		}
		telemetry.AddTokenAttributes(span, resp.Usage.InputTokens, resp.Usage.OutputTokens, result.UsageEstimated)
		billingHeaders(w, result)

		if req.Stream {
			h.stream(w, r, codec, resp, requestID)
		} else {
			data, err := codec.EncodeResponse(resp)
			if err != nil {
				slog.Error("encode response failed", "request_id", requestID, "protocol", codec.Name(), "error", err)
				writeError(w, codec.EncodeError, http.StatusInternalServerError, "internal error")
				return
			}
			writeJSON(w, http.StatusOK, data)
		}

		h.completed(call, req.Model, result, start)
	})
}

// stream replays a complete response as the protocol's event sequence.
func (h *Handler) stream(w http.ResponseWriter, r *http.Request, codec protocol.Codec, resp *ir.ChatResponse, requestID string) {
	events, err := codec.StreamEvents(resp)
	if err != nil {
		slog.Error("synthesize stream failed", "request_id", requestID, "protocol", codec.Name(), "error", err)
		writeError(w, codec.EncodeError, http.StatusInternalServerError, "internal error")
		return
	}

	flusher, _ := w.(http.Flusher)
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	metrics.IncrementActiveStreams()
	defer metrics.DecrementActiveStreams()

	for _, ev := range events {
		if r.Context().Err() != nil {
			slog.Info("client left mid-stream", "request_id", requestID)
			return
		}
		if _, err := w.Write(ev.Encode()); err != nil {
			slog.Warn("stream write failed", "request_id", requestID, "error", err)
			return
		}
		if flusher != nil {
			flusher.Flush()
		}
	}
}

func (h *Handler) handleEmbeddings(w http.ResponseWriter, r *http.Request) {
	start := h.now()
	ctx, span := telemetry.StartSpan(r.Context(), telemetry.SpanRequest)
	defer span.End()

	requestID := requestIDFrom(r)
	w.Header().Set("X-Request-ID", requestID)
	team := teamFrom(r)

	body, err := readBody(r)
	if err != nil {
		writeError(w, protocol.OpenAIError, http.StatusBadRequest, "invalid request body")
		return
	}
	req, err := embeddings.DecodeRequest(body)
	if req == nil || req.Model == "" || len(req.Input) == 0 {
		metrics.RecordDecodeError("embeddings", "request")
		writeError(w, protocol.OpenAIError, http.StatusBadRequest, decodeMessage(err, "model and input are required"))
		return
	}
	telemetry.AddRequestAttributes(span, team.ID, string(domain.EndpointEmbeddings), req.Model, requestID)

	call := h.call(r, body, requestID, team, domain.EndpointEmbeddings)
	resp, result, err := h.gateway.Embeddings(ctx, call, req)
	h.routingHeaders(w, r, result)
	if err != nil {
		telemetry.AddErrorAttribute(span, err)
		h.fail(w, r, protocol.OpenAIError, call, req.Model, result, err, start)
		return
	}
	billingHeaders(w, result)

	data, err := embeddings.EncodeResponse(resp)
	if err != nil {
		slog.Error("encode response failed", "request_id", requestID, "error", err)
		writeError(w, protocol.OpenAIError, http.StatusInternalServerError, "internal error")
		return
	}
	writeJSON(w, http.StatusOK, data)
	h.completed(call, req.Model, result, start)
}

func (h *Handler) handleModerations(w http.ResponseWriter, r *http.Request) {
	start := h.now()
	ctx, span := telemetry.StartSpan(r.Context(), telemetry.SpanRequest)
	defer span.End()

	requestID := requestIDFrom(r)
	w.Header().Set("X-Request-ID", requestID)
	team := teamFrom(r)

	body, err := readBody(r)
	if err != nil {
		writeError(w, protocol.OpenAIError, http.StatusBadRequest, "invalid request body")
		return
	}
	req, err := moderations.DecodeRequest(body)
	if req == nil || req.Model == "" || len(req.Input) == 0 {
		metrics.RecordDecodeError("moderations", "request")
		writeError(w, protocol.OpenAIError, http.StatusBadRequest, decodeMessage(err, "model and input are required"))
		return
	}
	telemetry.AddRequestAttributes(span, team.ID, string(domain.EndpointModerations), req.Model, requestID)

	call := h.call(r, body, requestID, team, domain.EndpointModerations)
	resp, result, err := h.gateway.Moderations(ctx, call, req)
	h.routingHeaders(w, r, result)
	if err != nil {
		telemetry.AddErrorAttribute(span, err)
		h.fail(w, r, protocol.OpenAIError, call, req.Model, result, err, start)
		return
	}
	billingHeaders(w, result)

	data, err := moderations.EncodeResponse(resp)
	if err != nil {
		slog.Error("encode response failed", "request_id", requestID, "error", err)
		writeError(w, protocol.OpenAIError, http.StatusInternalServerError, "internal error")
		return
	}
	writeJSON(w, http.StatusOK, data)
	h.completed(call, req.Model, result, start)
}

type modelEntry struct {
	ID        string            `json:"id"`
	Object    string            `json:"object"`
	OwnedBy   string            `json:"owned_by"`
	Endpoints []domain.Endpoint `json:"endpoints"`
	Providers []string          `json:"providers"`
}

func (h *Handler) handleListModels(w http.ResponseWriter, r *http.Request) {
	data := make([]modelEntry, 0, len(h.catalog.Models))
	for _, m := range h.catalog.Models {
		e := modelEntry{ID: m.Model, Object: "model", OwnedBy: "gateway", Endpoints: m.Endpoints}
		for _, c := range m.Candidates {
			e.Providers = append(e.Providers, c.Provider)
		}
		data = append(data, e)
	}
	writeValue(w, http.StatusOK, map[string]any{"object": "list", "data": data})
}

func (h *Handler) call(r *http.Request, body []byte, requestID string, team domain.Team, endpoint domain.Endpoint) gateway.Call {
	hints, mode := routingHints(r, body)
	return gateway.Call{
		RequestID: requestID,
		Team:      team,
		Endpoint:  endpoint,
		Mode:      mode,
		Hints:     hints,
	}
}

// fail writes err in the caller's protocol. A caller that already left gets
// nothing.
func (h *Handler) fail(w http.ResponseWriter, r *http.Request, encode errorEncoder, call gateway.Call, model string, result *gateway.Result, err error, start time.Time) {
	status, msg := errorStatus(err)
	provider := ""
	if result != nil {
		provider = result.Provider
	}
	metrics.RecordRequest(call.Team.ID, string(call.Endpoint), provider, model, strconv.Itoa(status), h.now().Sub(start).Seconds())

	if errors.Is(err, context.Canceled) && r.Context().Err() != nil {
		slog.Info("request cancelled by client", "request_id", call.RequestID, "model", model)
		return
	}

	level := slog.LevelWarn
	if status >= 500 && status != http.StatusServiceUnavailable {
		level = slog.LevelError
	}
	slog.Log(r.Context(), level, "request failed",
		"request_id", call.RequestID,
		"team_id", call.Team.ID,
		"endpoint", call.Endpoint,
		"model", model,
		"status", status,
		"error", err,
	)
	writeError(w, encode, status, msg)
}

func (h *Handler) completed(call gateway.Call, model string, result *gateway.Result, start time.Time) {
	latency := h.now().Sub(start)
	metrics.RecordRequest(call.Team.ID, string(call.Endpoint), result.Provider, model, "200", latency.Seconds())

	attrs := []any{
		"request_id", call.RequestID,
		"team_id", call.Team.ID,
		"endpoint", call.Endpoint,
		"model", model,
		"provider", result.Provider,
		"upstream_model", result.UpstreamModel,
		"attempts", result.Attempts,
		"latency_ms", latency.Milliseconds(),
	}
	if result.Usage != nil {
		attrs = append(attrs, "input_tokens", result.Usage.InputTokens, "output_tokens", result.Usage.OutputTokens, "usage_estimated", result.UsageEstimated)
	}
	if result.Bill != nil {
		attrs = append(attrs, "total_nanos", result.Bill.TotalNanos())
	}
	slog.Info("request completed", attrs...)
}

func (h *Handler) routingHeaders(w http.ResponseWriter, r *http.Request, result *gateway.Result) {
	if result == nil {
		return
	}
	if result.Provider != "" {
		w.Header().Set("X-Gateway-Provider", result.Provider)
	}
	w.Header().Set("X-Gateway-Attempts", strconv.Itoa(result.Attempts))
	if r.Header.Get("X-Gateway-Debug") == "true" && result.Diagnostics != nil {
		if data, err := json.Marshal(result.Diagnostics); err == nil {
			w.Header().Set("X-Gateway-Routing", string(data))
		}
	}
}

func billingHeaders(w http.ResponseWriter, result *gateway.Result) {
	if result.Bill == nil {
		return
	}
	w.Header().Set("X-Gateway-Cost", result.Bill.Total.StringFixed(pricing.PriceDecimals))
	w.Header().Set("X-Gateway-Cost-Currency", result.Bill.Currency)
}

// errorStatus maps a gateway error to an HTTP status and a caller-safe message.
func errorStatus(err error) (int, string) {
	var (
		exhausted  *domain.RoutingExhaustedError
		rejection  *domain.ProviderRejectionError
		transport  *domain.ProviderTransportError
		decode     *domain.DecodeError
		pricingErr *domain.PricingConfigError
	)
	switch {
	case errors.Is(err, context.Canceled):
		return 499, "request cancelled"
	case errors.As(err, &exhausted):
		return http.StatusServiceUnavailable, exhausted.Error()
	case errors.As(err, &rejection):
		status := rejection.StatusCode
		if status < 400 {
			status = http.StatusBadGateway
		}
		msg := rejection.Message
		if msg == "" {
			msg = http.StatusText(status)
		}
		return status, msg
	case errors.As(err, &transport):
		if transport.Timeout {
			return http.StatusGatewayTimeout, "upstream timed out"
		}
		return http.StatusBadGateway, "upstream unreachable"
	case errors.As(err, &decode):
		return http.StatusBadGateway, "upstream returned an unreadable response"
	case errors.As(err, &pricingErr):
		return http.StatusInternalServerError, "pricing failed"
	}
	return http.StatusInternalServerError, "internal error"
}

func requestIDFrom(r *http.Request) string {
	if id := r.Header.Get("X-Request-ID"); id != "" {
		return id
	}
	return uuid.New().String()
}

func teamFrom(r *http.Request) domain.Team {
	if p, ok := auth.PrincipalFromContext(r.Context()); ok {
		return p.Team
	}
	return domain.Team{ID: "anonymous"}
}

func readBody(r *http.Request) ([]byte, error) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxRequestBytes+1))
	if err != nil {
		return nil, err
	}
	if len(body) > maxRequestBytes {
		return nil, fmt.Errorf("request body exceeds %d bytes", maxRequestBytes)
	}
	return body, nil
}

func decodeMessage(err error, fallback string) string {
	if err != nil {
		return err.Error()
	}
	return fallback
}

func writeError(w http.ResponseWriter, encode errorEncoder, status int, message string) {
	writeJSON(w, status, encode(status, message))
}

func writeJSON(w http.ResponseWriter, status int, data []byte) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	w.Write(data)
}

func writeValue(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
