package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/aistats/gateway/internal/asyncjob"
	"github.com/aistats/gateway/internal/domain"
	"github.com/aistats/gateway/internal/pricing"
	"github.com/aistats/gateway/internal/usage"
)

// Control routes answer {"ok":bool,...}. Every route is scoped to the
// caller's team.
func (h *Handler) registerControl() {
	control := h.authenticated(func(status int, message string) []byte {
		data, _ := json.Marshal(controlError{Error: controlCode(status), Message: message})
		return data
	})

	h.mux.Handle("POST /v1/control/pricing/calculate", control(http.HandlerFunc(h.calculatePrice)))
	h.mux.Handle("GET /v1/control/health", control(http.HandlerFunc(h.listHealth)))
	h.mux.Handle("POST /v1/control/keys/{id}/revoke", control(http.HandlerFunc(h.revokeKey)))
	h.mux.Handle("POST /v1/control/jobs", control(http.HandlerFunc(h.submitJob)))
	h.mux.Handle("GET /v1/control/jobs/{id}", control(http.HandlerFunc(h.getJob)))
	h.mux.Handle("POST /v1/control/jobs/{id}/events", control(http.HandlerFunc(h.publishJobEvent)))
}

type controlError struct {
	OK      bool   `json:"ok"`
	Error   string `json:"error"`
	Message string `json:"message"`
}

func controlCode(status int) string {
	switch status {
	case http.StatusUnauthorized:
		return "unauthorized"
	case http.StatusForbidden:
		return "forbidden"
	case http.StatusNotFound:
		return "not_found"
	}
	if status >= 500 {
		return "internal_error"
	}
	return "invalid_request"
}

// decodeBody reads a control request under the same size cap as the
// inference endpoints.
func decodeBody(r *http.Request, v any) error {
	body, err := readBody(r)
	if err != nil {
		return err
	}
	return json.Unmarshal(body, v)
}

func writeControlError(w http.ResponseWriter, status int, code, message string) {
	w.Header().Set("Cache-Control", "no-store")
	writeValue(w, status, controlError{Error: code, Message: message})
}

type CalculateRequest struct {
	Provider string          `json:"provider"`
	Model    string          `json:"model"`
	Endpoint domain.Endpoint `json:"endpoint"`
	Usage    json.RawMessage `json:"usage"`
	// Plan defaults to the caller's team plan.
	Plan    string         `json:"plan,omitempty"`
	Context map[string]any `json:"context,omitempty"`
	At      *time.Time     `json:"at,omitempty"`
}

func (h *Handler) calculatePrice(w http.ResponseWriter, r *http.Request) {
	var req CalculateRequest
	if err := decodeBody(r, &req); err != nil {
		writeControlError(w, http.StatusBadRequest, "invalid_request", "invalid request body")
		return
	}
	if req.Provider == "" || req.Model == "" || req.Endpoint == "" || len(req.Usage) == 0 {
		writeControlError(w, http.StatusBadRequest, "missing_required_fields", "provider, model, endpoint, and usage are required")
		return
	}

	at := h.now()
	if req.At != nil {
		at = *req.At
	}
	card, err := pricing.Find(r.Context(), h.cards, req.Provider, req.Model, req.Endpoint, at)
	if errors.Is(err, domain.ErrPriceCardNotFound) {
		writeControlError(w, http.StatusNotFound, "pricing_not_found", "No pricing data found for this model")
		return
	}
	if err != nil {
		slog.Error("load price card failed", "provider", req.Provider, "model", req.Model, "error", err)
		writeControlError(w, http.StatusInternalServerError, "calculation_failed", err.Error())
		return
	}

	plan := req.Plan
	if plan == "" {
		plan = teamFrom(r).PricingPlan
	}
	meters := usage.MetersFromJSON(req.Usage)
	for meter, n := range meters {
		if n < 0 {
			writeControlError(w, http.StatusBadRequest, "invalid_usage", fmt.Sprintf("usage %s must not be negative", meter))
			return
		}
	}
	bill, err := pricing.Compute(meters, card, req.Context, plan)
	if err != nil {
		writeControlError(w, http.StatusInternalServerError, "calculation_failed", err.Error())
		return
	}

	w.Header().Set("Cache-Control", "no-store")
	writeValue(w, http.StatusOK, map[string]any{"ok": true, "pricing": bill})
}

type tupleHealth struct {
	Provider    string          `json:"provider"`
	Model       string          `json:"model"`
	Endpoint    domain.Endpoint `json:"endpoint"`
	State       string          `json:"state"`
	OpenUntilMs int64           `json:"open_until_ms,omitempty"`
	ErrorRate   float64         `json:"error_rate"`
	LatencyMs   float64         `json:"latency_ms"`
	Inflight    int             `json:"inflight"`
}

func (h *Handler) listHealth(w http.ResponseWriter, r *http.Request) {
	snap := h.snapshot(r.Context())
	out := make([]tupleHealth, 0, len(snap))
	for _, hs := range snap {
		out = append(out, tupleHealth{
			Provider:    hs.Key.Provider,
			Model:       hs.Key.Model,
			Endpoint:    hs.Key.Endpoint,
			State:       string(hs.State),
			OpenUntilMs: hs.OpenUntilMs,
			ErrorRate:   hs.ErrorRate,
			LatencyMs:   hs.LatencyMs,
			Inflight:    hs.Inflight,
		})
	}
	writeValue(w, http.StatusOK, map[string]any{"ok": true, "tuples": out, "count": len(out)})
}

// revokeKey disables one of the caller's team keys and bumps its revocation
// version so every instance drops its cached verification.
func (h *Handler) revokeKey(w http.ResponseWriter, r *http.Request) {
	if h.keys == nil || h.verifier == nil {
		writeControlError(w, http.StatusNotImplemented, "not_supported", "key management is not configured")
		return
	}
	ctx := r.Context()
	keyID := r.PathValue("id")

	key, err := h.keys.GetKey(ctx, keyID)
	if err != nil || key.TeamID != teamFrom(r).ID {
		writeControlError(w, http.StatusNotFound, "not_found", "key not found")
		return
	}
	if err := h.keys.SetEnabled(ctx, keyID, false); err != nil {
		slog.Error("disable key failed", "key_id", keyID, "error", err)
		writeControlError(w, http.StatusInternalServerError, "internal_error", "failed to revoke key")
		return
	}
	if err := h.verifier.Revoke(ctx, keyID); err != nil {
		slog.Error("bump revocation version failed", "key_id", keyID, "error", err)
		writeControlError(w, http.StatusInternalServerError, "internal_error", "failed to revoke key")
		return
	}

	slog.Info("key revoked", "key_id", keyID, "team_id", key.TeamID)
	writeValue(w, http.StatusOK, map[string]any{"ok": true, "key_id": keyID, "revoked": true})
}

type SubmitJobRequest struct {
	ID         string          `json:"id,omitempty"`
	Provider   string          `json:"provider"`
	Model      string          `json:"model"`
	Endpoint   domain.Endpoint `json:"endpoint"`
	Attributes map[string]any  `json:"attributes,omitempty"`
}

func (h *Handler) submitJob(w http.ResponseWriter, r *http.Request) {
	if h.jobs == nil {
		writeControlError(w, http.StatusNotImplemented, "not_supported", "async jobs are not configured")
		return
	}

	var req SubmitJobRequest
	if err := decodeBody(r, &req); err != nil {
		writeControlError(w, http.StatusBadRequest, "invalid_request", "invalid request body")
		return
	}
	if req.Provider == "" || req.Model == "" || req.Endpoint == "" {
		writeControlError(w, http.StatusBadRequest, "missing_required_fields", "provider, model, and endpoint are required")
		return
	}
	if req.ID == "" {
		req.ID = uuid.New().String()
	}

	team := teamFrom(r)
	meta := asyncjob.Meta{
		ID:          req.ID,
		TeamID:      team.ID,
		RequestID:   requestIDFrom(r),
		Provider:    req.Provider,
		Model:       req.Model,
		Endpoint:    req.Endpoint,
		PricingPlan: team.PricingPlan,
		Attributes:  req.Attributes,
		CreatedAt:   h.now(),
	}
	if err := h.jobs.Submit(r.Context(), meta); err != nil {
		slog.Error("submit job failed", "job_id", meta.ID, "error", err)
		writeControlError(w, http.StatusInternalServerError, "internal_error", "failed to store job")
		return
	}
	writeValue(w, http.StatusCreated, map[string]any{"ok": true, "job": meta})
}

func (h *Handler) getJob(w http.ResponseWriter, r *http.Request) {
	meta, ok := h.ownedJob(w, r)
	if !ok {
		return
	}
	billed, err := h.jobs.IsBilled(r.Context(), meta.ID)
	if err != nil {
		slog.Warn("read billed marker failed", "job_id", meta.ID, "error", err)
	}
	writeValue(w, http.StatusOK, map[string]any{"ok": true, "job": meta, "billed": billed})
}

// publishJobEvent queues a completion report. Billing happens in the worker.
func (h *Handler) publishJobEvent(w http.ResponseWriter, r *http.Request) {
	meta, ok := h.ownedJob(w, r)
	if !ok {
		return
	}
	if h.jobQueue == nil {
		writeControlError(w, http.StatusNotImplemented, "not_supported", "job queue is not configured")
		return
	}

	var ev asyncjob.Event
	if err := decodeBody(r, &ev); err != nil {
		writeControlError(w, http.StatusBadRequest, "invalid_request", "invalid request body")
		return
	}
	switch ev.Status {
	case asyncjob.StatusCompleted, asyncjob.StatusFailed:
	default:
		writeControlError(w, http.StatusBadRequest, "invalid_request", "status must be completed or failed")
		return
	}
	ev.JobID = meta.ID
	if ev.CompletedAt.IsZero() {
		ev.CompletedAt = h.now()
	}

	if err := h.jobQueue.Publish(r.Context(), ev); err != nil {
		slog.Error("publish job event failed", "job_id", meta.ID, "error", err)
		writeControlError(w, http.StatusInternalServerError, "internal_error", "failed to queue event")
		return
	}
	writeValue(w, http.StatusAccepted, map[string]any{"ok": true, "job_id": meta.ID})
}

func (h *Handler) ownedJob(w http.ResponseWriter, r *http.Request) (asyncjob.Meta, bool) {
	if h.jobs == nil {
		writeControlError(w, http.StatusNotImplemented, "not_supported", "async jobs are not configured")
		return asyncjob.Meta{}, false
	}
	meta, err := h.jobs.Get(r.Context(), r.PathValue("id"))
	switch {
	case errors.Is(err, domain.ErrJobNotFound):
		writeControlError(w, http.StatusNotFound, "not_found", "job not found")
		return asyncjob.Meta{}, false
	case err != nil:
		slog.Error("load job failed", "job_id", r.PathValue("id"), "error", err)
		writeControlError(w, http.StatusInternalServerError, "internal_error", "failed to load job")
		return asyncjob.Meta{}, false
	case meta.TeamID != teamFrom(r).ID:
		writeControlError(w, http.StatusNotFound, "not_found", "job not found")
		return asyncjob.Meta{}, false
	}
	return meta, true
}
