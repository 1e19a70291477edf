package api

import (
	"context"
	"database/sql"
	"net/http"
	"sync"
	"time"

	"github.com/aistats/gateway/internal/circuitbreaker"
	"github.com/aistats/gateway/internal/kv"
	"github.com/aistats/gateway/internal/router"
)

const readyTimeout = 3 * time.Second

// HealthChecker probes one dependency for /health/ready.
type HealthChecker interface {
	Check(ctx context.Context) error
	Name() string
}

type HealthStatus struct {
	Status   string                 `json:"status"`
	Checks   map[string]CheckResult `json:"checks,omitempty"`
	Breakers map[string]int         `json:"breakers,omitempty"`
	Version  string                 `json:"version,omitempty"`
}

type CheckResult struct {
	Status   string `json:"status"`
	Duration string `json:"duration,omitempty"`
	Error    string `json:"error,omitempty"`
}

// KVChecker reads a probe key from the shared store. A miss is healthy.
type KVChecker struct {
	Store kv.Store
}

func (c KVChecker) Name() string { return "kv" }

func (c KVChecker) Check(ctx context.Context) error {
	_, _, err := c.Store.Get(ctx, "health:probe")
	return err
}

type PostgresChecker struct {
	DB *sql.DB
}

func (c PostgresChecker) Name() string { return "postgres" }

func (c PostgresChecker) Check(ctx context.Context) error {
	return c.DB.PingContext(ctx)
}

func runHealthChecks(ctx context.Context, checkers []HealthChecker) map[string]CheckResult {
	results := make(map[string]CheckResult, len(checkers))
	var mu sync.Mutex
	var wg sync.WaitGroup

	for _, checker := range checkers {
		wg.Add(1)
		go func(c HealthChecker) {
			defer wg.Done()

			start := time.Now()
			err := c.Check(ctx)
			result := CheckResult{Status: "ok", Duration: time.Since(start).String()}
			if err != nil {
				result.Status = "error"
				result.Error = err.Error()
			}

			mu.Lock()
			results[c.Name()] = result
			mu.Unlock()
		}(checker)
	}

	wg.Wait()
	return results
}

// handleHealth reports liveness plus a count of catalog tuples per breaker
// state. Open breakers degrade the status but never fail the probe.
func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := HealthStatus{Status: "healthy", Version: h.version}
	for _, hs := range h.snapshot(r.Context()) {
		if status.Breakers == nil {
			status.Breakers = make(map[string]int)
		}
		status.Breakers[string(hs.State)]++
		if hs.State == circuitbreaker.StateOpen {
			status.Status = "degraded"
		}
	}
	writeValue(w, http.StatusOK, status)
}

func (h *Handler) handleHealthLive(w http.ResponseWriter, r *http.Request) {
	writeValue(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *Handler) handleHealthReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), readyTimeout)
	defer cancel()

	status := HealthStatus{Status: "ready", Checks: runHealthChecks(ctx, h.checkers), Version: h.version}
	code := http.StatusOK
	for _, result := range status.Checks {
		if result.Status != "ok" {
			status.Status = "not_ready"
			code = http.StatusServiceUnavailable
			break
		}
	}
	writeValue(w, code, status)
}

// snapshot loads health for every (provider, model, endpoint) the catalog
// declares, in catalog order.
func (h *Handler) snapshot(ctx context.Context) []circuitbreaker.Health {
	if h.health == nil || h.catalog == nil {
		return nil
	}
	var keys []circuitbreaker.Key
	for _, m := range h.catalog.Models {
		for _, e := range m.Endpoints {
			for _, c := range m.Candidates {
				keys = append(keys, router.HealthKey(c.Provider, m.Model, e))
			}
		}
	}
	if len(keys) == 0 {
		return nil
	}

	byKey := h.health.Snapshot(ctx, keys...)
	out := make([]circuitbreaker.Health, 0, len(keys))
	for _, k := range keys {
		out = append(out, byKey[k])
	}
	return out
}
