package circuitbreaker

import (
	"context"
	"log/slog"
	"time"

	"github.com/aistats/gateway/internal/domain"
	"github.com/aistats/gateway/internal/metrics"
	"github.com/aistats/gateway/internal/notifications"
)

// Admission is the breaker's verdict for one attempt.
type Admission string

const (
	AdmitClosed  Admission = "closed"
	AdmitProbe   Admission = "probe"
	AdmitBlocked Admission = "blocked"
)

// Tracker applies outcomes to a Store and reports transitions.
type Tracker struct {
	store    Store
	cfg      Config
	notifier notifications.Notifier
	now      func() time.Time
}

type Option func(*Tracker)

func WithNotifier(n notifications.Notifier) Option {
	return func(t *Tracker) { t.notifier = n }
}

func WithClock(now func() time.Time) Option {
	return func(t *Tracker) { t.now = now }
}

func NewTracker(store Store, cfg Config, opts ...Option) *Tracker {
	t := &Tracker{store: store, cfg: cfg, now: time.Now}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

func (t *Tracker) Config() Config { return t.cfg }

func (t *Tracker) Now() time.Time { return t.now() }

// Snapshot loads records for keys. Store failures yield fresh records so
// routing degrades to health-blind rather than failing the request.
func (t *Tracker) Snapshot(ctx context.Context, keys ...Key) map[Key]Health {
	hs, err := t.store.Load(ctx, keys...)
	if err != nil {
		slog.Warn("load health failed", "error", err)
		hs = make(map[Key]Health, len(keys))
	}
	for _, k := range keys {
		if _, ok := hs[k]; !ok {
			hs[k] = Fresh(k)
		}
	}
	return hs
}

// Admit decides whether an attempt may go to key. An open breaker whose
// window elapsed moves to half_open, and only one caller at a time holds
// the probe.
func (t *Tracker) Admit(ctx context.Context, key Key) Admission {
	now := t.now()
	h := t.Snapshot(ctx, key)[key]

	if h.State == StateOpen {
		if h.Deranked(now) {
			return AdmitBlocked
		}
		before, after, err := t.store.Update(ctx, key, func(h Health) Health { return elapse(h, now) })
		if err != nil {
			slog.Warn("update health failed", "key", key.String(), "error", err)
			after = elapse(h, now)
		} else {
			t.transitioned(before, after, "window_elapsed")
		}
		h = after
	}

	if h.State == StateHalfOpen {
		ok, err := t.store.AcquireProbe(ctx, key, t.cfg.ProbeLease)
		if err != nil {
			slog.Warn("acquire probe failed", "key", key.String(), "error", err)
			return AdmitProbe
		}
		if ok {
			return AdmitProbe
		}
		return AdmitBlocked
	}
	return AdmitClosed
}

// AdmitLastResort admits an attempt to key even though its window has not
// elapsed. It is for the case where every candidate is open: the breaker is
// moved to half_open and the caller gets the probe, so one success closes
// it and a failure reopens it with a longer backoff.
func (t *Tracker) AdmitLastResort(ctx context.Context, key Key) Admission {
	now := t.now()
	before, after, err := t.store.Update(ctx, key, func(h Health) Health {
		if h.State == StateOpen {
			h.State = StateHalfOpen
			h.LastTransition = now
		}
		return h
	})
	if err != nil {
		slog.Warn("update health failed", "key", key.String(), "error", err)
	} else {
		t.transitioned(before, after, "last_resort")
	}
	if err == nil && after.State == StateClosed {
		return AdmitClosed
	}

	ok, err := t.store.AcquireProbe(ctx, key, t.cfg.ProbeLease)
	if err != nil {
		slog.Warn("acquire probe failed", "key", key.String(), "error", err)
		return AdmitProbe
	}
	if ok {
		return AdmitProbe
	}
	return AdmitBlocked
}

// Start marks an attempt in flight.
func (t *Tracker) Start(ctx context.Context, key Key) {
	_, _, err := t.store.Update(ctx, key, func(h Health) Health {
		h.Inflight++
		h.Load = t.cfg.load(h.Inflight)
		return h
	})
	if err != nil {
		slog.Warn("update health failed", "key", key.String(), "error", err)
	}
}

// Record folds an outcome into key's record and releases the probe if held.
func (t *Tracker) Record(ctx context.Context, key Key, o Outcome, probe bool) Health {
	now := t.now()
	before, after, err := t.store.Update(ctx, key, func(h Health) Health { return t.cfg.record(h, o, now) })

	if probe {
		if err := t.store.ReleaseProbe(ctx, key); err != nil {
			slog.Warn("release probe failed", "key", key.String(), "error", err)
		}
	}

	metrics.RecordUpstreamAttempt(key.Provider, key.Model, string(key.Endpoint), OutcomeLabel(o.Err))

	if err != nil {
		slog.Warn("update health failed", "key", key.String(), "error", err)
		return t.cfg.record(before, o, now)
	}

	reason := "success"
	if !o.OK() {
		reason = string(domain.FailureKind(o.Err))
	}
	t.transitioned(before, after, reason)
	return after
}

// Abandon ends an attempt the caller cancelled. The provider is not
// judged: only the in-flight count drops and the probe is released.
func (t *Tracker) Abandon(ctx context.Context, key Key, probe bool) {
	// The request context is already done; the bookkeeping must still land.
	ctx = context.WithoutCancel(ctx)
	_, _, err := t.store.Update(ctx, key, func(h Health) Health {
		if h.Inflight > 0 {
			h.Inflight--
		}
		h.Load = t.cfg.load(h.Inflight)
		return h
	})
	if err != nil {
		slog.Warn("update health failed", "key", key.String(), "error", err)
	}
	if probe {
		if err := t.store.ReleaseProbe(ctx, key); err != nil {
			slog.Warn("release probe failed", "key", key.String(), "error", err)
		}
	}
	metrics.RecordUpstreamAttempt(key.Provider, key.Model, string(key.Endpoint), "cancelled")
}

// OutcomeLabel names an upstream result: ok, transport, timeout or rejection.
func OutcomeLabel(err error) string {
	if kind := domain.FailureKind(err); kind != domain.FailureNone {
		return string(kind)
	}
	return "ok"
}

func (t *Tracker) transitioned(before, after Health, reason string) {
	if before.State == after.State && before.LastTransition.Equal(after.LastTransition) {
		return
	}

	k := after.Key
	metrics.RecordBreakerTransition(k.Provider, k.Model, string(k.Endpoint), string(before.State), string(after.State))
	slog.Info("breaker transition",
		"provider", k.Provider,
		"model", k.Model,
		"endpoint", k.Endpoint,
		"from", before.State,
		"to", after.State,
		"open_until_ms", after.OpenUntilMs,
		"attempts", after.Attempts,
		"reason", reason,
	)

	if t.notifier == nil {
		return
	}

	var typ notifications.NotificationType
	switch {
	case after.State == StateOpen:
		typ = notifications.NotificationProviderDown
	case after.State == StateClosed && before.State != StateClosed:
		typ = notifications.NotificationProviderUp
	default:
		return
	}

	n := notifications.Notification{
		Type:    typ,
		Message: "breaker " + string(before.State) + " -> " + string(after.State) + " for " + k.String(),
		Data: map[string]interface{}{
			"provider":      k.Provider,
			"model":         k.Model,
			"endpoint":      string(k.Endpoint),
			"open_until_ms": after.OpenUntilMs,
			"reason":        reason,
		},
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := t.notifier.Send(ctx, n); err != nil {
			slog.Warn("breaker notification failed", "provider", k.Provider, "error", err)
		}
	}()
}
