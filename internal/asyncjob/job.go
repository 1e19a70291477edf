// Package asyncjob defers billing of long-running generations (video, music)
// until the provider reports completion.
//
// Submission stores the job metadata under job:{id} for 14 days. A
// completion event prices the job and bills it exactly once, guarded by a
// set-if-absent marker under job:billed:{id} kept for 30 days.
package asyncjob

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/aistats/gateway/internal/domain"
	"github.com/aistats/gateway/internal/kv"
	"github.com/aistats/gateway/internal/pricing"
)

// Meta is what the gateway remembers about a submitted job.
type Meta struct {
	ID          string          `json:"id"`
	TeamID      string          `json:"team_id"`
	RequestID   string          `json:"request_id,omitempty"`
	Provider    string          `json:"provider"`
	Model       string          `json:"model"`
	Endpoint    domain.Endpoint `json:"endpoint"`
	PricingPlan string          `json:"pricing_plan,omitempty"`
	// Attributes carries size, duration and similar request parameters that
	// pricing conditions may match on.
	Attributes map[string]any `json:"attributes,omitempty"`
	CreatedAt  time.Time      `json:"created_at"`
}

type Status string

const (
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// Event reports the end of a job. Meters are the provider's final usage.
type Event struct {
	JobID       string           `json:"job_id"`
	Status      Status           `json:"status"`
	Meters      map[string]int64 `json:"meters,omitempty"`
	Error       string           `json:"error,omitempty"`
	CompletedAt time.Time        `json:"completed_at"`
}

type billedMarker struct {
	BilledAt   time.Time `json:"billed_at"`
	TotalNanos int64     `json:"total_nanos"`
}

// Service records submissions and bills completions.
type Service struct {
	store    kv.Store
	cards    pricing.Store
	now      func() time.Time
	onBilled func(ctx context.Context, meta Meta, bill *pricing.Bill)
}

type Option func(*Service)

func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// WithBilledHook is called once per billed job.
func WithBilledHook(fn func(ctx context.Context, meta Meta, bill *pricing.Bill)) Option {
	return func(s *Service) { s.onBilled = fn }
}

func NewService(store kv.Store, cards pricing.Store, opts ...Option) *Service {
	s := &Service{store: store, cards: cards, now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Submit stores meta. Nothing is billed yet.
func (s *Service) Submit(ctx context.Context, meta Meta) error {
	if meta.ID == "" {
		return fmt.Errorf("%w: job id required", domain.ErrInvalidRequest)
	}
	if meta.CreatedAt.IsZero() {
		meta.CreatedAt = s.now()
	}
	if err := kv.PutJSON(ctx, s.store, kv.JobKey(meta.ID), meta, kv.JobTTL); err != nil {
		return fmt.Errorf("store job %s: %w", meta.ID, err)
	}
	return nil
}

// Get returns the stored metadata for a job.
func (s *Service) Get(ctx context.Context, id string) (Meta, error) {
	var meta Meta
	ok, err := kv.GetJSON(ctx, s.store, kv.JobKey(id), &meta)
	if err != nil {
		return Meta{}, fmt.Errorf("load job %s: %w", id, err)
	}
	if !ok {
		return Meta{}, domain.ErrJobNotFound
	}
	return meta, nil
}

// Complete bills a finished job. A second completion for the same job
// returns ErrJobAlreadyBilled; failed jobs are never billed.
func (s *Service) Complete(ctx context.Context, ev Event) (*pricing.Bill, error) {
	meta, err := s.Get(ctx, ev.JobID)
	if err != nil {
		return nil, err
	}

	if ev.Status == StatusFailed {
		slog.Info("async job failed, not billing", "job_id", ev.JobID, "provider", meta.Provider, "error", ev.Error)
		return nil, nil
	}

	at := ev.CompletedAt
	if at.IsZero() {
		at = s.now()
	}

	card, err := pricing.Find(ctx, s.cards, meta.Provider, meta.Model, meta.Endpoint, meta.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("price job %s: %w", ev.JobID, err)
	}
	bill, err := pricing.Compute(ev.Meters, card, meta.Attributes, meta.PricingPlan)
	if err != nil {
		return nil, fmt.Errorf("price job %s: %w", ev.JobID, err)
	}

	marker := billedMarker{BilledAt: at, TotalNanos: bill.TotalNanos()}
	claimed, err := s.claim(ctx, ev.JobID, marker)
	if err != nil {
		return nil, err
	}
	if !claimed {
		return nil, domain.ErrJobAlreadyBilled
	}

	slog.Info("async job billed",
		"job_id", ev.JobID,
		"team_id", meta.TeamID,
		"provider", meta.Provider,
		"model", meta.Model,
		"total_nanos", bill.TotalNanos(),
	)
	if s.onBilled != nil {
		s.onBilled(ctx, meta, bill)
	}
	return bill, nil
}

func (s *Service) claim(ctx context.Context, id string, marker billedMarker) (bool, error) {
	data, err := jsonString(marker)
	if err != nil {
		return false, err
	}
	ok, err := s.store.PutIfAbsent(ctx, kv.JobBilledKey(id), data, kv.JobBilledTTL)
	if err != nil {
		return false, fmt.Errorf("mark job %s billed: %w", id, err)
	}
	return ok, nil
}

// IsBilled reports whether the billed marker exists.
func (s *Service) IsBilled(ctx context.Context, id string) (bool, error) {
	_, ok, err := s.store.Get(ctx, kv.JobBilledKey(id))
	return ok, err
}

// settled reports whether an event needs no further processing.
func settled(err error) bool {
	return errors.Is(err, domain.ErrJobAlreadyBilled) || errors.Is(err, domain.ErrJobNotFound)
}
