package asyncjob

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/aistats/gateway/internal/domain"
	"github.com/aistats/gateway/internal/kv"
	"github.com/aistats/gateway/internal/pricing"
)

var submitted = time.Date(2025, 9, 1, 10, 0, 0, 0, time.UTC)

func videoCards() *pricing.MemoryStore {
	return pricing.NewMemoryStore(pricing.Card{
		Provider:      "runway",
		Model:         "gen-4",
		Endpoint:      domain.EndpointVideo,
		EffectiveFrom: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC),
		Rules: []pricing.Rule{
			{ID: "sd", Meter: "video_seconds", Unit: "second", PricePerUnit: "0.05"},
			{ID: "hd", Meter: "video_seconds", Unit: "second", PricePerUnit: "0.10", Priority: 200, Match: []pricing.Condition{
				{Path: "resolution", Op: pricing.OpEq, Value: "1080p"},
			}},
		},
	})
}

func newTestService(t *testing.T, opts ...Option) (*Service, *kv.InMemoryStore) {
	t.Helper()
	store := kv.NewInMemoryStore()
	t.Cleanup(func() { store.Close() })
	opts = append([]Option{WithClock(func() time.Time { return submitted })}, opts...)
	return NewService(store, videoCards(), opts...), store
}

func submit(t *testing.T, s *Service, id string) {
	t.Helper()
	err := s.Submit(context.Background(), Meta{
		ID:         id,
		TeamID:     "team-1",
		Provider:   "runway",
		Model:      "gen-4",
		Endpoint:   domain.EndpointVideo,
		Attributes: map[string]any{"resolution": "1080p"},
	})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
}

func completed(id string, seconds int64) Event {
	return Event{JobID: id, Status: StatusCompleted, Meters: map[string]int64{"video_seconds": seconds}}
}

func TestSubmit_StoresMeta(t *testing.T) {
	s, store := newTestService(t)
	submit(t, s, "job-1")

	meta, err := s.Get(context.Background(), "job-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if meta.Provider != "runway" || !meta.CreatedAt.Equal(submitted) {
		t.Errorf("unexpected meta: %+v", meta)
	}
	if _, ok, _ := store.Get(context.Background(), kv.JobKey("job-1")); !ok {
		t.Error("expected job key in the store")
	}

	if err := s.Submit(context.Background(), Meta{}); !errors.Is(err, domain.ErrInvalidRequest) {
		t.Errorf("expected ErrInvalidRequest, got %v", err)
	}
}

func TestComplete_BillsOnce(t *testing.T) {
	var hooked int
	s, _ := newTestService(t, WithBilledHook(func(ctx context.Context, meta Meta, bill *pricing.Bill) { hooked++ }))
	submit(t, s, "job-1")

	bill, err := s.Complete(context.Background(), completed("job-1", 8))
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	if got := bill.Total.StringFixed(pricing.PriceDecimals); got != "0.800000000" {
		t.Errorf("expected 0.800000000, got %s", got)
	}

	_, err = s.Complete(context.Background(), completed("job-1", 8))
	if !errors.Is(err, domain.ErrJobAlreadyBilled) {
		t.Errorf("expected ErrJobAlreadyBilled, got %v", err)
	}
	if hooked != 1 {
		t.Errorf("expected the hook once, got %d", hooked)
	}
}

func TestComplete_ConcurrentEventsBillOnce(t *testing.T) {
	s, _ := newTestService(t)
	submit(t, s, "job-1")

	var (
		wg     sync.WaitGroup
		mu     sync.Mutex
		billed int
	)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := s.Complete(context.Background(), completed("job-1", 3)); err == nil {
				mu.Lock()
				billed++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if billed != 1 {
		t.Errorf("expected exactly one bill, got %d", billed)
	}
}

func TestComplete_UnknownJob(t *testing.T) {
	s, _ := newTestService(t)
	if _, err := s.Complete(context.Background(), completed("nope", 1)); !errors.Is(err, domain.ErrJobNotFound) {
		t.Errorf("expected ErrJobNotFound, got %v", err)
	}
}

func TestComplete_FailedJobIsNotBilled(t *testing.T) {
	s, _ := newTestService(t)
	submit(t, s, "job-1")

	bill, err := s.Complete(context.Background(), Event{JobID: "job-1", Status: StatusFailed, Error: "moderation"})
	if err != nil || bill != nil {
		t.Fatalf("expected no bill and no error, got %v %v", bill, err)
	}
	if billed, _ := s.IsBilled(context.Background(), "job-1"); billed {
		t.Error("failed job must not be marked billed")
	}
}

func TestComplete_PricingErrorLeavesJobRetryable(t *testing.T) {
	store := kv.NewInMemoryStore()
	defer store.Close()
	broken := pricing.NewMemoryStore(pricing.Card{
		Provider: "runway", Model: "gen-4", Endpoint: domain.EndpointVideo,
		Rules: []pricing.Rule{{Meter: "video_seconds", PricePerUnit: "ten cents"}},
	})
	s := NewService(store, broken, WithClock(func() time.Time { return submitted }))
	submit(t, s, "job-1")

	_, err := s.Complete(context.Background(), completed("job-1", 4))
	var cfgErr *domain.PricingConfigError
	if !errors.As(err, &cfgErr) {
		t.Fatalf("expected PricingConfigError, got %v", err)
	}
	if billed, _ := s.IsBilled(context.Background(), "job-1"); billed {
		t.Error("a pricing failure must not consume the billed marker")
	}
}

func TestWorker_AcksSettledAndRetriesFailures(t *testing.T) {
	s, _ := newTestService(t)
	submit(t, s, "job-1")
	q := NewInMemoryQueue()
	ctx := context.Background()

	_ = q.Publish(ctx, completed("job-1", 2))
	_ = q.Publish(ctx, completed("job-1", 2))
	_ = q.Publish(ctx, completed("ghost", 2))

	w := NewWorker(q, s)
	n, err := w.Poll(ctx)
	if err != nil || n != 3 {
		t.Fatalf("poll: n=%d err=%v", n, err)
	}
	if q.Len() != 0 {
		t.Errorf("expected every event acknowledged, %d left", q.Len())
	}

	submit(t, s, "job-2")
	_ = q.Publish(ctx, Event{JobID: "job-2", Status: StatusCompleted, Meters: map[string]int64{"video_seconds": -1}})
	if _, err := w.Poll(ctx); err != nil {
		t.Fatalf("poll: %v", err)
	}
	if q.Len() != 1 {
		t.Errorf("expected the failing event to stay queued, got %d", q.Len())
	}
}

func TestWorker_RunStopsOnCancel(t *testing.T) {
	s, _ := newTestService(t)
	w := NewWorker(NewInMemoryQueue(), s)
	w.idle = time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		w.Run(ctx)
		close(done)
	}()
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("worker did not stop")
	}
}
