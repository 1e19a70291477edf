package asyncjob

import (
	"context"
	"log/slog"
	"time"
)

// Worker drains a Queue into Service.Complete. Events that fail for a
// retryable reason stay unacknowledged and are redelivered.
type Worker struct {
	queue   Queue
	service *Service
	batch   int
	idle    time.Duration
}

func NewWorker(queue Queue, service *Service) *Worker {
	return &Worker{queue: queue, service: service, batch: 10, idle: time.Second}
}

// Run polls until ctx is cancelled.
func (w *Worker) Run(ctx context.Context) {
	slog.Info("async job worker started")
	defer slog.Info("async job worker stopped")

	for {
		if ctx.Err() != nil {
			return
		}
		n, err := w.Poll(ctx)
		if err != nil {
			slog.Warn("receive job events failed", "error", err)
		}
		if n == 0 || err != nil {
			select {
			case <-ctx.Done():
				return
			case <-time.After(w.idle):
			}
		}
	}
}

// Poll handles one batch and returns how many events it received.
func (w *Worker) Poll(ctx context.Context) (int, error) {
	deliveries, err := w.queue.Receive(ctx, w.batch)
	if err != nil {
		return 0, err
	}

	for _, d := range deliveries {
		_, err := w.service.Complete(ctx, d.Event)
		if err != nil && !settled(err) {
			slog.Error("bill async job failed", "job_id", d.Event.JobID, "error", err)
			continue
		}
		if err != nil {
			slog.Debug("async job event settled", "job_id", d.Event.JobID, "reason", err)
		}
		if err := w.queue.Ack(ctx, d.Handle); err != nil {
			slog.Warn("ack job event failed", "job_id", d.Event.JobID, "error", err)
		}
	}
	return len(deliveries), nil
}
