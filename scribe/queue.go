package scribe

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

var ErrQueueClosed = errors.New("job queue closed")

// Delivery is a job handed to a worker. Attempt starts at 1.
type Delivery struct {
	Job     TranscriptionJob
	Attempt int
}

// Queue is an in-process at-least-once job queue. A job that is nacked is
// delivered again after a delay until it has been tried MaxDeliveries times.
type Queue struct {
	jobs chan Delivery
	done chan struct{}

	maxDeliveries   int
	redeliveryDelay time.Duration

	mu        sync.RWMutex
	closed    bool
	closeOnce sync.Once
}

func NewQueue(size, maxDeliveries int, redeliveryDelay time.Duration) *Queue {
	if maxDeliveries <= 0 {
		maxDeliveries = 1
	}
	return &Queue{
		jobs:            make(chan Delivery, size),
		done:            make(chan struct{}),
		maxDeliveries:   maxDeliveries,
		redeliveryDelay: redeliveryDelay,
	}
}

func (q *Queue) Jobs() <-chan Delivery {
	return q.jobs
}

// Enqueue blocks until the job is accepted, ctx ends, or the queue closes.
func (q *Queue) Enqueue(ctx context.Context, job TranscriptionJob) error {
	return q.push(ctx, Delivery{Job: job, Attempt: 1})
}

func (q *Queue) push(ctx context.Context, d Delivery) error {
	q.mu.RLock()
	defer q.mu.RUnlock()

	if q.closed {
		return ErrQueueClosed
	}

	select {
	case q.jobs <- d:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-q.done:
		return ErrQueueClosed
	}
}

// Nack schedules a redelivery and reports whether one will happen.
func (q *Queue) Nack(d Delivery) bool {
	if d.Attempt >= q.maxDeliveries {
		return false
	}

	next := Delivery{Job: d.Job, Attempt: d.Attempt + 1}
	time.AfterFunc(q.redeliveryDelay, func() {
		if err := q.push(context.Background(), next); err != nil {
			slog.Warn("Dropping redelivery",
				"segmentID", next.Job.SegmentID,
				"sessionID", next.Job.SessionID,
				"attempt", next.Attempt,
				"error", err)
		}
	})
	return true
}

// Close stops accepting jobs. Buffered jobs can still be drained from Jobs.
func (q *Queue) Close() {
	q.closeOnce.Do(func() {
		close(q.done)

		q.mu.Lock()
		q.closed = true
		close(q.jobs)
		q.mu.Unlock()
	})
}
