// Package queue dispatches job IDs to workers. The queue carries only IDs;
// job state lives in the record store. A dequeued delivery stays invisible
// to other consumers until it is acked, nacked, or its visibility timeout
// expires, after which it is delivered again (at-least-once).
package queue

import (
	"context"
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/whisperq/whisperq/internal/config"
)

var (
	// ErrQueueFull is returned by Enqueue when the backend cannot accept
	// more work. Transient: the submitter retries with backoff.
	ErrQueueFull = errors.New("queue is full")

	// ErrClosed is returned once the queue has been shut down.
	ErrClosed = errors.New("queue is closed")
)

// Delivery is one dequeued job. Token is the opaque acknowledgment handle
// for this delivery; it is valid for exactly one Ack or Nack.
type Delivery struct {
	JobID string
	Token string
}

// Queue is the dispatch contract shared by all backends. Implementations
// guarantee that an unacked delivery is held by at most one consumer at a
// time and is eventually redelivered if never acknowledged.
type Queue interface {
	// Enqueue makes jobID available for dequeue. Returns ErrQueueFull when
	// the backend is saturated.
	Enqueue(ctx context.Context, jobID string) error
	// Dequeue blocks until a job is available, ctx is done, or the queue
	// closes.
	Dequeue(ctx context.Context) (Delivery, error)
	// Ack marks the delivery done; the job will not be delivered again.
	Ack(ctx context.Context, d Delivery) error
	// Nack abandons the delivery. With requeue the job becomes available
	// for another dequeue; without it the delivery is dropped.
	Nack(ctx context.Context, d Delivery, requeue bool) error
	// Durable reports whether enqueued jobs survive a process restart.
	// Non-durable queues need their backlog re-enqueued at startup.
	Durable() bool
	Close() error
}

// New selects the backend named by cfg.Backend. The choice is made once at
// startup; callers only ever see the Queue interface.
func New(cfg *config.Queue, log *logrus.Logger) (Queue, error) {
	switch cfg.Backend {
	case "memory":
		return NewMemory(cfg.Capacity, cfg.VisibilityTimeout, log), nil
	case "amqp":
		return NewAMQP(cfg.AMQP, log)
	case "redis":
		return NewRedis(cfg.Redis, cfg.VisibilityTimeout, log)
	default:
		return nil, fmt.Errorf("unknown queue backend %q", cfg.Backend)
	}
}
