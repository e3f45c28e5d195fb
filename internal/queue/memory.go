package queue

import (
	"context"
	"sync"
	"time"

	gonanoid "github.com/matoous/go-nanoid/v2"
	"github.com/sirupsen/logrus"
)

const tokenSize = 12

// Memory is the in-process backend: a bounded channel of job IDs plus an
// in-flight table. A janitor goroutine returns deliveries whose visibility
// deadline passed to the ready channel, so a worker that died mid-job does
// not strand it.
type Memory struct {
	jobs       chan string
	visibility time.Duration
	log        *logrus.Logger

	mu       sync.Mutex
	inflight map[string]memoryDelivery
	pending  []string // redeliveries waiting for channel space
	closed   bool

	done      chan struct{}
	closeOnce sync.Once
}

type memoryDelivery struct {
	jobID    string
	deadline time.Time
}

func NewMemory(capacity int, visibility time.Duration, log *logrus.Logger) *Memory {
	q := &Memory{
		jobs:       make(chan string, capacity),
		visibility: visibility,
		log:        log,
		inflight:   make(map[string]memoryDelivery),
		done:       make(chan struct{}),
	}
	go q.janitor()
	return q
}

// Enqueue rejects instead of blocking once the buffer is saturated; the
// submission boundary owns retry policy.
func (q *Memory) Enqueue(ctx context.Context, jobID string) error {
	q.mu.Lock()
	closed := q.closed
	q.mu.Unlock()
	if closed {
		return ErrClosed
	}

	select {
	case q.jobs <- jobID:
		return nil
	default:
		return ErrQueueFull
	}
}

func (q *Memory) Dequeue(ctx context.Context) (Delivery, error) {
	select {
	case <-ctx.Done():
		return Delivery{}, ctx.Err()
	case <-q.done:
		return Delivery{}, ErrClosed
	case jobID := <-q.jobs:
		token := gonanoid.Must(tokenSize)
		q.mu.Lock()
		q.inflight[token] = memoryDelivery{
			jobID:    jobID,
			deadline: time.Now().Add(q.visibility),
		}
		q.mu.Unlock()
		return Delivery{JobID: jobID, Token: token}, nil
	}
}

// Ack drops the in-flight entry. Acking a token that already expired and
// was redelivered is a no-op: ownership moved to the new delivery.
func (q *Memory) Ack(ctx context.Context, d Delivery) error {
	q.mu.Lock()
	delete(q.inflight, d.Token)
	q.mu.Unlock()
	return nil
}

func (q *Memory) Nack(ctx context.Context, d Delivery, requeue bool) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	entry, ok := q.inflight[d.Token]
	delete(q.inflight, d.Token)
	if !ok || !requeue {
		return nil
	}

	select {
	case q.jobs <- entry.jobID:
	default:
		// Channel refilled since the dequeue; the janitor retries.
		q.pending = append(q.pending, entry.jobID)
	}
	return nil
}

func (q *Memory) Durable() bool { return false }

func (q *Memory) Close() error {
	q.closeOnce.Do(func() {
		q.mu.Lock()
		q.closed = true
		q.mu.Unlock()
		close(q.done)
	})
	return nil
}

// janitor periodically expires in-flight deliveries and drains the pending
// backlog into the ready channel.
func (q *Memory) janitor() {
	tick := q.visibility / 2
	if tick <= 0 {
		tick = time.Millisecond
	}
	ticker := time.NewTicker(tick)
	defer ticker.Stop()

	for {
		select {
		case <-q.done:
			return
		case <-ticker.C:
			q.redeliverExpired()
		}
	}
}

func (q *Memory) redeliverExpired() {
	now := time.Now()

	q.mu.Lock()
	defer q.mu.Unlock()

	for token, entry := range q.inflight {
		if now.Before(entry.deadline) {
			continue
		}
		delete(q.inflight, token)
		q.pending = append(q.pending, entry.jobID)
		q.log.WithField("job_id", entry.jobID).Warn("queue: visibility timeout expired, redelivering")
	}

	for len(q.pending) > 0 {
		select {
		case q.jobs <- q.pending[0]:
			q.pending = q.pending[1:]
		default:
			return
		}
	}
}
