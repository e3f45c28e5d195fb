// Package concurrency bounds how many jobs execute simultaneously,
// independent of which queue backend feeds the workers.
package concurrency

import (
	"context"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/semaphore"
)

// Limiter is a counting semaphore handing out execution permits. A worker
// acquires a permit before claiming a job, so the number of jobs in the
// processing state never exceeds the configured capacity.
type Limiter struct {
	sem      *semaphore.Weighted
	capacity int
	inUse    atomic.Int64
}

func NewLimiter(capacity int) *Limiter {
	if capacity < 1 {
		capacity = 1
	}
	return &Limiter{
		sem:      semaphore.NewWeighted(int64(capacity)),
		capacity: capacity,
	}
}

// Acquire blocks until a permit is free or ctx is done.
func (l *Limiter) Acquire(ctx context.Context) (*Permit, error) {
	if err := l.sem.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	l.inUse.Add(1)
	return &Permit{limiter: l}, nil
}

// InUse reports how many permits are currently held.
func (l *Limiter) InUse() int64 {
	return l.inUse.Load()
}

func (l *Limiter) Capacity() int {
	return l.capacity
}

// Permit is one execution slot. Release returns it; releasing more than
// once is safe and only the first call counts.
type Permit struct {
	limiter *Limiter
	once    sync.Once
}

func (p *Permit) Release() {
	p.once.Do(func() {
		p.limiter.inUse.Add(-1)
		p.limiter.sem.Release(1)
	})
}
