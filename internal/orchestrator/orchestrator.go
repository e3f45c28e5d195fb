// Package orchestrator is the front door of the transcription core. It ties
// the record store, queue, worker engine, notifier and sweeper together
// behind one facade whose lifecycle is owned by Start and Stop; nothing in
// here lives in package globals.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/sony/gobreaker"

	"github.com/whisperq/whisperq/internal/cleanup"
	"github.com/whisperq/whisperq/internal/concurrency"
	"github.com/whisperq/whisperq/internal/job"
	"github.com/whisperq/whisperq/internal/notify"
	"github.com/whisperq/whisperq/internal/queue"
	"github.com/whisperq/whisperq/internal/storage"
	"github.com/whisperq/whisperq/internal/worker"
)

var (
	// ErrJobNotFound reports an id with no record behind it.
	ErrJobNotFound = errors.New("job not found")

	// ErrJobTerminal reports an operation that needs a live job hitting one
	// that already finished.
	ErrJobTerminal = errors.New("job already in terminal state")

	// ErrNotCancelable reports a cancel that kept losing to concurrent
	// state changes. Retryable.
	ErrNotCancelable = errors.New("job could not be cancelled")
)

// Submission backoff: full jitter over an exponential curve, a fixed number
// of attempts. Dispatch failures are transient by contract and stay at this
// boundary; they are never recorded on the job.
const (
	submitAttempts = 5
	submitBase     = 100 * time.Millisecond
	submitCap      = 5 * time.Second
)

// How long Delete waits for a cancelled run to conclude. Records in the
// processing state are never deleted.
const (
	deleteWait         = 2 * time.Second
	deletePollInterval = 50 * time.Millisecond
)

// Orchestrator exposes the operations the API collaborator consumes:
// submit, inspect, subscribe, cancel, delete.
type Orchestrator struct {
	store       job.Store
	queue       queue.Queue
	engine      *worker.Engine
	sweeper     *cleanup.Sweeper
	notifier    *notify.Notifier
	artifacts   storage.Backend
	limiter     *concurrency.Limiter
	breaker     *gobreaker.CircuitBreaker
	maxAttempts int
	log         *logrus.Logger
}

func New(store job.Store, q queue.Queue, engine *worker.Engine, sweeper *cleanup.Sweeper,
	notifier *notify.Notifier, artifacts storage.Backend, limiter *concurrency.Limiter,
	maxAttempts int, log *logrus.Logger) *Orchestrator {
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	return &Orchestrator{
		store:       store,
		queue:       q,
		engine:      engine,
		sweeper:     sweeper,
		notifier:    notifier,
		artifacts:   artifacts,
		limiter:     limiter,
		maxAttempts: maxAttempts,
		breaker: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        "enqueue",
			MaxRequests: 100,
			Interval:    5 * time.Second,
			Timeout:     3 * time.Second,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
				return counts.Requests >= 3 && failureRatio >= 0.6
			},
		}),
		log: log,
	}
}

// Start recovers state left behind by the previous run, then launches the
// engine and the sweeper. Call once, before any Submit.
func (o *Orchestrator) Start(ctx context.Context) error {
	// Jobs stuck in processing belonged to a dead worker: the ones with
	// attempt budget left go back to queued, the rest fail in place.
	resetIDs, err := o.store.ResetProcessing(ctx, o.maxAttempts)
	if err != nil {
		return fmt.Errorf("reset interrupted jobs: %w", err)
	}
	if len(resetIDs) > 0 {
		o.log.WithField("count", len(resetIDs)).Info("requeued jobs interrupted by previous shutdown")
	}

	toEnqueue := resetIDs
	if !o.queue.Durable() {
		// The backlog died with the process. Rebuild all of it from the
		// store, not just the interrupted jobs.
		toEnqueue, err = o.store.ListQueuedIDs(ctx)
		if err != nil {
			return fmt.Errorf("list queued jobs: %w", err)
		}
	}
	// On a durable broker most reset jobs get redelivered anyway; the
	// extra enqueue covers deliveries acked right before the crash, and
	// the claim CAS makes duplicates harmless.
	for _, id := range toEnqueue {
		if err := o.queue.Enqueue(ctx, id); err != nil {
			o.log.WithField("job_id", id).WithError(err).Warn("re-enqueue recovered job")
		}
	}

	o.engine.Start(ctx)
	o.sweeper.Start(ctx)
	o.log.Info("orchestrator started")
	return nil
}

// Stop halts intake, drains running jobs within ctx's grace and closes the
// queue. Safe to call even when Start never ran.
func (o *Orchestrator) Stop(ctx context.Context) error {
	o.sweeper.Stop()
	err := o.engine.Stop(ctx)
	if cerr := o.queue.Close(); cerr != nil && !errors.Is(cerr, queue.ErrClosed) && err == nil {
		err = cerr
	}
	o.log.Info("orchestrator stopped")
	return err
}

// Submit validates the request, persists a queued record and dispatches it.
// When dispatch keeps failing the record is removed again and the queue
// error is returned; a transient dispatch failure never lands on the job.
func (o *Orchestrator) Submit(ctx context.Context, req job.SubmitRequest) (*job.Job, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}

	j := &job.Job{
		ID:         uuid.New().String(),
		InputRef:   req.InputRef,
		Parameters: req.Parameters,
		Status:     job.StatusQueued,
		CreatedAt:  time.Now().UTC(),
	}
	if err := o.store.Create(ctx, j); err != nil {
		return nil, fmt.Errorf("create job: %w", err)
	}

	if err := o.enqueue(ctx, j.ID); err != nil {
		if derr := o.store.Delete(ctx, j.ID); derr != nil {
			o.log.WithField("job_id", j.ID).WithError(derr).Error("remove undispatched job")
		}
		return nil, err
	}

	o.log.WithField("job_id", j.ID).Info("job submitted")
	return j, nil
}

// enqueue pushes the id through the circuit breaker with backoff. The error
// reported after the last attempt is the backend's own, not the breaker's,
// so callers can still match queue.ErrQueueFull.
func (o *Orchestrator) enqueue(ctx context.Context, id string) error {
	var lastErr error
	for attempt := 1; attempt <= submitAttempts; attempt++ {
		_, err := o.breaker.Execute(func() (any, error) {
			return nil, o.queue.Enqueue(ctx, id)
		})
		if err == nil {
			return nil
		}
		if errors.Is(err, queue.ErrClosed) {
			return err
		}
		if lastErr == nil || (!errors.Is(err, gobreaker.ErrOpenState) && !errors.Is(err, gobreaker.ErrTooManyRequests)) {
			lastErr = err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if attempt < submitAttempts {
			o.log.WithFields(logrus.Fields{"job_id": id, "attempt": attempt}).
				WithError(err).Warn("enqueue failed, backing off")
			select {
			case <-time.After(jitter(attempt)):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
	return fmt.Errorf("enqueue after %d attempts: %w", submitAttempts, lastErr)
}

// jitter returns a random duration between 0 and min(submitCap,
// submitBase * 2^attempt). Full jitter keeps concurrent submitters from
// retrying in lockstep.
func jitter(attempt int) time.Duration {
	exp := submitBase * (1 << attempt)
	if exp > submitCap {
		exp = submitCap
	}
	return time.Duration(rand.Int63n(int64(exp)))
}

// Get returns the job snapshot for id.
func (o *Orchestrator) Get(ctx context.Context, id string) (*job.Job, error) {
	j, err := o.store.Get(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("get job: %w", err)
	}
	if j == nil {
		return nil, ErrJobNotFound
	}
	return j, nil
}

// List returns a page of jobs ordered newest first, plus the total count.
func (o *Orchestrator) List(ctx context.Context, limit, offset int) ([]*job.Job, int, error) {
	jobs, total, err := o.store.List(ctx, limit, offset)
	if err != nil {
		return nil, 0, fmt.Errorf("list jobs: %w", err)
	}
	return jobs, total, nil
}

// SubscribeProgress returns the job's current snapshot plus a live event
// stream. For a job that already finished the stream is closed and holds a
// single synthesized result event. The caller owns the subscription and
// must Unsubscribe when done with a live one.
func (o *Orchestrator) SubscribeProgress(ctx context.Context, id string) (*job.Job, *notify.Subscription, error) {
	j, err := o.Get(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	if j.Status.IsTerminal() {
		return j, notify.ClosedWith(notify.ResultEvent(j)), nil
	}

	sub := o.notifier.Subscribe(id)

	// The job may have finished between the snapshot and the subscribe, in
	// which case its terminal fan-out predates the subscription. Re-read
	// and synthesize the result locally if so.
	j, err = o.store.Get(ctx, id)
	if err != nil {
		o.notifier.Unsubscribe(sub)
		return nil, nil, fmt.Errorf("get job: %w", err)
	}
	if j == nil {
		o.notifier.Unsubscribe(sub)
		return nil, nil, ErrJobNotFound
	}
	if j.Status.IsTerminal() {
		o.notifier.Unsubscribe(sub)
		return j, notify.ClosedWith(notify.ResultEvent(j)), nil
	}
	return j, sub, nil
}

// Unsubscribe detaches a subscription handed out by SubscribeProgress.
func (o *Orchestrator) Unsubscribe(sub *notify.Subscription) {
	o.notifier.Unsubscribe(sub)
}

// Cancel stops a job. A queued job is cancelled in place and never reaches
// a worker; a processing job is cancelled cooperatively through the engine.
// ErrJobTerminal reports a job that had already finished when the cancel
// arrived.
func (o *Orchestrator) Cancel(ctx context.Context, id string) error {
	first := true
	misses := 0
	// A cancel races the queued->processing handoff and transient
	// requeues; each pass re-reads and tries the transition the current
	// state calls for.
	for pass := 0; pass < 4; pass++ {
		j, err := o.store.Get(ctx, id)
		if err != nil {
			return fmt.Errorf("get job: %w", err)
		}
		if j == nil {
			return ErrJobNotFound
		}
		if j.Status.IsTerminal() {
			if first {
				return ErrJobTerminal
			}
			// Finished while the cancel was in flight. Nothing left to stop.
			return nil
		}
		first = false

		if j.Status == job.StatusQueued {
			ok, err := o.store.CancelQueued(ctx, id)
			if err != nil {
				return fmt.Errorf("cancel queued job: %w", err)
			}
			if ok {
				j.Status = job.StatusCancelled
				o.notifier.Terminal(id, notify.ResultEvent(j))
				o.log.WithField("job_id", id).Info("cancelled queued job")
				return nil
			}
			// Claimed between the read and the CAS.
			continue
		}

		if o.engine.Cancel(id) {
			o.log.WithField("job_id", id).Info("cancelling running job")
			return nil
		}

		// Processing with no attempt registered in this engine. A live
		// attempt always holds a cancel handle before its claim lands, so
		// seeing this twice across a full round-trip means the owner died
		// mid-run. Settle the record; the eventual redelivery finds it
		// terminal and drops itself.
		misses++
		if misses >= 2 {
			if err := o.store.CancelProcessing(ctx, id); err != nil {
				return fmt.Errorf("cancel orphaned job: %w", err)
			}
			j.Status = job.StatusCancelled
			o.notifier.Terminal(id, notify.ResultEvent(j))
			o.log.WithField("job_id", id).Warn("cancelled job whose worker is gone")
			return nil
		}
	}
	return ErrNotCancelable
}

// Delete removes a job and its artifacts. An active job is cancelled first
// and the call waits briefly for the run to conclude; records in the
// processing state are never deleted.
func (o *Orchestrator) Delete(ctx context.Context, id string) error {
	j, err := o.store.Get(ctx, id)
	if err != nil {
		return fmt.Errorf("get job: %w", err)
	}
	if j == nil {
		return ErrJobNotFound
	}

	if !j.Status.IsTerminal() {
		if err := o.Cancel(ctx, id); err != nil && !errors.Is(err, ErrJobTerminal) {
			return err
		}
		j, err = o.waitNotProcessing(ctx, id)
		if err != nil {
			return err
		}
		if j == nil {
			return nil
		}
	}

	// Artifacts first: a record that still exists keeps pointing at
	// whatever a failed pass left behind, so the next attempt or the
	// sweeper can finish the purge.
	if j.InputRef != "" {
		if err := o.artifacts.Delete(ctx, j.InputRef); err != nil {
			return fmt.Errorf("delete input artifact: %w", err)
		}
	}
	if j.OutputRef != "" {
		if err := o.artifacts.Delete(ctx, j.OutputRef); err != nil {
			return fmt.Errorf("delete output artifact: %w", err)
		}
	}
	if err := o.store.Delete(ctx, id); err != nil {
		return fmt.Errorf("delete job: %w", err)
	}
	o.log.WithField("job_id", id).Info("job deleted")
	return nil
}

// waitNotProcessing polls until the job leaves the processing state, the
// wait budget runs out, or ctx ends. A cancelled run concludes within one
// progress poll, so the budget is generous.
func (o *Orchestrator) waitNotProcessing(ctx context.Context, id string) (*job.Job, error) {
	deadline := time.Now().Add(deleteWait)
	for {
		j, err := o.store.Get(ctx, id)
		if err != nil {
			return nil, fmt.Errorf("get job: %w", err)
		}
		if j == nil || j.Status != job.StatusProcessing {
			return j, nil
		}
		if time.Now().After(deadline) {
			return nil, errors.New("job is still running, retry shortly")
		}
		select {
		case <-time.After(deletePollInterval):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// Metrics returns a point-in-time snapshot of engine counters plus the
// number of execution permits in use.
func (o *Orchestrator) Metrics() map[string]int64 {
	m := o.engine.Metrics()
	m["permits_in_use"] = o.limiter.InUse()
	return m
}
