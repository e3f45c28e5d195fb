// Package worker runs the execution engine: a fixed set of loops that pull
// job IDs off the queue, claim them in the store and supervise one
// transcription process per claim. The store decides ownership; the engine
// never trusts a delivery alone.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/whisperq/whisperq/internal/concurrency"
	"github.com/whisperq/whisperq/internal/job"
	"github.com/whisperq/whisperq/internal/notify"
	"github.com/whisperq/whisperq/internal/queue"
	"github.com/whisperq/whisperq/internal/storage"
	"github.com/whisperq/whisperq/internal/transcribe"
)

// Config tunes the engine. Timeout bounds one transcription attempt;
// MaxAttempts bounds how many claims a job may consume before it is failed
// with retries_exhausted.
type Config struct {
	Concurrency int
	Timeout     time.Duration
	MaxAttempts int
	// WorkDir hosts per-job staging directories. Empty means the OS temp dir.
	WorkDir string
	// StaleAfter is how old a processing job's started_at must be before a
	// redelivery may take it over from a presumed-dead worker. Defaults to
	// Timeout plus a minute, which no live attempt can exceed.
	StaleAfter time.Duration
}

// Metrics counts engine outcomes.
type Metrics struct {
	Active    atomic.Int64
	Completed atomic.Int64
	Failed    atomic.Int64
	Cancelled atomic.Int64
	Requeued  atomic.Int64
}

// cancelHandle connects a running attempt to Cancel. requested records that
// the cancellation was asked for, as opposed to a shutdown tearing the
// context down, so the two get different terminal states.
type cancelHandle struct {
	cancel    context.CancelFunc
	requested atomic.Bool
}

// Engine owns the worker loops.
type Engine struct {
	cfg       Config
	store     job.Store
	queue     queue.Queue
	limiter   *concurrency.Limiter
	notifier  *notify.Notifier
	artifacts storage.Backend
	runner    transcribe.Runner
	log       *logrus.Logger

	mu      sync.Mutex
	cancels map[string]*cancelHandle

	metrics     Metrics
	cancelLoops context.CancelFunc
	cancelJobs  context.CancelFunc
	wg          sync.WaitGroup
}

func New(cfg Config, store job.Store, q queue.Queue, limiter *concurrency.Limiter,
	notifier *notify.Notifier, artifacts storage.Backend, runner transcribe.Runner,
	log *logrus.Logger) *Engine {
	if cfg.Concurrency < 1 {
		cfg.Concurrency = 1
	}
	if cfg.MaxAttempts < 1 {
		cfg.MaxAttempts = 1
	}
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = cfg.Timeout + time.Minute
	}
	return &Engine{
		cfg:       cfg,
		store:     store,
		queue:     q,
		limiter:   limiter,
		notifier:  notifier,
		artifacts: artifacts,
		runner:    runner,
		log:       log,
		cancels:   make(map[string]*cancelHandle),
	}
}

// Start launches the worker loops and returns immediately.
func (e *Engine) Start(ctx context.Context) {
	// Two lifetimes: loopCtx stops the dequeue loops the moment Stop is
	// called, jobsCtx keeps in-flight runs alive until the drain grace
	// expires.
	loopCtx, cancelLoops := context.WithCancel(ctx)
	jobsCtx, cancelJobs := context.WithCancel(ctx)
	e.cancelLoops = cancelLoops
	e.cancelJobs = cancelJobs

	for i := 0; i < e.cfg.Concurrency; i++ {
		e.wg.Add(1)
		go e.runLoop(loopCtx, jobsCtx)
	}
	e.log.WithField("concurrency", e.cfg.Concurrency).Info("worker engine started")
}

// Stop halts dequeueing and waits for in-flight jobs up to ctx's deadline.
// Runs still going when the grace expires are interrupted; they requeue
// themselves and are picked up after the next start.
func (e *Engine) Stop(ctx context.Context) error {
	if e.cancelLoops == nil {
		return nil
	}
	e.cancelLoops()

	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		e.cancelJobs()
		return nil
	case <-ctx.Done():
		e.cancelJobs()
		return ctx.Err()
	}
}

// Cancel aborts the running attempt for id and reports whether one was
// found. Queued and terminal jobs are not the engine's to cancel.
func (e *Engine) Cancel(id string) bool {
	e.mu.Lock()
	handle, ok := e.cancels[id]
	e.mu.Unlock()
	if !ok {
		return false
	}
	handle.requested.Store(true)
	handle.cancel()
	return true
}

// Metrics returns a snapshot of the outcome counters.
func (e *Engine) Metrics() map[string]int64 {
	return map[string]int64{
		"active_jobs":    e.metrics.Active.Load(),
		"completed_jobs": e.metrics.Completed.Load(),
		"failed_jobs":    e.metrics.Failed.Load(),
		"cancelled_jobs": e.metrics.Cancelled.Load(),
		"requeued_jobs":  e.metrics.Requeued.Load(),
	}
}

// runLoop is one worker: acquire a permit, pull a delivery, process it. The
// permit is taken before the dequeue so a full engine leaves deliveries on
// the broker instead of holding them unacked.
func (e *Engine) runLoop(loopCtx, jobsCtx context.Context) {
	defer e.wg.Done()
	for {
		permit, err := e.limiter.Acquire(loopCtx)
		if err != nil {
			return
		}

		d, err := e.queue.Dequeue(loopCtx)
		if err != nil {
			permit.Release()
			if loopCtx.Err() != nil || errors.Is(err, queue.ErrClosed) {
				return
			}
			e.log.WithError(err).Warn("dequeue failed")
			select {
			case <-loopCtx.Done():
				return
			case <-time.After(time.Second):
			}
			continue
		}

		e.process(jobsCtx, d)
		permit.Release()
	}
}

func (e *Engine) process(ctx context.Context, d queue.Delivery) {
	log := e.log.WithField("job_id", d.JobID)

	// The cancel handle is registered before the claim. Once Claim lands
	// the job is visibly processing, and a Cancel arriving at that exact
	// moment must already have something to fire.
	jobCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	handle := &cancelHandle{cancel: cancel}
	e.addCancel(d.JobID, handle)
	defer e.removeCancel(d.JobID, handle)

	j, err := e.store.Claim(ctx, d.JobID)
	if err != nil {
		log.WithError(err).Error("claim failed")
		e.nack(ctx, d, true)
		return
	}
	if j == nil {
		e.resolveClaimMiss(ctx, d, log)
		return
	}

	fctx := context.WithoutCancel(ctx)
	if j.Attempts > e.cfg.MaxAttempts {
		// A delivery loop (dead workers, repeated takeovers) burned the
		// budget without ever concluding.
		e.failJob(fctx, d, j, job.KindRetriesExhausted,
			fmt.Sprintf("attempt %d exceeds limit of %d", j.Attempts, e.cfg.MaxAttempts))
		return
	}

	e.notifier.Publish(j.ID, notify.StatusEvent(j))
	log.WithField("attempt", j.Attempts).Info("job started")

	e.metrics.Active.Add(1)
	ref, runErr := e.runJob(jobCtx, j)
	e.metrics.Active.Add(-1)

	e.conclude(fctx, d, j, handle, ref, runErr)
}

// runJob stages the input locally, supervises one transcription run and
// stores the produced transcript. It returns the artifact ref of the
// transcript on success.
func (e *Engine) runJob(ctx context.Context, j *job.Job) (string, error) {
	params, err := decodeParameters(j.Parameters)
	if err != nil {
		return "", &transcribe.ProcessError{Message: fmt.Sprintf("unusable parameters: %v", err), Err: err}
	}

	workDir, err := os.MkdirTemp(e.cfg.WorkDir, "job-"+j.ID+"-*")
	if err != nil {
		return "", fmt.Errorf("create work dir: %w", err)
	}
	defer os.RemoveAll(workDir)

	inputPath, err := e.stageInput(ctx, j, workDir)
	if err != nil {
		return "", err
	}

	runCtx, cancel := context.WithTimeout(ctx, e.cfg.Timeout)
	defer cancel()

	onProgress := func(pct int) {
		if err := e.store.SetProgress(ctx, j.ID, pct); err != nil {
			e.log.WithField("job_id", j.ID).WithError(err).Debug("record progress")
		}
		e.notifier.Publish(j.ID, notify.ProgressEvent(j.ID, pct))
	}

	outPath, err := e.runner.Run(runCtx, transcribe.Request{
		InputPath:  inputPath,
		OutputDir:  workDir,
		BaseName:   j.ID,
		Parameters: params,
	}, onProgress)
	if err != nil {
		return "", err
	}

	out, err := os.Open(outPath)
	if err != nil {
		return "", fmt.Errorf("open transcript: %w", err)
	}
	defer out.Close()

	ref, err := e.artifacts.Save(ctx, "transcripts/"+j.ID+".txt", out)
	if err != nil {
		return "", fmt.Errorf("save transcript: %w", err)
	}
	return ref, nil
}

// stageInput copies the job input out of artifact storage into the work
// directory; the transcriber only reads local files. A missing artifact is
// permanent, every other storage error is worth a retry.
func (e *Engine) stageInput(ctx context.Context, j *job.Job, workDir string) (string, error) {
	src, err := e.artifacts.Open(ctx, j.InputRef)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return "", &transcribe.ProcessError{
				Message: fmt.Sprintf("input artifact %s not found", j.InputRef),
				Err:     err,
			}
		}
		return "", fmt.Errorf("open input %s: %w", j.InputRef, err)
	}
	defer src.Close()

	path := filepath.Join(workDir, "input"+filepath.Ext(j.InputRef))
	dst, err := os.Create(path)
	if err != nil {
		return "", fmt.Errorf("stage input: %w", err)
	}
	if _, err := io.Copy(dst, src); err != nil {
		dst.Close()
		return "", fmt.Errorf("stage input: %w", err)
	}
	if err := dst.Close(); err != nil {
		return "", fmt.Errorf("stage input: %w", err)
	}
	return path, nil
}

// conclude maps the run outcome onto a terminal state or a retry. All
// writes here use a non-cancellable context: a finished job must be
// recorded even while the engine is shutting down.
func (e *Engine) conclude(fctx context.Context, d queue.Delivery, j *job.Job, handle *cancelHandle, ref string, runErr error) {
	log := e.log.WithField("job_id", j.ID)

	var perr *transcribe.ProcessError
	switch {
	case runErr == nil:
		if err := e.store.Complete(fctx, j.ID, ref); err != nil {
			log.WithError(err).Error("record completion")
		}
		j.Status = job.StatusCompleted
		j.OutputRef = ref
		j.Progress = 100
		e.notifier.Terminal(j.ID, notify.ResultEvent(j))
		e.ack(fctx, d)
		e.metrics.Completed.Add(1)
		log.Info("job completed")

	case errors.Is(runErr, context.DeadlineExceeded):
		e.failJob(fctx, d, j, job.KindTimeout, fmt.Sprintf("timed out after %s", e.cfg.Timeout))

	case errors.Is(runErr, context.Canceled):
		if !handle.requested.Load() {
			// Shutdown tore the run down; the job itself is fine.
			log.Info("run interrupted by shutdown, requeueing")
			e.requeueJob(fctx, d, j)
			return
		}
		if err := e.store.CancelProcessing(fctx, j.ID); err != nil {
			log.WithError(err).Error("record cancellation")
		}
		j.Status = job.StatusCancelled
		e.notifier.Terminal(j.ID, notify.ResultEvent(j))
		e.ack(fctx, d)
		e.metrics.Cancelled.Add(1)
		log.Info("job cancelled")

	case errors.As(runErr, &perr):
		msg := perr.Error()
		if perr.Stderr != "" {
			msg += "\n" + perr.Stderr
		}
		e.failJob(fctx, d, j, job.KindProcessFailure, msg)

	default:
		// Transient infrastructure trouble: storage hiccups, staging IO.
		if j.Attempts >= e.cfg.MaxAttempts {
			e.failJob(fctx, d, j, job.KindRetriesExhausted,
				fmt.Sprintf("%v (after %d attempts)", runErr, j.Attempts))
			return
		}
		log.WithError(runErr).WithField("attempt", j.Attempts).Warn("transient failure, requeueing")
		e.requeueJob(fctx, d, j)
	}
}

func (e *Engine) failJob(ctx context.Context, d queue.Delivery, j *job.Job, kind job.ErrorKind, msg string) {
	if err := e.store.Fail(ctx, j.ID, kind, msg); err != nil {
		e.log.WithField("job_id", j.ID).WithError(err).Error("record failure")
	}
	j.Status = job.StatusFailed
	j.Err = &job.Error{Kind: kind, Message: msg}
	e.notifier.Terminal(j.ID, notify.ResultEvent(j))
	e.ack(ctx, d)
	e.metrics.Failed.Add(1)
	e.log.WithFields(logrus.Fields{"job_id": j.ID, "kind": string(kind)}).Warn("job failed")
}

func (e *Engine) requeueJob(ctx context.Context, d queue.Delivery, j *job.Job) {
	if err := e.store.Requeue(ctx, j.ID); err != nil {
		e.log.WithField("job_id", j.ID).WithError(err).Error("requeue job")
	}
	j.Status = job.StatusQueued
	j.Progress = 0
	e.notifier.Publish(j.ID, notify.StatusEvent(j))
	e.nack(ctx, d, true)
	e.metrics.Requeued.Add(1)
}

// resolveClaimMiss handles a delivery whose job could not be claimed. Most
// of these are tombstones for cancelled or finished jobs; the interesting
// case is a broker redelivery for a worker that died mid-run.
func (e *Engine) resolveClaimMiss(ctx context.Context, d queue.Delivery, log *logrus.Entry) {
	j, err := e.store.Get(ctx, d.JobID)
	if err != nil {
		log.WithError(err).Warn("claim miss lookup failed")
		e.nack(ctx, d, true)
		return
	}

	switch {
	case j == nil || j.Status.IsTerminal():
		log.Debug("dropping delivery for finished job")
		e.ack(ctx, d)
	case j.Status == job.StatusProcessing && e.stale(j):
		// started_at is older than any live attempt can be, so the owner
		// is gone. Reset the record and send the delivery around again.
		log.WithField("attempt", j.Attempts).Warn("reclaiming job from dead worker")
		if err := e.store.Requeue(ctx, d.JobID); err != nil {
			log.WithError(err).Error("requeue stale job")
		}
		e.nack(ctx, d, true)
	case j.Status == job.StatusProcessing:
		// Live owner elsewhere: this is a duplicate delivery.
		log.Debug("dropping duplicate delivery")
		e.ack(ctx, d)
	default:
		// Queued again already, likely a concurrent requeue.
		e.nack(ctx, d, true)
	}
}

func (e *Engine) stale(j *job.Job) bool {
	return j.StartedAt != nil && time.Since(*j.StartedAt) > e.cfg.StaleAfter
}

func (e *Engine) ack(ctx context.Context, d queue.Delivery) {
	if err := e.queue.Ack(ctx, d); err != nil && !errors.Is(err, queue.ErrClosed) {
		e.log.WithField("job_id", d.JobID).WithError(err).Warn("ack failed")
	}
}

func (e *Engine) nack(ctx context.Context, d queue.Delivery, requeue bool) {
	if err := e.queue.Nack(ctx, d, requeue); err != nil && !errors.Is(err, queue.ErrClosed) {
		e.log.WithField("job_id", d.JobID).WithError(err).Warn("nack failed")
	}
}

// addCancel registers a handle unless another worker already holds the job;
// the claim CAS decides real ownership right after.
func (e *Engine) addCancel(id string, h *cancelHandle) {
	e.mu.Lock()
	if _, exists := e.cancels[id]; !exists {
		e.cancels[id] = h
	}
	e.mu.Unlock()
}

func (e *Engine) removeCancel(id string, h *cancelHandle) {
	e.mu.Lock()
	if e.cancels[id] == h {
		delete(e.cancels, id)
	}
	e.mu.Unlock()
}

func decodeParameters(raw json.RawMessage) (map[string]string, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var params map[string]string
	if err := json.Unmarshal(raw, &params); err != nil {
		return nil, err
	}
	return params, nil
}
