package job

import (
	"context"
	"time"
)

// Store persists and retrieves jobs. State transitions are conditional
// writes keyed on the current status, so a transition that lost a race is a
// silent no-op rather than an overwrite; the store is the single arbiter of
// job ownership.
type Store interface {
	Create(ctx context.Context, j *Job) error
	Get(ctx context.Context, id string) (*Job, error)
	// Claim moves a queued job to processing, increments its attempt count,
	// resets progress and sets started_at. Returns the claimed snapshot, or
	// nil when the job is gone or no longer queued (cancelled, or already
	// owned by another worker).
	Claim(ctx context.Context, id string) (*Job, error)
	// SetProgress records pct for a processing job. Updates that would move
	// progress backwards are ignored.
	SetProgress(ctx context.Context, id string, pct int) error
	Complete(ctx context.Context, id, outputRef string) error
	Fail(ctx context.Context, id string, kind ErrorKind, msg string) error
	// CancelQueued moves a queued job to cancelled before any worker touches
	// it. Returns false when the job was not in the queued state.
	CancelQueued(ctx context.Context, id string) (bool, error)
	CancelProcessing(ctx context.Context, id string) error
	// Requeue moves a processing job back to queued after a transient
	// dispatch failure, keeping its attempt count.
	Requeue(ctx context.Context, id string) error
	// ResetProcessing recovers jobs that were interrupted by a crash: jobs
	// with attempts left go back to "queued" (their IDs are returned for
	// re-enqueueing), jobs at the attempt limit are failed in place.
	ResetProcessing(ctx context.Context, maxAttempts int) ([]string, error)
	// List returns a page of jobs ordered by created_at DESC, plus the total count.
	List(ctx context.Context, limit, offset int) ([]*Job, int, error)
	// ListQueuedIDs returns the IDs of all queued jobs, oldest first. Used to
	// refill a non-durable queue after a restart.
	ListQueuedIDs(ctx context.Context) ([]string, error)
	// ListExpired returns terminal jobs whose finished_at is older than cutoff.
	ListExpired(ctx context.Context, cutoff time.Time, limit int) ([]*Job, error)
	// Delete removes a job record. A job in the processing state is never
	// deleted; the call is a no-op for it.
	Delete(ctx context.Context, id string) error
}
