package job

import (
	"context"
	"testing"
	"time"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	store, err := NewSQLiteStore(":memory:")
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func makeJob(id, inputRef string) *Job {
	return &Job{
		ID:         id,
		InputRef:   inputRef,
		Parameters: []byte(`{"model":"base.en"}`),
		Status:     StatusQueued,
		CreatedAt:  time.Now().UTC(),
	}
}

func mustCreate(t *testing.T, store *SQLiteStore, j *Job) {
	t.Helper()
	if err := store.Create(context.Background(), j); err != nil {
		t.Fatalf("Create %s: %v", j.ID, err)
	}
}

func mustClaim(t *testing.T, store *SQLiteStore, id string) *Job {
	t.Helper()
	j, err := store.Claim(context.Background(), id)
	if err != nil {
		t.Fatalf("Claim %s: %v", id, err)
	}
	if j == nil {
		t.Fatalf("Claim %s returned nil, want job", id)
	}
	return j
}

func TestCreateAndGet(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	j := makeJob("job-1", "uploads/a.wav")
	mustCreate(t, store, j)

	got, err := store.Get(ctx, "job-1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got == nil {
		t.Fatal("Get returned nil, want job")
	}
	if got.ID != j.ID {
		t.Errorf("ID = %q, want %q", got.ID, j.ID)
	}
	if got.InputRef != j.InputRef {
		t.Errorf("InputRef = %q, want %q", got.InputRef, j.InputRef)
	}
	if string(got.Parameters) != string(j.Parameters) {
		t.Errorf("Parameters = %s, want %s", got.Parameters, j.Parameters)
	}
	if got.Status != StatusQueued {
		t.Errorf("Status = %q, want %q", got.Status, StatusQueued)
	}
	if got.Attempts != 0 {
		t.Errorf("Attempts = %d, want 0", got.Attempts)
	}
	if got.Err != nil {
		t.Errorf("Err = %v, want nil", got.Err)
	}
}

func TestGet_NotFound(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	got, err := store.Get(ctx, "nonexistent")
	if err != nil {
		t.Fatalf("Get: unexpected error: %v", err)
	}
	if got != nil {
		t.Errorf("Get returned %+v, want nil", got)
	}
}

func TestClaim(t *testing.T) {
	store := newTestStore(t)
	mustCreate(t, store, makeJob("job-2", "uploads/b.wav"))

	got := mustClaim(t, store, "job-2")
	if got.Status != StatusProcessing {
		t.Errorf("Status = %q, want %q", got.Status, StatusProcessing)
	}
	if got.Attempts != 1 {
		t.Errorf("Attempts = %d, want 1", got.Attempts)
	}
	if got.Progress != 0 {
		t.Errorf("Progress = %d, want 0", got.Progress)
	}
	if got.StartedAt == nil {
		t.Error("StartedAt is nil, want non-nil")
	}
}

func TestClaim_OnlyOnce(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	mustCreate(t, store, makeJob("job-3", "uploads/c.wav"))

	mustClaim(t, store, "job-3")

	// A second claim must observe the job is no longer queued.
	got, err := store.Claim(ctx, "job-3")
	if err != nil {
		t.Fatalf("second Claim: %v", err)
	}
	if got != nil {
		t.Errorf("second Claim returned %+v, want nil", got)
	}
}

func TestClaim_ResetsProgressPerAttempt(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	mustCreate(t, store, makeJob("job-4", "uploads/d.wav"))

	mustClaim(t, store, "job-4")
	if err := store.SetProgress(ctx, "job-4", 60); err != nil {
		t.Fatalf("SetProgress: %v", err)
	}
	if err := store.Requeue(ctx, "job-4"); err != nil {
		t.Fatalf("Requeue: %v", err)
	}

	got := mustClaim(t, store, "job-4")
	if got.Attempts != 2 {
		t.Errorf("Attempts = %d, want 2", got.Attempts)
	}
	if got.Progress != 0 {
		t.Errorf("Progress = %d after re-claim, want 0", got.Progress)
	}
}

func TestSetProgress_Monotonic(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	mustCreate(t, store, makeJob("job-5", "uploads/e.wav"))
	mustClaim(t, store, "job-5")

	steps := []struct {
		set  int
		want int
	}{
		{set: 10, want: 10},
		{set: 55, want: 55},
		{set: 30, want: 55}, // backwards write ignored
		{set: 90, want: 90},
		{set: 250, want: 100}, // clamped
	}
	for _, s := range steps {
		if err := store.SetProgress(ctx, "job-5", s.set); err != nil {
			t.Fatalf("SetProgress(%d): %v", s.set, err)
		}
		got, err := store.Get(ctx, "job-5")
		if err != nil {
			t.Fatalf("Get: %v", err)
		}
		if got.Progress != s.want {
			t.Errorf("Progress after SetProgress(%d) = %d, want %d", s.set, got.Progress, s.want)
		}
	}
}

func TestSetProgress_IgnoredWhenNotProcessing(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	mustCreate(t, store, makeJob("job-6", "uploads/f.wav"))

	if err := store.SetProgress(ctx, "job-6", 40); err != nil {
		t.Fatalf("SetProgress: %v", err)
	}
	got, err := store.Get(ctx, "job-6")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Progress != 0 {
		t.Errorf("Progress = %d for queued job, want 0", got.Progress)
	}
}

func TestComplete(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	mustCreate(t, store, makeJob("job-7", "uploads/g.wav"))
	mustClaim(t, store, "job-7")

	if err := store.Complete(ctx, "job-7", "transcripts/g.txt"); err != nil {
		t.Fatalf("Complete: %v", err)
	}

	got, err := store.Get(ctx, "job-7")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Status != StatusCompleted {
		t.Errorf("Status = %q, want %q", got.Status, StatusCompleted)
	}
	if got.OutputRef != "transcripts/g.txt" {
		t.Errorf("OutputRef = %q, want %q", got.OutputRef, "transcripts/g.txt")
	}
	if got.FinishedAt == nil {
		t.Error("FinishedAt is nil, want non-nil")
	}
}

func TestComplete_RequiresProcessing(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	mustCreate(t, store, makeJob("job-8", "uploads/h.wav"))

	if err := store.Complete(ctx, "job-8", "transcripts/h.txt"); err != nil {
		t.Fatalf("Complete: %v", err)
	}
	got, err := store.Get(ctx, "job-8")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Status != StatusQueued {
		t.Errorf("Status = %q after Complete on queued job, want %q", got.Status, StatusQueued)
	}
	if got.FinishedAt != nil {
		t.Error("FinishedAt set for queued job, want nil")
	}
}

func TestFail(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	mustCreate(t, store, makeJob("job-9", "uploads/i.wav"))
	mustClaim(t, store, "job-9")

	if err := store.Fail(ctx, "job-9", KindTimeout, "exceeded 2s"); err != nil {
		t.Fatalf("Fail: %v", err)
	}

	got, err := store.Get(ctx, "job-9")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Status != StatusFailed {
		t.Errorf("Status = %q, want %q", got.Status, StatusFailed)
	}
	if got.Err == nil {
		t.Fatal("Err is nil, want structured error")
	}
	if got.Err.Kind != KindTimeout {
		t.Errorf("Err.Kind = %q, want %q", got.Err.Kind, KindTimeout)
	}
	if got.Err.Message != "exceeded 2s" {
		t.Errorf("Err.Message = %q, want %q", got.Err.Message, "exceeded 2s")
	}
	if got.FinishedAt == nil {
		t.Error("FinishedAt is nil, want non-nil")
	}
}

func TestCancelQueued(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	mustCreate(t, store, makeJob("job-10", "uploads/j.wav"))

	ok, err := store.CancelQueued(ctx, "job-10")
	if err != nil {
		t.Fatalf("CancelQueued: %v", err)
	}
	if !ok {
		t.Fatal("CancelQueued = false, want true")
	}

	got, err := store.Get(ctx, "job-10")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Status != StatusCancelled {
		t.Errorf("Status = %q, want %q", got.Status, StatusCancelled)
	}
	if got.FinishedAt == nil {
		t.Error("FinishedAt is nil, want non-nil")
	}

	// The cancelled job can no longer be claimed.
	claimed, err := store.Claim(ctx, "job-10")
	if err != nil {
		t.Fatalf("Claim after cancel: %v", err)
	}
	if claimed != nil {
		t.Errorf("Claim after cancel returned %+v, want nil", claimed)
	}
}

func TestCancelQueued_FalseWhenProcessing(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	mustCreate(t, store, makeJob("job-11", "uploads/k.wav"))
	mustClaim(t, store, "job-11")

	ok, err := store.CancelQueued(ctx, "job-11")
	if err != nil {
		t.Fatalf("CancelQueued: %v", err)
	}
	if ok {
		t.Error("CancelQueued = true for processing job, want false")
	}
}

func TestCancelProcessing(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	mustCreate(t, store, makeJob("job-12", "uploads/l.wav"))
	mustClaim(t, store, "job-12")

	if err := store.CancelProcessing(ctx, "job-12"); err != nil {
		t.Fatalf("CancelProcessing: %v", err)
	}
	got, err := store.Get(ctx, "job-12")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Status != StatusCancelled {
		t.Errorf("Status = %q, want %q", got.Status, StatusCancelled)
	}
}

func TestTerminalStatesAreFinal(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	// Drive one job into each terminal state, then verify no transition
	// moves it anywhere else.
	setup := []struct {
		id   string
		want Status
		prep func(id string)
	}{
		{id: "done", want: StatusCompleted, prep: func(id string) {
			mustClaim(t, store, id)
			if err := store.Complete(ctx, id, "out.txt"); err != nil {
				t.Fatalf("Complete: %v", err)
			}
		}},
		{id: "broken", want: StatusFailed, prep: func(id string) {
			mustClaim(t, store, id)
			if err := store.Fail(ctx, id, KindProcessFailure, "exit 1"); err != nil {
				t.Fatalf("Fail: %v", err)
			}
		}},
		{id: "stopped", want: StatusCancelled, prep: func(id string) {
			if _, err := store.CancelQueued(ctx, id); err != nil {
				t.Fatalf("CancelQueued: %v", err)
			}
		}},
	}

	for _, s := range setup {
		mustCreate(t, store, makeJob(s.id, "uploads/x.wav"))
		s.prep(s.id)
	}

	for _, s := range setup {
		t.Run(string(s.want), func(t *testing.T) {
			if j, err := store.Claim(ctx, s.id); err != nil || j != nil {
				t.Errorf("Claim = (%v, %v), want (nil, nil)", j, err)
			}
			if err := store.Complete(ctx, s.id, "other.txt"); err != nil {
				t.Fatalf("Complete: %v", err)
			}
			if err := store.Fail(ctx, s.id, KindTimeout, "nope"); err != nil {
				t.Fatalf("Fail: %v", err)
			}
			if err := store.Requeue(ctx, s.id); err != nil {
				t.Fatalf("Requeue: %v", err)
			}
			if err := store.CancelProcessing(ctx, s.id); err != nil {
				t.Fatalf("CancelProcessing: %v", err)
			}

			got, err := store.Get(ctx, s.id)
			if err != nil {
				t.Fatalf("Get: %v", err)
			}
			if got.Status != s.want {
				t.Errorf("Status = %q after transition attempts, want %q", got.Status, s.want)
			}
		})
	}
}

func TestRequeue_KeepsAttempts(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	mustCreate(t, store, makeJob("job-13", "uploads/m.wav"))
	mustClaim(t, store, "job-13")

	if err := store.Requeue(ctx, "job-13"); err != nil {
		t.Fatalf("Requeue: %v", err)
	}
	got, err := store.Get(ctx, "job-13")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Status != StatusQueued {
		t.Errorf("Status = %q, want %q", got.Status, StatusQueued)
	}
	if got.Attempts != 1 {
		t.Errorf("Attempts = %d after requeue, want 1", got.Attempts)
	}
	if got.StartedAt != nil {
		t.Error("StartedAt should be nil after requeue")
	}
}

func TestDelete(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	mustCreate(t, store, makeJob("job-14", "uploads/n.wav"))

	if err := store.Delete(ctx, "job-14"); err != nil {
		t.Fatalf("Delete: %v", err)
	}

	got, err := store.Get(ctx, "job-14")
	if err != nil {
		t.Fatalf("Get after delete: %v", err)
	}
	if got != nil {
		t.Errorf("Get after delete returned %+v, want nil", got)
	}
}

func TestDelete_SkipsProcessing(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	mustCreate(t, store, makeJob("job-15", "uploads/o.wav"))
	mustClaim(t, store, "job-15")

	if err := store.Delete(ctx, "job-15"); err != nil {
		t.Fatalf("Delete: %v", err)
	}

	got, err := store.Get(ctx, "job-15")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got == nil {
		t.Fatal("processing job was deleted, want it kept")
	}
	if got.Status != StatusProcessing {
		t.Errorf("Status = %q, want %q", got.Status, StatusProcessing)
	}
}

func TestResetProcessing(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	mustCreate(t, store, makeJob("job-a", "uploads/p.wav"))
	mustCreate(t, store, makeJob("job-b", "uploads/q.wav"))
	mustClaim(t, store, "job-b")

	ids, err := store.ResetProcessing(ctx, 3)
	if err != nil {
		t.Fatalf("ResetProcessing: %v", err)
	}
	if len(ids) != 1 || ids[0] != "job-b" {
		t.Errorf("ResetProcessing returned %v, want [job-b]", ids)
	}

	// job-b must now be queued again, attempt count preserved.
	got, err := store.Get(ctx, "job-b")
	if err != nil {
		t.Fatalf("Get job-b: %v", err)
	}
	if got.Status != StatusQueued {
		t.Errorf("job-b Status = %q after reset, want %q", got.Status, StatusQueued)
	}
	if got.StartedAt != nil {
		t.Error("job-b StartedAt should be nil after reset")
	}
	if got.Attempts != 1 {
		t.Errorf("job-b Attempts = %d, want 1", got.Attempts)
	}

	// job-a must still be queued.
	got1, err := store.Get(ctx, "job-a")
	if err != nil {
		t.Fatalf("Get job-a: %v", err)
	}
	if got1.Status != StatusQueued {
		t.Errorf("job-a Status = %q, want %q", got1.Status, StatusQueued)
	}
}

func TestResetProcessing_FailsExhausted(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	mustCreate(t, store, makeJob("job-c", "uploads/r.wav"))

	// Burn through the attempt budget.
	for i := 0; i < 3; i++ {
		mustClaim(t, store, "job-c")
		if i < 2 {
			if err := store.Requeue(ctx, "job-c"); err != nil {
				t.Fatalf("Requeue: %v", err)
			}
		}
	}

	ids, err := store.ResetProcessing(ctx, 3)
	if err != nil {
		t.Fatalf("ResetProcessing: %v", err)
	}
	if len(ids) != 0 {
		t.Errorf("ResetProcessing returned %v, want no requeued ids", ids)
	}

	got, err := store.Get(ctx, "job-c")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Status != StatusFailed {
		t.Errorf("Status = %q, want %q", got.Status, StatusFailed)
	}
	if got.Err == nil || got.Err.Kind != KindRetriesExhausted {
		t.Errorf("Err = %v, want kind %q", got.Err, KindRetriesExhausted)
	}
}

func TestListExpired(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	// old-done: completed well in the past.
	mustCreate(t, store, makeJob("old-done", "uploads/s.wav"))
	mustClaim(t, store, "old-done")
	if err := store.Complete(ctx, "old-done", "out.txt"); err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if _, err := store.db.ExecContext(ctx,
		`UPDATE jobs SET finished_at = ? WHERE id = ?`,
		time.Now().UTC().Add(-48*time.Hour), "old-done"); err != nil {
		t.Fatalf("backdate finished_at: %v", err)
	}

	// fresh-done: completed just now.
	mustCreate(t, store, makeJob("fresh-done", "uploads/t.wav"))
	mustClaim(t, store, "fresh-done")
	if err := store.Complete(ctx, "fresh-done", "out.txt"); err != nil {
		t.Fatalf("Complete: %v", err)
	}

	// running: still processing.
	mustCreate(t, store, makeJob("running", "uploads/u.wav"))
	mustClaim(t, store, "running")

	expired, err := store.ListExpired(ctx, time.Now().UTC().Add(-24*time.Hour), 10)
	if err != nil {
		t.Fatalf("ListExpired: %v", err)
	}
	if len(expired) != 1 {
		t.Fatalf("ListExpired returned %d jobs, want 1", len(expired))
	}
	if expired[0].ID != "old-done" {
		t.Errorf("expired[0].ID = %q, want %q", expired[0].ID, "old-done")
	}
}

func TestList(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	for _, id := range []string{"l1", "l2", "l3"} {
		mustCreate(t, store, makeJob(id, "uploads/"+id+".wav"))
	}

	jobs, total, err := store.List(ctx, 2, 0)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if total != 3 {
		t.Errorf("total = %d, want 3", total)
	}
	if len(jobs) != 2 {
		t.Errorf("len(jobs) = %d, want 2", len(jobs))
	}
}

func TestListQueuedIDs(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	base := time.Now().UTC()
	for i, id := range []string{"q1", "q2", "q3"} {
		j := makeJob(id, "uploads/"+id+".wav")
		j.CreatedAt = base.Add(time.Duration(i) * time.Second)
		mustCreate(t, store, j)
	}
	mustClaim(t, store, "q2")

	ids, err := store.ListQueuedIDs(ctx)
	if err != nil {
		t.Fatalf("ListQueuedIDs: %v", err)
	}
	if len(ids) != 2 || ids[0] != "q1" || ids[1] != "q3" {
		t.Errorf("ids = %v, want [q1 q3]", ids)
	}
}
