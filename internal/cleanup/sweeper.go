// Package cleanup removes expired jobs and their artifacts. A job expires
// once it is terminal and its finished_at is older than the retention
// window; processing jobs are never touched regardless of age.
package cleanup

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/whisperq/whisperq/internal/config"
	"github.com/whisperq/whisperq/internal/job"
	"github.com/whisperq/whisperq/internal/storage"
)

const sweepBatch = 100

// Sweeper periodically deletes expired job records together with their
// input and output artifacts.
type Sweeper struct {
	store     job.Store
	artifacts storage.Backend
	retention time.Duration
	interval  time.Duration
	log       *logrus.Logger

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func New(cfg *config.Cleanup, store job.Store, artifacts storage.Backend, log *logrus.Logger) *Sweeper {
	return &Sweeper{
		store:     store,
		artifacts: artifacts,
		retention: cfg.Retention,
		interval:  cfg.Interval,
		log:       log,
	}
}

// Start runs a sweep immediately, then keeps sweeping every interval until
// Stop is called or ctx ends.
func (s *Sweeper) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	s.wg.Add(1)
	go s.run(ctx)
}

func (s *Sweeper) Stop() {
	if s.cancel == nil {
		return
	}
	s.cancel()
	s.wg.Wait()
}

func (s *Sweeper) run(ctx context.Context) {
	defer s.wg.Done()

	s.sweepAndLog(ctx)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.sweepAndLog(ctx)
		}
	}
}

func (s *Sweeper) sweepAndLog(ctx context.Context) {
	removed, err := s.Sweep(ctx)
	if err != nil {
		s.log.WithError(err).Error("cleanup sweep failed")
	}
	if removed > 0 {
		s.log.WithField("removed", removed).Info("cleanup removed expired jobs")
	}
}

// Sweep runs one pass and returns how many jobs it removed. A job whose
// artifacts cannot be deleted is skipped and retried on a later pass; the
// record is only dropped once its artifacts are gone.
func (s *Sweeper) Sweep(ctx context.Context) (int, error) {
	cutoff := time.Now().UTC().Add(-s.retention)
	removed := 0

	for {
		jobs, err := s.store.ListExpired(ctx, cutoff, sweepBatch)
		if err != nil {
			return removed, fmt.Errorf("list expired jobs: %w", err)
		}
		if len(jobs) == 0 {
			return removed, nil
		}

		progressed := false
		for _, j := range jobs {
			if err := s.purge(ctx, j); err != nil {
				s.log.WithField("job_id", j.ID).WithError(err).Warn("cleanup: purge failed, will retry")
				continue
			}
			progressed = true
			removed++
		}
		// Every job in the batch failed to purge: bail out instead of
		// re-listing the same stuck set forever.
		if !progressed || len(jobs) < sweepBatch {
			return removed, nil
		}
	}
}

func (s *Sweeper) purge(ctx context.Context, j *job.Job) error {
	if j.InputRef != "" {
		if err := s.artifacts.Delete(ctx, j.InputRef); err != nil {
			return fmt.Errorf("delete input artifact: %w", err)
		}
	}
	if j.OutputRef != "" {
		if err := s.artifacts.Delete(ctx, j.OutputRef); err != nil {
			return fmt.Errorf("delete output artifact: %w", err)
		}
	}
	if err := s.store.Delete(ctx, j.ID); err != nil {
		return fmt.Errorf("delete record: %w", err)
	}
	return nil
}
