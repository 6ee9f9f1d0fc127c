package cleanup

import (
	"context"
	"time"

	"hopper/internal/database"
	"hopper/internal/objectstore"

	"github.com/rs/zerolog/log"
)

// ObjectStore is the slice of the staging store the sweeper needs
type ObjectStore interface {
	ListByPrefix(ctx context.Context, prefix string) ([]objectstore.ObjectInfo, error)
	Delete(ctx context.Context, key string) error
}

// Stats summarizes one sweep run
type Stats struct {
	ObjectsDeleted int
	JobsDeleted    int
}

// Sweeper enforces the staging retention window: any object older than the
// cutoff is debris from a crashed or abandoned run and is removed, and the
// stale job records behind them are marked failed.
type Sweeper struct {
	store     ObjectStore
	jobs      database.JobStore
	retention time.Duration
}

// Prefixes swept, in pipeline order
var sweptPrefixes = []string{"uploads/", "extracted/", "artifacts/"}

func NewSweeper(store ObjectStore, jobStore database.JobStore, retention time.Duration) *Sweeper {
	if retention <= 0 {
		retention = 24 * time.Hour
	}
	return &Sweeper{
		store:     store,
		jobs:      jobStore,
		retention: retention,
	}
}

// Run executes one sweep
func (s *Sweeper) Run(ctx context.Context) (*Stats, error) {
	cutoff := time.Now().UTC().Add(-s.retention)
	stats := &Stats{}

	for _, prefix := range sweptPrefixes {
		objects, err := s.store.ListByPrefix(ctx, prefix)
		if err != nil {
			return stats, err
		}

		for _, obj := range objects {
			if !obj.LastModified.Before(cutoff) {
				continue
			}
			if err := s.store.Delete(ctx, obj.Key); err != nil {
				log.Warn().Err(err).Str("key", obj.Key).Msg("Failed to delete expired object")
				continue
			}
			stats.ObjectsDeleted++
		}
	}

	if err := s.deleteStaleJobs(ctx, cutoff, stats); err != nil {
		return stats, err
	}

	log.Info().
		Int("objects", stats.ObjectsDeleted).
		Int("jobs", stats.JobsDeleted).
		Time("cutoff", cutoff).
		Msg("Retention sweep finished")

	return stats, nil
}

// deleteStaleJobs removes abandoned job records. A failed job keeps its
// record for inspection until the retention window passes; after that it is
// debris like everything else.
func (s *Sweeper) deleteStaleJobs(ctx context.Context, cutoff time.Time, stats *Stats) error {
	stale, err := s.jobs.ListStaleJobs(ctx, cutoff)
	if err != nil {
		return err
	}

	for _, job := range stale {
		if err := s.jobs.DeleteJob(ctx, job.ID); err != nil {
			log.Warn().Err(err).Str("jobID", job.ID).Msg("Failed to delete stale job")
			continue
		}
		log.Debug().Str("jobID", job.ID).Str("status", string(job.Status)).Msg("Deleted stale job record")
		stats.JobsDeleted++
	}

	return nil
}
