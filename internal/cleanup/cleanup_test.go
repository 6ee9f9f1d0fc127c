package cleanup

import (
	"context"
	"strings"
	"testing"
	"time"

	"hopper/internal/database"
	"hopper/internal/model"
	"hopper/internal/objectstore"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeStore struct {
	objects map[string]time.Time
	deleted []string
}

func (f *fakeStore) ListByPrefix(_ context.Context, prefix string) ([]objectstore.ObjectInfo, error) {
	var infos []objectstore.ObjectInfo
	for key, modified := range f.objects {
		if strings.HasPrefix(key, prefix) {
			infos = append(infos, objectstore.ObjectInfo{Key: key, LastModified: modified})
		}
	}
	return infos, nil
}

func (f *fakeStore) Delete(_ context.Context, key string) error {
	delete(f.objects, key)
	f.deleted = append(f.deleted, key)
	return nil
}

type fakeJobStore struct {
	jobs map[string]*model.Job
}

func (f *fakeJobStore) CreateJob(_ context.Context, job *model.Job) error {
	f.jobs[job.ID] = job
	return nil
}

func (f *fakeJobStore) GetJob(_ context.Context, id string) (*model.Job, error) {
	job, ok := f.jobs[id]
	if !ok {
		return nil, database.ErrJobNotFound
	}
	return job, nil
}

func (f *fakeJobStore) UpdateJob(_ context.Context, id string, patch database.JobPatch) error {
	job, ok := f.jobs[id]
	if !ok || job.Status == model.StatusCompleted {
		return database.ErrJobNotFound
	}
	if patch.Status != "" {
		job.Status = patch.Status
	}
	return nil
}

func (f *fakeJobStore) DeleteJob(_ context.Context, id string) error {
	delete(f.jobs, id)
	return nil
}

func (f *fakeJobStore) ListStaleJobs(_ context.Context, cutoff time.Time) ([]model.Job, error) {
	var stale []model.Job
	for _, job := range f.jobs {
		if job.UpdatedAt.Before(cutoff) {
			stale = append(stale, *job)
		}
	}
	return stale, nil
}

func TestSweepRemovesOnlyExpiredObjects(t *testing.T) {
	now := time.Now().UTC()
	store := &fakeStore{objects: map[string]time.Time{
		"uploads/u1/j1/old.mbox":        now.Add(-48 * time.Hour),
		"uploads/u1/j2/fresh.mbox":      now.Add(-time.Hour),
		"extracted/u1/j1/old.csv":       now.Add(-30 * time.Hour),
		"artifacts/u1/j1/old.json":      now.Add(-25 * time.Hour),
		"artifacts/u1/j2/fresh.json":    now.Add(-time.Minute),
		"unrelated/not-swept-ever.data": now.Add(-300 * time.Hour),
	}}
	jobStore := &fakeJobStore{jobs: map[string]*model.Job{}}

	sweeper := NewSweeper(store, jobStore, 24*time.Hour)
	stats, err := sweeper.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 3, stats.ObjectsDeleted)
	assert.Contains(t, store.objects, "uploads/u1/j2/fresh.mbox")
	assert.Contains(t, store.objects, "artifacts/u1/j2/fresh.json")
	// Prefixes outside the pipeline are never touched
	assert.Contains(t, store.objects, "unrelated/not-swept-ever.data")
}

func TestSweepDeletesStaleJobs(t *testing.T) {
	now := time.Now().UTC()
	jobStore := &fakeJobStore{jobs: map[string]*model.Job{
		"stale": {ID: "stale", Status: model.StatusProcessing, UpdatedAt: now.Add(-48 * time.Hour)},
		"fresh": {ID: "fresh", Status: model.StatusProcessing, UpdatedAt: now.Add(-time.Hour)},
		"dead":  {ID: "dead", Status: model.StatusFailed, UpdatedAt: now.Add(-72 * time.Hour)},
	}}
	store := &fakeStore{objects: map[string]time.Time{}}

	sweeper := NewSweeper(store, jobStore, 24*time.Hour)
	stats, err := sweeper.Run(context.Background())
	require.NoError(t, err)

	// Outside the window everything goes, failed or not; inside it stays
	assert.Equal(t, 2, stats.JobsDeleted)
	assert.NotContains(t, jobStore.jobs, "stale")
	assert.NotContains(t, jobStore.jobs, "dead")
	assert.Contains(t, jobStore.jobs, "fresh")
}

func TestSweepDefaultRetention(t *testing.T) {
	sweeper := NewSweeper(&fakeStore{objects: map[string]time.Time{}}, &fakeJobStore{jobs: map[string]*model.Job{}}, 0)
	assert.Equal(t, 24*time.Hour, sweeper.retention)
}
