package amazon

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"hopper/internal/database"
	"hopper/internal/jobs"
	"hopper/internal/model"
	"hopper/internal/objectstore"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeStore struct {
	objects map[string][]byte
}

func (f *fakeStore) Get(_ context.Context, key string) ([]byte, error) {
	raw, ok := f.objects[key]
	if !ok {
		return nil, objectstore.ErrNotFound
	}
	return raw, nil
}

func (f *fakeStore) ListByPrefix(_ context.Context, prefix string) ([]objectstore.ObjectInfo, error) {
	var infos []objectstore.ObjectInfo
	for key := range f.objects {
		if strings.HasPrefix(key, prefix) {
			infos = append(infos, objectstore.ObjectInfo{Key: key, Size: int64(len(f.objects[key]))})
		}
	}
	return infos, nil
}

func (f *fakeStore) Delete(_ context.Context, key string) error {
	delete(f.objects, key)
	return nil
}

func (f *fakeStore) DeleteByPrefix(_ context.Context, prefix string) (int, error) {
	deleted := 0
	for key := range f.objects {
		if strings.HasPrefix(key, prefix) {
			delete(f.objects, key)
			deleted++
		}
	}
	return deleted, nil
}

type fakeJobStore struct {
	jobs   map[string]*model.Job
	getErr error
}

func (f *fakeJobStore) CreateJob(_ context.Context, job *model.Job) error {
	f.jobs[job.ID] = job
	return nil
}

func (f *fakeJobStore) GetJob(_ context.Context, id string) (*model.Job, error) {
	if f.getErr != nil {
		return nil, f.getErr
	}
	job, ok := f.jobs[id]
	if !ok {
		return nil, database.ErrJobNotFound
	}
	copied := *job
	return &copied, nil
}

func (f *fakeJobStore) UpdateJob(_ context.Context, id string, patch database.JobPatch) error {
	job, ok := f.jobs[id]
	if !ok || job.Status == model.StatusCompleted {
		return database.ErrJobNotFound
	}
	if patch.Status != "" {
		job.Status = patch.Status
	}
	if patch.Progress != nil && *patch.Progress > job.Progress {
		job.Progress = *patch.Progress
	}
	return nil
}

func (f *fakeJobStore) DeleteJob(_ context.Context, id string) error {
	delete(f.jobs, id)
	return nil
}

func (f *fakeJobStore) ListStaleJobs(_ context.Context, _ time.Time) ([]model.Job, error) {
	return nil, nil
}

type fakeRecordStore struct {
	saved    []model.ExtractedRecord
	excluded []model.ExcludedRecord
}

func (f *fakeRecordStore) SaveRecords(_ context.Context, records []model.ExtractedRecord) error {
	f.saved = append(f.saved, records...)
	return nil
}

func (f *fakeRecordStore) SaveExcludedRecords(_ context.Context, _ string, excluded []model.ExcludedRecord) error {
	f.excluded = append(f.excluded, excluded...)
	return nil
}

type fakeDrive struct {
	created []string
}

func (f *fakeDrive) EnsurePath(_ context.Context, _ string, _ ...string) (string, error) {
	return "folder-1", nil
}

func (f *fakeDrive) CreateFile(_ context.Context, _, name, _ string, _ []byte) (string, error) {
	f.created = append(f.created, name)
	return "file-1", nil
}

func historyWorkMessage() model.WorkMessage {
	return model.WorkMessage{
		Bucket:    "staging",
		ObjectKey: "extracted/u1/j1/Retail.OrderHistory.1.csv",
		OwnerID:   "u1",
		JobID:     "j1",
		Kind:      model.KindAmazonHistory,
	}
}

func newTestWorker(store *fakeStore, jobStore *fakeJobStore, records *fakeRecordStore, dest *fakeDrive) *Worker {
	jobService := jobs.NewService(jobStore, nil, time.Minute)
	var opener DriveOpener
	if dest != nil {
		opener = func(context.Context, string) DriveDestination { return dest }
	}
	return NewWorker(NewEngine(DefaultOptions()), store, records, jobService, opener, "Exports")
}

func TestHandleExtractsAndFinalizes(t *testing.T) {
	store := &fakeStore{objects: map[string][]byte{
		"extracted/u1/j1/Retail.OrderHistory.1.csv":   []byte(orderHistory),
		"extracted/u1/j1/Retail.OrdersReturned.1.csv": []byte(returnsFile),
		"extracted/u1/j1/readme.txt":                  []byte("not a csv"),
	}}
	jobStore := &fakeJobStore{jobs: map[string]*model.Job{
		"j1": {ID: "j1", OwnerID: "u1", Status: model.StatusProcessing, FileName: "Retail.OrderHistory.1.csv", DebugMode: true},
	}}
	records := &fakeRecordStore{}

	w := newTestWorker(store, jobStore, records, nil)
	require.NoError(t, w.Handle(context.Background(), historyWorkMessage()))

	// Returned and triage-filtered rows are gone; the returns file did its job
	require.Len(t, records.saved, 2)
	for _, rec := range records.saved {
		assert.Equal(t, "j1", rec.JobID)
		assert.Equal(t, "u1", rec.OwnerID)
		assert.NotEqual(t, "Robot Vacuum", rec.ItemName)
	}
	assert.Len(t, records.excluded, 4)

	// The whole staged prefix is consumed, job record deleted
	assert.Empty(t, store.objects)
	_, err := jobStore.GetJob(context.Background(), "j1")
	assert.ErrorIs(t, err, database.ErrJobNotFound)
}

func TestHandleDebugOffSkipsExclusions(t *testing.T) {
	store := &fakeStore{objects: map[string][]byte{
		"extracted/u1/j1/Retail.OrderHistory.1.csv": []byte(orderHistory),
	}}
	jobStore := &fakeJobStore{jobs: map[string]*model.Job{
		"j1": {ID: "j1", OwnerID: "u1", Status: model.StatusProcessing, FileName: "Retail.OrderHistory.1.csv"},
	}}
	records := &fakeRecordStore{}

	w := newTestWorker(store, jobStore, records, nil)
	require.NoError(t, w.Handle(context.Background(), historyWorkMessage()))

	assert.Empty(t, records.excluded)
}

func TestHandleUploadsSidecarWhenTokenPresent(t *testing.T) {
	store := &fakeStore{objects: map[string][]byte{
		"extracted/u1/j1/Retail.OrderHistory.1.csv": []byte(orderHistory),
	}}
	jobStore := &fakeJobStore{jobs: map[string]*model.Job{
		"j1": {ID: "j1", OwnerID: "u1", Status: model.StatusProcessing, FileName: "Retail.OrderHistory.1.csv", AuthToken: "tok"},
	}}
	dest := &fakeDrive{}

	w := newTestWorker(store, jobStore, &fakeRecordStore{}, dest)
	require.NoError(t, w.Handle(context.Background(), historyWorkMessage()))

	require.Len(t, dest.created, 1)
	assert.True(t, strings.HasPrefix(dest.created[0], "order-history-"))
}

func TestHandleMissingJobIsNoOp(t *testing.T) {
	store := &fakeStore{objects: map[string][]byte{}}
	jobStore := &fakeJobStore{jobs: map[string]*model.Job{}}
	records := &fakeRecordStore{}

	w := newTestWorker(store, jobStore, records, nil)
	require.NoError(t, w.Handle(context.Background(), historyWorkMessage()))

	assert.Empty(t, records.saved)
}

func TestHandleMissingSourceIsNoOp(t *testing.T) {
	store := &fakeStore{objects: map[string][]byte{}}
	jobStore := &fakeJobStore{jobs: map[string]*model.Job{
		"j1": {ID: "j1", OwnerID: "u1", Status: model.StatusProcessing},
	}}
	records := &fakeRecordStore{}

	w := newTestWorker(store, jobStore, records, nil)
	require.NoError(t, w.Handle(context.Background(), historyWorkMessage()))

	// Another worker already consumed the file; the job is not failed
	job, err := jobStore.GetJob(context.Background(), "j1")
	require.NoError(t, err)
	assert.NotEqual(t, model.StatusFailed, job.Status)
	assert.Empty(t, records.saved)
}

func TestHandleUnreachableJobStoreIsTransient(t *testing.T) {
	store := &fakeStore{objects: map[string][]byte{}}
	jobStore := &fakeJobStore{jobs: map[string]*model.Job{}, getErr: errors.New("connection reset")}

	w := newTestWorker(store, jobStore, &fakeRecordStore{}, nil)
	err := w.Handle(context.Background(), historyWorkMessage())

	// Nothing reached the job record, so the delivery must be requeued
	require.Error(t, err)
	assert.True(t, jobs.IsTransient(err))
}

func TestHandleCompletedJobIsNoOp(t *testing.T) {
	store := &fakeStore{objects: map[string][]byte{
		"extracted/u1/j1/Retail.OrderHistory.1.csv": []byte(orderHistory),
	}}
	jobStore := &fakeJobStore{jobs: map[string]*model.Job{
		"j1": {ID: "j1", OwnerID: "u1", Status: model.StatusCompleted},
	}}
	records := &fakeRecordStore{}

	w := newTestWorker(store, jobStore, records, nil)
	require.NoError(t, w.Handle(context.Background(), historyWorkMessage()))

	assert.Empty(t, records.saved)
	assert.Contains(t, store.objects, "extracted/u1/j1/Retail.OrderHistory.1.csv")
}
