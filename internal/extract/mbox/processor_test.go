package mbox

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
	puts    int
}

func newFakeStore() *fakeStore {
	return &fakeStore{objects: map[string][]byte{}}
}

func (f *fakeStore) Get(_ context.Context, key string) ([]byte, error) {
	raw, ok := f.objects[key]
	if !ok {
		return nil, objectstore.ErrNotFound
	}
	return raw, nil
}

func (f *fakeStore) Put(_ context.Context, key string, body []byte, _ string) error {
	f.objects[key] = body
	f.puts++
	return nil
}

func (f *fakeStore) Exists(_ context.Context, key string) (bool, error) {
	_, ok := f.objects[key]
	return ok, nil
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
	jobs map[string]*model.Job
}

func newFakeJobStore(seed ...*model.Job) *fakeJobStore {
	f := &fakeJobStore{jobs: map[string]*model.Job{}}
	for _, j := range seed {
		f.jobs[j.ID] = j
	}
	return f
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
	if patch.Stage != "" {
		job.Stage = patch.Stage
	}
	if patch.Progress != nil && *patch.Progress > job.Progress {
		job.Progress = *patch.Progress
	}
	if patch.LogMessage != "" {
		job.Logs = append(job.Logs, model.LogEntry{Timestamp: time.Now(), Message: patch.LogMessage})
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

type fakeSummarizer struct {
	calls    int
	response string
	err      error
}

func (f *fakeSummarizer) Summarize(_ context.Context, _ string) (string, error) {
	f.calls++
	if f.err != nil {
		return "", f.err
	}
	return f.response, nil
}

const sampleMbox = `From alice@example.com Thu Jan  1 10:00:00 2026
Message-ID: <m1@example.com>
Subject: Your order
Content-Type: text/plain

Thanks for your purchase of a Blender for $49.99.

From bob@example.com Thu Jan  1 11:00:00 2026
Message-ID: <m2@example.com>
Subject: Receipt
Content-Type: text/plain

Total $42.
`

const summarizerJSON = `{
  "items": [{"name": "Blender", "price": 49.99, "currency": "USD", "quantity": 1}],
  "transaction": {"merchant": "Kitchen Store", "date": "2026-01-01", "orderNumber": "A-1"},
  "confidence": "High"
}`

func workMessage() model.WorkMessage {
	return model.WorkMessage{
		Bucket:    "staging",
		ObjectKey: "uploads/u1/j1/takeout.mbox",
		OwnerID:   "u1",
		JobID:     "j1",
		Kind:      model.KindMbox,
	}
}

func processingJob() *model.Job {
	return &model.Job{
		ID:        "j1",
		OwnerID:   "u1",
		Status:    model.StatusProcessing,
		FileName:  "takeout.mbox",
		ObjectKey: "uploads/u1/j1/takeout.mbox",
	}
}

func newTestProcessor(store *fakeStore, jobStore *fakeJobStore, records *fakeRecordStore, summarizer *fakeSummarizer) *Processor {
	jobService := jobs.NewService(jobStore, nil, time.Minute)
	return NewProcessor(store, records, jobService, summarizer, nil, "Exports", 50)
}

func TestHandleProcessesMailbox(t *testing.T) {
	store := newFakeStore()
	store.objects["uploads/u1/j1/takeout.mbox"] = []byte(sampleMbox)
	jobStore := newFakeJobStore(processingJob())
	records := &fakeRecordStore{}
	summarizer := &fakeSummarizer{response: summarizerJSON}

	p := newTestProcessor(store, jobStore, records, summarizer)
	require.NoError(t, p.Handle(context.Background(), workMessage()))

	// Artifact trio per message plus the run journal
	assert.Contains(t, store.objects, "artifacts/u1/j1/m1_example.com.eml")
	assert.Contains(t, store.objects, "artifacts/u1/j1/m1_example.com.html")
	assert.Contains(t, store.objects, "artifacts/u1/j1/m1_example.com.json")
	assert.Contains(t, store.objects, "artifacts/u1/j1/m2_example.com.json")
	assert.Contains(t, store.objects, "artifacts/u1/j1/processing_log.json")

	// Records carry the transaction and source identity
	require.Len(t, records.saved, 2)
	rec := records.saved[0]
	assert.Equal(t, "j1", rec.JobID)
	assert.Equal(t, "u1", rec.OwnerID)
	assert.Equal(t, "Blender", rec.ItemName)
	assert.Equal(t, "Kitchen Store", rec.Merchant)
	assert.Equal(t, "llm_v1", rec.Source.Method)
	assert.Equal(t, "m1_example.com", rec.Source.MessageID)

	// Source consumed, job finalized and removed
	assert.NotContains(t, store.objects, "uploads/u1/j1/takeout.mbox")
	_, err := jobStore.GetJob(context.Background(), "j1")
	assert.ErrorIs(t, err, database.ErrJobNotFound)

	assert.Equal(t, 2, summarizer.calls)
}

func TestHandleWrapsHTMLFragmentArtifact(t *testing.T) {
	fragmentMbox := strings.Join([]string{
		"From carol@example.com Thu Jan  1 12:00:00 2026",
		"Message-ID: <m3@example.com>",
		"Subject: Invoice",
		"Content-Type: text/html",
		"",
		"<p>Total $10</p>",
		"",
	}, "\n")

	store := newFakeStore()
	store.objects["uploads/u1/j1/takeout.mbox"] = []byte(fragmentMbox)
	jobStore := newFakeJobStore(processingJob())
	summarizer := &fakeSummarizer{response: summarizerJSON}

	p := newTestProcessor(store, jobStore, &fakeRecordStore{}, summarizer)
	require.NoError(t, p.Handle(context.Background(), workMessage()))

	doc := string(store.objects["artifacts/u1/j1/m3_example.com.html"])
	assert.Contains(t, doc, "<html>")
	assert.Contains(t, doc, "<p>Total $10</p>")
	assert.NotContains(t, doc, "&lt;p&gt;")
}

func TestHandleSkipsAlreadyProcessedMessages(t *testing.T) {
	store := newFakeStore()
	store.objects["uploads/u1/j1/takeout.mbox"] = []byte(sampleMbox)
	// Done marker from a previous attempt
	store.objects["artifacts/u1/j1/m1_example.com.json"] = []byte("{}")
	jobStore := newFakeJobStore(processingJob())
	records := &fakeRecordStore{}
	summarizer := &fakeSummarizer{response: summarizerJSON}

	p := newTestProcessor(store, jobStore, records, summarizer)
	require.NoError(t, p.Handle(context.Background(), workMessage()))

	// Only the second message was summarized and persisted
	assert.Equal(t, 1, summarizer.calls)
	assert.Len(t, records.saved, 1)
	assert.Equal(t, "m2_example.com", records.saved[0].Source.MessageID)

	// The skipped message got no fresh raw artifact
	assert.NotContains(t, store.objects, "artifacts/u1/j1/m1_example.com.eml")
}

func TestHandleCompletedJobIsNoOp(t *testing.T) {
	store := newFakeStore()
	store.objects["uploads/u1/j1/takeout.mbox"] = []byte(sampleMbox)
	job := processingJob()
	job.Status = model.StatusCompleted
	jobStore := newFakeJobStore(job)
	records := &fakeRecordStore{}
	summarizer := &fakeSummarizer{response: summarizerJSON}

	p := newTestProcessor(store, jobStore, records, summarizer)
	require.NoError(t, p.Handle(context.Background(), workMessage()))

	assert.Zero(t, summarizer.calls)
	assert.Zero(t, store.puts)
	assert.Empty(t, records.saved)
	assert.Contains(t, store.objects, "uploads/u1/j1/takeout.mbox")
}

func TestHandleMissingJobIsNoOp(t *testing.T) {
	store := newFakeStore()
	store.objects["uploads/u1/j1/takeout.mbox"] = []byte(sampleMbox)
	jobStore := newFakeJobStore()
	summarizer := &fakeSummarizer{response: summarizerJSON}

	p := newTestProcessor(store, jobStore, &fakeRecordStore{}, summarizer)
	require.NoError(t, p.Handle(context.Background(), workMessage()))

	assert.Zero(t, summarizer.calls)
	assert.Zero(t, store.puts)
}

func TestHandleMissingSourceIsNoOp(t *testing.T) {
	store := newFakeStore()
	jobStore := newFakeJobStore(processingJob())
	summarizer := &fakeSummarizer{response: summarizerJSON}

	p := newTestProcessor(store, jobStore, &fakeRecordStore{}, summarizer)
	require.NoError(t, p.Handle(context.Background(), workMessage()))

	// The job is not failed: another delivery already consumed the source
	job, err := jobStore.GetJob(context.Background(), "j1")
	require.NoError(t, err)
	assert.NotEqual(t, model.StatusFailed, job.Status)
	assert.Zero(t, summarizer.calls)
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

func TestHandleArchivesToDestination(t *testing.T) {
	store := newFakeStore()
	store.objects["uploads/u1/j1/takeout.mbox"] = []byte(sampleMbox)
	job := processingJob()
	job.AuthToken = "tok"
	jobStore := newFakeJobStore(job)
	records := &fakeRecordStore{}
	summarizer := &fakeSummarizer{response: summarizerJSON}
	dest := &fakeDrive{}

	jobService := jobs.NewService(jobStore, nil, time.Minute)
	opener := func(context.Context, string) DriveDestination { return dest }
	p := NewProcessor(store, records, jobService, summarizer, opener, "Exports", 50)

	require.NoError(t, p.Handle(context.Background(), workMessage()))

	// Artifact trio per message plus the final journal landed remotely
	assert.Contains(t, dest.created, "m1_example.com.eml")
	assert.Contains(t, dest.created, "m1_example.com.html")
	assert.Contains(t, dest.created, "m1_example.com.json")
	assert.Contains(t, dest.created, "m2_example.com.json")
	assert.Contains(t, dest.created, "processing_log.json")

	// Zero retention: nothing staged survives
	assert.Empty(t, store.objects)
}

func TestHandleSummarizerFailureDegrades(t *testing.T) {
	store := newFakeStore()
	store.objects["uploads/u1/j1/takeout.mbox"] = []byte(sampleMbox)
	jobStore := newFakeJobStore(processingJob())
	records := &fakeRecordStore{}
	summarizer := &fakeSummarizer{err: errors.New("model unavailable")}

	p := newTestProcessor(store, jobStore, records, summarizer)
	require.NoError(t, p.Handle(context.Background(), workMessage()))

	// No records, but the artifacts and done markers still land so a later
	// run with a healthy model is a clean retry decision, not a crash.
	assert.Empty(t, records.saved)
	assert.Contains(t, store.objects, "artifacts/u1/j1/m1_example.com.json")
	assert.Contains(t, store.objects, "artifacts/u1/j1/m2_example.com.json")
}
