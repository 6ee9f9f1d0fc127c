package amazon

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"hopper/internal/database"
	"hopper/internal/jobs"
	"hopper/internal/model"
	"hopper/internal/objectstore"

	"github.com/rs/zerolog/log"
)

// ObjectStore is the slice of the staging store the worker needs
type ObjectStore interface {
	Get(ctx context.Context, key string) ([]byte, error)
	ListByPrefix(ctx context.Context, prefix string) ([]objectstore.ObjectInfo, error)
	Delete(ctx context.Context, key string) error
	DeleteByPrefix(ctx context.Context, prefix string) (int, error)
}

// DriveOpener builds a destination client from a job's delegated token.
// Injected so tests can observe sidecar uploads without hitting the API.
type DriveOpener func(ctx context.Context, token string) DriveDestination

// DriveDestination is the slice of the destination the worker uses for the
// optional results sidecar.
type DriveDestination interface {
	EnsurePath(ctx context.Context, parentID string, segments ...string) (string, error)
	CreateFile(ctx context.Context, parentID, name, mimeType string, content []byte) (string, error)
}

// Worker consumes amazon_history work messages: it pulls the order-history
// file plus its CSV siblings, runs the triage heuristics and persists the
// surviving records. Source files are deleted on success; the staging
// bucket holds nothing once a job finishes.
type Worker struct {
	engine     *Engine
	store      ObjectStore
	records    database.RecordStore
	jobs       *jobs.Service
	openDrive  DriveOpener
	rootFolder string
}

func NewWorker(engine *Engine, store ObjectStore, records database.RecordStore, jobService *jobs.Service, openDrive DriveOpener, rootFolder string) *Worker {
	return &Worker{
		engine:     engine,
		store:      store,
		records:    records,
		jobs:       jobService,
		openDrive:  openDrive,
		rootFolder: rootFolder,
	}
}

// Kind reports which work queue this worker serves
func (w *Worker) Kind() model.Kind {
	return model.KindAmazonHistory
}

// Handle processes one work message end to end. Failures that never reached
// the job record come back wrapped as transient so the consumer requeues the
// delivery instead of losing the work.
func (w *Worker) Handle(ctx context.Context, msg model.WorkMessage) error {
	job, err := w.jobs.Get(ctx, msg.JobID)
	if err != nil {
		if errors.Is(err, database.ErrJobNotFound) {
			log.Info().Str("jobID", msg.JobID).Msg("Job already finalized, dropping redelivery")
			return nil
		}
		return jobs.Transient(fmt.Errorf("load job %s: %w", msg.JobID, err))
	}
	if job.Status == model.StatusCompleted {
		return nil
	}

	if err := w.jobs.UpdateProgress(ctx, msg.JobID, 10, "downloading", "Downloading order history"); err != nil {
		return jobs.Transient(err)
	}

	workDir, err := os.MkdirTemp("", "amazon-*")
	if err != nil {
		return jobs.Transient(fmt.Errorf("create work dir: %w", err))
	}
	defer os.RemoveAll(workDir)

	target, siblings, err := w.download(ctx, msg, workDir)
	if err != nil {
		if errors.Is(err, objectstore.ErrNotFound) {
			log.Info().Str("key", msg.ObjectKey).Msg("Source already consumed, dropping redelivery")
			return nil
		}
		w.fail(ctx, msg.JobID, "Download failed: "+err.Error())
		return err
	}

	if err := w.jobs.UpdateProgress(ctx, msg.JobID, 40, "extracting", "Running order triage"); err != nil {
		return jobs.Transient(err)
	}

	result, err := w.engine.ProcessFile(target, siblings, job.DebugMode)
	if err != nil {
		w.fail(ctx, msg.JobID, "Extraction failed: "+err.Error())
		return err
	}

	for i := range result.Kept {
		result.Kept[i].JobID = msg.JobID
		result.Kept[i].OwnerID = msg.OwnerID
	}

	if err := w.records.SaveRecords(ctx, result.Kept); err != nil {
		w.fail(ctx, msg.JobID, "Persisting records failed: "+err.Error())
		return err
	}
	if job.DebugMode {
		if err := w.records.SaveExcludedRecords(ctx, msg.JobID, result.Excluded); err != nil {
			log.Warn().Err(err).Str("jobID", msg.JobID).Msg("Failed to persist exclusion diagnostics")
		}
	}

	if err := w.jobs.UpdateProgress(ctx, msg.JobID, 80, "uploading", "Publishing results"); err != nil {
		return jobs.Transient(err)
	}

	if job.AuthToken != "" && w.openDrive != nil {
		if err := w.uploadSidecar(ctx, job, result); err != nil {
			log.Warn().Err(err).Str("jobID", msg.JobID).Msg("Destination sidecar upload failed")
		}
	}

	w.cleanup(ctx, msg)

	summary := fmt.Sprintf("Extracted %d records from %s", len(result.Kept), job.FileName)
	if err := w.jobs.Finish(ctx, msg.JobID, summary); err != nil {
		return jobs.Transient(err)
	}
	return nil
}

// download pulls the target CSV and every CSV sibling under the same prefix
// into the work dir, so a returns export uploaded alongside the history is
// visible to the engine.
func (w *Worker) download(ctx context.Context, msg model.WorkMessage, workDir string) (string, []string, error) {
	prefix := path.Dir(msg.ObjectKey) + "/"
	objects, err := w.store.ListByPrefix(ctx, prefix)
	if err != nil {
		return "", nil, fmt.Errorf("list siblings: %w", err)
	}

	var target string
	var siblings []string

	fetch := func(key string) (string, error) {
		raw, err := w.store.Get(ctx, key)
		if err != nil {
			return "", err
		}
		local := filepath.Join(workDir, path.Base(key))
		if err := os.WriteFile(local, raw, 0o600); err != nil {
			return "", err
		}
		return local, nil
	}

	local, err := fetch(msg.ObjectKey)
	if err != nil {
		return "", nil, err
	}
	target = local

	for _, obj := range objects {
		if obj.Key == msg.ObjectKey || !strings.HasSuffix(strings.ToLower(obj.Key), ".csv") {
			continue
		}
		local, err := fetch(obj.Key)
		if err != nil {
			if errors.Is(err, objectstore.ErrNotFound) {
				continue
			}
			return "", nil, err
		}
		siblings = append(siblings, local)
	}

	return target, siblings, nil
}

// uploadSidecar drops a results JSON into the user's destination folder
func (w *Worker) uploadSidecar(ctx context.Context, job *model.Job, result *Result) error {
	dest := w.openDrive(ctx, job.AuthToken)

	folderID := job.FolderID
	if folderID == "" {
		id, err := dest.EnsurePath(ctx, "", w.rootFolder, "Amazon")
		if err != nil {
			return err
		}
		folderID = id
	}

	payload, err := json.MarshalIndent(result.Kept, "", "  ")
	if err != nil {
		return err
	}

	name := fmt.Sprintf("order-history-%s.json", time.Now().UTC().Format("2006-01-02"))
	_, err = dest.CreateFile(ctx, folderID, name, "application/json", payload)
	return err
}

// cleanup removes the consumed source and its siblings. Zero retention:
// once results are persisted the staging copies have no further purpose.
func (w *Worker) cleanup(ctx context.Context, msg model.WorkMessage) {
	prefix := path.Dir(msg.ObjectKey) + "/"
	if _, err := w.store.DeleteByPrefix(ctx, prefix); err != nil {
		log.Warn().Err(err).Str("prefix", prefix).Msg("Failed to delete consumed sources")
	}
}

func (w *Worker) fail(ctx context.Context, jobID, message string) {
	if err := w.jobs.Fail(ctx, jobID, message); err != nil {
		log.Error().Err(err).Str("jobID", jobID).Msg("Failed to record job failure")
	}
}
