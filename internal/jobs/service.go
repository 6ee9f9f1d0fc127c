package jobs

import (
	"context"
	"errors"
	"fmt"
	"time"

	"hopper/internal/database"
	"hopper/internal/model"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// Presigner issues time-limited upload URLs for the staging bucket
type Presigner interface {
	Bucket() string
	PresignPut(ctx context.Context, key, contentType string, expiry time.Duration) (string, error)
}

// CreateRequest carries the client-provided parameters for a new job
type CreateRequest struct {
	OwnerID     string `json:"ownerId" binding:"required"`
	FileName    string `json:"fileName" binding:"required"`
	ContentType string `json:"contentType"`
	AuthToken   string `json:"authToken"`
	FolderID    string `json:"folderId"`
	DebugMode   bool   `json:"debugMode"`
}

// CreateResult is returned to the client after a job is registered
type CreateResult struct {
	JobID     string `json:"jobId"`
	UploadURL string `json:"uploadUrl"`
	ObjectKey string `json:"objectKey"`
}

// Service owns the job lifecycle: creation with a presigned upload slot,
// monotonic progress reporting and the terminal finish/fail transitions.
type Service struct {
	store        database.JobStore
	presigner    Presigner
	uploadExpiry time.Duration
}

func NewService(store database.JobStore, presigner Presigner, uploadExpiry time.Duration) *Service {
	if uploadExpiry <= 0 {
		uploadExpiry = 15 * time.Minute
	}
	return &Service{
		store:        store,
		presigner:    presigner,
		uploadExpiry: uploadExpiry,
	}
}

// Create registers a pending job and returns the presigned URL the client
// uploads to. The object key embeds owner and job so every later stage can
// recover both from the key alone.
func (s *Service) Create(ctx context.Context, req CreateRequest) (*CreateResult, error) {
	jobID := uuid.New().String()
	objectKey := fmt.Sprintf("uploads/%s/%s/%s", req.OwnerID, jobID, req.FileName)

	uploadURL, err := s.presigner.PresignPut(ctx, objectKey, req.ContentType, s.uploadExpiry)
	if err != nil {
		return nil, fmt.Errorf("presign upload: %w", err)
	}

	job := &model.Job{
		ID:        jobID,
		OwnerID:   req.OwnerID,
		Status:    model.StatusPendingUpload,
		Progress:  0,
		FileName:  req.FileName,
		Bucket:    s.presigner.Bucket(),
		ObjectKey: objectKey,
		AuthToken: req.AuthToken,
		FolderID:  req.FolderID,
		DebugMode: req.DebugMode,
	}

	if err := s.store.CreateJob(ctx, job); err != nil {
		return nil, fmt.Errorf("create job: %w", err)
	}

	log.Info().
		Str("jobID", jobID).
		Str("owner", req.OwnerID).
		Str("file", req.FileName).
		Msg("Job registered, upload URL issued")

	return &CreateResult{
		JobID:     jobID,
		UploadURL: uploadURL,
		ObjectKey: objectKey,
	}, nil
}

// Get fetches a job by id
func (s *Service) Get(ctx context.Context, id string) (*model.Job, error) {
	return s.store.GetJob(ctx, id)
}

// UpdateProgress reports a checkpoint. A missing or already-completed job is
// silently ignored: duplicate deliveries race the finalizer and must not
// fail the worker that lost.
func (s *Service) UpdateProgress(ctx context.Context, id string, progress int, stage, message string) error {
	err := s.store.UpdateJob(ctx, id, database.JobPatch{
		Progress:   &progress,
		Status:     model.StatusProcessing,
		Stage:      stage,
		LogMessage: message,
	})
	if errors.Is(err, database.ErrJobNotFound) {
		log.Debug().Str("jobID", id).Msg("Progress update for finalized job, ignoring")
		return nil
	}
	return err
}

// Finish marks the job completed at full progress, then deletes the record.
// The job document is transient state, not an archive; success leaves only
// the extracted output behind.
func (s *Service) Finish(ctx context.Context, id, message string) error {
	full := 100
	err := s.store.UpdateJob(ctx, id, database.JobPatch{
		Progress:   &full,
		Status:     model.StatusCompleted,
		LogMessage: message,
	})
	if err != nil && !errors.Is(err, database.ErrJobNotFound) {
		return err
	}

	if err := s.store.DeleteJob(ctx, id); err != nil {
		return err
	}

	log.Info().Str("jobID", id).Msg("Job completed")
	return nil
}

// Fail marks the job failed and keeps the record for inspection
func (s *Service) Fail(ctx context.Context, id, message string) error {
	err := s.store.UpdateJob(ctx, id, database.JobPatch{
		Status:     model.StatusFailed,
		LogMessage: message,
	})
	if errors.Is(err, database.ErrJobNotFound) {
		log.Debug().Str("jobID", id).Msg("Failure report for finalized job, ignoring")
		return nil
	}
	if err != nil {
		return err
	}

	log.Warn().Str("jobID", id).Str("reason", message).Msg("Job failed")
	return nil
}
