package database

import (
	"context"
	"errors"
	"time"

	"hopper/internal/model"

	"github.com/rs/zerolog/log"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
)

// ErrJobNotFound is returned when a job id matches no live record. A
// completed job that has already been finalized looks the same as a job
// that never existed, which is exactly what the duplicate-delivery guard
// wants.
var ErrJobNotFound = errors.New("job not found")

// JobPatch is a partial update of a job record. Zero fields are left
// untouched; a non-empty LogMessage appends exactly one log entry.
type JobPatch struct {
	Progress   *int
	Status     model.JobStatus
	Stage      string
	LogMessage string
}

// JobStore defines job-related database operations
type JobStore interface {
	// CreateJob inserts a new job record
	CreateJob(ctx context.Context, job *model.Job) error

	// GetJob fetches a job by id
	GetJob(ctx context.Context, id string) (*model.Job, error)

	// UpdateJob merges a patch into a job. Progress can only move forward
	// and a job that already reached completed rejects every mutation.
	UpdateJob(ctx context.Context, id string, patch JobPatch) error

	// DeleteJob removes a job record
	DeleteJob(ctx context.Context, id string) error

	// ListStaleJobs returns jobs not touched since the cutoff
	ListStaleJobs(ctx context.Context, cutoff time.Time) ([]model.Job, error)
}

// CreateJob inserts a new job record
func (m *mongoDB) CreateJob(ctx context.Context, job *model.Job) error {
	now := time.Now().UTC()
	job.CreatedAt = now
	job.UpdatedAt = now

	if job.Logs == nil {
		job.Logs = []model.LogEntry{}
	}

	if _, err := m.jobsCol.InsertOne(ctx, job); err != nil {
		log.Error().Err(err).Str("jobID", job.ID).Msg("Failed to create job")
		return err
	}

	log.Debug().Str("jobID", job.ID).Str("owner", job.OwnerID).Msg("Created new job")
	return nil
}

// GetJob retrieves a job by its id
func (m *mongoDB) GetJob(ctx context.Context, id string) (*model.Job, error) {
	var job model.Job
	err := m.jobsCol.FindOne(ctx, bson.M{"_id": id}).Decode(&job)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, ErrJobNotFound
		}
		log.Error().Err(err).Str("jobID", id).Msg("Failed to get job")
		return nil, err
	}

	return &job, nil
}

// UpdateJob merges the patch in a single atomic update. Progress uses $max
// so a late duplicate checkpoint can never rewind it, and the filter
// excludes completed jobs so a finalized job stays immutable.
func (m *mongoDB) UpdateJob(ctx context.Context, id string, patch JobPatch) error {
	now := time.Now().UTC()

	set := bson.M{"updated_at": now}
	if patch.Status != "" {
		set["status"] = patch.Status
	}
	if patch.Stage != "" {
		set["stage"] = patch.Stage
	}

	update := bson.M{"$set": set}
	if patch.Progress != nil {
		update["$max"] = bson.M{"progress": *patch.Progress}
	}
	if patch.LogMessage != "" {
		update["$push"] = bson.M{"logs": model.LogEntry{
			Timestamp: now,
			Message:   patch.LogMessage,
		}}
	}

	filter := bson.M{
		"_id":    id,
		"status": bson.M{"$ne": model.StatusCompleted},
	}

	result, err := m.jobsCol.UpdateOne(ctx, filter, update)
	if err != nil {
		log.Error().Err(err).Str("jobID", id).Msg("Failed to update job")
		return err
	}

	if result.MatchedCount == 0 {
		return ErrJobNotFound
	}

	log.Debug().
		Str("jobID", id).
		Str("status", string(patch.Status)).
		Msg("Updated job")
	return nil
}

// DeleteJob removes a job record
func (m *mongoDB) DeleteJob(ctx context.Context, id string) error {
	if _, err := m.jobsCol.DeleteOne(ctx, bson.M{"_id": id}); err != nil {
		log.Error().Err(err).Str("jobID", id).Msg("Failed to delete job")
		return err
	}

	log.Debug().Str("jobID", id).Msg("Deleted job record")
	return nil
}

// ListStaleJobs returns jobs whose updated_at is older than the cutoff
func (m *mongoDB) ListStaleJobs(ctx context.Context, cutoff time.Time) ([]model.Job, error) {
	cursor, err := m.jobsCol.Find(ctx, bson.M{"updated_at": bson.M{"$lt": cutoff}})
	if err != nil {
		log.Error().Err(err).Time("cutoff", cutoff).Msg("Failed to list stale jobs")
		return nil, err
	}
	defer cursor.Close(ctx)

	var jobs []model.Job
	if err := cursor.All(ctx, &jobs); err != nil {
		log.Error().Err(err).Msg("Failed to decode jobs")
		return nil, err
	}

	return jobs, nil
}
