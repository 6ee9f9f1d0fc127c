package database

import (
	"context"
	"fmt"
	"time"

	"hopper/internal/model"

	"github.com/rs/zerolog/log"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// RecordStore persists extraction output
type RecordStore interface {
	// SaveRecords inserts kept inventory records
	SaveRecords(ctx context.Context, records []model.ExtractedRecord) error

	// SaveExcludedRecords inserts diagnostic-mode rejections
	SaveExcludedRecords(ctx context.Context, jobID string, excluded []model.ExcludedRecord) error
}

// SaveRecords inserts kept inventory records. Ids are derived from job id
// and source position so a redelivered batch overwrites itself instead of
// duplicating.
func (m *mongoDB) SaveRecords(ctx context.Context, records []model.ExtractedRecord) error {
	if len(records) == 0 {
		return nil
	}

	now := time.Now().UTC()
	docs := make([]interface{}, 0, len(records))
	for i := range records {
		rec := records[i]
		if rec.ID == "" {
			rec.ID = recordID(rec)
		}
		if rec.CreatedAt.IsZero() {
			rec.CreatedAt = now
		}
		docs = append(docs, rec)
	}

	// Unordered insert: duplicate-key errors from a redelivered batch are
	// expected and must not block the remaining records.
	if _, err := m.recordsCol.InsertMany(ctx, docs, insertUnordered()); err != nil {
		if !isDuplicateKey(err) {
			log.Error().Err(err).Int("count", len(records)).Msg("Failed to save records")
			return err
		}
		log.Debug().Int("count", len(records)).Msg("Some records already present, skipped duplicates")
	}

	log.Debug().Int("count", len(records)).Msg("Saved extracted records")
	return nil
}

// SaveExcludedRecords inserts diagnostic-mode rejections
func (m *mongoDB) SaveExcludedRecords(ctx context.Context, jobID string, excluded []model.ExcludedRecord) error {
	if len(excluded) == 0 {
		return nil
	}

	docs := make([]interface{}, 0, len(excluded))
	for i := range excluded {
		exc := excluded[i]
		exc.JobID = jobID
		if exc.ID == "" {
			exc.ID = fmt.Sprintf("excl_%s_%s_%d", jobID, exc.File, exc.Row)
		}
		docs = append(docs, exc)
	}

	if _, err := m.excludedCol.InsertMany(ctx, docs, insertUnordered()); err != nil {
		if !isDuplicateKey(err) {
			log.Error().Err(err).Str("jobID", jobID).Msg("Failed to save excluded records")
			return err
		}
	}

	log.Debug().Str("jobID", jobID).Int("count", len(excluded)).Msg("Saved excluded records")
	return nil
}

func insertUnordered() *options.InsertManyOptions {
	return options.InsertMany().SetOrdered(false)
}

func isDuplicateKey(err error) bool {
	return mongo.IsDuplicateKeyError(err)
}

func recordID(rec model.ExtractedRecord) string {
	// Row disambiguates multiple items extracted from one email; without it
	// the unordered insert would treat siblings as redelivered duplicates.
	if rec.Source.MessageID != "" {
		return fmt.Sprintf("%s_%s_%d", rec.JobID, rec.Source.MessageID, rec.Source.Row)
	}
	return fmt.Sprintf("%s_%s_%d", rec.JobID, rec.Source.File, rec.Source.Row)
}
