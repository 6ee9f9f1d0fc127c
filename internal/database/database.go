package database

import (
	"context"
	"time"

	"hopper/internal/config"

	"github.com/rs/zerolog/log"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// Database bundles every persistence concern backed by MongoDB
type Database interface {
	Health(ctx context.Context) error
	Close(ctx context.Context) error

	JobStore
	RecordStore
}

type mongoDB struct {
	client *mongo.Client
	db     *mongo.Database

	jobsCol     *mongo.Collection
	recordsCol  *mongo.Collection
	excludedCol *mongo.Collection
}

func New(cfg config.MongoDBConfig) (Database, error) {
	clientOptions := options.Client().ApplyURI(cfg.URI)
	if cfg.Username != "" {
		clientOptions.SetAuth(options.Credential{
			Username: cfg.Username,
			Password: cfg.Password,
		})
	}

	client, err := mongo.Connect(context.TODO(), clientOptions)
	if err != nil {
		return nil, err
	}

	db := client.Database(cfg.DB)

	jobsCol := db.Collection("jobs")
	jobIndexModels := []mongo.IndexModel{
		{
			// Index for status-based queries
			Keys:    bson.D{{Key: "status", Value: 1}},
			Options: options.Index(),
		},
		{
			// Index for owner-based queries
			Keys:    bson.D{{Key: "owner_id", Value: 1}},
			Options: options.Index(),
		},
		{
			// Index for the retention sweep
			Keys:    bson.D{{Key: "updated_at", Value: 1}},
			Options: options.Index(),
		},
	}

	recordsCol := db.Collection("records")
	recordIndexModels := []mongo.IndexModel{
		{
			Keys:    bson.D{{Key: "job_id", Value: 1}},
			Options: options.Index(),
		},
		{
			Keys:    bson.D{{Key: "owner_id", Value: 1}},
			Options: options.Index(),
		},
	}

	if _, err := jobsCol.Indexes().CreateMany(context.Background(), jobIndexModels); err != nil {
		log.Warn().Err(err).Str("collection", "jobs").Msg("Error creating indexes")
	}

	if _, err := recordsCol.Indexes().CreateMany(context.Background(), recordIndexModels); err != nil {
		log.Warn().Err(err).Str("collection", "records").Msg("Error creating indexes")
	}

	return &mongoDB{
		client:      client,
		db:          db,
		jobsCol:     jobsCol,
		recordsCol:  recordsCol,
		excludedCol: db.Collection("excluded_records"),
	}, nil
}

// Health pings the MongoDB deployment
func (m *mongoDB) Health(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := m.client.Ping(ctx, nil); err != nil {
		log.Error().Err(err).Msg("MongoDB health check failed")
		return err
	}
	return nil
}

func (m *mongoDB) Close(ctx context.Context) error {
	return m.client.Disconnect(ctx)
}
