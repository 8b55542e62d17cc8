package mongo

import (
	"context"
	"log/slog"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// ResumeTokenCollection holds change stream checkpoints
const ResumeTokenCollection = "realtime_resume_tokens"

// resumeTokenTTL expires checkpoints of channels nobody reopened
const resumeTokenTTL = 30 * 24 * time.Hour

// IndexDefinition defines a MongoDB index
type IndexDefinition struct {
	Collection string
	Keys       bson.D
	Options    *options.IndexOptions
}

// IndexInitializer creates indexes on startup
type IndexInitializer struct {
	database       *mongo.Database
	logTable       string
	executionTable string
}

// NewIndexInitializer creates an initializer for the log and execution tables
func NewIndexInitializer(client *Client, logTable, executionTable string) *IndexInitializer {
	return &IndexInitializer{
		database:       client.Database(),
		logTable:       logTable,
		executionTable: executionTable,
	}
}

// Initialize creates all required indexes. Failures are logged and skipped.
func (i *IndexInitializer) Initialize(ctx context.Context) error {
	indexes := i.Definitions()

	for _, idx := range indexes {
		if err := i.createIndex(ctx, idx); err != nil {
			slog.Warn("Failed to create index (may already exist)",
				"error", err,
				"collection", idx.Collection)
		}
	}

	slog.Info("Index initialization complete", "count", len(indexes))
	return nil
}

func (i *IndexInitializer) createIndex(ctx context.Context, idx IndexDefinition) error {
	_, err := i.database.Collection(idx.Collection).Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    idx.Keys,
		Options: idx.Options,
	})
	return err
}

// Definitions lists the indexes for the configured tables
func (i *IndexInitializer) Definitions() []IndexDefinition {
	return []IndexDefinition{
		{
			Collection: i.logTable,
			Keys:       bson.D{{Key: "execution_id", Value: 1}, {Key: "created_at", Value: 1}},
		},
		{
			Collection: i.executionTable,
			Keys:       bson.D{{Key: "workflow_id", Value: 1}},
		},
		{
			Collection: ResumeTokenCollection,
			Keys:       bson.D{{Key: "updatedAt", Value: 1}},
			Options:    options.Index().SetExpireAfterSeconds(int32(resumeTokenTTL / time.Second)),
		},
	}
}
