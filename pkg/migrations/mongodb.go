package migrations

import (
	"context"
	"fmt"
	"strings"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// EnsureMongoCollection creates the event_handlers indexes. The collection
// itself is created lazily on first insert.
func EnsureMongoCollection(ctx context.Context, db *mongo.Database) error {
	collection := db.Collection("event_handlers")

	indexes := []mongo.IndexModel{
		{
			Keys:    bson.D{{Key: "handler_name", Value: 1}},
			Options: options.Index().SetName("idx_event_handlers_name").SetUnique(true),
		},
		{
			Keys:    bson.D{{Key: "enabled", Value: 1}, {Key: "priority", Value: -1}},
			Options: options.Index().SetName("idx_event_handlers_enabled_priority"),
		},
		{
			Keys:    bson.D{{Key: "topic", Value: 1}, {Key: "event_type", Value: 1}},
			Options: options.Index().SetName("idx_event_handlers_topic_event_type"),
		},
		{
			Keys:    bson.D{{Key: "target_doctype", Value: 1}},
			Options: options.Index().SetName("idx_event_handlers_target_doctype"),
		},
		{
			Keys:    bson.D{{Key: "updated_at", Value: -1}},
			Options: options.Index().SetName("idx_event_handlers_updated_at"),
		},
		{
			Keys:    bson.D{{Key: "enabled", Value: 1}, {Key: "topic", Value: 1}, {Key: "priority", Value: -1}},
			Options: options.Index().SetName("idx_event_handlers_enabled_topic_priority"),
		},
	}

	_, err := collection.Indexes().CreateMany(ctx, indexes)
	if err != nil {
		if !strings.Contains(err.Error(), "already exists") {
			return fmt.Errorf("failed to create indexes: %w", err)
		}
	}

	return nil
}
