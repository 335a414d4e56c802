package consumer

import (
	"context"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"connect/pkg/errors"
)

// HandlerRepository provides access to event handler definitions.
type HandlerRepository interface {
	GetMatching(ctx context.Context, topic string) ([]EventHandler, error)
	GetByName(ctx context.Context, name string) (*EventHandler, error)
	List(ctx context.Context, onlyEnabled bool) ([]EventHandler, error)
	Create(ctx context.Context, handler *EventHandler) error
	Update(ctx context.Context, handler *EventHandler) error
	Delete(ctx context.Context, name string) error
	CountEnabled(ctx context.Context) (int, error)
}

type MongoDBHandlerRepository struct {
	collection *mongo.Collection
}

func NewHandlerRepository(db *mongo.Database) *MongoDBHandlerRepository {
	return &MongoDBHandlerRepository{
		collection: db.Collection("event_handlers"),
	}
}

func (r *MongoDBHandlerRepository) GetMatching(ctx context.Context, topic string) ([]EventHandler, error) {
	filter := bson.M{"enabled": true, "topic": topic}
	opts := options.Find().SetSort(bson.D{{Key: "priority", Value: -1}, {Key: "handler_name", Value: 1}})

	cursor, err := r.collection.Find(ctx, filter, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to find event handlers: %w", err)
	}
	defer cursor.Close(ctx)

	var handlers []EventHandler
	if err := cursor.All(ctx, &handlers); err != nil {
		return nil, fmt.Errorf("failed to decode event handlers: %w", err)
	}
	return handlers, nil
}

func (r *MongoDBHandlerRepository) GetByName(ctx context.Context, name string) (*EventHandler, error) {
	var handler EventHandler
	err := r.collection.FindOne(ctx, bson.M{"handler_name": name}).Decode(&handler)
	if err == mongo.ErrNoDocuments {
		return nil, errors.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load event handler: %w", err)
	}
	return &handler, nil
}

func (r *MongoDBHandlerRepository) List(ctx context.Context, onlyEnabled bool) ([]EventHandler, error) {
	filter := bson.M{}
	if onlyEnabled {
		filter["enabled"] = true
	}
	opts := options.Find().SetSort(bson.D{{Key: "priority", Value: -1}, {Key: "handler_name", Value: 1}})

	cursor, err := r.collection.Find(ctx, filter, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to list event handlers: %w", err)
	}
	defer cursor.Close(ctx)

	var handlers []EventHandler
	if err := cursor.All(ctx, &handlers); err != nil {
		return nil, fmt.Errorf("failed to decode event handlers: %w", err)
	}
	return handlers, nil
}

func (r *MongoDBHandlerRepository) Create(ctx context.Context, handler *EventHandler) error {
	now := time.Now().UTC()
	handler.ID = primitive.NewObjectID().Hex()
	handler.CreatedAt = now
	handler.UpdatedAt = now

	if _, err := r.collection.InsertOne(ctx, handler); err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return errors.ErrConflict.WithDetail("message",
				fmt.Sprintf("event handler %s already exists", handler.Name))
		}
		return fmt.Errorf("failed to create event handler: %w", err)
	}
	return nil
}

func (r *MongoDBHandlerRepository) Update(ctx context.Context, handler *EventHandler) error {
	handler.UpdatedAt = time.Now().UTC()

	update := bson.M{"$set": bson.M{
		"topic":          handler.Topic,
		"event_type":     handler.EventType,
		"condition":      handler.Condition,
		"target_doctype": handler.TargetDoctype,
		"docname_field":  handler.DocnameField,
		"docname_expr":   handler.DocnameExpr,
		"field_mappings": handler.FieldMappings,
		"enabled":        handler.Enabled,
		"priority":       handler.Priority,
		"updated_at":     handler.UpdatedAt,
	}}

	result, err := r.collection.UpdateOne(ctx, bson.M{"handler_name": handler.Name}, update)
	if err != nil {
		return fmt.Errorf("failed to update event handler: %w", err)
	}
	if result.MatchedCount == 0 {
		return errors.ErrNotFound
	}
	return nil
}

func (r *MongoDBHandlerRepository) Delete(ctx context.Context, name string) error {
	result, err := r.collection.DeleteOne(ctx, bson.M{"handler_name": name})
	if err != nil {
		return fmt.Errorf("failed to delete event handler: %w", err)
	}
	if result.DeletedCount == 0 {
		return errors.ErrNotFound
	}
	return nil
}

func (r *MongoDBHandlerRepository) CountEnabled(ctx context.Context) (int, error) {
	count, err := r.collection.CountDocuments(ctx, bson.M{"enabled": true})
	if err != nil {
		return 0, fmt.Errorf("failed to count event handlers: %w", err)
	}
	return int(count), nil
}
