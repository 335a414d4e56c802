package consumer

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"
)

// Source types for a field mapping.
const (
	SourceField      = "field"
	SourceExpression = "expression"
	SourceStatic     = "static"
)

// MatchAnyEventType matches every envelope type on the handler's topic.
const MatchAnyEventType = "*"

// FieldMapping fills one document field from the decoded business payload.
type FieldMapping struct {
	DocField    string      `bson:"doc_field" json:"doc_field"`
	SourceType  string      `bson:"source_type" json:"source_type"`
	SourceField string      `bson:"source_field,omitempty" json:"source_field,omitempty"`
	Expression  string      `bson:"expression,omitempty" json:"expression,omitempty"`
	StaticValue interface{} `bson:"static_value,omitempty" json:"static_value,omitempty"`
}

// EventHandler maps inbound event messages onto document mutations. Handlers
// are stored in MongoDB so operators can adjust routing without a deploy.
type EventHandler struct {
	ID            string         `bson:"_id,omitempty" json:"id,omitempty"`
	Name          string         `bson:"handler_name" json:"handler_name"`
	Topic         string         `bson:"topic" json:"topic"`
	EventType     string         `bson:"event_type" json:"event_type"`
	Condition     string         `bson:"condition,omitempty" json:"condition,omitempty"`
	TargetDoctype string         `bson:"target_doctype" json:"target_doctype"`
	DocnameField  string         `bson:"docname_field,omitempty" json:"docname_field,omitempty"`
	DocnameExpr   string         `bson:"docname_expr,omitempty" json:"docname_expr,omitempty"`
	FieldMappings []FieldMapping `bson:"field_mappings" json:"field_mappings"`
	Enabled       bool           `bson:"enabled" json:"enabled"`
	Priority      int            `bson:"priority" json:"priority"`
	CreatedAt     time.Time      `bson:"created_at,omitempty" json:"created_at,omitempty"`
	UpdatedAt     time.Time      `bson:"updated_at,omitempty" json:"updated_at,omitempty"`
}

// MatchesEventType reports whether the handler accepts the envelope type.
func (h *EventHandler) MatchesEventType(eventType string) bool {
	return h.EventType == MatchAnyEventType || h.EventType == eventType
}

// DedupKey derives the idempotency key for a consumed record. The broker
// coordinates are stable across redeliveries, so a record that was already
// processed, skipped or delivered maps onto the same key.
func DedupKey(topic string, partition int, offset int64) string {
	sum := sha256.Sum256([]byte(fmt.Sprintf("%s:%d:%d", topic, partition, offset)))
	return hex.EncodeToString(sum[:])
}
