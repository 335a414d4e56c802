package producer

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"time"
)

// Source types for a field mapping.
const (
	SourceField      = "field"
	SourceExpression = "expression"
	SourceStatic     = "static"
)

// FieldMapping describes how a single Avro payload field is filled from a
// source document.
type FieldMapping struct {
	AvroField   string      `json:"avro_field"`
	SourceType  string      `json:"source_type"`
	SourceField string      `json:"source_field,omitempty"`
	Expression  string      `json:"expression,omitempty"`
	StaticValue interface{} `json:"static_value,omitempty"`
	Default     interface{} `json:"default,omitempty"`
	Nullable    bool        `json:"nullable,omitempty"`
}

// EmissionRule binds document lifecycle events to an outbound Kafka command.
type EmissionRule struct {
	ID              string         `json:"id"`
	Name            string         `json:"name"`
	Doctype         string         `json:"doctype"`
	Events          []string       `json:"events"`
	Topic           string         `json:"topic"`
	SchemaSubject   string         `json:"schema_subject"`
	ConditionExpr   string         `json:"condition_expr,omitempty"`
	KeyFields       []string       `json:"key_fields,omitempty"`
	FieldMappings   []FieldMapping `json:"field_mappings"`
	CommandType     string         `json:"command_type"`
	CommandCategory string         `json:"command_category,omitempty"`
	Enabled         bool           `json:"enabled"`
	Priority        int            `json:"priority"`
	CreatedAt       time.Time      `json:"created_at"`
	UpdatedAt       time.Time      `json:"updated_at"`
}

// MatchesEvent reports whether the rule subscribes to the given lifecycle event.
func (r *EmissionRule) MatchesEvent(event string) bool {
	for _, e := range r.Events {
		if e == event {
			return true
		}
	}
	return false
}

// IdempotencyKey derives the deterministic key for one rule firing. The same
// document, event and rule always produce the same key, so replays of an
// already delivered emission can be detected. Values of the rule's key fields
// are folded in so that distinct business states of the same document are
// distinct emissions.
func IdempotencyKey(rule *EmissionRule, doctype, docname, event string, doc map[string]interface{}) string {
	parts := []string{doctype, docname, event, rule.CommandType, rule.Name}
	for _, f := range rule.KeyFields {
		parts = append(parts, fmt.Sprintf("%v", doc[f]))
	}
	sum := sha256.Sum256([]byte(strings.Join(parts, ":")))
	return hex.EncodeToString(sum[:])
}
