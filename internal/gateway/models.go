package gateway

import (
	"time"

	"connect/internal/consumer"
	"connect/internal/producer"
	"connect/pkg/health"
)

// TestConnectionResponse reports the outcome of the independent broker and
// registry probes. Both checks always run; one failing never hides the other.
type TestConnectionResponse struct {
	OK             bool               `json:"ok"`
	Kafka          health.CheckResult `json:"kafka"`
	SchemaRegistry health.CheckResult `json:"schema_registry"`
}

type RefreshSchemasResponse struct {
	RefreshedSubjects int `json:"refreshed_subjects"`
}

type ManualProduceRequest struct {
	TenantID string `json:"tenant_id"`
	Doctype  string `json:"doctype" binding:"required"`
	Docname  string `json:"docname" binding:"required"`
	RuleName string `json:"rule_name" binding:"required"`
}

type ManualProduceResponse struct {
	IdempotencyKey string `json:"idempotency_key"`
}

// StatsResponse aggregates message log outcomes over the trailing window.
type StatsResponse struct {
	WindowHours int              `json:"window_hours"`
	Since       time.Time        `json:"since"`
	Produced    map[string]int64 `json:"produced"`
	Consumed    map[string]int64 `json:"consumed"`
	Total       int64            `json:"total"`
}

type CreateEmissionRuleRequest struct {
	Name            string                  `json:"name" binding:"required"`
	Doctype         string                  `json:"doctype" binding:"required"`
	Events          []string                `json:"events" binding:"required"`
	Topic           string                  `json:"topic"`
	SchemaSubject   string                  `json:"schema_subject" binding:"required"`
	ConditionExpr   string                  `json:"condition_expr"`
	KeyFields       []string                `json:"key_fields"`
	FieldMappings   []producer.FieldMapping `json:"field_mappings" binding:"required"`
	CommandType     string                  `json:"command_type" binding:"required"`
	CommandCategory string                  `json:"command_category"`
	Enabled         *bool                   `json:"enabled"`
	Priority        int                     `json:"priority"`
}

type UpdateEmissionRuleRequest struct {
	Doctype         string                  `json:"doctype" binding:"required"`
	Events          []string                `json:"events" binding:"required"`
	Topic           string                  `json:"topic"`
	SchemaSubject   string                  `json:"schema_subject" binding:"required"`
	ConditionExpr   string                  `json:"condition_expr"`
	KeyFields       []string                `json:"key_fields"`
	FieldMappings   []producer.FieldMapping `json:"field_mappings" binding:"required"`
	CommandType     string                  `json:"command_type" binding:"required"`
	CommandCategory string                  `json:"command_category"`
	Enabled         *bool                   `json:"enabled"`
	Priority        int                     `json:"priority"`
}

type CreateEventHandlerRequest struct {
	Name          string                  `json:"handler_name" binding:"required"`
	Topic         string                  `json:"topic" binding:"required"`
	EventType     string                  `json:"event_type" binding:"required"`
	Condition     string                  `json:"condition"`
	TargetDoctype string                  `json:"target_doctype" binding:"required"`
	DocnameField  string                  `json:"docname_field"`
	DocnameExpr   string                  `json:"docname_expr"`
	FieldMappings []consumer.FieldMapping `json:"field_mappings" binding:"required"`
	Enabled       *bool                   `json:"enabled"`
	Priority      int                     `json:"priority"`
}

type UpdateEventHandlerRequest struct {
	Topic         string                  `json:"topic" binding:"required"`
	EventType     string                  `json:"event_type" binding:"required"`
	Condition     string                  `json:"condition"`
	TargetDoctype string                  `json:"target_doctype" binding:"required"`
	DocnameField  string                  `json:"docname_field"`
	DocnameExpr   string                  `json:"docname_expr"`
	FieldMappings []consumer.FieldMapping `json:"field_mappings" binding:"required"`
	Enabled       *bool                   `json:"enabled"`
	Priority      int                     `json:"priority"`
}

// AuditLogEntry is one recorded configuration change.
type AuditLogEntry struct {
	ID         string                 `json:"id"`
	Actor      string                 `json:"actor"`
	Action     string                 `json:"action"`
	EntityType string                 `json:"entity_type"`
	EntityID   string                 `json:"entity_id,omitempty"`
	Details    map[string]interface{} `json:"details,omitempty"`
	CreatedAt  time.Time              `json:"created_at"`
}
