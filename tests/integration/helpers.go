package integration

import (
	"time"

	"connect/internal/consumer"
	"connect/internal/docstore"
	"connect/internal/logger"
	"connect/internal/msglog"
	"connect/internal/producer"
)

const (
	containerStartupTimeout = 60
	timestampDelay          = 10 * time.Millisecond
)

func createTestLogger() logger.Logger {
	return logger.NopLogger()
}

func createTestEmissionRule(name, doctype string, events []string, priority int, enabled bool) *producer.EmissionRule {
	return &producer.EmissionRule{
		Name:          name,
		Doctype:       doctype,
		Events:        events,
		Topic:         "fineract.commands",
		SchemaSubject: "org.apache.fineract.avro.LoanCreate",
		KeyFields:     []string{"client_id"},
		FieldMappings: []producer.FieldMapping{
			{AvroField: "clientId", SourceType: producer.SourceField, SourceField: "client_id"},
			{AvroField: "principal", SourceType: producer.SourceField, SourceField: "principal", Nullable: true},
		},
		CommandType:     "CREATE",
		CommandCategory: "LOAN",
		Enabled:         enabled,
		Priority:        priority,
	}
}

func createTestEventHandler(name, topic, eventType string, priority int, enabled bool) *consumer.EventHandler {
	return &consumer.EventHandler{
		Name:          name,
		Topic:         topic,
		EventType:     eventType,
		TargetDoctype: "Loan",
		DocnameField:  "loanAccountNo",
		FieldMappings: []consumer.FieldMapping{
			{DocField: "status", SourceType: consumer.SourceField, SourceField: "status"},
		},
		Enabled:  enabled,
		Priority: priority,
	}
}

func createTestLogEntry(direction msglog.Direction, topic, idempotencyKey string) *msglog.Entry {
	return &msglog.Entry{
		Direction:      direction,
		Topic:          topic,
		IdempotencyKey: idempotencyKey,
		TenantID:       "default",
		Doctype:        "Loan",
		Docname:        "LOAN-0001",
		EventType:      "on_submit",
	}
}

func createTestDocument(doctype, docname string, payload map[string]interface{}) *docstore.Document {
	return &docstore.Document{
		TenantID: "default",
		Doctype:  doctype,
		Docname:  docname,
		Payload:  payload,
	}
}
