package gateway

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
)

// Audit entity types and actions.
const (
	EntityEmissionRule = "emission_rule"
	EntityEventHandler = "event_handler"

	ActionCreate  = "create"
	ActionUpdate  = "update"
	ActionDelete  = "delete"
	ActionRefresh = "refresh_schemas"
	ActionProduce = "manual_produce"
)

// AuditLogger records configuration changes made through the gateway.
type AuditLogger interface {
	Log(ctx context.Context, entry AuditLogEntry) error
	List(ctx context.Context, entityType string, limit int) ([]AuditLogEntry, error)
}

type PostgresAuditLogger struct {
	db *sql.DB
}

func NewAuditLogger(db *sql.DB) *PostgresAuditLogger {
	return &PostgresAuditLogger{db: db}
}

func (a *PostgresAuditLogger) Log(ctx context.Context, entry AuditLogEntry) error {
	if entry.Details == nil {
		entry.Details = map[string]interface{}{}
	}
	details, err := json.Marshal(entry.Details)
	if err != nil {
		return fmt.Errorf("failed to marshal audit details: %w", err)
	}

	query := `
		INSERT INTO config_audit_logs (actor, action, entity_type, entity_id, details)
		VALUES ($1, $2, $3, NULLIF($4, ''), $5)`

	if _, err := a.db.ExecContext(ctx, query,
		entry.Actor, entry.Action, entry.EntityType, entry.EntityID, details); err != nil {
		return fmt.Errorf("failed to write audit log: %w", err)
	}
	return nil
}

func (a *PostgresAuditLogger) List(ctx context.Context, entityType string, limit int) ([]AuditLogEntry, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}

	query := `
		SELECT id, actor, action, entity_type, COALESCE(entity_id, ''), details, created_at
		FROM config_audit_logs
		WHERE ($1 = '' OR entity_type = $1)
		ORDER BY created_at DESC
		LIMIT $2`

	rows, err := a.db.QueryContext(ctx, query, entityType, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query audit logs: %w", err)
	}
	defer rows.Close()

	var entries []AuditLogEntry
	for rows.Next() {
		var entry AuditLogEntry
		var details []byte
		if err := rows.Scan(&entry.ID, &entry.Actor, &entry.Action,
			&entry.EntityType, &entry.EntityID, &details, &entry.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan audit log: %w", err)
		}
		if err := json.Unmarshal(details, &entry.Details); err != nil {
			return nil, fmt.Errorf("failed to decode audit details: %w", err)
		}
		entries = append(entries, entry)
	}
	return entries, rows.Err()
}
