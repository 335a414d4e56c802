package msglog

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/lib/pq"

	"connect/pkg/errors"
)

type Repository interface {
	Open(ctx context.Context, entry *Entry) (string, error)
	Transition(ctx context.Context, id string, next Status, detail string) error
	SetPayload(ctx context.Context, id string, payload []byte) error
	IncrementRetryCount(ctx context.Context, id string) error
	GetByID(ctx context.Context, id string) (*Entry, error)
	ExistsCompleted(ctx context.Context, direction Direction, idempotencyKey string) (bool, error)
	StatsSince(ctx context.Context, since time.Time) ([]StatRow, error)
}

type PostgresRepository struct {
	db *sql.DB
}

func NewRepository(db *sql.DB) Repository {
	return &PostgresRepository{db: db}
}

// Open inserts a Pending entry. It is called before any network I/O so
// in-flight work stays visible even across a crash.
func (r *PostgresRepository) Open(ctx context.Context, entry *Entry) (string, error) {
	query := `
		INSERT INTO message_log (
			direction, topic, partition, kafka_offset, message_key,
			idempotency_key, correlation_id, tenant_id, doctype, docname,
			event_type, status, schema_subject, schema_id, created_at, updated_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, NOW(), NOW())
		RETURNING id
	`

	tenantID := entry.TenantID
	if tenantID == "" {
		tenantID = "default"
	}

	var id string
	err := r.db.QueryRowContext(ctx, query,
		entry.Direction,
		entry.Topic,
		entry.Partition,
		entry.Offset,
		entry.MessageKey,
		entry.IdempotencyKey,
		entry.CorrelationID,
		tenantID,
		entry.Doctype,
		entry.Docname,
		entry.EventType,
		StatusPending,
		entry.SchemaSubject,
		entry.SchemaID,
	).Scan(&id)
	if err != nil {
		return "", fmt.Errorf("failed to open message log entry: %w", err)
	}

	entry.ID = id
	entry.Status = StatusPending
	return id, nil
}

// Transition moves an entry to the next status, refusing any move the
// status machine does not allow. A conflicting transition is a caller bug
// or a concurrent writer, surfaced as a Conflict.
func (r *PostgresRepository) Transition(ctx context.Context, id string, next Status, detail string) error {
	priors := PriorStatuses(next)
	if len(priors) == 0 {
		return errors.ErrValidation.WithDetail("message", fmt.Sprintf("status %q is not a valid transition target", next))
	}

	priorStrings := make([]string, len(priors))
	for i, p := range priors {
		priorStrings[i] = string(p)
	}

	query := `
		UPDATE message_log
		SET status = $2,
			error_message = CASE WHEN $3 <> '' THEN $3 ELSE error_message END,
			updated_at = NOW()
		WHERE id = $1 AND status = ANY($4)
	`

	result, err := r.db.ExecContext(ctx, query, id, next, detail, pq.Array(priorStrings))
	if err != nil {
		return fmt.Errorf("failed to transition message log entry: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read affected rows: %w", err)
	}
	if affected == 0 {
		return errors.ErrConflict.WithDetail(
			"message",
			fmt.Sprintf("entry %s cannot transition to %s from its current status", id, next),
		)
	}

	return nil
}

func (r *PostgresRepository) SetPayload(ctx context.Context, id string, payload []byte) error {
	query := `
		UPDATE message_log
		SET payload = $2, updated_at = NOW()
		WHERE id = $1
	`
	if _, err := r.db.ExecContext(ctx, query, id, payload); err != nil {
		return fmt.Errorf("failed to set payload: %w", err)
	}
	return nil
}

func (r *PostgresRepository) IncrementRetryCount(ctx context.Context, id string) error {
	query := `
		UPDATE message_log
		SET retry_count = retry_count + 1, updated_at = NOW()
		WHERE id = $1
	`
	if _, err := r.db.ExecContext(ctx, query, id); err != nil {
		return fmt.Errorf("failed to increment retry count: %w", err)
	}
	return nil
}

func (r *PostgresRepository) GetByID(ctx context.Context, id string) (*Entry, error) {
	query := `
		SELECT id, direction, topic, partition, kafka_offset, COALESCE(message_key, ''),
			idempotency_key, COALESCE(correlation_id, ''), tenant_id, COALESCE(doctype, ''),
			COALESCE(docname, ''), COALESCE(event_type, ''), status,
			COALESCE(error_message, ''), payload,
			COALESCE(schema_subject, ''), schema_id, retry_count, created_at, updated_at
		FROM message_log
		WHERE id = $1
	`

	var entry Entry
	err := r.db.QueryRowContext(ctx, query, id).Scan(
		&entry.ID,
		&entry.Direction,
		&entry.Topic,
		&entry.Partition,
		&entry.Offset,
		&entry.MessageKey,
		&entry.IdempotencyKey,
		&entry.CorrelationID,
		&entry.TenantID,
		&entry.Doctype,
		&entry.Docname,
		&entry.EventType,
		&entry.Status,
		&entry.ErrorMessage,
		&entry.Payload,
		&entry.SchemaSubject,
		&entry.SchemaID,
		&entry.RetryCount,
		&entry.CreatedAt,
		&entry.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, errors.ErrNotFound.WithDetail("message", fmt.Sprintf("no message log entry %s", id))
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query message log entry: %w", err)
	}

	return &entry, nil
}

// ExistsCompleted reports whether an idempotency key already reached a
// completed terminal status, which makes a re-delivery a duplicate.
func (r *PostgresRepository) ExistsCompleted(ctx context.Context, direction Direction, idempotencyKey string) (bool, error) {
	statuses := make([]string, len(CompletedStatuses))
	for i, s := range CompletedStatuses {
		statuses[i] = string(s)
	}

	query := `
		SELECT EXISTS (
			SELECT 1 FROM message_log
			WHERE direction = $1 AND idempotency_key = $2 AND status = ANY($3)
		)
	`

	var exists bool
	if err := r.db.QueryRowContext(ctx, query, direction, idempotencyKey, pq.Array(statuses)).Scan(&exists); err != nil {
		return false, fmt.Errorf("failed to check idempotency: %w", err)
	}
	return exists, nil
}

func (r *PostgresRepository) StatsSince(ctx context.Context, since time.Time) ([]StatRow, error) {
	query := `
		SELECT direction, status, COUNT(*) AS count
		FROM message_log
		WHERE created_at >= $1
		GROUP BY direction, status
		ORDER BY direction, status
	`

	rows, err := r.db.QueryContext(ctx, query, since)
	if err != nil {
		return nil, fmt.Errorf("failed to query message log stats: %w", err)
	}
	defer rows.Close()

	var stats []StatRow
	for rows.Next() {
		var row StatRow
		if err := rows.Scan(&row.Direction, &row.Status, &row.Count); err != nil {
			return nil, fmt.Errorf("failed to scan stat row: %w", err)
		}
		stats = append(stats, row)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows iteration error: %w", err)
	}

	return stats, nil
}
