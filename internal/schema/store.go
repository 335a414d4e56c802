package schema

import (
	"context"
	"database/sql"
	"fmt"

	"connect/pkg/errors"
)

// Store is the durable middle cache layer. It survives process restarts
// and registry outages.
type Store interface {
	GetBySubject(ctx context.Context, subject string) (*SchemaDefinition, error)
	GetBySchemaID(ctx context.Context, schemaID int) (*SchemaDefinition, error)
	Upsert(ctx context.Context, def *SchemaDefinition) error
	ListSubjects(ctx context.Context) ([]string, error)
}

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) Store {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) GetBySubject(ctx context.Context, subject string) (*SchemaDefinition, error) {
	query := `
		SELECT subject, version, schema_id, definition, updated_at
		FROM avro_schemas
		WHERE subject = $1
	`

	var def SchemaDefinition
	err := s.db.QueryRowContext(ctx, query, subject).Scan(
		&def.Subject,
		&def.Version,
		&def.SchemaID,
		&def.Definition,
		&def.FetchedAt,
	)
	if err == sql.ErrNoRows {
		return nil, errors.ErrNotFound.WithDetail("message", fmt.Sprintf("no stored schema for subject %s", subject))
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query schema by subject: %w", err)
	}

	return &def, nil
}

func (s *PostgresStore) GetBySchemaID(ctx context.Context, schemaID int) (*SchemaDefinition, error) {
	query := `
		SELECT subject, version, schema_id, definition, updated_at
		FROM avro_schemas
		WHERE schema_id = $1
		ORDER BY version DESC
		LIMIT 1
	`

	var def SchemaDefinition
	err := s.db.QueryRowContext(ctx, query, schemaID).Scan(
		&def.Subject,
		&def.Version,
		&def.SchemaID,
		&def.Definition,
		&def.FetchedAt,
	)
	if err == sql.ErrNoRows {
		return nil, errors.ErrNotFound.WithDetail("message", fmt.Sprintf("no stored schema with id %d", schemaID))
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query schema by id: %w", err)
	}

	return &def, nil
}

func (s *PostgresStore) Upsert(ctx context.Context, def *SchemaDefinition) error {
	query := `
		INSERT INTO avro_schemas (subject, version, schema_id, definition, created_at, updated_at)
		VALUES ($1, $2, $3, $4, NOW(), NOW())
		ON CONFLICT (subject) DO UPDATE SET
			version = EXCLUDED.version,
			schema_id = EXCLUDED.schema_id,
			definition = EXCLUDED.definition,
			updated_at = NOW()
	`

	if _, err := s.db.ExecContext(ctx, query, def.Subject, def.Version, def.SchemaID, def.Definition); err != nil {
		return fmt.Errorf("failed to upsert schema: %w", err)
	}

	return nil
}

func (s *PostgresStore) ListSubjects(ctx context.Context) ([]string, error) {
	query := `SELECT subject FROM avro_schemas ORDER BY subject`

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list subjects: %w", err)
	}
	defer rows.Close()

	var subjects []string
	for rows.Next() {
		var subject string
		if err := rows.Scan(&subject); err != nil {
			return nil, fmt.Errorf("failed to scan subject: %w", err)
		}
		subjects = append(subjects, subject)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows iteration error: %w", err)
	}

	return subjects, nil
}
