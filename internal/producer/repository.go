package producer

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/lib/pq"

	"connect/internal/logger"
	"connect/pkg/errors"
)

// RuleRepository provides access to emission rules.
type RuleRepository interface {
	GetMatching(ctx context.Context, doctype, event string) ([]*EmissionRule, error)
	GetByName(ctx context.Context, name string) (*EmissionRule, error)
	List(ctx context.Context, onlyEnabled bool) ([]*EmissionRule, error)
	Create(ctx context.Context, rule *EmissionRule) error
	Update(ctx context.Context, rule *EmissionRule) error
	Delete(ctx context.Context, name string) error
	CountEnabled(ctx context.Context) (int, error)
}

// PostgresRuleRepository is the SQL-backed rule repository.
type PostgresRuleRepository struct {
	db     *sql.DB
	logger logger.Logger
}

func NewPostgresRuleRepository(db *sql.DB, log logger.Logger) *PostgresRuleRepository {
	return &PostgresRuleRepository{db: db, logger: log}
}

const ruleColumns = `id, name, doctype, events, topic, schema_subject,
	COALESCE(condition_expr, ''), COALESCE(key_fields, '[]'::jsonb), field_mappings,
	COALESCE(command_type, ''), COALESCE(command_category, ''), enabled, priority,
	created_at, updated_at`

func (r *PostgresRuleRepository) GetMatching(ctx context.Context, doctype, event string) ([]*EmissionRule, error) {
	eventFilter, err := json.Marshal([]string{event})
	if err != nil {
		return nil, err
	}

	query := fmt.Sprintf(`
		SELECT %s
		FROM emission_rules
		WHERE enabled = TRUE AND doctype = $1 AND events @> $2
		ORDER BY priority DESC, name ASC`, ruleColumns)

	rows, err := r.db.QueryContext(ctx, query, doctype, eventFilter)
	if err != nil {
		r.logger.ErrorwCtx(ctx, "failed to query matching emission rules", "error", err)
		return nil, err
	}
	defer rows.Close()

	return scanRules(rows)
}

func (r *PostgresRuleRepository) GetByName(ctx context.Context, name string) (*EmissionRule, error) {
	query := fmt.Sprintf(`SELECT %s FROM emission_rules WHERE name = $1`, ruleColumns)

	row := r.db.QueryRowContext(ctx, query, name)
	rule, err := scanRule(row)
	if err == sql.ErrNoRows {
		return nil, errors.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return rule, nil
}

func (r *PostgresRuleRepository) List(ctx context.Context, onlyEnabled bool) ([]*EmissionRule, error) {
	query := fmt.Sprintf(`SELECT %s FROM emission_rules`, ruleColumns)
	if onlyEnabled {
		query += ` WHERE enabled = TRUE`
	}
	query += ` ORDER BY priority DESC, name ASC`

	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanRules(rows)
}

func (r *PostgresRuleRepository) Create(ctx context.Context, rule *EmissionRule) error {
	events, keyFields, mappings, err := marshalRuleJSON(rule)
	if err != nil {
		return err
	}

	query := `
		INSERT INTO emission_rules
			(name, doctype, events, topic, schema_subject, condition_expr,
			 key_fields, field_mappings, command_type, command_category, enabled, priority)
		VALUES ($1, $2, $3, $4, $5, NULLIF($6, ''), $7, $8, NULLIF($9, ''), NULLIF($10, ''), $11, $12)
		RETURNING id, created_at, updated_at`

	err = r.db.QueryRowContext(ctx, query,
		rule.Name, rule.Doctype, events, rule.Topic, rule.SchemaSubject, rule.ConditionExpr,
		keyFields, mappings, rule.CommandType, rule.CommandCategory, rule.Enabled, rule.Priority,
	).Scan(&rule.ID, &rule.CreatedAt, &rule.UpdatedAt)
	if err != nil {
		if pqErr, ok := err.(*pq.Error); ok && pqErr.Code == "23505" {
			return errors.ErrConflict.WithCause(err).WithDetail("message",
				fmt.Sprintf("emission rule with name '%s' already exists", rule.Name))
		}
		r.logger.ErrorwCtx(ctx, "failed to create emission rule", "rule", rule.Name, "error", err)
		return err
	}
	return nil
}

func (r *PostgresRuleRepository) Update(ctx context.Context, rule *EmissionRule) error {
	events, keyFields, mappings, err := marshalRuleJSON(rule)
	if err != nil {
		return err
	}

	query := `
		UPDATE emission_rules SET
			doctype = $2, events = $3, topic = $4, schema_subject = $5,
			condition_expr = NULLIF($6, ''), key_fields = $7, field_mappings = $8,
			command_type = NULLIF($9, ''), command_category = NULLIF($10, ''),
			enabled = $11, priority = $12, updated_at = NOW()
		WHERE name = $1
		RETURNING updated_at`

	err = r.db.QueryRowContext(ctx, query,
		rule.Name, rule.Doctype, events, rule.Topic, rule.SchemaSubject, rule.ConditionExpr,
		keyFields, mappings, rule.CommandType, rule.CommandCategory, rule.Enabled, rule.Priority,
	).Scan(&rule.UpdatedAt)
	if err == sql.ErrNoRows {
		return errors.ErrNotFound
	}
	if err != nil {
		return err
	}
	return nil
}

func (r *PostgresRuleRepository) Delete(ctx context.Context, name string) error {
	result, err := r.db.ExecContext(ctx, `DELETE FROM emission_rules WHERE name = $1`, name)
	if err != nil {
		return err
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return errors.ErrNotFound
	}
	return nil
}

func (r *PostgresRuleRepository) CountEnabled(ctx context.Context) (int, error) {
	var count int
	err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM emission_rules WHERE enabled = TRUE`).Scan(&count)
	if err != nil {
		return 0, err
	}
	return count, nil
}

func marshalRuleJSON(rule *EmissionRule) (events, keyFields, mappings []byte, err error) {
	if rule.Events == nil {
		rule.Events = []string{}
	}
	if rule.KeyFields == nil {
		rule.KeyFields = []string{}
	}
	if rule.FieldMappings == nil {
		rule.FieldMappings = []FieldMapping{}
	}
	if events, err = json.Marshal(rule.Events); err != nil {
		return nil, nil, nil, err
	}
	if keyFields, err = json.Marshal(rule.KeyFields); err != nil {
		return nil, nil, nil, err
	}
	if mappings, err = json.Marshal(rule.FieldMappings); err != nil {
		return nil, nil, nil, err
	}
	return events, keyFields, mappings, nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanRule(row rowScanner) (*EmissionRule, error) {
	var (
		rule      EmissionRule
		events    []byte
		keyFields []byte
		mappings  []byte
	)
	err := row.Scan(
		&rule.ID, &rule.Name, &rule.Doctype, &events, &rule.Topic, &rule.SchemaSubject,
		&rule.ConditionExpr, &keyFields, &mappings,
		&rule.CommandType, &rule.CommandCategory, &rule.Enabled, &rule.Priority,
		&rule.CreatedAt, &rule.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(events, &rule.Events); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(keyFields, &rule.KeyFields); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(mappings, &rule.FieldMappings); err != nil {
		return nil, err
	}
	return &rule, nil
}

func scanRules(rows *sql.Rows) ([]*EmissionRule, error) {
	var rules []*EmissionRule
	for rows.Next() {
		rule, err := scanRule(rows)
		if err != nil {
			return nil, err
		}
		rules = append(rules, rule)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return rules, nil
}
