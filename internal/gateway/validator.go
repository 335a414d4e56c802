package gateway

import (
	"fmt"

	"connect/internal/consumer"
	"connect/internal/docstore"
	"connect/internal/producer"
	celpkg "connect/pkg/cel"
	"connect/pkg/errors"
)

var knownEvents = map[string]bool{
	docstore.EventAfterInsert: true,
	docstore.EventOnUpdate:    true,
	docstore.EventOnSubmit:    true,
	docstore.EventOnCancel:    true,
	docstore.EventOnTrash:     true,
}

// Validator checks rule and handler definitions before they are stored, so a
// bad CEL expression is rejected at write time instead of failing on the hot
// path.
type Validator struct {
	eval *celpkg.Evaluator
}

func NewValidator(eval *celpkg.Evaluator) *Validator {
	return &Validator{eval: eval}
}

func (v *Validator) ValidateEmissionRule(rule *producer.EmissionRule) error {
	if len(rule.Events) == 0 {
		return errors.ErrValidation.WithDetail("message", "at least one lifecycle event is required")
	}
	for _, e := range rule.Events {
		if !knownEvents[e] {
			return errors.ErrValidation.WithDetail("message", fmt.Sprintf("unknown lifecycle event %q", e))
		}
	}
	if rule.ConditionExpr != "" {
		if err := v.eval.ValidateConditionExpression(rule.ConditionExpr); err != nil {
			return errors.ErrValidation.
				WithCause(err).
				WithDetail("message", "condition expression does not compile")
		}
	}
	if len(rule.FieldMappings) == 0 {
		return errors.ErrValidation.WithDetail("message", "at least one field mapping is required")
	}
	for _, m := range rule.FieldMappings {
		if m.AvroField == "" {
			return errors.ErrValidation.WithDetail("message", "field mapping without avro_field")
		}
		if err := v.validateMappingSource(m.SourceType, m.SourceField, m.Expression, m.AvroField); err != nil {
			return err
		}
	}
	return nil
}

func (v *Validator) ValidateEventHandler(handler *consumer.EventHandler) error {
	if handler.DocnameField == "" && handler.DocnameExpr == "" {
		return errors.ErrValidation.WithDetail("message", "either docname_field or docname_expr is required")
	}
	if handler.DocnameExpr != "" {
		if err := v.eval.ValidateExpression(handler.DocnameExpr); err != nil {
			return errors.ErrValidation.
				WithCause(err).
				WithDetail("message", "docname expression does not compile")
		}
	}
	if handler.Condition != "" {
		if err := v.eval.ValidateConditionExpression(handler.Condition); err != nil {
			return errors.ErrValidation.
				WithCause(err).
				WithDetail("message", "condition expression does not compile")
		}
	}
	if len(handler.FieldMappings) == 0 {
		return errors.ErrValidation.WithDetail("message", "at least one field mapping is required")
	}
	for _, m := range handler.FieldMappings {
		if m.DocField == "" {
			return errors.ErrValidation.WithDetail("message", "field mapping without doc_field")
		}
		if err := v.validateMappingSource(m.SourceType, m.SourceField, m.Expression, m.DocField); err != nil {
			return err
		}
	}
	return nil
}

func (v *Validator) validateMappingSource(sourceType, sourceField, expression, field string) error {
	switch sourceType {
	case producer.SourceField:
		if sourceField == "" {
			return errors.ErrValidation.WithDetail("message",
				fmt.Sprintf("field mapping %s needs a source_field", field))
		}
	case producer.SourceExpression:
		if err := v.eval.ValidateExpression(expression); err != nil {
			return errors.ErrValidation.
				WithCause(err).
				WithDetail("message", fmt.Sprintf("mapping expression for %s does not compile", field))
		}
	case producer.SourceStatic:
	default:
		return errors.ErrValidation.WithDetail("message",
			fmt.Sprintf("unknown source type %q for field %s", sourceType, field))
	}
	return nil
}
