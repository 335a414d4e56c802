package producer

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"connect/internal/broker"
	"connect/internal/codec"
	"connect/internal/config"
	"connect/internal/constants"
	"connect/internal/docstore"
	"connect/internal/logger"
	"connect/internal/msglog"
	celpkg "connect/pkg/cel"
	"connect/pkg/errors"
	"connect/pkg/logging"
	"connect/pkg/metrics"
)

// Service turns document lifecycle events into Avro command messages. Each
// enabled rule matching the event produces at most one message; a message log
// entry is opened before any broker I/O so every attempt leaves a trace.
type Service struct {
	rules    RuleRepository
	log      msglog.Repository
	codec    *codec.Codec
	producer broker.Producer
	docs     docstore.Store
	eval     *celpkg.Evaluator
	logger   logger.Logger
	cfg      config.ProducerConfig
	topic    string
	seq      atomic.Int64
}

func NewService(
	rules RuleRepository,
	log msglog.Repository,
	cdc *codec.Codec,
	prod broker.Producer,
	docs docstore.Store,
	eval *celpkg.Evaluator,
	cfg config.ProducerConfig,
	commandTopic string,
	lg logger.Logger,
) *Service {
	if commandTopic == "" {
		commandTopic = constants.DefaultCommandTopic
	}
	return &Service{
		rules:    rules,
		log:      log,
		codec:    cdc,
		producer: prod,
		docs:     docs,
		eval:     eval,
		logger:   lg,
		cfg:      cfg,
		topic:    commandTopic,
	}
}

// Start subscribes the service to the document store. Lifecycle events are
// delivered synchronously by the store after each durable mutation.
func (s *Service) Start() {
	s.docs.Subscribe(func(ctx context.Context, event docstore.LifecycleEvent) {
		if err := s.HandleLifecycleEvent(ctx, event); err != nil {
			s.logger.ErrorwCtx(ctx, "lifecycle event emission failed",
				"doctype", event.Doctype, "docname", event.Docname, "event", event.Event, "error", err)
		}
	})
	s.refreshRuleGauge(context.Background())
}

// HandleLifecycleEvent evaluates every enabled rule against the event and
// produces a message for each rule that matches. A failing rule does not
// stop the remaining rules; the first error is returned after all rules ran.
func (s *Service) HandleLifecycleEvent(ctx context.Context, event docstore.LifecycleEvent) error {
	rules, err := s.rules.GetMatching(ctx, event.Doctype, event.Event)
	if err != nil {
		s.logger.ErrorwCtx(ctx, "failed to load emission rules",
			"doctype", event.Doctype, "event", event.Event, "error", err)
		return err
	}
	if len(rules) == 0 {
		return nil
	}

	var firstErr error
	for _, rule := range rules {
		matched, err := s.ruleMatches(ctx, rule, event)
		if err != nil {
			s.logger.WarnwCtx(ctx, "emission rule condition failed to evaluate, skipping rule",
				"rule", rule.Name, "docname", event.Docname, "error", err)
			continue
		}
		if !matched {
			continue
		}

		key := IdempotencyKey(rule, event.Doctype, event.Docname, event.Event, event.Doc)
		if err := s.produce(ctx, rule, event, key); err != nil {
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

// Produce emits a message for one named rule against the current state of a
// stored document. Unlike the lifecycle path it always mints a fresh
// idempotency key, so repeating the call re-sends the command.
func (s *Service) Produce(ctx context.Context, tenantID, doctype, docname, ruleName string) (string, error) {
	rule, err := s.rules.GetByName(ctx, ruleName)
	if err != nil {
		return "", err
	}
	if !rule.Enabled {
		return "", errors.ErrValidation.WithDetail("message", fmt.Sprintf("emission rule %s is disabled", ruleName))
	}
	if rule.Doctype != doctype {
		return "", errors.ErrValidation.WithDetail("message",
			fmt.Sprintf("emission rule %s targets doctype %s, not %s", ruleName, rule.Doctype, doctype))
	}
	if tenantID == "" {
		tenantID = s.cfg.DefaultTenantID
	}

	doc, err := s.docs.Get(ctx, tenantID, doctype, docname)
	if err != nil {
		return "", err
	}

	event := docstore.LifecycleEvent{
		Event:    "manual",
		TenantID: tenantID,
		Doctype:  doctype,
		Docname:  docname,
		Doc:      doc.Payload,
	}

	key := uuid.New().String()
	if err := s.produce(ctx, rule, event, key); err != nil {
		return key, err
	}
	return key, nil
}

func (s *Service) ruleMatches(ctx context.Context, rule *EmissionRule, event docstore.LifecycleEvent) (bool, error) {
	if rule.ConditionExpr == "" {
		return true, nil
	}
	return s.eval.EvaluateCondition(ctx, rule.ConditionExpr, celpkg.EvalInput{
		Doctype: event.Doctype,
		Docname: event.Docname,
		Event:   event.Event,
		Tenant:  event.TenantID,
		Doc:     event.Doc,
	})
}

func (s *Service) produce(ctx context.Context, rule *EmissionRule, event docstore.LifecycleEvent, idempotencyKey string) error {
	ctx = logging.WithIdempotencyKey(ctx, idempotencyKey)
	start := time.Now()

	done, err := s.log.ExistsCompleted(ctx, msglog.DirectionProduced, idempotencyKey)
	if err != nil {
		return err
	}
	if done {
		s.logger.InfowCtx(ctx, "message already delivered, skipping emission",
			"rule", rule.Name, "docname", event.Docname)
		metrics.MessagesProducedTotal.WithLabelValues("duplicate", s.topicFor(rule)).Inc()
		return nil
	}

	topic := s.topicFor(rule)
	tenantID := event.TenantID
	if tenantID == "" {
		tenantID = s.cfg.DefaultTenantID
	}

	entry := &msglog.Entry{
		Direction:      msglog.DirectionProduced,
		Topic:          topic,
		MessageKey:     idempotencyKey,
		IdempotencyKey: idempotencyKey,
		CorrelationID:  logging.GetCorrelationID(ctx),
		TenantID:       tenantID,
		Doctype:        event.Doctype,
		Docname:        event.Docname,
		EventType:      event.Event,
		SchemaSubject:  rule.SchemaSubject,
	}
	entryID, err := s.log.Open(ctx, entry)
	if err != nil {
		return err
	}

	wire, err := s.encode(ctx, rule, event, tenantID, idempotencyKey)
	if err != nil {
		s.fail(ctx, entryID, topic, start, err)
		return err
	}

	if s.cfg.LogPayload {
		if err := s.log.SetPayload(ctx, entryID, wire); err != nil {
			s.logger.WarnwCtx(ctx, "failed to store message payload", "entry_id", entryID, "error", err)
		}
	}

	if err := s.producer.Publish(ctx, topic, []byte(idempotencyKey), wire); err != nil {
		s.fail(ctx, entryID, topic, start, err)
		return err
	}

	// Publish returns only after the broker acknowledged the write with
	// acks=all, so the entry moves straight through Sent to Delivered.
	if err := s.log.Transition(ctx, entryID, msglog.StatusSent, ""); err != nil {
		return err
	}
	if err := s.log.Transition(ctx, entryID, msglog.StatusDelivered, ""); err != nil {
		return err
	}

	metrics.MessagesProducedTotal.WithLabelValues("delivered", topic).Inc()
	metrics.ProduceDuration.WithLabelValues("delivered").Observe(float64(time.Since(start).Milliseconds()))
	s.logger.InfowCtx(ctx, "message produced",
		"rule", rule.Name, "topic", topic, "doctype", event.Doctype, "docname", event.Docname)
	return nil
}

func (s *Service) fail(ctx context.Context, entryID, topic string, start time.Time, cause error) {
	if terr := s.log.Transition(ctx, entryID, msglog.StatusFailed, cause.Error()); terr != nil {
		s.logger.ErrorwCtx(ctx, "failed to record produce failure", "entry_id", entryID, "error", terr)
	}
	metrics.MessagesProducedTotal.WithLabelValues("failed", topic).Inc()
	metrics.ProduceDuration.WithLabelValues("failed").Observe(float64(time.Since(start).Milliseconds()))
	s.logger.ErrorwCtx(ctx, "message production failed", "entry_id", entryID, "topic", topic, "error", cause)
}

func (s *Service) encode(ctx context.Context, rule *EmissionRule, event docstore.LifecycleEvent, tenantID, idempotencyKey string) ([]byte, error) {
	payload, err := s.buildPayload(ctx, rule, event)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	envelope := &codec.Envelope{
		ID:             int(s.seq.Add(1)),
		Source:         s.cfg.SourceName,
		Type:           rule.CommandType,
		Category:       rule.CommandCategory,
		CreatedAt:      now.Format(time.RFC3339),
		BusinessDate:   now.Format("2006-01-02"),
		TenantID:       tenantID,
		IdempotencyKey: idempotencyKey,
		DataSchema:     rule.SchemaSubject,
	}
	return s.codec.Encode(ctx, envelope, payload)
}

// buildPayload assembles the inner Avro record from the rule's field
// mappings. A mapping that yields nil falls back to its default, then to
// null when the field is nullable; a non-nullable field without a value is
// a validation error.
func (s *Service) buildPayload(ctx context.Context, rule *EmissionRule, event docstore.LifecycleEvent) (map[string]interface{}, error) {
	payload := make(map[string]interface{}, len(rule.FieldMappings))
	input := celpkg.EvalInput{
		Doctype: event.Doctype,
		Docname: event.Docname,
		Event:   event.Event,
		Tenant:  event.TenantID,
		Doc:     event.Doc,
	}

	for _, m := range rule.FieldMappings {
		var value interface{}
		switch m.SourceType {
		case SourceField:
			value = event.Doc[m.SourceField]
		case SourceExpression:
			v, err := s.eval.EvaluateMapping(ctx, m.Expression, input)
			if err != nil {
				return nil, errors.ErrValidation.
					WithCause(err).
					WithDetail("message", fmt.Sprintf("mapping expression for field %s failed", m.AvroField))
			}
			value = v
		case SourceStatic:
			value = m.StaticValue
		default:
			return nil, errors.ErrValidation.WithDetail("message",
				fmt.Sprintf("unknown source type %q for field %s", m.SourceType, m.AvroField))
		}

		if value == nil {
			value = m.Default
		}
		if value == nil && !m.Nullable {
			return nil, errors.ErrValidation.WithDetail("message",
				fmt.Sprintf("field %s has no value and is not nullable", m.AvroField))
		}
		payload[m.AvroField] = value
	}
	return payload, nil
}

func (s *Service) topicFor(rule *EmissionRule) string {
	if rule.Topic != "" {
		return rule.Topic
	}
	return s.topic
}

func (s *Service) refreshRuleGauge(ctx context.Context) {
	count, err := s.rules.CountEnabled(ctx)
	if err != nil {
		s.logger.Warnw("failed to count enabled emission rules", "error", err)
		return
	}
	metrics.ActiveEmissionRules.Set(float64(count))
}
