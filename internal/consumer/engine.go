package consumer

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"connect/internal/broker"
	"connect/internal/codec"
	"connect/internal/config"
	"connect/internal/docstore"
	"connect/internal/logger"
	"connect/internal/msglog"
	celpkg "connect/pkg/cel"
	"connect/pkg/errors"
	"connect/pkg/logging"
	"connect/pkg/metrics"
)

// Engine polls event topics, decodes each record and routes it through the
// configured event handlers onto the document store. Offsets are committed by
// the broker layer only after the engine durably recorded the outcome, so a
// crash between processing and commit yields a redelivery that the
// idempotency check absorbs.
type Engine struct {
	handlers HandlerRepository
	log      msglog.Repository
	codec    *codec.Codec
	consumer broker.Consumer
	docs     docstore.Store
	eval     *celpkg.Evaluator
	logger   logger.Logger
	cfg      config.ConsumerConfig

	mu       sync.Mutex
	inFlight map[string]string
}

func NewEngine(
	handlers HandlerRepository,
	log msglog.Repository,
	cdc *codec.Codec,
	cons broker.Consumer,
	docs docstore.Store,
	eval *celpkg.Evaluator,
	cfg config.ConsumerConfig,
	lg logger.Logger,
) *Engine {
	e := &Engine{
		handlers: handlers,
		log:      log,
		codec:    cdc,
		consumer: cons,
		docs:     docs,
		eval:     eval,
		logger:   lg,
		cfg:      cfg,
		inFlight: make(map[string]string),
	}
	cons.SetDeadLetterFunc(e.deadLetter)
	return e
}

// Run consumes every configured topic until the context is cancelled. It
// blocks until all topic loops have drained.
func (e *Engine) Run(ctx context.Context) error {
	if len(e.cfg.Topics) == 0 {
		return errors.ErrValidation.WithDetail("message", "no consumer topics configured")
	}

	e.refreshHandlerGauge(ctx)

	g, gctx := errgroup.WithContext(ctx)
	for _, topic := range e.cfg.Topics {
		topic := topic
		g.Go(func() error {
			return e.consumer.Consume(gctx, topic, e.HandleMessage)
		})
	}
	return g.Wait()
}

// HandleMessage processes one fetched record. A nil return signals the broker
// layer that the outcome is durable and the offset may be committed. Consumed
// entries are keyed by the envelope's idempotency key so a replay of the same
// logical event at any offset is detected; records without one fall back to
// a key derived from the broker coordinates.
func (e *Engine) HandleMessage(ctx context.Context, msg broker.Message) error {
	start := time.Now()
	dedupKey := DedupKey(msg.Topic, msg.Partition, msg.Offset)
	ctx = logging.WithIdempotencyKey(ctx, dedupKey)

	envelope, payload, err := e.codec.Decode(ctx, msg.Value)
	if err != nil {
		// Decode failures are fatal for this record. The entry is opened
		// here so the dead letter path has something to transition.
		if _, oerr := e.openEntry(ctx, msg, dedupKey, dedupKey, nil); oerr != nil {
			return oerr
		}
		return err
	}

	idemKey := envelope.IdempotencyKey
	if idemKey == "" {
		idemKey = dedupKey
	} else {
		ctx = logging.WithIdempotencyKey(ctx, idemKey)
	}

	done, err := e.log.ExistsCompleted(ctx, msglog.DirectionConsumed, idemKey)
	if err != nil {
		return err
	}
	if done {
		entryID, err := e.openEntry(ctx, msg, dedupKey, idemKey, envelope)
		if err != nil {
			return err
		}
		if err := e.log.Transition(ctx, entryID, msglog.StatusSkipped, "duplicate delivery of a completed message"); err != nil {
			return err
		}
		e.clearInFlight(dedupKey)
		e.logger.InfowCtx(ctx, "record already processed, skipping",
			"topic", msg.Topic, "partition", msg.Partition, "offset", msg.Offset)
		metrics.MessagesConsumedTotal.WithLabelValues("duplicate", msg.Topic).Inc()
		return nil
	}

	entryID, err := e.openEntry(ctx, msg, dedupKey, idemKey, envelope)
	if err != nil {
		return err
	}

	status, err := e.dispatch(ctx, msg.Topic, envelope, payload)
	if err != nil {
		if ierr := e.log.IncrementRetryCount(ctx, entryID); ierr != nil {
			e.logger.WarnwCtx(ctx, "failed to bump retry count", "entry_id", entryID, "error", ierr)
		}
		return err
	}

	if terr := e.log.Transition(ctx, entryID, status, ""); terr != nil {
		return terr
	}
	e.clearInFlight(dedupKey)

	label := "processed"
	if status == msglog.StatusSkipped {
		label = "skipped"
	}
	metrics.MessagesConsumedTotal.WithLabelValues(label, msg.Topic).Inc()
	metrics.ConsumeDuration.WithLabelValues(label).Observe(float64(time.Since(start).Milliseconds()))
	return nil
}

// dispatch routes the decoded message through every enabled handler for the
// topic. It returns Skipped when no handler matched or every condition was
// falsy, Processed when at least one handler mutated a document.
func (e *Engine) dispatch(ctx context.Context, topic string, envelope *codec.Envelope, payload map[string]interface{}) (msglog.Status, error) {
	handlers, err := e.handlers.GetMatching(ctx, topic)
	if err != nil {
		return "", err
	}

	applied := 0
	for i := range handlers {
		h := &handlers[i]
		if !h.MatchesEventType(envelope.Type) {
			continue
		}

		matched, err := e.conditionHolds(ctx, h, envelope, payload)
		if err != nil {
			e.logger.WarnwCtx(ctx, "handler condition failed to evaluate, skipping handler",
				"handler", h.Name, "error", err)
			continue
		}
		if !matched {
			continue
		}

		if err := e.apply(ctx, h, envelope, payload); err != nil {
			return "", errors.Wrap(err, errors.ErrHandler).WithDetail("handler", h.Name)
		}
		applied++
	}

	if applied == 0 {
		return msglog.StatusSkipped, nil
	}
	return msglog.StatusProcessed, nil
}

func (e *Engine) conditionHolds(ctx context.Context, h *EventHandler, envelope *codec.Envelope, payload map[string]interface{}) (bool, error) {
	if h.Condition == "" {
		return true, nil
	}
	return e.eval.EvaluateCondition(ctx, h.Condition, celpkg.EvalInput{
		Doctype: h.TargetDoctype,
		Event:   envelope.Type,
		Tenant:  envelope.TenantID,
		Payload: payload,
	})
}

// apply mutates the handler's target document from the payload.
func (e *Engine) apply(ctx context.Context, h *EventHandler, envelope *codec.Envelope, payload map[string]interface{}) error {
	docname, err := e.docname(ctx, h, envelope, payload)
	if err != nil {
		return err
	}

	tenantID := envelope.TenantID
	if tenantID == "" {
		tenantID = e.cfg.DefaultTenant
	}

	fields, err := e.buildFields(ctx, h, envelope, payload)
	if err != nil {
		return err
	}

	existing, err := e.docs.Get(ctx, tenantID, h.TargetDoctype, docname)
	if err != nil && !errors.IsNotFound(err) {
		return err
	}

	doc := &docstore.Document{
		TenantID: tenantID,
		Doctype:  h.TargetDoctype,
		Docname:  docname,
		Payload:  fields,
	}
	if existing != nil {
		merged := make(map[string]interface{}, len(existing.Payload)+len(fields))
		for k, v := range existing.Payload {
			merged[k] = v
		}
		for k, v := range fields {
			merged[k] = v
		}
		doc.Payload = merged
	}

	if _, err := e.docs.Upsert(ctx, doc); err != nil {
		return err
	}

	e.logger.InfowCtx(ctx, "event handler applied",
		"handler", h.Name, "doctype", h.TargetDoctype, "docname", docname)
	return nil
}

func (e *Engine) docname(ctx context.Context, h *EventHandler, envelope *codec.Envelope, payload map[string]interface{}) (string, error) {
	if h.DocnameExpr != "" {
		v, err := e.eval.EvaluateMapping(ctx, h.DocnameExpr, celpkg.EvalInput{
			Doctype: h.TargetDoctype,
			Event:   envelope.Type,
			Tenant:  envelope.TenantID,
			Payload: payload,
		})
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("%v", v), nil
	}
	if h.DocnameField != "" {
		v, ok := payload[h.DocnameField]
		if !ok || v == nil {
			return "", errors.ErrValidation.WithDetail("message",
				fmt.Sprintf("payload has no value for docname field %s", h.DocnameField))
		}
		return fmt.Sprintf("%v", v), nil
	}
	return "", errors.ErrValidation.WithDetail("message",
		fmt.Sprintf("handler %s has neither docname_field nor docname_expr", h.Name))
}

func (e *Engine) buildFields(ctx context.Context, h *EventHandler, envelope *codec.Envelope, payload map[string]interface{}) (map[string]interface{}, error) {
	fields := make(map[string]interface{}, len(h.FieldMappings))
	input := celpkg.EvalInput{
		Doctype: h.TargetDoctype,
		Event:   envelope.Type,
		Tenant:  envelope.TenantID,
		Payload: payload,
	}

	for _, m := range h.FieldMappings {
		switch m.SourceType {
		case SourceField:
			fields[m.DocField] = payload[m.SourceField]
		case SourceExpression:
			v, err := e.eval.EvaluateMapping(ctx, m.Expression, input)
			if err != nil {
				return nil, errors.ErrValidation.
					WithCause(err).
					WithDetail("message", fmt.Sprintf("mapping expression for field %s failed", m.DocField))
			}
			fields[m.DocField] = v
		case SourceStatic:
			fields[m.DocField] = m.StaticValue
		default:
			return nil, errors.ErrValidation.WithDetail("message",
				fmt.Sprintf("unknown source type %q for field %s", m.SourceType, m.DocField))
		}
	}
	return fields, nil
}

// deadLetter records the terminal failure of a record. It must succeed
// before the broker commits the offset; an error here leaves the offset
// uncommitted so the record is refetched.
func (e *Engine) deadLetter(ctx context.Context, msg broker.Message, cause error) error {
	dedupKey := DedupKey(msg.Topic, msg.Partition, msg.Offset)
	ctx = logging.WithIdempotencyKey(ctx, dedupKey)

	entryID, err := e.openEntry(ctx, msg, dedupKey, dedupKey, nil)
	if err != nil {
		return err
	}

	if err := e.log.Transition(ctx, entryID, msglog.StatusFailed, cause.Error()); err != nil && !errors.IsConflict(err) {
		return err
	}
	if err := e.log.Transition(ctx, entryID, msglog.StatusDeadLetter, cause.Error()); err != nil {
		return err
	}
	if err := e.log.SetPayload(ctx, entryID, msg.Value); err != nil {
		e.logger.WarnwCtx(ctx, "failed to store dead letter payload", "entry_id", entryID, "error", err)
	}
	e.clearInFlight(dedupKey)

	metrics.DeadLetterTotal.WithLabelValues(msg.Topic).Inc()
	metrics.MessagesConsumedTotal.WithLabelValues("dead_letter", msg.Topic).Inc()
	e.logger.ErrorwCtx(ctx, "record dead lettered",
		"topic", msg.Topic, "partition", msg.Partition, "offset", msg.Offset, "error", cause)
	return nil
}

// openEntry creates the Pending log entry for a record, reusing the entry
// opened by an earlier attempt of the same record. The in-flight map is keyed
// by broker coordinates; the stored entry carries idemKey, the envelope's
// idempotency key when the record decoded.
func (e *Engine) openEntry(ctx context.Context, msg broker.Message, dedupKey, idemKey string, envelope *codec.Envelope) (string, error) {
	e.mu.Lock()
	if id, ok := e.inFlight[dedupKey]; ok {
		e.mu.Unlock()
		return id, nil
	}
	e.mu.Unlock()

	partition := msg.Partition
	offset := msg.Offset
	entry := &msglog.Entry{
		Direction:      msglog.DirectionConsumed,
		Topic:          msg.Topic,
		Partition:      &partition,
		Offset:         &offset,
		MessageKey:     string(msg.Key),
		IdempotencyKey: idemKey,
		CorrelationID:  logging.GetCorrelationID(ctx),
		TenantID:       e.cfg.DefaultTenant,
	}
	if envelope != nil {
		entry.EventType = envelope.Type
		entry.SchemaSubject = envelope.DataSchema
		if envelope.TenantID != "" {
			entry.TenantID = envelope.TenantID
		}
	}

	id, err := e.log.Open(ctx, entry)
	if err != nil {
		return "", err
	}

	e.mu.Lock()
	e.inFlight[dedupKey] = id
	e.mu.Unlock()
	return id, nil
}

func (e *Engine) clearInFlight(dedupKey string) {
	e.mu.Lock()
	delete(e.inFlight, dedupKey)
	e.mu.Unlock()
}

func (e *Engine) refreshHandlerGauge(ctx context.Context) {
	count, err := e.handlers.CountEnabled(ctx)
	if err != nil {
		e.logger.Warnw("failed to count enabled event handlers", "error", err)
		return
	}
	metrics.ActiveEventHandlers.Set(float64(count))
}
