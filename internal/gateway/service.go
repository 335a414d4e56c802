package gateway

import (
	"context"
	"time"

	"connect/internal/consumer"
	"connect/internal/constants"
	"connect/internal/docstore"
	"connect/internal/logger"
	"connect/internal/msglog"
	"connect/internal/producer"
	"connect/pkg/errors"
	"connect/pkg/health"
)

// MessageProducer is the slice of the producer engine the gateway needs.
type MessageProducer interface {
	Produce(ctx context.Context, tenantID, doctype, docname, ruleName string) (string, error)
}

// SchemaRefresher re-fetches schema definitions from the registry.
type SchemaRefresher interface {
	RefreshAll(ctx context.Context) (int, error)
}

type Service interface {
	TestConnection(ctx context.Context) TestConnectionResponse
	RefreshSchemas(ctx context.Context, actor string) (*RefreshSchemasResponse, error)
	ManualProduce(ctx context.Context, actor string, req ManualProduceRequest) (*ManualProduceResponse, error)
	Stats(ctx context.Context) (*StatsResponse, error)

	GetDocument(ctx context.Context, tenantID, doctype, docname string) (*docstore.Document, error)
	UpsertDocument(ctx context.Context, tenantID, doctype, docname string, payload map[string]interface{}) (*docstore.Document, error)
	SubmitDocument(ctx context.Context, tenantID, doctype, docname string) (*docstore.Document, error)
	DeleteDocument(ctx context.Context, tenantID, doctype, docname string) error

	ListEmissionRules(ctx context.Context) ([]*producer.EmissionRule, error)
	GetEmissionRule(ctx context.Context, name string) (*producer.EmissionRule, error)
	CreateEmissionRule(ctx context.Context, actor string, req CreateEmissionRuleRequest) (*producer.EmissionRule, error)
	UpdateEmissionRule(ctx context.Context, actor, name string, req UpdateEmissionRuleRequest) (*producer.EmissionRule, error)
	DeleteEmissionRule(ctx context.Context, actor, name string) error

	ListEventHandlers(ctx context.Context) ([]consumer.EventHandler, error)
	GetEventHandler(ctx context.Context, name string) (*consumer.EventHandler, error)
	CreateEventHandler(ctx context.Context, actor string, req CreateEventHandlerRequest) (*consumer.EventHandler, error)
	UpdateEventHandler(ctx context.Context, actor, name string, req UpdateEventHandlerRequest) (*consumer.EventHandler, error)
	DeleteEventHandler(ctx context.Context, actor, name string) error

	AuditLogs(ctx context.Context, entityType string, limit int) ([]AuditLogEntry, error)
}

type service struct {
	kafkaCheck    health.Checker
	registryCheck health.Checker
	refresher     SchemaRefresher
	msgProducer   MessageProducer
	rules         producer.RuleRepository
	handlers      consumer.HandlerRepository
	log           msglog.Repository
	docs          docstore.Store
	audit         AuditLogger
	validator     *Validator
	logger        logger.Logger
}

func NewService(
	kafkaCheck health.Checker,
	registryCheck health.Checker,
	refresher SchemaRefresher,
	msgProducer MessageProducer,
	rules producer.RuleRepository,
	handlers consumer.HandlerRepository,
	log msglog.Repository,
	docs docstore.Store,
	audit AuditLogger,
	validator *Validator,
	lg logger.Logger,
) Service {
	return &service{
		kafkaCheck:    kafkaCheck,
		registryCheck: registryCheck,
		refresher:     refresher,
		msgProducer:   msgProducer,
		rules:         rules,
		handlers:      handlers,
		log:           log,
		docs:          docs,
		audit:         audit,
		validator:     validator,
		logger:        lg,
	}
}

// TestConnection probes the broker and the schema registry. The probes run
// independently so a broken registry still reports the broker state.
func (s *service) TestConnection(ctx context.Context) TestConnectionResponse {
	resp := TestConnectionResponse{OK: true}

	resp.Kafka = s.runCheck(ctx, s.kafkaCheck)
	if resp.Kafka.Status != health.StatusHealthy {
		resp.OK = false
	}

	resp.SchemaRegistry = s.runCheck(ctx, s.registryCheck)
	if resp.SchemaRegistry.Status != health.StatusHealthy {
		resp.OK = false
	}

	return resp
}

func (s *service) runCheck(ctx context.Context, checker health.Checker) health.CheckResult {
	result := health.CheckResult{Timestamp: time.Now()}
	if err := checker.Check(ctx); err != nil {
		result.Status = health.StatusUnhealthy
		result.Message = err.Error()
		s.logger.WarnwCtx(ctx, "connectivity check failed", "check", checker.Name(), "error", err)
		return result
	}
	result.Status = health.StatusHealthy
	return result
}

func (s *service) RefreshSchemas(ctx context.Context, actor string) (*RefreshSchemasResponse, error) {
	count, err := s.refresher.RefreshAll(ctx)
	if err != nil {
		return nil, err
	}

	s.auditLog(ctx, AuditLogEntry{
		Actor:      actor,
		Action:     ActionRefresh,
		EntityType: "schema",
		Details:    map[string]interface{}{"refreshed_subjects": count},
	})
	return &RefreshSchemasResponse{RefreshedSubjects: count}, nil
}

func (s *service) ManualProduce(ctx context.Context, actor string, req ManualProduceRequest) (*ManualProduceResponse, error) {
	key, err := s.msgProducer.Produce(ctx, req.TenantID, req.Doctype, req.Docname, req.RuleName)
	if err != nil {
		return nil, err
	}

	s.auditLog(ctx, AuditLogEntry{
		Actor:      actor,
		Action:     ActionProduce,
		EntityType: EntityEmissionRule,
		EntityID:   req.RuleName,
		Details: map[string]interface{}{
			"doctype":         req.Doctype,
			"docname":         req.Docname,
			"idempotency_key": key,
		},
	})
	return &ManualProduceResponse{IdempotencyKey: key}, nil
}

func (s *service) Stats(ctx context.Context) (*StatsResponse, error) {
	since := time.Now().Add(-constants.StatsWindow)
	rows, err := s.log.StatsSince(ctx, since)
	if err != nil {
		return nil, err
	}

	resp := &StatsResponse{
		WindowHours: int(constants.StatsWindow.Hours()),
		Since:       since,
		Produced:    map[string]int64{},
		Consumed:    map[string]int64{},
	}
	for _, row := range rows {
		switch row.Direction {
		case msglog.DirectionProduced:
			resp.Produced[string(row.Status)] += row.Count
		case msglog.DirectionConsumed:
			resp.Consumed[string(row.Status)] += row.Count
		}
		resp.Total += row.Count
	}
	return resp, nil
}

func (s *service) GetDocument(ctx context.Context, tenantID, doctype, docname string) (*docstore.Document, error) {
	return s.docs.Get(ctx, s.tenant(tenantID), doctype, docname)
}

// UpsertDocument writes the document through the store, which fires the
// after_insert or on_update lifecycle event that drives the producer engine.
func (s *service) UpsertDocument(ctx context.Context, tenantID, doctype, docname string, payload map[string]interface{}) (*docstore.Document, error) {
	return s.docs.Upsert(ctx, &docstore.Document{
		TenantID: s.tenant(tenantID),
		Doctype:  doctype,
		Docname:  docname,
		Payload:  payload,
	})
}

func (s *service) SubmitDocument(ctx context.Context, tenantID, doctype, docname string) (*docstore.Document, error) {
	return s.docs.Submit(ctx, s.tenant(tenantID), doctype, docname)
}

func (s *service) DeleteDocument(ctx context.Context, tenantID, doctype, docname string) error {
	return s.docs.Delete(ctx, s.tenant(tenantID), doctype, docname)
}

func (s *service) tenant(tenantID string) string {
	if tenantID == "" {
		return "default"
	}
	return tenantID
}

func (s *service) ListEmissionRules(ctx context.Context) ([]*producer.EmissionRule, error) {
	return s.rules.List(ctx, false)
}

func (s *service) GetEmissionRule(ctx context.Context, name string) (*producer.EmissionRule, error) {
	return s.rules.GetByName(ctx, name)
}

func (s *service) CreateEmissionRule(ctx context.Context, actor string, req CreateEmissionRuleRequest) (*producer.EmissionRule, error) {
	rule := emissionRuleFromCreate(req)
	if err := s.validator.ValidateEmissionRule(rule); err != nil {
		return nil, err
	}

	if _, err := s.rules.GetByName(ctx, rule.Name); err == nil {
		return nil, errors.ErrConflict.WithDetail("message", "emission rule already exists")
	} else if !errors.IsNotFound(err) {
		return nil, err
	}

	if err := s.rules.Create(ctx, rule); err != nil {
		return nil, err
	}

	s.auditLog(ctx, AuditLogEntry{
		Actor:      actor,
		Action:     ActionCreate,
		EntityType: EntityEmissionRule,
		EntityID:   rule.Name,
	})
	return rule, nil
}

func (s *service) UpdateEmissionRule(ctx context.Context, actor, name string, req UpdateEmissionRuleRequest) (*producer.EmissionRule, error) {
	rule := emissionRuleFromUpdate(name, req)
	if err := s.validator.ValidateEmissionRule(rule); err != nil {
		return nil, err
	}

	if err := s.rules.Update(ctx, rule); err != nil {
		return nil, err
	}

	s.auditLog(ctx, AuditLogEntry{
		Actor:      actor,
		Action:     ActionUpdate,
		EntityType: EntityEmissionRule,
		EntityID:   name,
	})
	return rule, nil
}

func (s *service) DeleteEmissionRule(ctx context.Context, actor, name string) error {
	if err := s.rules.Delete(ctx, name); err != nil {
		return err
	}

	s.auditLog(ctx, AuditLogEntry{
		Actor:      actor,
		Action:     ActionDelete,
		EntityType: EntityEmissionRule,
		EntityID:   name,
	})
	return nil
}

func (s *service) ListEventHandlers(ctx context.Context) ([]consumer.EventHandler, error) {
	return s.handlers.List(ctx, false)
}

func (s *service) GetEventHandler(ctx context.Context, name string) (*consumer.EventHandler, error) {
	return s.handlers.GetByName(ctx, name)
}

func (s *service) CreateEventHandler(ctx context.Context, actor string, req CreateEventHandlerRequest) (*consumer.EventHandler, error) {
	handler := eventHandlerFromCreate(req)
	if err := s.validator.ValidateEventHandler(handler); err != nil {
		return nil, err
	}

	if err := s.handlers.Create(ctx, handler); err != nil {
		return nil, err
	}

	s.auditLog(ctx, AuditLogEntry{
		Actor:      actor,
		Action:     ActionCreate,
		EntityType: EntityEventHandler,
		EntityID:   handler.Name,
	})
	return handler, nil
}

func (s *service) UpdateEventHandler(ctx context.Context, actor, name string, req UpdateEventHandlerRequest) (*consumer.EventHandler, error) {
	handler := eventHandlerFromUpdate(name, req)
	if err := s.validator.ValidateEventHandler(handler); err != nil {
		return nil, err
	}

	if err := s.handlers.Update(ctx, handler); err != nil {
		return nil, err
	}

	s.auditLog(ctx, AuditLogEntry{
		Actor:      actor,
		Action:     ActionUpdate,
		EntityType: EntityEventHandler,
		EntityID:   name,
	})
	return handler, nil
}

func (s *service) DeleteEventHandler(ctx context.Context, actor, name string) error {
	if err := s.handlers.Delete(ctx, name); err != nil {
		return err
	}

	s.auditLog(ctx, AuditLogEntry{
		Actor:      actor,
		Action:     ActionDelete,
		EntityType: EntityEventHandler,
		EntityID:   name,
	})
	return nil
}

func (s *service) AuditLogs(ctx context.Context, entityType string, limit int) ([]AuditLogEntry, error) {
	return s.audit.List(ctx, entityType, limit)
}

// auditLog failures are logged and swallowed; the mutation already happened.
func (s *service) auditLog(ctx context.Context, entry AuditLogEntry) {
	if entry.Actor == "" {
		entry.Actor = "anonymous"
	}
	if err := s.audit.Log(ctx, entry); err != nil {
		s.logger.WarnwCtx(ctx, "failed to record audit log",
			"action", entry.Action, "entity", entry.EntityID, "error", err)
	}
}

func emissionRuleFromCreate(req CreateEmissionRuleRequest) *producer.EmissionRule {
	enabled := true
	if req.Enabled != nil {
		enabled = *req.Enabled
	}
	return &producer.EmissionRule{
		Name:            req.Name,
		Doctype:         req.Doctype,
		Events:          req.Events,
		Topic:           req.Topic,
		SchemaSubject:   req.SchemaSubject,
		ConditionExpr:   req.ConditionExpr,
		KeyFields:       req.KeyFields,
		FieldMappings:   req.FieldMappings,
		CommandType:     req.CommandType,
		CommandCategory: req.CommandCategory,
		Enabled:         enabled,
		Priority:        req.Priority,
	}
}

func emissionRuleFromUpdate(name string, req UpdateEmissionRuleRequest) *producer.EmissionRule {
	enabled := true
	if req.Enabled != nil {
		enabled = *req.Enabled
	}
	return &producer.EmissionRule{
		Name:            name,
		Doctype:         req.Doctype,
		Events:          req.Events,
		Topic:           req.Topic,
		SchemaSubject:   req.SchemaSubject,
		ConditionExpr:   req.ConditionExpr,
		KeyFields:       req.KeyFields,
		FieldMappings:   req.FieldMappings,
		CommandType:     req.CommandType,
		CommandCategory: req.CommandCategory,
		Enabled:         enabled,
		Priority:        req.Priority,
	}
}

func eventHandlerFromCreate(req CreateEventHandlerRequest) *consumer.EventHandler {
	enabled := true
	if req.Enabled != nil {
		enabled = *req.Enabled
	}
	return &consumer.EventHandler{
		Name:          req.Name,
		Topic:         req.Topic,
		EventType:     req.EventType,
		Condition:     req.Condition,
		TargetDoctype: req.TargetDoctype,
		DocnameField:  req.DocnameField,
		DocnameExpr:   req.DocnameExpr,
		FieldMappings: req.FieldMappings,
		Enabled:       enabled,
		Priority:      req.Priority,
	}
}

func eventHandlerFromUpdate(name string, req UpdateEventHandlerRequest) *consumer.EventHandler {
	enabled := true
	if req.Enabled != nil {
		enabled = *req.Enabled
	}
	return &consumer.EventHandler{
		Name:          name,
		Topic:         req.Topic,
		EventType:     req.EventType,
		Condition:     req.Condition,
		TargetDoctype: req.TargetDoctype,
		DocnameField:  req.DocnameField,
		DocnameExpr:   req.DocnameExpr,
		FieldMappings: req.FieldMappings,
		Enabled:       enabled,
		Priority:      req.Priority,
	}
}
