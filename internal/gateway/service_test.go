package gateway

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"connect/internal/consumer"
	"connect/internal/docstore"
	"connect/internal/logger"
	"connect/internal/msglog"
	"connect/internal/producer"
	celpkg "connect/pkg/cel"
	"connect/pkg/errors"
	"connect/pkg/health"
)

type fakeChecker struct {
	name string
	err  error
}

func (f *fakeChecker) Check(_ context.Context) error { return f.err }
func (f *fakeChecker) Name() string                  { return f.name }

type fakeRefresher struct {
	count int
	err   error
}

func (f *fakeRefresher) RefreshAll(_ context.Context) (int, error) { return f.count, f.err }

type fakeMsgProducer struct {
	key string
	err error
}

func (f *fakeMsgProducer) Produce(_ context.Context, _, _, _, _ string) (string, error) {
	return f.key, f.err
}

type fakeRules struct {
	byName map[string]*producer.EmissionRule
}

func newFakeRules() *fakeRules {
	return &fakeRules{byName: map[string]*producer.EmissionRule{}}
}

func (f *fakeRules) GetMatching(_ context.Context, _, _ string) ([]*producer.EmissionRule, error) {
	return nil, nil
}

func (f *fakeRules) GetByName(_ context.Context, name string) (*producer.EmissionRule, error) {
	if r, ok := f.byName[name]; ok {
		return r, nil
	}
	return nil, errors.ErrNotFound
}

func (f *fakeRules) List(_ context.Context, _ bool) ([]*producer.EmissionRule, error) {
	var out []*producer.EmissionRule
	for _, r := range f.byName {
		out = append(out, r)
	}
	return out, nil
}

func (f *fakeRules) Create(_ context.Context, rule *producer.EmissionRule) error {
	f.byName[rule.Name] = rule
	return nil
}

func (f *fakeRules) Update(_ context.Context, rule *producer.EmissionRule) error {
	if _, ok := f.byName[rule.Name]; !ok {
		return errors.ErrNotFound
	}
	f.byName[rule.Name] = rule
	return nil
}

func (f *fakeRules) Delete(_ context.Context, name string) error {
	if _, ok := f.byName[name]; !ok {
		return errors.ErrNotFound
	}
	delete(f.byName, name)
	return nil
}

func (f *fakeRules) CountEnabled(_ context.Context) (int, error) { return len(f.byName), nil }

type fakeHandlers struct {
	byName map[string]*consumer.EventHandler
}

func newFakeHandlers() *fakeHandlers {
	return &fakeHandlers{byName: map[string]*consumer.EventHandler{}}
}

func (f *fakeHandlers) GetMatching(_ context.Context, _ string) ([]consumer.EventHandler, error) {
	return nil, nil
}

func (f *fakeHandlers) GetByName(_ context.Context, name string) (*consumer.EventHandler, error) {
	if h, ok := f.byName[name]; ok {
		return h, nil
	}
	return nil, errors.ErrNotFound
}

func (f *fakeHandlers) List(_ context.Context, _ bool) ([]consumer.EventHandler, error) {
	var out []consumer.EventHandler
	for _, h := range f.byName {
		out = append(out, *h)
	}
	return out, nil
}

func (f *fakeHandlers) Create(_ context.Context, h *consumer.EventHandler) error {
	if _, ok := f.byName[h.Name]; ok {
		return errors.ErrConflict
	}
	f.byName[h.Name] = h
	return nil
}

func (f *fakeHandlers) Update(_ context.Context, h *consumer.EventHandler) error {
	if _, ok := f.byName[h.Name]; !ok {
		return errors.ErrNotFound
	}
	f.byName[h.Name] = h
	return nil
}

func (f *fakeHandlers) Delete(_ context.Context, name string) error {
	if _, ok := f.byName[name]; !ok {
		return errors.ErrNotFound
	}
	delete(f.byName, name)
	return nil
}

func (f *fakeHandlers) CountEnabled(_ context.Context) (int, error) { return len(f.byName), nil }

type fakeMsgLog struct {
	stats []msglog.StatRow
}

func (f *fakeMsgLog) Open(_ context.Context, _ *msglog.Entry) (string, error)        { return "", nil }
func (f *fakeMsgLog) Transition(_ context.Context, _ string, _ msglog.Status, _ string) error {
	return nil
}
func (f *fakeMsgLog) SetPayload(_ context.Context, _ string, _ []byte) error { return nil }
func (f *fakeMsgLog) IncrementRetryCount(_ context.Context, _ string) error  { return nil }
func (f *fakeMsgLog) GetByID(_ context.Context, _ string) (*msglog.Entry, error) {
	return nil, errors.ErrNotFound
}
func (f *fakeMsgLog) ExistsCompleted(_ context.Context, _ msglog.Direction, _ string) (bool, error) {
	return false, nil
}
func (f *fakeMsgLog) StatsSince(_ context.Context, _ time.Time) ([]msglog.StatRow, error) {
	return f.stats, nil
}

type fakeDocStore struct {
	docs map[string]*docstore.Document
}

func newFakeDocStore() *fakeDocStore {
	return &fakeDocStore{docs: map[string]*docstore.Document{}}
}

func (f *fakeDocStore) key(tenantID, doctype, docname string) string {
	return tenantID + "/" + doctype + "/" + docname
}

func (f *fakeDocStore) Get(_ context.Context, tenantID, doctype, docname string) (*docstore.Document, error) {
	if doc, ok := f.docs[f.key(tenantID, doctype, docname)]; ok {
		return doc, nil
	}
	return nil, errors.ErrNotFound
}

func (f *fakeDocStore) Upsert(_ context.Context, doc *docstore.Document) (*docstore.Document, error) {
	f.docs[f.key(doc.TenantID, doc.Doctype, doc.Docname)] = doc
	return doc, nil
}

func (f *fakeDocStore) Submit(_ context.Context, tenantID, doctype, docname string) (*docstore.Document, error) {
	return f.Get(context.Background(), tenantID, doctype, docname)
}

func (f *fakeDocStore) Delete(_ context.Context, tenantID, doctype, docname string) error {
	delete(f.docs, f.key(tenantID, doctype, docname))
	return nil
}

func (f *fakeDocStore) Subscribe(_ docstore.ListenerFunc) {}

type fakeAudit struct {
	entries []AuditLogEntry
}

func (f *fakeAudit) Log(_ context.Context, entry AuditLogEntry) error {
	f.entries = append(f.entries, entry)
	return nil
}

func (f *fakeAudit) List(_ context.Context, _ string, _ int) ([]AuditLogEntry, error) {
	return f.entries, nil
}

type testDeps struct {
	kafka     *fakeChecker
	registry  *fakeChecker
	refresher *fakeRefresher
	producer  *fakeMsgProducer
	rules     *fakeRules
	handlers  *fakeHandlers
	log       *fakeMsgLog
	docs      *fakeDocStore
	audit     *fakeAudit
}

func newTestService(t *testing.T) (Service, *testDeps) {
	t.Helper()
	eval, err := celpkg.NewEvaluator()
	require.NoError(t, err)

	deps := &testDeps{
		kafka:     &fakeChecker{name: "kafka"},
		registry:  &fakeChecker{name: "schema_registry"},
		refresher: &fakeRefresher{count: 3},
		producer:  &fakeMsgProducer{key: "fresh-key"},
		rules:     newFakeRules(),
		handlers:  newFakeHandlers(),
		log:       &fakeMsgLog{},
		docs:      newFakeDocStore(),
		audit:     &fakeAudit{},
	}

	svc := NewService(deps.kafka, deps.registry, deps.refresher, deps.producer,
		deps.rules, deps.handlers, deps.log, deps.docs, deps.audit, NewValidator(eval), logger.NopLogger())
	return svc, deps
}

func validRuleRequest() CreateEmissionRuleRequest {
	return CreateEmissionRuleRequest{
		Name:          "loan-create",
		Doctype:       "Loan",
		Events:        []string{docstore.EventAfterInsert},
		SchemaSubject: "org.apache.fineract.avro.LoanCreate",
		CommandType:   "CreateLoan",
		FieldMappings: []producer.FieldMapping{
			{AvroField: "clientId", SourceType: producer.SourceField, SourceField: "client_id"},
		},
	}
}

func TestTestConnectionBothHealthy(t *testing.T) {
	svc, _ := newTestService(t)

	resp := svc.TestConnection(context.Background())
	assert.True(t, resp.OK)
	assert.Equal(t, health.StatusHealthy, resp.Kafka.Status)
	assert.Equal(t, health.StatusHealthy, resp.SchemaRegistry.Status)
}

func TestTestConnectionFailuresAreIndependent(t *testing.T) {
	svc, deps := newTestService(t)
	deps.kafka.err = errors.ErrConnectivity

	resp := svc.TestConnection(context.Background())
	assert.False(t, resp.OK)
	assert.Equal(t, health.StatusUnhealthy, resp.Kafka.Status)
	assert.NotEmpty(t, resp.Kafka.Message)
	assert.Equal(t, health.StatusHealthy, resp.SchemaRegistry.Status)
}

func TestRefreshSchemasAudited(t *testing.T) {
	svc, deps := newTestService(t)

	resp, err := svc.RefreshSchemas(context.Background(), "ops")
	require.NoError(t, err)
	assert.Equal(t, 3, resp.RefreshedSubjects)

	require.Len(t, deps.audit.entries, 1)
	assert.Equal(t, ActionRefresh, deps.audit.entries[0].Action)
	assert.Equal(t, "ops", deps.audit.entries[0].Actor)
}

func TestManualProduceReturnsKey(t *testing.T) {
	svc, deps := newTestService(t)

	resp, err := svc.ManualProduce(context.Background(), "ops", ManualProduceRequest{
		Doctype: "Loan", Docname: "LOAN-0001", RuleName: "loan-create",
	})
	require.NoError(t, err)
	assert.Equal(t, "fresh-key", resp.IdempotencyKey)
	require.Len(t, deps.audit.entries, 1)
	assert.Equal(t, ActionProduce, deps.audit.entries[0].Action)
}

func TestStatsAggregation(t *testing.T) {
	svc, deps := newTestService(t)
	deps.log.stats = []msglog.StatRow{
		{Direction: msglog.DirectionProduced, Status: msglog.StatusDelivered, Count: 10},
		{Direction: msglog.DirectionProduced, Status: msglog.StatusFailed, Count: 2},
		{Direction: msglog.DirectionConsumed, Status: msglog.StatusProcessed, Count: 7},
		{Direction: msglog.DirectionConsumed, Status: msglog.StatusDeadLetter, Count: 1},
	}

	resp, err := svc.Stats(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 24, resp.WindowHours)
	assert.Equal(t, int64(10), resp.Produced[string(msglog.StatusDelivered)])
	assert.Equal(t, int64(2), resp.Produced[string(msglog.StatusFailed)])
	assert.Equal(t, int64(7), resp.Consumed[string(msglog.StatusProcessed)])
	assert.Equal(t, int64(1), resp.Consumed[string(msglog.StatusDeadLetter)])
	assert.Equal(t, int64(20), resp.Total)
}

func TestCreateEmissionRule(t *testing.T) {
	svc, deps := newTestService(t)

	rule, err := svc.CreateEmissionRule(context.Background(), "ops", validRuleRequest())
	require.NoError(t, err)
	assert.True(t, rule.Enabled)
	assert.Contains(t, deps.rules.byName, "loan-create")

	_, err = svc.CreateEmissionRule(context.Background(), "ops", validRuleRequest())
	require.Error(t, err)
	assert.True(t, errors.IsConflict(err))
}

func TestCreateEmissionRuleRejectsBadCondition(t *testing.T) {
	svc, _ := newTestService(t)

	req := validRuleRequest()
	req.ConditionExpr = `doc.principal >` // does not parse
	_, err := svc.CreateEmissionRule(context.Background(), "ops", req)
	require.Error(t, err)
	assert.True(t, errors.IsValidation(err))
}

func TestCreateEmissionRuleRejectsNonBoolCondition(t *testing.T) {
	svc, _ := newTestService(t)

	req := validRuleRequest()
	req.ConditionExpr = `doc.principal + 1.0` // parses but yields a double
	_, err := svc.CreateEmissionRule(context.Background(), "ops", req)
	require.Error(t, err)
	assert.True(t, errors.IsValidation(err))
}

func TestCreateEmissionRuleRejectsUnknownEvent(t *testing.T) {
	svc, _ := newTestService(t)

	req := validRuleRequest()
	req.Events = []string{"before_breakfast"}
	_, err := svc.CreateEmissionRule(context.Background(), "ops", req)
	require.Error(t, err)
	assert.True(t, errors.IsValidation(err))
}

func TestCreateEventHandlerValidation(t *testing.T) {
	svc, deps := newTestService(t)

	req := CreateEventHandlerRequest{
		Name:          "loan-approved",
		Topic:         "fineract.events",
		EventType:     "LoanApproved",
		TargetDoctype: "Loan",
		DocnameField:  "loanId",
		FieldMappings: []consumer.FieldMapping{
			{DocField: "status", SourceType: consumer.SourceField, SourceField: "status"},
		},
	}
	handler, err := svc.CreateEventHandler(context.Background(), "ops", req)
	require.NoError(t, err)
	assert.True(t, handler.Enabled)
	assert.Contains(t, deps.handlers.byName, "loan-approved")

	req.Name = "broken"
	req.DocnameField = ""
	_, err = svc.CreateEventHandler(context.Background(), "ops", req)
	require.Error(t, err)
	assert.True(t, errors.IsValidation(err))
}

func TestDocumentRoundtripDefaultsTenant(t *testing.T) {
	svc, deps := newTestService(t)

	doc, err := svc.UpsertDocument(context.Background(), "", "Loan", "LOAN-0001",
		map[string]interface{}{"principal": 5000.0})
	require.NoError(t, err)
	assert.Equal(t, "default", doc.TenantID)

	got, err := svc.GetDocument(context.Background(), "default", "Loan", "LOAN-0001")
	require.NoError(t, err)
	assert.Equal(t, 5000.0, got.Payload["principal"])

	require.NoError(t, svc.DeleteDocument(context.Background(), "", "Loan", "LOAN-0001"))
	assert.Empty(t, deps.docs.docs)
}

func TestDeleteEmissionRuleNotFound(t *testing.T) {
	svc, _ := newTestService(t)

	err := svc.DeleteEmissionRule(context.Background(), "ops", "nope")
	require.Error(t, err)
	assert.True(t, errors.IsNotFound(err))
}
