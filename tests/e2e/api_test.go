package e2e

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"connect/internal/consumer"
	"connect/internal/gateway"
	"connect/internal/producer"
)

const (
	gatewayServiceURL = "http://localhost:8080"
)

func TestGatewayHealth(t *testing.T) {
	resp, err := http.Get(fmt.Sprintf("%s/health", gatewayServiceURL))
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var health map[string]interface{}
	err = json.NewDecoder(resp.Body).Decode(&health)
	require.NoError(t, err)
	assert.NotNil(t, health["status"])
}

func TestConnectionProbe(t *testing.T) {
	resp, err := http.Get(fmt.Sprintf("%s/api/v1/connection/test", gatewayServiceURL))
	require.NoError(t, err)
	defer resp.Body.Close()

	require.Equal(t, http.StatusOK, resp.StatusCode)

	var probe gateway.TestConnectionResponse
	err = json.NewDecoder(resp.Body).Decode(&probe)
	require.NoError(t, err)

	assert.True(t, probe.OK)
	assert.Equal(t, "up", probe.Kafka.Status)
	assert.Equal(t, "up", probe.SchemaRegistry.Status)
}

func TestEmissionRulesCRUD(t *testing.T) {
	createReq := gateway.CreateEmissionRuleRequest{
		Name:          "e2e_loan_submit",
		Doctype:       "Loan",
		Events:        []string{"on_submit"},
		SchemaSubject: "org.apache.fineract.avro.LoanCreate",
		KeyFields:     []string{"client_id"},
		FieldMappings: []producer.FieldMapping{
			{AvroField: "clientId", SourceType: "field", SourceField: "client_id"},
		},
		CommandType:     "CREATE",
		CommandCategory: "LOAN",
		Enabled:         boolPtr(true),
		Priority:        10,
	}

	created := createEmissionRule(t, createReq)
	defer deleteEmissionRule(t, created.Name)

	rule := getEmissionRule(t, created.Name)
	assert.Equal(t, createReq.Name, rule.Name)
	assert.Equal(t, createReq.Doctype, rule.Doctype)
	assert.Equal(t, createReq.Events, rule.Events)
	assert.Equal(t, createReq.KeyFields, rule.KeyFields)
	assert.True(t, rule.Enabled)

	rules := listEmissionRules(t)
	found := false
	for _, r := range rules {
		if r.Name == created.Name {
			found = true
			break
		}
	}
	assert.True(t, found, "created rule should appear in the list")

	updateReq := gateway.UpdateEmissionRuleRequest{
		Doctype:       createReq.Doctype,
		Events:        []string{"on_submit", "on_cancel"},
		SchemaSubject: createReq.SchemaSubject,
		KeyFields:     createReq.KeyFields,
		FieldMappings: createReq.FieldMappings,
		CommandType:   createReq.CommandType,
		Enabled:       boolPtr(false),
		Priority:      20,
	}
	updated := updateEmissionRule(t, created.Name, updateReq)
	assert.Equal(t, []string{"on_submit", "on_cancel"}, updated.Events)
	assert.False(t, updated.Enabled)
	assert.Equal(t, 20, updated.Priority)
}

func TestEventHandlersCRUD(t *testing.T) {
	createReq := gateway.CreateEventHandlerRequest{
		Name:          "e2e_loan_approved",
		Topic:         "fineract.events",
		EventType:     "LoanApprovedBusinessEvent",
		TargetDoctype: "Loan",
		DocnameField:  "loanAccountNo",
		FieldMappings: []consumer.FieldMapping{
			{DocField: "status", SourceType: "field", SourceField: "status"},
		},
		Enabled:  boolPtr(true),
		Priority: 10,
	}

	created := createEventHandler(t, createReq)
	defer deleteEventHandler(t, created.Name)

	handler := getEventHandler(t, created.Name)
	assert.Equal(t, createReq.Name, handler.Name)
	assert.Equal(t, createReq.Topic, handler.Topic)
	assert.Equal(t, createReq.EventType, handler.EventType)
	assert.True(t, handler.Enabled)

	updateReq := gateway.UpdateEventHandlerRequest{
		Topic:         createReq.Topic,
		EventType:     "*",
		TargetDoctype: createReq.TargetDoctype,
		DocnameField:  createReq.DocnameField,
		FieldMappings: createReq.FieldMappings,
		Enabled:       boolPtr(true),
		Priority:      30,
	}
	updated := updateEventHandler(t, created.Name, updateReq)
	assert.Equal(t, "*", updated.EventType)
	assert.Equal(t, 30, updated.Priority)
}

func TestValidationErrors(t *testing.T) {
	missingName := gateway.CreateEmissionRuleRequest{Doctype: "Loan"}
	resp := postJSON(t, "/api/v1/rules/emission", missingName)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	resp.Body.Close()

	badCondition := gateway.CreateEmissionRuleRequest{
		Name:          "e2e_bad_condition",
		Doctype:       "Loan",
		Events:        []string{"on_submit"},
		SchemaSubject: "org.apache.fineract.avro.LoanCreate",
		ConditionExpr: "doc.principal >",
		FieldMappings: []producer.FieldMapping{
			{AvroField: "clientId", SourceType: "field", SourceField: "client_id"},
		},
		CommandType: "CREATE",
	}
	resp = postJSON(t, "/api/v1/rules/emission", badCondition)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	resp.Body.Close()

	unknownEvent := badCondition
	unknownEvent.Name = "e2e_unknown_event"
	unknownEvent.ConditionExpr = ""
	unknownEvent.Events = []string{"before_breakfast"}
	resp = postJSON(t, "/api/v1/rules/emission", unknownEvent)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	resp.Body.Close()

	handlerWithoutDocname := gateway.CreateEventHandlerRequest{
		Name:          "e2e_no_docname",
		Topic:         "fineract.events",
		EventType:     "*",
		TargetDoctype: "Loan",
		FieldMappings: []consumer.FieldMapping{
			{DocField: "status", SourceType: "field", SourceField: "status"},
		},
	}
	resp = postJSON(t, "/api/v1/handlers", handlerWithoutDocname)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	resp.Body.Close()
}

func TestAuditLogs(t *testing.T) {
	createReq := gateway.CreateEmissionRuleRequest{
		Name:          "e2e_audited_rule",
		Doctype:       "Loan",
		Events:        []string{"on_submit"},
		SchemaSubject: "org.apache.fineract.avro.LoanCreate",
		FieldMappings: []producer.FieldMapping{
			{AvroField: "clientId", SourceType: "field", SourceField: "client_id"},
		},
		CommandType: "CREATE",
	}
	created := createEmissionRule(t, createReq)
	deleteEmissionRule(t, created.Name)

	resp, err := http.Get(fmt.Sprintf("%s/api/v1/audit/logs?entity_type=emission_rule", gatewayServiceURL))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var entries []gateway.AuditLogEntry
	err = json.NewDecoder(resp.Body).Decode(&entries)
	require.NoError(t, err)

	var sawCreate, sawDelete bool
	for _, entry := range entries {
		if entry.EntityID != created.Name {
			continue
		}
		switch entry.Action {
		case "create":
			sawCreate = true
		case "delete":
			sawDelete = true
		}
	}
	assert.True(t, sawCreate, "create should be audited")
	assert.True(t, sawDelete, "delete should be audited")
}

func TestStats(t *testing.T) {
	resp, err := http.Get(fmt.Sprintf("%s/api/v1/stats", gatewayServiceURL))
	require.NoError(t, err)
	defer resp.Body.Close()

	require.Equal(t, http.StatusOK, resp.StatusCode)

	var stats gateway.StatsResponse
	err = json.NewDecoder(resp.Body).Decode(&stats)
	require.NoError(t, err)

	assert.Equal(t, 24, stats.WindowHours)
	assert.False(t, stats.Since.IsZero())
}

func createEmissionRule(t *testing.T, req gateway.CreateEmissionRuleRequest) producer.EmissionRule {
	t.Helper()

	resp := postJSON(t, "/api/v1/rules/emission", req)
	defer resp.Body.Close()
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	var rule producer.EmissionRule
	err := json.NewDecoder(resp.Body).Decode(&rule)
	require.NoError(t, err)
	return rule
}

func getEmissionRule(t *testing.T, name string) producer.EmissionRule {
	t.Helper()

	resp, err := http.Get(fmt.Sprintf("%s/api/v1/rules/emission/%s", gatewayServiceURL, name))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var rule producer.EmissionRule
	err = json.NewDecoder(resp.Body).Decode(&rule)
	require.NoError(t, err)
	return rule
}

func listEmissionRules(t *testing.T) []producer.EmissionRule {
	t.Helper()

	resp, err := http.Get(fmt.Sprintf("%s/api/v1/rules/emission", gatewayServiceURL))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var rules []producer.EmissionRule
	err = json.NewDecoder(resp.Body).Decode(&rules)
	require.NoError(t, err)
	return rules
}

func updateEmissionRule(t *testing.T, name string, req gateway.UpdateEmissionRuleRequest) producer.EmissionRule {
	t.Helper()

	resp := doJSON(t, "PUT", fmt.Sprintf("/api/v1/rules/emission/%s", name), req)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var rule producer.EmissionRule
	err := json.NewDecoder(resp.Body).Decode(&rule)
	require.NoError(t, err)
	return rule
}

func deleteEmissionRule(t *testing.T, name string) {
	t.Helper()

	resp := doJSON(t, "DELETE", fmt.Sprintf("/api/v1/rules/emission/%s", name), nil)
	defer resp.Body.Close()
	require.Equal(t, http.StatusNoContent, resp.StatusCode)
}

func createEventHandler(t *testing.T, req gateway.CreateEventHandlerRequest) consumer.EventHandler {
	t.Helper()

	resp := postJSON(t, "/api/v1/handlers", req)
	defer resp.Body.Close()
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	var handler consumer.EventHandler
	err := json.NewDecoder(resp.Body).Decode(&handler)
	require.NoError(t, err)
	return handler
}

func getEventHandler(t *testing.T, name string) consumer.EventHandler {
	t.Helper()

	resp, err := http.Get(fmt.Sprintf("%s/api/v1/handlers/%s", gatewayServiceURL, name))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var handler consumer.EventHandler
	err = json.NewDecoder(resp.Body).Decode(&handler)
	require.NoError(t, err)
	return handler
}

func updateEventHandler(t *testing.T, name string, req gateway.UpdateEventHandlerRequest) consumer.EventHandler {
	t.Helper()

	resp := doJSON(t, "PUT", fmt.Sprintf("/api/v1/handlers/%s", name), req)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var handler consumer.EventHandler
	err := json.NewDecoder(resp.Body).Decode(&handler)
	require.NoError(t, err)
	return handler
}

func deleteEventHandler(t *testing.T, name string) {
	t.Helper()

	resp := doJSON(t, "DELETE", fmt.Sprintf("/api/v1/handlers/%s", name), nil)
	defer resp.Body.Close()
	require.Equal(t, http.StatusNoContent, resp.StatusCode)
}

func postJSON(t *testing.T, path string, payload interface{}) *http.Response {
	t.Helper()

	body, err := json.Marshal(payload)
	require.NoError(t, err)

	resp, err := http.Post(gatewayServiceURL+path, "application/json", bytes.NewBuffer(body))
	require.NoError(t, err)
	return resp
}

func doJSON(t *testing.T, method, path string, payload interface{}) *http.Response {
	t.Helper()

	var body *bytes.Buffer
	if payload != nil {
		raw, err := json.Marshal(payload)
		require.NoError(t, err)
		body = bytes.NewBuffer(raw)
	} else {
		body = bytes.NewBuffer(nil)
	}

	req, err := http.NewRequest(method, gatewayServiceURL+path, body)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")

	resp, err := (&http.Client{}).Do(req)
	require.NoError(t, err)
	return resp
}

func boolPtr(b bool) *bool {
	return &b
}
