package e2e

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"net/http"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"connect/internal/gateway"
	"connect/internal/producer"
)

const (
	kafkaBroker        = "localhost:29092"
	commandsTopic      = "fineract.commands"
	messageWaitTimeout = 30 * time.Second
)

func TestDocumentSubmitProducesCommand(t *testing.T) {
	rule := createEmissionRule(t, gateway.CreateEmissionRuleRequest{
		Name:          "e2e_pipeline_submit",
		Doctype:       "Loan",
		Events:        []string{"on_submit"},
		SchemaSubject: "org.apache.fineract.avro.LoanCreate",
		KeyFields:     []string{"client_id"},
		FieldMappings: []producer.FieldMapping{
			{AvroField: "clientId", SourceType: "field", SourceField: "client_id"},
			{AvroField: "principal", SourceType: "field", SourceField: "principal", Nullable: true},
		},
		CommandType:     "CREATE",
		CommandCategory: "LOAN",
		Enabled:         boolPtr(true),
		Priority:        10,
	})
	defer deleteEmissionRule(t, rule.Name)

	docname := fmt.Sprintf("LOAN-%s", uuid.New().String()[:8])
	payload := map[string]interface{}{
		"client_id": "CL-42",
		"principal": 5000.0,
	}
	upsertDocument(t, "Loan", docname, payload)
	submitDocument(t, "Loan", docname)

	// The submitted snapshot carries docstatus 1, which the key fields do
	// not include, so the expected key is computable up front.
	payload["docstatus"] = 1.0
	expectedKey := producer.IdempotencyKey(&rule, "Loan", docname, "on_submit", payload)

	msg := waitForMessage(t, commandsTopic, expectedKey)
	require.NotNil(t, msg, "submit should put a command on the topic")

	require.GreaterOrEqual(t, len(msg.Value), 5)
	assert.EqualValues(t, 0x0, msg.Value[0], "wire format starts with the magic byte")
	schemaID := binary.BigEndian.Uint32(msg.Value[1:5])
	assert.Greater(t, schemaID, uint32(0), "schema id follows the magic byte")
}

func TestConditionFiltersEmission(t *testing.T) {
	rule := createEmissionRule(t, gateway.CreateEmissionRuleRequest{
		Name:          "e2e_pipeline_condition",
		Doctype:       "Loan",
		Events:        []string{"on_submit"},
		SchemaSubject: "org.apache.fineract.avro.LoanCreate",
		ConditionExpr: "double(doc.principal) > 1000.0",
		KeyFields:     []string{"client_id"},
		FieldMappings: []producer.FieldMapping{
			{AvroField: "clientId", SourceType: "field", SourceField: "client_id"},
		},
		CommandType: "CREATE",
		Enabled:     boolPtr(true),
	})
	defer deleteEmissionRule(t, rule.Name)

	docname := fmt.Sprintf("LOAN-%s", uuid.New().String()[:8])
	payload := map[string]interface{}{
		"client_id": "CL-43",
		"principal": 100.0,
	}
	upsertDocument(t, "Loan", docname, payload)
	submitDocument(t, "Loan", docname)

	payload["docstatus"] = 1.0
	unexpectedKey := producer.IdempotencyKey(&rule, "Loan", docname, "on_submit", payload)

	msg := tryGetMessage(t, commandsTopic, unexpectedKey, 10*time.Second)
	assert.Nil(t, msg, "a document below the threshold should not be emitted")
}

func TestDuplicateSubmitSuppressed(t *testing.T) {
	rule := createEmissionRule(t, gateway.CreateEmissionRuleRequest{
		Name:          "e2e_pipeline_dedup",
		Doctype:       "Loan",
		Events:        []string{"on_submit"},
		SchemaSubject: "org.apache.fineract.avro.LoanCreate",
		KeyFields:     []string{"client_id"},
		FieldMappings: []producer.FieldMapping{
			{AvroField: "clientId", SourceType: "field", SourceField: "client_id"},
		},
		CommandType: "CREATE",
		Enabled:     boolPtr(true),
	})
	defer deleteEmissionRule(t, rule.Name)

	docname := fmt.Sprintf("LOAN-%s", uuid.New().String()[:8])
	payload := map[string]interface{}{"client_id": "CL-44"}
	upsertDocument(t, "Loan", docname, payload)
	submitDocument(t, "Loan", docname)
	submitDocument(t, "Loan", docname)

	payload["docstatus"] = 1.0
	expectedKey := producer.IdempotencyKey(&rule, "Loan", docname, "on_submit", payload)

	require.NotNil(t, waitForMessage(t, commandsTopic, expectedKey))

	count := countMessages(t, commandsTopic, expectedKey, 10*time.Second)
	assert.Equal(t, 1, count, "the second submit maps onto the same key and is suppressed")
}

func TestManualProduceEmitsFreshKeys(t *testing.T) {
	rule := createEmissionRule(t, gateway.CreateEmissionRuleRequest{
		Name:          "e2e_pipeline_manual",
		Doctype:       "Loan",
		Events:        []string{"on_submit"},
		SchemaSubject: "org.apache.fineract.avro.LoanCreate",
		FieldMappings: []producer.FieldMapping{
			{AvroField: "clientId", SourceType: "field", SourceField: "client_id"},
		},
		CommandType: "CREATE",
		Enabled:     boolPtr(true),
	})
	defer deleteEmissionRule(t, rule.Name)

	docname := fmt.Sprintf("LOAN-%s", uuid.New().String()[:8])
	upsertDocument(t, "Loan", docname, map[string]interface{}{"client_id": "CL-45"})

	keyA := manualProduce(t, "Loan", docname, rule.Name)
	keyB := manualProduce(t, "Loan", docname, rule.Name)
	assert.NotEqual(t, keyA, keyB, "each manual produce mints its own key")

	require.NotNil(t, waitForMessage(t, commandsTopic, keyA))
	require.NotNil(t, waitForMessage(t, commandsTopic, keyB))
}

func upsertDocument(t *testing.T, doctype, docname string, payload map[string]interface{}) {
	t.Helper()

	resp := doJSON(t, "PUT", fmt.Sprintf("/api/v1/documents/%s/%s", doctype, docname), payload)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
}

func submitDocument(t *testing.T, doctype, docname string) {
	t.Helper()

	resp := postJSON(t, fmt.Sprintf("/api/v1/documents/%s/%s/submit", doctype, docname), nil)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
}

func manualProduce(t *testing.T, doctype, docname, ruleName string) string {
	t.Helper()

	resp := postJSON(t, "/api/v1/produce", gateway.ManualProduceRequest{
		Doctype:  doctype,
		Docname:  docname,
		RuleName: ruleName,
	})
	defer resp.Body.Close()
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	var produced gateway.ManualProduceResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&produced))
	require.NotEmpty(t, produced.IdempotencyKey)
	return produced.IdempotencyKey
}

func waitForMessage(t *testing.T, topic, key string) *kafka.Message {
	t.Helper()
	return tryGetMessage(t, topic, key, messageWaitTimeout)
}

// tryGetMessage scans the topic from the beginning with a throwaway group
// and returns the first record whose key matches, or nil on timeout.
func tryGetMessage(t *testing.T, topic, key string, timeout time.Duration) *kafka.Message {
	t.Helper()

	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:     []string{kafkaBroker},
		Topic:       topic,
		GroupID:     fmt.Sprintf("e2e-%s", uuid.New().String()),
		StartOffset: kafka.FirstOffset,
		MinBytes:    1,
		MaxBytes:    10e6,
	})
	defer reader.Close()

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	for {
		msg, err := reader.ReadMessage(ctx)
		if err != nil {
			return nil
		}
		if string(msg.Key) == key {
			return &msg
		}
	}
}

// countMessages scans the topic until the deadline and counts records with
// the given key.
func countMessages(t *testing.T, topic, key string, timeout time.Duration) int {
	t.Helper()

	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:     []string{kafkaBroker},
		Topic:       topic,
		GroupID:     fmt.Sprintf("e2e-%s", uuid.New().String()),
		StartOffset: kafka.FirstOffset,
		MinBytes:    1,
		MaxBytes:    10e6,
	})
	defer reader.Close()

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	count := 0
	for {
		msg, err := reader.ReadMessage(ctx)
		if err != nil {
			return count
		}
		if string(msg.Key) == key {
			count++
		}
	}
}
