package codec

import (
	"encoding/binary"
	"fmt"

	"connect/internal/constants"
)

// MessageV1Schema is the outer envelope schema shared with the core banking
// side. Every broker message is a MessageV1 record in Confluent wire format,
// with the business payload nested in the data field as raw Avro bytes.
const MessageV1Schema = `{
	"type": "record",
	"name": "MessageV1",
	"namespace": "org.apache.fineract.avro",
	"fields": [
		{"name": "id", "type": "int"},
		{"name": "source", "type": "string"},
		{"name": "type", "type": "string"},
		{"name": "category", "type": "string"},
		{"name": "createdAt", "type": "string"},
		{"name": "businessDate", "type": "string"},
		{"name": "tenantId", "type": "string"},
		{"name": "idempotencyKey", "type": "string"},
		{"name": "dataschema", "type": "string"},
		{"name": "data", "type": "bytes"}
	]
}`

type Envelope struct {
	ID             int
	Source         string
	Type           string
	Category       string
	CreatedAt      string
	BusinessDate   string
	TenantID       string
	IdempotencyKey string
	DataSchema     string
	Data           []byte
}

func (e *Envelope) toNative() map[string]interface{} {
	data := e.Data
	if data == nil {
		data = []byte{}
	}
	return map[string]interface{}{
		"id":             e.ID,
		"source":         e.Source,
		"type":           e.Type,
		"category":       e.Category,
		"createdAt":      e.CreatedAt,
		"businessDate":   e.BusinessDate,
		"tenantId":       e.TenantID,
		"idempotencyKey": e.IdempotencyKey,
		"dataschema":     e.DataSchema,
		"data":           data,
	}
}

func envelopeFromNative(native map[string]interface{}) *Envelope {
	env := &Envelope{}
	switch id := native["id"].(type) {
	case int32:
		env.ID = int(id)
	case int64:
		env.ID = int(id)
	case int:
		env.ID = id
	}
	env.Source, _ = native["source"].(string)
	env.Type, _ = native["type"].(string)
	env.Category, _ = native["category"].(string)
	env.CreatedAt, _ = native["createdAt"].(string)
	env.BusinessDate, _ = native["businessDate"].(string)
	env.TenantID, _ = native["tenantId"].(string)
	env.IdempotencyKey, _ = native["idempotencyKey"].(string)
	env.DataSchema, _ = native["dataschema"].(string)
	env.Data, _ = native["data"].([]byte)
	return env
}

// EncodeSchemaID prefixes a payload with the Confluent wire header:
// magic byte 0x0 followed by the schema id as a 4-byte big-endian int.
func EncodeSchemaID(schemaID int) []byte {
	buf := make([]byte, constants.WireHeaderSize)
	buf[0] = constants.WireMagicByte
	binary.BigEndian.PutUint32(buf[1:], uint32(schemaID))
	return buf
}

// DecodeSchemaID splits a wire-framed message into its schema id and the
// Avro body that follows the 5-byte header.
func DecodeSchemaID(data []byte) (int, []byte, error) {
	if len(data) < constants.WireHeaderSize {
		return 0, nil, fmt.Errorf("data too short: expected at least %d bytes, got %d", constants.WireHeaderSize, len(data))
	}

	if data[0] != constants.WireMagicByte {
		return 0, nil, fmt.Errorf("invalid magic byte: expected 0x%x, got 0x%x", constants.WireMagicByte, data[0])
	}

	schemaID := int(binary.BigEndian.Uint32(data[1:constants.WireHeaderSize]))
	return schemaID, data[constants.WireHeaderSize:], nil
}
