package schema

import (
	"time"
)

// SchemaDefinition is one resolved schema as held by every cache layer.
// Definition is the raw Avro schema JSON exactly as the registry returns it.
type SchemaDefinition struct {
	Subject    string    `json:"subject"`
	Version    int       `json:"version"`
	SchemaID   int       `json:"schema_id"`
	Definition string    `json:"definition"`
	FetchedAt  time.Time `json:"fetched_at"`
}
