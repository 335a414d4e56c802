package constants

import "time"

const (
	KafkaBatchTimeout = 10 * time.Millisecond
	KafkaWriteTimeout = 10 * time.Second
	KafkaDialTimeout  = 5 * time.Second
)

const (
	DefaultHTTPTimeout     = 10 * time.Second
	DefaultRegistryTimeout = 10 * time.Second
)

const (
	CacheKeyPrefixSchema = "connect:schema:"
)

const (
	DefaultCommandTopic = "fineract.commands"
	DefaultEventsTopic  = "fineract.events"
)

const (
	ShutdownTimeout = 5 * time.Second
)

const (
	DefaultSchemaTTLSeconds = 3600
)

const (
	StatsWindow = 24 * time.Hour
)

const (
	// Confluent wire format: magic byte + big-endian schema id.
	WireMagicByte  = 0x0
	WireHeaderSize = 5
)

const (
	EnvelopeSubject   = "org.apache.fineract.avro.MessageV1"
	DefaultSourceName = "connect-bridge"
)
