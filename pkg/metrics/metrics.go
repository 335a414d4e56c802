package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	MessagesProducedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "connect_messages_produced_total",
			Help: "Total number of produced messages by final status (count)",
		},
		[]string{"status", "topic"},
	)

	MessagesConsumedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "connect_messages_consumed_total",
			Help: "Total number of consumed messages by final status (count)",
		},
		[]string{"status", "topic"},
	)

	ProduceDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "connect_produce_duration_ms",
			Help:    "End-to-end duration of a produce attempt in milliseconds",
			Buckets: []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000, 2500, 5000},
		},
		[]string{"status"},
	)

	ConsumeDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "connect_consume_duration_ms",
			Help:    "Duration of processing a consumed message in milliseconds",
			Buckets: []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000, 2500, 5000},
		},
		[]string{"status"},
	)

	SchemaCacheLookupsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "connect_schema_cache_lookups_total",
			Help: "Schema cache lookups by resolving layer (count)",
		},
		[]string{"layer", "result"},
	)

	SchemaRegistryFetchesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "connect_schema_registry_fetches_total",
			Help: "Total number of schema registry fetches (count)",
		},
		[]string{"result"},
	)

	RetryAttemptsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "connect_retry_attempts_total",
			Help: "Total number of consumer handler retry attempts (count)",
		},
		[]string{"topic"},
	)

	DeadLetterTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "connect_dead_letter_total",
			Help: "Total number of messages transitioned to Dead Letter (count)",
		},
		[]string{"topic", "reason"},
	)

	ActiveEmissionRules = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "connect_active_emission_rules",
			Help: "Number of enabled emission rules (count)",
		},
	)

	ActiveEventHandlers = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "connect_active_event_handlers",
			Help: "Number of enabled event handlers (count)",
		},
	)

	CircuitBreakerState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "circuit_breaker_state",
			Help: "Circuit breaker state (0=closed, 1=half-open, 2=open) (state code)",
		},
		[]string{"name"},
	)

	CircuitBreakerRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "circuit_breaker_requests_total",
			Help: "Total number of requests through circuit breaker (count)",
		},
		[]string{"name", "state"},
	)

	CircuitBreakerFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "circuit_breaker_failures_total",
			Help: "Total number of failures through circuit breaker (count)",
		},
		[]string{"name"},
	)

	RateLimitRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rate_limit_requests_total",
			Help: "Total number of requests checked against rate limit (count)",
		},
		[]string{"status"},
	)

	KafkaMessagesWrittenTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kafka_messages_written_total",
			Help: "Total number of messages written to Kafka (count)",
		},
		[]string{"topic"},
	)

	KafkaMessagesReadTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kafka_messages_read_total",
			Help: "Total number of messages read from Kafka (count)",
		},
		[]string{"topic"},
	)
)

func RegisterProducerMetrics() {
	prometheus.MustRegister(
		MessagesProducedTotal,
		ProduceDuration,
		ActiveEmissionRules,
		KafkaMessagesWrittenTotal,
	)
}

func RegisterConsumerMetrics() {
	prometheus.MustRegister(
		MessagesConsumedTotal,
		ConsumeDuration,
		ActiveEventHandlers,
		RetryAttemptsTotal,
		DeadLetterTotal,
		KafkaMessagesReadTotal,
	)
}

func RegisterSchemaMetrics() {
	prometheus.MustRegister(
		SchemaCacheLookupsTotal,
		SchemaRegistryFetchesTotal,
	)
}

func RegisterCircuitBreakerMetrics() {
	prometheus.MustRegister(
		CircuitBreakerState,
		CircuitBreakerRequests,
		CircuitBreakerFailures,
	)
}

func RegisterGatewayMetrics() {
	prometheus.MustRegister(
		RateLimitRequestsTotal,
	)
}
