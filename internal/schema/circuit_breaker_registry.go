package schema

import (
	"context"
	"fmt"

	"github.com/sony/gobreaker"

	"connect/internal/config"
	"connect/pkg/circuitbreaker"
)

// CircuitBreakerRegistry shields the registry from repeated calls while it
// is failing; an open breaker fails fast so cache layers decide the outcome.
type CircuitBreakerRegistry struct {
	registry Registry
	cb       *circuitbreaker.Wrapper
}

func NewCircuitBreakerRegistry(registry Registry, cfg config.CircuitBreakerConfig) *CircuitBreakerRegistry {
	if !cfg.Enabled {
		return &CircuitBreakerRegistry{
			registry: registry,
			cb:       nil,
		}
	}

	cbConfig := circuitbreaker.DefaultConfig("schema-registry")
	if cfg.MaxRequests > 0 {
		cbConfig.MaxRequests = cfg.MaxRequests
	}
	if cfg.Interval > 0 {
		cbConfig.Interval = cfg.Interval
	}
	if cfg.Timeout > 0 {
		cbConfig.Timeout = cfg.Timeout
	}
	if cfg.FailureRatio > 0 && cfg.MinRequests > 0 {
		cbConfig.ReadyToTrip = func(counts gobreaker.Counts) bool {
			if counts.Requests < cfg.MinRequests {
				return false
			}
			failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
			return failureRatio >= cfg.FailureRatio
		}
	}

	return &CircuitBreakerRegistry{
		registry: registry,
		cb:       circuitbreaker.NewWrapper(cbConfig),
	}
}

func (r *CircuitBreakerRegistry) GetLatestSchema(ctx context.Context, subject string) (*SchemaDefinition, error) {
	if r.cb == nil {
		return r.registry.GetLatestSchema(ctx, subject)
	}

	result, err := r.cb.ExecuteWithContext(ctx, func() (interface{}, error) {
		return r.registry.GetLatestSchema(ctx, subject)
	})

	r.cb.RecordRequest(err == nil)

	if err != nil {
		if r.cb.IsOpen() {
			return nil, fmt.Errorf("circuit breaker is open for schema-registry: %w", err)
		}
		return nil, err
	}

	def, ok := result.(*SchemaDefinition)
	if !ok {
		return nil, fmt.Errorf("registry returned invalid result type")
	}
	return def, nil
}

func (r *CircuitBreakerRegistry) GetSchemaByID(ctx context.Context, id int) (string, error) {
	if r.cb == nil {
		return r.registry.GetSchemaByID(ctx, id)
	}

	result, err := r.cb.ExecuteWithContext(ctx, func() (interface{}, error) {
		return r.registry.GetSchemaByID(ctx, id)
	})

	r.cb.RecordRequest(err == nil)

	if err != nil {
		if r.cb.IsOpen() {
			return "", fmt.Errorf("circuit breaker is open for schema-registry: %w", err)
		}
		return "", err
	}

	definition, ok := result.(string)
	if !ok {
		return "", fmt.Errorf("registry returned invalid result type")
	}
	return definition, nil
}

func (r *CircuitBreakerRegistry) RegisterSchema(ctx context.Context, subject, schemaJSON string) (int, error) {
	if r.cb == nil {
		return r.registry.RegisterSchema(ctx, subject, schemaJSON)
	}

	result, err := r.cb.ExecuteWithContext(ctx, func() (interface{}, error) {
		return r.registry.RegisterSchema(ctx, subject, schemaJSON)
	})

	r.cb.RecordRequest(err == nil)

	if err != nil {
		if r.cb.IsOpen() {
			return 0, fmt.Errorf("circuit breaker is open for schema-registry: %w", err)
		}
		return 0, err
	}

	id, ok := result.(int)
	if !ok {
		return 0, fmt.Errorf("registry returned invalid result type")
	}
	return id, nil
}

func (r *CircuitBreakerRegistry) Subjects(ctx context.Context) ([]string, error) {
	if r.cb == nil {
		return r.registry.Subjects(ctx)
	}

	result, err := r.cb.ExecuteWithContext(ctx, func() (interface{}, error) {
		return r.registry.Subjects(ctx)
	})

	r.cb.RecordRequest(err == nil)

	if err != nil {
		if r.cb.IsOpen() {
			return nil, fmt.Errorf("circuit breaker is open for schema-registry: %w", err)
		}
		return nil, err
	}

	subjects, ok := result.([]string)
	if !ok {
		return nil, fmt.Errorf("registry returned invalid result type")
	}
	return subjects, nil
}

func (r *CircuitBreakerRegistry) State() string {
	if r.cb == nil {
		return "disabled"
	}
	return r.cb.State().String()
}
