package schema

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/sync/singleflight"

	"connect/internal/constants"
	"connect/internal/logger"
	"connect/pkg/errors"
	"connect/pkg/metrics"
)

// Resolver chains the three schema layers: fast cache, durable store,
// registry. Each miss falls through to the next layer and hits are written
// back upward so the next resolve stops earlier.
type Resolver struct {
	fast     FastCache
	store    Store
	registry Registry
	logger   logger.Logger
	ttl      time.Duration
	group    singleflight.Group
}

func NewResolver(fast FastCache, store Store, registry Registry, ttlSeconds int, log logger.Logger) *Resolver {
	ttl := time.Duration(ttlSeconds) * time.Second
	if ttl <= 0 {
		ttl = time.Duration(constants.DefaultSchemaTTLSeconds) * time.Second
	}

	return &Resolver{
		fast:     fast,
		store:    store,
		registry: registry,
		logger:   log,
		ttl:      ttl,
	}
}

// ResolveBySubject returns the schema for a subject. Concurrent resolves of
// the same subject share one lookup chain.
func (r *Resolver) ResolveBySubject(ctx context.Context, subject string) (*SchemaDefinition, error) {
	result, err, _ := r.group.Do("subject:"+subject, func() (interface{}, error) {
		return r.resolveBySubject(ctx, subject)
	})
	if err != nil {
		return nil, err
	}
	return result.(*SchemaDefinition), nil
}

func (r *Resolver) resolveBySubject(ctx context.Context, subject string) (*SchemaDefinition, error) {
	if def, err := r.fast.Get(ctx, SubjectKey(subject)); err == nil {
		metrics.SchemaCacheLookupsTotal.WithLabelValues("fast", "hit").Inc()
		return def, nil
	} else if !errors.IsNotFound(err) {
		r.logger.WarnwCtx(ctx, "Fast cache lookup failed, falling through",
			"subject", subject,
			"error", err,
		)
	}
	metrics.SchemaCacheLookupsTotal.WithLabelValues("fast", "miss").Inc()

	if def, err := r.store.GetBySubject(ctx, subject); err == nil {
		metrics.SchemaCacheLookupsTotal.WithLabelValues("store", "hit").Inc()
		r.writeBackFast(ctx, SubjectKey(subject), def)
		return def, nil
	} else if !errors.IsNotFound(err) {
		r.logger.WarnwCtx(ctx, "Durable store lookup failed, falling through",
			"subject", subject,
			"error", err,
		)
	}
	metrics.SchemaCacheLookupsTotal.WithLabelValues("store", "miss").Inc()

	def, err := r.registry.GetLatestSchema(ctx, subject)
	if err != nil {
		metrics.SchemaCacheLookupsTotal.WithLabelValues("registry", "miss").Inc()
		return nil, errors.ErrSchemaUnavailable.
			WithCause(err).
			WithDetail("subject", subject)
	}
	metrics.SchemaCacheLookupsTotal.WithLabelValues("registry", "hit").Inc()

	r.writeBack(ctx, def)
	return def, nil
}

// ResolveByID looks up a schema by its registry-assigned id, the decode-side
// entry point.
func (r *Resolver) ResolveByID(ctx context.Context, schemaID int) (*SchemaDefinition, error) {
	result, err, _ := r.group.Do(fmt.Sprintf("id:%d", schemaID), func() (interface{}, error) {
		return r.resolveByID(ctx, schemaID)
	})
	if err != nil {
		return nil, err
	}
	return result.(*SchemaDefinition), nil
}

func (r *Resolver) resolveByID(ctx context.Context, schemaID int) (*SchemaDefinition, error) {
	if def, err := r.fast.Get(ctx, SchemaIDKey(schemaID)); err == nil {
		metrics.SchemaCacheLookupsTotal.WithLabelValues("fast", "hit").Inc()
		return def, nil
	} else if !errors.IsNotFound(err) {
		r.logger.WarnwCtx(ctx, "Fast cache lookup failed, falling through",
			"schema_id", schemaID,
			"error", err,
		)
	}
	metrics.SchemaCacheLookupsTotal.WithLabelValues("fast", "miss").Inc()

	if def, err := r.store.GetBySchemaID(ctx, schemaID); err == nil {
		metrics.SchemaCacheLookupsTotal.WithLabelValues("store", "hit").Inc()
		r.writeBackFast(ctx, SchemaIDKey(schemaID), def)
		return def, nil
	} else if !errors.IsNotFound(err) {
		r.logger.WarnwCtx(ctx, "Durable store lookup failed, falling through",
			"schema_id", schemaID,
			"error", err,
		)
	}
	metrics.SchemaCacheLookupsTotal.WithLabelValues("store", "miss").Inc()

	definition, err := r.registry.GetSchemaByID(ctx, schemaID)
	if err != nil {
		metrics.SchemaCacheLookupsTotal.WithLabelValues("registry", "miss").Inc()
		return nil, errors.ErrSchemaUnavailable.
			WithCause(err).
			WithDetail("schema_id", schemaID)
	}
	metrics.SchemaCacheLookupsTotal.WithLabelValues("registry", "hit").Inc()

	def := &SchemaDefinition{
		SchemaID:   schemaID,
		Definition: definition,
		FetchedAt:  time.Now(),
	}
	// The by-id endpoint does not report a subject, so only the fast layer
	// can be populated here.
	r.writeBackFast(ctx, SchemaIDKey(schemaID), def)
	return def, nil
}

// Refresh bypasses every cache layer, re-fetches the subject from the
// registry and overwrites both caches.
func (r *Resolver) Refresh(ctx context.Context, subject string) (*SchemaDefinition, error) {
	def, err := r.registry.GetLatestSchema(ctx, subject)
	if err != nil {
		return nil, errors.ErrSchemaUnavailable.
			WithCause(err).
			WithDetail("subject", subject)
	}

	r.writeBack(ctx, def)
	r.logger.InfowCtx(ctx, "Schema refreshed",
		"subject", subject,
		"schema_id", def.SchemaID,
		"version", def.Version,
	)
	return def, nil
}

// RefreshAll refreshes every subject known to either the durable store or
// the registry. Returns the number of refreshed subjects.
func (r *Resolver) RefreshAll(ctx context.Context) (int, error) {
	subjects, err := r.registry.Subjects(ctx)
	if err != nil {
		// Fall back to the subjects we already hold durably.
		stored, storeErr := r.store.ListSubjects(ctx)
		if storeErr != nil {
			return 0, errors.ErrSchemaUnavailable.WithCause(err)
		}
		subjects = stored
	}

	refreshed := 0
	var lastErr error
	for _, subject := range subjects {
		if ctx.Err() != nil {
			return refreshed, ctx.Err()
		}
		if _, err := r.Refresh(ctx, subject); err != nil {
			r.logger.WarnwCtx(ctx, "Failed to refresh subject",
				"subject", subject,
				"error", err,
			)
			lastErr = err
			continue
		}
		refreshed++
	}

	if refreshed == 0 && lastErr != nil {
		return 0, lastErr
	}
	return refreshed, nil
}

func (r *Resolver) writeBack(ctx context.Context, def *SchemaDefinition) {
	if err := r.store.Upsert(ctx, def); err != nil {
		r.logger.WarnwCtx(ctx, "Failed to write schema back to durable store",
			"subject", def.Subject,
			"error", err,
		)
	}
	r.writeBackFast(ctx, SubjectKey(def.Subject), def)
	r.writeBackFast(ctx, SchemaIDKey(def.SchemaID), def)
}

func (r *Resolver) writeBackFast(ctx context.Context, key string, def *SchemaDefinition) {
	if err := r.fast.Set(ctx, key, def, r.ttl); err != nil {
		r.logger.WarnwCtx(ctx, "Failed to write schema back to fast cache",
			"key", key,
			"error", err,
		)
	}
}
