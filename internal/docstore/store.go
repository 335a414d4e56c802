package docstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"

	"connect/pkg/errors"
)

// ListenerFunc receives lifecycle events synchronously, in mutation order.
type ListenerFunc func(ctx context.Context, event LifecycleEvent)

// Store is the document-oriented side of the bridge: typed records keyed by
// tenant, doctype and docname, with lifecycle event subscription.
type Store interface {
	Get(ctx context.Context, tenantID, doctype, docname string) (*Document, error)
	Upsert(ctx context.Context, doc *Document) (*Document, error)
	Submit(ctx context.Context, tenantID, doctype, docname string) (*Document, error)
	Delete(ctx context.Context, tenantID, doctype, docname string) error
	Subscribe(fn ListenerFunc)
}

type PostgresStore struct {
	db *sql.DB

	mu        sync.RWMutex
	listeners []ListenerFunc
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) Subscribe(fn ListenerFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listeners = append(s.listeners, fn)
}

func (s *PostgresStore) notify(ctx context.Context, event LifecycleEvent) {
	s.mu.RLock()
	listeners := make([]ListenerFunc, len(s.listeners))
	copy(listeners, s.listeners)
	s.mu.RUnlock()

	for _, fn := range listeners {
		fn(ctx, event)
	}
}

func (s *PostgresStore) Get(ctx context.Context, tenantID, doctype, docname string) (*Document, error) {
	if tenantID == "" {
		tenantID = "default"
	}

	query := `
		SELECT id, tenant_id, doctype, docname, payload, deleted, created_at, updated_at
		FROM documents
		WHERE tenant_id = $1 AND doctype = $2 AND docname = $3 AND deleted = FALSE
	`

	var doc Document
	var raw []byte
	err := s.db.QueryRowContext(ctx, query, tenantID, doctype, docname).Scan(
		&doc.ID,
		&doc.TenantID,
		&doc.Doctype,
		&doc.Docname,
		&raw,
		&doc.Deleted,
		&doc.CreatedAt,
		&doc.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, errors.ErrNotFound.WithDetail("message", fmt.Sprintf("document not found: %s/%s", doctype, docname))
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query document: %w", err)
	}

	if err := json.Unmarshal(raw, &doc.Payload); err != nil {
		return nil, fmt.Errorf("failed to unmarshal document payload: %w", err)
	}

	return &doc, nil
}

// Upsert writes the document and fires after_insert or on_update depending
// on whether the row existed.
func (s *PostgresStore) Upsert(ctx context.Context, doc *Document) (*Document, error) {
	if doc.TenantID == "" {
		doc.TenantID = "default"
	}
	if doc.Payload == nil {
		doc.Payload = map[string]interface{}{}
	}

	raw, err := json.Marshal(doc.Payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal document payload: %w", err)
	}

	query := `
		INSERT INTO documents (tenant_id, doctype, docname, payload, deleted, created_at, updated_at)
		VALUES ($1, $2, $3, $4, FALSE, NOW(), NOW())
		ON CONFLICT (tenant_id, doctype, docname) DO UPDATE SET
			payload = EXCLUDED.payload,
			deleted = FALSE,
			updated_at = NOW()
		RETURNING id, created_at, updated_at, (xmax = 0) AS inserted
	`

	var inserted bool
	err = s.db.QueryRowContext(ctx, query, doc.TenantID, doc.Doctype, doc.Docname, raw).Scan(
		&doc.ID,
		&doc.CreatedAt,
		&doc.UpdatedAt,
		&inserted,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to upsert document: %w", err)
	}

	event := EventOnUpdate
	if inserted {
		event = EventAfterInsert
	}
	s.notify(ctx, LifecycleEvent{
		Event:    event,
		TenantID: doc.TenantID,
		Doctype:  doc.Doctype,
		Docname:  doc.Docname,
		Doc:      doc.Payload,
	})

	return doc, nil
}

// Submit marks the document submitted (docstatus 1) and fires on_submit.
func (s *PostgresStore) Submit(ctx context.Context, tenantID, doctype, docname string) (*Document, error) {
	doc, err := s.Get(ctx, tenantID, doctype, docname)
	if err != nil {
		return nil, err
	}

	doc.Payload["docstatus"] = 1.0

	raw, err := json.Marshal(doc.Payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal document payload: %w", err)
	}

	query := `
		UPDATE documents
		SET payload = $4, updated_at = NOW()
		WHERE tenant_id = $1 AND doctype = $2 AND docname = $3
	`
	if _, err := s.db.ExecContext(ctx, query, doc.TenantID, doctype, docname, raw); err != nil {
		return nil, fmt.Errorf("failed to submit document: %w", err)
	}

	s.notify(ctx, LifecycleEvent{
		Event:    EventOnSubmit,
		TenantID: doc.TenantID,
		Doctype:  doctype,
		Docname:  docname,
		Doc:      doc.Payload,
	})

	return doc, nil
}

// Delete soft-deletes the document and fires on_trash with the last
// snapshot.
func (s *PostgresStore) Delete(ctx context.Context, tenantID, doctype, docname string) error {
	doc, err := s.Get(ctx, tenantID, doctype, docname)
	if err != nil {
		return err
	}

	query := `
		UPDATE documents
		SET deleted = TRUE, updated_at = NOW()
		WHERE tenant_id = $1 AND doctype = $2 AND docname = $3
	`
	if _, err := s.db.ExecContext(ctx, query, doc.TenantID, doctype, docname); err != nil {
		return fmt.Errorf("failed to delete document: %w", err)
	}

	s.notify(ctx, LifecycleEvent{
		Event:    EventOnTrash,
		TenantID: doc.TenantID,
		Doctype:  doctype,
		Docname:  docname,
		Doc:      doc.Payload,
	})

	return nil
}
