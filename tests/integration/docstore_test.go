package integration

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"connect/internal/docstore"
	"connect/pkg/errors"
)

func TestDocumentStore_UpsertFiresInsertThenUpdate(t *testing.T) {
	infra := SetupTestInfraWithOptions(t, true, false, false)

	store := docstore.NewPostgresStore(infra.PostgresDB)
	ctx := context.Background()

	var events []docstore.LifecycleEvent
	store.Subscribe(func(_ context.Context, event docstore.LifecycleEvent) {
		events = append(events, event)
	})

	doc := createTestDocument("Loan", "LOAN-0001", map[string]interface{}{"principal": 5000.0})
	saved, err := store.Upsert(ctx, doc)
	require.NoError(t, err)
	assert.NotEmpty(t, saved.ID)

	saved.Payload["principal"] = 7500.0
	_, err = store.Upsert(ctx, saved)
	require.NoError(t, err)

	require.Len(t, events, 2)
	assert.Equal(t, docstore.EventAfterInsert, events[0].Event)
	assert.Equal(t, docstore.EventOnUpdate, events[1].Event)
	assert.Equal(t, "Loan", events[1].Doctype)
	assert.Equal(t, "LOAN-0001", events[1].Docname)
	assert.Equal(t, 7500.0, events[1].Doc["principal"])
}

func TestDocumentStore_GetRoundtrip(t *testing.T) {
	infra := SetupTestInfraWithOptions(t, true, false, false)

	store := docstore.NewPostgresStore(infra.PostgresDB)
	ctx := context.Background()

	_, err := store.Upsert(ctx, createTestDocument("Loan", "LOAN-0001", map[string]interface{}{
		"client_id": "CL-7",
		"principal": 5000.0,
	}))
	require.NoError(t, err)

	got, err := store.Get(ctx, "default", "Loan", "LOAN-0001")
	require.NoError(t, err)
	assert.Equal(t, "CL-7", got.Payload["client_id"])
	assert.Equal(t, 5000.0, got.Payload["principal"])
	assert.False(t, got.Deleted)
}

func TestDocumentStore_Get_NotFound(t *testing.T) {
	infra := SetupTestInfraWithOptions(t, true, false, false)

	store := docstore.NewPostgresStore(infra.PostgresDB)

	_, err := store.Get(context.Background(), "default", "Loan", "missing")
	require.Error(t, err)
	assert.True(t, errors.IsNotFound(err))
}

func TestDocumentStore_SubmitSetsDocstatus(t *testing.T) {
	infra := SetupTestInfraWithOptions(t, true, false, false)

	store := docstore.NewPostgresStore(infra.PostgresDB)
	ctx := context.Background()

	var events []docstore.LifecycleEvent
	store.Subscribe(func(_ context.Context, event docstore.LifecycleEvent) {
		events = append(events, event)
	})

	_, err := store.Upsert(ctx, createTestDocument("Loan", "LOAN-0001", map[string]interface{}{"principal": 5000.0}))
	require.NoError(t, err)

	submitted, err := store.Submit(ctx, "default", "Loan", "LOAN-0001")
	require.NoError(t, err)
	assert.Equal(t, 1.0, submitted.Payload["docstatus"])

	got, err := store.Get(ctx, "default", "Loan", "LOAN-0001")
	require.NoError(t, err)
	assert.Equal(t, 1.0, got.Payload["docstatus"])

	require.Len(t, events, 2)
	assert.Equal(t, docstore.EventOnSubmit, events[1].Event)
	assert.Equal(t, 1.0, events[1].Doc["docstatus"])
}

func TestDocumentStore_DeleteSoftDeletes(t *testing.T) {
	infra := SetupTestInfraWithOptions(t, true, false, false)

	store := docstore.NewPostgresStore(infra.PostgresDB)
	ctx := context.Background()

	var events []docstore.LifecycleEvent
	store.Subscribe(func(_ context.Context, event docstore.LifecycleEvent) {
		events = append(events, event)
	})

	_, err := store.Upsert(ctx, createTestDocument("Loan", "LOAN-0001", map[string]interface{}{"principal": 5000.0}))
	require.NoError(t, err)

	require.NoError(t, store.Delete(ctx, "default", "Loan", "LOAN-0001"))

	_, err = store.Get(ctx, "default", "Loan", "LOAN-0001")
	assert.True(t, errors.IsNotFound(err))

	require.Len(t, events, 2)
	assert.Equal(t, docstore.EventOnTrash, events[1].Event)

	// Re-creating the same docname revives the row as an update.
	_, err = store.Upsert(ctx, createTestDocument("Loan", "LOAN-0001", map[string]interface{}{"principal": 1.0}))
	require.NoError(t, err)

	got, err := store.Get(ctx, "default", "Loan", "LOAN-0001")
	require.NoError(t, err)
	assert.Equal(t, 1.0, got.Payload["principal"])
}

func TestDocumentStore_TenantIsolation(t *testing.T) {
	infra := SetupTestInfraWithOptions(t, true, false, false)

	store := docstore.NewPostgresStore(infra.PostgresDB)
	ctx := context.Background()

	docA := createTestDocument("Loan", "LOAN-0001", map[string]interface{}{"principal": 100.0})
	docA.TenantID = "tenant_a"
	_, err := store.Upsert(ctx, docA)
	require.NoError(t, err)

	docB := createTestDocument("Loan", "LOAN-0001", map[string]interface{}{"principal": 200.0})
	docB.TenantID = "tenant_b"
	_, err = store.Upsert(ctx, docB)
	require.NoError(t, err)

	gotA, err := store.Get(ctx, "tenant_a", "Loan", "LOAN-0001")
	require.NoError(t, err)
	assert.Equal(t, 100.0, gotA.Payload["principal"])

	gotB, err := store.Get(ctx, "tenant_b", "Loan", "LOAN-0001")
	require.NoError(t, err)
	assert.Equal(t, 200.0, gotB.Payload["principal"])
}
