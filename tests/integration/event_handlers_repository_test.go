package integration

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"connect/internal/consumer"
	"connect/pkg/errors"
	"connect/pkg/migrations"
)

func setupHandlerRepository(t *testing.T) (*consumer.MongoDBHandlerRepository, context.Context) {
	t.Helper()

	infra := SetupTestInfraWithOptions(t, false, true, false)
	ctx := context.Background()

	require.NoError(t, migrations.EnsureMongoCollection(ctx, infra.MongoDB))
	return consumer.NewHandlerRepository(infra.MongoDB), ctx
}

func TestEventHandlerRepository_Create(t *testing.T) {
	repo, ctx := setupHandlerRepository(t)

	handler := createTestEventHandler("loan_approved", "fineract.events", "LoanApprovedBusinessEvent", 10, true)
	err := repo.Create(ctx, handler)
	require.NoError(t, err)
	assert.NotEmpty(t, handler.ID)
	assert.False(t, handler.CreatedAt.IsZero())
}

func TestEventHandlerRepository_CreateDuplicateName(t *testing.T) {
	repo, ctx := setupHandlerRepository(t)

	require.NoError(t, repo.Create(ctx, createTestEventHandler("loan_approved", "fineract.events", "LoanApprovedBusinessEvent", 10, true)))

	err := repo.Create(ctx, createTestEventHandler("loan_approved", "fineract.events", "LoanApprovedBusinessEvent", 20, true))
	require.Error(t, err)
	assert.True(t, errors.IsConflict(err))
}

func TestEventHandlerRepository_GetByName(t *testing.T) {
	repo, ctx := setupHandlerRepository(t)

	handler := createTestEventHandler("loan_approved", "fineract.events", "LoanApprovedBusinessEvent", 10, true)
	handler.Condition = `payload.status == "approved"`
	require.NoError(t, repo.Create(ctx, handler))

	got, err := repo.GetByName(ctx, "loan_approved")
	require.NoError(t, err)
	assert.Equal(t, handler.ID, got.ID)
	assert.Equal(t, "fineract.events", got.Topic)
	assert.Equal(t, "LoanApprovedBusinessEvent", got.EventType)
	assert.Equal(t, `payload.status == "approved"`, got.Condition)
	assert.Equal(t, "Loan", got.TargetDoctype)
	assert.Equal(t, "loanAccountNo", got.DocnameField)
	require.Len(t, got.FieldMappings, 1)
	assert.Equal(t, "status", got.FieldMappings[0].DocField)
}

func TestEventHandlerRepository_GetByName_NotFound(t *testing.T) {
	repo, ctx := setupHandlerRepository(t)

	_, err := repo.GetByName(ctx, "missing")
	require.Error(t, err)
	assert.True(t, errors.IsNotFound(err))
}

func TestEventHandlerRepository_GetMatching(t *testing.T) {
	repo, ctx := setupHandlerRepository(t)

	handlers := []*consumer.EventHandler{
		createTestEventHandler("loan_approved", "fineract.events", "LoanApprovedBusinessEvent", 10, true),
		createTestEventHandler("loan_catchall", "fineract.events", consumer.MatchAnyEventType, 50, true),
		createTestEventHandler("loan_disabled", "fineract.events", "LoanApprovedBusinessEvent", 90, false),
		createTestEventHandler("client_events", "fineract.client.events", consumer.MatchAnyEventType, 10, true),
	}
	for _, h := range handlers {
		require.NoError(t, repo.Create(ctx, h))
		time.Sleep(timestampDelay)
	}

	matching, err := repo.GetMatching(ctx, "fineract.events")
	require.NoError(t, err)
	require.Len(t, matching, 2)

	// Highest priority first, disabled and other-topic handlers excluded.
	assert.Equal(t, "loan_catchall", matching[0].Name)
	assert.Equal(t, "loan_approved", matching[1].Name)
}

func TestEventHandlerRepository_List(t *testing.T) {
	repo, ctx := setupHandlerRepository(t)

	require.NoError(t, repo.Create(ctx, createTestEventHandler("enabled_handler", "fineract.events", "*", 10, true)))
	require.NoError(t, repo.Create(ctx, createTestEventHandler("disabled_handler", "fineract.events", "*", 20, false)))

	all, err := repo.List(ctx, false)
	require.NoError(t, err)
	assert.Len(t, all, 2)

	enabled, err := repo.List(ctx, true)
	require.NoError(t, err)
	require.Len(t, enabled, 1)
	assert.Equal(t, "enabled_handler", enabled[0].Name)

	count, err := repo.CountEnabled(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestEventHandlerRepository_Update(t *testing.T) {
	repo, ctx := setupHandlerRepository(t)

	handler := createTestEventHandler("loan_approved", "fineract.events", "LoanApprovedBusinessEvent", 10, true)
	require.NoError(t, repo.Create(ctx, handler))

	handler.Enabled = false
	handler.Priority = 77
	handler.FieldMappings = append(handler.FieldMappings, consumer.FieldMapping{
		DocField:    "approved_amount",
		SourceType:  consumer.SourceField,
		SourceField: "approvedPrincipal",
	})
	require.NoError(t, repo.Update(ctx, handler))

	got, err := repo.GetByName(ctx, "loan_approved")
	require.NoError(t, err)
	assert.False(t, got.Enabled)
	assert.Equal(t, 77, got.Priority)
	assert.Len(t, got.FieldMappings, 2)
}

func TestEventHandlerRepository_Update_NotFound(t *testing.T) {
	repo, ctx := setupHandlerRepository(t)

	handler := createTestEventHandler("missing", "fineract.events", "*", 10, true)
	err := repo.Update(ctx, handler)
	require.Error(t, err)
	assert.True(t, errors.IsNotFound(err))
}

func TestEventHandlerRepository_Delete(t *testing.T) {
	repo, ctx := setupHandlerRepository(t)

	require.NoError(t, repo.Create(ctx, createTestEventHandler("loan_approved", "fineract.events", "*", 10, true)))
	require.NoError(t, repo.Delete(ctx, "loan_approved"))

	_, err := repo.GetByName(ctx, "loan_approved")
	assert.True(t, errors.IsNotFound(err))

	err = repo.Delete(ctx, "loan_approved")
	assert.True(t, errors.IsNotFound(err))
}
