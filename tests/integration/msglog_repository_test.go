package integration

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"connect/internal/msglog"
	"connect/pkg/errors"
)

func TestMessageLog_OpenCreatesPendingEntry(t *testing.T) {
	infra := SetupTestInfraWithOptions(t, true, false, false)

	repo := msglog.NewRepository(infra.PostgresDB)
	ctx := context.Background()

	entry := createTestLogEntry(msglog.DirectionProduced, "fineract.commands", "key-open-1")
	id, err := repo.Open(ctx, entry)
	require.NoError(t, err)
	assert.NotEmpty(t, id)
	assert.Equal(t, msglog.StatusPending, entry.Status)

	stored, err := repo.GetByID(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, msglog.StatusPending, stored.Status)
	assert.Equal(t, msglog.DirectionProduced, stored.Direction)
	assert.Equal(t, "key-open-1", stored.IdempotencyKey)
	assert.Equal(t, "default", stored.TenantID)
	assert.False(t, stored.CreatedAt.IsZero())
}

func TestMessageLog_ProducedLifecycle(t *testing.T) {
	infra := SetupTestInfraWithOptions(t, true, false, false)

	repo := msglog.NewRepository(infra.PostgresDB)
	ctx := context.Background()

	id, err := repo.Open(ctx, createTestLogEntry(msglog.DirectionProduced, "fineract.commands", "key-lifecycle-1"))
	require.NoError(t, err)

	require.NoError(t, repo.Transition(ctx, id, msglog.StatusSent, ""))
	require.NoError(t, repo.Transition(ctx, id, msglog.StatusDelivered, ""))

	stored, err := repo.GetByID(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, msglog.StatusDelivered, stored.Status)
}

func TestMessageLog_TransitionRejectsBackwardMove(t *testing.T) {
	infra := SetupTestInfraWithOptions(t, true, false, false)

	repo := msglog.NewRepository(infra.PostgresDB)
	ctx := context.Background()

	id, err := repo.Open(ctx, createTestLogEntry(msglog.DirectionProduced, "fineract.commands", "key-backward-1"))
	require.NoError(t, err)

	require.NoError(t, repo.Transition(ctx, id, msglog.StatusSent, ""))
	require.NoError(t, repo.Transition(ctx, id, msglog.StatusDelivered, ""))

	err = repo.Transition(ctx, id, msglog.StatusSent, "")
	require.Error(t, err)
	assert.True(t, errors.IsConflict(err))

	err = repo.Transition(ctx, id, msglog.StatusFailed, "late failure")
	require.Error(t, err)
	assert.True(t, errors.IsConflict(err))

	stored, err := repo.GetByID(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, msglog.StatusDelivered, stored.Status)
}

func TestMessageLog_TransitionRejectsPendingTarget(t *testing.T) {
	infra := SetupTestInfraWithOptions(t, true, false, false)

	repo := msglog.NewRepository(infra.PostgresDB)
	ctx := context.Background()

	id, err := repo.Open(ctx, createTestLogEntry(msglog.DirectionProduced, "fineract.commands", "key-pending-1"))
	require.NoError(t, err)

	err = repo.Transition(ctx, id, msglog.StatusPending, "")
	require.Error(t, err)
	assert.True(t, errors.IsValidation(err))
}

func TestMessageLog_FailedMovesToDeadLetterOnly(t *testing.T) {
	infra := SetupTestInfraWithOptions(t, true, false, false)

	repo := msglog.NewRepository(infra.PostgresDB)
	ctx := context.Background()

	id, err := repo.Open(ctx, createTestLogEntry(msglog.DirectionConsumed, "fineract.events", "key-dlq-1"))
	require.NoError(t, err)

	require.NoError(t, repo.Transition(ctx, id, msglog.StatusFailed, "handler blew up"))

	err = repo.Transition(ctx, id, msglog.StatusProcessed, "")
	require.Error(t, err)
	assert.True(t, errors.IsConflict(err))

	require.NoError(t, repo.Transition(ctx, id, msglog.StatusDeadLetter, ""))

	stored, err := repo.GetByID(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, msglog.StatusDeadLetter, stored.Status)
	assert.Equal(t, "handler blew up", stored.ErrorMessage)
}

func TestMessageLog_OpenKeepsBrokerCoordinatesAndPayload(t *testing.T) {
	infra := SetupTestInfraWithOptions(t, true, false, false)

	repo := msglog.NewRepository(infra.PostgresDB)
	ctx := context.Background()

	partition := 3
	offset := int64(42)
	entry := createTestLogEntry(msglog.DirectionConsumed, "fineract.events", "key-meta-1")
	entry.Partition = &partition
	entry.Offset = &offset

	id, err := repo.Open(ctx, entry)
	require.NoError(t, err)
	require.NoError(t, repo.SetPayload(ctx, id, []byte{0x0, 0x0, 0x0, 0x0, 0x7, 0xde, 0xad}))

	stored, err := repo.GetByID(ctx, id)
	require.NoError(t, err)
	require.NotNil(t, stored.Partition)
	require.NotNil(t, stored.Offset)
	assert.Equal(t, 3, *stored.Partition)
	assert.Equal(t, int64(42), *stored.Offset)
	assert.Equal(t, []byte{0x0, 0x0, 0x0, 0x0, 0x7, 0xde, 0xad}, stored.Payload)
}

func TestMessageLog_IncrementRetryCount(t *testing.T) {
	infra := SetupTestInfraWithOptions(t, true, false, false)

	repo := msglog.NewRepository(infra.PostgresDB)
	ctx := context.Background()

	id, err := repo.Open(ctx, createTestLogEntry(msglog.DirectionConsumed, "fineract.events", "key-retry-1"))
	require.NoError(t, err)

	require.NoError(t, repo.IncrementRetryCount(ctx, id))
	require.NoError(t, repo.IncrementRetryCount(ctx, id))
	require.NoError(t, repo.IncrementRetryCount(ctx, id))

	stored, err := repo.GetByID(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, 3, stored.RetryCount)
}

func TestMessageLog_ExistsCompleted(t *testing.T) {
	infra := SetupTestInfraWithOptions(t, true, false, false)

	repo := msglog.NewRepository(infra.PostgresDB)
	ctx := context.Background()

	id, err := repo.Open(ctx, createTestLogEntry(msglog.DirectionProduced, "fineract.commands", "key-complete-1"))
	require.NoError(t, err)

	exists, err := repo.ExistsCompleted(ctx, msglog.DirectionProduced, "key-complete-1")
	require.NoError(t, err)
	assert.False(t, exists)

	require.NoError(t, repo.Transition(ctx, id, msglog.StatusSent, ""))
	require.NoError(t, repo.Transition(ctx, id, msglog.StatusDelivered, ""))

	exists, err = repo.ExistsCompleted(ctx, msglog.DirectionProduced, "key-complete-1")
	require.NoError(t, err)
	assert.True(t, exists)

	// Same key on the other direction is a different message.
	exists, err = repo.ExistsCompleted(ctx, msglog.DirectionConsumed, "key-complete-1")
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestMessageLog_FailedEntryDoesNotCompleteKey(t *testing.T) {
	infra := SetupTestInfraWithOptions(t, true, false, false)

	repo := msglog.NewRepository(infra.PostgresDB)
	ctx := context.Background()

	id, err := repo.Open(ctx, createTestLogEntry(msglog.DirectionProduced, "fineract.commands", "key-failed-1"))
	require.NoError(t, err)
	require.NoError(t, repo.Transition(ctx, id, msglog.StatusFailed, "broker down"))

	exists, err := repo.ExistsCompleted(ctx, msglog.DirectionProduced, "key-failed-1")
	require.NoError(t, err)
	assert.False(t, exists)

	// A retry opens a fresh entry under the same key.
	retryID, err := repo.Open(ctx, createTestLogEntry(msglog.DirectionProduced, "fineract.commands", "key-failed-1"))
	require.NoError(t, err)
	assert.NotEqual(t, id, retryID)

	require.NoError(t, repo.Transition(ctx, retryID, msglog.StatusSent, ""))
	require.NoError(t, repo.Transition(ctx, retryID, msglog.StatusDelivered, ""))

	exists, err = repo.ExistsCompleted(ctx, msglog.DirectionProduced, "key-failed-1")
	require.NoError(t, err)
	assert.True(t, exists)
}

func TestMessageLog_StatsSince(t *testing.T) {
	infra := SetupTestInfraWithOptions(t, true, false, false)

	repo := msglog.NewRepository(infra.PostgresDB)
	ctx := context.Background()

	delivered, err := repo.Open(ctx, createTestLogEntry(msglog.DirectionProduced, "fineract.commands", "key-stats-1"))
	require.NoError(t, err)
	require.NoError(t, repo.Transition(ctx, delivered, msglog.StatusSent, ""))
	require.NoError(t, repo.Transition(ctx, delivered, msglog.StatusDelivered, ""))

	_, err = repo.Open(ctx, createTestLogEntry(msglog.DirectionProduced, "fineract.commands", "key-stats-2"))
	require.NoError(t, err)

	processed, err := repo.Open(ctx, createTestLogEntry(msglog.DirectionConsumed, "fineract.events", "key-stats-3"))
	require.NoError(t, err)
	require.NoError(t, repo.Transition(ctx, processed, msglog.StatusProcessed, ""))

	// Push one entry outside the window.
	old, err := repo.Open(ctx, createTestLogEntry(msglog.DirectionConsumed, "fineract.events", "key-stats-old"))
	require.NoError(t, err)
	_, err = infra.PostgresDB.ExecContext(ctx,
		`UPDATE message_log SET created_at = NOW() - INTERVAL '48 hours' WHERE id = $1`, old)
	require.NoError(t, err)

	stats, err := repo.StatsSince(ctx, time.Now().Add(-24*time.Hour))
	require.NoError(t, err)

	counts := map[string]int64{}
	for _, row := range stats {
		counts[string(row.Direction)+"/"+string(row.Status)] = row.Count
	}
	assert.Equal(t, int64(1), counts["Produced/Delivered"])
	assert.Equal(t, int64(1), counts["Produced/Pending"])
	assert.Equal(t, int64(1), counts["Consumed/Processed"])
	assert.Zero(t, counts["Consumed/Pending"])
}
