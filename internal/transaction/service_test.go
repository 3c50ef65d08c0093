package transaction_test

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/MrJamesThe3rd/finsync/internal/storage/memory"
	"github.com/MrJamesThe3rd/finsync/internal/transaction"
)

var (
	tenantID  = uuid.New()
	accountID = uuid.New()
)

func day(d int) time.Time {
	return time.Date(2026, 3, d, 0, 0, 0, 0, time.UTC)
}

func synced(externalID string, date time.Time, amount int64) *transaction.Transaction {
	return &transaction.Transaction{
		TenantID:   tenantID,
		AccountID:  accountID,
		ExternalID: externalID,
		Date:       date,
		Amount:     amount,
		Currency:   "USD",
		Provenance: transaction.Provenance{Source: transaction.SourceAggregator, ItemID: "item-1"},
	}
}

func apply(t *testing.T, repo transaction.Repository, fn func(tx transaction.ApplyTx)) {
	t.Helper()

	tx, err := repo.BeginApply(context.Background(), tenantID)
	require.NoError(t, err)

	fn(tx)

	require.NoError(t, tx.Commit())
}

func TestApplyTx_UpsertIsIdempotent(t *testing.T) {
	repo := memory.New().Transactions()
	svc := transaction.NewService(repo)
	ctx := context.Background()

	apply(t, repo, func(tx transaction.ApplyTx) {
		created, err := tx.Upsert(ctx, synced("t1", day(1), -450))
		require.NoError(t, err)
		assert.True(t, created)
	})

	apply(t, repo, func(tx transaction.ApplyTx) {
		created, err := tx.Upsert(ctx, synced("t1", day(2), -500))
		require.NoError(t, err)
		assert.False(t, created)
	})

	rows, err := svc.List(ctx, transaction.ListFilter{TenantID: tenantID})
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, int64(-500), rows[0].Amount)
	assert.Equal(t, day(2), rows[0].Date)
	assert.NotNil(t, rows[0].UpdatedAt)
}

func TestApplyTx_TombstoneKeepsRowAndSparesManual(t *testing.T) {
	repo := memory.New().Transactions()
	ctx := context.Background()

	manual := synced("t2", day(2), -100)
	manual.IsManual = true
	manual.Provenance = transaction.Provenance{}

	repo.Seed(synced("t1", day(1), -450))
	repo.Seed(manual)

	removedAt := day(5)

	apply(t, repo, func(tx transaction.ApplyTx) {
		n, err := tx.Tombstone(ctx, []uuid.UUID{accountID}, "t1", removedAt)
		require.NoError(t, err)
		assert.Equal(t, 1, n)

		n, err = tx.Tombstone(ctx, []uuid.UUID{accountID}, "t2", removedAt)
		require.NoError(t, err)
		assert.Zero(t, n)
	})

	visible, err := repo.ListTransactions(ctx, transaction.ListFilter{TenantID: tenantID})
	require.NoError(t, err)
	require.Len(t, visible, 1)
	assert.Equal(t, "t2", visible[0].ExternalID)

	all, err := repo.ListTransactions(ctx, transaction.ListFilter{TenantID: tenantID, IncludeArchived: true})
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.True(t, all[0].Archived)
	assert.True(t, all[0].Provenance.SourceRemoved)
	assert.Equal(t, removedAt, *all[0].Provenance.RemovedAt)

	// A later upsert of the same record restores it.
	apply(t, repo, func(tx transaction.ApplyTx) {
		_, err := tx.Upsert(ctx, synced("t1", day(1), -450))
		require.NoError(t, err)
	})

	visible, err = repo.ListTransactions(ctx, transaction.ListFilter{TenantID: tenantID})
	require.NoError(t, err)
	assert.Len(t, visible, 2)
}

func TestApplyTx_TombstoneReplayIsNoop(t *testing.T) {
	repo := memory.New().Transactions()
	ctx := context.Background()

	repo.Seed(synced("t1", day(1), -450))

	for i, at := range []time.Time{day(5), day(6)} {
		apply(t, repo, func(tx transaction.ApplyTx) {
			n, err := tx.Tombstone(ctx, []uuid.UUID{accountID}, "t1", at)
			require.NoError(t, err)
			assert.Equal(t, 1-i, n)
		})
	}

	all, err := repo.ListTransactions(ctx, transaction.ListFilter{TenantID: tenantID, IncludeArchived: true})
	require.NoError(t, err)
	require.Len(t, all, 1)
	require.NotNil(t, all[0].Provenance.RemovedAt)
	assert.Equal(t, day(5), *all[0].Provenance.RemovedAt)
}

func TestApplyTx_RollbackDiscards(t *testing.T) {
	repo := memory.New().Transactions()
	ctx := context.Background()

	repo.Seed(synced("old", day(1), -100))

	tx, err := repo.BeginApply(ctx, tenantID)
	require.NoError(t, err)

	_, err = tx.Upsert(ctx, synced("t1", day(3), -450))
	require.NoError(t, err)

	pruned, err := tx.PruneBefore(ctx, []uuid.UUID{accountID}, day(2))
	require.NoError(t, err)
	assert.Equal(t, 1, pruned)

	require.NoError(t, tx.Rollback())

	rows, err := repo.ListTransactions(ctx, transaction.ListFilter{TenantID: tenantID})
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "old", rows[0].ExternalID)

	_, err = tx.Upsert(ctx, synced("t2", day(3), -1))
	require.Error(t, err)
}

func TestService_List_Filters(t *testing.T) {
	repo := memory.New().Transactions()
	svc := transaction.NewService(repo)

	other := synced("other", day(3), -1)
	other.AccountID = uuid.New()

	repo.Seed(synced("t1", day(1), -1))
	repo.Seed(synced("t2", day(5), -1))
	repo.Seed(other)

	start, end := day(2), day(10)

	rows, err := svc.List(context.Background(), transaction.ListFilter{
		TenantID:   tenantID,
		AccountIDs: []uuid.UUID{accountID},
		StartDate:  &start,
		EndDate:    &end,
	})
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "t2", rows[0].ExternalID)
}
