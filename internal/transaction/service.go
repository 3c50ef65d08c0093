package transaction

import (
	"context"
	"time"

	"github.com/google/uuid"
)

type Repository interface {
	ListTransactions(ctx context.Context, filter ListFilter) ([]*Transaction, error)

	// BeginApply opens the unit of work one sync pass writes through.
	BeginApply(ctx context.Context, tenantID uuid.UUID) (ApplyTx, error)
}

// ApplyTx groups the writes of one sync pass. Nothing is visible to readers
// until Commit.
type ApplyTx interface {
	// Upsert inserts or updates by (account_id, external_id) and un-archives the
	// row. It reports whether a new row was created.
	Upsert(ctx context.Context, tx *Transaction) (bool, error)
	// Tombstone archives non-manual rows with the external id in the given accounts.
	// Rows already archived are left untouched and not counted.
	Tombstone(ctx context.Context, accountIDs []uuid.UUID, externalID string, at time.Time) (int, error)
	// PruneBefore hard-deletes rows of the given accounts dated before cutoff.
	PruneBefore(ctx context.Context, accountIDs []uuid.UUID, cutoff time.Time) (int, error)
	Commit() error
	Rollback() error
}

type ListFilter struct {
	TenantID        uuid.UUID
	AccountIDs      []uuid.UUID
	IncludeArchived bool
	StartDate       *time.Time
	EndDate         *time.Time
}

type Service struct {
	repo Repository
}

func NewService(repo Repository) *Service {
	return &Service{repo: repo}
}

func (s *Service) List(ctx context.Context, filter ListFilter) ([]*Transaction, error) {
	return s.repo.ListTransactions(ctx, filter)
}
