package memory

import (
	"context"
	"errors"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/samber/lo"

	"github.com/MrJamesThe3rd/finsync/internal/transaction"
)

var errTxDone = errors.New("apply transaction already finished")

type TransactionStore struct{ b *Backend }

func copyTransaction(t *transaction.Transaction) *transaction.Transaction {
	c := *t
	return &c
}

// Seed stores a row directly, bypassing any apply transaction.
func (s *TransactionStore) Seed(t *transaction.Transaction) {
	s.b.mu.Lock()
	defer s.b.mu.Unlock()

	if t.ID == uuid.Nil {
		t.ID = uuid.New()
	}

	s.b.transactions[txKey{accountID: t.AccountID, externalID: t.ExternalID}] = copyTransaction(t)
}

func (s *TransactionStore) ListTransactions(_ context.Context, filter transaction.ListFilter) ([]*transaction.Transaction, error) {
	s.b.mu.Lock()
	defer s.b.mu.Unlock()

	var out []*transaction.Transaction

	for _, t := range s.b.transactions {
		if t.TenantID != filter.TenantID {
			continue
		}

		if len(filter.AccountIDs) > 0 && !lo.Contains(filter.AccountIDs, t.AccountID) {
			continue
		}

		if t.Archived && !filter.IncludeArchived {
			continue
		}

		if filter.StartDate != nil && t.Date.Before(*filter.StartDate) {
			continue
		}

		if filter.EndDate != nil && t.Date.After(*filter.EndDate) {
			continue
		}

		out = append(out, copyTransaction(t))
	}

	sort.Slice(out, func(i, j int) bool {
		if !out[i].Date.Equal(out[j].Date) {
			return out[i].Date.Before(out[j].Date)
		}

		return out[i].ExternalID < out[j].ExternalID
	})

	return out, nil
}

// applyTx stages writes and publishes them on Commit.
type applyTx struct {
	b        *Backend
	tenantID uuid.UUID
	staged   map[txKey]*transaction.Transaction
	deleted  map[txKey]bool
	done     bool
}

func (s *TransactionStore) BeginApply(_ context.Context, tenantID uuid.UUID) (transaction.ApplyTx, error) {
	return &applyTx{
		b:        s.b,
		tenantID: tenantID,
		staged:   make(map[txKey]*transaction.Transaction),
		deleted:  make(map[txKey]bool),
	}, nil
}

// view returns the row as this transaction sees it. Callers hold the lock.
func (a *applyTx) view(k txKey) (*transaction.Transaction, bool) {
	if t, ok := a.staged[k]; ok {
		return t, true
	}

	if a.deleted[k] {
		return nil, false
	}

	t, ok := a.b.transactions[k]
	if !ok || t.TenantID != a.tenantID {
		return nil, false
	}

	return t, true
}

// each visits every row visible to this transaction. Callers hold the lock.
func (a *applyTx) each(fn func(k txKey, t *transaction.Transaction)) {
	for k := range a.b.transactions {
		if t, ok := a.view(k); ok {
			fn(k, t)
		}
	}

	for k, t := range a.staged {
		if _, committed := a.b.transactions[k]; !committed {
			fn(k, t)
		}
	}
}

func (a *applyTx) Upsert(_ context.Context, t *transaction.Transaction) (bool, error) {
	if a.done {
		return false, errTxDone
	}

	a.b.mu.Lock()
	defer a.b.mu.Unlock()

	k := txKey{accountID: t.AccountID, externalID: t.ExternalID}
	now := a.b.now()

	existing, ok := a.view(k)
	if !ok {
		row := copyTransaction(t)
		row.ID = uuid.New()
		row.TenantID = a.tenantID
		row.Archived = false
		row.IsManual = false
		row.CreatedAt = now
		a.staged[k] = row
		delete(a.deleted, k)

		t.ID = row.ID
		t.CreatedAt = now

		return true, nil
	}

	row := copyTransaction(existing)
	row.Date = t.Date
	row.Amount = t.Amount
	row.Currency = t.Currency
	row.Category = t.Category
	row.MerchantName = t.MerchantName
	row.Description = t.Description
	row.Provenance = t.Provenance
	row.Archived = false
	row.UpdatedAt = &now
	a.staged[k] = row

	t.ID = row.ID
	t.CreatedAt = row.CreatedAt

	return false, nil
}

func (a *applyTx) Tombstone(_ context.Context, accountIDs []uuid.UUID, externalID string, at time.Time) (int, error) {
	if a.done {
		return 0, errTxDone
	}

	if len(accountIDs) == 0 || externalID == "" {
		return 0, nil
	}

	a.b.mu.Lock()
	defer a.b.mu.Unlock()

	n := 0

	for _, accountID := range accountIDs {
		k := txKey{accountID: accountID, externalID: externalID}

		existing, ok := a.view(k)
		if !ok || existing.IsManual || existing.Archived {
			continue
		}

		row := copyTransaction(existing)
		removedAt := at
		row.Archived = true
		row.Provenance.SourceRemoved = true
		row.Provenance.RemovedAt = &removedAt
		row.UpdatedAt = &removedAt
		a.staged[k] = row
		n++
	}

	return n, nil
}

func (a *applyTx) PruneBefore(_ context.Context, accountIDs []uuid.UUID, cutoff time.Time) (int, error) {
	if a.done {
		return 0, errTxDone
	}

	if len(accountIDs) == 0 {
		return 0, nil
	}

	a.b.mu.Lock()
	defer a.b.mu.Unlock()

	var doomed []txKey

	a.each(func(k txKey, t *transaction.Transaction) {
		if lo.Contains(accountIDs, t.AccountID) && t.Date.Before(cutoff) {
			doomed = append(doomed, k)
		}
	})

	for _, k := range doomed {
		delete(a.staged, k)
		a.deleted[k] = true
	}

	return len(doomed), nil
}

func (a *applyTx) Commit() error {
	if a.done {
		return errTxDone
	}

	a.b.mu.Lock()
	defer a.b.mu.Unlock()

	for k := range a.deleted {
		delete(a.b.transactions, k)
	}

	for k, t := range a.staged {
		a.b.transactions[k] = t
	}

	a.done = true

	return nil
}

func (a *applyTx) Rollback() error {
	if a.done {
		return nil
	}

	a.done = true
	a.staged = nil
	a.deleted = nil

	return nil
}
