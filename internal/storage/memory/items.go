package memory

import (
	"context"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/samber/lo"

	"github.com/MrJamesThe3rd/finsync/internal/item"
)

type (
	itemRow    = item.Item
	linkRow    = item.AccountLink
	accountRow = item.Account
)

type ItemStore struct{ b *Backend }

func copyItem(it *itemRow) *item.Item {
	c := *it
	return &c
}

// live reports whether the row is eligible for tenant-facing updates.
func live(it *itemRow) bool {
	return it.IsActive && it.RemovedAt == nil
}

func (s *ItemStore) lookup(tenantID, id uuid.UUID) (*itemRow, error) {
	it, ok := s.b.items[id]
	if !ok || it.TenantID != tenantID {
		return nil, item.ErrNotFound
	}

	return it, nil
}

// Mutate edits a stored item in place. Tests use it to age timestamps.
func (s *ItemStore) Mutate(id uuid.UUID, fn func(it *item.Item)) {
	s.b.mu.Lock()
	defer s.b.mu.Unlock()

	if it, ok := s.b.items[id]; ok {
		fn(it)
	}
}

// Accounts returns the stored accounts of the tenant.
func (s *ItemStore) Accounts(tenantID uuid.UUID) []item.Account {
	s.b.mu.Lock()
	defer s.b.mu.Unlock()

	var out []item.Account

	for _, a := range s.b.accounts {
		if a.TenantID == tenantID {
			out = append(out, *a)
		}
	}

	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })

	return out
}

func (s *ItemStore) FindByItemID(_ context.Context, upstreamItemID string) (*item.Item, error) {
	s.b.mu.Lock()
	defer s.b.mu.Unlock()

	var found *itemRow

	for _, it := range s.b.items {
		if it.ItemID != upstreamItemID || !live(it) {
			continue
		}

		if found == nil || it.CreatedAt.After(found.CreatedAt) {
			found = it
		}
	}

	if found == nil {
		return nil, item.ErrNotFound
	}

	return copyItem(found), nil
}

func (s *ItemStore) Get(_ context.Context, tenantID, id uuid.UUID) (*item.Item, error) {
	s.b.mu.Lock()
	defer s.b.mu.Unlock()

	it, err := s.lookup(tenantID, id)
	if err != nil {
		return nil, err
	}

	return copyItem(it), nil
}

func sortedItems(items []*item.Item, less func(a, b *item.Item) bool) []*item.Item {
	sort.SliceStable(items, func(i, j int) bool { return less(items[i], items[j]) })
	return items
}

func (s *ItemStore) List(_ context.Context, filter item.ListFilter) ([]*item.Item, error) {
	s.b.mu.Lock()
	defer s.b.mu.Unlock()

	var out []*item.Item

	for _, it := range s.b.items {
		if filter.TenantID != nil && it.TenantID != *filter.TenantID {
			continue
		}

		if filter.Status != nil && it.Status != *filter.Status {
			continue
		}

		if !filter.IncludeRemoved && !live(it) {
			continue
		}

		out = append(out, copyItem(it))
	}

	return sortedItems(out, func(a, b *item.Item) bool { return a.CreatedAt.Before(b.CreatedAt) }), nil
}

func (s *ItemStore) Create(_ context.Context, it *item.Item) error {
	s.b.mu.Lock()
	defer s.b.mu.Unlock()

	for _, existing := range s.b.items {
		if existing.TenantID == it.TenantID && existing.ItemID == it.ItemID && live(existing) {
			return item.ErrAlreadyLinked
		}
	}

	now := s.b.now()
	it.ID = uuid.New()
	it.CreatedAt = now
	it.UpdatedAt = now
	s.b.items[it.ID] = copyItem(it)

	return nil
}

// upstreamClaimed reports whether another link of the tenant holds upstreamID.
func (s *ItemStore) upstreamClaimed(tenantID uuid.UUID, upstreamID *string, except uuid.UUID) bool {
	if upstreamID == nil {
		return false
	}

	for _, l := range s.b.links {
		if l.ID != except && l.TenantID == tenantID && l.UpstreamAccountID != nil && *l.UpstreamAccountID == *upstreamID {
			return true
		}
	}

	return false
}

func (s *ItemStore) CreateLinkedAccount(_ context.Context, link *item.AccountLink) error {
	s.b.mu.Lock()
	defer s.b.mu.Unlock()

	if s.upstreamClaimed(link.TenantID, link.UpstreamAccountID, uuid.Nil) {
		return item.ErrUpstreamAccountClaimed
	}

	acc := *link.Account
	acc.TenantID = link.TenantID

	if acc.ID == uuid.Nil {
		acc.ID = uuid.New()
		s.b.accounts[acc.ID] = &acc
	} else if existing, ok := s.b.accounts[acc.ID]; !ok || existing.TenantID != link.TenantID {
		return item.ErrNotFound
	}

	for _, l := range s.b.links {
		if l.ItemID == link.ItemID && l.AccountID == acc.ID {
			return item.ErrAccountAlreadyLinked
		}
	}

	link.Account.ID = acc.ID
	link.Account.TenantID = link.TenantID
	link.AccountID = acc.ID
	link.ID = uuid.New()

	stored := *link
	stored.Account = nil
	s.b.links[stored.ID] = &stored

	return nil
}

// update applies fn to a live item of the tenant when allowed reports true.
func (s *ItemStore) update(tenantID, id uuid.UUID, miss error, allowed func(it *itemRow) bool, fn func(it *itemRow)) error {
	s.b.mu.Lock()
	defer s.b.mu.Unlock()

	it, err := s.lookup(tenantID, id)
	if err != nil {
		return err
	}

	if !allowed(it) {
		return miss
	}

	fn(it)
	it.UpdatedAt = s.b.now()

	return nil
}

func (s *ItemStore) MarkSyncNeeded(_ context.Context, tenantID, id uuid.UUID, at time.Time, fromWebhook bool) error {
	return s.update(tenantID, id, item.ErrNotFound, live, func(it *itemRow) {
		it.SyncNeededAt = &at
		if fromWebhook {
			it.LastWebhookAt = &at
		}

		switch it.Status {
		case item.StatusNeedsReauth, item.StatusRemoved, item.StatusSyncing:
		default:
			it.Status = item.StatusSyncNeeded
		}
	})
}

// leaseExpired reports whether it has been syncing since before cutoff.
func leaseExpired(it *itemRow, cutoff time.Time) bool {
	return it.Status == item.StatusSyncing && !cutoff.IsZero() &&
		it.LastSyncStartedAt != nil && it.LastSyncStartedAt.Before(cutoff)
}

func (s *ItemStore) ClaimForSync(_ context.Context, tenantID, id uuid.UUID, at, leaseExpiredBefore time.Time) (*item.Item, error) {
	s.b.mu.Lock()
	defer s.b.mu.Unlock()

	it, ok := s.b.items[id]
	if !ok || it.TenantID != tenantID || !live(it) {
		return nil, item.ErrBusy
	}

	if !it.Status.Claimable() && !leaseExpired(it, leaseExpiredBefore) {
		return nil, item.ErrBusy
	}

	it.Status = item.StatusSyncing
	it.LastSyncStartedAt = &at
	it.UpdatedAt = s.b.now()

	return copyItem(it), nil
}

func syncing(it *itemRow) bool { return it.Status == item.StatusSyncing }

func notSyncingOrRemoved(it *itemRow) bool {
	return live(it) && it.Status != item.StatusSyncing && it.Status != item.StatusRemoved
}

func (s *ItemStore) CompleteSync(_ context.Context, tenantID, id uuid.UUID, cursor *string, at time.Time) (item.Status, error) {
	var status item.Status

	err := s.update(tenantID, id, item.ErrInvalidTransition, syncing, func(it *itemRow) {
		if cursor != nil {
			c := *cursor
			it.NextCursor = &c
		}

		it.LastSyncedAt = &at
		it.LastSyncError = ""
		it.ReauthNeededAt = nil
		it.CleanupNotifiedAt = nil

		if it.SyncNeededAt != nil && it.LastSyncStartedAt != nil && it.SyncNeededAt.After(*it.LastSyncStartedAt) {
			it.Status = item.StatusSyncNeeded
		} else {
			it.Status = item.StatusActive
			it.SyncNeededAt = nil
		}

		status = it.Status
	})

	return status, err
}

func (s *ItemStore) FailSync(_ context.Context, tenantID, id uuid.UUID, message string, at time.Time) error {
	return s.update(tenantID, id, item.ErrInvalidTransition, syncing, func(it *itemRow) {
		it.Status = item.StatusFailed
		it.LastSyncError = message
		it.SyncNeededAt = &at
	})
}

// setAccountStatus must be called with the lock held.
func (s *ItemStore) setAccountStatus(tenantID, itemID uuid.UUID, status item.AccountSyncStatus) {
	for _, l := range s.b.links {
		if l.TenantID != tenantID || l.ItemID != itemID {
			continue
		}

		if acc, ok := s.b.accounts[l.AccountID]; ok {
			acc.SyncStatus = status
		}
	}
}

func (s *ItemStore) MarkNeedsReauth(_ context.Context, tenantID, id uuid.UUID, message string, at time.Time) error {
	return s.update(tenantID, id, item.ErrInvalidTransition, syncing, func(it *itemRow) {
		it.Status = item.StatusNeedsReauth
		it.ReauthNeededAt = &at
		it.LastSyncError = message
		it.SyncNeededAt = nil
		s.setAccountStatus(tenantID, id, item.AccountNeedsReauth)
	})
}

func (s *ItemStore) ResetAfterRelink(_ context.Context, tenantID, id uuid.UUID, at time.Time) error {
	return s.update(tenantID, id, item.ErrInvalidTransition, notSyncingOrRemoved, func(it *itemRow) {
		it.Status = item.StatusSyncNeeded
		it.SyncNeededAt = &at
		it.ReauthNeededAt = nil
		it.LastSyncError = ""
	})
}

func (s *ItemStore) MarkCleanupNotified(_ context.Context, tenantID, id uuid.UUID, at time.Time) error {
	return s.update(tenantID, id, item.ErrInvalidTransition, notSyncingOrRemoved, func(it *itemRow) {
		it.Status = item.StatusPendingCleanup
		it.CleanupNotifiedAt = &at
	})
}

func (s *ItemStore) MarkRemoved(_ context.Context, tenantID, id uuid.UUID, at time.Time) error {
	return s.update(tenantID, id, item.ErrInvalidTransition, notSyncingOrRemoved, func(it *itemRow) {
		it.Status = item.StatusRemoved
		it.IsActive = false
		it.RemovedAt = &at
		s.setAccountStatus(tenantID, id, item.AccountDisconnected)
	})
}

func (s *ItemStore) MarkCleanupFailed(_ context.Context, tenantID, id uuid.UUID, message string, _ time.Time) error {
	return s.update(tenantID, id, item.ErrInvalidTransition, notSyncingOrRemoved, func(it *itemRow) {
		it.Status = item.StatusFailed
		it.LastSyncError = message
	})
}

func due(it *itemRow, filter item.DueFilter) bool {
	switch it.Status {
	case item.StatusSyncNeeded, item.StatusFailed:
		return true
	case item.StatusSyncing:
		return leaseExpired(it, filter.LeaseExpiredBefore)
	}

	if !filter.IncludeSafetyNet {
		return false
	}

	if it.LastSyncedAt == nil {
		return it.Status.Claimable()
	}

	return it.Status == item.StatusActive && it.LastSyncedAt.Before(filter.StaleBefore)
}

func (s *ItemStore) ListDue(_ context.Context, filter item.DueFilter) ([]*item.Item, error) {
	s.b.mu.Lock()
	defer s.b.mu.Unlock()

	var out []*item.Item

	for _, it := range s.b.items {
		if live(it) && due(it, filter) {
			out = append(out, copyItem(it))
		}
	}

	out = sortedItems(out, func(a, b *item.Item) bool {
		switch {
		case a.SyncNeededAt != nil && b.SyncNeededAt != nil && !a.SyncNeededAt.Equal(*b.SyncNeededAt):
			return a.SyncNeededAt.Before(*b.SyncNeededAt)
		case a.SyncNeededAt != nil && b.SyncNeededAt == nil:
			return true
		case a.SyncNeededAt == nil && b.SyncNeededAt != nil:
			return false
		}

		return a.UpdatedAt.Before(b.UpdatedAt)
	})

	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}

	return out, nil
}

func (s *ItemStore) ListCleanupCandidates(_ context.Context, inactiveBefore time.Time) ([]*item.Item, error) {
	s.b.mu.Lock()
	defer s.b.mu.Unlock()

	var out []*item.Item

	for _, it := range s.b.items {
		if !live(it) || it.Status == item.StatusSyncing {
			continue
		}

		if it.LastActivity().Before(inactiveBefore) {
			out = append(out, copyItem(it))
		}
	}

	return sortedItems(out, func(a, b *item.Item) bool { return a.CreatedAt.Before(b.CreatedAt) }), nil
}

func (s *ItemStore) ListAccountLinks(_ context.Context, tenantID, itemID uuid.UUID) ([]*item.AccountLink, error) {
	s.b.mu.Lock()
	defer s.b.mu.Unlock()

	links := lo.Filter(lo.Values(s.b.links), func(l *linkRow, _ int) bool {
		return l.TenantID == tenantID && l.ItemID == itemID
	})

	out := make([]*item.AccountLink, 0, len(links))

	for _, l := range links {
		acc, ok := s.b.accounts[l.AccountID]
		if !ok {
			continue
		}

		link := *l
		accCopy := *acc
		link.Account = &accCopy
		out = append(out, &link)
	}

	sort.Slice(out, func(i, j int) bool { return out[i].Account.Name < out[j].Account.Name })

	return out, nil
}

func (s *ItemStore) SaveAccountLink(_ context.Context, link *item.AccountLink) error {
	s.b.mu.Lock()
	defer s.b.mu.Unlock()

	stored, ok := s.b.links[link.ID]
	if !ok || stored.TenantID != link.TenantID {
		return item.ErrNotFound
	}

	if s.upstreamClaimed(link.TenantID, link.UpstreamAccountID, link.ID) {
		return item.ErrUpstreamAccountClaimed
	}

	stored.UpstreamAccountID = link.UpstreamAccountID
	stored.LastSeenAt = link.LastSeenAt

	if link.Account != nil {
		if acc, ok := s.b.accounts[link.Account.ID]; ok && acc.TenantID == link.TenantID {
			acc.BalanceCents = link.Account.BalanceCents
			acc.Currency = link.Account.Currency
			acc.UpstreamType = link.Account.UpstreamType
			acc.UpstreamSubtype = link.Account.UpstreamSubtype
			acc.SyncStatus = link.Account.SyncStatus
		}
	}

	return nil
}

func (s *ItemStore) TouchAccounts(_ context.Context, tenantID uuid.UUID, accountIDs []uuid.UUID, at time.Time) error {
	s.b.mu.Lock()
	defer s.b.mu.Unlock()

	for _, id := range accountIDs {
		if acc, ok := s.b.accounts[id]; ok && acc.TenantID == tenantID {
			acc.LastSyncedAt = &at
			acc.SyncStatus = item.AccountActive
		}
	}

	return nil
}
