package item

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/MrJamesThe3rd/finsync/internal/aggregator"
	"github.com/MrJamesThe3rd/finsync/internal/audit"
	"github.com/MrJamesThe3rd/finsync/internal/normalize"
	"github.com/MrJamesThe3rd/finsync/internal/secret"
)

// Repository persists items, their account links and the accounts they feed.
// FindByItemID, ListDue and ListCleanupCandidates are system scoped; every
// other call is scoped to a tenant.
//
// Status updates out of syncing are conditional on the stored status still being
// syncing, and updates that would leave syncing from the outside are conditional
// on it not being syncing.
type Repository interface {
	FindByItemID(ctx context.Context, upstreamItemID string) (*Item, error)
	Get(ctx context.Context, tenantID, id uuid.UUID) (*Item, error)
	List(ctx context.Context, filter ListFilter) ([]*Item, error)
	Create(ctx context.Context, it *Item) error

	// CreateLinkedAccount inserts link.Account and the link itself atomically.
	// An Account that already has an ID is attached rather than created.
	CreateLinkedAccount(ctx context.Context, link *AccountLink) error

	MarkSyncNeeded(ctx context.Context, tenantID, id uuid.UUID, at time.Time, fromWebhook bool) error
	// ClaimForSync moves a claimable item to syncing. An item already syncing
	// since before leaseExpiredBefore is reclaimed; a zero time never reclaims.
	ClaimForSync(ctx context.Context, tenantID, id uuid.UUID, at, leaseExpiredBefore time.Time) (*Item, error)
	CompleteSync(ctx context.Context, tenantID, id uuid.UUID, cursor *string, at time.Time) (Status, error)
	FailSync(ctx context.Context, tenantID, id uuid.UUID, message string, at time.Time) error
	MarkNeedsReauth(ctx context.Context, tenantID, id uuid.UUID, message string, at time.Time) error
	ResetAfterRelink(ctx context.Context, tenantID, id uuid.UUID, at time.Time) error
	MarkCleanupNotified(ctx context.Context, tenantID, id uuid.UUID, at time.Time) error
	MarkRemoved(ctx context.Context, tenantID, id uuid.UUID, at time.Time) error
	MarkCleanupFailed(ctx context.Context, tenantID, id uuid.UUID, message string, at time.Time) error

	ListDue(ctx context.Context, filter DueFilter) ([]*Item, error)
	ListCleanupCandidates(ctx context.Context, inactiveBefore time.Time) ([]*Item, error)

	ListAccountLinks(ctx context.Context, tenantID, itemID uuid.UUID) ([]*AccountLink, error)
	SaveAccountLink(ctx context.Context, link *AccountLink) error
	TouchAccounts(ctx context.Context, tenantID uuid.UUID, accountIDs []uuid.UUID, at time.Time) error
}

type ListFilter struct {
	TenantID       *uuid.UUID
	Status         *Status
	IncludeRemoved bool
}

// DueFilter selects items for a scheduler batch.
type DueFilter struct {
	IncludeSafetyNet   bool
	StaleBefore        time.Time // safety net: active items last synced before this are due
	LeaseExpiredBefore time.Time // items syncing since before this are due again
	Limit              int
}

type Service struct {
	repo    Repository
	client  aggregator.Client
	secrets secret.Store
	audit   audit.Recorder
	logger  *slog.Logger
	now     func() time.Time
}

func NewService(repo Repository, client aggregator.Client, secrets secret.Store, logger *slog.Logger) *Service {
	return &Service{
		repo:    repo,
		client:  client,
		secrets: secrets,
		logger:  logger,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// WithClock replaces the time source.
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// WithAudit records unlinks with rec.
func (s *Service) WithAudit(rec audit.Recorder) *Service {
	s.audit = rec
	return s
}

func (s *Service) Get(ctx context.Context, tenantID, id uuid.UUID) (*Item, error) {
	return s.repo.Get(ctx, tenantID, id)
}

func (s *Service) List(ctx context.Context, filter ListFilter) ([]*Item, error) {
	return s.repo.List(ctx, filter)
}

// MarkSyncNeeded flags the live item with the given upstream id after a webhook.
// It reports false when no live item carries that id.
func (s *Service) MarkSyncNeeded(ctx context.Context, upstreamItemID string, at time.Time) (bool, error) {
	it, err := s.repo.FindByItemID(ctx, upstreamItemID)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}

	if err != nil {
		return false, fmt.Errorf("finding item: %w", err)
	}

	if err := s.repo.MarkSyncNeeded(ctx, it.TenantID, it.ID, at, true); err != nil {
		if errors.Is(err, ErrNotFound) {
			return false, nil
		}

		return false, fmt.Errorf("marking item sync needed: %w", err)
	}

	return true, nil
}

// RequestSync queues a manual sync for the item.
func (s *Service) RequestSync(ctx context.Context, tenantID, id uuid.UUID) error {
	it, err := s.repo.Get(ctx, tenantID, id)
	if err != nil {
		return err
	}

	if !it.Live() {
		return ErrNotFound
	}

	if it.Status == StatusNeedsReauth {
		return fmt.Errorf("%w: item needs re-authentication", ErrInvalidTransition)
	}

	return s.repo.MarkSyncNeeded(ctx, tenantID, id, s.now(), false)
}

type LinkParams struct {
	TenantID        uuid.UUID
	PublicToken     string
	InstitutionName string
}

// Link exchanges a public token for an access token, stores it and creates the
// item together with one local account per upstream account.
func (s *Service) Link(ctx context.Context, params LinkParams) (*Item, error) {
	exchange, err := s.client.ExchangePublicToken(ctx, params.PublicToken)
	if err != nil {
		return nil, fmt.Errorf("exchanging public token: %w", err)
	}

	accounts, err := s.client.FetchAccounts(ctx, exchange.AccessToken)
	if err != nil {
		return nil, fmt.Errorf("fetching accounts: %w", err)
	}

	ref, err := s.secrets.Put(ctx, exchange.AccessToken, params.TenantID, secret.PurposeAggregatorToken)
	if err != nil {
		return nil, fmt.Errorf("storing access token: %w", err)
	}

	now := s.now()
	it := &Item{
		TenantID:        params.TenantID,
		ItemID:          exchange.ItemID,
		InstitutionName: params.InstitutionName,
		SecretRef:       ref,
		Status:          StatusSyncNeeded,
		SyncNeededAt:    &now,
		IsActive:        true,
	}

	if err := s.repo.Create(ctx, it); err != nil {
		if delErr := s.secrets.Delete(ctx, ref, params.TenantID); delErr != nil {
			s.logger.Warn("failed to delete orphaned secret", "tenant_id", params.TenantID, "error", delErr)
		}

		return nil, fmt.Errorf("creating item: %w", err)
	}

	for _, acc := range accounts {
		upstreamID := acc.AccountID
		link := &AccountLink{
			TenantID:          params.TenantID,
			ItemID:            it.ID,
			UpstreamAccountID: &upstreamID,
			IsActive:          true,
			LastSeenAt:        &now,
			Account: &Account{
				TenantID:        params.TenantID,
				Name:            acc.DisplayName(),
				Mask:            acc.Mask,
				Currency:        acc.Currency,
				UpstreamType:    acc.Type,
				UpstreamSubtype: acc.Subtype,
				SyncStatus:      AccountActive,
			},
		}

		if acc.Balance != nil {
			cents := normalize.Cents(*acc.Balance)
			link.Account.BalanceCents = &cents
		}

		if err := s.repo.CreateLinkedAccount(ctx, link); err != nil {
			if errors.Is(err, ErrUpstreamAccountClaimed) {
				s.logger.Warn("upstream account already linked, skipping",
					"tenant_id", params.TenantID, "item_id", it.ItemID, "upstream_account_id", upstreamID)

				continue
			}

			return nil, fmt.Errorf("creating linked account: %w", err)
		}
	}

	return it, nil
}

// Relinked resets an item after the tenant re-authenticated it upstream.
func (s *Service) Relinked(ctx context.Context, tenantID, id uuid.UUID) error {
	it, err := s.repo.Get(ctx, tenantID, id)
	if err != nil {
		return err
	}

	if !it.Live() {
		return ErrNotFound
	}

	if !it.Status.CanTransitionTo(StatusSyncNeeded) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, it.Status, StatusSyncNeeded)
	}

	return s.repo.ResetAfterRelink(ctx, tenantID, id, s.now())
}

// Unlink revokes the item upstream and offboards it locally.
func (s *Service) Unlink(ctx context.Context, tenantID, id uuid.UUID) error {
	it, err := s.repo.Get(ctx, tenantID, id)
	if err != nil {
		return err
	}

	if !it.Live() {
		return ErrNotFound
	}

	if !it.Status.CanTransitionTo(StatusRemoved) {
		return ErrBusy
	}

	token, err := s.secrets.Get(ctx, it.SecretRef, tenantID)
	if err != nil {
		return fmt.Errorf("resolving access token: %w", err)
	}

	if err := s.client.RemoveItem(ctx, token); err != nil {
		return fmt.Errorf("revoking item: %w", err)
	}

	if err := s.repo.MarkRemoved(ctx, tenantID, id, s.now()); err != nil {
		return fmt.Errorf("marking item removed: %w", err)
	}

	if err := s.secrets.Delete(ctx, it.SecretRef, tenantID); err != nil && !errors.Is(err, secret.ErrNotFound) {
		s.logger.Warn("failed to delete item secret", "tenant_id", tenantID, "item_id", it.ItemID, "error", err)
	}

	if s.audit == nil {
		return nil
	}

	err = s.audit.Record(ctx, &audit.Entry{
		TenantID: tenantID,
		Action:   audit.ActionItemUnlinked,
		Source:   "user",
		Metadata: map[string]any{
			"item_id":          it.ItemID,
			"institution_name": it.InstitutionName,
		},
	})
	if err != nil {
		s.logger.Warn("failed to record unlink audit entry", "item_id", it.ItemID, "error", err)
	}

	return nil
}
