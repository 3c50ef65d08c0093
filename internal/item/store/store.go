package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/samber/lo"

	"github.com/MrJamesThe3rd/finsync/internal/database"
	"github.com/MrJamesThe3rd/finsync/internal/item"
)

const (
	constraintActiveItem      = "uq_linked_items_active"
	constraintUpstreamAccount = "uq_item_account_links_upstream"
	constraintItemAccount     = "uq_item_account_links_item_account"
)

type Store struct {
	db *sql.DB
}

func New(db *sql.DB) *Store {
	return &Store{db: db}
}

// scanner is satisfied by both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

const selectItemColumns = `
	id, tenant_id, item_id, institution_name, secret_ref, next_cursor, sync_status,
	last_synced_at, last_sync_started_at, sync_needed_at, last_webhook_at, reauth_needed_at,
	cleanup_notified_at, removed_at, last_sync_error, is_active, created_at, updated_at
`

func scanItem(s scanner) (*item.Item, error) {
	var it item.Item

	var status string

	var institution, lastErr sql.NullString

	if err := s.Scan(
		&it.ID, &it.TenantID, &it.ItemID, &institution, &it.SecretRef, &it.NextCursor, &status,
		&it.LastSyncedAt, &it.LastSyncStartedAt, &it.SyncNeededAt, &it.LastWebhookAt, &it.ReauthNeededAt,
		&it.CleanupNotifiedAt, &it.RemovedAt, &lastErr, &it.IsActive, &it.CreatedAt, &it.UpdatedAt,
	); err != nil {
		return nil, err
	}

	it.Status = item.Status(status)
	it.InstitutionName = institution.String
	it.LastSyncError = lastErr.String

	return &it, nil
}

func (s *Store) queryItems(ctx context.Context, query string, args ...any) ([]*item.Item, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var items []*item.Item

	for rows.Next() {
		it, err := scanItem(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning item: %w", err)
		}

		items = append(items, it)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating item rows: %w", err)
	}

	return items, nil
}

func (s *Store) FindByItemID(ctx context.Context, upstreamItemID string) (*item.Item, error) {
	query := `SELECT ` + selectItemColumns + `
		FROM linked_items
		WHERE item_id = $1 AND is_active = true AND removed_at IS NULL
		ORDER BY created_at DESC
		LIMIT 1`

	it, err := scanItem(s.db.QueryRowContext(ctx, query, upstreamItemID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, item.ErrNotFound
		}

		return nil, fmt.Errorf("finding item: %w", err)
	}

	return it, nil
}

func (s *Store) Get(ctx context.Context, tenantID, id uuid.UUID) (*item.Item, error) {
	query := `SELECT ` + selectItemColumns + `
		FROM linked_items
		WHERE tenant_id = $1 AND id = $2`

	it, err := scanItem(s.db.QueryRowContext(ctx, query, tenantID, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, item.ErrNotFound
		}

		return nil, fmt.Errorf("getting item: %w", err)
	}

	return it, nil
}

func (s *Store) List(ctx context.Context, filter item.ListFilter) ([]*item.Item, error) {
	query := `SELECT ` + selectItemColumns + `
		FROM linked_items
		WHERE 1 = 1`

	var args []any

	argIdx := 1

	if filter.TenantID != nil {
		query += fmt.Sprintf(" AND tenant_id = $%d", argIdx)

		args = append(args, *filter.TenantID)
		argIdx++
	}

	if filter.Status != nil {
		query += fmt.Sprintf(" AND sync_status = $%d", argIdx)

		args = append(args, *filter.Status)
	}

	if !filter.IncludeRemoved {
		query += " AND is_active = true AND removed_at IS NULL"
	}

	query += " ORDER BY created_at ASC"

	items, err := s.queryItems(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing items: %w", err)
	}

	return items, nil
}

func (s *Store) Create(ctx context.Context, it *item.Item) error {
	query := `
		INSERT INTO linked_items (tenant_id, item_id, institution_name, secret_ref, next_cursor,
			sync_status, sync_needed_at, is_active, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, NOW(), NOW())
		RETURNING id, created_at, updated_at
	`

	err := s.db.QueryRowContext(ctx, query,
		it.TenantID,
		it.ItemID,
		it.InstitutionName,
		it.SecretRef,
		it.NextCursor,
		it.Status,
		it.SyncNeededAt,
		it.IsActive,
	).Scan(&it.ID, &it.CreatedAt, &it.UpdatedAt)
	if err != nil {
		if database.IsUniqueViolation(err, constraintActiveItem) {
			return item.ErrAlreadyLinked
		}

		return fmt.Errorf("creating item: %w", err)
	}

	return nil
}

func (s *Store) CreateLinkedAccount(ctx context.Context, link *item.AccountLink) error {
	dbTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer dbTx.Rollback()

	acc := link.Account

	if acc.ID == uuid.Nil {
		accountQuery := `
			INSERT INTO accounts (tenant_id, name, mask, balance_cents, currency, upstream_type,
				upstream_subtype, sync_status, created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, NOW(), NOW())
			RETURNING id
		`

		err = dbTx.QueryRowContext(ctx, accountQuery,
			link.TenantID,
			acc.Name,
			acc.Mask,
			acc.BalanceCents,
			acc.Currency,
			acc.UpstreamType,
			acc.UpstreamSubtype,
			acc.SyncStatus,
		).Scan(&acc.ID)
		if err != nil {
			return fmt.Errorf("creating account: %w", err)
		}
	}

	acc.TenantID = link.TenantID
	link.AccountID = acc.ID

	linkQuery := `
		INSERT INTO item_account_links (tenant_id, item_id, account_id, upstream_account_id,
			is_active, last_seen_at, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, NOW(), NOW())
		RETURNING id
	`

	err = dbTx.QueryRowContext(ctx, linkQuery,
		link.TenantID,
		link.ItemID,
		link.AccountID,
		link.UpstreamAccountID,
		link.IsActive,
		link.LastSeenAt,
	).Scan(&link.ID)
	if err != nil {
		switch {
		case database.IsUniqueViolation(err, constraintUpstreamAccount):
			return item.ErrUpstreamAccountClaimed
		case database.IsUniqueViolation(err, constraintItemAccount):
			return item.ErrAccountAlreadyLinked
		}

		return fmt.Errorf("creating account link: %w", err)
	}

	if err := dbTx.Commit(); err != nil {
		return fmt.Errorf("committing transaction: %w", err)
	}

	return nil
}

// execOne runs an update that must hit exactly one row and maps zero rows to miss.
func (s *Store) execOne(ctx context.Context, miss error, query string, args ...any) error {
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}

	n, err := res.RowsAffected()
	if err != nil {
		return err
	}

	if n == 0 {
		return miss
	}

	return nil
}

func (s *Store) MarkSyncNeeded(ctx context.Context, tenantID, id uuid.UUID, at time.Time, fromWebhook bool) error {
	query := `
		UPDATE linked_items
		SET sync_needed_at = $3,
			last_webhook_at = CASE WHEN $4 THEN $3 ELSE last_webhook_at END,
			sync_status = CASE
				WHEN sync_status IN ('needs_reauth', 'removed', 'syncing') THEN sync_status
				ELSE 'sync_needed'
			END,
			updated_at = NOW()
		WHERE tenant_id = $1 AND id = $2 AND is_active = true AND removed_at IS NULL
	`

	if err := s.execOne(ctx, item.ErrNotFound, query, tenantID, id, at, fromWebhook); err != nil {
		return fmt.Errorf("marking sync needed: %w", err)
	}

	return nil
}

// leaseArg turns a zero lease cutoff into NULL so no syncing row compares below it.
func leaseArg(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}

	return &t
}

func (s *Store) ClaimForSync(ctx context.Context, tenantID, id uuid.UUID, at, leaseExpiredBefore time.Time) (*item.Item, error) {
	query := `
		UPDATE linked_items
		SET sync_status = 'syncing', last_sync_started_at = $3, updated_at = NOW()
		WHERE tenant_id = $1 AND id = $2
			AND is_active = true AND removed_at IS NULL
			AND (
				sync_status IN ('active', 'sync_needed', 'failed')
				OR (sync_status = 'syncing' AND last_sync_started_at < $4)
			)
		RETURNING ` + selectItemColumns

	it, err := scanItem(s.db.QueryRowContext(ctx, query, tenantID, id, at, leaseArg(leaseExpiredBefore)))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, item.ErrBusy
		}

		return nil, fmt.Errorf("claiming item: %w", err)
	}

	return it, nil
}

func (s *Store) CompleteSync(ctx context.Context, tenantID, id uuid.UUID, cursor *string, at time.Time) (item.Status, error) {
	// A webhook stamped after the claim keeps the item queued.
	query := `
		UPDATE linked_items
		SET next_cursor = COALESCE($3, next_cursor),
			last_synced_at = $4,
			last_sync_error = NULL,
			reauth_needed_at = NULL,
			cleanup_notified_at = NULL,
			sync_status = CASE
				WHEN sync_needed_at > last_sync_started_at THEN 'sync_needed'
				ELSE 'active'
			END,
			sync_needed_at = CASE
				WHEN sync_needed_at > last_sync_started_at THEN sync_needed_at
				ELSE NULL
			END,
			updated_at = NOW()
		WHERE tenant_id = $1 AND id = $2 AND sync_status = 'syncing'
		RETURNING sync_status
	`

	var status string
	if err := s.db.QueryRowContext(ctx, query, tenantID, id, cursor, at).Scan(&status); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", item.ErrInvalidTransition
		}

		return "", fmt.Errorf("completing sync: %w", err)
	}

	return item.Status(status), nil
}

func (s *Store) FailSync(ctx context.Context, tenantID, id uuid.UUID, message string, at time.Time) error {
	query := `
		UPDATE linked_items
		SET sync_status = 'failed', last_sync_error = $3, sync_needed_at = $4, updated_at = NOW()
		WHERE tenant_id = $1 AND id = $2 AND sync_status = 'syncing'
	`

	if err := s.execOne(ctx, item.ErrInvalidTransition, query, tenantID, id, message, at); err != nil {
		return fmt.Errorf("failing sync: %w", err)
	}

	return nil
}

func (s *Store) setAccountStatus(ctx context.Context, dbTx *sql.Tx, tenantID, itemID uuid.UUID, status item.AccountSyncStatus) error {
	query := `
		UPDATE accounts
		SET sync_status = $3, updated_at = NOW()
		WHERE tenant_id = $1
			AND id IN (SELECT account_id FROM item_account_links WHERE tenant_id = $1 AND item_id = $2)
	`

	if _, err := dbTx.ExecContext(ctx, query, tenantID, itemID, status); err != nil {
		return fmt.Errorf("updating account status: %w", err)
	}

	return nil
}

// inTx runs an item update together with an account status update.
func (s *Store) inTx(ctx context.Context, fn func(dbTx *sql.Tx) error) error {
	dbTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer dbTx.Rollback()

	if err := fn(dbTx); err != nil {
		return err
	}

	if err := dbTx.Commit(); err != nil {
		return fmt.Errorf("committing transaction: %w", err)
	}

	return nil
}

func execOneTx(ctx context.Context, dbTx *sql.Tx, miss error, query string, args ...any) error {
	res, err := dbTx.ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}

	if n, err := res.RowsAffected(); err != nil {
		return err
	} else if n == 0 {
		return miss
	}

	return nil
}

func (s *Store) MarkNeedsReauth(ctx context.Context, tenantID, id uuid.UUID, message string, at time.Time) error {
	return s.inTx(ctx, func(dbTx *sql.Tx) error {
		query := `
			UPDATE linked_items
			SET sync_status = 'needs_reauth', reauth_needed_at = $3, last_sync_error = $4,
				sync_needed_at = NULL, updated_at = NOW()
			WHERE tenant_id = $1 AND id = $2 AND sync_status = 'syncing'
		`

		if err := execOneTx(ctx, dbTx, item.ErrInvalidTransition, query, tenantID, id, at, message); err != nil {
			return fmt.Errorf("marking needs reauth: %w", err)
		}

		return s.setAccountStatus(ctx, dbTx, tenantID, id, item.AccountNeedsReauth)
	})
}

func (s *Store) ResetAfterRelink(ctx context.Context, tenantID, id uuid.UUID, at time.Time) error {
	query := `
		UPDATE linked_items
		SET sync_status = 'sync_needed', sync_needed_at = $3, reauth_needed_at = NULL,
			last_sync_error = NULL, updated_at = NOW()
		WHERE tenant_id = $1 AND id = $2
			AND is_active = true AND removed_at IS NULL
			AND sync_status NOT IN ('syncing', 'removed')
	`

	if err := s.execOne(ctx, item.ErrInvalidTransition, query, tenantID, id, at); err != nil {
		return fmt.Errorf("resetting item after relink: %w", err)
	}

	return nil
}

func (s *Store) MarkCleanupNotified(ctx context.Context, tenantID, id uuid.UUID, at time.Time) error {
	query := `
		UPDATE linked_items
		SET sync_status = 'pending_cleanup', cleanup_notified_at = $3, updated_at = NOW()
		WHERE tenant_id = $1 AND id = $2
			AND is_active = true AND removed_at IS NULL
			AND sync_status NOT IN ('syncing', 'removed')
	`

	if err := s.execOne(ctx, item.ErrInvalidTransition, query, tenantID, id, at); err != nil {
		return fmt.Errorf("marking cleanup notified: %w", err)
	}

	return nil
}

func (s *Store) MarkRemoved(ctx context.Context, tenantID, id uuid.UUID, at time.Time) error {
	return s.inTx(ctx, func(dbTx *sql.Tx) error {
		query := `
			UPDATE linked_items
			SET sync_status = 'removed', is_active = false, removed_at = $3, updated_at = NOW()
			WHERE tenant_id = $1 AND id = $2
				AND removed_at IS NULL
				AND sync_status NOT IN ('syncing', 'removed')
		`

		if err := execOneTx(ctx, dbTx, item.ErrInvalidTransition, query, tenantID, id, at); err != nil {
			return fmt.Errorf("marking item removed: %w", err)
		}

		return s.setAccountStatus(ctx, dbTx, tenantID, id, item.AccountDisconnected)
	})
}

func (s *Store) MarkCleanupFailed(ctx context.Context, tenantID, id uuid.UUID, message string, at time.Time) error {
	query := `
		UPDATE linked_items
		SET sync_status = 'failed', last_sync_error = $3, updated_at = $4
		WHERE tenant_id = $1 AND id = $2
			AND removed_at IS NULL
			AND sync_status NOT IN ('syncing', 'removed')
	`

	if err := s.execOne(ctx, item.ErrInvalidTransition, query, tenantID, id, message, at); err != nil {
		return fmt.Errorf("marking cleanup failed: %w", err)
	}

	return nil
}

func (s *Store) ListDue(ctx context.Context, filter item.DueFilter) ([]*item.Item, error) {
	query := `SELECT ` + selectItemColumns + `
		FROM linked_items
		WHERE is_active = true AND removed_at IS NULL
			AND (
				sync_status IN ('sync_needed', 'failed')
				OR ($1 AND sync_status = 'active' AND last_synced_at < $2)
				OR ($1 AND last_synced_at IS NULL AND sync_status IN ('active', 'sync_needed', 'failed'))
				OR (sync_status = 'syncing' AND last_sync_started_at < $4)
			)
		ORDER BY sync_needed_at ASC NULLS LAST, updated_at ASC
		LIMIT $3`

	items, err := s.queryItems(ctx, query,
		filter.IncludeSafetyNet, filter.StaleBefore, filter.Limit, leaseArg(filter.LeaseExpiredBefore))
	if err != nil {
		return nil, fmt.Errorf("listing due items: %w", err)
	}

	return items, nil
}

func (s *Store) ListCleanupCandidates(ctx context.Context, inactiveBefore time.Time) ([]*item.Item, error) {
	query := `SELECT ` + selectItemColumns + `
		FROM linked_items
		WHERE is_active = true AND removed_at IS NULL
			AND sync_status <> 'syncing'
			AND GREATEST(last_synced_at, last_webhook_at, created_at) < $1
		ORDER BY created_at ASC`

	items, err := s.queryItems(ctx, query, inactiveBefore)
	if err != nil {
		return nil, fmt.Errorf("listing cleanup candidates: %w", err)
	}

	return items, nil
}

func (s *Store) ListAccountLinks(ctx context.Context, tenantID, itemID uuid.UUID) ([]*item.AccountLink, error) {
	query := `
		SELECT l.id, l.tenant_id, l.item_id, l.account_id, l.upstream_account_id, l.is_active, l.last_seen_at,
			a.name, a.mask, a.balance_cents, a.currency, a.upstream_type, a.upstream_subtype,
			a.sync_status, a.last_synced_at
		FROM item_account_links l
		JOIN accounts a ON a.id = l.account_id AND a.tenant_id = l.tenant_id
		WHERE l.tenant_id = $1 AND l.item_id = $2
		ORDER BY l.created_at ASC
	`

	rows, err := s.db.QueryContext(ctx, query, tenantID, itemID)
	if err != nil {
		return nil, fmt.Errorf("listing account links: %w", err)
	}
	defer rows.Close()

	var links []*item.AccountLink

	for rows.Next() {
		var (
			link item.AccountLink
			acc  item.Account
		)

		var mask, currency, upType, upSubtype, status sql.NullString

		if err := rows.Scan(
			&link.ID, &link.TenantID, &link.ItemID, &link.AccountID, &link.UpstreamAccountID, &link.IsActive, &link.LastSeenAt,
			&acc.Name, &mask, &acc.BalanceCents, &currency, &upType, &upSubtype, &status, &acc.LastSyncedAt,
		); err != nil {
			return nil, fmt.Errorf("scanning account link: %w", err)
		}

		acc.ID = link.AccountID
		acc.TenantID = link.TenantID
		acc.Mask = mask.String
		acc.Currency = currency.String
		acc.UpstreamType = upType.String
		acc.UpstreamSubtype = upSubtype.String
		acc.SyncStatus = item.AccountSyncStatus(status.String)
		link.Account = &acc

		links = append(links, &link)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating account link rows: %w", err)
	}

	return links, nil
}

func (s *Store) SaveAccountLink(ctx context.Context, link *item.AccountLink) error {
	return s.inTx(ctx, func(dbTx *sql.Tx) error {
		linkQuery := `
			UPDATE item_account_links
			SET upstream_account_id = $3, last_seen_at = $4, updated_at = NOW()
			WHERE tenant_id = $1 AND id = $2
		`

		if _, err := dbTx.ExecContext(ctx, linkQuery, link.TenantID, link.ID, link.UpstreamAccountID, link.LastSeenAt); err != nil {
			if database.IsUniqueViolation(err, constraintUpstreamAccount) {
				return item.ErrUpstreamAccountClaimed
			}

			return fmt.Errorf("updating account link: %w", err)
		}

		if link.Account == nil {
			return nil
		}

		acc := link.Account

		accountQuery := `
			UPDATE accounts
			SET balance_cents = $3, currency = $4, upstream_type = $5, upstream_subtype = $6,
				sync_status = $7, updated_at = NOW()
			WHERE tenant_id = $1 AND id = $2
		`

		if _, err := dbTx.ExecContext(ctx, accountQuery,
			link.TenantID, acc.ID, acc.BalanceCents, acc.Currency, acc.UpstreamType, acc.UpstreamSubtype, acc.SyncStatus,
		); err != nil {
			return fmt.Errorf("updating account: %w", err)
		}

		return nil
	})
}

func (s *Store) TouchAccounts(ctx context.Context, tenantID uuid.UUID, accountIDs []uuid.UUID, at time.Time) error {
	if len(accountIDs) == 0 {
		return nil
	}

	ids := lo.Map(accountIDs, func(id uuid.UUID, _ int) string { return id.String() })

	query := `
		UPDATE accounts
		SET last_synced_at = $3, sync_status = 'active', updated_at = NOW()
		WHERE tenant_id = $1 AND id = ANY($2::uuid[])
	`

	if _, err := s.db.ExecContext(ctx, query, tenantID, ids, at); err != nil {
		return fmt.Errorf("touching accounts: %w", err)
	}

	return nil
}
