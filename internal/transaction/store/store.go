package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/samber/lo"

	"github.com/MrJamesThe3rd/finsync/internal/transaction"
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

// scanTransaction reads a transaction row from the scanner and returns a populated Transaction.
// Expected column order: id, tenant_id, account_id, external_id, ts, amount, currency, category,
// merchant_name, description, is_manual, archived, raw_json, created_at, updated_at
func scanTransaction(s scanner) (*transaction.Transaction, error) {
	var tx transaction.Transaction

	var externalID, category, merchant sql.NullString

	var raw []byte

	if err := s.Scan(
		&tx.ID, &tx.TenantID, &tx.AccountID, &externalID, &tx.Date, &tx.Amount, &tx.Currency,
		&category, &merchant, &tx.Description, &tx.IsManual, &tx.Archived, &raw,
		&tx.CreatedAt, &tx.UpdatedAt,
	); err != nil {
		return nil, err
	}

	tx.ExternalID = externalID.String
	tx.Category = category.String
	tx.MerchantName = merchant.String

	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &tx.Provenance); err != nil {
			return nil, fmt.Errorf("decoding provenance: %w", err)
		}
	}

	return &tx, nil
}

const selectTransactionColumns = `
	t.id, t.tenant_id, t.account_id, t.external_id, t.ts, t.amount, t.currency, t.category,
	t.merchant_name, t.description, t.is_manual, t.archived, t.raw_json, t.created_at, t.updated_at
`

func uuidStrings(ids []uuid.UUID) []string {
	return lo.Map(ids, func(id uuid.UUID, _ int) string { return id.String() })
}

func (s *Store) ListTransactions(ctx context.Context, filter transaction.ListFilter) ([]*transaction.Transaction, error) {
	query := `SELECT ` + selectTransactionColumns + `
		FROM transactions t
		WHERE t.tenant_id = $1`

	args := []any{filter.TenantID}
	argIdx := 2

	if len(filter.AccountIDs) > 0 {
		query += fmt.Sprintf(" AND t.account_id = ANY($%d::uuid[])", argIdx)

		args = append(args, uuidStrings(filter.AccountIDs))
		argIdx++
	}

	if !filter.IncludeArchived {
		query += " AND t.archived = false"
	}

	if filter.StartDate != nil {
		query += fmt.Sprintf(" AND t.ts >= $%d", argIdx)

		args = append(args, *filter.StartDate)
		argIdx++
	}

	if filter.EndDate != nil {
		query += fmt.Sprintf(" AND t.ts <= $%d", argIdx)

		args = append(args, *filter.EndDate)
	}

	query += " ORDER BY t.ts ASC, t.external_id ASC"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing transactions: %w", err)
	}
	defer rows.Close()

	var txs []*transaction.Transaction

	for rows.Next() {
		tx, err := scanTransaction(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning transaction: %w", err)
		}

		txs = append(txs, tx)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating transaction rows: %w", err)
	}

	return txs, nil
}

type applyTx struct {
	tx       *sql.Tx
	tenantID uuid.UUID
}

func (s *Store) BeginApply(ctx context.Context, tenantID uuid.UUID) (transaction.ApplyTx, error) {
	dbTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("beginning apply tx: %w", err)
	}

	return &applyTx{tx: dbTx, tenantID: tenantID}, nil
}

func (atx *applyTx) Commit() error   { return atx.tx.Commit() }
func (atx *applyTx) Rollback() error { return atx.tx.Rollback() }

func (atx *applyTx) Upsert(ctx context.Context, tx *transaction.Transaction) (bool, error) {
	raw, err := json.Marshal(tx.Provenance)
	if err != nil {
		return false, fmt.Errorf("encoding provenance: %w", err)
	}

	query := `
		INSERT INTO transactions (tenant_id, account_id, external_id, ts, amount, currency, category,
			merchant_name, description, is_manual, archived, raw_json, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, NULLIF($7, ''), NULLIF($8, ''), $9, false, false, $10, NOW(), NOW())
		ON CONFLICT (account_id, external_id) DO UPDATE SET
			ts = EXCLUDED.ts,
			amount = EXCLUDED.amount,
			currency = EXCLUDED.currency,
			category = EXCLUDED.category,
			merchant_name = EXCLUDED.merchant_name,
			description = EXCLUDED.description,
			archived = false,
			raw_json = EXCLUDED.raw_json,
			updated_at = NOW()
		RETURNING id, created_at, (xmax = 0) AS inserted
	`

	var inserted bool

	err = atx.tx.QueryRowContext(ctx, query,
		atx.tenantID,
		tx.AccountID,
		tx.ExternalID,
		tx.Date,
		tx.Amount,
		tx.Currency,
		tx.Category,
		tx.MerchantName,
		tx.Description,
		raw,
	).Scan(&tx.ID, &tx.CreatedAt, &inserted)
	if err != nil {
		return false, fmt.Errorf("upserting transaction: %w", err)
	}

	return inserted, nil
}

func (atx *applyTx) Tombstone(ctx context.Context, accountIDs []uuid.UUID, externalID string, at time.Time) (int, error) {
	if len(accountIDs) == 0 || externalID == "" {
		return 0, nil
	}

	query := `
		UPDATE transactions
		SET archived = true,
			raw_json = COALESCE(raw_json, '{}'::jsonb)
				|| jsonb_build_object('source_removed', true, 'removed_at', $4::timestamptz),
			updated_at = NOW()
		WHERE tenant_id = $1
			AND account_id = ANY($2::uuid[])
			AND external_id = $3
			AND is_manual = false
			AND archived = false
	`

	res, err := atx.tx.ExecContext(ctx, query, atx.tenantID, uuidStrings(accountIDs), externalID, at)
	if err != nil {
		return 0, fmt.Errorf("tombstoning transaction: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("counting tombstoned rows: %w", err)
	}

	return int(n), nil
}

func (atx *applyTx) PruneBefore(ctx context.Context, accountIDs []uuid.UUID, cutoff time.Time) (int, error) {
	if len(accountIDs) == 0 {
		return 0, nil
	}

	query := `
		DELETE FROM transactions
		WHERE tenant_id = $1
			AND account_id = ANY($2::uuid[])
			AND ts < $3
	`

	res, err := atx.tx.ExecContext(ctx, query, atx.tenantID, uuidStrings(accountIDs), cutoff)
	if err != nil {
		return 0, fmt.Errorf("pruning transactions: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("counting pruned rows: %w", err)
	}

	return int(n), nil
}
