package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/MrJamesThe3rd/finsync/internal/billing"
)

type Store struct {
	db *sql.DB
}

func New(db *sql.DB) *Store {
	return &Store{db: db}
}

func (s *Store) ActivePlan(ctx context.Context, tenantID uuid.UUID) (string, error) {
	query := `
		SELECT plan
		FROM subscriptions
		WHERE tenant_id = $1
		ORDER BY (status = 'active') DESC, created_at DESC
		LIMIT 1
	`

	var plan string
	if err := s.db.QueryRowContext(ctx, query, tenantID).Scan(&plan); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return billing.PlanFree, nil
		}

		return "", fmt.Errorf("getting active plan: %w", err)
	}

	return plan, nil
}
