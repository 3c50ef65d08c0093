package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/MrJamesThe3rd/finsync/internal/notify"
)

type Store struct {
	db *sql.DB
}

func New(db *sql.DB) *Store {
	return &Store{db: db}
}

func (s *Store) Notify(ctx context.Context, n *notify.Notification) (bool, error) {
	query := `
		INSERT INTO local_notifications (tenant_id, event_key, title, message, created_at)
		VALUES ($1, $2, $3, $4, NOW())
		ON CONFLICT (tenant_id, event_key) DO NOTHING
		RETURNING id, created_at
	`

	err := s.db.QueryRowContext(ctx, query, n.TenantID, n.EventKey, n.Title, n.Message).Scan(&n.ID, &n.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return false, nil
		}

		return false, fmt.Errorf("creating notification: %w", err)
	}

	return true, nil
}
