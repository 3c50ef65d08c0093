package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/MrJamesThe3rd/finsync/internal/audit"
)

type Store struct {
	db *sql.DB
}

func New(db *sql.DB) *Store {
	return &Store{db: db}
}

func (s *Store) Record(ctx context.Context, entry *audit.Entry) error {
	metadata, err := json.Marshal(entry.Metadata)
	if err != nil {
		return fmt.Errorf("encoding audit metadata: %w", err)
	}

	query := `
		INSERT INTO audit_logs (actor_tenant_id, target_tenant_id, action, source, metadata_json, created_at)
		VALUES ($1, $1, $2, $3, $4, NOW())
		RETURNING id, created_at
	`

	if err := s.db.QueryRowContext(ctx, query, entry.TenantID, entry.Action, entry.Source, metadata).
		Scan(&entry.ID, &entry.CreatedAt); err != nil {
		return fmt.Errorf("recording audit entry: %w", err)
	}

	return nil
}
