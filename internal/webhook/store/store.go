package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/MrJamesThe3rd/finsync/internal/database"
	"github.com/MrJamesThe3rd/finsync/internal/webhook"
)

const constraintDedupeKey = "uq_webhook_events_dedupe_key"

type Store struct {
	db *sql.DB
}

func New(db *sql.DB) *Store {
	return &Store{db: db}
}

func (s *Store) InsertEvent(ctx context.Context, event *webhook.Event) error {
	query := `
		INSERT INTO webhook_events (dedupe_key, item_id, webhook_type, webhook_code,
			signature_verified, payload_json, received_at)
		VALUES ($1, NULLIF($2, ''), NULLIF($3, ''), NULLIF($4, ''), $5, $6, $7)
		RETURNING id
	`

	err := s.db.QueryRowContext(ctx, query,
		event.DedupeKey,
		event.ItemID,
		event.WebhookType,
		event.WebhookCode,
		event.SignatureVerified,
		event.Payload,
		event.ReceivedAt,
	).Scan(&event.ID)
	if err != nil {
		if database.IsUniqueViolation(err, constraintDedupeKey) {
			return webhook.ErrDuplicateEvent
		}

		return fmt.Errorf("inserting webhook event: %w", err)
	}

	return nil
}
