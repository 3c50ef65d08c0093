package audit

import (
	"context"
	"time"

	"github.com/google/uuid"
)

const (
	ActionItemSync       = "plaid_item_sync"
	ActionCleanupRemoved = "plaid_item_cleanup_removed"
	ActionItemUnlinked   = "plaid_item_unlinked"
)

// Entry is one append-only audit record.
type Entry struct {
	ID        uuid.UUID
	TenantID  uuid.UUID
	Action    string
	Source    string
	Metadata  map[string]any
	CreatedAt time.Time
}

type Recorder interface {
	Record(ctx context.Context, entry *Entry) error
}
