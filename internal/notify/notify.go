package notify

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Notification is a tenant-facing message. EventKey is unique per tenant, so
// re-sending the same event is a no-op.
type Notification struct {
	ID        uuid.UUID
	TenantID  uuid.UUID
	EventKey  string
	Title     string
	Message   string
	CreatedAt time.Time
}

type Notifier interface {
	// Notify reports false when a notification with the same event key exists.
	Notify(ctx context.Context, n *Notification) (bool, error)
}

// CleanupWarningKey is the event key of the dormant-item warning.
func CleanupWarningKey(upstreamItemID string) string {
	return "plaid_cleanup_warning:" + upstreamItemID
}
